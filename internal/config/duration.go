package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses the Go duration string found at path. Empty
// means 0; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// DurationOr is ParseDurationField with def substituted for empty or zero.
func DurationOr(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// BusyTimeoutOr returns the sqlite busy timeout, or def when unset.
func (s StorageConfig) BusyTimeoutOr(def time.Duration) time.Duration {
	d, err := DurationOr("storage.busy_timeout", s.BusyTimeout, def)
	if err != nil {
		return def
	}
	return d
}
