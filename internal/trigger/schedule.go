// Package trigger turns schedule strings into recurring batch runs.
package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Schedule is a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 2 * * *" (optional seconds), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Schedule struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
	Raw    string

	sched cron.Schedule
}

// Parser accepts both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses and validates raw. Cron expressions are compiled
// here so a bad expression fails at config time, not at first fire.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return cronSchedule(raw, expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSchedule(raw, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSchedule(raw, s[len("every:"):])
	}

	// any whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSchedule(raw, s)
	}
	if reHHMM.MatchString(s) {
		return intervalSchedule(raw, s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval must be > 0")
		}
		return Schedule{Kind: KindInterval, Every: d, Source: "duration", Raw: raw, sched: cron.Every(d)}, nil
	}

	return Schedule{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func cronSchedule(raw, expr string) (Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Kind: KindCron, Cron: expr, Source: "cron", Raw: raw, sched: sched}, nil
}

func intervalSchedule(raw, v string) (Schedule, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{Kind: KindInterval, Every: d, Source: src, Raw: raw, sched: cron.Every(d)}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, "", fmt.Errorf("invalid minutes in %q", v)
		}
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

// Next implements cron.Schedule.
func (s Schedule) Next(t time.Time) time.Time {
	if s.sched == nil {
		return time.Time{}
	}
	return s.sched.Next(t)
}

func (s Schedule) String() string {
	if s.Kind == KindInterval {
		return "every " + s.Every.String()
	}
	return s.Cron
}
