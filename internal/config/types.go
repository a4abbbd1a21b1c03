package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Batch    BatchConfig    `json:"batch"`
	Compress CompressConfig `json:"compress"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
	Watch    WatchConfig    `json:"watch"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// BatchConfig controls the queue execution policy.
//
// ContinueOnError is a pointer so we can distinguish "omitted" (default true)
// from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - concurrency: 2
//   - continue_on_error: true
//   - item_timeout: "0s" (disabled)
type BatchConfig struct {
	Concurrency     int   `json:"concurrency" validate:"gte=1,lte=256"`
	ContinueOnError *bool `json:"continue_on_error,omitempty"`
	// ItemTimeout is a Go duration string (e.g. "30s", "2m").
	ItemTimeout string `json:"item_timeout,omitempty" validate:"omitempty,duration"`
}

// CompressConfig drives the gzip processor used by the CLI.
type CompressConfig struct {
	InputDir  string `json:"input_dir,omitempty"`
	OutputDir string `json:"output_dir" validate:"required"`
	// Pattern is a filepath.Match glob applied to base names.
	Pattern   string `json:"pattern,omitempty"`
	Level     string `json:"level,omitempty" validate:"omitempty,oneof=fastest default better best"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// StorageConfig controls run history persistence.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./batchq_store" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=sqlite file none"`
	Path        string `json:"path,omitempty" validate:"required_unless=Driver none"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464").
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	// Pprof mounts /debug/pprof/ on the metrics listener. A non-loopback
	// addr also needs PprofToken.
	Pprof      bool   `json:"pprof,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// WatchConfig controls the `watch` command.
type WatchConfig struct {
	// Schedule accepts a cron expression, a Go duration or an HH:MM
	// interval, optionally prefixed with "cron:", "interval:" or "every:".
	Schedule string `json:"schedule,omitempty"`
	// ProgressRate caps progress lines per second. 0 disables progress output.
	ProgressRate float64 `json:"progress_rate,omitempty" validate:"gte=0"`
}

// Clone returns a deep copy via JSON round-trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var out Config
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return &out
}
