package config

import (
	"strings"

	"batchq/internal/batch"
)

const (
	DefaultLogPath      = "./batchq.log"
	DefaultOutputDir    = "./out"
	DefaultStorePath    = "./batchq.db"
	DefaultMetricsAddr  = "127.0.0.1:9464"
	DefaultSchedule     = "10m"
	DefaultProgressRate = 2
)

// Default returns a complete config usable without any file.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		cfg.Logging.File.Path = DefaultLogPath
	}

	def := batch.DefaultConfig()
	if cfg.Batch.Concurrency == 0 {
		cfg.Batch.Concurrency = def.Concurrency
	}
	if cfg.Batch.ContinueOnError == nil {
		v := def.ContinueOnError
		cfg.Batch.ContinueOnError = &v
	}

	if strings.TrimSpace(cfg.Compress.OutputDir) == "" {
		cfg.Compress.OutputDir = DefaultOutputDir
	}
	if strings.TrimSpace(cfg.Compress.Pattern) == "" {
		cfg.Compress.Pattern = "*"
	}
	if strings.TrimSpace(cfg.Compress.Level) == "" {
		cfg.Compress.Level = "default"
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "":
		cfg.Storage.Driver = "sqlite"
	default:
		cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	}
	if cfg.Storage.Driver != "none" && strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStorePath
	}

	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		cfg.Metrics.Addr = DefaultMetricsAddr
	}
	if strings.TrimSpace(cfg.Watch.Schedule) == "" {
		cfg.Watch.Schedule = DefaultSchedule
	}
}

// BatchOptions converts the batch section into a queue config.
func (c *Config) BatchOptions() (batch.Config, error) {
	out := batch.DefaultConfig()
	if c == nil {
		return out, nil
	}
	if c.Batch.Concurrency != 0 {
		out.Concurrency = c.Batch.Concurrency
	}
	if c.Batch.ContinueOnError != nil {
		out.ContinueOnError = *c.Batch.ContinueOnError
	}
	d, err := ParseDurationField("batch.item_timeout", c.Batch.ItemTimeout)
	if err != nil {
		return out, err
	}
	out.ItemTimeout = d
	return out, out.Validate()
}
