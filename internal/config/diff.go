package config

import (
	"reflect"
	"strings"

	"batchq/pkg/logx"
)

// SummarizeChange returns the names of the sections that differ between
// oldCfg and newCfg and log attributes describing the new values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		coe := true
		if newCfg.Batch.ContinueOnError != nil {
			coe = *newCfg.Batch.ContinueOnError
		}
		attrs = append(attrs,
			logx.Int("batch.concurrency", newCfg.Batch.Concurrency),
			logx.Bool("batch.continue_on_error", coe),
			logx.String("batch.item_timeout", strings.TrimSpace(newCfg.Batch.ItemTimeout)),
		)
	}

	if oldCfg.Compress != newCfg.Compress {
		changed = append(changed, "compress")
		attrs = append(attrs,
			logx.String("compress.input_dir", newCfg.Compress.InputDir),
			logx.String("compress.output_dir", newCfg.Compress.OutputDir),
			logx.String("compress.level", newCfg.Compress.Level),
		)
	}

	// storage is opened once; a change only takes effect on restart
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	if oldCfg.Watch != newCfg.Watch {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.String("watch.schedule", strings.TrimSpace(newCfg.Watch.Schedule)),
			logx.Any("watch.progress_rate", newCfg.Watch.ProgressRate),
		)
	}

	return changed, attrs
}

// Changed reports whether section appears in a SummarizeChange result.
func Changed(sections []string, section string) bool {
	for _, s := range sections {
		if s == section {
			return true
		}
	}
	return false
}
