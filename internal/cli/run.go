package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"batchq/internal/batch"
	"batchq/internal/config"
	"batchq/internal/storage"
	"batchq/pkg/logx"
)

type runFlags struct {
	concurrency int
	stopOnError bool
	itemTimeout time.Duration
	input       string
	output      string
	pattern     string
	level       string
	overwrite   bool
	noProgress  bool
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Compress files once through the batch queue",
		Long: `Compress the given files, or every file under compress.input_dir matching
compress.pattern, into compress.output_dir.

On unix, SIGUSR1 pauses a running batch and resumes a paused one.
Exits with status 1 when any item failed and 130 when interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := applyRunFlags(cmd, a.cfg, f)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sigCtx, stopSignals := context.WithCancel(ctx)
			defer stopSignals()

			store, err := openStore(cfg, a.log)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			j := &job{
				log:          a.log.With(logx.String("component", "batch")),
				store:        store,
				out:          cmd.OutOrStdout(),
				toggle:       toggleSignal(sigCtx),
				progressRate: -1,
			}
			if f.noProgress {
				j.progressRate = 0
			}
			res, err := j.run(ctx, cfg, args)
			if err != nil {
				return err
			}
			switch {
			case res.Status == batch.RunCancelled && ctx.Err() != nil:
				return &exitError{code: 130, msg: "interrupted"}
			case res.Failed > 0:
				return &exitError{code: 1, msg: fmt.Sprintf("%d item(s) failed", res.Failed)}
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.IntVarP(&f.concurrency, "concurrency", "j", 0, "max items processed at once (overrides batch.concurrency)")
	fl.BoolVar(&f.stopOnError, "stop-on-error", false, "cancel remaining items after the first failure")
	fl.DurationVar(&f.itemTimeout, "item-timeout", 0, "per-item timeout (overrides batch.item_timeout)")
	fl.StringVarP(&f.input, "input", "i", "", "input directory (overrides compress.input_dir)")
	fl.StringVarP(&f.output, "output", "o", "", "output directory (overrides compress.output_dir)")
	fl.StringVar(&f.pattern, "pattern", "", "base name glob (overrides compress.pattern)")
	fl.StringVar(&f.level, "level", "", "fastest | default | better | best")
	fl.BoolVar(&f.overwrite, "overwrite", false, "replace existing outputs")
	fl.BoolVar(&f.noProgress, "no-progress", false, "suppress progress lines")
	return cmd
}

// applyRunFlags overlays changed flags on a copy of base and re-validates.
func applyRunFlags(cmd *cobra.Command, base *config.Config, f runFlags) (*config.Config, error) {
	cfg := base.Clone()
	if cfg == nil {
		cfg = config.Default()
	}
	fl := cmd.Flags()
	if fl.Changed("concurrency") {
		cfg.Batch.Concurrency = f.concurrency
	}
	if fl.Changed("stop-on-error") {
		v := !f.stopOnError
		cfg.Batch.ContinueOnError = &v
	}
	if fl.Changed("item-timeout") {
		cfg.Batch.ItemTimeout = f.itemTimeout.String()
	}
	if fl.Changed("input") {
		cfg.Compress.InputDir = f.input
	}
	if fl.Changed("output") {
		cfg.Compress.OutputDir = f.output
	}
	if fl.Changed("pattern") {
		cfg.Compress.Pattern = f.pattern
	}
	if fl.Changed("level") {
		cfg.Compress.Level = f.level
	}
	if fl.Changed("overwrite") {
		cfg.Compress.Overwrite = f.overwrite
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	st, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutOr(0),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return st, nil
}
