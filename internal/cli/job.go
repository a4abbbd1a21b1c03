package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"batchq/internal/batch"
	"batchq/internal/compress"
	"batchq/internal/config"
	"batchq/internal/eventbus"
	"batchq/internal/storage"
	"batchq/pkg/logx"
)

const queueName = "compress"

// job is one compress batch: collect inputs, run them through a fresh
// queue, persist the outcome.
type job struct {
	log   logx.Logger
	bus   eventbus.Bus  // may be nil
	store storage.Store // may be nil
	out   io.Writer

	// toggle pauses a processing run and resumes a paused one.
	toggle <-chan struct{}
	// progressRate overrides cfg.Watch.ProgressRate when >= 0.
	progressRate float64
}

type runResult = batch.Result[compress.Job, compress.Output]

// run executes one batch over args (or the configured input dir).
func (j *job) run(ctx context.Context, cfg *config.Config, args []string) (runResult, error) {
	var zero runResult

	bc, err := cfg.BatchOptions()
	if err != nil {
		return zero, err
	}
	level, err := compress.ParseLevel(cfg.Compress.Level)
	if err != nil {
		return zero, err
	}
	specs, err := compress.Collect(cfg.Compress.InputDir, cfg.Compress.Pattern, cfg.Compress.OutputDir, args)
	if err != nil {
		return zero, err
	}

	opts := []batch.Option{batch.WithLogger(j.log), batch.WithName(queueName)}
	if j.bus != nil {
		opts = append(opts, batch.WithEventBus(j.bus))
	}
	q, err := batch.New[compress.Job, compress.Output](bc, opts...)
	if err != nil {
		return zero, err
	}
	if err := q.AddMany(specs); err != nil {
		return zero, err
	}

	perSec := cfg.Watch.ProgressRate
	if j.progressRate >= 0 {
		perSec = j.progressRate
	}
	rep := newReporter(j.out, perSec)
	hooks := rep.hooks()
	proc := compress.NewProcessor(compress.Options{Level: level, Overwrite: cfg.Compress.Overwrite}, j.log)

	j.log.Info("batch starting",
		logx.Int("items", len(specs)),
		logx.Int("concurrency", bc.Concurrency),
		logx.Bool("continue_on_error", bc.ContinueOnError),
		logx.String("output_dir", cfg.Compress.OutputDir),
	)

	resume, stopToggle := j.watchToggle(ctx, q)
	defer stopToggle()

	res, err := q.Run(ctx, proc, hooks)
	for err == nil && res.Status == batch.RunPaused {
		j.save(res)
		fmt.Fprintf(j.out, "paused: %d pending, send the toggle signal again to resume\n", q.Counts().Pending)

		select {
		case <-resume:
		case <-ctx.Done():
			_ = q.Cancel()
			res = resultFromItems(res.RunID, q)
			j.save(res)
			printSummary(j.out, res)
			return res, nil
		}
		res, err = q.Resume(ctx, proc, hooks)
	}
	if err != nil {
		return res, err
	}

	j.save(res)
	printSummary(j.out, res)
	return res, nil
}

// watchToggle pauses the queue on each toggle while it is processing. A
// toggle while paused is forwarded on the returned channel; run resumes.
func (j *job) watchToggle(ctx context.Context, q *batch.Queue[compress.Job, compress.Output]) (<-chan struct{}, func()) {
	resume := make(chan struct{}, 1)
	if j.toggle == nil {
		return resume, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-j.toggle:
			}
			switch q.Status() {
			case batch.RunProcessing:
				if err := q.Pause(); err != nil && !errors.Is(err, batch.ErrNotProcessing) {
					j.log.Warn("pause failed", logx.Err(err))
				}
			case batch.RunPaused:
				select {
				case resume <- struct{}{}:
				default:
				}
			}
		}
	}()
	return resume, cancel
}

func (j *job) save(res runResult) {
	if j.store == nil || res.RunID == "" {
		return
	}
	rec := storage.FromResult(queueName, res, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.store.SaveRun(ctx, rec); err != nil {
		j.log.Warn("save run failed", logx.String("run_id", res.RunID), logx.Err(err))
	}
}

// resultFromItems rebuilds a result after a paused run was cancelled
// without another Run/Resume call.
func resultFromItems(runID string, q *batch.Queue[compress.Job, compress.Output]) runResult {
	res := runResult{RunID: runID, Status: q.Status(), Items: q.Items()}
	var first, last time.Time
	for _, it := range res.Items {
		switch it.Status {
		case batch.StatusCompleted:
			res.Successful++
		case batch.StatusFailed:
			res.Failed++
		case batch.StatusCancelled:
			res.Cancelled++
		}
		if !it.StartedAt.IsZero() && (first.IsZero() || it.StartedAt.Before(first)) {
			first = it.StartedAt
		}
		if it.CompletedAt.After(last) {
			last = it.CompletedAt
		}
	}
	if !first.IsZero() && last.After(first) {
		res.TotalTime = last.Sub(first)
	}
	return res
}
