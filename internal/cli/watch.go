package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"batchq/internal/config"
	"batchq/internal/eventbus"
	"batchq/internal/metrics"
	"batchq/internal/runtime/supervisor"
	"batchq/internal/trigger"
	"batchq/pkg/logx"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		schedule string
		now      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the configured batch on a schedule",
		Long: `Run the configured compress batch on watch.schedule until interrupted.

The schedule is a cron expression ("*/5 * * * *", "@hourly"), a Go duration
("15m") or an HH:MM interval ("01:30" = every 90 minutes). The config file
is watched; batch, compress and watch changes apply to the next trigger.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schedule != "" {
				a.cfg.Watch.Schedule = schedule
			}
			return a.watch(cmd.Context(), cmd, now)
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "override watch.schedule")
	cmd.Flags().BoolVar(&now, "now", false, "run once immediately before the first trigger")
	return cmd
}

func (a *app) watch(ctx context.Context, cmd *cobra.Command, now bool) error {
	sched, err := trigger.ParseSchedule(a.cfg.Watch.Schedule)
	if err != nil {
		return err
	}
	if _, err := a.cfg.BatchOptions(); err != nil {
		return err
	}

	log := a.log.With(logx.String("component", "watch"))
	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))
	notify := notifier{log: log}

	var current atomic.Pointer[config.Config]
	current.Store(a.cfg)

	bus := eventbus.New()
	if a.cfg.Metrics.Enabled {
		m := metrics.New()
		sup.Go0("metrics.observe", func(ctx context.Context) { m.Observe(ctx, bus) })
		mc := a.cfg.Metrics
		opts := []metrics.ServeOption{metrics.WithStatus(func() any { return sup.Snapshot() })}
		if mc.Pprof {
			opts = append(opts, metrics.WithPprof(mc.PprofToken))
		}
		sup.Go("metrics.serve", func(ctx context.Context) error {
			return metrics.Serve(ctx, mc.Addr, m.Handler(), log, opts...)
		})
	}

	store, err := openStore(a.cfg, a.log)
	if err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}
	if store != nil {
		defer store.Close()
	}

	j := &job{
		log:          a.log.With(logx.String("component", "batch")),
		bus:          bus,
		store:        store,
		out:          cmd.OutOrStdout(),
		toggle:       toggleSignal(ctx),
		progressRate: -1,
	}
	var (
		runs atomic.Uint64
		busy sync.Mutex
	)
	fire := func(ctx context.Context, firedAt time.Time) {
		if !busy.TryLock() {
			log.Warn("previous batch still running; trigger skipped", logx.Time("at", firedAt))
			return
		}
		defer busy.Unlock()
		n := runs.Add(1)
		log.Info("trigger fired", logx.Uint64("run", n), logx.Time("at", firedAt))
		notify.Status(fmt.Sprintf("run %d started", n))
		res, err := j.run(ctx, current.Load(), nil)
		if err != nil {
			log.Error("batch failed to start", logx.Err(err))
			notify.Status(fmt.Sprintf("run %d error: %s", n, err))
			return
		}
		notify.Status(fmt.Sprintf("run %d %s: %d ok, %d failed", n, res.Status, res.Successful, res.Failed))
	}

	runner := trigger.NewRunner(fire, log, nil)
	if err := runner.Start(sup.Context(), sched); err != nil {
		sup.Cancel()
		_ = sup.Wait(context.Background())
		return err
	}

	if a.mgr != nil {
		a.mgr.SetValidator(func(_ context.Context, c *config.Config) error {
			if _, err := trigger.ParseSchedule(c.Watch.Schedule); err != nil {
				return err
			}
			_, err := c.BatchOptions()
			return err
		})
		updates := a.mgr.Subscribe(1)
		sup.Go("config.watch", a.mgr.Watch)
		sup.Go0("config.apply", func(ctx context.Context) {
			defer a.mgr.Unsubscribe(updates)
			for {
				select {
				case <-ctx.Done():
					return
				case next := <-updates:
					a.applyReload(current.Swap(next), next, runner, log)
				}
			}
		})
	}

	if now {
		sup.Go0("trigger.now", func(ctx context.Context) { fire(ctx, time.Now()) })
	}

	notify.Ready()
	sup.Go0("systemd.watchdog", notify.Watchdog)
	log.Info("watching", logx.String("schedule", sched.String()), logx.Time("next", runner.Next()))

	<-sup.Context().Done()
	notify.Stopping()
	c := sup.Counters()
	log.Info("stopping",
		logx.Uint64("runs", runs.Load()),
		logx.Uint64("skipped", runner.Skipped()),
		logx.Int64("goroutines_active", c.Active),
		logx.Uint64("goroutines_started", c.Started),
	)

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		log.Warn("trigger did not stop in time", logx.Err(err))
	}
	err = sup.Stop(stopCtx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *app) applyReload(prev, next *config.Config, runner *trigger.Runner, log logx.Logger) {
	changed, attrs := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		return
	}
	log.Info("config reloaded", append(attrs, logx.String("sections", strings.Join(changed, ",")))...)

	if config.Changed(changed, "logging") {
		a.logs.Apply(logConfig(next.Logging))
	}
	if config.Changed(changed, "watch") && prev.Watch.Schedule != next.Watch.Schedule {
		sched, err := trigger.ParseSchedule(next.Watch.Schedule)
		if err == nil {
			err = runner.Reschedule(sched)
		}
		if err != nil {
			log.Error("reschedule failed", logx.Err(err))
		}
	}
	for _, s := range []string{"storage", "metrics"} {
		if config.Changed(changed, s) {
			log.Warn("config section changed; restart to apply", logx.String("section", s))
		}
	}
}
