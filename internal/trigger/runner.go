package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"batchq/pkg/logx"
)

// Func is invoked on every trigger. ctx is cancelled when the Runner stops.
type Func func(ctx context.Context, firedAt time.Time)

// Runner fires a Func on a Schedule. A trigger that arrives while the
// previous call is still running is skipped.
type Runner struct {
	log logx.Logger
	fn  Func
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	sched   Schedule
	ctx     context.Context
	skipped atomic.Uint64
}

func NewRunner(fn Func, log logx.Logger, loc *time.Location) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{fn: fn, log: log, loc: loc}
}

// Start registers sched and begins firing until ctx is done or Stop.
func (r *Runner) Start(ctx context.Context, sched Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return fmt.Errorf("trigger already started")
	}
	cl := cronLogger{log: r.log, onSkip: func() { r.skipped.Add(1) }}
	r.ctx = ctx
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if err := r.addLocked(sched); err != nil {
		r.c = nil
		return err
	}
	r.c.Start()
	r.log.Info("trigger started", logx.String("schedule", sched.String()), logx.Time("next", r.nextLocked()))
	return nil
}

// Reschedule swaps the schedule of a running Runner.
func (r *Runner) Reschedule(sched Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c == nil {
		return fmt.Errorf("trigger not started")
	}
	old := r.entry
	if err := r.addLocked(sched); err != nil {
		return err
	}
	r.c.Remove(old)
	r.log.Info("trigger rescheduled", logx.String("schedule", sched.String()), logx.Time("next", r.nextLocked()))
	return nil
}

func (r *Runner) addLocked(sched Schedule) error {
	if sched.sched == nil {
		return fmt.Errorf("schedule not parsed")
	}
	ctx := r.ctx
	fn := r.fn
	r.entry = r.c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		fn(ctx, time.Now())
	}))
	r.sched = sched
	return nil
}

// Next returns the next fire time, or zero if not running.
func (r *Runner) Next() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLocked()
}

func (r *Runner) nextLocked() time.Time {
	if r.c == nil {
		return time.Time{}
	}
	return r.c.Entry(r.entry).Next
}

// Skipped counts triggers dropped because a call was still running.
func (r *Runner) Skipped() uint64 { return r.skipped.Load() }

// Stop stops firing and waits for a running call to return or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop runs fn on sched until ctx is done.
func Loop(ctx context.Context, sched Schedule, log logx.Logger, fn Func) error {
	r := NewRunner(fn, log, nil)
	if err := r.Start(ctx, sched); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop(context.Background())
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct {
	log    logx.Logger
	onSkip func()
}

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" && l.onSkip != nil {
		l.onSkip()
		l.log.Warn("trigger skipped; previous run still active")
		return
	}
	l.log.Trace("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
