package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"batchq/internal/redact"
	"batchq/internal/runtime/supervisor"
	"batchq/pkg/logx"
)

// Run processes every item that is Pending when it is called and returns
// once all of them reached a terminal state, the run was cancelled, or the
// run was paused and its in-flight items have drained.
//
// Run is only valid from Idle. Cancelling ctx is treated like Cancel.
func (q *Queue[T, R]) Run(ctx context.Context, proc Processor[T, R], hooks Hooks[T, R]) (Result[T, R], error) {
	return q.start(ctx, proc, hooks, false)
}

func (q *Queue[T, R]) start(ctx context.Context, proc Processor[T, R], hooks Hooks[T, R], resume bool) (Result[T, R], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if proc == nil {
		return Result[T, R]{}, &ValidationError{Field: "processor", Reason: "is required"}
	}
	rs, cfg, err := q.begin(ctx, resume)
	if err != nil {
		return Result[T, R]{}, err
	}
	return q.execute(ctx, rs, cfg, proc, hooks), nil
}

func (q *Queue[T, R]) begin(ctx context.Context, resume bool) (*runState, Config, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if resume {
		if q.status != RunPaused {
			return nil, Config{}, ErrNotPaused
		}
		if q.run != nil {
			return nil, Config{}, ErrAlreadyRunning
		}
	} else {
		switch q.status {
		case RunProcessing:
			return nil, Config{}, ErrAlreadyRunning
		case RunPaused:
			return nil, Config{}, ErrPaused
		case RunCompleted, RunCancelled:
			return nil, Config{}, ErrRunFinished
		}
	}

	ids := make([]string, 0, len(q.order))
	for _, id := range q.order {
		if q.items[id].Status == StatusPending {
			ids = append(ids, id)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{
		id:      uuid.NewString(),
		started: time.Now(),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		ids:     ids,
	}
	q.run = rs
	q.status = RunProcessing
	return rs, q.cfg, nil
}

func (q *Queue[T, R]) execute(parent context.Context, rs *runState, cfg Config, proc Processor[T, R], hooks Hooks[T, R]) Result[T, R] {
	stop := context.AfterFunc(parent, func() { q.cancelRun(rs) })
	defer stop()

	log := q.log.With(logx.String("run_id", rs.id))
	log.Info("run.started",
		logx.Int("items", len(rs.ids)),
		logx.Int("concurrency", cfg.Concurrency),
		logx.Bool("continue_on_error", cfg.ContinueOnError),
	)
	q.publish(EventRunStarted, RunEvent{RunID: rs.id, Queue: q.name, Status: RunProcessing, Total: len(rs.ids)})

	if n := min(cfg.Concurrency, len(rs.ids)); n > 0 {
		sup := supervisor.New(rs.ctx, supervisor.WithLogger(log))
		for i := 0; i < n; i++ {
			sup.Go0(fmt.Sprintf("batch.worker.%d", i), func(context.Context) {
				q.worker(rs, cfg, proc, hooks, log)
			})
		}
		// Workers recover processor panics themselves, so no error here is
		// expected; a worker-level panic is already logged by the supervisor.
		_ = sup.Wait(context.Background())
		sup.Cancel()
		if log.Enabled(logx.LevelDebug) {
			for _, g := range sup.Snapshot().Goroutines {
				log.Debug("run.worker", logx.String("worker", g.Name), logx.Duration("runtime", g.LastRuntime), logx.Uint64("panics", g.Panics))
			}
		}
	}

	res, owed := q.finalize(parent, rs)
	if owed {
		q.dispatch(func() {
			if hooks.OnProgress != nil {
				hooks.OnProgress(q.progress(rs))
			}
		})
	}
	q.dispatch(func() {
		if hooks.OnComplete != nil {
			hooks.OnComplete(res.Items)
		}
	})

	log.Info("run.finished",
		logx.String("status", res.Status.String()),
		logx.Int("successful", res.Successful),
		logx.Int("failed", res.Failed),
		logx.Int("cancelled", res.Cancelled),
		logx.Duration("duration", res.TotalTime),
	)
	q.publish(EventRunFinished, RunEvent{
		RunID:      rs.id,
		Queue:      q.name,
		Status:     res.Status,
		Total:      len(res.Items),
		Successful: res.Successful,
		Failed:     res.Failed,
		Cancelled:  res.Cancelled,
		Duration:   res.TotalTime,
	})

	rs.cancel()
	close(rs.done)
	return res
}

func (q *Queue[T, R]) worker(rs *runState, cfg Config, proc Processor[T, R], hooks Hooks[T, R], log logx.Logger) {
	for {
		it, owned, ok := q.claim(rs)
		if !ok {
			return
		}
		q.execOne(rs, cfg, proc, hooks, log, it, owned)
	}
}

// claim moves the next Pending item of the work set to Processing. Items
// removed or changed since the run started are skipped. The returned
// pointer identifies the claimed item when the outcome is settled.
func (q *Queue[T, R]) claim(rs *runState) (Item[T, R], *Item[T, R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.run != rs || q.status != RunProcessing || rs.ctx.Err() != nil {
		return Item[T, R]{}, nil, false
	}
	for rs.next < len(rs.ids) {
		id := rs.ids[rs.next]
		rs.next++
		it, ok := q.items[id]
		if !ok || it.Status != StatusPending {
			continue
		}
		it.Status = StatusProcessing
		it.StartedAt = time.Now()
		it.CompletedAt = time.Time{}
		it.Error = ""
		it.Progress = 0
		return *it, it, true
	}
	return Item[T, R]{}, nil, false
}

func (q *Queue[T, R]) execOne(rs *runState, cfg Config, proc Processor[T, R], hooks Hooks[T, R], log logx.Logger, it Item[T, R], owned *Item[T, R]) {
	ilog := log.With(logx.String("item_id", it.ID))
	ilog.Debug("item.started", logx.String("label", it.Label))
	q.publish(EventItemStarted, q.itemEvent(rs, it))
	q.dispatch(func() {
		if hooks.OnItemStart != nil {
			hooks.OnItemStart(it)
		}
	})

	ctx := rs.ctx
	var cancel context.CancelFunc
	if cfg.ItemTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, cfg.ItemTimeout)
	}
	res, err := invoke(ctx, proc, it)
	if cancel != nil {
		cancel()
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		ilog.Error("item.panicked", logx.Any("panic", pe.Value), logx.String("stack", string(pe.Stack)))
	}

	done, aborted, ok := q.settle(rs, cfg, owned, res, err)
	if !ok {
		// dropped by ClearAll while draining
		return
	}

	switch done.Status {
	case StatusCompleted:
		ilog.Debug("item.completed", logx.Duration("duration", done.Duration()))
		q.publish(EventItemCompleted, q.itemEvent(rs, done))
	case StatusFailed:
		ilog.Warn("item.failed", logx.String("error", done.Error), logx.Duration("duration", done.Duration()))
		q.publish(EventItemFailed, q.itemEvent(rs, done))
	default:
		ilog.Debug("item.cancelled")
		q.publish(EventItemCancelled, q.itemEvent(rs, done))
	}
	if len(aborted) > 0 {
		log.Warn("run.stopping", logx.String("reason", "item failed"), logx.Int("cancelled", len(aborted)))
		q.publishCancelled(rs, aborted)
	}

	q.dispatch(func() {
		if hooks.OnItemComplete != nil {
			hooks.OnItemComplete(done)
		}
	})
	q.dispatch(func() {
		if hooks.OnProgress != nil {
			hooks.OnProgress(q.progress(rs))
		}
	})
}

func invoke[T, R any](ctx context.Context, proc Processor[T, R], it Item[T, R]) (res R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return proc(ctx, it.Payload, it)
}

// settle records the outcome of one processor call. It reports ok=false if
// the claimed item is no longer in the queue, e.g. after ClearAll, even
// when an item with the same ID was added since.
func (q *Queue[T, R]) settle(rs *runState, cfg Config, it *Item[T, R], res R, err error) (done Item[T, R], aborted []Item[T, R], ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if rs.detached || q.items[it.ID] != it || it.Status != StatusProcessing {
		return done, nil, false
	}
	it.CompletedAt = time.Now()
	switch {
	case rs.explicit:
		it.Status = StatusCancelled
	case err == nil:
		it.Status = StatusCompleted
		it.Result = res
		it.Progress = 100
	case rs.ctx.Err() != nil && isContextErr(err):
		it.Status = StatusCancelled
	default:
		it.Status = StatusFailed
		it.Error = redact.Error(err)
		if !cfg.ContinueOnError && !rs.aborted {
			aborted = q.abortLocked(rs)
		}
	}
	return *it, aborted, true
}

// abortLocked stops claiming and cancels the work-set items nobody claimed.
// In-flight items finish on their own.
func (q *Queue[T, R]) abortLocked(rs *runState) []Item[T, R] {
	rs.aborted = true
	rs.cancel()
	now := time.Now()
	var out []Item[T, R]
	for ; rs.next < len(rs.ids); rs.next++ {
		it, ok := q.items[rs.ids[rs.next]]
		if !ok || it.Status != StatusPending {
			continue
		}
		it.Status = StatusCancelled
		it.CompletedAt = now
		out = append(out, *it)
	}
	return out
}

// progress is taken at dispatch time (under hookMu) so successive
// OnProgress calls never go backwards.
func (q *Queue[T, R]) progress(rs *runState) Progress[T, R] {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.progressLocked(rs)
	rs.reported = p.Completed
	return p
}

func (q *Queue[T, R]) progressLocked(rs *runState) Progress[T, R] {
	var p Progress[T, R]
	for _, id := range rs.ids {
		it, ok := q.items[id]
		if !ok {
			continue
		}
		p.Total++
		if it.Status.Terminal() {
			p.Completed++
		}
	}
	for _, id := range q.order {
		if it := q.items[id]; it.Status == StatusProcessing {
			p.Processing = append(p.Processing, *it)
		}
	}
	return p
}

// finalize settles the run status and builds the Result. owed reports
// whether a closing OnProgress call is due because items were cancelled
// without passing through a worker.
func (q *Queue[T, R]) finalize(parent context.Context, rs *runState) (res Result[T, R], owed bool) {
	q.mu.Lock()
	if rs.detached {
		q.mu.Unlock()
		return Result[T, R]{RunID: rs.id, Status: RunCancelled, TotalTime: time.Since(rs.started)}, false
	}
	var cancelled []Item[T, R]
	if q.run == rs {
		if parent.Err() != nil && !rs.explicit {
			cancelled = q.cancelAllLocked(rs)
		}
		if q.status == RunProcessing {
			if rs.explicit {
				q.status = RunCancelled
			} else {
				q.status = RunCompleted
			}
		}
		q.run = nil
	}
	p := q.progressLocked(rs)
	owed = p.Total > 0 && p.Completed != rs.reported
	res = Result[T, R]{
		RunID:     rs.id,
		Status:    q.status,
		Items:     q.snapshotLocked(),
		TotalTime: time.Since(rs.started),
	}
	q.mu.Unlock()

	for _, it := range res.Items {
		switch it.Status {
		case StatusCompleted:
			res.Successful++
		case StatusFailed:
			res.Failed++
		case StatusCancelled:
			res.Cancelled++
		}
	}
	q.publishCancelled(rs, cancelled)
	return res, owed
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
