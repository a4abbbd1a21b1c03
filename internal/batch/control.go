package batch

import (
	"context"
	"time"

	"batchq/pkg/logx"
)

// Pause stops workers from claiming new items. Items already processing
// finish normally, after which the pending Run call returns with
// Status == RunPaused.
func (q *Queue[T, R]) Pause() error {
	q.mu.Lock()
	if q.status != RunProcessing {
		q.mu.Unlock()
		return ErrNotProcessing
	}
	q.status = RunPaused
	runID := ""
	if q.run != nil {
		runID = q.run.id
	}
	q.mu.Unlock()

	q.log.Info("run.paused", logx.String("run_id", runID))
	q.publish(EventRunPaused, RunEvent{RunID: runID, Queue: q.name, Status: RunPaused})
	return nil
}

// Resume waits for the paused run to drain and then starts a new run over
// the items that are still Pending. It blocks like Run.
func (q *Queue[T, R]) Resume(ctx context.Context, proc Processor[T, R], hooks Hooks[T, R]) (Result[T, R], error) {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.Lock()
	if q.status != RunPaused {
		q.mu.Unlock()
		return Result[T, R]{}, ErrNotPaused
	}
	prev := q.run
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev.done:
		case <-ctx.Done():
			return Result[T, R]{}, ctx.Err()
		}
	}
	return q.start(ctx, proc, hooks, true)
}

// Cancel stops the active (processing or paused) run. Pending items become
// Cancelled immediately; in-flight items are recorded as Cancelled once
// their processor returns.
func (q *Queue[T, R]) Cancel() error {
	q.mu.Lock()
	if q.status != RunProcessing && q.status != RunPaused {
		q.mu.Unlock()
		return ErrNotActive
	}
	rs := q.run
	cancelled := q.cancelAllLocked(rs)
	q.mu.Unlock()

	q.log.Info("run.cancelled", logx.Int("pending_cancelled", len(cancelled)))
	q.publishCancelled(rs, cancelled)
	return nil
}

// Wait blocks until the current run, if any, has returned.
func (q *Queue[T, R]) Wait(ctx context.Context) error {
	q.mu.Lock()
	rs := q.run
	q.mu.Unlock()
	if rs == nil {
		return nil
	}
	select {
	case <-rs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelRun is fired when the caller's ctx for rs is done.
func (q *Queue[T, R]) cancelRun(rs *runState) {
	q.mu.Lock()
	if q.run != rs || (q.status != RunProcessing && q.status != RunPaused) {
		q.mu.Unlock()
		return
	}
	cancelled := q.cancelAllLocked(rs)
	q.mu.Unlock()

	q.log.Info("run.cancelled", logx.String("run_id", rs.id), logx.String("reason", "context done"))
	q.publishCancelled(rs, cancelled)
}

// cancelAllLocked marks rs explicitly cancelled and every Pending item in
// the queue Cancelled. rs may be nil once a paused run has drained.
func (q *Queue[T, R]) cancelAllLocked(rs *runState) []Item[T, R] {
	if rs != nil {
		rs.explicit = true
		rs.cancel()
	}
	q.status = RunCancelled
	now := time.Now()
	var out []Item[T, R]
	for _, id := range q.order {
		it := q.items[id]
		if it.Status != StatusPending {
			continue
		}
		it.Status = StatusCancelled
		it.CompletedAt = now
		out = append(out, *it)
	}
	return out
}
