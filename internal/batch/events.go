package batch

import (
	"time"

	"batchq/internal/eventbus"
	"batchq/pkg/logx"
)

// dispatch runs one hook call under hookMu. A panicking hook is logged and
// the run continues.
func (q *Queue[T, R]) dispatch(fn func()) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("hook panicked", logx.Any("panic", r))
		}
	}()
	fn()
}

func (q *Queue[T, R]) publish(typ string, data any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func (q *Queue[T, R]) itemEvent(rs *runState, it Item[T, R]) ItemEvent {
	ev := ItemEvent{
		Queue:    q.name,
		ID:       it.ID,
		Label:    it.Label,
		Status:   it.Status,
		Duration: it.Duration(),
		Error:    it.Error,
	}
	if rs != nil {
		ev.RunID = rs.id
	}
	return ev
}

func (q *Queue[T, R]) publishCancelled(rs *runState, items []Item[T, R]) {
	for _, it := range items {
		q.publish(EventItemCancelled, q.itemEvent(rs, it))
	}
}
