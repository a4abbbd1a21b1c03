package batch

import (
	"context"
	"time"
)

// Status is the lifecycle state of a single work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is never left again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// RunStatus is the state of the queue as a whole.
type RunStatus string

const (
	RunIdle       RunStatus = "idle"
	RunProcessing RunStatus = "processing"
	RunPaused     RunStatus = "paused"
	RunCompleted  RunStatus = "completed"
	RunCancelled  RunStatus = "cancelled"
)

func (s RunStatus) String() string { return string(s) }

// Item is one unit of caller-supplied input plus its tracked lifecycle.
//
// Items are always handed out by value; mutating a returned Item has no
// effect on the queue.
type Item[T, R any] struct {
	ID      string
	Label   string
	Payload T

	Status   Status
	Progress int // 0..100, advisory

	// Result is only meaningful when Status == StatusCompleted.
	Result R
	// Error holds a sanitized message when Status == StatusFailed.
	Error string

	// Zero values mean "not reached yet".
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns how long the item was processing, or 0 if it never
// started or has not finished.
func (it Item[T, R]) Duration() time.Duration {
	if it.StartedAt.IsZero() || it.CompletedAt.IsZero() {
		return 0
	}
	return it.CompletedAt.Sub(it.StartedAt)
}

// Counts is a derived tally of item states.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

func (c Counts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed + c.Cancelled
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusPending:
		c.Pending++
	case StatusProcessing:
		c.Processing++
	case StatusCompleted:
		c.Completed++
	case StatusFailed:
		c.Failed++
	case StatusCancelled:
		c.Cancelled++
	}
}

// Progress is reported after every item of a run reaches a terminal state.
type Progress[T, R any] struct {
	Completed  int
	Total      int
	Processing []Item[T, R]
}

// Result is the aggregate outcome returned by Run and Resume.
type Result[T, R any] struct {
	RunID string
	// Status is the queue's run status when the call returned
	// (Completed, Cancelled or Paused).
	Status RunStatus

	Items      []Item[T, R]
	Successful int
	Failed     int
	Cancelled  int
	TotalTime  time.Duration
}

func (r Result[T, R]) TotalTimeMs() int64 { return r.TotalTime.Milliseconds() }

// Processor performs the work for one item. ctx is the run's cancellation
// signal (narrowed by Config.ItemTimeout when set). Processors should return
// promptly once ctx is done; if they don't, the queue still forces the item
// to Cancelled after an explicit cancel.
type Processor[T, R any] func(ctx context.Context, payload T, item Item[T, R]) (R, error)

// Hooks are optional, synchronous observers of a run. Calls are serialized
// per queue and a panicking hook is logged and ignored.
//
// Items cancelled before any worker claimed them do not produce
// OnItemComplete calls; they show up in OnComplete and in the Result.
type Hooks[T, R any] struct {
	OnItemStart    func(item Item[T, R])
	OnItemComplete func(item Item[T, R])
	OnProgress     func(p Progress[T, R])
	OnComplete     func(items []Item[T, R])
}

// Config controls a queue's execution policy.
type Config struct {
	// Concurrency is the maximum number of items processed at once.
	Concurrency int
	// ContinueOnError keeps claiming items after a failure. When false, the
	// first failure stops the run and cancels the items not yet claimed.
	ContinueOnError bool
	// ItemTimeout bounds each processor call. 0 disables it.
	ItemTimeout time.Duration
}

// DefaultConfig returns Concurrency=2, ContinueOnError=true, no timeout.
func DefaultConfig() Config {
	return Config{Concurrency: 2, ContinueOnError: true}
}

// Validate rejects configs that could never make progress.
func (c Config) Validate() error {
	if c.Concurrency <= 0 {
		return &ValidationError{Field: "concurrency", Reason: "must be >= 1"}
	}
	if c.ItemTimeout < 0 {
		return &ValidationError{Field: "item_timeout", Reason: "must be >= 0"}
	}
	return nil
}

// Event types published on the event bus.
const (
	EventRunStarted    = "run.started"
	EventRunPaused     = "run.paused"
	EventRunFinished   = "run.finished"
	EventItemStarted   = "item.started"
	EventItemCompleted = "item.completed"
	EventItemFailed    = "item.failed"
	EventItemCancelled = "item.cancelled"
)

// RunEvent is the payload of run.* events.
type RunEvent struct {
	RunID      string        `json:"run_id"`
	Queue      string        `json:"queue"`
	Status     RunStatus     `json:"status"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Cancelled  int           `json:"cancelled"`
	Duration   time.Duration `json:"duration"`
}

// ItemEvent is the payload of item.* events.
type ItemEvent struct {
	RunID    string        `json:"run_id"`
	Queue    string        `json:"queue"`
	ID       string        `json:"id"`
	Label    string        `json:"label"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
