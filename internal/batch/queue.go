package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"batchq/internal/eventbus"
	"batchq/pkg/logx"
)

type Option func(*options)

type options struct {
	log  logx.Logger
	bus  eventbus.Bus
	name string
}

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithEventBus publishes run.* and item.* events to bus.
func WithEventBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

// WithName labels the queue in logs and events.
func WithName(name string) Option { return func(o *options) { o.name = name } }

// Queue holds an ordered set of items and runs them through a Processor
// with bounded concurrency. All methods are safe for concurrent use.
type Queue[T, R any] struct {
	name string
	log  logx.Logger
	bus  eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	items  map[string]*Item[T, R]
	order  []string
	status RunStatus
	run    *runState

	// serializes hook invocations
	hookMu sync.Mutex
}

// runState is owned by one Run/Resume call. Fields other than ctx, cancel
// and done are guarded by Queue.mu.
type runState struct {
	id      string
	started time.Time
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	ids  []string // work set, fixed at start
	next int      // claim cursor into ids

	explicit bool // Cancel(), or the caller's ctx was cancelled
	detached bool // dropped by ClearAll; its items are no longer in the queue
	aborted  bool // stopped by the first failure (ContinueOnError=false)
	reported int  // last Completed value passed to OnProgress
}

// New creates an empty, idle queue.
func New[T, R any](cfg Config, opts ...Option) (*Queue[T, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{log: logx.Nop(), name: "batch"}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	q := &Queue[T, R]{
		name:   o.name,
		log:    o.log.With(logx.String("queue", o.name)),
		bus:    o.bus,
		cfg:    cfg,
		items:  make(map[string]*Item[T, R]),
		status: RunIdle,
	}
	return q, nil
}

func (q *Queue[T, R]) Name() string { return q.name }

// Add appends a Pending item. Re-using an ID replaces that item's payload
// and resets it to Pending while keeping its position.
// It fails with ErrAlreadyRunning while a run is processing.
func (q *Queue[T, R]) Add(id, label string, payload T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == RunProcessing {
		return ErrAlreadyRunning
	}
	return q.addLocked(id, label, payload)
}

// Spec describes one item for AddMany.
type Spec[T any] struct {
	ID      string
	Label   string
	Payload T
}

// AddMany adds all specs in order. It is all-or-nothing on validation.
func (q *Queue[T, R]) AddMany(specs []Spec[T]) error {
	for _, s := range specs {
		if strings.TrimSpace(s.ID) == "" {
			return &ValidationError{Field: "id", Reason: "must not be empty"}
		}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == RunProcessing {
		return ErrAlreadyRunning
	}
	for _, s := range specs {
		if cur, ok := q.items[s.ID]; ok && cur.Status == StatusProcessing {
			return ErrItemInFlight
		}
	}
	for _, s := range specs {
		if err := q.addLocked(s.ID, s.Label, s.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue[T, R]) addLocked(id, label string, payload T) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if cur, ok := q.items[id]; ok {
		// A paused run may still be draining this item.
		if cur.Status == StatusProcessing {
			return ErrItemInFlight
		}
		*cur = Item[T, R]{ID: id, Label: label, Payload: payload, Status: StatusPending}
		return nil
	}
	q.items[id] = &Item[T, R]{ID: id, Label: label, Payload: payload, Status: StatusPending}
	q.order = append(q.order, id)
	return nil
}

// Remove deletes the item only if it is still Pending.
func (q *Queue[T, R]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok || it.Status != StatusPending {
		return false
	}
	delete(q.items, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// ClearPending removes every Pending item and returns how many were removed.
func (q *Queue[T, R]) ClearPending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.order[:0]
	n := 0
	for _, id := range q.order {
		if q.items[id].Status == StatusPending {
			delete(q.items, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return n
}

// ClearAll drops every item and returns the queue to Idle. It is rejected
// while a run is processing. A paused run that is still draining is
// cancelled and detached: its in-flight items finish without touching the
// queue, and its Run call returns a Cancelled result with no items.
func (q *Queue[T, R]) ClearAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == RunProcessing {
		return ErrAlreadyRunning
	}
	if rs := q.run; rs != nil {
		rs.explicit = true
		rs.detached = true
		rs.cancel()
		q.run = nil
	}
	q.items = make(map[string]*Item[T, R])
	q.order = nil
	q.status = RunIdle
	return nil
}

// Items returns a snapshot of all items in insertion order.
func (q *Queue[T, R]) Items() []Item[T, R] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue[T, R]) snapshotLocked() []Item[T, R] {
	out := make([]Item[T, R], 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.items[id])
	}
	return out
}

func (q *Queue[T, R]) Get(id string) (Item[T, R], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item[T, R]{}, false
	}
	return *it, true
}

func (q *Queue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Counts tallies the current item states.
func (q *Queue[T, R]) Counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue[T, R]) countsLocked() Counts {
	var c Counts
	for _, it := range q.items {
		c.add(it.Status)
	}
	return c
}

func (q *Queue[T, R]) Status() RunStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Queue[T, R]) Config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Apply replaces the config used by the next Run or Resume.
func (q *Queue[T, R]) Apply(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.status == RunProcessing {
		return ErrAlreadyRunning
	}
	q.cfg = cfg
	return nil
}
