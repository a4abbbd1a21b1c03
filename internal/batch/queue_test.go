package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchq/internal/eventbus"
)

func newQueue(t *testing.T, cfg Config, opts ...Option) *Queue[int, int] {
	t.Helper()
	q, err := New[int, int](cfg, opts...)
	require.NoError(t, err)
	return q
}

func addN(t *testing.T, q *Queue[int, int], n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Add(fmt.Sprintf("item-%d", i), fmt.Sprintf("Item %d", i), i))
	}
}

func sleepProc(d time.Duration) Processor[int, int] {
	return func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		select {
		case <-time.After(d):
			return v * 2, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	for _, c := range []int{0, -1} {
		_, err := New[int, int](Config{Concurrency: c})
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "concurrency", ve.Field)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 2, cfg.Concurrency)
	assert.True(t, cfg.ContinueOnError)
	assert.NoError(t, cfg.Validate())
}

func TestAddRemoveClear(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 3)

	require.Error(t, q.Add("", "x", 1))
	require.NoError(t, q.Add("item-1", "again", 42))

	items := q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "item-1", items[1].ID)
	assert.Equal(t, 42, items[1].Payload)
	assert.Equal(t, "again", items[1].Label)

	assert.True(t, q.Remove("item-0"))
	assert.False(t, q.Remove("item-0"))
	assert.False(t, q.Remove("missing"))
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 2, q.ClearPending())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, RunIdle, q.Status())
}

func TestRunCompletesAllItems(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 5)

	var (
		mu       sync.Mutex
		started  []string
		finished []string
		progress []Progress[int, int]
		final    []Item[int, int]
	)
	res, err := q.Run(context.Background(), sleepProc(5*time.Millisecond), Hooks[int, int]{
		OnItemStart: func(it Item[int, int]) {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, it.ID)
		},
		OnItemComplete: func(it Item[int, int]) {
			mu.Lock()
			defer mu.Unlock()
			finished = append(finished, it.ID)
		},
		OnProgress: func(p Progress[int, int]) {
			mu.Lock()
			defer mu.Unlock()
			progress = append(progress, p)
		},
		OnComplete: func(items []Item[int, int]) { final = items },
	})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, RunCompleted, q.Status())
	assert.Equal(t, 5, res.Successful)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Cancelled)
	assert.NotEmpty(t, res.RunID)
	assert.Len(t, started, 5)
	assert.Len(t, finished, 5)
	assert.Len(t, final, 5)

	require.Len(t, progress, 5)
	last := progress[len(progress)-1]
	assert.Equal(t, 5, last.Completed)
	assert.Equal(t, 5, last.Total)
	assert.Empty(t, last.Processing)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i].Completed, progress[i-1].Completed)
	}

	for _, it := range res.Items {
		assert.Equal(t, StatusCompleted, it.Status)
		assert.Equal(t, it.Payload*2, it.Result)
		assert.Equal(t, 100, it.Progress)
		assert.False(t, it.StartedAt.IsZero())
		assert.False(t, it.CompletedAt.Before(it.StartedAt))
	}

	_, err = q.Run(context.Background(), sleepProc(0), Hooks[int, int]{})
	assert.ErrorIs(t, err, ErrRunFinished)

	require.NoError(t, q.ClearAll())
	assert.Equal(t, RunIdle, q.Status())
	assert.Equal(t, Counts{}, q.Counts())
}

func TestRunEmptyQueueCompletes(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	called := false
	res, err := q.Run(context.Background(), sleepProc(0), Hooks[int, int]{
		OnComplete: func(items []Item[int, int]) {
			called = true
			assert.Empty(t, items)
		},
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Empty(t, res.Items)
}

func TestRunRequiresProcessor(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	_, err := q.Run(context.Background(), nil, Hooks[int, int]{})
	assert.True(t, IsValidation(err))
	assert.Equal(t, RunIdle, q.Status())
}

func TestConcurrencyBoundsWallClock(t *testing.T) {
	t.Parallel()
	const d = 50 * time.Millisecond

	serial := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, serial, 3)
	res, err := serial.Run(context.Background(), sleepProc(d), Hooks[int, int]{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.TotalTime, 3*d)

	parallel := newQueue(t, Config{Concurrency: 2, ContinueOnError: true})
	addN(t, parallel, 4)
	res, err = parallel.Run(context.Background(), sleepProc(d), Hooks[int, int]{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.TotalTime, 2*d)
	assert.Less(t, res.TotalTime, 4*d)
}

func TestFiveItemsRunInThreeWaves(t *testing.T) {
	t.Parallel()
	const d = 50 * time.Millisecond
	q := newQueue(t, Config{Concurrency: 2, ContinueOnError: true})
	addN(t, q, 5)

	res, err := q.Run(context.Background(), sleepProc(d), Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Successful)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Cancelled)
	assert.GreaterOrEqual(t, res.TotalTime, 3*d)
	assert.Less(t, res.TotalTime, 4*d)
}

func TestConcurrencyNeverExceeded(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 3, ContinueOnError: true})
	addN(t, q, 12)

	var cur, peak atomic.Int32
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		return v, nil
	}
	_, err := q.Run(context.Background(), proc, Hooks[int, int]{
		OnProgress: func(p Progress[int, int]) {
			assert.LessOrEqual(t, len(p.Processing), 3)
		},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestFailuresAreRecordedAndSanitized(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 4)

	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		if v%2 == 1 {
			return 0, errors.New("open /home/alice/private/data.bin: denied")
		}
		return v, nil
	}
	res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 2, res.Successful)
	assert.Equal(t, 2, res.Failed)

	it, ok := q.Get("item-1")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, it.Status)
	assert.NotEmpty(t, it.Error)
	assert.NotContains(t, it.Error, "alice")
}

func TestStopOnFirstError(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: false})
	addN(t, q, 4)

	var calls atomic.Int32
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		calls.Add(1)
		if v == 1 {
			return 0, errors.New("boom")
		}
		return v, nil
	}
	res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 1, res.Successful)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Cancelled)

	want := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusCancelled}
	for i, it := range res.Items {
		assert.Equal(t, want[i], it.Status, it.ID)
	}
}

func TestCancelStopsRun(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, q, 3)

	started := make(chan struct{})
	var once sync.Once
	// ignores ctx on purpose; the queue still records it as cancelled
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		once.Do(func() { close(started) })
		time.Sleep(30 * time.Millisecond)
		return v, nil
	}

	type out struct {
		res Result[int, int]
		err error
	}
	done := make(chan out, 1)
	go func() {
		res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
		done <- out{res, err}
	}()

	<-started
	require.NoError(t, q.Cancel())
	assert.Equal(t, RunCancelled, q.Status())

	// pending items flip immediately
	it, _ := q.Get("item-2")
	assert.Equal(t, StatusCancelled, it.Status)

	var o out
	select {
	case o = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.NoError(t, o.err)
	assert.Equal(t, RunCancelled, o.res.Status)
	assert.Equal(t, 3, o.res.Cancelled)
	assert.Zero(t, o.res.Successful)

	assert.ErrorIs(t, q.Cancel(), ErrNotActive)
	_, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	assert.ErrorIs(t, err, ErrRunFinished)
}

func TestCancelBeforeAnyItemResolves(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 3, ContinueOnError: true})
	addN(t, q, 3)

	var started sync.WaitGroup
	started.Add(3)
	release := make(chan struct{})
	// all three are in flight at once and none observes ctx
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		started.Done()
		<-release
		return v, nil
	}

	done := make(chan Result[int, int], 1)
	go func() {
		res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
		assert.NoError(t, err)
		done <- res
	}()

	started.Wait()
	assert.Equal(t, 3, q.Counts().Processing)
	require.NoError(t, q.Cancel())
	close(release)

	var res Result[int, int]
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, 3, res.Cancelled)
	assert.Zero(t, res.Successful)
	for _, it := range res.Items {
		assert.Equal(t, StatusCancelled, it.Status, it.ID)
	}
}

func TestClearAllDetachesDrainingRun(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	require.NoError(t, q.Add("x", "x", 7))

	inOld := make(chan struct{})
	releaseOld := make(chan struct{})
	oldProc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		close(inOld)
		<-releaseOld
		return v, nil
	}
	oldDone := make(chan Result[int, int], 1)
	go func() {
		res, err := q.Run(context.Background(), oldProc, Hooks[int, int]{})
		assert.NoError(t, err)
		oldDone <- res
	}()

	<-inOld
	require.NoError(t, q.Pause())
	require.NoError(t, q.ClearAll())
	assert.Equal(t, RunIdle, q.Status())
	assert.Zero(t, q.Len())

	// same ID, new item; the old worker must not settle it
	require.NoError(t, q.Add("x", "x", 7))
	inNew := make(chan struct{})
	releaseNew := make(chan struct{})
	newProc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		close(inNew)
		<-releaseNew
		return v * 2, nil
	}
	newDone := make(chan Result[int, int], 1)
	go func() {
		res, err := q.Run(context.Background(), newProc, Hooks[int, int]{})
		assert.NoError(t, err)
		newDone <- res
	}()

	<-inNew
	close(releaseOld)
	old := <-oldDone
	assert.Equal(t, RunCancelled, old.Status)
	assert.Empty(t, old.Items)

	it, ok := q.Get("x")
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, it.Status)

	close(releaseNew)
	res := <-newDone
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 1, res.Successful)
	assert.Zero(t, res.Cancelled)
	it, _ = q.Get("x")
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, 14, it.Result)
}

func TestContextCancelActsAsCancel(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, q, 3)

	ctx, cancel := context.WithCancel(context.Background())
	proc := func(pctx context.Context, v int, _ Item[int, int]) (int, error) {
		cancel()
		<-pctx.Done()
		return 0, pctx.Err()
	}
	res, err := q.Run(ctx, proc, Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, res.Status)
	assert.Equal(t, 3, res.Cancelled)
}

func TestCancelWhenIdle(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	assert.ErrorIs(t, q.Cancel(), ErrNotActive)
	assert.ErrorIs(t, q.Pause(), ErrNotProcessing)
	_, err := q.Resume(context.Background(), sleepProc(0), Hooks[int, int]{})
	assert.ErrorIs(t, err, ErrNotPaused)
}

func TestRemoveWhileProcessing(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, q, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	proc := func(ctx context.Context, v int, it Item[int, int]) (int, error) {
		if it.ID == "item-0" {
			close(started)
			<-release
		}
		return v, nil
	}
	done := make(chan Result[int, int], 1)
	go func() {
		res, _ := q.Run(context.Background(), proc, Hooks[int, int]{})
		done <- res
	}()

	<-started
	assert.ErrorIs(t, q.Add("late", "late", 9), ErrAlreadyRunning)
	assert.False(t, q.Remove("item-0"))
	assert.True(t, q.Remove("item-1"))
	assert.ErrorIs(t, q.ClearAll(), ErrAlreadyRunning)
	close(release)

	res := <-done
	require.Len(t, res.Items, 1)
	assert.Equal(t, StatusCompleted, res.Items[0].Status)
	assert.Equal(t, 1, res.Successful)
}

func TestCountsAreStable(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 3)
	a, b := q.Counts(), q.Counts()
	assert.Equal(t, a, b)
	assert.Equal(t, 3, a.Pending)
	assert.Equal(t, 3, a.Total())
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, q, 4)

	first := make(chan struct{})
	release := make(chan struct{})
	proc := func(ctx context.Context, v int, it Item[int, int]) (int, error) {
		if it.ID == "item-0" {
			close(first)
			<-release
		}
		return v + 1, nil
	}

	done := make(chan Result[int, int], 1)
	go func() {
		res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
		assert.NoError(t, err)
		done <- res
	}()

	<-first
	require.NoError(t, q.Pause())
	assert.Equal(t, RunPaused, q.Status())
	assert.ErrorIs(t, q.Pause(), ErrNotProcessing)

	_, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	assert.ErrorIs(t, err, ErrPaused)

	// adding while paused is allowed and joins the next run
	require.NoError(t, q.Add("extra", "Extra", 10))

	close(release)
	paused := <-done
	assert.Equal(t, RunPaused, paused.Status)
	assert.Equal(t, 1, paused.Successful)

	c := q.Counts()
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 4, c.Pending)

	res, err := q.Resume(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 5, res.Successful)
	assert.NotEqual(t, paused.RunID, res.RunID)

	it, _ := q.Get("extra")
	assert.Equal(t, 11, it.Result)
}

func TestCancelWhilePaused(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 1, ContinueOnError: true})
	addN(t, q, 3)

	first := make(chan struct{})
	proc := func(ctx context.Context, v int, it Item[int, int]) (int, error) {
		if it.ID == "item-0" {
			close(first)
			time.Sleep(10 * time.Millisecond)
		}
		return v, nil
	}
	done := make(chan Result[int, int], 1)
	go func() {
		res, _ := q.Run(context.Background(), proc, Hooks[int, int]{})
		done <- res
	}()
	<-first
	require.NoError(t, q.Pause())
	<-done

	require.NoError(t, q.Cancel())
	assert.Equal(t, RunCancelled, q.Status())
	c := q.Counts()
	assert.Equal(t, 1, c.Completed)
	assert.Equal(t, 2, c.Cancelled)
	assert.Zero(t, c.Pending)
}

func TestHookPanicDoesNotStopRun(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 3)

	res, err := q.Run(context.Background(), sleepProc(time.Millisecond), Hooks[int, int]{
		OnItemStart:    func(Item[int, int]) { panic("start hook") },
		OnItemComplete: func(Item[int, int]) { panic("complete hook") },
		OnProgress:     func(Progress[int, int]) { panic("progress hook") },
		OnComplete:     func([]Item[int, int]) { panic("complete hook") },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Successful)
}

func TestProcessorPanicFailsItem(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	addN(t, q, 2)

	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		if v == 0 {
			panic("kaboom")
		}
		return v, nil
	}
	res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Successful)

	it, _ := q.Get("item-0")
	assert.Equal(t, StatusFailed, it.Status)
	assert.Contains(t, it.Error, "kaboom")
}

func TestItemTimeoutFailsItem(t *testing.T) {
	t.Parallel()
	q := newQueue(t, Config{Concurrency: 2, ContinueOnError: true, ItemTimeout: 10 * time.Millisecond})
	addN(t, q, 2)

	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		if v == 0 {
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return v, nil
	}
	res, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)

	it, _ := q.Get("item-0")
	assert.Equal(t, StatusFailed, it.Status)
	assert.Contains(t, it.Error, "deadline exceeded")
}

func TestApply(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	assert.True(t, IsValidation(q.Apply(Config{Concurrency: 0})))
	require.NoError(t, q.Apply(Config{Concurrency: 5}))
	assert.Equal(t, 5, q.Config().Concurrency)
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	q := newQueue(t, DefaultConfig(), WithEventBus(bus), WithName("events"))
	addN(t, q, 2)
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		if v == 1 {
			return 0, errors.New("nope")
		}
		return v, nil
	}
	_, err := q.Run(context.Background(), proc, Hooks[int, int]{})
	require.NoError(t, err)

	seen := map[string]int{}
	var finished RunEvent
	for len(ch) > 0 {
		ev := <-ch
		seen[ev.Type]++
		if ev.Type == EventRunFinished {
			finished = ev.Data.(RunEvent)
		}
	}
	assert.Equal(t, 1, seen[EventRunStarted])
	assert.Equal(t, 2, seen[EventItemStarted])
	assert.Equal(t, 1, seen[EventItemCompleted])
	assert.Equal(t, 1, seen[EventItemFailed])
	assert.Equal(t, 1, seen[EventRunFinished])
	assert.Equal(t, "events", finished.Queue)
	assert.Equal(t, 1, finished.Successful)
	assert.Equal(t, 1, finished.Failed)
}

func TestWaitReturnsAfterRun(t *testing.T) {
	t.Parallel()
	q := newQueue(t, DefaultConfig())
	require.NoError(t, q.Wait(context.Background()))

	addN(t, q, 2)
	started := make(chan struct{})
	var once sync.Once
	proc := func(ctx context.Context, v int, _ Item[int, int]) (int, error) {
		once.Do(func() { close(started) })
		time.Sleep(10 * time.Millisecond)
		return v, nil
	}
	go func() { _, _ = q.Run(context.Background(), proc, Hooks[int, int]{}) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Wait(ctx))
	assert.Equal(t, RunCompleted, q.Status())
}
