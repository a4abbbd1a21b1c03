package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoWaitCollectsStats(t *testing.T) {
	s := New(context.Background())
	for i := 0; i < 3; i++ {
		s.Go0("worker", func(ctx context.Context) {})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))

	snap := s.Snapshot()
	assert.EqualValues(t, 3, snap.Counters.Started)
	assert.EqualValues(t, 0, snap.Counters.Active)
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, "worker", snap.Goroutines[0].Name)
	assert.EqualValues(t, 3, snap.Goroutines[0].Started)
}

func TestPanicIsRecoveredAndRecorded(t *testing.T) {
	s := New(context.Background())
	s.Go("bad", func(ctx context.Context) error { panic("kaboom") })

	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.EqualValues(t, 1, snap.Goroutines[0].Panics)
}

func TestCancelOnError(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("nope") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails: nope")
}

func TestWaitHonorsContext(t *testing.T) {
	s := New(context.Background())
	s.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)

	require.NoError(t, s.Stop(context.Background()))
}
