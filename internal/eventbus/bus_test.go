package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "item.completed", Data: "x"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			assert.Equal(t, "item.completed", e.Type)
			assert.False(t, e.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	assert.EqualValues(t, 1, Dropped(b))
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	assert.NotPanics(t, func() { b.Publish(Event{Type: "late"}) })
}

func TestConsumeFiltersByPrefix(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Consume(ctx, b, 16, func(e Event) {
			mu.Lock()
			got = append(got, e.Type)
			mu.Unlock()
		}, "run.")
	}()

	require.Eventually(t, func() bool {
		b.Publish(Event{Type: "run.started"})
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, time.Second, 10*time.Millisecond)

	b.Publish(Event{Type: "item.started"})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range got {
		assert.Equal(t, "run.started", typ)
	}
}

func TestPublishRacesUnsubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, unsub := b.Subscribe(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b.Publish(Event{Type: "item.completed"})
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			unsub()
		}()
	}
	wg.Wait()
	assert.NotPanics(t, func() { b.Publish(Event{Type: "after"}) })
}
