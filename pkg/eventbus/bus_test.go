package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishPreservesOrderPerHandler(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var mu sync.Mutex
	var got []int
	b.Subscribe("bar_closed", "collector", func(_ context.Context, ev Event) error {
		mu.Lock()
		got = append(got, ev.Payload.(int))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 100; i++ {
		require.True(t, b.Publish("bar_closed", i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 100
	}, time.Second, 5*time.Millisecond)

	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSlowHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(WithMailboxSize(1))
	defer b.Close(context.Background())

	release := make(chan struct{})
	b.Subscribe("trade_tick", "slow", func(ctx context.Context, _ Event) error {
		<-release
		return nil
	})

	fast := make(chan int, 10)
	b.Subscribe("trade_tick", "fast", func(_ context.Context, ev Event) error {
		fast <- ev.Payload.(int)
		return nil
	})

	start := time.Now()
	for i := 0; i < 5; i++ {
		b.Publish("trade_tick", i)
		// let the fast handler keep its single slot free
		select {
		case <-fast:
		case <-time.After(time.Second):
			t.Fatalf("fast handler starved at %d", i)
		}
	}
	assert.Less(t, time.Since(start), time.Second)

	st := b.Stats()
	assert.Greater(t, st.Dropped, uint64(0))
	close(release)
}

func TestHandlerErrorsAndPanicsAreIsolated(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	var calls sync.WaitGroup
	calls.Add(3)
	b.Subscribe("signal_generated", "erroring", func(context.Context, Event) error {
		defer calls.Done()
		return errors.New("nope")
	})
	b.Subscribe("signal_generated", "panicking", func(context.Context, Event) error {
		defer calls.Done()
		panic("boom")
	})
	b.Subscribe("signal_generated", "ok", func(context.Context, Event) error {
		defer calls.Done()
		return nil
	})

	b.Publish("signal_generated", struct{}{})
	calls.Wait()

	require.Eventually(t, func() bool {
		st := b.Stats()
		return st.Errors == 2 && st.Delivered == 1
	}, time.Second, 5*time.Millisecond)

	st := b.Stats()
	assert.Equal(t, uint64(1), st.Published)
	assert.Equal(t, 3, st.Subscribers)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	got := make(chan Event, 4)
	unsub := b.Subscribe("mode_changed", "h", func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	})

	b.Publish("mode_changed", "aggressive")
	<-got
	unsub()
	unsub()

	assert.False(t, b.Publish("mode_changed", "defensive"))
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestCloseDrainsMailboxes(t *testing.T) {
	b := New()

	var mu sync.Mutex
	n := 0
	b.Subscribe("trade_settled", "h", func(context.Context, Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		n++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		b.Publish("trade_settled", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Close(ctx))

	mu.Lock()
	assert.Equal(t, 20, n)
	mu.Unlock()
	assert.False(t, b.Publish("trade_settled", 21))
}

func TestCloseTimesOutOnStuckHandler(t *testing.T) {
	b := New()
	b.Subscribe("x", "stuck", func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b.Publish("x", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Close(ctx), context.DeadlineExceeded)
}

func TestSubscribeTypedRejectsWrongPayload(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	got := make(chan string, 1)
	SubscribeTyped(b, "mode_changed", "typed", func(_ context.Context, mode string) error {
		got <- mode
		return nil
	})

	b.Publish("mode_changed", 42)
	b.Publish("mode_changed", "conservative")

	select {
	case m := <-got:
		assert.Equal(t, "conservative", m)
	case <-time.After(time.Second):
		t.Fatal("typed handler not called")
	}
	require.Eventually(t, func() bool { return b.Stats().Errors == 1 }, time.Second, 5*time.Millisecond)
}

type countingObserver struct {
	mu                            sync.Mutex
	published, delivered, dropped int
}

func (o *countingObserver) Published(string) {
	o.mu.Lock()
	o.published++
	o.mu.Unlock()
}

func (o *countingObserver) Delivered(string, string) {
	o.mu.Lock()
	o.delivered++
	o.mu.Unlock()
}

func (o *countingObserver) Dropped(string, string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) HandlerError(string, string) {}

func TestObserverReceivesCounters(t *testing.T) {
	obs := &countingObserver{}
	b := New(WithObserver(obs))
	defer b.Close(context.Background())

	b.Subscribe("t", "h", func(context.Context, Event) error { return nil })
	b.Publish("t", 1)
	b.Publish("t", 2)

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.published == 2 && obs.delivered == 2
	}, time.Second, 5*time.Millisecond)
}
