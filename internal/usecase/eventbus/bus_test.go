package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"promptdesk/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.DiscardHandler))
}

func TestPublishReachesTypedAndAllSubscribers(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var mu sync.Mutex
	var got []string

	bus.Subscribe(domain.EventTurnStarted, func(ctx context.Context, e domain.Event) {
		mu.Lock()
		got = append(got, "typed")
		mu.Unlock()
	})
	bus.SubscribeAll(func(ctx context.Context, e domain.Event) {
		mu.Lock()
		got = append(got, "all")
		mu.Unlock()
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTurnStarted})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventToolCallStarted})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d: %v", len(got), got)
	}
}

func TestSubscriberSeesEventsInPublishOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(domain.EventStreamDelta, func(ctx context.Context, e domain.Event) {
		mu.Lock()
		got = append(got, string(e.Payload))
		mu.Unlock()
	})

	const n = 200
	want := make([]string, n)
	for i := 0; i < n; i++ {
		payload := fmt.Sprintf(`{"seq":%d}`, i)
		want[i] = payload
		bus.Publish(context.Background(), domain.Event{
			Type:    domain.EventStreamDelta,
			Payload: []byte(payload),
		})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("expected %d deliveries, got %d", n, len(got))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("delivery %d out of order: got %s want %s", i, got[i], want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var calls sync.Map
	unsub := bus.Subscribe(domain.EventTurnCompleted, func(ctx context.Context, e domain.Event) {
		calls.Store("called", true)
	})
	unsub()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTurnCompleted})
	bus.Close()

	if _, ok := calls.Load("called"); ok {
		t.Fatal("handler called after unsubscribe")
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	done := make(chan struct{})
	bus.Subscribe(domain.EventTurnStarted, func(ctx context.Context, e domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventTurnStarted, func(ctx context.Context, e domain.Event) {
		close(done)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTurnStarted})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran")
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	bus := newTestBus()
	called := false
	bus.Subscribe(domain.EventTurnStarted, func(ctx context.Context, e domain.Event) {
		called = true
	})
	bus.Close()

	bus.Publish(context.Background(), domain.Event{Type: domain.EventTurnStarted})
	time.Sleep(10 * time.Millisecond)
	if called {
		t.Fatal("handler called after Close")
	}
}
