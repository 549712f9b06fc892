package events

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesTypeAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	var wg sync.WaitGroup
	wg.Add(2)

	var mu sync.Mutex
	var typed, all []Event

	bus.Subscribe(EventEntryFilled, func(ev Event) {
		mu.Lock()
		typed = append(typed, ev)
		mu.Unlock()
		wg.Done()
	})
	bus.SubscribeAll(func(ev Event) {
		mu.Lock()
		all = append(all, ev)
		mu.Unlock()
		wg.Done()
	})

	bus.PublishEntryFilled("inst-1", "BTCUSDT", "LONG", 50000, 0.5)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscribers not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(typed) != 1 || len(all) != 1 {
		t.Fatalf("typed=%d all=%d, want 1 each", len(typed), len(all))
	}
	if typed[0].Type != EventEntryFilled {
		t.Errorf("type = %s", typed[0].Type)
	}
	if typed[0].Data["symbol"] != "BTCUSDT" || typed[0].Data["quantity"] != 0.5 {
		t.Errorf("data = %v", typed[0].Data)
	}
	if typed[0].Timestamp.IsZero() {
		t.Error("publish must stamp a timestamp")
	}
}

func TestTypedSubscriberIgnoresOtherEvents(t *testing.T) {
	bus := NewEventBus()

	hit := make(chan Event, 2)
	bus.Subscribe(EventEnforcement, func(ev Event) { hit <- ev })

	bus.PublishEntryBlocked("inst-1", "BTCUSDT", "daily loss halt active")
	bus.PublishEnforcement("acct-1", "daily_loss_breach", "flatten_and_block", 100, 105)

	select {
	case ev := <-hit:
		if ev.Type != EventEnforcement {
			t.Fatalf("delivered %s to enforcement subscriber", ev.Type)
		}
		if ev.Data["observed"] != 105.0 {
			t.Errorf("observed = %v", ev.Data["observed"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("enforcement event not delivered")
	}

	select {
	case ev := <-hit:
		t.Fatalf("unexpected second delivery: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
