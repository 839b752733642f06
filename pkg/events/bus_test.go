package events

import "testing"

func TestBus_OrderedPerSubscriber(t *testing.T) {
	bus := NewBus[int]()
	a := bus.Subscribe(8)
	b := bus.Subscribe(8)

	for i := 1; i <= 5; i++ {
		if got := bus.Publish(i); got != 2 {
			t.Fatalf("Publish(%d) delivered to %d subscribers, want 2", i, got)
		}
	}
	for _, sub := range []*Subscription[int]{a, b} {
		for want := 1; want <= 5; want++ {
			if got := <-sub.C(); got != want {
				t.Errorf("got %d, want %d", got, want)
			}
		}
	}
}

func TestBus_FullQueueDropsNewest(t *testing.T) {
	bus := NewBus[string]()
	sub := bus.Subscribe(1)

	bus.Publish("kept")
	bus.Publish("dropped")

	if got := <-sub.C(); got != "kept" {
		t.Errorf("got %q, want %q", got, "kept")
	}
	if got := sub.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus[int]()
	sub := bus.Subscribe(1)
	sub.Unsubscribe()
	sub.Unsubscribe()

	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after Unsubscribe")
	}
	if got := bus.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
	if got := bus.Publish(1); got != 0 {
		t.Errorf("Publish after Unsubscribe delivered to %d", got)
	}
}

func TestBus_CloseEndsEverySubscription(t *testing.T) {
	bus := NewBus[int]()
	sub := bus.Subscribe(1)
	bus.Close()
	bus.Close()

	if _, ok := <-sub.C(); ok {
		t.Error("subscription still open after Close")
	}
	late := bus.Subscribe(1)
	if _, ok := <-late.C(); ok {
		t.Error("subscription on closed bus is open")
	}
	sub.Unsubscribe()
}

func TestBus_NotifiesOnDrop(t *testing.T) {
	bus := NewBus[int]()
	var totals []int64
	sub := bus.SubscribeNotify(2, func(total int64) { totals = append(totals, total) })

	for i := 0; i < 5; i++ {
		bus.Publish(i)
	}
	if len(totals) != 3 || totals[2] != 3 {
		t.Errorf("drop notifications = %v, want [1 2 3]", totals)
	}
	if got := sub.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}
