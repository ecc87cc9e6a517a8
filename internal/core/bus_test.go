package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBusDeliversInFiringOrder(t *testing.T) {
	c := newTestCore(t)

	var got []int
	c.Bus.ListenLoop("seq", func(e *Event) {
		got = append(got, e.Data["n"].(int))
	})

	for i := range 100 {
		if err := c.Bus.Fire("seq", map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("Fire() error = %v", err)
		}
	}
	blockTillDone(t, c)

	if len(got) != 100 {
		t.Fatalf("received %d events, want 100", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("event %d carried n=%d, want strict firing order", i, n)
		}
	}
}

func TestBusListenKeepsFiringOrder(t *testing.T) {
	c := newTestCore(t)

	for round := range 50 {
		var mu sync.Mutex
		var got []int
		unsub := c.Bus.Listen("seq", func(e *Event) {
			mu.Lock()
			got = append(got, e.Data["n"].(int))
			mu.Unlock()
		})

		for i := range 20 {
			if err := c.Bus.Fire("seq", map[string]any{"n": i}, nil); err != nil {
				t.Fatalf("Fire() error = %v", err)
			}
		}
		blockTillDone(t, c)
		unsub()

		if len(got) != 20 {
			t.Fatalf("round %d: received %d events, want 20", round, len(got))
		}
		for i, n := range got {
			if n != i {
				t.Fatalf("round %d: event %d carried n=%d, want firing order", round, i, n)
			}
		}
	}
}

func TestBusSlowListenerDoesNotBlockOthers(t *testing.T) {
	c := newTestCore(t)

	release := make(chan struct{})
	c.Bus.Listen("tick", func(*Event) { <-release })

	fast := make(chan int, 10)
	c.Bus.Listen("tick", func(e *Event) { fast <- e.Data["n"].(int) })

	for i := range 3 {
		if err := c.Bus.Fire("tick", map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("Fire() error = %v", err)
		}
	}
	for i := range 3 {
		select {
		case n := <-fast:
			if n != i {
				t.Errorf("fast listener got n=%d, want %d", n, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("fast listener starved by a blocked sibling")
		}
	}
	close(release)
	blockTillDone(t, c)
}

func TestBusListen(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	c.Bus.Listen("test_event", rec.record)

	octx := NewContext("user1", "")
	if err := c.Bus.Fire("test_event", map[string]any{"a": 1}, octx); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	if err := c.Bus.Fire("other_event", nil, nil); err != nil {
		t.Fatalf("Fire() error = %v", err)
	}
	blockTillDone(t, c)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Context != octx {
		t.Errorf("Context = %v, want the firing context", events[0].Context)
	}
	if events[0].Origin != OriginLocal {
		t.Errorf("Origin = %q, want local", events[0].Origin)
	}
}

func TestBusFireRemote(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	c.Bus.ListenLoop("remote_event", rec.record)

	if err := c.Bus.FireRemote("remote_event", map[string]any{"k": "v"}, nil); err != nil {
		t.Fatalf("FireRemote() error = %v", err)
	}
	blockTillDone(t, c)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	if events[0].Origin != OriginRemote {
		t.Errorf("Origin = %q, want remote", events[0].Origin)
	}
	if events[0].Context == nil {
		t.Error("remote event without a context")
	}
}

func TestBusMatchAll(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	c.Bus.Listen(MatchAll, rec.record)
	blockTillDone(t, c)
	before := rec.len()

	//nolint:errcheck // constant event types
	c.Bus.Fire("one", nil, nil)
	//nolint:errcheck // constant event types
	c.Bus.Fire("two", nil, nil)
	blockTillDone(t, c)

	if got := rec.len() - before; got != 2 {
		t.Errorf("wildcard listener received %d events, want 2", got)
	}
}

func TestBusFireEventFillsDefaults(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	c.Bus.ListenLoop("bare", rec.record)

	if err := c.Bus.FireEvent(&Event{EventType: "bare"}); err != nil {
		t.Fatalf("FireEvent() error = %v", err)
	}
	blockTillDone(t, c)

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("received %d events, want 1", len(events))
	}
	e := events[0]
	if e.Origin != OriginLocal {
		t.Errorf("Origin = %q, want local", e.Origin)
	}
	if e.Context == nil || e.Context.ID() == "" {
		t.Error("event fired without a context")
	}
	if e.TimeFired.IsZero() {
		t.Error("TimeFired not set")
	}
	if got := (&Event{EventType: "raw"}).String(); got != "<Event raw[?]>" {
		t.Errorf("String() on an unset origin = %q", got)
	}
	if got := e.String(); got != "<Event bare[l]>" {
		t.Errorf("String() = %q", got)
	}
}

func TestBusListenersExcludesWildcard(t *testing.T) {
	bus := NewEventBus(nil)
	t.Cleanup(bus.Close)

	bus.Listen(MatchAll, func(*Event) {})
	bus.Listen("a", func(*Event) {})
	bus.Listen("a", func(*Event) {})
	bus.ListenLoop("b", func(*Event) {})

	got := bus.Listeners()
	if _, ok := got[MatchAll]; ok {
		t.Error("Listeners() includes the wildcard")
	}
	if got["a"] != 2 || got["b"] != 1 {
		t.Errorf("Listeners() = %v, want a=2 b=1", got)
	}
}

func TestBusListenOnceFiresOnce(t *testing.T) {
	c := newTestCore(t)

	var calls atomic.Int32
	c.Bus.ListenOnce("once", func(*Event) { calls.Add(1) })

	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			//nolint:errcheck // constant event type
			c.Bus.Fire("once", nil, nil)
		})
	}
	wg.Wait()
	blockTillDone(t, c)

	if got := calls.Load(); got != 1 {
		t.Errorf("once listener ran %d times, want 1", got)
	}
	if _, ok := c.Bus.Listeners()["once"]; ok {
		t.Error("once listener still registered")
	}
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	unsub := c.Bus.Listen("ev", rec.record)
	keep := c.Bus.Listen("ev", func(*Event) {})
	defer keep()

	unsub()
	unsub()

	if got := c.Bus.Listeners()["ev"]; got != 1 {
		t.Errorf("Listeners()[ev] = %d, want 1 after double unsubscribe", got)
	}

	//nolint:errcheck // constant event type
	c.Bus.Fire("ev", nil, nil)
	blockTillDone(t, c)
	if rec.len() != 0 {
		t.Errorf("unsubscribed listener received %d events", rec.len())
	}
}

func TestBusRecoversListenerPanic(t *testing.T) {
	logger := &memoryLogger{}
	c := newTestCore(t, WithLogger(logger))

	var rec recorder
	c.Bus.ListenLoop("boom", func(*Event) { panic("listener failure") })
	c.Bus.ListenLoop("boom", rec.record)

	//nolint:errcheck // constant event type
	c.Bus.Fire("boom", nil, nil)
	blockTillDone(t, c)

	if rec.len() != 1 {
		t.Errorf("listener after the panicking one received %d events, want 1", rec.len())
	}
	if logger.errorCount() == 0 {
		t.Error("panic was not logged")
	}
}

func TestBusFireValidation(t *testing.T) {
	bus := NewEventBus(nil)

	if err := bus.Fire("", nil, nil); !errors.Is(err, ErrInvalidEventType) {
		t.Errorf("Fire(\"\") error = %v, want ErrInvalidEventType", err)
	}

	bus.Close()
	if err := bus.Fire("late", nil, nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Fire() after Close error = %v, want ErrBusClosed", err)
	}
}

func TestBusCloseDrainsQueue(t *testing.T) {
	bus := NewEventBus(nil)

	var rec recorder
	bus.ListenLoop("drain", rec.record)
	for i := range 10 {
		if err := bus.Fire("drain", map[string]any{"i": fmt.Sprint(i)}, nil); err != nil {
			t.Fatalf("Fire() error = %v", err)
		}
	}
	bus.Close()

	if rec.len() != 10 {
		t.Errorf("received %d events before Close returned, want 10", rec.len())
	}
}

func TestBusRegistrationOrderAcrossWildcard(t *testing.T) {
	c := newTestCore(t)

	var order []string
	c.Bus.ListenLoop("x", func(*Event) { order = append(order, "first") })
	c.Bus.ListenLoop(MatchAll, func(e *Event) {
		if e.EventType == "x" {
			order = append(order, "wildcard")
		}
	})
	c.Bus.ListenLoop("x", func(*Event) { order = append(order, "third") })

	//nolint:errcheck // constant event type
	c.Bus.Fire("x", nil, nil)
	blockTillDone(t, c)

	want := []string{"first", "wildcard", "third"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestBusBarrier(t *testing.T) {
	bus := NewEventBus(nil)
	defer bus.Close()

	var delivered atomic.Int32
	bus.ListenLoop("tick", func(*Event) { delivered.Add(1) })
	for range 50 {
		//nolint:errcheck // constant event type
		bus.Fire("tick", nil, nil)
	}
	<-bus.Barrier()

	if n := delivered.Load(); n != 50 {
		t.Errorf("delivered %d events before barrier, want 50", n)
	}
}

func TestBusBarrierAfterClose(t *testing.T) {
	bus := NewEventBus(nil)
	bus.Close()

	select {
	case <-bus.Barrier():
	default:
		t.Error("Barrier() on a closed bus should already be closed")
	}
}
