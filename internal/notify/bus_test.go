package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/beamline-core/internal/infrastructure/metrics"
)

// recorder collects events delivered to a callback.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) payloads() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Payload
	}
	return out
}

// mockLogger counts warnings and errors.
type mockLogger struct {
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *mockLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *mockLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func TestEmit_FanOut(t *testing.T) {
	bus := NewBus("motor1")
	var a, b recorder
	bus.Subscribe("valueChanged", a.callback)
	bus.Subscribe("valueChanged", b.callback)

	if got := bus.Emit("valueChanged", 1.5); got != 2 {
		t.Errorf("Emit() delivered = %d, want 2", got)
	}

	for name, r := range map[string]*recorder{"a": &a, "b": &b} {
		got := r.payloads()
		if len(got) != 1 || got[0] != 1.5 {
			t.Errorf("subscriber %s got %v, want [1.5]", name, got)
		}
	}

	ev := a.events[0]
	if ev.Source != "motor1" || ev.Name != "valueChanged" || ev.Timestamp.IsZero() {
		t.Errorf("event = %+v, want source motor1, name valueChanged, timestamp set", ev)
	}
}

func TestSubscribe_ReplaysCurrentValueOnce(t *testing.T) {
	bus := NewBus("shutter")
	bus.Emit("stateChanged", "closed")
	bus.Emit("stateChanged", "open")

	var r recorder
	bus.Subscribe("stateChanged", r.callback)

	if got := r.payloads(); len(got) != 1 || got[0] != "open" {
		t.Fatalf("after subscribe got %v, want exactly [open]", got)
	}

	bus.Emit("stateChanged", "closed")
	if got := r.payloads(); len(got) != 2 || got[1] != "closed" {
		t.Errorf("after emit got %v, want [open closed]", got)
	}
}

func TestSubscribe_NoReplayWhenUnknown(t *testing.T) {
	bus := NewBus("shutter")
	var r recorder
	bus.Subscribe("stateChanged", r.callback)

	if got := r.payloads(); len(got) != 0 {
		t.Errorf("got %v, want no replay before first emit", got)
	}
}

func TestSubscribe_AllEventsReplaysEveryName(t *testing.T) {
	bus := NewBus("motor1")
	bus.Emit("valueChanged", 10.0)
	bus.Emit("stateChanged", "READY")

	var r recorder
	bus.Subscribe(AllEvents, r.callback)

	got := r.payloads()
	if len(got) != 2 || got[0] != "READY" || got[1] != 10.0 {
		t.Fatalf("replay = %v, want [READY 10] in name order", got)
	}

	bus.Emit("valueChanged", 11.0)
	if got := r.payloads(); len(got) != 3 || got[2] != 11.0 {
		t.Errorf("after emit = %v, want third event 11", got)
	}
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	bus := NewBus("motor1")
	var keep, drop recorder
	bus.Subscribe("valueChanged", keep.callback)
	sub := bus.Subscribe("valueChanged", drop.callback)

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub)
	bus.Unsubscribe(Subscription{})

	bus.Emit("valueChanged", 3)

	if got := drop.payloads(); len(got) != 0 {
		t.Errorf("unsubscribed callback got %v", got)
	}
	if got := keep.payloads(); len(got) != 1 {
		t.Errorf("remaining subscriber got %v, want one event", got)
	}
	if n := bus.SubscriberCount("valueChanged"); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}
}

func TestEmit_ObserverIsolation(t *testing.T) {
	logger := &mockLogger{}
	bus := NewBus("motor1", WithLogger(logger), WithMetrics(NewMetrics(metrics.NewRegistry())))

	var before, after recorder
	bus.Subscribe("valueChanged", before.callback)
	bus.Subscribe("valueChanged", func(Event) error { return errors.New("ui widget gone") })
	bus.Subscribe("valueChanged", func(Event) error { panic("observer bug") })
	bus.Subscribe("valueChanged", after.callback)

	delivered := bus.Emit("valueChanged", 42)

	if delivered != 2 {
		t.Errorf("Emit() delivered = %d, want 2", delivered)
	}
	if len(before.payloads()) != 1 || len(after.payloads()) != 1 {
		t.Errorf("healthy subscribers got %v and %v, want one event each", before.payloads(), after.payloads())
	}
	if logger.warns != 1 || logger.errors != 1 {
		t.Errorf("logged warns=%d errors=%d, want 1 and 1", logger.warns, logger.errors)
	}
}

func TestEmit_SubscriberAddedDuringDispatchMissesInFlight(t *testing.T) {
	bus := NewBus("motor1")
	var late recorder
	added := false

	bus.Subscribe("valueChanged", func(Event) error {
		if !added {
			added = true
			bus.Subscribe("valueChanged", late.callback)
		}
		return nil
	})

	bus.Emit("valueChanged", 1)

	// The late subscriber sees the replay of the value being emitted, not
	// a second copy from the in-flight emission.
	if got := late.payloads(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("late subscriber got %v, want only the replay [1]", got)
	}

	bus.Emit("valueChanged", 2)
	if got := late.payloads(); len(got) != 2 || got[1] != 2 {
		t.Errorf("late subscriber got %v, want [1 2]", got)
	}
}

func TestEmit_UnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus("motor1")
	var second recorder
	var secondSub Subscription

	bus.Subscribe("valueChanged", func(Event) error {
		bus.Unsubscribe(secondSub)
		return nil
	})
	secondSub = bus.Subscribe("valueChanged", second.callback)

	// Map iteration order is random, so the second callback may run before
	// the first unsubscribes it. Either way it never runs after removal.
	bus.Emit("valueChanged", 1)
	bus.Emit("valueChanged", 2)

	if got := second.payloads(); len(got) > 1 {
		t.Errorf("removed subscriber got %v, want at most one event", got)
	}
}

func TestClose(t *testing.T) {
	bus := NewBus("motor1")
	var r recorder
	bus.Subscribe("valueChanged", r.callback)

	bus.Close()
	bus.Close()

	if n := bus.Emit("valueChanged", 1); n != 0 {
		t.Errorf("Emit() after Close delivered %d", n)
	}
	if sub := bus.Subscribe("valueChanged", r.callback); sub.Valid() {
		t.Error("Subscribe() after Close returned a valid subscription")
	}
	if got := r.payloads(); len(got) != 0 {
		t.Errorf("callback ran after Close: %v", got)
	}
}

func TestSubscribe_NilCallback(t *testing.T) {
	bus := NewBus("motor1")
	if sub := bus.Subscribe("valueChanged", nil); sub.Valid() {
		t.Error("Subscribe(nil) returned a valid subscription")
	}
}

func TestCurrentAndSnapshot(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bus := NewBus("motor1", WithClock(func() time.Time { return fixed }))

	if _, ok := bus.Current("valueChanged"); ok {
		t.Error("Current() reported a value before any emit")
	}

	bus.Emit("valueChanged", 7)
	ev, ok := bus.Current("valueChanged")
	if !ok || ev.Payload != 7 || !ev.Timestamp.Equal(fixed) {
		t.Errorf("Current() = %+v, %v", ev, ok)
	}
	if snap := bus.Snapshot(); len(snap) != 1 {
		t.Errorf("Snapshot() len = %d, want 1", len(snap))
	}
}

func TestEmit_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	bus := NewBus("motor1")
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				sub := bus.Subscribe("valueChanged", func(Event) error { return nil })
				bus.Emit("valueChanged", j)
				bus.Unsubscribe(sub)
			}
		}()
	}
	wg.Wait()

	if n := bus.SubscriberCount("valueChanged"); n != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribed", n)
	}
}
