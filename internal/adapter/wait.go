package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/notify"
)

// waiter collects bus events for one blocking operation. Subscriptions are
// taken before the operation is dispatched so no transition is missed;
// events are evaluated on the caller's goroutine.
type waiter struct {
	a     *Adapter
	subs  []notify.Subscription
	mark  uint64
	armed time.Time

	mu     sync.Mutex
	events []notify.Event
	signal chan struct{}
}

// watch subscribes to events. The current value of each event is queued
// immediately.
func (a *Adapter) watch(events ...string) *waiter {
	w := &waiter{
		a:      a,
		mark:   a.aborts.Load(),
		signal: make(chan struct{}, 1),
	}
	for _, name := range events {
		w.subs = append(w.subs, a.bus.Subscribe(name, w.push))
	}
	w.armed = time.Now()
	return w
}

func (w *waiter) push(ev notify.Event) error {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

func (w *waiter) drain() []notify.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := w.events
	w.events = nil
	return events
}

func (w *waiter) close() {
	for _, sub := range w.subs {
		w.a.bus.Unsubscribe(sub)
	}
}

// since reports whether ts is at or after the moment the operation was armed.
func (w *waiter) since(ts time.Time) bool {
	return !ts.Before(w.armed)
}

// wait feeds queued events to cond until it reports done or an error.
// tick runs at the abort poll interval. The wait fails with ErrTimeout
// after timeout and with ErrOperationAborted on Abort or ctx cancellation.
func (w *waiter) wait(
	ctx context.Context,
	timeout time.Duration,
	what string,
	cond func(notify.Event) (bool, error),
	tick func(time.Time) error,
) error {
	a := w.a
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(a.settings.AbortPollInterval)
	defer ticker.Stop()

	for {
		for _, ev := range w.drain() {
			done, err := cond(ev)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		select {
		case <-w.signal:
		case now := <-ticker.C:
			if a.aborts.Load() != w.mark {
				return fmt.Errorf("%w: %s: %s", ErrOperationAborted, a.cfg.Name, what)
			}
			if a.stopped.Load() {
				return fmt.Errorf("%w: %s: %s: %w", ErrOperationAborted, a.cfg.Name, what, ErrStopped)
			}
			if tick != nil {
				if err := tick(now); err != nil {
					return err
				}
			}
		case <-timer.C:
			return fmt.Errorf("%w: %s: %s not observed within %v", ErrTimeout, a.cfg.Name, what, timeout)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %s: %w", ErrOperationAborted, a.cfg.Name, what, ctx.Err())
		}
	}
}
