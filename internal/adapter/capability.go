package adapter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/notify"
	"github.com/nerrad567/beamline-core/internal/state"
)

// mover drives a device to a target by writing the setpoint (or the read
// role itself) and watching the read role and the state.
type mover struct {
	a        *Adapter
	readRole string
}

func newMover(a *Adapter, readRole string) *mover {
	return &mover{a: a, readRole: readRole}
}

func (m *mover) target() *channel.Channel {
	if ch, ok := m.a.roles.Channel(RoleSetpoint); ok {
		return ch
	}
	ch, _ := m.a.roles.Channel(m.readRole)
	return ch
}

// Move writes target. With wait it returns once the device is READY with
// the read role within tolerance. A device that shows MOVING and then
// settles off target, never shows MOVING while off target, or enters
// FAULT, is rejected.
func (m *mover) Move(ctx context.Context, target any, wait bool, timeout time.Duration) error {
	a := m.a
	out := m.target()

	var w *waiter
	if wait {
		w = a.watch(EventStateChanged, EventReadingChanged)
		defer w.close()
	}

	if err := out.Write(ctx, target); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	want, err := out.Spec().Check(target)
	if err != nil {
		want = target
	}
	readCh, _ := a.roles.Channel(m.readRole)

	cur := a.GetState()
	var pos any
	if r := readCh.Last(); r.Confirmed {
		pos = r.Value
	}
	seenMoving := false
	var settleBy time.Time

	evaluate := func(now time.Time) (bool, error) {
		inPosition := pos != nil && within(pos, want, a.settings.Tolerance)
		switch {
		case cur.State == state.Fault && w.since(cur.Timestamp):
			return false, fmt.Errorf("%w: %s: fault during move: %s", ErrOperationRejected, a.cfg.Name, cur.Reason)
		case cur.State == state.Ready && inPosition:
			return true, nil
		case cur.State == state.Ready && seenMoving && settleBy.IsZero():
			settleBy = now.Add(a.settings.SettleTime)
		}
		return false, nil
	}

	cond := func(ev notify.Event) (bool, error) {
		switch p := ev.Payload.(type) {
		case StateChange:
			cur = p.Current
			if (cur.State == state.Moving || cur.State == state.Busy) && w.since(cur.Timestamp) {
				seenMoving = true
				settleBy = time.Time{}
			}
		case ValueChange:
			if p.Role == m.readRole && p.Reading.Confirmed {
				pos = p.Reading.Value
			}
		}
		return evaluate(time.Now())
	}

	limit := a.waitTimeout(timeout)
	start := m.startTimeout(limit)
	tick := func(now time.Time) error {
		if !settleBy.IsZero() && now.After(settleBy) {
			return fmt.Errorf("%w: %s: stopped at %v, target %v", ErrOperationRejected, a.cfg.Name, pos, want)
		}
		if start > 0 && !seenMoving && now.Sub(w.armed) > start {
			return fmt.Errorf("%w: %s: did not start moving within %v", ErrOperationRejected, a.cfg.Name, start)
		}
		return nil
	}

	return w.wait(ctx, limit, fmt.Sprintf("%s at %v", m.readRole, want), cond, tick)
}

// startTimeout is how long a move may go without MOVING before it is
// rejected. It never exceeds half the wait, so the rejection is reported
// instead of a timeout. Devices whose state table cannot report motion
// have no start check.
func (m *mover) startTimeout(wait time.Duration) time.Duration {
	if !reportsMotion(m.a.machine.Table()) {
		return 0
	}
	start := m.a.settings.StartTimeout
	if half := wait / 2; half > 0 && start > half {
		start = half
	}
	return start
}

func reportsMotion(t *state.Table) bool {
	if t == nil {
		return false
	}
	for _, r := range t.Rules {
		if r.State == state.Moving || r.State == state.Busy {
			return true
		}
	}
	return false
}

// within compares numbers with tolerance and everything else for equality.
func within(value, target any, tolerance float64) bool {
	v, okV := channel.ToFloat(value)
	t, okT := channel.ToFloat(target)
	if okV && okT {
		return math.Abs(v-t) <= tolerance+1e-9
	}
	return channel.Equal(value, target)
}

// switcher opens and closes a two-position device and waits for the state
// label of the requested position.
type switcher struct {
	a *Adapter
}

func newSwitcher(a *Adapter) *switcher {
	return &switcher{a: a}
}

func (s *switcher) Open(ctx context.Context, wait bool, timeout time.Duration) error {
	return s.actuate(ctx, true, wait, timeout)
}

func (s *switcher) Close(ctx context.Context, wait bool, timeout time.Duration) error {
	return s.actuate(ctx, false, wait, timeout)
}

func (s *switcher) actuate(ctx context.Context, open, wait bool, timeout time.Duration) error {
	a := s.a
	set := a.settings
	target, other := set.OpenLabel, set.ClosedLabel
	if !open {
		target, other = other, target
	}

	var w *waiter
	if wait {
		w = a.watch(EventStateChanged)
		defer w.close()
	}

	if err := s.dispatch(ctx, open); err != nil {
		return err
	}
	if !wait {
		return nil
	}

	transition := false
	cond := func(ev notify.Event) (bool, error) {
		sc, ok := ev.Payload.(StateChange)
		if !ok {
			return false, nil
		}
		st := sc.Current
		if st.Label == target {
			return true, nil
		}
		if !w.since(st.Timestamp) {
			return false, nil
		}
		switch {
		case st.State == state.Fault:
			return false, fmt.Errorf("%w: %s: fault: %s", ErrOperationRejected, a.cfg.Name, st.String())
		case st.State == state.Moving || st.State == state.Busy:
			transition = true
		case transition && st.Label == other:
			return false, fmt.Errorf("%w: %s: returned to %s", ErrOperationRejected, a.cfg.Name, other)
		}
		return false, nil
	}

	return w.wait(ctx, a.waitTimeout(timeout), target, cond, nil)
}

// dispatch sends the open or close request through whichever actuation the
// device was configured with.
func (s *switcher) dispatch(ctx context.Context, open bool) error {
	a := s.a
	role, value := RoleClose, a.settings.CloseValue
	if open {
		role, value = RoleOpen, a.settings.OpenValue
	}

	if cmd, ok := a.roles.Command(role); ok {
		_, err := cmd.Invoke(ctx)
		return err
	}
	if cmd, ok := a.roles.Command(RoleActuate); ok {
		_, err := cmd.Invoke(ctx, value)
		return err
	}
	if ch, ok := a.roles.Channel(RoleControl); ok {
		return ch.Write(ctx, value)
	}
	return fmt.Errorf("%w: %s has no actuation", ErrNotSupported, a.cfg.Name)
}
