// Package notify implements the per-object notification bus.
//
// A Bus fans named events out to subscribed callbacks in-process. It keeps
// the last payload of every event name and replays it to a new subscriber
// immediately, so late observers start from the current value instead of
// waiting for the next change.
//
// Dispatch works on a snapshot of the subscriber list taken before any
// callback runs. No lock is held while callbacks execute, so a callback may
// subscribe, unsubscribe or emit on the same bus. A callback that returns an
// error or panics is logged and counted; the remaining subscribers still
// receive the event.
//
// Usage:
//
//	bus := notify.NewBus("safety_shutter", notify.WithLogger(logger))
//	sub := bus.Subscribe("stateChanged", func(ev notify.Event) error {
//	    fmt.Println(ev.Payload)
//	    return nil
//	})
//	defer bus.Unsubscribe(sub)
package notify
