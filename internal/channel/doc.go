// Package channel provides proxies for backend values (channels) and
// backend actions (commands).
//
// A Transport opens Links to backend addresses. Transports live in
// subpackages (memory, modbus, mqtt) and only have to implement
// read/write/subscribe; the Channel adds everything else:
//
//   - value validation and scaling against a declared Spec
//   - a cached reading with a monotonic timestamp watermark
//   - push subscription with polling fallback
//   - a generation counter so updates from a dead link are discarded
//   - background reconnection with bounded exponential backoff
//
// Owners receive changes through a Sink:
//
//	ch, err := channel.New(channel.Config{
//	    Name:    "fe_shutter.state",
//	    Address: channel.Address{Backend: "plc", Target: "1", Attribute: "holding:12"},
//	}, transport, channel.WithSink(func(ev channel.Event) {
//	    // called from transport goroutines
//	}))
//	if err := ch.Connect(ctx); err != nil {
//	    // not fatal: the channel keeps retrying
//	}
//	defer ch.Disconnect()
//
// All failures map onto three errors: ErrBackendUnavailable, ErrTimeout and
// ErrInvalidValue.
package channel
