// Package adapter turns a device definition from the catalog into a live
// device: named channel and command roles, a table-driven state machine
// and a notification bus.
//
// Channel events for one device are processed in order on a single
// goroutine. Blocking operations (Move, Open, Close, SetValue with wait)
// subscribe to the device bus before dispatching and return once the
// post-condition is observed, or with ErrTimeout, ErrOperationRejected or
// ErrOperationAborted.
//
// Usage:
//
//	cat, err := adapter.LoadCatalog("configs/devices.yaml")
//	if err != nil {
//	    return err
//	}
//	dev, err := adapter.New(cat.Devices[0], transports, adapter.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	if err := dev.Start(ctx); err != nil {
//	    return err
//	}
//	defer dev.Stop()
//	err = dev.Open(ctx, true, 10*time.Second)
package adapter
