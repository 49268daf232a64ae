// Package host implements USB bus enumeration on top of a host controller
// driver.
//
// A [Controller] discovers devices as they attach to the root hub or to any
// chain of external hubs, resets and addresses them one port at a time, reads
// their descriptors, selects a configuration that fits the port power budget
// and publishes their interfaces to subscribers. Hubs found along the way are
// initialized and polled for status changes the same way the root hub is.
//
// # Execution model
//
// The controller is event driven. Request completions, timer expiries and
// root hub change signals are queued and executed on a single logical
// thread by [Controller.Run] or [Controller.Poll]. Four state machines run
// there:
//
//   - port reset and address assignment, one per controller
//   - descriptor enumeration, one per new device
//   - hub initialization, one per hub
//   - hub status notification, one per hub
//
// Only one port is ever in reset at a time. Machines sharing a device's
// default control endpoint take turns through a FIFO gate.
//
// # Removal
//
// Unplugging a hub removes everything below it. Devices are marked removed
// in one pass and every machine working on them unwinds at its next step;
// device objects are freed when their last reference goes. Client transfers
// in flight on a removed device are aborted and fail with [pkg.ErrRemoved].
//
// # Logging
//
// Logging goes through the process-wide logger of package pkg, shared by
// every controller; replace it with [pkg.SetLogger].
//
// # Example
//
//	bus := sim.New(4)
//	c, err := host.New(bus, host.WithTimers(bus))
//	if err != nil {
//		return err
//	}
//	c.Subscribe(host.Filter{}, func(ev host.Event) {
//		log.Println(ev.Kind, ev.Info.VendorID, ev.Info.ProductID)
//	})
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//	return c.Run(ctx)
//
// A deterministic simulated bus for tests is available in
// [github.com/ardnew/usbenum/host/hal/sim].
package host
