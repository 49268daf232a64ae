// Package sim provides a deterministic in-memory host controller.
//
// A [Bus] models a root hub, simulated devices and external hubs over a
// virtual clock. Nothing happens until the clock is advanced with
// [Bus.Step] or [Bus.Advance], which makes enumeration scenarios
// reproducible in tests:
//
//	bus := sim.New(2)
//	bus.Attach(1, sim.NewDevice(0x1234, 0x0001, hal.SpeedFull))
//	for {
//	    ctrl.Poll()
//	    if !bus.Step() {
//	        break
//	    }
//	}
//
// Devices carry [Faults] for scripted misbehavior: resets that never
// complete, hung requests, stalled strings and descriptors that change
// between reads. [Bus.MaxResetsInFlight] records how many ports were ever in
// reset at once.
package sim
