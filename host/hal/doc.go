// Package hal defines the host-controller driver contract consumed by the
// enumeration engine.
//
// The engine owns every piece of USB protocol logic above the wire: bus
// resets, address assignment, descriptor fetches and hub status polling. A
// driver only has to move requests and flip root-hub port bits.
//
// # Interface Overview
//
// A driver implements [HostController]:
//   - Endpoint queues opened per device endpoint with [EndpointConfig]
//   - Asynchronous [Request] submission with pending, synchronous or
//     rejected outcomes, plus Abort for the timeout path
//   - Root hub port primitives through [RootHub], addressed by one-based
//     port numbers
//
// Timers are consumed separately through [Timers]. [ClockTimers] adapts any
// k8s.io/utils clock and is what the engine uses by default.
//
// # Wire Formats
//
// [SetupPacket], [PortStatus], [HubStatus] and the descriptor types use the
// USB 2.0 little-endian layouts. Root hubs report port state in the same
// wPortStatus/wPortChange words that external hubs return, so the engine
// drives both through one state table.
//
// A deterministic in-memory driver is available in
// [github.com/ardnew/usbenum/host/hal/sim].
package hal
