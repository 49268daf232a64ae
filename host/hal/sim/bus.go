package sim

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Default bus timing.
const (
	DefaultLatency       = time.Millisecond
	DefaultResetTime     = 10 * time.Millisecond
	DefaultPowerGoodTime = 10 * time.Millisecond
)

// Option configures a [Bus].
type Option func(*Bus)

// WithLatency sets the completion delay of every request.
func WithLatency(d time.Duration) Option {
	return func(b *Bus) { b.latency = d }
}

// WithResetTime sets how long reset signalling lasts on any port.
func WithResetTime(d time.Duration) Option {
	return func(b *Bus) { b.resetTime = d }
}

// WithPowerGoodTime sets the root hub power-on-to-power-good delay.
func WithPowerGoodTime(d time.Duration) Option {
	return func(b *Bus) { b.powerGood = d }
}

// Bus is a simulated host controller with a root hub of N ports.
//
// It implements [hal.HostController], [hal.RootHub] and [hal.Timers] over a
// virtual clock advanced by [Bus.Step] or [Bus.Advance]. Callbacks
// (request completion, timers, root status changes) run on the goroutine
// that advances the clock, never while the bus lock is held.
type Bus struct {
	mu       sync.Mutex
	deferred []func()

	now    time.Duration
	seq    uint64
	events eventQueue

	latency   time.Duration
	resetTime time.Duration
	powerGood time.Duration

	ports     []*port
	hubStatus hal.HubStatus
	handler   func()

	endpoints map[hal.Endpoint]*endpoint
	nextEP    hal.Endpoint
	running   bool

	resets     int
	inReset    int
	maxInReset int
}

// New creates a bus whose root hub has the given number of ports.
func New(ports int, opts ...Option) *Bus {
	b := &Bus{
		latency:   DefaultLatency,
		resetTime: DefaultResetTime,
		powerGood: DefaultPowerGoodTime,
		endpoints: make(map[hal.Endpoint]*endpoint),
	}
	for i := 0; i < ports; i++ {
		b.ports = append(b.ports, &port{num: i + 1})
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// unlock releases b.mu and then runs callbacks queued while it was held.
func (b *Bus) unlock() {
	fns := b.deferred
	b.deferred = nil
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// later queues fn to run once b.mu is released. Caller must hold b.mu.
func (b *Bus) later(fn func()) {
	b.deferred = append(b.deferred, fn)
}

func (b *Bus) rootPort(n int) (*port, error) {
	if n < 1 || n > len(b.ports) {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "root port %d", n)
	}
	return b.ports[n-1], nil
}

// =============================================================================
// Topology
// =============================================================================

// Attach plugs dev into a root port.
func (b *Bus) Attach(n int, dev *Device) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	return b.attach(p, dev)
}

// Detach unplugs whatever device sits on a root port.
func (b *Bus) Detach(n int) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	return b.detach(p)
}

// OverCurrent raises an over-current condition on a root port.
func (b *Bus) OverCurrent(n int) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.overCurrent(p, true)
	return nil
}

// ClearOverCurrent ends an over-current condition on a root port.
func (b *Bus) ClearOverCurrent(n int) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.overCurrent(p, false)
	return nil
}

// Resets returns the number of bus resets issued on any port.
func (b *Bus) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// ResetsInFlight returns the number of ports currently signalling reset.
func (b *Bus) ResetsInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inReset
}

// MaxResetsInFlight returns the highest number of ports ever observed
// signalling reset at the same time.
func (b *Bus) MaxResetsInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInReset
}

// Address returns the address currently held by dev, or false when the
// device is not reachable.
func (b *Bus) Address(dev *Device) (hal.DeviceAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !dev.reachable() {
		return 0, false
	}
	return dev.address, true
}

// =============================================================================
// hal.HostController
// =============================================================================

// Start implements hal.HostController.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.unlock()
	if b.running {
		return pkg.ErrAlreadyRunning
	}
	b.running = true
	pkg.LogDebug(pkg.ComponentSim, "bus started", "ports", len(b.ports))
	return nil
}

// Stop implements hal.HostController.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.unlock()
	if !b.running {
		return pkg.ErrNotRunning
	}
	b.running = false
	for _, ep := range b.endpoints {
		b.abort(ep)
	}
	pkg.LogDebug(pkg.ComponentSim, "bus stopped")
	return nil
}

// OpenEndpoint implements hal.HostController.
func (b *Bus) OpenEndpoint(cfg hal.EndpointConfig) (hal.Endpoint, error) {
	b.mu.Lock()
	defer b.unlock()
	if cfg.Number > 15 || cfg.MaxPacketSize == 0 || cfg.Address > hal.MaxAddress {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "endpoint %+v", cfg)
	}
	b.nextEP++
	b.endpoints[b.nextEP] = &endpoint{id: b.nextEP, cfg: cfg}
	return b.nextEP, nil
}

// CloseEndpoint implements hal.HostController.
func (b *Bus) CloseEndpoint(id hal.Endpoint) error {
	b.mu.Lock()
	defer b.unlock()
	ep, ok := b.endpoints[id]
	if !ok {
		return errors.Wrapf(pkg.ErrUnknownID, "endpoint %d", id)
	}
	b.abort(ep)
	delete(b.endpoints, id)
	return nil
}

// Abort implements hal.HostController.
func (b *Bus) Abort(id hal.Endpoint) error {
	b.mu.Lock()
	defer b.unlock()
	ep, ok := b.endpoints[id]
	if !ok {
		return errors.Wrapf(pkg.ErrUnknownID, "endpoint %d", id)
	}
	b.abort(ep)
	return nil
}

// Submit implements hal.HostController. Every accepted request completes
// asynchronously.
func (b *Bus) Submit(id hal.Endpoint, req *hal.Request) (pkg.TransferStatus, error) {
	b.mu.Lock()
	defer b.unlock()
	if !b.running {
		return pkg.TransferStatusError, errors.Wrap(pkg.ErrRejected, "controller stopped")
	}
	ep, ok := b.endpoints[id]
	if !ok {
		return pkg.TransferStatusError, errors.Wrapf(pkg.ErrRejected, "endpoint %d", id)
	}
	if req == nil || req.Complete == nil {
		return pkg.TransferStatusError, errors.Wrap(pkg.ErrInvalidParameter, "request without completion")
	}

	x := &transfer{ep: ep, req: req}
	ep.pending = append(ep.pending, x)
	req.Status = pkg.TransferStatusPending
	req.Actual = 0

	dev := b.lookup(ep.cfg.Address)
	if dev != nil && dev.Faults.HangRequests > 0 {
		dev.Faults.HangRequests--
		pkg.LogDebug(pkg.ComponentSim, "request hung", "address", ep.cfg.Address, "ep", ep.cfg.Number)
		return pkg.TransferStatusPending, nil
	}
	if dev != nil && dev.Hub != nil && ep.cfg.Type == hal.TransferInterrupt && ep.cfg.In {
		dev.Hub.statusReq = x
		dev.Hub.signal()
		return pkg.TransferStatusPending, nil
	}
	x.ev = b.schedule(b.latency, func() {
		b.mu.Lock()
		defer b.unlock()
		b.complete(x)
	})
	return pkg.TransferStatusPending, nil
}

// RootHub implements hal.HostController.
func (b *Bus) RootHub() hal.RootHub { return b }

// =============================================================================
// hal.RootHub
// =============================================================================

// NumPorts implements hal.RootHub.
func (b *Bus) NumPorts() int { return len(b.ports) }

// PowerGoodTime implements hal.RootHub.
func (b *Bus) PowerGoodTime() time.Duration { return b.powerGood }

// GetHubStatus implements hal.RootHub.
func (b *Bus) GetHubStatus() (hal.HubStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hubStatus, nil
}

// ClearHubStatus implements hal.RootHub.
func (b *Bus) ClearHubStatus(change uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hubStatus.Change &^= change
	return nil
}

// GetPortStatus implements hal.RootHub.
func (b *Bus) GetPortStatus(n int) (hal.PortStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return p.status, nil
}

// ClearPortStatus implements hal.RootHub.
func (b *Bus) ClearPortStatus(n int, change uint16) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	p.status.Change &^= change
	return nil
}

// SetPortPower implements hal.RootHub.
func (b *Bus) SetPortPower(n int, on bool) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.power(p, on)
	return nil
}

// ResetPort implements hal.RootHub.
func (b *Bus) ResetPort(n int) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.reset(p)
	return nil
}

// DisablePort implements hal.RootHub.
func (b *Bus) DisablePort(n int) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.disable(p)
	return nil
}

// SuspendPort implements hal.RootHub.
func (b *Bus) SuspendPort(n int, suspend bool) error {
	b.mu.Lock()
	defer b.unlock()
	p, err := b.rootPort(n)
	if err != nil {
		return err
	}
	b.suspend(p, suspend)
	return nil
}

// SetStatusChangeHandler implements hal.RootHub.
func (b *Bus) SetStatusChangeHandler(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = fn
}

// =============================================================================
// Requests
// =============================================================================

type endpoint struct {
	id      hal.Endpoint
	cfg     hal.EndpointConfig
	pending []*transfer
}

type transfer struct {
	ep   *endpoint
	req  *hal.Request
	ev   *event
	done bool
}

func (ep *endpoint) remove(x *transfer) {
	for i, p := range ep.pending {
		if p == x {
			ep.pending = append(ep.pending[:i], ep.pending[i+1:]...)
			return
		}
	}
}

// finish records the outcome of x and queues its completion callback.
func (b *Bus) finish(x *transfer, n int, status pkg.TransferStatus) {
	x.done = true
	x.ep.remove(x)
	x.req.Actual = n
	x.req.Status = status
	req := x.req
	b.later(func() { req.Complete(req) })
}

// abort cancels every pending request on ep. Caller must hold b.mu.
func (b *Bus) abort(ep *endpoint) {
	for _, x := range append([]*transfer(nil), ep.pending...) {
		if x.done {
			continue
		}
		b.cancel(x.ev)
		b.finish(x, 0, pkg.TransferStatusCancelled)
	}
	for _, p := range b.ports {
		p.forgetStatusRequests(ep)
	}
}

// complete runs a scheduled request against whatever device currently
// answers its address. Caller must hold b.mu.
func (b *Bus) complete(x *transfer) {
	if x.done {
		return
	}
	dev := b.lookup(x.ep.cfg.Address)
	if dev == nil {
		b.finish(x, 0, pkg.TransferStatusError)
		return
	}

	var (
		n      int
		status pkg.TransferStatus
	)
	if x.ep.cfg.Type == hal.TransferControl {
		n, status = dev.control(b, x.req.Setup, x.req.Data)
		// A device with a smaller bMaxPacketSize0 ends the data stage with
		// a short packet at its own packet size.
		if mps := int(dev.Descriptor.MaxPacketSize0); x.req.Setup.IsIn() &&
			int(x.ep.cfg.MaxPacketSize) > mps && n > mps {
			n = mps
		}
	} else {
		n, status = dev.transfer(x.ep.cfg, x.req.Data)
	}
	b.finish(x, n, status)
}

// lookup returns the reachable device answering addr. Caller must hold b.mu.
func (b *Bus) lookup(addr hal.DeviceAddress) *Device {
	return lookupPorts(b.ports, addr)
}

func lookupPorts(ports []*port, addr hal.DeviceAddress) *Device {
	for _, p := range ports {
		dev := p.dev
		if dev == nil || !p.enabled() {
			continue
		}
		if dev.address == addr {
			return dev
		}
		if dev.Hub != nil && dev.config != 0 {
			if d := lookupPorts(dev.Hub.ports, addr); d != nil {
				return d
			}
		}
	}
	return nil
}

// =============================================================================
// Port state
// =============================================================================

type port struct {
	num    int
	hub    *Hub // nil on the root hub
	status hal.PortStatus
	dev    *Device

	resetEv *event
	stuck   bool
}

func (p *port) enabled() bool {
	return p.status.Enabled() && !p.status.InReset() && !p.status.Suspended()
}

func (p *port) resetting() bool { return p.resetEv != nil || p.stuck }

// forgetStatusRequests drops a hub status request parked on an aborted
// endpoint anywhere below p.
func (p *port) forgetStatusRequests(ep *endpoint) {
	h := p.devHub()
	if h == nil {
		return
	}
	if h.statusReq != nil && h.statusReq.ep == ep {
		h.statusReq = nil
	}
	for _, c := range h.ports {
		c.forgetStatusRequests(ep)
	}
}

func (p *port) devHub() *Hub {
	if p.dev == nil {
		return nil
	}
	return p.dev.Hub
}

// changed signals a status change on p. Caller must hold b.mu.
func (b *Bus) changed(p *port) {
	if p.hub != nil {
		p.hub.signal()
		return
	}
	if fn := b.handler; fn != nil {
		b.later(fn)
	}
}

func (b *Bus) connect(p *port) {
	if p.dev == nil || !p.status.Powered() || p.status.OverCurrent() {
		return
	}
	p.status.Status |= hal.PortStatusConnection
	if p.dev.Speed == hal.SpeedLow {
		p.status.Status |= hal.PortStatusLowSpeed
	}
	p.status.Change |= hal.PortChangeConnection
	b.changed(p)
}

func (b *Bus) attach(p *port, dev *Device) error {
	if dev == nil {
		return errors.Wrap(pkg.ErrInvalidParameter, "nil device")
	}
	if p.dev != nil {
		return errors.Wrapf(pkg.ErrBusy, "port %d occupied", p.num)
	}
	if dev.port != nil {
		return errors.Wrap(pkg.ErrBusy, "device already attached")
	}
	p.dev = dev
	dev.port = p
	dev.bind(b)
	dev.powerReset()
	pkg.LogDebug(pkg.ComponentSim, "attach", "port", p.num, "vendor", dev.Descriptor.VendorID,
		"product", dev.Descriptor.ProductID)
	b.connect(p)
	return nil
}

func (b *Bus) detach(p *port) error {
	dev := p.dev
	if dev == nil {
		return errors.Wrapf(pkg.ErrNoDevice, "port %d empty", p.num)
	}
	b.abortReset(p)
	p.dev = nil
	dev.port = nil
	dev.powerReset()

	const lost = hal.PortStatusConnection | hal.PortStatusEnable | hal.PortStatusSuspend |
		hal.PortStatusLowSpeed | hal.PortStatusHighSpeed
	if p.status.Connected() {
		p.status.Change |= hal.PortChangeConnection
	}
	p.status.Status &^= lost
	pkg.LogDebug(pkg.ComponentSim, "detach", "port", p.num)
	b.changed(p)
	return nil
}

func (b *Bus) power(p *port, on bool) {
	if on {
		if p.status.Powered() {
			return
		}
		p.status.Status |= hal.PortStatusPower
		b.connect(p)
		return
	}
	b.abortReset(p)
	if p.dev != nil {
		p.dev.powerReset()
	}
	p.status = hal.PortStatus{}
}

func (b *Bus) reset(p *port) {
	b.abortReset(p)
	if !p.status.Connected() {
		return
	}
	b.resets++
	b.inReset++
	if b.inReset > b.maxInReset {
		b.maxInReset = b.inReset
	}
	p.status.Status |= hal.PortStatusReset
	p.status.Status &^= hal.PortStatusEnable | hal.PortStatusHighSpeed

	if p.dev.Faults.ResetFailures > 0 {
		p.dev.Faults.ResetFailures--
		p.stuck = true
		pkg.LogDebug(pkg.ComponentSim, "reset stuck", "port", p.num)
		return
	}
	p.resetEv = b.schedule(b.resetTime, func() {
		b.mu.Lock()
		defer b.unlock()
		b.finishReset(p)
	})
}

func (b *Bus) finishReset(p *port) {
	p.resetEv = nil
	b.inReset--
	p.status.Status &^= hal.PortStatusReset
	p.status.Change |= hal.PortChangeReset
	if dev := p.dev; dev != nil && p.status.Connected() {
		dev.powerReset()
		p.status.Status |= hal.PortStatusEnable
		if dev.Speed == hal.SpeedHigh {
			p.status.Status |= hal.PortStatusHighSpeed
		}
	}
	b.changed(p)
}

// abortReset ends any reset signalling on p without reporting completion.
func (b *Bus) abortReset(p *port) {
	if !p.resetting() {
		return
	}
	b.cancel(p.resetEv)
	p.resetEv = nil
	p.stuck = false
	b.inReset--
	p.status.Status &^= hal.PortStatusReset
}

func (b *Bus) disable(p *port) {
	b.abortReset(p)
	p.status.Status &^= hal.PortStatusEnable | hal.PortStatusSuspend
}

func (b *Bus) suspend(p *port, on bool) {
	if on {
		if p.status.Enabled() {
			p.status.Status |= hal.PortStatusSuspend
		}
		return
	}
	if p.status.Suspended() {
		p.status.Status &^= hal.PortStatusSuspend
		p.status.Change |= hal.PortChangeSuspend
		b.changed(p)
	}
}

func (b *Bus) overCurrent(p *port, active bool) {
	if active == p.status.OverCurrent() {
		return
	}
	if active {
		b.abortReset(p)
		p.status.Status |= hal.PortStatusOverCurrent
		p.status.Status &^= hal.PortStatusEnable
	} else {
		p.status.Status &^= hal.PortStatusOverCurrent
	}
	p.status.Change |= hal.PortChangeOverCurrent
	b.changed(p)
}
