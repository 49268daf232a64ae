package host

import (
	"context"
	"sync/atomic"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// openState counts the handles of one interface.
type openState struct {
	exclusive bool
	count     int
}

// Handle is an open interface. Its methods may be called from any
// goroutine other than the controller loop, which must be running.
type Handle struct {
	c      *Controller
	id     InterfaceID
	dev    DeviceID
	number uint8
	closed atomic.Bool
}

// Open opens a published interface. An exclusive open fails while any
// other handle is open, and a shared open fails while an exclusive one is.
func (c *Controller) Open(id InterfaceID, exclusive bool) (*Handle, error) {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	info, ok := c.ifaceInfo[id]
	if !ok {
		return nil, errors.Wrapf(pkg.ErrUnknownID, "interface %d", id)
	}
	st := c.opens[id]
	if st == nil {
		st = &openState{}
		c.opens[id] = st
	}
	if st.count > 0 && (st.exclusive || exclusive) {
		return nil, errors.Wrapf(pkg.ErrBusy, "interface %d open %d times", id, st.count)
	}
	st.exclusive = exclusive
	st.count++
	pkg.LogDebug(pkg.ComponentHost, "interface opened", "interface", id, "device", info.Device,
		"exclusive", exclusive)
	return &Handle{c: c, id: id, dev: info.Device, number: info.Number}, nil
}

// Interface returns the identifier of the open interface.
func (h *Handle) Interface() InterfaceID { return h.id }

// Close releases the handle.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return pkg.ErrNotOpen
	}
	c := h.c
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	if st := c.opens[h.id]; st != nil {
		st.count--
		if st.count <= 0 {
			delete(c.opens, h.id)
		}
	}
	return nil
}

// Control runs a control transfer on the default endpoint of the device.
// It waits behind enumeration and other control users of the device.
func (h *Handle) Control(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	return h.run(ctx, func(op *operation, d *Device) {
		if !d.gate.acquire(op, op.wake) {
			op.queued = true
			return
		}
		op.queued = false
		op.gated = true
		c := h.c
		err := op.w.submit(d.ctrl, setup, data, c.cfg.ControlTimeout, func(status pkg.TransferStatus, n int) {
			d.gate.release(op, c.post)
			op.finish(n, status)
		})
		if err != nil {
			d.gate.release(op, c.post)
			op.reply(0, err)
		}
	})
}

// Transfer runs a bulk or interrupt transfer on an endpoint of the
// interface, addressed by bEndpointAddress. The endpoint is opened on
// first use.
func (h *Handle) Transfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return h.run(ctx, func(op *operation, d *Device) {
		c := h.c
		ep, ok := d.interfaceEndpoint(h.number, endpoint)
		if !ok {
			op.reply(0, errors.Wrapf(pkg.ErrInvalidParameter, "endpoint 0x%02x not on interface %d",
				endpoint, h.number))
			return
		}
		if t := ep.TransferType(); t != hal.TransferBulk && t != hal.TransferInterrupt {
			op.reply(0, errors.Wrapf(pkg.ErrNotSupported, "%s endpoint 0x%02x", t, endpoint))
			return
		}
		hep, ok := d.endpoints[endpoint]
		if !ok {
			var err error
			hep, err = c.hcd.OpenEndpoint(ep.Config(d.address, d.speed))
			if err != nil {
				op.reply(0, errors.Wrapf(err, "open endpoint 0x%02x", endpoint))
				return
			}
			d.endpoints[endpoint] = hep
		}
		err := op.w.submit(hcdPipe{hcd: c.hcd, ep: hep}, hal.SetupPacket{}, data, 0,
			func(status pkg.TransferStatus, n int) { op.finish(n, status) })
		if err != nil {
			op.reply(0, err)
		}
	})
}

func (h *Handle) run(ctx context.Context, start func(*operation, *Device)) (int, error) {
	if h.closed.Load() {
		return 0, pkg.ErrNotOpen
	}
	c := h.c
	if !c.Running() {
		return 0, pkg.ErrNotRunning
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(pkg.ErrCancelled, err.Error())
	}

	op := &operation{c: c, dev: h.dev, done: make(chan result, 1)}
	op.launch = func() {
		if op.replied {
			return
		}
		d := c.devices[h.dev]
		if d == nil || d.state != DeviceStateEnumerated {
			op.reply(0, errors.Wrapf(pkg.ErrRemoved, "device %d", h.dev))
			return
		}
		op.w.bind(c, d, "handle")
		d.ops[op] = struct{}{}
		start(op, d)
	}
	c.post(op.launch)

	select {
	case r := <-op.done:
		return r.n, r.err
	case <-ctx.Done():
		c.post(op.cancel)
		r := <-op.done
		return r.n, r.err
	}
}

type result struct {
	n   int
	err error
}

// operation is one client request in flight on the controller loop.
type operation struct {
	c       *Controller
	dev     DeviceID
	w       waiter
	launch  func()
	queued  bool // waiting for the control gate
	gated   bool
	removed bool
	replied bool
	done    chan result
}

func (op *operation) wake() { op.c.post(op.launch) }

func (op *operation) finish(n int, status pkg.TransferStatus) {
	if op.removed {
		op.reply(n, errors.Wrapf(pkg.ErrRemoved, "device %d", op.dev))
		return
	}
	if status == pkg.TransferStatusSuccess {
		op.reply(n, nil)
		return
	}
	op.reply(n, status.Error())
}

func (op *operation) reply(n int, err error) {
	if op.replied {
		return
	}
	op.replied = true
	if d := op.c.devices[op.dev]; d != nil {
		delete(d.ops, op)
	}
	op.done <- result{n: n, err: err}
}

// cancel ends the operation early after its context is done.
func (op *operation) cancel() {
	if op.replied {
		return
	}
	if !op.w.idle() {
		op.w.cancel()
		return
	}
	if d := op.c.devices[op.dev]; d != nil && (op.queued || op.gated) {
		d.gate.drop(op, op.c.post)
	}
	op.reply(0, pkg.ErrCancelled)
}

// remove ends the operation because its device went away. A submitted
// request is aborted and replies once the abort completes.
func (op *operation) remove() {
	if op.replied {
		return
	}
	op.removed = true
	if !op.w.idle() {
		op.w.cancel()
		return
	}
	if d := op.c.devices[op.dev]; d != nil && (op.queued || op.gated) {
		d.gate.drop(op, op.c.post)
	}
	op.reply(0, errors.Wrapf(pkg.ErrRemoved, "device %d", op.dev))
}

// interfaceEndpoint finds an endpoint of interface number in the active
// configuration.
func (d *Device) interfaceEndpoint(number, addr uint8) (hal.EndpointDescriptor, bool) {
	for _, in := range d.interfaces {
		if in.desc.InterfaceNumber != number {
			continue
		}
		for _, ep := range in.endpoints {
			if ep.EndpointAddress == addr {
				return ep, true
			}
		}
	}
	return hal.EndpointDescriptor{}, false
}
