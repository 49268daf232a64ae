package host

import (
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// hubInitMachine brings up a configured hub: it reads the hub descriptor,
// powers every port and opens the status-change endpoint before handing
// the hub to its notification machine.
type hubInitMachine struct {
	c      *Controller
	h      *Hub
	w      waiter
	s      stepper
	state  hubInitState
	active bool

	buf    [hal.HubDescriptorMaxSize]byte
	actual int
	next   int // next port to power
	tries  int // root hub attempts

	failed hubInitState
	status pkg.TransferStatus
	err    error
}

func (m *hubInitMachine) bind(c *Controller, h *Hub) {
	m.c = c
	m.h = h
	m.w.bind(c, h.dev, "hub-init")
}

// start runs initialization, holding a reference to the hub device until
// it ends.
func (m *hubInitMachine) start() {
	if m.active {
		return
	}
	m.active = true
	m.tries = 0
	m.h.dev.ref()
	m.state = hubInitGetDescriptor
	pkg.LogDebug(pkg.ComponentHub, "hub init", "device", m.h.dev.id, "depth", m.h.dev.depth)
	m.kick()
}

func (m *hubInitMachine) kick() { m.s.kick(m.step) }

func (m *hubInitMachine) wake() { m.c.post(m.kick) }

func (m *hubInitMachine) goTo(s hubInitState) {
	pkg.LogDebug(pkg.ComponentHub, "init state", "device", m.h.dev.id, "state", s)
	m.state = s
}

// present reports whether the hub device is still attached.
func (m *hubInitMachine) present() bool {
	d := m.h.dev
	return d.state.working() && (d.isRoot() || d.port() != nil)
}

func (m *hubInitMachine) step() bool {
	if !m.active {
		return false
	}
	if m.state != hubInitRemoved && !m.present() {
		m.goTo(hubInitRemoved)
	}
	if !m.w.idle() {
		return false
	}

	c := m.c
	h := m.h
	d := h.dev
	switch m.state {
	case hubInitGetDescriptor:
		return m.request(hal.GetHubDescriptor(hal.HubDescriptorMaxSize), m.buf[:], hubInitGotDescriptor)

	case hubInitGotDescriptor:
		var desc hal.HubDescriptor
		switch {
		case !hal.ParseHubDescriptor(m.buf[:m.actual], &desc):
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "hub descriptor of %d bytes", m.actual))
		case desc.DescriptorType != hal.DescriptorTypeHub:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTypeMismatch, "type 0x%02x", desc.DescriptorType))
		case desc.NumPorts == 0:
			m.structural(errors.Wrap(pkg.ErrNotSupported, "hub reports no ports"))
		default:
			h.addPorts(int(desc.NumPorts))
			h.characteristics = desc.Characteristics
			h.powerGood = time.Duration(desc.PowerOnToGood) * 2 * time.Millisecond
			pkg.LogDebug(pkg.ComponentHub, "hub descriptor", "device", d.id, "ports", desc.NumPorts,
				"power_good", h.powerGood)
			m.goTo(hubInitGetStatus)
		}
		return true

	case hubInitGetStatus:
		return m.request(hal.GetHubStatus(), m.buf[:hal.PortStatusSize], hubInitGotStatus)

	case hubInitGotStatus:
		if !hal.ParseHubStatus(m.buf[:m.actual], &h.status) {
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "hub status of %d bytes", m.actual))
			return true
		}
		high := d.isRoot() || (d.selfPowered() && !h.status.LocalPowerLost())
		for _, p := range h.ports {
			p.highPower = high
		}
		m.next = 1
		m.goTo(hubInitPowerPorts)
		return true

	case hubInitPowerPorts:
		if m.next > len(h.ports) {
			m.goTo(hubInitWaitPowerGood)
			return true
		}
		n := m.next
		m.next++
		return m.request(hal.SetPortFeature(n, hal.FeaturePortPower), nil, hubInitPowerPorts)

	case hubInitWaitPowerGood:
		m.goTo(hubInitIdle)
		if err := m.w.delay(h.powerGood, func() {
			m.goTo(hubInitOpenStatus)
			m.kick()
		}); err != nil {
			m.fail(pkg.TransferStatusError, err)
			return true
		}
		return false

	case hubInitOpenStatus:
		if d.isRoot() {
			h.statusPipe = c.rootStatus
			m.goTo(hubInitStartNotify)
			return true
		}
		if h.statusEP == 0 {
			ep, ok := d.statusEndpoint()
			if !ok {
				m.structural(errors.Wrap(pkg.ErrNotSupported, "hub has no interrupt IN endpoint"))
				return true
			}
			hep, err := c.hcd.OpenEndpoint(ep.Config(d.address, d.speed))
			if err != nil {
				m.fail(pkg.TransferStatusError, errors.Wrap(err, "open hub status endpoint"))
				return true
			}
			h.statusEP = hep
			h.statusPipe = hcdPipe{hcd: c.hcd, ep: hep}
		}
		m.goTo(hubInitStartNotify)
		return true

	case hubInitStartNotify:
		if !d.isRoot() {
			c.publish(d)
		}
		pkg.LogInfo(pkg.ComponentHub, "hub ready", "device", d.id, "ports", len(h.ports), "depth", d.depth)
		h.notify.start()
		m.finish()
		return false

	case hubInitRestart:
		m.goTo(hubInitIdle)
		if err := m.w.delay(c.cfg.RestartDelay, func() {
			m.goTo(hubInitGetDescriptor)
			m.kick()
		}); err != nil {
			m.fail(pkg.TransferStatusError, err)
			return true
		}
		return false

	case hubInitRemoved:
		pkg.LogDebug(pkg.ComponentHub, "hub init abandoned", "device", d.id)
		m.finish()
		return false

	case hubInitError:
		d.state = DeviceStateError
		hub, port := DeviceID(0), 0
		if p := d.port(); p != nil {
			p.state = PortStateError
			hub, port = p.hub.dev.id, p.number
		}
		c.reportError(EnumError{
			Location: LocationHubInit,
			State:    m.failed.String(),
			Status:   m.status,
			Err:      m.err,
			Hub:      hub,
			Port:     port,
			Retries:  m.retries(),
			Final:    true,
		})
		m.finish()
		return false
	}
	return false
}

// request submits a class request on the hub control endpoint and moves to
// next on success.
func (m *hubInitMachine) request(setup hal.SetupPacket, data []byte, next hubInitState) bool {
	d := m.h.dev
	c := m.c
	if !d.gate.acquire(m, m.wake) {
		return false
	}
	at := m.state
	err := m.w.submit(d.ctrl, setup, data, c.cfg.ControlTimeout, func(status pkg.TransferStatus, n int) {
		d.gate.release(m, c.post)
		m.actual = n
		if status == pkg.TransferStatusSuccess {
			m.goTo(next)
		} else {
			m.failed = at
			m.fail(status, errors.Wrapf(status.Error(), "%s", at))
		}
		m.kick()
	})
	if err != nil {
		d.gate.release(m, c.post)
		m.failed = at
		m.fail(pkg.TransferStatusError, err)
		return true
	}
	return false
}

// retries returns the attempt counter charged for this hub: the parent
// port's for an external hub, a local one for the root hub.
func (m *hubInitMachine) retries() int {
	if p := m.h.dev.port(); p != nil {
		return p.retries
	}
	return m.tries
}

func (m *hubInitMachine) fail(status pkg.TransferStatus, err error) {
	if !m.present() {
		return // the next step unwinds
	}
	if m.state != hubInitIdle {
		m.failed = m.state
	}
	m.status = status
	m.err = err
	if p := m.h.dev.port(); p != nil {
		p.retries++
	} else {
		m.tries++
	}
	pkg.LogDebug(pkg.ComponentHub, "hub init attempt failed", "device", m.h.dev.id, "state", m.failed,
		"status", status, "retries", m.retries(), "error", err)
	if m.retries() >= m.c.cfg.MaxEnumRetries {
		m.goTo(hubInitError)
		return
	}
	m.goTo(hubInitRestart)
}

func (m *hubInitMachine) structural(err error) {
	m.failed = m.state
	hub, port := DeviceID(0), 0
	if p := m.h.dev.port(); p != nil {
		hub, port = p.hub.dev.id, p.number
	}
	m.c.reportError(EnumError{
		Location: LocationHubInit,
		State:    m.state.String(),
		Status:   pkg.TransferStatusError,
		Err:      err,
		Hub:      hub,
		Port:     port,
		Retries:  m.retries(),
	})
	m.fail(pkg.TransferStatusError, err)
}

func (m *hubInitMachine) finish() {
	d := m.h.dev
	d.gate.drop(m, m.c.post)
	m.active = false
	m.state = hubInitIdle
	d.unref()
}

// statusEndpoint returns the interrupt IN endpoint of the hub interface.
func (d *Device) statusEndpoint() (hal.EndpointDescriptor, bool) {
	for _, in := range d.interfaces {
		if in.desc.InterfaceClass != hal.ClassHub {
			continue
		}
		for _, ep := range in.endpoints {
			if ep.IsIn() && ep.TransferType() == hal.TransferInterrupt {
				return ep, true
			}
		}
	}
	return hal.EndpointDescriptor{}, false
}
