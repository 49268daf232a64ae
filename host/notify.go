package host

import (
	"context"

	"github.com/efficientgo/core/backoff"
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// maxStatusBitmap covers the hub bit and 255 ports.
const maxStatusBitmap = 32

// notifyMachine keeps a status-change transfer outstanding on its hub and
// turns every reported change into connect, removal, over-current or
// reset-complete handling.
type notifyMachine struct {
	c      *Controller
	h      *Hub
	w      waiter
	s      stepper
	state  notifyState
	active bool

	bits    [maxStatusBitmap]byte
	changed []byte // bitmap of the last completion
	rescan  bool   // read every port regardless of the bitmap
	port    int
	buf     [hal.PortStatusSize]byte
	clear   uint16 // change bits still to acknowledge
	ret     notifyState

	bo     *backoff.Backoff
	failed notifyState
}

func (m *notifyMachine) bind(c *Controller, h *Hub) {
	m.c = c
	m.h = h
	m.w.bind(c, h.dev, "hub-notify")
}

// start begins status processing with a full scan of the ports.
func (m *notifyMachine) start() {
	if m.active {
		return
	}
	m.active = true
	m.h.dev.ref()
	m.bo = backoff.New(context.Background(), backoff.Config{
		Min: m.c.cfg.NotifyBackoffMin,
		Max: m.c.cfg.NotifyBackoffMax,
	})
	m.rescan = true
	m.state = notifyStart
	m.kick()
}

func (m *notifyMachine) kick() { m.s.kick(m.step) }

func (m *notifyMachine) wake() { m.c.post(m.kick) }

func (m *notifyMachine) goTo(s notifyState) {
	pkg.LogDebug(pkg.ComponentHub, "notify state", "device", m.h.dev.id, "port", m.port, "state", s)
	m.state = s
}

func (m *notifyMachine) present() bool {
	d := m.h.dev
	return d.state.working() && (d.isRoot() || d.port() != nil)
}

func (m *notifyMachine) step() bool {
	if !m.active {
		return false
	}
	if m.state != notifyRemoved && m.state != notifyError && !m.present() {
		m.goTo(notifyRemoved)
	}
	if !m.w.idle() {
		return false
	}

	c := m.c
	h := m.h
	switch m.state {
	case notifySubmit:
		n := (len(h.ports) + 1 + 7) / 8
		at := m.state
		m.goTo(notifyIdle)
		err := m.w.submit(h.statusPipe, hal.SetupPacket{}, m.bits[:n], 0, func(status pkg.TransferStatus, k int) {
			if status == pkg.TransferStatusSuccess {
				m.changed = append(m.changed[:0], m.bits[:k]...)
				m.goTo(notifyStart)
			} else {
				m.failed = at
				m.fail(status, errors.Wrap(status.Error(), "status change transfer"))
			}
			m.kick()
		})
		if err != nil {
			m.fatal(err)
			return true
		}
		return false

	case notifyStart:
		c.metrics.notifications.Inc()
		if m.rescan || bitSet(m.changed, 0) {
			m.goTo(notifyGetHubStatus)
		} else {
			m.port = 0
			m.goTo(notifyNextPort)
		}
		return true

	case notifyGetHubStatus:
		return m.request(hal.GetHubStatus(), m.buf[:], notifyClearHubStatus, func(n int) error {
			if !hal.ParseHubStatus(m.buf[:n], &h.status) {
				return errors.Wrapf(pkg.ErrDescriptorTooShort, "hub status of %d bytes", n)
			}
			m.clear = h.status.Change & hal.HubChangeMask
			return nil
		})

	case notifyClearHubStatus:
		if m.clear == 0 {
			m.hubPolicy()
			m.port = 0
			m.goTo(notifyNextPort)
			return true
		}
		bit := m.clear & -m.clear
		m.clear &^= bit
		feature := hal.FeatureCHubOverCurrent
		if bit == hal.HubChangeLocalPower {
			feature = hal.FeatureCHubLocalPower
		}
		return m.request(hal.ClearHubFeature(feature), nil, notifyClearHubStatus, nil)

	case notifyNextPort:
		m.port++
		if m.port > len(h.ports) {
			m.rescan = false
			m.bo.Reset()
			m.goTo(notifySubmit)
			return true
		}
		if m.rescan || bitSet(m.changed, m.port) {
			m.goTo(notifyGetPortStatus)
		}
		return true

	case notifyGetPortStatus:
		p := h.port(m.port)
		return m.request(hal.GetPortStatus(m.port), m.buf[:], notifyClearPortStatus, func(n int) error {
			if !hal.ParsePortStatus(m.buf[:n], &p.status) {
				return errors.Wrapf(pkg.ErrDescriptorTooShort, "port status of %d bytes", n)
			}
			m.clear = p.status.Change & hal.PortChangeMask
			return nil
		})

	case notifyClearPortStatus:
		if m.clear == 0 {
			m.goTo(notifyCheckOvercurrent)
			return true
		}
		bit := m.clear & -m.clear
		m.clear &^= bit
		feature, ok := hal.PortChangeFeature(bit)
		if !ok {
			return true
		}
		return m.request(hal.ClearPortFeature(m.port, feature), nil, notifyClearPortStatus, nil)

	case notifyCheckOvercurrent:
		p := h.port(m.port)
		st := p.status
		switch {
		case st.OverCurrent() && p.state != PortStateOvercurrent:
			pkg.LogWarn(pkg.ComponentHub, "port over-current", "hub", h.dev.id, "port", p.number)
			c.removePortDevice(p)
			p.state = PortStateOvercurrent
			c.rst.portGone(p)
			m.disable(notifyNextPort)
		case st.OverCurrent():
			m.goTo(notifyNextPort)
		case p.state == PortStateOvercurrent && st.OverCurrentChanged():
			pkg.LogInfo(pkg.ComponentHub, "port over-current cleared", "hub", h.dev.id, "port", p.number)
			m.goTo(notifyCheckReset)
		default:
			m.goTo(notifyCheckReset)
		}
		return true

	case notifyCheckReset:
		p := h.port(m.port)
		if p.status.ResetChanged() {
			c.rst.resetCompleted(p)
		}
		m.goTo(notifyCheckConnect)
		return true

	case notifyCheckConnect:
		p := h.port(m.port)
		st := p.status
		attach := st.Connected() && (st.ConnectChanged() ||
			(m.rescan && p.state == PortStateDisconnected))
		switch {
		case attach:
			pkg.LogInfo(pkg.ComponentHub, "device connected", "hub", h.dev.id, "port", p.number,
				"speed", st.Speed())
			c.removePortDevice(p)
			p.state = PortStateDisconnected
			c.rst.portGone(p)
			p.retries = 0
			p.configIndex = 0
			c.queueReset(p)
			m.goTo(notifyNextPort)
		case !st.Connected():
			m.goTo(notifyCheckRemove)
		default:
			m.goTo(notifyNextPort)
		}
		return true

	case notifyCheckRemove:
		p := h.port(m.port)
		if p.state == PortStateDisconnected && p.device == 0 {
			m.goTo(notifyNextPort)
			return true
		}
		pkg.LogInfo(pkg.ComponentHub, "device disconnected", "hub", h.dev.id, "port", p.number)
		c.removePortDevice(p)
		p.state = PortStateDisconnected
		p.retries = 0
		c.rst.portGone(p)
		m.disable(notifyNextPort)
		return true

	case notifyDisablePort:
		return m.request(hal.ClearPortFeature(m.port, hal.FeaturePortEnable), nil, m.ret, nil)

	case notifyRestart:
		m.goTo(notifyIdle)
		d := m.bo.NextDelay()
		pkg.LogDebug(pkg.ComponentHub, "notify restart", "device", h.dev.id, "delay", d,
			"attempt", m.bo.NumRetries())
		if err := m.w.delay(d, func() {
			m.rescan = true
			m.goTo(notifyStart)
			m.kick()
		}); err != nil {
			m.fatal(err)
			return true
		}
		return false

	case notifyRemoved, notifyError:
		m.finish()
		return false
	}
	return false
}

// disable runs the port-disable helper and continues at ret.
func (m *notifyMachine) disable(ret notifyState) {
	m.ret = ret
	m.goTo(notifyDisablePort)
}

// hubPolicy applies the hub-wide status bits.
func (m *notifyMachine) hubPolicy() {
	h := m.h
	d := h.dev
	if h.status.OverCurrent() {
		pkg.LogWarn(pkg.ComponentHub, "hub over-current", "device", d.id)
	}
	high := d.isRoot() || (d.selfPowered() && !h.status.LocalPowerLost())
	for _, p := range h.ports {
		if p.highPower != high {
			pkg.LogInfo(pkg.ComponentHub, "port power budget changed", "device", d.id, "port", p.number,
				"high_power", high)
			p.highPower = high
		}
	}
}

// request submits a class request on the hub control endpoint. parse
// inspects the reply before the move to next.
func (m *notifyMachine) request(setup hal.SetupPacket, data []byte, next notifyState, parse func(int) error) bool {
	d := m.h.dev
	c := m.c
	if !d.gate.acquire(m, m.wake) {
		return false
	}
	at := m.state
	err := m.w.submit(d.ctrl, setup, data, c.cfg.ControlTimeout, func(status pkg.TransferStatus, n int) {
		d.gate.release(m, c.post)
		m.failed = at
		switch {
		case status != pkg.TransferStatusSuccess:
			m.fail(status, errors.Wrapf(status.Error(), "%s", at))
		case parse != nil:
			if err := parse(n); err != nil {
				m.fail(pkg.TransferStatusError, err)
				break
			}
			m.goTo(next)
		default:
			m.goTo(next)
		}
		m.kick()
	})
	if err != nil {
		d.gate.release(m, c.post)
		m.failed = at
		m.fatal(err)
		return true
	}
	return false
}

// fail restarts the whole sequence after a backoff delay.
func (m *notifyMachine) fail(status pkg.TransferStatus, err error) {
	if !m.present() {
		return // the next step unwinds
	}
	pkg.LogDebug(pkg.ComponentHub, "notify sequence failed", "device", m.h.dev.id, "state", m.failed,
		"status", status, "error", err)
	m.goTo(notifyRestart)
}

// fatal tears the hub down after a request could not even be submitted.
// An external hub is re-enumerated through its parent port.
func (m *notifyMachine) fatal(err error) {
	c := m.c
	d := m.h.dev
	if !m.present() {
		m.goTo(notifyRemoved)
		return
	}
	e := EnumError{
		Location: LocationHubStatus,
		State:    m.failed.String(),
		Status:   pkg.TransferStatusError,
		Err:      err,
		Final:    true,
	}
	p := d.port()
	if p != nil {
		e.Hub, e.Port, e.Retries = p.hub.dev.id, p.number, p.retries
	}
	c.reportError(e)
	if p == nil {
		d.state = DeviceStateError
		m.goTo(notifyError)
		return
	}
	c.removePortDevice(p)
	m.goTo(notifyRemoved)
	c.queueReset(p)
}

func (m *notifyMachine) finish() {
	d := m.h.dev
	d.gate.drop(m, m.c.post)
	m.active = false
	m.state = notifyIdle
	d.unref()
}
