package host

import (
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// resetPermit is the single active-reset token of a controller.
type resetPermit struct {
	holder *Port
	gauge  prometheus.Gauge
}

func (r *resetPermit) acquire(p *Port) error {
	if r.holder != nil {
		pkg.LogWarn(pkg.ComponentReset, "reset permit already held",
			"holder", r.holder.ref(), "requester", p.ref())
		return errors.Wrapf(pkg.ErrResetBusy, "held by hub %d port %d", r.holder.hub.dev.id, r.holder.number)
	}
	r.holder = p
	r.gauge.Set(1)
	return nil
}

// release returns the permit if p holds it. Releasing twice is harmless.
func (r *resetPermit) release(p *Port) {
	if r.holder != p {
		return
	}
	r.holder = nil
	r.gauge.Set(0)
}

// queueReset schedules p for a reset once the permit is free.
func (c *Controller) queueReset(p *Port) {
	p.state = PortStateConnected
	if p.queued {
		return
	}
	p.queued = true
	c.resetQ = append(c.resetQ, p)
	pkg.LogDebug(pkg.ComponentReset, "reset queued", "hub", p.hub.dev.id, "port", p.number,
		"pending", len(c.resetQ))
	c.pumpReset()
}

// pumpReset starts the reset machine on the next eligible queued port.
func (c *Controller) pumpReset() {
	for c.rst.state == resetIdle && len(c.resetQ) > 0 {
		p := c.resetQ[0]
		c.resetQ = c.resetQ[1:]
		p.queued = false
		if p.state != PortStateConnected || !p.hub.dev.state.working() {
			continue
		}
		if err := c.permit.acquire(p); err != nil {
			return
		}
		c.rst.begin(p)
	}
}

// resetMachine drives port reset and address assignment. One instance
// exists per controller and it only runs while holding the permit.
type resetMachine struct {
	c     *Controller
	w     waiter
	s     stepper
	state resetState

	port    *Port
	hub     *Device
	speed   hal.Speed
	address hal.DeviceAddress

	failed resetState
	status pkg.TransferStatus
	err    error
}

func (m *resetMachine) bind(c *Controller) {
	m.c = c
	m.w.bind(c, nil, "reset")
}

func (m *resetMachine) begin(p *Port) {
	m.port = p
	m.hub = p.hub.dev
	m.hub.ref()
	m.w.bind(m.c, m.hub, "reset")
	m.speed = hal.SpeedUnknown
	m.address = 0
	m.err = nil
	m.status = pkg.TransferStatusSuccess
	p.state = PortStateResetting
	m.state = resetStart
	pkg.LogDebug(pkg.ComponentReset, "reset begin", "hub", m.hub.id, "port", p.number, "retries", p.retries)
	m.kick()
}

func (m *resetMachine) kick() { m.s.kick(m.step) }

func (m *resetMachine) wake() { m.c.post(m.kick) }

func (m *resetMachine) goTo(s resetState) {
	pkg.LogDebug(pkg.ComponentReset, "state", "hub", m.hub.id, "port", m.port.number, "state", s)
	m.state = s
}

// portGone wakes the machine if it is working on p, so it notices at its
// next step that the port went away.
func (m *resetMachine) portGone(p *Port) {
	if m.port != p || m.state == resetIdle {
		return
	}
	if !m.w.idle() {
		m.w.cancel()
		return
	}
	m.wake()
}

// resetCompleted is reported by the notification machine when the hub
// signals the end of reset signalling on p.
func (m *resetMachine) resetCompleted(p *Port) {
	if m.port != p {
		return
	}
	p.resetDone = true
	if m.state == resetAwaitComplete && m.w.interrupt() {
		m.goTo(resetCheck)
		m.kick()
	}
}

// present reports whether the port may still be worked on.
func (m *resetMachine) present() bool {
	p := m.port
	return m.hub.state.working() && p.state == PortStateResetting && p.status.Connected()
}

func (m *resetMachine) step() bool {
	if m.state == resetIdle {
		return false
	}
	if m.state != resetRemoved && m.state != resetError && !m.present() {
		m.goTo(resetRemoved)
	}
	if !m.w.idle() {
		return false
	}

	c := m.c
	p := m.port
	switch m.state {
	case resetStart:
		return m.wait(c.cfg.ConnectDelay, resetIssue)

	case resetRestart:
		return m.wait(c.cfg.RestartDelay, resetIssue)

	case resetIssue:
		if !m.hub.gate.acquire(m, m.wake) {
			return false
		}
		p.resetDone = false
		c.metrics.resets.WithLabelValues(p.location().String()).Inc()
		return m.control(m.hub.ctrl, hal.SetPortFeature(p.number, hal.FeaturePortReset), resetWaitComplete, true)

	case resetWaitComplete:
		if p.resetDone {
			m.goTo(resetCheck)
			return true
		}
		m.goTo(resetAwaitComplete)
		if err := m.w.delay(c.cfg.ResetTimeout, func() {
			m.fail(pkg.TransferStatusTimeout, errors.Wrap(pkg.ErrTimeout, "reset did not complete"))
			m.kick()
		}); err != nil {
			m.fail(pkg.TransferStatusError, err)
			return true
		}
		return false

	case resetAwaitComplete:
		return false

	case resetCheck:
		switch {
		case !p.status.Enabled():
			m.fail(pkg.TransferStatusError, errors.Wrap(pkg.ErrProtocol, "port not enabled after reset"))
		case p.status.Speed() == hal.SpeedUnknown:
			m.structural(errors.Wrap(pkg.ErrUnsupportedSpeed, "no speed after reset"))
		default:
			m.speed = p.status.Speed()
			m.goTo(resetRecovery)
		}
		return true

	case resetRecovery:
		return m.wait(c.cfg.ResetRecovery, resetSetAddress)

	case resetSetAddress:
		def, ok := c.defaultPipe(m.speed)
		if !ok {
			m.structural(errors.Wrapf(pkg.ErrUnsupportedSpeed, "no default endpoint for %s speed", m.speed))
			return true
		}
		addr, err := c.allocAddress()
		if err != nil {
			m.structural(err)
			return true
		}
		m.address = addr
		return m.control(def, hal.SetAddress(addr), resetAddressSent, false)

	case resetAddressSent:
		return m.wait(c.cfg.SetAddressSettle, resetEnumerate)

	case resetEnumerate:
		m.enumerate()
		return false

	case resetDisable:
		if !m.hub.gate.acquire(m, m.wake) {
			return false
		}
		return m.control(m.hub.ctrl, hal.ClearPortFeature(p.number, hal.FeaturePortEnable), resetDisabled, true)

	case resetDisabled:
		m.retry()
		return true

	case resetRemoved:
		pkg.LogDebug(pkg.ComponentReset, "port gone during reset", "hub", m.hub.id, "port", p.number)
		m.finish()
		return false

	case resetError:
		p.state = PortStateError
		c.reportError(EnumError{
			Location: p.location(),
			State:    m.failed.String(),
			Status:   m.status,
			Err:      errors.Wrapf(pkg.ErrRetriesExhausted, "%v", m.err),
			Hub:      m.hub.id,
			Port:     p.number,
			Retries:  p.retries,
			Final:    true,
		})
		m.finish()
		return false
	}
	return false
}

// wait arms a protocol delay and moves to next when it elapses.
func (m *resetMachine) wait(d time.Duration, next resetState) bool {
	m.goTo(resetWaitDelay)
	if err := m.w.delay(d, func() {
		m.goTo(next)
		m.kick()
	}); err != nil {
		m.fail(pkg.TransferStatusError, err)
		return true
	}
	return false
}

// control submits a request and moves to next on success. gated requests
// run on the hub control endpoint and release its gate on completion.
func (m *resetMachine) control(p pipe, setup hal.SetupPacket, next resetState, gated bool) bool {
	at := m.state
	err := m.w.submit(p, setup, nil, m.c.cfg.ControlTimeout, func(status pkg.TransferStatus, _ int) {
		if gated {
			m.hub.gate.release(m, m.c.post)
		}
		if status != pkg.TransferStatusSuccess {
			m.failed = at
			m.fail(status, errors.Wrapf(status.Error(), "%s", at))
		} else {
			m.goTo(next)
		}
		m.kick()
	})
	if err != nil {
		if gated {
			m.hub.gate.release(m, m.c.post)
		}
		m.fail(pkg.TransferStatusError, err)
		return true
	}
	return false
}

// fail records a transient failure and disables the port before retrying.
func (m *resetMachine) fail(status pkg.TransferStatus, err error) {
	if !m.present() {
		return // the next step unwinds
	}
	if m.state != resetDisable && m.state != resetDisabled && m.state != resetWaitDelay {
		m.failed = m.state
	}
	if m.state == resetAwaitComplete {
		m.failed = resetWaitComplete
	}
	m.status = status
	m.err = err
	if m.address != 0 {
		m.c.addresses.Remove(m.address)
		m.address = 0
	}
	pkg.LogDebug(pkg.ComponentReset, "reset attempt failed", "hub", m.hub.id, "port", m.port.number,
		"state", m.failed, "status", status, "error", err)
	if m.state == resetDisable || m.state == resetDisabled {
		// Disabling the port itself failed; count the attempt anyway.
		m.goTo(resetDisabled)
		return
	}
	m.goTo(resetDisable)
}

// structural reports a malformed or unsupported condition, then fails the
// attempt like any other.
func (m *resetMachine) structural(err error) {
	p := m.port
	m.failed = m.state
	m.c.reportError(EnumError{
		Location: p.location(),
		State:    m.state.String(),
		Status:   pkg.TransferStatusError,
		Err:      err,
		Hub:      m.hub.id,
		Port:     p.number,
		Retries:  p.retries,
	})
	m.fail(pkg.TransferStatusError, err)
}

// retry counts the failed attempt and either restarts or gives up.
func (m *resetMachine) retry() {
	p := m.port
	p.retries++
	if p.retries >= m.c.cfg.MaxResetRetries {
		m.goTo(resetError)
		return
	}
	m.goTo(resetRestart)
}

// enumerate hands the addressed device to the descriptor machine and
// gives up the permit.
func (m *resetMachine) enumerate() {
	c := m.c
	p := m.port
	d := c.newDevice(p.ref(), m.hub.depth+1, m.address, m.speed)
	m.address = 0
	d.ref() // the port slot
	p.device = d.id
	p.retries = 0
	p.state = PortStateEnumerating
	pkg.LogInfo(pkg.ComponentReset, "address assigned", "hub", m.hub.id, "port", p.number,
		"address", d.address, "speed", d.speed, "device", d.id)
	d.enum.begin(d) // takes over the creation reference
	m.finish()
}

// finish releases the permit and the hub reference and lets the next
// queued port proceed.
func (m *resetMachine) finish() {
	c := m.c
	p := m.port
	if m.address != 0 {
		c.addresses.Remove(m.address)
		m.address = 0
	}
	m.hub.gate.drop(m, c.post)
	c.permit.release(p)
	hub := m.hub
	m.port = nil
	m.hub = nil
	m.w.bind(c, nil, "reset")
	m.state = resetIdle
	hub.unref()
	c.post(c.pumpReset)
}
