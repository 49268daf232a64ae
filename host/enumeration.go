package host

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// maxStringDescriptor is the largest string descriptor a device may return.
const maxStringDescriptor = 255

// enumMachine fetches the descriptors of a newly addressed device and
// selects its configuration. It holds a device reference while active.
type enumMachine struct {
	c      *Controller
	dev    *Device
	w      waiter
	s      stepper
	state  enumState
	active bool

	buf    []byte
	grown  bool
	total  int
	str    [maxStringDescriptor]byte
	langID uint16
	actual int

	failed enumState
	status pkg.TransferStatus
	err    error
}

// begin starts enumeration of d. The machine takes over the reference d
// was created with.
func (m *enumMachine) begin(d *Device) {
	m.c = d.c
	m.dev = d
	m.w.bind(d.c, d, "enum")
	m.active = true
	m.buf = make([]byte, d.c.cfg.ConfigBufferSize)
	m.grown = false
	m.state = enumStart
	m.kick()
}

func (m *enumMachine) kick() { m.s.kick(m.step) }

func (m *enumMachine) wake() { m.c.post(m.kick) }

func (m *enumMachine) goTo(s enumState) {
	pkg.LogDebug(pkg.ComponentEnum, "state", "device", m.dev.id, "address", m.dev.address, "state", s)
	m.state = s
}

func (m *enumMachine) step() bool {
	if !m.active {
		return false
	}
	d := m.dev
	p := d.port()
	if m.state != enumRemoved && (!d.state.working() || p == nil) {
		m.goTo(enumRemoved)
	}
	if !m.w.idle() {
		return false
	}

	c := m.c
	switch m.state {
	case enumStart:
		if d.ep0 == 0 {
			if err := d.openControl(d.speed.MaxPacketSize0()); err != nil {
				m.fail(pkg.TransferStatusError, err)
				return true
			}
		}
		m.goTo(enumGetDevPart)
		return true

	case enumGetDevPart:
		return m.request(hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, hal.DeviceDescriptorPrefixSize),
			m.buf[:hal.DeviceDescriptorPrefixSize], enumGotDevPart, enumIdle)

	case enumGotDevPart:
		switch {
		case m.actual < hal.DeviceDescriptorPrefixSize:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "device descriptor prefix of %d bytes", m.actual))
		case m.buf[1] != hal.DescriptorTypeDevice:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTypeMismatch, "type 0x%02x", m.buf[1]))
		case !d.speed.ValidMaxPacketSize0(m.buf[7]):
			m.structural(errors.Wrapf(pkg.ErrInvalidMaxPacket, "%d at %s speed", m.buf[7], d.speed))
		default:
			copy(d.prefix[:], m.buf[:hal.DeviceDescriptorPrefixSize])
			if mps := uint16(m.buf[7]); mps != d.mps0 {
				pkg.LogDebug(pkg.ComponentEnum, "control packet size", "device", d.id, "from", d.mps0, "to", mps)
				if err := d.openControl(mps); err != nil {
					m.fail(pkg.TransferStatusError, err)
					return true
				}
			}
			m.goTo(enumGetDevFull)
		}
		return true

	case enumGetDevFull:
		return m.request(hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, hal.DeviceDescriptorSize),
			m.buf[:hal.DeviceDescriptorSize], enumGotDevFull, enumIdle)

	case enumGotDevFull:
		switch {
		case m.actual < hal.DeviceDescriptorSize:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "device descriptor of %d bytes", m.actual))
		case !bytes.Equal(m.buf[:hal.DeviceDescriptorPrefixSize], d.prefix[:]):
			m.structural(errors.Wrapf(pkg.ErrDescriptorMismatch, "prefix % x, full read % x",
				d.prefix[:], m.buf[:hal.DeviceDescriptorPrefixSize]))
		default:
			hal.ParseDeviceDescriptor(m.buf, &d.descriptor)
			if d.descriptor.NumConfigurations == 0 {
				m.structural(errors.Wrap(pkg.ErrNotSupported, "device reports no configurations"))
				return true
			}
			m.goTo(enumGetConfigPart)
		}
		return true

	case enumGetConfigPart:
		if p.configIndex >= d.descriptor.NumConfigurations {
			m.terminal(errors.Wrapf(pkg.ErrPowerBudget, "%d configurations, none within %d mA",
				d.descriptor.NumConfigurations, p.budget()))
			return true
		}
		return m.request(hal.GetDescriptor(hal.DescriptorTypeConfiguration, p.configIndex, 0, uint16(len(m.buf))),
			m.buf, enumGotConfigPart, enumIdle)

	case enumGotConfigPart:
		var cfg hal.ConfigurationDescriptor
		switch {
		case !hal.ParseConfigurationDescriptor(m.buf[:m.actual], &cfg):
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "configuration header of %d bytes", m.actual))
		case cfg.DescriptorType != hal.DescriptorTypeConfiguration:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTypeMismatch, "type 0x%02x", cfg.DescriptorType))
		case int(cfg.TotalLength) < hal.ConfigurationDescriptorSize:
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "wTotalLength %d", cfg.TotalLength))
		default:
			m.total = int(cfg.TotalLength)
			switch {
			case m.total > len(m.buf) && m.grown:
				m.structural(errors.Wrapf(pkg.ErrBufferTooSmall, "wTotalLength %d after growing to %d",
					m.total, len(m.buf)))
			case m.total > len(m.buf):
				pkg.LogDebug(pkg.ComponentEnum, "growing configuration buffer", "device", d.id,
					"from", len(m.buf), "to", m.total)
				m.buf = make([]byte, m.total)
				m.grown = true
				m.goTo(enumGetConfigFull)
			case m.actual < m.total:
				m.goTo(enumGetConfigFull)
			default:
				m.configure()
			}
		}
		return true

	case enumGetConfigFull:
		return m.request(hal.GetDescriptor(hal.DescriptorTypeConfiguration, p.configIndex, 0, uint16(m.total)),
			m.buf[:m.total], enumGotConfigFull, enumIdle)

	case enumGotConfigFull:
		if m.actual < m.total {
			m.structural(errors.Wrapf(pkg.ErrDescriptorTooShort, "configuration of %d of %d bytes", m.actual, m.total))
			return true
		}
		m.configure()
		return true

	case enumGetLangIDs:
		if d.descriptor.SerialNumberIndex == 0 {
			m.goTo(enumSetConfig)
			return true
		}
		m.langID = c.cfg.LangID
		return m.request(hal.GetDescriptor(hal.DescriptorTypeString, 0, 0, maxStringDescriptor),
			m.str[:], enumGotLangIDs, enumSetConfig)

	case enumGotLangIDs:
		if m.actual >= 4 && m.str[1] == hal.DescriptorTypeString {
			m.langID = binary.LittleEndian.Uint16(m.str[2:4])
		}
		m.goTo(enumGetSerial)
		return true

	case enumGetSerial:
		return m.request(hal.GetDescriptor(hal.DescriptorTypeString, d.descriptor.SerialNumberIndex, m.langID,
			maxStringDescriptor), m.str[:], enumGotSerial, enumSetConfig)

	case enumGotSerial:
		if s, err := decodeString(m.str[:m.actual]); err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "serial number unreadable", "device", d.id, "error", err)
		} else {
			d.serial = s
		}
		m.goTo(enumSetConfig)
		return true

	case enumSetConfig:
		return m.request(hal.SetConfiguration(d.config.ConfigurationValue), nil, enumConfigured, enumIdle)

	case enumConfigured:
		d.state = DeviceStateConfigured
		if d.isHub() {
			m.goTo(enumInitHub)
		} else {
			m.goTo(enumComplete)
		}
		return true

	case enumInitHub:
		if d.depth > c.cfg.MaxHubDepth {
			m.terminal(errors.Wrapf(pkg.ErrHubTooDeep, "hub at depth %d, limit %d", d.depth, c.cfg.MaxHubDepth))
			return true
		}
		h := d.hub
		if h == nil {
			h = c.newHub(d)
		}
		h.init.start()
		m.finish()
		return false

	case enumComplete:
		c.publish(d)
		m.finish()
		return false

	case enumRestart:
		m.goTo(enumIdle)
		if err := m.w.delay(c.cfg.RestartDelay, func() {
			m.goTo(enumStart)
			m.kick()
		}); err != nil {
			m.fail(pkg.TransferStatusError, err)
			return true
		}
		return false

	case enumRemoved:
		pkg.LogDebug(pkg.ComponentEnum, "enumeration abandoned", "device", d.id)
		m.finish()
		return false

	case enumError:
		d.state = DeviceStateError
		p.state = PortStateError
		c.reportError(EnumError{
			Location: LocationDeviceDescriptor,
			State:    m.failed.String(),
			Status:   m.status,
			Err:      m.err,
			Hub:      p.hub.dev.id,
			Port:     p.number,
			Retries:  p.retries,
			Final:    true,
		})
		m.finish()
		return false
	}
	return false
}

// request submits a control request on the device default endpoint and
// moves to next on success. On failure it moves to skip when skip is not
// enumIdle, and counts a failed attempt otherwise.
func (m *enumMachine) request(setup hal.SetupPacket, data []byte, next, skip enumState) bool {
	d := m.dev
	c := m.c
	if !d.gate.acquire(m, m.wake) {
		return false
	}
	at := m.state
	err := m.w.submit(d.ctrl, setup, data, c.cfg.ControlTimeout, func(status pkg.TransferStatus, n int) {
		d.gate.release(m, c.post)
		m.actual = n
		switch {
		case status == pkg.TransferStatusSuccess:
			m.goTo(next)
		case skip != enumIdle:
			pkg.LogDebug(pkg.ComponentEnum, "optional request failed", "device", d.id, "state", at,
				"status", status)
			m.goTo(skip)
		default:
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

// configure applies the power budget to the fetched configuration and
// parses it.
func (m *enumMachine) configure() {
	d := m.dev
	p := d.port()
	var cfg hal.ConfigurationDescriptor
	hal.ParseConfigurationDescriptor(m.buf, &cfg)
	if mA := cfg.MaxPowerMilliamps(); mA > p.budget() {
		pkg.LogInfo(pkg.ComponentEnum, "configuration over power budget", "device", d.id,
			"index", p.configIndex, "draw", mA, "budget", p.budget())
		p.configIndex++
		m.grown = false
		m.goTo(enumGetConfigPart)
		return
	}
	if err := d.parseConfiguration(m.buf[:m.total]); err != nil {
		m.structural(err)
		return
	}
	m.goTo(enumGetLangIDs)
}

func (m *enumMachine) fail(status pkg.TransferStatus, err error) {
	d := m.dev
	p := d.port()
	if !d.state.working() || p == nil {
		return // the next step unwinds
	}
	if m.state != enumIdle {
		m.failed = m.state
	}
	m.status = status
	m.err = err
	p.retries++
	pkg.LogDebug(pkg.ComponentEnum, "enumeration attempt failed", "device", d.id, "state", m.failed,
		"status", status, "retries", p.retries, "error", err)
	if p.retries >= m.c.cfg.MaxEnumRetries {
		m.goTo(enumError)
		return
	}
	m.goTo(enumRestart)
}

// structural reports a malformed descriptor, then fails the attempt.
func (m *enumMachine) structural(err error) {
	d := m.dev
	p := d.port()
	m.failed = m.state
	m.c.reportError(EnumError{
		Location: LocationDeviceDescriptor,
		State:    m.state.String(),
		Status:   pkg.TransferStatusError,
		Err:      err,
		Hub:      p.hub.dev.id,
		Port:     p.number,
		Retries:  p.retries,
	})
	m.fail(pkg.TransferStatusError, err)
}

// terminal gives up without further attempts.
func (m *enumMachine) terminal(err error) {
	m.failed = m.state
	m.status = pkg.TransferStatusError
	m.err = err
	m.goTo(enumError)
}

func (m *enumMachine) finish() {
	d := m.dev
	d.gate.drop(m, m.c.post)
	m.active = false
	m.state = enumIdle
	m.buf = nil
	d.unref()
}

// decodeString decodes a UTF-16LE string descriptor.
func decodeString(desc []byte) (string, error) {
	if len(desc) < 2 || desc[1] != hal.DescriptorTypeString {
		return "", errors.Wrapf(pkg.ErrDescriptorTypeMismatch, "string descriptor of %d bytes", len(desc))
	}
	n := int(desc[0])
	if n > len(desc) {
		n = len(desc)
	}
	if n < 2 {
		return "", errors.Wrap(pkg.ErrDescriptorTooShort, "string descriptor")
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(desc[2:n])
	if err != nil {
		return "", errors.Wrap(err, "decode string descriptor")
	}
	return string(out), nil
}
