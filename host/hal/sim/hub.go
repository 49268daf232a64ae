package sim

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Hub is the downstream side of a simulated hub-class device.
type Hub struct {
	bus         *Bus
	owner       *Device
	ports       []*port
	status      hal.HubStatus
	selfPowered bool

	// PowerOnToGood is bPwrOn2PwrGood in 2 ms units.
	PowerOnToGood uint8

	statusReq *transfer
}

func newHub(n int) *Hub {
	h := &Hub{PowerOnToGood: 5}
	for i := 0; i < n; i++ {
		h.ports = append(h.ports, &port{num: i + 1, hub: h})
	}
	return h
}

// NumPorts returns the number of downstream ports.
func (h *Hub) NumPorts() int { return len(h.ports) }

func (h *Hub) port(n int) (*port, error) {
	if n < 1 || n > len(h.ports) {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "hub port %d", n)
	}
	return h.ports[n-1], nil
}

// Attach plugs dev into a downstream port. Devices attached before the hub
// joins a bus appear once the port is powered.
func (h *Hub) Attach(n int, dev *Device) error {
	p, err := h.port(n)
	if err != nil {
		return err
	}
	b := h.bus
	if b == nil {
		if p.dev != nil || dev == nil || dev.port != nil {
			return errors.Wrapf(pkg.ErrBusy, "hub port %d", n)
		}
		p.dev = dev
		dev.port = p
		return nil
	}
	b.mu.Lock()
	defer b.unlock()
	return b.attach(p, dev)
}

// Detach unplugs the device on a downstream port.
func (h *Hub) Detach(n int) error {
	p, err := h.port(n)
	if err != nil {
		return err
	}
	b := h.bus
	if b == nil {
		if p.dev == nil {
			return errors.Wrapf(pkg.ErrNoDevice, "hub port %d empty", n)
		}
		p.dev.port = nil
		p.dev = nil
		return nil
	}
	b.mu.Lock()
	defer b.unlock()
	return b.detach(p)
}

// OverCurrent raises an over-current condition on a downstream port.
func (h *Hub) OverCurrent(n int) error {
	p, err := h.port(n)
	if err != nil {
		return err
	}
	b := h.bus
	if b == nil {
		return errors.Wrap(pkg.ErrInvalidState, "hub not on a bus")
	}
	b.mu.Lock()
	defer b.unlock()
	b.overCurrent(p, true)
	return nil
}

// bitmap returns the status change bitmap reported on the interrupt
// endpoint: bit 0 for the hub, bit N for port N.
func (h *Hub) bitmap() []byte {
	out := make([]byte, (len(h.ports)+1+7)/8)
	if h.status.Change != 0 {
		out[0] |= 1
	}
	for _, p := range h.ports {
		if p.status.Change != 0 {
			out[p.num/8] |= 1 << (p.num % 8)
		}
	}
	return out
}

func anySet(bits []byte) bool {
	for _, b := range bits {
		if b != 0 {
			return true
		}
	}
	return false
}

// signal completes the parked status request if any change is pending.
// Caller must hold the bus lock.
func (h *Hub) signal() {
	x := h.statusReq
	b := h.bus
	if x == nil || x.ev != nil || x.done || b == nil || !anySet(h.bitmap()) {
		return
	}
	x.ev = b.schedule(b.latency, func() {
		b.mu.Lock()
		defer b.unlock()
		if x.done {
			return
		}
		if h.statusReq == x {
			h.statusReq = nil
		}
		bits := h.bitmap()
		n := copy(x.req.Data, bits)
		b.finish(x, n, pkg.TransferStatusSuccess)
	})
}

func (h *Hub) descriptor() []byte {
	n := len(h.ports)
	maskLen := (n + 1 + 7) / 8
	out := []byte{
		uint8(hal.HubDescriptorMinSize + 2*maskLen), hal.DescriptorTypeHub, uint8(n),
		0x09, 0x00, // per-port power switching, per-port over-current
		h.PowerOnToGood, 100,
	}
	out = append(out, make([]byte, maskLen)...) // DeviceRemovable
	for i := 0; i < maskLen; i++ {
		out = append(out, 0xFF) // PortPwrCtrlMask
	}
	return out
}

// control answers hub class requests. Caller must hold the bus lock.
func (h *Hub) control(b *Bus, setup hal.SetupPacket, data []byte) (int, pkg.TransferStatus) {
	if setup.Recipient() == hal.RequestTypeDevice {
		switch setup.Request {
		case hal.RequestGetDescriptor:
			if setup.DescriptorType() != hal.DescriptorTypeHub {
				return 0, pkg.TransferStatusStall
			}
			return reply(setup, data, h.descriptor())
		case hal.RequestGetStatus:
			buf := make([]byte, hal.PortStatusSize)
			h.status.MarshalTo(buf)
			return reply(setup, data, buf)
		case hal.RequestClearFeature:
			switch uint16(setup.Value) {
			case hal.FeatureCHubLocalPower:
				h.status.Change &^= hal.HubChangeLocalPower
			case hal.FeatureCHubOverCurrent:
				h.status.Change &^= hal.HubChangeOverCurrent
			default:
				return 0, pkg.TransferStatusStall
			}
			return 0, pkg.TransferStatusSuccess
		}
		return 0, pkg.TransferStatusStall
	}

	if setup.Recipient() != hal.RequestTypeOther {
		return 0, pkg.TransferStatusStall
	}
	p, err := h.port(int(setup.Index & 0xFF))
	if err != nil {
		return 0, pkg.TransferStatusStall
	}

	switch setup.Request {
	case hal.RequestGetStatus:
		buf := make([]byte, hal.PortStatusSize)
		p.status.MarshalTo(buf)
		return reply(setup, data, buf)

	case hal.RequestSetFeature:
		switch setup.Value {
		case hal.FeaturePortReset:
			b.reset(p)
		case hal.FeaturePortPower:
			b.power(p, true)
		case hal.FeaturePortSuspend:
			b.suspend(p, true)
		default:
			return 0, pkg.TransferStatusStall
		}
		return 0, pkg.TransferStatusSuccess

	case hal.RequestClearFeature:
		if change, ok := hal.FeaturePortChange(setup.Value); ok {
			p.status.Change &^= change
			return 0, pkg.TransferStatusSuccess
		}
		switch setup.Value {
		case hal.FeaturePortEnable:
			b.disable(p)
		case hal.FeaturePortPower:
			b.power(p, false)
		case hal.FeaturePortSuspend:
			b.suspend(p, false)
		default:
			return 0, pkg.TransferStatusStall
		}
		return 0, pkg.TransferStatusSuccess
	}
	return 0, pkg.TransferStatusStall
}
