package host

import (
	"time"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// pipe is the submission target of a waiter.
type pipe interface {
	submit(req *hal.Request) (pkg.TransferStatus, error)
	abort() error
}

// hcdPipe submits to an endpoint queue of the host controller driver.
type hcdPipe struct {
	hcd hal.HostController
	ep  hal.Endpoint
}

func (p hcdPipe) submit(req *hal.Request) (pkg.TransferStatus, error) {
	return p.hcd.Submit(p.ep, req)
}

func (p hcdPipe) abort() error { return p.hcd.Abort(p.ep) }

// Characteristics advertised for the root hub: per-port power switching and
// per-port over-current reporting.
const rootHubCharacteristics = 0x0009

// rootControlPipe answers hub class requests addressed to the root hub by
// translating them to root hub primitives. Every request completes
// synchronously.
type rootControlPipe struct {
	root hal.RootHub
}

func (p rootControlPipe) abort() error { return nil }

func (p rootControlPipe) submit(req *hal.Request) (pkg.TransferStatus, error) {
	n, status := p.handle(req.Setup, req.Data)
	req.Actual = n
	req.Status = status
	return status, nil
}

func (p rootControlPipe) handle(setup hal.SetupPacket, data []byte) (int, pkg.TransferStatus) {
	if !setup.IsClass() {
		if setup.Request == hal.RequestGetStatus && setup.Recipient() == hal.RequestTypeDevice {
			return copyReply(setup, data, []byte{0x01, 0x00}) // self-powered
		}
		return 0, pkg.TransferStatusStall
	}

	if setup.Recipient() == hal.RequestTypeDevice {
		switch setup.Request {
		case hal.RequestGetDescriptor:
			if setup.DescriptorType() != hal.DescriptorTypeHub {
				return 0, pkg.TransferStatusStall
			}
			return copyReply(setup, data, p.descriptor())
		case hal.RequestGetStatus:
			st, err := p.root.GetHubStatus()
			if err != nil {
				return 0, rootFailure(err)
			}
			buf := make([]byte, hal.PortStatusSize)
			st.MarshalTo(buf)
			return copyReply(setup, data, buf)
		case hal.RequestClearFeature:
			var change uint16
			switch setup.Value {
			case hal.FeatureCHubLocalPower:
				change = hal.HubChangeLocalPower
			case hal.FeatureCHubOverCurrent:
				change = hal.HubChangeOverCurrent
			default:
				return 0, pkg.TransferStatusStall
			}
			if err := p.root.ClearHubStatus(change); err != nil {
				return 0, rootFailure(err)
			}
			return 0, pkg.TransferStatusSuccess
		}
		return 0, pkg.TransferStatusStall
	}

	if setup.Recipient() != hal.RequestTypeOther {
		return 0, pkg.TransferStatusStall
	}
	port := int(setup.Index & 0xFF)
	if port < 1 || port > p.root.NumPorts() {
		return 0, pkg.TransferStatusStall
	}

	var err error
	switch setup.Request {
	case hal.RequestGetStatus:
		st, err := p.root.GetPortStatus(port)
		if err != nil {
			return 0, rootFailure(err)
		}
		buf := make([]byte, hal.PortStatusSize)
		st.MarshalTo(buf)
		return copyReply(setup, data, buf)

	case hal.RequestSetFeature:
		switch setup.Value {
		case hal.FeaturePortReset:
			err = p.root.ResetPort(port)
		case hal.FeaturePortPower:
			err = p.root.SetPortPower(port, true)
		case hal.FeaturePortSuspend:
			err = p.root.SuspendPort(port, true)
		default:
			return 0, pkg.TransferStatusStall
		}

	case hal.RequestClearFeature:
		if change, ok := hal.FeaturePortChange(setup.Value); ok {
			err = p.root.ClearPortStatus(port, change)
			break
		}
		switch setup.Value {
		case hal.FeaturePortEnable:
			err = p.root.DisablePort(port)
		case hal.FeaturePortPower:
			err = p.root.SetPortPower(port, false)
		case hal.FeaturePortSuspend:
			err = p.root.SuspendPort(port, false)
		default:
			return 0, pkg.TransferStatusStall
		}

	default:
		return 0, pkg.TransferStatusStall
	}
	if err != nil {
		return 0, rootFailure(err)
	}
	return 0, pkg.TransferStatusSuccess
}

// descriptor synthesizes a hub descriptor for the root hub.
func (p rootControlPipe) descriptor() []byte {
	n := p.root.NumPorts()
	good := p.root.PowerGoodTime() / (2 * time.Millisecond)
	if good > 0xFF {
		good = 0xFF
	}
	maskLen := (n + 1 + 7) / 8
	out := []byte{
		uint8(hal.HubDescriptorMinSize + 2*maskLen), hal.DescriptorTypeHub, uint8(n),
		uint8(rootHubCharacteristics), uint8(rootHubCharacteristics >> 8),
		uint8(good), 0,
	}
	out = append(out, make([]byte, maskLen)...)
	for i := 0; i < maskLen; i++ {
		out = append(out, 0xFF)
	}
	return out
}

func rootFailure(err error) pkg.TransferStatus {
	pkg.LogDebug(pkg.ComponentHAL, "root hub request failed", "error", err)
	return pkg.TransferStatusError
}

func copyReply(setup hal.SetupPacket, data, reply []byte) (int, pkg.TransferStatus) {
	n := len(reply)
	if int(setup.Length) < n {
		n = int(setup.Length)
	}
	return copy(data, reply[:n]), pkg.TransferStatusSuccess
}

// rootStatusPipe emulates the status-change interrupt endpoint of the root
// hub. A request pends until the root hub reports a change.
type rootStatusPipe struct {
	root hal.RootHub
	req  *hal.Request
}

func (p *rootStatusPipe) submit(req *hal.Request) (pkg.TransferStatus, error) {
	bits := p.bitmap()
	if anySet(bits) {
		req.Actual = copy(req.Data, bits)
		req.Status = pkg.TransferStatusSuccess
		return pkg.TransferStatusSuccess, nil
	}
	req.Status = pkg.TransferStatusPending
	p.req = req
	return pkg.TransferStatusPending, nil
}

func (p *rootStatusPipe) abort() error {
	if r := p.req; r != nil {
		p.req = nil
		r.Actual = 0
		r.Status = pkg.TransferStatusCancelled
		r.Complete(r)
	}
	return nil
}

// signal completes the parked request if a change is pending.
func (p *rootStatusPipe) signal() {
	r := p.req
	if r == nil {
		return
	}
	bits := p.bitmap()
	if !anySet(bits) {
		return
	}
	p.req = nil
	r.Actual = copy(r.Data, bits)
	r.Status = pkg.TransferStatusSuccess
	r.Complete(r)
}

func (p *rootStatusPipe) bitmap() []byte {
	n := p.root.NumPorts()
	out := make([]byte, (n+1+7)/8)
	if st, err := p.root.GetHubStatus(); err == nil && st.Change != 0 {
		out[0] |= 1
	}
	for i := 1; i <= n; i++ {
		if st, err := p.root.GetPortStatus(i); err == nil && st.Change != 0 {
			out[i/8] |= 1 << (i % 8)
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

func bitSet(bits []byte, i int) bool {
	return i/8 < len(bits) && bits[i/8]&(1<<(i%8)) != 0
}
