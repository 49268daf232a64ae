package sim

import (
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

func started(t *testing.T, ports int) *Bus {
	t.Helper()
	b := New(ports)
	testutil.Ok(t, b.Start())
	return b
}

func drain(b *Bus) {
	for b.Step() {
	}
}

// do submits setup on ep and runs the clock until it completes.
func do(t *testing.T, b *Bus, ep hal.Endpoint, setup hal.SetupPacket, data []byte) *hal.Request {
	t.Helper()
	done := false
	req := &hal.Request{Setup: setup, Data: data, Complete: func(*hal.Request) { done = true }}
	status, err := b.Submit(ep, req)
	testutil.Ok(t, err)
	testutil.Equals(t, pkg.TransferStatusPending, status)
	for !done && b.Step() {
	}
	testutil.Assert(t, done, "request never completed")
	return req
}

func open(t *testing.T, b *Bus, addr hal.DeviceAddress, speed hal.Speed) hal.Endpoint {
	t.Helper()
	ep, err := b.OpenEndpoint(hal.EndpointConfig{
		Address:       addr,
		Type:          hal.TransferControl,
		MaxPacketSize: speed.MaxPacketSize0(),
		Speed:         speed,
	})
	testutil.Ok(t, err)
	return ep
}

// enable powers and resets root port n.
func enable(t *testing.T, b *Bus, n int) {
	t.Helper()
	testutil.Ok(t, b.SetPortPower(n, true))
	testutil.Ok(t, b.ResetPort(n))
	drain(b)
	ps, err := b.GetPortStatus(n)
	testutil.Ok(t, err)
	testutil.Assert(t, ps.Enabled(), "port %d not enabled: %+v", n, ps)
}

// =============================================================================
// Clock Tests
// =============================================================================

func TestClock_Order(t *testing.T) {
	b := New(0)
	var got []int
	b.AfterFunc(20*time.Millisecond, func() { got = append(got, 3) })
	b.AfterFunc(10*time.Millisecond, func() { got = append(got, 1) })
	b.AfterFunc(10*time.Millisecond, func() { got = append(got, 2) })

	testutil.Equals(t, 3, b.Pending())
	drain(b)
	testutil.Equals(t, []int{1, 2, 3}, got)
	testutil.Equals(t, 20*time.Millisecond, b.Now())
}

func TestClock_Stop(t *testing.T) {
	b := New(0)
	fired := false
	tm := b.AfterFunc(time.Millisecond, func() { fired = true })

	testutil.Assert(t, tm.Stop())
	testutil.Assert(t, !tm.Stop())
	testutil.Assert(t, !b.Step())
	testutil.Assert(t, !fired)
}

func TestClock_Advance(t *testing.T) {
	b := New(0)
	count := 0
	b.AfterFunc(5*time.Millisecond, func() { count++ })
	b.AfterFunc(15*time.Millisecond, func() { count++ })

	b.Advance(10 * time.Millisecond)
	testutil.Equals(t, 1, count)
	testutil.Equals(t, 10*time.Millisecond, b.Now())

	b.Advance(10 * time.Millisecond)
	testutil.Equals(t, 2, count)
}

// =============================================================================
// Root Hub Tests
// =============================================================================

func TestRootHub_ConnectAndReset(t *testing.T) {
	b := started(t, 2)
	changes := 0
	b.SetStatusChangeHandler(func() { changes++ })

	dev := NewDevice(0x1234, 0x5678, hal.SpeedHigh)
	testutil.Ok(t, b.Attach(1, dev))
	testutil.Equals(t, 0, changes)

	testutil.Ok(t, b.SetPortPower(1, true))
	testutil.Equals(t, 1, changes)

	ps, err := b.GetPortStatus(1)
	testutil.Ok(t, err)
	testutil.Assert(t, ps.Connected())
	testutil.Assert(t, ps.ConnectChanged())
	testutil.Assert(t, !ps.Enabled())

	testutil.Ok(t, b.ClearPortStatus(1, hal.PortChangeConnection))
	testutil.Ok(t, b.ResetPort(1))
	testutil.Equals(t, 1, b.ResetsInFlight())
	drain(b)

	ps, _ = b.GetPortStatus(1)
	testutil.Assert(t, ps.Enabled())
	testutil.Assert(t, ps.ResetChanged())
	testutil.Equals(t, hal.SpeedHigh, ps.Speed())
	testutil.Equals(t, 1, b.Resets())
	testutil.Equals(t, 0, b.ResetsInFlight())
	testutil.Equals(t, 1, b.MaxResetsInFlight())
	testutil.Equals(t, 2, changes)
}

func TestRootHub_InvalidPort(t *testing.T) {
	b := started(t, 1)
	_, err := b.GetPortStatus(2)
	testutil.NotOk(t, err)
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter))
	testutil.NotOk(t, b.Attach(0, NewDevice(1, 1, hal.SpeedFull)))
}

func TestRootHub_StuckReset(t *testing.T) {
	b := started(t, 1)
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull)
	dev.Faults.ResetFailures = 1
	testutil.Ok(t, b.Attach(1, dev))
	testutil.Ok(t, b.SetPortPower(1, true))

	testutil.Ok(t, b.ResetPort(1))
	drain(b)
	ps, _ := b.GetPortStatus(1)
	testutil.Assert(t, ps.InReset())
	testutil.Equals(t, 1, b.ResetsInFlight())

	testutil.Ok(t, b.DisablePort(1))
	testutil.Equals(t, 0, b.ResetsInFlight())

	testutil.Ok(t, b.ResetPort(1))
	drain(b)
	ps, _ = b.GetPortStatus(1)
	testutil.Assert(t, ps.Enabled())
	testutil.Equals(t, 2, b.Resets())
	testutil.Equals(t, 1, b.MaxResetsInFlight())
}

func TestRootHub_OverCurrent(t *testing.T) {
	b := started(t, 1)
	testutil.Ok(t, b.Attach(1, NewDevice(0x1234, 0x5678, hal.SpeedFull)))
	enable(t, b, 1)

	testutil.Ok(t, b.OverCurrent(1))
	ps, _ := b.GetPortStatus(1)
	testutil.Assert(t, ps.OverCurrent())
	testutil.Assert(t, ps.OverCurrentChanged())
	testutil.Assert(t, !ps.Enabled())

	testutil.Ok(t, b.ClearOverCurrent(1))
	ps, _ = b.GetPortStatus(1)
	testutil.Assert(t, !ps.OverCurrent())
}

func TestRootHub_Detach(t *testing.T) {
	b := started(t, 1)
	testutil.Ok(t, b.Attach(1, NewDevice(0x1234, 0x5678, hal.SpeedLow)))
	enable(t, b, 1)
	testutil.Ok(t, b.ClearPortStatus(1, hal.PortChangeMask))

	testutil.Ok(t, b.Detach(1))
	ps, _ := b.GetPortStatus(1)
	testutil.Assert(t, !ps.Connected())
	testutil.Assert(t, !ps.Enabled())
	testutil.Assert(t, ps.ConnectChanged())

	testutil.NotOk(t, b.Detach(1))
}

// =============================================================================
// Request Tests
// =============================================================================

func TestRequest_Enumerate(t *testing.T) {
	b := started(t, 1)
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull, WithSerial("ABC123"))
	testutil.Ok(t, b.Attach(1, dev))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedFull)
	req := do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 8), make([]byte, 8))
	testutil.Equals(t, pkg.TransferStatusSuccess, req.Status)
	testutil.Equals(t, 8, req.Actual)
	testutil.Equals(t, uint8(64), req.Data[7])

	req = do(t, b, ep0, hal.SetAddress(3), nil)
	testutil.Equals(t, pkg.TransferStatusSuccess, req.Status)
	addr, ok := b.Address(dev)
	testutil.Assert(t, ok)
	testutil.Equals(t, hal.DeviceAddress(3), addr)

	// Nothing answers the default address any more.
	req = do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 8), make([]byte, 8))
	testutil.Equals(t, pkg.TransferStatusError, req.Status)

	ep := open(t, b, 3, hal.SpeedFull)
	buf := make([]byte, 256)
	req = do(t, b, ep, hal.GetDescriptor(hal.DescriptorTypeConfiguration, 0, 0, 256), buf)
	testutil.Equals(t, pkg.TransferStatusSuccess, req.Status)
	var cfg hal.ConfigurationDescriptor
	testutil.Assert(t, hal.ParseConfigurationDescriptor(buf[:req.Actual], &cfg))
	testutil.Equals(t, int(cfg.TotalLength), req.Actual)

	req = do(t, b, ep, hal.GetDescriptor(hal.DescriptorTypeString, StringSerial, hal.LangIDUSEnglish, 255), make([]byte, 255))
	testutil.Equals(t, pkg.TransferStatusSuccess, req.Status)
	testutil.Equals(t, 2+2*len("ABC123"), req.Actual)
	testutil.Equals(t, byte('A'), req.Data[2])

	req = do(t, b, ep, hal.SetConfiguration(1), nil)
	testutil.Equals(t, pkg.TransferStatusSuccess, req.Status)
	testutil.Equals(t, uint8(1), dev.Configured())

	req = do(t, b, ep, hal.SetConfiguration(9), nil)
	testutil.Equals(t, pkg.TransferStatusStall, req.Status)
}

func TestRequest_ShortPacketAtSmallerMaxPacket(t *testing.T) {
	b := started(t, 1)
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull, WithMaxPacketSize0(8))
	testutil.Ok(t, b.Attach(1, dev))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedFull)
	req := do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 18), make([]byte, 18))
	testutil.Equals(t, 8, req.Actual)
}

func TestRequest_HangAndAbort(t *testing.T) {
	b := started(t, 1)
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull)
	dev.Faults.HangRequests = 1
	testutil.Ok(t, b.Attach(1, dev))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedFull)
	var got *hal.Request
	req := &hal.Request{
		Setup:    hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 8),
		Data:     make([]byte, 8),
		Complete: func(r *hal.Request) { got = r },
	}
	status, err := b.Submit(ep0, req)
	testutil.Ok(t, err)
	testutil.Equals(t, pkg.TransferStatusPending, status)
	drain(b)
	testutil.Assert(t, got == nil, "hung request completed")

	testutil.Ok(t, b.Abort(ep0))
	testutil.Assert(t, got == req)
	testutil.Equals(t, pkg.TransferStatusCancelled, req.Status)
}

func TestRequest_Rejected(t *testing.T) {
	b := New(1)
	req := &hal.Request{Complete: func(*hal.Request) {}}
	_, err := b.Submit(1, req)
	testutil.Assert(t, errors.Is(err, pkg.ErrRejected))

	testutil.Ok(t, b.Start())
	_, err = b.Submit(42, req)
	testutil.Assert(t, errors.Is(err, pkg.ErrRejected))

	testutil.NotOk(t, b.CloseEndpoint(42))
	testutil.Assert(t, errors.Is(b.Start(), pkg.ErrAlreadyRunning))
}

func TestRequest_StopCancelsPending(t *testing.T) {
	b := started(t, 1)
	testutil.Ok(t, b.Attach(1, NewDevice(0x1234, 0x5678, hal.SpeedFull)))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedFull)
	var status pkg.TransferStatus
	_, err := b.Submit(ep0, &hal.Request{
		Setup:    hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 8),
		Data:     make([]byte, 8),
		Complete: func(r *hal.Request) { status = r.Status },
	})
	testutil.Ok(t, err)
	testutil.Ok(t, b.Stop())
	testutil.Equals(t, pkg.TransferStatusCancelled, status)
	testutil.Equals(t, 0, b.Pending())
}

func TestRequest_DescriptorDrift(t *testing.T) {
	b := started(t, 1)
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull)
	dev.Faults.DescriptorDrift = true
	testutil.Ok(t, b.Attach(1, dev))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedFull)
	part := do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 8), make([]byte, 8))
	full := do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 18), make([]byte, 18))
	testutil.Assert(t, part.Data[4] != full.Data[4])
}

// =============================================================================
// Hub Tests
// =============================================================================

func TestHub_PortPowerAndStatusBitmap(t *testing.T) {
	b := started(t, 1)
	hub := NewHubDevice(0x2222, 0x0001, hal.SpeedHigh, 4, SelfPowered())
	child := NewDevice(0x1234, 0x5678, hal.SpeedFull)
	testutil.Ok(t, hub.Hub.Attach(3, child))
	testutil.Ok(t, b.Attach(1, hub))
	enable(t, b, 1)

	ep0 := open(t, b, 0, hal.SpeedHigh)
	testutil.Equals(t, pkg.TransferStatusSuccess, do(t, b, ep0, hal.SetAddress(1), nil).Status)
	ep := open(t, b, 1, hal.SpeedHigh)
	testutil.Equals(t, pkg.TransferStatusSuccess, do(t, b, ep, hal.SetConfiguration(1), nil).Status)

	req := do(t, b, ep, hal.GetHubDescriptor(hal.HubDescriptorMaxSize), make([]byte, hal.HubDescriptorMaxSize))
	var hd hal.HubDescriptor
	testutil.Assert(t, hal.ParseHubDescriptor(req.Data[:req.Actual], &hd))
	testutil.Equals(t, uint8(4), hd.NumPorts)

	status := do(t, b, ep, hal.GetDeviceStatus(), make([]byte, 2))
	testutil.Equals(t, byte(0x01), status.Data[0])

	intr, err := b.OpenEndpoint(hal.EndpointConfig{
		Address: 1, Number: 1, In: true, Type: hal.TransferInterrupt,
		MaxPacketSize: 1, Interval: 12, Speed: hal.SpeedHigh,
	})
	testutil.Ok(t, err)

	var bitmap []byte
	_, err = b.Submit(intr, &hal.Request{
		Data:     make([]byte, 1),
		Complete: func(r *hal.Request) { bitmap = r.Data[:r.Actual] },
	})
	testutil.Ok(t, err)
	drain(b)
	testutil.Assert(t, bitmap == nil, "status reported without a change")

	for port := 1; port <= 4; port++ {
		testutil.Equals(t, pkg.TransferStatusSuccess,
			do(t, b, ep, hal.SetPortFeature(port, hal.FeaturePortPower), nil).Status)
	}
	drain(b)
	testutil.Equals(t, []byte{1 << 3}, bitmap)

	req = do(t, b, ep, hal.GetPortStatus(3), make([]byte, hal.PortStatusSize))
	var ps hal.PortStatus
	testutil.Assert(t, hal.ParsePortStatus(req.Data, &ps))
	testutil.Assert(t, ps.Connected())
	testutil.Assert(t, ps.ConnectChanged())

	do(t, b, ep, hal.ClearPortFeature(3, hal.FeatureCPortConnection), nil)
	do(t, b, ep, hal.SetPortFeature(3, hal.FeaturePortReset), nil)
	drain(b)
	do(t, b, ep, hal.GetPortStatus(3), req.Data)
	hal.ParsePortStatus(req.Data, &ps)
	testutil.Assert(t, ps.Enabled())
	testutil.Equals(t, hal.SpeedFull, ps.Speed())

	// The child answers the default address only through the configured hub.
	got := do(t, b, ep0, hal.GetDescriptor(hal.DescriptorTypeDevice, 0, 0, 18), make([]byte, 18))
	var dd hal.DeviceDescriptor
	testutil.Assert(t, hal.ParseDeviceDescriptor(got.Data, &dd))
	testutil.Equals(t, uint16(0x1234), dd.VendorID)
}

func TestHub_AttachOffline(t *testing.T) {
	hub := NewHubDevice(0x2222, 0x0001, hal.SpeedHigh, 2)
	dev := NewDevice(1, 1, hal.SpeedFull)
	testutil.Ok(t, hub.Hub.Attach(1, dev))
	testutil.NotOk(t, hub.Hub.Attach(1, NewDevice(1, 2, hal.SpeedFull)))
	testutil.NotOk(t, hub.Hub.Attach(3, dev))
	testutil.Ok(t, hub.Hub.Detach(1))
	testutil.NotOk(t, hub.Hub.Detach(1))
	testutil.NotOk(t, hub.Hub.OverCurrent(1))
}

// =============================================================================
// Builder Tests
// =============================================================================

func TestNewDevice_Configs(t *testing.T) {
	dev := NewDevice(0x1234, 0x5678, hal.SpeedFull, WithInterfaces(12), WithConfigs(500, 100))
	testutil.Equals(t, uint8(2), dev.Descriptor.NumConfigurations)
	testutil.Equals(t, 2, len(dev.Configs))

	var cfg hal.ConfigurationDescriptor
	testutil.Assert(t, hal.ParseConfigurationDescriptor(dev.Configs[0], &cfg))
	testutil.Equals(t, 500, cfg.MaxPowerMilliamps())
	testutil.Equals(t, uint8(12), cfg.NumInterfaces)
	testutil.Assert(t, int(cfg.TotalLength) > 256)
	testutil.Equals(t, int(cfg.TotalLength), len(dev.Configs[0]))

	testutil.Assert(t, hal.ParseConfigurationDescriptor(dev.Configs[1], &cfg))
	testutil.Equals(t, uint8(2), cfg.ConfigurationValue)
}

func TestNewHubDevice(t *testing.T) {
	dev := NewHubDevice(0x2222, 0x0001, hal.SpeedHigh, 7)
	testutil.Equals(t, uint8(hal.ClassHub), dev.Descriptor.DeviceClass)
	testutil.Equals(t, 7, dev.Hub.NumPorts())
	testutil.Equals(t, 1, len(dev.Hub.bitmap()))

	dev = NewHubDevice(0x2222, 0x0001, hal.SpeedHigh, 8)
	testutil.Equals(t, 2, len(dev.Hub.bitmap()))
}
