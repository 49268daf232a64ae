package host

import (
	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Device is one attached USB device as seen by the engine. Devices live in
// the controller arena and are only touched from the controller loop;
// parents are referenced by ID, never by pointer.
type Device struct {
	c      *Controller
	id     DeviceID
	parent PortRef // zero for the root hub
	depth  int

	address hal.DeviceAddress
	speed   hal.Speed
	state   DeviceState
	refs    int

	prefix     [hal.DeviceDescriptorPrefixSize]byte
	descriptor hal.DeviceDescriptor
	config     hal.ConfigurationDescriptor
	interfaces []deviceInterface
	serial     string

	ctrl pipe
	ep0  hal.Endpoint
	mps0 uint16
	gate gate

	// Data endpoints opened on behalf of interface handles, keyed by
	// bEndpointAddress.
	endpoints map[uint8]hal.Endpoint
	ops       map[*operation]struct{} // client operations in flight

	hub  *Hub
	enum enumMachine

	published bool
	ifaceIDs  []InterfaceID
}

type deviceInterface struct {
	desc      hal.InterfaceDescriptor
	endpoints []hal.EndpointDescriptor
	extra     [][]byte // class-specific descriptors
}

func (c *Controller) newDevice(parent PortRef, depth int, addr hal.DeviceAddress, speed hal.Speed) *Device {
	d := &Device{
		c:         c,
		id:        DeviceID(nextID()),
		parent:    parent,
		depth:     depth,
		address:   addr,
		speed:     speed,
		state:     DeviceStateAddress,
		refs:      1,
		endpoints: make(map[uint8]hal.Endpoint),
		ops:       make(map[*operation]struct{}),
	}
	c.devices[d.id] = d
	if parent.Hub != 0 {
		c.metrics.devices.Inc()
	}
	return d
}

// ref takes a reference that keeps d in the arena.
func (d *Device) ref() {
	if d == nil {
		return
	}
	d.refs++
}

// unref drops a reference and frees d when the last one goes.
func (d *Device) unref() {
	if d == nil {
		return
	}
	if d.refs <= 0 {
		pkg.LogWarn(pkg.ComponentHost, "device reference underflow", "device", d.id)
		return
	}
	d.refs--
	if d.refs == 0 {
		d.free()
	}
}

func (d *Device) free() {
	c := d.c
	pkg.LogDebug(pkg.ComponentHost, "device freed", "device", d.id, "address", d.address)
	for addr, ep := range d.endpoints {
		c.closeEndpoint(ep)
		delete(d.endpoints, addr)
	}
	if d.hub != nil && d.hub.statusEP != 0 {
		c.closeEndpoint(d.hub.statusEP)
		d.hub.statusEP = 0
	}
	if d.ep0 != 0 {
		c.closeEndpoint(d.ep0)
		d.ep0 = 0
	}
	if d.address != 0 {
		c.addresses.Remove(d.address)
	}
	delete(c.devices, d.id)
	if d.parent.Hub != 0 {
		c.metrics.devices.Dec()
	}
	if c.onFree != nil {
		c.onFree(d.id)
	}
}

// port returns the port d is plugged into.
func (d *Device) port() *Port {
	return d.c.port(d.parent)
}

func (d *Device) isRoot() bool { return d.parent.Hub == 0 }

// isHub reports whether the device or its first interface is hub class.
func (d *Device) isHub() bool {
	if d.descriptor.DeviceClass == hal.ClassHub {
		return true
	}
	return d.descriptor.DeviceClass == hal.ClassPerInterface && len(d.interfaces) > 0 &&
		d.interfaces[0].desc.InterfaceClass == hal.ClassHub
}

// selfPowered reports the bmAttributes self-powered bit of the active
// configuration.
func (d *Device) selfPowered() bool {
	return d.config.Attributes&hal.ConfigAttrSelfPowered != 0
}

// openControl (re)opens the default control endpoint at the given packet
// size.
func (d *Device) openControl(mps uint16) error {
	c := d.c
	if d.ep0 != 0 && d.mps0 == mps {
		return nil
	}
	if d.ep0 != 0 {
		c.closeEndpoint(d.ep0)
		d.ep0 = 0
	}
	ep, err := c.hcd.OpenEndpoint(hal.EndpointConfig{
		Address:       d.address,
		Type:          hal.TransferControl,
		MaxPacketSize: mps,
		Speed:         d.speed,
	})
	if err != nil {
		return errors.Wrapf(err, "open control endpoint for address %d", d.address)
	}
	d.ep0 = ep
	d.mps0 = mps
	d.ctrl = hcdPipe{hcd: c.hcd, ep: ep}
	return nil
}

// parseConfiguration decodes a configuration descriptor and the interface
// and endpoint descriptors that follow it. Only alternate setting zero is
// kept.
func (d *Device) parseConfiguration(data []byte) error {
	var cfg hal.ConfigurationDescriptor
	if !hal.ParseConfigurationDescriptor(data, &cfg) {
		return errors.Wrapf(pkg.ErrDescriptorTooShort, "configuration header of %d bytes", len(data))
	}
	if cfg.DescriptorType != hal.DescriptorTypeConfiguration {
		return errors.Wrapf(pkg.ErrDescriptorTypeMismatch, "type 0x%02x", cfg.DescriptorType)
	}
	total := int(cfg.TotalLength)
	if total > len(data) {
		return errors.Wrapf(pkg.ErrDescriptorTooShort, "have %d of %d bytes", len(data), total)
	}

	interfaces := make([]deviceInterface, 0, cfg.NumInterfaces)
	current := -1 // index into interfaces, -1 while skipping alternates

	for offset := int(cfg.Length); offset < total; {
		if offset+2 > total {
			return errors.Wrapf(pkg.ErrDescriptorTooShort, "truncated descriptor at offset %d", offset)
		}
		length := int(data[offset])
		descType := data[offset+1]
		if length < 2 || offset+length > total {
			return errors.Wrapf(pkg.ErrDescriptorTooShort, "descriptor length %d at offset %d", length, offset)
		}
		body := data[offset : offset+length]

		switch descType {
		case hal.DescriptorTypeInterface:
			var in hal.InterfaceDescriptor
			if !hal.ParseInterfaceDescriptor(body, &in) {
				return errors.Wrapf(pkg.ErrDescriptorTooShort, "interface at offset %d", offset)
			}
			current = -1
			if in.AlternateSetting == 0 {
				interfaces = append(interfaces, deviceInterface{desc: in})
				current = len(interfaces) - 1
			}

		case hal.DescriptorTypeEndpoint:
			var ep hal.EndpointDescriptor
			if !hal.ParseEndpointDescriptor(body, &ep) {
				return errors.Wrapf(pkg.ErrDescriptorTooShort, "endpoint at offset %d", offset)
			}
			if current >= 0 {
				interfaces[current].endpoints = append(interfaces[current].endpoints, ep)
			}

		default:
			if current >= 0 {
				interfaces[current].extra = append(interfaces[current].extra, append([]byte(nil), body...))
			}
		}
		offset += length
	}

	d.config = cfg
	d.interfaces = interfaces
	return nil
}
