package sim

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// String descriptor indices assigned by the builders.
const (
	StringManufacturer = 1
	StringProduct      = 2
	StringSerial       = 3
)

// Faults scripts misbehavior of a simulated device. Counters decrement as
// they trigger.
type Faults struct {
	// ResetFailures is the number of port resets that never complete.
	ResetFailures int

	// HangRequests is the number of requests that never complete until
	// aborted.
	HangRequests int

	// StallStrings stalls every string descriptor request.
	StallStrings bool

	// DescriptorDrift makes full device descriptor reads disagree with the
	// short prefix read.
	DescriptorDrift bool
}

// Device is a simulated USB device.
type Device struct {
	Speed      hal.Speed
	Descriptor hal.DeviceDescriptor
	Configs    [][]byte
	Strings    map[uint8]string
	LangIDs    []uint16

	// Hub is non-nil for hub-class devices.
	Hub *Hub

	Faults Faults

	bus      *Bus
	port     *port
	address  hal.DeviceAddress
	config   uint8
	loopback []byte
}

// DeviceOption configures a device built by [NewDevice] or [NewHubDevice].
type DeviceOption func(*build)

type build struct {
	serial      string
	class       [3]uint8
	mps0        uint8
	interfaces  int
	powers      []int
	selfPowered bool
}

// WithSerial sets the serial number string.
func WithSerial(s string) DeviceOption {
	return func(b *build) { b.serial = s }
}

// WithClass sets the class triple of every interface.
func WithClass(class, subclass, protocol uint8) DeviceOption {
	return func(b *build) { b.class = [3]uint8{class, subclass, protocol} }
}

// WithMaxPacketSize0 sets bMaxPacketSize0.
func WithMaxPacketSize0(n uint8) DeviceOption {
	return func(b *build) { b.mps0 = n }
}

// WithInterfaces sets the number of interfaces per configuration.
func WithInterfaces(n int) DeviceOption {
	return func(b *build) { b.interfaces = n }
}

// WithConfigs builds one configuration per entry, each drawing the given
// bus current in milliamps.
func WithConfigs(milliamps ...int) DeviceOption {
	return func(b *build) { b.powers = milliamps }
}

// SelfPowered marks the device self-powered.
func SelfPowered() DeviceOption {
	return func(b *build) { b.selfPowered = true }
}

// NewDevice builds a well-formed device with bulk loopback interfaces.
func NewDevice(vendor, product uint16, speed hal.Speed, opts ...DeviceOption) *Device {
	cfg := build{
		class:      [3]uint8{0xFF, 0x00, 0x00},
		interfaces: 1,
		powers:     []int{100},
	}
	return newDevice(vendor, product, speed, &cfg, nil, opts)
}

// NewHubDevice builds a hub-class device with the given number of
// downstream ports.
func NewHubDevice(vendor, product uint16, speed hal.Speed, ports int, opts ...DeviceOption) *Device {
	cfg := build{
		class:      [3]uint8{hal.ClassHub, 0x00, 0x00},
		interfaces: 1,
		powers:     []int{100},
	}
	return newDevice(vendor, product, speed, &cfg, newHub(ports), opts)
}

func newDevice(vendor, product uint16, speed hal.Speed, cfg *build, hub *Hub, opts []DeviceOption) *Device {
	cfg.mps0 = uint8(speed.MaxPacketSize0())
	for _, opt := range opts {
		opt(cfg)
	}

	dev := &Device{
		Speed: speed,
		Descriptor: hal.DeviceDescriptor{
			Length:            hal.DeviceDescriptorSize,
			DescriptorType:    hal.DescriptorTypeDevice,
			USBVersion:        0x0200,
			MaxPacketSize0:    cfg.mps0,
			VendorID:          vendor,
			ProductID:         product,
			DeviceVersion:     0x0100,
			ManufacturerIndex: StringManufacturer,
			ProductIndex:      StringProduct,
			NumConfigurations: uint8(len(cfg.powers)),
		},
		Strings: map[uint8]string{
			StringManufacturer: "usbenum",
			StringProduct:      "simulated device",
		},
		LangIDs: []uint16{hal.LangIDUSEnglish},
		Hub:     hub,
	}
	if cfg.serial != "" {
		dev.Strings[StringSerial] = cfg.serial
		dev.Descriptor.SerialNumberIndex = StringSerial
	}
	if hub != nil {
		dev.Descriptor.DeviceClass = hal.ClassHub
		dev.Descriptor.DeviceProtocol = 1
		hub.owner = dev
		hub.selfPowered = cfg.selfPowered
	}
	for i, mA := range cfg.powers {
		dev.Configs = append(dev.Configs, buildConfig(uint8(i+1), mA, cfg, hub != nil))
	}
	return dev
}

func buildConfig(value uint8, milliamps int, cfg *build, hub bool) []byte {
	attrs := uint8(0x80)
	if cfg.selfPowered {
		attrs |= hal.ConfigAttrSelfPowered
	}
	out := []byte{
		hal.ConfigurationDescriptorSize, hal.DescriptorTypeConfiguration,
		0, 0, // wTotalLength
		uint8(cfg.interfaces), value, 0, attrs, uint8(milliamps / 2),
	}

	for i := 0; i < cfg.interfaces; i++ {
		if hub {
			out = append(out,
				hal.InterfaceDescriptorSize, hal.DescriptorTypeInterface, uint8(i), 0, 1,
				hal.ClassHub, 0, 0, 0,
				hal.EndpointDescriptorSize, hal.DescriptorTypeEndpoint, 0x81,
				uint8(hal.TransferInterrupt), 1, 0, 12,
			)
			continue
		}
		num := uint8(i%15) + 1
		out = append(out,
			hal.InterfaceDescriptorSize, hal.DescriptorTypeInterface, uint8(i), 0, 2,
			cfg.class[0], cfg.class[1], cfg.class[2], 0,
			hal.EndpointDescriptorSize, hal.DescriptorTypeEndpoint, 0x80|num,
			uint8(hal.TransferBulk), 64, 0, 0,
			hal.EndpointDescriptorSize, hal.DescriptorTypeEndpoint, num,
			uint8(hal.TransferBulk), 64, 0, 0,
		)
	}
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(out)))
	return out
}

// bind records the bus the device (and any downstream devices) belong to.
func (d *Device) bind(b *Bus) {
	d.bus = b
	if d.Hub == nil {
		return
	}
	d.Hub.bus = b
	for _, p := range d.Hub.ports {
		if p.dev != nil {
			p.dev.bind(b)
		}
	}
}

// powerReset returns the device to its default state, along with every
// downstream port of a hub.
func (d *Device) powerReset() {
	d.address = 0
	d.config = 0
	if d.Hub == nil {
		return
	}
	d.Hub.status = hal.HubStatus{}
	d.Hub.statusReq = nil
	for _, p := range d.Hub.ports {
		if d.bus != nil {
			d.bus.abortReset(p)
		}
		if p.dev != nil {
			p.dev.powerReset()
		}
		p.status = hal.PortStatus{}
	}
}

// reachable reports whether every port between the device and the root is
// enabled and every hub on the way is configured. Caller must hold the bus
// lock.
func (d *Device) reachable() bool {
	p := d.port
	if p == nil || !p.enabled() {
		return false
	}
	if p.hub == nil {
		return true
	}
	up := p.hub.owner
	return up.config != 0 && up.reachable()
}

// Configured returns the active configuration value.
func (d *Device) Configured() uint8 {
	if d.bus == nil {
		return d.config
	}
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return d.config
}

// control answers a control request. Caller must hold the bus lock.
func (d *Device) control(b *Bus, setup hal.SetupPacket, data []byte) (int, pkg.TransferStatus) {
	if setup.IsClass() {
		if d.Hub == nil {
			return 0, pkg.TransferStatusStall
		}
		return d.Hub.control(b, setup, data)
	}

	switch setup.Request {
	case hal.RequestGetDescriptor:
		desc, ok := d.descriptor(setup)
		if !ok {
			return 0, pkg.TransferStatusStall
		}
		return reply(setup, data, desc)

	case hal.RequestSetAddress:
		if setup.Value > uint16(hal.MaxAddress) {
			return 0, pkg.TransferStatusStall
		}
		d.address = hal.DeviceAddress(setup.Value)
		return 0, pkg.TransferStatusSuccess

	case hal.RequestSetConfiguration:
		if setup.Value == 0 {
			d.config = 0
			return 0, pkg.TransferStatusSuccess
		}
		for _, c := range d.Configs {
			if uint16(c[5]) == setup.Value {
				d.config = c[5]
				return 0, pkg.TransferStatusSuccess
			}
		}
		return 0, pkg.TransferStatusStall

	case hal.RequestGetConfiguration:
		return reply(setup, data, []byte{d.config})

	case hal.RequestGetStatus:
		var st [2]byte
		if d.Hub != nil && d.Hub.selfPowered {
			st[0] = 0x01
		}
		return reply(setup, data, st[:])
	}
	return 0, pkg.TransferStatusStall
}

func (d *Device) descriptor(setup hal.SetupPacket) ([]byte, bool) {
	switch setup.DescriptorType() {
	case hal.DescriptorTypeDevice:
		buf := make([]byte, hal.DeviceDescriptorSize)
		d.Descriptor.MarshalTo(buf)
		if d.Faults.DescriptorDrift && setup.Length > hal.DeviceDescriptorPrefixSize {
			buf[4] ^= 0xFF
		}
		return buf, true

	case hal.DescriptorTypeConfiguration:
		idx := int(setup.DescriptorIndex())
		if idx >= len(d.Configs) {
			return nil, false
		}
		return d.Configs[idx], true

	case hal.DescriptorTypeString:
		if d.Faults.StallStrings {
			return nil, false
		}
		idx := setup.DescriptorIndex()
		if idx == 0 {
			out := []byte{uint8(2 + 2*len(d.LangIDs)), hal.DescriptorTypeString}
			for _, id := range d.LangIDs {
				out = binary.LittleEndian.AppendUint16(out, id)
			}
			return out, true
		}
		s, ok := d.Strings[idx]
		if !ok {
			return nil, false
		}
		return stringDescriptor(s)
	}
	return nil, false
}

func stringDescriptor(s string) ([]byte, bool) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	body, err := enc.Bytes([]byte(s))
	if err != nil || len(body) > 253 {
		return nil, false
	}
	return append([]byte{uint8(2 + len(body)), hal.DescriptorTypeString}, body...), true
}

// transfer answers a bulk or interrupt request: OUT data is stored and
// echoed back by the next IN request.
func (d *Device) transfer(cfg hal.EndpointConfig, data []byte) (int, pkg.TransferStatus) {
	if d.config == 0 {
		return 0, pkg.TransferStatusStall
	}
	if !cfg.In {
		d.loopback = append(d.loopback[:0], data...)
		return len(data), pkg.TransferStatusSuccess
	}
	n := copy(data, d.loopback)
	if n < len(d.loopback) {
		return n, pkg.TransferStatusOverrun
	}
	d.loopback = d.loopback[:0]
	return n, pkg.TransferStatusSuccess
}

// reply copies desc into the data stage, honoring wLength.
func reply(setup hal.SetupPacket, data, desc []byte) (int, pkg.TransferStatus) {
	n := len(desc)
	if int(setup.Length) < n {
		n = int(setup.Length)
	}
	return copy(data, desc[:n]), pkg.TransferStatusSuccess
}
