package host

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// DeviceID identifies a device for its lifetime. IDs are never reused.
type DeviceID uint32

// InterfaceID identifies a published interface. IDs are never reused.
type InterfaceID uint32

// SubscriptionID identifies a registered handler.
type SubscriptionID uint64

var idGen atomic.Uint32

// nextID returns the next device or interface identifier.
func nextID() uint32 { return idGen.Add(1) }

// PortRef names a port by the device ID of its hub and its one-based number.
type PortRef struct {
	Hub  DeviceID
	Port int
}

// EventKind distinguishes plug and unplug notifications.
type EventKind uint8

// Event kinds.
const (
	EventAdded EventKind = iota
	EventRemoved
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event reports an interface appearing or disappearing.
type Event struct {
	Kind      EventKind
	Interface InterfaceID
	Device    DeviceID
	Info      InterfaceInfo
}

// Handler receives events on the controller loop. It must not block and
// must not call [Controller.Tree], [Controller.Stop] or [Controller.Poll].
type Handler func(Event)

// MatchFlags selects the Filter fields that must match.
type MatchFlags uint8

// Filter match flags.
const (
	MatchVendor MatchFlags = 1 << iota
	MatchProduct
	MatchClass
	MatchSubClass
	MatchProtocol
	MatchInterface
)

// Filter selects interfaces by device and interface attributes. A zero
// Match accepts every interface.
type Filter struct {
	Match     MatchFlags
	VendorID  uint16
	ProductID uint16
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Interface uint8
}

// Matches reports whether info passes the filter.
func (f Filter) Matches(info InterfaceInfo) bool {
	switch {
	case f.Match&MatchVendor != 0 && info.VendorID != f.VendorID:
		return false
	case f.Match&MatchProduct != 0 && info.ProductID != f.ProductID:
		return false
	case f.Match&MatchClass != 0 && info.Class != f.Class:
		return false
	case f.Match&MatchSubClass != 0 && info.SubClass != f.SubClass:
		return false
	case f.Match&MatchProtocol != 0 && info.Protocol != f.Protocol:
		return false
	case f.Match&MatchInterface != 0 && info.Number != f.Interface:
		return false
	}
	return true
}

// DeviceInfo is an immutable snapshot of an enumerated device.
type DeviceInfo struct {
	ID         DeviceID
	Parent     PortRef
	Depth      int
	Address    hal.DeviceAddress
	Speed      hal.Speed
	Descriptor hal.DeviceDescriptor
	Config     hal.ConfigurationDescriptor
	Serial     string
	Interfaces []InterfaceID
	Hub        bool
	Ports      int
}

// InterfaceInfo is an immutable snapshot of a published interface.
type InterfaceInfo struct {
	ID        InterfaceID
	Device    DeviceID
	VendorID  uint16
	ProductID uint16
	Number    uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Speed     hal.Speed
	Serial    string
	Endpoints []hal.EndpointDescriptor
}

// EnumError reports an enumeration failure.
type EnumError struct {
	Location Location
	State    string // machine state that failed
	Status   pkg.TransferStatus
	Err      error
	Hub      DeviceID // hub owning the port
	Port     int
	Retries  int

	// Final is set when the port has entered its error state and needs a
	// reconnect or RetryRootPort to recover.
	Final bool
}

// Error implements error.
func (e EnumError) Error() string {
	return fmt.Sprintf("%s: %s on hub %d port %d (status %s, retries %d): %v",
		e.Location, e.State, e.Hub, e.Port, e.Status, e.Retries, e.Err)
}

// Unwrap returns the underlying error.
func (e EnumError) Unwrap() error { return e.Err }

type subscription struct {
	id      SubscriptionID
	filter  Filter
	handler Handler
	onError func(EnumError)
}

var subGen atomic.Uint64

// Subscribe registers h for interfaces matching f. Interfaces already
// published are replayed as Added events.
func (c *Controller) Subscribe(f Filter, h Handler) SubscriptionID {
	s := &subscription{id: SubscriptionID(subGen.Add(1)), filter: f, handler: h}
	c.post(func() {
		c.subs = append(c.subs, s)
		for _, info := range c.sortedInterfaces() {
			if f.Matches(info) {
				h(Event{Kind: EventAdded, Interface: info.ID, Device: info.Device, Info: info})
			}
		}
	})
	return s.id
}

// OnEnumerationError registers fn for enumeration errors.
func (c *Controller) OnEnumerationError(fn func(EnumError)) SubscriptionID {
	s := &subscription{id: SubscriptionID(subGen.Add(1)), onError: fn}
	c.post(func() { c.subs = append(c.subs, s) })
	return s.id
}

// Unsubscribe removes a handler registered by Subscribe or
// OnEnumerationError.
func (c *Controller) Unsubscribe(id SubscriptionID) {
	c.post(func() {
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	})
}

// RetryRootPort asks for one more enumeration attempt on a root port that
// has exhausted its retries.
func (c *Controller) RetryRootPort(port int) error {
	n := c.hcd.RootHub().NumPorts()
	if port < 1 || port > n {
		return errors.Wrapf(pkg.ErrInvalidParameter, "root port %d of %d", port, n)
	}
	c.post(func() {
		root := c.rootDev
		if root == nil || root.hub == nil || !root.state.working() {
			return
		}
		p := root.hub.port(port)
		if p == nil || p.state != PortStateError {
			pkg.LogDebug(pkg.ComponentHost, "retry ignored", "port", port)
			return
		}
		pkg.LogInfo(pkg.ComponentHost, "retrying root port", "port", port)
		c.removePortDevice(p)
		p.retries = 0
		p.configIndex = 0
		p.state = PortStateDisconnected
		c.queueReset(p)
	})
	return nil
}

// Device returns the snapshot of an enumerated device.
func (c *Controller) Device(id DeviceID) (DeviceInfo, error) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	info, ok := c.deviceInfo[id]
	if !ok {
		return DeviceInfo{}, errors.Wrapf(pkg.ErrUnknownID, "device %d", id)
	}
	return info, nil
}

// Interface returns the snapshot of a published interface.
func (c *Controller) Interface(id InterfaceID) (InterfaceInfo, error) {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	info, ok := c.ifaceInfo[id]
	if !ok {
		return InterfaceInfo{}, errors.Wrapf(pkg.ErrUnknownID, "interface %d", id)
	}
	return info, nil
}

// Devices returns snapshots of every enumerated device ordered by ID.
func (c *Controller) Devices() []DeviceInfo {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	out := make([]DeviceInfo, 0, len(c.deviceInfo))
	for _, info := range c.deviceInfo {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Controller) sortedInterfaces() []InterfaceInfo {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	out := make([]InterfaceInfo, 0, len(c.ifaceInfo))
	for _, info := range c.ifaceInfo {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PortInfo describes one port of the live tree.
type PortInfo struct {
	Port    int
	State   PortState
	Retries int
	Device  *DeviceInfo // nil when the port is empty
	Ports   []PortInfo  // downstream ports when Device is a hub
}

// Tree returns the root hub ports and everything below them. It must not
// be called from a Handler.
func (c *Controller) Tree() []PortInfo {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.rootDev == nil || c.rootDev.hub == nil {
		return nil
	}
	// The walk fixes the set of devices reachable right now; ports are then
	// rendered from that set.
	reachable := make(map[DeviceID]bool)
	c.walk(c.rootDev, func(d *Device) { reachable[d.id] = true })
	return c.portTree(c.rootDev.hub, reachable)
}

func (c *Controller) portTree(h *Hub, reachable map[DeviceID]bool) []PortInfo {
	out := make([]PortInfo, 0, len(h.ports))
	for _, p := range h.ports {
		pi := PortInfo{Port: p.number, State: p.state, Retries: p.retries}
		if d := c.child(p); d != nil && reachable[d.id] {
			info := c.snapshot(d)
			pi.Device = &info
			if d.hub != nil {
				pi.Ports = c.portTree(d.hub, reachable)
			}
		}
		out = append(out, pi)
	}
	return out
}

// snapshot builds the public view of d.
func (c *Controller) snapshot(d *Device) DeviceInfo {
	info := DeviceInfo{
		ID:         d.id,
		Parent:     d.parent,
		Depth:      d.depth,
		Address:    d.address,
		Speed:      d.speed,
		Descriptor: d.descriptor,
		Config:     d.config,
		Serial:     d.serial,
		Interfaces: append([]InterfaceID(nil), d.ifaceIDs...),
		Hub:        d.hub != nil,
	}
	if d.hub != nil {
		info.Ports = len(d.hub.ports)
	}
	return info
}

// publish makes d visible to subscribers.
func (c *Controller) publish(d *Device) {
	if d.published {
		return
	}
	d.published = true
	d.state = DeviceStateEnumerated
	if p := d.port(); p != nil {
		p.state = PortStateEnabled
	}

	d.ifaceIDs = d.ifaceIDs[:0]
	infos := make([]InterfaceInfo, 0, len(d.interfaces))
	for _, in := range d.interfaces {
		info := InterfaceInfo{
			ID:        InterfaceID(nextID()),
			Device:    d.id,
			VendorID:  d.descriptor.VendorID,
			ProductID: d.descriptor.ProductID,
			Number:    in.desc.InterfaceNumber,
			Class:     in.desc.InterfaceClass,
			SubClass:  in.desc.InterfaceSubClass,
			Protocol:  in.desc.InterfaceProtocol,
			Speed:     d.speed,
			Serial:    d.serial,
			Endpoints: append([]hal.EndpointDescriptor(nil), in.endpoints...),
		}
		d.ifaceIDs = append(d.ifaceIDs, info.ID)
		infos = append(infos, info)
	}

	c.snapMu.Lock()
	c.deviceInfo[d.id] = c.snapshot(d)
	for _, info := range infos {
		c.ifaceInfo[info.ID] = info
	}
	c.snapMu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated", "device", d.id, "address", d.address,
		"vendor", fmt.Sprintf("%04x", d.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", d.descriptor.ProductID),
		"speed", d.speed, "interfaces", len(infos))
	for _, info := range infos {
		c.emit(Event{Kind: EventAdded, Interface: info.ID, Device: d.id, Info: info})
	}
}

// unpublish withdraws d and reports its interfaces removed once.
func (c *Controller) unpublish(d *Device) {
	if !d.published {
		return
	}
	d.published = false

	c.snapMu.Lock()
	infos := make([]InterfaceInfo, 0, len(d.ifaceIDs))
	for _, id := range d.ifaceIDs {
		if info, ok := c.ifaceInfo[id]; ok {
			infos = append(infos, info)
		}
		delete(c.ifaceInfo, id)
		delete(c.opens, id)
	}
	delete(c.deviceInfo, d.id)
	c.snapMu.Unlock()

	for _, info := range infos {
		c.emit(Event{Kind: EventRemoved, Interface: info.ID, Device: d.id, Info: info})
	}
}

func (c *Controller) emit(ev Event) {
	for _, s := range c.subs {
		if s.handler != nil && s.filter.Matches(ev.Info) {
			s.handler(ev)
		}
	}
}

// reportError delivers e to error subscribers and counts it.
func (c *Controller) reportError(e EnumError) {
	c.metrics.enumErrors.WithLabelValues(e.Location.String()).Inc()
	if e.Final {
		pkg.LogError(pkg.ComponentHost, "enumeration failed", "location", e.Location, "state", e.State,
			"status", e.Status, "hub", e.Hub, "port", e.Port, "retries", e.Retries, "error", e.Err)
	} else {
		pkg.LogWarn(pkg.ComponentHost, "enumeration error", "location", e.Location, "state", e.State,
			"status", e.Status, "hub", e.Hub, "port", e.Port, "retries", e.Retries, "error", e.Err)
	}
	for _, s := range c.subs {
		if s.onError != nil {
			s.onError(e)
		}
	}
}
