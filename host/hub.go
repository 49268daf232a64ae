package host

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Hub is the class state of a hub device, the root hub included.
type Hub struct {
	dev   *Device
	ports []*Port

	characteristics uint16
	powerGood       time.Duration
	status          hal.HubStatus

	statusPipe pipe
	statusEP   hal.Endpoint

	init   hubInitMachine
	notify notifyMachine
}

// Port is one downstream connector of a hub.
type Port struct {
	hub    *Hub
	number int

	status hal.PortStatus // shadow of the last GET_STATUS
	state  PortState

	retries     int
	highPower   bool
	configIndex uint8
	device      DeviceID // zero when empty

	queued    bool
	resetDone bool
}

func (p *Port) ref() PortRef { return PortRef{Hub: p.hub.dev.id, Port: p.number} }

// location tags reset failures on this port.
func (p *Port) location() Location {
	if p.hub.dev.isRoot() {
		return LocationRootPortReset
	}
	return LocationHubPortReset
}

// budget returns the current a device on this port may draw, in mA.
func (p *Port) budget() int {
	if p.highPower {
		return 500
	}
	return 100
}

func (c *Controller) newHub(dev *Device) *Hub {
	h := &Hub{dev: dev}
	dev.hub = h
	h.init.bind(c, h)
	h.notify.bind(c, h)
	return h
}

// addPorts creates the port objects reported by the hub descriptor.
func (h *Hub) addPorts(n int) {
	for i := len(h.ports); i < n; i++ {
		h.ports = append(h.ports, &Port{hub: h, number: i + 1})
	}
}

func (h *Hub) port(n int) *Port {
	if n < 1 || n > len(h.ports) {
		return nil
	}
	return h.ports[n-1]
}

// port resolves a port reference through the arena.
func (c *Controller) port(ref PortRef) *Port {
	d := c.devices[ref.Hub]
	if d == nil || d.hub == nil {
		return nil
	}
	return d.hub.port(ref.Port)
}

// child returns the device plugged into p.
func (c *Controller) child(p *Port) *Device {
	if p.device == 0 {
		return nil
	}
	return c.devices[p.device]
}

// walk visits every device in the subtree rooted at d breadth first. A
// pass that discovers a hub not seen before starts over from d, so hubs
// attached while the walk runs are still covered; the walk ends after a
// pass that finds no new hub.
func (c *Controller) walk(d *Device, visit func(*Device)) {
	visited := mapset.NewThreadUnsafeSet[DeviceID]()
	hubs := mapset.NewThreadUnsafeSet[DeviceID]()
	for {
		restart := false
		queue := []*Device{d}
		for len(queue) > 0 && !restart {
			cur := queue[0]
			queue = queue[1:]
			if visited.Add(cur.id) {
				visit(cur)
			}
			if cur.hub == nil {
				continue
			}
			for _, p := range cur.hub.ports {
				next := c.child(p)
				if next == nil {
					continue
				}
				queue = append(queue, next)
				if next.hub != nil && hubs.Add(next.id) {
					restart = true
				}
			}
		}
		if !restart {
			return
		}
	}
}

// markRemoved marks d and everything below it removed. Each machine
// notices at its next step and unwinds on its own. Marking an already
// removed subtree again has no effect.
func (c *Controller) markRemoved(d *Device) {
	var subtree []*Device
	c.walk(d, func(x *Device) {
		if x.state != DeviceStateRemoved {
			subtree = append(subtree, x)
		}
	})
	if len(subtree) == 0 {
		return
	}
	for _, x := range subtree {
		x.state = DeviceStateRemoved
	}
	for _, x := range subtree {
		pkg.LogDebug(pkg.ComponentHost, "device removed", "device", x.id, "address", x.address,
			"depth", x.depth)
		c.unpublish(x)
		for op := range x.ops {
			op.remove()
		}
		x.enum.w.cancel()
		if h := x.hub; h != nil {
			h.init.w.cancel()
			h.notify.w.cancel()
			for _, p := range h.ports {
				p.state = PortStateRemoved
				c.rst.portGone(p)
			}
			h.init.s.kick(h.init.step)
			h.notify.s.kick(h.notify.step)
		}
		x.enum.s.kick(x.enum.step)
	}
	// Children first: dropping a parent's last reference takes its ports
	// out of the arena.
	for i := len(subtree) - 1; i >= 0; i-- {
		x := subtree[i]
		if p := x.port(); p != nil && p.device == x.id {
			p.device = 0
			x.unref()
		}
	}
}

// removePortDevice removes the subtree plugged into p, if any.
func (c *Controller) removePortDevice(p *Port) {
	if d := c.child(p); d != nil {
		c.markRemoved(d)
	}
	p.device = 0
}
