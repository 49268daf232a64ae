package host

import (
	"context"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/merrors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// Controller runs bus enumeration for one host controller.
//
// Every completion, timer expiry and root hub change is posted to an
// internal queue and executed by [Controller.Poll] or [Controller.Run] on
// a single logical thread. The device tree is only touched there; other
// goroutines read published snapshots.
type Controller struct {
	hcd     hal.HostController
	timers  hal.Timers
	cfg     Config
	metrics *metrics

	qmu    sync.Mutex
	queue  []func()
	notify chan struct{}

	// loopMu serializes queue execution with Start, Stop and Tree.
	loopMu    sync.Mutex
	running   bool
	stopAfter func() bool

	devices    map[DeviceID]*Device
	rootDev    *Device
	rootStatus *rootStatusPipe
	addresses  mapset.Set[hal.DeviceAddress]
	defaultEP  map[hal.Speed]hal.Endpoint

	permit resetPermit
	resetQ []*Port
	rst    resetMachine

	subs []*subscription

	snapMu     sync.RWMutex
	deviceInfo map[DeviceID]DeviceInfo
	ifaceInfo  map[InterfaceID]InterfaceInfo
	opens      map[InterfaceID]*openState

	// onFree observes device frees in tests.
	onFree func(DeviceID)
}

// Option configures a Controller.
type Option func(*Controller)

// WithConfig replaces the default protocol timing and retry policy.
func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

// WithTimers replaces the wall-clock timer service.
func WithTimers(t hal.Timers) Option {
	return func(c *Controller) { c.timers = t }
}

// WithRegisterer registers the controller metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Controller) { c.metrics = newMetrics(reg) }
}

// New creates a controller for hcd.
func New(hcd hal.HostController, opts ...Option) (*Controller, error) {
	if hcd == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "nil host controller")
	}
	c := &Controller{
		hcd:        hcd,
		timers:     hal.NewClockTimers(),
		cfg:        DefaultConfig(),
		notify:     make(chan struct{}, 1),
		devices:    make(map[DeviceID]*Device),
		addresses:  mapset.NewThreadUnsafeSet[hal.DeviceAddress](),
		defaultEP:  make(map[hal.Speed]hal.Endpoint),
		deviceInfo: make(map[DeviceID]DeviceInfo),
		ifaceInfo:  make(map[InterfaceID]InterfaceInfo),
		opens:      make(map[InterfaceID]*openState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = newMetrics(nil)
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	c.permit.gauge = c.metrics.activeReset
	c.rst.bind(c)
	return c, nil
}

// Config returns the active configuration.
func (c *Controller) Config() Config { return c.cfg }

// post queues fn for the controller loop. It is safe from any goroutine.
func (c *Controller) post(fn func()) {
	c.qmu.Lock()
	c.queue = append(c.queue, fn)
	c.qmu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Poll runs queued work until the queue is empty and returns the number of
// items run.
func (c *Controller) Poll() int {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.drain()
}

func (c *Controller) drain() int {
	n := 0
	for {
		c.qmu.Lock()
		batch := c.queue
		c.queue = nil
		c.qmu.Unlock()
		if len(batch) == 0 {
			return n
		}
		for _, fn := range batch {
			fn()
		}
		n += len(batch)
	}
}

// Run executes queued work as it arrives until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		c.Poll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}
	}
}

// Running reports whether the controller has been started.
func (c *Controller) Running() bool {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	return c.running
}

// Start brings up the host controller and begins root hub enumeration.
// The controller stops when ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.running {
		return pkg.ErrAlreadyRunning
	}
	if err := c.hcd.Start(); err != nil {
		return errors.Wrap(err, "start host controller")
	}

	for _, speed := range []hal.Speed{hal.SpeedLow, hal.SpeedFull, hal.SpeedHigh} {
		ep, err := c.hcd.OpenEndpoint(hal.EndpointConfig{
			Type:          hal.TransferControl,
			MaxPacketSize: speed.MaxPacketSize0(),
			Speed:         speed,
		})
		if err != nil {
			errs := merrors.New(errors.Wrapf(err, "open default endpoint for %s speed", speed))
			errs.Add(c.closeDefaults())
			errs.Add(c.hcd.Stop())
			return errs.Err()
		}
		c.defaultEP[speed] = ep
	}

	c.addresses.Clear()
	root := c.newDevice(PortRef{}, 0, 0, hal.SpeedHigh)
	root.state = DeviceStateEnumerated
	rootHub := c.hcd.RootHub()
	root.ctrl = rootControlPipe{root: rootHub}
	c.rootDev = root
	c.rootStatus = &rootStatusPipe{root: rootHub}
	status := c.rootStatus
	rootHub.SetStatusChangeHandler(func() { c.post(status.signal) })

	h := c.newHub(root)
	c.post(h.init.start)

	c.running = true
	if ctx != nil {
		c.stopAfter = context.AfterFunc(ctx, func() {
			if err := c.Stop(); err != nil && !errors.Is(err, pkg.ErrNotRunning) {
				pkg.LogWarn(pkg.ComponentHost, "stop on context done", "error", err)
			}
		})
	}
	pkg.LogInfo(pkg.ComponentHost, "controller started", "ports", rootHub.NumPorts())
	return nil
}

// Stop removes every device, closes the default endpoints and stops the
// host controller. Machines unwind before Stop returns.
func (c *Controller) Stop() error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if !c.running {
		return pkg.ErrNotRunning
	}
	c.running = false
	if c.stopAfter != nil {
		c.stopAfter()
		c.stopAfter = nil
	}

	c.hcd.RootHub().SetStatusChangeHandler(nil)
	root := c.rootDev
	c.markRemoved(root)
	c.drain()

	errs := merrors.New()
	errs.Add(c.closeDefaults())
	if err := c.hcd.Stop(); err != nil {
		errs.Add(errors.Wrap(err, "stop host controller"))
	}
	c.drain()
	c.rootDev = nil
	root.unref()
	c.resetQ = nil

	c.qmu.Lock()
	c.queue = nil
	c.qmu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "controller stopped")
	return errs.Err()
}

func (c *Controller) closeDefaults() error {
	errs := merrors.New()
	for speed, ep := range c.defaultEP {
		if err := c.hcd.CloseEndpoint(ep); err != nil {
			errs.Add(errors.Wrapf(err, "close default endpoint for %s speed", speed))
		}
		delete(c.defaultEP, speed)
	}
	return errs.Err()
}

func (c *Controller) closeEndpoint(ep hal.Endpoint) {
	if err := c.hcd.CloseEndpoint(ep); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "close endpoint", "endpoint", ep, "error", err)
	}
}

// defaultPipe returns the address-zero control pipe for speed.
func (c *Controller) defaultPipe(speed hal.Speed) (pipe, bool) {
	ep, ok := c.defaultEP[speed]
	if !ok {
		return nil, false
	}
	return hcdPipe{hcd: c.hcd, ep: ep}, true
}

// allocAddress reserves the lowest free device address.
func (c *Controller) allocAddress() (hal.DeviceAddress, error) {
	for a := hal.DeviceAddress(1); a <= hal.MaxAddress; a++ {
		if c.addresses.Add(a) {
			return a, nil
		}
	}
	return 0, pkg.ErrNoAddress
}
