package host

import (
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/sim"
	"github.com/ardnew/usbenum/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

// fakePipe records submissions and completes them on demand.
type fakePipe struct {
	status   pkg.TransferStatus // returned by submit
	err      error
	abortErr error
	aborts   int
	pending  []*hal.Request
}

func (p *fakePipe) submit(req *hal.Request) (pkg.TransferStatus, error) {
	if p.err != nil {
		return pkg.TransferStatusError, p.err
	}
	if p.status != pkg.TransferStatusPending {
		req.Actual = len(req.Data)
		req.Status = p.status
		return p.status, nil
	}
	p.pending = append(p.pending, req)
	return pkg.TransferStatusPending, nil
}

func (p *fakePipe) abort() error {
	p.aborts++
	if p.abortErr != nil {
		return p.abortErr
	}
	for len(p.pending) > 0 {
		p.finish(pkg.TransferStatusCancelled, 0)
	}
	return nil
}

// finish completes the oldest pending request.
func (p *fakePipe) finish(status pkg.TransferStatus, n int) {
	req := p.pending[0]
	p.pending = p.pending[1:]
	req.Status = status
	req.Actual = n
	req.Complete(req)
}

// loopOnly returns a controller with just its queue and timers wired.
func loopOnly(timers hal.Timers) *Controller {
	return &Controller{
		timers:  timers,
		metrics: newMetrics(nil),
		notify:  make(chan struct{}, 1),
	}
}

type outcome struct {
	status pkg.TransferStatus
	n      int
}

func record(out *[]outcome) func(pkg.TransferStatus, int) {
	return func(s pkg.TransferStatus, n int) { *out = append(*out, outcome{s, n}) }
}

// =============================================================================
// Waiter Tests
// =============================================================================

func TestWaiter_SynchronousOutcome(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{status: pkg.TransferStatusStall}
	testutil.Ok(t, w.submit(p, hal.GetDeviceStatus(), make([]byte, 2), time.Second, record(&got)))

	testutil.Equals(t, []outcome{{pkg.TransferStatusStall, 2}}, got)
	testutil.Assert(t, w.idle(), "waiter should be idle after a synchronous outcome")
	testutil.Equals(t, 0, bus.Pending())
}

func TestWaiter_Rejected(t *testing.T) {
	c := loopOnly(sim.New(1))
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{err: pkg.ErrRejected}
	err := w.submit(p, hal.GetDeviceStatus(), nil, time.Second, record(&got))
	testutil.Assert(t, errors.Is(err, pkg.ErrRejected), "got %v", err)
	testutil.Equals(t, 0, len(got))
	testutil.Assert(t, w.idle(), "rejected request must not leave the waiter busy")
}

func TestWaiter_AsynchronousCompletion(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{status: pkg.TransferStatusPending}
	testutil.Ok(t, w.submit(p, hal.GetDeviceStatus(), nil, time.Second, record(&got)))
	testutil.Assert(t, !w.idle(), "pending request should keep the waiter busy")

	err := w.submit(p, hal.GetDeviceStatus(), nil, time.Second, record(&got))
	testutil.Assert(t, errors.Is(err, pkg.ErrBusy), "second submit: %v", err)

	p.finish(pkg.TransferStatusSuccess, 5)
	testutil.Equals(t, 0, len(got))
	c.drain()

	testutil.Equals(t, []outcome{{pkg.TransferStatusSuccess, 5}}, got)
	testutil.Assert(t, w.idle(), "waiter should be idle after completion")
	testutil.Equals(t, 0, bus.Pending())
}

func TestWaiter_TimeoutAbortsAndReportsTimeout(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{status: pkg.TransferStatusPending}
	testutil.Ok(t, w.submit(p, hal.GetDeviceStatus(), nil, 10*time.Millisecond, record(&got)))

	bus.Advance(9 * time.Millisecond)
	c.drain()
	testutil.Equals(t, 0, len(got))

	bus.Advance(time.Millisecond)
	c.drain()
	testutil.Equals(t, 1, p.aborts)
	testutil.Equals(t, []outcome{{pkg.TransferStatusTimeout, 0}}, got)
	testutil.Equals(t, 1.0, promtestutil.ToFloat64(c.metrics.timeouts))
}

func TestWaiter_TimeoutWithFailedAbort(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{status: pkg.TransferStatusPending, abortErr: pkg.ErrInvalidState}
	testutil.Ok(t, w.submit(p, hal.GetDeviceStatus(), nil, 10*time.Millisecond, record(&got)))

	bus.Advance(10 * time.Millisecond)
	c.drain()
	testutil.Equals(t, []outcome{{pkg.TransferStatusTimeout, 0}}, got)

	// The late hardware completion belongs to a finished operation.
	p.finish(pkg.TransferStatusSuccess, 2)
	c.drain()
	testutil.Equals(t, 1, len(got))
}

func TestWaiter_Delay(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	fired := 0
	testutil.Ok(t, w.delay(5*time.Millisecond, func() { fired++ }))
	testutil.Assert(t, !w.idle(), "delay should keep the waiter busy")

	bus.Advance(4 * time.Millisecond)
	c.drain()
	testutil.Equals(t, 0, fired)

	bus.Advance(time.Millisecond)
	c.drain()
	testutil.Equals(t, 1, fired)
	testutil.Assert(t, w.idle(), "waiter should be idle after the delay")
}

func TestWaiter_InterruptDelay(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	fired := 0
	testutil.Ok(t, w.delay(5*time.Millisecond, func() { fired++ }))
	testutil.Assert(t, w.interrupt(), "interrupt should end a pending delay")
	testutil.Assert(t, !w.interrupt(), "nothing left to interrupt")

	bus.Advance(time.Second)
	c.drain()
	testutil.Equals(t, 0, fired)
	testutil.Assert(t, w.idle(), "waiter should be idle")
}

func TestWaiter_CancelDelayRunsContinuation(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	fired := 0
	testutil.Ok(t, w.delay(time.Hour, func() { fired++ }))
	w.cancel()
	c.drain()
	testutil.Equals(t, 1, fired)
	testutil.Equals(t, time.Duration(0), bus.Now())
	testutil.Equals(t, 0, bus.Pending())
}

func TestWaiter_CancelRequest(t *testing.T) {
	bus := sim.New(1)
	c := loopOnly(bus)
	var w waiter
	w.bind(c, nil, "test")

	var got []outcome
	p := &fakePipe{status: pkg.TransferStatusPending}
	testutil.Ok(t, w.submit(p, hal.GetDeviceStatus(), nil, time.Second, record(&got)))
	w.cancel()
	c.drain()
	testutil.Equals(t, []outcome{{pkg.TransferStatusCancelled, 0}}, got)
	testutil.Equals(t, 0, bus.Pending())
}

// =============================================================================
// Stepper and Gate Tests
// =============================================================================

func TestStepper_FoldsNestedKicks(t *testing.T) {
	var s stepper
	calls, depth, maxDepth := 0, 0, 0
	var step func() bool
	step = func() bool {
		depth++
		if depth > maxDepth {
			maxDepth = depth
		}
		defer func() { depth-- }()
		calls++
		if calls < 5 {
			s.kick(step)
		}
		return false
	}
	s.kick(step)

	testutil.Equals(t, 5, calls)
	testutil.Equals(t, 1, maxDepth)
}

func TestStepper_RunsWhileStepReportsProgress(t *testing.T) {
	var s stepper
	n := 0
	s.kick(func() bool {
		n++
		return n < 3
	})
	testutil.Equals(t, 3, n)
}

func TestGate_FIFOHandOff(t *testing.T) {
	var g gate
	var woken []string
	post := func(fn func()) { fn() }
	wake := func(name string) func() { return func() { woken = append(woken, name) } }

	testutil.Assert(t, g.acquire("a", wake("a")), "free gate")
	testutil.Assert(t, g.acquire("a", wake("a")), "owner re-enters")
	testutil.Assert(t, !g.acquire("b", wake("b")), "b waits")
	testutil.Assert(t, !g.acquire("c", wake("c")), "c waits")
	testutil.Assert(t, !g.acquire("b", wake("b")), "b still waits")
	testutil.Equals(t, 2, len(g.waiters))

	g.release("b", post) // not the owner
	testutil.Equals(t, "a", g.owner)

	g.release("a", post)
	testutil.Equals(t, "b", g.owner)
	testutil.Equals(t, []string{"b"}, woken)

	g.drop("c", post)
	testutil.Equals(t, 0, len(g.waiters))

	g.release("b", post)
	testutil.Equals(t, nil, g.owner)
	testutil.Equals(t, []string{"b"}, woken)
}
