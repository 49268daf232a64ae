package host

import (
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/pkg"
)

// waiter runs one asynchronous request or delay at a time and invokes its
// continuation exactly once per operation. All methods run on the
// controller loop.
type waiter struct {
	c     *Controller
	owner *Device // referenced while an operation is outstanding
	name  string

	gen      uint64
	busy     bool
	delaying bool
	timedOut bool
	pipe     pipe
	timer    hal.Timer
	req      hal.Request

	done  func(pkg.TransferStatus, int)
	fired func()
}

func (w *waiter) bind(c *Controller, owner *Device, name string) {
	w.c, w.owner, w.name = c, owner, name
}

// idle reports whether no request or delay is outstanding.
func (w *waiter) idle() bool { return !w.busy }

// submit sends setup (with data as the data stage) on p. A synchronous
// outcome calls next before submit returns. timeout zero disables the
// deadline. An error means the request was rejected and next is never
// called.
func (w *waiter) submit(p pipe, setup hal.SetupPacket, data []byte, timeout time.Duration,
	next func(pkg.TransferStatus, int)) error {
	if w.busy {
		return errors.Wrapf(pkg.ErrBusy, "%s: request outstanding", w.name)
	}
	w.gen++
	gen := w.gen
	c := w.c
	w.req = hal.Request{
		Setup: setup,
		Data:  data,
		Complete: func(r *hal.Request) {
			status, n := r.Status, r.Actual
			c.post(func() { w.complete(gen, status, n) })
		},
	}

	status, err := p.submit(&w.req)
	if err != nil {
		return errors.Wrapf(err, "%s: submit", w.name)
	}
	if status != pkg.TransferStatusPending {
		next(status, w.req.Actual)
		return nil
	}

	w.busy = true
	w.pipe = p
	w.done = next
	w.owner.ref()
	if timeout > 0 {
		w.timer = c.timers.AfterFunc(timeout, func() {
			c.post(func() { w.expire(gen) })
		})
	}
	return nil
}

func (w *waiter) complete(gen uint64, status pkg.TransferStatus, n int) {
	if gen != w.gen || !w.busy || w.delaying {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.timedOut {
		status = pkg.TransferStatusTimeout
		w.timedOut = false
	}
	next, owner := w.done, w.owner
	w.done = nil
	w.pipe = nil
	w.busy = false
	// next may finish the machine and rebind the waiter.
	next(status, n)
	owner.unref()
}

// expire aborts the outstanding request. Its continuation runs with a
// timeout status once the abort has settled.
func (w *waiter) expire(gen uint64) {
	if gen != w.gen || !w.busy || w.delaying || w.timedOut {
		return
	}
	w.timer = nil
	w.timedOut = true
	w.c.metrics.timeouts.Inc()
	pkg.LogDebug(pkg.ComponentRequest, "request timeout", "owner", w.name)
	if err := w.pipe.abort(); err != nil {
		pkg.LogWarn(pkg.ComponentRequest, "abort failed", "owner", w.name, "error", err)
		w.complete(gen, pkg.TransferStatusTimeout, 0)
	}
}

// delay calls next once d has elapsed.
func (w *waiter) delay(d time.Duration, next func()) error {
	if w.busy {
		return errors.Wrapf(pkg.ErrBusy, "%s: request outstanding", w.name)
	}
	w.gen++
	gen := w.gen
	c := w.c
	w.busy = true
	w.delaying = true
	w.fired = next
	w.owner.ref()
	w.timer = c.timers.AfterFunc(d, func() {
		c.post(func() { w.elapse(gen) })
	})
	return nil
}

func (w *waiter) elapse(gen uint64) {
	if gen != w.gen || !w.busy || !w.delaying {
		return
	}
	w.timer = nil
	next, owner := w.fired, w.owner
	w.fired = nil
	w.busy = false
	w.delaying = false
	next()
	owner.unref()
}

// interrupt ends a pending delay without calling its continuation.
func (w *waiter) interrupt() bool {
	if !w.busy || !w.delaying {
		return false
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.fired = nil
	w.busy = false
	w.delaying = false
	w.owner.unref()
	return true
}

// cancel cuts the outstanding operation short. A request is aborted and
// completes through its continuation; a delay has its continuation posted
// immediately.
func (w *waiter) cancel() {
	switch {
	case !w.busy:
	case w.delaying:
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		gen := w.gen
		w.c.post(func() { w.elapse(gen) })
	default:
		if err := w.pipe.abort(); err != nil {
			pkg.LogDebug(pkg.ComponentRequest, "abort failed", "owner", w.name, "error", err)
			w.complete(w.gen, pkg.TransferStatusCancelled, 0)
		}
	}
}

// stepper runs a step function until it reports that it is waiting on an
// external event. A kick that arrives while steps are running is folded
// into the running loop instead of recursing.
type stepper struct {
	running bool
	again   bool
}

func (s *stepper) kick(step func() bool) {
	if s.running {
		s.again = true
		return
	}
	s.running = true
	for {
		s.again = false
		for step() {
		}
		if !s.again {
			break
		}
	}
	s.running = false
}

// gate serializes the machines sharing one control endpoint. A machine
// that cannot enter is woken in FIFO order when the holder leaves.
type gate struct {
	owner   any
	waiters []gateWaiter
}

type gateWaiter struct {
	owner any
	wake  func()
}

func (g *gate) acquire(owner any, wake func()) bool {
	if g.owner == nil || g.owner == owner {
		g.owner = owner
		return true
	}
	for _, w := range g.waiters {
		if w.owner == owner {
			return false
		}
	}
	g.waiters = append(g.waiters, gateWaiter{owner: owner, wake: wake})
	return false
}

func (g *gate) release(owner any, post func(func())) {
	if g.owner != owner {
		return
	}
	g.owner = nil
	if len(g.waiters) == 0 {
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	g.owner = next.owner
	post(next.wake)
}

// drop removes owner from the gate entirely.
func (g *gate) drop(owner any, post func(func())) {
	for i, w := range g.waiters {
		if w.owner == owner {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			break
		}
	}
	g.release(owner, post)
}
