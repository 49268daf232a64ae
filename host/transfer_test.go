package host

import (
	"context"
	"testing"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/efficientgo/core/testutil"

	"github.com/ardnew/usbenum/host/hal"
	"github.com/ardnew/usbenum/host/hal/sim"
	"github.com/ardnew/usbenum/pkg"
)

// spin runs the loop and the virtual clock until cond holds, sleeping when
// there is nothing to do so client goroutines can post work.
func (h *harness) spin(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatal("timed out")
		}
		h.c.Poll()
		if !h.bus.Step() {
			time.Sleep(time.Millisecond)
		}
	}
}

// await runs fn on its own goroutine and drives the controller until it
// returns.
func (h *harness) await(fn func() (int, error)) (int, error) {
	h.t.Helper()
	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n: n, err: err}
	}()
	var r result
	h.spin(func() bool {
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	})
	return r.n, r.err
}

func openLoopback(t *testing.T) (*harness, *sim.Device, InterfaceID) {
	t.Helper()
	h := newHarness(t, 1)
	dev := sim.NewDevice(0x1234, 0x0100, hal.SpeedHigh)
	testutil.Ok(t, h.bus.Attach(1, dev))
	h.start()
	testutil.Equals(t, 1, len(h.events))
	return h, dev, h.events[0].Interface
}

func TestOpen_Exclusivity(t *testing.T) {
	h, _, id := openLoopback(t)

	a, err := h.c.Open(id, false)
	testutil.Ok(t, err)
	b, err := h.c.Open(id, false)
	testutil.Ok(t, err)
	_, err = h.c.Open(id, true)
	testutil.Assert(t, errors.Is(err, pkg.ErrBusy), "exclusive over shared: %v", err)

	testutil.Ok(t, a.Close())
	testutil.Ok(t, b.Close())
	testutil.Assert(t, errors.Is(b.Close(), pkg.ErrNotOpen), "second close")

	x, err := h.c.Open(id, true)
	testutil.Ok(t, err)
	testutil.Equals(t, id, x.Interface())
	_, err = h.c.Open(id, false)
	testutil.Assert(t, errors.Is(err, pkg.ErrBusy), "shared over exclusive: %v", err)
	testutil.Ok(t, x.Close())

	_, err = h.c.Open(InterfaceID(0), false)
	testutil.Assert(t, errors.Is(err, pkg.ErrUnknownID), "unknown interface: %v", err)
}

func TestHandle_BulkLoopback(t *testing.T) {
	h, _, id := openLoopback(t)
	hd, err := h.c.Open(id, true)
	testutil.Ok(t, err)
	defer func() { _ = hd.Close() }()

	n, err := h.await(func() (int, error) { return hd.Transfer(context.Background(), 0x01, []byte("ping")) })
	testutil.Ok(t, err)
	testutil.Equals(t, 4, n)

	buf := make([]byte, 64)
	n, err = h.await(func() (int, error) { return hd.Transfer(context.Background(), 0x81, buf) })
	testutil.Ok(t, err)
	testutil.Equals(t, "ping", string(buf[:n]))

	_, err = h.await(func() (int, error) { return hd.Transfer(context.Background(), 0x82, buf) })
	testutil.Assert(t, errors.Is(err, pkg.ErrInvalidParameter), "foreign endpoint: %v", err)
}

func TestHandle_Control(t *testing.T) {
	h, _, id := openLoopback(t)
	hd, err := h.c.Open(id, false)
	testutil.Ok(t, err)
	defer func() { _ = hd.Close() }()

	status := make([]byte, 2)
	n, err := h.await(func() (int, error) {
		return hd.Control(context.Background(), hal.GetDeviceStatus(), status)
	})
	testutil.Ok(t, err)
	testutil.Equals(t, 2, n)
}

func TestHandle_CancelInFlight(t *testing.T) {
	h, dev, id := openLoopback(t)
	hd, err := h.c.Open(id, true)
	testutil.Ok(t, err)
	defer func() { _ = hd.Close() }()

	d := h.device(1)
	dev.Faults.HangRequests = 1
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan result, 1)
	go func() {
		n, err := hd.Transfer(ctx, 0x01, []byte("stuck"))
		done <- result{n: n, err: err}
	}()
	h.spin(func() bool { return dev.Faults.HangRequests == 0 && len(d.endpoints) > 0 })
	cancel()
	var r result
	h.spin(func() bool {
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	})
	testutil.Assert(t, errors.Is(r.err, pkg.ErrCancelled), "got %v", r.err)

	// The handle keeps working afterwards.
	n, err := h.await(func() (int, error) { return hd.Transfer(context.Background(), 0x01, []byte("ok")) })
	testutil.Ok(t, err)
	testutil.Equals(t, 2, n)
}

func TestHandle_RemovalEndsTransfer(t *testing.T) {
	h, dev, id := openLoopback(t)
	hd, err := h.c.Open(id, true)
	testutil.Ok(t, err)
	defer func() { _ = hd.Close() }()

	d := h.device(1)
	dev.Faults.HangRequests = 1
	done := make(chan result, 1)
	go func() {
		n, err := hd.Transfer(context.Background(), 0x81, make([]byte, 64))
		done <- result{n: n, err: err}
	}()
	h.spin(func() bool { return dev.Faults.HangRequests == 0 && len(d.ops) > 0 })

	testutil.Ok(t, h.bus.Detach(1))
	var r result
	h.spin(func() bool {
		select {
		case r = <-done:
			return true
		default:
			return false
		}
	})
	testutil.Assert(t, errors.Is(r.err, pkg.ErrRemoved), "got %v", r.err)

	h.settle()
	testutil.Equals(t, 1, h.frees[d.id])
	testutil.Equals(t, 1, len(h.c.devices))
	testutil.Equals(t, 0, h.c.addresses.Cardinality())
}

func TestHandle_Errors(t *testing.T) {
	h, _, id := openLoopback(t)
	hd, err := h.c.Open(id, false)
	testutil.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = hd.Transfer(ctx, 0x01, nil)
	testutil.Assert(t, errors.Is(err, pkg.ErrCancelled), "done context: %v", err)

	testutil.Ok(t, h.bus.Detach(1))
	h.settle()
	_, err = h.await(func() (int, error) { return hd.Transfer(context.Background(), 0x01, []byte("x")) })
	testutil.Assert(t, errors.Is(err, pkg.ErrRemoved), "removed device: %v", err)

	testutil.Ok(t, h.c.Stop())
	_, err = hd.Transfer(context.Background(), 0x01, nil)
	testutil.Assert(t, errors.Is(err, pkg.ErrNotRunning), "stopped controller: %v", err)

	testutil.Ok(t, hd.Close())
	_, err = hd.Control(context.Background(), hal.GetDeviceStatus(), nil)
	testutil.Assert(t, errors.Is(err, pkg.ErrNotOpen), "closed handle: %v", err)
}
