package sim

import (
	"container/heap"
	"time"

	"github.com/ardnew/usbenum/host/hal"
)

// event is one scheduled callback on the virtual clock.
type event struct {
	at    time.Duration
	seq   uint64
	fn    func()
	index int // heap position, -1 once popped or removed
}

// eventQueue orders events by due time, then by scheduling order.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.index = -1
	*q = old[:n-1]
	return ev
}

// schedule queues fn to run d after the current virtual time.
// Caller must hold b.mu.
func (b *Bus) schedule(d time.Duration, fn func()) *event {
	b.seq++
	ev := &event{at: b.now + d, seq: b.seq, fn: fn}
	heap.Push(&b.events, ev)
	return ev
}

// cancel removes a scheduled event. It reports whether the event was still
// queued. Caller must hold b.mu.
func (b *Bus) cancel(ev *event) bool {
	if ev == nil || ev.index < 0 {
		return false
	}
	heap.Remove(&b.events, ev.index)
	ev.index = -1
	return true
}

// Now returns the elapsed virtual time.
func (b *Bus) Now() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now
}

// Pending returns the number of scheduled events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events.Len()
}

// Step advances virtual time to the next scheduled event and runs it.
// It returns false when nothing is scheduled.
func (b *Bus) Step() bool {
	b.mu.Lock()
	if b.events.Len() == 0 {
		b.mu.Unlock()
		return false
	}
	ev := heap.Pop(&b.events).(*event)
	b.now = ev.at
	b.mu.Unlock()

	ev.fn()
	return true
}

// Advance runs every event due within d and then moves virtual time
// forward by d.
func (b *Bus) Advance(d time.Duration) {
	b.mu.Lock()
	deadline := b.now + d
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if b.events.Len() == 0 || b.events[0].at > deadline {
			if b.now < deadline {
				b.now = deadline
			}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
		b.Step()
	}
}

// timer implements hal.Timer on the virtual clock.
type timer struct {
	bus *Bus
	ev  *event
}

// Stop implements hal.Timer.
func (t *timer) Stop() bool {
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	return t.bus.cancel(t.ev)
}

// AfterFunc implements [hal.Timers] on the virtual clock.
func (b *Bus) AfterFunc(d time.Duration, f func()) hal.Timer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &timer{bus: b, ev: b.schedule(d, f)}
}
