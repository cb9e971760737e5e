// Package simclock implements the deterministic discrete-event scheduler
// that drives every other component in fabricsim: nothing in the fabric
// touches a wall clock, everything advances through scheduled callbacks.
package simclock

import (
	"container/heap"

	"github.com/pkg/errors"
)

// Callback is invoked when its scheduled event fires. args are passed
// through verbatim from the call to ScheduleAt/ScheduleIn.
type Callback func(args ...any)

// ErrPastSchedule is returned by ScheduleAt when the requested time is
// earlier than the simulator's current clock.
var ErrPastSchedule = errors.New("simclock: cannot schedule an event in the past")

// ErrNegativeDelay is returned by ScheduleIn when delay is negative.
var ErrNegativeDelay = errors.New("simclock: delay must be non-negative")

type event struct {
	at       float64
	priority int
	order    int64
	cb       Callback
	args     []any
}

// eventHeap orders events lexicographically by (at, priority, order), which
// is exactly the FIFO-among-ties guarantee the simulator promises.
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].order < h[j].order
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*event)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Simulator is a deterministic, single-threaded discrete-event scheduler.
// Two runs with identical enqueue histories produce identical callback
// orderings and an identical final clock (spec invariant I9).
type Simulator struct {
	clock   float64
	queue   eventHeap
	counter int64
	running bool
}

// New returns a Simulator whose clock starts at startTime (0 if omitted by
// the caller passing 0 directly).
func New(startTime float64) *Simulator {
	s := &Simulator{clock: startTime}
	heap.Init(&s.queue)
	return s
}

// Now returns the current simulated time.
func (s *Simulator) Now() float64 { return s.clock }

// Pending reports how many events are currently queued.
func (s *Simulator) Pending() int { return len(s.queue) }

// ScheduleAt schedules cb to run at the given absolute simulated time. It
// fails with ErrPastSchedule if at < Now().
func (s *Simulator) ScheduleAt(at float64, priority int, cb Callback, args ...any) error {
	if at < s.clock {
		return ErrPastSchedule
	}
	s.counter++
	heap.Push(&s.queue, &event{at: at, priority: priority, order: s.counter, cb: cb, args: args})
	return nil
}

// ScheduleIn schedules cb to run delay simulated-time-units from now. It
// fails with ErrNegativeDelay if delay < 0.
func (s *Simulator) ScheduleIn(delay float64, priority int, cb Callback, args ...any) error {
	if delay < 0 {
		return ErrNegativeDelay
	}
	return s.ScheduleAt(s.clock+delay, priority, cb, args...)
}

// RunOptions bounds a call to Run.
type RunOptions struct {
	// Until, if non-nil, stops processing once the next event's scheduled
	// time would exceed it; that event is re-pushed, unconsumed.
	Until *float64
	// MaxEvents, if non-nil, stops processing after that many callbacks.
	MaxEvents *int
}

// Run pops events in heap order, advancing the clock to each event's
// scheduled time before invoking its callback. Callbacks are trusted: a
// panicking callback aborts Run and propagates, per spec.md §4.1's
// "callbacks are trusted" failure model — Run does not recover panics.
func (s *Simulator) Run(opts RunOptions) {
	processed := 0
	s.running = true
	for len(s.queue) > 0 && s.running {
		next := s.queue[0]
		if opts.Until != nil && next.at > *opts.Until {
			break
		}
		ev := heap.Pop(&s.queue).(*event)
		s.clock = ev.at
		ev.cb(ev.args...)
		processed++
		if opts.MaxEvents != nil && processed >= *opts.MaxEvents {
			break
		}
	}
	s.running = false
}

// Stop halts Run after the currently executing callback returns.
func (s *Simulator) Stop() { s.running = false }

// Clear discards every pending event.
func (s *Simulator) Clear() { s.queue = s.queue[:0] }
