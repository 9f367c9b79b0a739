// Package timing is the guest-cycle timebase: a tick counter plus a wheel
// of scheduled callbacks the kernel keys by thread or timer id.
package timing

import "container/heap"

// BaseClockRate is the ARM11 core clock in Hz; nanosecond timeouts from
// guest code convert into cycles against it.
const BaseClockRate = 268111856

// NsToCycles converts a nanosecond interval to core cycles without
// overflowing for any non-negative interval.
func NsToCycles(ns int64) int64 {
	return ns/1000000000*BaseClockRate + ns%1000000000*BaseClockRate/1000000000
}

// EventType identifies a registered callback.
type EventType int

// Callback receives the userdata the event was scheduled with and how many
// cycles past its due time it fired.
type Callback func(userdata uint64, cyclesLate int64)

type eventTypeInfo struct {
	name     string
	callback Callback
}

type event struct {
	due      uint64
	seq      uint64
	typ      EventType
	userdata uint64
}

type eventHeap []event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Timing owns the tick counter and the pending event queue. It is not
// safe for concurrent use; callers serialise through the HLE lock.
type Timing struct {
	ticks   uint64
	nextSeq uint64
	types   []eventTypeInfo
	events  eventHeap
}

func New() *Timing {
	return &Timing{}
}

// RegisterEvent names a callback and returns its type token.
func (t *Timing) RegisterEvent(name string, cb Callback) EventType {
	t.types = append(t.types, eventTypeInfo{name: name, callback: cb})
	return EventType(len(t.types) - 1)
}

// ScheduleEvent queues the event type to fire after the given number of
// cycles, carrying userdata through to the callback.
func (t *Timing) ScheduleEvent(cyclesInto int64, typ EventType, userdata uint64) {
	due := t.ticks
	if cyclesInto > 0 {
		due += uint64(cyclesInto)
	}
	t.nextSeq++
	heap.Push(&t.events, event{due: due, seq: t.nextSeq, typ: typ, userdata: userdata})
}

// UnscheduleEvent drops every pending event matching (type, userdata).
func (t *Timing) UnscheduleEvent(typ EventType, userdata uint64) {
	kept := t.events[:0]
	for _, e := range t.events {
		if e.typ == typ && e.userdata == userdata {
			continue
		}
		kept = append(kept, e)
	}
	t.events = kept
	heap.Init(&t.events)
}

// GetTicks returns the current tick count.
func (t *Timing) GetTicks() uint64 { return t.ticks }

// AddTicks advances the counter without delivering events.
func (t *Timing) AddTicks(n uint64) { t.ticks += n }

// Advance moves time forward and delivers every event that came due, in
// due order with FIFO tie-breaking.
func (t *Timing) Advance(cycles int64) {
	if cycles > 0 {
		t.ticks += uint64(cycles)
	}
	for len(t.events) > 0 && t.events[0].due <= t.ticks {
		e := heap.Pop(&t.events).(event)
		t.types[e.typ].callback(e.userdata, int64(t.ticks-e.due))
	}
}
