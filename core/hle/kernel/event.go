package kernel

// ResetType selects how a signalled object returns to non-signalled.
type ResetType int

const (
	// ResetOneShot un-signals when the first waiter acquires.
	ResetOneShot ResetType = iota
	// ResetSticky stays signalled until cleared explicitly.
	ResetSticky
	// ResetPulse releases the current waiters and immediately
	// un-signals.
	ResetPulse
)

// Event is a signal-flag wait object.
type Event struct {
	waitObject

	resetType ResetType
	signaled  bool
}

// CreateEvent makes an event with the given reset semantics.
func (k *Kernel) CreateEvent(resetType ResetType, name string) *Event {
	e := &Event{resetType: resetType}
	e.id = k.newObjectID()
	e.name = name
	e.self = e
	return e
}

func (e *Event) HandleType() HandleType { return HandleTypeEvent }

func (e *Event) ResetType() ResetType { return e.resetType }

func (e *Event) Signaled() bool { return e.signaled }

func (e *Event) ShouldWait(t *Thread) bool {
	return !e.signaled
}

func (e *Event) Acquire(t *Thread) {
	if e.ShouldWait(t) {
		panic("kernel: acquiring unavailable event")
	}
	if e.resetType == ResetOneShot {
		e.signaled = false
	}
}

// Signal sets the event and wakes waiters per the reset semantics.
func (e *Event) Signal() {
	e.signaled = true
	e.WakeupAllWaitingThreads()
}

// Clear resets the signalled state.
func (e *Event) Clear() {
	e.signaled = false
}

func (e *Event) WakeupAllWaitingThreads() {
	e.waitObject.WakeupAllWaitingThreads()
	if e.resetType == ResetPulse {
		e.signaled = false
	}
}
