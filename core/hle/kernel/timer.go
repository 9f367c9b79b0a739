package kernel

import (
	"github.com/Otakusd/citra/core/clog"
	"github.com/Otakusd/citra/core/timing"
)

// Timer is an event that signals itself off the timing wheel, optionally
// rearming on an interval.
type Timer struct {
	waitObject

	manager *TimerManager

	resetType ResetType
	signaled  bool

	// callbackID keys this timer's wakeups on the timing wheel.
	callbackID uint64

	initialDelay  int64
	intervalDelay int64
}

// CreateTimer makes a timer with the given reset semantics.
func (k *Kernel) CreateTimer(resetType ResetType, name string) *Timer {
	tm := k.timerManager
	t := &Timer{manager: tm, resetType: resetType}
	t.id = k.newObjectID()
	t.name = name
	t.self = t
	t.callbackID = tm.nextCallbackID
	tm.nextCallbackID++
	tm.callbackTable[t.callbackID] = t
	return t
}

func (t *Timer) HandleType() HandleType { return HandleTypeTimer }

func (t *Timer) ResetType() ResetType { return t.resetType }

func (t *Timer) Signaled() bool { return t.signaled }

func (t *Timer) ShouldWait(thread *Thread) bool {
	return !t.signaled
}

func (t *Timer) Acquire(thread *Thread) {
	if t.ShouldWait(thread) {
		panic("kernel: acquiring unavailable timer")
	}
	if t.resetType == ResetOneShot {
		t.signaled = false
	}
}

// Set arms the timer: signal after initial nanoseconds, then every
// interval nanoseconds if non-zero. An initial of zero signals at once.
func (t *Timer) Set(initial, interval int64) {
	// Ensure we get rid of any previous scheduled event.
	t.Cancel()
	t.initialDelay = initial
	t.intervalDelay = interval
	if initial == 0 {
		t.signalFired(0)
		return
	}
	t.manager.kernel.timing.ScheduleEvent(timing.NsToCycles(initial),
		t.manager.callbackEventType, t.callbackID)
}

// Cancel disarms the timer.
func (t *Timer) Cancel() {
	t.manager.kernel.timing.UnscheduleEvent(t.manager.callbackEventType, t.callbackID)
}

// Clear resets the signalled state.
func (t *Timer) Clear() {
	t.signaled = false
}

func (t *Timer) WakeupAllWaitingThreads() {
	t.waitObject.WakeupAllWaitingThreads()
	if t.resetType == ResetPulse {
		t.signaled = false
	}
}

func (t *Timer) signalFired(cyclesLate int64) {
	clog.Tracef(clog.Kernel, "timer %d fired", t.ObjectID())
	t.signaled = true
	t.WakeupAllWaitingThreads()
	if t.intervalDelay != 0 {
		// Reschedule the timer with the interval delay, accounting for
		// how late this firing was delivered.
		t.manager.kernel.timing.ScheduleEvent(
			timing.NsToCycles(t.intervalDelay)-cyclesLate,
			t.manager.callbackEventType, t.callbackID)
	}
}

func (t *Timer) destroy() {
	t.Cancel()
	delete(t.manager.callbackTable, t.callbackID)
}

// TimerManager routes timing-wheel firings back to timer objects.
type TimerManager struct {
	kernel *Kernel

	nextCallbackID    uint64
	callbackTable     map[uint64]*Timer
	callbackEventType timing.EventType
}

func newTimerManager(k *Kernel) *TimerManager {
	tm := &TimerManager{kernel: k, callbackTable: make(map[uint64]*Timer)}
	tm.callbackEventType = k.timing.RegisterEvent("TimerCallback",
		func(userdata uint64, cyclesLate int64) {
			t := tm.callbackTable[userdata]
			if t == nil {
				clog.Errorf(clog.Kernel, "timer callback fired for invalid timer %016X", userdata)
				return
			}
			t.signalFired(cyclesLate)
		})
	return tm
}
