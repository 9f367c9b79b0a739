package kernel

import "testing"

func TestMutexBasics(t *testing.T) {
	k, p := newTestKernel(t)
	holder := newTestThread(t, k, p, 40)
	other := newTestThread(t, k, p, 40)
	m := k.CreateMutex(false, "m")

	if m.ShouldWait(holder) {
		t.Fatal("free mutex should not block")
	}
	m.Acquire(holder)
	if m.HoldingThread() != holder {
		t.Fatal("holder not recorded")
	}
	if !m.ShouldWait(other) {
		t.Fatal("held mutex must block other threads")
	}
	if m.ShouldWait(holder) {
		t.Fatal("held mutex must not block its holder")
	}

	// Reentrancy: acquiring again bumps the lock count and needs two
	// releases.
	m.Acquire(holder)
	if m.LockCount() != 2 {
		t.Fatalf("lock count = %d, want 2", m.LockCount())
	}
	if code := m.Release(holder); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.HoldingThread() != holder {
		t.Fatal("mutex released too early")
	}
	if code := m.Release(holder); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.HoldingThread() != nil {
		t.Fatal("mutex still held after final release")
	}
}

func TestMutexReleaseByNonHolder(t *testing.T) {
	k, p := newTestKernel(t)
	holder := newTestThread(t, k, p, 40)
	thief := newTestThread(t, k, p, 40)
	m := k.CreateMutex(false, "m")
	m.Acquire(holder)

	if code := m.Release(thief); code.IsSuccess() {
		t.Fatal("non-holder release succeeded")
	}
}

func TestMutexReleaseRestoresShouldWait(t *testing.T) {
	k, p := newTestKernel(t)
	thread := newTestThread(t, k, p, 40)
	m := k.CreateMutex(false, "m")
	m.Acquire(thread)
	if code := m.Release(thread); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.ShouldWait(thread) {
		t.Fatal("released mutex should be acquirable again")
	}
}

// A high-priority waiter boosts the holder until release; on release
// ownership moves to the waiter and the old holder's priority restores.
func TestMutexPriorityInheritance(t *testing.T) {
	k, p := newTestKernel(t)
	a := newTestThread(t, k, p, 20)
	newTestThread(t, k, p, 40)
	c := newTestThread(t, k, p, 60)

	m := k.CreateMutex(false, "m")
	m.Acquire(c)

	blockOn(a, m)
	if c.CurrentPriority() != 20 {
		t.Fatalf("holder priority = %d, want boost to 20", c.CurrentPriority())
	}
	if c.Priority() != 60 {
		t.Fatal("nominal priority must not change")
	}

	if code := m.Release(c); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.HoldingThread() != a {
		t.Fatal("ownership did not transfer to the waiter")
	}
	if c.CurrentPriority() != 60 {
		t.Fatalf("old holder priority = %d, want restore to 60", c.CurrentPriority())
	}
	if a.Status() != StatusReady {
		t.Fatal("new holder was not resumed")
	}
}

// Ownership transfers FIFO among equal-priority waiters.
func TestMutexFIFOTransferAtEqualPriority(t *testing.T) {
	k, p := newTestKernel(t)
	h := newTestThread(t, k, p, 50)
	w1 := newTestThread(t, k, p, 50)
	w2 := newTestThread(t, k, p, 50)

	m := k.CreateMutex(false, "m")
	m.Acquire(h)
	blockOn(w1, m)
	blockOn(w2, m)

	if code := m.Release(h); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.HoldingThread() != w1 {
		t.Fatal("mutex did not transfer to the first waiter")
	}
	if w2.Status() != StatusWaitSynchAny {
		t.Fatal("second waiter should still be blocked")
	}
}

// Transfer prefers the best priority over arrival order.
func TestMutexTransferPrefersPriority(t *testing.T) {
	k, p := newTestKernel(t)
	h := newTestThread(t, k, p, 50)
	slow := newTestThread(t, k, p, 55)
	fast := newTestThread(t, k, p, 45)

	m := k.CreateMutex(false, "m")
	m.Acquire(h)
	blockOn(slow, m)
	blockOn(fast, m)

	if code := m.Release(h); code.IsError() {
		t.Fatalf("release failed: %08X", uint32(code))
	}
	if m.HoldingThread() != fast {
		t.Fatal("mutex did not transfer to the best-priority waiter")
	}
}

// A dying thread's held mutexes transfer to their waiters.
func TestMutexReleasedOnThreadExit(t *testing.T) {
	k, p := newTestKernel(t)
	h := newTestThread(t, k, p, 40)
	w := newTestThread(t, k, p, 41)

	m := k.CreateMutex(false, "m")
	m.Acquire(h)
	blockOn(w, m)

	// Make the holder current so Stop behaves like ExitThread.
	k.ThreadManager().Reschedule()
	h.Stop()
	if m.HoldingThread() != w {
		t.Fatal("mutex did not transfer on holder exit")
	}
	if len(h.heldMutexes) != 0 {
		t.Fatal("dead thread still holds mutexes")
	}
}

func TestCreateMutexInitiallyLocked(t *testing.T) {
	k, p := newTestKernel(t)
	thread := newTestThread(t, k, p, 40)
	k.ThreadManager().Reschedule()
	if k.ThreadManager().CurrentThread() != thread {
		t.Fatal("expected the new thread to run")
	}

	m := k.CreateMutex(true, "m")
	if m.HoldingThread() != thread {
		t.Fatal("initially locked mutex not held by the creating thread")
	}
	if m.ShouldWait(thread) {
		t.Fatal("creator must be able to reacquire")
	}
}
