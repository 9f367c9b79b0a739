package kernel

import "github.com/Otakusd/citra/core/hle/result"

// Mutex is a reentrant lock whose ownership transfers to the best waiting
// thread on release. Contention boosts the holder through priority
// inheritance.
type Mutex struct {
	waitObject

	lockCount     int
	holdingThread *Thread

	// priority is the inherited priority this mutex contributes to its
	// holder: the best priority among the threads pending on it.
	priority uint32
}

// CreateMutex makes a mutex, optionally acquired by the current thread.
func (k *Kernel) CreateMutex(initialLocked bool, name string) *Mutex {
	m := &Mutex{priority: ThreadPrioLowest}
	m.id = k.newObjectID()
	m.name = name
	m.self = m

	// Acquire the mutex on behalf of the creating thread.
	if initialLocked {
		m.Acquire(k.threadManager.CurrentThread())
	}
	return m
}

func (m *Mutex) HandleType() HandleType { return HandleTypeMutex }

func (m *Mutex) HoldingThread() *Thread { return m.holdingThread }

func (m *Mutex) LockCount() int { return m.lockCount }

func (m *Mutex) ShouldWait(t *Thread) bool {
	return m.holdingThread != nil && m.holdingThread != t
}

func (m *Mutex) Acquire(t *Thread) {
	if m.ShouldWait(t) {
		panic("kernel: acquiring unavailable mutex")
	}
	if m.lockCount == 0 {
		m.priority = t.currentPriority
		m.holdingThread = t
		t.heldMutexes = append(t.heldMutexes, m)
	}
	m.lockCount++
}

// Release unlocks one level of the mutex. Only the holder may release.
func (m *Mutex) Release(t *Thread) result.Code {
	if t != m.holdingThread {
		return result.ErrWrongLockingThread
	}
	m.lockCount--
	if m.lockCount == 0 {
		removeHeldMutex(m.holdingThread, m)
		m.holdingThread.UpdatePriority()
		m.holdingThread = nil
		m.WakeupAllWaitingThreads()
	}
	return result.Success
}

// AddWaitingThread also threads the mutex into the waiter's pending set
// and re-propagates priority to the holder.
func (m *Mutex) AddWaitingThread(t *Thread) {
	m.waitObject.AddWaitingThread(t)
	t.pendingMutexes = append(t.pendingMutexes, m)
	m.UpdatePriority()
}

func (m *Mutex) RemoveWaitingThread(t *Thread) {
	m.waitObject.RemoveWaitingThread(t)
	for i, cur := range t.pendingMutexes {
		if cur == m {
			t.pendingMutexes = append(t.pendingMutexes[:i], t.pendingMutexes[i+1:]...)
			break
		}
	}
	m.UpdatePriority()
}

// UpdatePriority recomputes the inherited priority from the pending
// waiters and pushes a change through the holder.
func (m *Mutex) UpdatePriority() {
	if m.holdingThread == nil {
		return
	}
	best := ThreadPrioLowest
	for _, t := range m.waiting {
		if t.currentPriority < best {
			best = t.currentPriority
		}
	}
	if best != m.priority {
		m.priority = best
		m.holdingThread.UpdatePriority()
	}
}

func removeHeldMutex(t *Thread, m *Mutex) {
	for i, cur := range t.heldMutexes {
		if cur == m {
			t.heldMutexes = append(t.heldMutexes[:i], t.heldMutexes[i+1:]...)
			return
		}
	}
}

// releaseThreadMutexes force-releases every mutex a dying thread holds and
// hands each to its waiters.
func releaseThreadMutexes(t *Thread) {
	held := t.heldMutexes
	t.heldMutexes = nil
	for _, m := range held {
		m.lockCount = 0
		m.holdingThread = nil
		m.WakeupAllWaitingThreads()
	}
}
