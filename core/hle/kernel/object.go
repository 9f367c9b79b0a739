package kernel

// HandleType tags the concrete variant of a kernel object.
type HandleType int

const (
	HandleTypeUnknown HandleType = iota
	HandleTypeEvent
	HandleTypeMutex
	HandleTypeSharedMemory
	HandleTypeThread
	HandleTypeProcess
	HandleTypeAddressArbiter
	HandleTypeSemaphore
	HandleTypeTimer
	HandleTypeResourceLimit
	HandleTypeClientPort
	HandleTypeServerPort
	HandleTypeClientSession
	HandleTypeServerSession
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeEvent:
		return "Event"
	case HandleTypeMutex:
		return "Mutex"
	case HandleTypeSharedMemory:
		return "SharedMemory"
	case HandleTypeThread:
		return "Thread"
	case HandleTypeProcess:
		return "Process"
	case HandleTypeAddressArbiter:
		return "AddressArbiter"
	case HandleTypeSemaphore:
		return "Semaphore"
	case HandleTypeTimer:
		return "Timer"
	case HandleTypeResourceLimit:
		return "ResourceLimit"
	case HandleTypeClientPort:
		return "ClientPort"
	case HandleTypeServerPort:
		return "ServerPort"
	case HandleTypeClientSession:
		return "ClientSession"
	case HandleTypeServerSession:
		return "ServerSession"
	default:
		return "Unknown"
	}
}

// Object is the common surface of every kernel object. Objects are shared:
// many handles may reference one object, and the handle table tracks the
// strong references; when the last one drops the object finalizes.
type Object interface {
	ObjectID() uint32
	Name() string
	HandleType() HandleType

	base() *kernelObject
}

// destructible objects run teardown when their last strong reference drops.
type destructible interface {
	destroy()
}

type kernelObject struct {
	id        uint32
	name      string
	refs      int
	destroyed bool
}

func (o *kernelObject) ObjectID() uint32 { return o.id }

func (o *kernelObject) Name() string { return o.name }

func (o *kernelObject) base() *kernelObject { return o }

// open takes a strong reference.
func open(o Object) {
	o.base().refs++
}

// release drops a strong reference, finalizing on the last one.
func release(o Object) {
	b := o.base()
	b.refs--
	if b.refs > 0 || b.destroyed {
		return
	}
	b.destroyed = true
	if d, ok := o.(destructible); ok {
		d.destroy()
	}
}

// WakeupReason tells a resuming thread why it woke.
type WakeupReason int

const (
	WakeupSignal WakeupReason = iota
	WakeupTimeout
)

// WaitObject is a kernel object threads can block on. ShouldWait asks
// whether acquisition is currently blocked for a thread; Acquire performs
// the acquisition side effect and must only run when ShouldWait is false.
type WaitObject interface {
	Object

	ShouldWait(t *Thread) bool
	Acquire(t *Thread)

	AddWaitingThread(t *Thread)
	RemoveWaitingThread(t *Thread)
	WakeupAllWaitingThreads()
	WaitingThreads() []*Thread
}

// waitObject is the embedded waiter-set implementation. The self field
// holds the outer object so the resumption loop dispatches to the concrete
// ShouldWait/Acquire.
type waitObject struct {
	kernelObject
	self    WaitObject
	waiting []*Thread
}

func (w *waitObject) AddWaitingThread(t *Thread) {
	for _, cur := range w.waiting {
		if cur == t {
			return
		}
	}
	w.waiting = append(w.waiting, t)
}

func (w *waitObject) RemoveWaitingThread(t *Thread) {
	for i, cur := range w.waiting {
		if cur == t {
			w.waiting = append(w.waiting[:i], w.waiting[i+1:]...)
			return
		}
	}
}

// WaitingThreads returns the waiter set in arrival order.
func (w *waitObject) WaitingThreads() []*Thread {
	return w.waiting
}

// highestPriorityReadyThread scans the waiter set in arrival order for the
// best-priority thread whose wait can complete now. Ties keep the earliest
// arrival.
func (w *waitObject) highestPriorityReadyThread() *Thread {
	var candidate *Thread
	candidatePriority := ThreadPrioLowest + 1
	for _, t := range w.waiting {
		if t.currentPriority >= candidatePriority {
			continue
		}
		if w.self.ShouldWait(t) {
			continue
		}
		readyToRun := true
		if t.status == StatusWaitSynchAll {
			for _, obj := range t.waitObjects {
				if obj.ShouldWait(t) {
					readyToRun = false
					break
				}
			}
		}
		if readyToRun {
			candidate = t
			candidatePriority = t.currentPriority
		}
	}
	return candidate
}

// WakeupAllWaitingThreads resumes every waiter whose wait is now
// satisfiable, acquiring on its behalf and delivering the Signal wakeup
// before it is scheduled back in.
func (w *waitObject) WakeupAllWaitingThreads() {
	for t := w.highestPriorityReadyThread(); t != nil; t = w.highestPriorityReadyThread() {
		if t.status != StatusWaitSynchAll {
			w.self.Acquire(t)
		} else {
			for _, obj := range t.waitObjects {
				obj.Acquire(t)
			}
		}
		t.invokeWakeup(WakeupSignal, w.self)
		for _, obj := range t.waitObjects {
			obj.RemoveWaitingThread(t)
		}
		t.waitObjects = nil
		t.ResumeFromWait()
	}
}
