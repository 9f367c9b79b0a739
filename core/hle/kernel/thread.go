package kernel

import (
	"fmt"

	"github.com/Otakusd/citra/core/arm"
	"github.com/Otakusd/citra/core/clog"
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
	"github.com/Otakusd/citra/core/timing"
)

// Thread priority bounds; numerically lower is better.
const (
	ThreadPrioHighest     uint32 = 0
	ThreadPrioUserlandMax uint32 = 0x18
	ThreadPrioDefault     uint32 = 0x30
	ThreadPrioLowest      uint32 = 0x3F
)

// Processor id selectors for CreateThread.
const (
	ThreadProcessorIDDefault int32 = -2
	ThreadProcessorIDAll     int32 = -1
	ThreadProcessorID0       int32 = 0
	ThreadProcessorID1       int32 = 1
	ThreadProcessorIDMax     int32 = 2
)

// ThreadStatus is the thread state machine.
type ThreadStatus int

const (
	StatusRunning ThreadStatus = iota
	StatusReady
	StatusWaitArb
	StatusWaitSleep
	StatusWaitIPC
	StatusWaitSynchAny
	StatusWaitSynchAll
	StatusWaitHleEvent
	StatusDormant
	StatusDead
)

// wakeupKind selects what a resuming thread writes back into its saved
// registers; the data needed to finish the wait lives on the thread, so no
// closures are stored.
type wakeupKind int

const (
	wakeupNone wakeupKind = iota
	wakeupSynch1
	wakeupSynchN
	wakeupSynchAll
	wakeupArbiter
	wakeupReplyReceive
)

// Thread is both a schedulable entity and a wait object (waitable for
// thread death, as WaitSynchronization on a thread handle joins it).
type Thread struct {
	waitObject

	manager *ThreadManager
	owner   *Process

	threadID uint32
	status   ThreadStatus

	// Context is the saved register state while the thread is not running.
	Context arm.Context

	entryPoint memory.VAddr
	stackTop   memory.VAddr
	tlsAddress memory.VAddr

	nominalPriority uint32
	currentPriority uint32

	processorID      int32
	lastRunningTicks uint64

	waitObjects    []WaitObject
	heldMutexes    []*Mutex
	pendingMutexes []*Mutex

	// waitAddress keys arbiter parking.
	waitAddress memory.VAddr

	wakeup wakeupKind

	// mappedBufferContexts records in-flight IPC buffer mappings made
	// into this (server) thread's address space.
	mappedBufferContexts []mappedBufferContext
}

func (t *Thread) HandleType() HandleType { return HandleTypeThread }

func (t *Thread) ThreadID() uint32 { return t.threadID }

func (t *Thread) Status() ThreadStatus { return t.status }

func (t *Thread) Owner() *Process { return t.owner }

func (t *Thread) Priority() uint32 { return t.nominalPriority }

func (t *Thread) CurrentPriority() uint32 { return t.currentPriority }

// TLSAddress is the base of this thread's TLS slot.
func (t *Thread) TLSAddress() memory.VAddr { return t.tlsAddress }

// CommandBufferAddress is where this thread's IPC command buffer lives.
func (t *Thread) CommandBufferAddress() memory.VAddr {
	return t.tlsAddress + commandHeaderOffset
}

// A thread as a wait object signals on death.
func (t *Thread) ShouldWait(thread *Thread) bool { return t.status != StatusDead }

func (t *Thread) Acquire(thread *Thread) {
	if t.ShouldWait(thread) {
		panic("kernel: acquiring unavailable thread")
	}
}

// SetWaitSynchronizationResult writes the final result of a suspended SVC
// into the saved r0.
func (t *Thread) SetWaitSynchronizationResult(code result.Code) {
	t.Context.Regs[0] = uint32(code)
}

// SetWaitSynchronizationOutput writes the out index of a suspended
// WaitSynchronizationN into the saved r1.
func (t *Thread) SetWaitSynchronizationOutput(output int32) {
	t.Context.Regs[1] = uint32(output)
}

// waitObjectIndex returns the index of object in the thread's wait list;
// duplicate handles resolve to the last occurrence.
func (t *Thread) waitObjectIndex(object WaitObject) int32 {
	if len(t.waitObjects) == 0 {
		panic("kernel: thread isn't waiting for anything")
	}
	for i := len(t.waitObjects) - 1; i >= 0; i-- {
		if t.waitObjects[i] == object {
			return int32(i)
		}
	}
	return -1
}

// invokeWakeup finishes the suspended operation for the given reason
// before the thread is scheduled back in.
func (t *Thread) invokeWakeup(reason WakeupReason, object WaitObject) {
	switch t.wakeup {
	case wakeupNone:

	case wakeupSynch1, wakeupSynchAll:
		if reason == WakeupTimeout {
			t.SetWaitSynchronizationResult(result.Timeout)
			return
		}
		t.SetWaitSynchronizationResult(result.Success)

	case wakeupSynchN:
		if reason == WakeupTimeout {
			t.SetWaitSynchronizationResult(result.Timeout)
			return
		}
		t.SetWaitSynchronizationResult(result.Success)
		t.SetWaitSynchronizationOutput(t.waitObjectIndex(object))

	case wakeupArbiter:
		if reason == WakeupTimeout {
			t.SetWaitSynchronizationResult(result.Timeout)
		}

	case wakeupReplyReceive:
		if reason != WakeupSignal {
			panic("kernel: ReplyAndReceive woke without a signal")
		}
		code := result.Success
		if server, ok := object.(*ServerSession); ok {
			code = receiveIPCRequest(t.manager.kernel, server, t)
		}
		t.SetWaitSynchronizationResult(code)
		t.SetWaitSynchronizationOutput(t.waitObjectIndex(object))
	}
}

// PendingMutexes returns the mutexes this thread is queued on.
func (t *Thread) PendingMutexes() []*Mutex { return t.pendingMutexes }

func (t *Thread) beginWait(status ThreadStatus, kind wakeupKind, objects []WaitObject) {
	t.status = status
	for _, object := range objects {
		object.AddWaitingThread(t)
	}
	t.waitObjects = objects
	t.wakeup = kind
}

// BeginWaitSynch1 suspends the thread on a single object; the wakeup
// writes only the result code.
func (t *Thread) BeginWaitSynch1(object WaitObject) {
	t.beginWait(StatusWaitSynchAny, wakeupSynch1, []WaitObject{object})
}

// BeginWaitSynchAny suspends the thread until any object signals; the
// wakeup writes the result and the index of the waking object.
func (t *Thread) BeginWaitSynchAny(objects []WaitObject) {
	t.beginWait(StatusWaitSynchAny, wakeupSynchN, objects)
}

// BeginWaitSynchAll suspends the thread until every object is acquirable
// at once.
func (t *Thread) BeginWaitSynchAll(objects []WaitObject) {
	t.beginWait(StatusWaitSynchAll, wakeupSynchAll, objects)
}

// SetWakeupReplyReceive switches the pending wakeup to the IPC receive
// variant used by ReplyAndReceive.
func (t *Thread) SetWakeupReplyReceive() {
	t.wakeup = wakeupReplyReceive
}

// WakeAfterDelay schedules a timeout wakeup. -1 waits forever: nothing is
// scheduled.
func (t *Thread) WakeAfterDelay(nanoseconds int64) {
	if nanoseconds == -1 {
		return
	}
	t.manager.kernel.timing.ScheduleEvent(timing.NsToCycles(nanoseconds),
		t.manager.wakeupEventType, uint64(t.threadID))
}

// ResumeFromWait transitions a suspended thread back to Ready.
func (t *Thread) ResumeFromWait() {
	if len(t.waitObjects) != 0 {
		panic("kernel: thread is waking up while waiting for objects")
	}
	switch t.status {
	case StatusWaitSynchAll, StatusWaitSynchAny, StatusWaitHleEvent,
		StatusWaitArb, StatusWaitSleep, StatusWaitIPC:
	case StatusReady:
		// A thread waiting on multiple objects may be awoken more than
		// once before it actually runs; later wakeups are no-ops.
		return
	case StatusRunning, StatusDormant, StatusDead:
		clog.Errorf(clog.Kernel, "thread %d resumed from invalid status %d", t.threadID, t.status)
		return
	}
	t.wakeup = wakeupNone
	t.manager.readyQueue.PushBack(t.currentPriority, t)
	t.status = StatusReady
	t.manager.kernel.PrepareReschedule()
}

// SetPriority rewrites both nominal and current priority.
func (t *Thread) SetPriority(priority uint32) {
	if t.status == StatusReady {
		t.manager.readyQueue.Move(t, t.currentPriority, priority)
	}
	t.nominalPriority = priority
	t.currentPriority = priority
}

// BoostPriority temporarily lowers the effective priority value.
func (t *Thread) BoostPriority(priority uint32) {
	if t.status == StatusReady {
		t.manager.readyQueue.Move(t, t.currentPriority, priority)
	}
	t.currentPriority = priority
}

// UpdatePriority recomputes the effective priority from the nominal one
// and every held mutex's inherited priority.
func (t *Thread) UpdatePriority() {
	best := t.nominalPriority
	for _, m := range t.heldMutexes {
		if m.priority < best {
			best = m.priority
		}
	}
	if best != t.currentPriority {
		t.BoostPriority(best)
	}
}

// Stop kills the thread: cancels its wakeup, detaches it from every wait
// set, transfers its mutexes and frees its TLS slot.
func (t *Thread) Stop() {
	k := t.manager.kernel
	k.timing.UnscheduleEvent(t.manager.wakeupEventType, uint64(t.threadID))
	delete(t.manager.wakeupCallbackTable, t.threadID)

	if t.status == StatusReady {
		t.manager.readyQueue.Remove(t.currentPriority, t)
	}
	t.status = StatusDead
	t.WakeupAllWaitingThreads()

	for _, object := range t.waitObjects {
		object.RemoveWaitingThread(t)
	}
	t.waitObjects = nil

	releaseThreadMutexes(t)

	// Mark the TLS slot in the thread's page as free.
	tlsPage := (t.tlsAddress - memory.TLSAreaVAddr) / memory.PageSize
	tlsSlot := (t.tlsAddress - memory.TLSAreaVAddr) % memory.PageSize / memory.TLSEntrySize
	t.owner.tlsSlots[tlsPage] &^= 1 << tlsSlot
}

// ThreadManager owns the ready queue, the running thread and the wakeup
// plumbing.
type ThreadManager struct {
	kernel *Kernel

	currentThread *Thread
	threadList    []*Thread
	readyQueue    readyQueue

	nextThreadID        uint32
	wakeupCallbackTable map[uint32]*Thread
	wakeupEventType     timing.EventType
}

func newThreadManager(k *Kernel) *ThreadManager {
	tm := &ThreadManager{
		kernel:              k,
		nextThreadID:        1,
		wakeupCallbackTable: make(map[uint32]*Thread),
	}
	tm.wakeupEventType = k.timing.RegisterEvent("ThreadWakeup",
		func(userdata uint64, cyclesLate int64) {
			tm.threadWakeupCallback(uint32(userdata))
		})
	return tm
}

// CurrentThread returns the running thread, or nil when idle.
func (tm *ThreadManager) CurrentThread() *Thread { return tm.currentThread }

// ThreadList returns every thread that has not left through
// ExitCurrentThread; threads stopped any other way stay listed as dead.
func (tm *ThreadManager) ThreadList() []*Thread { return tm.threadList }

// HaveReadyThreads reports whether anything is runnable.
func (tm *ThreadManager) HaveReadyThreads() bool {
	return tm.readyQueue.GetFirst() != nil
}

func (tm *ThreadManager) newThreadID() uint32 {
	id := tm.nextThreadID
	tm.nextThreadID++
	return id
}

// CreateThread builds a thread in the owner process, allocates its TLS
// slot and queues it Ready.
func (tm *ThreadManager) CreateThread(name string, entryPoint memory.VAddr, priority uint32,
	arg uint32, processorID int32, stackTop memory.VAddr, owner *Process) (*Thread, result.Code) {
	if priority > ThreadPrioLowest {
		clog.Errorf(clog.KernelSVC, "invalid thread priority %d", priority)
		return nil, result.ErrOutOfRange
	}
	if processorID > ThreadProcessorIDMax {
		clog.Errorf(clog.KernelSVC, "invalid processor id %d", processorID)
		return nil, result.ErrOutOfRangeKernel
	}
	if !owner.vmManager.pageTable.IsValidVirtualAddress(entryPoint) {
		clog.Errorf(clog.KernelSVC, "thread %q: invalid entry 0x%08X", name, entryPoint)
		return nil, result.Make(result.DescInvalidAddress, result.ModuleKernel,
			result.SummaryInvalidArgument, result.LevelPermanent)
	}

	k := tm.kernel
	t := &Thread{manager: tm, owner: owner}
	t.id = k.newObjectID()
	t.name = name
	t.self = t
	t.threadID = tm.newThreadID()
	t.status = StatusDormant
	t.entryPoint = entryPoint
	t.stackTop = stackTop
	t.nominalPriority = priority
	t.currentPriority = priority
	t.lastRunningTicks = k.timing.GetTicks()
	t.processorID = processorID

	tlsAddress, code := owner.allocateTLSSlot()
	if code.IsError() {
		return nil, code
	}
	t.tlsAddress = tlsAddress
	owner.vmManager.pageTable.ZeroBlock(tlsAddress, memory.TLSEntrySize)

	t.Context.Setup(entryPoint, stackTop, arg)
	t.Context.FPSCR = arm.FPSCRThreadDefault

	tm.threadList = append(tm.threadList, t)
	tm.wakeupCallbackTable[t.threadID] = t
	tm.readyQueue.PushBack(t.currentPriority, t)
	t.status = StatusReady
	return t, result.Success
}

// SetupMainThread creates and readies the initial thread of a process.
func (tm *ThreadManager) SetupMainThread(entryPoint memory.VAddr, priority uint32, owner *Process) *Thread {
	t, code := tm.CreateThread("main", entryPoint, priority, 0, owner.idealProcessor,
		memory.HeapVAddrEnd, owner)
	if code.IsError() {
		panic(fmt.Sprintf("kernel: creating main thread failed: %08X", uint32(code)))
	}
	t.Context.FPSCR = arm.FPSCRMainThreadDefault
	return t
}

// WaitCurrentThreadSleep puts the running thread into WaitSleep.
func (tm *ThreadManager) WaitCurrentThreadSleep() {
	tm.currentThread.status = StatusWaitSleep
}

// ExitCurrentThread stops the running thread and forgets it.
func (tm *ThreadManager) ExitCurrentThread() {
	t := tm.currentThread
	t.Stop()
	for i, cur := range tm.threadList {
		if cur == t {
			tm.threadList = append(tm.threadList[:i], tm.threadList[i+1:]...)
			break
		}
	}
}

// threadWakeupCallback fires when a timed wait expires. Spurious firings
// for threads that already resumed are ignored by the status check.
func (tm *ThreadManager) threadWakeupCallback(threadID uint32) {
	t := tm.wakeupCallbackTable[threadID]
	if t == nil {
		clog.Errorf(clog.Kernel, "wakeup callback fired for invalid thread %08X", threadID)
		return
	}
	switch t.status {
	case StatusWaitSynchAny, StatusWaitSynchAll, StatusWaitArb, StatusWaitHleEvent:
		t.invokeWakeup(WakeupTimeout, nil)
		for _, object := range t.waitObjects {
			object.RemoveWaitingThread(t)
		}
		t.waitObjects = nil
	}
	t.ResumeFromWait()
}

// priorityBoostStarvedThreads temporarily boosts Ready threads that have
// not run for longer than the boost timeout.
func (tm *ThreadManager) priorityBoostStarvedThreads() {
	currentTicks := tm.kernel.timing.GetTicks()
	// Boost threads that have been ready longer than this.
	const boostTimeout = 2000000
	const boostFloor = 40
	for _, t := range tm.threadList {
		if t.status != StatusReady {
			continue
		}
		if currentTicks-t.lastRunningTicks <= boostTimeout {
			continue
		}
		priority := uint32(boostFloor)
		if first := tm.readyQueue.GetFirst(); first != nil && first.currentPriority > priority+1 {
			priority = first.currentPriority - 1
		}
		t.BoostPriority(priority)
	}
}

// popNextReadyThread picks who runs next: a strictly better thread than
// the current one if it is still running, else the best ready thread.
func (tm *ThreadManager) popNextReadyThread() *Thread {
	cur := tm.currentThread
	if cur != nil && cur.status == StatusRunning {
		next := tm.readyQueue.PopFirstBetter(cur.currentPriority)
		if next == nil {
			next = cur
		}
		return next
	}
	return tm.readyQueue.PopFirst()
}

// switchContext saves the outgoing thread, loads the incoming one and
// swaps the process page table and TLS register when the owner changes.
func (tm *ThreadManager) switchContext(next *Thread) {
	k := tm.kernel
	previous := tm.currentThread
	if previous != nil {
		previous.lastRunningTicks = k.timing.GetTicks()
		k.cpu.SaveContext(&previous.Context)
		if previous.status == StatusRunning {
			// Reschedule was triggered without the thread yielding;
			// it goes back to the front of its bucket.
			tm.readyQueue.PushFront(previous.currentPriority, previous)
			previous.status = StatusReady
		}
	}
	if next == nil {
		tm.currentThread = nil
		return
	}
	if next.status != StatusReady {
		panic("kernel: thread must be ready to become running")
	}
	k.timing.UnscheduleEvent(tm.wakeupEventType, uint64(next.threadID))
	previousProcess := k.CurrentProcess()
	tm.currentThread = next
	tm.readyQueue.Remove(next.currentPriority, next)
	next.status = StatusRunning
	if k.config.PriorityBoost {
		next.currentPriority = next.nominalPriority
	}
	if previousProcess != next.owner {
		k.SetCurrentProcess(next.owner)
	}
	k.cpu.LoadContext(&next.Context)
	k.cpu.SetTLSAddress(next.tlsAddress)
}

// Reschedule picks the next thread and switches to it.
func (tm *ThreadManager) Reschedule() {
	if tm.kernel.config.PriorityBoost {
		tm.priorityBoostStarvedThreads()
	}
	cur := tm.currentThread
	next := tm.popNextReadyThread()
	switch {
	case cur != nil && next != nil:
		clog.Tracef(clog.Kernel, "context switch %d -> %d", cur.ObjectID(), next.ObjectID())
	case cur != nil:
		clog.Tracef(clog.Kernel, "context switch %d -> idle", cur.ObjectID())
	case next != nil:
		clog.Tracef(clog.Kernel, "context switch idle -> %d", next.ObjectID())
	}
	tm.switchContext(next)
}
