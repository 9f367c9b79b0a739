// Package svc dispatches guest supervisor calls into the HLE kernel.
//
// Arguments arrive in r0..r3 (r4/r5 for the overflow the 3DS ABI allows),
// the primary result goes back in r0 and secondary outputs in r1..r3. The
// whole dispatch runs under the kernel's HLE lock so SVCs from any guest
// thread serialise against the scheduler.
package svc

import (
	"fmt"

	"github.com/Otakusd/citra/core/clog"
	"github.com/Otakusd/citra/core/hle/kernel"
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// ControlMemory operation encodings.
const (
	memOpFree    = 1
	memOpReserve = 2
	memOpCommit  = 3
	memOpMap     = 4
	memOpUnmap   = 5
	memOpProtect = 6

	memOpOperationMask = 0xFF
	memOpRegionMask    = 0xF00
	memOpLinear        = 0x10000
)

// GetSystemInfo types.
const (
	systemInfoMemoryUsage    = 0
	systemInfoAllocatedPages = 2
	systemInfoSpawnedPids    = 26
)

// Dispatcher routes SVC immediates to handlers.
type Dispatcher struct {
	kernel *kernel.Kernel
}

func New(k *kernel.Kernel) *Dispatcher {
	return &Dispatcher{kernel: k}
}

func (d *Dispatcher) reg(n int) uint32 { return d.kernel.CPU().GetReg(n) }

func (d *Dispatcher) setReg(n int, v uint32) { d.kernel.CPU().SetReg(n, v) }

func (d *Dispatcher) param64(hi, lo int) int64 {
	return int64(d.reg(hi))<<32 | int64(d.reg(lo))
}

func (d *Dispatcher) setResult(code result.Code) { d.setReg(0, uint32(code)) }

func (d *Dispatcher) currentProcess() *kernel.Process { return d.kernel.CurrentProcess() }

func (d *Dispatcher) currentThread() *kernel.Thread {
	return d.kernel.ThreadManager().CurrentThread()
}

type functionDef struct {
	fn   func(*Dispatcher)
	name string
}

// CallSVC runs one supervisor call. Unknown or unimplemented numbers log
// and return success with zeroed outputs.
func (d *Dispatcher) CallSVC(immediate uint32) {
	d.kernel.Lock()
	defer d.kernel.Unlock()

	if immediate >= uint32(len(svcTable)) {
		clog.Errorf(clog.KernelSVC, "unknown svc=0x%02X", immediate)
		for i := 0; i < 4; i++ {
			d.setReg(i, 0)
		}
		return
	}
	def := &svcTable[immediate]
	if def.fn == nil {
		clog.Errorf(clog.KernelSVC, "unimplemented SVC function %s", def.name)
		for i := 0; i < 4; i++ {
			d.setReg(i, 0)
		}
		return
	}
	def.fn(d)
	d.kernel.RescheduleIfPending()
}

// svcControlMemory maps, commits, frees or reprotects process memory.
func svcControlMemory(d *Dispatcher) {
	operation := d.reg(0)
	addr0 := d.reg(1)
	addr1 := d.reg(2)
	size := d.reg(3)
	permissions := d.reg(4)
	clog.Debugf(clog.KernelSVC,
		"ControlMemory operation=0x%08X, addr0=0x%08X, addr1=0x%08X, size=0x%X, permissions=0x%08X",
		operation, addr0, addr1, size, permissions)

	outAddr, code := d.controlMemory(operation, addr0, addr1, size, permissions)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, outAddr)
	}
}

func (d *Dispatcher) controlMemory(operation, addr0, addr1, size, permissions uint32) (uint32, result.Code) {
	if addr0&memory.PageMask != 0 || addr1&memory.PageMask != 0 {
		return 0, result.ErrMisalignedAddress
	}
	if size&memory.PageMask != 0 {
		return 0, result.ErrMisalignedSize
	}
	if region := operation & memOpRegionMask; region != 0 {
		clog.Warningf(clog.KernelSVC,
			"ControlMemory with specified region not supported, region=%X", region)
		operation &^= memOpRegionMask
	}
	if permissions&uint32(kernel.MemoryPermissionReadWrite) != permissions {
		return 0, result.ErrInvalidCombination
	}
	perms := kernel.VMAPermission(permissions)
	process := d.currentProcess()

	switch operation & memOpOperationMask {
	case memOpFree:
		switch {
		case addr0 >= memory.HeapVAddr && addr0 < memory.HeapVAddrEnd:
			if code := process.HeapFree(addr0, size); code.IsError() {
				return 0, code
			}
		case addr0 >= process.LinearHeapBase() && addr0 < process.LinearHeapLimit():
			if code := process.LinearFree(addr0, size); code.IsError() {
				return 0, code
			}
		default:
			return 0, result.ErrInvalidAddress
		}
		return addr0, result.Success

	case memOpCommit:
		if operation&memOpLinear != 0 {
			return process.LinearAllocate(addr0, size, perms)
		}
		return process.HeapAllocate(addr0, size, perms)

	case memOpMap:
		return addr0, process.Map(addr0, addr1, size, perms)

	case memOpUnmap:
		return addr0, process.Unmap(addr0, addr1, size, perms)

	case memOpProtect:
		return addr0, process.VMManager().ReprotectRange(addr0, size, perms)

	default:
		clog.Errorf(clog.KernelSVC, "unknown ControlMemory operation=0x%08X", operation)
		return 0, result.ErrInvalidCombination
	}
}

func svcExitProcess(d *Dispatcher) {
	process := d.currentProcess()
	clog.Infof(clog.KernelSVC, "process %d exiting", process.ProcessID())
	if process.Status() != kernel.ProcessStatusRunning {
		panic("kernel: process has already exited")
	}
	process.SetExited()

	tm := d.kernel.ThreadManager()
	current := tm.CurrentThread()
	// Every other thread of the process, waiting or not, is stopped
	// directly; the invoking thread goes last.
	for _, t := range append([]*kernel.Thread(nil), tm.ThreadList()...) {
		if t.Owner() != process || t == current {
			continue
		}
		t.Stop()
	}
	tm.ExitCurrentThread()
	d.kernel.PrepareReschedule()
}

func svcMapMemoryBlock(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	addr := d.reg(1)
	permissions := d.reg(2)
	otherPermissions := d.reg(3)
	clog.Tracef(clog.KernelSVC,
		"MapMemoryBlock memblock=0x%08X, addr=0x%08X, mypermissions=0x%08X, otherpermissions=%d",
		handle, addr, permissions, otherPermissions)

	block := d.currentProcess().HandleTable().GetSharedMemory(handle)
	if block == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	switch perms := kernel.MemoryPermission(permissions); perms {
	case kernel.MemoryPermissionRead, kernel.MemoryPermissionWrite,
		kernel.MemoryPermissionReadWrite, kernel.MemoryPermissionExecute,
		kernel.MemoryPermissionReadExecute, kernel.MemoryPermissionWriteExecute,
		kernel.MemoryPermissionReadWriteExecute, kernel.MemoryPermissionDontCare:
		d.setResult(block.Map(d.currentProcess(), addr, perms,
			kernel.MemoryPermission(otherPermissions)))
	default:
		clog.Errorf(clog.KernelSVC, "unknown permissions=0x%08X", permissions)
		d.setResult(result.ErrInvalidCombination)
	}
}

func svcUnmapMemoryBlock(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	addr := d.reg(1)
	clog.Tracef(clog.KernelSVC, "UnmapMemoryBlock memblock=0x%08X, addr=0x%08X", handle, addr)

	block := d.currentProcess().HandleTable().GetSharedMemory(handle)
	if block == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(block.Unmap(d.currentProcess(), addr))
}

func svcConnectToPort(d *Dispatcher) {
	portNameAddress := d.reg(1)
	pt := d.currentProcess().PageTable()
	if !pt.IsValidVirtualAddress(portNameAddress) {
		d.setResult(result.ErrNotFound)
		return
	}
	// Read one char beyond the limit to detect names that are too long.
	portName := pt.ReadCString(portNameAddress, kernel.PortNameMaxLength+1)
	if len(portName) > kernel.PortNameMaxLength {
		d.setResult(result.ErrPortNameTooLong)
		return
	}
	clog.Tracef(clog.KernelSVC, "ConnectToPort port_name=%s", portName)

	port := d.kernel.GetNamedPort(portName)
	if port == nil {
		clog.Warningf(clog.KernelSVC, "tried to connect to unknown port: %s", portName)
		d.setResult(result.ErrNotFound)
		return
	}
	session, code := port.Connect()
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := d.currentProcess().HandleTable().Create(session)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(handle))
	}
}

func svcSendSyncRequest(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	session := d.currentProcess().HandleTable().GetClientSession(handle)
	if session == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	clog.Tracef(clog.KernelSVC, "SendSyncRequest handle=0x%08X(%s)", handle, session.Name())
	d.kernel.PrepareReschedule()
	d.setResult(session.SendSyncRequest(d.currentThread()))
}

func svcCloseHandle(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "closing handle 0x%08X", handle)
	d.setResult(d.currentProcess().HandleTable().Close(handle))
}

func svcWaitSynchronization1(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	nanoseconds := d.param64(3, 2)

	object := d.currentProcess().HandleTable().GetWaitObject(handle)
	thread := d.currentThread()
	if object == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	clog.Tracef(clog.KernelSVC, "WaitSynchronization1 handle=0x%08X(%s:%s), nanoseconds=%d",
		handle, object.HandleType(), object.Name(), nanoseconds)

	if !object.ShouldWait(thread) {
		object.Acquire(thread)
		d.setResult(result.Success)
		return
	}
	if nanoseconds == 0 {
		d.setResult(result.Timeout)
		return
	}
	thread.BeginWaitSynch1(object)
	thread.WakeAfterDelay(nanoseconds)
	d.kernel.PrepareReschedule()
	// The real result arrives through the wakeup writing the saved r0;
	// until then the SVC reports timeout.
	d.setResult(result.Timeout)
}

func svcWaitSynchronizationN(d *Dispatcher) {
	handlesAddress := d.reg(1)
	handleCount := int32(d.reg(2))
	waitAll := d.reg(3) != 0
	nanoseconds := d.param64(4, 0)

	thread := d.currentThread()
	pt := d.currentProcess().PageTable()
	if handleCount != 0 && !pt.IsValidVirtualAddress(handlesAddress) {
		d.setResult(result.ErrInvalidPointer)
		return
	}
	if handleCount < 0 {
		d.setResult(result.ErrOutOfRange)
		return
	}

	objects := make([]kernel.WaitObject, handleCount)
	for i := int32(0); i < handleCount; i++ {
		handle := kernel.Handle(pt.Read32(handlesAddress + uint32(i)*4))
		object := d.currentProcess().HandleTable().GetWaitObject(handle)
		if object == nil {
			d.setResult(result.ErrInvalidHandle)
			return
		}
		objects[i] = object
	}

	if waitAll {
		allAvailable := true
		for _, object := range objects {
			if object.ShouldWait(thread) {
				allAvailable = false
				break
			}
		}
		if allAvailable {
			for _, object := range objects {
				object.Acquire(thread)
			}
			// The out parameter is not written in the wait-all case.
			d.setResult(result.Success)
			return
		}
		if nanoseconds == 0 {
			d.setResult(result.Timeout)
			return
		}
		thread.BeginWaitSynchAll(objects)
		thread.WakeAfterDelay(nanoseconds)
		d.kernel.PrepareReschedule()
		d.setReg(1, ^uint32(0))
		d.setResult(result.Timeout)
		return
	}

	for i, object := range objects {
		if !object.ShouldWait(thread) {
			object.Acquire(thread)
			d.setResult(result.Success)
			d.setReg(1, uint32(i))
			return
		}
	}
	if nanoseconds == 0 {
		d.setResult(result.Timeout)
		return
	}
	// With no handles and no timeout the thread deadlocks; this matches
	// hardware behavior.
	thread.BeginWaitSynchAny(objects)
	thread.WakeAfterDelay(nanoseconds)
	d.kernel.PrepareReschedule()
	d.setReg(1, ^uint32(0))
	d.setResult(result.Timeout)
}

func svcReplyAndReceive(d *Dispatcher) {
	handlesAddress := d.reg(1)
	handleCount := int32(d.reg(2))
	replyTarget := kernel.Handle(d.reg(3))

	process := d.currentProcess()
	pt := process.PageTable()
	if handleCount != 0 && !pt.IsValidVirtualAddress(handlesAddress) {
		d.setResult(result.ErrInvalidPointer)
		return
	}
	if handleCount < 0 {
		d.setResult(result.ErrOutOfRange)
		return
	}

	objects := make([]kernel.WaitObject, handleCount)
	for i := int32(0); i < handleCount; i++ {
		handle := kernel.Handle(pt.Read32(handlesAddress + uint32(i)*4))
		object := process.HandleTable().GetWaitObject(handle)
		if object == nil {
			d.setResult(result.ErrInvalidHandle)
			return
		}
		objects[i] = object
	}

	thread := d.currentThread()
	header := pt.Read32(thread.CommandBufferAddress())
	// Do not send a reply if the command id in the buffer is 0xFFFF.
	if replyTarget != 0 && kernel.HeaderCommandID(header) != 0xFFFF {
		session := process.HandleTable().GetServerSession(replyTarget)
		if session == nil {
			d.setResult(result.ErrInvalidHandle)
			return
		}
		code := session.Reply(thread)
		if code.IsError() {
			d.setReg(1, ^uint32(0))
			d.setResult(code)
			return
		}
	}

	if handleCount == 0 {
		d.setReg(1, 0)
		// The kernel returns this placeholder when no handles were
		// passed and no reply was performed.
		if replyTarget == 0 || kernel.HeaderCommandID(header) == 0xFFFF {
			d.setResult(result.ErrNoReplyNoWait)
			return
		}
		d.setResult(result.Success)
		return
	}

	for i, object := range objects {
		if object.ShouldWait(thread) {
			continue
		}
		object.Acquire(thread)
		d.setReg(1, uint32(i))
		if server, ok := object.(*kernel.ServerSession); ok {
			d.setResult(server.Receive(thread))
			return
		}
		d.setResult(result.Success)
		return
	}

	// No objects were ready; park until one signals. The receive-side
	// translation happens in the wakeup.
	thread.BeginWaitSynchAny(objects)
	thread.SetWakeupReplyReceive()
	d.kernel.PrepareReschedule()
	d.setReg(1, ^uint32(0))
	d.setResult(result.Success)
}

func svcCreateAddressArbiter(d *Dispatcher) {
	arbiter := d.kernel.CreateAddressArbiter("arbiter")
	handle, code := d.currentProcess().HandleTable().Create(arbiter)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC, "CreateAddressArbiter returned handle 0x%08X", handle)
		d.setReg(1, uint32(handle))
	}
}

func svcArbitrateAddress(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	address := d.reg(1)
	typ := d.reg(2)
	value := int32(d.reg(3))
	nanoseconds := d.param64(5, 4)
	clog.Tracef(clog.KernelSVC,
		"ArbitrateAddress handle=0x%08X, address=0x%08X, type=0x%08X, value=0x%08X",
		handle, address, typ, value)

	arbiter := d.currentProcess().HandleTable().GetAddressArbiter(handle)
	if arbiter == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	code := arbiter.ArbitrateAddress(d.currentThread(), kernel.ArbitrationType(typ),
		address, value, nanoseconds)
	d.kernel.PrepareReschedule()
	d.setResult(code)
}

func svcBreak(d *Dispatcher) {
	clog.Criticalf(clog.DebugEmulated, "emulated program broke execution!")
	reason := "UNKNOWN"
	switch d.reg(0) {
	case 0:
		reason = "PANIC"
	case 1:
		reason = "ASSERT"
	case 2:
		reason = "USER"
	}
	clog.Criticalf(clog.DebugEmulated, "break reason: %s", reason)
}

func svcOutputDebugString(d *Dispatcher) {
	address := d.reg(0)
	length := int32(d.reg(1))
	if length <= 0 {
		return
	}
	buf := make([]byte, length)
	d.currentProcess().PageTable().ReadBlock(address, buf)
	clog.Debugf(clog.DebugEmulated, "%s", buf)
}

func svcGetResourceLimit(d *Dispatcher) {
	processHandle := kernel.Handle(d.reg(1))
	clog.Tracef(clog.KernelSVC, "GetResourceLimit process=0x%08X", processHandle)
	process := d.currentProcess().HandleTable().GetProcess(processHandle)
	if process == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	handle, code := d.currentProcess().HandleTable().Create(process.ResourceLimit())
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(handle))
	}
}

func svcGetResourceLimitCurrentValues(d *Dispatcher) {
	d.resourceLimitValues(func(rl *kernel.ResourceLimit, name uint32) int64 {
		return rl.GetCurrentValue(name)
	})
}

func svcGetResourceLimitLimitValues(d *Dispatcher) {
	d.resourceLimitValues(func(rl *kernel.ResourceLimit, name uint32) int64 {
		return rl.GetMaxValue(name)
	})
}

func (d *Dispatcher) resourceLimitValues(get func(*kernel.ResourceLimit, uint32) int64) {
	values := d.reg(0)
	limitHandle := kernel.Handle(d.reg(1))
	names := d.reg(2)
	nameCount := d.reg(3)
	clog.Tracef(clog.KernelSVC, "resource limit values limit=%08X, names=%08X, count=%d",
		limitHandle, names, nameCount)

	limit := d.currentProcess().HandleTable().GetResourceLimit(limitHandle)
	if limit == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	pt := d.currentProcess().PageTable()
	for i := uint32(0); i < nameCount; i++ {
		name := pt.Read32(names + i*4)
		pt.Write64(values+uint32(i)*8, uint64(get(limit, name)))
	}
	d.setResult(result.Success)
}

func svcCreateThread(d *Dispatcher) {
	priority := d.reg(0)
	entryPoint := d.reg(1)
	arg := d.reg(2)
	stackTop := d.reg(3)
	processorID := int32(d.reg(4))

	if priority > kernel.ThreadPrioLowest {
		d.setResult(result.ErrOutOfRange)
		return
	}
	process := d.currentProcess()
	if process.ResourceLimit().GetMaxValue(kernel.ResourcePriority) > int64(priority) {
		d.setResult(result.ErrNotAuthorized)
		return
	}
	if processorID == kernel.ThreadProcessorIDDefault {
		processorID = process.IdealProcessor()
	}
	switch processorID {
	case kernel.ThreadProcessorID0:
	case kernel.ThreadProcessorIDAll:
		clog.Infof(clog.KernelSVC,
			"newly created thread is allowed to run on any core, unimplemented")
	case kernel.ThreadProcessorID1:
		clog.Errorf(clog.KernelSVC,
			"newly created thread must run on the system core, unimplemented")
	default:
		panic(fmt.Sprintf("svc: unsupported thread processor id %d", processorID))
	}

	name := fmt.Sprintf("thread-%08X", entryPoint)
	thread, code := d.kernel.ThreadManager().CreateThread(name, entryPoint, priority, arg,
		processorID, stackTop, process)
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := process.HandleTable().Create(thread)
	d.setResult(code)
	if code.IsError() {
		return
	}
	d.setReg(1, uint32(handle))
	d.kernel.PrepareReschedule()
	clog.Tracef(clog.KernelSVC,
		"CreateThread entrypoint=0x%08X (%s), arg=0x%08X, stacktop=0x%08X, priority=0x%08X, processorid=0x%08X: created handle=0x%08X",
		entryPoint, name, arg, stackTop, priority, processorID, handle)
}

func svcExitThread(d *Dispatcher) {
	clog.Tracef(clog.KernelSVC, "ExitThread pc=0x%08X", d.kernel.CPU().PC())
	d.kernel.ThreadManager().ExitCurrentThread()
	d.kernel.PrepareReschedule()
}

func svcGetThreadPriority(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	thread := d.currentProcess().HandleTable().GetThread(handle)
	if thread == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(result.Success)
	d.setReg(1, thread.Priority())
}

func svcSetThreadPriority(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	priority := d.reg(1)
	if priority > kernel.ThreadPrioLowest {
		d.setResult(result.ErrOutOfRange)
		return
	}
	thread := d.currentProcess().HandleTable().GetThread(handle)
	if thread == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	// The kernel uses the current process's resource limit, not the one
	// of the thread's owner.
	if d.currentProcess().ResourceLimit().GetMaxValue(kernel.ResourcePriority) > int64(priority) {
		d.setResult(result.ErrNotAuthorized)
		return
	}
	thread.SetPriority(priority)
	thread.UpdatePriority()
	// Update the mutexes this thread is waiting on.
	for _, m := range thread.PendingMutexes() {
		m.UpdatePriority()
	}
	d.kernel.PrepareReschedule()
	d.setResult(result.Success)
}

func svcCreateMutex(d *Dispatcher) {
	initialLocked := d.reg(1) != 0
	mutex := d.kernel.CreateMutex(initialLocked,
		fmt.Sprintf("mutex-%08x", d.reg(14)))
	handle, code := d.currentProcess().HandleTable().Create(mutex)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC, "CreateMutex initial_locked=%v, created handle 0x%08X",
			initialLocked, handle)
		d.setReg(1, uint32(handle))
	}
}

func svcReleaseMutex(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "ReleaseMutex handle=0x%08X", handle)
	mutex := d.currentProcess().HandleTable().GetMutex(handle)
	if mutex == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(mutex.Release(d.currentThread()))
}

func svcGetProcessId(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	process := d.currentProcess().HandleTable().GetProcess(handle)
	if process == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(result.Success)
	d.setReg(1, process.ProcessID())
}

func svcGetProcessIdOfThread(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	thread := d.currentProcess().HandleTable().GetThread(handle)
	if thread == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(result.Success)
	d.setReg(1, thread.Owner().ProcessID())
}

func svcGetThreadId(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	thread := d.currentProcess().HandleTable().GetThread(handle)
	if thread == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	d.setResult(result.Success)
	d.setReg(1, thread.ThreadID())
}

func svcCreateSemaphore(d *Dispatcher) {
	initialCount := int32(d.reg(1))
	maxCount := int32(d.reg(2))
	semaphore, code := d.kernel.CreateSemaphore(initialCount, maxCount,
		fmt.Sprintf("semaphore-%08x", d.reg(14)))
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := d.currentProcess().HandleTable().Create(semaphore)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC,
			"CreateSemaphore initial_count=%d, max_count=%d, created handle=0x%08X",
			initialCount, maxCount, handle)
		d.setReg(1, uint32(handle))
	}
}

func svcReleaseSemaphore(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	releaseCount := int32(d.reg(2))
	clog.Tracef(clog.KernelSVC, "ReleaseSemaphore release_count=%d, handle=0x%08X",
		releaseCount, handle)
	semaphore := d.currentProcess().HandleTable().GetSemaphore(handle)
	if semaphore == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	previous, code := semaphore.Release(releaseCount)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(previous))
	}
}

func svcQueryProcessMemory(d *Dispatcher) {
	processHandle := kernel.Handle(d.reg(2))
	addr := d.reg(3)
	d.queryProcessMemory(processHandle, addr)
}

func svcQueryMemory(d *Dispatcher) {
	addr := d.reg(2)
	d.queryProcessMemory(kernel.CurrentProcess, addr)
}

func (d *Dispatcher) queryProcessMemory(processHandle kernel.Handle, addr uint32) {
	process := d.currentProcess().HandleTable().GetProcess(processHandle)
	if process == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	vm := process.VMManager()
	vmas := vm.VMAs()
	i := vm.FindVMA(addr)
	if i < 0 {
		d.setResult(result.ErrInvalidAddress)
		return
	}
	// Merge neighbours sharing permissions and state, regardless of how
	// they are backed, and report the widest range.
	permissions := vmas[i].Permissions
	state := vmas[i].State
	lower, upper := i, i
	for lower > 0 && vmas[lower-1].Permissions == permissions && vmas[lower-1].State == state {
		lower--
	}
	for upper < len(vmas)-1 && vmas[upper+1].Permissions == permissions && vmas[upper+1].State == state {
		upper++
	}
	d.setResult(result.Success)
	d.setReg(1, vmas[lower].Base)
	d.setReg(2, vmas[upper].Base+vmas[upper].Size-vmas[lower].Base)
	d.setReg(3, uint32(permissions))
	d.setReg(4, uint32(state))
	d.setReg(5, 0) // page flags
	clog.Tracef(clog.KernelSVC, "QueryProcessMemory process=0x%08X, addr=0x%08X", processHandle, addr)
}

func svcCreateEvent(d *Dispatcher) {
	resetType := d.reg(1)
	event := d.kernel.CreateEvent(kernel.ResetType(resetType),
		fmt.Sprintf("event-%08x", d.reg(14)))
	handle, code := d.currentProcess().HandleTable().Create(event)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC, "CreateEvent reset_type=0x%08X, created handle 0x%08X",
			resetType, handle)
		d.setReg(1, uint32(handle))
	}
}

func svcDuplicateHandle(d *Dispatcher) {
	handle := kernel.Handle(d.reg(1))
	duplicate, code := d.currentProcess().HandleTable().Duplicate(handle)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC, "duplicated 0x%08X to 0x%08X", handle, duplicate)
		d.setReg(1, uint32(duplicate))
	}
}

func svcSignalEvent(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "SignalEvent event=0x%08X", handle)
	event := d.currentProcess().HandleTable().GetEvent(handle)
	if event == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	event.Signal()
	d.setResult(result.Success)
}

func svcClearEvent(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "ClearEvent event=0x%08X", handle)
	event := d.currentProcess().HandleTable().GetEvent(handle)
	if event == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	event.Clear()
	d.setResult(result.Success)
}

func svcCreateTimer(d *Dispatcher) {
	resetType := d.reg(1)
	timer := d.kernel.CreateTimer(kernel.ResetType(resetType),
		fmt.Sprintf("timer-%08x", d.reg(14)))
	handle, code := d.currentProcess().HandleTable().Create(timer)
	d.setResult(code)
	if code.IsSuccess() {
		clog.Tracef(clog.KernelSVC, "CreateTimer reset_type=0x%08X, created handle 0x%08X",
			resetType, handle)
		d.setReg(1, uint32(handle))
	}
}

func svcSetTimer(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	initial := d.param64(3, 2)
	interval := d.param64(4, 1)
	clog.Tracef(clog.KernelSVC, "SetTimer timer=0x%08X", handle)
	if initial < 0 || interval < 0 {
		d.setResult(result.ErrOutOfRangeKernel)
		return
	}
	timer := d.currentProcess().HandleTable().GetTimer(handle)
	if timer == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	timer.Set(initial, interval)
	d.setResult(result.Success)
}

func svcCancelTimer(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "CancelTimer timer=0x%08X", handle)
	timer := d.currentProcess().HandleTable().GetTimer(handle)
	if timer == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	timer.Cancel()
	d.setResult(result.Success)
}

func svcClearTimer(d *Dispatcher) {
	handle := kernel.Handle(d.reg(0))
	clog.Tracef(clog.KernelSVC, "ClearTimer timer=0x%08X", handle)
	timer := d.currentProcess().HandleTable().GetTimer(handle)
	if timer == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	timer.Clear()
	d.setResult(result.Success)
}

func svcSleepThread(d *Dispatcher) {
	nanoseconds := d.param64(1, 0)
	clog.Tracef(clog.KernelSVC, "SleepThread nanoseconds=%d", nanoseconds)

	tm := d.kernel.ThreadManager()
	// Don't yield if there's nothing to yield to.
	if nanoseconds == 0 && !tm.HaveReadyThreads() {
		return
	}
	tm.WaitCurrentThreadSleep()
	tm.CurrentThread().WakeAfterDelay(nanoseconds)
	d.kernel.PrepareReschedule()
}

func svcGetSystemTick(d *Dispatcher) {
	t := d.kernel.Timing()
	ticks := t.GetTicks()
	// Advance time so tight GetSystemTick loops make progress.
	t.AddTicks(150)
	d.setReg(0, uint32(ticks))
	d.setReg(1, uint32(ticks>>32))
}

func svcCreateMemoryBlock(d *Dispatcher) {
	otherPermission := d.reg(0)
	addr := d.reg(1)
	size := d.reg(2)
	myPermission := d.reg(3)

	if size%memory.PageSize != 0 {
		d.setResult(result.ErrMisalignedSize)
		return
	}
	verify := func(permission kernel.MemoryPermission) bool {
		// Shared memory can not be created executable.
		switch permission {
		case kernel.MemoryPermissionNone, kernel.MemoryPermissionRead,
			kernel.MemoryPermissionWrite, kernel.MemoryPermissionReadWrite,
			kernel.MemoryPermissionDontCare:
			return true
		}
		return false
	}
	if !verify(kernel.MemoryPermission(myPermission)) ||
		!verify(kernel.MemoryPermission(otherPermission)) {
		d.setResult(result.ErrInvalidCombination)
		return
	}
	if addr != 0 && (addr < memory.ProcessImageVAddr || addr+size > memory.SharedMemoryVAddrEnd) {
		d.setResult(result.ErrInvalidAddress)
		return
	}
	process := d.currentProcess()
	block, code := d.kernel.CreateSharedMemory(process, size,
		kernel.MemoryPermission(myPermission), kernel.MemoryPermission(otherPermission),
		addr, kernel.MemoryRegionBase, fmt.Sprintf("memblock-%08x", addr))
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := process.HandleTable().Create(block)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(handle))
	}
	clog.Warningf(clog.KernelSVC, "CreateMemoryBlock addr=0x%08X", addr)
}

func svcCreatePort(d *Dispatcher) {
	nameAddress := d.reg(2)
	maxSessions := d.reg(3)
	if nameAddress != 0 {
		panic("svc: named ports through CreatePort are unimplemented")
	}
	server, client := d.kernel.CreatePortPair(int(maxSessions), "port")
	table := d.currentProcess().HandleTable()
	clientHandle, code := table.Create(client)
	if code.IsError() {
		d.setResult(code)
		return
	}
	serverHandle, code := table.Create(server)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(serverHandle))
		d.setReg(2, uint32(clientHandle))
	}
	clog.Tracef(clog.KernelSVC, "CreatePort max_sessions=%d", maxSessions)
}

func svcCreateSessionToPort(d *Dispatcher) {
	portHandle := kernel.Handle(d.reg(1))
	port := d.currentProcess().HandleTable().GetClientPort(portHandle)
	if port == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	session, code := port.Connect()
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := d.currentProcess().HandleTable().Create(session)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(handle))
	}
}

func svcCreateSession(d *Dispatcher) {
	server, client := d.kernel.CreateSessionPair("", nil)
	table := d.currentProcess().HandleTable()
	serverHandle, code := table.Create(server)
	if code.IsError() {
		d.setResult(code)
		return
	}
	clientHandle, code := table.Create(client)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(serverHandle))
		d.setReg(2, uint32(clientHandle))
	}
	clog.Tracef(clog.KernelSVC, "CreateSession called")
}

func svcAcceptSession(d *Dispatcher) {
	portHandle := kernel.Handle(d.reg(1))
	port := d.currentProcess().HandleTable().GetServerPort(portHandle)
	if port == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	session, code := port.Accept()
	if code.IsError() {
		d.setResult(code)
		return
	}
	handle, code := d.currentProcess().HandleTable().Create(session)
	d.setResult(code)
	if code.IsSuccess() {
		d.setReg(1, uint32(handle))
	}
}

func svcGetSystemInfo(d *Dispatcher) {
	infoType := d.reg(1)
	param := int32(d.reg(2))
	clog.Tracef(clog.KernelSVC, "GetSystemInfo type=%d param=%d", infoType, param)

	var out int64
	switch infoType {
	case systemInfoMemoryUsage:
		switch param {
		case 0:
			out = int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionApplication).Used()) +
				int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionSystem).Used()) +
				int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionBase).Used())
		case 1:
			out = int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionApplication).Used())
		case 2:
			out = int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionSystem).Used())
		case 3:
			out = int64(d.kernel.GetMemoryRegion(kernel.MemoryRegionBase).Used())
		default:
			clog.Errorf(clog.KernelSVC, "unknown GetSystemInfo memory usage param=%d", param)
		}
	case systemInfoAllocatedPages:
		clog.Errorf(clog.KernelSVC, "unimplemented GetSystemInfo type 2 param=%d", param)
	case systemInfoSpawnedPids:
		out = int64(d.kernel.ProcessCount())
	default:
		clog.Errorf(clog.KernelSVC, "unknown GetSystemInfo type=%d param=%d", infoType, param)
	}
	// This SVC always succeeds, even with invalid parameters.
	d.setResult(result.Success)
	d.setReg(1, uint32(out))
	d.setReg(2, uint32(out>>32))
}

func svcGetProcessInfo(d *Dispatcher) {
	processHandle := kernel.Handle(d.reg(1))
	infoType := d.reg(2)
	clog.Tracef(clog.KernelSVC, "GetProcessInfo process=0x%08X type=%d", processHandle, infoType)

	process := d.currentProcess().HandleTable().GetProcess(processHandle)
	if process == nil {
		d.setResult(result.ErrInvalidHandle)
		return
	}
	var out int64
	switch infoType {
	case 0, 2:
		out = int64(process.MemoryUsed())
		if out%int64(memory.PageSize) != 0 {
			clog.Errorf(clog.KernelSVC, "GetProcessInfo memory size not page-aligned")
			d.setResult(result.ErrMisalignedSize)
			return
		}
	case 1, 3, 4, 5, 6, 7, 8:
		// Valid but unimplemented.
		clog.Errorf(clog.KernelSVC, "unimplemented GetProcessInfo type=%d", infoType)
	case 20:
		out = int64(memory.FCRAMPAddr - memory.LinearHeapVAddr)
	case 21, 22, 23:
		clog.Errorf(clog.KernelSVC, "unknown GetProcessInfo type=%d", infoType)
		d.setResult(result.ErrNotImplemented)
		return
	default:
		clog.Errorf(clog.KernelSVC, "unknown GetProcessInfo type=%d", infoType)
		d.setResult(result.ErrInvalidEnumValue)
		return
	}
	d.setResult(result.Success)
	d.setReg(1, uint32(out))
	d.setReg(2, uint32(out>>32))
}

var svcTable = [0x7E]functionDef{
	0x00: {nil, "Unknown"},
	0x01: {svcControlMemory, "ControlMemory"},
	0x02: {svcQueryMemory, "QueryMemory"},
	0x03: {svcExitProcess, "ExitProcess"},
	0x04: {nil, "GetProcessAffinityMask"},
	0x05: {nil, "SetProcessAffinityMask"},
	0x06: {nil, "GetProcessIdealProcessor"},
	0x07: {nil, "SetProcessIdealProcessor"},
	0x08: {svcCreateThread, "CreateThread"},
	0x09: {svcExitThread, "ExitThread"},
	0x0A: {svcSleepThread, "SleepThread"},
	0x0B: {svcGetThreadPriority, "GetThreadPriority"},
	0x0C: {svcSetThreadPriority, "SetThreadPriority"},
	0x0D: {nil, "GetThreadAffinityMask"},
	0x0E: {nil, "SetThreadAffinityMask"},
	0x0F: {nil, "GetThreadIdealProcessor"},
	0x10: {nil, "SetThreadIdealProcessor"},
	0x11: {nil, "GetCurrentProcessorNumber"},
	0x12: {nil, "Run"},
	0x13: {svcCreateMutex, "CreateMutex"},
	0x14: {svcReleaseMutex, "ReleaseMutex"},
	0x15: {svcCreateSemaphore, "CreateSemaphore"},
	0x16: {svcReleaseSemaphore, "ReleaseSemaphore"},
	0x17: {svcCreateEvent, "CreateEvent"},
	0x18: {svcSignalEvent, "SignalEvent"},
	0x19: {svcClearEvent, "ClearEvent"},
	0x1A: {svcCreateTimer, "CreateTimer"},
	0x1B: {svcSetTimer, "SetTimer"},
	0x1C: {svcCancelTimer, "CancelTimer"},
	0x1D: {svcClearTimer, "ClearTimer"},
	0x1E: {svcCreateMemoryBlock, "CreateMemoryBlock"},
	0x1F: {svcMapMemoryBlock, "MapMemoryBlock"},
	0x20: {svcUnmapMemoryBlock, "UnmapMemoryBlock"},
	0x21: {svcCreateAddressArbiter, "CreateAddressArbiter"},
	0x22: {svcArbitrateAddress, "ArbitrateAddress"},
	0x23: {svcCloseHandle, "CloseHandle"},
	0x24: {svcWaitSynchronization1, "WaitSynchronization1"},
	0x25: {svcWaitSynchronizationN, "WaitSynchronizationN"},
	0x26: {nil, "SignalAndWait"},
	0x27: {svcDuplicateHandle, "DuplicateHandle"},
	0x28: {svcGetSystemTick, "GetSystemTick"},
	0x29: {nil, "GetHandleInfo"},
	0x2A: {svcGetSystemInfo, "GetSystemInfo"},
	0x2B: {svcGetProcessInfo, "GetProcessInfo"},
	0x2C: {nil, "GetThreadInfo"},
	0x2D: {svcConnectToPort, "ConnectToPort"},
	0x2E: {nil, "SendSyncRequest1"},
	0x2F: {nil, "SendSyncRequest2"},
	0x30: {nil, "SendSyncRequest3"},
	0x31: {nil, "SendSyncRequest4"},
	0x32: {svcSendSyncRequest, "SendSyncRequest"},
	0x33: {nil, "OpenProcess"},
	0x34: {nil, "OpenThread"},
	0x35: {svcGetProcessId, "GetProcessId"},
	0x36: {svcGetProcessIdOfThread, "GetProcessIdOfThread"},
	0x37: {svcGetThreadId, "GetThreadId"},
	0x38: {svcGetResourceLimit, "GetResourceLimit"},
	0x39: {svcGetResourceLimitLimitValues, "GetResourceLimitLimitValues"},
	0x3A: {svcGetResourceLimitCurrentValues, "GetResourceLimitCurrentValues"},
	0x3B: {nil, "GetThreadContext"},
	0x3C: {svcBreak, "Break"},
	0x3D: {svcOutputDebugString, "OutputDebugString"},
	0x3E: {nil, "ControlPerformanceCounter"},
	0x3F: {nil, "Unknown"},
	0x40: {nil, "Unknown"},
	0x41: {nil, "Unknown"},
	0x42: {nil, "Unknown"},
	0x43: {nil, "Unknown"},
	0x44: {nil, "Unknown"},
	0x45: {nil, "Unknown"},
	0x46: {nil, "Unknown"},
	0x47: {svcCreatePort, "CreatePort"},
	0x48: {svcCreateSessionToPort, "CreateSessionToPort"},
	0x49: {svcCreateSession, "CreateSession"},
	0x4A: {svcAcceptSession, "AcceptSession"},
	0x4B: {nil, "ReplyAndReceive1"},
	0x4C: {nil, "ReplyAndReceive2"},
	0x4D: {nil, "ReplyAndReceive3"},
	0x4E: {nil, "ReplyAndReceive4"},
	0x4F: {svcReplyAndReceive, "ReplyAndReceive"},
	0x50: {nil, "BindInterrupt"},
	0x51: {nil, "UnbindInterrupt"},
	0x52: {nil, "InvalidateProcessDataCache"},
	0x53: {nil, "StoreProcessDataCache"},
	0x54: {nil, "FlushProcessDataCache"},
	0x55: {nil, "StartInterProcessDma"},
	0x56: {nil, "StopDma"},
	0x57: {nil, "GetDmaState"},
	0x58: {nil, "RestartDma"},
	0x59: {nil, "SetGpuProt"},
	0x5A: {nil, "SetWifiEnabled"},
	0x5B: {nil, "Unknown"},
	0x5C: {nil, "Unknown"},
	0x5D: {nil, "Unknown"},
	0x5E: {nil, "Unknown"},
	0x5F: {nil, "Unknown"},
	0x60: {nil, "DebugActiveProcess"},
	0x61: {nil, "BreakDebugProcess"},
	0x62: {nil, "TerminateDebugProcess"},
	0x63: {nil, "GetProcessDebugEvent"},
	0x64: {nil, "ContinueDebugEvent"},
	0x65: {nil, "GetProcessList"},
	0x66: {nil, "GetThreadList"},
	0x67: {nil, "GetDebugThreadContext"},
	0x68: {nil, "SetDebugThreadContext"},
	0x69: {nil, "QueryDebugProcessMemory"},
	0x6A: {nil, "ReadProcessMemory"},
	0x6B: {nil, "WriteProcessMemory"},
	0x6C: {nil, "SetHardwareBreakPoint"},
	0x6D: {nil, "GetDebugThreadParam"},
	0x6E: {nil, "Unknown"},
	0x6F: {nil, "Unknown"},
	0x70: {nil, "ControlProcessMemory"},
	0x71: {nil, "MapProcessMemory"},
	0x72: {nil, "UnmapProcessMemory"},
	0x73: {nil, "CreateCodeSet"},
	0x74: {nil, "RandomStub"},
	0x75: {nil, "CreateProcess"},
	0x76: {nil, "TerminateProcess"},
	0x77: {nil, "SetProcessResourceLimits"},
	0x78: {nil, "CreateResourceLimit"},
	0x79: {nil, "SetResourceLimitValues"},
	0x7A: {nil, "AddCodeSegment"},
	0x7B: {nil, "Backdoor"},
	0x7C: {nil, "KernelSetState"},
	0x7D: {svcQueryProcessMemory, "QueryProcessMemory"},
}
