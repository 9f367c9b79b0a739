package kernel

import "github.com/Otakusd/citra/core/hle/result"

// Handle is a process-scoped 32-bit token for a kernel object: a 15-bit
// generation in the low bits and the table slot above it.
type Handle uint32

const (
	// CurrentThread resolves to the running thread without a table slot.
	CurrentThread Handle = 0xFFFF8000
	// CurrentProcess resolves to the invoking process without a table slot.
	CurrentProcess Handle = 0xFFFF8001
)

const handleTableSize = 4096

// HandleTable maps handles to strong object references. Closed slots go on
// a free list; a reused slot gets a fresh generation, so stale handles fail
// validation instead of aliasing the new occupant.
type HandleTable struct {
	kernel *Kernel

	objects     [handleTableSize]Object
	generations [handleTableSize]uint16

	nextGeneration uint16
	nextFreeSlot   int
}

func newHandleTable(k *Kernel) *HandleTable {
	ht := &HandleTable{kernel: k, nextGeneration: 1}
	ht.Clear()
	return ht
}

// Clear closes every open handle.
func (ht *HandleTable) Clear() {
	for i := range ht.objects {
		if ht.objects[i] != nil {
			release(ht.objects[i])
		}
		ht.objects[i] = nil
		ht.generations[i] = uint16(i + 1)
	}
	ht.nextFreeSlot = 0
}

// Create allocates the next free slot and returns a handle for obj.
func (ht *HandleTable) Create(obj Object) (Handle, result.Code) {
	slot := ht.nextFreeSlot
	if slot >= handleTableSize {
		return 0, result.ErrOutOfHandles
	}
	ht.nextFreeSlot = int(ht.generations[slot])

	generation := ht.nextGeneration
	ht.nextGeneration++
	// Generation 0 is reserved for the null handle.
	if ht.nextGeneration >= 1<<15 {
		ht.nextGeneration = 1
	}

	ht.generations[slot] = generation
	ht.objects[slot] = obj
	open(obj)

	return Handle(generation) | Handle(slot)<<15, result.Success
}

// Duplicate returns a new handle aliasing the object behind handle.
func (ht *HandleTable) Duplicate(handle Handle) (Handle, result.Code) {
	obj := ht.GetGeneric(handle)
	if obj == nil {
		return 0, result.ErrInvalidHandle
	}
	return ht.Create(obj)
}

// Close drops the slot; the final drop finalizes the object.
func (ht *HandleTable) Close(handle Handle) result.Code {
	if !ht.IsValid(handle) {
		return result.ErrInvalidHandle
	}
	slot := int(handle >> 15)
	obj := ht.objects[slot]
	ht.objects[slot] = nil
	ht.generations[slot] = uint16(ht.nextFreeSlot)
	ht.nextFreeSlot = slot
	release(obj)
	return result.Success
}

// IsValid reports whether handle names a live slot.
func (ht *HandleTable) IsValid(handle Handle) bool {
	slot := int(handle >> 15)
	generation := uint16(handle & 0x7FFF)
	return slot < handleTableSize && ht.objects[slot] != nil && ht.generations[slot] == generation
}

// GetGeneric resolves a handle to its object, honouring the CurrentThread
// and CurrentProcess sentinels. Returns nil for dead or stale handles.
func (ht *HandleTable) GetGeneric(handle Handle) Object {
	switch handle {
	case CurrentThread:
		return ht.kernel.ThreadManager().CurrentThread()
	case CurrentProcess:
		return ht.kernel.CurrentProcess()
	}
	if !ht.IsValid(handle) {
		return nil
	}
	return ht.objects[handle>>15]
}

// GetWaitObject resolves a handle to a waitable object, or nil.
func (ht *HandleTable) GetWaitObject(handle Handle) WaitObject {
	if wo, ok := ht.GetGeneric(handle).(WaitObject); ok {
		return wo
	}
	return nil
}

func (ht *HandleTable) GetThread(handle Handle) *Thread {
	if t, ok := ht.GetGeneric(handle).(*Thread); ok {
		return t
	}
	return nil
}

func (ht *HandleTable) GetProcess(handle Handle) *Process {
	if p, ok := ht.GetGeneric(handle).(*Process); ok {
		return p
	}
	return nil
}

func (ht *HandleTable) GetMutex(handle Handle) *Mutex {
	if m, ok := ht.GetGeneric(handle).(*Mutex); ok {
		return m
	}
	return nil
}

func (ht *HandleTable) GetSemaphore(handle Handle) *Semaphore {
	if s, ok := ht.GetGeneric(handle).(*Semaphore); ok {
		return s
	}
	return nil
}

func (ht *HandleTable) GetEvent(handle Handle) *Event {
	if e, ok := ht.GetGeneric(handle).(*Event); ok {
		return e
	}
	return nil
}

func (ht *HandleTable) GetTimer(handle Handle) *Timer {
	if t, ok := ht.GetGeneric(handle).(*Timer); ok {
		return t
	}
	return nil
}

func (ht *HandleTable) GetSharedMemory(handle Handle) *SharedMemory {
	if m, ok := ht.GetGeneric(handle).(*SharedMemory); ok {
		return m
	}
	return nil
}

func (ht *HandleTable) GetAddressArbiter(handle Handle) *AddressArbiter {
	if a, ok := ht.GetGeneric(handle).(*AddressArbiter); ok {
		return a
	}
	return nil
}

func (ht *HandleTable) GetClientPort(handle Handle) *ClientPort {
	if p, ok := ht.GetGeneric(handle).(*ClientPort); ok {
		return p
	}
	return nil
}

func (ht *HandleTable) GetServerPort(handle Handle) *ServerPort {
	if p, ok := ht.GetGeneric(handle).(*ServerPort); ok {
		return p
	}
	return nil
}

func (ht *HandleTable) GetClientSession(handle Handle) *ClientSession {
	if s, ok := ht.GetGeneric(handle).(*ClientSession); ok {
		return s
	}
	return nil
}

func (ht *HandleTable) GetServerSession(handle Handle) *ServerSession {
	if s, ok := ht.GetGeneric(handle).(*ServerSession); ok {
		return s
	}
	return nil
}

func (ht *HandleTable) GetResourceLimit(handle Handle) *ResourceLimit {
	if r, ok := ht.GetGeneric(handle).(*ResourceLimit); ok {
		return r
	}
	return nil
}
