package kernel

import (
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// ProcessStatus tracks process lifetime.
type ProcessStatus int

const (
	ProcessStatusRunning ProcessStatus = iota
	ProcessStatusExited
)

// interval is a [start, end) byte range inside an FCRAM region.
type interval struct {
	start uint32
	end   uint32
}

// MemoryRegionInfo is a first-fit allocator over one FCRAM partition.
// Offsets are physical FCRAM offsets.
type MemoryRegionInfo struct {
	base uint32
	size uint32
	used uint32

	free []interval
}

func newMemoryRegionInfo(base, size uint32) *MemoryRegionInfo {
	return &MemoryRegionInfo{base: base, size: size, free: []interval{{base, base + size}}}
}

func (r *MemoryRegionInfo) Used() uint32 { return r.used }

// Allocate carves size bytes from the start of the region, first fit.
func (r *MemoryRegionInfo) Allocate(size uint32) (uint32, bool) {
	for i := range r.free {
		iv := &r.free[i]
		if iv.end-iv.start < size {
			continue
		}
		offset := iv.start
		iv.start += size
		if iv.start == iv.end {
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		r.used += size
		return offset, true
	}
	return 0, false
}

// LinearAllocate carves size bytes from the end of the region; TLS pages
// and shared memory blocks come from here so they stay clear of the heap.
func (r *MemoryRegionInfo) LinearAllocate(size uint32) (uint32, bool) {
	for i := len(r.free) - 1; i >= 0; i-- {
		iv := &r.free[i]
		if iv.end-iv.start < size {
			continue
		}
		iv.end -= size
		offset := iv.end
		if iv.start == iv.end {
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		r.used += size
		return offset, true
	}
	return 0, false
}

// Free returns a previously allocated range to the region.
func (r *MemoryRegionInfo) Free(offset, size uint32) {
	r.used -= size
	// Insert sorted, then coalesce neighbours.
	at := len(r.free)
	for i, iv := range r.free {
		if offset < iv.start {
			at = i
			break
		}
	}
	r.free = append(r.free, interval{})
	copy(r.free[at+1:], r.free[at:])
	r.free[at] = interval{offset, offset + size}
	merged := r.free[:0]
	for _, iv := range r.free {
		if n := len(merged); n > 0 && merged[n-1].end >= iv.start {
			if iv.end > merged[n-1].end {
				merged[n-1].end = iv.end
			}
			continue
		}
		merged = append(merged, iv)
	}
	r.free = merged
}

// Resource categories tracked by a ResourceLimit.
const (
	ResourcePriority = iota
	ResourceCommit
	ResourceThread
	ResourceEvent
	ResourceMutex
	ResourceSemaphore
	ResourceTimer
	ResourceSharedMemory
	ResourceAddressArbiter
	ResourceCPUTime
	resourceCount
)

// ResourceLimit caps what a process may create. Only the limit values are
// consulted by the SVCs that enforce authorization.
type ResourceLimit struct {
	kernelObject

	current [resourceCount]int64
	limits  [resourceCount]int64
}

func (rl *ResourceLimit) HandleType() HandleType { return HandleTypeResourceLimit }

// GetCurrentValue returns the live usage of one resource category.
func (rl *ResourceLimit) GetCurrentValue(resource uint32) int64 {
	if resource >= resourceCount {
		return 0
	}
	return rl.current[resource]
}

// GetMaxValue returns the cap of one resource category.
func (rl *ResourceLimit) GetMaxValue(resource uint32) int64 {
	if resource >= resourceCount {
		return 0
	}
	return rl.limits[resource]
}

// newApplicationResourceLimit builds the limit set regular applications
// run under.
func newApplicationResourceLimit(k *Kernel) *ResourceLimit {
	rl := &ResourceLimit{}
	rl.id = k.newObjectID()
	rl.name = "applications"
	rl.limits[ResourcePriority] = int64(ThreadPrioUserlandMax)
	rl.limits[ResourceCommit] = 0x4000000
	rl.limits[ResourceThread] = 0x20
	rl.limits[ResourceEvent] = 0x20
	rl.limits[ResourceMutex] = 0x20
	rl.limits[ResourceSemaphore] = 0x8
	rl.limits[ResourceTimer] = 0x8
	rl.limits[ResourceSharedMemory] = 0x10
	rl.limits[ResourceAddressArbiter] = 0x2
	return rl
}

type heapBlock struct {
	target memory.VAddr
	offset uint32
	size   uint32
}

// Process owns a handle table, an address space and the TLS page bitmap
// its threads allocate slots from.
type Process struct {
	kernelObject

	kernel *Kernel

	processID uint32
	status    ProcessStatus

	handleTable   *HandleTable
	vmManager     *VMManager
	resourceLimit *ResourceLimit

	memoryRegion    MemoryRegion
	idealProcessor  int32
	memoryUsed      uint32

	// tlsSlots is one 8-bit bitset per mapped TLS page.
	tlsSlots []uint8

	heapBlocks   []heapBlock
	linearBlocks []heapBlock
}

// CreateProcess builds an empty process with a fresh address space.
func (k *Kernel) CreateProcess(name string) *Process {
	p := &Process{
		kernel:       k,
		memoryRegion: MemoryRegionApplication,
	}
	p.id = k.newObjectID()
	p.name = name
	k.nextProcessID++
	p.processID = k.nextProcessID
	p.handleTable = newHandleTable(k)
	p.vmManager = NewVMManager()
	p.resourceLimit = newApplicationResourceLimit(k)
	k.processes = append(k.processes, p)
	if k.currentProcess == nil {
		k.currentProcess = p
	}
	return p
}

func (p *Process) HandleType() HandleType { return HandleTypeProcess }

func (p *Process) ProcessID() uint32 { return p.processID }

func (p *Process) Status() ProcessStatus { return p.status }

// SetExited marks the process as exited.
func (p *Process) SetExited() { p.status = ProcessStatusExited }

// IdealProcessor is the core new threads default to.
func (p *Process) IdealProcessor() int32 { return p.idealProcessor }

func (p *Process) HandleTable() *HandleTable { return p.handleTable }

func (p *Process) VMManager() *VMManager { return p.vmManager }

func (p *Process) ResourceLimit() *ResourceLimit { return p.resourceLimit }

func (p *Process) MemoryUsed() uint32 { return p.memoryUsed }

// PageTable exposes the process address space for guest memory access.
func (p *Process) PageTable() *memory.PageTable { return p.vmManager.pageTable }

func (p *Process) region() *MemoryRegionInfo {
	return p.kernel.GetMemoryRegion(p.memoryRegion)
}

// allocateTLSSlot finds a free TLS slot, mapping a fresh TLS page from the
// Base region when every existing page is full.
func (p *Process) allocateTLSSlot() (memory.VAddr, result.Code) {
	page, slot, needsAllocation := p.findFreeTLSSlot()
	if needsAllocation {
		// TLS pages are allocated from the Base region in the linear heap.
		region := p.kernel.GetMemoryRegion(MemoryRegionBase)
		offset, ok := region.LinearAllocate(memory.PageSize)
		if !ok {
			return 0, result.ErrOutOfMemory
		}
		p.memoryUsed += memory.PageSize
		p.tlsSlots = append(p.tlsSlots, 0)
		page = len(p.tlsSlots) - 1
		slot = 0
		code := p.vmManager.MapBackingMemory(
			memory.TLSAreaVAddr+uint32(page)*memory.PageSize,
			p.kernel.fcram, offset, memory.PageSize, MemoryStateLocked)
		if code.IsError() {
			return 0, code
		}
	}
	p.tlsSlots[page] |= 1 << slot
	return memory.TLSAreaVAddr + uint32(page)*memory.PageSize + uint32(slot)*memory.TLSEntrySize,
		result.Success
}

func (p *Process) findFreeTLSSlot() (page, slot int, needsAllocation bool) {
	for page := range p.tlsSlots {
		if p.tlsSlots[page] == 0xFF {
			continue
		}
		for slot := 0; slot < int(memory.TLSSlotsPerPage); slot++ {
			if p.tlsSlots[page]&(1<<slot) == 0 {
				return page, slot, false
			}
		}
	}
	return 0, 0, true
}

// HeapAllocate commits size bytes at target in the application heap.
func (p *Process) HeapAllocate(target memory.VAddr, size uint32, perms VMAPermission) (memory.VAddr, result.Code) {
	if target < memory.HeapVAddr || target+size > memory.HeapVAddrEnd || target+size < target {
		return 0, result.ErrInvalidAddress
	}
	offset, ok := p.region().Allocate(size)
	if !ok {
		return 0, result.ErrOutOfMemory
	}
	code := p.vmManager.MapBackingMemory(target, p.kernel.fcram, offset, size, MemoryStatePrivate)
	if code.IsError() {
		p.region().Free(offset, size)
		return 0, code
	}
	p.vmManager.ReprotectRange(target, size, perms)
	p.heapBlocks = append(p.heapBlocks, heapBlock{target: target, offset: offset, size: size})
	p.memoryUsed += size
	return target, result.Success
}

// HeapFree releases a committed heap range.
func (p *Process) HeapFree(target memory.VAddr, size uint32) result.Code {
	if target < memory.HeapVAddr || target+size > memory.HeapVAddrEnd || target+size < target {
		return result.ErrInvalidAddress
	}
	if size == 0 {
		return result.Success
	}
	block, ok := p.takeBlock(&p.heapBlocks, target, size)
	if !ok {
		return result.ErrInvalidAddress
	}
	code := p.vmManager.UnmapRange(target, size)
	if code.IsError() {
		return code
	}
	p.region().Free(block.offset, block.size)
	p.memoryUsed -= size
	return result.Success
}

// LinearHeapBase returns the start of this process's view of the linear
// heap.
func (p *Process) LinearHeapBase() memory.VAddr { return memory.LinearHeapVAddr }

// LinearHeapLimit returns the end of the linear heap window.
func (p *Process) LinearHeapLimit() memory.VAddr { return memory.LinearHeapVAddrEnd }

// LinearAllocate commits size bytes in the linear heap. target 0 lets the
// kernel choose the placement.
func (p *Process) LinearAllocate(target memory.VAddr, size uint32, perms VMAPermission) (memory.VAddr, result.Code) {
	offset, ok := p.region().Allocate(size)
	if !ok {
		return 0, result.ErrOutOfMemory
	}
	if target == 0 {
		target = memory.LinearHeapVAddr + offset
	}
	if target < p.LinearHeapBase() || target+size > p.LinearHeapLimit() || target+size < target {
		p.region().Free(offset, size)
		return 0, result.ErrInvalidAddress
	}
	code := p.vmManager.MapBackingMemory(target, p.kernel.fcram, offset, size, MemoryStateContinuous)
	if code.IsError() {
		p.region().Free(offset, size)
		return 0, code
	}
	p.vmManager.ReprotectRange(target, size, perms)
	p.linearBlocks = append(p.linearBlocks, heapBlock{target: target, offset: offset, size: size})
	p.memoryUsed += size
	return target, result.Success
}

// LinearFree releases a linear heap range.
func (p *Process) LinearFree(target memory.VAddr, size uint32) result.Code {
	if target < p.LinearHeapBase() || target+size > p.LinearHeapLimit() || target+size < target {
		return result.ErrInvalidAddress
	}
	if size == 0 {
		return result.Success
	}
	block, ok := p.takeBlock(&p.linearBlocks, target, size)
	if !ok {
		return result.ErrInvalidAddress
	}
	code := p.vmManager.UnmapRange(target, size)
	if code.IsError() {
		return code
	}
	p.region().Free(block.offset, block.size)
	p.memoryUsed -= size
	return result.Success
}

func (p *Process) takeBlock(blocks *[]heapBlock, target memory.VAddr, size uint32) (heapBlock, bool) {
	for i, b := range *blocks {
		if b.target == target && b.size == size {
			*blocks = append((*blocks)[:i], (*blocks)[i+1:]...)
			return b, true
		}
	}
	return heapBlock{}, false
}

// Map aliases the committed range at source into target.
func (p *Process) Map(target, source memory.VAddr, size uint32, perms VMAPermission) result.Code {
	backing, offset, ok := p.vmManager.backingFor(source, size)
	if !ok {
		return result.ErrInvalidAddress
	}
	code := p.vmManager.MapBackingMemory(target, backing, offset, size, MemoryStateAliased)
	if code.IsError() {
		return code
	}
	p.vmManager.ReprotectRange(target, size, perms)
	return result.Success
}

// Unmap removes an alias created by Map.
func (p *Process) Unmap(target, source memory.VAddr, size uint32, perms VMAPermission) result.Code {
	return p.vmManager.UnmapRange(target, size)
}
