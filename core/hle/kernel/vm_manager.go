package kernel

import (
	"sort"

	"github.com/Otakusd/citra/core/clog"
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// VMAType says what backs a virtual memory area.
type VMAType int

const (
	// VMAFree is unmapped address space.
	VMAFree VMAType = iota
	// VMABacking is host-memory-backed address space.
	VMABacking
)

// VMAPermission is the guest-visible page protection.
type VMAPermission uint32

const (
	VMAPermNone      VMAPermission = 0
	VMAPermRead      VMAPermission = 1
	VMAPermWrite     VMAPermission = 2
	VMAPermReadWrite VMAPermission = VMAPermRead | VMAPermWrite
	VMAPermExecute   VMAPermission = 4
	VMAPermReadExecute      VMAPermission = VMAPermRead | VMAPermExecute
	VMAPermWriteExecute     VMAPermission = VMAPermWrite | VMAPermExecute
	VMAPermReadWriteExecute VMAPermission = VMAPermReadWrite | VMAPermExecute
	VMAPermDontCare         VMAPermission = 0x10000000
)

// MemoryState is the meminfo state QueryMemory reports for a region.
type MemoryState uint32

const (
	MemoryStateFree MemoryState = iota
	MemoryStateReserved
	MemoryStateIO
	MemoryStateStatic
	MemoryStateCode
	MemoryStatePrivate
	MemoryStateShared
	MemoryStateContinuous
	MemoryStateAliased
	MemoryStateAlias
	MemoryStateAliasCode
	MemoryStateLocked
)

// VMA is one contiguous span of a process address space. Backed VMAs
// remember their host block and the offset into it so neighbouring areas
// can tell whether they are physically contiguous.
type VMA struct {
	Base        memory.VAddr
	Size        uint32
	Type        VMAType
	Permissions VMAPermission
	State       MemoryState

	mem    []byte
	offset uint32
}

// vmManager address space covers [0, vmSpaceEnd).
const vmSpaceEnd = 0xFFFFF000

// VMManager keeps a process's VMA list sorted, contiguous and minimal:
// neighbours that can merge do.
type VMManager struct {
	vmas      []VMA
	pageTable *memory.PageTable
}

func NewVMManager() *VMManager {
	return &VMManager{
		vmas:      []VMA{{Base: 0, Size: vmSpaceEnd, Type: VMAFree, State: MemoryStateFree}},
		pageTable: memory.NewPageTable(),
	}
}

// PageTable returns the page table this manager maintains.
func (vm *VMManager) PageTable() *memory.PageTable { return vm.pageTable }

// VMAs returns the current layout.
func (vm *VMManager) VMAs() []VMA { return vm.vmas }

// FindVMA returns the index of the VMA containing addr, or -1 past the end
// of the managed space.
func (vm *VMManager) FindVMA(addr memory.VAddr) int {
	if addr >= vmSpaceEnd {
		return -1
	}
	// First VMA whose end is past addr.
	i := sort.Search(len(vm.vmas), func(i int) bool {
		return vm.vmas[i].Base+vm.vmas[i].Size > addr
	})
	if i == len(vm.vmas) {
		return -1
	}
	return i
}

// splitAt ensures a VMA boundary exists at addr and returns the index of
// the VMA starting there.
func (vm *VMManager) splitAt(addr memory.VAddr) int {
	i := vm.FindVMA(addr)
	v := vm.vmas[i]
	if v.Base == addr {
		return i
	}
	left := v
	left.Size = addr - v.Base
	right := v
	right.Base = addr
	right.Size = v.Size - left.Size
	if right.Type == VMABacking {
		right.offset += left.Size
	}
	vm.vmas = append(vm.vmas, VMA{})
	copy(vm.vmas[i+1:], vm.vmas[i:])
	vm.vmas[i] = left
	vm.vmas[i+1] = right
	return i + 1
}

// carveRange splits at both edges of [base, base+size) and returns the
// index range [first, last] covering it.
func (vm *VMManager) carveRange(base memory.VAddr, size uint32) (int, int, result.Code) {
	if size == 0 || base+size < base || base+size > vmSpaceEnd {
		return 0, 0, result.ErrInvalidAddress
	}
	first := vm.splitAt(base)
	if base+size < vmSpaceEnd {
		vm.splitAt(base + size)
	}
	last := first
	for vm.vmas[last].Base+vm.vmas[last].Size < base+size {
		last++
	}
	return first, last, result.Success
}

func mergeable(a, b *VMA) bool {
	if a.Type != b.Type || a.Permissions != b.Permissions || a.State != b.State {
		return false
	}
	if a.Type != VMABacking {
		return true
	}
	if len(a.mem) == 0 || len(b.mem) == 0 || &a.mem[0] != &b.mem[0] {
		return false
	}
	return a.offset+a.Size == b.offset
}

// mergeAdjacent collapses equal neighbours back into single VMAs.
func (vm *VMManager) mergeAdjacent() {
	out := vm.vmas[:1]
	for _, v := range vm.vmas[1:] {
		prev := &out[len(out)-1]
		if mergeable(prev, &v) {
			prev.Size += v.Size
			continue
		}
		out = append(out, v)
	}
	vm.vmas = out
}

// MapBackingMemory maps size bytes of mem (starting at offset) at target.
// The target range must be entirely free.
func (vm *VMManager) MapBackingMemory(target memory.VAddr, mem []byte, offset, size uint32,
	state MemoryState) result.Code {
	first, last, code := vm.carveRange(target, size)
	if code.IsError() {
		return code
	}
	for i := first; i <= last; i++ {
		if vm.vmas[i].Type != VMAFree {
			return result.ErrInvalidAddress
		}
	}
	// Collapse the carved span into one backed VMA.
	v := &vm.vmas[first]
	v.Size = size
	v.Type = VMABacking
	v.Permissions = VMAPermReadWrite
	v.State = state
	v.mem = mem
	v.offset = offset
	vm.vmas = append(vm.vmas[:first+1], vm.vmas[last+1:]...)
	vm.pageTable.MapPages(target, size, mem[offset:offset+size])
	vm.mergeAdjacent()
	return result.Success
}

// UnmapRange frees [base, base+size) and merges with free neighbours.
func (vm *VMManager) UnmapRange(base memory.VAddr, size uint32) result.Code {
	first, last, code := vm.carveRange(base, size)
	if code.IsError() {
		return code
	}
	for i := first; i <= last; i++ {
		v := &vm.vmas[i]
		v.Type = VMAFree
		v.Permissions = VMAPermNone
		v.State = MemoryStateFree
		v.mem = nil
		v.offset = 0
	}
	vm.pageTable.UnmapPages(base, size)
	vm.mergeAdjacent()
	return result.Success
}

// ReprotectRange rewrites the permissions of [base, base+size), splitting
// at the edges.
func (vm *VMManager) ReprotectRange(base memory.VAddr, size uint32, perms VMAPermission) result.Code {
	first, last, code := vm.carveRange(base, size)
	if code.IsError() {
		return code
	}
	for i := first; i <= last; i++ {
		vm.vmas[i].Permissions = perms
	}
	vm.mergeAdjacent()
	return result.Success
}

// backingFor resolves the host block behind a fully backed range.
func (vm *VMManager) backingFor(addr memory.VAddr, size uint32) ([]byte, uint32, bool) {
	i := vm.FindVMA(addr)
	if i < 0 {
		return nil, 0, false
	}
	v := &vm.vmas[i]
	if v.Type != VMABacking || addr+size > v.Base+v.Size {
		return nil, 0, false
	}
	return v.mem, v.offset + (addr - v.Base), true
}

// LogLayout dumps the current layout, one line per VMA.
func (vm *VMManager) LogLayout(level clog.Level) {
	for _, v := range vm.vmas {
		clog.Log(level, clog.Kernel, "%08X-%08X size=%08X perms=%d state=%d",
			v.Base, v.Base+v.Size, v.Size, v.Permissions, v.State)
	}
}
