package kernel

import (
	"testing"

	"github.com/Otakusd/citra/core/memory"
)

func TestVMManagerMapAndFind(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, 3*memory.PageSize)

	code := vm.MapBackingMemory(0x10000000, backing, 0, uint32(len(backing)), MemoryStatePrivate)
	if code.IsError() {
		t.Fatalf("map failed: %08X", uint32(code))
	}
	i := vm.FindVMA(0x10001000)
	if i < 0 {
		t.Fatal("FindVMA missed the mapping")
	}
	v := vm.VMAs()[i]
	if v.Type != VMABacking || v.Base != 0x10000000 || v.Size != uint32(len(backing)) {
		t.Fatalf("unexpected VMA %08X+%X type=%d", v.Base, v.Size, v.Type)
	}
	// The page table sees the mapping.
	vm.PageTable().Write32(0x10000004, 0xDEADBEEF)
	if got := vm.PageTable().Read32(0x10000004); got != 0xDEADBEEF {
		t.Fatal("page table write did not land")
	}
}

func TestVMManagerRejectsOverlap(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, memory.PageSize)
	if code := vm.MapBackingMemory(0x10000000, backing, 0, memory.PageSize, MemoryStatePrivate); code.IsError() {
		t.Fatalf("map failed: %08X", uint32(code))
	}
	if code := vm.MapBackingMemory(0x10000000, backing, 0, memory.PageSize, MemoryStatePrivate); code.IsSuccess() {
		t.Fatal("overlapping map succeeded")
	}
}

// Map; Unmap; the affected range reads as free again.
func TestVMManagerUnmapRoundTrip(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, 2*memory.PageSize)
	vm.MapBackingMemory(0x10000000, backing, 0, uint32(len(backing)), MemoryStatePrivate)

	if code := vm.UnmapRange(0x10000000, uint32(len(backing))); code.IsError() {
		t.Fatalf("unmap failed: %08X", uint32(code))
	}
	i := vm.FindVMA(0x10000000)
	if v := vm.VMAs()[i]; v.Type != VMAFree || v.State != MemoryStateFree {
		t.Fatal("unmapped range is not free")
	}
	// Free neighbours merged back into a single VMA covering everything.
	if len(vm.VMAs()) != 1 {
		t.Fatalf("layout has %d VMAs, want 1 after merge", len(vm.VMAs()))
	}
	if vm.PageTable().IsValidVirtualAddress(0x10000000) {
		t.Fatal("unmapped page still readable")
	}
}

func TestVMManagerPartialUnmapSplits(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, 3*memory.PageSize)
	vm.MapBackingMemory(0x10000000, backing, 0, uint32(len(backing)), MemoryStatePrivate)

	if code := vm.UnmapRange(0x10001000, memory.PageSize); code.IsError() {
		t.Fatalf("unmap failed: %08X", uint32(code))
	}
	if i := vm.FindVMA(0x10000000); vm.VMAs()[i].Size != memory.PageSize {
		t.Fatal("left fragment has the wrong size")
	}
	if i := vm.FindVMA(0x10002000); vm.VMAs()[i].Type != VMABacking {
		t.Fatal("right fragment lost its backing")
	}
	if !vm.PageTable().IsValidVirtualAddress(0x10002000) {
		t.Fatal("right fragment unmapped from the page table")
	}
}

func TestVMManagerReprotectSplitsAtEdges(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, 3*memory.PageSize)
	vm.MapBackingMemory(0x10000000, backing, 0, uint32(len(backing)), MemoryStatePrivate)

	if code := vm.ReprotectRange(0x10001000, memory.PageSize, VMAPermRead); code.IsError() {
		t.Fatalf("reprotect failed: %08X", uint32(code))
	}
	if i := vm.FindVMA(0x10001000); vm.VMAs()[i].Permissions != VMAPermRead {
		t.Fatal("middle page not reprotected")
	}
	if i := vm.FindVMA(0x10000000); vm.VMAs()[i].Permissions != VMAPermReadWrite {
		t.Fatal("left page permissions changed")
	}
	// Restoring the permissions merges the pieces back together.
	vm.ReprotectRange(0x10001000, memory.PageSize, VMAPermReadWrite)
	i := vm.FindVMA(0x10000000)
	if vm.VMAs()[i].Size != uint32(len(backing)) {
		t.Fatal("reprotected fragments did not merge back")
	}
}

func TestVMManagerAdjacentMappingsMergeWhenContiguous(t *testing.T) {
	vm := NewVMManager()
	backing := make([]byte, 2*memory.PageSize)
	vm.MapBackingMemory(0x10000000, backing, 0, memory.PageSize, MemoryStatePrivate)
	vm.MapBackingMemory(0x10001000, backing, memory.PageSize, memory.PageSize, MemoryStatePrivate)

	i := vm.FindVMA(0x10000000)
	if got := vm.VMAs()[i].Size; got != 2*memory.PageSize {
		t.Fatalf("contiguous mappings did not merge, size=%X", got)
	}
}

func TestHeapAllocateFreeRoundTrip(t *testing.T) {
	k, p := newTestKernel(t)
	addr, code := p.HeapAllocate(memory.HeapVAddr, 2*memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("heap allocate failed: %08X", uint32(code))
	}
	p.PageTable().Write32(addr, 42)
	if got := p.PageTable().Read32(addr); got != 42 {
		t.Fatal("heap page not readable")
	}
	used := k.GetMemoryRegion(MemoryRegionApplication).Used()
	if code := p.HeapFree(addr, 2*memory.PageSize); code.IsError() {
		t.Fatalf("heap free failed: %08X", uint32(code))
	}
	if k.GetMemoryRegion(MemoryRegionApplication).Used() != used-2*memory.PageSize {
		t.Fatal("region usage not returned on free")
	}
	if p.PageTable().IsValidVirtualAddress(addr) {
		t.Fatal("freed heap still mapped")
	}
}

func TestLinearAllocatePlacement(t *testing.T) {
	_, p := newTestKernel(t)
	addr, code := p.LinearAllocate(0, memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("linear allocate failed: %08X", uint32(code))
	}
	if addr < memory.LinearHeapVAddr || addr >= memory.LinearHeapVAddrEnd {
		t.Fatalf("linear allocation outside the linear heap: %08X", addr)
	}
	if code := p.LinearFree(addr, memory.PageSize); code.IsError() {
		t.Fatalf("linear free failed: %08X", uint32(code))
	}
}

func TestHeapAllocateOutOfRange(t *testing.T) {
	_, p := newTestKernel(t)
	if _, code := p.HeapAllocate(0x1000, memory.PageSize, VMAPermReadWrite); code.IsSuccess() {
		t.Fatal("allocation outside the heap range succeeded")
	}
}
