package kernel

import (
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// MemoryPermission is the guest-facing permission encoding used by the
// memory-block SVCs.
type MemoryPermission uint32

const (
	MemoryPermissionNone             MemoryPermission = 0
	MemoryPermissionRead             MemoryPermission = 1
	MemoryPermissionWrite            MemoryPermission = 2
	MemoryPermissionReadWrite        MemoryPermission = 3
	MemoryPermissionExecute          MemoryPermission = 4
	MemoryPermissionReadExecute      MemoryPermission = 5
	MemoryPermissionWriteExecute     MemoryPermission = 6
	MemoryPermissionReadWriteExecute MemoryPermission = 7
	MemoryPermissionDontCare         MemoryPermission = 0x10000000
)

// SharedMemory is a block of committed memory mappable into multiple
// process address spaces with creator-controlled permissions.
type SharedMemory struct {
	waitObject

	kernel *Kernel
	owner  *Process

	size uint32

	permissions      MemoryPermission
	otherPermissions MemoryPermission

	// baseAddress is where the block was created in the owner's space,
	// or zero for region-allocated blocks.
	baseAddress memory.VAddr

	mem    []byte
	offset uint32
	region MemoryRegion
}

// CreateSharedMemory makes a shared memory block of size bytes. With a
// non-zero address the block is backed by the owner's memory at that
// address; otherwise fresh pages come from the given region.
func (k *Kernel) CreateSharedMemory(owner *Process, size uint32, permissions,
	otherPermissions MemoryPermission, address memory.VAddr, region MemoryRegion,
	name string) (*SharedMemory, result.Code) {
	m := &SharedMemory{
		kernel:           k,
		owner:            owner,
		size:             size,
		permissions:      permissions,
		otherPermissions: otherPermissions,
		baseAddress:      address,
		region:           region,
	}
	m.id = k.newObjectID()
	m.name = name
	m.self = m

	if address == 0 {
		offset, ok := k.GetMemoryRegion(region).LinearAllocate(size)
		if !ok {
			return nil, result.ErrOutOfMemory
		}
		m.mem = k.fcram
		m.offset = offset
		if owner != nil {
			owner.memoryUsed += size
		}
		return m, result.Success
	}

	// Block backed by the owner's existing memory.
	mem, offset, ok := owner.vmManager.backingFor(address, size)
	if !ok {
		return nil, result.ErrInvalidAddress
	}
	m.mem = mem
	m.offset = offset
	return m, result.Success
}

func (m *SharedMemory) HandleType() HandleType { return HandleTypeSharedMemory }

// Waiting on a shared memory block never blocks: it is always acquirable,
// and acquiring it has no effect.
func (m *SharedMemory) ShouldWait(t *Thread) bool { return false }

func (m *SharedMemory) Acquire(t *Thread) {}

// Size returns the block length in bytes.
func (m *SharedMemory) Size() uint32 { return m.size }

// Map installs the block into target's address space. The requested
// permissions must not exceed what the creator granted that side.
func (m *SharedMemory) Map(target *Process, address memory.VAddr, permissions,
	otherPermissions MemoryPermission) result.Code {
	allowed := m.otherPermissions
	if target == m.owner {
		allowed = m.permissions
	}
	if allowed == MemoryPermissionDontCare {
		allowed = MemoryPermissionReadWrite
	}
	if permissions != MemoryPermissionDontCare &&
		uint32(permissions)&^uint32(allowed) != 0 {
		return result.ErrInvalidCombination
	}

	if address == 0 {
		if m.baseAddress != 0 {
			address = m.baseAddress
		} else {
			// Region-allocated blocks default into the linear heap
			// window over their backing.
			address = memory.LinearHeapVAddr + m.offset
		}
	}
	if address+m.size < address || address+m.size > vmSpaceEnd {
		return result.ErrInvalidAddress
	}

	code := target.vmManager.MapBackingMemory(address, m.mem, m.offset, m.size, MemoryStateShared)
	if code.IsError() {
		return code
	}
	perms := VMAPermReadWrite
	if permissions != MemoryPermissionDontCare {
		perms = VMAPermission(permissions)
	}
	target.vmManager.ReprotectRange(address, m.size, perms)
	return result.Success
}

// Unmap removes the block from target's address space at address.
func (m *SharedMemory) Unmap(target *Process, address memory.VAddr) result.Code {
	return target.vmManager.UnmapRange(address, m.size)
}

func (m *SharedMemory) destroy() {
	if m.baseAddress == 0 && m.mem != nil {
		m.kernel.GetMemoryRegion(m.region).Free(m.offset, m.size)
		if m.owner != nil {
			m.owner.memoryUsed -= m.size
		}
	}
}
