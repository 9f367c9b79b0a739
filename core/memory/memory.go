// Package memory models the guest address space: per-process page tables
// over host-backed pages, typed little-endian accessors, and the memory
// map constants the kernel lays processes out with.
package memory

import "encoding/binary"

// VAddr is a guest virtual address.
type VAddr = uint32

const (
	PageSize uint32 = 0x1000
	PageMask uint32 = PageSize - 1
	PageBits uint32 = 12
)

// Guest memory map.
const (
	// ProcessImageVAddr is where process images are loaded.
	ProcessImageVAddr VAddr = 0x00100000

	// HeapVAddr..HeapVAddrEnd is the application heap region.
	HeapVAddr    VAddr = 0x08000000
	HeapSize     uint32 = 0x08000000
	HeapVAddrEnd VAddr = HeapVAddr + HeapSize

	// SharedMemoryVAddr..SharedMemoryVAddrEnd maps shared memory blocks.
	SharedMemoryVAddr    VAddr = 0x10000000
	SharedMemorySize     uint32 = 0x04000000
	SharedMemoryVAddrEnd VAddr = SharedMemoryVAddr + SharedMemorySize

	// LinearHeapVAddr mirrors FCRAM linearly.
	LinearHeapVAddr    VAddr = 0x14000000
	LinearHeapSize     uint32 = 0x08000000
	LinearHeapVAddrEnd VAddr = LinearHeapVAddr + LinearHeapSize

	// IPCMappingVAddr..IPCMappingVAddrEnd receives translated mapped
	// buffers on the server side of a session.
	IPCMappingVAddr    VAddr = 0x04000000
	IPCMappingSize     uint32 = 0x04000000
	IPCMappingVAddrEnd VAddr = IPCMappingVAddr + IPCMappingSize

	// TLSAreaVAddr is the first per-process TLS page; each thread owns
	// a TLSEntrySize slot inside one of those pages.
	TLSAreaVAddr VAddr = 0x1FF82000
	TLSEntrySize uint32 = 0x200
	TLSSlotsPerPage uint32 = PageSize / TLSEntrySize

	FCRAMPAddr uint32 = 0x20000000
	FCRAMSize  uint32 = 0x08000000
)

// PageTable maps page indices to host-backed pages. Each mapped entry is
// exactly one page long.
type PageTable struct {
	pages map[uint32][]byte
}

func NewPageTable() *PageTable {
	return &PageTable{pages: make(map[uint32][]byte)}
}

// MapPages backs [base, base+size) with consecutive pages of target.
// Base and size must be page-aligned.
func (pt *PageTable) MapPages(base VAddr, size uint32, target []byte) {
	if base&PageMask != 0 || size&PageMask != 0 {
		panic("memory: unaligned page mapping")
	}
	for off := uint32(0); off < size; off += PageSize {
		pt.pages[(base+off)>>PageBits] = target[off : off+PageSize]
	}
}

// UnmapPages removes the backing of [base, base+size).
func (pt *PageTable) UnmapPages(base VAddr, size uint32) {
	for off := uint32(0); off < size; off += PageSize {
		delete(pt.pages, (base+off)>>PageBits)
	}
}

// IsValidVirtualAddress reports whether addr is backed.
func (pt *PageTable) IsValidVirtualAddress(addr VAddr) bool {
	_, ok := pt.pages[addr>>PageBits]
	return ok
}

// GetPointer returns the host bytes backing [addr, end-of-page), or nil.
func (pt *PageTable) GetPointer(addr VAddr) []byte {
	page, ok := pt.pages[addr>>PageBits]
	if !ok {
		return nil
	}
	return page[addr&PageMask:]
}

func (pt *PageTable) Read8(addr VAddr) uint8 {
	p := pt.GetPointer(addr)
	if p == nil {
		return 0
	}
	return p[0]
}

func (pt *PageTable) Read16(addr VAddr) uint16 {
	var b [2]byte
	pt.ReadBlock(addr, b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (pt *PageTable) Read32(addr VAddr) uint32 {
	var b [4]byte
	pt.ReadBlock(addr, b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (pt *PageTable) Read64(addr VAddr) uint64 {
	var b [8]byte
	pt.ReadBlock(addr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (pt *PageTable) Write8(addr VAddr, value uint8) {
	if p := pt.GetPointer(addr); p != nil {
		p[0] = value
	}
}

func (pt *PageTable) Write16(addr VAddr, value uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	pt.WriteBlock(addr, b[:])
}

func (pt *PageTable) Write32(addr VAddr, value uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	pt.WriteBlock(addr, b[:])
}

func (pt *PageTable) Write64(addr VAddr, value uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	pt.WriteBlock(addr, b[:])
}

// ReadBlock copies guest bytes into dst, spanning pages. Unmapped pages
// read as zero.
func (pt *PageTable) ReadBlock(addr VAddr, dst []byte) {
	for len(dst) > 0 {
		p := pt.GetPointer(addr)
		chunk := int(PageSize - addr&PageMask)
		if chunk > len(dst) {
			chunk = len(dst)
		}
		if p != nil {
			copy(dst[:chunk], p)
		} else {
			for i := 0; i < chunk; i++ {
				dst[i] = 0
			}
		}
		dst = dst[chunk:]
		addr += uint32(chunk)
	}
}

// WriteBlock copies src into guest memory, spanning pages. Writes to
// unmapped pages are dropped.
func (pt *PageTable) WriteBlock(addr VAddr, src []byte) {
	for len(src) > 0 {
		p := pt.GetPointer(addr)
		chunk := int(PageSize - addr&PageMask)
		if chunk > len(src) {
			chunk = len(src)
		}
		if p != nil {
			copy(p, src[:chunk])
		}
		src = src[chunk:]
		addr += uint32(chunk)
	}
}

// ZeroBlock clears size guest bytes at addr.
func (pt *PageTable) ZeroBlock(addr VAddr, size uint32) {
	var zero [256]byte
	for size > 0 {
		chunk := uint32(len(zero))
		if chunk > size {
			chunk = size
		}
		pt.WriteBlock(addr, zero[:chunk])
		addr += chunk
		size -= chunk
	}
}

// ReadCString reads a NUL-terminated string of at most maxLen bytes.
func (pt *PageTable) ReadCString(addr VAddr, maxLen uint32) string {
	out := make([]byte, 0, maxLen)
	for i := uint32(0); i < maxLen; i++ {
		c := pt.Read8(addr + i)
		if c == 0 {
			break
		}
		out = append(out, c)
	}
	return string(out)
}
