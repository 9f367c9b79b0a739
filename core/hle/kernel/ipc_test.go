package kernel

import (
	"bytes"
	"testing"

	"github.com/Otakusd/citra/core/memory"
)

// ipcPair builds two processes with one thread each, for cross-space
// translation tests.
func ipcPair(t *testing.T) (*Kernel, *Process, *Thread, *Process, *Thread) {
	t.Helper()
	k, p1 := newTestKernel(t)
	src := newTestThread(t, k, p1, 40)

	p2 := k.CreateProcess("peer")
	mapImagePage(t, p2)
	dst, code := k.ThreadManager().CreateThread("peer-thread", testEntryPoint, 40, 0,
		ThreadProcessorID0, memory.HeapVAddrEnd, p2)
	if code.IsError() {
		t.Fatalf("creating peer thread failed: %08X", uint32(code))
	}
	return k, p1, src, p2, dst
}

func writeCmdBuf(p *Process, t *Thread, words ...uint32) {
	for i, w := range words {
		p.PageTable().Write32(t.CommandBufferAddress()+uint32(i)*4, w)
	}
}

func readCmdWord(p *Process, t *Thread, index uint32) uint32 {
	return p.PageTable().Read32(t.CommandBufferAddress() + index*4)
}

func TestTranslateEmptyCommandBuffer(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	writeCmdBuf(p1, src, MakeHeader(0x1234, 0, 0))

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	if got := readCmdWord(p2, dst, 0); got != 0x12340000 {
		t.Fatalf("header = %08X, want 12340000", got)
	}
}

func TestTranslateNormalParams(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	writeCmdBuf(p1, src, MakeHeader(0, 3, 0), 0x12345678, 0x21122112, 0xAABBCCDD)

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	for i, want := range []uint32{0x12345678, 0x21122112, 0xAABBCCDD} {
		if got := readCmdWord(p2, dst, uint32(i)+1); got != want {
			t.Fatalf("word %d = %08X, want %08X", i+1, got, want)
		}
	}
}

func TestTranslateMoveHandle(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	event := k.CreateEvent(ResetOneShot, "ev")
	handle, _ := p1.HandleTable().Create(event)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 2), MoveHandleDesc(1), uint32(handle))

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	translated := Handle(readCmdWord(p2, dst, 2))
	if got := p2.HandleTable().GetEvent(translated); got != event {
		t.Fatal("moved handle does not resolve in the destination process")
	}
	if p1.HandleTable().GetGeneric(handle) != nil {
		t.Fatal("moved handle still open in the source process")
	}
}

func TestTranslateCopyHandle(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	event := k.CreateEvent(ResetOneShot, "ev")
	handle, _ := p1.HandleTable().Create(event)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 2), CopyHandleDesc(1), uint32(handle))

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	translated := Handle(readCmdWord(p2, dst, 2))
	if got := p2.HandleTable().GetEvent(translated); got != event {
		t.Fatal("copied handle does not resolve in the destination process")
	}
	if got := p1.HandleTable().GetEvent(handle); got != event {
		t.Fatal("copied handle vanished from the source process")
	}
}

func TestTranslateMultiHandleDescriptors(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	a := k.CreateEvent(ResetOneShot, "a")
	b := k.CreateEvent(ResetOneShot, "b")
	c := k.CreateEvent(ResetOneShot, "c")
	ha, _ := p1.HandleTable().Create(a)
	hb, _ := p1.HandleTable().Create(b)
	hc, _ := p1.HandleTable().Create(c)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 5),
		MoveHandleDesc(2), uint32(ha), uint32(hb),
		MoveHandleDesc(1), uint32(hc))

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	if p2.HandleTable().GetEvent(Handle(readCmdWord(p2, dst, 2))) != a ||
		p2.HandleTable().GetEvent(Handle(readCmdWord(p2, dst, 3))) != b ||
		p2.HandleTable().GetEvent(Handle(readCmdWord(p2, dst, 5))) != c {
		t.Fatal("multi-handle descriptor mistranslated")
	}
}

func TestTranslateNullAndStaleHandles(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	event := k.CreateEvent(ResetOneShot, "ev")
	stale, _ := p1.HandleTable().Create(event)
	p1.HandleTable().Close(stale)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 3), MoveHandleDesc(2), 0, uint32(stale))

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	if got := readCmdWord(p2, dst, 2); got != 0 {
		t.Fatalf("null handle translated to %08X", got)
	}
	if got := readCmdWord(p2, dst, 3); got != 0 {
		t.Fatalf("stale handle translated to %08X", got)
	}
}

func TestTranslateCallingPid(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 2), CallingPidDesc(), 0x98989898)

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	if got := readCmdWord(p2, dst, 2); got != p1.ProcessID() {
		t.Fatalf("pid word = %d, want %d", got, p1.ProcessID())
	}
}

func TestTranslateStaticBuffer(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)

	srcBuf, code := p1.HeapAllocate(memory.HeapVAddr, memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("src buffer alloc failed: %08X", uint32(code))
	}
	dstBuf, code := p2.HeapAllocate(memory.HeapVAddr, memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("dst buffer alloc failed: %08X", uint32(code))
	}
	payload := bytes.Repeat([]byte{0xAB}, 0x100)
	p1.PageTable().WriteBlock(srcBuf, payload)

	// The receiver publishes its landing area in the static buffer table.
	table := dst.CommandBufferAddress() + CommandBufferLength*4
	p2.PageTable().Write32(table, StaticBufferDesc(uint32(len(payload)), 0))
	p2.PageTable().Write32(table+4, dstBuf)

	writeCmdBuf(p1, src, MakeHeader(0, 0, 2),
		StaticBufferDesc(uint32(len(payload)), 0), srcBuf)
	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}

	got := make([]byte, len(payload))
	p2.PageTable().ReadBlock(dstBuf, got)
	if !bytes.Equal(got, payload) {
		t.Fatal("static buffer payload not copied")
	}
	if readCmdWord(p2, dst, 2) != dstBuf {
		t.Fatal("static buffer address not rewritten to the landing area")
	}
}

func TestTranslateMappedBufferRequestAndReply(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)

	srcBuf, code := p1.HeapAllocate(memory.HeapVAddr, memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("src buffer alloc failed: %08X", uint32(code))
	}
	payload := bytes.Repeat([]byte{0xCD}, 0x80)
	p1.PageTable().WriteBlock(srcBuf, payload)

	size := uint32(len(payload))
	writeCmdBuf(p1, src, MakeHeader(0, 0, 2),
		MappedBufferDesc(size, MemoryPermissionReadWrite), srcBuf)
	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("request translate failed: %08X", uint32(code))
	}

	mappedAddr := readCmdWord(p2, dst, 2)
	if mappedAddr < memory.IPCMappingVAddr || mappedAddr >= memory.IPCMappingVAddrEnd {
		t.Fatalf("mapped buffer landed outside the IPC region: %08X", mappedAddr)
	}
	got := make([]byte, size)
	p2.PageTable().ReadBlock(mappedAddr, got)
	if !bytes.Equal(got, payload) {
		t.Fatal("mapped buffer contents not visible to the peer")
	}

	// The peer writes through the mapping; the client sees it because the
	// backing pages are shared.
	p2.PageTable().Write32(mappedAddr, 0x11223344)
	if p1.PageTable().Read32(srcBuf) != 0x11223344 {
		t.Fatal("write through the mapping not visible to the source")
	}

	// Reply: the buffer descriptor travels back, the mapping is torn down
	// and the original address restored.
	writeCmdBuf(p2, dst, MakeHeader(0, 0, 2),
		MappedBufferDesc(size, MemoryPermissionReadWrite), mappedAddr)
	if code := TranslateCommandBuffer(k, dst, src, dst.CommandBufferAddress(),
		src.CommandBufferAddress(), true); code.IsError() {
		t.Fatalf("reply translate failed: %08X", uint32(code))
	}
	if got := readCmdWord(p1, src, 2); got != srcBuf {
		t.Fatalf("reply address = %08X, want the original %08X", got, srcBuf)
	}
	if p2.PageTable().IsValidVirtualAddress(mappedAddr) {
		t.Fatal("reply did not unmap the server-side window")
	}
}

func TestTranslatePXIBufferPassesThrough(t *testing.T) {
	k, p1, src, p2, dst := ipcPair(t)
	writeCmdBuf(p1, src, MakeHeader(0, 0, 2), PXIBufferDesc(0x100, 0, false), 0x0C000000)

	if code := TranslateCommandBuffer(k, src, dst, src.CommandBufferAddress(),
		dst.CommandBufferAddress(), false); code.IsError() {
		t.Fatalf("translate failed: %08X", uint32(code))
	}
	if got := readCmdWord(p2, dst, 2); got != 0x0C000000 {
		t.Fatalf("PXI address word changed: %08X", got)
	}
}

func TestTranslateDescriptorEncodings(t *testing.T) {
	if GetDescriptorType(CopyHandleDesc(1)) != DescCopyHandle {
		t.Fatal("copy handle encoding")
	}
	if GetDescriptorType(MoveHandleDesc(3)) != DescMoveHandle {
		t.Fatal("move handle encoding")
	}
	if handleNumberFromDesc(MoveHandleDesc(3)) != 3 {
		t.Fatal("handle count encoding")
	}
	if GetDescriptorType(CallingPidDesc()) != DescCallingPid {
		t.Fatal("calling pid encoding")
	}
	if GetDescriptorType(StaticBufferDesc(0x100, 2)) != DescStaticBuffer {
		t.Fatal("static buffer encoding")
	}
	if staticBufferSize(StaticBufferDesc(0x100, 2)) != 0x100 ||
		staticBufferID(StaticBufferDesc(0x100, 2)) != 2 {
		t.Fatal("static buffer fields")
	}
	if GetDescriptorType(PXIBufferDesc(0x10, 1, true)) != DescPXIBuffer {
		t.Fatal("PXI buffer encoding")
	}
	if GetDescriptorType(MappedBufferDesc(0x80, MemoryPermissionRead)) != DescMappedBuffer {
		t.Fatal("mapped buffer encoding")
	}
	if mappedBufferSize(MappedBufferDesc(0x80, MemoryPermissionRead)) != 0x80 ||
		mappedBufferPerms(MappedBufferDesc(0x80, MemoryPermissionRead)) != MemoryPermissionRead {
		t.Fatal("mapped buffer fields")
	}
	if MakeHeader(0x1234, 0, 0) != 0x12340000 {
		t.Fatal("header encoding")
	}
}
