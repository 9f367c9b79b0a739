package kernel

import (
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// The IPC command buffer lives at this offset into a thread's TLS slot.
const commandHeaderOffset = 0x80

// CommandBufferLength is the command buffer size in words; the static
// buffer table sits directly after it.
const CommandBufferLength = 0x40

// Header packing: [cmd_id:16 | normal_params:6 | translate_params:6].
func MakeHeader(commandID, normalParams, translateParams uint32) uint32 {
	return commandID<<16 | (normalParams&0x3F)<<6 | translateParams&0x3F
}

func HeaderCommandID(header uint32) uint32 { return header >> 16 }

func headerParamCounts(header uint32) (normal, translate uint32) {
	return (header >> 6) & 0x3F, header & 0x3F
}

// DescriptorType tags a translate-parameter descriptor.
type DescriptorType uint32

const (
	DescCopyHandle DescriptorType = iota
	DescMoveHandle
	DescCallingPid
	DescStaticBuffer
	DescPXIBuffer
	DescMappedBuffer
)

// Descriptor constructors mirror the guest ABI encodings.
func CopyHandleDesc(numHandles uint32) uint32 { return (numHandles - 1) << 26 }

func MoveHandleDesc(numHandles uint32) uint32 { return 0x10 | (numHandles-1)<<26 }

func CallingPidDesc() uint32 { return 0x20 }

func StaticBufferDesc(size, bufferID uint32) uint32 {
	return 0x2 | (bufferID&0xF)<<10 | size<<14
}

func PXIBufferDesc(size, bufferID uint32, readOnly bool) uint32 {
	desc := 0x4 | (bufferID&0xF)<<4 | size<<8
	if readOnly {
		desc |= 0x2
	}
	return desc
}

func MappedBufferDesc(size uint32, perms MemoryPermission) uint32 {
	return 0x8 | uint32(perms)<<1 | size<<4
}

func isHandleDescriptor(descriptor uint32) bool { return descriptor&0xF == 0 }

func handleNumberFromDesc(descriptor uint32) uint32 { return descriptor>>26 + 1 }

// GetDescriptorType decodes a descriptor's kind. Handle-style descriptors
// are distinguished by their clear low nibble.
func GetDescriptorType(descriptor uint32) DescriptorType {
	if isHandleDescriptor(descriptor) {
		switch descriptor & 0x30 {
		case 0x10:
			return DescMoveHandle
		case 0x20:
			return DescCallingPid
		default:
			return DescCopyHandle
		}
	}
	switch descriptor & 0xF {
	case 0x2:
		return DescStaticBuffer
	case 0x4, 0x6:
		return DescPXIBuffer
	default:
		return DescMappedBuffer
	}
}

func staticBufferSize(descriptor uint32) uint32 { return descriptor >> 14 }

func staticBufferID(descriptor uint32) uint32 { return (descriptor >> 10) & 0xF }

func mappedBufferSize(descriptor uint32) uint32 { return descriptor >> 4 }

func mappedBufferPerms(descriptor uint32) MemoryPermission {
	return MemoryPermission((descriptor >> 1) & 0x3)
}

// mappedBufferContext remembers one request-time buffer mapping into the
// server's address space so the reply can tear it down and restore the
// client's address word.
type mappedBufferContext struct {
	permissions MemoryPermission
	size        uint32

	// sourceAddress is the client's buffer address; targetAddress is
	// where the buffer landed in the server's IPC mapping region.
	sourceAddress memory.VAddr
	targetAddress memory.VAddr

	pageBase  memory.VAddr
	pageCount uint32
}

// findFreeIPCMappingSpan scans the destination address space for a free
// span of numPages pages in the IPC mapping region, leaving a guard page
// between mappings.
func findFreeIPCMappingSpan(vm *VMManager, numPages uint32) (memory.VAddr, bool) {
	size := numPages * memory.PageSize
	for base := memory.IPCMappingVAddr + memory.PageSize; base+size <= memory.IPCMappingVAddrEnd; {
		i := vm.FindVMA(base)
		if i < 0 {
			return 0, false
		}
		v := vm.VMAs()[i]
		if v.Type == VMAFree && v.Base+v.Size >= base+size {
			return base, true
		}
		// Skip past this VMA and the guard page.
		base = v.Base + v.Size + memory.PageSize
		base &^= memory.PageMask
	}
	return 0, false
}

// translation tracks the side effects of one command-buffer translation so
// a failure can roll everything back; translation is atomic.
type translation struct {
	dstProcess     *Process
	createdHandles []Handle
	mapped         []mappedBufferContext

	// moveCloses are source handles of move descriptors; they close only
	// once the whole translation has succeeded.
	moveCloses []Handle
	srcTable   *HandleTable
}

func (tr *translation) rollback() {
	for _, h := range tr.createdHandles {
		tr.dstProcess.handleTable.Close(h)
	}
	for _, ctx := range tr.mapped {
		tr.dstProcess.vmManager.UnmapRange(ctx.pageBase, ctx.pageCount*memory.PageSize)
	}
}

// TranslateCommandBuffer copies the command buffer of srcThread at
// srcAddress into dstThread at dstAddress, rewriting every translate
// descriptor for the destination process: handles are re-created in the
// destination handle table, static buffers are copied through the
// destination's static buffer table, mapped buffers are mapped into the
// destination's address space on request and unmapped from the replying
// (source) process on reply. Any failure rolls back all partial work.
func TranslateCommandBuffer(k *Kernel, srcThread, dstThread *Thread,
	srcAddress, dstAddress memory.VAddr, reply bool) result.Code {
	srcProcess := srcThread.owner
	dstProcess := dstThread.owner
	srcPT := srcProcess.vmManager.pageTable
	dstPT := dstProcess.vmManager.pageTable

	header := srcPT.Read32(srcAddress)
	normal, translate := headerParamCounts(header)
	commandSize := 1 + normal + translate
	if commandSize > CommandBufferLength {
		return result.ErrMaxCommandsExceeded
	}

	cmdBuf := make([]uint32, commandSize)
	for i := range cmdBuf {
		cmdBuf[i] = srcPT.Read32(srcAddress + uint32(i)*4)
	}

	tr := translation{dstProcess: dstProcess, srcTable: srcProcess.handleTable}
	// Static buffer copies and reply-side unmaps cannot be rolled back, so
	// they run only at the commit below.
	var commits []func()

	i := 1 + normal
	for i < commandSize {
		descriptor := cmdBuf[i]
		i++
		switch GetDescriptorType(descriptor) {
		case DescCopyHandle, DescMoveHandle:
			move := GetDescriptorType(descriptor) == DescMoveHandle
			for j := uint32(0); j < handleNumberFromDesc(descriptor); j++ {
				handle := Handle(cmdBuf[i])
				var object Object
				if handle != 0 {
					object = srcProcess.handleTable.GetGeneric(handle)
				}
				if object == nil {
					// Null or stale handles translate to the null handle.
					cmdBuf[i] = 0
					i++
					continue
				}
				newHandle, code := dstProcess.handleTable.Create(object)
				if code.IsError() {
					tr.rollback()
					return code
				}
				tr.createdHandles = append(tr.createdHandles, newHandle)
				if move {
					tr.moveCloses = append(tr.moveCloses, handle)
				}
				cmdBuf[i] = uint32(newHandle)
				i++
			}

		case DescCallingPid:
			cmdBuf[i] = srcProcess.processID
			i++

		case DescStaticBuffer:
			size := staticBufferSize(descriptor)
			bufferID := staticBufferID(descriptor)
			sourceAddress := cmdBuf[i]
			// The destination thread publishes where each incoming
			// static buffer must land in its static buffer table,
			// directly after the command buffer.
			tableEntry := dstAddress + CommandBufferLength*4 + bufferID*8
			targetDescriptor := dstPT.Read32(tableEntry)
			targetAddress := dstPT.Read32(tableEntry + 4)
			if staticBufferSize(targetDescriptor) < size {
				tr.rollback()
				return result.ErrOutOfRange
			}
			data := make([]byte, size)
			srcPT.ReadBlock(sourceAddress, data)
			commits = append(commits, func() { dstPT.WriteBlock(targetAddress, data) })
			cmdBuf[i] = targetAddress
			i++

		case DescPXIBuffer:
			// PXI buffers carry physical addresses resolved by the PXI
			// services themselves; the words pass through untouched.
			i++

		case DescMappedBuffer:
			size := mappedBufferSize(descriptor)
			perms := mappedBufferPerms(descriptor)
			sourceAddress := cmdBuf[i]
			if reply {
				ctx, ok := takeMappedBufferContext(srcThread, size, perms)
				if !ok {
					// The reply names a buffer the request never mapped.
					tr.rollback()
					return result.ErrInvalidCombination
				}
				// The mapping shared the client's backing pages, so the
				// data is already in place; tear the window down and
				// restore the client's address word.
				commits = append(commits, func() {
					srcProcess.vmManager.UnmapRange(ctx.pageBase, ctx.pageCount*memory.PageSize)
				})
				cmdBuf[i] = ctx.sourceAddress
				i++
				continue
			}
			pageBase := sourceAddress &^ memory.PageMask
			pageOffset := sourceAddress & memory.PageMask
			numPages := (pageOffset + size + memory.PageMask) >> memory.PageBits
			target, ok := findFreeIPCMappingSpan(dstProcess.vmManager, numPages)
			if !ok {
				tr.rollback()
				return result.ErrOutOfMemory
			}
			for page := uint32(0); page < numPages; page++ {
				mem, offset, ok := srcProcess.vmManager.backingFor(pageBase+page*memory.PageSize, memory.PageSize)
				if !ok {
					tr.rollback()
					return result.ErrInvalidAddress
				}
				code := dstProcess.vmManager.MapBackingMemory(
					target+page*memory.PageSize, mem, offset, memory.PageSize, MemoryStateShared)
				if code.IsError() {
					tr.rollback()
					return code
				}
			}
			ctx := mappedBufferContext{
				permissions:   perms,
				size:          size,
				sourceAddress: sourceAddress,
				targetAddress: target + pageOffset,
				pageBase:      target,
				pageCount:     numPages,
			}
			tr.mapped = append(tr.mapped, ctx)
			cmdBuf[i] = ctx.targetAddress
			i++
		}
	}

	// Nothing failed: commit the translated words, the moved-handle
	// closes, the static buffer copies and the buffer mappings.
	for _, h := range tr.moveCloses {
		tr.srcTable.Close(h)
	}
	for _, commit := range commits {
		commit()
	}
	dstThread.mappedBufferContexts = append(dstThread.mappedBufferContexts, tr.mapped...)
	for i, word := range cmdBuf {
		dstPT.Write32(dstAddress+uint32(i)*4, word)
	}
	return result.Success
}

func takeMappedBufferContext(t *Thread, size uint32, perms MemoryPermission) (mappedBufferContext, bool) {
	for i, ctx := range t.mappedBufferContexts {
		if ctx.size == size && ctx.permissions == perms {
			t.mappedBufferContexts = append(t.mappedBufferContexts[:i], t.mappedBufferContexts[i+1:]...)
			return ctx, true
		}
	}
	return mappedBufferContext{}, false
}

// receiveIPCRequest performs the receive-side translation when a server
// thread picks a request off a session.
func receiveIPCRequest(k *Kernel, server *ServerSession, t *Thread) result.Code {
	if server.parent.Client == nil {
		return result.ErrSessionClosedByRemote
	}
	client := server.currentlyHandling
	code := TranslateCommandBuffer(k, client, t,
		client.CommandBufferAddress(), t.CommandBufferAddress(), false)
	if code.IsError() {
		// Resume the requester with the translation error.
		client.SetWaitSynchronizationResult(code)
		client.ResumeFromWait()
		server.currentlyHandling = nil
		// TODO: this path should wait again on the same objects instead
		// of delivering the failed receive to the server thread.
	}
	return code
}
