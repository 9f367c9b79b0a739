package kernel

import (
	"testing"

	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
	"github.com/Otakusd/citra/core/timing"
)

// arbiterSetup maps a heap page and returns a test address inside it.
func arbiterSetup(t *testing.T, p *Process) memory.VAddr {
	t.Helper()
	addr, code := p.HeapAllocate(memory.HeapVAddr, memory.PageSize, VMAPermReadWrite)
	if code.IsError() {
		t.Fatalf("heap allocate failed: %08X", uint32(code))
	}
	return addr + 0x10
}

func parkOnArbiter(t *testing.T, a *AddressArbiter, thread *Thread, addr memory.VAddr,
	value int32, timeout int64) {
	t.Helper()
	if thread.status == StatusReady {
		thread.manager.readyQueue.Remove(thread.currentPriority, thread)
		thread.status = StatusRunning
	}
	typ := ArbitrationWaitIfLessThan
	if timeout >= 0 {
		typ = ArbitrationWaitIfLessThanWithTimeout
	}
	if code := a.ArbitrateAddress(thread, typ, addr, value, timeout); code.IsError() {
		t.Fatalf("arbitrate failed: %08X", uint32(code))
	}
	if thread.Status() != StatusWaitArb {
		t.Fatal("thread did not park on the arbiter")
	}
}

// Signal(n) wakes the n earliest arrivals parked on the address.
func TestArbiterSignalWakesFIFO(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	a := k.CreateAddressArbiter("arb")

	w1 := newTestThread(t, k, p, 40)
	w2 := newTestThread(t, k, p, 40)
	w3 := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr, 0)
	parkOnArbiter(t, a, w1, addr, 1, -1)
	parkOnArbiter(t, a, w2, addr, 1, -1)
	parkOnArbiter(t, a, w3, addr, 1, -1)

	if code := a.ArbitrateAddress(w1, ArbitrationSignal, addr, 2, 0); code.IsError() {
		t.Fatalf("signal failed: %08X", uint32(code))
	}
	if w1.Status() != StatusReady || w2.Status() != StatusReady {
		t.Fatal("the two earliest waiters should wake")
	}
	if w3.Status() != StatusWaitArb {
		t.Fatal("the third waiter should stay parked")
	}
	if got := result.Code(w1.Context.Regs[0]); got != result.Success {
		t.Fatalf("woken thread r0 = %08X, want success", uint32(got))
	}
}

func TestArbiterSignalAll(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	a := k.CreateAddressArbiter("arb")

	w1 := newTestThread(t, k, p, 40)
	w2 := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr, 0)
	parkOnArbiter(t, a, w1, addr, 1, -1)
	parkOnArbiter(t, a, w2, addr, 1, -1)

	a.ArbitrateAddress(w1, ArbitrationSignal, addr, -1, 0)
	if w1.Status() != StatusReady || w2.Status() != StatusReady {
		t.Fatal("signal(-1) should wake every parked thread")
	}
}

func TestArbiterSignalIsAddressKeyed(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	other := addr + 0x20
	a := k.CreateAddressArbiter("arb")

	w1 := newTestThread(t, k, p, 40)
	w2 := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr, 0)
	p.PageTable().Write32(other, 0)
	parkOnArbiter(t, a, w1, addr, 1, -1)
	parkOnArbiter(t, a, w2, other, 1, -1)

	a.ArbitrateAddress(w1, ArbitrationSignal, addr, -1, 0)
	if w1.Status() != StatusReady {
		t.Fatal("waiter on the signaled address should wake")
	}
	if w2.Status() != StatusWaitArb {
		t.Fatal("waiter on a different address must stay parked")
	}
}

func TestArbiterNoWaitWhenValueNotLess(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	a := k.CreateAddressArbiter("arb")

	thread := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr, 5)
	code := a.ArbitrateAddress(thread, ArbitrationWaitIfLessThan, addr, 5, -1)
	if code.IsError() {
		t.Fatalf("arbitrate failed: %08X", uint32(code))
	}
	if thread.Status() == StatusWaitArb {
		t.Fatal("thread parked although the value was not less")
	}
}

func TestArbiterDecrementAndWait(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	a := k.CreateAddressArbiter("arb")

	thread := newTestThread(t, k, p, 40)
	thread.manager.readyQueue.Remove(thread.currentPriority, thread)
	thread.status = StatusRunning
	p.PageTable().Write32(addr, 0)
	a.ArbitrateAddress(thread, ArbitrationDecrementAndWaitIfLessThan, addr, 1, -1)
	if got := int32(p.PageTable().Read32(addr)); got != -1 {
		t.Fatalf("memory value = %d, want -1 after decrement", got)
	}
	if thread.Status() != StatusWaitArb {
		t.Fatal("thread should have parked")
	}

	// No decrement when the comparison fails.
	other := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr+4, 7)
	a.ArbitrateAddress(other, ArbitrationDecrementAndWaitIfLessThan, addr+4, 3, -1)
	if got := int32(p.PageTable().Read32(addr + 4)); got != 7 {
		t.Fatalf("memory value = %d, want unchanged 7", got)
	}
}

func TestArbiterTimeout(t *testing.T) {
	k, p := newTestKernel(t)
	addr := arbiterSetup(t, p)
	a := k.CreateAddressArbiter("arb")

	thread := newTestThread(t, k, p, 40)
	p.PageTable().Write32(addr, 0)
	parkOnArbiter(t, a, thread, addr, 1, 1_000_000)

	k.Timing().Advance(timing.NsToCycles(1_000_000) + 1)
	if thread.Status() != StatusReady {
		t.Fatal("timeout did not wake the parked thread")
	}
	if got := result.Code(thread.Context.Regs[0]); got != result.Timeout {
		t.Fatalf("r0 = %08X, want timeout", uint32(got))
	}
	if len(a.WaitingThreads()) != 0 {
		t.Fatal("timed-out thread still parked on the arbiter")
	}
}

func TestArbiterInvalidType(t *testing.T) {
	k, p := newTestKernel(t)
	a := k.CreateAddressArbiter("arb")
	thread := newTestThread(t, k, p, 40)
	if code := a.ArbitrateAddress(thread, ArbitrationType(99), 0, 0, 0); code.IsSuccess() {
		t.Fatal("invalid arbitration type succeeded")
	}
}
