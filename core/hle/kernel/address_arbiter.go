package kernel

import (
	"github.com/Otakusd/citra/core/hle/result"
	"github.com/Otakusd/citra/core/memory"
)

// ArbitrationType selects the ArbitrateAddress operation.
type ArbitrationType uint32

const (
	ArbitrationSignal ArbitrationType = iota
	ArbitrationWaitIfLessThan
	ArbitrationDecrementAndWaitIfLessThan
	ArbitrationWaitIfLessThanWithTimeout
	ArbitrationDecrementAndWaitIfLessThanWithTimeout
)

// AddressArbiter parks threads keyed by guest address and wakes them with
// explicit signals or timeouts. Waiters wake in arrival order.
type AddressArbiter struct {
	waitObject
}

// CreateAddressArbiter makes an address arbiter.
func (k *Kernel) CreateAddressArbiter(name string) *AddressArbiter {
	a := &AddressArbiter{}
	a.id = k.newObjectID()
	a.name = name
	a.self = a
	return a
}

func (a *AddressArbiter) HandleType() HandleType { return HandleTypeAddressArbiter }

// An arbiter is never acquirable through WaitSynchronization; parked
// threads leave only via Signal or timeout.
func (a *AddressArbiter) ShouldWait(t *Thread) bool { return true }

func (a *AddressArbiter) Acquire(t *Thread) {}

// waitThread parks the current thread on an address.
func (a *AddressArbiter) waitThread(t *Thread, address memory.VAddr) {
	t.waitAddress = address
	t.status = StatusWaitArb
	t.wakeup = wakeupArbiter
	t.waitObjects = []WaitObject{a}
	a.AddWaitingThread(t)
}

// signal wakes up to n threads parked on address, in arrival order.
// n < 0 wakes every parked thread.
func (a *AddressArbiter) signal(address memory.VAddr, n int32) {
	woken := int32(0)
	for i := 0; i < len(a.waiting); {
		t := a.waiting[i]
		if t.waitAddress != address {
			i++
			continue
		}
		if n >= 0 && woken >= n {
			break
		}
		a.waiting = append(a.waiting[:i], a.waiting[i+1:]...)
		t.waitObjects = nil
		t.SetWaitSynchronizationResult(result.Success)
		t.ResumeFromWait()
		woken++
	}
}

// ArbitrateAddress performs one arbitration operation for thread t.
func (a *AddressArbiter) ArbitrateAddress(t *Thread, typ ArbitrationType, address memory.VAddr,
	value int32, nanoseconds int64) result.Code {
	pt := t.owner.vmManager.pageTable
	switch typ {
	case ArbitrationSignal:
		a.signal(address, value)

	case ArbitrationWaitIfLessThan:
		if int32(pt.Read32(address)) < value {
			a.waitThread(t, address)
		}
	case ArbitrationWaitIfLessThanWithTimeout:
		if int32(pt.Read32(address)) < value {
			a.waitThread(t, address)
			t.WakeAfterDelay(nanoseconds)
		}
	case ArbitrationDecrementAndWaitIfLessThan:
		memoryValue := int32(pt.Read32(address))
		if memoryValue < value {
			// Only change the memory value if the thread should wait.
			pt.Write32(address, uint32(memoryValue-1))
			a.waitThread(t, address)
		}
	case ArbitrationDecrementAndWaitIfLessThanWithTimeout:
		memoryValue := int32(pt.Read32(address))
		if memoryValue < value {
			pt.Write32(address, uint32(memoryValue-1))
			a.waitThread(t, address)
			t.WakeAfterDelay(nanoseconds)
		}
	default:
		return result.ErrInvalidEnumValue
	}
	return result.Success
}
