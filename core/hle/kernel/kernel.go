// Package kernel emulates the guest OS kernel: objects and handles,
// threads and the scheduler, synchronization primitives, per-process
// virtual memory, and the IPC session machinery.
//
// The whole package is single-threaded by design: every entry point runs
// under the HLE lock, and exactly one guest thread is running at a time.
package kernel

import (
	"sync"

	"github.com/Otakusd/citra/core/arm"
	"github.com/Otakusd/citra/core/memory"
	"github.com/Otakusd/citra/core/timing"
)

// Config carries the host-tunable kernel knobs.
type Config struct {
	// PriorityBoost enables the anti-starvation boost for threads that
	// sat in the ready queue for too long.
	PriorityBoost bool
}

// MemoryRegion selects which FCRAM partition an allocation draws from.
type MemoryRegion int

const (
	MemoryRegionApplication MemoryRegion = iota
	MemoryRegionSystem
	MemoryRegionBase
)

// Default FCRAM partitioning.
const (
	applicationRegionSize = 0x04000000
	systemRegionSize      = 0x02C00000
	baseRegionSize        = 0x01400000
)

// Kernel hands out object ids and owns every global kernel structure: the
// thread and timer managers, named ports, the FCRAM regions, and the
// process list. Kernel objects are not kept in a central table; handle
// tables, wait lists and threads refer to them by pointer. The SVC
// dispatcher borrows it for the duration of a handler while holding the
// HLE lock.
type Kernel struct {
	// HLE serialises SVC handlers against each other; see Lock/Unlock.
	// The kernel's timing-wheel callbacks do not take it.
	hleLock sync.Mutex

	config Config
	cpu    arm.Core
	timing *timing.Timing

	fcram   []byte
	regions [3]*MemoryRegionInfo

	threadManager *ThreadManager
	timerManager  *TimerManager

	namedPorts map[string]*ClientPort

	processes      []*Process
	currentProcess *Process

	nextObjectID  uint32
	nextProcessID uint32

	reschedulePending bool
}

// New creates a kernel instance bound to a CPU core and timebase.
func New(cpu arm.Core, t *timing.Timing, config Config) *Kernel {
	k := &Kernel{
		config:     config,
		cpu:        cpu,
		timing:     t,
		fcram:      make([]byte, memory.FCRAMSize),
		namedPorts: make(map[string]*ClientPort),
	}
	base := uint32(0)
	for i, size := range []uint32{applicationRegionSize, systemRegionSize, baseRegionSize} {
		k.regions[i] = newMemoryRegionInfo(base, size)
		base += size
	}
	k.threadManager = newThreadManager(k)
	k.timerManager = newTimerManager(k)
	return k
}

// Lock takes the HLE lock. The SVC dispatcher holds it for each handler;
// the timing-wheel callbacks the kernel registers run without taking it.
func (k *Kernel) Lock() { k.hleLock.Lock() }

// Unlock releases the HLE lock.
func (k *Kernel) Unlock() { k.hleLock.Unlock() }

func (k *Kernel) Config() Config { return k.config }

func (k *Kernel) CPU() arm.Core { return k.cpu }

func (k *Kernel) Timing() *timing.Timing { return k.timing }

func (k *Kernel) ThreadManager() *ThreadManager { return k.threadManager }

func (k *Kernel) TimerManager() *TimerManager { return k.timerManager }

// GetMemoryRegion returns the allocator for one FCRAM partition.
func (k *Kernel) GetMemoryRegion(region MemoryRegion) *MemoryRegionInfo {
	return k.regions[region]
}

// FCRAM returns the backing bytes at the given physical offset.
func (k *Kernel) FCRAM(offset, size uint32) []byte {
	return k.fcram[offset : offset+size]
}

func (k *Kernel) newObjectID() uint32 {
	k.nextObjectID++
	return k.nextObjectID
}

// CurrentProcess returns the process whose thread is running.
func (k *Kernel) CurrentProcess() *Process { return k.currentProcess }

// SetCurrentProcess switches the active process context.
func (k *Kernel) SetCurrentProcess(p *Process) { k.currentProcess = p }

// ProcessCount returns how many processes were ever spawned.
func (k *Kernel) ProcessCount() int { return len(k.processes) }

// PrepareReschedule asks for a reschedule at the next dispatcher boundary.
func (k *Kernel) PrepareReschedule() { k.reschedulePending = true }

// RescheduleIfPending runs the scheduler if a handler asked for it.
func (k *Kernel) RescheduleIfPending() {
	if !k.reschedulePending {
		return
	}
	k.reschedulePending = false
	k.threadManager.Reschedule()
}

// AddNamedPort registers a client port under a name for ConnectToPort.
func (k *Kernel) AddNamedPort(name string, port *ClientPort) {
	open(port)
	k.namedPorts[name] = port
}

// GetNamedPort looks up a registered port.
func (k *Kernel) GetNamedPort(name string) *ClientPort {
	return k.namedPorts[name]
}
