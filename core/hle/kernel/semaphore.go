package kernel

import "github.com/Otakusd/citra/core/hle/result"

// Semaphore is a counted wait object; acquisition decrements the count.
type Semaphore struct {
	waitObject

	availableCount int32
	maxCount       int32
}

// CreateSemaphore makes a semaphore with the given initial and maximum
// counts.
func (k *Kernel) CreateSemaphore(initialCount, maxCount int32, name string) (*Semaphore, result.Code) {
	if initialCount > maxCount {
		return nil, result.ErrInvalidCombination
	}
	s := &Semaphore{availableCount: initialCount, maxCount: maxCount}
	s.id = k.newObjectID()
	s.name = name
	s.self = s
	return s, result.Success
}

func (s *Semaphore) HandleType() HandleType { return HandleTypeSemaphore }

func (s *Semaphore) AvailableCount() int32 { return s.availableCount }

func (s *Semaphore) ShouldWait(t *Thread) bool {
	return s.availableCount <= 0
}

func (s *Semaphore) Acquire(t *Thread) {
	if s.ShouldWait(t) {
		panic("kernel: acquiring unavailable semaphore")
	}
	s.availableCount--
}

// Release adds releaseCount slots and wakes that many waiters at most,
// returning the count before the release.
func (s *Semaphore) Release(releaseCount int32) (int32, result.Code) {
	if s.maxCount-releaseCount < s.availableCount {
		return 0, result.ErrOutOfRangeKernel
	}
	previous := s.availableCount
	s.availableCount += releaseCount
	s.WakeupAllWaitingThreads()
	return previous, result.Success
}
