package timing

import "testing"

func TestScheduleAndAdvance(t *testing.T) {
	tm := New()
	var fired []uint64
	et := tm.RegisterEvent("test", func(userdata uint64, cyclesLate int64) {
		fired = append(fired, userdata)
	})

	tm.ScheduleEvent(100, et, 1)
	tm.ScheduleEvent(200, et, 2)
	tm.Advance(99)
	if len(fired) != 0 {
		t.Fatal("event fired early")
	}
	tm.Advance(1)
	if len(fired) != 1 || fired[0] != 1 {
		t.Fatalf("fired = %v, want [1]", fired)
	}
	tm.Advance(100)
	if len(fired) != 2 || fired[1] != 2 {
		t.Fatalf("fired = %v, want [1 2]", fired)
	}
}

func TestSameDueFIFO(t *testing.T) {
	tm := New()
	var fired []uint64
	et := tm.RegisterEvent("test", func(userdata uint64, cyclesLate int64) {
		fired = append(fired, userdata)
	})
	tm.ScheduleEvent(50, et, 1)
	tm.ScheduleEvent(50, et, 2)
	tm.ScheduleEvent(50, et, 3)
	tm.Advance(50)
	if len(fired) != 3 || fired[0] != 1 || fired[1] != 2 || fired[2] != 3 {
		t.Fatalf("fired = %v, want FIFO [1 2 3]", fired)
	}
}

func TestUnschedule(t *testing.T) {
	tm := New()
	fired := 0
	et := tm.RegisterEvent("test", func(userdata uint64, cyclesLate int64) { fired++ })
	tm.ScheduleEvent(10, et, 7)
	tm.ScheduleEvent(20, et, 8)
	tm.UnscheduleEvent(et, 7)
	tm.Advance(100)
	if fired != 1 {
		t.Fatalf("fired %d events, want 1", fired)
	}
}

func TestCyclesLate(t *testing.T) {
	tm := New()
	var late int64 = -1
	et := tm.RegisterEvent("test", func(userdata uint64, cyclesLate int64) { late = cyclesLate })
	tm.ScheduleEvent(10, et, 0)
	tm.Advance(25)
	if late != 15 {
		t.Fatalf("cyclesLate = %d, want 15", late)
	}
}

func TestNsToCycles(t *testing.T) {
	if NsToCycles(1_000_000_000) != BaseClockRate {
		t.Fatal("one second must convert to the base clock rate")
	}
	if NsToCycles(0) != 0 {
		t.Fatal("zero nanoseconds must be zero cycles")
	}
	// No overflow for large intervals.
	if NsToCycles(10_000_000_000_000) <= 0 {
		t.Fatal("large interval overflowed")
	}
}
