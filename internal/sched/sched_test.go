package sched

import (
	"testing"

	"mos/internal/env"
	"mos/internal/mem"
	"mos/internal/vm"
	"mos/pkg/errno"
)

func newAS(phys *mem.Physmem) func() (*vm.AddressSpace, errno.Errno) {
	return func() (*vm.AddressSpace, errno.Errno) { return vm.New(phys) }
}

func TestScheduleRoundRobinFIFO(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := env.NewTable(4)
	s := New(tbl)

	e1, _ := tbl.Alloc(0, newAS(phys))
	e2, _ := tbl.Alloc(0, newAS(phys))
	e3, _ := tbl.Alloc(0, newAS(phys))
	s.Enqueue(e1.ID)
	s.Enqueue(e2.ID)
	s.Enqueue(e3.ID)

	if got := s.Schedule(false); got != e1.ID {
		t.Fatalf("first Schedule = %v, want %v", got, e1.ID)
	}
	if got := s.Schedule(true); got != e2.ID {
		t.Fatalf("second Schedule (yield) = %v, want %v", got, e2.ID)
	}
	if got := s.Schedule(true); got != e3.ID {
		t.Fatalf("third Schedule (yield) = %v, want %v", got, e3.ID)
	}
	// e1 was re-enqueued on the first yield, so it comes back around.
	if got := s.Schedule(true); got != e1.ID {
		t.Fatalf("fourth Schedule (yield) = %v, want %v (wraparound)", got, e1.ID)
	}
}

func TestScheduleEmptyQueueReturnsZero(t *testing.T) {
	tbl := env.NewTable(2)
	s := New(tbl)
	if got := s.Schedule(false); got != 0 {
		t.Fatalf("Schedule on empty queue = %v, want 0", got)
	}
}

func TestHigherPriorityGetsLongerQuantum(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := env.NewTable(4)
	s := New(tbl)

	e, _ := tbl.Alloc(0, newAS(phys))
	e.Priority = 3
	s.Enqueue(e.ID)
	s.Schedule(false)

	ticks := 0
	for !s.Tick() {
		ticks++
		if ticks > 100 {
			t.Fatal("quantum never exhausted")
		}
	}
	if ticks+1 != DefaultQuantum*3 {
		t.Fatalf("quantum consumed = %d ticks, want %d", ticks+1, DefaultQuantum*3)
	}
}

func TestRemoveDropsFromQueue(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := env.NewTable(4)
	s := New(tbl)

	e1, _ := tbl.Alloc(0, newAS(phys))
	e2, _ := tbl.Alloc(0, newAS(phys))
	s.Enqueue(e1.ID)
	s.Enqueue(e2.ID)
	s.Remove(e1.ID)

	if got := s.Schedule(false); got != e2.ID {
		t.Fatalf("Schedule after Remove = %v, want %v", got, e2.ID)
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d, want 0", s.Len())
	}
}
