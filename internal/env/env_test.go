package env

import (
	"testing"

	"mos/internal/mem"
	"mos/internal/vm"
	"mos/pkg/errno"
)

func newAS(phys *mem.Physmem) func() (*vm.AddressSpace, errno.Errno) {
	return func() (*vm.AddressSpace, errno.Errno) { return vm.New(phys) }
}

func TestAllocAssignsGenerationTaggedID(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(4)

	e1, err := tbl.Alloc(0, newAS(phys))
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	id1 := e1.ID
	if err := tbl.Destroy(id1); err != 0 {
		t.Fatalf("Destroy: %v", err)
	}
	e2, err := tbl.Alloc(0, newAS(phys))
	if err != 0 {
		t.Fatalf("Alloc: %v", err)
	}
	if e2.ID == id1 {
		t.Fatalf("reincarnated slot reused identical ID %v", id1)
	}
	if e2.ID.slot() != id1.slot() {
		t.Fatalf("expected same slot reused, got %d vs %d", e2.ID.slot(), id1.slot())
	}
}

func TestResolveRejectsStaleGeneration(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(4)

	e, _ := tbl.Alloc(0, newAS(phys))
	stale := e.ID
	tbl.Destroy(stale)
	tbl.Alloc(0, newAS(phys)) // reincarnate the same slot

	if _, err := tbl.Resolve(stale, stale, false); err != errno.BadEnv {
		t.Fatalf("Resolve(stale) = %v, want BadEnv", err)
	}
}

func TestResolveZeroMeansCurrent(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(4)

	e, _ := tbl.Alloc(0, newAS(phys))
	got, err := tbl.Resolve(0, e.ID, false)
	if err != 0 {
		t.Fatalf("Resolve(0): %v", err)
	}
	if got.ID != e.ID {
		t.Fatalf("Resolve(0) = %v, want %v", got.ID, e.ID)
	}
}

func TestResolvePermissionChecksParentOrSelf(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(4)

	parent, _ := tbl.Alloc(0, newAS(phys))
	child, _ := tbl.Alloc(parent.ID, newAS(phys))
	stranger, _ := tbl.Alloc(0, newAS(phys))

	if _, err := tbl.Resolve(child.ID, parent.ID, true); err != 0 {
		t.Fatalf("parent resolving child with perm check: %v", err)
	}
	if _, err := tbl.Resolve(child.ID, stranger.ID, true); err != errno.BadEnv {
		t.Fatalf("stranger resolving child with perm check = %v, want BadEnv", err)
	}
}

func TestDestroyFreesSlotAndAddressSpace(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(4)
	before := phys.Free()

	e, _ := tbl.Alloc(0, newAS(phys))
	f, _ := phys.Alloc(true)
	e.AS.Insert(f, vm.UText, vm.Writable)

	if err := tbl.Destroy(e.ID); err != 0 {
		t.Fatalf("Destroy: %v", err)
	}
	if phys.Free() != before {
		t.Fatalf("Free() after Destroy = %d, want %d (leak)", phys.Free(), before)
	}
	if _, err := tbl.Resolve(e.ID, e.ID, false); err != errno.BadEnv {
		t.Fatalf("Resolve after Destroy = %v, want BadEnv", err)
	}
}

func TestAllocExhaustionReturnsNoFreeEnv(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(2)
	if _, err := tbl.Alloc(0, newAS(phys)); err != 0 {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := tbl.Alloc(0, newAS(phys)); err != 0 {
		t.Fatalf("Alloc 2: %v", err)
	}
	if _, err := tbl.Alloc(0, newAS(phys)); err != errno.NoFreeEnv {
		t.Fatalf("Alloc 3 = %v, want NoFreeEnv", err)
	}
}

func TestSnapshotReflectsLiveTable(t *testing.T) {
	phys := mem.NewPhysmem(64)
	tbl := NewTable(3)
	e, _ := tbl.Alloc(0, newAS(phys))

	snap := tbl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	if snap[e.ID.slot()].Status != NotRunnable {
		t.Fatalf("Snapshot status = %v, want NotRunnable", snap[e.ID.slot()].Status)
	}
}
