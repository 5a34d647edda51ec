package pipe

import (
	"testing"

	"mos/internal/mem"
	"mos/internal/vm"
)

func newAS(t *testing.T, phys *mem.Physmem) *vm.AddressSpace {
	t.Helper()
	as, err := vm.New(phys)
	if err != 0 {
		t.Fatalf("vm.New: %v", err)
	}
	return as
}

func TestPipeWriteThenRead(t *testing.T) {
	phys := mem.NewPhysmem(16)
	rAS := newAS(t, phys)
	wAS := newAS(t, phys)

	r, w, err := New(phys, 64, rAS, vm.UText, wAS, vm.UText)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}

	n, err := w.Write([]byte("hello"))
	if err != 0 || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}

	buf := make([]byte, 5)
	n, err = r.Read(buf)
	if err != 0 || string(buf[:n]) != "hello" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
}

func TestPipeReadEndCannotWrite(t *testing.T) {
	phys := mem.NewPhysmem(16)
	rAS := newAS(t, phys)
	wAS := newAS(t, phys)
	r, _, err := New(phys, 64, rAS, vm.UText, wAS, vm.UText)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.Write([]byte("x")); err == 0 {
		t.Fatal("expected write on read-only end to fail")
	}
}

func TestPipeFullBufferDropsExcessWrites(t *testing.T) {
	phys := mem.NewPhysmem(16)
	rAS := newAS(t, phys)
	wAS := newAS(t, phys)
	_, w, err := New(phys, 4, rAS, vm.UText, wAS, vm.UText)
	if err != 0 {
		t.Fatalf("New: %v", err)
	}
	n, _ := w.Write([]byte("abcdef"))
	if n != 4 {
		t.Fatalf("Write into a 4-byte ring = %d, want 4", n)
	}
}
