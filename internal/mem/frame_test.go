package mem

import "testing"

func TestAllocDecrefRoundtrip(t *testing.T) {
	p := NewPhysmem(4)
	if p.Free() != 4 {
		t.Fatalf("Free() = %d, want 4", p.Free())
	}
	f, ok := p.Alloc(true)
	if !ok {
		t.Fatal("Alloc failed on fresh allocator")
	}
	if p.Free() != 3 {
		t.Fatalf("Free() after alloc = %d, want 3", p.Free())
	}
	p.Incref(f)
	if p.Refcnt(f) != 1 {
		t.Fatalf("Refcnt = %d, want 1", p.Refcnt(f))
	}
	if freed := p.Decref(f); !freed {
		t.Fatal("Decref did not report the frame as freed")
	}
	if p.Free() != 4 {
		t.Fatalf("Free() after decref = %d, want 4", p.Free())
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := NewPhysmem(2)
	if _, ok := p.Alloc(false); !ok {
		t.Fatal("first alloc should succeed")
	}
	if _, ok := p.Alloc(false); !ok {
		t.Fatal("second alloc should succeed")
	}
	if _, ok := p.Alloc(false); ok {
		t.Fatal("third alloc should fail: free list exhausted")
	}
}

func TestDecrefUnderflowPanics(t *testing.T) {
	p := NewPhysmem(1)
	f, _ := p.Alloc(false)
	p.Incref(f)
	p.Decref(f)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	p.Decref(f)
}

func TestZeroFill(t *testing.T) {
	p := NewPhysmem(1)
	f, _ := p.Alloc(false)
	p.Incref(f)
	p.Bytes(f)[0] = 0x42
	p.Decref(f)

	f2, ok := p.Alloc(true)
	if !ok {
		t.Fatal("realloc of freed frame should succeed")
	}
	if f2 != f {
		t.Fatalf("expected to reuse frame %d, got %d", f, f2)
	}
	if got := p.Bytes(f2)[0]; got != 0 {
		t.Fatalf("zero-fill alloc left byte %d, want 0", got)
	}
}
