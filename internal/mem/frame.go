// Package mem implements the physical frame allocator: it hands out and
// reclaims fixed-size physical pages and keeps a reference count per frame.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t, simplified from biscuit's
// per-CPU free lists to a single free list — the kernel this repo models is
// single-threaded (spec.md section 1 Non-goals: no multiprocessor
// execution), so there is no cross-CPU contention to shard away.
package mem

import (
	"fmt"
	"sync"
)

// PageSize is the size of a single physical page in bytes.
const PageSize = 1 << PageShift

// PageShift is the base-2 exponent of PageSize.
const PageShift = 12

// Frame identifies one physical page by its dense, zero-based frame number.
type Frame uint32

// page holds one physical frame's bookkeeping plus its backing storage. This
// repo is a hosted simulation, not a freestanding kernel, so "physical
// memory" is ordinary heap-allocated byte slices rather than a raw address
// range — Physmem.frames[i].bytes stands in for biscuit's direct-mapped
// Pg_t.
type page struct {
	refcnt int32
	nexti  uint32 // index of next free frame, or freeListEnd
	bytes  [PageSize]byte
}

const freeListEnd = ^uint32(0)

// Physmem is the global physical frame allocator, analogous to biscuit's
// package-level Physmem variable.
type Physmem struct {
	mu     sync.Mutex
	frames []page
	freei  uint32
	freen  int
}

// NewPhysmem reserves npages frames and places all of them on the free
// list, mirroring Phys_init's loop over detected RAM.
func NewPhysmem(npages int) *Physmem {
	if npages <= 0 {
		panic("mem: npages must be positive")
	}
	p := &Physmem{
		frames: make([]page, npages),
		freei:  0,
		freen:  npages,
	}
	for i := range p.frames {
		if i == npages-1 {
			p.frames[i].nexti = freeListEnd
		} else {
			p.frames[i].nexti = uint32(i + 1)
		}
	}
	return p
}

// NPages reports the total number of frames managed by p.
func (p *Physmem) NPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Free reports the number of frames currently on the free list.
func (p *Physmem) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freen
}

// Alloc removes a frame from the free list. If zero is true, its contents
// are cleared. The returned frame's reference count is 0 until the caller
// maps it somewhere and calls Incref (or calls an Insert-style helper that
// does so on its behalf).
func (p *Physmem) Alloc(zero bool) (Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.freei == freeListEnd {
		return 0, false
	}
	idx := p.freei
	fr := &p.frames[idx]
	if fr.refcnt != 0 {
		panic("mem: free-list frame has nonzero refcount")
	}
	p.freei = fr.nexti
	p.freen--
	if p.freen < 0 {
		panic("mem: free count underflow")
	}
	if zero {
		fr.bytes = [PageSize]byte{}
	}
	return Frame(idx), true
}

// Bytes returns the backing storage for f. The slice is valid until f is
// freed (refcount reaches zero); callers must not retain it past that point.
func (p *Physmem) Bytes(f Frame) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[f].bytes[:]
}

// Refcnt returns the current reference count of f.
func (p *Physmem) Refcnt(f Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.frames[f].refcnt)
}

// Incref increments f's reference count. Called whenever a new PTE is made
// to point at f.
func (p *Physmem) Incref(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[f].refcnt++
}

// Decref decrements f's reference count, returning f to the free list when
// it reaches zero. Decref reports whether the frame was freed.
//
// Underflowing a refcount is a kernel invariant violation, not a runtime
// error (spec.md section 7): it halts via panic, matching mem.go's
// "XXXPANIC" assertions.
func (p *Physmem) Decref(f Frame) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr := &p.frames[f]
	if fr.refcnt <= 0 {
		panic(fmt.Sprintf("mem: refcount underflow on frame %d", f))
	}
	fr.refcnt--
	if fr.refcnt != 0 {
		return false
	}
	fr.nexti = p.freei
	p.freei = uint32(f)
	p.freen++
	return true
}

// Release returns a just-allocated, still-unmapped frame directly to the
// free list without going through Decref. It exists for error paths that
// called Alloc but then failed to install any PTE pointing at the frame
// (e.g. Insert failing to grow the page table) -- such a frame's refcount
// is still 0, so Decref's underflow check would wrongly treat it as a
// double-free.
func (p *Physmem) Release(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fr := &p.frames[f]
	if fr.refcnt != 0 {
		panic(fmt.Sprintf("mem: Release called on frame %d with nonzero refcount", f))
	}
	fr.nexti = p.freei
	p.freei = uint32(f)
	p.freen++
}

// Stats is a snapshot of allocator occupancy, used by internal/diag.
type Stats struct {
	Total int
	Free  int
	InUse int
}

// Stat reports a point-in-time snapshot of allocator occupancy.
func (p *Physmem) Stat() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total: len(p.frames),
		Free:  p.freen,
		InUse: len(p.frames) - p.freen,
	}
}
