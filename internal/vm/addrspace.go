package vm

import (
	"sync"

	"mos/internal/mem"
	"mos/pkg/errno"
)

// Address space layout constants (spec.md section 6, "Virtual-address map").
const (
	// PageSize mirrors mem.PageSize for callers that only import vm.
	PageSize = mem.PageSize

	// UText is the first mapped user address; [0, UText) is left unmapped
	// as a null-trap guard.
	UText = 0x00400000

	// UTop is the top of user-accessible address space and the initial
	// stack pointer (USTACKTOP == UTOP).
	UTop = 0x80000000

	// UStackTop is the initial user stack pointer.
	UStackTop = UTop

	// ULim is the boundary above which address space is kernel-only and
	// identical across every AddressSpace. [UTop, ULim) holds the two
	// injected read-only user windows.
	ULim = 0xF0000000
)

// Two-level page directory geometry: 10 bits of page-directory index, 10
// bits of page-table index, 12 bits of page offset -- a standard 32-bit
// two-level split that exactly covers a 4 GiB address space with 4 KiB
// pages, matching spec.md section 3's "two-level page-directory ... up to
// PG/4 page-table frames" (PG/4 == 4096/4 == 1024 entries per level).
const (
	pdxShift   = 22
	ptxShift   = 12
	entryCount = 1 << 10
	entryMask  = entryCount - 1
)

func pdx(va uint32) uint32 { return (va >> pdxShift) & entryMask }
func ptx(va uint32) uint32 { return (va >> ptxShift) & entryMask }
func pageOff(va uint32) uint32 { return va & (mem.PageSize - 1) }

// pageTable is the second-level table: entryCount PTEs, plus the frame that
// backs it for refcount bookkeeping. Real hardware would store the PTEs
// inside frame's bytes directly; this hosted simulation keeps them in
// ordinary Go memory and uses frame purely as the refcounted allocation
// unit, since there is no raw pointer arithmetic driving an actual TLB.
type pageTable struct {
	frame   mem.Frame
	entries [entryCount]PTE
}

// AddressSpace is the two-level page-directory belonging to exactly one
// Environment (spec.md section 3, AddressSpace).
//
// Grounded on biscuit/src/vm/as.go's Vm_t, generalized from biscuit's
// 4-level x86-64 paging to this spec's two-level MIPS-style directory.
type AddressSpace struct {
	mu        sync.Mutex
	phys      *mem.Physmem
	dirFrame  mem.Frame
	directory [entryCount]*pageTable // indexed by pdx(va); nil => no table
}

// New allocates a fresh, empty AddressSpace backed by phys. The directory
// itself consumes one frame purely for refcount bookkeeping symmetry with
// page-table frames (spec.md section 3: "one page-directory frame + up to
// PG/4 page-table frames").
func New(phys *mem.Physmem) (*AddressSpace, errno.Errno) {
	f, ok := phys.Alloc(true)
	if !ok {
		return nil, errno.NoMemory
	}
	phys.Incref(f)
	return &AddressSpace{phys: phys, dirFrame: f}, 0
}

// Destroy releases every user mapping and the page-table/directory frames
// themselves, per spec.md section 4.3's destroy() contract. It is the only
// correctness-critical cleanup path (spec.md section 5).
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	for pdxi, pt := range as.directory {
		if pt == nil {
			continue
		}
		for _, e := range pt.entries {
			if e.Perm.Has(Valid) {
				as.phys.Decref(e.Frame)
			}
		}
		as.phys.Decref(pt.frame)
		as.directory[pdxi] = nil
	}
	as.phys.Decref(as.dirFrame)
}

func checkUserVA(va uint32) errno.Errno {
	if va >= UTop {
		return errno.Inval
	}
	if va&(mem.PageSize-1) != 0 {
		return errno.Inval
	}
	return 0
}

// walk descends the two-level structure for va, optionally allocating the
// missing page-table frame (spec.md section 4.2's walk()). It must be
// called with as.mu held.
func (as *AddressSpace) walk(va uint32, create bool) (*PTE, errno.Errno) {
	idx := pdx(va)
	pt := as.directory[idx]
	if pt == nil {
		if !create {
			return nil, 0
		}
		f, ok := as.phys.Alloc(true)
		if !ok {
			return nil, errno.NoMemory
		}
		as.phys.Incref(f)
		pt = &pageTable{frame: f}
		as.directory[idx] = pt
	}
	return &pt.entries[ptx(va)], 0
}

// Insert installs frame at va with perms, evicting whatever was mapped
// there first (spec.md section 4.2's insert()). perms is OR'd with Valid.
// The new frame's reference count is incremented unless va already mapped
// this same frame (a permission-only rewrite, which must leave refcount
// unchanged); the caller retains its own reference if it wants one
// (matching biscuit's Page_insert, which the caller balances with a
// Refdown).
func (as *AddressSpace) Insert(f mem.Frame, va uint32, perm Perm) errno.Errno {
	if err := checkUserVA(va); err != 0 {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, true)
	if err != 0 {
		return err
	}
	if pte.Perm.Has(Valid) && pte.Frame == f {
		pte.Perm = perm | Valid
		return 0
	}
	as.phys.Incref(f)
	if pte.Perm.Has(Valid) {
		as.phys.Decref(pte.Frame)
	}
	pte.Frame = f
	pte.Perm = perm | Valid
	return 0
}

// Lookup returns the frame and permission bits mapped at va, if any.
func (as *AddressSpace) Lookup(va uint32) (mem.Frame, Perm, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, _ := as.walk(va, false)
	if pte == nil || !pte.Perm.Has(Valid) {
		return 0, 0, false
	}
	return pte.Frame, pte.Perm, true
}

// Remove unmaps va, decrementing the underlying frame's reference count
// (spec.md section 4.2's remove()). It is a no-op if nothing is mapped
// there.
func (as *AddressSpace) Remove(va uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, _ := as.walk(va, false)
	if pte == nil || !pte.Perm.Has(Valid) {
		return
	}
	as.phys.Decref(pte.Frame)
	*pte = PTE{}
}

// PageIndexView returns every currently-valid (va, PTE) pair below UTop, in
// ascending virtual-address order.
//
// This stands in for the "page view" read-only window spec.md section 4.2
// describes as being memory-mapped at a fixed VA: since this repository is
// a hosted simulation with no instruction-level user-mode execution loop to
// dereference that address, the window is exposed as a typed accessor
// instead. The functional contract -- user-space code (here, pkg/fork) can
// enumerate its own address space's mappings -- is preserved exactly.
func (as *AddressSpace) PageIndexView() []VAEntry {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []VAEntry
	for pdxi, pt := range as.directory {
		if pt == nil {
			continue
		}
		for ptxi, e := range pt.entries {
			if !e.Perm.Has(Valid) {
				continue
			}
			va := (uint32(pdxi) << pdxShift) | (uint32(ptxi) << ptxShift)
			if va >= UTop {
				continue
			}
			out = append(out, VAEntry{VA: va, Frame: e.Frame, Perm: e.Perm})
		}
	}
	return out
}

// VAEntry is one entry of a PageIndexView snapshot.
type VAEntry struct {
	VA    uint32
	Frame mem.Frame
	Perm  Perm
}

// Read copies len(dst) bytes from user virtual address va into dst,
// faulting against whatever pages are mapped (no demand paging -- an
// unmapped page is an error, matching spec.md section 1's Non-goal on
// demand paging from disk).
func (as *AddressSpace) Read(dst []byte, va uint32) errno.Errno {
	for len(dst) > 0 {
		frame, _, ok := as.Lookup(va &^ (mem.PageSize - 1))
		if !ok {
			return errno.Inval
		}
		off := pageOff(va)
		src := as.phys.Bytes(frame)[off:]
		n := copy(dst, src)
		dst = dst[n:]
		va += uint32(n)
	}
	return 0
}

// Write copies src into user virtual address va, requiring every touched
// page be mapped Writable.
func (as *AddressSpace) Write(va uint32, src []byte) errno.Errno {
	for len(src) > 0 {
		base := va &^ (mem.PageSize - 1)
		frame, perm, ok := as.Lookup(base)
		if !ok || !perm.Has(Writable) {
			return errno.Inval
		}
		off := pageOff(va)
		dst := as.phys.Bytes(frame)[off:]
		n := copy(dst, src)
		src = src[n:]
		va += uint32(n)
	}
	return 0
}
