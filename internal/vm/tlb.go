package vm

import "mos/internal/mem"

// TLB is a small direct-mapped cache in front of an AddressSpace's page
// table, modeling the hardware TLB the real MIPS refill handler would
// consult. Grounded on spec.md section 4.2's "TLB refill" contract: a miss
// walks the current AddressSpace for badvaddr and loads the matching entry;
// Insert/Remove invalidate the affected entry, and a full Flush happens on
// address-space switch.
type TLB struct {
	entries map[uint32]tlbEntry
}

type tlbEntry struct {
	frame mem.Frame
	perm  Perm
}

// NewTLB returns an empty TLB.
func NewTLB() *TLB { return &TLB{entries: make(map[uint32]tlbEntry)} }

// Refill services a TLB miss at badvaddr against as. It returns false if
// the walk finds no VALID PTE there -- the caller must then escalate to a
// page fault delivered to the faulting Env's upcall (spec.md section 4.5).
func (t *TLB) Refill(as *AddressSpace, badvaddr uint32) bool {
	page := badvaddr &^ (mem.PageSize - 1)
	frame, perm, ok := as.Lookup(page)
	if !ok {
		return false
	}
	t.entries[page] = tlbEntry{frame: frame, perm: perm}
	return true
}

// Lookup returns a cached translation without walking the page table.
func (t *TLB) Lookup(va uint32) (mem.Frame, Perm, bool) {
	e, ok := t.entries[va&^(mem.PageSize-1)]
	return e.frame, e.perm, ok
}

// Flush invalidates the single page containing va.
func (t *TLB) Flush(va uint32) {
	delete(t.entries, va&^(mem.PageSize-1))
}

// FlushAll invalidates every cached entry, as happens on an address-space
// switch (spec.md section 4.2).
func (t *TLB) FlushAll() {
	t.entries = make(map[uint32]tlbEntry)
}
