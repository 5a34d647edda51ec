// Package vm implements the two-level page directory, the software PTE
// permission vocabulary, and the TLB-refill path.
//
// Grounded on biscuit/src/vm/as.go (Vm_t, Page_insert/Page_remove,
// Sys_pgfault's COW handling), generalized from biscuit's 4-level x86-64
// paging down to the spec's two-level MIPS-style directory, and on
// biscuit/src/mem/mem.go's PTE_* bit constants for the permission-bit
// naming idiom.
package vm

import "mos/internal/mem"

// PTE is one virtual page's mapping record: a physical frame reference plus
// permission bits, packed the way hardware would pack them -- the low bits
// hold flags, the high bits hold the frame number -- except that here the
// "hardware" is simulated, so PTE is a plain struct instead of a bitfield
// over a raw word. Perm still reuses single-bit flags so the software-only
// bits (Cow, Library) sit naturally alongside the hardware-meaningful ones,
// matching spec.md section 4.2's "Permission bit dual-use" design note.
type PTE struct {
	Frame mem.Frame
	Perm  Perm
}

// Perm is the permission-bit vocabulary consulted by syscalls and the COW
// fault handler. Some bits (Cow, Library) are software-only and are never
// presented to real hardware; spec.md section 4.2 requires the kernel keep
// them in unused PTE bits and strip them before any hardware load. Since
// this is a hosted simulation there is no hardware TLB to strip them from,
// but the software/hardware split is preserved in HardwareBits so a future
// bare-metal backend has an honest seam.
type Perm uint32

const (
	// Valid marks an entry as live.
	Valid Perm = 1 << iota
	// Writable allows writes.
	Writable
	// User allows user-mode access.
	User
	// Cow marks a writable-intent page copy-on-write: a write fault turns
	// it into a private writable copy.
	Cow
	// Library marks a page shared across fork -- both parent and child
	// observe each other's writes, and fork never COWs it.
	Library
	// Dirty marks a page written to, for file-server write-back.
	Dirty
)

// SoftwareMask is the set of bits mem_map's syscall-level interface accepts;
// anything else is rejected with Inval (spec.md section 4.2).
const SoftwareMask = Writable | Cow | Library | User

// HardwareBits is the subset of Perm that has a real hardware analogue.
// Cow and Library are software-only and must be masked out before loading a
// PTE into a real TLB (section 4.2); they are meaningless to hardware and
// meaningful only to the kernel's own fault handling.
const HardwareBits = Valid | Writable | User | Dirty

// Has reports whether all bits in want are set in p.
func (p Perm) Has(want Perm) bool { return p&want == want }
