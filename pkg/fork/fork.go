// Package fork implements user-space fork via copy-on-write, entirely on
// top of the kernel's exofork/mem_map/mem_alloc primitives and the generic
// page-fault upcall -- spec.md section 9 is explicit that "the COW policy
// lives entirely in the user runtime" and must never move into the kernel.
//
// Grounded on spec.md section 4.8's fork algorithm and on
// biscuit/src/vm/as.go's Sys_pgfault/PTE_COW handling (walk the page
// index, COW-remap writable/COW pages, map LIBRARY pages unchanged, install
// the upcall, mark the child runnable).
package fork

import (
	"mos/internal/env"
	"mos/internal/kernel"
	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// ScratchVA is the well-known address the page-fault handler stages a fresh
// copy at before remapping it onto the faulting page (spec.md section 4.8
// step 2), chosen just below the user address ceiling the same way JOS's
// UTEMP sits below UTOP.
const ScratchVA = vm.UTop - vm.PageSize

// ExceptionStackVA is the base of the one-page exception stack every forked
// child gets; PgfaultStack is set to its top, matching the convention
// pageFaultLocked expects (stack grows down from PgfaultStack).
const ExceptionStackVA = vm.UTop - 2*vm.PageSize

// Fork implements spec.md section 4.8's COW fork: exofork a child, walk the
// parent's page index view remapping each page per the COW policy, give the
// child an exception stack and install upcallEntry for it, and mark the
// child runnable.
// upcallEntry must already be registered for parentID if the parent is to
// survive writing to its own now-COW pages (spec.md's invariant that COW
// soundness holds for writes from either side).
func Fork(m *kernel.Machine, parentID env.ID, upcallEntry uint32) (env.ID, errno.Errno) {
	parent, err := m.Envs.Resolve(parentID, parentID, false)
	if err != 0 {
		return 0, err
	}

	childID, err := m.Exofork(parentID)
	if err != 0 {
		return 0, err
	}

	entries := parent.AS.PageIndexView()
	for _, e := range entries {
		if err := remapOne(m, parentID, childID, e); err != 0 {
			return 0, err
		}
	}

	if err := m.MemAlloc(parentID, childID, ExceptionStackVA, vm.Writable|vm.User); err != 0 {
		return 0, err
	}
	if err := m.SetPgfaultHandler(parentID, childID, upcallEntry, ExceptionStackVA+vm.PageSize); err != 0 {
		return 0, err
	}

	if err := m.SetEnvStatus(parentID, childID, env.Runnable); err != 0 {
		return 0, err
	}
	return childID, 0
}

// remapOne applies spec.md section 4.8's per-page COW policy to one parent
// mapping, installing the result in the child and, for pages that become
// COW, re-installing it in the parent too (a write to either side must now
// fault).
func remapOne(m *kernel.Machine, parentID, childID env.ID, e vm.VAEntry) errno.Errno {
	// The page index view reports Valid, which mem_map does not accept.
	perm := e.Perm &^ vm.Valid
	switch {
	case perm.Has(vm.Library):
		return m.MemMap(parentID, parentID, e.VA, childID, e.VA, perm)

	case perm.Has(vm.Writable) || perm.Has(vm.Cow):
		cowPerm := (perm &^ vm.Writable) | vm.Cow
		if err := m.MemMap(parentID, parentID, e.VA, childID, e.VA, cowPerm); err != 0 {
			return err
		}
		return m.MemMap(parentID, parentID, e.VA, parentID, e.VA, cowPerm)

	default:
		return m.MemMap(parentID, parentID, e.VA, childID, e.VA, perm)
	}
}

// HandleUpcall runs the copy-on-write page-fault upcall for id, standing in
// for the user-space upcall entry's machine code (spec.md section 4.8's
// four numbered steps): this hosted simulation has no instruction-level
// execution loop to run real MIPS code at PgfaultUpcall, so the kernel's
// page-fault delivery (internal/kernel's pageFaultLocked) leaves id's
// TrapFrame parked exactly where such code would start running --
// sp/a0/EPC already point at the pushed exception frame, the faulting
// address, and the upcall entry -- and this function performs the same
// steps that code would.
func HandleUpcall(m *kernel.Machine, id env.ID) errno.Errno {
	e, err := m.Envs.Resolve(id, id, false)
	if err != 0 {
		return err
	}
	faultVA := e.Trap.Regs[mipscpu.RegA0] &^ (vm.PageSize - 1)
	xsp := e.Trap.Regs[mipscpu.RegSP]

	_, perm, ok := e.AS.Lookup(faultVA)
	if !ok || !perm.Has(vm.Cow) {
		return errno.Inval
	}

	if err := m.MemAlloc(id, id, ScratchVA, vm.Writable|vm.User); err != 0 {
		return err
	}
	buf := make([]byte, vm.PageSize)
	if err := e.AS.Read(buf, faultVA); err != 0 {
		return err
	}
	if err := e.AS.Write(ScratchVA, buf); err != 0 {
		return err
	}
	newPerm := (perm &^ (vm.Cow | vm.Valid)) | vm.Writable
	if err := m.MemMap(id, id, ScratchVA, id, faultVA, newPerm); err != 0 {
		return err
	}
	if err := m.MemUnmap(id, id, ScratchVA); err != 0 {
		return err
	}

	saved, serr := decodeSavedFrame(e.AS, xsp)
	if serr != 0 {
		return serr
	}
	return m.SetTrapframe(id, id, saved)
}

// decodeSavedFrame reads back the frame internal/kernel's pageFaultLocked
// pushed onto the exception stack at xsp: 32 register words, then
// status/hi/lo/badvaddr/cause/epc, then the fault VA (unused here -- it was
// already consumed via Regs[RegA0]).
func decodeSavedFrame(as *vm.AddressSpace, xsp uint32) (mipscpu.TrapFrame, errno.Errno) {
	const words = mipscpu.NumRegs + 7
	buf := make([]byte, words*4)
	if err := as.Read(buf, xsp); err != 0 {
		return mipscpu.TrapFrame{}, err
	}
	get := func(off int) uint32 {
		return uint32(buf[off]) | uint32(buf[off+1])<<8 | uint32(buf[off+2])<<16 | uint32(buf[off+3])<<24
	}
	var tf mipscpu.TrapFrame
	for i := 0; i < mipscpu.NumRegs; i++ {
		tf.Regs[i] = get(i * 4)
	}
	base := mipscpu.NumRegs * 4
	tf.Status = get(base)
	tf.Hi = get(base + 4)
	tf.Lo = get(base + 8)
	tf.BadVAddr = get(base + 12)
	tf.Cause = get(base + 16)
	tf.EPC = get(base + 20)
	return tf, 0
}
