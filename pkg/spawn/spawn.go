// Package spawn implements the user-space ELF loader and child-construction
// sequence spec.md section 4.8 describes: exofork, map each loadable
// segment in with mem_alloc + a per-page mem_map round trip through the
// spawning environment's own address space, build an argument page, set the
// child's entry trap frame, and mark it runnable.
//
// The real ELF parser is explicitly out of scope for the distilled kernel
// (spec.md section 1): this package backs kernel.ProgramImage with the
// standard library's debug/elf, the same division of labor biscuit draws
// between its own kernel and the freestanding ELF loader in its userland.
package spawn

import (
	"debug/elf"
	"io"

	"mos/internal/env"
	"mos/internal/kernel"
	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// ScratchVA is the spawning environment's own window for staging a child
// page's contents before unmapping it, matching spec.md's "mem_alloc +
// per-page mem_map" phrasing: mem_alloc puts the frame in the child, then
// mem_map brings it back into the caller just long enough to write into it.
const ScratchVA = vm.UTop - vm.PageSize

// ArgVA is the well-known address of the one-page argument block, directly
// below the child's initial stack pointer.
const ArgVA = vm.UStackTop - vm.PageSize

// Image adapts a parsed ELF file to kernel.ProgramImage.
type Image struct {
	entry uint32
	segs  []kernel.Segment
}

// Segments implements kernel.ProgramImage.
func (img *Image) Segments() []kernel.Segment { return img.segs }

// Entry implements kernel.ProgramImage.
func (img *Image) Entry() uint32 { return img.entry }

// LoadELF parses a 32-bit MIPS ELF executable from r, keeping only its
// PT_LOAD segments and translating ELF's writable flag into the kernel's
// Writable permission bit (every segment is also mapped User, matching
// spec.md's "maps program segments into it" -- there is no notion of a
// kernel-only loadable segment here).
func LoadELF(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segs []kernel.Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := io.ReadFull(prog.Open(), data); err != nil && err != io.EOF {
			return nil, err
		}
		perm := vm.User
		if prog.Flags&elf.PF_W != 0 {
			perm |= vm.Writable
		}
		segs = append(segs, kernel.Segment{VA: uint32(prog.Vaddr), Data: data, Perm: perm})
	}
	return &Image{entry: uint32(f.Entry), segs: segs}, nil
}

// Spawn implements spec.md section 4.8's Spawn algorithm: callerID is the
// already-running environment performing the spawn (the shell, or init).
func Spawn(m *kernel.Machine, callerID env.ID, img kernel.ProgramImage, priority uint, argv []string) (env.ID, errno.Errno) {
	childID, err := m.Exofork(callerID)
	if err != 0 {
		return 0, err
	}
	caller, err := m.Envs.Resolve(callerID, callerID, false)
	if err != 0 {
		return 0, err
	}

	for _, seg := range img.Segments() {
		if err := loadSegmentInto(m, callerID, childID, caller, seg); err != 0 {
			return 0, err
		}
	}

	if err := stageArgv(m, callerID, childID, caller, argv); err != 0 {
		return 0, err
	}

	var tf mipscpu.TrapFrame
	tf.EPC = img.Entry()
	tf.Regs[mipscpu.RegSP] = ArgVA
	tf.Status = mipscpu.StatusIE
	if err := m.SetTrapframe(callerID, childID, tf); err != 0 {
		return 0, err
	}
	if err := m.SetEnvStatus(callerID, childID, env.Runnable); err != 0 {
		return 0, err
	}
	return childID, 0
}

func loadSegmentInto(m *kernel.Machine, callerID, childID env.ID, caller *env.Env, seg kernel.Segment) errno.Errno {
	base := seg.VA &^ (vm.PageSize - 1)
	end := (seg.VA + uint32(len(seg.Data)) + vm.PageSize - 1) &^ (vm.PageSize - 1)
	for va := base; va < end; va += vm.PageSize {
		if err := m.MemAlloc(callerID, childID, va, seg.Perm|vm.Writable); err != 0 {
			return err
		}
		if err := writeThroughScratch(m, callerID, childID, caller, va, pageSlice(seg, va)); err != 0 {
			return err
		}
		if !seg.Perm.Has(vm.Writable) {
			// Drop the staging-only Writable bit without disturbing the
			// frame just written: mem_map from the child onto itself with
			// the segment's real permissions re-installs the same frame
			// under the final perm.
			if err := m.MemMap(callerID, childID, va, childID, va, seg.Perm); err != 0 {
				return err
			}
		}
	}
	return 0
}

// pageSlice returns the portion of seg.Data that falls within the page
// starting at va, zero-padded at the segment's tail the way a loader zeros
// BSS left over past Filesz within the last page.
func pageSlice(seg kernel.Segment, va uint32) []byte {
	out := make([]byte, vm.PageSize)
	segStart := int64(va) - int64(seg.VA)
	for i := range out {
		idx := segStart + int64(i)
		if idx < 0 || idx >= int64(len(seg.Data)) {
			continue
		}
		out[i] = seg.Data[idx]
	}
	return out
}

// writeThroughScratch maps the child's just-allocated page into the
// caller's own address space at ScratchVA, writes data into it, then
// unmaps it -- the "per-page mem_map" half of spec.md's loader algorithm,
// needed because mem_alloc puts the frame in the child, not the caller.
func writeThroughScratch(m *kernel.Machine, callerID, childID env.ID, caller *env.Env, va uint32, data []byte) errno.Errno {
	if err := m.MemMap(callerID, childID, va, callerID, ScratchVA, vm.Writable|vm.User); err != 0 {
		return err
	}
	defer m.MemUnmap(callerID, callerID, ScratchVA)
	return caller.AS.Write(ScratchVA, data)
}

// stageArgv writes argv into the child's one-page argument block as a
// sequence of NUL-terminated strings preceded by a count word.
func stageArgv(m *kernel.Machine, callerID, childID env.ID, caller *env.Env, argv []string) errno.Errno {
	if err := m.MemAlloc(callerID, childID, ArgVA, vm.Writable|vm.User); err != 0 {
		return err
	}
	buf := make([]byte, vm.PageSize)
	buf[0] = byte(len(argv))
	off := 4
	for _, a := range argv {
		if off+len(a)+1 > len(buf) {
			break
		}
		copy(buf[off:], a)
		off += len(a) + 1
	}
	return writeThroughScratch(m, callerID, childID, caller, ArgVA, buf)
}
