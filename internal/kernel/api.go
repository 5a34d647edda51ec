package kernel

import (
	"mos/internal/env"
	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// This file exposes the syscall table as ordinary Go methods, each
// acquiring the single-threaded-kernel invariant exactly like Dispatch
// does. Real MIPS user code reaches these through a trap instruction decoded
// by handleSyscallLocked; the user-space runtime packages built on top of
// this repository (pkg/fork, pkg/spawn, pkg/fileserver) have no instruction
// stream to trap from, so they call straight through to the same kernel
// entry points a libos.c wrapper would normally trap into -- the behavior
// these methods implement is identical either way.

// Exofork implements the exofork syscall for callers that are not driving a
// trap frame (pkg/fork's user-space COW fork).
func (m *Machine) Exofork(caller env.ID) (env.ID, errno.Errno) {
	defer m.enter()()
	return m.sysExofork(caller)
}

// SetPgfaultHandler implements set_pgfault_handler.
func (m *Machine) SetPgfaultHandler(caller, target env.ID, entry, xstack uint32) errno.Errno {
	defer m.enter()()
	return m.sysSetPgfaultHandler(caller, target, entry, xstack)
}

// SetEnvStatus implements set_env_status.
func (m *Machine) SetEnvStatus(caller, target env.ID, status env.Status) errno.Errno {
	defer m.enter()()
	return m.sysSetEnvStatus(caller, target, status)
}

// MemAlloc implements mem_alloc.
func (m *Machine) MemAlloc(caller, target env.ID, va uint32, perm vm.Perm) errno.Errno {
	defer m.enter()()
	return m.sysMemAlloc(caller, target, va, perm)
}

// MemMap implements mem_map.
func (m *Machine) MemMap(caller, srcID env.ID, srcVA uint32, dstID env.ID, dstVA uint32, perm vm.Perm) errno.Errno {
	defer m.enter()()
	return m.sysMemMap(caller, srcID, srcVA, dstID, dstVA, perm)
}

// MemUnmap implements mem_unmap.
func (m *Machine) MemUnmap(caller, target env.ID, va uint32) errno.Errno {
	defer m.enter()()
	return m.sysMemUnmap(caller, target, va)
}

// SetTrapframe implements set_trapframe, taking an already-decoded
// TrapFrame rather than a user-memory address -- pkg/spawn builds the
// frame itself instead of writing it into a child AddressSpace first.
func (m *Machine) SetTrapframe(caller, target env.ID, tf mipscpu.TrapFrame) errno.Errno {
	defer m.enter()()
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	e.Trap = tf
	return 0
}
