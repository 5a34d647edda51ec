package kernel

import (
	"fmt"

	"mos/internal/env"
	"mos/internal/ipc"
	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// stackArg reads the n-th syscall argument (1-indexed) beyond the four
// register arguments a0-a3, from e's user stack -- the real MIPS o32 ABI
// spills arguments past the fourth onto the caller's stack just above the
// 16-byte register save area, which is what mem_map's fifth argument
// (perm) uses here.
func stackArg(e *env.Env, n int) (uint32, errno.Errno) {
	va := e.Trap.Regs[mipscpu.RegSP] + 16 + uint32(n-1)*4
	var buf [4]byte
	if err := e.AS.Read(buf[:], va); err != 0 {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, 0
}

// handleSyscallLocked decodes the syscall number from v0 and its arguments
// from a0-a3 (plus, for mem_map, one stack-spilled word), dispatches to the
// matching Machine operation, writes the result back into v0, advances EPC
// past the syscall instruction, and returns the ID that should run next.
func (m *Machine) handleSyscallLocked(current env.ID, tf *mipscpu.TrapFrame) env.ID {
	e, err := m.Envs.Resolve(current, current, false)
	if err != 0 {
		return m.Sched.Schedule(false)
	}
	num := tf.V0()
	a0, a1, a2, a3 := tf.SyscallArgs()
	tf.EPC += 4

	switch num {
	case SysPutchar:
		m.Console.PutByte(byte(a0))
		tf.SetV0(0)
		return current

	case SysPrint:
		ret := m.sysPrint(e, a0, a1)
		tf.SetV0(uint32(ret))
		return current

	case SysGetEnvID:
		tf.SetV0(uint32(current))
		return current

	case SysYield:
		return m.Sched.Schedule(true)

	case SysEnvDestroy:
		ret := m.sysEnvDestroy(current, env.ID(a0))
		if ret == 0 && (a0 == 0 || env.ID(a0) == current) {
			m.Sched.Remove(current)
			return m.Sched.Schedule(false) // spec.md section 9: never returns to the destroyed caller
		}
		tf.SetV0(uint32(ret))
		return current

	case SysSetPgfaultHandler:
		ret := m.sysSetPgfaultHandler(current, env.ID(a0), a1, a2)
		tf.SetV0(uint32(ret))
		return current

	case SysMemAlloc:
		ret := m.sysMemAlloc(current, env.ID(a0), a1, vm.Perm(a2))
		tf.SetV0(uint32(ret))
		return current

	case SysMemMap:
		perm, serr := stackArg(e, 1)
		if serr != 0 {
			tf.SetV0(uint32(serr))
			return current
		}
		ret := m.sysMemMap(current, env.ID(a0), a1, env.ID(a2), a3, vm.Perm(perm))
		tf.SetV0(uint32(ret))
		return current

	case SysMemUnmap:
		ret := m.sysMemUnmap(current, env.ID(a0), a1)
		tf.SetV0(uint32(ret))
		return current

	case SysExofork:
		// The child is left NOT_RUNNABLE (spec.md section 4.6): the caller
		// must finish populating it and call set_env_status(RUNNABLE).
		child, ret := m.sysExofork(current)
		if ret != 0 {
			tf.SetV0(uint32(ret))
			return current
		}
		tf.SetV0(uint32(child))
		return current

	case SysSetEnvStatus:
		ret := m.sysSetEnvStatus(current, env.ID(a0), env.Status(a1))
		tf.SetV0(uint32(ret))
		return current

	case SysSetTrapframe:
		ret := m.sysSetTrapframe(current, env.ID(a0), a1)
		tf.SetV0(uint32(ret))
		return current

	case SysPanic:
		m.sysPanic(current, e, a0, a1)
		m.Sched.Remove(current)
		return m.Sched.Schedule(false)

	case SysIPCTrySend:
		ret := ipc.TrySend(m.Envs, m.Sched, current, env.ID(a0), e.AS, a1, a2, vm.Perm(a3))
		tf.SetV0(uint32(ret))
		return current

	case SysIPCRecv:
		ret := ipc.Recv(m.Envs, m.Sched, current, a0)
		if ret != 0 {
			tf.SetV0(uint32(ret))
			return current
		}
		return m.Sched.Schedule(false)

	case SysReadKbdChar:
		b, ok := m.Console.ReadByte()
		if !ok {
			ret := errno.Unspecified
			tf.SetV0(uint32(ret))
			return current
		}
		tf.SetV0(uint32(b))
		return current

	default:
		ret := errno.Inval
		tf.SetV0(uint32(ret))
		return current
	}
}

func (m *Machine) sysPrint(e *env.Env, bufVA, n uint32) errno.Errno {
	if bufVA >= vm.UTop {
		return errno.Inval
	}
	data := make([]byte, n)
	if err := e.AS.Read(data, bufVA); err != 0 {
		return err
	}
	for _, b := range data {
		m.Console.PutByte(b)
	}
	return 0
}

func (m *Machine) sysEnvDestroy(caller, target env.ID) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	id := e.ID
	m.Sched.Remove(id)
	return m.Envs.Destroy(id)
}

func (m *Machine) sysSetPgfaultHandler(caller, target env.ID, entry, xstack uint32) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	e.PgfaultUpcall = entry
	e.PgfaultStack = xstack
	return 0
}

func (m *Machine) sysMemAlloc(caller, target env.ID, va uint32, perm vm.Perm) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	if perm&^vm.SoftwareMask != 0 {
		return errno.Inval
	}
	f, ok := m.Phys.Alloc(true)
	if !ok {
		return errno.NoMemory
	}
	if err := e.AS.Insert(f, va, perm); err != 0 {
		m.Phys.Release(f)
		return err
	}
	return 0
}

func (m *Machine) sysMemMap(caller env.ID, srcID env.ID, srcVA uint32, dstID env.ID, dstVA uint32, perm vm.Perm) errno.Errno {
	if perm&^vm.SoftwareMask != 0 {
		return errno.Inval
	}
	src, err := m.Envs.Resolve(srcID, caller, true)
	if err != 0 {
		return err
	}
	dst, err := m.Envs.Resolve(dstID, caller, true)
	if err != 0 {
		return err
	}
	frame, _, ok := src.AS.Lookup(srcVA)
	if !ok {
		return errno.Inval
	}
	return dst.AS.Insert(frame, dstVA, perm)
}

func (m *Machine) sysMemUnmap(caller, target env.ID, va uint32) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	if va >= vm.UTop || va&(vm.PageSize-1) != 0 {
		return errno.Inval
	}
	e.AS.Remove(va)
	return 0
}

// sysExofork implements exofork (spec.md section 4.6): copies the caller's
// TrapFrame into the child, forces the child's v0 to 0 so the "syscall
// that returns twice" illusion holds without any fiber mechanism (spec.md
// section 9), and leaves the child NOT_RUNNABLE until the caller explicitly
// marks it RUNNABLE.
func (m *Machine) sysExofork(caller env.ID) (env.ID, errno.Errno) {
	parent, err := m.Envs.Resolve(caller, caller, false)
	if err != 0 {
		return 0, err
	}
	child, err := m.createEnv(caller, nil, parent.Priority)
	if err != 0 {
		return 0, err
	}
	child.Trap = parent.Trap
	child.Trap.SetV0(0)
	child.Status = env.NotRunnable
	return child.ID, 0
}

func (m *Machine) sysSetEnvStatus(caller, target env.ID, status env.Status) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	switch status {
	case env.Runnable:
		if e.Status != env.Runnable {
			e.Status = env.Runnable
			m.Sched.Enqueue(target)
		}
	case env.NotRunnable:
		if e.Status == env.Runnable {
			m.Sched.Remove(target)
		}
		e.Status = env.NotRunnable
	default:
		return errno.Inval
	}
	return 0
}

func (m *Machine) sysSetTrapframe(caller, target env.ID, tfVA uint32) errno.Errno {
	e, err := m.Envs.Resolve(target, caller, true)
	if err != 0 {
		return err
	}
	callerEnv, err := m.Envs.Resolve(caller, caller, false)
	if err != 0 {
		return err
	}
	var buf [mipscpu.NumRegs*4 + 24]byte
	if err := callerEnv.AS.Read(buf[:], tfVA); err != 0 {
		return err
	}
	e.Trap = decodeTrapFrame(buf[:])
	return 0
}

func decodeTrapFrame(buf []byte) mipscpu.TrapFrame {
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
	return tf
}

func (m *Machine) sysPanic(caller env.ID, e *env.Env, msgVA, n uint32) {
	msg := make([]byte, n)
	e.AS.Read(msg, msgVA)
	e.ExitStatus = -1
	fmt.Fprintf(m.out, "env %v panicked: %s\n", caller, msg)
	m.Envs.Destroy(caller)
}
