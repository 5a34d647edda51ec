// Package kernel ties the frame allocator, VM layer, environment table,
// scheduler and IPC primitive together behind the single exception-dispatch
// entry and syscall table spec.md sections 4.5 and 4.6 describe.
//
// Grounded on biscuit/src/kernel's trap-dispatch switch and its
// single-threaded-kernel discipline (spec.md section 5): every exported
// Machine method is called with the conceptual kernel lock held, enforced
// here with golang.org/x/sync/semaphore.Weighted(1) rather than left as a
// documented convention only, since nothing stops a caller from driving two
// goroutines at this boundary in a hosted Go program the way nothing stops
// two CPUs on real hardware without an explicit big-kernel-lock.
package kernel

import (
	"fmt"
	"io"

	"golang.org/x/sync/semaphore"

	"mos/internal/env"
	"mos/internal/mem"
	"mos/internal/mipscpu"
	"mos/internal/sched"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// ConsoleDevice is the out-of-scope character console collaborator
// (spec.md section 1 lists "the console device driver" as external). The
// kernel only ever talks to it through this interface.
type ConsoleDevice interface {
	PutByte(b byte)
	ReadByte() (b byte, ok bool)
}

// Machine is the whole kernel: the allocator, every Env's AddressSpace
// indirectly via the Env table, the scheduler, the TLB, and the console.
type Machine struct {
	Phys    *mem.Physmem
	Envs    *env.Table
	Sched   *sched.Scheduler
	TLB     *vm.TLB
	Console ConsoleDevice

	lock *semaphore.Weighted
	out  io.Writer // diagnostic sink for "Other" trap dumps and panics
}

// NewMachine builds a Machine over npages physical frames and nenvs
// environment slots.
func NewMachine(npages, nenvs int, console ConsoleDevice, diag io.Writer) *Machine {
	phys := mem.NewPhysmem(npages)
	envs := env.NewTable(nenvs)
	return &Machine{
		Phys:    phys,
		Envs:    envs,
		Sched:   sched.New(envs),
		TLB:     vm.NewTLB(),
		Console: console,
		lock:    semaphore.NewWeighted(1),
		out:     diag,
	}
}

// enter acquires the single-threaded-kernel invariant for the duration of
// one Machine entry point (spec.md section 5: "no locks are needed because
// the kernel is single-threaded" -- enforced, not merely assumed).
func (m *Machine) enter() func() {
	if !m.lock.TryAcquire(1) {
		panic("kernel: re-entrant call while the single-threaded-kernel invariant is held")
	}
	return func() { m.lock.Release(1) }
}

// Boot creates the first environment -- user-space init -- from img and
// enqueues it. Grounded on original_source/init/init.c's mips_init, which
// performs exactly this one ENV_CREATE before starting the scheduler loop.
func (m *Machine) Boot(img ProgramImage, priority uint) (env.ID, errno.Errno) {
	defer m.enter()()
	e, err := m.createEnv(0, img, priority)
	if err != 0 {
		return 0, err
	}
	e.Status = env.Runnable
	m.Sched.Enqueue(e.ID)
	return e.ID, 0
}

// Current returns the environment the scheduler currently considers
// running, or 0 if none does yet (e.g. before the first Reschedule call).
func (m *Machine) Current() env.ID { return m.Sched.Current() }

// Reschedule runs the scheduler's pick-next-environment step directly; a
// driving loop (cmd/mos, the package tests) calls it to obtain the next
// environment to resume, mirroring exactly what Dispatch/Timer do
// internally on every trap.
func (m *Machine) Reschedule(yield bool) env.ID {
	defer m.enter()()
	return m.Sched.Schedule(yield)
}

func (m *Machine) createEnv(parent env.ID, img ProgramImage, priority uint) (*env.Env, errno.Errno) {
	e, err := m.Envs.Alloc(parent, func() (*vm.AddressSpace, errno.Errno) { return vm.New(m.Phys) })
	if err != 0 {
		return nil, err
	}
	if img != nil {
		for _, seg := range img.Segments() {
			if err := loadSegment(m.Phys, e.AS, seg); err != 0 {
				m.Envs.Destroy(e.ID)
				return nil, err
			}
		}
		e.Trap.EPC = img.Entry()
	}
	e.Priority = priority
	return e, 0
}

func loadSegment(phys *mem.Physmem, as *vm.AddressSpace, seg Segment) errno.Errno {
	base := seg.VA &^ (mem.PageSize - 1)
	end := (seg.VA + uint32(len(seg.Data)) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	for va := base; va < end; va += mem.PageSize {
		f, ok := phys.Alloc(true)
		if !ok {
			return errno.NoMemory
		}
		if err := as.Insert(f, va, seg.Perm); err != 0 {
			return err
		}
	}
	if len(seg.Data) > 0 {
		if err := as.Write(seg.VA, seg.Data); err != 0 {
			return err
		}
	}
	return 0
}

// ProgramImage is the out-of-scope ELF-loader collaborator (spec.md
// section 1: "the ELF file parser used by spawn" is external). Boot and
// the syscall-level spawn support in pkg/spawn only ever consume a program
// image through this interface; pkg/spawn's real implementation backs it
// with debug/elf.
type ProgramImage interface {
	Segments() []Segment
	Entry() uint32
}

// Segment is one loadable program segment.
type Segment struct {
	VA   uint32
	Data []byte
	Perm vm.Perm
}

// Dispatch is the single exception entry (spec.md section 4.5): it saves
// nothing itself (the caller already has tf, the live TrapFrame for
// whichever environment the scheduler currently considers running), and
// switches on tf's hardware cause code. The currently-running environment
// is always m.Sched.Current() -- there is exactly one source of truth for
// "current", matching spec.md section 9's single kernel-private
// current-Env pointer.
//
// It returns the ID of the environment that should next run -- which may
// be the same one again, a different environment after a reschedule, or 0
// if the kernel should idle.
func (m *Machine) Dispatch(tf *mipscpu.TrapFrame) env.ID {
	defer m.enter()()
	current := m.Sched.Current()
	switch code := tf.ExcCode(); code {
	case mipscpu.ExcTLBLoad:
		return m.handleTLBMissLocked(current, tf, false)
	case mipscpu.ExcTLBStore, mipscpu.ExcTLBMod:
		return m.handleTLBMissLocked(current, tf, true)
	case mipscpu.ExcSyscall:
		return m.handleSyscallLocked(current, tf)
	default:
		fmt.Fprintf(m.out, "unhandled trap (cause class %d), destroying env %v\n", code, current)
		mipscpu.FprintTrapFrame(m.out, tf)
		m.Envs.Destroy(current)
		m.Sched.Remove(current)
		return m.Sched.Schedule(false)
	}
}

// Timer is called once per timer interrupt (spec.md section 4.5's timer
// row): it decrements the current environment's quantum, then calls
// Schedule(false) -- Schedule itself rotates the run queue if that
// decrement reached 0.
func (m *Machine) Timer() env.ID {
	defer m.enter()()
	m.Sched.Tick()
	return m.Sched.Schedule(false)
}

// handleTLBMissLocked services a TLB-refill or store/modify exception. A
// store/modify against a VALID-but-not-Writable page (the COW case) is a
// protection fault even though the TLB would happily refill it for a load;
// write escalates straight to the page-fault upcall instead of silently
// caching a translation that would let the write through.
func (m *Machine) handleTLBMissLocked(current env.ID, tf *mipscpu.TrapFrame, write bool) env.ID {
	e, err := m.Envs.Resolve(current, current, false)
	if err != 0 {
		return m.Sched.Schedule(false)
	}
	if write {
		_, perm, ok := e.AS.Lookup(tf.BadVAddr &^ (mem.PageSize - 1))
		if !ok || !perm.Has(vm.Writable) {
			return m.pageFaultLocked(e, tf)
		}
	}
	if m.TLB.Refill(e.AS, tf.BadVAddr) {
		return current
	}
	return m.pageFaultLocked(e, tf)
}

// pageFaultLocked delivers the page-fault upcall (spec.md section 4.5) or,
// absent a registered handler, destroys the offending environment.
func (m *Machine) pageFaultLocked(e *env.Env, tf *mipscpu.TrapFrame) env.ID {
	if e.PgfaultUpcall == 0 || e.PgfaultStack == 0 {
		fmt.Fprintf(m.out, "env %v: unhandled page fault at %08x, no upcall registered\n", e.ID, tf.BadVAddr)
		m.Envs.Destroy(e.ID)
		m.Sched.Remove(e.ID)
		return m.Sched.Schedule(false)
	}
	// Push a small exception frame onto the dedicated stack: the faulting
	// TrapFrame followed by the fault address, then resume at the upcall
	// with sp pointing below it. This mirrors spec.md section 4.5's
	// "pushes a small frame onto that stack (fault VA, saved registers)".
	const upcallFrameWords = mipscpu.NumRegs + 7 // Regs + status/hi/lo/badvaddr/cause/epc + fault VA
	xsp := e.PgfaultStack - uint32(upcallFrameWords*4)
	buf := make([]byte, upcallFrameWords*4)
	encodeUpcallFrame(buf, tf)
	if err := e.AS.Write(xsp, buf); err != 0 {
		fmt.Fprintf(m.out, "env %v: page-fault upcall frame push failed: %v, destroying\n", e.ID, err)
		m.Envs.Destroy(e.ID)
		m.Sched.Remove(e.ID)
		return m.Sched.Schedule(false)
	}
	e.Trap.Regs[mipscpu.RegSP] = xsp
	e.Trap.Regs[mipscpu.RegA0] = tf.BadVAddr
	e.Trap.EPC = e.PgfaultUpcall
	return e.ID
}

func encodeUpcallFrame(buf []byte, tf *mipscpu.TrapFrame) {
	put := func(off int, v uint32) {
		buf[off] = byte(v)
		buf[off+1] = byte(v >> 8)
		buf[off+2] = byte(v >> 16)
		buf[off+3] = byte(v >> 24)
	}
	for i, r := range tf.Regs {
		put(i*4, r)
	}
	base := mipscpu.NumRegs * 4
	put(base, tf.Status)
	put(base+4, tf.Hi)
	put(base+8, tf.Lo)
	put(base+12, tf.BadVAddr)
	put(base+16, tf.Cause)
	put(base+20, tf.EPC)
	put(base+24, tf.BadVAddr)
}

// WithLock runs fn with the single-threaded-kernel invariant held, for
// callers that need to touch Machine state outside the Dispatch/Timer/Boot
// entry points. No package in this repository calls it.
func (m *Machine) WithLock(fn func()) {
	defer m.enter()()
	fn()
}
