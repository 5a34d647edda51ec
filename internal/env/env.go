// Package env implements the environment (process) table: allocation,
// identifier stability across reincarnation, and lifecycle teardown.
//
// Grounded directly on spec.md section 4.3 -- the retrieved slice of the
// teacher (biscuit/src/proc) is an empty package (go.mod only, no process
// table survived retrieval), so this is built from the spec's stated
// algorithm in biscuit's terse, panic-on-invariant-break idiom, cross
// checked against original_source/user/lib/wait.c's use of ENVX/env_id/
// env_status and original_source/init/init.c's ENV_CREATE.
package env

import (
	"sync"

	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// Status is an environment's scheduling state.
type Status int

const (
	// Free means the slot is on the free-env list.
	Free Status = iota
	// Runnable means the environment may be scheduled.
	Runnable
	// NotRunnable means the environment exists but will not be scheduled
	// (e.g. blocked in ipc_recv).
	NotRunnable
)

// genBits is the number of low bits of an ID reserved for the slot index;
// the remaining high bits are the generation counter, per spec.md section
// 3: "stable 32-bit identifier encoding (generation, slot_index) with
// slot_index occupying the low bits."
const genBits = 10

// maxEnvs bounds the slot index space. 1<<genBits slots comfortably covers
// any teaching workload and keeps IDs readable in diagnostics.
const maxEnvs = 1 << genBits

// ID is a stable 32-bit environment identifier. ID(0) is the "current env"
// sentinel (spec.md section 3).
type ID uint32

func makeID(gen uint32, slot int) ID {
	return ID((gen << genBits) | uint32(slot))
}

func (id ID) slot() int      { return int(uint32(id) & (maxEnvs - 1)) }
func (id ID) generation() uint32 { return uint32(id) >> genBits }

// Slot returns id's slot index, for callers (pkg/wait) that need to locate
// an ID within a Snapshot without re-resolving it through the table lock.
func (id ID) Slot() int { return id.slot() }

// RecvState holds the blocking-receive fields spec.md section 3 attaches to
// an Env: {waiting, dest_va, received_value, received_perms, from_env}.
// Spec.md's data model separately lists "from_value" alongside
// "received_value"; both name the single word ipc_try_send transfers, so
// this carries it once, as Value.
type RecvState struct {
	Waiting bool
	DestVA  uint32
	Value   uint32
	Perm    vm.Perm
	FromEnv ID
}

// Env is a process-like descriptor (spec.md section 3).
type Env struct {
	ID       ID
	Parent   ID
	Status   Status
	Priority uint
	Quantum  uint // remaining time-slice ticks

	Trap mipscpu.TrapFrame
	AS   *vm.AddressSpace

	Recv RecvState

	// PgfaultUpcall is the user-space virtual address invoked on a page
	// fault, registered by set_pgfault_handler. Zero means "no handler
	// installed".
	PgfaultUpcall uint32
	// PgfaultStack is the dedicated exception-stack page the upcall frame
	// is pushed onto.
	PgfaultStack uint32

	ExitStatus int32

	generation uint32 // the slot's current generation, mirrored here for convenience
}

// Table is the kernel's environment table: a fixed array of slots plus a
// free list, exactly mirroring spec.md section 3's lifecycle invariants.
type Table struct {
	mu   sync.Mutex
	envs []Env
	free []int // free slot indices, LIFO
}

// NewTable allocates a table with n slots, all initially FREE.
func NewTable(n int) *Table {
	if n <= 0 || n > maxEnvs {
		panic("env: table size out of range")
	}
	t := &Table{envs: make([]Env, n)}
	for i := n - 1; i >= 0; i-- {
		t.envs[i].Status = Free
		t.free = append(t.free, i)
	}
	return t
}

// Alloc takes a slot from the free list, bumps its generation, and
// initializes a fresh Env whose parent is parent. newAS is invoked to build
// the Env's AddressSpace with the kernel's shared mappings already
// installed (spec.md section 4.3's alloc()).
func (t *Table) Alloc(parent ID, newAS func() (*vm.AddressSpace, errno.Errno)) (*Env, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.free) == 0 {
		return nil, errno.NoFreeEnv
	}
	as, err := newAS()
	if err != 0 {
		return nil, err
	}
	slot := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	e := &t.envs[slot]
	e.generation++
	e.ID = makeID(e.generation, slot)
	e.Parent = parent
	e.Status = NotRunnable
	e.Priority = 1
	e.Quantum = 0
	e.Trap = mipscpu.TrapFrame{}
	e.Trap.Regs[mipscpu.RegSP] = vm.UStackTop
	e.Trap.Status = mipscpu.StatusIE
	e.AS = as
	e.Recv = RecvState{}
	e.PgfaultUpcall = 0
	e.PgfaultStack = 0
	e.ExitStatus = 0
	return e, 0
}

// Resolve implements envid_to_env: id==0 means "current"; otherwise the
// generation and slot must both match a live environment. When checkPerm is
// set, the caller (identified by currentID) must either be the resolved
// environment itself or its parent.
func (t *Table) Resolve(id ID, currentID ID, checkPerm bool) (*Env, errno.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var e *Env
	if id == 0 {
		if currentID == 0 {
			return nil, errno.BadEnv
		}
		slot := currentID.slot()
		if slot >= len(t.envs) {
			return nil, errno.BadEnv
		}
		e = &t.envs[slot]
		if e.Status == Free || e.ID != currentID {
			return nil, errno.BadEnv
		}
	} else {
		slot := id.slot()
		if slot >= len(t.envs) {
			return nil, errno.BadEnv
		}
		e = &t.envs[slot]
		if e.Status == Free || e.generation != id.generation() {
			return nil, errno.BadEnv
		}
	}
	if checkPerm && e.ID != currentID && e.Parent != currentID {
		return nil, errno.BadEnv
	}
	return e, 0
}

// Destroy tears e down: unmaps its AddressSpace, drops any pending
// ipc_recv state, and returns the slot to the free list (spec.md section
// 4.3's destroy()). The slot's generation is bumped when Alloc next hands
// the slot out, so the destroyed ID never resolves again. The caller is responsible for
// removing e from the run queue first (internal/sched owns that queue).
func (t *Table) Destroy(id ID) errno.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := id.slot()
	if slot >= len(t.envs) {
		return errno.BadEnv
	}
	e := &t.envs[slot]
	if e.Status == Free || e.generation != id.generation() {
		return errno.BadEnv
	}
	e.AS.Destroy()
	e.AS = nil
	e.Recv = RecvState{}
	e.Status = Free
	t.free = append(t.free, slot)
	return 0
}

// Snapshot returns a read-only copy of every slot, in slot order.
//
// This stands in for the "Envs view" read-only window spec.md section 4.2
// describes as being memory-mapped into every AddressSpace: since this
// repository has no instruction-level user-mode execution loop to
// dereference that address, user-space code (pkg/wait) calls Snapshot
// instead. The functional contract -- a live, read-only view of the whole
// table -- is identical.
func (t *Table) Snapshot() []Env {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Env, len(t.envs))
	copy(out, t.envs)
	return out
}

// Get returns a pointer to the slot for id without validating its
// generation -- used internally by packages (sched, ipc) that already hold
// a validated *Env and need the table's lock discipline for a follow-up
// field mutation. External callers should use Resolve.
func (t *Table) Get(id ID) *Env {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &t.envs[id.slot()]
}

// Lock and Unlock expose the table's mutex so sched and ipc can perform
// multi-field updates atomically with respect to Resolve/Destroy. The
// kernel as a whole remains single-threaded (spec.md section 5); this
// mutex exists for the same belt-and-braces reason internal/mem's does,
// not to support real concurrent envs.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }
