// Package ipc implements the synchronous, optionally page-gifting message
// transfer between two environments (spec.md section 4.7).
//
// Grounded on spec.md section 4.7 directly, following the same "kernel
// arbitrates, environments never block on each other without the kernel's
// involvement" design biscuit's exception-dispatch loop uses for every
// blocking syscall.
package ipc

import (
	"mos/internal/env"
	"mos/internal/sched"
	"mos/internal/vm"
	"mos/pkg/errno"
)

// Recv marks receiver as waiting for a message. destVA is the user virtual
// address the gifted page (if any) should land at; zero means "not
// accepting a page, value only" (spec.md section 4.7's "page-gift is
// optional").
//
// Recv removes receiver from the run queue: it does not become runnable
// again until a matching TrySend completes. The caller (the syscall
// dispatcher) must not resume receiver's trap frame after calling Recv --
// control returns to the scheduler instead.
func Recv(table *env.Table, s *sched.Scheduler, receiver env.ID, destVA uint32) errno.Errno {
	e, err := table.Resolve(receiver, receiver, false)
	if err != 0 {
		return err
	}
	if destVA != 0 {
		if destVA >= vm.UTop || destVA&(vm.PageSize-1) != 0 {
			return errno.Inval
		}
	}
	e.Recv = env.RecvState{Waiting: true, DestVA: destVA}
	e.Status = env.NotRunnable
	s.Remove(receiver)
	return 0
}

// TrySend implements ipc_try_send: if target is currently blocked in Recv,
// the value (and, if srcVA is nonzero and the target requested a page, the
// frame mapped at srcVA in sender's address space, installed with perm) is
// transferred, target is unblocked and re-enqueued, and TrySend returns 0.
// Otherwise it returns errno.IpcNotRecv immediately without blocking the
// sender -- spec.md section 4.7 is explicit that ipc_try_send never
// blocks; the retry loop lives in user space.
func TrySend(table *env.Table, s *sched.Scheduler, senderID, targetID env.ID, senderAS *vm.AddressSpace, value uint32, srcVA uint32, perm vm.Perm) errno.Errno {
	target, err := table.Resolve(targetID, senderID, false)
	if err != 0 {
		return err
	}
	if !target.Recv.Waiting {
		return errno.IpcNotRecv
	}
	if perm&^vm.SoftwareMask != 0 {
		return errno.Inval
	}

	gifted := false
	if srcVA != 0 && target.Recv.DestVA != 0 {
		if srcVA >= vm.UTop || srcVA&(vm.PageSize-1) != 0 {
			return errno.Inval
		}
		frame, _, ok := senderAS.Lookup(srcVA)
		if !ok {
			return errno.Inval
		}
		if err := target.AS.Insert(frame, target.Recv.DestVA, perm); err != 0 {
			return err
		}
		target.Recv.Perm = perm
		gifted = true
	}
	if !gifted {
		target.Recv.DestVA = 0
		target.Recv.Perm = 0
	}

	target.Recv.Value = value
	target.Recv.FromEnv = senderID
	target.Recv.Waiting = false
	target.Status = env.Runnable
	target.Trap.SetV0(0)
	s.Enqueue(target.ID)
	return 0
}
