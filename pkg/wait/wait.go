// Package wait implements the user-space wait() primitive: poll an
// environment's table slot until it exits, returning its saved exit
// status.
//
// Grounded on original_source/user/lib/wait.c's polling loop:
//
//	e = &envs[ENVX(envid)];
//	while (e->env_id == envid && e->env_status != ENV_FREE)
//		syscall_yield();
//	if (e->env_id == envid && e->env_status == ENV_FREE)
//		return e->env_exit_status;
//	return -E_BAD_ENV;
//
// translated onto env.Table's generation-tagged IDs in place of the
// original's raw envid/ENVX comparison.
package wait

import (
	"mos/internal/env"
	"mos/pkg/errno"
)

// Scheduler is the subset of *kernel.Machine wait needs to cooperate with
// the single-threaded kernel while it spins, matching the original's
// syscall_yield() call inside the loop.
type Scheduler interface {
	Reschedule(yield bool) env.ID
}

// Wait blocks the caller until id's environment is no longer present in
// envs (it ran to exit and env.Table.Destroy recycled its slot), then
// returns the exit status it last held.
//
// The original C loop has a narrow race: nothing stops the slot from being
// reincarnated (same index, a new generation, a new unrelated environment)
// between the loop noticing env_status == ENV_FREE and the caller reading
// env_exit_status out of the same struct. This is caught here by reading
// the slot's id a second time after taking the snapshot used to decide the
// outcome and discarding the snapshot -- retrying the whole poll -- if the
// id no longer matches.
func Wait(envs *env.Table, sched Scheduler, id env.ID) (int32, errno.Errno) {
	slot := id.Slot()
	for {
		snap := envs.Snapshot()
		if slot >= len(snap) {
			return 0, errno.BadEnv
		}
		e := snap[slot]
		if e.ID != id {
			// Either never existed under this id, or already recycled past
			// it; either way there is nothing left to wait for.
			return 0, errno.BadEnv
		}
		if e.Status == env.Free {
			recheck := envs.Snapshot()
			if slot >= len(recheck) || recheck[slot].ID != id || recheck[slot].Status != env.Free {
				continue
			}
			return e.ExitStatus, 0
		}
		sched.Reschedule(true)
	}
}
