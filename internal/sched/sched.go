// Package sched implements the round-robin, priority-weighted quantum
// scheduler (spec.md section 4.4).
//
// Grounded on biscuit/src/kernel's cooperative-yield scheduling loop and on
// spec.md section 4.4's explicit statement that only one environment is
// ever running at a time; generalized from biscuit's per-CPU runqueue down
// to the single run queue this spec calls for.
package sched

import (
	"mos/internal/env"
)

// DefaultQuantum is the number of scheduler ticks a priority-1 environment
// receives per turn; an environment at priority p receives p*DefaultQuantum
// ticks (spec.md section 4.4, "higher-priority environments receive
// proportionally longer quanta").
const DefaultQuantum = 5

// Scheduler holds the FIFO run queue of runnable environment IDs.
type Scheduler struct {
	table   *env.Table
	runq    []env.ID
	current env.ID
}

// New returns a Scheduler over table with an empty run queue.
func New(table *env.Table) *Scheduler {
	return &Scheduler{table: table}
}

// Enqueue appends id to the back of the run queue and marks it Runnable.
// It is the caller's responsibility to have already validated id (e.g. via
// Table.Resolve).
func (s *Scheduler) Enqueue(id env.ID) {
	e := s.table.Get(id)
	e.Status = env.Runnable
	if e.Quantum == 0 {
		e.Quantum = e.Priority * DefaultQuantum
	}
	s.runq = append(s.runq, id)
}

// Remove drops id from the run queue, if present -- used by Destroy and by
// ipc_recv when an environment blocks.
func (s *Scheduler) Remove(id env.ID) {
	for i, q := range s.runq {
		if q == id {
			s.runq = append(s.runq[:i], s.runq[i+1:]...)
			return
		}
	}
}

// Current returns the currently scheduled environment ID, or 0 if nothing
// is running.
func (s *Scheduler) Current() env.ID { return s.current }

// Tick consumes one quantum unit from the current environment and reports
// whether its quantum is exhausted. The kernel's timer-interrupt handler
// calls this once per timer tick (spec.md section 4.5's timer-interrupt
// path).
func (s *Scheduler) Tick() bool {
	if s.current == 0 {
		return false
	}
	e := s.table.Get(s.current)
	if e.Quantum > 0 {
		e.Quantum--
	}
	return e.Quantum == 0
}

// Schedule picks the next environment to run, per spec.md section 4.4's
// algorithm: rotate the current environment to the tail of the queue if
// yield was requested, or there is no current environment, or the current
// environment is no longer Runnable, or its quantum has reached 0;
// otherwise let it keep running uninterrupted. It returns 0 if the run
// queue is empty (the kernel idles).
func (s *Scheduler) Schedule(yield bool) env.ID {
	rotate := yield || s.current == 0
	var e *env.Env
	if s.current != 0 {
		e = s.table.Get(s.current)
		if e.Status != env.Runnable || e.Quantum == 0 {
			rotate = true
		}
	}
	if !rotate {
		return s.current
	}
	if e != nil && e.Status == env.Runnable {
		e.Quantum = e.Priority * DefaultQuantum
		s.runq = append(s.runq, s.current)
	}
	if len(s.runq) == 0 {
		s.current = 0
		return 0
	}
	next := s.runq[0]
	s.runq = s.runq[1:]
	s.current = next
	return next
}

// Len reports how many environments are waiting in the run queue (not
// counting the currently running one).
func (s *Scheduler) Len() int { return len(s.runq) }
