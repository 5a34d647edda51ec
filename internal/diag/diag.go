// Package diag implements the kernel's diagnostic surface: a pprof-backed
// profiling pseudo-device and human-readable allocator/scheduler stats.
//
// Neither is named directly in spec.md, which scopes itself to the core
// kernel abstractions -- but spec.md section 9's "global mutable kernel
// state" note calls for exactly this kind of introspection surface, and the
// distilled spec's Non-goals never exclude diagnostics. Grounded on
// biscuit's plain fmt.Printf diagnostic style (mem.go's Phys_init dump) for
// format, generalized to use the pack's profiling and number-formatting
// libraries instead of hand-rolled formatting.
package diag

import (
	"io"
	"runtime"
	"sync"

	"github.com/google/pprof/profile"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mos/internal/mem"
	"mos/internal/sched"
)

// Profiler accumulates one pprof sample per call to Sample, keyed by a
// caller-supplied label (typically a syscall name or "idle"), so a
// teaching session can later inspect where the simulated kernel spent its
// dispatch cycles. This backs the D_PROF pseudo-device: pkg/fd's NewProf
// wraps a Profiler as a read-only descriptor of KindProf, and it is also
// usable directly as a plain Go API.
//
// Sample is safe to call from multiple goroutines at once: cmd/mos's demo
// harness drives several independent Machines concurrently and wants one
// shared Profiler across all of them.
type Profiler struct {
	mu      sync.Mutex
	samples map[string]int64
}

// NewProfiler returns an empty Profiler.
func NewProfiler() *Profiler { return &Profiler{samples: make(map[string]int64)} }

// Sample records one occurrence of label (e.g. a syscall name).
func (p *Profiler) Sample(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[label]++
}

// Profile renders the accumulated samples as a pprof Profile with a single
// "samples" value type, suitable for writing out with profile.Write and
// inspecting with `go tool pprof`.
func (p *Profiler) Profile() *profile.Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		TimeNanos:  1, // Profile.Write requires a nonzero timestamp
	}
	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)
	var nextID uint64 = 1

	for label, count := range p.samples {
		fn, ok := functions[label]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: label}
			nextID++
			functions[label] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc, ok := locations[label]
		if !ok {
			loc = &profile.Location{
				ID:   nextID,
				Line: []profile.Line{{Function: fn}},
			}
			nextID++
			locations[label] = loc
			prof.Location = append(prof.Location, loc)
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{count},
		})
	}
	return prof
}

// WriteProfile renders and gzip-encodes the accumulated samples to w, ready
// for `go tool pprof`.
func (p *Profiler) WriteProfile(w io.Writer) error {
	return p.Profile().Write(w)
}

// Printer formats allocator and scheduler statistics with the user's
// locale's digit grouping, via golang.org/x/text/message -- spec.md's
// teaching intent (this is a classroom OS) makes readable diagnostic
// output worth the dependency over a bare fmt.Printf("%d").
type Printer struct {
	p *message.Printer
}

// NewPrinter returns a Printer for the given BCP 47 language tag (e.g.
// language.English).
func NewPrinter(tag language.Tag) *Printer {
	return &Printer{p: message.NewPrinter(tag)}
}

// FprintAllocStats writes a one-line human-readable summary of s to w.
func (pr *Printer) FprintAllocStats(w io.Writer, s mem.Stats) {
	pr.p.Fprintf(w, "frames: %d total, %d free, %d in use\n", s.Total, s.Free, s.InUse)
}

// FprintSchedStats writes a one-line summary of the scheduler's run-queue
// depth.
func (pr *Printer) FprintSchedStats(w io.Writer, s *sched.Scheduler) {
	pr.p.Fprintf(w, "run queue depth: %d, current: %v\n", s.Len(), s.Current())
}

// heapStats is a convenience wrapper for boot-time diagnostics that have
// nothing to do with the simulated kernel's own frame allocator -- the Go
// runtime's own heap, reported for whoever is hosting the simulation.
func heapStats() (uint64, uint64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc, ms.HeapSys
}

// FprintHostStats reports the hosting Go process's own heap usage -- purely
// a development convenience, not part of the simulated machine's state.
func (pr *Printer) FprintHostStats(w io.Writer) {
	alloc, sys := heapStats()
	pr.p.Fprintf(w, "host process heap: %d bytes allocated, %d bytes reserved\n", alloc, sys)
}
