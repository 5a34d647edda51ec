// Command mos drives the simulated kernel through a short teaching
// scenario: boot an init environment, fork it copy-on-write, spawn a
// second program from a constructed image, wire up a pipe and a file
// server between environments, and print the final allocator/scheduler
// statistics; with -wait-demo, also wait for an exited child.
//
// There is no real MIPS instruction stream here (spec.md section 1 puts
// instruction execution itself out of scope), so this does not "run" the
// scenario's programs -- it drives the same Machine entry points a real
// trap-and-reschedule loop would, directly, the way a bring-up test
// harness drives a kernel before real userland exists.
//
// Grounded on original_source/init/init.c's mips_init, which performs one
// ENV_CREATE and starts the scheduler loop. Each scenario below gets its
// own Machine, so golang.org/x/sync/errgroup can run all of them
// concurrently: several simulated user environments, each behind its own
// single-threaded-kernel semaphore, running at once -- the same
// concurrency structure several real MIPS boards would have, each running
// its own copy of this kernel.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"mos/internal/diag"
	"mos/internal/env"
	"mos/internal/kernel"
	"mos/internal/mipscpu"
	"mos/internal/vm"
	"mos/pkg/errno"
	"mos/pkg/fileserver"
	"mos/pkg/fork"
	"mos/pkg/pipe"
	"mos/pkg/spawn"
	"mos/pkg/wait"
)

// stdioConsole backs kernel.ConsoleDevice with the process's own stdin and
// stdout, buffered the ordinary Go way -- there is no real UART here to
// model, just a place for PutByte/ReadByte to go.
type stdioConsole struct {
	out *bufio.Writer
	in  *bufio.Reader
}

func newStdioConsole() *stdioConsole {
	return &stdioConsole{out: bufio.NewWriter(os.Stdout), in: bufio.NewReader(os.Stdin)}
}

func (c *stdioConsole) PutByte(b byte) {
	c.out.WriteByte(b)
	c.out.Flush()
}

func (c *stdioConsole) ReadByte() (byte, bool) {
	b, err := c.in.ReadByte()
	if err != nil {
		return 0, false
	}
	return b, true
}

// blankImage is the trivial kernel.ProgramImage used for environments this
// demo drives entirely through direct Machine/pkg calls rather than a real
// instruction stream -- it contributes no segments and an EPC of zero.
type blankImage struct{}

func (blankImage) Segments() []kernel.Segment { return nil }
func (blankImage) Entry() uint32              { return 0 }

// childProgram is a tiny hand-built two-segment image for the spawn demo:
// a read-only text page and a writable data page, standing in for a real
// ELF binary the way childImage does in pkg/spawn's own tests -- this repo
// has no compiled MIPS binaries to load from disk.
type childProgram struct{}

const childEntry = 0x00410000
const childTextVA = vm.UText
const childDataVA = vm.UText + vm.PageSize

func (childProgram) Segments() []kernel.Segment {
	return []kernel.Segment{
		{VA: childTextVA, Data: []byte{0, 0, 0, 0}, Perm: vm.User},
		{VA: childDataVA, Data: []byte("spawned"), Perm: vm.User | vm.Writable},
	}
}
func (childProgram) Entry() uint32 { return childEntry }

const upcallEntry = 0x00420000

func main() {
	npages := flag.Int("pages", 4096, "physical frames available to each scenario's simulated machine")
	nenvs := flag.Int("envs", 64, "environment table slots per machine")
	profilePath := flag.String("profile", "", "if set, write a pprof profile of sampled scenario activity here")
	waitDemoFlag := flag.Bool("wait-demo", false, "additionally run the wait() demo after the concurrent scenarios")
	flag.Parse()

	profiler := diag.NewProfiler()
	printer := diag.NewPrinter(language.English)
	newMachine := func() *kernel.Machine {
		return kernel.NewMachine(*npages, *nenvs, newStdioConsole(), os.Stdout)
	}

	var g errgroup.Group
	machines := make([]*kernel.Machine, 4)
	g.Go(func() error { machines[0] = newMachine(); return forkScenario(machines[0], profiler) })
	g.Go(func() error { machines[1] = newMachine(); return spawnScenario(machines[1], profiler) })
	g.Go(func() error { machines[2] = newMachine(); return pipeScenario(machines[2], profiler) })
	g.Go(func() error { machines[3] = newMachine(); return fileserverScenario(machines[3], profiler) })

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "scenario failed: %v\n", err)
		os.Exit(1)
	}

	for _, m := range machines {
		printer.FprintAllocStats(os.Stdout, m.Phys.Stat())
		printer.FprintSchedStats(os.Stdout, m.Sched)
	}

	if *waitDemoFlag {
		status, werr := waitDemo(newMachine())
		if werr != 0 {
			fmt.Fprintf(os.Stderr, "wait demo: %v\n", werr)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stdout, "wait demo: child exited with status %d\n", status)
	}

	if *profilePath != "" {
		f, err := os.Create(*profilePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := profiler.WriteProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "profile: %v\n", err)
			os.Exit(1)
		}
	}
}

// forkScenario boots a parent, gives it a private writable page, forks a
// COW child, and has the child break its copy-on-write mapping by writing
// to the shared page -- demonstrating that the parent's page survives
// untouched, the payoff of spec.md section 4.8's fork algorithm.
func forkScenario(m *kernel.Machine, prof *diag.Profiler) error {
	parentID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	prof.Sample("boot")

	const dataVA = vm.UText
	if err := m.MemAlloc(parentID, parentID, dataVA, vm.Writable|vm.User); err != 0 {
		return err
	}
	parent := m.Envs.Get(parentID)
	if err := parent.AS.Write(dataVA, []byte("parent data")); err != 0 {
		return err
	}
	if err := m.SetPgfaultHandler(parentID, parentID, upcallEntry, fork.ExceptionStackVA+vm.PageSize); err != 0 {
		return err
	}
	prof.Sample("fork")

	childID, err := fork.Fork(m, parentID, upcallEntry)
	if err != 0 {
		return err
	}

	// Cycle the scheduler until it is the child's turn, then simulate the
	// child's first instruction immediately attempting the write that
	// breaks its COW mapping -- the same trap the real MIPS TLB would
	// raise on a store to a VALID, non-Writable page.
	for i := 0; i < m.Sched.Len()+2 && m.Current() != childID; i++ {
		m.Reschedule(true)
	}
	tf := &mipscpu.TrapFrame{BadVAddr: dataVA, Cause: mipscpu.ExcTLBStore << 2}
	if m.Dispatch(tf) == childID {
		child := m.Envs.Get(childID)
		if child.Trap.EPC == upcallEntry {
			if err := fork.HandleUpcall(m, childID); err != 0 {
				return err
			}
		}
	}
	child := m.Envs.Get(childID)
	if err := child.AS.Write(dataVA, []byte("child data!")); err != 0 {
		return err
	}
	prof.Sample("fork_cow_break")

	if err := m.SetEnvStatus(parentID, parentID, env.NotRunnable); err != 0 {
		return err
	}
	return nil
}

// spawnScenario loads childProgram into a freshly spawned environment and
// confirms its entry trap frame is set the way a real scheduled resume
// would expect.
func spawnScenario(m *kernel.Machine, prof *diag.Profiler) error {
	callerID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	prof.Sample("boot")

	childID, err := spawn.Spawn(m, callerID, childProgram{}, 1, []string{"hello", "-v"})
	if err != 0 {
		return err
	}
	prof.Sample("spawn")

	child := m.Envs.Get(childID)
	if child.Trap.EPC != childEntry {
		return errno.Unspecified
	}
	return nil
}

// pipeScenario wires a pipe between two booted environments and exercises
// a single write/read round trip.
func pipeScenario(m *kernel.Machine, prof *diag.Profiler) error {
	readerID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	writerID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	prof.Sample("boot")

	const pipeVA = vm.UText
	reader := m.Envs.Get(readerID)
	writer := m.Envs.Get(writerID)
	readEnd, writeEnd, perr := pipe.New(m.Phys, vm.PageSize, reader.AS, pipeVA, writer.AS, pipeVA)
	if perr != 0 {
		return perr
	}
	prof.Sample("pipe")

	if _, perr := writeEnd.Write([]byte("ping")); perr != 0 {
		return perr
	}
	buf := make([]byte, 4)
	if _, perr := readEnd.Read(buf); perr != 0 {
		return perr
	}
	if string(buf) != "ping" {
		return errno.Unspecified
	}
	return nil
}

// fileserverScenario boots a server and a client environment, opens a
// file, writes through a mapped page, and syncs it to the backing
// MemDevice -- the same round trip pkg/fileserver's own test exercises.
func fileserverScenario(m *kernel.Machine, prof *diag.Profiler) error {
	serverID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	clientID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return err
	}
	prof.Sample("boot")

	const reqVA = vm.UText
	const nameVA = vm.UText + vm.PageSize
	const mapVA = vm.UText + 2*vm.PageSize

	if err := m.MemAlloc(clientID, clientID, nameVA, vm.Writable|vm.User); err != 0 {
		return err
	}
	dev := fileserver.NewMemDevice(4)
	srv := fileserver.NewServer(m, serverID, dev, reqVA)

	if err := srv.Step(); err != 0 {
		return err
	}
	if err := fileserver.RequestOpen(m, clientID, serverID, nameVA, "demo.txt"); err != 0 {
		return err
	}
	if err := fileserver.AwaitReply(m, clientID, 0); err != 0 {
		return err
	}
	if err := srv.Step(); err != 0 {
		return err
	}
	client := m.Envs.Get(clientID)
	fileID := client.Recv.Value
	prof.Sample("fileserver_open")

	if err := fileserver.RequestSetSize(m, clientID, serverID, fileID, 1); err != 0 {
		return err
	}
	if err := fileserver.AwaitReply(m, clientID, 0); err != 0 {
		return err
	}
	if err := srv.Step(); err != 0 {
		return err
	}

	if err := fileserver.RequestMap(m, clientID, serverID, fileID, 0); err != 0 {
		return err
	}
	if err := fileserver.AwaitReply(m, clientID, mapVA); err != 0 {
		return err
	}
	if err := srv.Step(); err != 0 {
		return err
	}
	if err := client.AS.Write(mapVA, []byte("hello, file")); err != 0 {
		return err
	}
	prof.Sample("fileserver_map")

	if err := fileserver.RequestSync(m, clientID, serverID, fileID); err != 0 {
		return err
	}
	if err := fileserver.AwaitReply(m, clientID, 0); err != 0 {
		return err
	}
	if err := srv.Step(); err != 0 {
		return err
	}
	prof.Sample("fileserver_sync")

	return nil
}

// waitDemo boots a parent, exoforks a child, immediately destroys it with
// a known exit status, and confirms pkg/wait observes it -- run
// separately from the errgroup scenarios above since it is deliberately
// sequential rather than a concurrency demonstration.
func waitDemo(m *kernel.Machine) (int32, errno.Errno) {
	parentID, err := m.Boot(blankImage{}, 1)
	if err != 0 {
		return 0, err
	}
	childID, err := m.Exofork(parentID)
	if err != 0 {
		return 0, err
	}
	child := m.Envs.Get(childID)
	child.ExitStatus = 3
	if err := m.Envs.Destroy(childID); err != 0 {
		return 0, err
	}
	return wait.Wait(m.Envs, m, childID)
}
