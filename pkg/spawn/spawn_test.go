package spawn

import (
	"io"
	"testing"

	"mos/internal/env"
	"mos/internal/kernel"
	"mos/internal/vm"
)

type fakeConsole struct{}

func (fakeConsole) PutByte(b byte)         {}
func (fakeConsole) ReadByte() (byte, bool) { return 0, false }

type bootImage struct{}

func (bootImage) Segments() []kernel.Segment { return nil }
func (bootImage) Entry() uint32              { return 0 }

// childImage is a two-segment program: a writable data segment and a
// read-only text segment, exercising both branches of loadSegmentInto.
type childImage struct{}

const childEntry = 0x00410000
const childTextVA = vm.UText
const childDataVA = vm.UText + vm.PageSize

func (childImage) Segments() []kernel.Segment {
	return []kernel.Segment{
		{VA: childTextVA, Data: []byte("\x00\x00\x00\x0c"), Perm: vm.User},
		{VA: childDataVA, Data: []byte("payload"), Perm: vm.User | vm.Writable},
	}
}
func (childImage) Entry() uint32 { return childEntry }

func TestSpawnLoadsSegmentsWithCorrectFinalPermissions(t *testing.T) {
	m := kernel.NewMachine(64, 8, fakeConsole{}, io.Discard)
	callerID, err := m.Boot(bootImage{}, 1)
	if err != 0 {
		t.Fatalf("Boot: %v", err)
	}

	childID, err := Spawn(m, callerID, childImage{}, 1, []string{"init", "-v"})
	if err != 0 {
		t.Fatalf("Spawn: %v", err)
	}

	child := m.Envs.Get(childID)
	if child.Trap.EPC != childEntry {
		t.Fatalf("child EPC = %#x, want %#x", child.Trap.EPC, childEntry)
	}
	if child.Status != env.Runnable {
		t.Fatalf("child status = %v, want Runnable", child.Status)
	}

	_, textPerm, ok := child.AS.Lookup(childTextVA)
	if !ok || textPerm.Has(vm.Writable) {
		t.Fatalf("text segment perm=%v ok=%v, want non-writable", textPerm, ok)
	}
	_, dataPerm, ok := child.AS.Lookup(childDataVA)
	if !ok || !dataPerm.Has(vm.Writable) {
		t.Fatalf("data segment perm=%v ok=%v, want writable", dataPerm, ok)
	}

	var buf [7]byte
	if err := child.AS.Read(buf[:], childDataVA); err != 0 || string(buf[:]) != "payload" {
		t.Fatalf("data segment contents = %q err=%v, want \"payload\"", buf, err)
	}

	argBuf := make([]byte, 4)
	if err := child.AS.Read(argBuf, ArgVA); err != 0 {
		t.Fatalf("reading argument page: %v", err)
	}
	if argBuf[0] != 2 {
		t.Fatalf("argv count = %d, want 2", argBuf[0])
	}
}
