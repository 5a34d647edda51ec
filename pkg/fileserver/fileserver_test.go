package fileserver

import (
	"io"
	"testing"

	"go.uber.org/mock/gomock"

	"mos/internal/kernel"
	"mos/internal/vm"
)

type fakeConsole struct{}

func (fakeConsole) PutByte(b byte)         {}
func (fakeConsole) ReadByte() (byte, bool) { return 0, false }

type emptyImage struct{}

func (emptyImage) Segments() []kernel.Segment { return nil }
func (emptyImage) Entry() uint32              { return 0 }

const reqVA = vm.UText
const nameVA = vm.UText + vm.PageSize
const mapVA = vm.UText + 2*vm.PageSize

func TestFileServerOpenSetSizeMapSyncRoundTrip(t *testing.T) {
	m := kernel.NewMachine(64, 8, fakeConsole{}, io.Discard)
	serverID, err := m.Boot(emptyImage{}, 1)
	if err != 0 {
		t.Fatalf("Boot(server): %v", err)
	}
	clientID, err := m.Boot(emptyImage{}, 1)
	if err != 0 {
		t.Fatalf("Boot(client): %v", err)
	}
	if err := m.MemAlloc(clientID, clientID, nameVA, vm.Writable|vm.User); err != 0 {
		t.Fatalf("MemAlloc(nameVA): %v", err)
	}

	dev := NewMemDevice(4)
	srv := NewServer(m, serverID, dev, reqVA)

	// Open.
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (arm): %v", err)
	}
	if err := RequestOpen(m, clientID, serverID, nameVA, "foo.txt"); err != 0 {
		t.Fatalf("RequestOpen: %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(open): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (open): %v", err)
	}
	client := m.Envs.Get(clientID)
	if client.Recv.Value != 0 {
		t.Fatalf("fileID = %d, want 0 (first file opened)", client.Recv.Value)
	}
	fileID := client.Recv.Value

	// Re-opening the same name must return the same fileID without
	// creating a second entry.
	if err := RequestOpen(m, clientID, serverID, nameVA, "foo.txt"); err != 0 {
		t.Fatalf("RequestOpen (again): %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(open again): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (open again): %v", err)
	}
	if client.Recv.Value != fileID {
		t.Fatalf("reopen fileID = %d, want %d", client.Recv.Value, fileID)
	}

	// SetSize.
	if err := RequestSetSize(m, clientID, serverID, fileID, 1); err != 0 {
		t.Fatalf("RequestSetSize: %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(setsize): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (setsize): %v", err)
	}
	if client.Recv.Value != 0 {
		t.Fatalf("setsize reply = %d, want 0 (success)", client.Recv.Value)
	}

	// Map.
	if err := RequestMap(m, clientID, serverID, fileID, 0); err != 0 {
		t.Fatalf("RequestMap: %v", err)
	}
	if err := AwaitReply(m, clientID, mapVA); err != 0 {
		t.Fatalf("AwaitReply(map): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (map): %v", err)
	}
	_, perm, ok := client.AS.Lookup(mapVA)
	if !ok || !perm.Has(vm.Writable) {
		t.Fatalf("mapped page: ok=%v perm=%v, want writable", ok, perm)
	}

	// Write through the shared page and sync it back to the device.
	if err := client.AS.Write(mapVA, []byte("hello")); err != 0 {
		t.Fatalf("write to mapped page: %v", err)
	}
	if err := RequestSync(m, clientID, serverID, fileID); err != 0 {
		t.Fatalf("RequestSync: %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(sync): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (sync): %v", err)
	}

	block := make([]byte, vm.PageSize)
	dev.ReadBlock(0, block)
	if string(block[:5]) != "hello" {
		t.Fatalf("device block after sync = %q, want it to start with \"hello\"", block[:5])
	}
}

// TestFileServerMapReadsAndSyncWritesThroughBlockDevice exercises the same
// map/sync path against a MockBlockDevice instead of MemDevice, asserting
// growOnePage and handleSync call exactly the BlockDevice methods spec.md
// section 1 carves the real disk driver out behind.
func TestFileServerMapReadsAndSyncWritesThroughBlockDevice(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := NewMockBlockDevice(ctrl)

	dev.EXPECT().ReadBlock(0, gomock.Any()).DoAndReturn(func(i int, buf []byte) error {
		copy(buf, []byte("from-disk"))
		return nil
	}).Times(1)
	dev.EXPECT().WriteBlock(0, gomock.Any()).DoAndReturn(func(i int, buf []byte) error {
		if string(buf[:5]) != "hello" {
			t.Fatalf("WriteBlock buf = %q, want it to start with \"hello\"", buf[:5])
		}
		return nil
	}).Times(1)

	m := kernel.NewMachine(64, 8, fakeConsole{}, io.Discard)
	serverID, err := m.Boot(emptyImage{}, 1)
	if err != 0 {
		t.Fatalf("Boot(server): %v", err)
	}
	clientID, err := m.Boot(emptyImage{}, 1)
	if err != 0 {
		t.Fatalf("Boot(client): %v", err)
	}
	if err := m.MemAlloc(clientID, clientID, nameVA, vm.Writable|vm.User); err != 0 {
		t.Fatalf("MemAlloc(nameVA): %v", err)
	}

	srv := NewServer(m, serverID, dev, reqVA)

	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (arm): %v", err)
	}
	if err := RequestOpen(m, clientID, serverID, nameVA, "bar.txt"); err != 0 {
		t.Fatalf("RequestOpen: %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(open): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (open): %v", err)
	}
	client := m.Envs.Get(clientID)
	fileID := client.Recv.Value

	if err := RequestMap(m, clientID, serverID, fileID, 0); err != 0 {
		t.Fatalf("RequestMap: %v", err)
	}
	if err := AwaitReply(m, clientID, mapVA); err != 0 {
		t.Fatalf("AwaitReply(map): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (map): %v", err)
	}

	got := make([]byte, 9)
	if err := client.AS.Read(got, mapVA); err != 0 {
		t.Fatalf("read mapped page: %v", err)
	}
	if string(got) != "from-disk" {
		t.Fatalf("mapped page content = %q, want %q", got, "from-disk")
	}

	if err := client.AS.Write(mapVA, []byte("hello")); err != 0 {
		t.Fatalf("write to mapped page: %v", err)
	}
	if err := RequestSync(m, clientID, serverID, fileID); err != 0 {
		t.Fatalf("RequestSync: %v", err)
	}
	if err := AwaitReply(m, clientID, 0); err != 0 {
		t.Fatalf("AwaitReply(sync): %v", err)
	}
	if err := srv.Step(); err != 0 {
		t.Fatalf("Step (sync): %v", err)
	}
}
