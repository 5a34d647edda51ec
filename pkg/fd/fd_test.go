package fd

import (
	"testing"

	"mos/internal/diag"
)

type fakeConsole struct {
	out []byte
	in  []byte
}

func (c *fakeConsole) PutByte(b byte) { c.out = append(c.out, b) }
func (c *fakeConsole) ReadByte() (byte, bool) {
	if len(c.in) == 0 {
		return 0, false
	}
	b := c.in[0]
	c.in = c.in[1:]
	return b, true
}

func TestConsoleWriteThenRead(t *testing.T) {
	dev := &fakeConsole{in: []byte("hi")}
	f := NewConsole(dev)

	n, err := f.Write([]byte("ok"))
	if err != 0 || n != 2 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if string(dev.out) != "ok" {
		t.Fatalf("console received %q, want \"ok\"", dev.out)
	}

	buf := make([]byte, 4)
	n, err = f.Read(buf)
	if err != 0 || string(buf[:n]) != "hi" {
		t.Fatalf("Read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
}

func TestWriteOnlyPermsRejectsRead(t *testing.T) {
	dev := &fakeConsole{}
	f := NewConsole(dev)
	f.Perms = Write
	if _, err := f.Read(make([]byte, 1)); err == 0 {
		t.Fatal("expected Read on a write-only Fd to fail")
	}
}

func TestCopySharesUnderlyingDevice(t *testing.T) {
	dev := &fakeConsole{}
	f := NewConsole(dev)
	g := Copy(f)
	g.Write([]byte("x"))
	if string(dev.out) != "x" {
		t.Fatal("copied Fd did not share the original's device")
	}
}

func TestProfFdReportsNonzeroSize(t *testing.T) {
	p := diag.NewProfiler()
	p.Sample("getenvid")
	f := NewProf(p)
	st, err := f.Stat()
	if err != 0 {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size == 0 {
		t.Fatal("expected nonzero profile size")
	}
}

func TestCwdFullpathAndCanonicalize(t *testing.T) {
	dev := &fakeConsole{}
	root := NewConsole(dev)
	cwd := NewRootCwd(root)
	cwd.Chdir(root, "/usr/bin")

	if got := cwd.Fullpath("ls"); got != "/usr/bin/ls" {
		t.Fatalf("Fullpath = %q", got)
	}
	if got := cwd.Canonicalize("../lib/../bin/./ls"); got != "/usr/bin/ls" {
		t.Fatalf("Canonicalize = %q", got)
	}
	if got := cwd.Fullpath("/etc/passwd"); got != "/etc/passwd" {
		t.Fatalf("Fullpath of absolute path = %q", got)
	}
}
