package diag

import (
	"bytes"
	"testing"

	"golang.org/x/text/language"

	"mos/internal/env"
	"mos/internal/mem"
	"mos/internal/sched"
)

func TestProfilerAccumulatesSamples(t *testing.T) {
	p := NewProfiler()
	p.Sample("getenvid")
	p.Sample("getenvid")
	p.Sample("yield")

	var buf bytes.Buffer
	if err := p.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected a nonempty gzip-encoded profile")
	}
}

func TestFprintAllocStats(t *testing.T) {
	phys := mem.NewPhysmem(16)
	phys.Alloc(true)

	pr := NewPrinter(language.English)
	var buf bytes.Buffer
	pr.FprintAllocStats(&buf, phys.Stat())
	got := buf.String()
	if !bytes.Contains([]byte(got), []byte("1 in use")) {
		t.Fatalf("FprintAllocStats output = %q, want it to mention 1 in use", got)
	}
}

func TestFprintSchedStats(t *testing.T) {
	tbl := env.NewTable(2)
	s := sched.New(tbl)
	pr := NewPrinter(language.English)
	var buf bytes.Buffer
	pr.FprintSchedStats(&buf, s)
	if buf.Len() == 0 {
		t.Fatal("expected nonempty scheduler stats output")
	}
}
