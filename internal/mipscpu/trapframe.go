// Package mipscpu models the MIPS32 trap frame and the CP0 register fields
// the kernel dispatch path needs.
//
// Field order and naming are grounded on
// _examples/original_source/include/trap.h's struct Trapframe and TF_*
// offsets; the Cause/Status bit layout follows the CP0 model in
// _examples/other_examples's SchawnnDev-awesomeVM cop0.go, trimmed to the
// subset the spec's single exception entry actually inspects.
package mipscpu

import (
	"fmt"
	"io"
)

// NumRegs is the number of general-purpose registers MIPS32 exposes,
// including the always-zero $zero and the kernel-scratch $k0/$k1.
const NumRegs = 32

// Register indices, named per trap.h's comment block.
const (
	RegZero = 0
	RegAT   = 1
	RegV0   = 2 // return value / syscall number register
	RegV1   = 3
	RegA0   = 4 // syscall arg 1
	RegA1   = 5 // syscall arg 2
	RegA2   = 6 // syscall arg 3
	RegA3   = 7 // syscall arg 4
	RegK0   = 26 // kernel scratch, never saved/restored
	RegK1   = 27 // kernel scratch, never saved/restored
	RegGP   = 28
	RegSP   = 29
	RegFP   = 30
	RegRA   = 31
)

// TrapFrame is the snapshot of processor state saved at a fixed kernel-stack
// offset on every exception entry and restored on every return to user mode.
//
// Regs[RegK0] and Regs[RegK1] are present for index-compatibility with
// trap.h's stack layout but are never meaningfully saved or restored — the
// kernel uses them as scratch space only, per trap.h's comment.
type TrapFrame struct {
	Regs [NumRegs]uint32

	Status   uint32
	Hi       uint32
	Lo       uint32
	BadVAddr uint32
	Cause    uint32
	EPC      uint32
}

// Cause register ExcCode field (bits [6:2]), a subset of the full MIPS32
// exception code space relevant to this kernel's dispatch table.
const (
	ExcInterrupt     = 0
	ExcTLBMod        = 1
	ExcTLBLoad       = 2
	ExcTLBStore      = 3
	ExcAddrErrLoad   = 4
	ExcAddrErrStore  = 5
	ExcSyscall       = 8
	ExcBreakpoint    = 9
	ExcReservedInstr = 10
)

// ExcCode extracts the exception code from Cause.
func (tf *TrapFrame) ExcCode() uint32 {
	return (tf.Cause >> 2) & 0x1f
}

// Status register bits this kernel cares about.
const (
	StatusIE  uint32 = 1 << 0 // interrupts enabled
	StatusEXL uint32 = 1 << 1 // exception level (in an exception handler)
	StatusERL uint32 = 1 << 2 // error level
)

// V0 returns the syscall-number / return-value register.
func (tf *TrapFrame) V0() uint32 { return tf.Regs[RegV0] }

// SetV0 sets the return-value register.
func (tf *TrapFrame) SetV0(v uint32) { tf.Regs[RegV0] = v }

// SyscallArgs returns the four syscall argument registers a0-a3.
func (tf *TrapFrame) SyscallArgs() (a0, a1, a2, a3 uint32) {
	return tf.Regs[RegA0], tf.Regs[RegA1], tf.Regs[RegA2], tf.Regs[RegA3]
}

// FprintTrapFrame prints tf in the style of trap.h's declared print_tf,
// which this repo never had the C implementation of — only its signature
// was retrieved as an external declaration. The dump format follows
// biscuit's plain fmt.Printf diagnostic style (mem.go's Phys_init).
func FprintTrapFrame(w io.Writer, tf *TrapFrame) {
	fmt.Fprintf(w, "TRAPFRAME:\n")
	for i := 0; i < NumRegs; i += 4 {
		fmt.Fprintf(w, "  r%-2d=%08x r%-2d=%08x r%-2d=%08x r%-2d=%08x\n",
			i, tf.Regs[i], i+1, tf.Regs[i+1], i+2, tf.Regs[i+2], i+3, tf.Regs[i+3])
	}
	fmt.Fprintf(w, "  status=%08x hi=%08x lo=%08x\n", tf.Status, tf.Hi, tf.Lo)
	fmt.Fprintf(w, "  badvaddr=%08x cause=%08x epc=%08x\n", tf.BadVAddr, tf.Cause, tf.EPC)
}
