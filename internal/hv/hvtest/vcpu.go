package hvtest

import (
	"fmt"
	"time"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

const (
	insnERET      = 0xD69F03E0
	insnTLBIVMALL = 0xD508831F
	insnDSBISH    = 0xD5033B9F
	insnISB       = 0xD5033FDF
	insnHVCMask   = 0xFFE0001F
	insnHVC       = 0xD4000002

	ecUnknown  = 0x00
	ecSVC64    = 0x15
	ecHVC64    = 0x16
	ecSysReg   = 0x18
	ecDataLow  = 0x24
	ecBRK64    = 0x3C
	esrIL      = 1 << 25
	esrECShift = 26

	// Offset of the lower-EL AArch64 synchronous vector.
	vectorLowerSync = 0x400

	pstateEL1hMasked = 0x3C5
)

type Vcpu struct {
	h   *Hypervisor
	id  uint64
	tid int

	regs    [hv.RegCPSR + 1]uint64
	sys     map[hv.SysReg]uint64
	simd    [32]hv.Vec128
	vtimerM bool

	kick    chan struct{}
	flushes int
	closed  bool

	// Scratch is free for guest programs to use.
	Scratch any
}

func (v *Vcpu) check() {
	if gettid() != v.tid {
		v.h.threadViolations.Add(1)
	}
}

// ID implements [hv.Vcpu].
func (v *Vcpu) ID() uint64 { return v.id }

// Reg implements [hv.Vcpu].
func (v *Vcpu) Reg(reg hv.Reg) (uint64, error) {
	v.check()
	if int(reg) >= len(v.regs) {
		return 0, &hv.HostError{Op: fmt.Sprintf("get_reg(%d)", reg), Code: codeBadArgument}
	}
	return v.regs[reg], nil
}

// SetReg implements [hv.Vcpu].
func (v *Vcpu) SetReg(reg hv.Reg, value uint64) error {
	v.check()
	if int(reg) >= len(v.regs) {
		return &hv.HostError{Op: fmt.Sprintf("set_reg(%d)", reg), Code: codeBadArgument}
	}
	v.regs[reg] = value
	return nil
}

// SysReg implements [hv.Vcpu].
func (v *Vcpu) SysReg(reg hv.SysReg) (uint64, error) {
	v.check()
	return v.sys[reg], nil
}

// SetSysReg implements [hv.Vcpu].
func (v *Vcpu) SetSysReg(reg hv.SysReg, value uint64) error {
	v.check()
	v.sys[reg] = value
	return nil
}

// SIMDReg implements [hv.Vcpu].
func (v *Vcpu) SIMDReg(index int) (hv.Vec128, error) {
	v.check()
	if index < 0 || index >= len(v.simd) {
		return hv.Vec128{}, &hv.HostError{Op: fmt.Sprintf("get_simd(%d)", index), Code: codeBadArgument}
	}
	return v.simd[index], nil
}

// SetSIMDReg implements [hv.Vcpu].
func (v *Vcpu) SetSIMDReg(index int, value hv.Vec128) error {
	v.check()
	if index < 0 || index >= len(v.simd) {
		return &hv.HostError{Op: fmt.Sprintf("set_simd(%d)", index), Code: codeBadArgument}
	}
	v.simd[index] = value
	return nil
}

// SetVtimerMask implements [hv.Vcpu].
func (v *Vcpu) SetVtimerMask(masked bool) error {
	v.check()
	v.vtimerM = masked
	return nil
}

// ArmVtimer implements [hv.Vcpu]. The soft host has no counter, so CNTV_CVAL
// holds the delay in nanoseconds.
func (v *Vcpu) ArmVtimer(delay time.Duration) error {
	v.check()
	v.sys[hv.SysRegCNTVCVLEL0] = uint64(delay)
	v.sys[hv.SysRegCNTVCTLEL0] = 1
	v.vtimerM = false
	return nil
}

// Run implements [hv.Vcpu]. A pending force-exit returns immediately.
// Otherwise the code at PC is executed: trampoline instructions in the
// kernel half are interpreted, and EL0 code is handed to the guest.
func (v *Vcpu) Run() (hv.Exit, error) {
	v.check()
	if v.closed {
		return hv.Exit{}, &hv.HostError{Op: "vcpu_run", Code: codeBadArgument}
	}

	select {
	case <-v.kick:
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	default:
	}

	if err := v.runTrampoline(); err != nil {
		return hv.Exit{}, err
	}

	gp := v.h.guest.Load()
	if gp == nil {
		return hv.Exit{}, &hv.HostError{Op: "vcpu_run", Code: codeIllegalState, Err: fmt.Errorf("no guest program")}
	}
	return (*gp)(v), nil
}

func (v *Vcpu) runTrampoline() error {
	for steps := 0; isKernelVA(v.regs[hv.RegPC]); steps++ {
		pc := v.regs[hv.RegPC]
		insn, ok := v.fetch(pc)
		if !ok || steps > 16 {
			return &hv.HostError{Op: fmt.Sprintf("vcpu_run(pc=0x%x)", pc), Code: codeIllegalState}
		}
		switch insn {
		case insnTLBIVMALL:
			v.flushes++
			v.h.tlbFlushes.Add(1)
		case insnDSBISH, insnISB:
		case insnERET:
			v.regs[hv.RegPC] = v.sys[hv.SysRegELREL1]
			v.regs[hv.RegCPSR] = v.sys[hv.SysRegSPSREL1]
			continue
		default:
			return &hv.HostError{Op: fmt.Sprintf("vcpu_run(pc=0x%x insn=0x%08x)", pc, insn), Code: codeIllegalState}
		}
		v.regs[hv.RegPC] = pc + 4
	}
	return nil
}

// Close implements [hv.Vcpu].
func (v *Vcpu) Close() error {
	v.check()
	if v.closed {
		return nil
	}
	v.closed = true

	v.h.mu.Lock()
	delete(v.h.vcpus, v.id)
	v.h.mu.Unlock()

	v.h.live.Add(-1)
	v.h.destroyed.Add(1)
	return nil
}

var _ hv.Vcpu = &Vcpu{}
