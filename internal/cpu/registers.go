package cpu

import (
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// State is the shadow register file of a guest thread. It is authoritative
// while the thread holds no vcpu.
type State struct {
	X       [31]uint64
	SP      uint64
	PC      uint64
	Pstate  uint64
	FPCR    uint64
	FPSR    uint64
	TPIDR   uint64
	TPIDRRO uint64
	V       [32]hv.Vec128
}

// Registers is the guest register file as seen by callbacks. Register 31 is
// the zero register for X and SetX.
type Registers interface {
	X(n int) uint64
	SetX(n int, value uint64)
	V(n int) hv.Vec128
	SetV(n int, value hv.Vec128)

	PC() uint64
	SetPC(value uint64)
	SP() uint64
	SetSP(value uint64)
	Pstate() uint64
	SetPstate(value uint64)

	FPCR() uint64
	SetFPCR(value uint64)
	FPSR() uint64
	SetFPSR(value uint64)
	TPIDR() uint64
	SetTPIDR(value uint64)
	TPIDRRO() uint64
	SetTPIDRRO(value uint64)
}

func copyRegisters(dst, src Registers) {
	for i := 0; i < 31; i++ {
		dst.SetX(i, src.X(i))
	}
	for i := 0; i < 32; i++ {
		dst.SetV(i, src.V(i))
	}
	dst.SetPC(src.PC())
	dst.SetSP(src.SP())
	dst.SetPstate(src.Pstate())
	dst.SetFPCR(src.FPCR())
	dst.SetFPSR(src.FPSR())
	dst.SetTPIDR(src.TPIDR())
	dst.SetTPIDRRO(src.TPIDRRO())
}

type shadowRegisters struct {
	s *State
}

func (r shadowRegisters) X(n int) uint64 {
	if n < 0 || n >= len(r.s.X) {
		return 0
	}
	return r.s.X[n]
}

func (r shadowRegisters) SetX(n int, value uint64) {
	if n >= 0 && n < len(r.s.X) {
		r.s.X[n] = value
	}
}

func (r shadowRegisters) V(n int) hv.Vec128           { return r.s.V[n] }
func (r shadowRegisters) SetV(n int, value hv.Vec128) { r.s.V[n] = value }
func (r shadowRegisters) PC() uint64                  { return r.s.PC }
func (r shadowRegisters) SetPC(value uint64)          { r.s.PC = value }
func (r shadowRegisters) SP() uint64                  { return r.s.SP }
func (r shadowRegisters) SetSP(value uint64)          { r.s.SP = value }
func (r shadowRegisters) Pstate() uint64              { return r.s.Pstate }
func (r shadowRegisters) SetPstate(value uint64)      { r.s.Pstate = value }
func (r shadowRegisters) FPCR() uint64                { return r.s.FPCR }
func (r shadowRegisters) SetFPCR(value uint64)        { r.s.FPCR = value }
func (r shadowRegisters) FPSR() uint64                { return r.s.FPSR }
func (r shadowRegisters) SetFPSR(value uint64)        { r.s.FPSR = value }
func (r shadowRegisters) TPIDR() uint64               { return r.s.TPIDR }
func (r shadowRegisters) SetTPIDR(value uint64)       { r.s.TPIDR = value }
func (r shadowRegisters) TPIDRRO() uint64             { return r.s.TPIDRRO }
func (r shadowRegisters) SetTPIDRRO(value uint64)     { r.s.TPIDRRO = value }

// Processor state values used by the trampoline.
const (
	pstateModeMask   = 0xF
	pstateEL1hMasked = 0x3C5 // EL1h with D, A, I and F masked
)

// hardwareRegisters reads and writes a live vcpu. Outside Run the guest
// always sits in the trampoline: its PC is in ELR_EL1 and its PSTATE in
// SPSR_EL1. Host call failures are kept in err; the first one wins.
type hardwareRegisters struct {
	vcpu hv.Vcpu
	err  error
}

func (h *hardwareRegisters) fail(err error) {
	if h.err == nil {
		h.err = err
	}
}

func (h *hardwareRegisters) reg(r hv.Reg) uint64 {
	v, err := h.vcpu.Reg(r)
	if err != nil {
		h.fail(err)
	}
	return v
}

func (h *hardwareRegisters) setReg(r hv.Reg, value uint64) {
	if err := h.vcpu.SetReg(r, value); err != nil {
		h.fail(err)
	}
}

func (h *hardwareRegisters) sys(r hv.SysReg) uint64 {
	v, err := h.vcpu.SysReg(r)
	if err != nil {
		h.fail(err)
	}
	return v
}

func (h *hardwareRegisters) setSys(r hv.SysReg, value uint64) {
	if err := h.vcpu.SetSysReg(r, value); err != nil {
		h.fail(err)
	}
}

func (h *hardwareRegisters) X(n int) uint64 {
	if n < 0 || n >= 31 {
		return 0
	}
	return h.reg(hv.RegX(n))
}

func (h *hardwareRegisters) SetX(n int, value uint64) {
	if n >= 0 && n < 31 {
		h.setReg(hv.RegX(n), value)
	}
}

func (h *hardwareRegisters) V(n int) hv.Vec128 {
	v, err := h.vcpu.SIMDReg(n)
	if err != nil {
		h.fail(err)
	}
	return v
}

func (h *hardwareRegisters) SetV(n int, value hv.Vec128) {
	if err := h.vcpu.SetSIMDReg(n, value); err != nil {
		h.fail(err)
	}
}

func (h *hardwareRegisters) PC() uint64              { return h.sys(hv.SysRegELREL1) }
func (h *hardwareRegisters) SetPC(value uint64)      { h.setSys(hv.SysRegELREL1, value) }
func (h *hardwareRegisters) SP() uint64              { return h.sys(hv.SysRegSPEL0) }
func (h *hardwareRegisters) SetSP(value uint64)      { h.setSys(hv.SysRegSPEL0, value) }
func (h *hardwareRegisters) Pstate() uint64          { return h.sys(hv.SysRegSPSREL1) }
func (h *hardwareRegisters) SetPstate(value uint64)  { h.setSys(hv.SysRegSPSREL1, value) }
func (h *hardwareRegisters) FPCR() uint64            { return h.reg(hv.RegFPCR) }
func (h *hardwareRegisters) SetFPCR(value uint64)    { h.setReg(hv.RegFPCR, value) }
func (h *hardwareRegisters) FPSR() uint64            { return h.reg(hv.RegFPSR) }
func (h *hardwareRegisters) SetFPSR(value uint64)    { h.setReg(hv.RegFPSR, value) }
func (h *hardwareRegisters) TPIDR() uint64           { return h.sys(hv.SysRegTPIDREL0) }
func (h *hardwareRegisters) SetTPIDR(value uint64)   { h.setSys(hv.SysRegTPIDREL0, value) }
func (h *hardwareRegisters) TPIDRRO() uint64         { return h.sys(hv.SysRegTPIDRROEL0) }
func (h *hardwareRegisters) SetTPIDRRO(value uint64) { h.setSys(hv.SysRegTPIDRROEL0, value) }

// park moves a guest that was stopped at EL0 into the trampoline frame, so
// the guest state is where the other accessors expect it.
func (h *hardwareRegisters) park() {
	cpsr := h.reg(hv.RegCPSR)
	if cpsr&pstateModeMask != 0 {
		return
	}
	h.setSys(hv.SysRegELREL1, h.reg(hv.RegPC))
	h.setSys(hv.SysRegSPSREL1, cpsr)
	h.setReg(hv.RegCPSR, pstateEL1hMasked)
}

// enter points the hardware PC at a trampoline resume target.
func (h *hardwareRegisters) enter(target uint64) {
	h.setReg(hv.RegPC, target)
	h.setReg(hv.RegCPSR, pstateEL1hMasked)
}

var (
	_ Registers = shadowRegisters{}
	_ Registers = &hardwareRegisters{}
)
