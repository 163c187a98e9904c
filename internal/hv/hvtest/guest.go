package hvtest

import (
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// Accessors for guest programs. They do not count as host calls and skip the
// thread check, since the guest runs inside Run.

func (v *Vcpu) PC() uint64                { return v.regs[hv.RegPC] }
func (v *Vcpu) SetPC(pc uint64)           { v.regs[hv.RegPC] = pc }
func (v *Vcpu) X(n int) uint64            { return v.regs[n] }
func (v *Vcpu) SetX(n int, val uint64)    { v.regs[n] = val }
func (v *Vcpu) Sys(reg hv.SysReg) uint64  { return v.sys[reg] }
func (v *Vcpu) Q(n int) hv.Vec128         { return v.simd[n] }
func (v *Vcpu) SetQ(n int, val hv.Vec128) { v.simd[n] = val }

// Flushes reports how many TLB invalidations this vcpu executed.
func (v *Vcpu) Flushes() int { return v.flushes }

func (v *Vcpu) VtimerMasked() bool { return v.vtimerM }

// raise takes a synchronous exception from EL0 into the EL1 vector table,
// which traps to the host with an HVC.
func (v *Vcpu) raise(ec, iss, far, elr uint64) hv.Exit {
	vbar := v.sys[hv.SysRegVBAREL1]
	insn, ok := v.fetch(vbar + vectorLowerSync)
	if !ok || insn&insnHVCMask != insnHVC {
		return hv.Exit{Reason: hv.ExitUnknown}
	}

	v.sys[hv.SysRegESREL1] = ec<<esrECShift | esrIL | iss
	v.sys[hv.SysRegFAREL1] = far
	v.sys[hv.SysRegELREL1] = elr
	v.sys[hv.SysRegSPSREL1] = v.regs[hv.RegCPSR]
	v.regs[hv.RegCPSR] = pstateEL1hMasked
	v.regs[hv.RegPC] = vbar + vectorLowerSync + 4

	imm := uint64(insn>>5) & 0xFFFF
	return hv.Exit{
		Reason:   hv.ExitException,
		Syndrome: ecHVC64<<esrECShift | esrIL | imm,
	}
}

// SVC executes "svc #imm" at PC.
func (v *Vcpu) SVC(imm uint16) hv.Exit {
	return v.raise(ecSVC64, uint64(imm), 0, v.PC()+4)
}

// BRK executes "brk #imm" at PC.
func (v *Vcpu) BRK(imm uint16) hv.Exit {
	return v.raise(ecBRK64, uint64(imm), 0, v.PC())
}

// Undefined executes an undefined instruction at PC.
func (v *Vcpu) Undefined() hv.Exit {
	return v.raise(ecUnknown, 0, 0, v.PC())
}

// MRS executes "mrs x<rt>, S<op0>_<op1>_C<crn>_C<crm>_<op2>" at PC, which
// traps because EL0 access is disabled.
func (v *Vcpu) MRS(rt int, op0, op1, crn, crm, op2 uint64) hv.Exit {
	iss := op0<<20 | op2<<17 | op1<<14 | crn<<10 | uint64(rt)<<5 | crm<<1 | 1
	return v.raise(ecSysReg, iss, 0, v.PC())
}

// Timer reports a virtual timer activation. The host masks the timer until
// the run loop unmasks it.
func (v *Vcpu) Timer() hv.Exit {
	v.vtimerM = true
	return hv.Exit{Reason: hv.ExitVtimerActivated}
}

// Spin runs until another thread forces this vcpu to exit.
func (v *Vcpu) Spin() hv.Exit {
	<-v.kick
	return hv.Exit{Reason: hv.ExitCanceled}
}

func (v *Vcpu) access(va uint64, buf []byte, write bool, rt int) (hv.Exit, bool) {
	need := hv.PermRead
	if write {
		need = hv.PermWrite
	}
	for done := uint64(0); done < uint64(len(buf)); {
		addr := va + done
		n := hv.PageSize - addr&hv.PageMask
		if rem := uint64(len(buf)) - done; n > rem {
			n = rem
		}

		t, ok := v.Translate(addr)
		if !ok || !t.EL0Permission().Has(need) {
			return v.dataAbort(addr, len(buf), write, rt, ok), false
		}
		chunk := buf[done : done+n]
		if write {
			ok = v.h.WriteIPA(t.IPA, chunk)
		} else {
			ok = v.h.ReadIPA(t.IPA, chunk)
		}
		if !ok {
			return hv.Exit{Reason: hv.ExitUnknown}, false
		}
		done += n
	}
	return hv.Exit{}, true
}

func (v *Vcpu) dataAbort(addr uint64, size int, write bool, rt int, translated bool) hv.Exit {
	iss := uint64(0x07) // translation fault, level 3
	if translated {
		iss = 0x0F // permission fault, level 3
	}
	if write {
		iss |= 1 << 6
	}
	switch size {
	case 1, 2, 4, 8:
		sas := uint64(0)
		for 1<<sas < size {
			sas++
		}
		iss |= 1<<24 | sas<<22 | uint64(rt&31)<<16
	}
	return v.raise(ecDataLow, iss, addr, v.PC())
}

// Load reads len(buf) bytes at va into buf as the instruction at PC would,
// targeting register rt. On a fault the exception is raised and its exit
// returned with ok false; the guest should return that exit and retry the
// same PC later.
func (v *Vcpu) Load(va uint64, buf []byte, rt int) (exit hv.Exit, ok bool) {
	return v.access(va, buf, false, rt)
}

// Store writes data at va as the instruction at PC would.
func (v *Vcpu) Store(va uint64, data []byte, rt int) (exit hv.Exit, ok bool) {
	return v.access(va, data, true, rt)
}

// Fetch reads the instruction at va with EL0 execute permission.
func (v *Vcpu) Fetch(va uint64) (uint32, bool) {
	t, ok := v.Translate(va)
	if !ok || !t.EL0Permission().Has(hv.PermExecute) {
		return 0, false
	}
	var buf [4]byte
	if !v.h.ReadIPA(t.IPA, buf[:]) {
		return 0, false
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, true
}
