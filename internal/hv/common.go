package hv

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrInvalidRegion         = errors.New("invalid memory region")
	ErrOutOfAddressSpace     = errors.New("out of address space")
	ErrVcpuLimit             = errors.New("vcpu limit reached")
)

const (
	PageBits = 12
	PageSize = 1 << PageBits
	PageMask = PageSize - 1
)

// MemoryPermission is a read/write/execute permission set, shared by the
// host second-stage mappings and the guest page tables.
type MemoryPermission uint8

const (
	PermNone    MemoryPermission = 0
	PermRead    MemoryPermission = 1 << 0
	PermWrite   MemoryPermission = 1 << 1
	PermExecute MemoryPermission = 1 << 2

	PermReadWrite        = PermRead | PermWrite
	PermReadExecute      = PermRead | PermExecute
	PermReadWriteExecute = PermRead | PermWrite | PermExecute
)

func (p MemoryPermission) Has(flags MemoryPermission) bool { return p&flags == flags }

func (p MemoryPermission) String() string {
	if p == PermNone {
		return "---"
	}
	var b strings.Builder
	for _, f := range []struct {
		flag MemoryPermission
		c    byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}} {
		if p&f.flag != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Reg selects a general purpose register of a vcpu. The values match
// hv_reg_t so backends can pass them through.
type Reg uint32

const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegX29
	RegX30
	RegPC
	RegFPCR
	RegFPSR
	RegCPSR
)

// RegX returns the selector for Xn.
func RegX(n int) Reg { return RegX0 + Reg(n) }

// SysReg selects a system register, encoded the same way hv_sys_reg_t is.
type SysReg uint16

// MakeSysReg encodes a system register from its MRS/MSR operands.
func MakeSysReg(op0, op1, crn, crm, op2 uint32) SysReg {
	return SysReg(((op0 & 0x3) << 14) |
		((op1 & 0x7) << 11) |
		((crn & 0xF) << 7) |
		((crm & 0xF) << 3) |
		(op2 & 0x7))
}

var (
	SysRegSCTLREL1   = MakeSysReg(3, 0, 1, 0, 0)
	SysRegCPACREL1   = MakeSysReg(3, 0, 1, 0, 2)
	SysRegTTBR0EL1   = MakeSysReg(3, 0, 2, 0, 0)
	SysRegTTBR1EL1   = MakeSysReg(3, 0, 2, 0, 1)
	SysRegTCREL1     = MakeSysReg(3, 0, 2, 0, 2)
	SysRegSPSREL1    = MakeSysReg(3, 0, 4, 0, 0)
	SysRegELREL1     = MakeSysReg(3, 0, 4, 0, 1)
	SysRegSPEL0      = MakeSysReg(3, 0, 4, 1, 0)
	SysRegESREL1     = MakeSysReg(3, 0, 5, 2, 0)
	SysRegFAREL1     = MakeSysReg(3, 0, 6, 0, 0)
	SysRegMAIREL1    = MakeSysReg(3, 0, 10, 2, 0)
	SysRegVBAREL1    = MakeSysReg(3, 0, 12, 0, 0)
	SysRegCNTKCTLEL1 = MakeSysReg(3, 0, 14, 1, 0)
	SysRegTPIDREL0   = MakeSysReg(3, 3, 13, 0, 2)
	SysRegTPIDRROEL0 = MakeSysReg(3, 3, 13, 0, 3)
	SysRegCNTVCTLEL0 = MakeSysReg(3, 3, 14, 3, 1)
	SysRegCNTVCVLEL0 = MakeSysReg(3, 3, 14, 3, 2)
	SysRegSPEL1      = MakeSysReg(3, 4, 4, 1, 0)
)

// Vec128 is the value of one SIMD&FP register.
type Vec128 struct {
	Lo uint64
	Hi uint64
}

type ExitReason uint32

const (
	ExitCanceled ExitReason = iota
	ExitException
	ExitVtimerActivated
	ExitUnknown
)

func (r ExitReason) String() string {
	switch r {
	case ExitCanceled:
		return "canceled"
	case ExitException:
		return "exception"
	case ExitVtimerActivated:
		return "vtimer activated"
	case ExitUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("exit reason %d", uint32(r))
	}
}

// Exit describes why the last Run returned.
type Exit struct {
	Reason          ExitReason
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
}

// Hypervisor is the host side of the virtualization ABI: one VM per process,
// with second-stage mappings and vcpus.
type Hypervisor interface {
	// MaxVcpuCount reports the hardware limit on concurrently live vcpus.
	MaxVcpuCount() int

	// IPABits is the width of the intermediate physical address space.
	IPABits() int

	MapMemory(mem []byte, ipa uint64, perm MemoryPermission) error
	UnmapMemory(ipa, size uint64) error
	ProtectMemory(ipa, size uint64, perm MemoryPermission) error

	// NewVcpu creates a vcpu bound to the calling OS thread. The caller must
	// hold runtime.LockOSThread until the vcpu is closed.
	NewVcpu() (Vcpu, error)

	// ExitVcpus forces the given vcpus out of Run. Safe from any thread.
	ExitVcpus(vcpus ...Vcpu) error

	Close() error
}

// Vcpu is a hardware vcpu handle. Every method except ID must be called from
// the thread that created it.
type Vcpu interface {
	ID() uint64

	Reg(reg Reg) (uint64, error)
	SetReg(reg Reg, value uint64) error
	SysReg(reg SysReg) (uint64, error)
	SetSysReg(reg SysReg, value uint64) error
	SIMDReg(index int) (Vec128, error)
	SetSIMDReg(index int, value Vec128) error

	SetVtimerMask(masked bool) error
	// ArmVtimer programs the virtual timer to fire delay from now, measured
	// on the vcpu's own virtual count, and unmasks it.
	ArmVtimer(delay time.Duration) error

	Run() (Exit, error)

	Close() error
}
