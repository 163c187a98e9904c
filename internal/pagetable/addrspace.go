package pagetable

import (
	"encoding/binary"
	"fmt"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
)

const (
	// KernelBase is the lowest address of the TTBR1 half for a 39-bit VA.
	KernelBase = 0xFFFF_FF80_0000_0000
	kernelSize = 1 << 30

	VectorSlots  = 16
	VectorStride = 0x80

	// ResumeOffset holds a plain "eret".
	ResumeOffset = 0x800
	// ResumeInvalidateOffset invalidates the TLB before returning.
	ResumeInvalidateOffset = 0x810

	trampolineSize = hv.PageSize
)

// A64 encodings used by the trampoline.
const (
	insnHVC           = 0xD4000002 // hvc #imm16 with imm16 at [20:5]
	insnERET          = 0xD69F03E0
	insnTLBIVMALLE1IS = 0xD508831F
	insnDSBISH        = 0xD5033B9F
	insnISB           = 0xD5033FDF
	insnBRK           = 0xD4200000
)

// EncodeHVC returns "hvc #imm".
func EncodeHVC(imm uint16) uint32 { return insnHVC | uint32(imm)<<5 }

// AddressSpace is one guest process address space: a user range addressed
// through TTBR0_EL1 and a small kernel range through TTBR1_EL1 holding the
// exception vectors.
type AddressSpace struct {
	User   *Range
	Kernel *Range

	trampoline *memblock.Allocation
}

func buildTrampoline(code []byte) {
	put := func(off int, insn uint32) {
		binary.LittleEndian.PutUint32(code[off:], insn)
	}
	// Unused space traps as a breakpoint.
	for off := 0; off < len(code); off += 4 {
		put(off, insnBRK)
	}
	for slot := 0; slot < VectorSlots; slot++ {
		put(slot*VectorStride, EncodeHVC(uint16(slot)))
	}
	put(ResumeOffset, insnERET)
	put(ResumeInvalidateOffset, insnTLBIVMALLE1IS)
	put(ResumeInvalidateOffset+4, insnDSBISH)
	put(ResumeInvalidateOffset+8, insnISB)
	put(ResumeInvalidateOffset+12, insnERET)
}

// NewAddressSpace creates an address space whose user range spans
// [0, userSize). userSize may not exceed 2^39.
func NewAddressSpace(alloc *memblock.Allocator, userSize uint64) (*AddressSpace, error) {
	user, err := NewRange(alloc, 0, userSize, false)
	if err != nil {
		return nil, fmt.Errorf("pagetable: user range: %w", err)
	}
	kernel, err := NewRange(alloc, KernelBase, kernelSize, true)
	if err != nil {
		user.Release()
		return nil, fmt.Errorf("pagetable: kernel range: %w", err)
	}

	code, err := alloc.Allocate(trampolineSize, hv.PermReadWriteExecute)
	if err != nil {
		user.Release()
		kernel.Release()
		return nil, fmt.Errorf("pagetable: trampoline: %w", err)
	}
	buildTrampoline(code.Mem)

	if err := kernel.Map(KernelBase, code.IPA, trampolineSize, hv.PermReadExecute); err != nil {
		_ = code.Close()
		user.Release()
		kernel.Release()
		return nil, fmt.Errorf("pagetable: map trampoline: %w", err)
	}

	return &AddressSpace{
		User:       user,
		Kernel:     kernel,
		trampoline: code,
	}, nil
}

func (as *AddressSpace) MapUser(va, ipa, size uint64, perm hv.MemoryPermission) error {
	return as.User.Map(va, ipa, size, perm)
}

func (as *AddressSpace) UnmapUser(va, size uint64) error {
	return as.User.Unmap(va, size)
}

func (as *AddressSpace) ReprotectUser(va, size uint64, perm, mask hv.MemoryPermission) error {
	return as.User.ReprotectMasked(va, size, perm, mask)
}

// ResumeTarget returns the trampoline address a vcpu should resume at.
func ResumeTarget(invalidate bool) uint64 {
	if invalidate {
		return KernelBase + ResumeInvalidateOffset
	}
	return KernelBase + ResumeOffset
}

// Translation control and system control values.
const (
	mairNormalWB = 0xFF

	tcrT0SZShift  = 0
	tcrIRGN0Shift = 8
	tcrORGN0Shift = 10
	tcrSH0Shift   = 12
	tcrTG0Shift   = 14
	tcrT1SZShift  = 16
	tcrIRGN1Shift = 24
	tcrORGN1Shift = 26
	tcrSH1Shift   = 28
	tcrTG1Shift   = 30
	tcrIPSShift   = 32

	tcrTG0Granule4K = 0
	tcrTG1Granule4K = 2

	sctlrRES1 = 0x30D00800
	sctlrM    = 1 << 0
	sctlrC    = 1 << 2
	sctlrI    = 1 << 12
	sctlrDZE  = 1 << 14
	sctlrUCT  = 1 << 15
	sctlrUCI  = 1 << 26

	cpacrFPEN = 3 << 20
)

// ipsForBits returns the TCR_EL1.IPS encoding covering ipaBits.
func ipsForBits(ipaBits int) uint64 {
	switch {
	case ipaBits <= 32:
		return 0
	case ipaBits <= 36:
		return 1
	case ipaBits <= 40:
		return 2
	case ipaBits <= 42:
		return 3
	case ipaBits <= 44:
		return 4
	case ipaBits <= 48:
		return 5
	default:
		return 6
	}
}

// TCR returns the TCR_EL1 value for a 39-bit VA in both halves.
func TCR(ipaBits int) uint64 {
	const tsz = 64 - vaBits
	return tsz<<tcrT0SZShift |
		1<<tcrIRGN0Shift | 1<<tcrORGN0Shift | shInner<<tcrSH0Shift | tcrTG0Granule4K<<tcrTG0Shift |
		tsz<<tcrT1SZShift |
		1<<tcrIRGN1Shift | 1<<tcrORGN1Shift | shInner<<tcrSH1Shift | tcrTG1Granule4K<<tcrTG1Shift |
		ipsForBits(ipaBits)<<tcrIPSShift
}

// SCTLR is the SCTLR_EL1 value: MMU and caches on, EL0 cache maintenance
// and DC ZVA allowed.
const SCTLR = sctlrRES1 | sctlrM | sctlrC | sctlrI | sctlrDZE | sctlrUCT | sctlrUCI

// InitializeMmu points vcpu's translation registers at this address space
// and its exception vectors at the trampoline.
func (as *AddressSpace) InitializeMmu(vcpu hv.Vcpu, ipaBits int) error {
	regs := []struct {
		reg   hv.SysReg
		value uint64
	}{
		{hv.SysRegMAIREL1, mairNormalWB},
		{hv.SysRegTCREL1, TCR(ipaBits)},
		{hv.SysRegTTBR0EL1, as.User.RootIPA()},
		{hv.SysRegTTBR1EL1, as.Kernel.RootIPA()},
		{hv.SysRegVBAREL1, KernelBase},
		{hv.SysRegSCTLREL1, SCTLR},
		{hv.SysRegCPACREL1, cpacrFPEN},
		// EL0 counter and timer accesses trap so they can be emulated.
		{hv.SysRegCNTKCTLEL1, 0},
	}
	for _, r := range regs {
		if err := vcpu.SetSysReg(r.reg, r.value); err != nil {
			return fmt.Errorf("pagetable: initialize mmu: %w", err)
		}
	}
	return nil
}

// Release frees every table and the trampoline.
func (as *AddressSpace) Release() error {
	as.User.Release()
	as.Kernel.Release()
	return as.trampoline.Close()
}
