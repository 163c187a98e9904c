package hvtest

import (
	"encoding/binary"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// VMSAv8-64 stage-1 descriptor bits, 4 KiB granule.
const (
	descValid    = 1 << 0
	descTable    = 1 << 1
	descAPShift  = 6
	descAF       = 1 << 10
	descPXN      = 1 << 53
	descUXN      = 1 << 54
	descAddrMask = 0x0000_FFFF_FFFF_F000

	vaBits = 39
)

// Translation is the result of a successful stage-1 walk.
type Translation struct {
	IPA   uint64
	Desc  uint64
	Level int
}

// AP returns the access permission field of the final descriptor.
func (t Translation) AP() uint64 { return (t.Desc >> descAPShift) & 3 }

// EL0Permission reports what EL0 may do through this translation.
func (t Translation) EL0Permission() hv.MemoryPermission {
	var perm hv.MemoryPermission
	switch t.AP() {
	case 1:
		perm = hv.PermReadWrite
	case 3:
		perm = hv.PermRead
	}
	if t.Desc&descUXN == 0 {
		perm |= hv.PermExecute
	}
	return perm
}

func (h *Hypervisor) readDesc(table uint64, index uint64) (uint64, bool) {
	var buf [8]byte
	if !h.ReadIPA(table+index*8, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// Walk translates va through the three level table rooted at ttbr. The
// caller selects TTBR0 or TTBR1; only the low 39 bits of va index the table.
func (h *Hypervisor) Walk(ttbr, va uint64) (Translation, bool) {
	table := ttbr & descAddrMask
	for level := 1; level <= 3; level++ {
		shift := uint(vaBits - 9*level)
		desc, ok := h.readDesc(table, (va>>shift)&511)
		if !ok || desc&descValid == 0 {
			return Translation{}, false
		}
		if level < 3 && desc&descTable != 0 {
			table = desc & descAddrMask
			continue
		}
		if level == 3 && desc&descTable == 0 {
			// reserved encoding at level 3
			return Translation{}, false
		}
		if desc&descAF == 0 {
			return Translation{}, false
		}
		blockMask := uint64(1)<<shift - 1
		return Translation{
			IPA:   (desc & descAddrMask &^ blockMask) | (va & blockMask),
			Desc:  desc,
			Level: level,
		}, true
	}
	return Translation{}, false
}

func isKernelVA(va uint64) bool { return va>>vaBits == (^uint64(0))>>vaBits }

// Translate walks va using the vcpu's current TTBR0/TTBR1.
func (v *Vcpu) Translate(va uint64) (Translation, bool) {
	switch {
	case isKernelVA(va):
		return v.h.Walk(v.sys[hv.SysRegTTBR1EL1], va)
	case va>>vaBits == 0:
		return v.h.Walk(v.sys[hv.SysRegTTBR0EL1], va)
	default:
		return Translation{}, false
	}
}

func (v *Vcpu) fetch(va uint64) (uint32, bool) {
	t, ok := v.Translate(va)
	if !ok {
		return 0, false
	}
	var buf [4]byte
	if !v.h.ReadIPA(t.IPA, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}
