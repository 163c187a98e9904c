package pagetable

import "github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"

// VMSAv8-64 stage-1 descriptor fields, 4 KiB granule.
const (
	descValid = 1 << 0
	// Table descriptor at levels 1-2, page descriptor at level 3.
	descTable = 1 << 1

	descAttrIndxShift = 2
	descAPShift       = 6
	descAPMask        = 3 << descAPShift
	descSHShift       = 8
	descAF            = 1 << 10
	descNG            = 1 << 11
	descPXN           = 1 << 53
	descUXN           = 1 << 54

	descAddrMask = 0x0000_FFFF_FFFF_F000

	shInner = 3
)

// AP[2:1] encodings.
const (
	apEL1RW  = 0 // EL1 read/write, EL0 none
	apBothRW = 1
	apEL1RO  = 2 // EL1 read-only, EL0 none
	apBothRO = 3
)

const (
	entriesPerTable = 512
	levels          = 3
	vaBits          = 39
)

func levelShift(level int) uint { return uint(vaBits - 9*level) }

func levelBlockSize(level int) uint64 { return 1 << levelShift(level) }

// permBits returns the descriptor bits encoding perm restricted to the bits
// selected by mask, together with the set of descriptor bits they replace.
func permBits(perm, mask hv.MemoryPermission, kernel bool) (bits, replace uint64) {
	if mask&hv.PermReadWrite != 0 {
		var ap uint64
		switch {
		case kernel && perm.Has(hv.PermWrite):
			ap = apEL1RW
		case kernel:
			ap = apEL1RO
		case perm.Has(hv.PermReadWrite):
			ap = apBothRW
		case perm.Has(hv.PermRead):
			ap = apBothRO
		default:
			ap = apEL1RW
		}
		bits |= ap << descAPShift
		replace |= descAPMask
	}
	if mask&hv.PermExecute != 0 {
		xn := uint64(descUXN)
		if kernel {
			xn = descPXN
		}
		if !perm.Has(hv.PermExecute) {
			bits |= xn
		}
		replace |= xn
	}
	return bits, replace
}

// leafAttributes returns every non-address bit of a leaf descriptor.
func leafAttributes(perm hv.MemoryPermission, kernel bool) uint64 {
	attrs := uint64(descValid | descAF | shInner<<descSHShift | 0<<descAttrIndxShift)
	if kernel {
		// EL0 never executes from the kernel half.
		attrs |= descUXN
	} else {
		attrs |= descNG | descPXN
	}
	bits, _ := permBits(perm, hv.PermReadWriteExecute, kernel)
	return attrs | bits
}

// descPermission decodes the permission of a leaf descriptor.
func descPermission(desc uint64, kernel bool) hv.MemoryPermission {
	var perm hv.MemoryPermission
	ap := (desc & descAPMask) >> descAPShift
	if kernel {
		perm = hv.PermRead
		if ap == apEL1RW {
			perm |= hv.PermWrite
		}
		if desc&descPXN == 0 {
			perm |= hv.PermExecute
		}
		return perm
	}
	switch ap {
	case apBothRW:
		perm = hv.PermReadWrite
	case apBothRO:
		perm = hv.PermRead
	}
	if desc&descUXN == 0 {
		perm |= hv.PermExecute
	}
	return perm
}
