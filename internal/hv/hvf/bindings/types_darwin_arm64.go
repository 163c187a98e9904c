//go:build darwin && arm64

package bindings

import "fmt"

// Return is Hypervisor.framework's return type (hv_return_t / mach_error_t).
// Error values have the high bit set, so it is unsigned.
type Return uint32

func (r Return) Error() string {
	switch r {
	case HV_SUCCESS:
		return ""
	case HV_ERROR:
		return "error"
	case HV_BUSY:
		return "busy"
	case HV_BAD_ARGUMENT:
		return "bad argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state"
	case HV_NO_RESOURCES:
		return "no resources"
	case HV_NO_DEVICE:
		return "no device"
	case HV_DENIED:
		return "denied"
	case HV_UNSUPPORTED:
		return "unsupported"
	default:
		return fmt.Sprintf("unknown error: 0x%08x", uint32(r))
	}
}

// VMConfig is an opaque configuration object used by hv_vm_create().
type VMConfig uintptr

// VcpuConfig is an opaque configuration object used by hv_vcpu_create().
type VcpuConfig uintptr

// IPA is a guest Intermediate Physical Address (hv_ipa_t).
type IPA uint64

// VCPU is a vCPU instance ID (hv_vcpu_t).
type VCPU uint64

// MemoryFlags is a guest memory permission bitmask (hv_memory_flags_t).
type MemoryFlags uint64

// ExitReason is an exit reason from hv_vcpu_run (hv_exit_reason_t).
type ExitReason uint32

func (r ExitReason) String() string {
	switch r {
	case HV_EXIT_REASON_CANCELED:
		return "canceled"
	case HV_EXIT_REASON_EXCEPTION:
		return "exception"
	case HV_EXIT_REASON_VTIMER_ACTIVATED:
		return "vtimer activated"
	case HV_EXIT_REASON_UNKNOWN:
		return "unknown"
	default:
		return fmt.Sprintf("unknown exit reason: %d", r)
	}
}

// ExceptionSyndrome corresponds to ESR_ELx.
type ExceptionSyndrome uint64

// ExceptionAddress corresponds to FAR_ELx.
type ExceptionAddress uint64

// VcpuExitException corresponds to hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        ExceptionSyndrome
	VirtualAddress  ExceptionAddress
	PhysicalAddress IPA
}

// VcpuExit corresponds to hv_vcpu_exit_t, including the padding after the
// 32-bit reason.
type VcpuExit struct {
	Reason    ExitReason
	_         uint32
	Exception VcpuExitException
}

// Reg is an ARM general purpose register selector (hv_reg_t).
type Reg uint32

// SIMDReg is an ARM SIMD&FP register selector (hv_simd_fp_reg_t).
type SIMDReg uint32

// SimdFP is the value of a SIMD&FP register (hv_simd_fp_uchar16_t).
type SimdFP struct {
	low  uint64
	high uint64
}

func NewSimdFP(low, high uint64) SimdFP { return SimdFP{low: low, high: high} }

func (s SimdFP) Low() uint64  { return s.low }
func (s SimdFP) High() uint64 { return s.high }

// SysReg is an ARM system register selector (hv_sys_reg_t).
type SysReg uint16
