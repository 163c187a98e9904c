//go:build darwin && arm64

package bindings

// hv_return_t
const (
	HV_SUCCESS             Return = 0
	HV_ERROR               Return = 0xfae94001
	HV_BUSY                Return = 0xfae94002
	HV_BAD_ARGUMENT        Return = 0xfae94003
	HV_ILLEGAL_GUEST_STATE Return = 0xfae94004
	HV_NO_RESOURCES        Return = 0xfae94005
	HV_NO_DEVICE           Return = 0xfae94006
	HV_DENIED              Return = 0xfae94007
	HV_UNSUPPORTED         Return = 0xfae9400f
)

// hv_memory_flags_t
const (
	HV_MEMORY_READ  MemoryFlags = 1 << 0
	HV_MEMORY_WRITE MemoryFlags = 1 << 1
	HV_MEMORY_EXEC  MemoryFlags = 1 << 2
)

// hv_exit_reason_t
const (
	HV_EXIT_REASON_CANCELED         ExitReason = 0
	HV_EXIT_REASON_EXCEPTION        ExitReason = 1
	HV_EXIT_REASON_VTIMER_ACTIVATED ExitReason = 2
	HV_EXIT_REASON_UNKNOWN          ExitReason = 3
)

// hv_reg_t. X0..X30 are contiguous from zero.
const (
	HV_REG_X0   Reg = 0
	HV_REG_X30  Reg = 30
	HV_REG_PC   Reg = 31
	HV_REG_FPCR Reg = 32
	HV_REG_FPSR Reg = 33
	HV_REG_CPSR Reg = 34
)

// hv_simd_fp_reg_t. Q0..Q31 are contiguous from zero.
const (
	HV_SIMD_FP_REG_Q0  SIMDReg = 0
	HV_SIMD_FP_REG_Q31 SIMDReg = 31
)
