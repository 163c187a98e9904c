package cpu

import (
	"fmt"
)

type exceptionClass uint64

const (
	exceptionClassUnknown          exceptionClass = 0x00
	exceptionClassSvc64            exceptionClass = 0x15
	exceptionClassHvc64            exceptionClass = 0x16
	exceptionClassMsrAccess        exceptionClass = 0x18
	exceptionClassDataAbortLowerEL exceptionClass = 0x24
	exceptionClassBrk64            exceptionClass = 0x3C
)

func (ec exceptionClass) String() string {
	switch ec {
	case exceptionClassUnknown:
		return "unknown"
	case exceptionClassSvc64:
		return "SVC"
	case exceptionClassHvc64:
		return "HVC"
	case exceptionClassMsrAccess:
		return "MSR access"
	case exceptionClassDataAbortLowerEL:
		return "Data abort lower EL"
	case exceptionClassBrk64:
		return "BRK"
	default:
		return fmt.Sprintf("exception class 0x%x", uint64(ec))
	}
}

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26

	issMask uint64 = (1 << 25) - 1
)

func syndromeClass(syndrome uint64) exceptionClass {
	return exceptionClass((syndrome >> exceptionClassShift) & exceptionClassMask)
}

type dataAbortInfo struct {
	size     uint64
	write    bool
	farValid bool
}

func decodeDataAbort(syndrome uint64) dataAbortInfo {
	const (
		isvBit          = 24
		sasShift        = 22
		sasMask  uint64 = 0x3
		fnvBit          = 10
		wnrBit          = 6
	)

	iss := syndrome & issMask
	info := dataAbortInfo{
		size:     1,
		write:    (iss>>wnrBit)&1 == 1,
		farValid: (iss>>fnvBit)&1 == 0,
	}
	// Without ISV the access size is not reported. One byte is enough to
	// resolve the faulting page; the access faults again on the next one.
	if (iss>>isvBit)&1 == 1 {
		info.size = 1 << ((iss >> sasShift) & sasMask)
	}
	return info
}

type msrAccessInfo struct {
	op0, op1, op2 uint8
	crn, crm      uint8
	read          bool // true = MRS (sysreg -> Rt), false = MSR (Rt -> sysreg)
	target        int
}

func decodeMsrAccess(syndrome uint64) msrAccessInfo {
	const (
		directionBit = 0

		crmShift = 1
		crmMask  = 0xF

		rtShift = 5
		rtMask  = 0x1F

		crnShift = 10
		crnMask  = 0xF

		op1Shift = 14
		op1Mask  = 0x7

		op2Shift = 17
		op2Mask  = 0x7

		op0Shift = 20
		op0Mask  = 0x3
	)

	iss := syndrome & issMask
	return msrAccessInfo{
		op0:    uint8((iss >> op0Shift) & op0Mask),
		op1:    uint8((iss >> op1Shift) & op1Mask),
		op2:    uint8((iss >> op2Shift) & op2Mask),
		crn:    uint8((iss >> crnShift) & crnMask),
		crm:    uint8((iss >> crmShift) & crmMask),
		read:   (iss>>directionBit)&1 == 1,
		target: int((iss >> rtShift) & rtMask),
	}
}

func (m msrAccessInfo) matches(op0, op1, crn, crm, op2 uint8) bool {
	return m.op0 == op0 && m.op1 == op1 && m.crn == crn && m.crm == crm && m.op2 == op2
}

func (m msrAccessInfo) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", m.op0, m.op1, m.crn, m.crm, m.op2)
}

// FaultKind classifies a fatal guest trap.
type FaultKind int

const (
	FaultDataAbort FaultKind = iota
	FaultSystemRegister
	FaultBreakpoint
	FaultUndefinedInstruction
	FaultUnsupportedException
	FaultUnexpectedExit
)

func (k FaultKind) String() string {
	switch k {
	case FaultDataAbort:
		return "data abort"
	case FaultSystemRegister:
		return "system register access"
	case FaultBreakpoint:
		return "breakpoint"
	case FaultUndefinedInstruction:
		return "undefined instruction"
	case FaultUnsupportedException:
		return "unsupported exception"
	case FaultUnexpectedExit:
		return "unexpected exit"
	default:
		return fmt.Sprintf("fault kind %d", int(k))
	}
}

// GuestFault is returned by Execute when the guest takes a trap nothing can
// resolve. Execution of the thread ends.
type GuestFault struct {
	Kind     FaultKind
	PC       uint64
	Address  uint64
	Syndrome uint64
}

func (f *GuestFault) Error() string {
	return fmt.Sprintf("cpu: %s at pc=0x%x address=0x%x syndrome=0x%x", f.Kind, f.PC, f.Address, f.Syndrome)
}
