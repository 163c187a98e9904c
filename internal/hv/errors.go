package hv

import "fmt"

// HostError reports a failed host hypervisor call. Code is the raw result
// code returned by the host.
type HostError struct {
	Op   string
	Code uint32
	Err  error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hv: %s failed (0x%08x): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("hv: %s failed (0x%08x)", e.Op, e.Code)
}

func (e *HostError) Unwrap() error { return e.Err }

// RegionError is returned for accesses outside the address space or to
// unmapped pages.
type RegionError struct {
	VA     uint64
	Size   uint64
	Reason string
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("invalid memory region: %s: va=0x%016x size=0x%x", e.Reason, e.VA, e.Size)
}

func (e *RegionError) Unwrap() error { return ErrInvalidRegion }

// AllocError is returned when an address allocator cannot satisfy a request.
type AllocError struct {
	Size      uint64
	Alignment uint64
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("out of address space: size=0x%x alignment=0x%x", e.Size, e.Alignment)
}

func (e *AllocError) Unwrap() error { return ErrOutOfAddressSpace }
