//go:build darwin && arm64

// Package bindings exposes the Hypervisor.framework calls needed to run EL0
// guest code. The function variables are nil until Load succeeds.
package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

const (
	frameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"
	libSystemPath = "/usr/lib/libSystem.B.dylib"
)

// TimebaseInfo converts mach absolute time to nanoseconds: ns = ticks *
// Numer / Denom.
type TimebaseInfo struct {
	Numer uint32
	Denom uint32
}

var (
	VmGetMaxVcpuCount         func(count *uint32) Return
	VmCreate                  func(config VMConfig) Return
	VmDestroy                 func() Return
	VmMap                     func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	VmUnmap                   func(ipa IPA, size uintptr) Return
	VmProtect                 func(ipa IPA, size uintptr, flags MemoryFlags) Return
	VmConfigCreate            func() VMConfig
	VmConfigGetMaxIpaSize     func(bits *uint32) Return
	VmConfigGetDefaultIpaSize func(bits *uint32) Return
	VmConfigSetIpaSize        func(config VMConfig, bits uint32) Return

	VcpuConfigCreate    func() VcpuConfig
	VcpuCreate          func(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return
	VcpuDestroy         func(vcpu VCPU) Return
	VcpuGetReg          func(vcpu VCPU, reg Reg, value *uint64) Return
	VcpuSetReg          func(vcpu VCPU, reg Reg, value uint64) Return
	VcpuGetSimdFpReg    func(vcpu VCPU, reg SIMDReg, value *SimdFP) Return
	VcpuSetSimdFpReg    func(vcpu VCPU, reg SIMDReg, value SimdFP) Return
	VcpuGetSysReg       func(vcpu VCPU, reg SysReg, value *uint64) Return
	VcpuSetSysReg       func(vcpu VCPU, reg SysReg, value uint64) Return
	VcpuRun             func(vcpu VCPU) Return
	VcpusExit           func(vcpus *VCPU, count uint32) Return
	VcpuSetVtimerMask   func(vcpu VCPU, masked bool) Return
	VcpuSetVtimerOffset func(vcpu VCPU, offset uint64) Return

	// From libSystem. With a zero vtimer offset the guest virtual count is
	// MachAbsoluteTime.
	MachAbsoluteTime func() uint64
	MachTimebaseInfo func(info *TimebaseInfo) int32
)

type symbol struct {
	name string
	fn   any
}

var frameworkSymbols = []symbol{
	{"hv_vm_get_max_vcpu_count", &VmGetMaxVcpuCount},
	{"hv_vm_create", &VmCreate},
	{"hv_vm_destroy", &VmDestroy},
	{"hv_vm_map", &VmMap},
	{"hv_vm_unmap", &VmUnmap},
	{"hv_vm_protect", &VmProtect},
	{"hv_vm_config_create", &VmConfigCreate},
	{"hv_vm_config_get_max_ipa_size", &VmConfigGetMaxIpaSize},
	{"hv_vm_config_get_default_ipa_size", &VmConfigGetDefaultIpaSize},
	{"hv_vm_config_set_ipa_size", &VmConfigSetIpaSize},
	{"hv_vcpu_config_create", &VcpuConfigCreate},
	{"hv_vcpu_create", &VcpuCreate},
	{"hv_vcpu_destroy", &VcpuDestroy},
	{"hv_vcpu_get_reg", &VcpuGetReg},
	{"hv_vcpu_set_reg", &VcpuSetReg},
	{"hv_vcpu_get_simd_fp_reg", &VcpuGetSimdFpReg},
	{"hv_vcpu_set_simd_fp_reg", &VcpuSetSimdFpReg},
	{"hv_vcpu_get_sys_reg", &VcpuGetSysReg},
	{"hv_vcpu_set_sys_reg", &VcpuSetSysReg},
	{"hv_vcpu_run", &VcpuRun},
	{"hv_vcpus_exit", &VcpusExit},
	{"hv_vcpu_set_vtimer_mask", &VcpuSetVtimerMask},
	{"hv_vcpu_set_vtimer_offset", &VcpuSetVtimerOffset},
}

var libSystemSymbols = []symbol{
	{"mach_absolute_time", &MachAbsoluteTime},
	{"mach_timebase_info", &MachTimebaseInfo},
}

var (
	loadOnce sync.Once
	loadErr  error
)

func register(path string, symbols []symbol) error {
	lib, err := purego.Dlopen(path, purego.RTLD_GLOBAL|purego.RTLD_LAZY)
	if err != nil {
		return fmt.Errorf("bindings: dlopen %s: %w", path, err)
	}
	for _, s := range symbols {
		sym, err := purego.Dlsym(lib, s.name)
		if err != nil {
			return fmt.Errorf("bindings: resolve %s: %w", s.name, err)
		}
		purego.RegisterFunc(s.fn, sym)
	}
	return nil
}

// Load opens the framework and libSystem and resolves every symbol. It is
// safe to call repeatedly; the first result is returned each time.
func Load() error {
	loadOnce.Do(func() {
		if loadErr = register(frameworkPath, frameworkSymbols); loadErr != nil {
			return
		}
		loadErr = register(libSystemPath, libSystemSymbols)
	})
	return loadErr
}
