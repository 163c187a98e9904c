//go:build darwin && arm64

package hvf

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvf/bindings"
)

const cntvCtlEnable = 1

// Hypervisor.framework allows a single VM per process.
var globalVM atomic.Pointer[hypervisor]

func hostError(op string, ret bindings.Return) error {
	return &hv.HostError{Op: op, Code: uint32(ret), Err: ret}
}

type hypervisor struct {
	maxVcpus int
	ipaBits  int
	timebase bindings.TimebaseInfo

	mu     sync.Mutex
	closed bool
}

// MaxVcpuCount implements [hv.Hypervisor].
func (h *hypervisor) MaxVcpuCount() int { return h.maxVcpus }

// IPABits implements [hv.Hypervisor].
func (h *hypervisor) IPABits() int { return h.ipaBits }

func memoryFlags(perm hv.MemoryPermission) bindings.MemoryFlags {
	var flags bindings.MemoryFlags
	if perm.Has(hv.PermRead) {
		flags |= bindings.HV_MEMORY_READ
	}
	if perm.Has(hv.PermWrite) {
		flags |= bindings.HV_MEMORY_WRITE
	}
	if perm.Has(hv.PermExecute) {
		flags |= bindings.HV_MEMORY_EXEC
	}
	return flags
}

// MapMemory implements [hv.Hypervisor].
func (h *hypervisor) MapMemory(mem []byte, ipa uint64, perm hv.MemoryPermission) error {
	if len(mem) == 0 || uint64(len(mem))&hv.PageMask != 0 || ipa&hv.PageMask != 0 {
		return fmt.Errorf("hvf: map 0x%x+0x%x: %w", ipa, len(mem), hv.ErrInvalidRegion)
	}
	if ret := bindings.VmMap(
		unsafe.Pointer(&mem[0]),
		bindings.IPA(ipa),
		uintptr(len(mem)),
		memoryFlags(perm),
	); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vm_map(0x%x, 0x%x)", ipa, len(mem)), ret)
	}
	return nil
}

// UnmapMemory implements [hv.Hypervisor].
func (h *hypervisor) UnmapMemory(ipa, size uint64) error {
	if ret := bindings.VmUnmap(bindings.IPA(ipa), uintptr(size)); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vm_unmap(0x%x, 0x%x)", ipa, size), ret)
	}
	return nil
}

// ProtectMemory implements [hv.Hypervisor].
func (h *hypervisor) ProtectMemory(ipa, size uint64, perm hv.MemoryPermission) error {
	if ret := bindings.VmProtect(bindings.IPA(ipa), uintptr(size), memoryFlags(perm)); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vm_protect(0x%x, 0x%x)", ipa, size), ret)
	}
	return nil
}

// NewVcpu implements [hv.Hypervisor]. The vcpu belongs to the calling thread.
func (h *hypervisor) NewVcpu() (hv.Vcpu, error) {
	cfg := bindings.VcpuConfigCreate()

	var id bindings.VCPU
	exit := new(bindings.VcpuExit)

	if ret := bindings.VcpuCreate(&id, &exit, cfg); ret != bindings.HV_SUCCESS {
		return nil, hostError("hv_vcpu_create", ret)
	}
	// The guest virtual count then runs in lockstep with mach_absolute_time.
	if ret := bindings.VcpuSetVtimerOffset(id, 0); ret != bindings.HV_SUCCESS {
		bindings.VcpuDestroy(id)
		return nil, hostError("hv_vcpu_set_vtimer_offset", ret)
	}

	slog.Debug("hvf: created vcpu", "id", id)

	return &vcpu{id: id, exit: exit, timebase: h.timebase}, nil
}

// ExitVcpus implements [hv.Hypervisor].
func (h *hypervisor) ExitVcpus(vcpus ...hv.Vcpu) error {
	if len(vcpus) == 0 {
		return nil
	}
	ids := make([]bindings.VCPU, 0, len(vcpus))
	for _, v := range vcpus {
		ids = append(ids, bindings.VCPU(v.ID()))
	}
	if ret := bindings.VcpusExit(&ids[0], uint32(len(ids))); ret != bindings.HV_SUCCESS {
		return hostError("hv_vcpus_exit", ret)
	}
	return nil
}

// Close implements [hv.Hypervisor].
func (h *hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if ret := bindings.VmDestroy(); ret != bindings.HV_SUCCESS {
		slog.Error("hvf: failed to destroy VM", "error", ret)
		return hostError("hv_vm_destroy", ret)
	}
	globalVM.CompareAndSwap(h, nil)
	return nil
}

type vcpu struct {
	id       bindings.VCPU
	exit     *bindings.VcpuExit
	timebase bindings.TimebaseInfo

	closed bool
}

// ID implements [hv.Vcpu].
func (v *vcpu) ID() uint64 { return uint64(v.id) }

// Reg implements [hv.Vcpu].
func (v *vcpu) Reg(reg hv.Reg) (uint64, error) {
	var value uint64
	if ret := bindings.VcpuGetReg(v.id, bindings.Reg(reg), &value); ret != bindings.HV_SUCCESS {
		return 0, hostError(fmt.Sprintf("hv_vcpu_get_reg(%d)", reg), ret)
	}
	return value, nil
}

// SetReg implements [hv.Vcpu].
func (v *vcpu) SetReg(reg hv.Reg, value uint64) error {
	if ret := bindings.VcpuSetReg(v.id, bindings.Reg(reg), value); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vcpu_set_reg(%d)", reg), ret)
	}
	return nil
}

// SysReg implements [hv.Vcpu].
func (v *vcpu) SysReg(reg hv.SysReg) (uint64, error) {
	var value uint64
	if ret := bindings.VcpuGetSysReg(v.id, bindings.SysReg(reg), &value); ret != bindings.HV_SUCCESS {
		return 0, hostError(fmt.Sprintf("hv_vcpu_get_sys_reg(0x%04x)", uint16(reg)), ret)
	}
	return value, nil
}

// SetSysReg implements [hv.Vcpu].
func (v *vcpu) SetSysReg(reg hv.SysReg, value uint64) error {
	if ret := bindings.VcpuSetSysReg(v.id, bindings.SysReg(reg), value); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vcpu_set_sys_reg(0x%04x)", uint16(reg)), ret)
	}
	return nil
}

// SIMDReg implements [hv.Vcpu].
func (v *vcpu) SIMDReg(index int) (hv.Vec128, error) {
	var value bindings.SimdFP
	if ret := bindings.VcpuGetSimdFpReg(v.id, bindings.HV_SIMD_FP_REG_Q0+bindings.SIMDReg(index), &value); ret != bindings.HV_SUCCESS {
		return hv.Vec128{}, hostError(fmt.Sprintf("hv_vcpu_get_simd_fp_reg(q%d)", index), ret)
	}
	return hv.Vec128{Lo: value.Low(), Hi: value.High()}, nil
}

// SetSIMDReg implements [hv.Vcpu].
func (v *vcpu) SetSIMDReg(index int, value hv.Vec128) error {
	reg := bindings.HV_SIMD_FP_REG_Q0 + bindings.SIMDReg(index)
	if ret := bindings.VcpuSetSimdFpReg(v.id, reg, bindings.NewSimdFP(value.Lo, value.Hi)); ret != bindings.HV_SUCCESS {
		return hostError(fmt.Sprintf("hv_vcpu_set_simd_fp_reg(q%d)", index), ret)
	}
	return nil
}

// SetVtimerMask implements [hv.Vcpu].
func (v *vcpu) SetVtimerMask(masked bool) error {
	if ret := bindings.VcpuSetVtimerMask(v.id, masked); ret != bindings.HV_SUCCESS {
		return hostError("hv_vcpu_set_vtimer_mask", ret)
	}
	return nil
}

// ArmVtimer implements [hv.Vcpu].
func (v *vcpu) ArmVtimer(delay time.Duration) error {
	// ticks = ns * denom / numer
	hi, lo := bits.Mul64(uint64(delay), uint64(v.timebase.Denom))
	ticks, _ := bits.Div64(hi, lo, uint64(v.timebase.Numer))

	if err := v.SetSysReg(hv.SysRegCNTVCVLEL0, bindings.MachAbsoluteTime()+ticks); err != nil {
		return err
	}
	if err := v.SetSysReg(hv.SysRegCNTVCTLEL0, cntvCtlEnable); err != nil {
		return err
	}
	return v.SetVtimerMask(false)
}

// Run implements [hv.Vcpu].
func (v *vcpu) Run() (hv.Exit, error) {
	if ret := bindings.VcpuRun(v.id); ret != bindings.HV_SUCCESS {
		return hv.Exit{}, hostError(fmt.Sprintf("hv_vcpu_run(%d)", v.id), ret)
	}

	return hv.Exit{
		Reason:          hv.ExitReason(v.exit.Reason),
		Syndrome:        uint64(v.exit.Exception.Syndrome),
		VirtualAddress:  uint64(v.exit.Exception.VirtualAddress),
		PhysicalAddress: uint64(v.exit.Exception.PhysicalAddress),
	}, nil
}

// Close implements [hv.Vcpu]. It must run on the creating thread.
func (v *vcpu) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true

	if ret := bindings.VcpuDestroy(v.id); ret != bindings.HV_SUCCESS {
		slog.Error("hvf: failed to destroy vcpu", "id", v.id, "error", ret)
		return hostError(fmt.Sprintf("hv_vcpu_destroy(%d)", v.id), ret)
	}

	slog.Debug("hvf: destroyed vcpu", "id", v.id)
	return nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
	_ hv.Vcpu       = &vcpu{}
)

// Open creates the process VM. ipaBits of 0 selects the host default.
func Open(ipaBits int) (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("hvf: load Hypervisor.framework: %w", err)
	}

	h := &hypervisor{}
	if !globalVM.CompareAndSwap(nil, h) {
		return nil, fmt.Errorf("hvf: VM already exists, hvf is limited to a single VM per process")
	}

	var maxVcpus uint32
	if ret := bindings.VmGetMaxVcpuCount(&maxVcpus); ret != bindings.HV_SUCCESS {
		globalVM.Store(nil)
		return nil, hostError("hv_vm_get_max_vcpu_count", ret)
	}

	var maxIPA uint32
	if ret := bindings.VmConfigGetMaxIpaSize(&maxIPA); ret != bindings.HV_SUCCESS {
		globalVM.Store(nil)
		return nil, hostError("hv_vm_config_get_max_ipa_size", ret)
	}
	if ipaBits == 0 {
		var def uint32
		if ret := bindings.VmConfigGetDefaultIpaSize(&def); ret != bindings.HV_SUCCESS {
			globalVM.Store(nil)
			return nil, hostError("hv_vm_config_get_default_ipa_size", ret)
		}
		ipaBits = int(def)
	}
	if ipaBits > int(maxIPA) {
		globalVM.Store(nil)
		return nil, fmt.Errorf("hvf: requested %d IPA bits, host supports %d", ipaBits, maxIPA)
	}

	if ret := bindings.MachTimebaseInfo(&h.timebase); ret != 0 || h.timebase.Numer == 0 {
		globalVM.Store(nil)
		return nil, fmt.Errorf("hvf: mach_timebase_info failed: %d", ret)
	}

	cfg := bindings.VmConfigCreate()
	if ret := bindings.VmConfigSetIpaSize(cfg, uint32(ipaBits)); ret != bindings.HV_SUCCESS {
		globalVM.Store(nil)
		return nil, hostError("hv_vm_config_set_ipa_size", ret)
	}

	if ret := bindings.VmCreate(cfg); ret != bindings.HV_SUCCESS {
		globalVM.Store(nil)
		return nil, hostError("hv_vm_create", ret)
	}

	h.maxVcpus = int(maxVcpus)
	h.ipaBits = ipaBits

	slog.Debug("hvf: created VM", "maxVcpus", maxVcpus, "ipaBits", ipaBits)

	return h, nil
}
