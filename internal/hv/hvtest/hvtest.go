// Package hvtest provides a software implementation of [hv.Hypervisor] for
// tests and for running without hardware virtualization.
//
// The host counts every map, unmap, protect and vcpu lifecycle call. Vcpus
// emulate just enough of an EL1 trampoline to make the run loop honest: the
// resume target is fetched through the stage-1 tables, exceptions enter
// through VBAR_EL1, and guest loads and stores are translated and permission
// checked against TTBR0_EL1.
package hvtest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// Guest is called each time a vcpu enters EL0 code. It inspects and mutates
// the vcpu and returns the exit that ends this run.
type Guest func(v *Vcpu) hv.Exit

type Options struct {
	MaxVcpus int
	IPABits  int
	Guest    Guest
}

type region struct {
	ipa  uint64
	mem  []byte
	perm hv.MemoryPermission
}

func (r *region) end() uint64 { return r.ipa + uint64(len(r.mem)) }

// Stats is a snapshot of the host counters.
type Stats struct {
	MapCalls         int64
	UnmapCalls       int64
	ProtectCalls     int64
	VcpusCreated     int64
	VcpusDestroyed   int64
	LiveVcpus        int64
	PeakVcpus        int64
	ThreadViolations int64
	ForcedExits      int64
	TLBFlushes       int64
}

type Hypervisor struct {
	maxVcpus int
	ipaBits  int

	guest atomic.Pointer[Guest]

	mu      sync.RWMutex
	regions []*region
	vcpus   map[uint64]*Vcpu
	nextID  uint64
	closed  bool

	mapCalls         atomic.Int64
	unmapCalls       atomic.Int64
	protectCalls     atomic.Int64
	created          atomic.Int64
	destroyed        atomic.Int64
	live             atomic.Int64
	peak             atomic.Int64
	threadViolations atomic.Int64
	forcedExits      atomic.Int64
	tlbFlushes       atomic.Int64
}

// New creates a software host. MaxVcpus defaults to 8 and IPABits to 36.
func New(opts Options) *Hypervisor {
	if opts.MaxVcpus == 0 {
		opts.MaxVcpus = 8
	}
	if opts.IPABits == 0 {
		opts.IPABits = 36
	}
	h := &Hypervisor{
		maxVcpus: opts.MaxVcpus,
		ipaBits:  opts.IPABits,
		vcpus:    make(map[uint64]*Vcpu),
	}
	if opts.Guest != nil {
		h.SetGuest(opts.Guest)
	}
	return h
}

// SetGuest replaces the code run by every vcpu.
func (h *Hypervisor) SetGuest(g Guest) { h.guest.Store(&g) }

func (h *Hypervisor) Stats() Stats {
	return Stats{
		MapCalls:         h.mapCalls.Load(),
		UnmapCalls:       h.unmapCalls.Load(),
		ProtectCalls:     h.protectCalls.Load(),
		VcpusCreated:     h.created.Load(),
		VcpusDestroyed:   h.destroyed.Load(),
		LiveVcpus:        h.live.Load(),
		PeakVcpus:        h.peak.Load(),
		ThreadViolations: h.threadViolations.Load(),
		ForcedExits:      h.forcedExits.Load(),
		TLBFlushes:       h.tlbFlushes.Load(),
	}
}

// MaxVcpuCount implements [hv.Hypervisor].
func (h *Hypervisor) MaxVcpuCount() int { return h.maxVcpus }

// IPABits implements [hv.Hypervisor].
func (h *Hypervisor) IPABits() int { return h.ipaBits }

func (h *Hypervisor) checkRange(ipa, size uint64) error {
	if ipa&hv.PageMask != 0 || size&hv.PageMask != 0 || size == 0 {
		return &hv.HostError{Op: fmt.Sprintf("map(0x%x, 0x%x)", ipa, size), Code: codeBadArgument}
	}
	if ipa+size > 1<<h.ipaBits || ipa+size < ipa {
		return &hv.HostError{Op: fmt.Sprintf("map(0x%x, 0x%x)", ipa, size), Code: codeBadArgument}
	}
	return nil
}

// Result codes reported in HostError, matching Hypervisor.framework.
const (
	codeError        uint32 = 0xfae94001
	codeBadArgument  uint32 = 0xfae94003
	codeIllegalState uint32 = 0xfae94004
	codeNoResources  uint32 = 0xfae94005
)

// MapMemory implements [hv.Hypervisor].
func (h *Hypervisor) MapMemory(mem []byte, ipa uint64, perm hv.MemoryPermission) error {
	h.mapCalls.Add(1)
	if err := h.checkRange(ipa, uint64(len(mem))); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	end := ipa + uint64(len(mem))
	for _, r := range h.regions {
		if ipa < r.end() && r.ipa < end {
			return &hv.HostError{Op: fmt.Sprintf("map(0x%x, 0x%x)", ipa, len(mem)), Code: codeBadArgument}
		}
	}
	h.regions = append(h.regions, &region{ipa: ipa, mem: mem, perm: perm})
	sort.Slice(h.regions, func(i, j int) bool { return h.regions[i].ipa < h.regions[j].ipa })
	return nil
}

// UnmapMemory implements [hv.Hypervisor]. Only whole regions can be unmapped.
func (h *Hypervisor) UnmapMemory(ipa, size uint64) error {
	h.unmapCalls.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, r := range h.regions {
		if r.ipa == ipa && uint64(len(r.mem)) == size {
			h.regions = append(h.regions[:i], h.regions[i+1:]...)
			return nil
		}
	}
	return &hv.HostError{Op: fmt.Sprintf("unmap(0x%x, 0x%x)", ipa, size), Code: codeBadArgument}
}

// ProtectMemory implements [hv.Hypervisor].
func (h *Hypervisor) ProtectMemory(ipa, size uint64, perm hv.MemoryPermission) error {
	h.protectCalls.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.regions {
		if r.ipa <= ipa && ipa+size <= r.end() {
			r.perm = perm
			return nil
		}
	}
	return &hv.HostError{Op: fmt.Sprintf("protect(0x%x, 0x%x)", ipa, size), Code: codeBadArgument}
}

// Mapped reports the number of IPA regions currently mapped.
func (h *Hypervisor) Mapped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.regions)
}

// lookup returns the host bytes backing [ipa, ipa+size).
func (h *Hypervisor) lookup(ipa, size uint64) ([]byte, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := sort.Search(len(h.regions), func(i int) bool { return h.regions[i].end() > ipa })
	if i == len(h.regions) {
		return nil, false
	}
	r := h.regions[i]
	if ipa < r.ipa || ipa+size > r.end() {
		return nil, false
	}
	off := ipa - r.ipa
	return r.mem[off : off+size], true
}

// ReadIPA copies guest physical memory into buf.
func (h *Hypervisor) ReadIPA(ipa uint64, buf []byte) bool {
	mem, ok := h.lookup(ipa, uint64(len(buf)))
	if !ok {
		return false
	}
	copy(buf, mem)
	return true
}

// WriteIPA copies data into guest physical memory.
func (h *Hypervisor) WriteIPA(ipa uint64, data []byte) bool {
	mem, ok := h.lookup(ipa, uint64(len(data)))
	if !ok {
		return false
	}
	copy(mem, data)
	return true
}

// NewVcpu implements [hv.Hypervisor].
func (h *Hypervisor) NewVcpu() (hv.Vcpu, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, &hv.HostError{Op: "vcpu_create", Code: codeError}
	}
	if len(h.vcpus) >= h.maxVcpus {
		return nil, &hv.HostError{Op: "vcpu_create", Code: codeNoResources, Err: hv.ErrVcpuLimit}
	}

	h.nextID++
	v := &Vcpu{
		h:       h,
		id:      h.nextID,
		tid:     gettid(),
		sys:     make(map[hv.SysReg]uint64),
		kick:    make(chan struct{}, 1),
		vtimerM: true,
	}
	h.vcpus[v.id] = v

	h.created.Add(1)
	live := h.live.Add(1)
	for {
		peak := h.peak.Load()
		if live <= peak || h.peak.CompareAndSwap(peak, live) {
			break
		}
	}

	return v, nil
}

// ExitVcpus implements [hv.Hypervisor].
func (h *Hypervisor) ExitVcpus(vcpus ...hv.Vcpu) error {
	for _, vc := range vcpus {
		v, ok := vc.(*Vcpu)
		if !ok || v.h != h {
			return fmt.Errorf("hvtest: foreign vcpu %v", vc)
		}
		h.forcedExits.Add(1)
		select {
		case v.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements [hv.Hypervisor].
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	if len(h.vcpus) != 0 {
		return fmt.Errorf("hvtest: %d vcpus still alive", len(h.vcpus))
	}
	return nil
}

var _ hv.Hypervisor = &Hypervisor{}
