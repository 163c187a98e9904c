// Package memory is the guest virtual memory manager. Guest translations live
// in three places that are kept in step: the hardware page tables walked by
// vcpus, a software page map used by host-side accesses, and a 2-bit-per-page
// state bitmap that lets accesses decide without locking whether the tracking
// engine has to be told about them.
package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/pagetable"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/tracking"
)

// MaxAddressSpaceBits is the widest user address space the page tables cover.
const MaxAddressSpaceBits = 39

var (
	ErrNotContiguous = errors.New("memory: range is not physically contiguous")
	ErrNotPlainData  = errors.New("memory: type holds pointers")
)

// InvalidAccessHandler decides whether an access to an invalid or unmapped
// address is tolerated. Tolerated reads produce zeroes and tolerated writes
// are dropped.
type InvalidAccessHandler func(va uint64) bool

type Options struct {
	InvalidAccess InvalidAccessHandler
	Logger        *slog.Logger
}

// Range is a span of guest physical (backing) memory.
type Range struct {
	Address uint64
	Size    uint64
}

// eventSink receives accesses that need tracking. It is the tracker outside
// of tests.
type eventSink interface {
	VirtualMemoryEvent(va, size uint64, write, precise bool, exemptID int) bool
}

// Manager maps guest virtual memory onto a backing allocation.
type Manager struct {
	backing *memblock.Allocation
	as      *pagetable.AddressSpace

	size   uint64
	asBits int

	pages  *pageMap
	states *bitmap

	tracking *tracking.Tracker
	events   eventSink
	invalid  InvalidAccessHandler
	log      *slog.Logger

	eventMu     sync.RWMutex
	unmapEvents []func(va, size uint64)
}

// New creates a manager for an address space of addressSpaceSize bytes whose
// guest physical memory is backing. Page tables are allocated from alloc.
func New(alloc *memblock.Allocator, backing *memblock.Allocation, addressSpaceSize uint64, opts Options) (*Manager, error) {
	if addressSpaceSize == 0 {
		return nil, fmt.Errorf("memory: zero address space size")
	}

	asSize := uint64(hv.PageSize)
	asBits := hv.PageBits
	for asSize < addressSpaceSize {
		asSize <<= 1
		asBits++
	}
	if asBits > MaxAddressSpaceBits {
		return nil, fmt.Errorf("memory: address space of 0x%x bytes needs %d bits, at most %d supported",
			addressSpaceSize, asBits, MaxAddressSpaceBits)
	}

	as, err := pagetable.NewAddressSpace(alloc, asSize)
	if err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	pages := asSize >> hv.PageBits
	m := &Manager{
		backing: backing,
		as:      as,
		size:    addressSpaceSize,
		asBits:  asBits,
		pages:   newPageMap(pages),
		states:  newBitmap(pages),
		invalid: opts.InvalidAccess,
		log:     log,
	}
	m.tracking = tracking.New(m, log)
	m.events = m.tracking
	return m, nil
}

func (m *Manager) AddressSpace() *pagetable.AddressSpace { return m.as }
func (m *Manager) AddressSpaceBits() int                 { return m.asBits }
func (m *Manager) Size() uint64                          { return m.size }
func (m *Manager) Tracking() *tracking.Tracker           { return m.tracking }
func (m *Manager) Backing() *memblock.Allocation         { return m.backing }

// Stats reports the state of the user page tables.
func (m *Manager) Stats() pagetable.Stats { return m.as.User.Stats() }

// OnUnmap registers fn to run before any range is unmapped.
func (m *Manager) OnUnmap(fn func(va, size uint64)) {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	m.unmapEvents = append(m.unmapEvents, fn)
}

func (m *Manager) validAddress(va uint64) bool { return va < m.size }

func (m *Manager) checkRange(va, size uint64) error {
	end := va + size
	if end < va || end > m.size {
		return &hv.RegionError{VA: va, Size: size, Reason: "outside address space"}
	}
	return nil
}

// pageSpan returns the pages [start, end) touched by [va, va+size).
func pageSpan(va, size uint64) (start, end uint64) {
	return va >> hv.PageBits, (va + size + hv.PageMask) >> hv.PageBits
}

// recoverInvalid swallows an invalid region error when the invalid access
// handler accepts va.
func (m *Manager) recoverInvalid(va uint64, err error) error {
	if err != nil && errors.Is(err, hv.ErrInvalidRegion) && m.invalid != nil && m.invalid(va) {
		return nil
	}
	return err
}

// Map maps [va, va+size) to backing memory [pa, pa+size). Both must be page
// aligned.
func (m *Manager) Map(va, pa, size uint64) error {
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if end := pa + size; end < pa || end > uint64(len(m.backing.Mem)) {
		return &hv.RegionError{VA: va, Size: size, Reason: fmt.Sprintf("backing offset 0x%x out of bounds", pa)}
	}

	if err := m.as.MapUser(va, m.backing.IPA+pa, size, hv.PermReadWriteExecute); err != nil {
		return fmt.Errorf("memory: map: %w", err)
	}
	for off := uint64(0); off < size; off += hv.PageSize {
		m.pages.set(va+off, pa+off)
	}
	m.states.add(pageSpan(va, size))

	m.tracking.Map(va, size)
	return nil
}

// Unmap removes the translations of [va, va+size). Unmap callbacks run first.
func (m *Manager) Unmap(va, size uint64) error {
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	m.eventMu.RLock()
	events := m.unmapEvents
	m.eventMu.RUnlock()
	for _, fn := range events {
		fn(va, size)
	}

	m.tracking.Unmap(va, size)
	m.states.remove(pageSpan(va, size))

	if err := m.as.UnmapUser(va, size); err != nil {
		return fmt.Errorf("memory: unmap: %w", err)
	}
	for off := uint64(0); off < size; off += hv.PageSize {
		m.pages.clear(va + off)
	}
	return nil
}

// Reprotect sets whether [va, va+size) is executable. Read and write access
// belong to the tracking engine and are left alone. Code that becomes
// executable has its unordered exclusive accesses rewritten first.
func (m *Manager) Reprotect(va, size uint64, perm hv.MemoryPermission) error {
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	if perm.Has(hv.PermExecute) {
		region, err := m.GetWritableRegion(va, size, false)
		if err != nil {
			return fmt.Errorf("memory: reprotect: %w", err)
		}
		if n := rewriteUnorderedExclusives(region.Data); n > 0 {
			m.log.Debug("memory: ordered exclusive accesses", "va", fmt.Sprintf("0x%x", va), "count", n)
		}
		if err := region.Close(); err != nil {
			return fmt.Errorf("memory: reprotect: %w", err)
		}
	}

	if err := m.as.ReprotectUser(va, size, perm, hv.PermExecute); err != nil {
		return fmt.Errorf("memory: reprotect: %w", err)
	}
	return nil
}

// TrackingReprotect sets the guest-visible read/write permission of the
// mapped pages in [va, va+size) on behalf of the tracking engine.
func (m *Manager) TrackingReprotect(va, size uint64, perm hv.MemoryPermission) error {
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if size == 0 {
		return nil
	}

	// States count tracking, so the permission is inverted: full access is
	// the least tracked state.
	var (
		tag uint64
		hw  hv.MemoryPermission
	)
	switch ^perm & hv.PermReadWrite {
	case hv.PermNone:
		tag, hw = stateMapped, hv.PermReadWrite
	case hv.PermWrite:
		tag, hw = stateWriteTracked, hv.PermRead
	default:
		tag, hw = stateReadWriteTracked, hv.PermNone
	}

	start, end := pageSpan(va, size)
	m.states.setTracking(start, end, tag)

	va = start << hv.PageBits
	size = (end - start) << hv.PageBits
	if err := m.as.ReprotectUser(va, size, hw, hv.PermReadWrite); err != nil {
		return fmt.Errorf("memory: tracking reprotect: %w", err)
	}
	return nil
}

// IsMapped reports whether the page containing va is mapped.
func (m *Manager) IsMapped(va uint64) bool {
	return m.validAddress(va) && m.states.isMapped(va>>hv.PageBits)
}

// IsRangeMapped reports whether every page of [va, va+size) is mapped.
// Ranges outside the address space are not mapped.
func (m *Manager) IsRangeMapped(va, size uint64) bool {
	if m.checkRange(va, size) != nil {
		return false
	}
	if size == 0 {
		return m.IsMapped(va)
	}
	return m.states.isRangeMapped(pageSpan(va, size))
}

// SignalMemoryTracking reports an access of [va, va+size) to the tracking
// engine when the state of the touched pages requires it. Handles with ID
// exemptID are not signalled; pass tracking.NoExemption to signal all.
func (m *Manager) SignalMemoryTracking(va, size uint64, write, precise bool, exemptID int) error {
	if err := m.checkRange(va, size); err != nil {
		return err
	}

	if precise {
		m.events.VirtualMemoryEvent(va, size, write, true, exemptID)
		return nil
	}
	if size == 0 {
		return nil
	}

	start, end := pageSpan(va, size)
	signal, mapped := m.states.needsSignal(start, end, write)
	if signal {
		m.events.VirtualMemoryEvent(va, size, write, false, exemptID)
		return nil
	}
	if !mapped {
		return &hv.RegionError{VA: va, Size: size, Reason: "not mapped"}
	}
	return nil
}

// HandleFault resolves a guest access that faulted on the hardware page
// tables. It returns false when the fault is not caused by tracking and the
// access is invalid.
func (m *Manager) HandleFault(va, size uint64, write bool) bool {
	if !m.validAddress(va) {
		return false
	}
	return m.events.VirtualMemoryEvent(va, size, write, false, tracking.NoExemption)
}

func (m *Manager) BeginTracking(va, size uint64, id int) *tracking.RegionHandle {
	return m.tracking.BeginTracking(va, size, id)
}

// BeginGranularTracking adopts the handles that cover exactly one granule and
// disposes the rest.
func (m *Manager) BeginGranularTracking(va, size uint64, handles []*tracking.RegionHandle, granularity uint64, id int) *tracking.MultiRegionHandle {
	return m.tracking.BeginGranularTracking(va, size, handles, granularity, id)
}

func (m *Manager) BeginSmartGranularTracking(va, size, granularity uint64, id int) *tracking.SmartMultiRegionHandle {
	return m.tracking.BeginSmartGranularTracking(va, size, granularity, id)
}

// Close releases the page tables. The backing allocation belongs to the
// caller.
func (m *Manager) Close() error {
	if err := m.as.Release(); err != nil {
		return fmt.Errorf("memory: close: %w", err)
	}
	return nil
}
