package tracking

import (
	"sync"
	"sync/atomic"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// RegionSignal runs before the access that triggered it completes.
type RegionSignal func(va, size uint64)

// PreciseRegionSignal handles a precise access. Returning true skips the
// regular dirty tracking for that handle.
type PreciseRegionSignal func(va, size uint64, write bool) bool

// RegionHandle tracks one virtual range.
type RegionHandle struct {
	t           *Tracker
	parentDirty atomic.Pointer[atomic.Bool]

	id  int
	seq uint64

	start, end       uint64
	realVA, realSize uint64

	dirty atomic.Bool
	// guarded by t.mu
	unmapped bool
	disposed bool

	preMu     sync.Mutex
	preAction atomic.Pointer[RegionSignal]
	precise   atomic.Pointer[PreciseRegionSignal]

	eventMu sync.Mutex
	onDirty []func()
}

func (h *RegionHandle) ID() int         { return h.id }
func (h *RegionHandle) Address() uint64 { return h.realVA }
func (h *RegionHandle) Size() uint64    { return h.realSize }
func (h *RegionHandle) Dirty() bool     { return h.dirty.Load() }

func (h *RegionHandle) Unmapped() bool {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	return h.unmapped
}

// requiredPermission is the most permissive access that does not bypass
// this handle. Callers hold t.mu.
func (h *RegionHandle) requiredPermission() hv.MemoryPermission {
	switch {
	case h.unmapped:
		return hv.PermReadWrite
	case h.preAction.Load() != nil:
		return hv.PermNone
	case h.dirty.Load():
		return hv.PermReadWrite
	default:
		return hv.PermRead
	}
}

func (h *RegionHandle) mappingChanged(mapped bool) {
	if h.unmapped != mapped {
		return
	}
	h.unmapped = !mapped
	if h.unmapped {
		h.dirty.Store(false)
	}
}

func (h *RegionHandle) signal(va, size uint64, write bool) {
	h.t.mu.Lock()
	unmapped, disposed := h.unmapped, h.disposed
	h.t.mu.Unlock()

	if disposed {
		return
	}
	if unmapped {
		// Consume the action so a remap does not trigger a stale flush.
		h.preAction.Store(nil)
		return
	}

	if h.preAction.Load() != nil {
		lo := max(va, h.realVA)
		hi := min(va+size, h.realVA+h.realSize)
		if hi < lo {
			hi = lo
		}

		// The action stays registered while it runs so concurrent accessors
		// block here instead of missing the flush.
		h.preMu.Lock()
		if a := h.preAction.Load(); a != nil {
			(*a)(lo, hi-lo)
			h.preAction.Store(nil)
		}
		h.preMu.Unlock()
	}

	if write {
		if !h.dirty.Swap(true) {
			h.eventMu.Lock()
			events := h.onDirty
			h.eventMu.Unlock()
			for _, fn := range events {
				fn()
			}
		}
		if p := h.parentDirty.Load(); p != nil {
			p.Store(true)
		}
	}
}

func (h *RegionHandle) signalPrecise(va, size uint64, write bool) bool {
	h.t.mu.Lock()
	unmapped := h.unmapped || h.disposed
	h.t.mu.Unlock()

	if p := h.precise.Load(); !unmapped && p != nil && (*p)(va, size, write) {
		return true
	}
	return false
}

// ForceDirty sets the dirty flag without changing protection.
func (h *RegionHandle) ForceDirty() { h.dirty.Store(true) }

// Reprotect consumes the dirty flag and protects the range so the next
// write sets it again. With asDirty the flag is left set.
func (h *RegionHandle) Reprotect(asDirty bool) {
	h.dirty.Store(asDirty)

	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if h.disposed {
		return
	}
	h.t.updateProtection(h.start, h.end)
}

// RegisterAction runs action on the next read or write of the range, then
// removes it.
func (h *RegionHandle) RegisterAction(action RegionSignal) {
	h.preMu.Lock()
	last := h.preAction.Swap(&action)
	h.preMu.Unlock()

	if last == nil {
		h.t.mu.Lock()
		defer h.t.mu.Unlock()
		if !h.disposed {
			h.t.updateProtection(h.start, h.end)
		}
	}
}

// RegisterPreciseAction installs an action for precise accesses.
func (h *RegionHandle) RegisterPreciseAction(action PreciseRegionSignal) {
	h.precise.Store(&action)
}

// RegisterDirtyEvent calls fn every time the handle becomes dirty.
func (h *RegionHandle) RegisterDirtyEvent(fn func()) {
	h.eventMu.Lock()
	defer h.eventMu.Unlock()
	h.onDirty = append(h.onDirty, fn)
}

// Dispose removes the handle and releases any protection it required.
func (h *RegionHandle) Dispose() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()

	if h.disposed {
		return
	}
	h.disposed = true
	h.t.handles.Delete(h)
	h.t.updateProtection(h.start, h.end)
}

// MultiRegionHandle tracks a range at a fixed granularity.
type MultiRegionHandle struct {
	granularity uint64
	va, size    uint64
	children    []*RegionHandle
	dirty       atomic.Bool
}

func (m *MultiRegionHandle) Granularity() uint64 { return m.granularity }

// Dirty reports whether any write happened since the last query.
func (m *MultiRegionHandle) Dirty() bool { return m.dirty.Load() }

func (m *MultiRegionHandle) ForceDirty(va, size uint64) {
	for _, c := range m.children {
		if c.start < va+size && va < c.end {
			c.ForceDirty()
		}
	}
	m.dirty.Store(true)
}

// RegisterAction installs action on every child overlapping [va, va+size).
func (m *MultiRegionHandle) RegisterAction(va, size uint64, action RegionSignal) {
	for _, c := range m.children {
		if c.start < va+size && va < c.end {
			c.RegisterAction(action)
		}
	}
}

// QueryModified calls fn for each maximal run of dirty children overlapping
// [va, va+size) and reprotects them.
func (m *MultiRegionHandle) QueryModified(va, size uint64, fn func(va, size uint64)) {
	m.dirty.Store(false)
	queryModified(m.children, va, size, fn)
}

func queryModified(children []*RegionHandle, va, size uint64, fn func(va, size uint64)) {
	var runVA, runEnd uint64
	inRun := false
	emit := func() {
		if inRun {
			fn(runVA, runEnd-runVA)
			inRun = false
		}
	}
	for _, c := range children {
		if !(c.realVA < va+size && va < c.realVA+c.realSize) {
			continue
		}
		if !c.Dirty() {
			emit()
			continue
		}
		c.Reprotect(false)
		if inRun && runEnd == c.realVA {
			runEnd = c.realVA + c.realSize
			continue
		}
		emit()
		runVA, runEnd, inRun = c.realVA, c.realVA+c.realSize, true
	}
	emit()
}

func (m *MultiRegionHandle) Dispose() {
	for _, c := range m.children {
		c.Dispose()
	}
}

// SmartMultiRegionHandle tracks a range at a fixed granularity but only
// creates the child for a granule once a caller touches it. A new child
// starts dirty when its range is mapped.
type SmartMultiRegionHandle struct {
	t           *Tracker
	id          int
	granularity uint64
	va, size    uint64
	dirty       atomic.Bool

	mu       sync.Mutex
	children []*RegionHandle // by granule, nil until first used
}

func (m *SmartMultiRegionHandle) Granularity() uint64 { return m.granularity }

// Dirty reports whether any write happened since the last query.
func (m *SmartMultiRegionHandle) Dirty() bool { return m.dirty.Load() }

// materialize returns the children overlapping [va, va+size), creating the
// missing ones.
func (m *SmartMultiRegionHandle) materialize(va, size uint64) []*RegionHandle {
	lo, hi := max(va, m.va), min(va+size, m.va+m.size)
	if lo >= hi {
		return nil
	}
	base := m.va &^ (m.granularity - 1)
	first := (lo - base) / m.granularity
	last := (hi - 1 - base) / m.granularity

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.children == nil {
		return nil
	}
	for i := first; i <= last; i++ {
		if m.children[i] != nil {
			continue
		}
		off := base + i*m.granularity
		start := max(off, m.va)
		end := min(off+m.granularity, m.va+m.size)
		c := m.t.BeginTracking(start, end-start, m.id)
		c.parentDirty.Store(&m.dirty)
		m.children[i] = c
	}
	return m.children[first : last+1]
}

func (m *SmartMultiRegionHandle) ForceDirty(va, size uint64) {
	for _, c := range m.materialize(va, size) {
		c.ForceDirty()
	}
	m.dirty.Store(true)
}

// RegisterAction installs action on every granule overlapping [va, va+size).
func (m *SmartMultiRegionHandle) RegisterAction(va, size uint64, action RegionSignal) {
	for _, c := range m.materialize(va, size) {
		c.RegisterAction(action)
	}
}

// QueryModified calls fn for each maximal run of dirty granules overlapping
// [va, va+size) and reprotects them. Granules queried for the first time are
// reported as modified.
func (m *SmartMultiRegionHandle) QueryModified(va, size uint64, fn func(va, size uint64)) {
	m.dirty.Store(false)
	queryModified(m.materialize(va, size), va, size, fn)
}

func (m *SmartMultiRegionHandle) Dispose() {
	m.mu.Lock()
	children := m.children
	m.children = nil
	m.mu.Unlock()

	for _, c := range children {
		if c != nil {
			c.Dispose()
		}
	}
}
