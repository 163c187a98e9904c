// Package tracking observes guest memory accesses on behalf of caches that
// hold data derived from guest memory. Handles cover virtual ranges; pages
// are write protected while a handle is clean and fully protected while a
// handle has a pending read action, so the next access faults into
// VirtualMemoryEvent.
package tracking

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

// NoExemption disables handle exemption in VirtualMemoryEvent.
const NoExemption = -1

// Memory is the view of the memory manager the tracker drives.
type Memory interface {
	// TrackingReprotect sets the guest-visible permission of mapped pages
	// in [va, va+size).
	TrackingReprotect(va, size uint64, perm hv.MemoryPermission) error
	IsRangeMapped(va, size uint64) bool
}

func handleLess(a, b *RegionHandle) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.seq < b.seq
}

// Tracker is the tracking engine for one address space.
type Tracker struct {
	mu sync.Mutex

	mem     Memory
	handles *btree.BTreeG[*RegionHandle]
	maxSize uint64
	seq     uint64
	log     *slog.Logger
}

func New(mem Memory, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		mem:     mem,
		handles: btree.NewG(16, handleLess),
		log:     log,
	}
}

func pageRange(va, size uint64) (uint64, uint64) {
	start := va &^ hv.PageMask
	end := hv.AlignUp(va+size, hv.PageSize)
	return start, end
}

// overlapping returns the live handles intersecting [start, end). Callers
// hold t.mu.
func (t *Tracker) overlapping(start, end uint64) []*RegionHandle {
	var from uint64
	if start > t.maxSize {
		from = start - t.maxSize
	}
	var out []*RegionHandle
	t.handles.AscendGreaterOrEqual(&RegionHandle{start: from}, func(h *RegionHandle) bool {
		if h.start >= end {
			return false
		}
		if h.end > start {
			out = append(out, h)
		}
		return true
	})
	return out
}

// updateProtection recomputes the permission of every page in [start, end)
// as the most restrictive requirement of the handles covering it. Callers
// hold t.mu.
func (t *Tracker) updateProtection(start, end uint64) {
	start, end = pageRange(start, end-start)
	handles := t.overlapping(start, end)

	points := []uint64{start, end}
	for _, h := range handles {
		if h.start > start && h.start < end {
			points = append(points, h.start)
		}
		if h.end > start && h.end < end {
			points = append(points, h.end)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	runStart := start
	runPerm := hv.PermReadWrite
	flush := func(to uint64) {
		if to <= runStart {
			return
		}
		if err := t.mem.TrackingReprotect(runStart, to-runStart, runPerm); err != nil {
			t.log.Warn("tracking: reprotect failed", "va", runStart, "size", to-runStart, "perm", runPerm, "error", err)
		}
	}

	for i := 0; i+1 < len(points); i++ {
		segStart, segEnd := points[i], points[i+1]
		if segStart == segEnd {
			continue
		}
		perm := hv.PermReadWrite
		for _, h := range handles {
			if h.start < segEnd && segStart < h.end {
				if req := h.requiredPermission(); req < perm {
					perm = req
				}
			}
		}
		if segStart == start {
			runPerm = perm
		} else if perm != runPerm {
			flush(segStart)
			runStart, runPerm = segStart, perm
		}
	}
	flush(end)
}

// BeginTracking creates a handle over [va, va+size). id is reported back to
// VirtualMemoryEvent callers through exemption.
func (t *Tracker) BeginTracking(va, size uint64, id int) *RegionHandle {
	start, end := pageRange(va, size)
	mapped := t.mem.IsRangeMapped(start, end-start)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	h := &RegionHandle{
		t:        t,
		id:       id,
		seq:      t.seq,
		start:    start,
		end:      end,
		realVA:   va,
		realSize: size,
	}
	h.dirty.Store(mapped)
	h.unmapped = !mapped

	t.handles.ReplaceOrInsert(h)
	if s := end - start; s > t.maxSize {
		t.maxSize = s
	}
	return h
}

// BeginGranularTracking creates a handle made of one child handle per
// granularity-sized piece of [va, va+size). A handle from handles that covers
// exactly one piece becomes that piece's child and keeps its dirty state. The
// other handles are disposed.
func (t *Tracker) BeginGranularTracking(va, size uint64, handles []*RegionHandle, granularity uint64, id int) *MultiRegionHandle {
	if granularity < hv.PageSize {
		granularity = hv.PageSize
	}
	existing := make(map[[2]uint64]*RegionHandle, len(handles))
	for _, h := range handles {
		existing[[2]uint64{h.realVA, h.realSize}] = h
	}
	adopted := make(map[*RegionHandle]bool, len(handles))

	m := &MultiRegionHandle{granularity: granularity, va: va, size: size}
	for off := va &^ (granularity - 1); off < va+size; off += granularity {
		start := max(off, va)
		end := min(off+granularity, va+size)
		key := [2]uint64{start, end - start}
		child, ok := existing[key]
		if ok {
			delete(existing, key)
			adopted[child] = true
		} else {
			child = t.BeginTracking(start, end-start, id)
		}
		child.parentDirty.Store(&m.dirty)
		if child.Dirty() {
			m.dirty.Store(true)
		}
		m.children = append(m.children, child)
	}
	for _, h := range handles {
		if !adopted[h] {
			h.Dispose()
		}
	}
	return m
}

// BeginSmartGranularTracking is BeginGranularTracking for large ranges that
// are queried sparsely. Children are created on first use.
func (t *Tracker) BeginSmartGranularTracking(va, size, granularity uint64, id int) *SmartMultiRegionHandle {
	if granularity < hv.PageSize {
		granularity = hv.PageSize
	}
	var n uint64
	if size > 0 {
		base := va &^ (granularity - 1)
		n = (va+size-1-base)/granularity + 1
	}
	m := &SmartMultiRegionHandle{
		t:           t,
		id:          id,
		granularity: granularity,
		va:          va,
		size:        size,
		children:    make([]*RegionHandle, n),
	}
	m.dirty.Store(true)
	return m
}

// Map marks handles in [va, va+size) mapped and applies their protection.
func (t *Tracker) Map(va, size uint64) {
	start, end := pageRange(va, size)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.overlapping(start, end) {
		h.mappingChanged(true)
	}
	t.updateProtection(start, end)
}

// Unmap marks handles in [va, va+size) unmapped. Unmapped handles are clean
// and never signalled until mapped again.
func (t *Tracker) Unmap(va, size uint64) {
	start, end := pageRange(va, size)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.overlapping(start, end) {
		h.mappingChanged(false)
	}
}

// VirtualMemoryEvent reports a guest access of [va, va+size). Precise events
// are offered to precise actions first. Handles with ID exemptID are not
// signalled. It returns false when nothing tracks the range and the range is
// not mapped, meaning the access is a genuine fault.
func (t *Tracker) VirtualMemoryEvent(va, size uint64, write, precise bool, exemptID int) bool {
	if size == 0 {
		size = 1
	}
	start, end := pageRange(va, size)

	t.mu.Lock()
	handles := t.overlapping(start, end)
	t.mu.Unlock()

	if len(handles) == 0 {
		if precise {
			return false
		}
		if !t.mem.IsRangeMapped(start, end-start) {
			return false
		}
		// A page can stay protected after the last handle covering it is
		// disposed; release it.
		t.mu.Lock()
		t.updateProtection(start, end)
		t.mu.Unlock()
		return true
	}

	// Protection is recomputed over every handle touched, not only the
	// accessed pages.
	lo, hi := start, end
	for _, h := range handles {
		lo, hi = min(lo, h.start), max(hi, h.end)
		if exemptID != NoExemption && h.id == exemptID {
			continue
		}
		if precise && h.signalPrecise(va, size, write) {
			continue
		}
		h.signal(va, size, write)
	}

	t.mu.Lock()
	t.updateProtection(lo, hi)
	t.mu.Unlock()
	return true
}

// Handles reports the number of live handles.
func (t *Tracker) Handles() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handles.Len()
}
