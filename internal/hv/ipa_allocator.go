package hv

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

type ipaRun struct {
	base uint64
	size uint64
}

func (r ipaRun) end() uint64 { return r.base + r.size }

func ipaRunLess(a, b ipaRun) bool { return a.base < b.base }

// IPAAllocator hands out ranges of a fixed intermediate physical address
// region. Free runs are kept ordered by offset and coalesced on release.
type IPAAllocator struct {
	mu sync.Mutex

	base uint64
	size uint64

	free *btree.BTreeG[ipaRun]
	used uint64
}

// NewIPAAllocator creates an allocator over [base, base+size).
func NewIPAAllocator(base, size uint64) *IPAAllocator {
	a := &IPAAllocator{
		base: base,
		size: size,
		free: btree.NewG(8, ipaRunLess),
	}
	if size != 0 {
		a.free.ReplaceOrInsert(ipaRun{base: base, size: size})
	}
	return a
}

// Allocate returns the lowest address satisfying size and alignment.
func (a *IPAAllocator) Allocate(size, alignment uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("ipa: cannot allocate zero-size region")
	}
	if alignment == 0 {
		alignment = PageSize
	}
	if alignment&(alignment-1) != 0 {
		return 0, fmt.Errorf("ipa: alignment 0x%x is not a power of 2", alignment)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		found  bool
		run    ipaRun
		result uint64
	)
	a.free.Ascend(func(r ipaRun) bool {
		start := alignUp(r.base, alignment)
		if start < r.base || start+size < start {
			return true
		}
		if start+size <= r.end() {
			found, run, result = true, r, start
			return false
		}
		return true
	})
	if !found {
		return 0, &AllocError{Size: size, Alignment: alignment}
	}

	a.free.Delete(run)
	if result > run.base {
		a.free.ReplaceOrInsert(ipaRun{base: run.base, size: result - run.base})
	}
	if tail := result + size; tail < run.end() {
		a.free.ReplaceOrInsert(ipaRun{base: tail, size: run.end() - tail})
	}
	a.used += size

	return result, nil
}

// Free returns [offset, offset+size) to the allocator. Freeing a range that
// is not fully allocated panics.
func (a *IPAAllocator) Free(offset, size uint64) {
	if size == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if offset < a.base || offset+size > a.base+a.size || offset+size < offset {
		panic(fmt.Sprintf("ipa: free of [0x%x, 0x%x) outside allocator range", offset, offset+size))
	}

	merged := ipaRun{base: offset, size: size}

	var prev, next ipaRun
	var hasPrev, hasNext bool
	a.free.DescendLessOrEqual(ipaRun{base: offset}, func(r ipaRun) bool {
		prev, hasPrev = r, true
		return false
	})
	a.free.AscendGreaterOrEqual(ipaRun{base: offset}, func(r ipaRun) bool {
		next, hasNext = r, true
		return false
	})

	if hasPrev && prev.end() > offset {
		panic(fmt.Sprintf("ipa: double free of [0x%x, 0x%x)", offset, offset+size))
	}
	if hasNext && next.base < merged.end() {
		panic(fmt.Sprintf("ipa: double free of [0x%x, 0x%x)", offset, offset+size))
	}

	if hasPrev && prev.end() == offset {
		a.free.Delete(prev)
		merged = ipaRun{base: prev.base, size: prev.size + merged.size}
	}
	if hasNext && next.base == merged.end() {
		a.free.Delete(next)
		merged.size += next.size
	}
	a.free.ReplaceOrInsert(merged)
	a.used -= size
}

// Used reports the number of bytes currently allocated.
func (a *IPAAllocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// FreeRuns reports the number of disjoint free runs.
func (a *IPAAllocator) FreeRuns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free.Len()
}

func (a *IPAAllocator) Base() uint64 { return a.base }
func (a *IPAAllocator) Size() uint64 { return a.size }

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// AlignUp is alignUp for other packages working in page units.
func AlignUp(value, align uint64) uint64 { return alignUp(value, align) }
