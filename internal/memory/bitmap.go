package memory

import "sync/atomic"

// Page states, two bits per page. The order matters: a page needs a tracking
// signal for an access when its state is at least the access's tag.
const (
	stateUnmapped         = 0
	stateMapped           = 1
	stateWriteTracked     = 2
	stateReadWriteTracked = 3

	mappedReplicated           = 0x5555_5555_5555_5555
	writeTrackedReplicated     = 0xaaaa_aaaa_aaaa_aaaa
	readWriteTrackedReplicated = ^uint64(0)

	// Low bit of every 2-bit entry.
	blockMappedMask = 0x5555_5555_5555_5555

	// 32 pages per word.
	pageToWordShift = 5
)

// bitmap holds the state of every page in the address space. Words are only
// ever changed with compare-and-swap so concurrent updates of neighbouring
// pages never lose each other.
type bitmap struct {
	words []uint64
}

func newBitmap(pages uint64) *bitmap {
	n := pages >> pageToWordShift
	if n == 0 {
		n = 1
	}
	return &bitmap{words: make([]uint64, n)}
}

func (b *bitmap) load(idx uint64) uint64 { return atomic.LoadUint64(&b.words[idx]) }

// update applies fn to word idx until the CAS succeeds.
func (b *bitmap) update(idx uint64, fn func(old uint64) uint64) {
	p := &b.words[idx]
	for {
		old := atomic.LoadUint64(p)
		if atomic.CompareAndSwapUint64(p, old, fn(old)) {
			return
		}
	}
}

func (b *bitmap) state(page uint64) uint64 {
	return (b.load(page>>pageToWordShift) >> pageShift(page)) & 3
}

func pageShift(page uint64) uint { return uint(page&31) << 1 }

// blockRange returns the word range covering pages [pageStart, pageEnd) and
// the masks selecting the covered entries of the first and last word.
func blockRange(pageStart, pageEnd uint64) (startMask, endMask, idx, endIdx uint64) {
	startMask = ^uint64(0) << pageShift(pageStart)
	if pageEnd&31 == 0 {
		endMask = ^uint64(0)
	} else {
		endMask = ^uint64(0) >> (64 - pageShift(pageEnd))
	}
	return startMask, endMask, pageStart >> pageToWordShift, (pageEnd - 1) >> pageToWordShift
}

// each calls fn with the covered mask of each word spanning [pageStart,
// pageEnd). Iteration stops when fn returns false.
func (b *bitmap) each(pageStart, pageEnd uint64, fn func(idx, mask uint64) bool) {
	startMask, endMask, idx, endIdx := blockRange(pageStart, pageEnd)
	mask := startMask
	for ; idx <= endIdx; idx++ {
		if idx == endIdx {
			mask &= endMask
		}
		if !fn(idx, mask) {
			return
		}
		mask = ^uint64(0)
	}
}

func (b *bitmap) isMapped(page uint64) bool { return b.state(page) != stateUnmapped }

// isRangeMapped reports whether every page in [pageStart, pageEnd) is in a
// state other than Unmapped.
func (b *bitmap) isRangeMapped(pageStart, pageEnd uint64) bool {
	if pageEnd-pageStart == 1 {
		return b.isMapped(pageStart)
	}
	mapped := true
	b.each(pageStart, pageEnd, func(idx, mask uint64) bool {
		pte := b.load(idx)
		pte |= pte >> 1
		want := mask & blockMappedMask
		mapped = pte&want == want
		return mapped
	})
	return mapped
}

// mappedMask widens the entries of pte that are not Unmapped to both bits.
// The shifted value is masked to the low bit of each entry so that a
// neighbour's state never leaks in.
func mappedMask(pte uint64) uint64 {
	m := (pte | pte>>1) & blockMappedMask
	return m | m<<1
}

// add moves every unmapped page in range to Mapped and leaves mapped pages
// alone.
func (b *bitmap) add(pageStart, pageEnd uint64) {
	b.each(pageStart, pageEnd, func(idx, mask uint64) bool {
		b.update(idx, func(pte uint64) uint64 {
			keep := mappedMask(pte) | ^mask
			return pte&keep | blockMappedMask&^keep
		})
		return true
	})
}

func (b *bitmap) remove(pageStart, pageEnd uint64) {
	b.each(pageStart, pageEnd, func(idx, mask uint64) bool {
		b.update(idx, func(pte uint64) uint64 { return pte &^ mask })
		return true
	})
}

// setTracking replaces the state of every mapped page in range with tag.
// Unmapped pages stay unmapped.
func (b *bitmap) setTracking(pageStart, pageEnd uint64, tag uint64) {
	replicated := [...]uint64{0, mappedReplicated, writeTrackedReplicated, readWriteTrackedReplicated}[tag]
	b.each(pageStart, pageEnd, func(idx, mask uint64) bool {
		b.update(idx, func(pte uint64) uint64 {
			m := mappedMask(pte) & mask
			return pte&^m | replicated&m
		})
		return true
	})
}

// needsSignal reports whether an access to [pageStart, pageEnd) must be
// reported to the tracking engine, and whether every page is mapped. Writes
// need a page at WriteTracked or above; reads need ReadWriteTracked.
func (b *bitmap) needsSignal(pageStart, pageEnd uint64, write bool) (signal, mapped bool) {
	if pageEnd-pageStart == 1 {
		tag := uint64(stateReadWriteTracked)
		if write {
			tag = stateWriteTracked
		}
		s := b.state(pageStart)
		return s >= tag, s != stateUnmapped
	}

	mapped = true
	b.each(pageStart, pageEnd, func(idx, mask uint64) bool {
		pte := b.load(idx)
		want := mask & blockMappedMask
		if (pte|pte>>1)&want != want {
			mapped = false
			return false
		}
		pte &= mask
		if pte&writeTrackedReplicated != 0 && (write || pte&(pte>>1)&blockMappedMask != 0) {
			signal = true
			return false
		}
		return true
	})
	return signal, mapped
}
