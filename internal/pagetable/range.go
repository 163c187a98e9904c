package pagetable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
)

// table is one arena slot: 512 descriptors living in IPA-mapped memory plus
// the Go-side index of child tables.
type table struct {
	mem   *memblock.Allocation
	words []uint64

	// children[i] is the arena slot of the table entry i points to, or 0.
	children [entriesPerTable]int32
	live     int
}

func (t *table) ipa() uint64 { return t.mem.IPA }

func (t *table) store(idx uint64, desc uint64) {
	atomic.StoreUint64(&t.words[idx], desc)
}

// Stats describes the state of a Range.
type Stats struct {
	Tables     int
	Rewrites   uint64
	Generation uint64
}

// Range is a three level translation table covering [base, base+size) of
// one half of the virtual address space. Outputs are IPAs.
//
// Mutations serialize on the range lock. Hardware walkers on other vcpus may
// read descriptors concurrently, so descriptors are published with atomic
// stores after any child table is complete.
type Range struct {
	mu sync.Mutex

	alloc  *memblock.Allocator
	base   uint64
	size   uint64
	kernel bool

	// slot 0 is never used so a zero child index means "no table".
	slots []*table
	free  []int32
	root  int32

	rewrites uint64

	pending    atomic.Bool
	generation atomic.Uint64
}

// NewRange creates a range whose tables are allocated from alloc. kernel
// selects EL1-only leaf attributes for the upper half.
func NewRange(alloc *memblock.Allocator, base, size uint64, kernel bool) (*Range, error) {
	if size == 0 || size > 1<<vaBits || base&(1<<vaBits-1) != 0 {
		return nil, fmt.Errorf("pagetable: invalid range base=0x%x size=0x%x", base, size)
	}

	r := &Range{
		alloc:  alloc,
		base:   base,
		size:   size,
		kernel: kernel,
		slots:  []*table{nil},
	}
	root, err := r.newTable()
	if err != nil {
		return nil, err
	}
	r.root = root
	return r, nil
}

// RootIPA is the value for TTBR0_EL1 or TTBR1_EL1.
func (r *Range) RootIPA() uint64 { return r.slots[r.root].ipa() }

func (r *Range) newTable() (int32, error) {
	mem, err := r.alloc.Allocate(hv.PageSize, hv.PermReadWrite)
	if err != nil {
		return 0, fmt.Errorf("pagetable: allocate table: %w", err)
	}
	t := &table{
		mem:   mem,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(unsafe.SliceData(mem.Mem))), entriesPerTable),
	}

	if n := len(r.free); n > 0 {
		slot := r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[slot] = t
		return slot, nil
	}
	r.slots = append(r.slots, t)
	return int32(len(r.slots) - 1), nil
}

func (r *Range) freeTable(slot int32) {
	t := r.slots[slot]
	for _, child := range t.children {
		if child != 0 {
			r.freeTable(child)
		}
	}
	_ = t.mem.Close()
	r.slots[slot] = nil
	r.free = append(r.free, slot)
}

func (r *Range) markInvalid() {
	r.generation.Add(1)
	r.pending.Store(true)
}

// Pending reports whether an Unmap or Reprotect has not yet been observed by
// a resuming vcpu.
func (r *Range) Pending() bool { return r.pending.Load() }

// Generation increases on every change that requires a TLB invalidation.
func (r *Range) Generation() uint64 { return r.generation.Load() }

// ConsumeInvalidation reports whether a vcpu that last invalidated at
// generation *seen must invalidate before resuming, and records the current
// generation in *seen.
func (r *Range) ConsumeInvalidation(seen *uint64) bool {
	gen := r.generation.Load()
	cleared := r.pending.CompareAndSwap(true, false)
	if gen != *seen {
		*seen = gen
		return true
	}
	return cleared
}

func (r *Range) checkRegion(va, size uint64) (uint64, error) {
	if va&hv.PageMask != 0 || size&hv.PageMask != 0 {
		return 0, &hv.RegionError{VA: va, Size: size, Reason: "not page aligned"}
	}
	off := va - r.base
	if va < r.base || off+size > r.size || off+size < off {
		return 0, &hv.RegionError{VA: va, Size: size, Reason: "outside translation range"}
	}
	return off, nil
}

// Map maps [va, va+size) to [ipa, ipa+size) with perm, replacing any
// existing translations. The largest block size both addresses are aligned
// to is used for each sub-range.
func (r *Range) Map(va, ipa, size uint64, perm hv.MemoryPermission) error {
	off, err := r.checkRegion(va, size)
	if err != nil {
		return err
	}
	if ipa&hv.PageMask != 0 {
		return &hv.RegionError{VA: va, Size: size, Reason: fmt.Sprintf("output 0x%x not page aligned", ipa)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.mapLevel(r.root, 1, off, ipa, size, leafAttributes(perm, r.kernel))
}

func (r *Range) mapLevel(slot int32, level int, va, ipa, size, attrs uint64) error {
	shift := levelShift(level)
	blockSize := uint64(1) << shift

	for size > 0 {
		idx := (va >> shift) & (entriesPerTable - 1)
		n := blockSize - va&(blockSize-1)
		if n > size {
			n = size
		}

		if n == blockSize && ipa&(blockSize-1) == 0 {
			desc := ipa | attrs
			if level == levels {
				desc |= descTable
			}
			r.setLeaf(r.slots[slot], idx, desc)
		} else {
			child, err := r.childTable(slot, level, idx)
			if err != nil {
				return err
			}
			if err := r.mapLevel(child, level+1, va, ipa, n, attrs); err != nil {
				return err
			}
		}

		va += n
		ipa += n
		size -= n
	}
	return nil
}

func (r *Range) setLeaf(t *table, idx uint64, desc uint64) {
	old := t.words[idx]
	switch {
	case t.children[idx] != 0:
		child := t.children[idx]
		t.children[idx] = 0
		t.store(idx, desc)
		r.freeTable(child)
		r.markInvalid()
		return
	case old&descValid != 0:
		if old != desc {
			r.markInvalid()
		}
	default:
		t.live++
	}
	t.store(idx, desc)
}

// childTable returns the table entry idx points to, creating an empty one or
// splitting a block entry into an equivalent table as needed.
func (r *Range) childTable(slot int32, level int, idx uint64) (int32, error) {
	t := r.slots[slot]
	if child := t.children[idx]; child != 0 {
		return child, nil
	}

	child, err := r.newTable()
	if err != nil {
		return 0, err
	}
	ct := r.slots[child]

	if old := t.words[idx]; old&descValid != 0 {
		childLevel := level + 1
		step := levelBlockSize(childLevel)
		attrs := old &^ (descAddrMask | descTable)
		if childLevel == levels {
			attrs |= descTable
		}
		out := old & descAddrMask &^ (levelBlockSize(level) - 1)
		for i := range ct.words {
			ct.words[i] = (out + uint64(i)*step) | attrs
		}
		ct.live = entriesPerTable
	} else {
		t.live++
	}

	t.children[idx] = child
	t.store(idx, ct.ipa()|descValid|descTable)
	return child, nil
}

func (r *Range) clearEntry(t *table, idx uint64) {
	t.store(idx, 0)
	if child := t.children[idx]; child != 0 {
		t.children[idx] = 0
		r.freeTable(child)
	}
	t.live--
}

// Unmap removes every translation in [va, va+size). Blocks straddling the
// boundary are split and tables left empty are freed.
func (r *Range) Unmap(va, size uint64) error {
	off, err := r.checkRegion(va, size)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	defer r.markInvalid()
	return r.unmapLevel(r.root, 1, off, size)
}

func (r *Range) unmapLevel(slot int32, level int, va, size uint64) error {
	shift := levelShift(level)
	blockSize := uint64(1) << shift

	for size > 0 {
		t := r.slots[slot]
		idx := (va >> shift) & (entriesPerTable - 1)
		n := blockSize - va&(blockSize-1)
		if n > size {
			n = size
		}

		if t.words[idx]&descValid != 0 {
			if n == blockSize {
				r.clearEntry(t, idx)
			} else {
				child, err := r.childTable(slot, level, idx)
				if err != nil {
					return err
				}
				if err := r.unmapLevel(child, level+1, va, n); err != nil {
					return err
				}
				if r.slots[child].live == 0 {
					r.clearEntry(t, idx)
				}
			}
		}

		va += n
		size -= n
	}
	return nil
}

// Reprotect changes the permission of every translation in [va, va+size).
func (r *Range) Reprotect(va, size uint64, perm hv.MemoryPermission) error {
	return r.ReprotectMasked(va, size, perm, hv.PermReadWriteExecute)
}

// ReprotectMasked changes only the permission bits selected by mask.
// Descriptors that already carry the requested bits are left untouched.
func (r *Range) ReprotectMasked(va, size uint64, perm, mask hv.MemoryPermission) error {
	off, err := r.checkRegion(va, size)
	if err != nil {
		return err
	}
	bits, replace := permBits(perm, mask, r.kernel)

	r.mu.Lock()
	defer r.mu.Unlock()

	defer r.markInvalid()
	return r.reprotectLevel(r.root, 1, off, size, bits, replace)
}

func (r *Range) reprotectLevel(slot int32, level int, va, size, bits, replace uint64) error {
	shift := levelShift(level)
	blockSize := uint64(1) << shift

	for size > 0 {
		t := r.slots[slot]
		idx := (va >> shift) & (entriesPerTable - 1)
		n := blockSize - va&(blockSize-1)
		if n > size {
			n = size
		}

		old := t.words[idx]
		child := t.children[idx]
		switch {
		case old&descValid == 0:
		case child != 0:
			if err := r.reprotectLevel(child, level+1, va, n, bits, replace); err != nil {
				return err
			}
		case old&^replace|bits == old:
		case n == blockSize:
			t.store(idx, old&^replace|bits)
			r.rewrites++
		default:
			child, err := r.childTable(slot, level, idx)
			if err != nil {
				return err
			}
			if err := r.reprotectLevel(child, level+1, va, n, bits, replace); err != nil {
				return err
			}
		}

		va += n
		size -= n
	}
	return nil
}

// Translate looks up va in the Go-side view of the tables.
func (r *Range) Translate(va uint64) (ipa uint64, perm hv.MemoryPermission, ok bool) {
	if va < r.base || va-r.base >= r.size {
		return 0, hv.PermNone, false
	}
	off := va - r.base

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.root
	for level := 1; level <= levels; level++ {
		t := r.slots[slot]
		shift := levelShift(level)
		idx := (off >> shift) & (entriesPerTable - 1)
		desc := t.words[idx]
		if desc&descValid == 0 {
			return 0, hv.PermNone, false
		}
		if child := t.children[idx]; child != 0 {
			slot = child
			continue
		}
		mask := uint64(1)<<shift - 1
		return (desc & descAddrMask &^ mask) | (off & mask), descPermission(desc, r.kernel), true
	}
	return 0, hv.PermNone, false
}

func (r *Range) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Tables:     len(r.slots) - 1 - len(r.free),
		Rewrites:   r.rewrites,
		Generation: r.generation.Load(),
	}
}

// Release frees every table. The range must not be used afterwards.
func (r *Range) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root != 0 {
		r.freeTable(r.root)
		r.root = 0
	}
}
