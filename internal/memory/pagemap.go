package memory

import (
	"sync/atomic"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
)

const leafBits = 9

type leaf [1 << leafBits]uint64

// pageMap is the software copy of the guest translations: the backing offset
// of every mapped page. Leaves are allocated on first use and never freed.
type pageMap struct {
	leaves []atomic.Pointer[leaf]
}

func newPageMap(pages uint64) *pageMap {
	n := (pages + (1<<leafBits - 1)) >> leafBits
	return &pageMap{leaves: make([]atomic.Pointer[leaf], n)}
}

func (p *pageMap) slot(va uint64, create bool) *uint64 {
	page := va >> hv.PageBits
	lp := &p.leaves[page>>leafBits]
	l := lp.Load()
	if l == nil {
		if !create {
			return nil
		}
		lp.CompareAndSwap(nil, new(leaf))
		l = lp.Load()
	}
	return &l[page&(1<<leafBits-1)]
}

func (p *pageMap) set(va, pa uint64) {
	atomic.StoreUint64(p.slot(va, true), pa)
}

func (p *pageMap) clear(va uint64) {
	if s := p.slot(va, false); s != nil {
		atomic.StoreUint64(s, 0)
	}
}

// get returns the backing offset of the page containing va plus the page
// offset of va.
func (p *pageMap) get(va uint64) uint64 {
	s := p.slot(va, false)
	if s == nil {
		return va & hv.PageMask
	}
	return atomic.LoadUint64(s) + va&hv.PageMask
}
