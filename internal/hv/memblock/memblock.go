// Package memblock pools host memory blocks that are permanently mapped into
// the guest's intermediate physical address space.
package memblock

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"golang.org/x/sys/unix"
)

const DefaultBlockSize = 4 << 20

type block struct {
	mem  []byte
	ipa  uint64
	perm hv.MemoryPermission

	// offsets within mem
	space *hv.IPAAllocator
}

func (b *block) size() uint64 { return uint64(len(b.mem)) }

// Allocator carves page-granular allocations out of pooled blocks. Each block
// is one anonymous host mapping mapped 1:1 into an IPA range.
type Allocator struct {
	host      hv.Hypervisor
	ipa       *hv.IPAAllocator
	blockSize uint64

	mu     sync.Mutex
	blocks []*block
	closed bool
}

// NewAllocator creates an allocator drawing IPA ranges from ipa. blockSize is
// rounded up to a page; zero selects DefaultBlockSize.
func NewAllocator(host hv.Hypervisor, ipa *hv.IPAAllocator, blockSize uint64) *Allocator {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	return &Allocator{
		host:      host,
		ipa:       ipa,
		blockSize: hv.AlignUp(blockSize, hv.PageSize),
	}
}

// Allocation is a range of host memory together with the IPA it is mapped at.
type Allocation struct {
	Mem []byte
	IPA uint64

	a      *Allocator
	b      *block
	offset uint64
	closed bool
}

// Allocate returns zeroed memory of at least size bytes mapped with perm.
func (a *Allocator) Allocate(size uint64, perm hv.MemoryPermission) (*Allocation, error) {
	if size == 0 {
		return nil, fmt.Errorf("memblock: allocate: zero size")
	}
	size = hv.AlignUp(size, hv.PageSize)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, fmt.Errorf("memblock: allocate: allocator closed")
	}

	for _, b := range a.blocks {
		if b.perm != perm {
			continue
		}
		off, err := b.space.Allocate(size, hv.PageSize)
		if err != nil {
			continue
		}
		return a.carve(b, off, size), nil
	}

	blockSize := a.blockSize
	if size > blockSize {
		blockSize = size
	}
	b, err := a.newBlock(blockSize, perm)
	if err != nil {
		return nil, err
	}
	off, err := b.space.Allocate(size, hv.PageSize)
	if err != nil {
		return nil, fmt.Errorf("memblock: allocate: %w", err)
	}
	return a.carve(b, off, size), nil
}

func (a *Allocator) carve(b *block, off, size uint64) *Allocation {
	mem := b.mem[off : off+size : off+size]
	clear(mem)
	return &Allocation{
		Mem:    mem,
		IPA:    b.ipa + off,
		a:      a,
		b:      b,
		offset: off,
	}
}

func (a *Allocator) newBlock(size uint64, perm hv.MemoryPermission) (*block, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("memblock: mmap 0x%x bytes: %w", size, err)
	}

	ipa, err := a.ipa.Allocate(size, hv.PageSize)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("memblock: allocate IPA for 0x%x bytes: %w", size, err)
	}

	if err := a.host.MapMemory(mem, ipa, perm); err != nil {
		a.ipa.Free(ipa, size)
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("memblock: map block at IPA 0x%x: %w", ipa, err)
	}

	b := &block{
		mem:   mem,
		ipa:   ipa,
		perm:  perm,
		space: hv.NewIPAAllocator(0, size),
	}
	a.blocks = append(a.blocks, b)

	slog.Debug("memblock: new block", "ipa", fmt.Sprintf("0x%x", ipa), "size", size, "perm", perm)
	return b, nil
}

func (a *Allocator) releaseBlock(b *block) error {
	for i, other := range a.blocks {
		if other == b {
			a.blocks = append(a.blocks[:i], a.blocks[i+1:]...)
			break
		}
	}

	if err := a.host.UnmapMemory(b.ipa, b.size()); err != nil {
		return fmt.Errorf("memblock: unmap block at IPA 0x%x: %w", b.ipa, err)
	}
	a.ipa.Free(b.ipa, b.size())
	if err := unix.Munmap(b.mem); err != nil {
		return fmt.Errorf("memblock: munmap block: %w", err)
	}
	return nil
}

// Blocks reports the number of live host blocks.
func (a *Allocator) Blocks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

// Close releases every block, including ones with live allocations.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	for len(a.blocks) > 0 {
		if err := a.releaseBlock(a.blocks[0]); err != nil {
			slog.Error("memblock: release block", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close returns the allocation to its block. A block with no remaining
// allocations is unmapped and its IPA range freed.
func (m *Allocation) Close() error {
	a := m.a
	a.mu.Lock()
	defer a.mu.Unlock()

	if m.closed || a.closed {
		return nil
	}
	m.closed = true

	m.b.space.Free(m.offset, uint64(len(m.Mem)))
	if m.b.space.Used() == 0 {
		return a.releaseBlock(m.b)
	}
	return nil
}
