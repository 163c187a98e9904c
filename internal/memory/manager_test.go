package memory

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/hvtest"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv/memblock"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/tracking"
)

const (
	testBackingSize = 4 << 20
	testSpaceSize   = 1 << 32
)

func newTestManager(t *testing.T, opts Options) (*hvtest.Hypervisor, *Manager) {
	t.Helper()
	host := hvtest.New(hvtest.Options{})
	alloc := memblock.NewAllocator(host, hv.NewIPAAllocator(0x1000_0000, 0x1000_0000), 1<<20)
	backing, err := alloc.Allocate(testBackingSize, hv.PermReadWriteExecute)
	if err != nil {
		t.Fatalf("allocate backing: %v", err)
	}
	m, err := New(alloc, backing, testSpaceSize, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
		if err := alloc.Close(); err != nil {
			t.Errorf("allocator Close: %v", err)
		}
	})
	return host, m
}

func (m *Manager) pageStates(va uint64, pages int) []uint64 {
	out := make([]uint64, pages)
	for i := range out {
		out[i] = m.states.state(va>>hv.PageBits + uint64(i))
	}
	return out
}

type countingSink struct {
	mu     sync.Mutex
	events []bool
}

func (c *countingSink) VirtualMemoryEvent(va, size uint64, write, precise bool, exemptID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, write)
	return true
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestAddressSpaceSizing(t *testing.T) {
	_, m := newTestManager(t, Options{})
	if m.AddressSpaceBits() != 32 {
		t.Fatalf("AddressSpaceBits = %d, want 32", m.AddressSpaceBits())
	}
	if got, want := len(m.states.words), 1<<(32-hv.PageBits-pageToWordShift); got != want {
		t.Fatalf("bitmap words = %d, want %d", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		maps   [][3]uint64 // va, pa, size
		va     uint64
		length int
	}{
		{"single page", [][3]uint64{{0x1000, 0x4000, hv.PageSize}}, 0x1000, hv.PageSize},
		{"unaligned inside page", [][3]uint64{{0x1000, 0x4000, hv.PageSize}}, 0x1234, 100},
		{"crosses pages", [][3]uint64{{0x10_0000, 0x8000, 4 * hv.PageSize}}, 0x10_0ff0, 3 * hv.PageSize},
		{"discontiguous", [][3]uint64{
			{0x20_0000, 0x3000, hv.PageSize},
			{0x20_1000, 0x1000, hv.PageSize},
		}, 0x20_0800, hv.PageSize},
		{"2MiB block", [][3]uint64{{0x40_0000, 0x20_0000, 2 << 20}}, 0x40_0000, 2 << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, m := newTestManager(t, Options{})
			for _, mp := range tt.maps {
				if err := m.Map(mp[0], mp[1], mp[2]); err != nil {
					t.Fatalf("Map: %v", err)
				}
			}

			data := make([]byte, tt.length)
			for i := range data {
				data[i] = byte(i*7 + 3)
			}
			if err := m.Write(tt.va, data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got := make([]byte, tt.length)
			if err := m.Read(tt.va, got); err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatalf("read back differs from written data")
			}

			// The guest sees the same bytes through the page tables.
			tr, ok := host.Walk(m.AddressSpace().User.RootIPA(), tt.va)
			if !ok {
				t.Fatalf("guest walk of 0x%x failed", tt.va)
			}
			var b [1]byte
			if !host.ReadIPA(tr.IPA, b[:]) || b[0] != data[0] {
				t.Fatalf("guest view at IPA 0x%x = 0x%02x, want 0x%02x", tr.IPA, b[0], data[0])
			}
			if tr.EL0Permission() != hv.PermReadWriteExecute {
				t.Fatalf("guest permission %s, want rwx", tr.EL0Permission())
			}
		})
	}
}

func TestUnmapClearsState(t *testing.T) {
	host, m := newTestManager(t, Options{})
	const va = 0x30_0000
	if err := m.Map(va, 0, 8*hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	var unmapped [][2]uint64
	m.OnUnmap(func(va, size uint64) { unmapped = append(unmapped, [2]uint64{va, size}) })

	if err := m.Unmap(va+2*hv.PageSize, 4*hv.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if diff := cmp.Diff([][2]uint64{{va + 2*hv.PageSize, 4 * hv.PageSize}}, unmapped); diff != "" {
		t.Fatalf("unmap events (-want +got):\n%s", diff)
	}

	if m.IsRangeMapped(va, 8*hv.PageSize) {
		t.Fatalf("range still mapped")
	}
	if !m.IsRangeMapped(va, 2*hv.PageSize) || !m.IsRangeMapped(va+6*hv.PageSize, 2*hv.PageSize) {
		t.Fatalf("pages outside the unmapped range lost their mapping")
	}
	want := []uint64{1, 1, 0, 0, 0, 0, 1, 1}
	if diff := cmp.Diff(want, m.pageStates(va, 8)); diff != "" {
		t.Fatalf("page states (-want +got):\n%s", diff)
	}

	buf := make([]byte, 16)
	if err := m.Read(va+3*hv.PageSize, buf); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("Read of unmapped page: %v, want ErrInvalidRegion", err)
	}
	if err := m.Write(va+2*hv.PageSize-8, buf); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("Write straddling into unmapped page: %v, want ErrInvalidRegion", err)
	}
	if _, ok := host.Walk(m.AddressSpace().User.RootIPA(), va+3*hv.PageSize); ok {
		t.Fatalf("guest walk of unmapped page succeeded")
	}
}

func TestOutOfAddressSpace(t *testing.T) {
	_, m := newTestManager(t, Options{})

	if err := m.Map(testSpaceSize-hv.PageSize, 0, 2*hv.PageSize); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("Map past the end: %v, want ErrInvalidRegion", err)
	}
	if err := m.Map(0, testBackingSize, hv.PageSize); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("Map past the backing memory: %v, want ErrInvalidRegion", err)
	}
	if m.IsMapped(testSpaceSize) || m.IsRangeMapped(^uint64(0)-10, 20) {
		t.Fatalf("addresses outside the address space reported mapped")
	}
	if err := m.Read(^uint64(0)-3, make([]byte, 8)); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("wrapping Read: %v, want ErrInvalidRegion", err)
	}
}

func TestInvalidAccessHandler(t *testing.T) {
	var seen []uint64
	_, m := newTestManager(t, Options{InvalidAccess: func(va uint64) bool {
		seen = append(seen, va)
		return va < 0x1_0000
	}})

	buf := []byte{1, 2, 3, 4}
	if err := m.ReadTracked(0x2000, buf); err != nil {
		t.Fatalf("tolerated ReadTracked: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 4)) {
		t.Fatalf("tolerated read left %v, want zeroes", buf)
	}
	if err := m.Write(0x3000, buf); err != nil {
		t.Fatalf("tolerated Write: %v", err)
	}
	if err := m.Read(0x2_0000, buf); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("rejected Read: %v, want ErrInvalidRegion", err)
	}
	if diff := cmp.Diff([]uint64{0x2000, 0x3000, 0x2_0000}, seen); diff != "" {
		t.Fatalf("handler calls (-want +got):\n%s", diff)
	}
}

func TestTrackingReprotectNextToUnmappedPage(t *testing.T) {
	_, m := newTestManager(t, Options{})
	if err := m.Map(hv.PageSize, 0x1000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.TrackingReprotect(0, 2*hv.PageSize, hv.PermRead); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}

	if diff := cmp.Diff([]uint64{stateUnmapped, stateWriteTracked}, m.pageStates(0, 2)); diff != "" {
		t.Fatalf("page states (-want +got):\n%s", diff)
	}
	if m.IsMapped(0) {
		t.Fatalf("IsMapped(0) = true for a page that was never mapped")
	}
	if err := m.Write(0x10, []byte{0xAA}); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("Write to unmapped page: %v, want ErrInvalidRegion", err)
	}
	if got := m.Backing().Mem[0x10]; got != 0 {
		t.Fatalf("write to unmapped page reached backing memory: %#x", got)
	}
}

func TestTolerantAccessorsReturnDefaults(t *testing.T) {
	_, m := newTestManager(t, Options{InvalidAccess: func(va uint64) bool { return true }})
	const va = 0x70_0000

	for _, tracked := range []bool{false, true} {
		span, err := m.GetSpan(va, 16, tracked)
		if err != nil {
			t.Fatalf("GetSpan(tracked=%v): %v", tracked, err)
		}
		if !bytes.Equal(span, make([]byte, 16)) {
			t.Fatalf("GetSpan(tracked=%v) = %v, want 16 zero bytes", tracked, span)
		}

		r, err := m.GetWritableRegion(va, 16, tracked)
		if err != nil {
			t.Fatalf("GetWritableRegion(tracked=%v): %v", tracked, err)
		}
		if r == nil || len(r.Data) != 16 {
			t.Fatalf("GetWritableRegion(tracked=%v) = %+v, want a 16 byte region", tracked, r)
		}
		r.Data[0] = 0xFF
		if err := r.Close(); err != nil {
			t.Fatalf("Close of a tolerated region: %v", err)
		}
	}

	type header struct{ Magic, Size uint32 }
	h, err := GetRef[header](m, va)
	if err != nil {
		t.Fatalf("GetRef: %v", err)
	}
	if *h != (header{}) {
		t.Fatalf("GetRef of an invalid address = %+v, want zero", *h)
	}
}

func TestReprotectIdempotent(t *testing.T) {
	_, m := newTestManager(t, Options{})
	const va, size = 0x50_0000, 4 * hv.PageSize
	if err := m.Map(va, 0x1_0000, size); err != nil {
		t.Fatalf("Map: %v", err)
	}

	steps := []struct {
		name    string
		apply   func() error
		rewrite uint64
	}{
		{"drop execute", func() error { return m.Reprotect(va, size, hv.PermReadWrite) }, 4},
		{"drop execute again", func() error { return m.Reprotect(va, size, hv.PermReadWrite) }, 0},
		{"write track", func() error { return m.TrackingReprotect(va, size, hv.PermRead) }, 4},
		{"write track again", func() error { return m.TrackingReprotect(va, size, hv.PermRead) }, 0},
		{"grant execute", func() error { return m.Reprotect(va, size, hv.PermReadExecute) }, 4},
		{"grant execute again", func() error { return m.Reprotect(va, size, hv.PermReadExecute) }, 0},
	}

	var states []uint64
	for _, step := range steps {
		before := m.Stats().Rewrites
		if err := step.apply(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := m.Stats().Rewrites - before; got != step.rewrite {
			t.Fatalf("%s: %d descriptor rewrites, want %d", step.name, got, step.rewrite)
		}

		now := m.pageStates(va, 4)
		if states != nil && step.rewrite == 0 {
			if diff := cmp.Diff(states, now); diff != "" {
				t.Fatalf("%s changed page states (-before +after):\n%s", step.name, diff)
			}
		}
		states = now
	}
	if diff := cmp.Diff([]uint64{2, 2, 2, 2}, states); diff != "" {
		t.Fatalf("final states (-want +got):\n%s", diff)
	}
}

func TestConcurrentDisjointMutation(t *testing.T) {
	_, m := newTestManager(t, Options{})

	// Ranges of five pages so neighbours share bitmap words.
	const (
		workers = 8
		pages   = 5
		ops     = 200
	)

	var g errgroup.Group
	want := make([][]uint64, workers)
	for w := 0; w < workers; w++ {
		want[w] = make([]uint64, pages)
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(w), 1))
			model := want[w]
			for i := 0; i < ops; i++ {
				first := rng.IntN(pages)
				n := 1 + rng.IntN(pages-first)
				page := uint64(w*pages + first)
				va := page << hv.PageBits
				size := uint64(n) << hv.PageBits

				var err error
				switch rng.IntN(5) {
				case 0:
					// Pages without handles come back untracked.
					err = m.Map(va, va, size)
					for j := first; j < first+n; j++ {
						model[j] = stateMapped
					}
				case 1:
					err = m.Unmap(va, size)
					for j := first; j < first+n; j++ {
						model[j] = stateUnmapped
					}
				default:
					perm := []hv.MemoryPermission{hv.PermReadWrite, hv.PermRead, hv.PermNone}[rng.IntN(3)]
					tag := map[hv.MemoryPermission]uint64{
						hv.PermReadWrite: stateMapped,
						hv.PermRead:      stateWriteTracked,
						hv.PermNone:      stateReadWriteTracked,
					}[perm]
					err = m.TrackingReprotect(va, size, perm)
					for j := first; j < first+n; j++ {
						if model[j] != stateUnmapped {
							model[j] = tag
						}
					}
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("mutation failed: %v", err)
	}

	for w := 0; w < workers; w++ {
		got := m.pageStates(uint64(w*pages)<<hv.PageBits, pages)
		if diff := cmp.Diff(want[w], got); diff != "" {
			t.Errorf("worker %d page states (-want +got):\n%s", w, diff)
		}
	}
}

func TestTrackingOrder(t *testing.T) {
	_, m := newTestManager(t, Options{})
	sink := &countingSink{}
	m.events = sink

	const va = 0x7000
	if err := m.Map(va, 0x7000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Write(va, bytes.Repeat([]byte{0xAA}, hv.PageSize)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, hv.PageSize)
	if err := m.Read(va, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xAA}, hv.PageSize)) {
		t.Fatalf("read back differs")
	}
	if sink.count() != 0 {
		t.Fatalf("untracked page signalled %d times", sink.count())
	}

	signal := func(write bool) int {
		t.Helper()
		before := sink.count()
		if err := m.SignalMemoryTracking(va, hv.PageSize, write, false, tracking.NoExemption); err != nil {
			t.Fatalf("SignalMemoryTracking: %v", err)
		}
		return sink.count() - before
	}

	if err := m.TrackingReprotect(va, hv.PageSize, hv.PermNone); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}
	if n := signal(true); n != 1 {
		t.Fatalf("write to read/write tracked page fired %d times", n)
	}
	if n := signal(false); n != 1 {
		t.Fatalf("read of read/write tracked page fired %d times", n)
	}

	if err := m.TrackingReprotect(va, hv.PageSize, hv.PermRead); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}
	if n := signal(false); n != 0 {
		t.Fatalf("read of write tracked page fired %d times", n)
	}
	if n := signal(true); n != 1 {
		t.Fatalf("write to write tracked page fired %d times", n)
	}

	if err := m.TrackingReprotect(va, hv.PageSize, hv.PermReadWrite); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}
	if n := signal(true) + signal(false); n != 0 {
		t.Fatalf("untracked page fired %d times", n)
	}
}

func TestTrackingOrderMultiPage(t *testing.T) {
	_, m := newTestManager(t, Options{})
	sink := &countingSink{}
	m.events = sink

	// Straddle a bitmap word boundary.
	const va = 30 << hv.PageBits
	if err := m.Map(va, 0, 4*hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	check := func(write bool, want int) {
		t.Helper()
		before := sink.count()
		if err := m.SignalMemoryTracking(va+8, 4*hv.PageSize-16, write, false, tracking.NoExemption); err != nil {
			t.Fatalf("SignalMemoryTracking: %v", err)
		}
		if got := sink.count() - before; got != want {
			t.Fatalf("write=%v fired %d times, want %d", write, got, want)
		}
	}

	check(true, 0)
	check(false, 0)

	if err := m.TrackingReprotect(va+2*hv.PageSize, hv.PageSize, hv.PermRead); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}
	check(false, 0)
	check(true, 1)

	if err := m.TrackingReprotect(va+3*hv.PageSize, hv.PageSize, hv.PermNone); err != nil {
		t.Fatalf("TrackingReprotect: %v", err)
	}
	check(false, 1)

	if err := m.Unmap(va+hv.PageSize, hv.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := m.SignalMemoryTracking(va, 2*hv.PageSize, false, false, tracking.NoExemption); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("signal over unmapped page: %v, want ErrInvalidRegion", err)
	}
}

func TestTrackingHandles(t *testing.T) {
	host, m := newTestManager(t, Options{})
	const va = 0x9_0000
	if err := m.Map(va, 0x9_0000, 2*hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	h := m.BeginTracking(va, 2*hv.PageSize, 1)
	h.Reprotect(false)

	if diff := cmp.Diff([]uint64{stateWriteTracked, stateWriteTracked}, m.pageStates(va, 2)); diff != "" {
		t.Fatalf("states after protect (-want +got):\n%s", diff)
	}
	tr, _ := host.Walk(m.AddressSpace().User.RootIPA(), va)
	if got := tr.EL0Permission(); got != hv.PermReadExecute {
		t.Fatalf("guest permission of clean page = %s, want r-x", got)
	}

	if err := m.Read(va, make([]byte, 8)); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if h.Dirty() {
		t.Fatalf("read dirtied the handle")
	}
	if err := m.Write(va+hv.PageSize, []byte{1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !h.Dirty() {
		t.Fatalf("write did not dirty the handle")
	}
	if diff := cmp.Diff([]uint64{stateMapped, stateMapped}, m.pageStates(va, 2)); diff != "" {
		t.Fatalf("states after write (-want +got):\n%s", diff)
	}

	// A guest fault takes the same path.
	h.Reprotect(false)
	if !m.HandleFault(va+4, 4, true) || !h.Dirty() {
		t.Fatalf("fault on tracked page not resolved")
	}
	if m.HandleFault(0x100_0000, 4, false) {
		t.Fatalf("fault on unmapped page resolved")
	}
}

func TestCodePatchOnExecute(t *testing.T) {
	_, m := newTestManager(t, Options{})
	const va = 0xA_0000
	if err := m.Map(va, 0xA_0000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	code := []uint32{
		0xC85F7C20, // ldxr x0, [x1]
		0xC8027C20, // stxr w2, x0, [x1]
		0xD503201F, // nop
		0xC85FFC20, // ldaxr x0, [x1]
	}
	buf := make([]byte, 4*len(code))
	for i, insn := range code {
		binary.LittleEndian.PutUint32(buf[4*i:], insn)
	}
	if err := m.Write(va, buf); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := m.Reprotect(va, hv.PageSize, hv.PermReadExecute); err != nil {
		t.Fatalf("Reprotect: %v", err)
	}
	if err := m.Read(va, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := make([]uint32, len(code))
	for i := range got {
		got[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	want := []uint32{0xC85FFC20, 0xC802FC20, 0xD503201F, 0xC85FFC20}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("patched code (-want +got):\n%s", diff)
	}
}

func TestPhysicalRegions(t *testing.T) {
	_, m := newTestManager(t, Options{})
	const va = 0x20_0000
	for _, mp := range [][3]uint64{
		{va, 0x4000, 2 * hv.PageSize},
		{va + 2*hv.PageSize, 0x1000, hv.PageSize},
		{va + 3*hv.PageSize, 0x2000, hv.PageSize},
	} {
		if err := m.Map(mp[0], mp[1], mp[2]); err != nil {
			t.Fatalf("Map: %v", err)
		}
	}

	regions, err := m.GetPhysicalRegions(va+0x10, 4*hv.PageSize-0x20)
	if err != nil {
		t.Fatalf("GetPhysicalRegions: %v", err)
	}
	want := []Range{{0x4000, 2 * hv.PageSize}, {0x1000, 2 * hv.PageSize}}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Fatalf("regions (-want +got):\n%s", diff)
	}

	host, err := m.GetHostRegions(va, 4*hv.PageSize)
	if err != nil {
		t.Fatalf("GetHostRegions: %v", err)
	}
	if len(host) != 2 || &host[1][0] != &m.Backing().Mem[0x1000] {
		t.Fatalf("host regions do not alias backing memory")
	}

	if _, err := m.GetPhysicalRegions(va+4*hv.PageSize, hv.PageSize); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("regions of unmapped page: %v, want ErrInvalidRegion", err)
	}
}

func TestWritableRegion(t *testing.T) {
	_, m := newTestManager(t, Options{})
	const va = 0x40_0000
	if err := m.Map(va, 0x3000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.Map(va+hv.PageSize, 0x1000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	// Contiguous regions alias guest memory.
	r, err := m.GetWritableRegion(va+8, 8, false)
	if err != nil {
		t.Fatalf("GetWritableRegion: %v", err)
	}
	r.Data[0] = 0x11
	if m.Backing().Mem[0x3008] != 0x11 {
		t.Fatalf("contiguous region is not aliased")
	}

	// Others are copies written back on Close.
	r, err = m.GetWritableRegion(va+hv.PageSize-4, 8, true)
	if err != nil {
		t.Fatalf("GetWritableRegion: %v", err)
	}
	copy(r.Data, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	if m.Backing().Mem[0x1000] != 0 {
		t.Fatalf("copied region written before Close")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := make([]byte, 8)
	if err := m.Read(va+hv.PageSize-4, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatalf("written back %v", got)
	}

	changed, err := m.WriteWithRedundancyCheck(va, []byte{0xAB, 0xCD})
	if err != nil || !changed {
		t.Fatalf("WriteWithRedundancyCheck = %v, %v; want change", changed, err)
	}
	changed, err = m.WriteWithRedundancyCheck(va, []byte{0xAB, 0xCD})
	if err != nil || changed {
		t.Fatalf("WriteWithRedundancyCheck = %v, %v; want no change", changed, err)
	}
}

func TestGetRef(t *testing.T) {
	_, m := newTestManager(t, Options{})
	const va = 0x60_0000
	if err := m.Map(va, 0x6000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}

	type pair struct{ A, B uint32 }
	p, err := GetRef[pair](m, va+16)
	if err != nil {
		t.Fatalf("GetRef: %v", err)
	}
	p.A, p.B = 0x11223344, 0x55667788

	buf := make([]byte, 8)
	if err := m.Read(va+16, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if binary.LittleEndian.Uint32(buf) != 0x11223344 || binary.LittleEndian.Uint32(buf[4:]) != 0x55667788 {
		t.Fatalf("reference does not alias guest memory: % x", buf)
	}

	if err := m.Map(va+hv.PageSize, 0x1000, hv.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if _, err := GetRef[pair](m, va+hv.PageSize-4); !errors.Is(err, ErrNotContiguous) {
		t.Fatalf("straddling GetRef: %v, want ErrNotContiguous", err)
	}

	type named struct {
		ID   uint32
		Name string
	}
	if _, err := GetRef[named](m, va); !errors.Is(err, ErrNotPlainData) {
		t.Fatalf("GetRef of a type with a string: %v, want ErrNotPlainData", err)
	}
	if _, err := GetRef[[4]*uint32](m, va); !errors.Is(err, ErrNotPlainData) {
		t.Fatalf("GetRef of a pointer array: %v, want ErrNotPlainData", err)
	}
	if _, err := GetRef[pair](m, 0x7F_0000); !errors.Is(err, hv.ErrInvalidRegion) {
		t.Fatalf("GetRef of an unmapped page: %v, want ErrInvalidRegion", err)
	}
}
