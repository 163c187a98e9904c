package memory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBlockRange(t *testing.T) {
	tests := []struct {
		name               string
		start, end         uint64
		startMask, endMask uint64
		idx, endIdx        uint64
	}{
		{"whole word", 0, 32, ^uint64(0), ^uint64(0), 0, 0},
		{"first page", 0, 1, ^uint64(0), 0b11, 0, 0},
		{"tail of word", 30, 32, 0xF000_0000_0000_0000, ^uint64(0), 0, 0},
		{"across words", 30, 34, 0xF000_0000_0000_0000, 0b1111, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			startMask, endMask, idx, endIdx := blockRange(tt.start, tt.end)
			got := []uint64{startMask, endMask, idx, endIdx}
			want := []uint64{tt.startMask, tt.endMask, tt.idx, tt.endIdx}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("blockRange(%d, %d) (-want +got):\n%s", tt.start, tt.end, diff)
			}
		})
	}
}

func TestBitmapStates(t *testing.T) {
	b := newBitmap(128)

	b.add(0, 32)
	if b.words[0] != mappedReplicated || b.words[1] != 0 {
		t.Fatalf("add(0, 32) = %#x %#x", b.words[0], b.words[1])
	}
	if !b.isRangeMapped(0, 32) || b.isRangeMapped(0, 33) {
		t.Fatalf("isRangeMapped disagrees with add")
	}

	b.setTracking(30, 34, stateReadWriteTracked)
	if b.state(29) != stateMapped || b.state(30) != stateReadWriteTracked || b.state(31) != stateReadWriteTracked {
		t.Fatalf("tracking of mapped pages not applied")
	}
	if b.state(32) != stateUnmapped {
		t.Fatalf("tracking mapped an unmapped page")
	}

	// Adding again keeps the tracked state.
	b.add(28, 36)
	want := []uint64{1, 1, 3, 3, 1, 1, 1, 1}
	got := make([]uint64, 8)
	for i := range got {
		got[i] = b.state(28 + uint64(i))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}

	b.remove(31, 33)
	if b.state(30) != stateReadWriteTracked || b.state(31) != 0 || b.state(32) != 0 || b.state(33) != stateMapped {
		t.Fatalf("remove touched the wrong pages")
	}
}

func TestSetTrackingKeepsUnmappedNeighbours(t *testing.T) {
	tests := []struct {
		name        string
		add, remove [2]uint64
		want        []uint64
	}{
		{"unmapped below mapped", [2]uint64{1, 2}, [2]uint64{}, []uint64{0, 2, 0}},
		{"unmapped above mapped", [2]uint64{0, 1}, [2]uint64{}, []uint64{2, 0, 0}},
		{"hole between mapped pages", [2]uint64{0, 3}, [2]uint64{1, 2}, []uint64{2, 0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBitmap(64)
			b.add(tt.add[0], tt.add[1])
			if tt.remove[1] > tt.remove[0] {
				b.remove(tt.remove[0], tt.remove[1])
			}
			b.setTracking(0, 3, stateWriteTracked)

			got := []uint64{b.state(0), b.state(1), b.state(2)}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("states (-want +got):\n%s", diff)
			}
		})
	}

	// A full word with every other page mapped.
	b := newBitmap(64)
	for page := uint64(1); page < 32; page += 2 {
		b.add(page, page+1)
	}
	b.setTracking(0, 32, stateReadWriteTracked)
	for page := uint64(0); page < 32; page++ {
		want := uint64(stateUnmapped)
		if page%2 == 1 {
			want = stateReadWriteTracked
		}
		if got := b.state(page); got != want {
			t.Fatalf("page %d state = %d, want %d", page, got, want)
		}
	}
}

func TestNeedsSignal(t *testing.T) {
	b := newBitmap(64)
	b.add(0, 8)
	b.setTracking(3, 4, stateWriteTracked)

	tests := []struct {
		name           string
		start, end     uint64
		write          bool
		signal, mapped bool
	}{
		{"single mapped read", 0, 1, false, false, true},
		{"single write tracked write", 3, 4, true, true, true},
		{"single write tracked read", 3, 4, false, false, true},
		{"range write", 0, 8, true, true, true},
		{"range read", 0, 8, false, false, true},
		{"unmapped", 7, 9, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signal, mapped := b.needsSignal(tt.start, tt.end, tt.write)
			if signal != tt.signal || mapped != tt.mapped {
				t.Fatalf("needsSignal = %v, %v; want %v, %v", signal, mapped, tt.signal, tt.mapped)
			}
		})
	}
}

func TestRewriteUnorderedExclusives(t *testing.T) {
	tests := []struct {
		name string
		in   uint32
		want uint32
	}{
		{"ldxr", 0xC85F7C20, 0xC85FFC20},
		{"ldxrb", 0x085F7C20, 0x085FFC20},
		{"stxr", 0xC8027C20, 0xC802FC20},
		{"ldxp", 0xC87F0C20, 0xC87F8C20},
		{"ldaxr unchanged", 0xC85FFC20, 0xC85FFC20},
		{"nop unchanged", 0xD503201F, 0xD503201F},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code := []byte{byte(tt.in), byte(tt.in >> 8), byte(tt.in >> 16), byte(tt.in >> 24)}
			rewriteUnorderedExclusives(code)
			got := uint32(code[0]) | uint32(code[1])<<8 | uint32(code[2])<<16 | uint32(code[3])<<24
			if got != tt.want {
				t.Fatalf("rewrite(%#08x) = %#08x, want %#08x", tt.in, got, tt.want)
			}
		})
	}
}
