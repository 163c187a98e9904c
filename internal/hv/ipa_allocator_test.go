package hv

import (
	"errors"
	"testing"
)

func TestIPAAllocatorFirstFit(t *testing.T) {
	a := NewIPAAllocator(0x4000_0000, 0x10_0000)

	tests := []struct {
		size, align uint64
		want        uint64
	}{
		{0x1000, 0x1000, 0x4000_0000},
		{0x1000, 0x1000, 0x4000_1000},
		{0x2000, 0x4000, 0x4000_4000},
		{0x1000, 0x1000, 0x4000_2000},
	}
	for i, tt := range tests {
		got, err := a.Allocate(tt.size, tt.align)
		if err != nil {
			t.Fatalf("%d: Allocate(0x%x, 0x%x): %v", i, tt.size, tt.align, err)
		}
		if got != tt.want {
			t.Fatalf("%d: Allocate(0x%x, 0x%x) = 0x%x, want 0x%x", i, tt.size, tt.align, got, tt.want)
		}
	}
	if a.Used() != 0x5000 {
		t.Fatalf("Used = 0x%x, want 0x5000", a.Used())
	}
}

func TestIPAAllocatorCoalesces(t *testing.T) {
	a := NewIPAAllocator(0, 0x4000)

	var offs []uint64
	for i := 0; i < 4; i++ {
		off, err := a.Allocate(0x1000, 0)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		offs = append(offs, off)
	}
	if a.FreeRuns() != 0 {
		t.Fatalf("expected no free runs, got %d", a.FreeRuns())
	}

	a.Free(offs[0], 0x1000)
	a.Free(offs[2], 0x1000)
	if a.FreeRuns() != 2 {
		t.Fatalf("expected 2 free runs, got %d", a.FreeRuns())
	}
	a.Free(offs[1], 0x1000)
	if a.FreeRuns() != 1 {
		t.Fatalf("expected neighbours to coalesce, got %d runs", a.FreeRuns())
	}
	a.Free(offs[3], 0x1000)
	if a.FreeRuns() != 1 || a.Used() != 0 {
		t.Fatalf("expected one run and nothing used, got %d runs / 0x%x used", a.FreeRuns(), a.Used())
	}

	off, err := a.Allocate(0x4000, 0)
	if err != nil || off != 0 {
		t.Fatalf("Allocate whole range = 0x%x, %v", off, err)
	}
}

func TestIPAAllocatorExhausted(t *testing.T) {
	a := NewIPAAllocator(0, 0x2000)

	if _, err := a.Allocate(0x2000, 0); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	_, err := a.Allocate(0x1000, 0x1000)
	if !errors.Is(err, ErrOutOfAddressSpace) {
		t.Fatalf("expected ErrOutOfAddressSpace, got %v", err)
	}
	var allocErr *AllocError
	if !errors.As(err, &allocErr) || allocErr.Size != 0x1000 {
		t.Fatalf("expected AllocError with size, got %#v", err)
	}
}

func TestIPAAllocatorInvalid(t *testing.T) {
	a := NewIPAAllocator(0, 0x2000)

	if _, err := a.Allocate(0, 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
	if _, err := a.Allocate(0x1000, 0x3000); err == nil {
		t.Fatalf("expected error for non power of 2 alignment")
	}
}

func TestIPAAllocatorDoubleFreePanics(t *testing.T) {
	a := NewIPAAllocator(0, 0x4000)
	off, err := a.Allocate(0x1000, 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.Free(off, 0x1000)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	a.Free(off, 0x1000)
}
