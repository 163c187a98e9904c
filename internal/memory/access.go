package memory

import (
	"bytes"
	"fmt"
	"reflect"
	"unsafe"

	"github.com/ryujinx-mirror/ryujinx-sub040/internal/hv"
	"github.com/ryujinx-mirror/ryujinx-sub040/internal/tracking"
)

// physical returns the backing offset of va without checking that it is
// mapped.
func (m *Manager) physical(va uint64) uint64 { return m.pages.get(va) }

func (m *Manager) physicalChecked(va uint64) (uint64, error) {
	if !m.IsMapped(va) {
		return 0, &hv.RegionError{VA: va, Size: 1, Reason: "not mapped"}
	}
	return m.physical(va), nil
}

// contiguous reports whether [va, va+size) is backed by one run of backing
// memory. Unmapped pages are not checked.
func (m *Manager) contiguous(va, size uint64) bool {
	if m.checkRange(va, size) != nil {
		return false
	}
	start, end := pageSpan(va, size)
	page := start << hv.PageBits
	for i := start; i+1 < end; i++ {
		if m.physical(page)+hv.PageSize != m.physical(page+hv.PageSize) {
			return false
		}
		page += hv.PageSize
	}
	return true
}

func (m *Manager) contiguousAndMapped(va, size uint64) bool {
	return m.contiguous(va, size) && m.IsRangeMapped(va, size)
}

func (m *Manager) backingSlice(pa, size uint64) []byte {
	return m.backing.Mem[pa : pa+size : pa+size]
}

func (m *Manager) read(va uint64, data []byte) error {
	size := uint64(len(data))
	if size == 0 {
		return nil
	}
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if m.contiguousAndMapped(va, size) {
		copy(data, m.backingSlice(m.physical(va), size))
		return nil
	}

	for off := uint64(0); off < size; {
		cur := va + off
		pa, err := m.physicalChecked(cur)
		if err != nil {
			return err
		}
		n := min(size-off, hv.PageSize-cur&hv.PageMask)
		copy(data[off:off+n], m.backingSlice(pa, n))
		off += n
	}
	return nil
}

func (m *Manager) write(va uint64, data []byte) error {
	size := uint64(len(data))
	if err := m.checkRange(va, size); err != nil {
		return err
	}
	if m.contiguousAndMapped(va, size) {
		copy(m.backingSlice(m.physical(va), size), data)
		return nil
	}

	for off := uint64(0); off < size; {
		cur := va + off
		pa, err := m.physicalChecked(cur)
		if err != nil {
			return err
		}
		n := min(size-off, hv.PageSize-cur&hv.PageMask)
		copy(m.backingSlice(pa, n), data[off:off+n])
		off += n
	}
	return nil
}

// Read copies guest memory at va into data without signalling tracking.
func (m *Manager) Read(va uint64, data []byte) error {
	return m.recoverInvalid(va, m.read(va, data))
}

// ReadTracked signals a read of the range before copying it into data. A
// tolerated invalid access leaves data zeroed.
func (m *Manager) ReadTracked(va uint64, data []byte) error {
	err := m.SignalMemoryTracking(va, uint64(len(data)), false, false, tracking.NoExemption)
	if err == nil {
		err = m.read(va, data)
	}
	if err != nil {
		if m.recoverInvalid(va, err) == nil {
			clear(data)
			return nil
		}
		return err
	}
	return nil
}

// Write signals a write of the range and copies data to guest memory at va.
func (m *Manager) Write(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := m.SignalMemoryTracking(va, uint64(len(data)), true, false, tracking.NoExemption); err != nil {
		return m.recoverInvalid(va, err)
	}
	return m.recoverInvalid(va, m.write(va, data))
}

// WriteUntracked copies data to guest memory without signalling tracking.
func (m *Manager) WriteUntracked(va uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return m.recoverInvalid(va, m.write(va, data))
}

// WriteWithRedundancyCheck writes data only if it differs from guest memory
// and reports whether memory changed. Non-contiguous ranges are always
// written and reported as changed.
func (m *Manager) WriteWithRedundancyCheck(va uint64, data []byte) (bool, error) {
	size := uint64(len(data))
	if size == 0 {
		return false, nil
	}
	if err := m.SignalMemoryTracking(va, size, false, false, tracking.NoExemption); err != nil {
		return false, m.recoverInvalid(va, err)
	}

	if m.contiguousAndMapped(va, size) {
		target := m.backingSlice(m.physical(va), size)
		if bytes.Equal(target, data) {
			return false, nil
		}
		copy(target, data)
		return true, nil
	}
	return true, m.recoverInvalid(va, m.write(va, data))
}

// GetSpan returns size bytes of guest memory at va. Contiguous ranges alias
// guest memory; others are copies. With tracked the read is signalled. A
// tolerated invalid access yields size zero bytes.
func (m *Manager) GetSpan(va, size uint64, tracked bool) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if tracked {
		if err := m.SignalMemoryTracking(va, size, false, false, tracking.NoExemption); err != nil {
			if err := m.recoverInvalid(va, err); err != nil {
				return nil, err
			}
			return make([]byte, size), nil
		}
	}
	if m.contiguousAndMapped(va, size) {
		return m.backingSlice(m.physical(va), size), nil
	}
	data := make([]byte, size)
	if err := m.read(va, data); err != nil {
		if err := m.recoverInvalid(va, err); err != nil {
			return nil, err
		}
		clear(data)
	}
	return data, nil
}

// WritableRegion is a writable view of guest memory. Data aliases guest
// memory when the range is contiguous; otherwise it is a copy written back by
// Close.
type WritableRegion struct {
	VA   uint64
	Data []byte

	m *Manager
}

func (r *WritableRegion) Close() error {
	if r.m == nil {
		return nil
	}
	m := r.m
	r.m = nil
	return m.WriteUntracked(r.VA, r.Data)
}

// GetWritableRegion returns a writable view of size bytes at va. With tracked
// the write is signalled up front. A tolerated invalid access yields a zeroed
// region whose writes are dropped.
func (m *Manager) GetWritableRegion(va, size uint64, tracked bool) (*WritableRegion, error) {
	if size == 0 {
		return &WritableRegion{VA: va}, nil
	}
	discarded := func(err error) (*WritableRegion, error) {
		if err := m.recoverInvalid(va, err); err != nil {
			return nil, err
		}
		return &WritableRegion{VA: va, Data: make([]byte, size)}, nil
	}
	if tracked {
		if err := m.SignalMemoryTracking(va, size, true, false, tracking.NoExemption); err != nil {
			return discarded(err)
		}
	}
	if m.contiguousAndMapped(va, size) {
		return &WritableRegion{VA: va, Data: m.backingSlice(m.physical(va), size)}, nil
	}
	data := make([]byte, size)
	if err := m.read(va, data); err != nil {
		return discarded(err)
	}
	return &WritableRegion{VA: va, Data: data, m: m}, nil
}

// GetRef returns a pointer to the T stored at va in guest memory. T must be
// plain data: guest memory is invisible to the garbage collector, so types
// holding pointers, slices, strings, maps, channels, funcs or interfaces are
// rejected with ErrNotPlainData. The value must not straddle non-contiguous
// pages. The access is signalled as a write. A tolerated invalid access
// yields a pointer to a detached zero T.
func GetRef[T any](m *Manager, va uint64) (*T, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if !plainData(typ) {
		return nil, fmt.Errorf("%w: %s", ErrNotPlainData, typ)
	}
	size := uint64(typ.Size())

	if err := m.SignalMemoryTracking(va, size, true, false, tracking.NoExemption); err != nil {
		if err := m.recoverInvalid(va, err); err != nil {
			return nil, err
		}
		return new(T), nil
	}
	pa, err := m.physicalChecked(va)
	if err != nil {
		if err := m.recoverInvalid(va, err); err != nil {
			return nil, err
		}
		return new(T), nil
	}
	if !m.contiguous(va, size) {
		return nil, fmt.Errorf("%w: va=0x%x size=0x%x", ErrNotContiguous, va, size)
	}
	return (*T)(unsafe.Pointer(&m.backing.Mem[pa])), nil
}

func plainData(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return plainData(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !plainData(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// GetPhysicalRegions returns the runs of backing memory that back
// [va, va+size), in order.
func (m *Manager) GetPhysicalRegions(va, size uint64) ([]Range, error) {
	if size == 0 {
		return nil, nil
	}
	if err := m.checkRange(va, size); err != nil {
		return nil, err
	}
	if !m.IsRangeMapped(va, size) {
		return nil, &hv.RegionError{VA: va, Size: size, Reason: "not mapped"}
	}

	start, end := pageSpan(va, size)
	page := start << hv.PageBits

	var regions []Range
	cur := Range{Address: m.physical(page), Size: hv.PageSize}
	for i := start; i+1 < end; i++ {
		next := m.physical(page + hv.PageSize)
		if m.physical(page)+hv.PageSize != next {
			regions = append(regions, cur)
			cur = Range{Address: next}
		}
		page += hv.PageSize
		cur.Size += hv.PageSize
	}
	return append(regions, cur), nil
}

// GetHostRegions is GetPhysicalRegions resolved to host memory.
func (m *Manager) GetHostRegions(va, size uint64) ([][]byte, error) {
	regions, err := m.GetPhysicalRegions(va, size)
	if err != nil {
		return nil, err
	}
	host := make([][]byte, len(regions))
	for i, r := range regions {
		host[i] = m.backingSlice(r.Address, r.Size)
	}
	return host, nil
}
