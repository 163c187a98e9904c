// Package timeslice accounts where guest threads spend their time. Kinds are
// registered once at init; Record adds a duration to the running totals of a
// kind and, while a stream is open, appends it to the stream.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	streamAlign = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint32

const InvalidTimesliceID = TimesliceID(0)

type SliceFlags uint32

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagHostTime
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagHostTime != 0 {
		flags = append(flags, "host")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type kind struct {
	info  SliceInfo
	count atomic.Int64
	total atomic.Int64
}

var (
	kindsMu sync.RWMutex
	kinds   = []*kind{nil} // index 0 is InvalidTimesliceID
	byName  = make(map[string]TimesliceID)
)

// RegisterKind returns the ID for name, creating it on first use.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	if id, ok := byName[name]; ok {
		return id
	}
	kinds = append(kinds, &kind{info: SliceInfo{Name: name, Flags: flags}})
	id := TimesliceID(len(kinds) - 1)
	byName[name] = id
	return id
}

func lookup(id TimesliceID) *kind {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	if id == InvalidTimesliceID || int(id) >= len(kinds) {
		return nil
	}
	return kinds[id]
}

// Record adds duration to kind id.
func Record(id TimesliceID, duration time.Duration) {
	k := lookup(id)
	if k == nil {
		return
	}
	k.count.Add(1)
	k.total.Add(int64(duration))

	if w := currentWriter.Load(); w != nil {
		w.records <- record{ID: uint64(id), Duration: int64(duration)}
	}
}

// Recorder charges the time since its previous Record to a kind. It is owned
// by one goroutine.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder { return &Recorder{last: time.Now()} }

func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Total is the accumulated time of one kind.
type Total struct {
	SliceInfo
	Count    int64
	Duration time.Duration
}

// Totals returns every kind with at least one record, longest first.
func Totals() []Total {
	kindsMu.RLock()
	var out []Total
	for _, k := range kinds[1:] {
		if n := k.count.Load(); n > 0 {
			out = append(out, Total{SliceInfo: k.info, Count: n, Duration: time.Duration(k.total.Load())})
		}
	}
	kindsMu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Duration != out[j].Duration {
			return out[i].Duration > out[j].Duration
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Reset clears every total.
func Reset() {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds[1:] {
		k.count.Store(0)
		k.total.Store(0)
	}
}

type record struct {
	ID       uint64
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	w       io.Writer
	records chan record
	done    chan error
}

func (w *writer) run() {
	defer close(w.done)

	var buf [streamAlign]byte
	off := 0
	flush := func() error {
		if off == 0 {
			return nil
		}
		_, err := w.w.Write(buf[:off])
		off = 0
		return err
	}

	for rec := range w.records {
		if off+recordSize > len(buf) {
			if err := flush(); err != nil {
				w.done <- err
				// Drain so Record never blocks on a dead stream.
				for range w.records {
				}
				return
			}
		}
		binary.LittleEndian.PutUint64(buf[off:], rec.ID)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.Duration))
		off += recordSize
	}
	w.done <- flush()
}

func (w *writer) Close() error {
	if !currentWriter.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	close(w.records)
	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var currentWriter atomic.Pointer[writer]

// Open starts streaming records to w until the returned closer is closed.
// Only one stream can be open at a time.
func Open(w io.Writer) (io.Closer, error) {
	if currentWriter.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.RLock()
	infos := make(map[uint64]SliceInfo, len(kinds)-1)
	for id, k := range kinds[1:] {
		infos[uint64(id+1)] = k.info
	}
	kindsMu.RUnlock()

	encoded, err := json.Marshal(infos)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(encoded)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(encoded); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(encoded)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}
	if !currentWriter.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

func padding(off int) int {
	if off%streamAlign == 0 {
		return 0
	}
	return streamAlign - off%streamAlign
}

// ReadAllRecords decodes a stream written through Open.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, streamAlign)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var infos map[uint64]SliceInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength))).Decode(&infos); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := buf.Discard(padding(binary.Size(header{}) + int(hdr.KindsLength))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		info, ok := infos[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(info.Name, info.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
