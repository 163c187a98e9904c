package timeslice

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	timesliceA = RegisterKind("test-a", SliceFlagGuestTime)
	timesliceB = RegisterKind("test-b", SliceFlagHostTime)
)

func TestRegisterKindIsIdempotent(t *testing.T) {
	if id := RegisterKind("test-a", 0); id != timesliceA {
		t.Fatalf("RegisterKind returned %d for an existing kind, want %d", id, timesliceA)
	}
	if timesliceA == InvalidTimesliceID || timesliceA == timesliceB {
		t.Fatalf("kinds not distinct: %d %d", timesliceA, timesliceB)
	}
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := Open(&buf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Open(&buf); err == nil {
		t.Fatalf("second Open succeeded")
	}

	Record(timesliceA, 100*time.Millisecond)
	Record(timesliceB, 200*time.Millisecond)
	Record(InvalidTimesliceID, time.Second)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err == nil {
		t.Fatalf("second Close succeeded")
	}

	type seen struct {
		Name     string
		Flags    SliceFlags
		Duration time.Duration
	}
	var got []seen
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(name string, flags SliceFlags, d time.Duration) error {
		got = append(got, seen{name, flags, d})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	want := []seen{
		{"test-a", SliceFlagGuestTime, 100 * time.Millisecond},
		{"test-b", SliceFlagHostTime, 200 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records (-want +got):\n%s", diff)
	}
}

func TestTotals(t *testing.T) {
	Reset()
	Record(timesliceA, time.Millisecond)
	Record(timesliceA, 2*time.Millisecond)
	Record(timesliceB, 10*time.Millisecond)

	got := Totals()
	want := []Total{
		{SliceInfo: SliceInfo{Name: "test-b", Flags: SliceFlagHostTime}, Count: 1, Duration: 10 * time.Millisecond},
		{SliceInfo: SliceInfo{Name: "test-a", Flags: SliceFlagGuestTime}, Count: 2, Duration: 3 * time.Millisecond},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}

	Reset()
	if got := Totals(); len(got) != 0 {
		t.Fatalf("totals after Reset: %v", got)
	}
}

func TestFlagsString(t *testing.T) {
	if got := (SliceFlagGuestTime | SliceFlagHostTime).String(); got != "guest,host" {
		t.Fatalf("String = %q", got)
	}
}
