package calendar

import (
	"strings"
	"testing"
	"time"
)

func mustTime(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func equalTimeRange(a, b TimeRange) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

func TestNewTimeRange_InvalidDuration(t *testing.T) {
	_, err := NewTimeRange(mustTime(t, 2025, 1, 1, 10, 0), 0)
	if err != ErrSlotDuration {
		t.Fatalf("expected ErrSlotDuration, got %v", err)
	}
	_, err = NewTimeRange(time.Time{}, time.Minute)
	if err != ErrInvalidTimeRange {
		t.Fatalf("expected ErrInvalidTimeRange, got %v", err)
	}
}

func TestNormalizeTimeRange_SwappedBounds(t *testing.T) {
	start := mustTime(t, 2025, 1, 1, 12, 0)
	end := mustTime(t, 2025, 1, 1, 10, 0)

	tr, err := NormalizeTimeRange(start, end, time.UTC, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !tr.Start.Equal(end) || !tr.End.Equal(start) {
		t.Fatalf("expected Start=%v End=%v, got %v", end, start, tr)
	}
}

func TestNormalizeTimeRange_MaxDuration(t *testing.T) {
	start := mustTime(t, 2025, 1, 1, 10, 0)
	end := mustTime(t, 2025, 1, 1, 15, 0)

	tr, err := NormalizeTimeRange(start, end, time.UTC, 2*time.Hour)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if tr.Duration() != 2*time.Hour {
		t.Fatalf("expected duration %v, got %v", 2*time.Hour, tr.Duration())
	}
}

func TestNormalizeTimeRange_InvalidZero(t *testing.T) {
	if _, err := NormalizeTimeRange(time.Time{}, time.Time{}, time.UTC, 0); err == nil {
		t.Fatalf("expected error for zero times, got nil")
	}
}

func TestSplitToTimeSlots_TailDropped(t *testing.T) {
	tr := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 0), End: mustTime(t, 2025, 1, 1, 11, 10)}

	slots, err := SplitToTimeSlots(tr, 30*time.Minute, 0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	want := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 30), End: mustTime(t, 2025, 1, 1, 11, 0)}
	if !equalTimeRange(slots[1], want) {
		t.Fatalf("second slot = %v, want %v", slots[1], want)
	}
}

func TestSplitToTimeSlots_AlignMinutes(t *testing.T) {
	tr := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 7), End: mustTime(t, 2025, 1, 1, 11, 0)}

	slots, err := SplitToTimeSlots(tr, 15*time.Minute, 15)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(mustTime(t, 2025, 1, 1, 10, 15)) {
		t.Fatalf("first slot start = %v, want 10:15", slots[0].Start)
	}
}

func TestSplitToTimeSlots_InvalidDuration(t *testing.T) {
	tr := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 0), End: mustTime(t, 2025, 1, 1, 11, 0)}
	if _, err := SplitToTimeSlots(tr, 0, 0); err != ErrSlotDuration {
		t.Fatalf("expected ErrSlotDuration, got %v", err)
	}
}

func TestOverlaps_HalfOpen(t *testing.T) {
	a := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 0), End: mustTime(t, 2025, 1, 1, 10, 30)}
	b := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 30), End: mustTime(t, 2025, 1, 1, 11, 0)}
	c := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 15), End: mustTime(t, 2025, 1, 1, 12, 0)}

	if a.Overlaps(b) || b.Overlaps(a) {
		t.Fatalf("touching half-open ranges must not overlap")
	}
	if !a.Overlaps(c) || !c.Overlaps(b) {
		t.Fatalf("expected overlap with %v", c)
	}
}

func TestPeakLoad(t *testing.T) {
	window := TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 0), End: mustTime(t, 2025, 1, 1, 11, 0)}
	items := []Occupancy{
		// 09:30–10:15
		{Range: TimeRange{Start: mustTime(t, 2025, 1, 1, 9, 30), End: mustTime(t, 2025, 1, 1, 10, 15)}, Units: 1},
		// 10:15–10:45, стыкуется с первой
		{Range: TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 15), End: mustTime(t, 2025, 1, 1, 10, 45)}, Units: 1},
		// 10:30–12:00
		{Range: TimeRange{Start: mustTime(t, 2025, 1, 1, 10, 30), End: mustTime(t, 2025, 1, 1, 12, 0)}, Units: 2},
		// вне окна
		{Range: TimeRange{Start: mustTime(t, 2025, 1, 1, 11, 0), End: mustTime(t, 2025, 1, 1, 12, 0)}, Units: 5},
	}

	if got := PeakLoad(window, items); got != 3 {
		t.Fatalf("peak = %d, want 3", got)
	}
	if got := PeakLoad(window, nil); got != 0 {
		t.Fatalf("peak of empty = %d, want 0", got)
	}
}

func TestFormatSlotForUser_Basic(t *testing.T) {
	tr := TimeRange{Start: mustTime(t, 2025, 1, 6, 10, 0), End: mustTime(t, 2025, 1, 6, 10, 30)}

	got := FormatSlotForUser(tr, time.UTC)
	for _, part := range []string{"Понедельник", "06.01.2025", "10:00", "10:30"} {
		if !strings.Contains(got, part) {
			t.Fatalf("expected %q to contain %q", got, part)
		}
	}
}

func TestPaginate_LastPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	p := Paginate(items, 3, 2)
	if len(p.Items) != 1 || p.Items[0] != 5 {
		t.Fatalf("unexpected items %v", p.Items)
	}
	if p.HasNext || !p.HasPrev || p.Total != 5 {
		t.Fatalf("unexpected page meta %+v", p)
	}
}

func TestPaginate_Empty(t *testing.T) {
	p := Paginate([]int{}, 1, 0)
	if len(p.Items) != 0 || p.PageSize != 10 || p.HasNext || p.HasPrev {
		t.Fatalf("unexpected empty page %+v", p)
	}
}
