package clock

import (
	"testing"
	"time"
)

func TestManual_Advance(t *testing.T) {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewManual(start)

	if !c.Now().Equal(start) {
		t.Fatalf("now = %v, want %v", c.Now(), start)
	}
	got := c.Advance(5 * time.Minute)
	if !got.Equal(start.Add(5 * time.Minute)) {
		t.Fatalf("advance = %v, want %v", got, start.Add(5*time.Minute))
	}
	if !c.Now().Equal(got) {
		t.Fatalf("now after advance = %v, want %v", c.Now(), got)
	}
}

func TestSystem_UTC(t *testing.T) {
	if loc := (System{}).Now().Location(); loc != time.UTC {
		t.Fatalf("location = %v, want UTC", loc)
	}
}
