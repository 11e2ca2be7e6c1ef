package manual

import (
	"testing"
	"time"
)

func TestClockAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	clk := New(start)
	if got := clk.Now(); !got.Equal(start) {
		t.Fatalf("expected %v, got %v", start, got)
	}
	if got := clk.Advance(90 * time.Second); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected advance result %v", got)
	}
	clk.Set(start)
	if got := clk.Now(); !got.Equal(start) {
		t.Fatalf("expected reset to %v, got %v", start, got)
	}
}
