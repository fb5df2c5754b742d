package worker

import (
	"testing"
	"time"
)

func TestActionCounterSlidingWindow(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c := NewActionCounter(10 * time.Minute)
	c.now = func() time.Time { return clock }

	c.Add(100)
	clock = base.Add(30 * time.Second)
	c.Add(250)
	clock = base.Add(90 * time.Second)
	c.Add(400)

	if got := c.CountRecent(time.Minute); got != 400 {
		t.Errorf("1m count = %d, want 400", got)
	}
	if got := c.CountRecent(10 * time.Minute); got != 750 {
		t.Errorf("10m count = %d, want 750", got)
	}
}

func TestActionCounterIgnoresNonPositive(t *testing.T) {
	c := NewActionCounter(10 * time.Minute)
	c.Add(0)
	c.Add(-5)
	if got := c.CountRecent(time.Hour); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestActionCounterPrunesOldEntries(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c := NewActionCounter(10 * time.Minute)
	c.now = func() time.Time { return clock }

	c.Add(500)
	clock = base.Add(11 * time.Minute)
	c.Add(1) // write triggers the prune

	if got := len(c.entries); got != 1 {
		t.Errorf("retained entries = %d, want 1", got)
	}
	if got := c.CountRecent(time.Hour); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}
