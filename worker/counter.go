package worker

import (
	"sync"
	"time"
)

// ActionCounter tracks how many chat actions arrived in a sliding window.
// The autoscaler reads it to decide replica counts. Entries older than the
// retention period are pruned on every write.
type ActionCounter struct {
	mu        sync.Mutex
	retention time.Duration
	entries   []counterEntry
	now       func() time.Time
}

type counterEntry struct {
	at time.Time
	n  int
}

func NewActionCounter(retention time.Duration) *ActionCounter {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &ActionCounter{retention: retention, now: time.Now}
}

// Add records n actions at the current time.
func (c *ActionCounter) Add(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries = append(c.entries, counterEntry{at: now, n: n})
	c.prune(now)
}

// CountRecent sums actions recorded within the trailing window. Windows
// longer than the retention period see at most the retained entries.
func (c *ActionCounter) CountRecent(window time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-window)
	total := 0
	for _, e := range c.entries {
		if e.at.After(cutoff) {
			total += e.n
		}
	}
	return total
}

func (c *ActionCounter) prune(now time.Time) {
	cutoff := now.Add(-c.retention)
	i := 0
	for i < len(c.entries) && !c.entries[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.entries = append(c.entries[:0], c.entries[i:]...)
	}
}
