package recovery

import (
	"sync"
	"time"
)

// correlator keeps the recent failure history and finds the failures
// related to a new one: same component, same error type, or same
// incident, inside the correlation window.
type correlator struct {
	window time.Duration

	mu      sync.Mutex
	history []Failure
}

func newCorrelator(window time.Duration) *correlator {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &correlator{window: window}
}

// observe records the failure and returns the earlier failures it
// correlates with.
func (c *correlator) observe(f Failure) []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := f.OccurredAt.Add(-c.window)
	kept := c.history[:0]
	for _, h := range c.history {
		if h.OccurredAt.After(cutoff) {
			kept = append(kept, h)
		}
	}
	c.history = kept

	var related []Failure
	for _, h := range c.history {
		if c.related(h, f) {
			related = append(related, h)
		}
	}
	c.history = append(c.history, f)
	return related
}

func (c *correlator) related(a, b Failure) bool {
	if a.Component != "" && a.Component == b.Component {
		return true
	}
	if a.ErrorType == b.ErrorType {
		return true
	}
	if a.IncidentID != nil && b.IncidentID != nil && *a.IncidentID == *b.IncidentID {
		return true
	}
	return false
}
