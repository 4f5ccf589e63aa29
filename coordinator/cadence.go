package coordinator

import "sync"

// Cadence counts tool calls per agent and decides when an agent is due to
// check in. The interval is measured in actions, not wall time.
type Cadence struct {
	every  int
	counts map[string]int
	mu     sync.Mutex
}

// NewCadence creates a cadence firing every n tool calls. n < 1 is treated
// as 1 (check in after every call).
func NewCadence(n int) *Cadence {
	if n < 1 {
		n = 1
	}
	return &Cadence{every: n, counts: make(map[string]int)}
}

// Tick records one tool call for agentID and reports whether a check-in
// is due.
func (c *Cadence) Tick(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[agentID]++
	return c.counts[agentID]%c.every == 0
}

// Count returns the number of tool calls recorded for agentID.
func (c *Cadence) Count(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[agentID]
}

// Remaining returns how many calls are left before the next check-in.
func (c *Cadence) Remaining(agentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.every - c.counts[agentID]%c.every
}

// Observe folds a batch of tool calls reported at check-in into the count.
func (c *Cadence) Observe(agentID string, calls int) {
	if calls <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if calls > c.counts[agentID] {
		c.counts[agentID] = calls
	}
}

// Forget drops the counter for agentID.
func (c *Cadence) Forget(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.counts, agentID)
}
