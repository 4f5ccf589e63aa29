package consensus

import (
	"sort"
	"time"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/protocol"
)

// TokenRing grants speaking turns in a fixed order. The order is the
// sorted set of participant ids, so every replica that sees the same
// participants derives the same schedule.
//
// Each grant has a turn number. Advance and Skip only act when given the
// current turn number, which makes a late timeout for an already finished
// turn a no-op.
type TokenRing struct {
	order       []string
	pos         int
	turn        int
	turnsInPass int
	timeout     time.Duration
	deadline    time.Time
	missed      map[string]int
	clock       clock.Clock
}

// NewTokenRing builds a ring over the unique, non-empty participant ids.
// The first turn (number 1) belongs to the lowest id.
func NewTokenRing(participants []string, turnTimeout time.Duration, c clock.Clock) *TokenRing {
	if c == nil {
		c = clock.Real()
	}
	r := &TokenRing{
		order:   SortedUnique(participants),
		turn:    1,
		timeout: turnTimeout,
		missed:  make(map[string]int),
		clock:   c,
	}
	r.deadline = c.Now().Add(turnTimeout)
	return r
}

// SortedUnique returns the sorted set of non-empty ids.
func SortedUnique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Order returns a copy of the ring order.
func (r *TokenRing) Order() []string { return append([]string(nil), r.order...) }

// Len returns the ring size.
func (r *TokenRing) Len() int { return len(r.order) }

// Holder returns the participant whose turn it is, or "" for an empty
// ring.
func (r *TokenRing) Holder() string {
	if len(r.order) == 0 {
		return ""
	}
	return r.order[r.pos]
}

// Turn returns the current turn number.
func (r *TokenRing) Turn() int { return r.turn }

// Deadline returns when the current turn times out.
func (r *TokenRing) Deadline() time.Time { return r.deadline }

// State returns the token as persisted in a session.
func (r *TokenRing) State() protocol.TokenState {
	return protocol.TokenState{Holder: r.Holder(), Position: r.pos, Turn: r.turn, Deadline: r.deadline.UTC()}
}

// Advance passes the token to the next participant if turn is the current
// turn. It reports whether the token moved.
func (r *TokenRing) Advance(turn int) bool {
	if turn != r.turn || len(r.order) == 0 {
		return false
	}
	r.pos = (r.pos + 1) % len(r.order)
	r.turn++
	r.turnsInPass++
	r.deadline = r.clock.Now().Add(r.timeout)
	return true
}

// Skip records a missed turn for the current holder and advances. Like
// Advance it is a no-op for any turn but the current one.
func (r *TokenRing) Skip(turn int) bool {
	if turn != r.turn || len(r.order) == 0 {
		return false
	}
	r.missed[r.Holder()]++
	return r.Advance(turn)
}

// Missed returns how many turns id has missed.
func (r *TokenRing) Missed(id string) int { return r.missed[id] }

// PassComplete reports whether every participant has had a turn since the
// current pass started.
func (r *TokenRing) PassComplete() bool {
	return len(r.order) > 0 && r.turnsInPass >= len(r.order)
}

// StartPass begins a new pass from the current position.
func (r *TokenRing) StartPass() { r.turnsInPass = 0 }
