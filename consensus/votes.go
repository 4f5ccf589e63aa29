package consensus

import (
	"fmt"
	"math"
	"sort"

	"github.com/jrc1883/meshbrain/protocol"
)

// Outcome is the decision a tally reaches for one round.
type Outcome string

const (
	// OutcomeResolved means the proposal is accepted.
	OutcomeResolved Outcome = "resolved"
	// OutcomeBlocked means the session must stop: quorum lost, a veto,
	// or a tie under a simple-majority rule.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeUndecided means the round did not decide; another round
	// follows if any remain.
	OutcomeUndecided Outcome = "undecided"
)

// Tally is the count for one voting round.
type Tally struct {
	Round    int
	Live     int
	Approve  int
	Reject   int
	Abstain  int
	Block    int
	Fraction float64
	Outcome  Outcome
	Reason   string
}

// Ballots is the number of counted votes.
func (t Tally) Ballots() int { return t.Approve + t.Reject + t.Abstain + t.Block }

// VoteCollector stores one vote per participant per round. A later vote
// from the same participant in the same round replaces the earlier one.
type VoteCollector struct {
	rounds map[int]map[string]protocol.Vote
}

// NewVoteCollector returns an empty collector.
func NewVoteCollector() *VoteCollector {
	return &VoteCollector{rounds: make(map[int]map[string]protocol.Vote)}
}

// Cast records v and reports whether it superseded an earlier vote.
func (c *VoteCollector) Cast(v protocol.Vote) bool {
	round, ok := c.rounds[v.Round]
	if !ok {
		round = make(map[string]protocol.Vote)
		c.rounds[v.Round] = round
	}
	_, superseded := round[v.AgentID]
	round[v.AgentID] = v
	return superseded
}

// Votes returns the votes of a round ordered by agent id.
func (c *VoteCollector) Votes(round int) []protocol.Vote {
	out := make([]protocol.Vote, 0, len(c.rounds[round]))
	for _, v := range c.rounds[round] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Voted reports whether agentID has a vote in round.
func (c *VoteCollector) Voted(round int, agentID string) bool {
	_, ok := c.rounds[round][agentID]
	return ok
}

// roundedFraction rounds to two decimals so that 2/3 compares as 0.67.
func roundedFraction(f float64) float64 { return math.Round(f*100) / 100 }

// Tally counts round for the live participants and applies rules:
//
//   - fewer live participants than the quorum blocks;
//   - a block vote blocks when the rules give it veto power, and counts
//     as a reject otherwise;
//   - fewer ballots than the quorum leaves the round undecided;
//   - the approval fraction is approve / (approve + reject + abstain);
//     abstentions count toward turnout and dilute approval;
//   - under a unanimous rule every non-abstaining voter must approve and
//     at least one must;
//   - under a simple-majority rule (threshold <= 0.5) an approve/reject
//     tie blocks;
//   - otherwise the fraction, rounded to two decimals, must reach the
//     threshold.
//
// Votes from participants outside live are ignored.
func (c *VoteCollector) Tally(round int, rules protocol.Rules, live map[string]bool) Tally {
	t := Tally{Round: round, Live: len(live), Outcome: OutcomeUndecided}
	var blockers []string
	for _, v := range c.Votes(round) {
		if !live[v.AgentID] {
			continue
		}
		switch v.Vote {
		case protocol.VoteApprove:
			t.Approve++
		case protocol.VoteReject:
			t.Reject++
		case protocol.VoteAbstain:
			t.Abstain++
		case protocol.VoteBlock:
			t.Block++
			blockers = append(blockers, v.AgentID)
		}
	}

	denominator := t.Approve + t.Reject + t.Abstain
	if !rules.BlockVeto {
		denominator += t.Block
	}
	if denominator > 0 {
		t.Fraction = float64(t.Approve) / float64(denominator)
	}

	switch {
	case t.Live < rules.Quorum:
		t.Outcome = OutcomeBlocked
		t.Reason = fmt.Sprintf("quorum not met: %d live participants, %d required", t.Live, rules.Quorum)
	case rules.BlockVeto && t.Block > 0:
		t.Outcome = OutcomeBlocked
		t.Reason = fmt.Sprintf("vetoed by %v", blockers)
	case t.Ballots() < rules.Quorum:
		t.Reason = fmt.Sprintf("%d ballots, quorum is %d", t.Ballots(), rules.Quorum)
	case rules.Unanimous:
		if t.Approve > 0 && t.Reject == 0 && t.Block == 0 {
			t.Outcome = OutcomeResolved
		} else {
			t.Reason = "not unanimous"
		}
	case rules.ApprovalThreshold <= 0.5 && t.Approve == t.Reject && t.Approve > 0:
		t.Outcome = OutcomeBlocked
		t.Reason = fmt.Sprintf("tie: %d approve, %d reject", t.Approve, t.Reject)
	case t.Approve > 0 && roundedFraction(t.Fraction) >= rules.ApprovalThreshold:
		t.Outcome = OutcomeResolved
	default:
		t.Reason = fmt.Sprintf("approval %.2f below threshold %.2f", t.Fraction, rules.ApprovalThreshold)
	}
	return t
}
