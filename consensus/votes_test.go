package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/protocol"
)

func TestVoteCollector_Supersede(t *testing.T) {
	vc := NewVoteCollector()
	assert.False(t, vc.Cast(protocol.Vote{AgentID: "a", Round: 1, Vote: protocol.VoteReject}))
	assert.True(t, vc.Cast(protocol.Vote{AgentID: "a", Round: 1, Vote: protocol.VoteApprove}))
	assert.False(t, vc.Cast(protocol.Vote{AgentID: "a", Round: 2, Vote: protocol.VoteReject}))

	votes := vc.Votes(1)
	require.Len(t, votes, 1)
	assert.Equal(t, protocol.VoteApprove, votes[0].Vote)
	assert.True(t, vc.Voted(2, "a"))
	assert.False(t, vc.Voted(2, "b"))
}

func TestVoteCollector_Tally(t *testing.T) {
	rules := func(mut func(r *protocol.Rules)) protocol.Rules {
		r := protocol.DefaultRules()
		if mut != nil {
			mut(&r)
		}
		return r
	}
	live := func(ids ...string) map[string]bool {
		m := make(map[string]bool)
		for _, id := range ids {
			m[id] = true
		}
		return m
	}
	const (
		ap = protocol.VoteApprove
		rj = protocol.VoteReject
		ab = protocol.VoteAbstain
		bl = protocol.VoteBlock
	)

	tests := []struct {
		name     string
		rules    protocol.Rules
		live     map[string]bool
		votes    map[string]protocol.VoteType
		outcome  Outcome
		fraction float64
	}{
		{
			name:     "two thirds meets 0.67",
			rules:    rules(nil),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap, "c": rj},
			outcome:  OutcomeResolved,
			fraction: 2.0 / 3,
		},
		{
			name:     "quorum of live participants not met",
			rules:    rules(func(r *protocol.Rules) { r.Quorum = 3 }),
			live:     live("a", "b"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap},
			outcome:  OutcomeBlocked,
			fraction: 1,
		},
		{
			name:     "single block vetoes",
			rules:    rules(nil),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap, "c": bl},
			outcome:  OutcomeBlocked,
			fraction: 1,
		},
		{
			name:     "block without veto counts as reject",
			rules:    rules(func(r *protocol.Rules) { r.BlockVeto = false }),
			live:     live("a", "b"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": bl},
			outcome:  OutcomeUndecided,
			fraction: 0.5,
		},
		{
			name:     "abstentions dilute approval",
			rules:    rules(nil),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ab, "c": ab},
			outcome:  OutcomeUndecided,
			fraction: 1.0 / 3,
		},
		{
			name:     "all abstain",
			rules:    rules(nil),
			live:     live("a", "b"),
			votes:    map[string]protocol.VoteType{"a": ab, "b": ab},
			outcome:  OutcomeUndecided,
			fraction: 0,
		},
		{
			name:     "single voter",
			rules:    rules(func(r *protocol.Rules) { r.Quorum = 1 }),
			live:     live("a"),
			votes:    map[string]protocol.VoteType{"a": ap},
			outcome:  OutcomeResolved,
			fraction: 1,
		},
		{
			name:     "too few ballots",
			rules:    rules(nil),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap},
			outcome:  OutcomeUndecided,
			fraction: 1,
		},
		{
			name:     "tie under simple majority",
			rules:    rules(func(r *protocol.Rules) { r.ApprovalThreshold = 0.5 }),
			live:     live("a", "b"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": rj},
			outcome:  OutcomeBlocked,
			fraction: 0.5,
		},
		{
			name:     "unanimous ignores abstentions",
			rules:    rules(func(r *protocol.Rules) { r.Unanimous = true }),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap, "c": ab},
			outcome:  OutcomeResolved,
			fraction: 2.0 / 3,
		},
		{
			name:     "unanimous broken by a reject",
			rules:    rules(func(r *protocol.Rules) { r.Unanimous = true }),
			live:     live("a", "b", "c"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap, "c": rj},
			outcome:  OutcomeUndecided,
			fraction: 2.0 / 3,
		},
		{
			name:     "votes from dead participants ignored",
			rules:    rules(nil),
			live:     live("a", "b"),
			votes:    map[string]protocol.VoteType{"a": ap, "b": ap, "ghost": rj},
			outcome:  OutcomeResolved,
			fraction: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vc := NewVoteCollector()
			for id, v := range tt.votes {
				vc.Cast(protocol.Vote{AgentID: id, Vote: v, Round: 1})
			}
			got := vc.Tally(1, tt.rules, tt.live)
			assert.Equal(t, tt.outcome, got.Outcome, got.Reason)
			assert.InDelta(t, tt.fraction, got.Fraction, 1e-9)
			if got.Outcome != OutcomeResolved {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}
