package testutil

import (
	"sort"
	"time"

	"github.com/jrc1883/meshbrain/protocol"
)

// SessionBuilder helps construct consensus sessions with fluent chaining
// for tests that need a session without driving the state machine.
// Example:
//
//	s := NewSessionBuilder("s1").Participants("alice", "bob").Proposal("alice", "use LRU").Resolved(1).Build()
type SessionBuilder struct {
	s protocol.Session
}

// NewSessionBuilder creates a builder for a session in discussion.
func NewSessionBuilder(id string) *SessionBuilder {
	return &SessionBuilder{s: protocol.Session{
		ID:      id,
		Topic:   "Topic of " + id,
		Trigger: protocol.TriggerRequested,
		Phase:   protocol.PhaseDiscussion,
		Rules:   protocol.DefaultRules(),
		Pass:    1,
	}}
}

// Topic sets the topic (chainable).
func (b *SessionBuilder) Topic(t string) *SessionBuilder { b.s.Topic = t; return b }

// Trigger sets the trigger type (chainable).
func (b *SessionBuilder) Trigger(t protocol.TriggerType) *SessionBuilder { b.s.Trigger = t; return b }

// CreatedAt sets creation and update time (chainable).
func (b *SessionBuilder) CreatedAt(t time.Time) *SessionBuilder {
	b.s.CreatedAt, b.s.UpdatedAt = t, t
	return b
}

// Participants sets the invited agents and the ring order (chainable).
func (b *SessionBuilder) Participants(ids ...string) *SessionBuilder {
	order := append([]string(nil), ids...)
	sort.Strings(order)
	b.s.RingOrder = order
	b.s.Participants = b.s.Participants[:0]
	for _, id := range order {
		b.s.Participants = append(b.s.Participants, protocol.Participant{AgentID: id})
	}
	return b
}

// Proposal appends a proposal by agent (chainable).
func (b *SessionBuilder) Proposal(agent, content string) *SessionBuilder {
	b.s.Proposals = append(b.s.Proposals, protocol.Proposal{
		ID:        protocol.NewID(),
		AgentID:   agent,
		Content:   content,
		Round:     b.s.Round,
		Timestamp: b.s.UpdatedAt,
	})
	if p := b.s.Participant(agent); p != nil {
		p.HasSpoken = true
	}
	return b
}

// Vote appends a ballot in the current round and moves the session to
// voting (chainable).
func (b *SessionBuilder) Vote(agent string, v protocol.VoteType) *SessionBuilder {
	if b.s.Round == 0 {
		b.s.Round = 1
	}
	b.s.Phase = protocol.PhaseVoting
	b.s.Votes = append(b.s.Votes, protocol.Vote{AgentID: agent, Vote: v, Round: b.s.Round, Timestamp: b.s.UpdatedAt})
	return b
}

// Finished moves the session to a terminal phase after rounds voting
// rounds, resolved after the given delay (chainable).
func (b *SessionBuilder) Finished(outcome protocol.Phase, rounds int, after time.Duration) *SessionBuilder {
	b.s.Phase = outcome
	b.s.Round = rounds
	b.s.UpdatedAt = b.s.CreatedAt.Add(after)
	res := &protocol.Resolution{
		SessionID:  b.s.ID,
		Topic:      b.s.Topic,
		Outcome:    outcome,
		Rounds:     rounds,
		ResolvedAt: b.s.UpdatedAt,
	}
	var approve, counted int
	for _, v := range b.s.Votes {
		switch v.Vote {
		case protocol.VoteApprove:
			approve++
			counted++
		case protocol.VoteReject, protocol.VoteBlock:
			counted++
			res.Dissent = append(res.Dissent, v)
		}
	}
	if counted > 0 {
		res.ApprovalFraction = float64(approve) / float64(counted)
	}
	if outcome == protocol.PhaseResolved {
		if p := b.s.LatestProposal(); p != nil {
			accepted := *p
			res.AcceptedProposal = &accepted
		}
	} else {
		res.Reason = "ended " + string(outcome)
	}
	b.s.Resolution = res
	return b
}

// Build returns a copy of the session.
func (b *SessionBuilder) Build() *protocol.Session {
	return b.s.Clone()
}
