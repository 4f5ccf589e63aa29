package testutil

import (
	"time"

	"github.com/jrc1883/meshbrain/protocol"
)

// MessageBuilder provides a fluent helper for constructing bus messages in
// tests. Example:
//
//	msg := NewMessageBuilder("alice").At(t0).State("add cache", "Edit", "store.go").Build()
//
// Chain only the parts you need; the last payload setter wins.
type MessageBuilder struct {
	sender    string
	sessionID string
	at        time.Time
	typ       protocol.MessageType
	payload   any
}

// NewMessageBuilder creates a builder for messages sent by sender.
func NewMessageBuilder(sender string) *MessageBuilder {
	return &MessageBuilder{sender: sender, typ: protocol.TypeHeartbeat}
}

// At pins the message timestamp (chainable).
func (b *MessageBuilder) At(t time.Time) *MessageBuilder { b.at = t; return b }

// Session sets the session id (chainable).
func (b *MessageBuilder) Session(id string) *MessageBuilder { b.sessionID = id; return b }

// State makes the message a state update about the sender (chainable).
func (b *MessageBuilder) State(task, tool string, files ...string) *MessageBuilder {
	b.typ = protocol.TypeStateUpdate
	b.payload = protocol.AgentState{
		AgentID:       b.sender,
		CurrentTask:   task,
		LastTool:      tool,
		FilesTouched:  files,
		LastHeartbeat: b.at,
	}
	return b
}

// Heartbeat makes the message a bare heartbeat (chainable).
func (b *MessageBuilder) Heartbeat() *MessageBuilder {
	b.typ = protocol.TypeHeartbeat
	b.payload = protocol.AgentState{AgentID: b.sender, LastHeartbeat: b.at}
	return b
}

// Insight makes the message a decision insight with the given tags
// (chainable).
func (b *MessageBuilder) Insight(content string, tags ...string) *MessageBuilder {
	b.typ = protocol.TypeInsight
	b.payload = protocol.Insight{
		ID:        protocol.NewID(),
		Type:      protocol.InsightDecision,
		Content:   content,
		Tags:      tags,
		AgentID:   b.sender,
		Timestamp: b.at,
	}
	return b
}

// Trigger makes the message a consensus request (chainable).
func (b *MessageBuilder) Trigger(topic string, participants ...string) *MessageBuilder {
	b.typ = protocol.TypeConsensusTrigger
	b.payload = protocol.SessionRequest{Topic: topic, Participants: participants}
	return b
}

// Vote makes the message a ballot for the current round (chainable).
func (b *MessageBuilder) Vote(v protocol.VoteType, reason string) *MessageBuilder {
	b.typ = protocol.TypeConsensusVote
	b.payload = protocol.ConsensusPayload{ParticipantID: b.sender, Vote: v, Reason: reason}
	return b
}

// Build constructs the message. Timestamps set with At survive the build.
func (b *MessageBuilder) Build() protocol.Message {
	msg := protocol.MustMessage(b.typ, b.sender, b.payload)
	if b.sessionID != "" {
		msg = msg.WithSession(b.sessionID)
	}
	if !b.at.IsZero() {
		msg = msg.At(b.at)
	}
	return msg
}
