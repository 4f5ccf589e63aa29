// Package protocol defines the wire vocabulary shared by every mesh
// component: the Message envelope and its typed payloads, the entities
// persisted on the bus (agent state, insights, consensus sessions), the
// channel and key naming conventions, and the codecs used to frame them.
//
// Messages are immutable after construction. Payloads are carried as raw
// JSON so that any subscriber can decode only the variants it understands;
// use Message.Decode to obtain the typed form.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the variant carried in a Message payload.
type MessageType string

const (
	TypeBroadcast   MessageType = "broadcast"
	TypeHeartbeat   MessageType = "heartbeat"
	TypeStateUpdate MessageType = "state_update"
	TypeInsight     MessageType = "insight"
	TypeStreamChunk MessageType = "stream_chunk"
	TypePhaseChange MessageType = "phase_change"

	TypeConsensusTrigger      MessageType = "consensus_trigger"
	TypeConsensusStarted      MessageType = "consensus_started"
	TypeConsensusTurn         MessageType = "consensus_turn"
	TypeConsensusContribution MessageType = "consensus_contribution"
	TypeConsensusProposal     MessageType = "consensus_proposal"
	TypeConsensusAmendment    MessageType = "consensus_amendment"
	TypeConsensusVote         MessageType = "consensus_vote"
	TypeConsensusPhase        MessageType = "consensus_phase"
	TypeConsensusResolved     MessageType = "consensus_resolved"
)

// IsConsensus reports whether t belongs to the consensus-* family.
func (t MessageType) IsConsensus() bool {
	switch t {
	case TypeConsensusTrigger, TypeConsensusStarted, TypeConsensusTurn, TypeConsensusContribution,
		TypeConsensusProposal, TypeConsensusAmendment, TypeConsensusVote, TypeConsensusPhase,
		TypeConsensusResolved:
		return true
	}
	return false
}

// Message is the envelope published on the bus.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	SenderID  string          `json:"sender_id"`
	SessionID string          `json:"session_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message with a fresh id, marshalling payload to JSON.
// A nil payload yields an empty Payload.
func NewMessage(t MessageType, senderID string, payload any) (Message, error) {
	msg := Message{
		ID:        NewID(),
		Type:      t,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads known to marshal (plain structs).
func MustMessage(t MessageType, senderID string, payload any) Message {
	msg, err := NewMessage(t, senderID, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// WithSession returns a copy of m bound to a consensus session.
func (m Message) WithSession(sessionID string) Message {
	m.SessionID = sessionID
	return m
}

// At returns a copy of m with the given timestamp.
func (m Message) At(ts time.Time) Message {
	m.Timestamp = ts.UTC()
	return m
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: %s message %s has no payload", ErrMalformed, m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

// Validate checks the envelope fields every consumer relies on.
func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformed)
	case m.Type == "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	case m.SenderID == "":
		return fmt.Errorf("%w: missing sender_id", ErrMalformed)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: missing timestamp", ErrMalformed)
	}
	if m.Type.IsConsensus() && m.Type != TypeConsensusTrigger && m.SessionID == "" {
		return fmt.Errorf("%w: %s without session_id", ErrMalformed, m.Type)
	}
	return nil
}

// NewID returns a random UUID string used for messages, sessions,
// proposals, insights and streams.
func NewID() string { return uuid.NewString() }
