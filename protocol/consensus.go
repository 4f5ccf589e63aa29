package protocol

import (
	"fmt"
	"time"
)

// Phase is the lifecycle stage of a consensus session. Phases only move
// forward: proposed, discussion, voting, then one terminal phase.
type Phase string

const (
	PhaseProposed   Phase = "proposed"
	PhaseDiscussion Phase = "discussion"
	PhaseVoting     Phase = "voting"
	PhaseResolved   Phase = "resolved"
	PhaseBlocked    Phase = "blocked"
	PhaseExpired    Phase = "expired"
)

func (p Phase) rank() int {
	switch p {
	case PhaseProposed:
		return 0
	case PhaseDiscussion:
		return 1
	case PhaseVoting:
		return 2
	case PhaseResolved, PhaseBlocked, PhaseExpired:
		return 3
	}
	return -1
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool { return p.rank() == 3 }

// CanTransition reports whether moving from p to next keeps phases
// monotonic. Voting may re-enter voting (a new round); nothing leaves a
// terminal phase.
func (p Phase) CanTransition(next Phase) bool {
	if p.Terminal() || next.rank() < 0 {
		return false
	}
	if p == PhaseVoting && next == PhaseVoting {
		return true
	}
	return next.rank() > p.rank()
}

// TriggerType identifies what caused a session to be requested.
type TriggerType string

const (
	TriggerRequested  TriggerType = "requested"
	TriggerConflict   TriggerType = "conflict"
	TriggerThreshold  TriggerType = "threshold"
	TriggerCheckpoint TriggerType = "checkpoint"
	TriggerScheduled  TriggerType = "scheduled"
	TriggerPhase      TriggerType = "phase_change"
)

// VoteType is a participant's ballot.
type VoteType string

const (
	VoteApprove VoteType = "approve"
	VoteReject  VoteType = "reject"
	VoteAbstain VoteType = "abstain"
	VoteBlock   VoteType = "block"
)

// Valid reports whether v is a known ballot.
func (v VoteType) Valid() bool {
	switch v {
	case VoteApprove, VoteReject, VoteAbstain, VoteBlock:
		return true
	}
	return false
}

// Rules govern how a session resolves. They are fixed at creation.
type Rules struct {
	// Quorum is the minimum number of live participants (and ballots)
	// required for the session to resolve.
	Quorum int `json:"quorum"`
	// ApprovalThreshold is the approval fraction required, in (0,1].
	ApprovalThreshold float64 `json:"approval_threshold"`
	// Unanimous requires every non-abstaining voter to approve.
	Unanimous bool `json:"unanimous,omitempty"`
	// MaxRounds caps both voting rounds and discussion passes.
	MaxRounds    int           `json:"max_rounds"`
	TurnTimeout  time.Duration `json:"turn_timeout"`
	RoundTimeout time.Duration `json:"round_timeout"`
	// BlockVeto makes a single block vote force the blocked phase.
	BlockVeto bool `json:"block_veto"`
}

// DefaultRules are used when neither configuration nor the trigger
// supplies overrides.
func DefaultRules() Rules {
	return Rules{
		Quorum:            2,
		ApprovalThreshold: 0.67,
		MaxRounds:         3,
		TurnTimeout:       60 * time.Second,
		RoundTimeout:      120 * time.Second,
		BlockVeto:         true,
	}
}

// Validate rejects rules that could never produce a decision.
func (r Rules) Validate() error {
	switch {
	case r.Quorum < 1:
		return fmt.Errorf("%w: quorum must be >= 1, got %d", ErrInvalidRules, r.Quorum)
	case !r.Unanimous && (r.ApprovalThreshold <= 0 || r.ApprovalThreshold > 1):
		return fmt.Errorf("%w: approval threshold must be in (0,1], got %.2f", ErrInvalidRules, r.ApprovalThreshold)
	case r.MaxRounds < 1:
		return fmt.Errorf("%w: max rounds must be >= 1, got %d", ErrInvalidRules, r.MaxRounds)
	case r.TurnTimeout <= 0:
		return fmt.Errorf("%w: turn timeout must be positive", ErrInvalidRules)
	case r.RoundTimeout <= 0:
		return fmt.Errorf("%w: round timeout must be positive", ErrInvalidRules)
	}
	return nil
}

// Participant is an agent invited to a session.
type Participant struct {
	AgentID     string    `json:"agent_id"`
	HasSpoken   bool      `json:"has_spoken"`
	LastTurnAt  time.Time `json:"last_turn_at,omitzero"`
	MissedTurns int       `json:"missed_turns,omitempty"`
	Withdrawn   bool      `json:"withdrawn,omitempty"`
}

// Contribution is free-form reasoning submitted during a discussion turn.
type Contribution struct {
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Pass      int       `json:"pass"`
	Timestamp time.Time `json:"timestamp"`
}

// Proposal is a candidate resolution.
type Proposal struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Content   string    `json:"content"`
	Round     int       `json:"round"`
	Timestamp time.Time `json:"timestamp"`
}

// Amendment revises a proposal between voting rounds.
type Amendment struct {
	ID         string    `json:"id"`
	ProposalID string    `json:"proposal_id"`
	AgentID    string    `json:"agent_id"`
	Content    string    `json:"content"`
	Round      int       `json:"round"`
	Timestamp  time.Time `json:"timestamp"`
}

// Vote is a ballot for one round.
type Vote struct {
	AgentID   string    `json:"agent_id"`
	Vote      VoteType  `json:"vote"`
	Round     int       `json:"round"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenState describes the current speaking turn. Turn increases by one
// every time the token moves and identifies a turn for idempotent
// timeouts.
type TokenState struct {
	Holder   string    `json:"holder"`
	Position int       `json:"position"`
	Turn     int       `json:"turn"`
	Deadline time.Time `json:"deadline,omitzero"`
}

// Resolution is the outcome broadcast when a session reaches a terminal
// phase.
type Resolution struct {
	SessionID        string    `json:"session_id"`
	Topic            string    `json:"topic"`
	Outcome          Phase     `json:"outcome"`
	AcceptedProposal *Proposal `json:"accepted_proposal,omitempty"`
	Dissent          []Vote    `json:"dissent,omitempty"`
	ApprovalFraction float64   `json:"approval_fraction"`
	Rounds           int       `json:"rounds"`
	Rationale        string    `json:"rationale,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// Session is a single deliberation. Only the owning consensus coordinator
// writes it.
type Session struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	Description   string            `json:"description,omitempty"`
	Trigger       TriggerType       `json:"trigger"`
	Phase         Phase             `json:"phase"`
	Participants  []Participant     `json:"participants"`
	RingOrder     []string          `json:"ring_order"`
	Token         TokenState        `json:"token"`
	Pass          int               `json:"pass"`
	Round         int               `json:"round"`
	Contributions []Contribution    `json:"contributions,omitempty"`
	Proposals     []Proposal        `json:"proposals,omitempty"`
	Amendments    []Amendment       `json:"amendments,omitempty"`
	Votes         []Vote            `json:"votes,omitempty"`
	Rules         Rules             `json:"rules"`
	Resolution    *Resolution       `json:"resolution,omitempty"`
	RequestedBy   string            `json:"requested_by,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Participant returns a pointer to the named participant, or nil.
func (s *Session) Participant(agentID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].AgentID == agentID {
			return &s.Participants[i]
		}
	}
	return nil
}

// LatestProposal returns the most recent proposal, or nil.
func (s *Session) LatestProposal() *Proposal {
	if len(s.Proposals) == 0 {
		return nil
	}
	return &s.Proposals[len(s.Proposals)-1]
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	c.RingOrder = append([]string(nil), s.RingOrder...)
	c.Contributions = append([]Contribution(nil), s.Contributions...)
	c.Proposals = append([]Proposal(nil), s.Proposals...)
	c.Amendments = append([]Amendment(nil), s.Amendments...)
	c.Votes = append([]Vote(nil), s.Votes...)
	if s.Resolution != nil {
		r := *s.Resolution
		r.Dissent = append([]Vote(nil), s.Resolution.Dissent...)
		if s.Resolution.AcceptedProposal != nil {
			p := *s.Resolution.AcceptedProposal
			r.AcceptedProposal = &p
		}
		c.Resolution = &r
	}
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SessionRequest asks for a new consensus session. Triggers produce them;
// ConsensusCoordinator.CreateSession consumes them.
type SessionRequest struct {
	Topic        string            `json:"topic"`
	Description  string            `json:"description,omitempty"`
	Trigger      TriggerType       `json:"trigger"`
	Participants []string          `json:"participants"`
	Rules        *Rules            `json:"rules,omitempty"`
	RequestedBy  string            `json:"requested_by,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ConsensusPayload carries a participant action or a coordinator update
// for a session. Fields are populated as applicable to the message type.
type ConsensusPayload struct {
	Phase         Phase    `json:"phase,omitempty"`
	Round         int      `json:"round,omitempty"`
	Turn          int      `json:"turn,omitempty"`
	ParticipantID string   `json:"participant_id,omitempty"`
	Content       string   `json:"content,omitempty"`
	ProposalID    string   `json:"proposal_id,omitempty"`
	Vote          VoteType `json:"vote,omitempty"`
	Reason        string   `json:"reason,omitempty"`
	Topic         string   `json:"topic,omitempty"`
	Participants  []string `json:"participants,omitempty"`
}
