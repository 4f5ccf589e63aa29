// Package consensus runs structured deliberation among mesh agents.
//
// A session moves forward through proposed, discussion and voting into
// exactly one terminal phase (resolved, blocked or expired). During
// discussion a TokenRing grants speaking turns; each holder submits one
// contribution or proposal, or loses the turn on timeout. A full pass
// without a new proposal opens voting. Each voting round is counted by a
// VoteCollector against the session's rules.
//
// The Coordinator owns its sessions. Transitions are serialized by one
// mutex; timeouts are clock timers whose callbacks re-enter through the
// same mutex and act only if the turn or round they were armed for is
// still current.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// DefaultSessionTTL is how long session documents live on the bus.
const DefaultSessionTTL = 2 * time.Hour

// LivenessFunc reports whether an agent is still reachable. Agents judged
// dead are skipped in the ring and excluded from tallies.
type LivenessFunc func(agentID string) bool

// Archiver stores terminal sessions for later inspection.
type Archiver interface {
	Save(ctx context.Context, s *protocol.Session) error
}

// HumanEscalator is told about sessions that ended blocked or expired.
type HumanEscalator interface {
	Escalate(ctx context.Context, s *protocol.Session) error
}

// LogEscalator is the default HumanEscalator; it only logs.
type LogEscalator struct {
	Logger logging.Logger
}

// Escalate implements HumanEscalator.
func (e LogEscalator) Escalate(_ context.Context, s *protocol.Session) error {
	if e.Logger == nil || s.Resolution == nil {
		return nil
	}
	e.Logger.Warn("Consensus needs human attention",
		"session_id", s.ID, "topic", s.Topic, "outcome", string(s.Resolution.Outcome), "reason", s.Resolution.Reason)
	return nil
}

// Options configure a Coordinator.
type Options struct {
	// ID is the sender id on coordinator messages.
	ID        string
	Namespace string
	Clock     clock.Clock
	Logger    logging.Logger
	// Rules apply to requests that carry none.
	Rules      protocol.Rules
	SessionTTL time.Duration
	Liveness   LivenessFunc
	Archiver   Archiver
	Escalator  HumanEscalator
}

type sessionState struct {
	s                *protocol.Session
	ring             *TokenRing
	votes            *VoteCollector
	timer            *clock.Timer
	proposedThisPass bool
}

// Coordinator owns a registry of consensus sessions keyed by id.
type Coordinator struct {
	bus    bus.Bus
	keys   protocol.Keys
	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	post     []func()
}

// New creates a Coordinator publishing on b.
func New(b bus.Bus, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		ID:         "consensus",
		Namespace:  protocol.DefaultNamespace,
		Clock:      clock.Real(),
		Logger:     logging.NoOpLogger{},
		Rules:      protocol.DefaultRules(),
		SessionTTL: DefaultSessionTTL,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if ml, ok := logger.(*logging.MeshLogger); ok {
		logger = ml.WithComponent("consensus")
	}
	if opts.Escalator == nil {
		opts.Escalator = LogEscalator{Logger: logger}
	}
	return &Coordinator{
		bus:      b,
		keys:     protocol.Keys{Namespace: opts.Namespace},
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

func (c *Coordinator) sessionLogger(id string) logging.Logger {
	if ml, ok := c.logger.(*logging.MeshLogger); ok {
		return ml.WithSession(id)
	}
	return c.logger
}

// unlock releases the mutex and runs work deferred by the transition.
func (c *Coordinator) unlock() {
	post := c.post
	c.post = nil
	c.mu.Unlock()
	for _, fn := range post {
		fn()
	}
}

// CreateSession validates req, registers a session, announces it and
// grants the first speaking turn.
func (c *Coordinator) CreateSession(ctx context.Context, req protocol.SessionRequest) (*protocol.Session, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return nil, invalid("topic", "must not be empty")
	}
	participants := SortedUnique(req.Participants)
	if len(participants) == 0 {
		return nil, invalid("participants", "at least one participant is required")
	}
	rules := c.opts.Rules
	if req.Rules != nil {
		rules = *req.Rules
	}
	if err := rules.Validate(); err != nil {
		return nil, invalid("rules", "%v", err)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = protocol.TriggerRequested
	}

	now := c.opts.Clock.Now().UTC()
	s := &protocol.Session{
		ID:          protocol.NewID(),
		Topic:       topic,
		Description: req.Description,
		Trigger:     trigger,
		Phase:       protocol.PhaseProposed,
		RingOrder:   participants,
		Rules:       rules,
		RequestedBy: req.RequestedBy,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, id := range participants {
		s.Participants = append(s.Participants, protocol.Participant{AgentID: id})
	}
	st := &sessionState{
		s:     s,
		ring:  NewTokenRing(participants, rules.TurnTimeout, c.opts.Clock),
		votes: NewVoteCollector(),
	}

	c.mu.Lock()
	defer c.unlock()
	c.sessions[s.ID] = st

	c.sessionLogger(s.ID).Info("Consensus session created",
		"topic", topic, "trigger", string(trigger), "participants", participants, "quorum", rules.Quorum)
	started := protocol.ConsensusPayload{
		Phase:        protocol.PhaseProposed,
		Topic:        topic,
		Content:      req.Description,
		Participants: participants,
	}
	c.publish(ctx, protocol.ChannelCoordinator, protocol.TypeConsensusStarted, s.ID, started)
	c.publish(ctx, protocol.SessionChannel(s.ID), protocol.TypeConsensusStarted, s.ID, started)

	c.setPhase(ctx, st, protocol.PhaseDiscussion, "session opened")
	s.Pass = 1
	c.grantTurn(ctx, st)
	c.persist(ctx, st)
	return s.Clone(), nil
}

// lookup returns the live state for id or an error. Caller holds mu.
func (c *Coordinator) lookup(id string) (*sessionState, error) {
	st, ok := c.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if st.s.Phase.Terminal() {
		return st, fmt.Errorf("%w: %s is %s", ErrTerminal, id, st.s.Phase)
	}
	return st, nil
}

func (c *Coordinator) participant(st *sessionState, agentID string) (*protocol.Participant, error) {
	p := st.s.Participant(agentID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s in session %s", ErrNotParticipant, agentID, st.s.ID)
	}
	return p, nil
}

// Contribute records free-form reasoning from the turn holder and passes
// the token.
func (c *Coordinator) Contribute(ctx context.Context, sessionID, agentID, content string) error {
	c.mu.Lock()
	defer c.unlock()
	st, p, err := c.checkTurn(sessionID, agentID)
	if err != nil {
		return err
	}
	now := c.opts.Clock.Now().UTC()
	st.s.Contributions = append(st.s.Contributions, protocol.Contribution{
		AgentID: agentID, Content: content, Pass: st.s.Pass, Timestamp: now,
	})
	p.HasSpoken, p.LastTurnAt = true, now
	c.publish(ctx, protocol.SessionChannel(sessionID), protocol.TypeConsensusContribution, sessionID, protocol.ConsensusPayload{
		Phase: st.s.Phase, Turn: st.ring.Turn(), ParticipantID: agentID, Content: content,
	})
	c.endTurn(ctx, st)
	return nil
}

// Propose records a candidate resolution from the turn holder and passes
// the token. A proposal in a pass guarantees another discussion pass,
// subject to the round cap.
func (c *Coordinator) Propose(ctx context.Context, sessionID, agentID, content string) (protocol.Proposal, error) {
	if strings.TrimSpace(content) == "" {
		return protocol.Proposal{}, invalid("content", "proposal must not be empty")
	}
	c.mu.Lock()
	defer c.unlock()
	st, p, err := c.checkTurn(sessionID, agentID)
	if err != nil {
		return protocol.Proposal{}, err
	}
	now := c.opts.Clock.Now().UTC()
	prop := protocol.Proposal{ID: protocol.NewID(), AgentID: agentID, Content: content, Round: st.s.Pass, Timestamp: now}
	st.s.Proposals = append(st.s.Proposals, prop)
	st.proposedThisPass = true
	p.HasSpoken, p.LastTurnAt = true, now
	c.publish(ctx, protocol.SessionChannel(sessionID), protocol.TypeConsensusProposal, sessionID, protocol.ConsensusPayload{
		Phase: st.s.Phase, Turn: st.ring.Turn(), ParticipantID: agentID, Content: content, ProposalID: prop.ID,
	})
	c.endTurn(ctx, st)
	return prop, nil
}

func (c *Coordinator) checkTurn(sessionID, agentID string) (*sessionState, *protocol.Participant, error) {
	st, err := c.lookup(sessionID)
	if err != nil {
		return nil, nil, err
	}
	p, err := c.participant(st, agentID)
	if err != nil {
		return nil, nil, err
	}
	if st.s.Phase != protocol.PhaseDiscussion {
		return nil, nil, fmt.Errorf("%w: session %s is %s", ErrWrongPhase, sessionID, st.s.Phase)
	}
	if holder := st.ring.Holder(); holder != agentID {
		return nil, nil, fmt.Errorf("%w: turn %d belongs to %s", ErrNotYourTurn, st.ring.Turn(), holder)
	}
	return st, p, nil
}

// endTurn passes the token after a submission.
func (c *Coordinator) endTurn(ctx context.Context, st *sessionState) {
	st.timer.Stop()
	st.ring.Advance(st.ring.Turn())
	c.afterTurn(ctx, st)
	c.persist(ctx, st)
}

func (c *Coordinator) afterTurn(ctx context.Context, st *sessionState) {
	if st.ring.PassComplete() {
		c.endPass(ctx, st)
		return
	}
	c.grantTurn(ctx, st)
}

// endPass either opens voting or starts another discussion pass.
func (c *Coordinator) endPass(ctx context.Context, st *sessionState) {
	if st.proposedThisPass && st.s.Pass < st.s.Rules.MaxRounds {
		st.s.Pass++
		st.proposedThisPass = false
		st.ring.StartPass()
		c.sessionLogger(st.s.ID).Debug("Discussion pass started", "pass", st.s.Pass)
		c.grantTurn(ctx, st)
		return
	}
	c.startRound(ctx, st, 1)
}

// grantTurn hands the token to the current holder, skipping participants
// that are not live, and arms the turn timer.
func (c *Coordinator) grantTurn(ctx context.Context, st *sessionState) {
	for !c.isLive(st, st.ring.Holder()) {
		c.recordMiss(st)
		st.ring.Skip(st.ring.Turn())
		if st.ring.PassComplete() {
			c.endPass(ctx, st)
			return
		}
	}
	st.s.Token = st.ring.State()
	id, turn := st.s.ID, st.ring.Turn()
	st.timer.Stop()
	st.timer = c.opts.Clock.AfterFunc(st.s.Rules.TurnTimeout, func() { c.onTurnTimeout(id, turn) })
	c.publish(ctx, protocol.SessionChannel(id), protocol.TypeConsensusTurn, id, protocol.ConsensusPayload{
		Phase: st.s.Phase, Round: st.s.Pass, Turn: turn, ParticipantID: st.s.Token.Holder,
	})
}

func (c *Coordinator) recordMiss(st *sessionState) {
	if p := st.s.Participant(st.ring.Holder()); p != nil {
		p.MissedTurns++
	}
}

func (c *Coordinator) onTurnTimeout(sessionID string, turn int) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.unlock()
	st, ok := c.sessions[sessionID]
	if !ok || st.s.Phase != protocol.PhaseDiscussion || st.ring.Turn() != turn {
		return
	}
	c.sessionLogger(sessionID).Info("Turn timed out", "turn", turn, "holder", st.ring.Holder())
	c.recordMiss(st)
	st.ring.Skip(turn)
	c.afterTurn(ctx, st)
	c.persist(ctx, st)
}

// startRound opens voting round n.
func (c *Coordinator) startRound(ctx context.Context, st *sessionState, n int) {
	prop := st.s.LatestProposal()
	if prop == nil {
		c.finish(ctx, st, protocol.PhaseExpired, Tally{}, "discussion produced no proposal")
		return
	}
	st.s.Round = n
	st.s.Token = protocol.TokenState{}
	c.setPhase(ctx, st, protocol.PhaseVoting, fmt.Sprintf("round %d", n))

	id := st.s.ID
	st.timer.Stop()
	st.timer = c.opts.Clock.AfterFunc(st.s.Rules.RoundTimeout, func() { c.onRoundTimeout(id, n) })
	if c.allVoted(st) {
		c.closeRound(ctx, st)
	}
}

func (c *Coordinator) onRoundTimeout(sessionID string, round int) {
	ctx := context.Background()
	c.mu.Lock()
	defer c.unlock()
	st, ok := c.sessions[sessionID]
	if !ok || st.s.Phase != protocol.PhaseVoting || st.s.Round != round {
		return
	}
	c.sessionLogger(sessionID).Info("Voting round timed out", "round", round)
	c.closeRound(ctx, st)
	c.persist(ctx, st)
}

// Vote casts agentID's ballot in the current round.
func (c *Coordinator) Vote(ctx context.Context, sessionID, agentID string, vote protocol.VoteType, reason string) error {
	return c.VoteInRound(ctx, sessionID, agentID, 0, vote, reason)
}

// VoteInRound casts a ballot for a specific round. A ballot for a round
// that has already closed is ignored. round 0 means the current round.
func (c *Coordinator) VoteInRound(ctx context.Context, sessionID, agentID string, round int, vote protocol.VoteType, reason string) error {
	if !vote.Valid() {
		return invalid("vote", "unknown vote %q", vote)
	}
	c.mu.Lock()
	defer c.unlock()
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if _, err := c.participant(st, agentID); err != nil {
		return err
	}
	if st.s.Phase != protocol.PhaseVoting {
		return fmt.Errorf("%w: session %s is %s", ErrWrongPhase, sessionID, st.s.Phase)
	}
	if round == 0 {
		round = st.s.Round
	}
	if round != st.s.Round {
		c.sessionLogger(sessionID).Debug("Ignoring late vote", "agent_id", agentID, "vote_round", round, "round", st.s.Round)
		return nil
	}

	v := protocol.Vote{AgentID: agentID, Vote: vote, Round: round, Reason: reason, Timestamp: c.opts.Clock.Now().UTC()}
	if st.votes.Cast(v) {
		for i := range st.s.Votes {
			if st.s.Votes[i].AgentID == agentID && st.s.Votes[i].Round == round {
				st.s.Votes[i] = v
			}
		}
	} else {
		st.s.Votes = append(st.s.Votes, v)
	}
	c.publish(ctx, protocol.SessionChannel(sessionID), protocol.TypeConsensusVote, sessionID, protocol.ConsensusPayload{
		Phase: st.s.Phase, Round: round, ParticipantID: agentID, Vote: vote, Reason: reason,
	})
	if c.allVoted(st) {
		c.closeRound(ctx, st)
	}
	c.persist(ctx, st)
	return nil
}

// Amend revises the latest proposal before the current round's first
// vote. Only the proposal's author may amend it.
func (c *Coordinator) Amend(ctx context.Context, sessionID, agentID, content string) (protocol.Amendment, error) {
	if strings.TrimSpace(content) == "" {
		return protocol.Amendment{}, invalid("content", "amendment must not be empty")
	}
	c.mu.Lock()
	defer c.unlock()
	st, err := c.lookup(sessionID)
	if err != nil {
		return protocol.Amendment{}, err
	}
	if _, err := c.participant(st, agentID); err != nil {
		return protocol.Amendment{}, err
	}
	if st.s.Phase != protocol.PhaseVoting || len(st.votes.Votes(st.s.Round)) > 0 {
		return protocol.Amendment{}, fmt.Errorf("%w: amendments are accepted before the first vote of a round", ErrWrongPhase)
	}
	prop := st.s.LatestProposal()
	if prop.AgentID != agentID {
		return protocol.Amendment{}, fmt.Errorf("%w: only %s may amend proposal %s", ErrNotAuthor, prop.AgentID, prop.ID)
	}
	a := protocol.Amendment{
		ID: protocol.NewID(), ProposalID: prop.ID, AgentID: agentID, Content: content,
		Round: st.s.Round, Timestamp: c.opts.Clock.Now().UTC(),
	}
	st.s.Amendments = append(st.s.Amendments, a)
	c.publish(ctx, protocol.SessionChannel(sessionID), protocol.TypeConsensusAmendment, sessionID, protocol.ConsensusPayload{
		Phase: st.s.Phase, Round: st.s.Round, ParticipantID: agentID, Content: content, ProposalID: prop.ID,
	})
	c.persist(ctx, st)
	return a, nil
}

// Withdraw removes agentID from the live set of a session. A withdrawn
// holder loses the token immediately.
func (c *Coordinator) Withdraw(ctx context.Context, sessionID, agentID string) error {
	c.mu.Lock()
	defer c.unlock()
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	p, err := c.participant(st, agentID)
	if err != nil {
		return err
	}
	p.Withdrawn = true
	c.sessionLogger(sessionID).Info("Participant withdrew", "agent_id", agentID)
	switch st.s.Phase {
	case protocol.PhaseDiscussion:
		if st.ring.Holder() == agentID {
			st.timer.Stop()
			st.ring.Skip(st.ring.Turn())
			c.afterTurn(ctx, st)
		}
	case protocol.PhaseVoting:
		if c.allVoted(st) {
			c.closeRound(ctx, st)
		}
	}
	c.persist(ctx, st)
	return nil
}

// Cancel blocks a session immediately with reason.
func (c *Coordinator) Cancel(ctx context.Context, sessionID, reason string) error {
	c.mu.Lock()
	defer c.unlock()
	st, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "cancelled"
	}
	c.finish(ctx, st, protocol.PhaseBlocked, Tally{}, reason)
	return nil
}

func (c *Coordinator) isLive(st *sessionState, agentID string) bool {
	p := st.s.Participant(agentID)
	if p == nil || p.Withdrawn {
		return false
	}
	return c.opts.Liveness == nil || c.opts.Liveness(agentID)
}

func (c *Coordinator) liveSet(st *sessionState) map[string]bool {
	live := make(map[string]bool)
	for _, p := range st.s.Participants {
		if c.isLive(st, p.AgentID) {
			live[p.AgentID] = true
		}
	}
	return live
}

func (c *Coordinator) allVoted(st *sessionState) bool {
	for id := range c.liveSet(st) {
		if !st.votes.Voted(st.s.Round, id) {
			return false
		}
	}
	return true
}

// closeRound tallies the current round and moves on.
func (c *Coordinator) closeRound(ctx context.Context, st *sessionState) {
	st.timer.Stop()
	t := st.votes.Tally(st.s.Round, st.s.Rules, c.liveSet(st))
	if ml, ok := c.logger.(*logging.MeshLogger); ok {
		ml.LogVoteTally(st.s.ID, t.Round, t.Fraction, string(t.Outcome))
	} else {
		c.logger.Info("Vote tally", "session_id", st.s.ID, "round", t.Round, "fraction", t.Fraction, "outcome", string(t.Outcome))
	}
	switch {
	case t.Outcome == OutcomeResolved:
		c.finish(ctx, st, protocol.PhaseResolved, t, "")
	case t.Outcome == OutcomeBlocked:
		c.finish(ctx, st, protocol.PhaseBlocked, t, t.Reason)
	case st.s.Round < st.s.Rules.MaxRounds:
		c.startRound(ctx, st, st.s.Round+1)
	default:
		c.finish(ctx, st, protocol.PhaseExpired, t,
			fmt.Sprintf("no decision after %d rounds: %s", st.s.Round, t.Reason))
	}
}

// finish moves a session into a terminal phase and publishes the
// resolution.
func (c *Coordinator) finish(ctx context.Context, st *sessionState, outcome protocol.Phase, t Tally, reason string) {
	if !c.setPhase(ctx, st, outcome, reason) {
		return
	}
	st.timer.Stop()
	s := st.s
	res := &protocol.Resolution{
		SessionID:        s.ID,
		Topic:            s.Topic,
		Outcome:          outcome,
		ApprovalFraction: t.Fraction,
		Rounds:           s.Round,
		Reason:           reason,
		ResolvedAt:       c.opts.Clock.Now().UTC(),
	}
	for _, v := range st.votes.Votes(s.Round) {
		if v.Vote == protocol.VoteReject || v.Vote == protocol.VoteBlock {
			res.Dissent = append(res.Dissent, v)
		}
	}
	if outcome == protocol.PhaseResolved {
		prop := *s.LatestProposal()
		if a := latestAmendment(s, prop.ID); a != nil {
			prop.Content = a.Content
		}
		res.AcceptedProposal = &prop
		res.Rationale = fmt.Sprintf("%d approve, %d reject, %d abstain of %d live (approval %.2f, threshold %.2f)",
			t.Approve, t.Reject, t.Abstain, t.Live, t.Fraction, s.Rules.ApprovalThreshold)
	}
	s.Resolution = res
	s.Token = protocol.TokenState{}

	c.publish(ctx, protocol.ChannelBroadcast, protocol.TypeConsensusResolved, s.ID, res)
	c.publish(ctx, protocol.SessionChannel(s.ID), protocol.TypeConsensusResolved, s.ID, res)
	c.persist(ctx, st)

	snapshot := s.Clone()
	c.post = append(c.post, func() { c.afterTerminal(snapshot) })
}

func latestAmendment(s *protocol.Session, proposalID string) *protocol.Amendment {
	for i := len(s.Amendments) - 1; i >= 0; i-- {
		if s.Amendments[i].ProposalID == proposalID {
			return &s.Amendments[i]
		}
	}
	return nil
}

// afterTerminal archives and escalates outside the mutex.
func (c *Coordinator) afterTerminal(s *protocol.Session) {
	ctx := context.Background()
	logger := c.sessionLogger(s.ID)
	if c.opts.Archiver != nil {
		if err := c.opts.Archiver.Save(ctx, s); err != nil {
			logger.Error("Archiving session failed", "error", err.Error())
		}
	}
	if s.Phase == protocol.PhaseBlocked || s.Phase == protocol.PhaseExpired {
		if err := c.opts.Escalator.Escalate(ctx, s); err != nil {
			logger.Error("Escalation failed", "error", err.Error())
		}
	}
}

// setPhase applies a monotonic transition and announces it.
func (c *Coordinator) setPhase(ctx context.Context, st *sessionState, next protocol.Phase, reason string) bool {
	from := st.s.Phase
	if !from.CanTransition(next) {
		c.sessionLogger(st.s.ID).Warn("Rejected phase transition", "from", string(from), "to", string(next))
		return false
	}
	st.s.Phase = next
	st.s.UpdatedAt = c.opts.Clock.Now().UTC()
	if ml, ok := c.logger.(*logging.MeshLogger); ok {
		ml.LogPhaseTransition(st.s.ID, string(from), string(next), reason)
	} else {
		c.logger.Info("Consensus phase transition", "session_id", st.s.ID, "from", string(from), "to", string(next), "reason", reason)
	}
	payload := protocol.ConsensusPayload{Phase: next, Round: st.s.Round, Reason: reason}
	if next == protocol.PhaseVoting {
		if prop := st.s.LatestProposal(); prop != nil {
			payload.ProposalID = prop.ID
			payload.Content = prop.Content
			if a := latestAmendment(st.s, prop.ID); a != nil {
				payload.Content = a.Content
			}
		}
	}
	c.publish(ctx, protocol.SessionChannel(st.s.ID), protocol.TypeConsensusPhase, st.s.ID, payload)
	return true
}

func (c *Coordinator) publish(ctx context.Context, channel string, t protocol.MessageType, sessionID string, payload any) {
	msg, err := protocol.NewMessage(t, c.opts.ID, payload)
	if err != nil {
		c.logger.Error("Encoding consensus message failed", "type", string(t), "error", err.Error())
		return
	}
	msg = msg.WithSession(sessionID).At(c.opts.Clock.Now())
	if err := c.bus.Publish(ctx, channel, msg); err != nil {
		c.logger.Warn("Publishing consensus message failed", "type", string(t), "channel", channel, "error", err.Error())
	}
}

func (c *Coordinator) persist(ctx context.Context, st *sessionState) {
	st.s.UpdatedAt = c.opts.Clock.Now().UTC()
	if err := bus.SetJSON(ctx, c.bus, c.keys.Session(st.s.ID), st.s, c.opts.SessionTTL); err != nil {
		c.sessionLogger(st.s.ID).Warn("Persisting session failed", "error", err.Error())
	}
}

// Get returns a copy of a session, falling back to the stored document
// for sessions this instance does not own.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*protocol.Session, error) {
	c.mu.Lock()
	st, ok := c.sessions[sessionID]
	var s *protocol.Session
	if ok {
		s = st.s.Clone()
	}
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}
	var stored protocol.Session
	if err := bus.GetJSON(ctx, c.bus, c.keys.Session(sessionID), &stored); err != nil {
		if errors.Is(err, bus.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	return &stored, nil
}

// Sessions returns copies of the sessions owned by this instance, oldest
// first. Terminal sessions are included until Forget removes them.
func (c *Coordinator) Sessions() []*protocol.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Session, 0, len(c.sessions))
	for _, st := range c.sessions {
		out = append(out, st.s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns the number of non-terminal sessions.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, st := range c.sessions {
		if !st.s.Phase.Terminal() {
			n++
		}
	}
	return n
}

// Forget drops terminal sessions from the registry; their documents stay
// on the bus until they expire.
func (c *Coordinator) Forget() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, st := range c.sessions {
		if st.s.Phase.Terminal() {
			delete(c.sessions, id)
			n++
		}
	}
	return n
}

// Submit implements the trigger sink: it opens a session for req.
func (c *Coordinator) Submit(ctx context.Context, req protocol.SessionRequest) (string, error) {
	s, err := c.CreateSession(ctx, req)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

// HandleMessage applies a participant action received over the bus.
// Messages of other types, and the coordinator's own, are ignored.
func (c *Coordinator) HandleMessage(ctx context.Context, msg protocol.Message) error {
	if msg.SenderID == c.opts.ID {
		return nil
	}
	var p protocol.ConsensusPayload
	switch msg.Type {
	case protocol.TypeConsensusTrigger:
		var req protocol.SessionRequest
		if err := msg.Decode(&req); err != nil {
			return err
		}
		if req.RequestedBy == "" {
			req.RequestedBy = msg.SenderID
		}
		_, err := c.CreateSession(ctx, req)
		return err
	case protocol.TypeConsensusContribution, protocol.TypeConsensusProposal,
		protocol.TypeConsensusAmendment, protocol.TypeConsensusVote:
		if err := msg.Decode(&p); err != nil {
			return err
		}
	default:
		return nil
	}

	agentID := p.ParticipantID
	if agentID == "" {
		agentID = msg.SenderID
	}
	switch msg.Type {
	case protocol.TypeConsensusContribution:
		return c.Contribute(ctx, msg.SessionID, agentID, p.Content)
	case protocol.TypeConsensusProposal:
		_, err := c.Propose(ctx, msg.SessionID, agentID, p.Content)
		return err
	case protocol.TypeConsensusAmendment:
		_, err := c.Amend(ctx, msg.SessionID, agentID, p.Content)
		return err
	default:
		return c.VoteInRound(ctx, msg.SessionID, agentID, p.Round, p.Vote, p.Reason)
	}
}

// Run applies participant actions from the coordinator channel until ctx
// is done.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, protocol.ChannelCoordinator)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.ChannelCoordinator, err)
	}
	c.logger.Info("Consensus coordinator running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			if err := c.HandleMessage(ctx, msg); err != nil {
				c.logger.Warn("Rejected consensus action",
					"type", string(msg.Type), "session_id", msg.SessionID, "sender_id", msg.SenderID, "error", err.Error())
			}
		}
	}
}
