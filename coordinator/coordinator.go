// Package coordinator implements the mesh brain: the component that
// receives periodic check-ins from worker agents, enforces the objective's
// guardrails, hands each agent a digest of relevant insights from its
// peers, and relays consensus resolutions back into every agent's next
// turn.
//
// A Coordinator is fail-open. When the bus is unreachable a check-in still
// returns, marked Degraded, so agents keep working without guardrails
// rather than stalling.
package coordinator

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
	"github.com/jrc1883/meshbrain/semantic"
)

// ErrNoNextPhase is returned by AdvancePhase on the last phase.
var ErrNoNextPhase = errors.New("objective has no next phase")

// Context item kinds queued for agents.
const (
	ContextResolution  = "resolution"
	ContextPhaseChange = "phase_change"
	ContextBroadcast   = "broadcast"
)

// Options configure a Coordinator.
type Options struct {
	ID        string
	Namespace string
	Clock     clock.Clock
	Logger    logging.Logger
	Embedder  semantic.Embedder

	CheckInEvery      int
	StateTTL          time.Duration
	InsightTTL        time.Duration
	StaleAfter        time.Duration
	BroadcastInterval time.Duration
	StreamMaxAge      time.Duration
	DigestLimit       int
	DedupThreshold    float64
	// MaxPending caps queued context items per agent; the oldest are
	// dropped first.
	MaxPending int
}

type agentEntry struct {
	identity protocol.AgentIdentity
	state    protocol.AgentState
	lastSeen time.Time
	stale    bool
	pending  []protocol.ContextItem
}

// Coordinator aggregates agent state for one mesh.
type Coordinator struct {
	bus      bus.Bus
	keys     protocol.Keys
	opts     Options
	logger   logging.Logger
	insights *InsightStore
	cadence  *Cadence
	streams  *StreamManager

	mu        sync.Mutex
	objective protocol.Objective
	agents    map[string]*agentEntry
}

// New creates a coordinator for objective on b.
func New(b bus.Bus, objective protocol.Objective, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		ID:                "mesh-brain",
		Namespace:         protocol.DefaultNamespace,
		Clock:             clock.Real(),
		Logger:            logging.NoOpLogger{},
		Embedder:          semantic.NoopEmbedder{},
		CheckInEvery:      5,
		StateTTL:          10 * time.Minute,
		InsightTTL:        2 * time.Hour,
		StaleAfter:        2 * time.Minute,
		BroadcastInterval: 30 * time.Second,
		StreamMaxAge:      30 * time.Minute,
		DigestLimit:       5,
		DedupThreshold:    0.92,
		MaxPending:        20,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if ml, ok := logger.(*logging.MeshLogger); ok {
		logger = ml.WithComponent("coordinator")
	}
	return &Coordinator{
		bus:      b,
		keys:     protocol.Keys{Namespace: opts.Namespace},
		opts:     opts,
		logger:   logger,
		insights: NewInsightStore(1000),
		cadence:  NewCadence(opts.CheckInEvery),
		streams: NewStreamManager(b, func(o *StreamOptions) {
			o.Clock = opts.Clock
			o.Logger = logger
		}),
		objective: objective,
		agents:    make(map[string]*agentEntry),
	}
}

// Streams returns the coordinator's stream manager.
func (c *Coordinator) Streams() *StreamManager { return c.streams }

// Insights returns the coordinator's insight store.
func (c *Coordinator) Insights() *InsightStore { return c.insights }

// Cadence returns the per-agent check-in cadence.
func (c *Coordinator) Cadence() *Cadence { return c.cadence }

// Objective returns a copy of the current objective.
func (c *Coordinator) Objective() protocol.Objective {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objective
}

// Register adds an agent to the mesh. Registering twice keeps the
// original registration time.
func (c *Coordinator) Register(id protocol.AgentIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registerLocked(id)
}

func (c *Coordinator) registerLocked(id protocol.AgentIdentity) *agentEntry {
	if e, ok := c.agents[id.ID]; ok {
		if id.Role != "" {
			e.identity.Role = id.Role
		}
		return e
	}
	now := c.opts.Clock.Now()
	if id.RegisteredAt.IsZero() {
		id.RegisteredAt = now.UTC()
	}
	e := &agentEntry{identity: id, lastSeen: now}
	c.agents[id.ID] = e
	c.logger.Info("Agent registered", "agent_id", id.ID, "role", id.Role)
	return e
}

// Deregister removes an agent and its queued context.
func (c *Coordinator) Deregister(agentID string) {
	c.mu.Lock()
	delete(c.agents, agentID)
	c.mu.Unlock()
	c.cadence.Forget(agentID)
	c.logger.Info("Agent deregistered", "agent_id", agentID)
}

// Agents returns the registered agent ids, sorted.
func (c *Coordinator) Agents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.agents))
	for id := range c.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsLive reports whether agentID is registered and not stale. It is the
// liveness source for consensus sessions.
func (c *Coordinator) IsLive(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.agents[agentID]
	return ok && !e.stale
}

// CheckIn records an agent's state and returns guardrail violations, the
// insight digest and any queued context. Bus failures degrade the
// response instead of failing it.
func (c *Coordinator) CheckIn(ctx context.Context, in protocol.CheckIn) (protocol.CheckInResponse, error) {
	if err := in.State.Validate(); err != nil {
		return protocol.CheckInResponse{}, err
	}
	agentID := in.State.AgentID
	now := c.opts.Clock.Now()
	state := in.State
	if state.LastHeartbeat.IsZero() {
		state.LastHeartbeat = now.UTC()
	}

	c.mu.Lock()
	e := c.registerLocked(protocol.AgentIdentity{ID: agentID, Role: state.Role})
	e.state = state
	e.lastSeen = now
	e.stale = false
	obj := c.objective
	pending := e.pending
	e.pending = nil
	c.mu.Unlock()

	c.cadence.Observe(agentID, in.ToolCalls)
	logger := c.logger
	if ml, ok := logger.(*logging.MeshLogger); ok {
		logger = ml.WithAgent(agentID)
	}

	degraded := false
	if err := bus.SetJSON(ctx, c.bus, c.keys.State(agentID), state, c.opts.StateTTL); err != nil {
		logger.Error("Check-in degraded: state not stored", "error", err.Error())
		degraded = true
	}
	if !degraded {
		msg, err := protocol.NewMessage(protocol.TypeStateUpdate, agentID, state)
		if err == nil {
			err = c.bus.Publish(ctx, protocol.ChannelHeartbeat, msg.At(now))
		}
		if err != nil {
			logger.Error("Check-in degraded: state not published", "error", err.Error())
			degraded = true
		}
	}
	if !degraded {
		for _, ins := range in.Insights {
			if ins.AgentID == "" {
				ins.AgentID = agentID
			}
			if _, _, err := c.PublishInsight(ctx, ins); err != nil {
				if errors.Is(err, protocol.ErrInvalidInsight) {
					logger.Warn("Rejected insight", "error", err.Error())
					continue
				}
				logger.Error("Check-in degraded: insight not published", "error", err.Error())
				degraded = true
				break
			}
		}
	}

	resp := protocol.CheckInResponse{
		AgentID:  agentID,
		Phase:    obj.CurrentPhase(),
		Digest:   c.Digest(agentID, state.CurrentTask),
		Context:  pending,
		Degraded: degraded,
	}
	if !degraded {
		resp.Violations = CheckDrift(obj, state)
		for _, v := range resp.Violations {
			logger.Warn("Guardrail violation", "kind", string(v.Kind), "subject", v.Subject)
		}
	}
	return resp, nil
}

// CheckDrift evaluates state against the current objective.
func (c *Coordinator) CheckDrift(state protocol.AgentState) []protocol.Violation {
	return CheckDrift(c.Objective(), state)
}

// Digest returns other agents' insights relevant to task, newest first.
// Blockers are always included.
func (c *Coordinator) Digest(agentID, task string) []protocol.Insight {
	return c.insights.Search(Keywords(task), agentID, c.opts.DigestLimit)
}

// PublishInsight validates, deduplicates, stores and publishes an insight.
// It returns the stored form and whether it was new; duplicates are not
// republished.
func (c *Coordinator) PublishInsight(ctx context.Context, ins protocol.Insight) (protocol.Insight, bool, error) {
	if err := ins.Validate(); err != nil {
		return protocol.Insight{}, false, err
	}
	ins.Tags = protocol.NormalizeTags(ins.Tags)
	ins.Fingerprint = Fingerprint(ins.Content)
	if ins.ID == "" {
		ins.ID = protocol.NewID()
	}
	if ins.Timestamp.IsZero() {
		ins.Timestamp = c.opts.Clock.Now().UTC()
	}

	if c.insights.HasFingerprint(ins.Fingerprint) {
		c.logger.Debug("Duplicate insight", "agent_id", ins.AgentID, "fingerprint", ins.Fingerprint)
		return ins, false, nil
	}
	var vector []float64
	if vecs, err := c.opts.Embedder.Embed(ctx, []string{ins.Content}); err == nil && len(vecs) == 1 {
		vector = vecs[0]
		if id, sim, ok := c.insights.Similar(vector, c.opts.DedupThreshold); ok {
			c.logger.Debug("Semantically duplicate insight", "agent_id", ins.AgentID, "similar_to", id, "similarity", sim)
			return ins, false, nil
		}
	} else if err != nil && !errors.Is(err, semantic.ErrUnavailable) {
		c.logger.Warn("Embedding failed; keyword dedup only", "error", err.Error())
	}

	if !c.insights.Add(ins, vector) {
		return ins, false, nil
	}
	if err := bus.SetJSON(ctx, c.bus, c.keys.Insight(ins.ID), ins, c.opts.InsightTTL); err != nil {
		return ins, true, fmt.Errorf("store insight: %w", err)
	}
	msg, err := protocol.NewMessage(protocol.TypeInsight, ins.AgentID, ins)
	if err != nil {
		return ins, true, err
	}
	if err := c.bus.Publish(ctx, protocol.ChannelInsights, msg); err != nil {
		return ins, true, fmt.Errorf("publish insight: %w", err)
	}
	return ins, true, nil
}

// Enqueue appends a context item to one agent's pending queue.
func (c *Coordinator) Enqueue(agentID string, item protocol.ContextItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.agents[agentID]; ok {
		c.enqueueLocked(e, item)
	}
}

func (c *Coordinator) enqueueLocked(e *agentEntry, item protocol.ContextItem) {
	e.pending = append(e.pending, item)
	if c.opts.MaxPending > 0 && len(e.pending) > c.opts.MaxPending {
		e.pending = e.pending[len(e.pending)-c.opts.MaxPending:]
	}
}

func (c *Coordinator) enqueueAll(item protocol.ContextItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.agents {
		c.enqueueLocked(e, item)
	}
}

// AdvancePhase moves the objective to its next phase, persists it and
// publishes a phase_change broadcast.
func (c *Coordinator) AdvancePhase(ctx context.Context) (protocol.PhaseChange, error) {
	c.mu.Lock()
	if c.objective.PhaseIndex+1 >= len(c.objective.Phases) {
		c.mu.Unlock()
		return protocol.PhaseChange{}, ErrNoNextPhase
	}
	change := protocol.PhaseChange{From: c.objective.CurrentPhase()}
	c.objective.PhaseIndex++
	change.To = c.objective.CurrentPhase()
	change.PhaseIndex = c.objective.PhaseIndex
	obj := c.objective
	c.mu.Unlock()

	c.enqueueAll(protocol.ContextItem{
		Kind:    ContextPhaseChange,
		Summary: fmt.Sprintf("Objective moved from %q to %q", change.From, change.To),
		At:      c.opts.Clock.Now().UTC(),
	})
	c.logger.Info("Objective phase advanced", "from", change.From, "to", change.To, "phase_index", change.PhaseIndex)

	if err := bus.SetJSON(ctx, c.bus, c.keys.Objective(), obj, 0); err != nil {
		return change, fmt.Errorf("store objective: %w", err)
	}
	msg, err := protocol.NewMessage(protocol.TypePhaseChange, c.opts.ID, change)
	if err != nil {
		return change, err
	}
	if err := c.bus.Publish(ctx, protocol.ChannelBroadcast, msg); err != nil {
		return change, fmt.Errorf("publish phase change: %w", err)
	}
	return change, nil
}

// AgentStatus is one row of Status.
type AgentStatus struct {
	ID          string
	Role        string
	Progress    float64
	CurrentTask string
	LastSeen    time.Time
	Stale       bool
	Pending     int
}

// Status is a snapshot of the mesh.
type Status struct {
	Phase           string
	Agents          []AgentStatus
	AverageProgress float64
	Insights        int
}

// Status returns a snapshot of registered agents.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Phase: c.objective.CurrentPhase(), Insights: c.insights.Len()}
	var total float64
	for id, e := range c.agents {
		st.Agents = append(st.Agents, AgentStatus{
			ID:          id,
			Role:        e.identity.Role,
			Progress:    e.state.Progress,
			CurrentTask: e.state.CurrentTask,
			LastSeen:    e.lastSeen,
			Stale:       e.stale,
			Pending:     len(e.pending),
		})
		total += e.state.Progress
	}
	sort.Slice(st.Agents, func(i, j int) bool { return st.Agents[i].ID < st.Agents[j].ID })
	if len(st.Agents) > 0 {
		st.AverageProgress = total / float64(len(st.Agents))
	}
	return st
}

// MarkStale flags agents silent for longer than StaleAfter and returns
// the ids newly marked.
func (c *Coordinator) MarkStale() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Clock.Now()
	var marked []string
	for id, e := range c.agents {
		if !e.stale && now.Sub(e.lastSeen) > c.opts.StaleAfter {
			e.stale = true
			marked = append(marked, id)
		}
	}
	sort.Strings(marked)
	for _, id := range marked {
		c.logger.Warn("Agent stale", "agent_id", id)
	}
	return marked
}

// Broadcast publishes the aggregated mesh context.
func (c *Coordinator) Broadcast(ctx context.Context) error {
	st := c.Status()
	payload := protocol.Broadcast{
		Kind:     "mesh_context",
		Phase:    st.Phase,
		Insights: c.insights.Recent(c.opts.DigestLimit),
	}
	var tasks []string
	for _, a := range st.Agents {
		payload.Agents = append(payload.Agents, protocol.AgentSummary{
			AgentID:     a.ID,
			Progress:    a.Progress,
			CurrentTask: a.CurrentTask,
			Stale:       a.Stale,
			LastSeen:    a.LastSeen.UTC(),
		})
		if a.CurrentTask != "" {
			tasks = append(tasks, a.ID+": "+a.CurrentTask)
		}
	}
	payload.Summary = fmt.Sprintf("%d agents, %.0f%% average progress", len(st.Agents), st.AverageProgress*100)
	if len(tasks) > 0 {
		payload.Summary += "; " + strings.Join(tasks, "; ")
	}
	msg, err := protocol.NewMessage(protocol.TypeBroadcast, c.opts.ID, payload)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, protocol.ChannelBroadcast, msg)
}

// Handle folds one bus message into the coordinator's view.
func (c *Coordinator) Handle(msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeHeartbeat, protocol.TypeStateUpdate:
		var state protocol.AgentState
		if err := msg.Decode(&state); err != nil {
			return err
		}
		if state.AgentID == "" {
			state.AgentID = msg.SenderID
		}
		c.mu.Lock()
		e := c.registerLocked(protocol.AgentIdentity{ID: state.AgentID, Role: state.Role})
		e.state = state
		e.lastSeen = c.opts.Clock.Now()
		e.stale = false
		c.mu.Unlock()

	case protocol.TypeInsight:
		var ins protocol.Insight
		if err := msg.Decode(&ins); err != nil {
			return err
		}
		if err := ins.Validate(); err != nil {
			return err
		}
		ins.Tags = protocol.NormalizeTags(ins.Tags)
		if ins.ID == "" {
			ins.ID = protocol.NewID()
		}
		if ins.Timestamp.IsZero() {
			ins.Timestamp = c.opts.Clock.Now().UTC()
		}
		c.insights.Add(ins, nil)

	case protocol.TypeStreamChunk:
		_, err := c.streams.Ingest(msg)
		return err

	case protocol.TypeConsensusResolved:
		var res protocol.Resolution
		if err := msg.Decode(&res); err != nil {
			return err
		}
		c.enqueueAll(protocol.ContextItem{
			Kind:      ContextResolution,
			SessionID: res.SessionID,
			Summary:   ResolutionSummary(res),
			At:        res.ResolvedAt,
		})
		c.logger.Info("Relaying consensus resolution", "session_id", res.SessionID, "outcome", string(res.Outcome))
	}
	return nil
}

// ResolutionSummary renders a resolution as one line of agent context.
func ResolutionSummary(res protocol.Resolution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Consensus on %q: %s", res.Topic, res.Outcome)
	if res.AcceptedProposal != nil {
		fmt.Fprintf(&b, "; accepted: %s", res.AcceptedProposal.Content)
	}
	if res.Reason != "" {
		fmt.Fprintf(&b, "; reason: %s", res.Reason)
	}
	if len(res.Dissent) > 0 {
		fmt.Fprintf(&b, "; %d dissenting", len(res.Dissent))
	}
	return b.String()
}

// Run consumes the coordination channels until ctx is done, relaying
// resolutions, publishing the periodic broadcast and marking stale agents.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := bus.SetJSON(ctx, c.bus, c.keys.Objective(), c.Objective(), 0); err != nil {
		c.logger.Warn("Objective not stored", "error", err.Error())
	}

	merged, err := bus.SubscribeAll(ctx, c.bus,
		protocol.ChannelHeartbeat, protocol.ChannelInsights, protocol.ChannelResults, protocol.ChannelBroadcast)
	if err != nil {
		return err
	}

	ticker := c.opts.Clock.NewTicker(c.opts.BroadcastInterval)
	defer ticker.Stop()
	c.logger.Info("Coordinator running", "backend", string(c.bus.Backend()))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-merged:
			if !ok {
				return nil
			}
			if msg.SenderID == c.opts.ID && msg.Type == protocol.TypeBroadcast {
				continue
			}
			if err := c.Handle(msg); err != nil {
				c.logger.Warn("Dropping message", "type", string(msg.Type), "message_id", msg.ID, "error", err.Error())
			}
		case <-ticker.C:
			c.MarkStale()
			c.streams.Prune(c.opts.StreamMaxAge)
			if err := c.Broadcast(ctx); err != nil {
				c.logger.Warn("Broadcast failed", "error", err.Error())
			}
		}
	}
}
