// Package monitor passively watches the coordination channels and turns
// what it sees into trigger snapshots.
//
// The Monitor keeps a rolling activity window per agent (message rate,
// last tool, last file, last seen) for stall detection, scores pairwise
// divergence between agents working on overlapping files, and feeds both
// to a trigger.Manager. It never touches consensus sessions itself.
package monitor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/semantic"
	"github.com/jrc1883/meshbrain/trigger"
)

// PhaseFunc reports the objective's current phase index and name.
type PhaseFunc func() (int, string)

// Options configure a Monitor.
type Options struct {
	Clock  clock.Clock
	Logger logging.Logger
	// Window is the activity window and the age limit of messages handed
	// to triggers.
	Window       time.Duration
	StallTimeout time.Duration
	// EvaluateInterval is how often Run evaluates the triggers.
	EvaluateInterval time.Duration
	// DivergenceMinScore is the lowest pairwise score recorded as a
	// divergence event.
	DivergenceMinScore float64
	// DivergenceRetention bounds how long divergence events are kept.
	DivergenceRetention time.Duration
	// MaxMessages caps the recent message buffer.
	MaxMessages int
	// Phase supplies the objective phase; without it the monitor follows
	// phase_change messages.
	Phase PhaseFunc
	// Ignore lists sender ids that are infrastructure, not agents.
	Ignore []string
}

// Activity is one agent's recent behaviour.
type Activity struct {
	AgentID   string    `json:"agent_id"`
	Count     int       `json:"count"`
	Rate      float64   `json:"rate_per_minute"`
	LastTool  string    `json:"last_tool,omitempty"`
	LastFile  string    `json:"last_file,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Stalled   bool      `json:"stalled"`
}

type agentWindow struct {
	events    []time.Time
	state     protocol.AgentState
	hasState  bool
	lastTool  string
	lastFile  string
	firstSeen time.Time
	lastSeen  time.Time
	stalled   bool
}

type pairKey struct{ a, b string }

func newPairKey(x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{x, y}
}

// Monitor observes the mesh and drives the triggers.
type Monitor struct {
	bus     bus.Bus
	manager *trigger.Manager
	opts    Options
	logger  logging.Logger
	ignore  map[string]bool

	mu         sync.Mutex
	agents     map[string]*agentWindow
	messages   []protocol.Message
	divergence []trigger.DivergenceEvent
	scores     map[pairKey]float64
	signatures map[pairKey]string
	insights   map[string]map[string]recentInsight
	toolCalls  int
	phaseIndex int
	phase      string
}

// New creates a Monitor reading b and evaluating m. Either may be nil
// when the monitor is driven by hand.
func New(b bus.Bus, m *trigger.Manager, optFns ...func(o *Options)) *Monitor {
	opts := Options{
		Clock:               clock.Real(),
		Logger:              logging.NoOpLogger{},
		Window:              time.Minute,
		StallTimeout:        3 * time.Minute,
		EvaluateInterval:    5 * time.Second,
		DivergenceMinScore:  0.5,
		DivergenceRetention: 15 * time.Minute,
		MaxMessages:         500,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if ml, ok := logger.(*logging.MeshLogger); ok {
		logger = ml.WithComponent("monitor")
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, id := range opts.Ignore {
		ignore[id] = true
	}
	return &Monitor{
		bus:        b,
		manager:    m,
		opts:       opts,
		logger:     logger,
		ignore:     ignore,
		agents:     make(map[string]*agentWindow),
		scores:     make(map[pairKey]float64),
		signatures: make(map[pairKey]string),
		insights:   make(map[string]map[string]recentInsight),
	}
}

// isAgentMessage reports whether msg describes agent activity rather than
// coordinator output.
func isAgentMessage(t protocol.MessageType) bool {
	switch t {
	case protocol.TypeHeartbeat, protocol.TypeStateUpdate, protocol.TypeInsight, protocol.TypeStreamChunk,
		protocol.TypeConsensusContribution, protocol.TypeConsensusProposal, protocol.TypeConsensusAmendment,
		protocol.TypeConsensusVote, protocol.TypeConsensusTrigger:
		return true
	}
	return false
}

// Observe records one message.
func (m *Monitor) Observe(msg protocol.Message) {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	if over := len(m.messages) - m.opts.MaxMessages; over > 0 {
		m.messages = append([]protocol.Message(nil), m.messages[over:]...)
	}

	if msg.Type == protocol.TypePhaseChange {
		var pc protocol.PhaseChange
		if msg.Decode(&pc) == nil {
			m.phaseIndex, m.phase = pc.PhaseIndex, pc.To
		}
		return
	}
	if !isAgentMessage(msg.Type) || msg.SenderID == "" || m.ignore[msg.SenderID] {
		return
	}

	w := m.window(msg.SenderID, now)
	w.events = append(w.events, now)
	w.lastSeen = now
	if w.stalled {
		w.stalled = false
		m.logger.Info("Agent active again", "agent_id", msg.SenderID)
	}

	switch msg.Type {
	case protocol.TypeHeartbeat, protocol.TypeStateUpdate:
		var st protocol.AgentState
		if err := msg.Decode(&st); err != nil || st.Validate() != nil {
			m.logger.Debug("Ignoring malformed state", "message_id", msg.ID)
			return
		}
		m.observeState(w, st, now)
	case protocol.TypeInsight:
		m.observeInsight(msg, now)
	}
}

func (m *Monitor) window(agentID string, now time.Time) *agentWindow {
	w, ok := m.agents[agentID]
	if !ok {
		w = &agentWindow{firstSeen: now}
		m.agents[agentID] = w
	}
	return w
}

func (m *Monitor) observeState(w *agentWindow, st protocol.AgentState, now time.Time) {
	if st.LastTool != "" {
		m.toolCalls++
		w.lastTool = st.LastTool
	}
	if n := len(st.FilesTouched); n > 0 {
		w.lastFile = trigger.CleanSubject(st.FilesTouched[n-1])
	}
	w.state, w.hasState = st, true

	for other, ow := range m.agents {
		if other == st.AgentID || !ow.hasState {
			continue
		}
		score, subject, reason := Divergence(st, ow.state)
		key := newPairKey(st.AgentID, other)
		m.scores[key] = score
		if score < m.opts.DivergenceMinScore || score == 0 {
			delete(m.signatures, key)
			continue
		}
		sig := stateText(st) + "\x00" + stateText(ow.state)
		if st.AgentID > other {
			sig = stateText(ow.state) + "\x00" + stateText(st)
		}
		if m.signatures[key] == sig {
			continue
		}
		m.signatures[key] = sig
		m.recordDivergence(trigger.DivergenceEvent{
			Agents: []string{key.a, key.b}, Subject: subject, Score: score, Reason: reason, At: now,
		})
	}
}

type recentInsight struct {
	stmt semantic.Statement
	at   time.Time
}

// observeInsight records a divergence event when an insight contradicts
// another agent's recent insight on the same subject.
func (m *Monitor) observeInsight(msg protocol.Message, now time.Time) {
	for _, st := range trigger.Statements([]protocol.Message{msg}, time.Time{}) {
		prior, ok := m.insights[st.Subject]
		if !ok {
			prior = make(map[string]recentInsight)
			m.insights[st.Subject] = prior
		}
		for other, ri := range prior {
			if other == st.AgentID || now.Sub(ri.at) > m.opts.DivergenceRetention {
				continue
			}
			if conflict, reason := semantic.Contradicts(st.Text, ri.stmt.Text); conflict {
				key := newPairKey(st.AgentID, other)
				m.recordDivergence(trigger.DivergenceEvent{
					Agents: []string{key.a, key.b}, Subject: st.Subject, Score: 1,
					Reason: "contradicting insights: " + reason, At: now,
				})
			}
		}
		prior[st.AgentID] = recentInsight{stmt: st, at: now}
	}
}

// pruneInsights drops insight statements older than the divergence
// retention.
func (m *Monitor) pruneInsights(now time.Time) {
	for subject, prior := range m.insights {
		for agent, ri := range prior {
			if now.Sub(ri.at) > m.opts.DivergenceRetention {
				delete(prior, agent)
			}
		}
		if len(prior) == 0 {
			delete(m.insights, subject)
		}
	}
}

func (m *Monitor) recordDivergence(ev trigger.DivergenceEvent) {
	m.divergence = append(m.divergence, ev)
	m.logger.Info("Divergence detected",
		"agents", ev.Agents, "subject", ev.Subject, "score", ev.Score, "reason", ev.Reason)
}

func stateText(st protocol.AgentState) string {
	if st.Output != "" {
		return st.Output
	}
	return st.CurrentTask
}

// Divergence scores two agent states: the overlap coefficient of their
// touched files times their polarity disagreement. Disagreement is the
// share of commonly mentioned polarity axes on which they take opposite
// sides, or 1 when either text carries an explicit conflict marker. It
// returns the first shared file as the subject.
func Divergence(a, b protocol.AgentState) (score float64, subject, reason string) {
	fa := fileSet(a.FilesTouched)
	fb := fileSet(b.FilesTouched)
	if len(fa) == 0 || len(fb) == 0 {
		return 0, "", ""
	}
	var shared []string
	for f := range fa {
		if fb[f] {
			shared = append(shared, f)
		}
	}
	if len(shared) == 0 {
		return 0, "", ""
	}
	sort.Strings(shared)
	overlap := float64(len(shared)) / float64(min(len(fa), len(fb)))

	disagreement, reason := polarityDisagreement(stateText(a), stateText(b))
	return overlap * disagreement, shared[0], reason
}

func fileSet(files []string) map[string]bool {
	out := make(map[string]bool, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			out[trigger.CleanSubject(f)] = true
		}
	}
	return out
}

func polarityDisagreement(a, b string) (float64, string) {
	if semantic.HasConflictMarker(a) || semantic.HasConflictMarker(b) {
		return 1, "explicit disagreement"
	}
	sa, sb := semantic.Stances(a), semantic.Stances(b)
	var shared, opposed []string
	for axis, x := range sa {
		y, ok := sb[axis]
		if !ok || x == 0 || y == 0 {
			continue
		}
		shared = append(shared, axis)
		if x != y {
			opposed = append(opposed, axis)
		}
	}
	if len(shared) == 0 {
		return 0, ""
	}
	sort.Strings(opposed)
	if len(opposed) == 0 {
		return 0, ""
	}
	return float64(len(opposed)) / float64(len(shared)), "opposing stances on " + strings.Join(opposed, ", ")
}

// Score returns the latest divergence score between two agents.
func (m *Monitor) Score(a, b string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[newPairKey(a, b)]
}

// Activity returns the activity of every observed agent, sorted by id.
func (m *Monitor) Activity() []Activity {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Activity, 0, len(m.agents))
	for id, w := range m.agents {
		m.pruneEvents(w, now)
		out = append(out, Activity{
			AgentID:   id,
			Count:     len(w.events),
			Rate:      float64(len(w.events)) / m.opts.Window.Minutes(),
			LastTool:  w.lastTool,
			LastFile:  w.lastFile,
			FirstSeen: w.firstSeen,
			LastSeen:  w.lastSeen,
			Stalled:   now.Sub(w.lastSeen) > m.opts.StallTimeout,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (m *Monitor) pruneEvents(w *agentWindow, now time.Time) {
	cutoff := now.Add(-m.opts.Window)
	i := 0
	for i < len(w.events) && w.events[i].Before(cutoff) {
		i++
	}
	w.events = w.events[i:]
}

// Stalled returns the ids of observed agents silent for longer than the
// stall timeout at now, sorted.
func (m *Monitor) Stalled(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, w := range m.agents {
		if now.Sub(w.lastSeen) > m.opts.StallTimeout {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Live reports whether agentID has been seen within the stall timeout.
// Agents never observed are not live.
func (m *Monitor) Live(agentID string) bool {
	now := m.opts.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.agents[agentID]
	return ok && now.Sub(w.lastSeen) <= m.opts.StallTimeout
}

// Forget drops an agent's window and scores.
func (m *Monitor) Forget(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	for subject, prior := range m.insights {
		delete(prior, agentID)
		if len(prior) == 0 {
			delete(m.insights, subject)
		}
	}
	for k := range m.scores {
		if k.a == agentID || k.b == agentID {
			delete(m.scores, k)
			delete(m.signatures, k)
		}
	}
}

// Snapshot assembles the trigger context at now.
func (m *Monitor) Snapshot(now time.Time) trigger.Snapshot {
	phaseIndex, phase := 0, ""
	if m.opts.Phase != nil {
		phaseIndex, phase = m.opts.Phase()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.Phase == nil {
		phaseIndex, phase = m.phaseIndex, m.phase
	}

	cutoff := now.Add(-m.opts.Window)
	snap := trigger.Snapshot{Now: now, ToolCalls: m.toolCalls, PhaseIndex: phaseIndex, Phase: phase}
	for _, msg := range m.messages {
		if !msg.Timestamp.Before(cutoff) {
			snap.Messages = append(snap.Messages, msg)
		}
	}

	ids := make([]string, 0, len(m.agents))
	for id, w := range m.agents {
		if w.hasState && now.Sub(w.lastSeen) <= m.opts.StallTimeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Agents = append(snap.Agents, m.agents[id].state)
	}

	keep := m.divergence[:0]
	for _, ev := range m.divergence {
		if now.Sub(ev.At) <= m.opts.DivergenceRetention {
			keep = append(keep, ev)
		}
	}
	m.divergence = keep
	m.pruneInsights(now)
	snap.Divergence = append([]trigger.DivergenceEvent(nil), keep...)
	return snap
}

// markStalled logs agents that went silent since the last check.
func (m *Monitor) markStalled(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.agents {
		if !w.stalled && now.Sub(w.lastSeen) > m.opts.StallTimeout {
			w.stalled = true
			m.logger.Warn("Agent stalled",
				"agent_id", id, "silent_for", now.Sub(w.lastSeen).String(), "last_tool", w.lastTool, "last_file", w.lastFile)
		}
	}
}

// Evaluate checks for stalls and runs the triggers against the current
// snapshot.
func (m *Monitor) Evaluate(ctx context.Context) []trigger.Published {
	now := m.opts.Clock.Now()
	m.markStalled(now)
	if m.manager == nil {
		return nil
	}
	published := m.manager.Evaluate(ctx, m.Snapshot(now))
	for _, p := range published {
		m.logger.Info("Consensus requested",
			"trigger", string(p.Request.Trigger), "topic", p.Request.Topic, "session_id", p.SessionID)
	}
	return published
}

// Run observes every coordination channel and evaluates the triggers on
// each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.bus == nil {
		return errors.New("monitor: no bus")
	}
	merged, err := bus.SubscribeAll(ctx, m.bus, protocol.CoordinationChannels()...)
	if err != nil {
		return err
	}
	ticker := m.opts.Clock.NewTicker(m.opts.EvaluateInterval)
	defer ticker.Stop()
	m.logger.Info("Monitor running", "interval", m.opts.EvaluateInterval.String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-merged:
			if !ok {
				return nil
			}
			m.Observe(msg)
		case <-ticker.C:
			m.Evaluate(ctx)
		}
	}
}
