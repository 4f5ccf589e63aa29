// Package trigger decides when the mesh should stop and deliberate.
//
// Each Trigger inspects a Snapshot of recent mesh activity and either
// abstains or returns session requests. A Manager runs the registered
// triggers in order and hands their requests to a Publisher, which
// suppresses repeats of the same topic inside a cool-down window before
// forwarding to a Sink (normally the consensus coordinator).
package trigger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// ErrCoolingDown is returned by Manager.Request when an equivalent topic
// was published within the cool-down window.
var ErrCoolingDown = errors.New("topic is cooling down")

// DivergenceEvent records two agents pulling in different directions on
// one subject.
type DivergenceEvent struct {
	Agents  []string  `json:"agents"`
	Subject string    `json:"subject"`
	Score   float64   `json:"score"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Snapshot is the context every trigger evaluates.
type Snapshot struct {
	Now time.Time
	// Messages are recent coordination messages, oldest first.
	Messages []protocol.Message
	Agents   []protocol.AgentState
	// ToolCalls is the total number of tool calls observed so far.
	ToolCalls  int
	PhaseIndex int
	Phase      string
	Divergence []DivergenceEvent
}

// AgentIDs returns the sorted ids of the agents in the snapshot.
func (s Snapshot) AgentIDs() []string {
	ids := make([]string, 0, len(s.Agents))
	seen := make(map[string]bool, len(s.Agents))
	for _, a := range s.Agents {
		if a.AgentID == "" || seen[a.AgentID] {
			continue
		}
		seen[a.AgentID] = true
		ids = append(ids, a.AgentID)
	}
	sort.Strings(ids)
	return ids
}

// Trigger evaluates a snapshot and returns the sessions it wants opened.
type Trigger interface {
	Type() protocol.TriggerType
	Evaluate(ctx context.Context, snap Snapshot) []protocol.SessionRequest
}

// Published is a request that made it past the cool-down.
type Published struct {
	Request   protocol.SessionRequest
	SessionID string
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Logger logging.Logger
}

// Manager holds the registered triggers.
type Manager struct {
	mu        sync.Mutex
	triggers  []Trigger
	publisher *Publisher
	logger    logging.Logger
}

// NewManager creates a Manager publishing through p.
func NewManager(p *Publisher, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{publisher: p, logger: opts.Logger}
}

// Register appends triggers; they are evaluated in registration order.
func (m *Manager) Register(ts ...Trigger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, ts...)
}

// Types lists the registered trigger types in evaluation order.
func (m *Manager) Types() []protocol.TriggerType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.TriggerType, len(m.triggers))
	for i, t := range m.triggers {
		out[i] = t.Type()
	}
	return out
}

// Evaluate runs every trigger against snap and publishes what they ask
// for. It returns the requests that were forwarded to the sink.
func (m *Manager) Evaluate(ctx context.Context, snap Snapshot) []Published {
	m.mu.Lock()
	triggers := append([]Trigger(nil), m.triggers...)
	m.mu.Unlock()

	var out []Published
	for _, t := range triggers {
		for _, req := range t.Evaluate(ctx, snap) {
			if req.Trigger == "" {
				req.Trigger = t.Type()
			}
			if p, ok := m.publish(ctx, req); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

// Request publishes an explicit request immediately. It is still subject
// to the cool-down and returns ErrCoolingDown when suppressed; sink
// errors are returned as is.
func (m *Manager) Request(ctx context.Context, req protocol.SessionRequest) (Published, error) {
	if req.Trigger == "" {
		req.Trigger = protocol.TriggerRequested
	}
	return m.submit(ctx, req)
}

func (m *Manager) publish(ctx context.Context, req protocol.SessionRequest) (Published, bool) {
	p, err := m.submit(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrCoolingDown) {
			m.logger.Warn("Session request rejected", "trigger", string(req.Trigger), "topic", req.Topic, "error", err.Error())
		}
		return Published{}, false
	}
	return p, true
}

func (m *Manager) submit(ctx context.Context, req protocol.SessionRequest) (Published, error) {
	id, ok, err := m.publisher.Publish(ctx, req)
	if err != nil {
		return Published{}, err
	}
	if !ok {
		return Published{}, ErrCoolingDown
	}
	return Published{Request: req, SessionID: id}, nil
}
