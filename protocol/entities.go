package protocol

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Objective is the shared goal of the mesh. It is created once by the
// initiating process and read-only thereafter, except for PhaseIndex which
// the owning Coordinator advances.
type Objective struct {
	Description     string   `json:"description"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	Phases          []string `json:"phases,omitempty"`
	FilePatterns    []string `json:"file_patterns,omitempty"`
	RestrictedTools []string `json:"restricted_tools,omitempty"`
	PhaseIndex      int      `json:"phase_index"`
}

// CurrentPhase returns the name of the active phase, or "" when the
// objective has no phases.
func (o Objective) CurrentPhase() string {
	if o.PhaseIndex < 0 || o.PhaseIndex >= len(o.Phases) {
		return ""
	}
	return o.Phases[o.PhaseIndex]
}

// AgentIdentity describes a participating agent.
type AgentIdentity struct {
	ID           string    `json:"id"`
	Role         string    `json:"role,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// AgentState is the latest status reported by one agent. Only the owning
// agent writes it.
type AgentState struct {
	AgentID       string    `json:"agent_id"`
	Role          string    `json:"role,omitempty"`
	Progress      float64   `json:"progress"`
	CurrentTask   string    `json:"current_task,omitempty"`
	FilesTouched  []string  `json:"files_touched,omitempty"`
	ToolsUsed     []string  `json:"tools_used,omitempty"`
	LastTool      string    `json:"last_tool,omitempty"`
	Output        string    `json:"output,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Validate checks the agent id and progress bounds.
func (s AgentState) Validate() error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: agent state without agent_id", ErrMalformed)
	}
	if s.Progress < 0 || s.Progress > 1 {
		return fmt.Errorf("%w: progress %.2f outside [0,1]", ErrMalformed, s.Progress)
	}
	return nil
}

// InsightType classifies an insight.
type InsightType string

const (
	InsightDiscovery InsightType = "discovery"
	InsightDecision  InsightType = "decision"
	InsightBlocker   InsightType = "blocker"
	InsightWarning   InsightType = "warning"
)

// Valid reports whether t is a known insight type.
func (t InsightType) Valid() bool {
	switch t {
	case InsightDiscovery, InsightDecision, InsightBlocker, InsightWarning:
		return true
	}
	return false
}

// Insight is a shareable discovery, decision, blocker or warning. It is
// immutable once published.
type Insight struct {
	ID          string      `json:"id"`
	Type        InsightType `json:"type"`
	Content     string      `json:"content"`
	Tags        []string    `json:"tags"`
	AgentID     string      `json:"agent_id"`
	Timestamp   time.Time   `json:"timestamp"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// Validate enforces the insight invariants: known type, non-empty content,
// origin agent, and a non-empty tag set.
func (i Insight) Validate() error {
	switch {
	case !i.Type.Valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInsight, i.Type)
	case strings.TrimSpace(i.Content) == "":
		return fmt.Errorf("%w: empty content", ErrInvalidInsight)
	case i.AgentID == "":
		return fmt.Errorf("%w: missing agent_id", ErrInvalidInsight)
	case len(NormalizeTags(i.Tags)) == 0:
		return fmt.Errorf("%w: relevance tags must not be empty", ErrInvalidInsight)
	}
	return nil
}

// NormalizeTags lower-cases, trims, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ViolationKind names a guardrail check.
type ViolationKind string

const (
	ViolationFileOutsideScope ViolationKind = "file_outside_scope"
	ViolationRestrictedTool   ViolationKind = "restricted_tool"
)

// Violation is one failed guardrail check. Guardrails advise; they are
// not network-level controls.
type Violation struct {
	Kind    ViolationKind `json:"kind"`
	Subject string        `json:"subject"`
	Detail  string        `json:"detail,omitempty"`
}

// CheckIn is the periodic report an agent sends every N tool calls.
type CheckIn struct {
	State     AgentState `json:"state"`
	ToolCalls int        `json:"tool_calls"`
	Insights  []Insight  `json:"insights,omitempty"`
}

// ContextItem is a piece of context injected into an agent's next turn.
type ContextItem struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Summary   string    `json:"summary"`
	At        time.Time `json:"at"`
}

// CheckInResponse is returned to the agent after a check-in. Degraded is
// set when the bus was unreachable and no guardrails were enforced.
type CheckInResponse struct {
	AgentID    string        `json:"agent_id"`
	Phase      string        `json:"phase,omitempty"`
	Digest     []Insight     `json:"digest,omitempty"`
	Violations []Violation   `json:"violations,omitempty"`
	Context    []ContextItem `json:"context,omitempty"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// AgentSummary is one row of a mesh context broadcast.
type AgentSummary struct {
	AgentID     string    `json:"agent_id"`
	Progress    float64   `json:"progress"`
	CurrentTask string    `json:"current_task,omitempty"`
	Stale       bool      `json:"stale,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Broadcast is the payload of TypeBroadcast messages.
type Broadcast struct {
	Kind     string         `json:"kind"`
	Summary  string         `json:"summary,omitempty"`
	Phase    string         `json:"phase,omitempty"`
	Agents   []AgentSummary `json:"agents,omitempty"`
	Insights []Insight      `json:"insights,omitempty"`
}

// PhaseChange is the payload of TypePhaseChange messages.
type PhaseChange struct {
	From       string `json:"from"`
	To         string `json:"to"`
	PhaseIndex int    `json:"phase_index"`
}

// StreamChunk is one fragment of an agent's incremental output.
type StreamChunk struct {
	StreamID string    `json:"stream_id"`
	AgentID  string    `json:"agent_id"`
	Seq      int       `json:"seq"`
	Content  string    `json:"content"`
	Final    bool      `json:"final,omitempty"`
	At       time.Time `json:"at"`
}
