package trigger

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/semantic"
)

// Requested fires for explicitly queued requests.
type Requested struct {
	mu    sync.Mutex
	queue []protocol.SessionRequest
}

// NewRequested returns an empty queue.
func NewRequested() *Requested { return &Requested{} }

// Type implements Trigger.
func (*Requested) Type() protocol.TriggerType { return protocol.TriggerRequested }

// Request queues req for the next evaluation.
func (r *Requested) Request(req protocol.SessionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, req)
}

// Evaluate drains the queue. Requests without participants invite every
// agent in the snapshot.
func (r *Requested) Evaluate(_ context.Context, snap Snapshot) []protocol.SessionRequest {
	r.mu.Lock()
	queue := r.queue
	r.queue = nil
	r.mu.Unlock()

	for i := range queue {
		queue[i].Trigger = protocol.TriggerRequested
		if len(queue[i].Participants) == 0 {
			queue[i].Participants = snap.AgentIDs()
		}
	}
	return queue
}

// ConflictOptions configure a Conflict trigger.
type ConflictOptions struct {
	// Window bounds how old a message may be to count.
	Window time.Duration
	// Judge decides contradictions; KeywordJudge when nil.
	Judge  semantic.ConflictJudge
	Logger logging.Logger
}

// Conflict fires when two agents' recent outputs about the same file or
// topic contradict each other.
type Conflict struct {
	opts  ConflictOptions
	judge semantic.ConflictJudge
}

// NewConflict creates a Conflict trigger.
func NewConflict(optFns ...func(o *ConflictOptions)) *Conflict {
	opts := ConflictOptions{Window: time.Minute, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	judge := opts.Judge
	if judge == nil {
		judge = semantic.KeywordJudge{}
	}
	return &Conflict{opts: opts, judge: judge}
}

// Type implements Trigger.
func (*Conflict) Type() protocol.TriggerType { return protocol.TriggerConflict }

// Evaluate implements Trigger. At most one request is returned per
// subject; it invites every agent with a statement on that subject.
func (c *Conflict) Evaluate(ctx context.Context, snap Snapshot) []protocol.SessionRequest {
	bySubject := make(map[string]map[string]semantic.Statement)
	for _, st := range Statements(snap.Messages, snap.Now.Add(-c.opts.Window)) {
		agents, ok := bySubject[st.Subject]
		if !ok {
			agents = make(map[string]semantic.Statement)
			bySubject[st.Subject] = agents
		}
		agents[st.AgentID] = st
	}

	subjects := make([]string, 0, len(bySubject))
	for s, agents := range bySubject {
		if len(agents) >= 2 {
			subjects = append(subjects, s)
		}
	}
	sort.Strings(subjects)

	var out []protocol.SessionRequest
	for _, subject := range subjects {
		stmts := sortedStatements(bySubject[subject])
		if v, ok := c.firstConflict(ctx, stmts); ok {
			participants := make([]string, len(stmts))
			for i, s := range stmts {
				participants[i] = s.AgentID
			}
			out = append(out, protocol.SessionRequest{
				Topic:        "Conflict on " + subject,
				Description:  v.Reason,
				Trigger:      protocol.TriggerConflict,
				Participants: participants,
				Metadata:     map[string]string{"subject": subject},
			})
		}
	}
	return out
}

func (c *Conflict) firstConflict(ctx context.Context, stmts []semantic.Statement) (semantic.Verdict, bool) {
	for i := 0; i < len(stmts); i++ {
		for j := i + 1; j < len(stmts); j++ {
			v, err := c.judge.Judge(ctx, stmts[i], stmts[j])
			if err != nil {
				c.opts.Logger.Warn("Conflict judge failed, using keywords", "subject", stmts[i].Subject, "error", err.Error())
				v, _ = semantic.KeywordJudge{}.Judge(ctx, stmts[i], stmts[j])
			}
			if v.Conflict {
				return v, true
			}
		}
	}
	return semantic.Verdict{}, false
}

func sortedStatements(m map[string]semantic.Statement) []semantic.Statement {
	out := make([]semantic.Statement, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Statements extracts per-subject claims from agent output messages sent
// at or after since. A state update speaks about every file it touched; an
// insight speaks about the files it mentions, or its tags when it names
// none. Later messages from the same agent on the same subject win.
func Statements(msgs []protocol.Message, since time.Time) []semantic.Statement {
	var out []semantic.Statement
	for _, msg := range msgs {
		if msg.Timestamp.Before(since) {
			continue
		}
		switch msg.Type {
		case protocol.TypeHeartbeat, protocol.TypeStateUpdate:
			var st protocol.AgentState
			if msg.Decode(&st) != nil || st.AgentID == "" {
				continue
			}
			text := st.Output
			if text == "" {
				text = st.CurrentTask
			}
			if strings.TrimSpace(text) == "" {
				continue
			}
			for _, f := range st.FilesTouched {
				out = append(out, semantic.Statement{AgentID: st.AgentID, Subject: CleanSubject(f), Text: text})
			}
		case protocol.TypeInsight:
			var ins protocol.Insight
			if msg.Decode(&ins) != nil || ins.AgentID == "" {
				continue
			}
			subjects := FileRefs(ins.Content)
			if len(subjects) == 0 {
				subjects = protocol.NormalizeTags(ins.Tags)
			}
			for _, s := range subjects {
				out = append(out, semantic.Statement{AgentID: ins.AgentID, Subject: s, Text: ins.Content})
			}
		}
	}
	return out
}

// CleanSubject normalizes a file path used as a subject.
func CleanSubject(p string) string {
	return strings.ToLower(path.Clean(strings.TrimPrefix(strings.TrimSpace(p), "./")))
}

// FileRefs returns the file paths mentioned in text: words that contain a
// slash or end in a short alphanumeric extension.
func FileRefs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range strings.Fields(text) {
		w = strings.Trim(w, "`'\"()[]{},;:!?")
		w = strings.TrimSuffix(w, ".")
		if w == "" || strings.Contains(w, "://") {
			continue
		}
		if !strings.Contains(w, "/") && !hasExtension(w) {
			continue
		}
		s := CleanSubject(w)
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func hasExtension(w string) bool {
	ext := path.Ext(w)
	if len(ext) < 3 || len(ext) > 5 || len(w) == len(ext) {
		return false
	}
	for _, r := range ext[1:] {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return strings.IndexFunc(ext, unicode.IsLetter) >= 0
}

// Threshold fires when more than Count divergence events fall inside the
// sliding window.
type Threshold struct {
	Window time.Duration
	Count  int
}

// NewThreshold creates a Threshold trigger.
func NewThreshold(window time.Duration, count int) *Threshold {
	return &Threshold{Window: window, Count: count}
}

// Type implements Trigger.
func (*Threshold) Type() protocol.TriggerType { return protocol.TriggerThreshold }

// Evaluate implements Trigger.
func (t *Threshold) Evaluate(_ context.Context, snap Snapshot) []protocol.SessionRequest {
	since := snap.Now.Add(-t.Window)
	agents := make(map[string]bool)
	subjects := make(map[string]bool)
	n := 0
	for _, ev := range snap.Divergence {
		if ev.At.Before(since) || ev.At.After(snap.Now) {
			continue
		}
		n++
		for _, a := range ev.Agents {
			agents[a] = true
		}
		subjects[ev.Subject] = true
	}
	if n <= t.Count {
		return nil
	}
	return []protocol.SessionRequest{{
		Topic: "Divergence threshold exceeded",
		Description: fmt.Sprintf("%d divergence events in %s on %s",
			n, t.Window, strings.Join(sortedKeys(subjects), ", ")),
		Trigger:      protocol.TriggerThreshold,
		Participants: sortedKeys(agents),
	}}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// checkpointTopic is shared by Checkpoint and PhaseChange so that both
// observing the same advance collapse into one session.
func checkpointTopic(phase string, index int) string {
	if phase == "" {
		phase = fmt.Sprintf("phase %d", index)
	}
	return "Checkpoint before " + phase
}

// Checkpoint fires exactly once each time the objective's phase index
// advances. The first snapshot only records the starting index.
type Checkpoint struct {
	mu   sync.Mutex
	last int
	seen bool
}

// NewCheckpoint creates a Checkpoint trigger.
func NewCheckpoint() *Checkpoint { return &Checkpoint{} }

// Type implements Trigger.
func (*Checkpoint) Type() protocol.TriggerType { return protocol.TriggerCheckpoint }

// Evaluate implements Trigger.
func (c *Checkpoint) Evaluate(_ context.Context, snap Snapshot) []protocol.SessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seen {
		c.seen, c.last = true, snap.PhaseIndex
		return nil
	}
	if snap.PhaseIndex <= c.last {
		return nil
	}
	c.last = snap.PhaseIndex
	return []protocol.SessionRequest{{
		Topic:        checkpointTopic(snap.Phase, snap.PhaseIndex),
		Description:  "Review the work of the finished phase before continuing.",
		Trigger:      protocol.TriggerCheckpoint,
		Participants: snap.AgentIDs(),
		Metadata:     map[string]string{"phase_index": fmt.Sprint(snap.PhaseIndex)},
	}}
}

// PhaseChange fires once for each phase_change message seen, which lets
// an observer without the objective react to advances made elsewhere.
// Only ids still inside the snapshot window are remembered.
type PhaseChange struct {
	mu   sync.Mutex
	seen map[string]bool
}

// NewPhaseChange creates a PhaseChange trigger.
func NewPhaseChange() *PhaseChange { return &PhaseChange{seen: make(map[string]bool)} }

// Type implements Trigger.
func (*PhaseChange) Type() protocol.TriggerType { return protocol.TriggerPhase }

// Evaluate implements Trigger.
func (p *PhaseChange) Evaluate(_ context.Context, snap Snapshot) []protocol.SessionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.SessionRequest
	inWindow := make(map[string]bool)
	defer func() { p.seen = inWindow }()
	for _, msg := range snap.Messages {
		if msg.Type != protocol.TypePhaseChange {
			continue
		}
		inWindow[msg.ID] = true
		if p.seen[msg.ID] {
			continue
		}
		var pc protocol.PhaseChange
		if msg.Decode(&pc) != nil {
			continue
		}
		out = append(out, protocol.SessionRequest{
			Topic:        checkpointTopic(pc.To, pc.PhaseIndex),
			Description:  fmt.Sprintf("Phase moved from %q to %q.", pc.From, pc.To),
			Trigger:      protocol.TriggerPhase,
			Participants: snap.AgentIDs(),
			Metadata:     map[string]string{"phase_index": fmt.Sprint(pc.PhaseIndex)},
		})
	}
	return out
}

// Scheduled fires every ToolCalls tool calls and every Every of elapsed
// time, whichever are set.
type Scheduled struct {
	ToolCalls int
	Every     time.Duration

	mu       sync.Mutex
	bucket   int
	lastTime time.Time
	seq      int
}

// NewScheduled creates a Scheduled trigger. Zero disables a dimension.
func NewScheduled(toolCalls int, every time.Duration) *Scheduled {
	return &Scheduled{ToolCalls: toolCalls, Every: every}
}

// Type implements Trigger.
func (*Scheduled) Type() protocol.TriggerType { return protocol.TriggerScheduled }

// Evaluate implements Trigger. The first snapshot starts the timer.
func (s *Scheduled) Evaluate(_ context.Context, snap Snapshot) []protocol.SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var reason string
	if s.ToolCalls > 0 {
		if b := snap.ToolCalls / s.ToolCalls; b > s.bucket {
			s.bucket = b
			reason = fmt.Sprintf("%d tool calls", snap.ToolCalls)
		}
	}
	if s.Every > 0 {
		switch {
		case s.lastTime.IsZero():
			s.lastTime = snap.Now
		case snap.Now.Sub(s.lastTime) >= s.Every:
			s.lastTime = snap.Now
			if reason == "" {
				reason = fmt.Sprintf("%s elapsed", s.Every)
			}
		}
	}
	participants := snap.AgentIDs()
	if reason == "" || len(participants) == 0 {
		return nil
	}
	s.seq++
	return []protocol.SessionRequest{{
		Topic:        fmt.Sprintf("Scheduled review %d", s.seq),
		Description:  "Periodic alignment check after " + reason + ".",
		Trigger:      protocol.TriggerScheduled,
		Participants: participants,
	}}
}
