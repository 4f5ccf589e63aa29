package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/semantic"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type countingSink struct {
	mu   sync.Mutex
	reqs []protocol.SessionRequest
	err  error
}

func (s *countingSink) Submit(_ context.Context, req protocol.SessionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.reqs = append(s.reqs, req)
	return "session-" + req.Topic, nil
}

func (s *countingSink) requests() []protocol.SessionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.SessionRequest(nil), s.reqs...)
}

func state(agent, task string, at time.Time, files ...string) protocol.Message {
	return protocol.MustMessage(protocol.TypeStateUpdate, agent, protocol.AgentState{
		AgentID: agent, CurrentTask: task, FilesTouched: files, LastHeartbeat: at,
	}).At(at)
}

func TestNormalizeTopic(t *testing.T) {
	assert.Equal(t, "conflict on api/users.go", NormalizeTopic("  Conflict on API/users.go!! "))
	assert.Equal(t, NormalizeTopic("Use Redis?"), NormalizeTopic("use   redis"))
	assert.NotEqual(t, NormalizeTopic("use redis"), NormalizeTopic("use memcached"))
}

func TestPublisher_Cooldown(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(epoch)
	sink := &countingSink{}
	p := NewPublisher(sink, func(o *PublisherOptions) { o.Clock = c })

	id, ok, err := p.Publish(ctx, protocol.SessionRequest{Topic: "Conflict on api/users.go"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "session-Conflict on api/users.go", id)

	_, ok, err = p.Publish(ctx, protocol.SessionRequest{Topic: "conflict on API/users.go!"})
	require.NoError(t, err)
	assert.False(t, ok, "same topic within cool-down")
	assert.True(t, p.CoolingDown("Conflict on api/users.go"))

	c.Advance(DefaultCooldown)
	assert.False(t, p.CoolingDown("Conflict on api/users.go"))
	_, ok, err = p.Publish(ctx, protocol.SessionRequest{Topic: "Conflict on api/users.go"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, sink.requests(), 2)
}

func TestPublisher_SinkErrorReleasesTopic(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{err: errors.New("invalid")}
	p := NewPublisher(sink)

	_, ok, err := p.Publish(ctx, protocol.SessionRequest{Topic: "t"})
	require.Error(t, err)
	assert.False(t, ok)

	sink.err = nil
	_, ok, err = p.Publish(ctx, protocol.SessionRequest{Topic: "t"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConflictBurstYieldsOneRequest(t *testing.T) {
	ctx := context.Background()
	c := clock.Fake(epoch)
	sink := &countingSink{}
	m := NewManager(NewPublisher(sink, func(o *PublisherOptions) { o.Clock = c }))
	m.Register(NewConflict())

	burst := []protocol.Message{
		state("alice", "add retry logic", epoch, "api/client.go"),
		state("bob", "remove retry logic", epoch.Add(200*time.Millisecond), "./api/client.go"),
		state("alice", "add retry logic with backoff", epoch.Add(400*time.Millisecond), "api/client.go"),
		state("bob", "remove the retries entirely", epoch.Add(600*time.Millisecond), "api/client.go"),
		state("alice", "add retry logic again", epoch.Add(800*time.Millisecond), "api/client.go"),
	}
	var published []Published
	for i := range burst {
		c.Advance(200 * time.Millisecond)
		published = append(published, m.Evaluate(ctx, Snapshot{Now: c.Now(), Messages: burst[:i+1]})...)
	}

	require.Len(t, published, 1)
	reqs := sink.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.TriggerConflict, reqs[0].Trigger)
	assert.Equal(t, []string{"alice", "bob"}, reqs[0].Participants)
	assert.Equal(t, "api/client.go", reqs[0].Metadata["subject"])
	assert.Contains(t, reqs[0].Description, "add/remove")
}

func TestConflict_IgnoresUnrelatedAndStale(t *testing.T) {
	ctx := context.Background()
	tr := NewConflict(func(o *ConflictOptions) { o.Window = time.Minute })
	now := epoch.Add(10 * time.Minute)

	different := []protocol.Message{
		state("alice", "add caching", now, "a.go"),
		state("bob", "remove caching", now, "b.go"),
	}
	assert.Empty(t, tr.Evaluate(ctx, Snapshot{Now: now, Messages: different}))

	stale := []protocol.Message{
		state("alice", "add caching", now.Add(-2*time.Minute), "a.go"),
		state("bob", "remove caching", now, "a.go"),
	}
	assert.Empty(t, tr.Evaluate(ctx, Snapshot{Now: now, Messages: stale}))

	agreeing := []protocol.Message{
		state("alice", "add caching", now, "a.go"),
		state("bob", "add caching too", now, "a.go"),
	}
	assert.Empty(t, tr.Evaluate(ctx, Snapshot{Now: now, Messages: agreeing}))
}

func TestConflict_InsightsByFileReference(t *testing.T) {
	ctx := context.Background()
	insight := func(agent, content string) protocol.Message {
		return protocol.MustMessage(protocol.TypeInsight, agent, protocol.Insight{
			ID: agent, Type: protocol.InsightDecision, Content: content, Tags: []string{"db"}, AgentID: agent,
		}).At(epoch)
	}
	reqs := NewConflict().Evaluate(ctx, Snapshot{Now: epoch, Messages: []protocol.Message{
		insight("alice", "We should enable WAL in store/db.go."),
		insight("bob", "Disable WAL in store/db.go, it breaks backups"),
	}})
	require.Len(t, reqs, 1)
	assert.Equal(t, "Conflict on store/db.go", reqs[0].Topic)
}

type failingJudge struct{}

func (failingJudge) Judge(context.Context, semantic.Statement, semantic.Statement) (semantic.Verdict, error) {
	return semantic.Verdict{}, semantic.ErrUnavailable
}

func TestConflict_JudgeFailureFallsBackToKeywords(t *testing.T) {
	tr := NewConflict(func(o *ConflictOptions) { o.Judge = failingJudge{} })
	reqs := tr.Evaluate(context.Background(), Snapshot{Now: epoch, Messages: []protocol.Message{
		state("alice", "approve the migration", epoch, "m.sql"),
		state("bob", "reject the migration", epoch, "m.sql"),
	}})
	assert.Len(t, reqs, 1)
}

func TestFileRefs(t *testing.T) {
	got := FileRefs("Edit ./cmd/main.go and `README.md`, e.g. version 1.2 at https://x.io/a, then lib/")
	assert.Equal(t, []string{"cmd/main.go", "readme.md", "lib"}, got)
}

func TestThreshold(t *testing.T) {
	ctx := context.Background()
	tr := NewThreshold(5*time.Minute, 3)
	now := epoch.Add(time.Hour)
	ev := func(ago time.Duration, agents ...string) DivergenceEvent {
		return DivergenceEvent{Agents: agents, Subject: "a.go", Score: 0.8, At: now.Add(-ago)}
	}

	events := []DivergenceEvent{ev(time.Minute, "a", "b"), ev(2*time.Minute, "b", "c"), ev(10*time.Minute, "a", "d"), ev(0, "a", "b")}
	assert.Empty(t, tr.Evaluate(ctx, Snapshot{Now: now, Divergence: events}))

	events = append(events, ev(4*time.Minute, "c", "e"))
	reqs := tr.Evaluate(ctx, Snapshot{Now: now, Divergence: events})
	require.Len(t, reqs, 1)
	assert.Equal(t, []string{"a", "b", "c", "e"}, reqs[0].Participants)
	assert.Contains(t, reqs[0].Description, "4 divergence events")
}

func TestCheckpoint_FiresOncePerAdvance(t *testing.T) {
	ctx := context.Background()
	tr := NewCheckpoint()
	agents := []protocol.AgentState{{AgentID: "b"}, {AgentID: "a"}}
	snap := func(i int, phase string) Snapshot {
		return Snapshot{Now: epoch, PhaseIndex: i, Phase: phase, Agents: agents}
	}

	assert.Empty(t, tr.Evaluate(ctx, snap(0, "design")))
	assert.Empty(t, tr.Evaluate(ctx, snap(0, "design")))
	reqs := tr.Evaluate(ctx, snap(1, "build"))
	require.Len(t, reqs, 1)
	assert.Equal(t, "Checkpoint before build", reqs[0].Topic)
	assert.Equal(t, []string{"a", "b"}, reqs[0].Participants)
	assert.Empty(t, tr.Evaluate(ctx, snap(1, "build")))
}

func TestCheckpointAndPhaseChangeCollapse(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{}
	m := NewManager(NewPublisher(sink))
	m.Register(NewCheckpoint(), NewPhaseChange())
	assert.Equal(t, []protocol.TriggerType{protocol.TriggerCheckpoint, protocol.TriggerPhase}, m.Types())

	agents := []protocol.AgentState{{AgentID: "a"}, {AgentID: "b"}}
	m.Evaluate(ctx, Snapshot{Now: epoch, Phase: "design", Agents: agents})

	change := protocol.MustMessage(protocol.TypePhaseChange, "mesh-brain", protocol.PhaseChange{From: "design", To: "build", PhaseIndex: 1})
	snap := Snapshot{Now: epoch, PhaseIndex: 1, Phase: "build", Agents: agents, Messages: []protocol.Message{change}}
	m.Evaluate(ctx, snap)
	m.Evaluate(ctx, snap)

	reqs := sink.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, protocol.TriggerCheckpoint, reqs[0].Trigger)
}

func TestPhaseChange_ForgetsMessagesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	p := NewPhaseChange()
	agents := []protocol.AgentState{{AgentID: "a"}}
	change := protocol.MustMessage(protocol.TypePhaseChange, "mesh-brain", protocol.PhaseChange{From: "design", To: "build", PhaseIndex: 1})

	assert.Len(t, p.Evaluate(ctx, Snapshot{Now: epoch, Agents: agents, Messages: []protocol.Message{change}}), 1)
	assert.Empty(t, p.Evaluate(ctx, Snapshot{Now: epoch, Agents: agents, Messages: []protocol.Message{change}}))
	assert.Len(t, p.seen, 1)

	assert.Empty(t, p.Evaluate(ctx, Snapshot{Now: epoch.Add(time.Hour), Agents: agents}))
	assert.Empty(t, p.seen)
}

func TestScheduled(t *testing.T) {
	ctx := context.Background()
	agents := []protocol.AgentState{{AgentID: "a"}}

	byCalls := NewScheduled(10, 0)
	fired := 0
	for _, calls := range []int{5, 10, 15, 20, 20} {
		fired += len(byCalls.Evaluate(ctx, Snapshot{Now: epoch, ToolCalls: calls, Agents: agents}))
	}
	assert.Equal(t, 2, fired)

	byTime := NewScheduled(0, time.Minute)
	assert.Empty(t, byTime.Evaluate(ctx, Snapshot{Now: epoch, Agents: agents}))
	assert.Empty(t, byTime.Evaluate(ctx, Snapshot{Now: epoch.Add(30 * time.Second), Agents: agents}))
	reqs := byTime.Evaluate(ctx, Snapshot{Now: epoch.Add(time.Minute), Agents: agents})
	require.Len(t, reqs, 1)
	assert.Equal(t, "Scheduled review 1", reqs[0].Topic)

	assert.Empty(t, NewScheduled(1, 0).Evaluate(ctx, Snapshot{Now: epoch, ToolCalls: 3}), "no agents to invite")
}

func TestRequested(t *testing.T) {
	ctx := context.Background()
	sink := &countingSink{}
	req := NewRequested()
	m := NewManager(NewPublisher(sink))
	m.Register(req)

	req.Request(protocol.SessionRequest{Topic: "Pick a logger"})
	got := m.Evaluate(ctx, Snapshot{Now: epoch, Agents: []protocol.AgentState{{AgentID: "x"}, {AgentID: "y"}}})
	require.Len(t, got, 1)
	assert.Equal(t, "session-Pick a logger", got[0].SessionID)
	assert.Equal(t, []string{"x", "y"}, got[0].Request.Participants)
	assert.Empty(t, m.Evaluate(ctx, Snapshot{Now: epoch}), "queue drained")

	p, err := m.Request(ctx, protocol.SessionRequest{Topic: "Another", Participants: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, protocol.TriggerRequested, p.Request.Trigger)

	_, err = m.Request(ctx, protocol.SessionRequest{Topic: "another", Participants: []string{"x"}})
	assert.ErrorIs(t, err, ErrCoolingDown)
}

func TestBusSink(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := bus.NewMemoryBus()
	defer b.Close()
	sub, err := b.Subscribe(ctx, protocol.ChannelCoordinator)
	require.NoError(t, err)

	_, err = BusSink{Bus: b, SenderID: "monitor"}.Submit(ctx, protocol.SessionRequest{Topic: "t", Participants: []string{"a"}})
	require.NoError(t, err)

	select {
	case msg := <-sub:
		assert.Equal(t, protocol.TypeConsensusTrigger, msg.Type)
		var req protocol.SessionRequest
		require.NoError(t, msg.Decode(&req))
		assert.Equal(t, "t", req.Topic)
	case <-time.After(time.Second):
		t.Fatal("no trigger published")
	}
}
