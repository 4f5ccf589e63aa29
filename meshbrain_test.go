package meshbrain

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/config"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newMesh(t *testing.T, mut func(cfg *config.Config)) (*Mesh, *clock.FakeClock) {
	t.Helper()
	cfg := config.Default()
	cfg.Bus.Backend = "memory"
	cfg.Archive.Path = filepath.Join(t.TempDir(), "archive.db")
	cfg.Objective = config.ObjectiveConfig{Description: "Ship the cache", Phases: []string{"plan", "build"}}
	if mut != nil {
		mut(cfg)
	}
	c := clock.Fake(epoch)
	m, err := New(context.Background(), cfg, func(o *Options) {
		o.Clock = c
		o.Logger = logging.NoOpLogger{}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	for _, id := range []string{"alice", "bob"} {
		m.Coordinator().Register(protocol.AgentIdentity{ID: id})
	}
	return m, c
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Backend = "carrier-pigeon"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestMesh_ResolvedSessionIsArchived(t *testing.T) {
	ctx := context.Background()
	m, _ := newMesh(t, nil)
	co := m.Consensus()

	s, err := co.CreateSession(ctx, protocol.SessionRequest{
		Topic:        "Pick a cache",
		Participants: []string{"bob", "alice"},
	})
	require.NoError(t, err)
	require.Equal(t, "alice", s.Token.Holder)

	_, err = co.Propose(ctx, s.ID, "alice", "Use an LRU in front of the store")
	require.NoError(t, err)
	require.NoError(t, co.Contribute(ctx, s.ID, "bob", "fine by me"))
	require.NoError(t, co.Contribute(ctx, s.ID, "alice", "nothing to add"))
	require.NoError(t, co.Contribute(ctx, s.ID, "bob", "nothing to add"))
	require.NoError(t, co.Vote(ctx, s.ID, "alice", protocol.VoteApprove, ""))
	require.NoError(t, co.Vote(ctx, s.ID, "bob", protocol.VoteApprove, ""))

	archived, err := m.Archive().Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseResolved, archived.Phase)
	require.NotNil(t, archived.Resolution.AcceptedProposal)
	assert.Equal(t, "Use an LRU in front of the store", archived.Resolution.AcceptedProposal.Content)

	assert.Equal(t, 1, co.Forget())
	got, err := m.Session(ctx, s.ID)
	require.NoError(t, err, "bus copy or archive still serves the session")
	assert.Equal(t, protocol.PhaseResolved, got.Phase)
}

func TestMesh_RequestConsensusCoolDown(t *testing.T) {
	ctx := context.Background()
	m, _ := newMesh(t, nil)

	req := protocol.SessionRequest{Topic: "Rename the store package", Participants: []string{"alice", "bob"}}
	first, status, err := m.RequestConsensus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, RequestOpened, status)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, protocol.TriggerRequested, first.Request.Trigger)

	req.Topic = "  rename the STORE package "
	_, status, err = m.RequestConsensus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, RequestCoolingDown, status, "same topic inside the cool-down")
	assert.Len(t, m.Consensus().Sessions(), 1)

	_, _, err = m.RequestConsensus(ctx, protocol.SessionRequest{Topic: "  ", Participants: []string{"alice"}})
	assert.Error(t, err, "invalid requests are reported, not mistaken for a cool-down")
}

func TestMesh_QueuedRequestInvitesActiveAgents(t *testing.T) {
	ctx := context.Background()
	m, c := newMesh(t, func(cfg *config.Config) { cfg.Triggers.Checkpoint = false })

	_, status, err := m.RequestConsensus(ctx, protocol.SessionRequest{Topic: "Agree on the API shape"})
	require.NoError(t, err)
	assert.Equal(t, RequestQueued, status)

	for _, id := range []string{"bob", "alice"} {
		m.Monitor().Observe(protocol.MustMessage(protocol.TypeStateUpdate, id, protocol.AgentState{
			AgentID: id, CurrentTask: "review handlers", LastHeartbeat: c.Now(),
		}).At(c.Now()))
	}
	published := m.Monitor().Evaluate(ctx)
	require.Len(t, published, 1)
	assert.Equal(t, []string{"alice", "bob"}, published[0].Request.Participants)

	s, err := m.Session(ctx, published[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseDiscussion, s.Phase)
}

func TestMesh_RunAcceptsBusTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m, _ := newMesh(t, nil)

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	msg := protocol.MustMessage(protocol.TypeConsensusTrigger, "alice", protocol.SessionRequest{
		Topic: "Drop the legacy endpoint", Participants: []string{"alice", "bob"},
	})
	require.Eventually(t, func() bool {
		if len(m.Consensus().Sessions()) > 0 {
			return true
		}
		_ = m.Bus().Publish(ctx, protocol.ChannelCoordinator, msg)
		return false
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRulesAndObjectiveFromConfig(t *testing.T) {
	cfg := config.Default()
	rules := Rules(cfg.Consensus)
	require.NoError(t, rules.Validate())
	assert.Equal(t, protocol.DefaultRules(), rules)

	obj := Objective(config.ObjectiveConfig{Phases: []string{"plan", "build"}})
	assert.Equal(t, "plan", obj.CurrentPhase())
}
