package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/internal/testutil"
	"github.com/jrc1883/meshbrain/protocol"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func session(id string, outcome protocol.Phase, resolvedAfter time.Duration) *protocol.Session {
	return testutil.NewSessionBuilder(id).
		Topic("Conflict on "+id).
		Trigger(protocol.TriggerConflict).
		CreatedAt(epoch).
		Participants("bob", "alice").
		Proposal("alice", "keep the cache").
		Vote("alice", protocol.VoteApprove).
		Vote("bob", protocol.VoteReject).
		Finished(outcome, 2, resolvedAfter).
		Build()
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SaveGet(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	in := session("s1", protocol.PhaseResolved, time.Minute)
	require.NoError(t, s.Save(ctx, in))

	out, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, in.Topic, out.Topic)
	assert.Equal(t, protocol.PhaseResolved, out.Phase)
	assert.Equal(t, "keep the cache", out.LatestProposal().Content)
	assert.True(t, in.Resolution.ResolvedAt.Equal(out.Resolution.ResolvedAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_RejectsLiveSessions(t *testing.T) {
	s := openStore(t)
	live := session("s1", protocol.PhaseVoting, 0)
	assert.Error(t, s.Save(context.Background(), live))
}

func TestStore_SaveReplaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, session("s1", protocol.PhaseExpired, time.Minute)))
	require.NoError(t, s.Save(ctx, session("s1", protocol.PhaseResolved, 2*time.Minute)))

	counts, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[protocol.Phase]int{protocol.PhaseResolved: 1}, counts)
}

func TestStore_List(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.Save(ctx, session("a", protocol.PhaseResolved, time.Minute)))
	require.NoError(t, s.Save(ctx, session("b", protocol.PhaseBlocked, 3*time.Minute)))
	require.NoError(t, s.Save(ctx, session("c", protocol.PhaseResolved, 2*time.Minute)))

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, []string{"alice", "bob"}, all[0].Participants)
	assert.Equal(t, 2, all[0].Rounds)
	assert.True(t, all[0].ResolvedAt.Equal(epoch.Add(3*time.Minute)))

	resolved, err := s.List(ctx, ListOptions{Outcome: protocol.PhaseResolved, Limit: 1})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "c", resolved[0].ID)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "archive.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, session("s1", protocol.PhaseBlocked, time.Minute)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseBlocked, got.Phase)
}
