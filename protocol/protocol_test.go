package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)

func sampleSession() *Session {
	return &Session{
		ID:          "sess-1",
		Topic:       "auth.go",
		Description: "agents disagree about token refresh",
		Trigger:     TriggerConflict,
		Phase:       PhaseVoting,
		Participants: []Participant{
			{AgentID: "a", HasSpoken: true, LastTurnAt: ts},
			{AgentID: "b", HasSpoken: true, LastTurnAt: ts.Add(time.Second), MissedTurns: 1},
		},
		RingOrder:     []string{"a", "b"},
		Token:         TokenState{Holder: "b", Position: 1, Turn: 3, Deadline: ts.Add(time.Minute)},
		Pass:          2,
		Round:         1,
		Contributions: []Contribution{{AgentID: "a", Content: "keep refresh", Pass: 1, Timestamp: ts}},
		Proposals:     []Proposal{{ID: "p1", AgentID: "a", Content: "keep refresh", Round: 0, Timestamp: ts}},
		Amendments:    []Amendment{{ID: "m1", ProposalID: "p1", AgentID: "a", Content: "keep, add jitter", Round: 1, Timestamp: ts}},
		Votes:         []Vote{{AgentID: "b", Vote: VoteApprove, Round: 1, Timestamp: ts}},
		Rules:         DefaultRules(),
		Resolution: &Resolution{
			SessionID:        "sess-1",
			Topic:            "auth.go",
			Outcome:          PhaseResolved,
			AcceptedProposal: &Proposal{ID: "p1", AgentID: "a", Content: "keep refresh", Timestamp: ts},
			ApprovalFraction: 1,
			Rounds:           1,
			ResolvedAt:       ts,
		},
		RequestedBy: "monitor",
		Metadata:    map[string]string{"file": "auth.go"},
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	payload := ConsensusPayload{Phase: PhaseVoting, Round: 2, ParticipantID: "a", Vote: VoteApprove, Content: "ship it"}
	msg, err := NewMessage(TypeConsensusVote, "a", payload)
	require.NoError(t, err)
	msg = msg.WithSession("sess-1").At(ts)

	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(msg)
			require.NoError(t, err)

			got, err := DecodeMessage(codec, data)
			require.NoError(t, err)
			assert.Equal(t, msg, got)

			var decoded ConsensusPayload
			require.NoError(t, got.Decode(&decoded))
			assert.Equal(t, payload, decoded)
		})
	}
}

func TestSession_RoundTrip(t *testing.T) {
	sess := sampleSession()
	for _, codec := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Marshal(sess)
			require.NoError(t, err)

			var got Session
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, *sess, got)
		})
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage(JSONCodec{}, []byte(`{"id":`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeMessage(JSONCodec{}, []byte(`{"id":"x","type":"heartbeat","timestamp":"2026-01-01T00:00:00Z"}`))
	assert.ErrorIs(t, err, ErrMalformed, "missing sender")

	raw, _ := json.Marshal(Message{ID: "x", Type: TypeConsensusVote, SenderID: "a", Timestamp: ts})
	_, err = DecodeMessage(JSONCodec{}, raw)
	assert.ErrorIs(t, err, ErrMalformed, "consensus message without session id")
}

func TestMessage_DecodeEmptyPayload(t *testing.T) {
	msg := MustMessage(TypeHeartbeat, "a", nil)
	var st AgentState
	assert.ErrorIs(t, msg.Decode(&st), ErrMalformed)
}

func TestPhase_Transitions(t *testing.T) {
	assert.True(t, PhaseProposed.CanTransition(PhaseDiscussion))
	assert.True(t, PhaseDiscussion.CanTransition(PhaseVoting))
	assert.True(t, PhaseVoting.CanTransition(PhaseVoting))
	assert.True(t, PhaseDiscussion.CanTransition(PhaseBlocked))
	assert.True(t, PhaseProposed.CanTransition(PhaseBlocked))

	assert.False(t, PhaseVoting.CanTransition(PhaseDiscussion))
	assert.False(t, PhaseDiscussion.CanTransition(PhaseDiscussion))
	assert.False(t, PhaseResolved.CanTransition(PhaseBlocked))
	assert.False(t, PhaseExpired.CanTransition(PhaseVoting))
	assert.False(t, PhaseVoting.CanTransition(Phase("bogus")))
}

func TestInsight_Validate(t *testing.T) {
	ok := Insight{ID: "i1", Type: InsightDecision, Content: "use bcrypt", Tags: []string{"auth"}, AgentID: "a"}
	require.NoError(t, ok.Validate())

	noTags := ok
	noTags.Tags = []string{" ", ""}
	assert.ErrorIs(t, noTags.Validate(), ErrInvalidInsight)

	badType := ok
	badType.Type = "rumor"
	assert.ErrorIs(t, badType.Validate(), ErrInvalidInsight)
}

func TestNormalizeTags(t *testing.T) {
	assert.Equal(t, []string{"api", "auth"}, NormalizeTags([]string{"Auth", " api", "auth", ""}))
}

func TestRules_Validate(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())

	r := DefaultRules()
	r.Quorum = 0
	assert.ErrorIs(t, r.Validate(), ErrInvalidRules)

	r = DefaultRules()
	r.ApprovalThreshold = 1.5
	assert.ErrorIs(t, r.Validate(), ErrInvalidRules)

	r.Unanimous = true
	assert.NoError(t, r.Validate(), "threshold is ignored for unanimous rules")
}

func TestKeysAndChannels(t *testing.T) {
	k := Keys{Namespace: "popkit"}
	assert.Equal(t, "popkit:session:s1", k.Session("s1"))
	assert.Equal(t, "popkit:state:agent-a", k.State("agent-a"))
	assert.Equal(t, "mesh:objective", Keys{}.Objective())

	ch := SessionChannel("s1")
	id, ok := SessionIDFromChannel(ch)
	assert.True(t, ok)
	assert.Equal(t, "s1", id)
	_, ok = SessionIDFromChannel(ChannelBroadcast)
	assert.False(t, ok)
}

func TestSession_CloneIsolation(t *testing.T) {
	s := sampleSession()
	c := s.Clone()
	c.Participants[0].HasSpoken = false
	c.Metadata["file"] = "other.go"
	c.Resolution.AcceptedProposal.Content = "changed"

	assert.True(t, s.Participants[0].HasSpoken)
	assert.Equal(t, "auth.go", s.Metadata["file"])
	assert.Equal(t, "keep refresh", s.Resolution.AcceptedProposal.Content)
}
