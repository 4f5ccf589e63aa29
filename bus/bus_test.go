package bus

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/protocol"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func heartbeat(t *testing.T, agent string) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, agent, protocol.AgentState{AgentID: agent, Progress: 0.5})
	require.NoError(t, err)
	return msg
}

func receive(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return protocol.Message{}
}

// exerciseKV runs the document contract shared by all backends.
func exerciseKV(t *testing.T, b Bus) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Get(ctx, "mesh:state:a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, b.Set(ctx, "mesh:state:a", []byte(`{"agent_id":"a"}`), 0))
	require.NoError(t, b.Set(ctx, "mesh:state:b", []byte(`{"agent_id":"b"}`), 0))
	require.NoError(t, b.Set(ctx, "mesh:session:s1", []byte(`{}`), 0))

	got, err := b.Get(ctx, "mesh:state:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_id":"a"}`, string(got))

	keys, err := b.Keys(ctx, "mesh:state:")
	require.NoError(t, err)
	assert.Equal(t, []string{"mesh:state:a", "mesh:state:b"}, keys)

	require.NoError(t, b.Delete(ctx, "mesh:state:a"))
	require.NoError(t, b.Delete(ctx, "mesh:state:a"), "deleting a missing key is not an error")
	_, err = b.Get(ctx, "mesh:state:a")
	assert.ErrorIs(t, err, ErrNotFound)

	var doc struct {
		AgentID string `json:"agent_id"`
	}
	require.NoError(t, GetJSON(ctx, b, "mesh:state:b", &doc))
	assert.Equal(t, "b", doc.AgentID)
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, err := b.Subscribe(ctx, protocol.ChannelHeartbeat)
	require.NoError(t, err)
	ch2, err := b.Subscribe(ctx, protocol.ChannelHeartbeat)
	require.NoError(t, err)

	msg := heartbeat(t, "agent-a")
	require.NoError(t, b.Publish(ctx, protocol.ChannelHeartbeat, msg))
	require.NoError(t, b.Publish(ctx, protocol.ChannelInsights, heartbeat(t, "other")))

	assert.Equal(t, msg, receive(t, ch1))
	assert.Equal(t, msg, receive(t, ch2))
	assert.Equal(t, BackendMemory, b.Backend())
}

func TestMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Publish(context.Background(), "nobody", heartbeat(t, "a")))
}

func TestMemoryBus_SubscriptionClosesOnCancel(t *testing.T) {
	b := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, protocol.ChannelBroadcast)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestMemoryBus_KV(t *testing.T) {
	exerciseKV(t, NewMemoryBus())
}

func TestMemoryBus_TTL(t *testing.T) {
	c := clock.Fake(epoch)
	b := NewMemoryBus(func(o *MemoryOptions) { o.Clock = c })
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := b.Get(ctx, "k")
	require.NoError(t, err)

	c.Advance(time.Minute)
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, err := b.Keys(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryBus_Closed(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Publish(context.Background(), "c", heartbeat(t, "a")), ErrClosed)
	_, err := b.Subscribe(context.Background(), "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func newFileBus(t *testing.T, c clock.Clock) *FileBus {
	t.Helper()
	b, err := NewFileBus(t.TempDir(), func(o *FileOptions) { o.Clock = c })
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestFileBus_HeartbeatVisibleWithinTwoPolls(t *testing.T) {
	c := clock.Fake(epoch)
	reader := newFileBus(t, c)
	writer, err := NewFileBus(reader.Dir(), func(o *FileOptions) { o.Clock = c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := reader.Subscribe(ctx, protocol.ChannelHeartbeat)
	require.NoError(t, err)

	msg := heartbeat(t, "agent-a")
	require.NoError(t, writer.Publish(ctx, protocol.ChannelHeartbeat, msg))

	start := c.Now()
	var got protocol.Message
	for range 2 {
		c.WaitForTimers(1)
		c.Advance(DefaultPollInterval)
		select {
		case got = <-ch:
		case <-time.After(time.Second):
		}
		if got.ID != "" {
			break
		}
	}
	require.Equal(t, msg.ID, got.ID, "heartbeat not observed within two poll cycles")
	assert.LessOrEqual(t, c.Now().Sub(start), 2*DefaultPollInterval)
	assert.Equal(t, msg.SenderID, got.SenderID)
	assert.True(t, msg.Timestamp.Equal(got.Timestamp))
}

func TestFileBus_StartsAtLogEnd(t *testing.T) {
	c := clock.Fake(epoch)
	b := newFileBus(t, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := heartbeat(t, "old")
	require.NoError(t, b.Publish(ctx, protocol.ChannelHeartbeat, old))

	ch, err := b.Subscribe(ctx, protocol.ChannelHeartbeat)
	require.NoError(t, err)
	fresh := heartbeat(t, "fresh")
	require.NoError(t, b.Publish(ctx, protocol.ChannelHeartbeat, fresh))

	c.Advance(DefaultPollInterval)
	assert.Equal(t, fresh.ID, receive(t, ch).ID)
}

func TestFileBus_PartialAndMalformedLines(t *testing.T) {
	c := clock.Fake(epoch)
	b := newFileBus(t, c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, protocol.ChannelResults)
	require.NoError(t, err)

	msg := heartbeat(t, "agent-a")
	line, err := protocol.JSONCodec{}.Marshal(msg)
	require.NoError(t, err)

	path := filepath.Join(b.Dir(), "channels", protocol.ChannelResults+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("not json\n"))
	require.NoError(t, err)
	half := len(line) / 2
	_, err = f.Write(line[:half])
	require.NoError(t, err)
	c.Advance(DefaultPollInterval)

	_, err = f.Write(append(line[half:], '\n'))
	require.NoError(t, err)
	c.Advance(DefaultPollInterval)

	got := receive(t, ch)
	assert.Equal(t, msg.ID, got.ID)
}

func TestFileBus_KV(t *testing.T) {
	exerciseKV(t, newFileBus(t, clock.Real()))
}

func TestFileBus_SetReplacesWhole(t *testing.T) {
	b := newFileBus(t, clock.Real())
	ctx := context.Background()
	kv := filepath.Join(b.Dir(), "kv")

	require.NoError(t, b.Set(ctx, "mesh:state:a", []byte(`{"progress":0.5,"task":"a longer first value"}`), 0))
	// A writer that died before its rename leaves only a temporary file.
	require.NoError(t, os.WriteFile(filepath.Join(kv, ".mesh:state:a-999.tmp"), []byte(`{"value":"ey`), 0o644))

	got, err := b.Get(ctx, "mesh:state:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"progress":0.5,"task":"a longer first value"}`, string(got))

	require.NoError(t, b.Set(ctx, "mesh:state:a", []byte(`{"progress":1}`), 0))
	got, err = b.Get(ctx, "mesh:state:a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"progress":1}`, string(got))

	keys, err := b.Keys(ctx, "mesh:")
	require.NoError(t, err)
	assert.Equal(t, []string{"mesh:state:a"}, keys)

	entries, err := os.ReadDir(kv)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "the document and the stale temporary file only")
}

func TestFileBus_TTL(t *testing.T) {
	c := clock.Fake(epoch)
	b := newFileBus(t, c)
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "mesh:session:s1", []byte(`{"id":"s1"}`), 2*time.Hour))
	keys, err := b.Keys(ctx, "mesh:session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"mesh:session:s1"}, keys)

	c.Advance(2 * time.Hour)
	_, err = b.Get(ctx, "mesh:session:s1")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, err = b.Keys(ctx, "mesh:session:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func newRedisBus(t *testing.T, codec protocol.Codec) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBus(client, func(o *RedisOptions) { o.Codec = codec })
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	for _, codec := range []protocol.Codec{protocol.JSONCodec{}, protocol.CBORCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			b, _ := newRedisBus(t, codec)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := b.Subscribe(ctx, protocol.SessionChannel("s1"))
			require.NoError(t, err)

			msg := protocol.MustMessage(protocol.TypeConsensusTurn, "consensus", protocol.ConsensusPayload{
				Phase: protocol.PhaseDiscussion, Round: 1, ParticipantID: "a",
			}).WithSession("s1")
			require.NoError(t, b.Publish(ctx, protocol.SessionChannel("s1"), msg))

			got := receive(t, ch)
			assert.Equal(t, msg.ID, got.ID)
			assert.Equal(t, msg.SessionID, got.SessionID)
			assert.JSONEq(t, string(msg.Payload), string(got.Payload))
		})
	}
}

func TestRedisBus_DropsMalformed(t *testing.T) {
	b, mr := newRedisBus(t, protocol.JSONCodec{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, protocol.ChannelInsights)
	require.NoError(t, err)

	mr.Publish(protocol.ChannelInsights, "{broken")
	msg := heartbeat(t, "a")
	require.NoError(t, b.Publish(ctx, protocol.ChannelInsights, msg))
	assert.Equal(t, msg.ID, receive(t, ch).ID)
}

func TestRedisBus_KV(t *testing.T) {
	b, _ := newRedisBus(t, protocol.JSONCodec{})
	exerciseKV(t, b)
}

func TestRedisBus_TTL(t *testing.T) {
	b, mr := newRedisBus(t, protocol.JSONCodec{})
	ctx := context.Background()
	require.NoError(t, b.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(time.Minute)
	_, err := b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_AutoFallsBackToFile(t *testing.T) {
	c := clock.Fake(epoch)
	dir := t.TempDir()
	b, err := Open(context.Background(), Config{
		Backend:      BackendAuto,
		RedisURL:     "redis://127.0.0.1:1/0",
		ProbeTimeout: 200 * time.Millisecond,
		FileDir:      dir,
	}, func(o *Options) { o.Clock = c })
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, BackendFile, b.Backend())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := b.Subscribe(ctx, protocol.ChannelBroadcast)
	require.NoError(t, err)
	msg := heartbeat(t, "a")
	require.NoError(t, b.Publish(ctx, protocol.ChannelBroadcast, msg))
	c.Advance(DefaultPollInterval)
	assert.Equal(t, msg.ID, receive(t, ch).ID)
}

func TestOpen_AutoPrefersRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), Config{
		Backend:  BackendAuto,
		RedisURL: "redis://" + mr.Addr(),
		FileDir:  t.TempDir(),
	})
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, BackendRedis, b.Backend())
}

func TestOpen_AutoFailsOverWhenBrokerDies(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Open(ctx, Config{
		Backend:      BackendAuto,
		RedisURL:     "redis://" + mr.Addr(),
		FileDir:      t.TempDir(),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer b.Close()
	require.Equal(t, BackendRedis, b.Backend())

	ch, err := b.Subscribe(ctx, protocol.ChannelBroadcast)
	require.NoError(t, err)
	first := heartbeat(t, "a")
	require.NoError(t, b.Publish(ctx, protocol.ChannelBroadcast, first))
	assert.Equal(t, first.ID, receive(t, ch).ID)

	mr.Close()
	second := heartbeat(t, "a")
	require.NoError(t, b.Publish(ctx, protocol.ChannelBroadcast, second), "publish falls back instead of failing")
	assert.Equal(t, BackendFile, b.Backend())
	assert.Equal(t, second.ID, receive(t, ch).ID, "existing subscriptions follow the fallback")

	require.NoError(t, b.Set(ctx, "mesh:state:a", []byte(`{}`), time.Minute))
	got, err := b.Get(ctx, "mesh:state:a")
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got))
}

func TestFailoverBus_PassesThroughMisses(t *testing.T) {
	primary, fallback := NewMemoryBus(), NewMemoryBus()
	b := NewFailoverBus(primary, fallback, nil)
	defer b.Close()

	_, err := b.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, b.Failed(), "a missing key is not a transport failure")
	assert.Equal(t, BackendMemory, b.Backend())
}

func TestOpen_Forced(t *testing.T) {
	b, err := Open(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, b.Backend())

	_, err = Open(context.Background(), Config{Backend: BackendRedis, RedisURL: "redis://127.0.0.1:1/0", ProbeTimeout: 100 * time.Millisecond})
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Backend: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestSubscribeAll_MergesAndCloses(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())

	merged, err := SubscribeAll(ctx, b, protocol.ChannelHeartbeat, protocol.ChannelInsights)
	require.NoError(t, err)

	first, second := heartbeat(t, "agent-a"), heartbeat(t, "agent-b")
	require.NoError(t, b.Publish(ctx, protocol.ChannelHeartbeat, first))
	require.NoError(t, b.Publish(ctx, protocol.ChannelInsights, second))
	require.NoError(t, b.Publish(ctx, protocol.ChannelResults, heartbeat(t, "ignored")))

	got := map[string]bool{receive(t, merged).ID: true, receive(t, merged).ID: true}
	assert.Equal(t, map[string]bool{first.ID: true, second.ID: true}, got)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-merged:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeAll_ClosedBus(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	_, err := SubscribeAll(context.Background(), b, protocol.ChannelHeartbeat)
	assert.ErrorIs(t, err, ErrClosed)
}
