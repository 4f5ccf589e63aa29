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
)

var (
	// ErrUnknownStream is returned for stream ids that were never started
	// or have been pruned.
	ErrUnknownStream = errors.New("unknown stream")

	// ErrStreamEnded is returned when appending to a finished stream.
	ErrStreamEnded = errors.New("stream ended")
)

type stream struct {
	id      string
	agentID string
	chunks  map[int]protocol.StreamChunk
	nextSeq int
	final   int // seq of the final chunk, -1 until seen
	updated time.Time
}

func (s *stream) ended() bool { return s.final >= 0 }

// StreamOptions configure a StreamManager.
type StreamOptions struct {
	Clock  clock.Clock
	Logger logging.Logger
}

// StreamManager carries incremental agent output over the results channel.
// The producing side numbers chunks with Append and End; the consuming
// side reassembles them with Ingest, ignoring duplicates so that
// at-least-once delivery is harmless.
type StreamManager struct {
	bus    bus.Bus
	clock  clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

// NewStreamManager creates a manager publishing on b. b may be nil for a
// consume-only manager.
func NewStreamManager(b bus.Bus, optFns ...func(o *StreamOptions)) *StreamManager {
	opts := StreamOptions{Clock: clock.Real(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &StreamManager{
		bus:     b,
		clock:   opts.Clock,
		logger:  opts.Logger,
		streams: make(map[string]*stream),
	}
}

func (m *StreamManager) newStreamLocked(id, agentID string) *stream {
	s := &stream{id: id, agentID: agentID, chunks: make(map[int]protocol.StreamChunk), final: -1, updated: m.clock.Now()}
	m.streams[id] = s
	return s
}

// Start opens a new stream for agentID and returns its id.
func (m *StreamManager) Start(agentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := protocol.NewID()
	m.newStreamLocked(id, agentID)
	return id
}

// Append records the next chunk and publishes it on the results channel.
func (m *StreamManager) Append(ctx context.Context, streamID, content string) (protocol.StreamChunk, error) {
	return m.emit(ctx, streamID, content, false)
}

// End publishes the final, empty chunk of a stream.
func (m *StreamManager) End(ctx context.Context, streamID string) (protocol.StreamChunk, error) {
	return m.emit(ctx, streamID, "", true)
}

func (m *StreamManager) emit(ctx context.Context, streamID, content string, final bool) (protocol.StreamChunk, error) {
	m.mu.Lock()
	s, ok := m.streams[streamID]
	if !ok {
		m.mu.Unlock()
		return protocol.StreamChunk{}, fmt.Errorf("%w: %s", ErrUnknownStream, streamID)
	}
	if s.ended() {
		m.mu.Unlock()
		return protocol.StreamChunk{}, fmt.Errorf("%w: %s", ErrStreamEnded, streamID)
	}
	chunk := protocol.StreamChunk{
		StreamID: streamID,
		AgentID:  s.agentID,
		Seq:      s.nextSeq,
		Content:  content,
		Final:    final,
		At:       m.clock.Now().UTC(),
	}
	s.nextSeq++
	s.chunks[chunk.Seq] = chunk
	s.updated = chunk.At
	if final {
		s.final = chunk.Seq
	}
	m.mu.Unlock()

	if m.bus == nil {
		return chunk, nil
	}
	msg, err := protocol.NewMessage(protocol.TypeStreamChunk, s.agentID, chunk)
	if err != nil {
		return chunk, err
	}
	if err := m.bus.Publish(ctx, protocol.ChannelResults, msg.At(chunk.At)); err != nil {
		return chunk, fmt.Errorf("publish stream chunk: %w", err)
	}
	return chunk, nil
}

// Ingest folds a stream_chunk message into the local view. It reports
// whether the chunk was new.
func (m *StreamManager) Ingest(msg protocol.Message) (bool, error) {
	if msg.Type != protocol.TypeStreamChunk {
		return false, nil
	}
	var chunk protocol.StreamChunk
	if err := msg.Decode(&chunk); err != nil {
		return false, err
	}
	if chunk.StreamID == "" || chunk.Seq < 0 {
		return false, fmt.Errorf("%w: stream chunk without id or with negative seq", protocol.ErrMalformed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[chunk.StreamID]
	if !ok {
		agent := chunk.AgentID
		if agent == "" {
			agent = msg.SenderID
		}
		s = m.newStreamLocked(chunk.StreamID, agent)
	}
	if _, dup := s.chunks[chunk.Seq]; dup {
		return false, nil
	}
	s.chunks[chunk.Seq] = chunk
	if chunk.Seq >= s.nextSeq {
		s.nextSeq = chunk.Seq + 1
	}
	if chunk.Final {
		s.final = chunk.Seq
	}
	s.updated = m.clock.Now()
	return true, nil
}

// Chunks returns the chunks received so far, ordered by Seq.
func (m *StreamManager) Chunks(streamID string) []protocol.StreamChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]protocol.StreamChunk, 0, len(s.chunks))
	for _, c := range s.chunks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Content concatenates the contiguous prefix of a stream's chunks and
// reports whether the stream is complete (final chunk seen, no gaps).
func (m *StreamManager) Content(streamID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return "", false
	}
	var b strings.Builder
	seq := 0
	for ; ; seq++ {
		c, ok := s.chunks[seq]
		if !ok {
			break
		}
		b.WriteString(c.Content)
	}
	return b.String(), s.ended() && seq > s.final
}

// Streams lists the ids of streams owned by agentID, oldest first.
func (m *StreamManager) Streams(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owned []*stream
	for _, s := range m.streams {
		if s.agentID == agentID {
			owned = append(owned, s)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if !owned[i].updated.Equal(owned[j].updated) {
			return owned[i].updated.Before(owned[j].updated)
		}
		return owned[i].id < owned[j].id
	})
	ids := make([]string, len(owned))
	for i, s := range owned {
		ids[i] = s.id
	}
	return ids
}

// Prune drops streams not updated within maxAge and returns how many were
// removed.
func (m *StreamManager) Prune(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.clock.Now().Add(-maxAge)
	n := 0
	for id, s := range m.streams {
		if s.updated.Before(cutoff) {
			delete(m.streams, id)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("Pruned streams", "count", n)
	}
	return n
}
