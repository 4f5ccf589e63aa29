package bus

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// MemoryBus is a volatile Bus storing documents in a process local map and
// fanning messages out to in-process subscribers. It is safe for
// concurrent access and suited to tests or single-process demos. Slow
// subscribers lose messages rather than blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	clock  clock.Clock
	logger logging.Logger
	docs   map[string]memoryDoc
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memoryDoc struct {
	value     []byte
	expiresAt time.Time
}

type memorySub struct {
	ch   chan protocol.Message
	once sync.Once
}

func (s *memorySub) close() { s.once.Do(func() { close(s.ch) }) }

// MemoryOptions configures a MemoryBus.
type MemoryOptions struct {
	Clock  clock.Clock
	Logger logging.Logger
}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus(optFns ...func(o *MemoryOptions)) *MemoryBus {
	opts := MemoryOptions{Clock: clock.Real(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &MemoryBus{
		clock:  opts.Clock,
		logger: opts.Logger,
		docs:   make(map[string]memoryDoc),
		subs:   make(map[string]map[*memorySub]struct{}),
	}
}

// Backend implements Bus.
func (b *MemoryBus) Backend() Backend { return BackendMemory }

// Publish delivers msg to every current subscriber of channel.
func (b *MemoryBus) Publish(_ context.Context, channel string, msg protocol.Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("Dropping message for slow subscriber", "channel", channel, "message_id", msg.ID)
		}
	}
	return nil
}

// Subscribe registers a subscriber that lives until ctx is done or the bus
// is closed.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (<-chan protocol.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{ch: make(chan protocol.Message, subscriberBuffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*memorySub]struct{})
	}
	b.subs[channel][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], sub)
		b.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// Set stores a copy of value.
func (b *MemoryBus) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	doc := memoryDoc{value: append([]byte(nil), value...)}
	if ttl > 0 {
		doc.expiresAt = b.clock.Now().Add(ttl)
	}
	b.docs[key] = doc
	return nil
}

// Get returns a copy of the stored value.
func (b *MemoryBus) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	doc, ok := b.docs[key]
	if !ok || b.expiredLocked(doc) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc.value...), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (b *MemoryBus) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	delete(b.docs, key)
	return nil
}

// Keys returns the live keys starting with prefix, sorted.
func (b *MemoryBus) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	var out []string
	for k, doc := range b.docs {
		if strings.HasPrefix(k, prefix) && !b.expiredLocked(doc) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBus) expiredLocked(doc memoryDoc) bool {
	return !doc.expiresAt.IsZero() && !b.clock.Now().Before(doc.expiresAt)
}

// Close closes every subscription. It is idempotent.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.close()
		}
	}
	b.subs = map[string]map[*memorySub]struct{}{}
	return nil
}
