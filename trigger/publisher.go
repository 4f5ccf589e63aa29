package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// DefaultCooldown is how long a topic stays suppressed after a request.
const DefaultCooldown = 5 * time.Minute

// Sink opens sessions. consensus.Coordinator implements it.
type Sink interface {
	Submit(ctx context.Context, req protocol.SessionRequest) (string, error)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, req protocol.SessionRequest) (string, error)

// Submit implements Sink.
func (f SinkFunc) Submit(ctx context.Context, req protocol.SessionRequest) (string, error) {
	return f(ctx, req)
}

// BusSink forwards requests as consensus_trigger messages on the
// coordinator channel, for a consensus coordinator in another process.
// The session id is not known to the sender and is returned empty.
type BusSink struct {
	Bus      bus.Bus
	SenderID string
}

// Submit implements Sink.
func (s BusSink) Submit(ctx context.Context, req protocol.SessionRequest) (string, error) {
	msg, err := protocol.NewMessage(protocol.TypeConsensusTrigger, s.SenderID, req)
	if err != nil {
		return "", err
	}
	if err := s.Bus.Publish(ctx, protocol.ChannelCoordinator, msg); err != nil {
		return "", fmt.Errorf("publish trigger: %w", err)
	}
	return "", nil
}

// PublisherOptions configure a Publisher.
type PublisherOptions struct {
	Cooldown time.Duration
	Clock    clock.Clock
	Logger   logging.Logger
}

// Publisher forwards session requests to a Sink, dropping any request
// whose normalized topic was forwarded within the cool-down.
type Publisher struct {
	sink   Sink
	opts   PublisherOptions
	logger logging.Logger

	mu     sync.Mutex
	recent map[string]time.Time
}

// NewPublisher creates a Publisher for sink.
func NewPublisher(sink Sink, optFns ...func(o *PublisherOptions)) *Publisher {
	opts := PublisherOptions{Cooldown: DefaultCooldown, Clock: clock.Real(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Publisher{sink: sink, opts: opts, logger: opts.Logger, recent: make(map[string]time.Time)}
}

// NormalizeTopic folds case, punctuation and spacing so that trivially
// different phrasings of a topic share one cool-down.
func NormalizeTopic(topic string) string {
	fields := strings.FieldsFunc(strings.ToLower(topic), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '/' && r != '.' && r != '_' && r != '-'
	})
	for i, f := range fields {
		fields[i] = strings.Trim(f, ".-_")
	}
	return strings.Join(strings.Fields(strings.Join(fields, " ")), " ")
}

// Publish forwards req unless its topic is cooling down. It reports
// whether the request reached the sink; the sink's error is returned as
// is and releases the topic.
func (p *Publisher) Publish(ctx context.Context, req protocol.SessionRequest) (string, bool, error) {
	key := NormalizeTopic(req.Topic)
	now := p.opts.Clock.Now()

	p.mu.Lock()
	for k, at := range p.recent {
		if now.Sub(at) >= p.opts.Cooldown {
			delete(p.recent, k)
		}
	}
	if _, cooling := p.recent[key]; cooling {
		p.mu.Unlock()
		p.logTrigger(req, false)
		return "", false, nil
	}
	p.recent[key] = now
	p.mu.Unlock()

	id, err := p.sink.Submit(ctx, req)
	if err != nil {
		p.mu.Lock()
		if p.recent[key].Equal(now) {
			delete(p.recent, key)
		}
		p.mu.Unlock()
		return "", false, err
	}
	p.logTrigger(req, true)
	return id, true, nil
}

// CoolingDown reports whether topic is currently suppressed.
func (p *Publisher) CoolingDown(topic string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.recent[NormalizeTopic(topic)]
	return ok && p.opts.Clock.Now().Sub(at) < p.opts.Cooldown
}

func (p *Publisher) logTrigger(req protocol.SessionRequest, published bool) {
	if ml, ok := p.logger.(*logging.MeshLogger); ok {
		ml.LogTrigger(string(req.Trigger), req.Topic, published)
		return
	}
	p.logger.Debug("Trigger evaluated", "trigger", string(req.Trigger), "topic", req.Topic, "published", published)
}
