package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// RedisBus implements Bus on a Redis broker. Channels map to Redis pub/sub
// channels and documents to plain string keys with expiry.
type RedisBus struct {
	client *redis.Client
	codec  protocol.Codec
	logger logging.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// RedisOptions configures a RedisBus.
type RedisOptions struct {
	// Codec frames message envelopes on the wire. Defaults to JSON.
	Codec  protocol.Codec
	Logger logging.Logger
}

// NewRedisBus wraps an existing client. The bus owns the client and closes
// it on Close.
func NewRedisBus(client *redis.Client, optFns ...func(o *RedisOptions)) *RedisBus {
	opts := RedisOptions{Codec: protocol.JSONCodec{}, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RedisBus{
		client: client,
		codec:  opts.Codec,
		logger: opts.Logger,
		closed: make(chan struct{}),
	}
}

// DialRedis parses url, connects and verifies the broker answers PING
// within ctx.
func DialRedis(ctx context.Context, url string, optFns ...func(o *RedisOptions)) (*RedisBus, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBus(client, optFns...), nil
}

// Backend implements Bus.
func (b *RedisBus) Backend() Backend { return BackendRedis }

// Client exposes the underlying client.
func (b *RedisBus) Client() *redis.Client { return b.client }

func (b *RedisBus) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// Publish encodes msg with the configured codec and publishes it.
func (b *RedisBus) Publish(ctx context.Context, channel string, msg protocol.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection and waits for the broker
// to confirm the subscription before returning, so messages published
// after Subscribe returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan protocol.Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan protocol.Message, subscriberBuffer)
	in := ps.Channel()
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.closed:
				return
			case raw, ok := <-in:
				if !ok {
					return
				}
				msg, err := protocol.DecodeMessage(b.codec, []byte(raw.Payload))
				if err != nil {
					b.logger.Warn("Dropping malformed message", "channel", channel, "error", err.Error())
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				case <-b.closed:
					return
				}
			}
		}
	}()
	return out, nil
}

// Set implements Bus.
func (b *RedisBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if b.isClosed() {
		return ErrClosed
	}
	if ttl < 0 {
		ttl = 0
	}
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Get implements Bus.
func (b *RedisBus) Get(ctx context.Context, key string) ([]byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete implements Bus.
func (b *RedisBus) Delete(ctx context.Context, key string) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.client.Del(ctx, key).Err()
}

// Keys scans for keys beginning with prefix.
func (b *RedisBus) Keys(ctx context.Context, prefix string) ([]string, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	var out []string
	iter := b.client.Scan(ctx, 0, globEscape(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Close stops subscriptions and closes the client.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.client.Close()
	})
	return err
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string { return globReplacer.Replace(s) }
