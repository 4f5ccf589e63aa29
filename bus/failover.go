package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// FailoverBus runs on a broker and switches to a local fallback the first
// time a broker operation fails with a transport error. The switch lasts
// for the life of the bus. Documents written to the broker before the
// switch are not copied, so they read as missing afterwards.
//
// Subscriptions listen on both backends from the start, which lets a
// process that only consumes keep receiving after its publishers fail
// over.
type FailoverBus struct {
	primary  Bus
	fallback Bus
	logger   logging.Logger
	failed   atomic.Bool
}

// NewFailoverBus wraps primary with fallback.
func NewFailoverBus(primary, fallback Bus, logger logging.Logger) *FailoverBus {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &FailoverBus{primary: primary, fallback: fallback, logger: logger}
}

// Backend reports the backend currently serving writes.
func (b *FailoverBus) Backend() Backend { return b.active().Backend() }

// Failed reports whether the bus has switched to the fallback.
func (b *FailoverBus) Failed() bool { return b.failed.Load() }

func (b *FailoverBus) active() Bus {
	if b.failed.Load() {
		return b.fallback
	}
	return b.primary
}

// transportFailure reports whether err is a broker failure rather than a
// normal result or the caller giving up.
func transportFailure(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() == nil &&
		!errors.Is(err, ErrNotFound) && !errors.Is(err, ErrClosed)
}

// try runs op on the primary and, after a transport failure, switches
// and reruns it on the fallback.
func (b *FailoverBus) try(ctx context.Context, op func(Bus) error) error {
	if b.failed.Load() {
		return op(b.fallback)
	}
	err := op(b.primary)
	if !transportFailure(ctx, err) {
		return err
	}
	if b.failed.CompareAndSwap(false, true) {
		logFallback(b.logger, err)
	}
	return op(b.fallback)
}

// Publish implements Bus.
func (b *FailoverBus) Publish(ctx context.Context, channel string, msg protocol.Message) error {
	return b.try(ctx, func(x Bus) error { return x.Publish(ctx, channel, msg) })
}

// Subscribe implements Bus.
func (b *FailoverBus) Subscribe(ctx context.Context, channel string) (<-chan protocol.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	local, err := b.fallback.Subscribe(ctx, channel)
	if err != nil {
		cancel()
		return nil, err
	}
	subs := []<-chan protocol.Message{local}
	if !b.failed.Load() {
		remote, err := b.primary.Subscribe(ctx, channel)
		switch {
		case err == nil:
			subs = append(subs, remote)
		case transportFailure(ctx, err):
			if b.failed.CompareAndSwap(false, true) {
				logFallback(b.logger, err)
			}
		default:
			cancel()
			return nil, err
		}
	}
	return merge(ctx, cancel, subs), nil
}

// Set implements Bus.
func (b *FailoverBus) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.try(ctx, func(x Bus) error { return x.Set(ctx, key, value, ttl) })
}

// Get implements Bus.
func (b *FailoverBus) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.try(ctx, func(x Bus) error {
		v, err := x.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

// Delete implements Bus.
func (b *FailoverBus) Delete(ctx context.Context, key string) error {
	return b.try(ctx, func(x Bus) error { return x.Delete(ctx, key) })
}

// Keys implements Bus.
func (b *FailoverBus) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.try(ctx, func(x Bus) error {
		k, err := x.Keys(ctx, prefix)
		out = k
		return err
	})
	return out, err
}

// Close closes both backends.
func (b *FailoverBus) Close() error {
	return errors.Join(b.primary.Close(), b.fallback.Close())
}
