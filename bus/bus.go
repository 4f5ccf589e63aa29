// Package bus abstracts the publish/subscribe and key-value-with-expiry
// transport the mesh runs on. Three interchangeable backends implement Bus:
//
//   - RedisBus: a shared broker with true push delivery.
//   - FileBus: JSON files under a coordination directory; subscribers poll
//     at a fixed interval and writers serialize through advisory file
//     locks. Single machine only, comfortable up to three or four agents.
//   - MemoryBus: in-process fan-out for tests and single-process runs.
//
// Callers never special-case a backend. Open selects one from
// configuration, probing the broker when asked to auto-detect and
// wrapping it in a FailoverBus that moves to files if the broker is lost.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jrc1883/meshbrain/protocol"
)

// Backend names a Bus implementation.
type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendRedis  Backend = "redis"
	BackendFile   Backend = "file"
	BackendMemory Backend = "memory"
)

var (
	// ErrNotFound is returned by Get for missing or expired keys.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus closed")
)

// Bus is the transport contract shared by all backends.
//
// Publish is fire-and-forget and never waits for subscribers. Subscribe
// returns a channel that yields messages published after the call and is
// closed when ctx is cancelled or the bus is closed; delivery is
// at-least-once and each call is an independent subscription. Keys with a
// zero ttl never expire.
type Bus interface {
	Publish(ctx context.Context, channel string, msg protocol.Message) error
	Subscribe(ctx context.Context, channel string) (<-chan protocol.Message, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Backend() Backend
	Close() error
}

// SetJSON stores v as a JSON document.
func SetJSON(ctx context.Context, b Bus, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Set(ctx, key, data, ttl)
}

// GetJSON loads a JSON document into v. Missing keys yield ErrNotFound.
func GetJSON(ctx context.Context, b Bus, key string, v any) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// subscriberBuffer is the per-subscription channel capacity.
const subscriberBuffer = 64
