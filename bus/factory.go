package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/protocol"
)

// DefaultProbeTimeout bounds the broker PING in auto mode.
const DefaultProbeTimeout = 500 * time.Millisecond

// Config selects and parameterizes a backend.
type Config struct {
	Backend      Backend
	RedisURL     string
	ProbeTimeout time.Duration
	FileDir      string
	PollInterval time.Duration
	// Codec names the envelope codec for the Redis backend ("json" or
	// "cbor"). The file backend always writes JSON lines.
	Codec string
}

// Options carries collaborators shared by every backend.
type Options struct {
	Clock  clock.Clock
	Logger logging.Logger
}

// Open constructs the configured backend. In auto mode it probes the
// broker and falls back to the file backend, logging a warning, when the
// broker is unreachable or not configured. A reachable broker is wrapped
// in a FailoverBus so that a later broker outage also falls back.
func Open(ctx context.Context, cfg Config, optFns ...func(o *Options)) (Bus, error) {
	opts := Options{Clock: clock.Real(), Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	switch cfg.Backend {
	case BackendMemory:
		return NewMemoryBus(func(o *MemoryOptions) {
			o.Clock = opts.Clock
			o.Logger = opts.Logger
		}), nil
	case BackendFile:
		return openFile(cfg, opts)
	case BackendRedis:
		return openRedis(ctx, cfg, opts)
	case BackendAuto, "":
		if cfg.RedisURL == "" {
			logFallback(opts.Logger, fmt.Errorf("no redis url configured"))
			return openFile(cfg, opts)
		}
		b, err := openRedis(ctx, cfg, opts)
		if err != nil {
			logFallback(opts.Logger, err)
			return openFile(cfg, opts)
		}
		if cfg.FileDir == "" {
			return b, nil
		}
		fb, err := openFile(cfg, opts)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		return NewFailoverBus(b, fb, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
}

func logFallback(logger logging.Logger, err error) {
	if ml, ok := logger.(*logging.MeshLogger); ok {
		ml.LogBusFallback(string(BackendRedis), string(BackendFile), err)
		return
	}
	logger.Warn("Message bus fallback", "from", string(BackendRedis), "to", string(BackendFile), "error", err.Error())
}

func openFile(cfg Config, opts Options) (Bus, error) {
	if cfg.FileDir == "" {
		return nil, fmt.Errorf("file backend requires a coordination directory")
	}
	return NewFileBus(cfg.FileDir, func(o *FileOptions) {
		o.PollInterval = cfg.PollInterval
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})
}

func openRedis(ctx context.Context, cfg Config, opts Options) (Bus, error) {
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return DialRedis(probeCtx, cfg.RedisURL, func(o *RedisOptions) {
		o.Codec = codec
		o.Logger = opts.Logger
	})
}
