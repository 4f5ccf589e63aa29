package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/jrc1883/meshbrain/config"
)

// configFlags are command-line overrides layered over the config file and
// MESH_* environment. Only flags the user set are applied.
type configFlags struct {
	namespace    string
	backend      string
	redisURL     string
	dir          string
	pollInterval time.Duration
	codec        string
	archivePath  string
	logLevel     string
	logFormat    string
	judge        string
	embedder     string
}

// AddFlags registers the override flags on flagSet.
func (f *configFlags) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.namespace, "namespace", "", "Key namespace shared by every node of the mesh")
	flagSet.StringVar(&f.backend, "bus", "", "Bus backend: auto, redis, file or memory")
	flagSet.StringVar(&f.redisURL, "redis-url", "", "Redis URL for the redis and auto backends")
	flagSet.StringVar(&f.dir, "dir", "", "Coordination directory for the file backend")
	flagSet.DurationVar(&f.pollInterval, "poll-interval", 0, "File backend poll interval")
	flagSet.StringVar(&f.codec, "codec", "", "Broker frame codec: json or cbor")
	flagSet.StringVar(&f.archivePath, "archive", "", "SQLite session archive path")
	flagSet.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "", "Log format: json or text")
	flagSet.StringVar(&f.judge, "judge", "", "Conflict judge: keyword or anthropic")
	flagSet.StringVar(&f.embedder, "embedder", "", "Embedder: none or openai")
}

// apply copies every flag the user changed into cfg.
func (f *configFlags) apply(flagSet *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, dst *string, v string) {
		if flagSet.Changed(name) {
			*dst = v
		}
	}
	set("namespace", &cfg.Namespace, f.namespace)
	set("bus", &cfg.Bus.Backend, f.backend)
	set("redis-url", &cfg.Bus.RedisURL, f.redisURL)
	set("dir", &cfg.Bus.Dir, f.dir)
	set("codec", &cfg.Bus.Codec, f.codec)
	set("archive", &cfg.Archive.Path, f.archivePath)
	set("log-level", &cfg.Logging.Level, f.logLevel)
	set("log-format", &cfg.Logging.Format, f.logFormat)
	set("judge", &cfg.Semantic.Judge, f.judge)
	set("embedder", &cfg.Semantic.Embedder, f.embedder)
	if flagSet.Changed("poll-interval") {
		cfg.Bus.PollInterval = f.pollInterval
	}
}

// loadConfig builds the effective configuration: defaults, then the file
// at path (if any), then the environment, then changed flags.
func loadConfig(path string, lookup config.LookupFunc, f *configFlags, flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	f.apply(flagSet, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
