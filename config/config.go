// Package config holds the single configuration struct for a mesh node.
//
// A Config is built once at the process boundary: Default, then Load to
// merge a YAML file over the defaults, then ApplyEnv for MESH_* overrides,
// then Validate. Components receive the sections they need and never read
// the environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// Namespace prefixes every stored document key.
	Namespace string `yaml:"namespace"`

	Objective   ObjectiveConfig   `yaml:"objective"`
	Bus         BusConfig         `yaml:"bus"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Triggers    TriggersConfig    `yaml:"triggers"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Semantic    SemanticConfig    `yaml:"semantic"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ObjectiveConfig describes the work the mesh is coordinating.
type ObjectiveConfig struct {
	Description     string   `yaml:"description"`
	SuccessCriteria []string `yaml:"success_criteria"`
	Phases          []string `yaml:"phases"`
	// FilePatterns limit where agents may write; empty allows everything.
	FilePatterns    []string `yaml:"file_patterns"`
	RestrictedTools []string `yaml:"restricted_tools"`
}

// BusConfig selects the message bus backend.
type BusConfig struct {
	// Backend is one of auto, redis, file, memory.
	Backend      string        `yaml:"backend"`
	RedisURL     string        `yaml:"redis_url"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// Dir is the coordination directory used by the file backend.
	Dir          string        `yaml:"dir"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// Codec frames broker messages: json or cbor.
	Codec string `yaml:"codec"`
}

// CoordinatorConfig tunes the mesh coordinator.
type CoordinatorConfig struct {
	// ID is the sender id used for coordinator messages.
	ID string `yaml:"id"`
	// CheckInEvery is the check-in interval measured in tool calls.
	CheckInEvery      int           `yaml:"check_in_every"`
	StateTTL          time.Duration `yaml:"state_ttl"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	DigestLimit       int           `yaml:"digest_limit"`
	// DedupThreshold is the embedding similarity above which an insight
	// counts as a duplicate.
	DedupThreshold float64       `yaml:"dedup_threshold"`
	StreamMaxAge   time.Duration `yaml:"stream_max_age"`
}

// ConsensusConfig holds default session rules.
type ConsensusConfig struct {
	ID                string        `yaml:"id"`
	Quorum            int           `yaml:"quorum"`
	ApprovalThreshold float64       `yaml:"approval_threshold"`
	Unanimous         bool          `yaml:"unanimous"`
	MaxRounds         int           `yaml:"max_rounds"`
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	RoundTimeout      time.Duration `yaml:"round_timeout"`
	BlockVeto         bool          `yaml:"block_veto"`
	SessionTTL        time.Duration `yaml:"session_ttl"`
}

// TriggersConfig tunes the consensus triggers.
type TriggersConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	ConflictWindow    time.Duration `yaml:"conflict_window"`
	ThresholdWindow   time.Duration `yaml:"threshold_window"`
	ThresholdCount    int           `yaml:"threshold_count"`
	ScheduleToolCalls int           `yaml:"schedule_tool_calls"`
	ScheduleEvery     time.Duration `yaml:"schedule_every"`
	Checkpoint        bool          `yaml:"checkpoint"`
}

// MonitorConfig tunes the passive consensus monitor.
type MonitorConfig struct {
	Window             time.Duration `yaml:"window"`
	StallTimeout       time.Duration `yaml:"stall_timeout"`
	EvaluateInterval   time.Duration `yaml:"evaluate_interval"`
	DivergenceMinScore float64       `yaml:"divergence_min_score"`
}

// SemanticConfig selects optional model-backed capabilities.
type SemanticConfig struct {
	// Embedder is none or openai.
	Embedder       string `yaml:"embedder"`
	EmbeddingModel string `yaml:"embedding_model"`
	// Judge is keyword or anthropic.
	Judge      string `yaml:"judge"`
	JudgeModel string `yaml:"judge_model"`
}

// ArchiveConfig configures the SQLite session archive.
type ArchiveConfig struct {
	// Path to the database file; empty disables archiving.
	Path string `yaml:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a configuration that runs on the auto-detected bus.
func Default() *Config {
	return &Config{
		Namespace: "mesh",
		Bus: BusConfig{
			Backend:      "auto",
			RedisURL:     "redis://localhost:6379/0",
			ProbeTimeout: 500 * time.Millisecond,
			Dir:          ".mesh",
			PollInterval: 100 * time.Millisecond,
			Codec:        "json",
		},
		Coordinator: CoordinatorConfig{
			ID:                "mesh-brain",
			CheckInEvery:      5,
			StateTTL:          10 * time.Minute,
			StaleAfter:        2 * time.Minute,
			BroadcastInterval: 30 * time.Second,
			DigestLimit:       5,
			DedupThreshold:    0.92,
			StreamMaxAge:      30 * time.Minute,
		},
		Consensus: ConsensusConfig{
			ID:                "consensus",
			Quorum:            2,
			ApprovalThreshold: 0.67,
			MaxRounds:         3,
			TurnTimeout:       60 * time.Second,
			RoundTimeout:      120 * time.Second,
			BlockVeto:         true,
			SessionTTL:        2 * time.Hour,
		},
		Triggers: TriggersConfig{
			Cooldown:          5 * time.Minute,
			ConflictWindow:    time.Minute,
			ThresholdWindow:   5 * time.Minute,
			ThresholdCount:    3,
			ScheduleToolCalls: 0,
			ScheduleEvery:     0,
			Checkpoint:        true,
		},
		Monitor: MonitorConfig{
			Window:             time.Minute,
			StallTimeout:       3 * time.Minute,
			EvaluateInterval:   5 * time.Second,
			DivergenceMinScore: 0.5,
		},
		Semantic: SemanticConfig{
			Embedder:       "none",
			EmbeddingModel: "text-embedding-3-small",
			Judge:          "keyword",
			JudgeModel:     "claude-3-5-haiku-20241022",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file and merges it over Default. Fields absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from MESH_* variables. It returns an error
// naming the first variable whose value does not parse.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	frac := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("MESH_NAMESPACE", &c.Namespace)
	str("MESH_OBJECTIVE", &c.Objective.Description)
	str("MESH_BUS_BACKEND", &c.Bus.Backend)
	str("MESH_REDIS_URL", &c.Bus.RedisURL)
	dur("MESH_PROBE_TIMEOUT", &c.Bus.ProbeTimeout)
	str("MESH_DIR", &c.Bus.Dir)
	dur("MESH_POLL_INTERVAL", &c.Bus.PollInterval)
	str("MESH_CODEC", &c.Bus.Codec)

	str("MESH_COORDINATOR_ID", &c.Coordinator.ID)
	num("MESH_CHECKIN_EVERY", &c.Coordinator.CheckInEvery)
	dur("MESH_STALE_AFTER", &c.Coordinator.StaleAfter)
	dur("MESH_BROADCAST_INTERVAL", &c.Coordinator.BroadcastInterval)

	num("MESH_QUORUM", &c.Consensus.Quorum)
	frac("MESH_APPROVAL_THRESHOLD", &c.Consensus.ApprovalThreshold)
	flag("MESH_UNANIMOUS", &c.Consensus.Unanimous)
	num("MESH_MAX_ROUNDS", &c.Consensus.MaxRounds)
	dur("MESH_TURN_TIMEOUT", &c.Consensus.TurnTimeout)
	dur("MESH_ROUND_TIMEOUT", &c.Consensus.RoundTimeout)
	dur("MESH_SESSION_TTL", &c.Consensus.SessionTTL)

	dur("MESH_TRIGGER_COOLDOWN", &c.Triggers.Cooldown)

	str("MESH_EMBEDDER", &c.Semantic.Embedder)
	str("MESH_JUDGE", &c.Semantic.Judge)
	str("MESH_ARCHIVE_PATH", &c.Archive.Path)
	str("MESH_LOG_LEVEL", &c.Logging.Level)
	str("MESH_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Namespace) == "" {
		errs = append(errs, errors.New("namespace is required"))
	}
	switch c.Bus.Backend {
	case "auto", "redis", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("bus.backend %q is not one of auto, redis, file, memory", c.Bus.Backend))
	}
	if (c.Bus.Backend == "auto" || c.Bus.Backend == "file") && c.Bus.Dir == "" {
		errs = append(errs, errors.New("bus.dir is required for the file backend"))
	}
	if c.Bus.Backend == "redis" && c.Bus.RedisURL == "" {
		errs = append(errs, errors.New("bus.redis_url is required for the redis backend"))
	}
	if c.Bus.PollInterval <= 0 {
		errs = append(errs, errors.New("bus.poll_interval must be positive"))
	}
	switch c.Bus.Codec {
	case "", "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("bus.codec %q is not json or cbor", c.Bus.Codec))
	}
	if c.Coordinator.CheckInEvery < 1 {
		errs = append(errs, errors.New("coordinator.check_in_every must be >= 1"))
	}
	if c.Consensus.Quorum < 1 {
		errs = append(errs, errors.New("consensus.quorum must be >= 1"))
	}
	if !c.Consensus.Unanimous && (c.Consensus.ApprovalThreshold <= 0 || c.Consensus.ApprovalThreshold > 1) {
		errs = append(errs, errors.New("consensus.approval_threshold must be in (0,1]"))
	}
	if c.Consensus.MaxRounds < 1 {
		errs = append(errs, errors.New("consensus.max_rounds must be >= 1"))
	}
	if c.Consensus.TurnTimeout <= 0 || c.Consensus.RoundTimeout <= 0 {
		errs = append(errs, errors.New("consensus timeouts must be positive"))
	}
	switch c.Semantic.Embedder {
	case "", "none", "openai":
	default:
		errs = append(errs, fmt.Errorf("semantic.embedder %q is not none or openai", c.Semantic.Embedder))
	}
	switch c.Semantic.Judge {
	case "", "keyword", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("semantic.judge %q is not keyword or anthropic", c.Semantic.Judge))
	}
	return errors.Join(errs...)
}
