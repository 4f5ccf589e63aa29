// Package meshbrain wires the mesh coordination components into one
// process. Most applications interact with this package by:
//  1. Loading a config.Config (config.Load, then ApplyEnv and Validate)
//  2. Creating a Mesh via New, optionally overriding collaborators
//  3. Calling Run until the context is cancelled, then Close
//
// A Mesh owns the bus, the mesh coordinator, the consensus coordinator,
// the trigger manager, the passive monitor and the optional session
// archive. Every collaborator can also be used on its own; the façade only
// chooses defaults and connects them.
package meshbrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"golang.org/x/sync/errgroup"

	"github.com/jrc1883/meshbrain/archive"
	"github.com/jrc1883/meshbrain/bus"
	"github.com/jrc1883/meshbrain/clock"
	"github.com/jrc1883/meshbrain/config"
	"github.com/jrc1883/meshbrain/consensus"
	"github.com/jrc1883/meshbrain/coordinator"
	"github.com/jrc1883/meshbrain/logging"
	"github.com/jrc1883/meshbrain/monitor"
	"github.com/jrc1883/meshbrain/protocol"
	"github.com/jrc1883/meshbrain/semantic"
	"github.com/jrc1883/meshbrain/trigger"
)

// Version is reported by the CLI and stamped on startup logs.
var Version = "0.3.0"

// Options override collaborators New would otherwise build from config.
type Options struct {
	// Logger defaults to a MeshLogger built from the logging section.
	Logger logging.Logger
	Clock  clock.Clock
	// Bus is used instead of opening one from the bus section. A supplied
	// bus is not closed by Close.
	Bus       bus.Bus
	Embedder  semantic.Embedder
	Judge     semantic.ConflictJudge
	Escalator consensus.HumanEscalator
}

// Mesh is the façade aggregating the mesh components.
type Mesh struct {
	cfg     *config.Config
	opts    Options
	logger  logging.Logger
	bus     bus.Bus
	ownsBus bool

	coordinator *coordinator.Coordinator
	consensus   *consensus.Coordinator
	triggers    *trigger.Manager
	requested   *trigger.Requested
	monitor     *monitor.Monitor
	archive     *archive.Store
}

// NewLogger builds the process logger from the logging section. Unknown
// levels fall back to info.
func NewLogger(cfg config.LoggingConfig) *logging.MeshLogger {
	level, ok := logging.ParseLevel(cfg.Level)
	if !ok {
		level = logging.LogLevelInfo
	}
	return logging.NewSlogLogger(level, cfg.Format, cfg.AddSource)
}

// New validates cfg and constructs every component. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg *config.Config, optFns ...func(o *Options)) (*Mesh, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := Options{Clock: clock.Real()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger(cfg.Logging)
	}
	if opts.Embedder == nil {
		opts.Embedder = NewEmbedder(cfg.Semantic)
	}
	if opts.Judge == nil {
		opts.Judge = NewJudge(cfg.Semantic)
	}

	m := &Mesh{cfg: cfg, opts: opts, logger: opts.Logger, bus: opts.Bus}
	if m.bus == nil {
		b, err := bus.Open(ctx, BusConfig(cfg.Bus), func(o *bus.Options) {
			o.Clock = opts.Clock
			o.Logger = opts.Logger
		})
		if err != nil {
			return nil, fmt.Errorf("open bus: %w", err)
		}
		m.bus, m.ownsBus = b, true
	}

	if cfg.Archive.Path != "" {
		store, err := archive.Open(cfg.Archive.Path, func(o *archive.Options) { o.Logger = opts.Logger })
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		m.archive = store
	}

	m.coordinator = coordinator.New(m.bus, Objective(cfg.Objective), func(o *coordinator.Options) {
		o.ID = cfg.Coordinator.ID
		o.Namespace = cfg.Namespace
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.Embedder = opts.Embedder
		o.CheckInEvery = cfg.Coordinator.CheckInEvery
		o.StateTTL = cfg.Coordinator.StateTTL
		o.StaleAfter = cfg.Coordinator.StaleAfter
		o.BroadcastInterval = cfg.Coordinator.BroadcastInterval
		o.StreamMaxAge = cfg.Coordinator.StreamMaxAge
		o.DigestLimit = cfg.Coordinator.DigestLimit
		o.DedupThreshold = cfg.Coordinator.DedupThreshold
	})

	m.consensus = consensus.New(m.bus, func(o *consensus.Options) {
		o.ID = cfg.Consensus.ID
		o.Namespace = cfg.Namespace
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.Rules = Rules(cfg.Consensus)
		o.SessionTTL = cfg.Consensus.SessionTTL
		o.Liveness = m.live
		if m.archive != nil {
			o.Archiver = m.archive
		}
		if opts.Escalator != nil {
			o.Escalator = opts.Escalator
		}
	})

	publisher := trigger.NewPublisher(m.consensus, func(o *trigger.PublisherOptions) {
		o.Cooldown = cfg.Triggers.Cooldown
		o.Clock = opts.Clock
		o.Logger = opts.Logger
	})
	m.triggers = trigger.NewManager(publisher, func(o *trigger.ManagerOptions) { o.Logger = opts.Logger })
	m.requested = trigger.NewRequested()
	m.triggers.Register(
		m.requested,
		trigger.NewConflict(func(o *trigger.ConflictOptions) {
			o.Window = cfg.Triggers.ConflictWindow
			o.Judge = opts.Judge
			o.Logger = opts.Logger
		}),
		trigger.NewThreshold(cfg.Triggers.ThresholdWindow, cfg.Triggers.ThresholdCount),
	)
	if cfg.Triggers.Checkpoint {
		m.triggers.Register(trigger.NewCheckpoint(), trigger.NewPhaseChange())
	}
	if cfg.Triggers.ScheduleToolCalls > 0 || cfg.Triggers.ScheduleEvery > 0 {
		m.triggers.Register(trigger.NewScheduled(cfg.Triggers.ScheduleToolCalls, cfg.Triggers.ScheduleEvery))
	}

	m.monitor = monitor.New(m.bus, m.triggers, func(o *monitor.Options) {
		o.Clock = opts.Clock
		o.Logger = opts.Logger
		o.Window = cfg.Monitor.Window
		o.StallTimeout = cfg.Monitor.StallTimeout
		o.EvaluateInterval = cfg.Monitor.EvaluateInterval
		o.DivergenceMinScore = cfg.Monitor.DivergenceMinScore
		o.Phase = func() (int, string) {
			obj := m.coordinator.Objective()
			return obj.PhaseIndex, obj.CurrentPhase()
		}
		o.Ignore = []string{cfg.Coordinator.ID, cfg.Consensus.ID}
	})
	return m, nil
}

// BusConfig converts the bus section into the factory's form.
func BusConfig(cfg config.BusConfig) bus.Config {
	return bus.Config{
		Backend:      bus.Backend(cfg.Backend),
		RedisURL:     cfg.RedisURL,
		ProbeTimeout: cfg.ProbeTimeout,
		FileDir:      cfg.Dir,
		PollInterval: cfg.PollInterval,
		Codec:        cfg.Codec,
	}
}

// Objective converts the objective section into the coordinator's form.
func Objective(cfg config.ObjectiveConfig) protocol.Objective {
	return protocol.Objective{
		Description:     cfg.Description,
		SuccessCriteria: cfg.SuccessCriteria,
		Phases:          cfg.Phases,
		FilePatterns:    cfg.FilePatterns,
		RestrictedTools: cfg.RestrictedTools,
	}
}

// Rules converts the consensus section into default session rules.
func Rules(cfg config.ConsensusConfig) protocol.Rules {
	return protocol.Rules{
		Quorum:            cfg.Quorum,
		ApprovalThreshold: cfg.ApprovalThreshold,
		Unanimous:         cfg.Unanimous,
		MaxRounds:         cfg.MaxRounds,
		TurnTimeout:       cfg.TurnTimeout,
		RoundTimeout:      cfg.RoundTimeout,
		BlockVeto:         cfg.BlockVeto,
	}
}

// NewEmbedder selects the embedder named by the semantic section.
func NewEmbedder(cfg config.SemanticConfig) semantic.Embedder {
	if cfg.Embedder == "openai" {
		return semantic.NewOpenAIEmbedder(func(o *semantic.OpenAIOptions) {
			if cfg.EmbeddingModel != "" {
				o.Model = cfg.EmbeddingModel
			}
		})
	}
	return semantic.NoopEmbedder{}
}

// NewJudge selects the conflict judge named by the semantic section.
func NewJudge(cfg config.SemanticConfig) semantic.ConflictJudge {
	if cfg.Judge == "anthropic" {
		return semantic.NewAnthropicJudge(func(o *semantic.AnthropicOptions) {
			if cfg.JudgeModel != "" {
				o.Model = anthropic.Model(cfg.JudgeModel)
			}
		})
	}
	return semantic.KeywordJudge{}
}

// live treats an agent as reachable when either the coordinator holds a
// fresh check-in or the monitor saw it within the stall timeout.
func (m *Mesh) live(agentID string) bool {
	if m.coordinator.IsLive(agentID) {
		return true
	}
	return m.monitor != nil && m.monitor.Live(agentID)
}

// Bus returns the transport.
func (m *Mesh) Bus() bus.Bus { return m.bus }

// Coordinator returns the mesh coordinator.
func (m *Mesh) Coordinator() *coordinator.Coordinator { return m.coordinator }

// Consensus returns the consensus coordinator.
func (m *Mesh) Consensus() *consensus.Coordinator { return m.consensus }

// Triggers returns the trigger manager.
func (m *Mesh) Triggers() *trigger.Manager { return m.triggers }

// Monitor returns the passive consensus monitor.
func (m *Mesh) Monitor() *monitor.Monitor { return m.monitor }

// Archive returns the session archive, or nil when archiving is disabled.
func (m *Mesh) Archive() *archive.Store { return m.archive }

// RequestStatus says what became of a RequestConsensus call.
type RequestStatus string

const (
	// RequestOpened means a session was created.
	RequestOpened RequestStatus = "opened"
	// RequestQueued means the request waits for the next trigger
	// evaluation, which fills in the active agents as participants.
	RequestQueued RequestStatus = "queued"
	// RequestCoolingDown means an equivalent topic was requested recently.
	RequestCoolingDown RequestStatus = "cooling_down"
)

// RequestConsensus asks for a session on behalf of an agent or operator.
// The request passes through the trigger cool-down. A request without
// participants is queued instead and published at the monitor's next
// evaluation, inviting the agents active at that time. The error is set
// only when the session could not be created.
func (m *Mesh) RequestConsensus(ctx context.Context, req protocol.SessionRequest) (trigger.Published, RequestStatus, error) {
	if len(req.Participants) == 0 {
		m.requested.Request(req)
		return trigger.Published{Request: req}, RequestQueued, nil
	}
	p, err := m.triggers.Request(ctx, req)
	switch {
	case errors.Is(err, trigger.ErrCoolingDown):
		return trigger.Published{Request: req}, RequestCoolingDown, nil
	case err != nil:
		return trigger.Published{}, "", err
	}
	return p, RequestOpened, nil
}

// Session looks a session up in the live registry, then on the bus, then
// in the archive.
func (m *Mesh) Session(ctx context.Context, id string) (*protocol.Session, error) {
	s, err := m.consensus.Get(ctx, id)
	if err == nil || m.archive == nil || !errors.Is(err, consensus.ErrSessionNotFound) {
		return s, err
	}
	return m.archive.Get(ctx, id)
}

// Run starts the coordinator, the consensus coordinator and the monitor
// and blocks until ctx is cancelled or one of them fails.
func (m *Mesh) Run(ctx context.Context) error {
	m.logger.Info("Mesh starting",
		"version", Version,
		"backend", string(m.bus.Backend()),
		"namespace", m.cfg.Namespace,
		"triggers", len(m.triggers.Types()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.coordinator.Run(ctx) })
	g.Go(func() error { return m.consensus.Run(ctx) })
	g.Go(func() error { return m.monitor.Run(ctx) })
	g.Go(func() error { return m.sweep(ctx) })
	return g.Wait()
}

// sweep drops terminal sessions from the registry once their documents
// would have expired from the bus.
func (m *Mesh) sweep(ctx context.Context) error {
	every := m.cfg.Consensus.SessionTTL
	if every <= 0 {
		every = time.Hour
	}
	ticker := m.opts.Clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.consensus.Forget(); n > 0 {
				m.logger.Debug("Forgot finished sessions", "count", n)
			}
		}
	}
}

// Close releases the archive and, when New opened it, the bus.
func (m *Mesh) Close() error {
	var errs []error
	if m.archive != nil {
		errs = append(errs, m.archive.Close())
	}
	if m.ownsBus && m.bus != nil {
		errs = append(errs, m.bus.Close())
	}
	return errors.Join(errs...)
}
