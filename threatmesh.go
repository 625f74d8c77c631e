// Package threatmesh provides a high-level façade over the orchestrator and
// service abstractions (hybrid memory, task snapshots, CTI and LLM
// collaborators) for building threat intelligence analysis pipelines. Most
// applications interact with this package by:
//  1. Creating a ThreatMesh via New() (optionally overriding default in-memory services)
//  2. Submitting tasks asynchronously (Submit) or waiting for them (SubmitAndWait)
//  3. Observing progress through Status and requesting cancellation with Cancel
//
// The façade delegates scheduling, retries and memory plumbing to
// orchestrator.Orchestrator while keeping setup ergonomics concise. All
// defaults are safe for local development and testing; production
// deployments typically load a Config and call NewFromConfig.
package threatmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	sdkopenai "github.com/openai/openai-go"

	"github.com/threatmesh/threatmesh/agent"
	"github.com/threatmesh/threatmesh/config"
	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/cti/opencti"
	"github.com/threatmesh/threatmesh/logging"
	"github.com/threatmesh/threatmesh/memory"
	embeddermock "github.com/threatmesh/threatmesh/memory/embedder/mock"
	embedderopenai "github.com/threatmesh/threatmesh/memory/embedder/openai"
	modelanthropic "github.com/threatmesh/threatmesh/model/anthropic"
	modelopenai "github.com/threatmesh/threatmesh/model/openai"
	"github.com/threatmesh/threatmesh/orchestrator"
	"github.com/threatmesh/threatmesh/taskstore"
)

// Options configures the ThreatMesh instance.
type Options struct {
	// Workers is the orchestrator worker pool size.
	Workers int
	// QueueSize bounds the submission queue.
	QueueSize int
	// MaxAttempts is the per-stage attempt budget, first try included.
	MaxAttempts int
	// StageTimeout bounds a single agent invocation.
	StageTimeout time.Duration
	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry backoff interval.
	MaxBackoff time.Duration
	// GateCapacity caps concurrent collaborator calls across all workers.
	GateCapacity int64
	// GateTimeout bounds waiting for a gate slot.
	GateTimeout time.Duration
	// SimilarityK is how many memory entries similarity recall requests.
	SimilarityK int
	// SimilarityMinScore is the recall score floor.
	SimilarityMinScore float32
	// TokenBudget caps cumulative LLM token usage across all tasks.
	// Zero means unlimited.
	TokenBudget int

	// Profile scopes the built-in agents' prompts to the operator.
	Profile agent.Profile
	// Agents are registered alongside the built-in pipelines. Supplying an
	// agent for a capability a built-in already covers is a registration
	// error; disable the built-ins instead.
	Agents []core.Agent
	// DisableBuiltinAgents skips registration of the analyst, enrichment and
	// report pipelines, leaving registration entirely to Agents.
	DisableBuiltinAgents bool

	// Services (defaults to in-memory implementations if not provided)
	Memory   core.MemoryStore
	Embedder core.Embedder
	CTI      core.CTIClient
	LLM      core.LLMClient
	Tasks    taskstore.Store

	// Metrics defaults to a set registered on a private registry.
	Metrics *orchestrator.Metrics
	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// ThreatMesh is the high-level façade aggregating the orchestrator and its
// services.
type ThreatMesh struct {
	opts  Options
	orch  *orchestrator.Orchestrator
	usage *core.Usage
}

// New creates a new ThreatMesh instance with optional overrides. Any unset
// service is initialized with an in-memory implementation, so a zero-config
// mesh works offline.
func New(optFns ...func(o *Options)) (*ThreatMesh, error) {
	opts := Options{
		Workers:            4,
		QueueSize:          64,
		MaxAttempts:        3,
		StageTimeout:       60 * time.Second,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		GateCapacity:       8,
		GateTimeout:        10 * time.Second,
		SimilarityK:        5,
		SimilarityMinScore: 0.75,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := orchestrator.NewRegistry()
	if !opts.DisableBuiltinAgents {
		if err := registerBuiltins(registry, opts.Profile); err != nil {
			return nil, err
		}
	}
	for _, a := range opts.Agents {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}

	usage := core.NewUsage(opts.TokenBudget)

	orch, err := orchestrator.New(registry, func(o *orchestrator.Options) {
		o.Workers = opts.Workers
		o.QueueSize = opts.QueueSize
		o.MaxAttempts = opts.MaxAttempts
		o.StageTimeout = opts.StageTimeout
		o.InitialBackoff = opts.InitialBackoff
		o.MaxBackoff = opts.MaxBackoff
		o.GateCapacity = opts.GateCapacity
		o.GateTimeout = opts.GateTimeout
		o.SimilarityK = opts.SimilarityK
		o.SimilarityMinScore = opts.SimilarityMinScore
		o.Memory = opts.Memory
		o.Embedder = opts.Embedder
		o.CTI = opts.CTI
		o.LLM = opts.LLM
		o.Tasks = opts.Tasks
		o.Usage = usage
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	return &ThreatMesh{opts: opts, orch: orch, usage: usage}, nil
}

// registerBuiltins wires the standard pipelines: analyze runs the threat
// analyst alone, enrich runs the analyst's assessment first and then
// enrichment over the platform record, report runs the report generator.
func registerBuiltins(registry *orchestrator.Registry, profile agent.Profile) error {
	agents := []core.Agent{
		agent.NewThreatAnalyst(func(o *agent.ThreatAnalystOptions) {
			o.Profile = profile
		}),
		agent.NewThreatAnalyst(func(o *agent.ThreatAnalystOptions) {
			o.Capability = core.TypeEnrich
			o.Profile = profile
		}),
		agent.NewEnrichment(func(o *agent.EnrichmentOptions) {
			o.Profile = profile
		}),
		agent.NewReportGenerator(func(o *agent.ReportGeneratorOptions) {
			o.Profile = profile
		}),
	}
	for _, a := range agents {
		if err := registry.Register(a); err != nil {
			return fmt.Errorf("register builtin agent: %w", err)
		}
	}
	return nil
}

// NewFromConfig builds a ThreatMesh from a loaded configuration file,
// constructing the configured collaborators. Option functions run after the
// config has been applied and take precedence.
func NewFromConfig(cfg *config.Config, optFns ...func(o *Options)) (*ThreatMesh, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(parseLevel(cfg.Logging.Level), cfg.Logging.Format)

	store, err := memory.New(func(o *memory.Options) {
		o.Capacity = cfg.Memory.Capacity
		o.Dimensions = cfg.Memory.Dimensions
		o.SnapshotPath = cfg.Memory.SnapshotPath
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}

	var tasks taskstore.Store
	if cfg.TaskStore.Dir != "" {
		tasks, err = taskstore.NewFileStore(cfg.TaskStore.Dir)
		if err != nil {
			return nil, fmt.Errorf("task store: %w", err)
		}
	}

	var llm core.LLMClient
	switch cfg.LLM.Provider {
	case "anthropic":
		llm = modelanthropic.New(func(o *modelanthropic.Options) {
			if cfg.LLM.Model != "" {
				o.Model = sdkanthropic.Model(cfg.LLM.Model)
			}
			if cfg.LLM.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.LLM.MaxTokens)
			}
			if cfg.LLM.Temperature > 0 {
				o.Temperature = cfg.LLM.Temperature
			}
			o.APIKey = cfg.LLM.APIKey
		})
	case "openai":
		llm = modelopenai.New(func(o *modelopenai.Options) {
			if cfg.LLM.Model != "" {
				o.Model = sdkopenai.ChatModel(cfg.LLM.Model)
			}
			if cfg.LLM.MaxTokens > 0 {
				o.MaxTokens = int64(cfg.LLM.MaxTokens)
			}
			if cfg.LLM.Temperature > 0 {
				o.Temperature = cfg.LLM.Temperature
			}
			o.APIKey = cfg.LLM.APIKey
		})
	}

	var embedder core.Embedder
	switch cfg.Embedder.Provider {
	case "openai":
		embedder = embedderopenai.New(func(o *embedderopenai.Options) {
			if cfg.Embedder.Model != "" {
				o.Model = sdkopenai.EmbeddingModel(cfg.Embedder.Model)
			}
			if cfg.Embedder.Dimensions > 0 {
				o.Dimensions = cfg.Embedder.Dimensions
			}
		})
	default:
		embedder = embeddermock.New()
	}

	var cti core.CTIClient
	if cfg.OpenCTI.URL != "" {
		cti = opencti.New(cfg.OpenCTI.URL, cfg.OpenCTI.Token, func(o *opencti.Options) {
			o.Logger = logger
		})
	}

	fns := append([]func(o *Options){func(o *Options) {
		o.Workers = cfg.Workers
		o.QueueSize = cfg.QueueSize
		o.MaxAttempts = cfg.MaxAttempts
		o.StageTimeout = cfg.StageTimeout.Std()
		o.InitialBackoff = cfg.InitialBackoff.Std()
		o.MaxBackoff = cfg.MaxBackoff.Std()
		o.GateCapacity = cfg.GateCapacity
		o.GateTimeout = cfg.GateTimeout.Std()
		o.SimilarityK = cfg.SimilarityK
		o.SimilarityMinScore = cfg.SimilarityMinScore
		o.TokenBudget = cfg.TokenBudget
		o.Profile = agent.Profile{
			Organization: cfg.Profile.Organization,
			Industry:     cfg.Profile.Industry,
			Region:       cfg.Profile.Region,
		}
		o.Memory = store
		o.Embedder = embedder
		o.CTI = cti
		o.LLM = llm
		o.Tasks = tasks
		o.Logger = logger
	}}, optFns...)

	return New(fns...)
}

func parseLevel(level string) logging.Level {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// Submit enqueues a task of the given type and returns its identifier.
func (m *ThreatMesh) Submit(ctx context.Context, typ core.TaskType, payload json.RawMessage) (string, error) {
	return m.orch.Submit(ctx, typ, payload)
}

// Status returns a point-in-time snapshot of the task, or core.ErrNotFound.
func (m *ThreatMesh) Status(id string) (*core.Task, error) {
	return m.orch.Status(id)
}

// Cancel requests cooperative cancellation of a task.
func (m *ThreatMesh) Cancel(id string) error {
	return m.orch.Cancel(id)
}

// SubmitAndWait is a synchronous helper that submits a task and polls until
// it reaches a terminal state or ctx is done. On ctx expiry the task keeps
// running; callers who want it stopped should Cancel it.
func (m *ThreatMesh) SubmitAndWait(ctx context.Context, typ core.TaskType, payload json.RawMessage) (*core.Task, error) {
	id, err := m.Submit(ctx, typ, payload)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		task, err := m.Status(id)
		if err != nil {
			return nil, err
		}
		if task.Status.Terminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, fmt.Errorf("wait for task %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Usage returns the per-agent token counts recorded so far.
func (m *ThreatMesh) Usage() map[string]core.TokenCount {
	return m.usage.Snapshot()
}

// Close stops the worker pool and cancels in-flight tasks. Service
// dependencies supplied by the caller are not released.
func (m *ThreatMesh) Close() error {
	return m.orch.Close()
}
