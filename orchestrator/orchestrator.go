package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/threatmesh/threatmesh/core"
	"github.com/threatmesh/threatmesh/logging"
	"github.com/threatmesh/threatmesh/memory"
	"github.com/threatmesh/threatmesh/memory/embedder/mock"
	"github.com/threatmesh/threatmesh/taskstore"
)

// Options configures an Orchestrator. All service dependencies have
// in-process defaults so a zero-config orchestrator works for development
// and tests; production deployments supply real collaborators.
type Options struct {
	// Workers is the size of the worker pool. Each worker drives one task's
	// pipeline to completion before taking another.
	Workers int
	// QueueSize bounds the submission queue. A full queue blocks Submit,
	// providing backpressure to producers.
	QueueSize int
	// MaxAttempts is the attempt budget per stage, first try included.
	MaxAttempts int
	// StageTimeout bounds a single agent invocation. Expiry resolves as a
	// transient failure, not a crash.
	StageTimeout time.Duration
	// InitialBackoff seeds the exponential retry backoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry backoff interval.
	MaxBackoff time.Duration
	// GateCapacity caps concurrent collaborator calls across all workers.
	// Zero or less disables the gate.
	GateCapacity int64
	// GateTimeout bounds waiting for a gate slot.
	GateTimeout time.Duration
	// SimilarityK is how many entries similarity recall requests per stage.
	SimilarityK int
	// SimilarityMinScore is the recall score floor.
	SimilarityMinScore float32

	// Memory is the hybrid store stages read from and commit writes to.
	// Defaults to an in-process store without snapshot persistence.
	Memory core.MemoryStore
	// Embedder powers similarity recall and write indexing. Defaults to the
	// deterministic offline embedder.
	Embedder core.Embedder
	// CTI is the threat intelligence platform handle passed to agents.
	CTI core.CTIClient
	// LLM is the text generation handle passed to agents.
	LLM core.LLMClient
	// Tasks persists task snapshots at every status transition.
	// Defaults to the in-memory store.
	Tasks taskstore.Store
	// Usage is the shared token accounting. Defaults to an unlimited tracker.
	Usage *core.Usage
	// Metrics receives orchestrator instrumentation. Defaults to a set
	// registered on a private registry.
	Metrics *Metrics
	// Logger defaults to NoOp.
	Logger logging.Logger
}

// Orchestrator owns the task queue and the worker pool. Public methods are
// safe for concurrent use.
type Orchestrator struct {
	registry *Registry

	maxAttempts    int
	stageTimeout   time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
	similarityK    int
	similarityMin  float32

	memory   core.MemoryStore
	embedder core.Embedder
	cti      core.CTIClient
	llm      core.LLMClient
	tasks    taskstore.Store
	usage    *core.Usage
	metrics  *Metrics
	logger   logging.Logger

	gate  *gate
	queue chan *taskHandle

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
}

type taskHandle struct {
	task   *core.Task
	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an orchestrator over the given registry and starts its
// worker pool. The registry is frozen here: registration after New is an
// error by design, pipeline resolution must stay deterministic while tasks
// are in flight.
func New(registry *Registry, optFns ...func(o *Options)) (*Orchestrator, error) {
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

	if opts.Memory == nil {
		store, err := memory.New()
		if err != nil {
			return nil, fmt.Errorf("default memory store: %w", err)
		}
		opts.Memory = store
	}
	if opts.Embedder == nil {
		opts.Embedder = mock.New()
	}
	if opts.Tasks == nil {
		opts.Tasks = taskstore.NewInMemoryStore()
	}
	if opts.Usage == nil {
		opts.Usage = core.NewUsage(0)
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	registry.Freeze()

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		registry:       registry,
		maxAttempts:    opts.MaxAttempts,
		stageTimeout:   opts.StageTimeout,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		similarityK:    opts.SimilarityK,
		similarityMin:  opts.SimilarityMinScore,
		memory:         opts.Memory,
		embedder:       opts.Embedder,
		cti:            opts.CTI,
		llm:            opts.LLM,
		tasks:          opts.Tasks,
		usage:          opts.Usage,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		gate:           newGate(opts.GateCapacity, opts.GateTimeout),
		queue:          make(chan *taskHandle, opts.QueueSize),
		rootCtx:        ctx,
		rootCancel:     cancel,
		active:         make(map[string]context.CancelFunc),
	}

	for i := 0; i < opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}

	return o, nil
}

// Submit enqueues a task and returns its identifier. The pending snapshot is
// persisted before Submit returns, so Status observes the task immediately.
// When the queue is full Submit blocks until a slot frees up or ctx is done;
// in the latter case the task finishes as cancelled.
func (o *Orchestrator) Submit(ctx context.Context, typ core.TaskType, payload json.RawMessage) (string, error) {
	if _, err := o.registry.Pipeline(typ); err != nil {
		return "", err
	}

	task := core.NewTask(typ, payload)
	taskCtx, cancel := context.WithCancel(o.rootCtx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return "", fmt.Errorf("orchestrator is closed")
	}
	o.active[task.ID] = cancel
	o.mu.Unlock()

	if err := o.persist(task); err != nil {
		o.dropActive(task.ID)
		cancel()
		return "", err
	}

	h := &taskHandle{task: task, ctx: taskCtx, cancel: cancel}

	select {
	case o.queue <- h:
		o.metrics.queueDepth.Set(float64(len(o.queue)))
		o.logger.Debug("task submitted", "task_id", task.ID, "type", string(typ))
		return task.ID, nil
	case <-ctx.Done():
		o.finish(task, core.StatusCancelled, ctx.Err())
		o.dropActive(task.ID)
		cancel()
		return "", fmt.Errorf("submit task: %w", ctx.Err())
	case <-o.rootCtx.Done():
		o.dropActive(task.ID)
		cancel()
		return "", fmt.Errorf("orchestrator is closed")
	}
}

// Status returns a point-in-time snapshot of the task, or core.ErrNotFound.
// Every terminal state is observable here, including the last fatal error
// and the full stage log.
func (o *Orchestrator) Status(id string) (*core.Task, error) {
	return o.tasks.Get(id)
}

// Cancel requests cooperative cancellation of a task. Cancelling a task that
// already reached a terminal state is a no-op; an unknown id returns
// core.ErrNotFound.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	cancel, ok := o.active[id]
	o.mu.Unlock()

	if ok {
		cancel()
		return nil
	}

	// Not in flight: acknowledge if the task exists at all.
	if _, err := o.tasks.Get(id); err != nil {
		return err
	}
	return nil
}

// Close stops the worker pool and cancels all in-flight tasks. Queued tasks
// that never started finish as cancelled. Close does not release the
// provided service dependencies; their lifecycle belongs to the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.rootCancel()
	o.wg.Wait()

	// Drain tasks that never reached a worker.
	for {
		select {
		case h := <-o.queue:
			o.finish(h.task, core.StatusCancelled, context.Canceled)
			o.dropActive(h.task.ID)
		default:
			return nil
		}
	}
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.rootCtx.Done():
			return
		case h := <-o.queue:
			o.metrics.queueDepth.Set(float64(len(o.queue)))
			o.runTask(h)
			o.dropActive(h.task.ID)
			h.cancel()
		}
	}
}

func (o *Orchestrator) dropActive(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

// persist writes a task snapshot; storage faults are surfaced to Submit but
// only logged on later transitions, a broken task store must not abort a
// running pipeline.
func (o *Orchestrator) persist(task *core.Task) error {
	if err := o.tasks.Save(task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	return nil
}

func (o *Orchestrator) persistOrLog(task *core.Task) {
	if err := o.tasks.Save(task); err != nil {
		o.logger.Warn("task snapshot persistence failed", "task_id", task.ID, "error", err.Error())
	}
}
