// ABOUTME: Poll loop, worker pool and shared Execute path for queued tasks
// ABOUTME: Publishes task lifecycle events and records OpenTelemetry counters and spans

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/plugins"
	"github.com/2389/agent-gateway/internal/providers"
	"github.com/2389/agent-gateway/internal/store"
	"github.com/2389/agent-gateway/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultPollInterval   = 2 * time.Second
	DefaultMaxConcurrency = 4
	DefaultErrorLimit     = 1000
)

// Config tunes the worker.
type Config struct {
	PollInterval   time.Duration
	MaxConcurrency int
	ErrorLimit     int // characters of error text kept on a failed task
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.ErrorLimit <= 0 {
		c.ErrorLimit = DefaultErrorLimit
	}
}

// Store is what the orchestrator reads and writes.
type Store interface {
	store.TaskStore
	store.CatalogStore
	store.DocumentStore
}

// Publisher receives lifecycle events.
type Publisher interface {
	PublishNowait(event string, data map[string]any)
}

type jobKind int

const (
	jobTask jobKind = iota
	jobDocument
)

type job struct {
	kind jobKind
	id   string
}

// Orchestrator executes pending work.
type Orchestrator struct {
	cfg       Config
	store     Store
	providers *providers.Registry
	plugins   *plugins.Registry
	bus       Publisher
	indexer   Indexer
	tracer    trace.Tracer
	metrics   *telemetry.Metrics
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	queued map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIndexer replaces the document indexer.
func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

// WithTelemetry records spans on tracer and counters on m.
func WithTelemetry(tracer trace.Tracer, m *telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator.
func New(cfg Config, s Store, prov *providers.Registry, plug *plugins.Registry, bus Publisher, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	noop := telemetry.Noop()
	o := &Orchestrator{
		cfg:       cfg,
		store:     s,
		providers: prov,
		plugins:   plug,
		bus:       bus,
		indexer:   NewChunkIndexer(0),
		tracer:    noop.Tracer,
		metrics:   telemetry.NoopMetrics(),
		now:       time.Now,
		logger:    slog.Default(),
		queued:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (o *Orchestrator) Run(ctx context.Context) error {
	jobs := make(chan job, o.cfg.MaxConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	for range o.cfg.MaxConcurrency {
		g.Go(func() error {
			for j := range jobs {
				if gctx.Err() != nil {
					o.unmarkQueued(j.id)
					continue
				}
				o.runJob(context.WithoutCancel(gctx), j)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(jobs)
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()

		o.logger.Info("worker started", "poll_interval", o.cfg.PollInterval, "max_concurrency", o.cfg.MaxConcurrency)
		for {
			if err := o.tick(gctx, jobs); err != nil && gctx.Err() == nil {
				o.logger.Error("poll failed", "error", err)
			}
			select {
			case <-gctx.Done():
				o.logger.Info("worker stopping")
				return nil
			case <-ticker.C:
			}
		}
	})

	return g.Wait()
}

// tick enqueues at most the free worker capacity, tasks first.
func (o *Orchestrator) tick(ctx context.Context, jobs chan<- job) error {
	free := o.cfg.MaxConcurrency - o.queuedCount()
	if free <= 0 {
		return nil
	}

	taskIDs, err := o.store.ListPendingTaskIDs(ctx, free)
	if err != nil {
		return fmt.Errorf("listing pending tasks: %w", err)
	}
	free -= o.enqueue(ctx, jobs, jobTask, taskIDs)
	if free <= 0 {
		return nil
	}

	docIDs, err := o.store.ListPendingDocumentIDs(ctx, free)
	if err != nil {
		return fmt.Errorf("listing pending documents: %w", err)
	}
	o.enqueue(ctx, jobs, jobDocument, docIDs)
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, jobs chan<- job, kind jobKind, ids []string) int {
	n := 0
	for _, id := range ids {
		if !o.markQueued(id) {
			continue
		}
		select {
		case jobs <- job{kind: kind, id: id}:
			n++
		case <-ctx.Done():
			o.unmarkQueued(id)
			return n
		}
	}
	return n
}

func (o *Orchestrator) markQueued(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.queued[id]; ok {
		return false
	}
	o.queued[id] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkQueued(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.queued, id)
}

func (o *Orchestrator) queuedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queued)
}

func (o *Orchestrator) runJob(ctx context.Context, j job) {
	defer o.unmarkQueued(j.id)

	switch j.kind {
	case jobTask:
		_, err := o.Execute(ctx, j.id, auth.RoleAdmin)
		if err != nil && !errors.Is(err, ErrAlreadyClaimed) && !errors.Is(err, ErrTerminal) {
			o.logger.Error("task execution failed", "task_id", j.id, "error", err)
		}
	case jobDocument:
		if err := o.IndexDocument(ctx, j.id); err != nil && !errors.Is(err, store.ErrDocumentNotPending) {
			o.logger.Error("document indexing failed", "document_id", j.id, "error", err)
		}
	}
}

// Execute claims and runs a pending task as role. A plugin failure is
// recorded on the task and returned as a failed task with a nil error.
func (o *Orchestrator) Execute(ctx context.Context, taskID, role string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if task.Status.Terminal() {
		return task, fmt.Errorf("%w: %s is %s", ErrTerminal, taskID, task.Status)
	}
	if !CanTransition(task.Status, store.TaskStatusInProgress) {
		return task, fmt.Errorf("%w: %s is %s", ErrAlreadyClaimed, taskID, task.Status)
	}

	if err := o.store.ClaimTask(ctx, taskID, o.now()); err != nil {
		if errors.Is(err, store.ErrTaskNotPending) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, taskID)
		}
		return nil, fmt.Errorf("claiming task %s: %w", taskID, err)
	}
	o.bus.PublishNowait("task.started", map[string]any{"task_id": taskID})

	// A claimed task must reach a terminal state even if ctx ends mid-run.
	persist := context.WithoutCancel(ctx)

	ctx, span := o.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("plugin.id", task.PluginID),
	))
	defer span.End()

	start := o.now()
	output, runErr := o.run(ctx, task, role)
	elapsed := o.now().Sub(start).Seconds()

	result := store.TaskResult{FinishedAt: o.now()}
	if runErr != nil {
		msg := truncate(runErr.Error(), o.cfg.ErrorLimit)
		result.Status = store.TaskStatusFailed
		result.ErrorMessage = &msg
		span.RecordError(runErr)
		span.SetStatus(codes.Error, msg)
	} else {
		result.Status = store.TaskStatusSuccess
		result.Output = output
	}
	if err := o.store.FinishTask(persist, taskID, result); err != nil {
		return nil, fmt.Errorf("finishing task %s: %w", taskID, err)
	}

	attrs := metric.WithAttributes(attribute.String("status", string(result.Status)))
	o.metrics.TaskDuration.Record(persist, elapsed, attrs)
	if runErr != nil {
		o.metrics.TasksFailed.Add(persist, 1)
		o.logger.Warn("task failed", "task_id", taskID, "error", runErr)
		o.bus.PublishNowait("task.failed", map[string]any{"task_id": taskID, "error": runErr.Error()})
	} else {
		o.metrics.TasksCompleted.Add(persist, 1)
		o.logger.Info("task completed", "task_id", taskID, "duration_s", elapsed)
		o.bus.PublishNowait("task.completed", map[string]any{"task_id": taskID, "result": output})
	}

	return o.store.GetTask(persist, taskID)
}

func (o *Orchestrator) run(ctx context.Context, task *store.Task, role string) (map[string]any, error) {
	pluginRec, err := o.store.GetPlugin(ctx, task.PluginID)
	if err != nil {
		return nil, fmt.Errorf("loading plugin: %w", err)
	}
	providerRec, err := o.store.GetProvider(ctx, task.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("loading provider: %w", err)
	}

	provider, err := o.providers.Build(providerRec.Type, providerRec.Name, providerRec.Config)
	if err != nil {
		return nil, err
	}
	plugin, err := o.plugins.Build(pluginRec.Name, provider)
	if err != nil {
		return nil, err
	}
	if err := plugin.CheckPermissions(role); err != nil {
		return nil, err
	}
	return plugin.Run(ctx, task.Input)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
