// ABOUTME: Dispatcher entry point: scope checks, idempotency and handler execution
// ABOUTME: Publishes task.updated after successful task mutations

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/connections"
	"github.com/2389/agent-gateway/internal/idempotency"
	"github.com/2389/agent-gateway/internal/policy"
	"github.com/2389/agent-gateway/internal/protocol"
	"github.com/2389/agent-gateway/internal/routing"
	"github.com/2389/agent-gateway/internal/store"
	"github.com/2389/agent-gateway/internal/telemetry"
)

// Call is one command invocation.
type Call struct {
	Method         string
	Params         map[string]any
	IdempotencyKey string
	RequestID      string
}

// Publisher is the event bus surface the dispatcher uses.
type Publisher interface {
	Publish(ctx context.Context, event string, data map[string]any) error
	PublishNowait(event string, data map[string]any)
}

// PresenceSource lists connected clients.
type PresenceSource interface {
	Presence() []connections.PresenceEntry
}

// Executor runs a task through the shared execution path.
type Executor interface {
	Execute(ctx context.Context, taskID, role string) (*store.Task, error)
}

// TaskStore is the persistence the task handlers need.
type TaskStore interface {
	store.TaskStore
	store.CatalogStore
}

// Deps are the collaborators a Dispatcher composes.
type Deps struct {
	Ledger   *idempotency.Ledger
	Resolver *routing.Resolver
	Gate     *policy.Gate
	Presence PresenceSource
	Bus      Publisher
	Tasks    TaskStore
	Executor Executor
	Config   *config.Config
	Version  string
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

// ErrDraining is returned once Drain has been called.
var ErrDraining = errors.New("dispatcher is draining")

// Dispatcher executes commands.
type Dispatcher struct {
	Deps
	started time.Time
	now     func() time.Time

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// New builds a dispatcher.
func New(deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NoopMetrics()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	deps.Logger = deps.Logger.With("component", "dispatch")
	return &Dispatcher{Deps: deps, started: time.Now(), now: time.Now}
}

// Uptime is the time since the dispatcher was built.
func (d *Dispatcher) Uptime() time.Duration {
	return d.now().Sub(d.started)
}

// Dispatch runs call as identity. Failures are always *Error.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, identity auth.Identity) (map[string]any, error) {
	if !d.enter() {
		return nil, errorf(protocol.CodeUnavailable, "Gateway is shutting down")
	}
	defer d.active.Done()

	result, err := d.dispatch(ctx, call, identity)
	outcome := "ok"
	if err != nil {
		outcome = string(AsError(err).Code)
	}
	d.Metrics.CommandsHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", call.Method),
		attribute.String("outcome", outcome),
	))
	if err != nil {
		return nil, AsError(err)
	}
	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, call Call, identity auth.Identity) (map[string]any, error) {
	method, ok := ParseMethod(call.Method)
	if !ok {
		return nil, errorf(protocol.CodeUnknownMethod, "Unknown method '%s'", call.Method)
	}
	if err := identity.RequireScope(method.Scope()); err != nil {
		return nil, errorf(protocol.CodeForbidden, "%s", err.Error())
	}
	if methodTable[method].adminOnly && !identity.IsAdmin() {
		return nil, errorf(protocol.CodeForbidden, "Admin role is required for %s", method)
	}

	params := call.Params
	if params == nil {
		params = map[string]any{}
	}

	if !method.SideEffect() {
		return d.handle(ctx, method, params, identity)
	}

	if call.IdempotencyKey == "" {
		return nil, errorf(protocol.CodeIdempotencyRequired, "idempotency_key is required for %s", method)
	}
	key := ledgerKey(identity, call.IdempotencyKey)

	stored, replay, err := d.Ledger.ReserveOrGet(ctx, key, identity.UserID, method.String(), params, 0)
	switch {
	case errors.Is(err, idempotency.ErrConflict):
		return nil, errorf(protocol.CodeIdempotencyConflict, "Idempotency key reused with a different request")
	case errors.Is(err, idempotency.ErrInProgress):
		return nil, errorf(protocol.CodeIdempotencyInProgress, "Request with this idempotency key is still in progress")
	case err != nil:
		return nil, err
	case replay:
		d.Logger.Debug("replayed idempotent response", "method", method.String(), "actor", identity.UserID)
		return stored, nil
	}

	// The reservation is settled even when the caller has gone away.
	settle := context.WithoutCancel(ctx)
	result, err := d.handle(ctx, method, params, identity)
	if err != nil {
		if ferr := d.Ledger.Fail(settle, key, err.Error()); ferr != nil {
			d.Logger.Error("failed to record idempotency failure", "method", method.String(), "error", ferr)
		}
		return nil, err
	}
	if cerr := d.Ledger.Complete(settle, key, result); cerr != nil {
		d.Logger.Error("failed to record idempotency result", "method", method.String(), "error", cerr)
	}

	if method.IsTask() {
		d.Bus.PublishNowait("task.updated", map[string]any{
			"method":     method.String(),
			"request_id": call.RequestID,
			"actor":      identity.Username,
		})
	}
	return result, nil
}

func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.active.Add(1)
	return true
}

// Drain refuses new calls and waits for in-flight ones until ctx ends.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDraining, ctx.Err())
	}
}

// ledgerKey namespaces client keys per caller.
func ledgerKey(identity auth.Identity, key string) string {
	return identity.UserID + ":" + key
}

func (d *Dispatcher) handle(ctx context.Context, method Method, params map[string]any, identity auth.Identity) (map[string]any, error) {
	h, ok := handlers[method]
	if !ok {
		return nil, errorf(protocol.CodeUnknownMethod, "Unknown method '%s'", method)
	}
	return h(ctx, d, params, identity)
}
