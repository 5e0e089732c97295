// ABOUTME: Store interfaces and entity types for agent-gateway persistence
// ABOUTME: Defines agents, bindings, pairings, catalog, tasks, documents and idempotency records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert
var ErrDuplicate = errors.New("already exists")

// Agent is a configured AI agent that channels route to.
type Agent struct {
	ID                   string
	Name                 string
	DMPolicy             string // pairing, allowlist, open, disabled
	AllowedUserIDs       []int64
	GroupRequiresMention bool
	Active               bool
	CreatedAt            time.Time
}

// AgentStore persists agents.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// BindingStore persists channel-to-agent routing rules.
type BindingStore interface {
	CreateBinding(ctx context.Context, binding *Binding) error
	GetBinding(ctx context.Context, id string) (*Binding, error)
	ListActiveBindings(ctx context.Context, channel string) ([]*Binding, error)
	SetBindingActive(ctx context.Context, id string, active bool) error
	DeleteBinding(ctx context.Context, id string) error
}

// PairingStore persists paired devices.
type PairingStore interface {
	CreatePairedDevice(ctx context.Context, device *PairedDevice) error
	FindActivePairing(ctx context.Context, q PairingQuery) (*PairedDevice, error)
	RevokePairedDevice(ctx context.Context, id string, at time.Time) error
}

// CatalogStore persists the plugin and provider records tasks reference.
type CatalogStore interface {
	CreatePlugin(ctx context.Context, plugin *Plugin) error
	GetPlugin(ctx context.Context, id string) (*Plugin, error)
	GetPluginByName(ctx context.Context, name string) (*Plugin, error)
	CreateProvider(ctx context.Context, provider *Provider) error
	GetProvider(ctx context.Context, id string) (*Provider, error)
}

// TaskStore persists queued work and its lifecycle.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, limit int) ([]*Task, error)
	ListPendingTaskIDs(ctx context.Context, limit int) ([]string, error)
	ClaimTask(ctx context.Context, id string, startedAt time.Time) error
	FinishTask(ctx context.Context, id string, result TaskResult) error
}

// DocumentStore persists documents awaiting indexing.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListPendingDocumentIDs(ctx context.Context, limit int) ([]string, error)
	ClaimDocument(ctx context.Context, id string, at time.Time) error
	FinishDocument(ctx context.Context, id string, result DocumentResult) error
}

// IdempotencyStore persists idempotency ledger records.
type IdempotencyStore interface {
	CreateIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	ReclaimIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord, prev *IdempotencyRecord) error
	SettleIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, response map[string]any) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, before time.Time) (int64, error)
}

// Store is everything the gateway persists.
type Store interface {
	AgentStore
	BindingStore
	PairingStore
	CatalogStore
	TaskStore
	DocumentStore
	IdempotencyStore
	Close() error
}
