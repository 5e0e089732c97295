// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the conditional-update semantics

package store

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	bindings    map[string]*Binding
	pairings    map[string]*PairedDevice
	plugins     map[string]*Plugin
	providers   map[string]*Provider
	tasks       map[string]*Task
	documents   map[string]*Document
	idempotency map[string]*IdempotencyRecord
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:      make(map[string]*Agent),
		bindings:    make(map[string]*Binding),
		pairings:    make(map[string]*PairedDevice),
		plugins:     make(map[string]*Plugin),
		providers:   make(map[string]*Provider),
		tasks:       make(map[string]*Task),
		documents:   make(map[string]*Document),
		idempotency: make(map[string]*IdempotencyRecord),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// CreateAgent stores an agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.agents {
		if a.Name == agent.Name {
			return ErrDuplicate
		}
	}
	a := *agent
	a.AllowedUserIDs = slices.Clone(agent.AllowedUserIDs)
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	result.AllowedUserIDs = slices.Clone(a.AllowedUserIDs)
	return &result, nil
}

// CreateBinding stores a binding.
func (m *MockStore) CreateBinding(ctx context.Context, b *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bindings[b.ID]; exists {
		return ErrDuplicate
	}
	if b.Priority == 0 {
		b.Priority = DefaultBindingPriority
	}
	c := *b
	m.bindings[c.ID] = &c
	return nil
}

// GetBinding retrieves a binding by ID.
func (m *MockStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrBindingNotFound
	}
	c := *b
	return &c, nil
}

// ListActiveBindings returns copies of the active bindings for a channel.
func (m *MockStore) ListActiveBindings(ctx context.Context, channel string) ([]*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Binding
	for _, b := range m.bindings {
		if b.Channel == channel && b.Active {
			c := *b
			out = append(out, &c)
		}
	}
	return out, nil
}

// SetBindingActive toggles a binding.
func (m *MockStore) SetBindingActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return ErrBindingNotFound
	}
	b.Active = active
	return nil
}

// DeleteBinding removes a binding.
func (m *MockStore) DeleteBinding(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return ErrBindingNotFound
	}
	delete(m.bindings, id)
	return nil
}

// CreatePairedDevice stores a paired device.
func (m *MockStore) CreatePairedDevice(ctx context.Context, d *PairedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pairings {
		if p.DeviceID == d.DeviceID {
			return ErrDuplicate
		}
	}
	c := *d
	m.pairings[c.ID] = &c
	return nil
}

// FindActivePairing mirrors the SQLite matching rules.
func (m *MockStore) FindActivePairing(ctx context.Context, q PairingQuery) (*PairedDevice, error) {
	if q.IsEmpty() {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []*PairedDevice
	for _, p := range m.pairings {
		if p.Channel != q.Channel || !p.Active {
			continue
		}
		if q.DeviceID != "" {
			if p.DeviceID != q.DeviceID {
				continue
			}
		} else {
			if q.AccountID != "" && (p.AccountID == nil || *p.AccountID != q.AccountID) {
				continue
			}
			if q.Peer != "" && (p.Peer == nil || *p.Peer != q.Peer) {
				continue
			}
		}
		matches = append(matches, p)
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	c := *matches[0]
	return &c, nil
}

// RevokePairedDevice deactivates a pairing.
func (m *MockStore) RevokePairedDevice(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairings[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = false
	p.RevokedAt = &at
	return nil
}

// CreatePlugin stores a plugin record.
func (m *MockStore) CreatePlugin(ctx context.Context, p *Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.plugins {
		if existing.Name == p.Name {
			return ErrDuplicate
		}
	}
	c := *p
	m.plugins[c.ID] = &c
	return nil
}

// GetPlugin retrieves a plugin by ID.
func (m *MockStore) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

// GetPluginByName retrieves a plugin by registry name.
func (m *MockStore) GetPluginByName(ctx context.Context, name string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.plugins {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// CreateProvider stores a provider record.
func (m *MockStore) CreateProvider(ctx context.Context, p *Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.providers {
		if existing.Name == p.Name {
			return ErrDuplicate
		}
	}
	c := *p
	c.Config = maps.Clone(p.Config)
	m.providers[c.ID] = &c
	return nil
}

// GetProvider retrieves a provider by ID.
func (m *MockStore) GetProvider(ctx context.Context, id string) (*Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	c.Config = maps.Clone(p.Config)
	return &c, nil
}

// CreateTask stores a pending task.
func (m *MockStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrDuplicate
	}
	t.Status = TaskStatusPending
	c := *t
	c.Input = maps.Clone(t.Input)
	if p, ok := m.plugins[c.PluginID]; ok {
		c.PluginName = p.Name
	}
	m.tasks[c.ID] = &c
	return nil
}

// GetTask retrieves a task by ID.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// ListTasks returns the newest tasks first.
func (m *MockStore) ListTasks(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	all := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, copyTask(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ListPendingTaskIDs returns pending task IDs, oldest first.
func (m *MockStore) ListPendingTaskIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	var ids []string
	for _, t := range pending {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// ClaimTask moves a pending task to in_progress.
func (m *MockStore) ClaimTask(ctx context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != TaskStatusPending {
		return ErrTaskNotPending
	}
	t.Status = TaskStatusInProgress
	t.StartedAt = &startedAt
	return nil
}

// FinishTask records the outcome of an in_progress task.
func (m *MockStore) FinishTask(ctx context.Context, id string, r TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != TaskStatusInProgress || !r.Status.Terminal() {
		return ErrTaskNotInProgress
	}
	t.Status = r.Status
	t.Output = maps.Clone(r.Output)
	t.ErrorMessage = r.ErrorMessage
	finished := r.FinishedAt
	t.FinishedAt = &finished
	return nil
}

// CreateDocument stores a pending document.
func (m *MockStore) CreateDocument(ctx context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.documents[d.ID]; exists {
		return ErrDuplicate
	}
	d.Status = DocumentStatusPending
	c := *d
	m.documents[c.ID] = &c
	return nil
}

// GetDocument retrieves a document by ID.
func (m *MockStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

// ListPendingDocumentIDs returns pending document IDs, oldest first.
func (m *MockStore) ListPendingDocumentIDs(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var pending []*Document
	for _, d := range m.documents {
		if d.Status == DocumentStatusPending {
			pending = append(pending, d)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	var ids []string
	for _, d := range pending {
		if len(ids) >= limit {
			break
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// ClaimDocument moves a pending document to indexing.
func (m *MockStore) ClaimDocument(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != DocumentStatusPending {
		return ErrDocumentNotPending
	}
	d.Status = DocumentStatusIndexing
	d.UpdatedAt = at
	return nil
}

// FinishDocument records the outcome of an indexing run.
func (m *MockStore) FinishDocument(ctx context.Context, id string, r DocumentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.documents[id]
	if !ok || d.Status != DocumentStatusIndexing {
		return ErrDocumentNotIndexing
	}
	d.Status = r.Status
	d.ChunkCount = r.ChunkCount
	d.Error = r.Error
	d.UpdatedAt = r.At
	return nil
}

// CreateIdempotencyRecord reserves a key.
func (m *MockStore) CreateIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.idempotency[rec.Key]; exists {
		return ErrDuplicate
	}
	c := *rec
	c.Response = maps.Clone(rec.Response)
	m.idempotency[c.Key] = &c
	return nil
}

// GetIdempotencyRecord retrieves a record by key.
func (m *MockStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rec
	c.Response = maps.Clone(rec.Response)
	return &c, nil
}

// ReclaimIdempotencyRecord replaces a record still matching prev.
func (m *MockStore) ReclaimIdempotencyRecord(ctx context.Context, rec, prev *IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.idempotency[prev.Key]
	if !ok || cur.RequestHash != prev.RequestHash || cur.Status != prev.Status || !cur.ExpiresAt.Equal(prev.ExpiresAt) {
		return ErrRecordChanged
	}
	cur.ActorID = rec.ActorID
	cur.Status = rec.Status
	cur.Response = nil
	cur.CreatedAt = rec.CreatedAt
	cur.ExpiresAt = rec.ExpiresAt
	return nil
}

// SettleIdempotencyRecord stores the final status; unknown keys are ignored.
func (m *MockStore) SettleIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, response map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.idempotency[key]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.Response = maps.Clone(response)
	return nil
}

// DeleteExpiredIdempotencyRecords removes records that expired before the given time.
func (m *MockStore) DeleteExpiredIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, rec := range m.idempotency {
		if rec.ExpiresAt.Before(before) {
			delete(m.idempotency, key)
			n++
		}
	}
	return n, nil
}

func copyTask(t *Task) *Task {
	c := *t
	c.Input = maps.Clone(t.Input)
	c.Output = maps.Clone(t.Output)
	return &c
}

// Ensure both implementations satisfy Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
