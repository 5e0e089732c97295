// ABOUTME: Tests for task and document lifecycle store methods
// ABOUTME: Verifies conditional claims and that terminal states cannot be overwritten

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestTask(t *testing.T, s Store, plugin *Plugin, provider *Provider, created time.Time) *Task {
	t.Helper()
	task := &Task{
		ID:         uuid.New().String(),
		SessionID:  uuid.New().String(),
		PluginID:   plugin.ID,
		ProviderID: provider.ID,
		Input:      map[string]any{"suite": "unit"},
		CreatedAt:  created,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	plugin, provider := createTestCatalog(t, s)

	task := createTestTask(t, s, plugin, provider, time.Now())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.Equal(t, "test", got.PluginName)
	assert.Equal(t, "unit", got.Input["suite"])
	assert.Empty(t, got.Output)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ErrorMessage)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskStore_ListOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	plugin, provider := createTestCatalog(t, s)

	base := time.Now().Add(-time.Hour)
	older := createTestTask(t, s, plugin, provider, base)
	newer := createTestTask(t, s, plugin, provider, base.Add(time.Minute))

	tasks, err := s.ListTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, newer.ID, tasks[0].ID)

	ids, err := s.ListPendingTaskIDs(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{older.ID}, ids)

	ids, err = s.ListPendingTaskIDs(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTaskStore_ClaimIsExclusive(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	plugin, provider := createTestCatalog(t, s)
	task := createTestTask(t, s, plugin, provider, time.Now())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ClaimTask(ctx, task.ID, time.Now()); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrTaskNotPending)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, got.Status)
	assert.NotNil(t, got.StartedAt)

	assert.ErrorIs(t, s.ClaimTask(ctx, "missing", time.Now()), ErrNotFound)
}

func TestTaskStore_FinishIsTerminal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	plugin, provider := createTestCatalog(t, s)
	task := createTestTask(t, s, plugin, provider, time.Now())

	// Cannot finish a task that was never claimed.
	err := s.FinishTask(ctx, task.ID, TaskResult{Status: TaskStatusSuccess, FinishedAt: time.Now()})
	assert.ErrorIs(t, err, ErrTaskNotInProgress)

	require.NoError(t, s.ClaimTask(ctx, task.ID, time.Now()))
	require.NoError(t, s.FinishTask(ctx, task.ID, TaskResult{
		Status:     TaskStatusSuccess,
		Output:     map[string]any{"ok": true},
		FinishedAt: time.Now(),
	}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusSuccess, got.Status)
	assert.Equal(t, true, got.Output["ok"])
	assert.NotNil(t, got.FinishedAt)

	msg := "late failure"
	err = s.FinishTask(ctx, task.ID, TaskResult{Status: TaskStatusFailed, ErrorMessage: &msg, FinishedAt: time.Now()})
	assert.ErrorIs(t, err, ErrTaskNotInProgress)
	assert.ErrorIs(t, s.ClaimTask(ctx, task.ID, time.Now()), ErrTaskNotPending)

	// Non-terminal outcomes are rejected outright.
	err = s.FinishTask(ctx, task.ID, TaskResult{Status: TaskStatusPending})
	assert.ErrorIs(t, err, ErrTaskNotInProgress)
}

func TestDocumentStore_Lifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	doc := &Document{ID: uuid.New().String(), Filename: "notes.md", Content: "# hi", CreatedAt: time.Now()}
	require.NoError(t, s.CreateDocument(ctx, doc))

	ids, err := s.ListPendingDocumentIDs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ID}, ids)

	require.NoError(t, s.ClaimDocument(ctx, doc.ID, time.Now()))
	assert.ErrorIs(t, s.ClaimDocument(ctx, doc.ID, time.Now()), ErrDocumentNotPending)
	assert.ErrorIs(t, s.ClaimDocument(ctx, "missing", time.Now()), ErrNotFound)

	require.NoError(t, s.FinishDocument(ctx, doc.ID, DocumentResult{Status: DocumentStatusIndexed, ChunkCount: 3, At: time.Now()}))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusIndexed, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, "text/plain", got.ContentType)

	err = s.FinishDocument(ctx, doc.ID, DocumentResult{Status: DocumentStatusFailed, At: time.Now()})
	assert.ErrorIs(t, err, ErrDocumentNotIndexing)
}
