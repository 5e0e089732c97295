// ABOUTME: Tests for task execution, claim races, the poll loop and document indexing
// ABOUTME: Runs against MockStore with echo providers and a recording publisher

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/agent-gateway/internal/plugins"
	"github.com/2389/agent-gateway/internal/providers"
	"github.com/2389/agent-gateway/internal/store"
)

type recordingBus struct {
	mu     sync.Mutex
	events []string
	data   []map[string]any
}

func (b *recordingBus) PublishNowait(event string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	b.data = append(b.data, data)
}

func (b *recordingBus) names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type fixture struct {
	store *store.MockStore
	bus   *recordingBus
	orch  *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s := store.NewMockStore()
	ctx := context.Background()
	require.NoError(t, s.CreatePlugin(ctx, &store.Plugin{ID: "pl-translation", Name: "translation", Active: true}))
	require.NoError(t, s.CreatePlugin(ctx, &store.Plugin{ID: "pl-test", Name: "test", Active: true}))
	require.NoError(t, s.CreateProvider(ctx, &store.Provider{ID: "pr-echo", Name: "loop", Type: providers.TypeEcho, Active: true}))
	require.NoError(t, s.CreateProvider(ctx, &store.Provider{
		ID: "pr-broken", Name: "broken", Type: providers.TypeEcho, Active: true,
		Config: map[string]any{"fail": "upstream exploded with a very long explanation"},
	}))

	bus := &recordingBus{}
	return &fixture{
		store: s,
		bus:   bus,
		orch:  New(cfg, s, providers.NewRegistry(), plugins.NewRegistry(), bus),
	}
}

func (f *fixture) addTask(t *testing.T, id, pluginID, providerID string, input map[string]any) {
	t.Helper()
	require.NoError(t, f.store.CreateTask(context.Background(), &store.Task{
		ID:         id,
		SessionID:  "sess-1",
		PluginID:   pluginID,
		ProviderID: providerID,
		Input:      input,
		CreatedAt:  time.Now(),
	}))
}

var translateInput = map[string]any{"source_lang": "en", "target_lang": "fr", "text": "hello"}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.TaskStatus
		want     bool
	}{
		{store.TaskStatusPending, store.TaskStatusInProgress, true},
		{store.TaskStatusInProgress, store.TaskStatusSuccess, true},
		{store.TaskStatusInProgress, store.TaskStatusFailed, true},
		{store.TaskStatusPending, store.TaskStatusSuccess, false},
		{store.TaskStatusSuccess, store.TaskStatusPending, false},
		{store.TaskStatusFailed, store.TaskStatusInProgress, false},
		{store.TaskStatusSuccess, store.TaskStatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-translation", "pr-echo", translateInput)

	task, err := f.orch.Execute(context.Background(), "t1", "user")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusSuccess, task.Status)
	assert.Equal(t, "translation", task.Output["plugin"])
	assert.Nil(t, task.ErrorMessage)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.FinishedAt)
	assert.Equal(t, []string{"task.started", "task.completed"}, f.bus.names())
}

func TestExecuteProviderFailureTruncated(t *testing.T) {
	f := newFixture(t, Config{ErrorLimit: 8})
	f.addTask(t, "t1", "pl-translation", "pr-broken", translateInput)

	task, err := f.orch.Execute(context.Background(), "t1", "user")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Equal(t, "upstream", *task.ErrorMessage)
	assert.Equal(t, []string{"task.started", "task.failed"}, f.bus.names())
}

func TestExecuteInvalidInputFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-test", "pr-echo", map[string]any{"suite": "smoke"})

	task, err := f.orch.Execute(context.Background(), "t1", "user")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Contains(t, *task.ErrorMessage, "Invalid input for test")
}

func TestExecutePermissionDenied(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-test", "pr-echo", map[string]any{"suite": "unit"})

	task, err := f.orch.Execute(context.Background(), "t1", "guest")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	assert.Contains(t, *task.ErrorMessage, "Role 'guest' cannot execute plugin 'test'")
}

func TestExecuteTerminalIsSink(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-translation", "pr-echo", translateInput)

	_, err := f.orch.Execute(context.Background(), "t1", "user")
	require.NoError(t, err)

	task, err := f.orch.Execute(context.Background(), "t1", "user")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, store.TaskStatusSuccess, task.Status)
	assert.Equal(t, []string{"task.started", "task.completed"}, f.bus.names())
}

func TestExecuteAlreadyClaimed(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-translation", "pr-echo", translateInput)
	require.NoError(t, f.store.ClaimTask(context.Background(), "t1", time.Now()))

	_, err := f.orch.Execute(context.Background(), "t1", "user")
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestExecuteUnknownTask(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.Execute(context.Background(), "missing", "user")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecuteConcurrentClaimsRunOnce(t *testing.T) {
	f := newFixture(t, Config{})
	f.addTask(t, "t1", "pl-translation", "pr-echo", translateInput)

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.Execute(context.Background(), "t1", "user")
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyClaimed), errors.Is(err, ErrTerminal):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)

	started := 0
	for _, name := range f.bus.names() {
		if name == "task.started" {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestRunDrainsPendingWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, Config{PollInterval: 10 * time.Millisecond, MaxConcurrency: 2})
	for i := range 5 {
		f.addTask(t, fmt.Sprintf("t%d", i), "pl-translation", "pr-echo", translateInput)
	}
	require.NoError(t, f.store.CreateDocument(context.Background(), &store.Document{
		ID: "d1", Filename: "notes.md", Content: "first\n\nsecond", CreatedAt: time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		for i := range 5 {
			task, err := f.store.GetTask(context.Background(), fmt.Sprintf("t%d", i))
			if err != nil || task.Status != store.TaskStatusSuccess {
				return false
			}
		}
		doc, err := f.store.GetDocument(context.Background(), "d1")
		return err == nil && doc.Status == store.DocumentStatusIndexed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIndexDocument(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	require.NoError(t, f.store.CreateDocument(ctx, &store.Document{ID: "d1", Content: "one\n\ntwo", CreatedAt: time.Now()}))
	require.NoError(t, f.store.CreateDocument(ctx, &store.Document{ID: "d2", Content: "   ", CreatedAt: time.Now()}))

	require.NoError(t, f.orch.IndexDocument(ctx, "d1"))
	doc, err := f.store.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStatusIndexed, doc.Status)
	assert.Equal(t, 1, doc.ChunkCount)

	require.NoError(t, f.orch.IndexDocument(ctx, "d2"))
	doc, err = f.store.GetDocument(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStatusFailed, doc.Status)
	assert.Equal(t, ErrEmptyDocument.Error(), *doc.Error)

	assert.Equal(t, []string{"document.indexed", "document.failed"}, f.bus.names())

	err = f.orch.IndexDocument(ctx, "d1")
	assert.ErrorIs(t, err, store.ErrDocumentNotPending)
}

func TestChunks(t *testing.T) {
	ix := NewChunkIndexer(10)
	tests := []struct {
		content string
		want    []string
	}{
		{"", nil},
		{"short", []string{"short"}},
		{"aaa\n\nbbb", []string{"aaa\n\nbbb"}},
		{"aaaaaa\n\nbbbbbb", []string{"aaaaaa", "bbbbbb"}},
		{strings.Repeat("x", 25), []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)}},
		{"\n\n\n\nlate", []string{"late"}},
		{strings.Repeat("é", 25), []string{strings.Repeat("é", 10), strings.Repeat("é", 10), strings.Repeat("é", 5)}},
		{"日本語テキスト\n\nabc", []string{"日本語テキスト", "abc"}},
		{"ñandú\n\nño", []string{"ñandú\n\nño"}},
	}
	for _, tt := range tests {
		got := ix.Chunks(tt.content)
		assert.Equal(t, tt.want, got, "%q", tt.content)
		for _, chunk := range got {
			assert.True(t, utf8.ValidString(chunk), "%q", chunk)
			assert.LessOrEqual(t, utf8.RuneCountInString(chunk), ix.Size)
		}
	}
}

type cancelIndexer struct{ cancel context.CancelFunc }

func (c cancelIndexer) Index(ctx context.Context, _ *store.Document) (int, error) {
	c.cancel()
	return 0, ctx.Err()
}

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(t.TempDir() + "/gateway.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecuteFinishesAfterCallerCancels(t *testing.T) {
	s := newSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := plugins.NewRegistry()
	require.NoError(t, reg.Register(plugins.Definition{
		Name: "slow",
		Run: func(ctx context.Context, _ providers.Provider, _ map[string]any) (map[string]any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))

	bg := context.Background()
	require.NoError(t, s.CreatePlugin(bg, &store.Plugin{ID: "pl-slow", Name: "slow", Active: true, CreatedAt: time.Now()}))
	require.NoError(t, s.CreateProvider(bg, &store.Provider{ID: "pr-echo", Name: "loop", Type: providers.TypeEcho, Active: true, CreatedAt: time.Now()}))
	require.NoError(t, s.CreateTask(bg, &store.Task{
		ID: "t1", SessionID: "sess-1", PluginID: "pl-slow", ProviderID: "pr-echo",
		Input: map[string]any{}, CreatedAt: time.Now(),
	}))

	orch := New(Config{}, s, providers.NewRegistry(), reg, &recordingBus{})
	task, err := orch.Execute(ctx, "t1", "user")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	require.NotNil(t, task.ErrorMessage)
	assert.Contains(t, *task.ErrorMessage, context.Canceled.Error())

	stored, err := s.GetTask(bg, "t1")
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, stored.Status)
	assert.NotNil(t, stored.FinishedAt)
}

func TestIndexDocumentFinishesAfterCallerCancels(t *testing.T) {
	s := newSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bg := context.Background()
	require.NoError(t, s.CreateDocument(bg, &store.Document{ID: "d1", Filename: "a.txt", Content: "body", CreatedAt: time.Now()}))

	orch := New(Config{}, s, providers.NewRegistry(), plugins.NewRegistry(), &recordingBus{},
		WithIndexer(cancelIndexer{cancel: cancel}))
	require.NoError(t, orch.IndexDocument(ctx, "d1"))

	doc, err := s.GetDocument(bg, "d1")
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStatusFailed, doc.Status)
}
