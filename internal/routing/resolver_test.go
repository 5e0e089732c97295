// ABOUTME: Tests for binding scoring, selection order and store-backed resolution
// ABOUTME: Covers an account-and-peer binding outranking higher-priority generic ones

package routing

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/store"
)

func ptr(s string) *string { return &s }

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func binding(id string, account, peer *string, priority int, age time.Duration) *store.Binding {
	return &store.Binding{
		ID:        id,
		AgentID:   "agent-" + id,
		Channel:   "telegram",
		AccountID: account,
		Peer:      peer,
		Priority:  priority,
		Active:    true,
		CreatedAt: baseTime.Add(age),
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		account *string
		peer    *string
		want    int
		ok      bool
	}{
		{"wildcard", nil, nil, 0, true},
		{"account match", ptr("A"), nil, 2, true},
		{"peer match", nil, ptr("P"), 1, true},
		{"account and peer", ptr("A"), ptr("P"), 3, true},
		{"account mismatch", ptr("B"), nil, 0, false},
		{"peer mismatch", ptr("A"), ptr("Q"), 0, false},
	}

	req := Request{Channel: "telegram", AccountID: "A", Peer: "P"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Score(binding("b", tt.account, tt.peer, 100, 0), req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSpecificityBeatsPriority(t *testing.T) {
	candidates := []*store.Binding{
		binding("1", nil, nil, 999, 0),
		binding("2", ptr("A"), nil, 10, time.Second),
		binding("3", ptr("A"), ptr("P"), 1, 2*time.Second),
	}

	m, ok := Select(candidates, Request{Channel: "telegram", AccountID: "A", Peer: "P"})
	require.True(t, ok)
	assert.Equal(t, "3", m.Binding.ID)
	assert.Equal(t, 3, m.Specificity)
}

func TestSelectTieBreaks(t *testing.T) {
	req := Request{Channel: "telegram"}

	m, ok := Select([]*store.Binding{binding("low", nil, nil, 1, 0), binding("high", nil, nil, 5, 0)}, req)
	require.True(t, ok)
	assert.Equal(t, "high", m.Binding.ID, "priority breaks specificity ties")

	m, ok = Select([]*store.Binding{binding("old", nil, nil, 5, 0), binding("new", nil, nil, 5, time.Hour)}, req)
	require.True(t, ok)
	assert.Equal(t, "new", m.Binding.ID, "newer binding wins on equal priority")

	m, ok = Select([]*store.Binding{binding("a", nil, nil, 5, 0), binding("b", nil, nil, 5, 0)}, req)
	require.True(t, ok)
	assert.Equal(t, "b", m.Binding.ID, "id is the last tie break")
}

func TestSelectNoMatch(t *testing.T) {
	_, ok := Select([]*store.Binding{binding("1", ptr("B"), nil, 1, 0)}, Request{Channel: "telegram", AccountID: "A"})
	assert.False(t, ok)

	_, ok = Select(nil, Request{Channel: "telegram"})
	assert.False(t, ok)
}

func TestSelectIsOrderIndependent(t *testing.T) {
	candidates := []*store.Binding{
		binding("1", nil, nil, 50, 0),
		binding("2", ptr("A"), nil, 50, time.Minute),
		binding("3", ptr("A"), nil, 50, 2*time.Minute),
		binding("4", nil, ptr("P"), 80, 3*time.Minute),
		binding("5", ptr("Z"), ptr("P"), 100, 4*time.Minute),
	}
	req := Request{Channel: "telegram", AccountID: "A", Peer: "P"}

	want, ok := Select(candidates, req)
	require.True(t, ok)
	assert.Equal(t, "3", want.Binding.ID)

	r := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]*store.Binding(nil), candidates...)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got, ok := Select(shuffled, req)
		require.True(t, ok)
		assert.Equal(t, want.Binding.ID, got.Binding.ID)
	}
}

func TestResolverFiltersByBot(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()

	agnostic := binding("agnostic", nil, nil, 100, 0)
	forBotA := binding("bot-a", nil, nil, 500, time.Second)
	forBotA.BotID = ptr("A")
	forBotB := binding("bot-b", nil, nil, 900, 2*time.Second)
	forBotB.BotID = ptr("B")
	otherChannel := binding("slack", nil, nil, 1000, 3*time.Second)
	otherChannel.Channel = "slack"
	inactive := binding("inactive", nil, nil, 2000, 4*time.Second)
	inactive.Active = false

	for _, b := range []*store.Binding{agnostic, forBotA, forBotB, otherChannel, inactive} {
		require.NoError(t, s.CreateBinding(ctx, b))
	}

	r := NewResolver(s)

	m, ok, err := r.Resolve(ctx, Request{Channel: "telegram", BotID: "A"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bot-a", m.Binding.ID)

	m, ok, err = r.Resolve(ctx, Request{Channel: "telegram", BotID: "C"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agnostic", m.Binding.ID)

	m, ok, err = r.Resolve(ctx, Request{Channel: "telegram"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bot-b", m.Binding.ID, "no bot keeps every binding")

	_, ok, err = r.Resolve(ctx, Request{Channel: "discord"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResolverRequiresChannel(t *testing.T) {
	_, _, err := NewResolver(store.NewMockStore()).Resolve(t.Context(), Request{})
	assert.ErrorIs(t, err, ErrChannelRequired)
}
