// ABOUTME: Tests for binding store operations
// ABOUTME: Covers create, list by channel, activation toggling and delete

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingStore_CreateAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s, "open")

	account := "acct-A"
	b := &Binding{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Channel:   "telegram",
		AccountID: &account,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateBinding(ctx, b))
	assert.Equal(t, DefaultBindingPriority, b.Priority)

	got, err := s.GetBinding(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, got.AgentID)
	require.NotNil(t, got.AccountID)
	assert.Equal(t, "acct-A", *got.AccountID)
	assert.Nil(t, got.Peer)
	assert.Nil(t, got.BotID)
	assert.WithinDuration(t, b.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = s.GetBinding(ctx, "missing")
	assert.ErrorIs(t, err, ErrBindingNotFound)
}

func TestBindingStore_ListActiveBindings(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s, "open")

	mk := func(channel string, active bool) *Binding {
		b := &Binding{
			ID:        uuid.New().String(),
			AgentID:   agent.ID,
			Channel:   channel,
			Priority:  10,
			Active:    active,
			CreatedAt: time.Now().UTC(),
		}
		require.NoError(t, s.CreateBinding(ctx, b))
		return b
	}
	keep := mk("telegram", true)
	mk("telegram", false)
	mk("slack", true)

	got, err := s.ListActiveBindings(ctx, "telegram")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
	assert.Equal(t, 10, got[0].Priority)

	require.NoError(t, s.SetBindingActive(ctx, keep.ID, false))
	got, err = s.ListActiveBindings(ctx, "telegram")
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.ErrorIs(t, s.SetBindingActive(ctx, "missing", true), ErrBindingNotFound)
}

func TestBindingStore_Delete(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	agent := createTestAgent(t, s, "open")

	b := &Binding{ID: uuid.New().String(), AgentID: agent.ID, Channel: "webchat", Active: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateBinding(ctx, b))
	require.NoError(t, s.DeleteBinding(ctx, b.ID))
	assert.ErrorIs(t, s.DeleteBinding(ctx, b.ID), ErrBindingNotFound)
}
