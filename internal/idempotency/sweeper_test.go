// ABOUTME: Tests for the expired idempotency record sweeper
// ABOUTME: Covers manual sweeps, schedule validation and clean shutdown

package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/agent-gateway/internal/store"
)

func TestSweepDeletesOnlyExpired(t *testing.T) {
	ctx := t.Context()
	s := store.NewMockStore()
	clock := newFakeClock()
	l := New(s, WithClock(clock.Now))

	_, _, err := l.ReserveOrGet(ctx, "short", "u", "m", nil, time.Minute)
	require.NoError(t, err)
	_, _, err = l.ReserveOrGet(ctx, "long", "u", "m", nil, time.Hour)
	require.NoError(t, err)

	sw, err := NewSweeper(s, "", nil)
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	sw.now = clock.Now

	n, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetIdempotencyRecord(ctx, "short")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetIdempotencyRecord(ctx, "long")
	assert.NoError(t, err)
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	_, err := NewSweeper(store.NewMockStore(), "every now and then", nil)
	assert.Error(t, err)
}

func TestSweeperStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw, err := NewSweeper(store.NewMockStore(), "@every 1h", nil)
	require.NoError(t, err)
	sw.Start()
	sw.Stop(t.Context())
}
