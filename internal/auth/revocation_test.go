// ABOUTME: Tests for the revoked token blacklist
// ABOUTME: Covers expiry, pruning, capacity eviction and shutdown

package auth

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestRevocations_ExpiryAndPrune(t *testing.T) {
	r := NewRevocations(0, 0)
	defer r.Close()

	now := time.Now()
	r.now = func() time.Time { return now }

	r.Revoke("live", now.Add(time.Hour))
	r.Revoke("dead", now.Add(-time.Second))

	assert.True(t, r.IsRevoked("live"))
	assert.False(t, r.IsRevoked("dead"), "an expired token is rejected by its exp anyway")
	assert.False(t, r.IsRevoked("unknown"))

	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Len())
}

func TestRevocations_EvictsOldestAtCapacity(t *testing.T) {
	r := NewRevocations(3, 0)
	defer r.Close()

	exp := time.Now().Add(time.Hour)
	for i := range 4 {
		r.Revoke(fmt.Sprintf("jti-%d", i), exp)
	}

	assert.Equal(t, 3, r.Len())
	assert.False(t, r.IsRevoked("jti-0"))
	assert.True(t, r.IsRevoked("jti-3"))
}

func TestRevocations_CloseStopsSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := NewRevocations(0, time.Millisecond)
	r.Revoke("x", time.Now().Add(-time.Second))
	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	r.Close()
	r.Close()
}
