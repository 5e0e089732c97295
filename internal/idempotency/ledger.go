// ABOUTME: Idempotency ledger that reserves, replays and settles client keys
// ABOUTME: Distinguishes key reuse with a different request from a request still running

package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/2389/agent-gateway/internal/store"
)

// DefaultTTL is how long a reservation lives when the caller passes no TTL.
const DefaultTTL = time.Hour

// maxReserveAttempts bounds retries when concurrent reservers race on a key.
const maxReserveAttempts = 3

var (
	// ErrConflict means the key was already used for a different request.
	ErrConflict = errors.New("idempotency key reused with a different request")

	// ErrInProgress means the same request is still running under this key.
	ErrInProgress = errors.New("request with this idempotency key is still in progress")
)

// Ledger reserves idempotency keys in durable storage.
type Ledger struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDefaultTTL overrides DefaultTTL.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates a ledger over the given store.
func New(s store.IdempotencyStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  s,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "idempotency")
	return l
}

// HashRequest returns the hex sha256 of the canonical JSON encoding of
// {"method": method, "payload": payload}. Object keys are sorted at every
// depth, so field order never changes the hash.
func HashRequest(method string, payload map[string]any) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	// Round-trip through a generic value so structs nested in the payload
	// are reduced to sorted maps before hashing.
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var normalized any
	if err := dec.Decode(&normalized); err != nil {
		return "", fmt.Errorf("normalizing payload: %w", err)
	}

	canonical, err := json.Marshal(map[string]any{"method": method, "payload": normalized})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ReserveOrGet reserves key for (method, payload) or reports why it cannot.
// It returns (response, true, nil) when a completed response should be
// replayed, (nil, false, nil) when the caller now owns the key and must
// execute, and ErrConflict or ErrInProgress otherwise. ttl <= 0 uses the
// ledger default.
func (l *Ledger) ReserveOrGet(ctx context.Context, key, actor, method string, payload map[string]any, ttl time.Duration) (map[string]any, bool, error) {
	hash, err := HashRequest(method, payload)
	if err != nil {
		return nil, false, err
	}
	if ttl <= 0 {
		ttl = l.ttl
	}

	for range maxReserveAttempts {
		now := l.now()
		rec := &store.IdempotencyRecord{
			Key:         key,
			ActorID:     actor,
			Method:      method,
			RequestHash: hash,
			Status:      store.IdempotencyInProgress,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}

		err := l.store.CreateIdempotencyRecord(ctx, rec)
		if err == nil {
			l.logger.Debug("reserved key", "key", key, "method", method)
			return nil, false, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return nil, false, fmt.Errorf("reserving idempotency key: %w", err)
		}

		existing, err := l.store.GetIdempotencyRecord(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			// Swept between insert and read; try the insert again.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("loading idempotency record: %w", err)
		}

		if existing.RequestHash != hash {
			return nil, false, ErrConflict
		}

		switch existing.Status {
		case store.IdempotencyCompleted:
			resp := maps.Clone(existing.Response)
			if resp == nil {
				resp = map[string]any{}
			}
			l.logger.Debug("replaying stored response", "key", key, "method", method)
			return resp, true, nil
		case store.IdempotencyInProgress:
			if now.Before(existing.ExpiresAt) {
				return nil, false, ErrInProgress
			}
			l.logger.Warn("re-reserving abandoned key", "key", key, "method", method, "expired_at", existing.ExpiresAt)
		case store.IdempotencyFailed:
			l.logger.Debug("re-reserving failed key", "key", key, "method", method)
		}

		err = l.store.ReclaimIdempotencyRecord(ctx, rec, existing)
		if err == nil {
			return nil, false, nil
		}
		if !errors.Is(err, store.ErrRecordChanged) {
			return nil, false, fmt.Errorf("reclaiming idempotency key: %w", err)
		}
	}

	// Another reserver keeps winning the race; it is running the request.
	return nil, false, ErrInProgress
}

// Complete stores the response for key. Unknown keys are ignored.
func (l *Ledger) Complete(ctx context.Context, key string, response map[string]any) error {
	if response == nil {
		response = map[string]any{}
	}
	if err := l.store.SettleIdempotencyRecord(ctx, key, store.IdempotencyCompleted, response); err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	return nil
}

// Fail marks key failed with message. Unknown keys are ignored.
func (l *Ledger) Fail(ctx context.Context, key, message string) error {
	if err := l.store.SettleIdempotencyRecord(ctx, key, store.IdempotencyFailed, map[string]any{"error": message}); err != nil {
		return fmt.Errorf("failing idempotency key: %w", err)
	}
	return nil
}
