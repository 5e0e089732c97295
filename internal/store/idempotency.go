// ABOUTME: Idempotency record store methods backing the command ledger
// ABOUTME: Records are keyed by client idempotency key with an immutable request hash

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrRecordChanged is returned by ReclaimIdempotencyRecord when the record
// no longer matches the version the caller read.
var ErrRecordChanged = errors.New("idempotency record changed")

// IdempotencyStatus is the state of a ledger record.
type IdempotencyStatus string

// Idempotency statuses.
const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord reserves a client key for one request.
type IdempotencyRecord struct {
	Key         string
	ActorID     string
	Method      string
	RequestHash string
	Status      IdempotencyStatus
	Response    map[string]any
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// CreateIdempotencyRecord inserts a record. Returns ErrDuplicate if the key
// is already reserved.
func (s *SQLiteStore) CreateIdempotencyRecord(ctx context.Context, rec *IdempotencyRecord) error {
	resp, err := encodeNullableMap(rec.Response)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, actor_id, method, request_hash, status, response_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Key, rec.ActorID, rec.Method, rec.RequestHash, string(rec.Status), resp,
		formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting idempotency record: %w", err)
	}
	return nil
}

// GetIdempotencyRecord retrieves a record by key.
func (s *SQLiteStore) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var status, createdAt, expiresAt string
	var resp sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT key, actor_id, method, request_hash, status, response_json, created_at, expires_at
		FROM idempotency_records
		WHERE key = ?
	`, key).Scan(&rec.Key, &rec.ActorID, &rec.Method, &rec.RequestHash, &status, &resp, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying idempotency record: %w", err)
	}

	rec.Status = IdempotencyStatus(status)
	if resp.Valid {
		if rec.Response, err = decodeJSONMap(resp.String); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &rec, nil
}

// ReclaimIdempotencyRecord replaces prev with rec, provided the stored row
// still has prev's status and expiry. The request hash is never changed.
func (s *SQLiteStore) ReclaimIdempotencyRecord(ctx context.Context, rec, prev *IdempotencyRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET actor_id = ?, status = ?, response_json = NULL, created_at = ?, expires_at = ?
		WHERE key = ? AND request_hash = ? AND status = ? AND expires_at = ?
	`, rec.ActorID, string(rec.Status), formatTime(rec.CreatedAt), formatTime(rec.ExpiresAt),
		prev.Key, prev.RequestHash, string(prev.Status), formatTime(prev.ExpiresAt))
	if err != nil {
		return fmt.Errorf("reclaiming idempotency record: %w", err)
	}
	return requireOneRow(result, ErrRecordChanged)
}

// SettleIdempotencyRecord stores the final status and response for a key.
// Unknown keys are ignored.
func (s *SQLiteStore) SettleIdempotencyRecord(ctx context.Context, key string, status IdempotencyStatus, response map[string]any) error {
	resp, err := encodeNullableMap(response)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records SET status = ?, response_json = ? WHERE key = ?
	`, string(status), resp, key); err != nil {
		return fmt.Errorf("settling idempotency record: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyRecords removes records that expired before the
// given time and returns how many were removed.
func (s *SQLiteStore) DeleteExpiredIdempotencyRecords(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired idempotency records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept idempotency records", "count", n)
	}
	return n, nil
}

func encodeNullableMap(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return encodeJSONMap(m)
}
