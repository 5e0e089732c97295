// ABOUTME: Paired device entity and store methods
// ABOUTME: The policy gate asks whether a device or account/peer is actively paired

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PairedDevice records a device approved to talk to agents on a channel.
type PairedDevice struct {
	ID           string
	DeviceID     string
	Channel      string
	AccountID    *string
	Peer         *string
	PairedUserID *int64
	Active       bool
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// PairingQuery identifies a pairing. DeviceID takes precedence; otherwise
// AccountID and Peer narrow the match. Empty strings mean absent.
type PairingQuery struct {
	Channel   string
	DeviceID  string
	AccountID string
	Peer      string
}

// IsEmpty reports whether the query names nothing to pair against.
func (q PairingQuery) IsEmpty() bool {
	return q.DeviceID == "" && q.AccountID == "" && q.Peer == ""
}

// CreatePairedDevice inserts a paired device. Returns ErrDuplicate if the
// device is already paired.
func (s *SQLiteStore) CreatePairedDevice(ctx context.Context, d *PairedDevice) error {
	query := `
		INSERT INTO paired_devices (pairing_id, device_id, channel, account_id, peer, paired_user_id, active, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var pairedUser any
	if d.PairedUserID != nil {
		pairedUser = *d.PairedUserID
	}
	_, err := s.db.ExecContext(ctx, query,
		d.ID,
		d.DeviceID,
		d.Channel,
		nullString(d.AccountID),
		nullString(d.Peer),
		pairedUser,
		boolToInt(d.Active),
		formatTime(d.CreatedAt),
		nullTime(d.RevokedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting paired device: %w", err)
	}
	return nil
}

// FindActivePairing returns the first active pairing matching q, or
// ErrNotFound. An empty query never matches.
func (s *SQLiteStore) FindActivePairing(ctx context.Context, q PairingQuery) (*PairedDevice, error) {
	if q.IsEmpty() {
		return nil, ErrNotFound
	}

	var where []string
	args := []any{q.Channel}
	where = append(where, "channel = ?", "active = 1")
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	} else {
		if q.AccountID != "" {
			where = append(where, "account_id = ?")
			args = append(args, q.AccountID)
		}
		if q.Peer != "" {
			where = append(where, "peer = ?")
			args = append(args, q.Peer)
		}
	}

	query := `
		SELECT pairing_id, device_id, channel, account_id, peer, paired_user_id, active, created_at, revoked_at
		FROM paired_devices
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at
		LIMIT 1
	`

	var d PairedDevice
	var accountID, peer, revokedAt sql.NullString
	var pairedUser sql.NullInt64
	var active int
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&d.ID,
		&d.DeviceID,
		&d.Channel,
		&accountID,
		&peer,
		&pairedUser,
		&active,
		&createdAt,
		&revokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying paired device: %w", err)
	}

	d.AccountID = stringPtr(accountID)
	d.Peer = stringPtr(peer)
	if pairedUser.Valid {
		v := pairedUser.Int64
		d.PairedUserID = &v
	}
	d.Active = active == 1
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return nil, fmt.Errorf("parsing revoked_at: %w", err)
	}
	return &d, nil
}

// RevokePairedDevice deactivates a pairing.
func (s *SQLiteStore) RevokePairedDevice(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE paired_devices SET active = 0, revoked_at = ? WHERE pairing_id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("revoking paired device: %w", err)
	}
	return requireOneRow(result, ErrNotFound)
}
