// ABOUTME: Binding entity and store methods for channel-to-agent routing rules
// ABOUTME: Bindings map (channel, account, peer, bot) to an agent with a priority

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrBindingNotFound is returned when a binding ID does not exist.
var ErrBindingNotFound = errors.New("binding not found")

// DefaultBindingPriority is used when a binding is created without one.
const DefaultBindingPriority = 100

// Binding is a routing rule. Nil AccountID, Peer or BotID means the rule
// does not constrain that field.
type Binding struct {
	ID        string
	AgentID   string
	BotID     *string
	Channel   string // "telegram", "slack", "webchat", ...
	AccountID *string
	Peer      *string
	Priority  int
	Active    bool
	CreatedAt time.Time
}

// CreateBinding inserts a routing rule.
func (s *SQLiteStore) CreateBinding(ctx context.Context, b *Binding) error {
	if b.Priority == 0 {
		b.Priority = DefaultBindingPriority
	}

	query := `
		INSERT INTO bindings (binding_id, agent_id, bot_id, channel, account_id, peer, priority, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID,
		b.AgentID,
		nullString(b.BotID),
		b.Channel,
		nullString(b.AccountID),
		nullString(b.Peer),
		b.Priority,
		boolToInt(b.Active),
		formatTime(b.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting binding: %w", err)
	}

	s.logger.Debug("created binding", "id", b.ID, "channel", b.Channel, "agent_id", b.AgentID)
	return nil
}

// GetBinding retrieves a binding by its ID.
func (s *SQLiteStore) GetBinding(ctx context.Context, id string) (*Binding, error) {
	query := `
		SELECT binding_id, agent_id, bot_id, channel, account_id, peer, priority, active, created_at
		FROM bindings
		WHERE binding_id = ?
	`
	b, err := scanBinding(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrBindingNotFound
	}
	return b, err
}

// ListActiveBindings returns the active bindings declared for a channel.
// Ordering is left to the resolver.
func (s *SQLiteStore) ListActiveBindings(ctx context.Context, channel string) ([]*Binding, error) {
	query := `
		SELECT binding_id, agent_id, bot_id, channel, account_id, peer, priority, active, created_at
		FROM bindings
		WHERE channel = ? AND active = 1
	`

	rows, err := s.db.QueryContext(ctx, query, channel)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bindings: %w", err)
	}
	return bindings, nil
}

// SetBindingActive toggles whether a binding participates in resolution.
func (s *SQLiteStore) SetBindingActive(ctx context.Context, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE bindings SET active = ? WHERE binding_id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("updating binding: %w", err)
	}
	return requireOneRow(result, ErrBindingNotFound)
}

// DeleteBinding removes a binding.
func (s *SQLiteStore) DeleteBinding(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE binding_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting binding: %w", err)
	}
	if err := requireOneRow(result, ErrBindingNotFound); err != nil {
		return err
	}
	s.logger.Debug("deleted binding", "id", id)
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*Binding, error) {
	var b Binding
	var botID, accountID, peer sql.NullString
	var active int
	var createdAt string

	err := row.Scan(
		&b.ID,
		&b.AgentID,
		&botID,
		&b.Channel,
		&accountID,
		&peer,
		&b.Priority,
		&active,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning binding: %w", err)
	}

	b.BotID = stringPtr(botID)
	b.AccountID = stringPtr(accountID)
	b.Peer = stringPtr(peer)
	b.Active = active == 1
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &b, nil
}

// requireOneRow maps a zero-row update to notFound.
func requireOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
