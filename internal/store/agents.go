// ABOUTME: Agent entity store methods
// ABOUTME: Agents carry the direct-message policy the policy gate evaluates

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// CreateAgent inserts a new agent. Returns ErrDuplicate if the name is taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	allowed, err := json.Marshal(nonNilInts(agent.AllowedUserIDs))
	if err != nil {
		return fmt.Errorf("encoding allowed_user_ids: %w", err)
	}

	query := `
		INSERT INTO agents (agent_id, name, dm_policy, allowed_user_ids, group_requires_mention, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.Name,
		agent.DMPolicy,
		string(allowed),
		boolToInt(agent.GroupRequiresMention),
		boolToInt(agent.Active),
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	query := `
		SELECT agent_id, name, dm_policy, allowed_user_ids, group_requires_mention, active, created_at
		FROM agents
		WHERE agent_id = ?
	`

	var a Agent
	var allowed, createdAt string
	var requiresMention, active int
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.Name,
		&a.DMPolicy,
		&allowed,
		&requiresMention,
		&active,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if err := json.Unmarshal([]byte(allowed), &a.AllowedUserIDs); err != nil {
		return nil, fmt.Errorf("decoding allowed_user_ids: %w", err)
	}
	a.GroupRequiresMention = requiresMention == 1
	a.Active = active == 1
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

func nonNilInts(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}
