// ABOUTME: Plugin and provider records referenced by tasks
// ABOUTME: Runtime plugin and provider instances are built from these rows

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Plugin is a registered plugin name a task can run.
type Plugin struct {
	ID          string
	Name        string // registry key: "test", "custom_api", ...
	Description string
	Active      bool
	CreatedAt   time.Time
}

// Provider is a configured service backend plugins execute against.
type Provider struct {
	ID        string
	Name      string
	Type      string // registry key: "echo", "http", "shell"
	Config    map[string]any
	Active    bool
	CreatedAt time.Time
}

// CreatePlugin inserts a plugin record.
func (s *SQLiteStore) CreatePlugin(ctx context.Context, p *Plugin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugins (plugin_id, name, description, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, boolToInt(p.Active), formatTime(p.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting plugin: %w", err)
	}
	return nil
}

// GetPlugin retrieves a plugin by ID.
func (s *SQLiteStore) GetPlugin(ctx context.Context, id string) (*Plugin, error) {
	return s.getPlugin(ctx, "plugin_id", id)
}

// GetPluginByName retrieves a plugin by registry name.
func (s *SQLiteStore) GetPluginByName(ctx context.Context, name string) (*Plugin, error) {
	return s.getPlugin(ctx, "name", name)
}

func (s *SQLiteStore) getPlugin(ctx context.Context, column, value string) (*Plugin, error) {
	query := `SELECT plugin_id, name, description, active, created_at FROM plugins WHERE ` + column + ` = ?`

	var p Plugin
	var active int
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, value).Scan(&p.ID, &p.Name, &p.Description, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying plugin: %w", err)
	}
	p.Active = active == 1
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// CreateProvider inserts a provider record.
func (s *SQLiteStore) CreateProvider(ctx context.Context, p *Provider) error {
	cfg, err := encodeJSONMap(p.Config)
	if err != nil {
		return fmt.Errorf("encoding provider config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (provider_id, name, type, config_json, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Type, cfg, boolToInt(p.Active), formatTime(p.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by ID.
func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*Provider, error) {
	var p Provider
	var cfg, createdAt string
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT provider_id, name, type, config_json, active, created_at
		FROM providers
		WHERE provider_id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Type, &cfg, &active, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying provider: %w", err)
	}
	if p.Config, err = decodeJSONMap(cfg); err != nil {
		return nil, fmt.Errorf("decoding provider config: %w", err)
	}
	p.Active = active == 1
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}
