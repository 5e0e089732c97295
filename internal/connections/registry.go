// ABOUTME: Registry of live authenticated connections with presence tracking
// ABOUTME: Sends to unknown ids are no-ops; broadcasts skip failing transports

package connections

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
)

// PresenceEntry describes one live connection.
type PresenceEntry struct {
	ConnectionID     string    `json:"connection_id"`
	UserID           string    `json:"user_id"`
	Username         string    `json:"username"`
	Role             string    `json:"role"`
	Client           string    `json:"client"`
	Version          string    `json:"version"`
	Platform         string    `json:"platform,omitempty"`
	DeviceFamily     string    `json:"device_family,omitempty"`
	ModelIdentifier  string    `json:"model_identifier,omitempty"`
	Mode             string    `json:"mode,omitempty"`
	InstanceID       string    `json:"instance_id,omitempty"`
	RemoteAddr       string    `json:"remote_addr,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Caps             []string  `json:"caps"`
	LastInputSeconds int64     `json:"last_input_seconds"`
	ConnectedAt      time.Time `json:"connected_at"`
}

// Registry owns every live connection.
type Registry struct {
	mu           sync.RWMutex
	conns        map[string]*Connection
	stateVersion uint64
	now          func() time.Time
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		now:    time.Now,
		logger: logger.With("component", "connections"),
	}
}

// Add registers an authenticated connection under a new id.
func (r *Registry) Add(identity auth.Identity, transport Transport, info Info) *Connection {
	c := newConnection(uuid.New().String(), identity, transport, info, r.now())

	r.mu.Lock()
	r.conns[c.ID] = c
	r.stateVersion++
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection added",
		"connection_id", c.ID,
		"user_id", identity.UserID,
		"role", identity.Role,
		"client", info.Client.Name,
		"total_connections", total,
	)
	return c
}

// Remove drops a connection. Later sends to its id are no-ops. Returns
// false if the id was unknown.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.stateVersion++
	}
	total := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.logger.Info("connection removed",
			"connection_id", id,
			"user_id", c.Identity.UserID,
			"total_connections", total,
		)
	}
	return ok
}

// Get returns the connection with id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// StateVersion increments whenever a connection is added or removed.
func (r *Registry) StateVersion() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stateVersion
}

// Touch records client input on a connection.
func (r *Registry) Touch(id string) {
	if c, ok := r.Get(id); ok {
		c.touch(r.now())
	}
}

// Send writes payload to one connection. Unknown ids return nil.
func (r *Registry) Send(ctx context.Context, id string, payload any) error {
	c, ok := r.Get(id)
	if !ok {
		return nil
	}
	return c.Send(ctx, payload)
}

// SendEvent writes a sequenced event to one connection. Unknown ids
// return nil.
func (r *Registry) SendEvent(ctx context.Context, id, event string, data map[string]any) error {
	c, ok := r.Get(id)
	if !ok {
		return nil
	}
	return c.SendEvent(ctx, protocol.NewEvent(event, data, r.now()))
}

// Broadcast queues payload to every connection and returns how many
// were targeted. Each peer is written from its own goroutine and the
// writes outlive ctx's cancellation. Failures are logged.
func (r *Registry) Broadcast(ctx context.Context, payload any) int {
	return r.fanOut(ctx, func(ctx context.Context, c *Connection) error {
		return c.Send(ctx, payload)
	}, "broadcast send failed")
}

// BroadcastEvent queues ev to every connection, each with its own
// sequence number, and returns how many were targeted.
func (r *Registry) BroadcastEvent(ctx context.Context, ev protocol.Event) int {
	return r.fanOut(ctx, func(ctx context.Context, c *Connection) error {
		return c.SendEvent(ctx, ev)
	}, "broadcast event failed", "event", ev.Event)
}

func (r *Registry) fanOut(ctx context.Context, send func(context.Context, *Connection) error, msg string, attrs ...any) int {
	ctx = context.WithoutCancel(ctx)
	conns := r.snapshot()
	for _, c := range conns {
		go func() {
			if err := send(ctx, c); err != nil {
				r.logger.Debug(msg, append([]any{"connection_id", c.ID, "error", err}, attrs...)...)
			}
		}()
	}
	return len(conns)
}

// Presence lists live connections, oldest first.
func (r *Registry) Presence() []PresenceEntry {
	now := r.now()
	conns := r.snapshot()
	out := make([]PresenceEntry, 0, len(conns))
	for _, c := range conns {
		idle := int64(now.Sub(c.LastInput()).Seconds())
		out = append(out, PresenceEntry{
			ConnectionID:     c.ID,
			UserID:           c.Identity.UserID,
			Username:         c.Identity.Username,
			Role:             c.Identity.Role,
			Client:           c.Info.Client.Name,
			Version:          c.Info.Client.Version,
			Platform:         c.Info.Client.Platform,
			DeviceFamily:     c.Info.Client.DeviceFamily,
			ModelIdentifier:  c.Info.Client.ModelIdentifier,
			Mode:             c.Info.Client.Mode,
			InstanceID:       c.Info.Client.InstanceID,
			RemoteAddr:       c.Info.RemoteAddr,
			UserAgent:        c.Info.UserAgent,
			Caps:             nonNil(c.Info.Caps),
			LastInputSeconds: max(0, idle),
			ConnectedAt:      c.ConnectedAt,
		})
	}
	return out
}

// CloseAll closes every transport, used at shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	for _, c := range r.snapshot() {
		if err := c.Close(code, reason); err != nil {
			r.logger.Debug("close failed", "connection_id", c.ID, "error", err)
		}
	}
}

func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return conns
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
