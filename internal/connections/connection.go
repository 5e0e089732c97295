// ABOUTME: A single authenticated live connection and its transport handle
// ABOUTME: Serializes writes so per-connection sequence numbers match wire order

package connections

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/protocol"
)

// Transport writes frames to and closes the underlying socket.
type Transport interface {
	Send(ctx context.Context, v any) error
	Close(code int, reason string) error
}

// Info is connection metadata captured at handshake time.
type Info struct {
	Client     protocol.ClientInfo
	Caps       []string
	Locale     string
	UserAgent  string
	RemoteAddr string
}

// Connection is an authenticated client. Identity never changes after
// creation.
type Connection struct {
	ID          string
	Identity    auth.Identity
	Info        Info
	ConnectedAt time.Time

	transport Transport
	sendMu    sync.Mutex
	seq       uint64
	lastInput atomic.Int64
}

func newConnection(id string, identity auth.Identity, transport Transport, info Info, now time.Time) *Connection {
	c := &Connection{
		ID:          id,
		Identity:    identity,
		Info:        info,
		ConnectedAt: now,
		transport:   transport,
	}
	c.lastInput.Store(now.UnixNano())
	return c
}

// Send writes v to the transport.
func (c *Connection) Send(ctx context.Context, v any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.transport.Send(ctx, v)
}

// SendEvent stamps ev with the next sequence number and writes it.
func (c *Connection) SendEvent(ctx context.Context, ev protocol.Event) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.seq++
	ev.Seq = c.seq
	return c.transport.Send(ctx, ev)
}

// Seq returns the last sequence number sent.
func (c *Connection) Seq() uint64 {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.seq
}

// Close closes the transport.
func (c *Connection) Close(code int, reason string) error {
	return c.transport.Close(code, reason)
}

// LastInput returns when the client last sent a request.
func (c *Connection) LastInput() time.Time {
	return time.Unix(0, c.lastInput.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastInput.Store(now.UnixNano())
}
