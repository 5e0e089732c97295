// ABOUTME: WebSocket endpoint: challenge handshake, hello, request loop and event forwarding
// ABOUTME: Fatal protocol errors are sent as an error frame followed by close 1008

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/2389/agent-gateway/internal/connections"
	"github.com/2389/agent-gateway/internal/dispatch"
	"github.com/2389/agent-gateway/internal/events"
	"github.com/2389/agent-gateway/internal/protocol"
)

const (
	writeTimeout            = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultHeartbeat        = 20 * time.Second
	maxCloseReason          = 123
)

// wsTransport adapts a websocket connection to connections.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, t.conn, v)
}

func (t *wsTransport) Close(code int, reason string) error {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	remote := clientAddr(r, g.config.WS.TrustForwardedHeaders)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.WS.OriginPatterns,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "remote_addr", remote, "error", err)
		return
	}
	t := &wsTransport{conn: conn}
	ctx := r.Context()

	if !g.config.WS.AllowRemote && !isLocalAddr(remote) {
		g.logger.Warn("rejected remote connection", "remote_addr", remote)
		g.reject(ctx, t, protocol.Errorf(protocol.CodeForbidden, "Remote connections are disabled"))
		return
	}
	if g.config.WS.MaxPayloadBytes > 0 {
		conn.SetReadLimit(g.config.WS.MaxPayloadBytes)
	}

	result, err := g.handshake(ctx, t)
	if err != nil {
		pe := protocol.AsError(err, protocol.CodeInvalidConnect)
		g.logger.Info("handshake failed", "remote_addr", remote, "code", pe.Code, "message", pe.Message)
		g.reject(ctx, t, pe)
		return
	}

	g.serveConnection(ctx, t, result, remote)
}

// reject sends pe and closes with the policy violation code.
func (g *Gateway) reject(ctx context.Context, t *wsTransport, pe *protocol.Error) {
	if err := t.Send(ctx, protocol.NewError(pe)); err != nil {
		g.logger.Debug("sending error frame failed", "error", err)
	}
	_ = t.Close(protocol.CloseCode, pe.Message)
}

func (g *Gateway) handshake(ctx context.Context, t *wsTransport) (protocol.Result, error) {
	hs := protocol.NewHandshake(g.authenticator)
	challenge, err := hs.Challenge()
	if err != nil {
		return protocol.Result{}, err
	}
	if err := t.Send(ctx, challenge); err != nil {
		return protocol.Result{}, fmt.Errorf("sending challenge: %w", err)
	}

	timeout := g.config.WS.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, raw, err := t.conn.Read(readCtx)
	if err != nil {
		return protocol.Result{}, protocol.Errorf(protocol.CodeInvalidConnect, "No connect frame received")
	}
	return hs.Accept(ctx, raw)
}

func (g *Gateway) serveConnection(ctx context.Context, t *wsTransport, result protocol.Result, remote string) {
	c := g.conns.Add(result.Identity, t, connections.Info{
		Client:     result.Connect.Client,
		Caps:       result.Connect.Caps,
		Locale:     result.Connect.Locale,
		UserAgent:  result.Connect.UserAgent,
		RemoteAddr: remote,
	})
	g.metrics.ActiveConnections.Add(ctx, 1)

	subID, envelopes := g.bus.Subscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		g.bus.Unsubscribe(subID)
		g.conns.Remove(c.ID)
		g.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
		g.broadcastPresence(context.WithoutCancel(ctx), "presence.disconnected", c)
		_ = t.Close(int(websocket.StatusNormalClosure), "")
	}()

	g.broadcastPresence(ctx, "presence.connected", c)

	if result.Connect.IsRequestForm() {
		hello := protocol.NewResponse(result.Connect.ID, g.hello(c))
		if err := c.Send(ctx, hello); err != nil {
			g.logger.Debug("sending hello failed", "connection_id", c.ID, "error", err)
			return
		}
	}

	go g.forward(ctx, c, envelopes)
	g.readLoop(ctx, t, c)
}

func (g *Gateway) broadcastPresence(ctx context.Context, event string, c *connections.Connection) {
	ev := protocol.NewEvent(event, map[string]any{
		"connection_id": c.ID,
		"user_id":       c.Identity.UserID,
		"username":      c.Identity.Username,
		"client":        c.Info.Client.Name,
	}, time.Now())
	ev.StateVersion = g.conns.StateVersion()
	g.conns.BroadcastEvent(ctx, ev)
}

// hello is the result of a request-form connect.
func (g *Gateway) hello(c *connections.Connection) map[string]any {
	heartbeat := g.heartbeatInterval()
	id := c.Identity
	return map[string]any{
		"hello":         "ok",
		"protocol":      protocol.Version,
		"server_time":   time.Now().UnixMilli(),
		"connection_id": c.ID,
		"uptime_ms":     time.Since(g.started).Milliseconds(),
		"server":        map[string]any{"version": g.version},
		"features": map[string]any{
			"methods": dispatch.MethodNames(),
			"events":  dispatch.EventNames(),
		},
		"snapshot": map[string]any{
			"presence":      g.conns.Presence(),
			"health":        map[string]any{"status": "ok"},
			"config_hash":   g.config.Hash(),
			"state_version": g.conns.StateVersion(),
		},
		"policy": map[string]any{
			"max_payload":        g.config.WS.MaxPayloadBytes,
			"max_buffered_bytes": g.config.WS.MaxBufferedBytes,
			"tick_interval_ms":   heartbeat.Milliseconds(),
		},
		"auth": map[string]any{"role": id.Role, "scopes": id.Scopes},
		"user": map[string]any{
			"id":       id.UserID,
			"username": id.Username,
			"role":     id.Role,
			"scopes":   id.Scopes,
		},
	}
}

func (g *Gateway) heartbeatInterval() time.Duration {
	if g.config.WS.HeartbeatInterval > 0 {
		return g.config.WS.HeartbeatInterval
	}
	return defaultHeartbeat
}

// forward relays bus events and heartbeats until ctx ends.
func (g *Gateway) forward(ctx context.Context, c *connections.Connection, envelopes <-chan events.Envelope) {
	ticker := time.NewTicker(g.heartbeatInterval())
	defer ticker.Stop()

	for {
		var ev protocol.Event
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			ev = protocol.NewEvent(env.Event, env.Data, env.Timestamp)
		case <-ticker.C:
			ev = protocol.NewEvent("heartbeat", map[string]any{"ok": true}, time.Now())
		}
		ev.StateVersion = g.conns.StateVersion()
		if err := c.SendEvent(ctx, ev); err != nil {
			g.logger.Debug("event forward failed", "connection_id", c.ID, "event", ev.Event, "error", err)
			return
		}
	}
}

// readLoop handles requests one at a time so a client's requests are
// answered in order.
func (g *Gateway) readLoop(ctx context.Context, t *wsTransport, c *connections.Connection) {
	limiter := newLimiter(g.config.WS.RateLimitPerMinute)

	for {
		_, raw, err := t.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				g.logger.Debug("read failed", "connection_id", c.ID, "error", err)
			}
			return
		}
		g.conns.Touch(c.ID)

		req, err := protocol.ParseRequest(raw)
		if err != nil {
			g.sendError(ctx, c, protocol.AsError(err, protocol.CodeInvalidRequest))
			continue
		}
		if !limiter.Allow() {
			g.metrics.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", "ws")))
			g.sendError(ctx, c, protocol.Errorf(protocol.CodeRateLimited, "Too many requests").WithID(req.ID))
			continue
		}

		g.handleRequest(ctx, c, req)
	}
}

func (g *Gateway) handleRequest(ctx context.Context, c *connections.Connection, req protocol.Request) {
	result, err := g.dispatcher.Dispatch(ctx, dispatch.Call{
		Method:         req.Method,
		Params:         req.Params,
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      req.ID,
	}, c.Identity)
	if err != nil {
		de := dispatch.AsError(err)
		g.sendError(ctx, c, &protocol.Error{Code: de.Code, Message: de.Message, ID: req.ID})
		return
	}
	if err := c.Send(ctx, protocol.NewResponse(req.ID, result)); err != nil {
		g.logger.Debug("sending response failed", "connection_id", c.ID, "request_id", req.ID, "error", err)
	}
}

func (g *Gateway) sendError(ctx context.Context, c *connections.Connection, pe *protocol.Error) {
	if err := c.Send(ctx, protocol.NewError(pe)); err != nil {
		g.logger.Debug("sending error failed", "connection_id", c.ID, "code", pe.Code, "error", err)
	}
}

// newLimiter allows perMinute requests with a burst of the same size.
// Zero disables limiting.
func newLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)
}
