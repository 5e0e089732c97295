// ABOUTME: Shared test fixtures plus lifecycle and WebSocket protocol tests
// ABOUTME: Drives real connections through httptest servers with coder/websocket

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/config"
	"github.com/2389/agent-gateway/internal/providers"
	"github.com/2389/agent-gateway/internal/store"
)

const testSecret = "gateway-test-secret-0123456789abcdef"

// testConfig returns a parsed config with the worker off and a far-away
// heartbeat so frames are deterministic.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.RevocationPruneInterval = time.Minute
	cfg.WS.HeartbeatInterval = time.Hour
	cfg.WS.HandshakeTimeout = 2 * time.Second
	cfg.Worker.Enabled = false
	cfg.Worker.PollInterval = 20 * time.Millisecond
	cfg.Idempotency.TTL = time.Hour
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	gw         *Gateway
	store      *store.MockStore
	srv        *httptest.Server
	providerID string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	s := store.NewMockStore()
	providerID := seedCatalog(t, s)

	gw, err := New(cfg, testLogger(), WithStore(s), WithVersion("test"))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
	})
	return &fixture{gw: gw, store: s, srv: srv, providerID: providerID}
}

func seedCatalog(t *testing.T, s *store.MockStore) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	providerID := uuid.NewString()
	require.NoError(t, s.CreatePlugin(ctx, &store.Plugin{ID: uuid.NewString(), Name: "translation", Active: true, CreatedAt: now}))
	require.NoError(t, s.CreateProvider(ctx, &store.Provider{ID: providerID, Name: "loop", Type: providers.TypeEcho, Active: true, CreatedAt: now}))
	return providerID
}

func (f *fixture) token(t *testing.T, role string, scopes ...string) string {
	t.Helper()
	tok, err := f.gw.Tokens().Generate(auth.Claims{
		Username:         "tester",
		Role:             role,
		Scopes:           scopes,
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString()},
	}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var frame map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

// waitFrame reads until match accepts a frame.
func waitFrame(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	for range 50 {
		if frame := readFrame(t, conn); match(frame) {
			return frame
		}
	}
	t.Fatal("expected frame never arrived")
	return nil
}

func isEvent(name string) func(map[string]any) bool {
	return func(f map[string]any) bool { return f["type"] == "event" && f["event"] == name }
}

func isReply(id string) func(map[string]any) bool {
	return func(f map[string]any) bool {
		return (f["type"] == "res" || f["type"] == "error") && f["id"] == id
	}
}

// connectLegacy performs the challenge and legacy connect frame.
func connectLegacy(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	challenge := readFrame(t, conn)
	require.Equal(t, "connect.challenge", challenge["type"])
	writeFrame(t, conn, map[string]any{
		"type":   "connect",
		"token":  token,
		"nonce":  challenge["nonce"],
		"client": map[string]any{"name": "test-client", "version": "1.0"},
	})
}

// openSession dials and completes a legacy connect, consuming the
// connection's own presence.connected event.
func (f *fixture) openSession(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn := dial(t, f.wsURL(), nil)
	connectLegacy(t, conn, token)
	ev := readFrame(t, conn)
	require.Equal(t, "presence.connected", ev["event"])
	return conn
}

// readUntilClosed discards frames until the connection fails.
func readUntilClosed(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

func requireCloseStatus(t *testing.T, conn *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	err := readUntilClosed(conn)
	require.Error(t, err)
	assert.Equal(t, want, websocket.CloseStatus(err))
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.Same(t, cfg, gw.config)
	assert.NotNil(t, gw.store)
	assert.NotNil(t, gw.dispatcher)
	assert.NotNil(t, gw.orchestrator)
	assert.NotNil(t, gw.conns)
	assert.FileExists(t, cfg.Database.Path)
}

func TestGatewayNewEnvOverridesDBPath(t *testing.T) {
	override := filepath.Join(t.TempDir(), "override.db")
	t.Setenv("AGENT_GATEWAY_DB_PATH", override)

	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	assert.FileExists(t, override)
}

func TestGatewayNewRejectsBadSharedSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.SharedSecretHash = "not-a-bcrypt-hash"

	_, err := New(cfg, testLogger(), WithStore(store.NewMockStore()))
	require.Error(t, err)
}

func TestShutdownIsIdempotent(t *testing.T) {
	gw, err := New(testConfig(t), testLogger(), WithStore(store.NewMockStore()))
	require.NoError(t, err)

	require.NoError(t, gw.Shutdown(context.Background()))
	require.NoError(t, gw.Shutdown(context.Background()))
}

// A valid connect yields presence.connected before any res.
func TestConnectEmitsPresenceBeforeResponse(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f.wsURL(), nil)

	connectLegacy(t, conn, f.token(t, auth.RoleUser))
	ev := readFrame(t, conn)
	assert.Equal(t, "event", ev["type"])
	assert.Equal(t, "presence.connected", ev["event"])
	assert.EqualValues(t, 1, ev["seq"])

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r0", "method": "health.get"})
	res := readFrame(t, conn)
	assert.Equal(t, "res", res["type"])
	assert.Equal(t, "r0", res["id"])
}

// health.get answers with a correlated res.
func TestHealthRequest(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.openSession(t, f.token(t, auth.RoleUser))

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r1", "method": "health.get"})
	res := readFrame(t, conn)

	assert.Equal(t, "res", res["type"])
	assert.Equal(t, "r1", res["id"])
	assert.Equal(t, true, res["ok"])
	result := res["result"].(map[string]any)
	assert.Equal(t, "ok", result["status"])
}

// A side-effecting call without a key is rejected.
func TestRetryWithoutIdempotencyKey(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.openSession(t, f.token(t, auth.RoleAdmin))

	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "r2", "method": "tasks.retry",
		"params": map[string]any{"task_id": uuid.NewString()},
	})
	res := readFrame(t, conn)

	assert.Equal(t, "error", res["type"])
	assert.Equal(t, "r2", res["id"])
	assert.Equal(t, "idempotency_required", res["code"])
}

// The most specific binding wins over priority.
func TestBindingsResolveOverSocket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	account, peer := "A", "P"
	now := time.Now()
	bindings := []*store.Binding{
		{ID: "b-wide", AgentID: "agent-1", Channel: "telegram", Priority: 999, Active: true, CreatedAt: now},
		{ID: "b-account", AgentID: "agent-2", Channel: "telegram", AccountID: &account, Priority: 10, Active: true, CreatedAt: now},
		{ID: "b-peer", AgentID: "agent-3", Channel: "telegram", AccountID: &account, Peer: &peer, Priority: 1, Active: true, CreatedAt: now},
	}
	for _, b := range bindings {
		require.NoError(t, f.store.CreateBinding(ctx, b))
	}

	conn := f.openSession(t, f.token(t, auth.RoleUser, "routing.read"))
	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "r3", "method": "bindings.resolve",
		"params": map[string]any{"channel": "telegram", "account_id": "A", "peer": "P"},
	})
	res := readFrame(t, conn)

	require.Equal(t, "res", res["type"], res)
	result := res["result"].(map[string]any)
	assert.Equal(t, true, result["matched"])
	assert.Equal(t, "b-peer", result["binding_id"])
	assert.Equal(t, "agent-3", result["agent_id"])
	assert.EqualValues(t, 3, result["specificity"])
}

func TestRequestFormConnectReturnsHello(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f.wsURL(), nil)

	challenge := readFrame(t, conn)
	assert.EqualValues(t, 3, challenge["protocol"])
	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "c1", "method": "connect",
		"params": map[string]any{
			"auth":         map[string]any{"token": f.token(t, auth.RoleUser)},
			"nonce":        challenge["nonce"],
			"client":       map[string]any{"name": "cli", "version": "2.0"},
			"min_protocol": 3,
			"max_protocol": 3,
		},
	})

	ev := readFrame(t, conn)
	assert.Equal(t, "presence.connected", ev["event"])

	res := readFrame(t, conn)
	require.Equal(t, "res", res["type"], res)
	assert.Equal(t, "c1", res["id"])
	hello := res["result"].(map[string]any)
	assert.Equal(t, "ok", hello["hello"])
	assert.EqualValues(t, 3, hello["protocol"])
	assert.NotEmpty(t, hello["connection_id"])
	assert.Equal(t, "test", hello["server"].(map[string]any)["version"])

	features := hello["features"].(map[string]any)
	assert.Contains(t, features["methods"], "tasks.create")
	assert.Contains(t, features["events"], "heartbeat")

	snapshot := hello["snapshot"].(map[string]any)
	assert.Len(t, snapshot["presence"], 1)
	assert.Equal(t, f.gw.config.Hash(), snapshot["config_hash"])

	authInfo := hello["auth"].(map[string]any)
	assert.Equal(t, auth.RoleUser, authInfo["role"])
	policy := hello["policy"].(map[string]any)
	assert.EqualValues(t, config.DefaultMaxPayloadBytes, policy["max_payload"])
}

func TestSharedSecretConnect(t *testing.T) {
	hash, err := auth.HashSecret("operator-pass")
	require.NoError(t, err)
	f := newFixture(t, func(cfg *config.Config) { cfg.Auth.SharedSecretHash = hash })
	conn := dial(t, f.wsURL(), nil)

	challenge := readFrame(t, conn)
	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "c1", "method": "connect",
		"params": map[string]any{
			"auth":   map[string]any{"password": "operator-pass"},
			"nonce":  challenge["nonce"],
			"client": map[string]any{"name": "ops", "version": "1"},
		},
	})

	res := waitFrame(t, conn, isReply("c1"))
	require.Equal(t, "res", res["type"], res)
	assert.Equal(t, auth.RoleAdmin, res["result"].(map[string]any)["auth"].(map[string]any)["role"])
}

func TestProtocolMismatch(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f.wsURL(), nil)

	challenge := readFrame(t, conn)
	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "c1", "method": "connect",
		"params": map[string]any{
			"token": f.token(t, auth.RoleUser), "nonce": challenge["nonce"],
			"min_protocol": 4, "max_protocol": 5,
		},
	})

	res := readFrame(t, conn)
	assert.Equal(t, "error", res["type"])
	assert.Equal(t, "c1", res["id"])
	assert.Equal(t, "protocol_mismatch", res["code"])
	requireCloseStatus(t, conn, websocket.StatusPolicyViolation)
}

func TestHandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		frame func(nonce, token string) map[string]any
		code  string
	}{
		{
			name: "wrong nonce",
			frame: func(nonce, token string) map[string]any {
				return map[string]any{"type": "connect", "token": token, "nonce": "not-the-nonce"}
			},
			code: "invalid_nonce",
		},
		{
			name: "bad token",
			frame: func(nonce, token string) map[string]any {
				return map[string]any{"type": "connect", "token": "garbage", "nonce": nonce}
			},
			code: "auth_failed",
		},
		{
			name: "request before connect",
			frame: func(nonce, token string) map[string]any {
				return map[string]any{"type": "req", "id": "r1", "method": "health.get"}
			},
			code: "invalid_connect",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			conn := dial(t, f.wsURL(), nil)

			challenge := readFrame(t, conn)
			writeFrame(t, conn, tt.frame(challenge["nonce"].(string), f.token(t, auth.RoleUser)))

			res := readFrame(t, conn)
			assert.Equal(t, "error", res["type"])
			assert.Equal(t, tt.code, res["code"])
			requireCloseStatus(t, conn, websocket.StatusPolicyViolation)
			assert.Equal(t, 0, f.gw.conns.Len())
		})
	}
}

func TestRevokedTokenRejected(t *testing.T) {
	f := newFixture(t, nil)
	jti := uuid.NewString()
	tok, err := f.gw.Tokens().Generate(auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: uuid.NewString(), ID: jti},
	}, time.Hour)
	require.NoError(t, err)
	f.gw.Revoke(jti, time.Now().Add(time.Hour))

	conn := dial(t, f.wsURL(), nil)
	connectLegacy(t, conn, tok)
	res := readFrame(t, conn)
	assert.Equal(t, "auth_failed", res["code"])
	assert.Equal(t, "Access token revoked", res["message"])
}

func TestRemoteConnectionsRejected(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.WS.TrustForwardedHeaders = true })
	conn := dial(t, f.wsURL(), http.Header{"X-Forwarded-For": []string{"203.0.113.9, 10.0.0.1"}})

	res := readFrame(t, conn)
	assert.Equal(t, "error", res["type"])
	assert.Equal(t, "forbidden", res["code"])
	requireCloseStatus(t, conn, websocket.StatusPolicyViolation)
}

func TestRemoteConnectionsAllowed(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.WS.TrustForwardedHeaders = true
		cfg.WS.AllowRemote = true
	})
	conn := dial(t, f.wsURL(), http.Header{"X-Forwarded-For": []string{"203.0.113.9"}})

	challenge := readFrame(t, conn)
	assert.Equal(t, "connect.challenge", challenge["type"])
}

func TestForwardedHeadersIgnoredWhenUntrusted(t *testing.T) {
	f := newFixture(t, nil)
	conn := dial(t, f.wsURL(), http.Header{"X-Forwarded-For": []string{"203.0.113.9"}})

	challenge := readFrame(t, conn)
	assert.Equal(t, "connect.challenge", challenge["type"])
}

func TestInvalidRequestKeepsConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.openSession(t, f.token(t, auth.RoleUser))

	writeFrame(t, conn, map[string]any{"type": "req", "id": "bad", "method": "health.get", "extra": 1})
	res := readFrame(t, conn)
	assert.Equal(t, "invalid_request", res["code"])
	assert.Equal(t, "bad", res["id"])

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r1", "method": "no.such.method"})
	res = readFrame(t, conn)
	assert.Equal(t, "unknown_method", res["code"])

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r2", "method": "health.get"})
	res = readFrame(t, conn)
	assert.Equal(t, "res", res["type"])
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.WS.RateLimitPerMinute = 2 })
	conn := f.openSession(t, f.token(t, auth.RoleUser))

	for _, id := range []string{"r1", "r2"} {
		writeFrame(t, conn, map[string]any{"type": "req", "id": id, "method": "health.get"})
		assert.Equal(t, "res", readFrame(t, conn)["type"])
	}

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r3", "method": "health.get"})
	res := readFrame(t, conn)
	assert.Equal(t, "error", res["type"])
	assert.Equal(t, "r3", res["id"])
	assert.Equal(t, "rate_limited", res["code"])
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.WS.MaxPayloadBytes = 2048 })
	conn := f.openSession(t, f.token(t, auth.RoleUser))

	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "big", "method": "health.get",
		"params": map[string]any{"pad": strings.Repeat("x", 8192)},
	})
	requireCloseStatus(t, conn, websocket.StatusMessageTooBig)
}

func TestPresenceAcrossConnections(t *testing.T) {
	f := newFixture(t, nil)
	first := f.openSession(t, f.token(t, auth.RoleUser))
	second := f.openSession(t, f.token(t, auth.RoleUser, "system.read"))

	joined := waitFrame(t, first, isEvent("presence.connected"))
	secondID := joined["data"].(map[string]any)["connection_id"]

	writeFrame(t, second, map[string]any{"type": "req", "id": "p1", "method": "system-presence"})
	res := waitFrame(t, second, isReply("p1"))
	assert.Len(t, res["result"].(map[string]any)["presence"], 2)

	require.NoError(t, second.Close(websocket.StatusNormalClosure, "bye"))
	left := waitFrame(t, first, isEvent("presence.disconnected"))
	assert.Equal(t, secondID, left["data"].(map[string]any)["connection_id"])
	assert.Eventually(t, func() bool { return f.gw.conns.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSystemEventFansOut(t *testing.T) {
	f := newFixture(t, nil)
	admin := f.openSession(t, f.token(t, auth.RoleAdmin))
	watcher := f.openSession(t, f.token(t, auth.RoleUser))

	writeFrame(t, admin, map[string]any{
		"type": "req", "id": "e1", "method": "system-event",
		"params": map[string]any{"event": "deploy.finished", "payload": map[string]any{"build": "42"}},
	})
	res := waitFrame(t, admin, isReply("e1"))
	assert.Equal(t, "res", res["type"])

	ev := waitFrame(t, watcher, isEvent("deploy.finished"))
	assert.Equal(t, "42", ev["data"].(map[string]any)["build"])
	assert.NotZero(t, ev["seq"])
	assert.NotZero(t, ev["state_version"])
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.WS.HeartbeatInterval = 30 * time.Millisecond })
	conn := f.openSession(t, f.token(t, auth.RoleUser))

	ev := waitFrame(t, conn, isEvent("heartbeat"))
	assert.Equal(t, true, ev["data"].(map[string]any)["ok"])
}

func TestServeRunsTasksAndForwardsEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Worker.Enabled = true
	s := store.NewMockStore()
	providerID := seedCatalog(t, s)

	gw, err := New(cfg, testLogger(), WithStore(s))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- gw.Serve(ctx, ln) }()

	f := &fixture{gw: gw, store: s}
	conn := dial(t, "ws://"+ln.Addr().String()+"/ws", nil)
	connectLegacy(t, conn, f.token(t, auth.RoleAdmin))
	waitFrame(t, conn, isEvent("presence.connected"))

	writeFrame(t, conn, map[string]any{
		"type": "req", "id": "t1", "method": "tasks.create", "idempotency_key": "create-1",
		"params": map[string]any{
			"session_id":  uuid.NewString(),
			"plugin_name": "translation",
			"provider_id": providerID,
			"input_data":  map[string]any{"source_lang": "en", "target_lang": "fr", "text": "hello"},
		},
	})
	res := waitFrame(t, conn, isReply("t1"))
	require.Equal(t, "res", res["type"], res)
	taskID := res["result"].(map[string]any)["task_id"]

	done := waitFrame(t, conn, func(fr map[string]any) bool {
		return isEvent("task.completed")(fr) && fr["data"].(map[string]any)["task_id"] == taskID
	})
	assert.NotNil(t, done["data"].(map[string]any)["result"])

	closed := make(chan error, 1)
	go func() { closed <- readUntilClosed(conn) }()

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-closed))
}
