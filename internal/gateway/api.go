// ABOUTME: REST surface: liveness and POST /api/v1/commands/{method}
// ABOUTME: Commands run through the same dispatcher as the WebSocket protocol

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/2389/agent-gateway/internal/auth"
	"github.com/2389/agent-gateway/internal/dispatch"
	"github.com/2389/agent-gateway/internal/protocol"
)

// IdempotencyKeyHeader carries the idempotency key on REST commands.
const IdempotencyKeyHeader = "Idempotency-Key"

// CommandResponse is the JSON body of a successful command.
type CommandResponse struct {
	OK     bool           `json:"ok"`
	Result map[string]any `json:"result"`
}

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    protocol.Code `json:"code"`
	Message string        `json:"message"`
}

// ErrorResponse is the JSON body of a failed command.
type ErrorResponse struct {
	OK    bool      `json:"ok"`
	Error ErrorBody `json:"error"`
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RequestID)

	r.Get("/health", g.handleHealth)
	r.Get("/ws", g.handleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.authenticator))
		r.Use(g.rateLimit)
		r.Post("/commands/{method}", g.handleCommand)
	})
	return r
}

// handleHealth is an unauthenticated liveness check.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"version":     g.version,
		"connections": g.conns.Len(),
	})
}

// rateLimit applies ws.rate_limit_per_minute across REST callers.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	limiter := newLimiter(g.config.WS.RateLimitPerMinute)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			g.metrics.RateLimitRejects.Add(r.Context(), 1, metric.WithAttributes(attribute.String("transport", "http")))
			writeCommandError(w, &dispatch.Error{Code: protocol.CodeRateLimited, Message: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		writeCommandError(w, &dispatch.Error{Code: protocol.CodeAuthFailed, Message: "authentication required"})
		return
	}

	if limit := g.config.WS.MaxPayloadBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	params, err := decodeParams(r)
	if err != nil {
		writeCommandError(w, &dispatch.Error{Code: protocol.CodeInvalidRequest, Message: err.Error()})
		return
	}

	result, err := g.dispatcher.Dispatch(r.Context(), dispatch.Call{
		Method:         chi.URLParam(r, "method"),
		Params:         params,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)),
		RequestID:      chimw.GetReqID(r.Context()),
	}, identity)
	if err != nil {
		writeCommandError(w, dispatch.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, CommandResponse{OK: true, Result: result})
}

// decodeParams reads the request body as a params object. An empty body
// is no params.
func decodeParams(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, errors.New("reading request body failed")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}

func writeCommandError(w http.ResponseWriter, e *dispatch.Error) {
	writeJSON(w, dispatch.HTTPStatus(e.Code), ErrorResponse{
		Error: ErrorBody{Code: e.Code, Message: e.Message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
