// ABOUTME: Per-connection challenge handshake state machine
// ABOUTME: Verifies the nonce echo, the credential and the protocol range

package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/2389/agent-gateway/internal/auth"
)

// State is a handshake phase.
type State int

// Handshake states.
const (
	StateAwaitChallenge State = iota
	StateAwaitConnect
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitChallenge:
		return "await_challenge"
	case StateAwaitConnect:
		return "await_connect"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Authenticator verifies a presented credential.
type Authenticator interface {
	Authenticate(ctx context.Context, c auth.Credential) (auth.Identity, error)
}

// Result is the outcome of a successful handshake.
type Result struct {
	Identity auth.Identity
	Connect  ConnectRequest
}

// Handshake drives one connection from challenge to authenticated.
// It is not safe for concurrent use; each connection owns one.
type Handshake struct {
	auth        Authenticator
	state       State
	nonce       string
	minProtocol int
	maxProtocol int
	now         func() time.Time
}

// HandshakeOption configures a Handshake.
type HandshakeOption func(*Handshake)

// WithProtocolRange sets the range assumed when a request-form connect
// omits min_protocol or max_protocol.
func WithProtocolRange(minVersion, maxVersion int) HandshakeOption {
	return func(h *Handshake) {
		if minVersion > 0 {
			h.minProtocol = minVersion
		}
		if maxVersion > 0 {
			h.maxProtocol = maxVersion
		}
	}
}

// WithHandshakeClock replaces time.Now.
func WithHandshakeClock(now func() time.Time) HandshakeOption {
	return func(h *Handshake) { h.now = now }
}

// NewHandshake creates a handshake in StateAwaitChallenge.
func NewHandshake(a Authenticator, opts ...HandshakeOption) *Handshake {
	h := &Handshake{
		auth:        a,
		minProtocol: Version,
		maxProtocol: Version,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the current phase.
func (h *Handshake) State() State { return h.state }

// Challenge generates the nonce and returns the challenge frame.
func (h *Handshake) Challenge() (Challenge, error) {
	if h.state != StateAwaitChallenge {
		return Challenge{}, h.fail(Errorf(CodeInvalidConnect, "challenge already issued"))
	}
	nonce, err := NewNonce()
	if err != nil {
		return Challenge{}, h.fail(Errorf(CodeInternal, "generating nonce: %v", err))
	}
	h.nonce = nonce
	h.state = StateAwaitConnect
	return NewChallenge(nonce, h.now()), nil
}

// Accept processes the client's connect frame. Any failure moves the
// handshake to StateFailed and returns an *Error.
func (h *Handshake) Accept(ctx context.Context, raw []byte) (Result, error) {
	if h.state != StateAwaitConnect {
		return Result{}, h.fail(Errorf(CodeInvalidConnect, "unexpected connect in state %s", h.state))
	}

	req, err := ParseConnect(raw)
	if err != nil {
		return Result{}, h.fail(AsError(err, CodeInvalidConnect))
	}

	if req.Nonce != h.nonce {
		return Result{}, h.fail(Errorf(CodeInvalidNonce, "Connect nonce mismatch").WithID(req.ID))
	}

	id, err := h.auth.Authenticate(ctx, auth.Credential{Token: req.Token, Password: req.Password})
	if err != nil {
		return Result{}, h.fail(authError(err).WithID(req.ID))
	}

	if req.IsRequestForm() {
		lo, hi := req.MinProtocol, req.MaxProtocol
		if lo == 0 {
			lo = h.minProtocol
		}
		if hi == 0 {
			hi = h.maxProtocol
		}
		if Version < lo || Version > hi {
			return Result{}, h.fail(Errorf(CodeProtocolMismatch, "Server protocol %d not in [%d, %d]", Version, lo, hi).WithID(req.ID))
		}
	}

	h.state = StateAuthenticated
	return Result{Identity: id, Connect: req}, nil
}

func (h *Handshake) fail(e *Error) *Error {
	h.state = StateFailed
	return e
}

func authError(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return Errorf(CodeAuthFailed, "Access token expired")
	case errors.Is(err, auth.ErrRevokedToken):
		return Errorf(CodeAuthFailed, "Access token revoked")
	case errors.Is(err, auth.ErrNoSharedSecret), errors.Is(err, auth.ErrInvalidSecret):
		return Errorf(CodeAuthFailed, "%s", err.Error())
	default:
		return Errorf(CodeAuthFailed, "Invalid access token")
	}
}
