// ABOUTME: Wire envelope types and constructors for challenge, res, error and event frames
// ABOUTME: Timestamps on the wire are unix milliseconds

package protocol

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Version is the protocol version this server speaks.
const Version = 3

// Frame types.
const (
	TypeChallenge = "connect.challenge"
	TypeConnect   = "connect"
	TypeRequest   = "req"
	TypeResponse  = "res"
	TypeError     = "error"
	TypeEvent     = "event"
)

// MethodConnect is the request-form connect method.
const MethodConnect = "connect"

// Challenge is the first frame the server sends.
type Challenge struct {
	Type       string `json:"type"`
	Protocol   int    `json:"protocol"`
	Nonce      string `json:"nonce"`
	ServerTime int64  `json:"server_time"`
}

// ClientInfo describes the connecting client.
type ClientInfo struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	DisplayName     string `json:"display_name,omitempty"`
	Version         string `json:"version"`
	Platform        string `json:"platform,omitempty"`
	DeviceFamily    string `json:"device_family,omitempty"`
	ModelIdentifier string `json:"model_identifier,omitempty"`
	Mode            string `json:"mode,omitempty"`
	InstanceID      string `json:"instance_id,omitempty"`
}

// DeviceInfo is the optional device identity a client presents.
type DeviceInfo struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature,omitempty"`
	SignedAt  string `json:"signed_at,omitempty"`
}

func (c *ClientInfo) applyDefaults() {
	if c.Name == "" {
		c.Name = "unknown"
	}
	if c.Version == "" {
		c.Version = "0"
	}
}

// Request is a client RPC.
type Request struct {
	Type           string         `json:"type"`
	ID             string         `json:"id"`
	Method         string         `json:"method"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// Response answers a Request.
type Response struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result"`
}

// ErrorMessage is the error frame.
type ErrorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Event is an uncorrelated server push.
type Event struct {
	Type         string         `json:"type"`
	Event        string         `json:"event"`
	Data         map[string]any `json:"data"`
	TS           int64          `json:"ts"`
	Seq          uint64         `json:"seq,omitempty"`
	StateVersion uint64         `json:"state_version,omitempty"`
}

// NewNonce returns 24 random bytes encoded as unpadded base64url.
func NewNonce() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// NewChallenge builds the challenge frame.
func NewChallenge(nonce string, now time.Time) Challenge {
	return Challenge{Type: TypeChallenge, Protocol: Version, Nonce: nonce, ServerTime: now.UnixMilli()}
}

// NewResponse builds a successful res frame.
func NewResponse(id string, result any) Response {
	if result == nil {
		result = map[string]any{}
	}
	return Response{Type: TypeResponse, ID: id, OK: true, Result: result}
}

// NewError builds an error frame from e.
func NewError(e *Error) ErrorMessage {
	return ErrorMessage{Type: TypeError, ID: e.ID, Code: e.Code, Message: e.Message}
}

// NewEvent builds an event frame. Seq is stamped by the connection.
func NewEvent(event string, data map[string]any, ts time.Time) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: TypeEvent, Event: event, Data: data, TS: ts.UnixMilli()}
}
