// ABOUTME: Strict decoding of inbound connect and req frames
// ABOUTME: Malformed frames become invalid_connect or invalid_request errors

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectRequest is a decoded connect frame in either form.
type ConnectRequest struct {
	// ID is the req id for the request form; empty for the legacy form.
	ID          string
	Token       string
	Password    string
	Nonce       string
	Client      ClientInfo
	MinProtocol int
	MaxProtocol int
	Caps        []string

	// Role, Scopes, Commands and Permissions are what the client asks
	// for. The granted identity always comes from the credential.
	Role        string
	Scopes      []string
	Commands    []string
	Permissions []string
	Device      *DeviceInfo
	Protocol    string
	Locale      string
	UserAgent   string
}

// IsRequestForm reports whether the client used req{method:"connect"}.
func (c ConnectRequest) IsRequestForm() bool {
	return c.ID != ""
}

type legacyConnect struct {
	Type   string          `json:"type"`
	Token  string          `json:"token"`
	Nonce  string          `json:"nonce"`
	Client json.RawMessage `json:"client"`
}

type connectAuth struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

type connectParams struct {
	Token       string       `json:"token,omitempty"`
	Nonce       string       `json:"nonce,omitempty"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role,omitempty"`
	Scopes      []string     `json:"scopes,omitempty"`
	Caps        []string     `json:"caps,omitempty"`
	Commands    []string     `json:"commands,omitempty"`
	Permissions []string     `json:"permissions,omitempty"`
	Device      *DeviceInfo  `json:"device,omitempty"`
	Auth        *connectAuth `json:"auth,omitempty"`
	Protocol    string       `json:"protocol,omitempty"`
	MinProtocol int          `json:"min_protocol,omitempty"`
	MaxProtocol int          `json:"max_protocol,omitempty"`
	Locale      string       `json:"locale,omitempty"`
	UserAgent   string       `json:"user_agent,omitempty"`
}

type connectEnvelope struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// camelCase spellings accepted for connect fields.
var (
	paramAliases = map[string]string{
		"minProtocol": "min_protocol",
		"maxProtocol": "max_protocol",
		"userAgent":   "user_agent",
	}
	clientAliases = map[string]string{
		"displayName":     "display_name",
		"deviceFamily":    "device_family",
		"modelIdentifier": "model_identifier",
		"instanceId":      "instance_id",
	}
	deviceAliases = map[string]string{
		"publicKey": "public_key",
		"signedAt":  "signed_at",
	}
)

// canonicalKeys decodes a JSON object and renames alias keys. Giving a
// field under both spellings is an error.
func canonicalKeys(raw json.RawMessage, aliases map[string]string) (map[string]json.RawMessage, error) {
	var in map[string]json.RawMessage
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		if canon, ok := aliases[k]; ok {
			if _, dup := in[canon]; dup {
				return nil, fmt.Errorf("both %q and %q given", k, canon)
			}
			k = canon
		}
		out[k] = v
	}
	return out, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// normalizeConnectParams rewrites alias keys in params and in its
// client and device objects.
func normalizeConnectParams(raw json.RawMessage) ([]byte, error) {
	if isAbsent(raw) {
		return []byte("{}"), nil
	}
	params, err := canonicalKeys(raw, paramAliases)
	if err != nil {
		return nil, err
	}
	nested := map[string]map[string]string{"client": clientAliases, "device": deviceAliases}
	for field, aliases := range nested {
		v, ok := params[field]
		if !ok || isAbsent(v) {
			continue
		}
		obj, err := canonicalKeys(v, aliases)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", field, err)
		}
		if params[field], err = json.Marshal(obj); err != nil {
			return nil, err
		}
	}
	return json.Marshal(params)
}

func decodeLegacyClient(raw json.RawMessage) (ClientInfo, error) {
	var client ClientInfo
	if isAbsent(raw) {
		return client, nil
	}
	obj, err := canonicalKeys(raw, clientAliases)
	if err != nil {
		return client, err
	}
	canon, err := json.Marshal(obj)
	if err != nil {
		return client, err
	}
	err = json.Unmarshal(canon, &client)
	return client, err
}

type frameHeader struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after object")
	}
	return nil
}

// ParseConnect decodes a connect frame in the legacy or request form.
func ParseConnect(raw []byte) (ConnectRequest, error) {
	var hdr frameHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "malformed connect frame: %v", err)
	}

	switch {
	case hdr.Type == TypeRequest && hdr.Method == MethodConnect:
		return parseConnectRequest(raw)
	case hdr.Type == TypeConnect:
		return parseLegacyConnect(raw)
	default:
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "connect request required")
	}
}

func parseLegacyConnect(raw []byte) (ConnectRequest, error) {
	var msg legacyConnect
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "malformed connect frame: %v", err)
	}
	if msg.Token == "" {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "token is required")
	}
	if msg.Nonce == "" {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "nonce is required")
	}
	client, err := decodeLegacyClient(msg.Client)
	if err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "malformed connect client: %v", err)
	}
	client.applyDefaults()
	return ConnectRequest{Token: msg.Token, Nonce: msg.Nonce, Client: client}, nil
}

func parseConnectRequest(raw []byte) (ConnectRequest, error) {
	var env connectEnvelope
	if err := decodeStrict(raw, &env); err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "invalid connect request: %v", err)
	}
	if env.ID == "" {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "connect request id is required")
	}

	canon, err := normalizeConnectParams(env.Params)
	if err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "invalid connect params: %v", err).WithID(env.ID)
	}
	var p connectParams
	if err := decodeStrict(canon, &p); err != nil {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "invalid connect params: %v", err).WithID(env.ID)
	}
	req := ConnectRequest{
		ID:          env.ID,
		Token:       p.Token,
		Nonce:       p.Nonce,
		Client:      p.Client,
		MinProtocol: p.MinProtocol,
		MaxProtocol: p.MaxProtocol,
		Caps:        p.Caps,
		Role:        p.Role,
		Scopes:      p.Scopes,
		Commands:    p.Commands,
		Permissions: p.Permissions,
		Device:      p.Device,
		Protocol:    p.Protocol,
		Locale:      p.Locale,
		UserAgent:   p.UserAgent,
	}
	if p.Auth != nil {
		if req.Token == "" {
			req.Token = p.Auth.Token
		}
		req.Password = p.Auth.Password
	}
	if req.Token == "" && req.Password == "" {
		return ConnectRequest{}, Errorf(CodeInvalidConnect, "token or password is required").WithID(env.ID)
	}
	req.Client.applyDefaults()
	return req, nil
}

// ParseRequest decodes a req frame. Unknown fields are rejected. When
// the id could be read it is attached to the returned error.
func ParseRequest(raw []byte) (Request, error) {
	var req Request
	if err := decodeStrict(raw, &req); err != nil {
		var hdr frameHeader
		_ = json.Unmarshal(raw, &hdr)
		return Request{}, Errorf(CodeInvalidRequest, "invalid request: %v", err).WithID(hdr.ID)
	}
	if req.Type != TypeRequest {
		return Request{}, Errorf(CodeInvalidRequest, "expected frame type %q, got %q", TypeRequest, req.Type).WithID(req.ID)
	}
	if strings.TrimSpace(req.ID) == "" {
		return Request{}, Errorf(CodeInvalidRequest, "request id is required")
	}
	if strings.TrimSpace(req.Method) == "" {
		return Request{}, Errorf(CodeInvalidRequest, "request method is required").WithID(req.ID)
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	return req, nil
}
