// ABOUTME: Generic HTTP provider for API calls and JSON chat endpoints
// ABOUTME: Retries 429 and 503 responses with capped exponential backoff

package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"
)

// TypeHTTP is the HTTP provider type.
const TypeHTTP = "http"

const (
	defaultHTTPTimeout   = 30 * time.Second
	defaultHTTPRetries   = 4
	defaultRetryBase     = time.Second
	maxRetryDelay        = 8 * time.Second
	maxResponseBodyBytes = 10 << 20
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// HTTP calls a configured base URL.
//
// Config keys: base_url (required), allow_absolute_url, default_headers,
// request_timeout_seconds, max_retries, retry_base_ms, chat_path,
// content_path and usage_path (gjson paths into the chat response).
type HTTP struct {
	name           string
	baseURL        string
	allowAbsolute  bool
	defaultHeaders map[string]string
	timeout        time.Duration
	maxRetries     int
	retryBase      time.Duration
	chatPath       string
	contentPath    string
	usagePath      string
	client         *http.Client
}

// NewHTTP builds an HTTP provider.
func NewHTTP(name string, config map[string]any) (Provider, error) {
	h := &HTTP{
		name:           name,
		baseURL:        strings.TrimSpace(configString(config, "base_url")),
		allowAbsolute:  configBool(config, "allow_absolute_url"),
		defaultHeaders: configStringMap(config, "default_headers"),
		timeout:        time.Duration(configInt(config, "request_timeout_seconds", 0)) * time.Second,
		maxRetries:     configInt(config, "max_retries", defaultHTTPRetries),
		retryBase:      time.Duration(configInt(config, "retry_base_ms", 0)) * time.Millisecond,
		chatPath:       configString(config, "chat_path"),
		contentPath:    configString(config, "content_path"),
		usagePath:      configString(config, "usage_path"),
		client:         cleanhttp.DefaultPooledClient(),
	}
	if h.timeout <= 0 {
		h.timeout = defaultHTTPTimeout
	}
	if h.retryBase <= 0 {
		h.retryBase = defaultRetryBase
	}
	if h.chatPath == "" {
		h.chatPath = "/chat"
	}
	if h.contentPath == "" {
		h.contentPath = "content"
	}
	if h.usagePath == "" {
		h.usagePath = "usage"
	}
	return h, nil
}

func (h *HTTP) Name() string { return h.name }
func (h *HTTP) Type() string { return TypeHTTP }

// ValidateConfig requires an absolute http(s) base_url.
func (h *HTTP) ValidateConfig() error {
	if h.baseURL == "" {
		return configError("HTTP provider requires base_url")
	}
	u, err := url.Parse(h.baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return configError("HTTP provider base_url must be a valid http(s) URL")
	}
	if h.maxRetries < 0 {
		return configError("max_retries must not be negative")
	}
	return nil
}

func (h *HTTP) resolveURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.IsAbs() && u.Host != "" {
		if !h.allowAbsolute {
			return "", fmt.Errorf("absolute URLs are disabled for this HTTP provider")
		}
		return raw, nil
	}
	return strings.TrimRight(h.baseURL, "/") + "/" + strings.TrimLeft(raw, "/"), nil
}

type httpResponse struct {
	status int
	body   []byte
}

// do sends one request, retrying rate limits and unavailability.
func (h *HTTP) do(ctx context.Context, method, target string, headers map[string]string, body any) (httpResponse, error) {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return httpResponse{}, fmt.Errorf("encoding request body: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(uint64(h.maxRetries),
		retry.WithCappedDuration(maxRetryDelay, retry.NewExponential(h.retryBase)))

	var resp httpResponse
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()

		var reader io.Reader
		if encoded != nil {
			reader = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		for k, v := range h.defaultHeaders {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if encoded != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("HTTP request failed: %w", err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBodyBytes))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("rate limit reached, retry later"))
		case res.StatusCode == http.StatusServiceUnavailable:
			return retry.RetryableError(fmt.Errorf("provider temporarily unavailable (503)"))
		case res.StatusCode >= 400:
			return fmt.Errorf("HTTP %d for %s %s: %s", res.StatusCode, method, target, truncate(string(raw), 200))
		}

		resp = httpResponse{status: res.StatusCode, body: raw}
		return nil
	})
	return resp, err
}

// RunAPICall performs req against the base URL.
func (h *HTTP) RunAPICall(ctx context.Context, req APIRequest) (map[string]any, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, fmt.Errorf("method %q is not allowed", method)
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("HTTP provider request url is required")
	}
	target, err := h.resolveURL(strings.TrimSpace(req.URL))
	if err != nil {
		return nil, err
	}

	resp, err := h.do(ctx, method, target, req.Headers, req.Body)
	if err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		payload = map[string]any{"text": string(resp.body)}
	}
	return map[string]any{
		"provider":    h.name,
		"method":      method,
		"url":         target,
		"status_code": resp.status,
		"payload":     payload,
	}, nil
}

// Chat posts {prompt, model, max_tokens, temperature} to chat_path and
// reads the reply at content_path.
func (h *HTTP) Chat(ctx context.Context, prompt string, opts ChatOptions) (ChatResult, error) {
	target, err := h.resolveURL(h.chatPath)
	if err != nil {
		return ChatResult{}, err
	}
	body := map[string]any{"prompt": prompt}
	if opts.Model != "" {
		body["model"] = opts.Model
	}
	if opts.MaxTokens > 0 {
		body["max_tokens"] = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		body["temperature"] = opts.Temperature
	}

	resp, err := h.do(ctx, http.MethodPost, target, nil, body)
	if err != nil {
		return ChatResult{}, err
	}

	content := gjson.GetBytes(resp.body, h.contentPath)
	if !content.Exists() {
		return ChatResult{}, fmt.Errorf("chat response has no value at %q", h.contentPath)
	}
	usage := gjson.GetBytes(resp.body, h.usagePath)
	return ChatResult{
		Content: content.String(),
		Usage: Usage{
			InputTokens:  int(usage.Get("input_tokens").Int()),
			OutputTokens: int(usage.Get("output_tokens").Int()),
		},
	}, nil
}

// RunCLI is not supported over HTTP.
func (h *HTTP) RunCLI(ctx context.Context, command string) (CLIResult, error) {
	return CLIResult{}, fmt.Errorf("%w: run_cli on %s", ErrUnsupported, TypeHTTP)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
