// ABOUTME: Provider contract for the collaborators plugins run against
// ABOUTME: A registry maps provider types to factories that validate config on build

package providers

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var (
	// ErrUnsupported is returned by providers that do not implement an operation.
	ErrUnsupported = errors.New("operation not supported by provider")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid provider config")

	// ErrUnknownType is returned when no factory is registered for a type.
	ErrUnknownType = errors.New("unknown provider type")
)

// ChatOptions tune a chat call.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResult is a completed chat call.
type ChatResult struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// CLIResult is a completed command.
type CLIResult struct {
	Command        string `json:"command"`
	ResolvedScript string `json:"resolved_script,omitempty"`
	ReturnCode     int    `json:"returncode"`
	Stdout         string `json:"stdout"`
	Stderr         string `json:"stderr"`
}

// APIRequest is an outbound HTTP call made on a plugin's behalf.
type APIRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// Provider executes work for plugins.
type Provider interface {
	Name() string
	Type() string
	ValidateConfig() error
	Chat(ctx context.Context, prompt string, opts ChatOptions) (ChatResult, error)
	RunCLI(ctx context.Context, command string) (CLIResult, error)
	RunAPICall(ctx context.Context, req APIRequest) (map[string]any, error)
}

// Factory builds an unvalidated provider from stored config.
type Factory func(name string, config map[string]any) (Provider, error)

// Registry maps provider types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in echo, http and shell
// types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(TypeEcho, NewEcho)
	r.Register(TypeHTTP, NewHTTP)
	r.Register(TypeShell, NewShell)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(providerType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = f
}

// Types lists registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Build constructs a provider and validates its config.
func (r *Registry) Build(providerType, name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, providerType)
	}

	p, err := f(name, config)
	if err != nil {
		return nil, err
	}
	if err := p.ValidateConfig(); err != nil {
		return nil, err
	}
	return p, nil
}

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func configString(config map[string]any, key string) string {
	s, _ := config[key].(string)
	return s
}

func configBool(config map[string]any, key string) bool {
	b, _ := config[key].(bool)
	return b
}

// configInt accepts JSON numbers, which decode as float64.
func configInt(config map[string]any, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func configStrings(config map[string]any, key string) []string {
	switch v := config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func configStringMap(config map[string]any, key string) map[string]string {
	out := map[string]string{}
	switch v := config[key].(type) {
	case map[string]string:
		maps.Copy(out, v)
	case map[string]any:
		for k, item := range v {
			if s, ok := item.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
