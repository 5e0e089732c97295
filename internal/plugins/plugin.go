// ABOUTME: Plugin contract, registry and schema validation of plugin input
// ABOUTME: Definitions pair a compiled JSON Schema with a run function over a provider

package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/agent-gateway/internal/providers"
)

var (
	// ErrUnknownPlugin is returned when no definition is registered for a name.
	ErrUnknownPlugin = errors.New("unknown plugin")

	// ErrPermissionDenied is returned when a role may not run a plugin.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidInput is returned when input fails schema validation.
	ErrInvalidInput = errors.New("invalid plugin input")
)

// Plugin is a runnable unit bound to one provider.
type Plugin interface {
	Name() string
	CheckPermissions(role string) error
	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// RunFunc does the plugin's work on already validated input.
type RunFunc func(ctx context.Context, p providers.Provider, input map[string]any) (map[string]any, error)

// Definition describes a plugin type.
type Definition struct {
	Name   string
	Roles  []string // empty means any role
	Schema string   // JSON Schema document for the input
	Run    RunFunc
}

type compiled struct {
	def    Definition
	schema *jsonschema.Schema
}

// Registry holds plugin definitions by name.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]compiled
}

// NewRegistry returns a registry with the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]compiled)}
	for _, def := range builtins() {
		if err := r.Register(def); err != nil {
			panic(fmt.Sprintf("plugins: built-in %s: %v", def.Name, err))
		}
	}
	return r
}

// Register compiles def's schema and adds it, replacing any previous
// definition with the same name.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if def.Run == nil {
		return fmt.Errorf("plugin %s has no run function", def.Name)
	}
	schema, err := compileSchema(def.Name, def.Schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = compiled{def: def, schema: schema}
	return nil
}

// Names lists registered plugins, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.defs))
}

// Build binds the named plugin to provider.
func (r *Registry) Build(name string, provider providers.Provider) (Plugin, error) {
	r.mu.RLock()
	c, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}
	return &instance{compiled: c, provider: provider}, nil
}

type instance struct {
	compiled
	provider providers.Provider
}

func (i *instance) Name() string { return i.def.Name }

func (i *instance) CheckPermissions(role string) error {
	if len(i.def.Roles) > 0 && !slices.Contains(i.def.Roles, role) {
		return fmt.Errorf("%w: Role '%s' cannot execute plugin '%s'", ErrPermissionDenied, role, i.def.Name)
	}
	return nil
}

func (i *instance) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := i.validate(input); err != nil {
		return nil, err
	}
	return i.def.Run(ctx, i.provider, input)
}

// validate re-decodes input so numbers reach the validator as json.Number.
func (i *instance) validate(input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("%w: Invalid input for %s: %v", ErrInvalidInput, i.def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: Invalid input for %s: %v", ErrInvalidInput, i.def.Name, err)
	}
	if err := i.schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: Invalid input for %s: %s", ErrInvalidInput, i.def.Name, validationMessage(err))
	}
	return nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	if strings.TrimSpace(src) == "" {
		src = `{"type":"object"}`
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parsing %s schema: %w", name, err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("adding %s schema: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling %s schema: %w", name, err)
	}
	return schema, nil
}

// validationMessage flattens the validator's multi-line report into the
// individual causes.
func validationMessage(err error) string {
	var causes []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if cause, ok := strings.CutPrefix(line, "- "); ok {
			causes = append(causes, cause)
		}
	}
	if len(causes) == 0 {
		return err.Error()
	}
	return strings.Join(causes, "; ")
}

func builtins() []Definition {
	return []Definition{
		testDefinition(),
		customAPIDefinition(),
		translationDefinition(),
		documentationDefinition(),
	}
}

// chatContent returns a chat reply, failing on an empty one.
func chatContent(ctx context.Context, p providers.Provider, prompt string) (string, error) {
	res, err := p.Chat(ctx, prompt, providers.ChatOptions{})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(res.Content) == "" {
		return "", fmt.Errorf("provider %s returned an empty reply", p.Name())
	}
	return res.Content, nil
}
