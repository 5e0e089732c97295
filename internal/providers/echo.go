// ABOUTME: Loopback provider that echoes its input, for development and tests
// ABOUTME: A configured "fail" message makes every call return that error

package providers

import (
	"context"
	"errors"
	"strings"
)

// TypeEcho is the echo provider type.
const TypeEcho = "echo"

// Echo returns its input without contacting anything.
type Echo struct {
	name   string
	prefix string
	fail   string
}

// NewEcho builds an echo provider. Config keys: prefix, fail.
func NewEcho(name string, config map[string]any) (Provider, error) {
	return &Echo{
		name:   name,
		prefix: configString(config, "prefix"),
		fail:   configString(config, "fail"),
	}, nil
}

func (e *Echo) Name() string          { return e.name }
func (e *Echo) Type() string          { return TypeEcho }
func (e *Echo) ValidateConfig() error { return nil }

func (e *Echo) err() error {
	if e.fail != "" {
		return errors.New(e.fail)
	}
	return nil
}

// Chat returns the prompt as content.
func (e *Echo) Chat(ctx context.Context, prompt string, opts ChatOptions) (ChatResult, error) {
	if err := e.err(); err != nil {
		return ChatResult{}, err
	}
	content := e.prefix + prompt
	return ChatResult{
		Content: content,
		Usage:   Usage{InputTokens: len(strings.Fields(prompt)), OutputTokens: len(strings.Fields(content))},
	}, nil
}

// RunCLI pretends the command succeeded and prints it.
func (e *Echo) RunCLI(ctx context.Context, command string) (CLIResult, error) {
	if err := e.err(); err != nil {
		return CLIResult{}, err
	}
	return CLIResult{Command: command, ReturnCode: 0, Stdout: e.prefix + command}, nil
}

// RunAPICall returns the request it was given.
func (e *Echo) RunAPICall(ctx context.Context, req APIRequest) (map[string]any, error) {
	if err := e.err(); err != nil {
		return nil, err
	}
	return map[string]any{
		"provider":    e.name,
		"method":      strings.ToUpper(req.Method),
		"url":         req.URL,
		"status_code": 200,
		"payload":     req.Body,
	}, nil
}
