// ABOUTME: Shell provider that runs allow-listed scripts with a timeout
// ABOUTME: Commands are split with shell quoting rules and never passed to a shell

package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// TypeShell is the shell provider type.
const TypeShell = "shell"

const (
	defaultScriptsDir = "/app/scripts"
	defaultCLITimeout = 600 * time.Second
)

// ErrScriptNotAllowed is returned for commands outside allowed_scripts.
var ErrScriptNotAllowed = errors.New("script is not allowed")

// Shell runs scripts from scripts_dir.
//
// Config keys: allowed_scripts (required), scripts_dir, cli_timeout_seconds.
type Shell struct {
	name       string
	allowed    []string
	scriptsDir string
	timeout    time.Duration
}

// NewShell builds a shell provider.
func NewShell(name string, config map[string]any) (Provider, error) {
	s := &Shell{
		name:       name,
		allowed:    configStrings(config, "allowed_scripts"),
		scriptsDir: configString(config, "scripts_dir"),
		timeout:    time.Duration(configInt(config, "cli_timeout_seconds", 0)) * time.Second,
	}
	if s.scriptsDir == "" {
		s.scriptsDir = defaultScriptsDir
	}
	if s.timeout <= 0 {
		s.timeout = defaultCLITimeout
	}
	return s, nil
}

func (s *Shell) Name() string { return s.name }
func (s *Shell) Type() string { return TypeShell }

// ValidateConfig requires a non-empty allow-list of plain script names.
func (s *Shell) ValidateConfig() error {
	if len(s.allowed) == 0 {
		return configError("shell provider requires a non-empty allowed_scripts list")
	}
	for _, name := range s.allowed {
		if strings.TrimSpace(name) == "" || filepath.Base(name) != name {
			return configError("allowed_scripts entry %q must be a bare file name", name)
		}
	}
	return nil
}

// RunCLI runs command after checking its script against the allow-list.
func (s *Shell) RunCLI(ctx context.Context, command string) (CLIResult, error) {
	args, err := splitCommand(command)
	if err != nil {
		return CLIResult{}, err
	}
	if len(args) == 0 {
		return CLIResult{}, fmt.Errorf("command is empty")
	}
	script := filepath.Base(args[0])
	if !slices.Contains(s.allowed, script) {
		return CLIResult{}, fmt.Errorf("%w: %s", ErrScriptNotAllowed, script)
	}

	resolved, err := s.resolveScript(script)
	if err != nil {
		return CLIResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, resolved, args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	result := CLIResult{Command: command, ResolvedScript: resolved}
	err = cmd.Run()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command timed out after %s", s.timeout)
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ReturnCode = 0
	case errors.As(err, &exitErr):
		result.ReturnCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("running %s: %w", script, err)
	}
	return result, nil
}

func (s *Shell) resolveScript(script string) (string, error) {
	candidates := []string{filepath.Join(s.scriptsDir, script)}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(wd, "scripts", script))
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("script %s not found in %s", script, s.scriptsDir)
}

// Chat is not supported by the shell provider.
func (s *Shell) Chat(ctx context.Context, prompt string, opts ChatOptions) (ChatResult, error) {
	return ChatResult{}, fmt.Errorf("%w: chat on %s", ErrUnsupported, TypeShell)
}

// RunAPICall is not supported by the shell provider.
func (s *Shell) RunAPICall(ctx context.Context, req APIRequest) (map[string]any, error) {
	return nil, fmt.Errorf("%w: run_api_call on %s", ErrUnsupported, TypeShell)
}

// splitCommand splits on whitespace honoring single quotes, double quotes
// and backslash escapes.
func splitCommand(command string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)
	for _, r := range command {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 || escaped {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
