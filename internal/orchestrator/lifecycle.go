// ABOUTME: Task lifecycle transitions and the errors Execute reports
// ABOUTME: Terminal states are sinks; only pending tasks may be claimed

package orchestrator

import (
	"errors"

	"github.com/2389/agent-gateway/internal/store"
)

var (
	// ErrTerminal is returned when executing a task that already finished.
	ErrTerminal = errors.New("task already finished")

	// ErrAlreadyClaimed is returned when another worker owns the task.
	ErrAlreadyClaimed = errors.New("task already claimed")
)

var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskStatusPending:    {store.TaskStatusInProgress},
	store.TaskStatusInProgress: {store.TaskStatusSuccess, store.TaskStatusFailed},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to store.TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
