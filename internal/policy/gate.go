// ABOUTME: Store-backed policy gate for direct-message admission checks
// ABOUTME: Resolves agent policy and pairing state before calling Evaluate

package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/agent-gateway/internal/store"
)

// DefaultChannel is used for the pairing lookup when a check names none.
const DefaultChannel = "telegram"

// ErrAgentRequired is returned when a check names no agent.
var ErrAgentRequired = errors.New("agent_id is required")

// AgentLookup loads agent settings.
type AgentLookup interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
}

// PairingLookup finds active pairings.
type PairingLookup interface {
	FindActivePairing(ctx context.Context, q store.PairingQuery) (*store.PairedDevice, error)
}

// CheckRequest describes one inbound message to admit or reject.
type CheckRequest struct {
	AgentID      string
	Channel      string
	SenderID     *int64
	DeviceID     string
	AccountID    string
	Peer         string
	IsGroup      bool
	BotMentioned bool

	// GroupRequiresMention overrides the agent's setting when set.
	GroupRequiresMention *bool
}

// CheckResult is a decision plus the state it was computed from.
type CheckResult struct {
	Allowed bool     `json:"allowed"`
	Reason  Reason   `json:"reason"`
	Paired  bool     `json:"paired"`
	Policy  DMPolicy `json:"policy"`
}

// Gate evaluates policy against stored agents and pairings.
type Gate struct {
	agents   AgentLookup
	pairings PairingLookup
}

// NewGate creates a gate.
func NewGate(agents AgentLookup, pairings PairingLookup) *Gate {
	return &Gate{agents: agents, pairings: pairings}
}

// Check loads the agent and pairing state and evaluates the policy.
func (g *Gate) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if req.AgentID == "" {
		return CheckResult{}, ErrAgentRequired
	}

	agent, err := g.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return CheckResult{}, fmt.Errorf("loading agent: %w", err)
	}

	pol, err := ParseDMPolicy(agent.DMPolicy)
	if err != nil {
		return CheckResult{}, fmt.Errorf("agent %s: %w", agent.ID, err)
	}

	paired, err := g.paired(ctx, req)
	if err != nil {
		return CheckResult{}, err
	}

	requiresMention := agent.GroupRequiresMention
	if req.GroupRequiresMention != nil {
		requiresMention = *req.GroupRequiresMention
	}

	d := Evaluate(Input{
		Policy:               pol,
		SenderID:             req.SenderID,
		AllowList:            agent.AllowedUserIDs,
		Paired:               paired,
		IsGroup:              req.IsGroup,
		BotMentioned:         req.BotMentioned,
		GroupRequiresMention: requiresMention,
	})

	return CheckResult{Allowed: d.Allowed, Reason: d.Reason, Paired: paired, Policy: pol}, nil
}

func (g *Gate) paired(ctx context.Context, req CheckRequest) (bool, error) {
	q := store.PairingQuery{
		Channel:   req.Channel,
		DeviceID:  req.DeviceID,
		AccountID: req.AccountID,
		Peer:      req.Peer,
	}
	if q.Channel == "" {
		q.Channel = DefaultChannel
	}
	if q.IsEmpty() {
		return false, nil
	}

	_, err := g.pairings.FindActivePairing(ctx, q)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("looking up pairing: %w", err)
	}
	return true, nil
}
