// ABOUTME: Direct-message policy evaluation deciding whether a sender may reach an agent
// ABOUTME: Evaluate is pure; Gate loads agent settings and pairing state first

package policy

import (
	"fmt"
	"slices"
)

// DMPolicy is an agent's direct-message admission mode.
type DMPolicy string

// Policies.
const (
	PolicyPairing   DMPolicy = "pairing"
	PolicyAllowlist DMPolicy = "allowlist"
	PolicyOpen      DMPolicy = "open"
	PolicyDisabled  DMPolicy = "disabled"
)

// ParseDMPolicy validates a stored policy name. Empty means pairing.
func ParseDMPolicy(s string) (DMPolicy, error) {
	switch p := DMPolicy(s); p {
	case "":
		return PolicyPairing, nil
	case PolicyPairing, PolicyAllowlist, PolicyOpen, PolicyDisabled:
		return p, nil
	default:
		return "", fmt.Errorf("unknown dm policy %q", s)
	}
}

// Reason explains a decision.
type Reason string

// Reasons.
const (
	ReasonMentionRequired      Reason = "mention_required"
	ReasonDMDisabled           Reason = "dm_disabled"
	ReasonOpenPolicy           Reason = "open_policy"
	ReasonAllowlist            Reason = "allowlist"
	ReasonSenderNotInAllowlist Reason = "sender_not_in_allowlist"
	ReasonPairedDevice         Reason = "paired_device"
	ReasonAllowlistedSender    Reason = "allowlisted_sender"
	ReasonPairingRequired      Reason = "pairing_required"
)

// Input is everything Evaluate looks at.
type Input struct {
	Policy               DMPolicy
	SenderID             *int64
	AllowList            []int64
	Paired               bool
	IsGroup              bool
	BotMentioned         bool
	GroupRequiresMention bool
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Evaluate applies the rules in order: group mention gate, disabled, open,
// allowlist, then pairing (the default).
func Evaluate(in Input) Decision {
	if in.IsGroup && in.GroupRequiresMention && !in.BotMentioned {
		return Decision{Allowed: false, Reason: ReasonMentionRequired}
	}

	switch in.Policy {
	case PolicyDisabled:
		return Decision{Allowed: false, Reason: ReasonDMDisabled}
	case PolicyOpen:
		return Decision{Allowed: true, Reason: ReasonOpenPolicy}
	case PolicyAllowlist:
		if senderAllowed(in.SenderID, in.AllowList) {
			return Decision{Allowed: true, Reason: ReasonAllowlist}
		}
		return Decision{Allowed: false, Reason: ReasonSenderNotInAllowlist}
	}

	if in.Paired {
		return Decision{Allowed: true, Reason: ReasonPairedDevice}
	}
	if senderAllowed(in.SenderID, in.AllowList) {
		return Decision{Allowed: true, Reason: ReasonAllowlistedSender}
	}
	return Decision{Allowed: false, Reason: ReasonPairingRequired}
}

func senderAllowed(sender *int64, allow []int64) bool {
	return sender != nil && slices.Contains(allow, *sender)
}
