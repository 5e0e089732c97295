// ABOUTME: Binding resolver that picks the most specific channel-to-agent rule
// ABOUTME: Scoring is pure; Resolver loads candidates from the binding store

package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/agent-gateway/internal/store"
)

// ErrChannelRequired is returned when a resolution request names no channel.
var ErrChannelRequired = errors.New("channel is required")

// Request describes an inbound message to route. Empty strings mean the
// field is absent.
type Request struct {
	Channel   string
	AccountID string
	Peer      string
	BotID     string
}

// Match is a selected binding and the specificity it scored.
type Match struct {
	Binding     *store.Binding
	Specificity int
}

// Score reports whether b can serve req and how specific it is. A binding
// that declares an account or peer different from the request's is
// eliminated. Otherwise each declared account adds 2 and each declared peer
// adds 1.
func Score(b *store.Binding, req Request) (int, bool) {
	specificity := 0
	if b.AccountID != nil {
		if *b.AccountID != req.AccountID {
			return 0, false
		}
		specificity += 2
	}
	if b.Peer != nil {
		if *b.Peer != req.Peer {
			return 0, false
		}
		specificity++
	}
	return specificity, true
}

// Select returns the best candidate for req. Candidates are ranked by
// specificity, then priority, then creation time, then id, all descending.
// It does not filter by channel or active flag; callers pass candidates
// already narrowed to those.
func Select(candidates []*store.Binding, req Request) (Match, bool) {
	var best Match
	found := false
	for _, b := range candidates {
		spec, ok := Score(b, req)
		if !ok {
			continue
		}
		m := Match{Binding: b, Specificity: spec}
		if !found || compareMatch(m, best) > 0 {
			best = m
			found = true
		}
	}
	return best, found
}

func compareMatch(a, b Match) int {
	if c := cmp.Compare(a.Specificity, b.Specificity); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Binding.Priority, b.Binding.Priority); c != 0 {
		return c
	}
	if c := a.Binding.CreatedAt.Compare(b.Binding.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Binding.ID, b.Binding.ID)
}

// BindingLister loads the active bindings of a channel.
type BindingLister interface {
	ListActiveBindings(ctx context.Context, channel string) ([]*store.Binding, error)
}

// Resolver selects bindings from durable storage.
type Resolver struct {
	bindings BindingLister
}

// NewResolver creates a resolver over the given binding source.
func NewResolver(bindings BindingLister) *Resolver {
	return &Resolver{bindings: bindings}
}

// Resolve loads the channel's active bindings and selects the best match.
// When req names a bot, only bindings for that bot and bot-agnostic
// bindings are considered.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Match, bool, error) {
	if req.Channel == "" {
		return Match{}, false, ErrChannelRequired
	}

	candidates, err := r.bindings.ListActiveBindings(ctx, req.Channel)
	if err != nil {
		return Match{}, false, fmt.Errorf("loading bindings: %w", err)
	}

	if req.BotID != "" {
		candidates = slices.DeleteFunc(candidates, func(b *store.Binding) bool {
			return b.BotID != nil && *b.BotID != req.BotID
		})
	}

	m, ok := Select(candidates, req)
	return m, ok, nil
}
