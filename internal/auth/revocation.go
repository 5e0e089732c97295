// ABOUTME: Thread-safe in-memory blacklist of revoked token ids
// ABOUTME: Entries live until the token's own expiry, then a background sweep drops them

package auth

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxRevocations bounds the blacklist size.
const DefaultMaxRevocations = 10000

type revocationEntry struct {
	expiresAt time.Time
	element   *list.Element
}

// Revocations tracks revoked jti values. When full, the entry added
// longest ago is evicted.
type Revocations struct {
	mu      sync.RWMutex
	entries map[string]*revocationEntry
	order   *list.List // jti in insertion order (oldest at front)
	maxSize int
	now     func() time.Time
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewRevocations creates a blacklist pruned every interval. An interval
// of zero disables the background sweep; call Prune directly.
func NewRevocations(maxSize int, interval time.Duration) *Revocations {
	if maxSize <= 0 {
		maxSize = DefaultMaxRevocations
	}
	r := &Revocations{
		entries: make(map[string]*revocationEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if interval > 0 {
		r.wg.Add(1)
		go r.cleanup(interval)
	}
	return r
}

// Revoke blacklists jti until expiresAt.
func (r *Revocations) Revoke(jti string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[jti]; ok {
		entry.expiresAt = expiresAt
		r.order.MoveToBack(entry.element)
		return
	}

	if len(r.entries) >= r.maxSize {
		if front := r.order.Front(); front != nil {
			key, _ := front.Value.(string)
			r.order.Remove(front)
			delete(r.entries, key)
		}
	}

	r.entries[jti] = &revocationEntry{
		expiresAt: expiresAt,
		element:   r.order.PushBack(jti),
	}
}

// IsRevoked reports whether jti is blacklisted and not yet expired.
func (r *Revocations) IsRevoked(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[jti]
	return ok && r.now().Before(entry.expiresAt)
}

// Len returns the number of tracked entries, expired or not.
func (r *Revocations) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Prune removes expired entries and returns how many were removed.
func (r *Revocations) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for jti, entry := range r.entries {
		if !now.Before(entry.expiresAt) {
			r.order.Remove(entry.element)
			delete(r.entries, jti)
			n++
		}
	}
	return n
}

func (r *Revocations) cleanup(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Prune()
		case <-r.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *Revocations) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
}
