// Package runnerack implements the two-phase handshake between the
// scheduler and an executing runner: a dispatch attempt claims a
// pending job for exactly one runner manager, heartbeats keep the
// claim alive and acknowledgment (or cancellation) clears it. The
// claim lives in an ephemeral keyed store with a bounded TTL, so a
// runner that vanishes releases the job implicitly.
package runnerack

import (
	"context"
	"sync"
	"time"
)

// KV is the ephemeral keyed store the protocol runs on. SetNX writes
// only when the key is absent, applying the TTL. CompareAndRefresh
// extends the TTL only while the key still holds the given value, in
// one atomic step, so a refresh can never clobber a claim that expired
// and was re-taken in between. Infrastructure failures propagate to
// callers uncaught: the protocol never degrades silently to "no dedup".
type KV interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndRefresh(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryKV is an in-process KV with TTL expiry, used in tests and in
// embedded single-process deployments.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryKV creates an empty in-process KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryKV) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

// SetNX writes the key only when absent (or expired).
func (m *MemoryKV) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return true, nil
}

// CompareAndRefresh extends the TTL when the key still holds the given
// value.
func (m *MemoryKV) CompareAndRefresh(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok || e.value != value {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expires: m.now().Add(ttl)}
	return true, nil
}

// Get returns the key's value; the second return is false when the key
// is absent or expired.
func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Del removes the key; a missing key is not an error.
func (m *MemoryKV) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}
