// Package lock provides the per-order mutual-exclusion lock used by the
// acceptance path. The lock arbitrates, it does not own data: at most one
// live lock exists per order id, and a leftover lock self-heals via TTL.
package lock

import (
	"context"
	"sync"
	"time"
)

// Manager is a non-blocking try-lock keyed by order id.
type Manager interface {
	// TryLock attempts to acquire the order lock for holder. It returns
	// false on contention; contention is an expected outcome, not an
	// error.
	TryLock(ctx context.Context, orderID, holder string, ttl time.Duration) (bool, error)
	// Unlock releases the lock if holder still owns it. Releasing a lock
	// held by someone else is a no-op.
	Unlock(ctx context.Context, orderID, holder string) error
}

type memEntry struct {
	holder  string
	expires time.Time
}

// MemLock is an in-process Manager with the same TTL semantics as the
// Redis implementation.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]memEntry
	now   func() time.Time
}

func NewMemLock() *MemLock {
	return &MemLock{locks: make(map[string]memEntry), now: time.Now}
}

// SetNow overrides the clock, for tests.
func (m *MemLock) SetNow(now func() time.Time) { m.now = now }

func (m *MemLock) TryLock(_ context.Context, orderID, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.locks[orderID]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.locks[orderID] = memEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemLock) Unlock(_ context.Context, orderID, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[orderID]; ok && e.holder == holder {
		delete(m.locks, orderID)
	}
	return nil
}
