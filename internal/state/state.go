// Package state holds the per-order dispatch bookkeeping: the notified
// set (the sole dedupe gate for offers), the per-order blacklist, the
// durable pending-order set, retry telemetry, and per-driver reject
// counters. All of it is ephemeral relative to the order store and is
// discarded when an order reaches a terminal status.
package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is implemented by the Redis store in production and the memory
// store in tests. AddNotified must be an atomic add-if-absent: only the
// caller that performs the first successful insert may push the offer.
type Store interface {
	AddNotified(ctx context.Context, orderID, driverID string) (bool, error)
	WasNotified(ctx context.Context, orderID, driverID string) (bool, error)

	AddBlacklist(ctx context.Context, orderID, driverID string) error
	IsBlacklisted(ctx context.Context, orderID, driverID string) (bool, error)

	AddPending(ctx context.Context, orderID string) error
	RemovePending(ctx context.Context, orderID string) error
	// PendingOrders returns pending order ids oldest first, dropping
	// entries older than the pending TTL.
	PendingOrders(ctx context.Context) ([]string, error)

	InitRetry(ctx context.Context, orderID string) error
	RecordRetry(ctx context.Context, orderID string, round int) error
	ClearRetry(ctx context.Context, orderID string) error

	IncrReject(ctx context.Context, driverID string) (int64, error)
	RejectCount(ctx context.Context, driverID string) (int64, error)

	SetCurrentOrder(ctx context.Context, driverID, orderID string) error
	ClearCurrentOrder(ctx context.Context, driverID string) error
	CurrentOrder(ctx context.Context, driverID string) (string, error)

	// ClearOrder discards the notified set, blacklist, and retry info
	// once the order leaves the dispatchable state for good.
	ClearOrder(ctx context.Context, orderID string) error
}

// Memory is an in-process Store mirroring the Redis key semantics.
type Memory struct {
	mu         sync.Mutex
	notified   map[string]map[string]bool
	blacklist  map[string]map[string]bool
	pending    map[string]time.Time
	retry      map[string]retryInfo
	rejects    map[string]int64
	current    map[string]string
	pendingTTL time.Duration
	now        func() time.Time
}

type retryInfo struct {
	count     int
	createdAt time.Time
	lastAt    time.Time
}

func NewMemory(pendingTTL time.Duration) *Memory {
	return &Memory{
		notified:   make(map[string]map[string]bool),
		blacklist:  make(map[string]map[string]bool),
		pending:    make(map[string]time.Time),
		retry:      make(map[string]retryInfo),
		rejects:    make(map[string]int64),
		current:    make(map[string]string),
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (m *Memory) SetNow(now func() time.Time) { m.now = now }

func (m *Memory) AddNotified(_ context.Context, orderID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.notified[orderID]
	if set == nil {
		set = make(map[string]bool)
		m.notified[orderID] = set
	}
	if set[driverID] {
		return false, nil
	}
	set[driverID] = true
	return true, nil
}

func (m *Memory) WasNotified(_ context.Context, orderID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notified[orderID][driverID], nil
}

func (m *Memory) AddBlacklist(_ context.Context, orderID, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.blacklist[orderID]
	if set == nil {
		set = make(map[string]bool)
		m.blacklist[orderID] = set
	}
	set[driverID] = true
	return nil
}

func (m *Memory) IsBlacklisted(_ context.Context, orderID, driverID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blacklist[orderID][driverID], nil
}

func (m *Memory) AddPending(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[orderID]; !ok {
		m.pending[orderID] = m.now()
	}
	return nil
}

func (m *Memory) RemovePending(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, orderID)
	return nil
}

func (m *Memory) PendingOrders(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.pendingTTL)
	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for id, at := range m.pending {
		if at.Before(cutoff) {
			delete(m.pending, id)
			continue
		}
		entries = append(entries, entry{id, at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out, nil
}

func (m *Memory) InitRetry(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.retry[orderID] = retryInfo{count: 0, createdAt: now, lastAt: now}
	return nil
}

func (m *Memory) RecordRetry(_ context.Context, orderID string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := m.retry[orderID]
	info.count = round + 1
	info.lastAt = m.now()
	m.retry[orderID] = info
	return nil
}

func (m *Memory) ClearRetry(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retry, orderID)
	return nil
}

func (m *Memory) IncrReject(_ context.Context, driverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[driverID]++
	return m.rejects[driverID], nil
}

func (m *Memory) RejectCount(_ context.Context, driverID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rejects[driverID], nil
}

func (m *Memory) SetCurrentOrder(_ context.Context, driverID, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[driverID] = orderID
	return nil
}

func (m *Memory) ClearCurrentOrder(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, driverID)
	return nil
}

func (m *Memory) CurrentOrder(_ context.Context, driverID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[driverID], nil
}

func (m *Memory) ClearOrder(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notified, orderID)
	delete(m.blacklist, orderID)
	delete(m.retry, orderID)
	delete(m.pending, orderID)
	return nil
}
