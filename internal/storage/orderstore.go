package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/order-dispatch/internal/models"
)

var ErrNotFound = errors.New("order not found")

// OrderStore defines persistence operations for orders. It carries no
// business logic; the dispatch engine decides, the store persists.
type OrderStore interface {
	Insert(ctx context.Context, o *models.Order) error
	GetByID(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, o *models.Order) error
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Order, error)
	HasActiveByPassenger(ctx context.Context, passengerID string) (bool, error)
}

// MemoryStore is the in-process OrderStore for local runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]models.Order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]models.Order)}
}

func (m *MemoryStore) Insert(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = *o
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	o.UpdatedAt = time.Now()
	m.orders[o.ID] = *o
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status models.Status) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Status == status {
			cp := o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasActiveByPassenger(_ context.Context, passengerID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if o.PassengerID == passengerID && !o.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
