package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/example/order-dispatch/internal/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := &models.Order{ID: "o1", PassengerID: "p1", Status: models.StatusPending, Kind: models.KindImmediate}
	if err := s.Insert(ctx, o); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetByID(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	// mutations on the returned copy must not leak into the store
	got.Status = models.StatusCancelled
	again, _ := s.GetByID(ctx, "o1")
	if again.Status != models.StatusPending {
		t.Fatal("store must hand out copies")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, &models.Order{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Insert(ctx, &models.Order{ID: "a", Status: models.StatusScheduled})
	s.Insert(ctx, &models.Order{ID: "b", Status: models.StatusPending})
	s.Insert(ctx, &models.Order{ID: "c", Status: models.StatusScheduled})
	got, err := s.ListByStatus(ctx, models.StatusScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 scheduled, got %d", len(got))
	}
}

func TestHasActiveByPassenger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Insert(ctx, &models.Order{ID: "done", PassengerID: "p1", Status: models.StatusCompleted})
	s.Insert(ctx, &models.Order{ID: "gone", PassengerID: "p1", Status: models.StatusCancelled})

	active, err := s.HasActiveByPassenger(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Fatal("terminal orders must not count as active")
	}

	s.Insert(ctx, &models.Order{ID: "live", PassengerID: "p1", Status: models.StatusAssigned})
	active, _ = s.HasActiveByPassenger(ctx, "p1")
	if !active {
		t.Fatal("assigned order must count as active")
	}
	active, _ = s.HasActiveByPassenger(ctx, "p2")
	if active {
		t.Fatal("other passengers are unaffected")
	}
}
