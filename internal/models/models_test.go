package models

import "testing"

func TestCoordValidate(t *testing.T) {
	cases := []struct {
		name string
		c    Coord
		ok   bool
	}{
		{"valid", Coord{Lat: 39.9, Lon: 116.4}, true},
		{"max lat", Coord{Lat: MaxLat, Lon: 0}, true},
		{"lat too high", Coord{Lat: 86, Lon: 0}, false},
		{"lat too low", Coord{Lat: -86, Lon: 0}, false},
		{"lon too high", Coord{Lat: 0, Lon: 181}, false},
		{"lon too low", Coord{Lat: 0, Lon: -181}, false},
		{"swapped beijing", Coord{Lat: 116.4, Lon: 39.9}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusScheduled, StatusPending},
		{StatusScheduled, StatusAssigned},
		{StatusScheduled, StatusCancelled},
		{StatusPending, StatusPending},
		{StatusPending, StatusAssigned},
		{StatusPending, StatusCancelled},
		{StatusAssigned, StatusPickup},
		{StatusAssigned, StatusPending},
		{StatusAssigned, StatusCancelled},
		{StatusPickup, StatusInProgress},
		{StatusPickup, StatusPending},
		{StatusInProgress, StatusCompleted},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be allowed", tr.from, tr.to)
		}
	}
	denied := []struct{ from, to Status }{
		{StatusScheduled, StatusInProgress},
		{StatusPending, StatusCompleted},
		{StatusInProgress, StatusCancelled},
		{StatusInProgress, StatusPending},
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusPending},
		{StatusCancelled, StatusCancelled},
	}
	for _, tr := range denied {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be denied", tr.from, tr.to)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if StatusPending.Terminal() {
		t.Fatal("pending is not terminal")
	}
	if !StatusPending.Dispatchable() || !StatusScheduled.Dispatchable() {
		t.Fatal("pending and scheduled orders can be taken")
	}
	if StatusAssigned.Dispatchable() || StatusCancelled.Dispatchable() {
		t.Fatal("assigned and terminal orders cannot be taken")
	}
}
