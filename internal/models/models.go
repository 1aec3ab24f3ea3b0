package models

import (
	"errors"
	"time"
)

// Coord is a WGS84 coordinate pair.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Redis GEO accepts latitudes only inside the web-mercator range.
const (
	MinLat = -85.05112878
	MaxLat = 85.05112878
	MinLon = -180
	MaxLon = 180
)

var ErrBadCoordinates = errors.New("coordinates out of range")

// Validate rejects out-of-range coordinates. Legacy transposed data is a
// migration concern; it is never fixed up at runtime.
func (c Coord) Validate() error {
	if c.Lon < MinLon || c.Lon > MaxLon || c.Lat < MinLat || c.Lat > MaxLat {
		return ErrBadCoordinates
	}
	return nil
}

// Status is the order lifecycle state.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusPickup     Status = "PICKUP"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// transitions encodes the order state flow. PENDING->PENDING covers the
// re-open after a driver-side cancellation; SCHEDULED->ASSIGNED covers a
// driver claiming a listed reservation before its activation time.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusPending, StatusAssigned, StatusCancelled},
	StatusPending:    {StatusPending, StatusAssigned, StatusCancelled},
	StatusAssigned:   {StatusPickup, StatusPending, StatusCancelled},
	StatusPickup:     {StatusInProgress, StatusPending, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Dispatchable reports whether a driver may still take the order. A
// SCHEDULED reservation qualifies: a driver who saw it in the listing can
// claim it ahead of activation, which then finds nothing left to do.
func (s Status) Dispatchable() bool {
	return s == StatusPending || s == StatusScheduled
}

// Kind distinguishes immediate rides from reservations.
type Kind string

const (
	KindImmediate   Kind = "IMMEDIATE"
	KindReservation Kind = "RESERVATION"
)

// Order is a ride request. Orders are never deleted, only
// status-terminated.
type Order struct {
	ID                 string     `json:"id"`
	PassengerID        string     `json:"passenger_id"`
	DriverID           string     `json:"driver_id,omitempty"`
	Kind               Kind       `json:"kind"`
	Status             Status     `json:"status"`
	Pickup             *Coord     `json:"pickup,omitempty"`
	Destination        *Coord     `json:"destination,omitempty"`
	PickupAddress      string     `json:"pickup_address,omitempty"`
	DestinationAddress string     `json:"destination_address,omitempty"`
	EstimatedFareCents int64      `json:"estimated_fare_cents,omitempty"`
	PaymentIntentID    string     `json:"-"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Driver combines presence (owned by the location subsystem) with the
// display fields the rider sees on assignment.
type Driver struct {
	ID      string    `json:"id"`
	Name    string    `json:"name,omitempty"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Busy    bool      `json:"busy"`
	Updated time.Time `json:"updated"`
}

// DriverSummary is what the rider is shown when an order is assigned.
type DriverSummary struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Rating float64 `json:"rating"`
	Loc    Coord   `json:"loc"`
}

func (d Driver) Summary() DriverSummary {
	return DriverSummary{ID: d.ID, Name: d.Name, Rating: d.Rating, Loc: d.Loc}
}
