// Package notify pushes order offers to drivers and status updates to
// riders. Delivery is fire-and-forget: the dispatch engine logs failed
// pushes and moves on, it never awaits acknowledgement.
package notify

import (
	"context"

	"github.com/example/order-dispatch/internal/models"
)

// Gateway is the outbound notification surface consumed by the dispatch
// engine.
type Gateway interface {
	// Offer pushes a new-order offer to a driver.
	Offer(ctx context.Context, driverID string, order *models.Order, distanceMeters float64) error
	// OrderStatusChanged informs the rider of a status transition.
	OrderStatusChanged(ctx context.Context, riderID, orderID string, status models.Status, message string) error
	// OrderAssigned sends the rider the assignment details.
	OrderAssigned(ctx context.Context, riderID string, order *models.Order, driver models.DriverSummary) error
	// DriverOrderCancelled tells an assigned driver their order is gone.
	DriverOrderCancelled(ctx context.Context, driverID, orderID, reason string) error
}

// Offer is the payload a driver receives.
type Offer struct {
	OrderID            string        `json:"order_id"`
	Kind               models.Kind   `json:"kind"`
	Pickup             *models.Coord `json:"pickup,omitempty"`
	PickupAddress      string        `json:"pickup_address,omitempty"`
	DestinationAddress string        `json:"destination_address,omitempty"`
	DistanceMeters     float64       `json:"distance_meters"`
	EstimatedFareCents int64         `json:"estimated_fare_cents,omitempty"`
	ScheduledAt        string        `json:"scheduled_at,omitempty"`
}

// StatusUpdate is the payload a rider receives on any status transition.
type StatusUpdate struct {
	OrderID string        `json:"order_id"`
	Status  models.Status `json:"status"`
	Message string        `json:"message,omitempty"`
}

// Assignment is the payload a rider receives when a driver accepts.
type Assignment struct {
	OrderID string               `json:"order_id"`
	Driver  models.DriverSummary `json:"driver"`
}

// Cancellation is the payload a driver receives when their assigned order
// is cancelled.
type Cancellation struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}
