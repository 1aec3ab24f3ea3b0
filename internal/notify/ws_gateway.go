package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/order-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// Session wraps one websocket connection. Writes are serialized; gorilla
// connections do not allow concurrent writers.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Registry holds live websocket sessions keyed by principal id. It is
// created at startup and cleared on shutdown; there is no package-level
// session table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

func (r *Registry) Add(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[id]; ok {
		_ = old.conn.Close()
	}
	r.sessions[id] = &Session{conn: conn}
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		_ = s.conn.Close()
		delete(r.sessions, id)
	}
}

// RemoveConn drops the session only if it still owns conn, so the read
// pump of a replaced connection cannot evict its successor.
func (r *Registry) RemoveConn(id string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.conn == conn {
		_ = conn.Close()
		delete(r.sessions, id)
	}
}

func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		_ = s.conn.Close()
		delete(r.sessions, id)
	}
}

func (r *Registry) send(id string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(v)
}

// envelope is the wire frame for every push.
type envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Payload   any    `json:"payload"`
}

func wrap(typ string, payload any) envelope {
	return envelope{Type: typ, Timestamp: time.Now().UnixMilli(), Payload: payload}
}

// WSGateway implements Gateway over two session registries, one for
// drivers and one for riders.
type WSGateway struct {
	Drivers *Registry
	Riders  *Registry
}

func NewWSGateway() *WSGateway {
	return &WSGateway{Drivers: NewRegistry(), Riders: NewRegistry()}
}

func (g *WSGateway) Offer(_ context.Context, driverID string, order *models.Order, distanceMeters float64) error {
	payload := Offer{
		OrderID:            order.ID,
		Kind:               order.Kind,
		Pickup:             order.Pickup,
		PickupAddress:      order.PickupAddress,
		DestinationAddress: order.DestinationAddress,
		DistanceMeters:     distanceMeters,
		EstimatedFareCents: order.EstimatedFareCents,
	}
	if order.ScheduledAt != nil {
		payload.ScheduledAt = order.ScheduledAt.Format(time.RFC3339)
	}
	return g.Drivers.send(driverID, wrap("new_order", payload))
}

func (g *WSGateway) OrderStatusChanged(_ context.Context, riderID, orderID string, status models.Status, message string) error {
	return g.Riders.send(riderID, wrap("order_status", StatusUpdate{OrderID: orderID, Status: status, Message: message}))
}

func (g *WSGateway) OrderAssigned(_ context.Context, riderID string, order *models.Order, driver models.DriverSummary) error {
	return g.Riders.send(riderID, wrap("order_assigned", Assignment{OrderID: order.ID, Driver: driver}))
}

func (g *WSGateway) DriverOrderCancelled(_ context.Context, driverID, orderID, reason string) error {
	return g.Drivers.send(driverID, wrap("order_cancelled", Cancellation{OrderID: orderID, Reason: reason}))
}
