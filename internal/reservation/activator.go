// Package reservation manages scheduled orders: creation inside the
// allowed booking window, timed activation into the dispatch flow, and
// recovery of armed timers after a restart.
package reservation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/sched"
	"github.com/example/order-dispatch/internal/storage"
)

var (
	// ErrLeadTooShort is returned when the pickup time is under the
	// minimum booking lead.
	ErrLeadTooShort = errors.New("scheduled time too soon")
	// ErrLeadTooLong is returned when the pickup time is beyond the
	// maximum booking horizon.
	ErrLeadTooLong = errors.New("scheduled time too far ahead")
)

// Activator owns the timers that turn SCHEDULED orders into PENDING ones
// ahead of their pickup time. All timer state is in memory; Recover
// re-arms it from the order store after a restart.
type Activator struct {
	Store   storage.OrderStore
	Coord   *dispatch.Coordinator
	Gateway notify.Gateway
	Sched   sched.Scheduler
	Cfg     config.DispatchConfig
	Logger  *slog.Logger

	mu     sync.Mutex
	timers map[string]sched.Handle
}

func NewActivator(store storage.OrderStore, coord *dispatch.Coordinator, gw notify.Gateway, sc sched.Scheduler, cfg config.DispatchConfig, logger *slog.Logger) *Activator {
	return &Activator{
		Store:   store,
		Coord:   coord,
		Gateway: gw,
		Sched:   sc,
		Cfg:     cfg,
		Logger:  logger,
		timers:  make(map[string]sched.Handle),
	}
}

// CreateScheduledCommand carries the fields of a reservation request.
type CreateScheduledCommand struct {
	PassengerID        string
	Pickup             models.Coord
	Destination        *models.Coord
	PickupAddress      string
	DestinationAddress string
	EstimatedFareCents int64
	ScheduledAt        time.Time
}

// CreateScheduled validates the booking window, persists the reservation
// and arms its activation timer.
func (a *Activator) CreateScheduled(ctx context.Context, cmd CreateScheduledCommand) (*models.Order, error) {
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, err
	}
	if cmd.Destination != nil {
		if err := cmd.Destination.Validate(); err != nil {
			return nil, err
		}
	}
	now := a.Sched.Now()
	lead := cmd.ScheduledAt.Sub(now)
	if lead < a.Cfg.MinScheduleLead {
		return nil, ErrLeadTooShort
	}
	if lead > a.Cfg.MaxScheduleLead {
		return nil, ErrLeadTooLong
	}
	active, err := a.Store.HasActiveByPassenger(ctx, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, dispatch.ErrActiveOrder
	}

	pickup := cmd.Pickup
	when := cmd.ScheduledAt
	o := &models.Order{
		ID:                 uuid.NewString(),
		PassengerID:        cmd.PassengerID,
		Kind:               models.KindReservation,
		Status:             models.StatusScheduled,
		Pickup:             &pickup,
		Destination:        cmd.Destination,
		PickupAddress:      cmd.PickupAddress,
		DestinationAddress: cmd.DestinationAddress,
		EstimatedFareCents: cmd.EstimatedFareCents,
		ScheduledAt:        &when,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.Store.Insert(ctx, o); err != nil {
		return nil, err
	}
	a.arm(o.ID, when)
	a.Logger.Info("reservation created", "order_id", o.ID, "passenger_id", cmd.PassengerID, "scheduled_at", when)
	return o, nil
}

// arm schedules activation at scheduledAt minus the activation lead. A
// timer already armed for the order is replaced, which keeps double
// recovery harmless.
func (a *Activator) arm(orderID string, scheduledAt time.Time) {
	delay := scheduledAt.Add(-a.Cfg.ActivationLead).Sub(a.Sched.Now())
	if delay < 0 {
		delay = 0
	}
	h := a.Sched.Schedule(delay, func() { a.activate(orderID) })
	a.mu.Lock()
	if prev, ok := a.timers[orderID]; ok {
		prev.Cancel()
	}
	a.timers[orderID] = h
	a.mu.Unlock()
}

func (a *Activator) disarm(orderID string) {
	a.mu.Lock()
	if h, ok := a.timers[orderID]; ok {
		h.Cancel()
		delete(a.timers, orderID)
	}
	a.mu.Unlock()
}

// activate flips the reservation into the live dispatch flow. The status
// check makes it a no-op for anything already activated or cancelled, so
// stray duplicate timers cannot double-dispatch.
func (a *Activator) activate(orderID string) {
	ctx := context.Background()
	a.disarm(orderID)

	o, err := a.Store.GetByID(ctx, orderID)
	if err != nil {
		a.Logger.Error("activation load failed", "order_id", orderID, "error", err)
		return
	}
	if o.Status != models.StatusScheduled || o.Kind != models.KindReservation {
		return
	}
	o.Status = models.StatusPending
	if err := a.Store.Update(ctx, o); err != nil {
		a.Logger.Error("activation update failed", "order_id", orderID, "error", err)
		return
	}
	if err := a.Gateway.OrderStatusChanged(ctx, o.PassengerID, orderID, o.Status, "looking for a driver"); err != nil {
		a.Logger.Warn("activation push failed", "order_id", orderID, "error", err)
	}
	a.Logger.Info("reservation activated", "order_id", orderID)

	if err := a.Coord.Dispatch(ctx, orderID); err != nil {
		a.Logger.Error("reservation dispatch failed", "order_id", orderID, "error", err)
	}

	// if nobody accepts within the timeout the reservation dies rather
	// than paging drivers forever
	a.Sched.Schedule(a.Cfg.PendingTimeout, func() { a.expire(orderID) })
}

func (a *Activator) expire(orderID string) {
	ctx := context.Background()
	o, err := a.Store.GetByID(ctx, orderID)
	if err != nil {
		a.Logger.Error("expiry load failed", "order_id", orderID, "error", err)
		return
	}
	if o.Status != models.StatusPending || o.Kind != models.KindReservation {
		return
	}
	if err := a.Coord.Cancel(ctx, orderID, dispatch.ActorSystem, "no driver accepted in time"); err != nil {
		a.Logger.Error("reservation expiry cancel failed", "order_id", orderID, "error", err)
	}
}

// CancelScheduled cancels a reservation that has not activated yet and
// drops its timer.
func (a *Activator) CancelScheduled(ctx context.Context, orderID, reason string) error {
	if err := a.Coord.Cancel(ctx, orderID, dispatch.ActorPassenger, reason); err != nil {
		return err
	}
	a.disarm(orderID)
	return nil
}

// Recover re-arms activation timers for every stored SCHEDULED order.
// Reservations whose pickup time slipped past the recovery window while
// the process was down are cancelled instead of activated late.
func (a *Activator) Recover(ctx context.Context) error {
	orders, err := a.Store.ListByStatus(ctx, models.StatusScheduled)
	if err != nil {
		return err
	}
	now := a.Sched.Now()
	for _, o := range orders {
		if o.Kind != models.KindReservation || o.ScheduledAt == nil {
			continue
		}
		if now.After(o.ScheduledAt.Add(a.Cfg.RecoveryWindow)) {
			if err := a.Coord.Cancel(ctx, o.ID, dispatch.ActorSystem, "scheduled pickup missed"); err != nil {
				a.Logger.Error("stale reservation cancel failed", "order_id", o.ID, "error", err)
			}
			continue
		}
		a.arm(o.ID, *o.ScheduledAt)
	}
	a.Logger.Info("reservation recovery done", "scheduled", len(orders))
	return nil
}

// Upcoming lists reservations that have not activated yet, optionally
// restricted to one passenger.
func (a *Activator) Upcoming(ctx context.Context, passengerID string) ([]*models.Order, error) {
	orders, err := a.Store.ListByStatus(ctx, models.StatusScheduled)
	if err != nil || passengerID == "" {
		return orders, err
	}
	out := orders[:0]
	for _, o := range orders {
		if o.PassengerID == passengerID {
			out = append(out, o)
		}
	}
	return out, nil
}

// Available lists reservations a driver can claim: activated ones still
// waiting on the dispatch flow, and not-yet-activated ones open to early
// acceptance.
func (a *Activator) Available(ctx context.Context) ([]*models.Order, error) {
	var out []*models.Order
	for _, status := range []models.Status{models.StatusScheduled, models.StatusPending} {
		orders, err := a.Store.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.Kind == models.KindReservation {
				out = append(out, o)
			}
		}
	}
	return out, nil
}
