package dispatch

import (
	"context"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
)

// Actor identifies who initiated a cancellation.
type Actor string

const (
	ActorPassenger Actor = "passenger"
	ActorDriver    Actor = "driver"
	ActorSystem    Actor = "system"
)

// Accept is a driver's attempt to take an order. Exactly one concurrent
// attempt per order can win, arbitrated by the order lock and the status
// double-check behind it. Contention returns (false, nil): it is an
// expected outcome, not an error.
func (c *Coordinator) Accept(ctx context.Context, orderID, driverID string) (bool, error) {
	ok, err := c.Locks.TryLock(ctx, orderID, driverID, c.Cfg.LockTTL)
	if err != nil {
		return false, err
	}
	if !ok {
		observability.LockContention.Inc()
		c.Logger.Info("accept lost lock race", "order_id", orderID, "driver_id", driverID)
		return false, nil
	}
	defer func() {
		if err := c.Locks.Unlock(ctx, orderID, driverID); err != nil {
			// a stuck lock self-heals via TTL expiry
			c.Logger.Warn("lock release failed", "order_id", orderID, "driver_id", driverID, "error", err)
		}
	}()

	driver, err := c.Geo.Get(ctx, driverID)
	if err != nil {
		return false, err
	}
	if driver.Busy {
		observability.AcceptsLost.Inc()
		return false, nil
	}

	// reload under the lock: the status may have moved since the driver
	// saw the offer
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !o.Status.Dispatchable() {
		observability.AcceptsLost.Inc()
		c.Logger.Info("accept lost to stale status", "order_id", orderID, "driver_id", driverID, "status", o.Status)
		return false, nil
	}

	o.DriverID = driverID
	o.Status = models.StatusAssigned
	if err := c.Store.Update(ctx, o); err != nil {
		return false, err
	}

	c.holdFare(ctx, o)

	if err := c.Geo.SetBusy(ctx, driverID, true); err != nil {
		c.Logger.Error("mark driver busy failed", "driver_id", driverID, "error", err)
	}
	if err := c.State.SetCurrentOrder(ctx, driverID, orderID); err != nil {
		c.Logger.Warn("record current order failed", "driver_id", driverID, "error", err)
	}
	if err := c.Gateway.OrderAssigned(ctx, o.PassengerID, o, driver.Summary()); err != nil {
		c.Logger.Warn("assignment push failed", "order_id", orderID, "error", err)
	}

	c.cancelTasks(orderID)
	if err := c.State.RemovePending(ctx, orderID); err != nil {
		c.Logger.Warn("pending dequeue failed", "order_id", orderID, "error", err)
	}
	_ = c.State.ClearRetry(ctx, orderID)

	observability.AcceptsWon.Inc()
	c.Logger.Info("order accepted", "order_id", orderID, "driver_id", driverID)
	return true, nil
}

func (c *Coordinator) holdFare(ctx context.Context, o *models.Order) {
	if c.Payments == nil || o.EstimatedFareCents <= 0 {
		return
	}
	id, err := c.Payments.Hold(ctx, o.EstimatedFareCents, "usd", o.PassengerID)
	if err != nil {
		c.Logger.Warn("fare hold failed", "order_id", o.ID, "error", err)
		return
	}
	o.PaymentIntentID = id
	if err := c.Store.Update(ctx, o); err != nil {
		c.Logger.Warn("fare hold record failed", "order_id", o.ID, "error", err)
	}
}

// Reject records a driver's refusal: a telemetry counter, the per-order
// blacklist, and an immediate re-run of the matching step while the
// order is still open.
func (c *Coordinator) Reject(ctx context.Context, orderID, driverID, reason string) error {
	observability.RejectsTotal.Inc()
	if _, err := c.State.IncrReject(ctx, driverID); err != nil {
		c.Logger.Warn("reject counter failed", "driver_id", driverID, "error", err)
	}
	if err := c.State.AddBlacklist(ctx, orderID, driverID); err != nil {
		return err
	}
	c.Logger.Info("order rejected", "order_id", orderID, "driver_id", driverID, "reason", reason)

	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusPending {
		return nil
	}
	c.redistribute(ctx, o)
	return nil
}

// freeDriver returns a driver to the matching pool. Callers invoke it
// only after the order mutation that detaches the driver has persisted.
func (c *Coordinator) freeDriver(ctx context.Context, driverID string) {
	if err := c.Geo.SetBusy(ctx, driverID, false); err != nil {
		c.Logger.Error("free driver failed", "driver_id", driverID, "error", err)
	}
	_ = c.State.ClearCurrentOrder(ctx, driverID)
}

// Cancel terminates or re-opens an order depending on the actor. A
// driver-side cancel of an assigned order re-opens it (back to PENDING,
// driver blacklisted, re-dispatched); any other cancel is terminal.
// Orders in progress or already terminal cannot be cancelled.
func (c *Coordinator) Cancel(ctx context.Context, orderID string, actor Actor, reason string) error {
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	switch o.Status {
	case models.StatusInProgress, models.StatusCompleted, models.StatusCancelled:
		return ErrInvalidStatus
	}

	assignedDriver := o.DriverID

	if actor == ActorDriver && assignedDriver != "" {
		// re-open: the decliner never sees this order again
		o.DriverID = ""
		o.Status = models.StatusPending
		if err := c.Store.Update(ctx, o); err != nil {
			return err
		}
		c.freeDriver(ctx, assignedDriver)
		if err := c.State.AddBlacklist(ctx, orderID, assignedDriver); err != nil {
			c.Logger.Warn("blacklist on cancel failed", "order_id", orderID, "error", err)
		}
		if err := c.Gateway.OrderStatusChanged(ctx, o.PassengerID, orderID, o.Status, "driver cancelled, searching again"); err != nil {
			c.Logger.Warn("status push failed", "order_id", orderID, "error", err)
		}
		return c.Dispatch(ctx, orderID)
	}

	o.Status = models.StatusCancelled
	o.CancelReason = reason
	if err := c.Store.Update(ctx, o); err != nil {
		return err
	}
	if assignedDriver != "" {
		c.freeDriver(ctx, assignedDriver)
	}
	c.releaseFare(ctx, o)
	if actor == ActorPassenger && assignedDriver != "" {
		if err := c.Gateway.DriverOrderCancelled(ctx, assignedDriver, orderID, reason); err != nil {
			c.Logger.Warn("driver cancel push failed", "order_id", orderID, "error", err)
		}
	}
	if err := c.Gateway.OrderStatusChanged(ctx, o.PassengerID, orderID, o.Status, reason); err != nil {
		c.Logger.Warn("status push failed", "order_id", orderID, "error", err)
	}

	c.cancelTasks(orderID)
	if err := c.State.ClearOrder(ctx, orderID); err != nil {
		c.Logger.Warn("order state cleanup failed", "order_id", orderID, "error", err)
	}
	c.Logger.Info("order cancelled", "order_id", orderID, "actor", actor, "reason", reason)
	return nil
}

// Progress advances an assigned order along PICKUP and IN_PROGRESS.
func (c *Coordinator) Progress(ctx context.Context, orderID, driverID string, to models.Status) error {
	if to != models.StatusPickup && to != models.StatusInProgress {
		return ErrInvalidStatus
	}
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return ErrWrongDriver
	}
	if !models.CanTransition(o.Status, to) {
		return ErrInvalidStatus
	}
	o.Status = to
	if err := c.Store.Update(ctx, o); err != nil {
		return err
	}
	if err := c.Gateway.OrderStatusChanged(ctx, o.PassengerID, orderID, to, ""); err != nil {
		c.Logger.Warn("status push failed", "order_id", orderID, "error", err)
	}
	return nil
}

// Complete finishes the trip: terminal status, fare capture, driver
// freed, and all per-order dispatch state discarded.
func (c *Coordinator) Complete(ctx context.Context, orderID, driverID string) error {
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.DriverID != driverID {
		return ErrWrongDriver
	}
	if !models.CanTransition(o.Status, models.StatusCompleted) {
		return ErrInvalidStatus
	}
	o.Status = models.StatusCompleted
	if err := c.Store.Update(ctx, o); err != nil {
		return err
	}
	c.captureFare(ctx, o)
	c.freeDriver(ctx, driverID)

	c.cancelTasks(orderID)
	if err := c.State.ClearOrder(ctx, orderID); err != nil {
		c.Logger.Warn("order state cleanup failed", "order_id", orderID, "error", err)
	}
	if err := c.Gateway.OrderStatusChanged(ctx, o.PassengerID, orderID, o.Status, ""); err != nil {
		c.Logger.Warn("status push failed", "order_id", orderID, "error", err)
	}
	c.Logger.Info("order completed", "order_id", orderID, "driver_id", driverID)
	return nil
}

func (c *Coordinator) captureFare(ctx context.Context, o *models.Order) {
	if c.Payments == nil || o.PaymentIntentID == "" {
		return
	}
	if err := c.Payments.Capture(ctx, o.PaymentIntentID); err != nil {
		c.Logger.Warn("fare capture failed", "order_id", o.ID, "error", err)
	}
}

func (c *Coordinator) releaseFare(ctx context.Context, o *models.Order) {
	if c.Payments == nil || o.PaymentIntentID == "" {
		return
	}
	if err := c.Payments.Release(ctx, o.PaymentIntentID); err != nil {
		c.Logger.Warn("fare release failed", "order_id", o.ID, "error", err)
	}
}
