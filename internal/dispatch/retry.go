package dispatch

import (
	"context"

	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/observability"
)

// scheduleRetry arms round r of the retry table. Past the last round the
// schedule stops silently; the order stays in the durable pending set for
// driver-online backfill.
func (c *Coordinator) scheduleRetry(orderID string, round int) {
	if round >= c.Cfg.Rounds() {
		c.Logger.Info("retry rounds exhausted", "order_id", orderID)
		return
	}
	h := c.Sched.Schedule(c.Cfg.RetryDelays[round], func() { c.runRetryRound(orderID, round) })
	c.track(orderID, h)
}

// runRetryRound executes one retry round: wider radius, higher candidate
// cap, direct fan-out without sub-tiering. Any failure in this round
// never cancels subsequent rounds.
func (c *Coordinator) runRetryRound(orderID string, round int) {
	ctx := context.Background()

	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		c.Logger.Error("retry reload failed", "order_id", orderID, "round", round, "error", err)
		return
	}
	if o.Status != models.StatusPending {
		_ = c.State.ClearRetry(ctx, orderID)
		return
	}
	if o.Pickup == nil {
		return
	}

	observability.RetryRounds.Inc()
	if err := c.State.RecordRetry(ctx, orderID, round); err != nil {
		c.Logger.Warn("retry bookkeeping failed", "order_id", orderID, "error", err)
	}

	radius := c.Cfg.SearchRadiusKm * c.Cfg.RetryRadiusMults[round]
	maxDrivers := c.Cfg.RetryMaxDrivers[round]
	c.Logger.Info("retry round", "order_id", orderID, "round", round, "radius_km", radius, "max_drivers", maxDrivers)

	candidates, err := c.Geo.Nearby(ctx, *o.Pickup, radius, candidateScan)
	if err != nil {
		// index outage: no candidates this round, next round re-attempts
		c.Logger.Error("retry nearby query failed", "order_id", orderID, "round", round, "error", err)
		c.scheduleRetry(orderID, round+1)
		return
	}

	fresh := c.filterOffered(ctx, orderID, candidates)
	if len(fresh) == 0 {
		c.scheduleRetry(orderID, round+1)
		return
	}

	for _, d := range rankByRating(fresh, maxDrivers) {
		if _, err := c.NotifySafely(ctx, o, d); err != nil {
			c.Logger.Error("retry notify failed", "order_id", orderID, "driver_id", d.ID, "error", err)
		}
	}
	c.scheduleRetry(orderID, round+1)
}

// ManualRetry forces an immediate round at the widest radius. It is the
// administrative escape hatch for a stuck order.
func (c *Coordinator) ManualRetry(ctx context.Context, orderID string) error {
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusPending {
		return ErrInvalidStatus
	}
	c.runRetryRound(orderID, c.Cfg.Rounds()-1)
	return nil
}

// filterOffered drops drivers that were already offered or blacklisted
// for the order. This is a cheap pre-filter; NotifySafely remains the
// authoritative gate.
func (c *Coordinator) filterOffered(ctx context.Context, orderID string, candidates []models.Driver) []models.Driver {
	out := make([]models.Driver, 0, len(candidates))
	for _, d := range candidates {
		notified, err := c.State.WasNotified(ctx, orderID, d.ID)
		if err != nil || notified {
			continue
		}
		blocked, err := c.State.IsBlacklisted(ctx, orderID, d.ID)
		if err != nil || blocked {
			continue
		}
		out = append(out, d)
	}
	return out
}

// redistribute re-runs the matching step after a rejection or a
// driver-side cancellation, excluding already-offered drivers and
// falling back to a doubled radius when the immediate pool is empty.
func (c *Coordinator) redistribute(ctx context.Context, o *models.Order) {
	if o.Pickup == nil {
		return
	}
	for _, radius := range []float64{c.Cfg.SearchRadiusKm, c.Cfg.SearchRadiusKm * 2} {
		candidates, err := c.Geo.Nearby(ctx, *o.Pickup, radius, candidateScan)
		if err != nil {
			c.Logger.Error("redistribute query failed", "order_id", o.ID, "radius_km", radius, "error", err)
			return
		}
		if fresh := c.filterOffered(ctx, o.ID, candidates); len(fresh) > 0 {
			c.tierAndSchedule(o, fresh)
			return
		}
	}
	c.Logger.Info("redistribute found no fresh drivers", "order_id", o.ID)
}
