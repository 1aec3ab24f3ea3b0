// Package dispatch implements the order-dispatch and driver-matching
// engine: geospatial candidate lookup, rating-tiered delayed fan-out,
// lock-arbitrated acceptance, rejection and blacklist handling,
// expanding-radius retries, and pending-order backfill for drivers that
// come online later.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/payments"
	"github.com/example/order-dispatch/internal/sched"
	"github.com/example/order-dispatch/internal/state"
	"github.com/example/order-dispatch/internal/storage"
)

var (
	ErrMissingPickup = errors.New("order has no pickup coordinates")
	ErrInvalidStatus = errors.New("order status does not allow this operation")
	ErrActiveOrder   = errors.New("passenger already has an active order")
	ErrWrongDriver   = errors.New("order is assigned to another driver")
)

// candidateScan is how many index entries a radius query fetches before
// rating-ranking caps the fan-out.
const candidateScan = 50

// Coordinator is the matching engine. All collaborators are interfaces;
// the engine decides, collaborators persist and deliver.
type Coordinator struct {
	Store    storage.OrderStore
	Geo      geo.Index
	State    state.Store
	Locks    lock.Manager
	Gateway  notify.Gateway
	Sched    sched.Scheduler
	Payments payments.Provider // optional
	Cfg      config.DispatchConfig
	Logger   *slog.Logger

	mu    sync.Mutex
	tasks map[string][]sched.Handle
}

func NewCoordinator(store storage.OrderStore, gi geo.Index, st state.Store, locks lock.Manager, gw notify.Gateway, sc sched.Scheduler, cfg config.DispatchConfig, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Store:   store,
		Geo:     gi,
		State:   st,
		Locks:   locks,
		Gateway: gw,
		Sched:   sc,
		Cfg:     cfg,
		Logger:  logger,
		tasks:   make(map[string][]sched.Handle),
	}
}

// CreateOrderCommand carries everything needed to open an immediate
// order. Fare estimation happens upstream; the estimate rides along for
// the offer payload and the payment hold.
type CreateOrderCommand struct {
	PassengerID        string
	Pickup             models.Coord
	Destination        *models.Coord
	PickupAddress      string
	DestinationAddress string
	EstimatedFareCents int64
}

// CreateOrder persists a PENDING order and immediately enters the
// dispatch path.
func (c *Coordinator) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*models.Order, error) {
	if err := cmd.Pickup.Validate(); err != nil {
		return nil, err
	}
	if cmd.Destination != nil {
		if err := cmd.Destination.Validate(); err != nil {
			return nil, err
		}
	}
	active, err := c.Store.HasActiveByPassenger(ctx, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveOrder
	}
	now := time.Now()
	pickup := cmd.Pickup
	o := &models.Order{
		ID:                 uuid.NewString(),
		PassengerID:        cmd.PassengerID,
		Kind:               models.KindImmediate,
		Status:             models.StatusPending,
		Pickup:             &pickup,
		Destination:        cmd.Destination,
		PickupAddress:      cmd.PickupAddress,
		DestinationAddress: cmd.DestinationAddress,
		EstimatedFareCents: cmd.EstimatedFareCents,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.Store.Insert(ctx, o); err != nil {
		return nil, err
	}
	if err := c.Dispatch(ctx, o.ID); err != nil {
		// the order is saved and in the pending set; dispatch errors
		// here are recoverable by the retry schedule
		c.Logger.Error("initial dispatch failed", "order_id", o.ID, "error", err)
	}
	return o, nil
}

// Dispatch runs one matching pass for the order: durable enqueue, retry
// schedule bootstrap, candidate query, tiered staggered fan-out.
func (c *Coordinator) Dispatch(ctx context.Context, orderID string) error {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !o.Status.Dispatchable() {
		return ErrInvalidStatus
	}
	if o.Pickup == nil {
		return ErrMissingPickup
	}

	// durable first: drivers who come online later must still find it
	if err := c.State.AddPending(ctx, orderID); err != nil {
		c.Logger.Error("pending enqueue failed", "order_id", orderID, "error", err)
	}
	if err := c.State.InitRetry(ctx, orderID); err != nil {
		c.Logger.Error("retry init failed", "order_id", orderID, "error", err)
	}
	c.scheduleRetry(orderID, 0)

	candidates, err := c.Geo.Nearby(ctx, *o.Pickup, c.Cfg.SearchRadiusKm, candidateScan)
	if err != nil {
		// index outage counts as "no candidates this round"; the retry
		// schedule re-attempts
		c.Logger.Error("nearby query failed", "order_id", orderID, "error", err)
		return nil
	}
	if len(candidates) == 0 {
		c.Logger.Info("no drivers nearby, waiting on retry schedule", "order_id", orderID)
		return nil
	}
	c.tierAndSchedule(o, candidates)
	return nil
}

// tierAndSchedule ranks candidates by rating, caps the fan-out, splits
// the ranked list into three tiers, and schedules each tier's offers at
// its configured delay.
func (c *Coordinator) tierAndSchedule(o *models.Order, candidates []models.Driver) {
	drivers := rankByRating(candidates, c.Cfg.MaxNotifyDrivers)
	high, mid, low := partitionTiers(drivers, c.Cfg.HighTierPct, c.Cfg.MidTierPct)
	c.scheduleTier(o.ID, high, c.Cfg.HighTierDelay)
	c.scheduleTier(o.ID, mid, c.Cfg.MidTierDelay)
	c.scheduleTier(o.ID, low, c.Cfg.LowTierDelay)
}

// rankByRating sorts descending by rating (the index already returned
// ascending distance, which the stable sort preserves as tiebreak) and
// caps the result.
func rankByRating(candidates []models.Driver, limit int) []models.Driver {
	drivers := make([]models.Driver, len(candidates))
	copy(drivers, candidates)
	sort.SliceStable(drivers, func(i, j int) bool { return drivers[i].Rating > drivers[j].Rating })
	if len(drivers) > limit {
		drivers = drivers[:limit]
	}
	return drivers
}

// partitionTiers cuts the ranked list at ceil(n*highPct) and
// ceil(n*midPct), with a minimum tier size of one while candidates
// remain.
func partitionTiers(drivers []models.Driver, highPct, midPct float64) (high, mid, low []models.Driver) {
	n := len(drivers)
	if n == 0 {
		return nil, nil, nil
	}
	highEnd := int(math.Ceil(float64(n) * highPct))
	if highEnd < 1 {
		highEnd = 1
	}
	midEnd := int(math.Ceil(float64(n) * midPct))
	if midEnd < highEnd+1 {
		midEnd = highEnd + 1
	}
	if midEnd > n {
		midEnd = n
	}
	return drivers[:highEnd], drivers[highEnd:midEnd], drivers[midEnd:]
}

func (c *Coordinator) scheduleTier(orderID string, tier []models.Driver, delay time.Duration) {
	for _, d := range tier {
		driver := d
		h := c.Sched.Schedule(delay, func() { c.deliverOffer(orderID, driver) })
		c.track(orderID, h)
	}
}

// deliverOffer runs when a scheduled push fires. Cancellation is
// best-effort, so the order state is re-validated here rather than
// trusting that a cancelled task never runs.
func (c *Coordinator) deliverOffer(orderID string, driver models.Driver) {
	ctx := context.Background()
	o, err := c.Store.GetByID(ctx, orderID)
	if err != nil {
		c.Logger.Error("offer reload failed", "order_id", orderID, "error", err)
		return
	}
	if !o.Status.Dispatchable() {
		return
	}
	if _, err := c.NotifySafely(ctx, o, driver); err != nil {
		c.Logger.Error("offer delivery failed", "order_id", orderID, "driver_id", driver.ID, "error", err)
	}
}

// NotifySafely is the single entry point for every offer push: dispatch
// tiers, retry rounds, redistribution, and driver-online backfill all
// converge here. It enforces, in order: order still dispatchable, driver
// not blacklisted, driver not yet notified (atomic add-if-absent, only
// the first successful insert proceeds). It reports whether an offer was
// pushed.
func (c *Coordinator) NotifySafely(ctx context.Context, o *models.Order, driver models.Driver) (bool, error) {
	if !o.Status.Dispatchable() {
		return false, nil
	}
	blocked, err := c.State.IsBlacklisted(ctx, o.ID, driver.ID)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}
	first, err := c.State.AddNotified(ctx, o.ID, driver.ID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}
	var distance float64
	if o.Pickup != nil {
		distance = geo.Haversine(o.Pickup.Lat, o.Pickup.Lon, driver.Loc.Lat, driver.Loc.Lon)
	}
	if err := c.Gateway.Offer(ctx, driver.ID, o, distance); err != nil {
		// fire-and-forget: the dedupe slot is spent either way
		c.Logger.Warn("offer push failed", "order_id", o.ID, "driver_id", driver.ID, "error", err)
	}
	observability.OffersSent.Inc()
	c.Logger.Info("offer sent", "order_id", o.ID, "driver_id", driver.ID, "distance_m", distance)
	return true, nil
}

// HandleDriverOnline re-offers still-pending orders within range to a
// driver that just came online, bypassing whatever retry round those
// orders are waiting on.
func (c *Coordinator) HandleDriverOnline(ctx context.Context, driverID string) error {
	driver, err := c.Geo.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if !driver.Online || driver.Busy {
		return nil
	}
	ids, err := c.State.PendingOrders(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		o, err := c.Store.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if o.Status != models.StatusPending {
			_ = c.State.RemovePending(ctx, id)
			continue
		}
		if o.Pickup == nil {
			continue
		}
		dist := geo.Haversine(o.Pickup.Lat, o.Pickup.Lon, driver.Loc.Lat, driver.Loc.Lon)
		if dist > c.Cfg.SearchRadiusKm*1000 {
			continue
		}
		if _, err := c.NotifySafely(ctx, o, driver); err != nil {
			c.Logger.Error("backfill notify failed", "order_id", id, "driver_id", driverID, "error", err)
		}
	}
	return nil
}

// track registers a scheduled push so a successful acceptance can cancel
// everything not yet fired for the order.
func (c *Coordinator) track(orderID string, h sched.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[orderID] = append(c.tasks[orderID], h)
}

// cancelTasks cancels all not-yet-fired scheduled work for the order.
func (c *Coordinator) cancelTasks(orderID string) {
	c.mu.Lock()
	handles := c.tasks[orderID]
	delete(c.tasks, orderID)
	c.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}
