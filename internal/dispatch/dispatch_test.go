package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/sched"
	"github.com/example/order-dispatch/internal/state"
	"github.com/example/order-dispatch/internal/storage"
)

type offerRec struct {
	driverID string
	orderID  string
	at       time.Time
}

type fakeGateway struct {
	mu            sync.Mutex
	clock         func() time.Time
	offers        []offerRec
	statuses      []models.Status
	assignedTo    []string
	driverCancels []string
}

func (f *fakeGateway) Offer(_ context.Context, driverID string, order *models.Order, _ float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, offerRec{driverID: driverID, orderID: order.ID, at: f.clock()})
	return nil
}

func (f *fakeGateway) OrderStatusChanged(_ context.Context, _, _ string, status models.Status, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeGateway) OrderAssigned(_ context.Context, _ string, _ *models.Order, driver models.DriverSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assignedTo = append(f.assignedTo, driver.ID)
	return nil
}

func (f *fakeGateway) DriverOrderCancelled(_ context.Context, driverID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driverCancels = append(f.driverCancels, driverID)
	return nil
}

func (f *fakeGateway) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.offers)
}

func (f *fakeGateway) offeredDrivers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.offers))
	for i, o := range f.offers {
		out[i] = o.driverID
	}
	return out
}

type env struct {
	store *storage.MemoryStore
	geo   *geo.MemIndex
	state *state.Memory
	locks *lock.MemLock
	gw    *fakeGateway
	clock *sched.Fake
	c     *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs := sched.NewFake()
	gw := &fakeGateway{clock: fs.Now}
	cfg := config.DefaultDispatchConfig()
	st := state.NewMemory(cfg.PendingTTL)
	st.SetNow(fs.Now)
	e := &env{
		store: storage.NewMemoryStore(),
		geo:   geo.NewMemIndex(),
		state: st,
		locks: lock.NewMemLock(),
		gw:    gw,
		clock: fs,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.c = NewCoordinator(e.store, e.geo, e.state, e.locks, gw, fs, cfg, logger)
	return e
}

func (e *env) addDriver(t *testing.T, id string, lat float64, rating float64) {
	t.Helper()
	err := e.geo.Upsert(context.Background(), models.Driver{
		ID: id, Loc: models.Coord{Lat: lat, Lon: 0}, Rating: rating, Online: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (e *env) createOrder(t *testing.T, passenger string) *models.Order {
	t.Helper()
	o, err := e.c.CreateOrder(context.Background(), CreateOrderCommand{
		PassengerID: passenger,
		Pickup:      models.Coord{Lat: 0, Lon: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func TestTieredFanoutFiveDrivers(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	e.addDriver(t, "d2", 0.002, 4.8)
	e.addDriver(t, "d3", 0.003, 4.6)
	e.addDriver(t, "d4", 0.004, 4.4)
	e.addDriver(t, "d5", 0.005, 4.2)

	e.createOrder(t, "p1")

	e.clock.Advance(0)
	if got := e.gw.offeredDrivers(); len(got) != 2 || got[0] != "d1" || got[1] != "d2" {
		t.Fatalf("high tier at t=0: %v", got)
	}
	e.clock.Advance(5 * time.Second)
	if got := e.gw.offeredDrivers(); len(got) != 4 || got[2] != "d3" || got[3] != "d4" {
		t.Fatalf("mid tier at t=5s: %v", got)
	}
	e.clock.Advance(5 * time.Second)
	if got := e.gw.offeredDrivers(); len(got) != 5 || got[4] != "d5" {
		t.Fatalf("low tier at t=10s: %v", got)
	}
}

func TestSingleDriverOfferedImmediately(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "solo", 0.01, 3.2)
	e.createOrder(t, "p1")
	e.clock.Advance(0)
	if got := e.gw.offeredDrivers(); len(got) != 1 || got[0] != "solo" {
		t.Fatalf("single candidate: %v", got)
	}
	e.clock.Advance(10 * time.Second)
	if e.gw.offerCount() != 1 {
		t.Fatalf("no further offers expected, got %d", e.gw.offerCount())
	}
}

func TestFanoutCappedAtMaxNotify(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 8; i++ {
		e.addDriver(t, string(rune('a'+i)), 0.001*float64(i+1), 4.0)
	}
	e.createOrder(t, "p1")
	e.clock.Advance(10 * time.Second)
	if e.gw.offerCount() != 5 {
		t.Fatalf("expected cap of 5 offers, got %d", e.gw.offerCount())
	}
}

func TestAcceptCancelsPendingTiersAndRetries(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	e.addDriver(t, "d2", 0.002, 4.8)
	e.addDriver(t, "d3", 0.003, 4.6)
	e.addDriver(t, "d4", 0.004, 4.4)
	e.addDriver(t, "d5", 0.005, 4.2)
	o := e.createOrder(t, "p1")

	e.clock.Advance(6 * time.Second) // high and mid tiers out
	if e.gw.offerCount() != 4 {
		t.Fatalf("offers before accept: %d", e.gw.offerCount())
	}

	won, err := e.c.Accept(context.Background(), o.ID, "d3")
	if err != nil || !won {
		t.Fatalf("accept: won=%v err=%v", won, err)
	}

	// the low tier at 10s and retry round at 30s must never fire
	e.clock.Advance(time.Hour)
	if e.gw.offerCount() != 4 {
		t.Fatalf("offers after accept: %d", e.gw.offerCount())
	}

	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusAssigned || got.DriverID != "d3" {
		t.Fatalf("order after accept: %s %s", got.Status, got.DriverID)
	}
	d, _ := e.geo.Get(context.Background(), "d3")
	if !d.Busy {
		t.Fatal("winner must be marked busy")
	}
	cur, _ := e.state.CurrentOrder(context.Background(), "d3")
	if cur != o.ID {
		t.Fatalf("current order=%q", cur)
	}
	if len(e.gw.assignedTo) != 1 || e.gw.assignedTo[0] != "d3" {
		t.Fatalf("assignment push: %v", e.gw.assignedTo)
	}
	ids, _ := e.state.PendingOrders(context.Background())
	if len(ids) != 0 {
		t.Fatalf("pending set must be empty, got %v", ids)
	}
}

func TestAcceptExactlyOneWinner(t *testing.T) {
	e := newEnv(t)
	drivers := []string{"d1", "d2", "d3", "d4", "d5"}
	for i, id := range drivers {
		e.addDriver(t, id, 0.001*float64(i+1), 4.5)
	}
	o := e.createOrder(t, "p1")
	e.clock.Advance(10 * time.Second)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []string{}
	for _, id := range drivers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			won, err := e.c.Accept(context.Background(), o.ID, id)
			if err != nil {
				t.Error(err)
				return
			}
			if won {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.DriverID != winners[0] {
		t.Fatalf("stored driver %q, winner %q", got.DriverID, winners[0])
	}
}

func TestAcceptRefusesBusyDriver(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if err := e.geo.SetBusy(context.Background(), "d1", true); err != nil {
		t.Fatal(err)
	}
	won, err := e.c.Accept(context.Background(), o.ID, "d1")
	if err != nil || won {
		t.Fatalf("busy driver must lose: won=%v err=%v", won, err)
	}
}

func TestNotifySafelyDedupes(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	d, _ := e.geo.Get(context.Background(), "d1")

	sent, err := e.c.NotifySafely(context.Background(), o, d)
	if err != nil || !sent {
		t.Fatalf("first notify: sent=%v err=%v", sent, err)
	}
	sent, err = e.c.NotifySafely(context.Background(), o, d)
	if err != nil || sent {
		t.Fatalf("duplicate notify must be suppressed: sent=%v err=%v", sent, err)
	}
	if e.gw.offerCount() != 1 {
		t.Fatalf("offer pushed %d times", e.gw.offerCount())
	}
}

func TestNotifySafelySkipsBlacklisted(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.state.AddBlacklist(context.Background(), o.ID, "d1")
	d, _ := e.geo.Get(context.Background(), "d1")
	sent, err := e.c.NotifySafely(context.Background(), o, d)
	if err != nil || sent {
		t.Fatalf("blacklisted driver must be skipped: sent=%v err=%v", sent, err)
	}
}

func TestCreateOrderRejectsBadPickup(t *testing.T) {
	e := newEnv(t)
	_, err := e.c.CreateOrder(context.Background(), CreateOrderCommand{
		PassengerID: "p1",
		Pickup:      models.Coord{Lat: 116.4, Lon: 39.9},
	})
	if !errors.Is(err, models.ErrBadCoordinates) {
		t.Fatalf("expected coordinate rejection, got %v", err)
	}
}

func TestCreateOrderRejectsSecondActive(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, "p1")
	_, err := e.c.CreateOrder(context.Background(), CreateOrderCommand{
		PassengerID: "p1",
		Pickup:      models.Coord{Lat: 0, Lon: 0},
	})
	if !errors.Is(err, ErrActiveOrder) {
		t.Fatalf("expected ErrActiveOrder, got %v", err)
	}
}

func TestRejectBlacklistsAndRedistributes(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if got := e.gw.offeredDrivers(); len(got) != 1 || got[0] != "d1" {
		t.Fatalf("initial offer: %v", got)
	}

	e.addDriver(t, "d2", 0.002, 4.0)
	if err := e.c.Reject(context.Background(), o.ID, "d1", "too far"); err != nil {
		t.Fatal(err)
	}
	e.clock.Advance(0)

	got := e.gw.offeredDrivers()
	if len(got) != 2 || got[1] != "d2" {
		t.Fatalf("redistribution after reject: %v", got)
	}
	if ok, _ := e.state.IsBlacklisted(context.Background(), o.ID, "d1"); !ok {
		t.Fatal("rejecting driver must be blacklisted")
	}
	if n, _ := e.state.RejectCount(context.Background(), "d1"); n != 1 {
		t.Fatalf("reject count=%d", n)
	}
}

func TestRejectedDriverNeverReoffered(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if err := e.c.Reject(context.Background(), o.ID, "d1", ""); err != nil {
		t.Fatal(err)
	}
	// retry rounds keep firing; d1 must stay excluded
	e.clock.Advance(time.Hour)
	if e.gw.offerCount() != 1 {
		t.Fatalf("rejected driver re-offered: %v", e.gw.offeredDrivers())
	}
}

func TestDriverCancelReopensOrder(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if won, _ := e.c.Accept(context.Background(), o.ID, "d1"); !won {
		t.Fatal("accept failed")
	}

	e.addDriver(t, "d2", 0.002, 4.0)
	if err := e.c.Cancel(context.Background(), o.ID, ActorDriver, "breakdown"); err != nil {
		t.Fatal(err)
	}

	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusPending || got.DriverID != "" {
		t.Fatalf("after driver cancel: %s %q", got.Status, got.DriverID)
	}
	d, _ := e.geo.Get(context.Background(), "d1")
	if d.Busy {
		t.Fatal("cancelling driver must be freed")
	}
	if ok, _ := e.state.IsBlacklisted(context.Background(), o.ID, "d1"); !ok {
		t.Fatal("cancelling driver must be blacklisted")
	}

	// d1 outranks d2 so d2 lands in the mid tier of the re-dispatch
	e.clock.Advance(5 * time.Second)
	got2 := e.gw.offeredDrivers()
	if got2[len(got2)-1] != "d2" {
		t.Fatalf("re-dispatch must reach d2: %v", got2)
	}
	for _, r := range got2[1:] {
		if r == "d1" {
			t.Fatal("blacklisted driver re-offered after cancel")
		}
	}
}

func TestPassengerCancelIsTerminal(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if won, _ := e.c.Accept(context.Background(), o.ID, "d1"); !won {
		t.Fatal("accept failed")
	}
	if err := e.c.Cancel(context.Background(), o.ID, ActorPassenger, "changed plans"); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusCancelled || got.CancelReason != "changed plans" {
		t.Fatalf("after passenger cancel: %s %q", got.Status, got.CancelReason)
	}
	if len(e.gw.driverCancels) != 1 || e.gw.driverCancels[0] != "d1" {
		t.Fatalf("assigned driver must be told: %v", e.gw.driverCancels)
	}
	d, _ := e.geo.Get(context.Background(), "d1")
	if d.Busy {
		t.Fatal("driver must be freed")
	}
	if err := e.c.Cancel(context.Background(), o.ID, ActorPassenger, "again"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double cancel must fail: %v", err)
	}
	if won, _ := e.c.Accept(context.Background(), o.ID, "d1"); won {
		t.Fatal("cancelled order must not be acceptable")
	}
}

type flakyStore struct {
	storage.OrderStore
	failUpdates bool
}

func (f *flakyStore) Update(ctx context.Context, o *models.Order) error {
	if f.failUpdates {
		return errors.New("store unavailable")
	}
	return f.OrderStore.Update(ctx, o)
}

func TestCancelStoreFailureLeavesDriverAttached(t *testing.T) {
	e := newEnv(t)
	fs := &flakyStore{OrderStore: e.store}
	e.c.Store = fs
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if won, _ := e.c.Accept(context.Background(), o.ID, "d1"); !won {
		t.Fatal("accept failed")
	}

	fs.failUpdates = true
	if err := e.c.Cancel(context.Background(), o.ID, ActorPassenger, "changed plans"); err == nil {
		t.Fatal("cancel must surface the store failure")
	}
	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusAssigned || got.DriverID != "d1" {
		t.Fatalf("order must be untouched: %s %q", got.Status, got.DriverID)
	}
	d, _ := e.geo.Get(context.Background(), "d1")
	if !d.Busy {
		t.Fatal("driver must stay busy while the order is still assigned")
	}
	if cur, _ := e.state.CurrentOrder(context.Background(), "d1"); cur != o.ID {
		t.Fatalf("current order must survive the failed cancel: %q", cur)
	}

	// the same cancel succeeds once the store recovers
	fs.failUpdates = false
	if err := e.c.Cancel(context.Background(), o.ID, ActorPassenger, "changed plans"); err != nil {
		t.Fatal(err)
	}
	d, _ = e.geo.Get(context.Background(), "d1")
	if d.Busy {
		t.Fatal("driver must be freed after the cancel commits")
	}
}

func TestCancelRefusedInProgress(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	e.c.Accept(context.Background(), o.ID, "d1")
	e.c.Progress(context.Background(), o.ID, "d1", models.StatusPickup)
	e.c.Progress(context.Background(), o.ID, "d1", models.StatusInProgress)
	if err := e.c.Cancel(context.Background(), o.ID, ActorPassenger, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("in-progress cancel must fail: %v", err)
	}
}

func TestProgressAndComplete(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if won, _ := e.c.Accept(context.Background(), o.ID, "d1"); !won {
		t.Fatal("accept failed")
	}

	if err := e.c.Complete(context.Background(), o.ID, "d1"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("complete before pickup must fail: %v", err)
	}
	if err := e.c.Progress(context.Background(), o.ID, "other", models.StatusPickup); !errors.Is(err, ErrWrongDriver) {
		t.Fatalf("wrong driver: %v", err)
	}
	if err := e.c.Progress(context.Background(), o.ID, "d1", models.StatusPickup); err != nil {
		t.Fatal(err)
	}
	if err := e.c.Progress(context.Background(), o.ID, "d1", models.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if err := e.c.Complete(context.Background(), o.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("status=%s", got.Status)
	}
	d, _ := e.geo.Get(context.Background(), "d1")
	if d.Busy {
		t.Fatal("driver must be freed on completion")
	}
	cur, _ := e.state.CurrentOrder(context.Background(), "d1")
	if cur != "" {
		t.Fatalf("current order must be cleared, got %q", cur)
	}
}

func TestRetryRoundsWidenRadius(t *testing.T) {
	e := newEnv(t)
	// ~6.7km out: outside the 5km initial radius, inside round 1's 7.5km
	e.addDriver(t, "far", 0.06, 4.0)
	e.createOrder(t, "p1")

	e.clock.Advance(0)
	if e.gw.offerCount() != 0 {
		t.Fatalf("driver outside radius offered: %v", e.gw.offeredDrivers())
	}
	// round 0 at t=30s still searches 5km
	e.clock.Advance(30 * time.Second)
	if e.gw.offerCount() != 0 {
		t.Fatalf("round 0 must not reach 6.7km: %v", e.gw.offeredDrivers())
	}
	// round 1 fires 60s later at 7.5km
	e.clock.Advance(60 * time.Second)
	if got := e.gw.offeredDrivers(); len(got) != 1 || got[0] != "far" {
		t.Fatalf("round 1 at widened radius: %v", got)
	}
	// later rounds must not duplicate the offer
	e.clock.Advance(time.Hour)
	if e.gw.offerCount() != 1 {
		t.Fatalf("duplicate offers across rounds: %v", e.gw.offeredDrivers())
	}
}

func TestManualRetryUsesWidestRadius(t *testing.T) {
	e := newEnv(t)
	// ~13.3km out: only the final round's 15km radius reaches it
	e.addDriver(t, "distant", 0.12, 4.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	if e.gw.offerCount() != 0 {
		t.Fatal("unexpected offer at base radius")
	}
	if err := e.c.ManualRetry(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}
	if got := e.gw.offeredDrivers(); len(got) != 1 || got[0] != "distant" {
		t.Fatalf("manual retry: %v", got)
	}
}

func TestManualRetryRequiresPending(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", 0.001, 5.0)
	o := e.createOrder(t, "p1")
	e.clock.Advance(0)
	e.c.Accept(context.Background(), o.ID, "d1")
	if err := e.c.ManualRetry(context.Background(), o.ID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("manual retry on assigned order: %v", err)
	}
}

func TestDriverOnlineBackfillBypassesRetrySchedule(t *testing.T) {
	e := newEnv(t)
	o := e.createOrder(t, "p1") // nobody online

	// round 0 at t=30s finds nothing
	e.clock.Advance(45 * time.Second)
	if e.gw.offerCount() != 0 {
		t.Fatal("no offers expected with no drivers")
	}

	// driver appears at t=45s, inside the base radius
	e.addDriver(t, "late", 0.01, 4.0)
	if err := e.c.HandleDriverOnline(context.Background(), "late"); err != nil {
		t.Fatal(err)
	}
	if got := e.gw.offeredDrivers(); len(got) != 1 || got[0] != "late" {
		t.Fatalf("backfill offer: %v", got)
	}

	// round 1 at t=90s must not re-offer
	e.clock.Advance(time.Hour)
	if e.gw.offerCount() != 1 {
		t.Fatalf("retry rounds duplicated the backfill offer: %v", e.gw.offeredDrivers())
	}

	got, _ := e.store.GetByID(context.Background(), o.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("order status %s", got.Status)
	}
}

func TestDriverOnlineIgnoresBusyDriver(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, "p1")
	e.addDriver(t, "d1", 0.01, 4.0)
	e.geo.SetBusy(context.Background(), "d1", true)
	if err := e.c.HandleDriverOnline(context.Background(), "d1"); err != nil {
		t.Fatal(err)
	}
	if e.gw.offerCount() != 0 {
		t.Fatal("busy driver must not receive backfill offers")
	}
}

func TestDriverOnlineSkipsOutOfRangeOrders(t *testing.T) {
	e := newEnv(t)
	e.createOrder(t, "p1")
	// ~55km away
	e.addDriver(t, "remote", 0.5, 4.0)
	if err := e.c.HandleDriverOnline(context.Background(), "remote"); err != nil {
		t.Fatal(err)
	}
	if e.gw.offerCount() != 0 {
		t.Fatal("order outside radius must not be offered")
	}
}

func TestPartitionTiers(t *testing.T) {
	mk := func(n int) []models.Driver {
		out := make([]models.Driver, n)
		for i := range out {
			out[i].ID = string(rune('a' + i))
		}
		return out
	}
	cases := []struct {
		n, high, mid, low int
	}{
		{1, 1, 0, 0},
		{2, 1, 1, 0},
		{3, 1, 2, 0},
		{4, 2, 1, 1},
		{5, 2, 2, 1},
		{6, 2, 3, 1},
		{10, 3, 4, 3},
	}
	for _, tc := range cases {
		high, mid, low := partitionTiers(mk(tc.n), 0.3, 0.7)
		if len(high) != tc.high || len(mid) != tc.mid || len(low) != tc.low {
			t.Errorf("n=%d: got %d/%d/%d want %d/%d/%d",
				tc.n, len(high), len(mid), len(low), tc.high, tc.mid, tc.low)
		}
	}
	high, mid, low := partitionTiers(nil, 0.3, 0.7)
	if high != nil || mid != nil || low != nil {
		t.Error("empty input must yield empty tiers")
	}
}

func TestRankByRating(t *testing.T) {
	in := []models.Driver{
		{ID: "near-low", Rating: 3.0},  // nearest
		{ID: "mid-high", Rating: 5.0},
		{ID: "far-high", Rating: 5.0},  // farthest
		{ID: "mid-mid", Rating: 4.0},
	}
	got := rankByRating(in, 3)
	if len(got) != 3 {
		t.Fatalf("cap not applied: %d", len(got))
	}
	// rating descending, input (distance) order as tiebreak
	if got[0].ID != "mid-high" || got[1].ID != "far-high" || got[2].ID != "mid-mid" {
		t.Fatalf("ranking: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
	if len(in) != 4 || in[0].ID != "near-low" {
		t.Fatal("input slice must not be reordered")
	}
}
