// Package httpapi exposes the dispatch engine over HTTP and websocket.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/dispatch"
	"github.com/example/order-dispatch/internal/geo"
	"github.com/example/order-dispatch/internal/ingest"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/observability"
	"github.com/example/order-dispatch/internal/payments"
	"github.com/example/order-dispatch/internal/reservation"
	"github.com/example/order-dispatch/internal/sched"
	"github.com/example/order-dispatch/internal/state"
	"github.com/example/order-dispatch/internal/storage"
)

type Server struct {
	Coord     *dispatch.Coordinator
	Activator *reservation.Activator
	Store     storage.OrderStore
	Geo       geo.Index
	State     state.Store
	Kafka     *ingest.KafkaProducer
	Gateway   *notify.WSGateway

	mux    *mux.Router
	logger *slog.Logger
}

// NewServerFromEnv wires the whole engine from ServerConfig: Redis-backed
// geo/state/locks when REDIS_ADDR is set, Postgres orders when PG_DSN is
// set, in-memory fallbacks otherwise so the binary runs standalone.
func NewServerFromEnv(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var (
		gi  geo.Index
		st  state.Store
		lm  lock.Manager
		err error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		gi = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		st = state.NewRedis(rc, cfg.Dispatch.NotifiedTTL, cfg.Dispatch.PendingTTL, cfg.Dispatch.RejectCountTTL)
		lm = lock.NewRedisLock(rc)
	} else {
		gi = geo.NewMemIndex()
		st = state.NewMemory(cfg.Dispatch.PendingTTL)
		lm = lock.NewMemLock()
	}

	var store storage.OrderStore
	if cfg.PGDSN != "" {
		store, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
	} else {
		store = storage.NewMemoryStore()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	gw := notify.NewWSGateway()
	coord := dispatch.NewCoordinator(store, gi, st, lm, gw, sched.NewTimer(), cfg.Dispatch, logger)
	if payments.Configured() {
		coord.Payments = payments.NewStripeClient()
	}
	act := reservation.NewActivator(store, coord, gw, sched.NewTimer(), cfg.Dispatch, logger)

	s := &Server{
		Coord:     coord,
		Activator: act,
		Store:     store,
		Geo:       gi,
		State:     st,
		Kafka:     kp,
		Gateway:   gw,
		mux:       mux.NewRouter(),
		logger:    logger,
	}
	s.registerMiddleware()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders", s.handleCreateOrder).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/scheduled", s.handleCreateScheduled).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/scheduled", s.handleListScheduled).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/scheduled/available", s.handleListAvailable).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}", s.handleGetOrder).Methods("GET")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/status", s.handleProgress).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/retry", s.handleManualRetry).Methods("POST")

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/offline", s.handleDriverOffline).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/rejects", s.handleRejectCount).Methods("GET")

	s.mux.HandleFunc("/ws/driver/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/ws/passenger/{passenger_id}", s.handlePassengerWS)

	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createOrderRequest struct {
	PassengerID        string        `json:"passenger_id"`
	Pickup             models.Coord  `json:"pickup"`
	Destination        *models.Coord `json:"destination,omitempty"`
	PickupAddress      string        `json:"pickup_address,omitempty"`
	DestinationAddress string        `json:"destination_address,omitempty"`
	EstimatedFareCents int64         `json:"estimated_fare_cents,omitempty"`
	ScheduledAt        *time.Time    `json:"scheduled_at,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id required", http.StatusBadRequest)
		return
	}
	o, err := s.Coord.CreateOrder(r.Context(), dispatch.CreateOrderCommand{
		PassengerID:        req.PassengerID,
		Pickup:             req.Pickup,
		Destination:        req.Destination,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		EstimatedFareCents: req.EstimatedFareCents,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" || req.ScheduledAt == nil {
		http.Error(w, "passenger_id and scheduled_at required", http.StatusBadRequest)
		return
	}
	o, err := s.Activator.CreateScheduled(r.Context(), reservation.CreateScheduledCommand{
		PassengerID:        req.PassengerID,
		Pickup:             req.Pickup,
		Destination:        req.Destination,
		PickupAddress:      req.PickupAddress,
		DestinationAddress: req.DestinationAddress,
		EstimatedFareCents: req.EstimatedFareCents,
		ScheduledAt:        *req.ScheduledAt,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Activator.Upcoming(r.Context(), r.URL.Query().Get("passenger_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleListAvailable(w http.ResponseWriter, r *http.Request) {
	orders, err := s.Activator.Available(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Store.GetByID(r.Context(), mux.Vars(r)["order_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
	Status   string `json:"status,omitempty"`
	Actor    string `json:"actor,omitempty"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	won, err := s.Coord.Accept(r.Context(), mux.Vars(r)["order_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !won {
		writeJSON(w, http.StatusConflict, map[string]any{"accepted": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Coord.Reject(r.Context(), mux.Vars(r)["order_id"], req.DriverID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := dispatch.Actor(req.Actor)
	switch actor {
	case dispatch.ActorPassenger, dispatch.ActorDriver, dispatch.ActorSystem:
	default:
		http.Error(w, "actor must be passenger, driver or system", http.StatusBadRequest)
		return
	}
	if err := s.Coord.Cancel(r.Context(), mux.Vars(r)["order_id"], actor, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	to := models.Status(strings.ToUpper(req.Status))
	if err := s.Coord.Progress(r.Context(), mux.Vars(r)["order_id"], req.DriverID, to); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	if err := s.Coord.Complete(r.Context(), mux.Vars(r)["order_id"], req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleManualRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.Coord.ManualRetry(r.Context(), mux.Vars(r)["order_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if d.ID == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	d.Online = true
	prev, prevErr := s.Geo.Get(r.Context(), d.ID)
	if err := s.Geo.Upsert(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	// a driver newly coming online sweeps the pending backlog
	if prevErr != nil || !prev.Online {
		observability.DriversOnline.Inc()
		if err := s.Coord.HandleDriverOnline(r.Context(), d.ID); err != nil {
			s.logger.Warn("pending sweep failed", "driver_id", d.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverOffline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if _, err := s.Geo.Get(r.Context(), id); err == nil {
		observability.DriversOnline.Dec()
	}
	if err := s.Geo.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRejectCount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	n, err := s.State.RejectCount(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "rejects": n})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, s.Gateway.Drivers, mux.Vars(r)["driver_id"])
}

func (s *Server) handlePassengerWS(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r, s.Gateway.Riders, mux.Vars(r)["passenger_id"])
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, reg *notify.Registry, id string) {
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	reg.Add(id, conn)
	// inbound frames are control traffic only; the read pump services
	// close frames and tears the session down when the peer goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				reg.RemoveConn(id, conn)
				return
			}
		}
	}()
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, geo.ErrUnknownDriver):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrBadCoordinates),
		errors.Is(err, reservation.ErrLeadTooShort),
		errors.Is(err, reservation.ErrLeadTooLong),
		errors.Is(err, dispatch.ErrMissingPickup):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrActiveOrder), errors.Is(err, dispatch.ErrInvalidStatus):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrWrongDriver):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
