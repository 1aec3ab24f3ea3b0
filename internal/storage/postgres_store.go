package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/order-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const orderColumns = `id, passenger_id, driver_id, kind, status,
	pickup_lat, pickup_lon, dest_lat, dest_lon,
	pickup_address, dest_address, estimated_fare_cents, payment_intent_id,
	scheduled_at, cancel_reason, created_at, updated_at`

func (p *PostgresStore) Insert(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.PassengerID, nullString(o.DriverID), string(o.Kind), string(o.Status),
		coordLat(o.Pickup), coordLon(o.Pickup), coordLat(o.Destination), coordLon(o.Destination),
		o.PickupAddress, o.DestinationAddress, o.EstimatedFareCents, nullString(o.PaymentIntentID),
		o.ScheduledAt, nullString(o.CancelReason), o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *models.Order) error {
	o.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET
		driver_id=$1, status=$2, cancel_reason=$3, payment_intent_id=$4, updated_at=$5
		WHERE id=$6`,
		nullString(o.DriverID), string(o.Status), nullString(o.CancelReason),
		nullString(o.PaymentIntentID), o.UpdatedAt, o.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status=$1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) HasActiveByPassenger(ctx context.Context, passengerID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT 1 FROM orders
		WHERE passenger_id=$1 AND status NOT IN ('COMPLETED','CANCELLED'))`,
		passengerID).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var driverID, paymentIntentID, cancelReason sql.NullString
	var pickupLat, pickupLon, destLat, destLon sql.NullFloat64
	var scheduledAt sql.NullTime
	err := row.Scan(
		&o.ID, &o.PassengerID, &driverID, &o.Kind, &o.Status,
		&pickupLat, &pickupLon, &destLat, &destLon,
		&o.PickupAddress, &o.DestinationAddress, &o.EstimatedFareCents, &paymentIntentID,
		&scheduledAt, &cancelReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.PaymentIntentID = paymentIntentID.String
	o.CancelReason = cancelReason.String
	if pickupLat.Valid && pickupLon.Valid {
		o.Pickup = &models.Coord{Lat: pickupLat.Float64, Lon: pickupLon.Float64}
	}
	if destLat.Valid && destLon.Valid {
		o.Destination = &models.Coord{Lat: destLat.Float64, Lon: destLon.Float64}
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		o.ScheduledAt = &t
	}
	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func coordLat(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}
}

func coordLon(c *models.Coord) sql.NullFloat64 {
	if c == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lon, Valid: true}
}
