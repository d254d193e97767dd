// README: Trip store backed by PostgreSQL; conditional updates arbitrate concurrent writers.
package trip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcloughlin/geohash"

	"propmove/internal/modules/earnings"
	"propmove/internal/modules/pricing"
	"propmove/internal/types"
)

// Store is the persistence surface of the state machine.
type Store interface {
	// Create inserts the trip and its pricing audit in one transaction.
	Create(ctx context.Context, t *Trip, audit pricing.Audit) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	// AssignDriver claims a REQUESTED, unassigned, unexpired trip. It reports
	// false when another writer got there first or the trip is no longer open.
	AssignDriver(ctx context.Context, id, driverID types.ID, at time.Time) (bool, error)
	Transition(ctx context.Context, id types.ID, from, to Status, version int, at time.Time, reason *string) (bool, error)
	// CompleteAndSettle moves IN_PROGRESS to COMPLETED and writes the ledger
	// rows atomically; nothing is written when either part fails.
	CompleteAndSettle(ctx context.Context, id types.ID, version int, at time.Time, s earnings.Settlement) (bool, error)
	ExpireStale(ctx context.Context, now time.Time, limit int) ([]*Trip, error)
	AppendEvent(ctx context.Context, e *Event) error
	Events(ctx context.Context, id types.ID) ([]Event, error)
	ActiveForDriver(ctx context.Context, driverID types.ID) (*Trip, error)
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const tripColumns = `id, tenant_id, property_id,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_type, distance_km, duration_min, price_estimate_zmw, locked_price_zmw,
	pricing_breakdown, price_locked_at, status, status_version, assigned_driver_id,
	expires_at, created_at, accepted_at, arriving_at, started_at, completed_at, canceled_at, cancel_reason`

func (s *PGStore) Create(ctx context.Context, t *Trip, audit pricing.Audit) error {
	breakdown, err := json.Marshal(t.PricingBreakdown)
	if err != nil {
		return fmt.Errorf("marshal pricing breakdown: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO transport_requests (
			id, tenant_id, property_id,
			pickup_lat, pickup_lng, pickup_address, pickup_geohash,
			dropoff_lat, dropoff_lng, dropoff_address,
			vehicle_type, distance_km, duration_min,
			price_estimate_zmw, locked_price_zmw, pricing_breakdown, price_locked_at,
			status, status_version, expires_at, created_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20, $21
		)`,
		string(t.ID), string(t.TenantID), idPtr(t.PropertyID),
		t.Pickup.Lat, t.Pickup.Lng, t.PickupAddress, geohash.Encode(t.Pickup.Lat, t.Pickup.Lng),
		t.Dropoff.Lat, t.Dropoff.Lng, t.DropoffAddress,
		t.VehicleType, t.DistanceKm, t.DurationMin,
		t.PriceEstimate.Amount, t.LockedPrice.Amount, breakdown, t.PriceLockedAt,
		string(t.Status), t.StatusVersion, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trip: %w", err)
	}
	if err := pricing.InsertAuditTx(ctx, tx, audit); err != nil {
		return fmt.Errorf("insert pricing audit: %w", err)
	}
	return tx.Commit(ctx)
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var breakdown []byte
	err := row.Scan(
		&t.ID, &t.TenantID, &t.PropertyID,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.PickupAddress, &t.Dropoff.Lat, &t.Dropoff.Lng, &t.DropoffAddress,
		&t.VehicleType, &t.DistanceKm, &t.DurationMin, &t.PriceEstimate.Amount, &t.LockedPrice.Amount,
		&breakdown, &t.PriceLockedAt, &t.Status, &t.StatusVersion, &t.AssignedDriverID,
		&t.ExpiresAt, &t.CreatedAt, &t.AcceptedAt, &t.ArrivingAt, &t.StartedAt, &t.CompletedAt, &t.CanceledAt, &t.CancelReason,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(breakdown, &t.PricingBreakdown); err != nil {
		return nil, fmt.Errorf("decode pricing breakdown: %w", err)
	}
	t.PriceEstimate.Currency = types.Currency
	t.LockedPrice.Currency = types.Currency
	return &t, nil
}

func (s *PGStore) Get(ctx context.Context, id types.ID) (*Trip, error) {
	t, err := scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM transport_requests WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PGStore) AssignDriver(ctx context.Context, id, driverID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE transport_requests
		SET status = 'DRIVER_ASSIGNED',
		    status_version = status_version + 1,
		    assigned_driver_id = $2,
		    accepted_at = $3
		WHERE id = $1
		  AND status = 'REQUESTED'
		  AND assigned_driver_id IS NULL
		  AND expires_at > $3`,
		string(id), string(driverID), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

const transitionSQL = `
	UPDATE transport_requests
	SET status = $2,
	    status_version = status_version + 1,
	    arriving_at = CASE WHEN $2 = 'DRIVER_ARRIVING' THEN $5 ELSE arriving_at END,
	    started_at = CASE WHEN $2 = 'IN_PROGRESS' THEN $5 ELSE started_at END,
	    completed_at = CASE WHEN $2 = 'COMPLETED' THEN $5 ELSE completed_at END,
	    canceled_at = CASE WHEN $2 = 'CANCELED' THEN $5 ELSE canceled_at END,
	    cancel_reason = COALESCE($6, cancel_reason)
	WHERE id = $1 AND status = $3 AND status_version = $4`

func (s *PGStore) Transition(ctx context.Context, id types.ID, from, to Status, version int, at time.Time, reason *string) (bool, error) {
	tag, err := s.db.Exec(ctx, transitionSQL, string(id), string(to), string(from), version, at, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) CompleteAndSettle(ctx context.Context, id types.ID, version int, at time.Time, settlement earnings.Settlement) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, transitionSQL, string(id), string(StatusCompleted), string(StatusInProgress), version, at, nil)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}
	if err := earnings.InsertTx(ctx, tx, settlement); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireStale cancels REQUESTED trips whose acceptance window has closed
// and returns them. Rows locked by a concurrent accept are skipped.
func (s *PGStore) ExpireStale(ctx context.Context, now time.Time, limit int) ([]*Trip, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE transport_requests
		SET status = 'CANCELED',
		    status_version = status_version + 1,
		    canceled_at = $1,
		    cancel_reason = 'expired'
		WHERE status = 'REQUESTED'
		  AND id IN (
			SELECT id FROM transport_requests
			WHERE status = 'REQUESTED' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		  )
		RETURNING `+tripColumns, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO transport_request_events (
			trip_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		idPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

func (s *PGStore) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_status, to_status, actor_type, actor_id, created_at
		FROM transport_request_events
		WHERE trip_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TripID, &e.FromStatus, &e.ToStatus, &e.ActorType, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveForDriver(ctx context.Context, driverID types.ID) (*Trip, error) {
	t, err := scanTrip(s.db.QueryRow(ctx, `
		SELECT `+tripColumns+`
		FROM transport_requests
		WHERE assigned_driver_id = $1
		  AND status IN ('DRIVER_ASSIGNED', 'DRIVER_ARRIVING', 'IN_PROGRESS')
		ORDER BY accepted_at DESC
		LIMIT 1`, string(driverID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
