// README: Driver profile store backed by PostgreSQL.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mmcloughlin/geohash"

	"propmove/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const profileColumns = `user_id, vehicle_type, is_approved, is_online,
	current_lat, current_lng, location_updated_at, rating_avg, rating_count`

func scanProfile(row pgx.Row) (*DriverProfile, error) {
	var p DriverProfile
	var lat, lng *float64
	err := row.Scan(
		&p.UserID, &p.VehicleType, &p.Approved, &p.Online,
		&lat, &lng, &p.LocationUpdatedAt, &p.RatingAvg, &p.RatingCount,
	)
	if err != nil {
		return nil, err
	}
	if lat != nil && lng != nil {
		p.Position = &types.Point{Lat: *lat, Lng: *lng}
	}
	return &p, nil
}

func (s *Store) Get(ctx context.Context, driverID types.ID) (*DriverProfile, error) {
	row := s.db.QueryRow(ctx, `SELECT `+profileColumns+` FROM driver_profiles WHERE user_id = $1`, string(driverID))
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// Save upserts the administrative part of a profile (vehicle type, approval).
// Position, availability and ratings are owned by their own operations.
func (s *Store) Save(ctx context.Context, p *DriverProfile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO driver_profiles (user_id, vehicle_type, is_approved)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET vehicle_type = EXCLUDED.vehicle_type,
		    is_approved = EXCLUDED.is_approved`,
		string(p.UserID), p.VehicleType, p.Approved,
	)
	return err
}

func (s *Store) UpdatePosition(ctx context.Context, driverID types.ID, pos types.Point, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE driver_profiles
		SET current_lat = $2,
		    current_lng = $3,
		    position_geohash = $4,
		    location_updated_at = $5
		WHERE user_id = $1`,
		string(driverID), pos.Lat, pos.Lng, geohash.Encode(pos.Lat, pos.Lng), at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetOnline flips availability. Going online requires approval; the update
// matches no row when the driver is unknown or unapproved.
func (s *Store) SetOnline(ctx context.Context, driverID types.ID, online bool) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE driver_profiles
		SET is_online = $2
		WHERE user_id = $1 AND (is_approved OR NOT $2)`,
		string(driverID), online,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListAvailable(ctx context.Context, vehicleType string) ([]DriverProfile, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+profileColumns+`
		FROM driver_profiles
		WHERE is_online AND is_approved AND vehicle_type = $1`, vehicleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriverProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
