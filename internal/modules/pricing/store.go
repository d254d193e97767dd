// README: Pricing store backed by PostgreSQL (rules, settings, surge supply/demand positions).
package pricing

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"propmove/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) ActiveRule(ctx context.Context, vehicleType string) (*Rule, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, vehicle_type, base_fare, per_km, per_min, minimum_fare,
		       surge_multiplier, night_multiplier, weather_multiplier, is_active
		FROM pricing_rules
		WHERE vehicle_type = $1 AND is_active`, vehicleType)

	var r Rule
	err := row.Scan(
		&r.ID, &r.VehicleType, &r.BaseFare, &r.PerKm, &r.PerMin, &r.MinimumFare,
		&r.SurgeMultiplier, &r.NightMultiplier, &r.WeatherMultiplier, &r.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoPricingRule
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveRule replaces the active rule for the vehicle type.
func (s *Store) SaveRule(ctx context.Context, r *Rule) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE pricing_rules SET is_active = FALSE WHERE vehicle_type = $1 AND is_active`, r.VehicleType); err != nil {
		return err
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO pricing_rules (
			vehicle_type, base_fare, per_km, per_min, minimum_fare,
			surge_multiplier, night_multiplier, weather_multiplier, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		RETURNING id`,
		r.VehicleType, r.BaseFare, r.PerKm, r.PerMin, r.MinimumFare,
		r.SurgeMultiplier, r.NightMultiplier, r.WeatherMultiplier,
	).Scan(&r.ID)
	if err != nil {
		return err
	}
	r.Active = true
	return tx.Commit(ctx)
}

func (s *Store) Settings(ctx context.Context) (Settings, error) {
	row := s.db.QueryRow(ctx, `
		SELECT surge_enabled, max_surge_multiplier, max_night_multiplier, max_weather_multiplier,
		       night_start_hour, night_end_hour, surge_window_minutes, surge_min_delta,
		       transport_commission_pct
		FROM transport_settings
		WHERE id = 1`)

	var st Settings
	err := row.Scan(
		&st.SurgeEnabled, &st.MaxSurgeMultiplier, &st.MaxNightMultiplier, &st.MaxWeatherMultiplier,
		&st.NightStartHour, &st.NightEndHour, &st.SurgeWindowMinutes, &st.SurgeMinDelta,
		&st.CommissionPct,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}
	return st, nil
}

// CommissionPct returns the platform share of a completed fare, in percent.
func (s *Store) CommissionPct(ctx context.Context) (float64, error) {
	st, err := s.Settings(ctx)
	if err != nil {
		return 0, err
	}
	return st.CommissionPct, nil
}

// SupplyPositions returns positions of online, approved drivers whose
// geohash falls in one of the given cells.
func (s *Store) SupplyPositions(ctx context.Context, cells []string) ([]types.Point, error) {
	return s.points(ctx, `
		SELECT current_lat, current_lng
		FROM driver_profiles
		WHERE is_online AND is_approved
		  AND current_lat IS NOT NULL AND current_lng IS NOT NULL
		  AND LEFT(position_geohash, $2) = ANY($1)`, cells, cellPrecision(cells))
}

// DemandPositions returns pickup points of trip requests created since the
// given time whose pickup geohash falls in one of the cells.
func (s *Store) DemandPositions(ctx context.Context, cells []string, since time.Time) ([]types.Point, error) {
	return s.points(ctx, `
		SELECT pickup_lat, pickup_lng
		FROM transport_requests
		WHERE created_at >= $3
		  AND LEFT(pickup_geohash, $2) = ANY($1)`, cells, cellPrecision(cells), since)
}

func (s *Store) points(ctx context.Context, query string, args ...any) ([]types.Point, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Point
	for rows.Next() {
		var p types.Point
		if err := rows.Scan(&p.Lat, &p.Lng); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func cellPrecision(cells []string) int {
	if len(cells) == 0 {
		return 0
	}
	return len(cells[0])
}
