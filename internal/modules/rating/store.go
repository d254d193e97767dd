// README: Rating store backed by PostgreSQL; insert and aggregate update share one transaction.
package rating

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PGStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Submit(ctx context.Context, r Rating) (Aggregate, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Aggregate{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var comment *string
	if r.Comment != "" {
		comment = &r.Comment
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ratings (id, trip_id, tenant_id, driver_id, stars, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(r.ID), string(r.TripID), string(r.TenantID), string(r.DriverID), r.Stars, comment, r.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return Aggregate{}, ErrAlreadyRated
	}
	if err != nil {
		return Aggregate{}, err
	}

	// The row lock taken by UPDATE serialises concurrent ratings of one driver.
	agg := Aggregate{DriverID: r.DriverID}
	err = tx.QueryRow(ctx, `
		UPDATE driver_profiles
		SET rating_avg = (rating_avg * rating_count + $2) / (rating_count + 1),
		    rating_count = rating_count + 1
		WHERE user_id = $1
		RETURNING rating_avg, rating_count`,
		string(r.DriverID), float64(r.Stars),
	).Scan(&agg.Avg, &agg.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return Aggregate{}, ErrDriverNotFound
	}
	if err != nil {
		return Aggregate{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, err
	}
	return agg, nil
}
