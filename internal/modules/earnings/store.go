// README: Earnings store backed by PostgreSQL; inserts run inside the trip completion transaction.
package earnings

import (
	"context"
	"encoding/json"
	"fmt"

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

// InsertTx writes the earning and its transactions in the caller's transaction.
func InsertTx(ctx context.Context, tx pgx.Tx, s Settlement) error {
	e := s.Earning
	if _, err := tx.Exec(ctx, `
		INSERT INTO driver_earnings (id, trip_id, driver_id, gross_zmw, platform_fee_zmw, net_zmw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.ID), string(e.TripID), string(e.DriverID), e.Gross, e.PlatformFee, e.Net, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert driver earning: %w", err)
	}

	for _, t := range s.Transactions {
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
		var user *string
		if t.UserID != nil {
			u := string(*t.UserID)
			user = &u
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, user_id, type, reference_id, amount, fee, net, currency, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(t.ID), user, string(t.Type), string(t.ReferenceID), t.Amount, t.Fee, t.Net, t.Currency, meta, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert %s transaction: %w", t.Type, err)
		}
	}
	return nil
}

// Page sizes for ListByDriver.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListLimit applies the default to non-positive limits and caps the rest at MaxListLimit.
func ListLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	}
	return n
}

func (s *Store) ListByDriver(ctx context.Context, driverID types.ID, limit int) ([]DriverEarning, error) {
	limit = ListLimit(limit)
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, driver_id, gross_zmw, platform_fee_zmw, net_zmw, created_at
		FROM driver_earnings
		WHERE driver_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(driverID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DriverEarning
	for rows.Next() {
		var e DriverEarning
		if err := rows.Scan(&e.ID, &e.TripID, &e.DriverID, &e.Gross, &e.PlatformFee, &e.Net, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListTransactions(ctx context.Context, tripID types.ID) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, type, reference_id, amount, fee, net, currency, metadata, created_at
		FROM transactions
		WHERE reference_id = $1
		ORDER BY type`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var meta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.ReferenceID, &t.Amount, &t.Fee, &t.Net, &t.Currency, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode transaction metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
