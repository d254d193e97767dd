// README: Append-only pricing audit: one row per priced trip, written in the trip's transaction.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"propmove/internal/types"
)

const AuditReasonTripRequest = "trip_request"

type Audit struct {
	ID         types.ID  `json:"id"`
	TripID     types.ID  `json:"trip_id"`
	Inputs     Inputs    `json:"inputs"`
	Breakdown  Breakdown `json:"breakdown"`
	RawPrice   int64     `json:"raw_price_zmw"`
	FinalPrice int64     `json:"final_price_zmw"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewAudit(tripID types.ID, calc Calculation, reason string, at time.Time) Audit {
	return Audit{
		ID:         types.ID(uuid.NewString()),
		TripID:     tripID,
		Inputs:     calc.Breakdown.Inputs,
		Breakdown:  calc.Breakdown,
		RawPrice:   calc.RawPrice(),
		FinalPrice: calc.Breakdown.FinalPrice,
		Reason:     reason,
		CreatedAt:  at,
	}
}

// InsertAuditTx writes the audit inside the caller's transaction.
func InsertAuditTx(ctx context.Context, tx pgx.Tx, a Audit) error {
	inputs, err := json.Marshal(a.Inputs)
	if err != nil {
		return fmt.Errorf("marshal audit inputs: %w", err)
	}
	breakdown, err := json.Marshal(a.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal audit breakdown: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO pricing_audits (id, trip_id, inputs, breakdown, raw_price_zmw, final_price_zmw, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(a.ID), string(a.TripID), inputs, breakdown, a.RawPrice, a.FinalPrice, a.Reason, a.CreatedAt,
	)
	return err
}

func (s *Store) ListAudits(ctx context.Context, tripID types.ID) ([]Audit, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, inputs, breakdown, raw_price_zmw, final_price_zmw, COALESCE(reason, ''), created_at
		FROM pricing_audits
		WHERE trip_id = $1
		ORDER BY created_at`, string(tripID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Audit
	for rows.Next() {
		var a Audit
		var inputs, breakdown []byte
		if err := rows.Scan(&a.ID, &a.TripID, &inputs, &breakdown, &a.RawPrice, &a.FinalPrice, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(inputs, &a.Inputs); err != nil {
			return nil, fmt.Errorf("decode audit inputs: %w", err)
		}
		if err := json.Unmarshal(breakdown, &a.Breakdown); err != nil {
			return nil, fmt.Errorf("decode audit breakdown: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
