// README: Earnings ledger: commission split and settlement preparation.
package earnings

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"propmove/internal/types"
)

var ErrInvalidAmount = errors.New("invalid settlement amount")

const DefaultCommissionPct = 15.0

type CommissionSource interface {
	CommissionPct(ctx context.Context) (float64, error)
}

type Ledger struct {
	commission CommissionSource
}

func NewLedger(commission CommissionSource) *Ledger {
	return &Ledger{commission: commission}
}

// Split returns the platform fee and driver net for a gross fare.
// fee = round(gross * pct / 100) and net = gross - fee, so fee + net == gross.
func Split(gross int64, pct float64) (fee, net int64) {
	if pct < 0 || math.IsNaN(pct) {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	fee = int64(math.Round(float64(gross) * pct / 100))
	return fee, gross - fee
}

// Prepare builds the earning and the two ledger transactions for a trip.
// It does not write; the caller persists the rows inside the completion
// transaction.
func (l *Ledger) Prepare(ctx context.Context, f Facts) (Settlement, error) {
	if f.LockedPrice < 0 {
		return Settlement{}, ErrInvalidAmount
	}
	pct := DefaultCommissionPct
	if l.commission != nil {
		p, err := l.commission.CommissionPct(ctx)
		if err != nil {
			return Settlement{}, fmt.Errorf("read commission: %w", err)
		}
		pct = p
	}
	return Build(f, pct), nil
}

// Build is the pure part of Prepare.
func Build(f Facts, pct float64) Settlement {
	gross := f.LockedPrice
	fee, net := Split(gross, pct)
	tenant := f.TenantID

	return Settlement{
		Earning: DriverEarning{
			ID:          types.ID(uuid.NewString()),
			TripID:      f.TripID,
			DriverID:    f.DriverID,
			Gross:       gross,
			PlatformFee: fee,
			Net:         net,
			CreatedAt:   f.CompletedAt,
		},
		Transactions: []Transaction{
			{
				ID:          types.ID(uuid.NewString()),
				UserID:      &tenant,
				Type:        TxTripPayment,
				ReferenceID: f.TripID,
				Amount:      net,
				Fee:         fee,
				Net:         net,
				Currency:    types.Currency,
				Metadata: map[string]any{
					"gross":          gross,
					"driver_id":      string(f.DriverID),
					"commission_pct": pct,
				},
				CreatedAt: f.CompletedAt,
			},
			{
				ID:          types.ID(uuid.NewString()),
				UserID:      nil,
				Type:        TxPlatformCommission,
				ReferenceID: f.TripID,
				Amount:      fee,
				Fee:         0,
				Net:         fee,
				Currency:    types.Currency,
				Metadata:    map[string]any{"commission_pct": pct},
				CreatedAt:   f.CompletedAt,
			},
		},
	}
}
