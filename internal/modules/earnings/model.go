// README: Driver earnings and ledger transaction records.
package earnings

import (
	"time"

	"propmove/internal/types"
)

type TransactionType string

const (
	TxTripPayment        TransactionType = "TRIP_PAYMENT"
	TxPlatformCommission TransactionType = "PLATFORM_COMMISSION"
)

type DriverEarning struct {
	ID          types.ID  `json:"id"`
	TripID      types.ID  `json:"trip_id"`
	DriverID    types.ID  `json:"driver_id"`
	Gross       int64     `json:"gross_zmw"`
	PlatformFee int64     `json:"platform_fee_zmw"`
	Net         int64     `json:"net_zmw"`
	CreatedAt   time.Time `json:"created_at"`
}

// Transaction is an append-only ledger row. A nil UserID is the platform account.
type Transaction struct {
	ID          types.ID        `json:"id"`
	UserID      *types.ID       `json:"user_id,omitempty"`
	Type        TransactionType `json:"type"`
	ReferenceID types.ID        `json:"reference_id"`
	Amount      int64           `json:"amount"`
	Fee         int64           `json:"fee"`
	Net         int64           `json:"net"`
	Currency    string          `json:"currency"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Facts are what settlement needs to know about a completed trip.
type Facts struct {
	TripID      types.ID
	TenantID    types.ID
	DriverID    types.ID
	LockedPrice int64
	CompletedAt time.Time
}

// Settlement is the full set of ledger rows for one completed trip.
type Settlement struct {
	Earning      DriverEarning
	Transactions []Transaction
}
