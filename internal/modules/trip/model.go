// README: Trip aggregate (transport request) and its status flow.
package trip

import (
	"time"

	"propmove/internal/modules/pricing"
	"propmove/internal/types"
)

type Status string

const (
	StatusNone           Status = "NONE"
	StatusRequested      Status = "REQUESTED"
	StatusDriverAssigned Status = "DRIVER_ASSIGNED"
	StatusDriverArriving Status = "DRIVER_ARRIVING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusCompleted      Status = "COMPLETED"
	StatusCanceled       Status = "CANCELED"
)

type Trip struct {
	ID               types.ID          `json:"id"`
	TenantID         types.ID          `json:"tenant_id"`
	PropertyID       *types.ID         `json:"property_id,omitempty"`
	Pickup           types.Point       `json:"pickup"`
	PickupAddress    string            `json:"pickup_address,omitempty"`
	Dropoff          types.Point       `json:"dropoff"`
	DropoffAddress   string            `json:"dropoff_address,omitempty"`
	VehicleType      string            `json:"vehicle_type"`
	DistanceKm       float64           `json:"distance_km"`
	DurationMin      int               `json:"duration_min"`
	PriceEstimate    types.Money       `json:"price_estimate"`
	LockedPrice      types.Money       `json:"locked_price"`
	PricingBreakdown pricing.Breakdown `json:"pricing_breakdown"`
	PriceLockedAt    time.Time         `json:"price_locked_at"`
	Status           Status            `json:"status"`
	StatusVersion    int               `json:"status_version"`
	AssignedDriverID *types.ID         `json:"assigned_driver_id,omitempty"`
	ExpiresAt        time.Time         `json:"expires_at"`
	CreatedAt        time.Time         `json:"created_at"`
	AcceptedAt       *time.Time        `json:"accepted_at,omitempty"`
	ArrivingAt       *time.Time        `json:"arriving_at,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CanceledAt       *time.Time        `json:"canceled_at,omitempty"`
	CancelReason     *string           `json:"cancel_reason,omitempty"`
}

// IsParticipant reports whether id is the tenant or the assigned driver.
func (t *Trip) IsParticipant(id types.ID) bool {
	return t.TenantID == id || (t.AssignedDriverID != nil && *t.AssignedDriverID == id)
}

func (t *Trip) AssignedTo(id types.ID) bool {
	return t.AssignedDriverID != nil && *t.AssignedDriverID == id
}

type Event struct {
	ID         int64     `json:"id"`
	TripID     types.ID  `json:"trip_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	ActorTenant = "tenant"
	ActorDriver = "driver"
	ActorAdmin  = "admin"
	ActorSystem = "system"
)

// AllowedTransitions represents the trip state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:      {StatusDriverAssigned, StatusCanceled},
	StatusDriverAssigned: {StatusDriverArriving, StatusCanceled},
	StatusDriverArriving: {StatusInProgress, StatusCanceled},
	StatusInProgress:     {StatusCompleted, StatusCanceled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCanceled
}

// driverSteps are the transitions the assigned driver reports.
var driverSteps = map[Status]bool{
	StatusDriverArriving: true,
	StatusInProgress:     true,
	StatusCompleted:      true,
}

// Notification payloads.

type AssignedNotice struct {
	TripID      types.ID    `json:"trip_id"`
	TenantID    types.ID    `json:"tenant_id"`
	DriverID    types.ID    `json:"driver_id"`
	Status      Status      `json:"status"`
	VehicleType string      `json:"vehicle_type"`
	LockedPrice types.Money `json:"locked_price"`
	Pickup      types.Point `json:"pickup"`
	Dropoff     types.Point `json:"dropoff"`
}

type StatusNotice struct {
	TripID   types.ID  `json:"trip_id"`
	Status   Status    `json:"status"`
	DriverID *types.ID `json:"driver_id,omitempty"`
	At       time.Time `json:"at"`
}

type CanceledNotice struct {
	TripID     types.ID  `json:"trip_id"`
	Reason     string    `json:"reason,omitempty"`
	CanceledBy string    `json:"canceled_by"`
	At         time.Time `json:"at"`
}
