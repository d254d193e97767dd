// README: Driver profile and dispatch candidate models.
package location

import (
	"time"

	"propmove/internal/types"
)

type DriverProfile struct {
	UserID            types.ID     `json:"user_id"`
	VehicleType       string       `json:"vehicle_type"`
	Approved          bool         `json:"is_approved"`
	Online            bool         `json:"is_online"`
	Position          *types.Point `json:"position,omitempty"`
	LocationUpdatedAt *time.Time   `json:"location_updated_at,omitempty"`
	RatingAvg         float64      `json:"rating_avg"`
	RatingCount       int          `json:"rating_count"`
}

// Available reports whether the driver may receive trip offers for vehicleType.
func (p DriverProfile) Available(vehicleType string) bool {
	return p.Approved && p.Online && p.VehicleType == vehicleType
}

// Candidate is a driver eligible for a trip, with distance to the pickup.
// DistanceKm is +Inf when the driver has never reported a position.
type Candidate struct {
	DriverID   types.ID
	DistanceKm float64
}

// ActiveTrip identifies the in-flight trip a driver is serving.
type ActiveTrip struct {
	TripID   types.ID
	TenantID types.ID
}

// LocationUpdate is the payload forwarded to the tenant of an active trip.
type LocationUpdate struct {
	TripID   types.ID  `json:"trip_id"`
	DriverID types.ID  `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}
