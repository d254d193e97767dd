// README: Dispatch commands, estimate results and the transport_request payload drivers receive.
package dispatch

import (
	"math"
	"time"

	"propmove/internal/modules/location"
	"propmove/internal/modules/pricing"
	"propmove/internal/types"
)

type EstimateCommand struct {
	Pickup      types.Point
	Dropoff     types.Point
	VehicleType string
	PickupAt    time.Time
	BadWeather  bool
}

type Estimate struct {
	DistanceKm  float64           `json:"distance_km"`
	DurationMin int               `json:"duration_min"`
	Price       types.Money       `json:"price"`
	Breakdown   pricing.Breakdown `json:"pricing_breakdown"`
}

type CreateCommand struct {
	Requester      types.Principal
	PropertyID     *types.ID
	Pickup         types.Point
	PickupAddress  string
	Dropoff        types.Point
	DropoffAddress string
	VehicleType    string
	BadWeather     bool
	// IdempotencyKey is optional; repeated keys from the same requester return the first trip.
	IdempotencyKey string
}

// RequestNotice is the transport_request payload pushed to candidate drivers.
type RequestNotice struct {
	TripID         types.ID    `json:"trip_id"`
	VehicleType    string      `json:"vehicle_type"`
	Pickup         types.Point `json:"pickup"`
	PickupAddress  string      `json:"pickup_address,omitempty"`
	Dropoff        types.Point `json:"dropoff"`
	DropoffAddress string      `json:"dropoff_address,omitempty"`
	DistanceKm     float64     `json:"distance_km"`
	DurationMin    int         `json:"duration_min"`
	LockedPrice    types.Money `json:"locked_price"`
	ExpiresAt      time.Time   `json:"expires_at"`
	Band           int         `json:"band"`
	RadiusKm       float64     `json:"radius_km"`
}

// BandMembers returns the nearest drivers within radiusKm, at most limit of
// them. Candidates must be sorted by ascending distance; unknown positions
// carry +Inf and never qualify.
func BandMembers(candidates []location.Candidate, radiusKm float64, limit int) []types.ID {
	var out []types.ID
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		if math.IsInf(c.DistanceKm, 1) || c.DistanceKm > radiusKm {
			break
		}
		out = append(out, c.DriverID)
	}
	return out
}
