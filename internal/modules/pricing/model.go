// README: Pricing rules, global transport settings and the typed price breakdown.
package pricing

import (
	"time"

	"propmove/internal/types"
)

// Rule is the active fare definition for one vehicle type.
type Rule struct {
	ID                int64
	VehicleType       string
	BaseFare          int64
	PerKm             float64
	PerMin            float64
	MinimumFare       int64
	SurgeMultiplier   float64
	NightMultiplier   float64
	WeatherMultiplier float64
	Active            bool
}

// Settings is the global singleton row that caps multipliers and holds the
// platform commission.
type Settings struct {
	SurgeEnabled         bool
	MaxSurgeMultiplier   float64
	MaxNightMultiplier   float64
	MaxWeatherMultiplier float64
	NightStartHour       int
	NightEndHour         int
	SurgeWindowMinutes   int
	SurgeMinDelta        int
	CommissionPct        float64
}

func DefaultSettings() Settings {
	return Settings{
		SurgeEnabled:         true,
		MaxSurgeMultiplier:   2.0,
		MaxNightMultiplier:   1.5,
		MaxWeatherMultiplier: 1.5,
		NightStartHour:       21,
		NightEndHour:         5,
		SurgeWindowMinutes:   5,
		SurgeMinDelta:        1,
		CommissionPct:        15,
	}
}

type Request struct {
	VehicleType string
	DistanceKm  float64
	DurationMin int
	PickupAt    time.Time
	BadWeather  bool
	Pickup      *types.Point
}

type Inputs struct {
	VehicleType string       `json:"vehicle_type"`
	DistanceKm  float64      `json:"distance_km"`
	DurationMin int          `json:"duration_min"`
	PickupAt    time.Time    `json:"pickup_at"`
	LocalHour   int          `json:"local_hour"`
	BadWeather  bool         `json:"bad_weather"`
	Pickup      *types.Point `json:"pickup,omitempty"`
}

type Components struct {
	BaseFare     int64 `json:"base_fare"`
	DistanceCost int64 `json:"distance_cost"`
	TimeCost     int64 `json:"time_cost"`
	RawPrice     int64 `json:"raw_price"`
}

// Multiplier is one pricing factor. Value is exactly 1 when not applied.
type Multiplier struct {
	Value   float64 `json:"value"`
	Applied bool    `json:"applied"`
	Reason  string  `json:"reason"`
}

type Multipliers struct {
	Surge   Multiplier `json:"surge"`
	Night   Multiplier `json:"night"`
	Weather Multiplier `json:"weather"`
}

func (m Multipliers) Total() float64 {
	return m.Surge.Value * m.Night.Value * m.Weather.Value
}

// Breakdown is persisted verbatim with the trip and in the pricing audit.
type Breakdown struct {
	RuleID             int64       `json:"rule_id"`
	Inputs             Inputs      `json:"inputs"`
	Components         Components  `json:"components"`
	Multipliers        Multipliers `json:"multipliers"`
	TotalMultiplier    float64     `json:"total_multiplier"`
	MinimumFare        int64       `json:"minimum_fare"`
	MinimumFareApplied bool        `json:"minimum_fare_applied"`
	FinalPrice         int64       `json:"final_price"`
	Currency           string      `json:"currency"`
}

type Calculation struct {
	Breakdown Breakdown
}

func (c Calculation) RawPrice() int64 { return c.Breakdown.Components.RawPrice }

func (c Calculation) FinalPrice() types.Money { return types.ZMW(c.Breakdown.FinalPrice) }
