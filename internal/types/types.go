// README: Shared value objects used across modules (IDs, coordinates, money, principals).
package types

import "math"

// Currency is the only currency the transport core settles in.
const Currency = "ZMW"

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether p is a finite coordinate inside the WGS84 ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Money holds whole kwacha.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func ZMW(amount int64) Money {
	return Money{Amount: amount, Currency: Currency}
}

type Role string

const (
	RoleTenant   Role = "tenant"
	RoleLandlord Role = "landlord"
	RoleAgent    Role = "agent"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// CanRequestTransport reports whether the role may book trips.
func (r Role) CanRequestTransport() bool {
	switch r {
	case RoleTenant, RoleLandlord, RoleAgent:
		return true
	}
	return false
}

// Principal is the already-authenticated caller supplied by the surrounding application.
type Principal struct {
	ID   ID   `json:"id"`
	Role Role `json:"role"`
}

func (p Principal) IsAdmin() bool  { return p.Role == RoleAdmin }
func (p Principal) IsDriver() bool { return p.Role == RoleDriver }
