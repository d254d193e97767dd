// README: Trip rating and the driver's rolling rating aggregate.
package rating

import (
	"time"

	"propmove/internal/types"
)

type Rating struct {
	ID        types.ID  `json:"id"`
	TripID    types.ID  `json:"trip_id"`
	TenantID  types.ID  `json:"tenant_id"`
	DriverID  types.ID  `json:"driver_id"`
	Stars     int       `json:"stars"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Aggregate struct {
	DriverID types.ID `json:"driver_id"`
	Avg      float64  `json:"rating_avg"`
	Count    int      `json:"rating_count"`
}

// Apply folds one more rating into the running mean. The store runs the
// same formula in SQL under a row lock.
func (a Aggregate) Apply(stars int) Aggregate {
	return Aggregate{
		DriverID: a.DriverID,
		Avg:      (a.Avg*float64(a.Count) + float64(stars)) / float64(a.Count+1),
		Count:    a.Count + 1,
	}
}
