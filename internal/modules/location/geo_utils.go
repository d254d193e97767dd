// README: Pure geographic helpers: haversine distance, trip estimate and distance sorting.
package location

import (
	"math"

	"propmove/internal/types"
)

const (
	earthRadiusKm = 6371.0
	// assumedSpeedKmh converts straight-line distance into a duration estimate.
	assumedSpeedKmh = 40.0
)

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// Estimate returns the straight-line distance and a duration at 40 km/h,
// rounded to whole minutes and never below one minute.
func Estimate(pickup, dropoff types.Point) (distanceKm float64, durationMin int) {
	distanceKm = DistanceKm(pickup, dropoff)
	durationMin = int(math.Round(distanceKm / assumedSpeedKmh * 60))
	if durationMin < 1 {
		durationMin = 1
	}
	return distanceKm, durationMin
}

// sortByDistance performs a stable insertion sort (fine for small N) on any
// slice where each element exposes a distance via the accessor function.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
