// Package motion turns consecutive fixes into a speed and a reporting cadence.
package motion

import (
	"math"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

const earthRadiusKm = 6371.0

// DistanceMeters returns the great-circle distance between two fixes.
func DistanceMeters(a, b pkg.LocationFix) float64 {
	return haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude) * 1000
}

// EstimateSpeed returns the speed in km/h implied by moving from previous to
// current. Identical timestamps yield 0.
func EstimateSpeed(current, previous pkg.LocationFix) float64 {
	elapsed := math.Abs(current.Timestamp.Sub(previous.Timestamp).Seconds())
	if elapsed == 0 {
		return 0
	}
	km := haversineKm(previous.Latitude, previous.Longitude, current.Latitude, current.Longitude)
	return km / (elapsed / 3600)
}

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
