package utils

import "math"

const earthRadiusMeters = 6371000.0

// HaversineDistance returns the great-circle distance between two points in meters,
// rounded to 2 decimal places.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return math.Round(earthRadiusMeters*c*100) / 100
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
