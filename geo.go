package geotag

import "math"

const earthRadiusMeters = 6371000

// ValidCoordinates reports whether lat/lon form a usable GPS fix.
// (0, 0) is the null-island placeholder produced by uninitialized GPS
// fields and is rejected.
func ValidCoordinates(lat, lon float64) bool {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return false
	}
	if lat == 0 && lon == 0 {
		return false
	}
	return true
}

// FromE7 converts a fixed-point E7 coordinate to decimal degrees.
func FromE7(v int64) float64 {
	return float64(v) / 1e7
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMeters * c
}

// GridCell returns the coarse spatial bucket for a coordinate. One unit is
// roughly 111 meters, which bounds proximity-query candidates before exact
// distance refinement.
func GridCell(lat, lon float64) (int64, int64) {
	return int64(math.Floor(lat * 1000)), int64(math.Floor(lon * 1000))
}
