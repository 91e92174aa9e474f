package geo

import "math"

const earthRadiusKm = 6371

// Unreachable is the distance reported when either endpoint is unknown.
// Nearest-point searches compare against it like any other distance, so
// unknown points are never picked.
const Unreachable = 99999.0

// Coordinate is a WGS84 position. The zero value means "unknown".
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether both components are usable. Zero components are
// treated as missing, the upstream feed uses 0 for "no fix".
func (c Coordinate) Valid() bool {
	return usable(c.Lat) && usable(c.Lon)
}

// CoordinateFromPtr builds a Coordinate from optional components.
func CoordinateFromPtr(lat, lon *float64) Coordinate {
	var c Coordinate
	if lat != nil {
		c.Lat = *lat
	}
	if lon != nil {
		c.Lon = *lon
	}
	return c
}

func usable(v float64) bool {
	return v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DistanceKm returns the haversine distance between two points in kilometers,
// or Unreachable when any component is missing.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	if !usable(lat1) || !usable(lon1) || !usable(lat2) || !usable(lon2) {
		return Unreachable
	}

	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// Between is DistanceKm for two Coordinates.
func Between(a, b Coordinate) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Bearing calculates the bearing from a to b in degrees (0-360).
func Bearing(a, b Coordinate) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	deltaLambda := (b.Lon - a.Lon) * math.Pi / 180

	x := math.Sin(deltaLambda) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(deltaLambda)

	bearing := math.Atan2(x, y) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// Clamp constrains a value between lo and hi.
func Clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
