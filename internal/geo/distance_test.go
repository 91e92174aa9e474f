package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	colomboFort = Coordinate{Lat: 6.9344, Lon: 79.8428}
	pettah      = Coordinate{Lat: 6.9366, Lon: 79.8500}
	kandy       = Coordinate{Lat: 7.2906, Lon: 80.6337}
)

func TestDistanceKmSymmetric(t *testing.T) {
	pairs := [][2]Coordinate{
		{colomboFort, pettah},
		{colomboFort, kandy},
		{pettah, kandy},
		{{Lat: -33.86, Lon: 151.21}, {Lat: 51.5, Lon: -0.12}},
	}

	for _, p := range pairs {
		ab := Between(p[0], p[1])
		ba := Between(p[1], p[0])
		assert.InDelta(t, ab, ba, 1e-9)
		assert.Less(t, ab, Unreachable)
	}
}

func TestDistanceKmZeroForIdenticalPoints(t *testing.T) {
	for _, c := range []Coordinate{colomboFort, pettah, kandy} {
		assert.Equal(t, 0.0, Between(c, c))
	}
}

func TestDistanceKmKnownValue(t *testing.T) {
	// Colombo Fort to Kandy is roughly 94 km as the crow flies.
	d := Between(colomboFort, kandy)
	assert.InDelta(t, 94.0, d, 2.0)
}

func TestDistanceKmMissingInputs(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
	}{
		{"zero lat", 0, 79.8, 6.9, 79.8},
		{"zero lon", 6.9, 0, 6.9, 79.8},
		{"zero second point", 6.9, 79.8, 0, 0},
		{"NaN", math.NaN(), 79.8, 6.9, 79.8},
		{"Inf", 6.9, math.Inf(1), 6.9, 79.8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, Unreachable, DistanceKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2))
		})
	}
}

func TestCoordinateFromPtr(t *testing.T) {
	lat, lon := 6.9, 79.8
	assert.True(t, CoordinateFromPtr(&lat, &lon).Valid())
	assert.False(t, CoordinateFromPtr(nil, &lon).Valid())
	assert.False(t, CoordinateFromPtr(nil, nil).Valid())
}

func TestBearing(t *testing.T) {
	north := Bearing(Coordinate{Lat: 6.9, Lon: 79.8}, Coordinate{Lat: 7.0, Lon: 79.8})
	east := Bearing(Coordinate{Lat: 6.9, Lon: 79.8}, Coordinate{Lat: 6.9, Lon: 79.9})
	assert.InDelta(t, 0.0, north, 0.01)
	assert.InDelta(t, 90.0, east, 0.1)
}

func TestTileIDRoundTrip(t *testing.T) {
	id := TileID(colomboFort, 14)
	assert.NotEmpty(t, id)

	tile, ok := ParseTile(id)
	assert.True(t, ok)
	assert.Equal(t, 14, tile.Zoom)
	assert.Equal(t, id, tile.String())

	assert.Empty(t, TileID(Coordinate{}, 14))
	_, ok = ParseTile("garbage")
	assert.False(t, ok)
}

func TestTilesCovering(t *testing.T) {
	tiles := TilesCovering(6.90, 79.80, 6.95, 79.88, 14)
	assert.NotEmpty(t, tiles)
	assert.Contains(t, tiles, TileID(colomboFort, 14))
}
