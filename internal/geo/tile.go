package geo

import (
	"fmt"
	"math"
)

// Tile is a Web Mercator (slippy map) tile address.
type Tile struct {
	Zoom int
	X    int
	Y    int
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// TileAt returns the tile containing c at the given zoom level.
func TileAt(c Coordinate, zoom int) Tile {
	n := math.Exp2(float64(zoom))
	x := int(math.Floor((c.Lon + 180.0) / 360.0 * n))
	latRad := c.Lat * math.Pi / 180.0
	y := int(math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n))

	last := int(n) - 1
	return Tile{Zoom: zoom, X: clampInt(x, 0, last), Y: clampInt(y, 0, last)}
}

// TileID is TileAt rendered as "z/x/y". Unknown coordinates have no tile.
func TileID(c Coordinate, zoom int) string {
	if !c.Valid() {
		return ""
	}
	return TileAt(c, zoom).String()
}

// ParseTile parses a "z/x/y" tile key.
func ParseTile(id string) (Tile, bool) {
	var t Tile
	n, err := fmt.Sscanf(id, "%d/%d/%d", &t.Zoom, &t.X, &t.Y)
	if err != nil || n != 3 {
		return Tile{}, false
	}
	return t, true
}

// TilesCovering returns every tile key at zoom that intersects the box.
func TilesCovering(minLat, minLon, maxLat, maxLon float64, zoom int) []string {
	topLeft := TileAt(Coordinate{Lat: maxLat, Lon: minLon}, zoom)
	bottomRight := TileAt(Coordinate{Lat: minLat, Lon: maxLon}, zoom)

	var tiles []string
	for x := topLeft.X; x <= bottomRight.X; x++ {
		for y := topLeft.Y; y <= bottomRight.Y; y++ {
			tiles = append(tiles, Tile{Zoom: zoom, X: x, Y: y}.String())
		}
	}
	return tiles
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
