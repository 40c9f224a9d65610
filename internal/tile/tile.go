// Package tile implements slippy-map tile addressing and the
// projection between geographic coordinates and per-tile pixel space.
//
// All functions are pure; the package holds no state and does no I/O.
package tile

import (
	"fmt"
	"math"
	"sort"
)

// Web Mercator latitude limits
const (
	MaxMercatorLat = 85.0511287798
	MinMercatorLat = -85.0511287798
)

// Geo is a WGS84 coordinate in degrees.
type Geo struct {
	Lon float64
	Lat float64
}

// Tile addresses one slippy-map tile. Valid addresses satisfy
// X < 2^Zoom and Y < 2^Zoom.
type Tile struct {
	Zoom uint8
	X    uint32
	Y    uint32
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Key returns a unique string key for the tile (for deduplication)
func (t Tile) Key() string {
	return t.String()
}

// Bounds is the geographic extent of a tile. North > South and
// West < East always hold for valid tiles.
type Bounds struct {
	West  float64
	East  float64
	North float64
	South float64
}

// FromGeo converts a coordinate to the containing tile at the given
// zoom level. Standard OSM/Google tile scheme; latitude is clamped to
// the Web Mercator range, longitude to [-180, 180]. Deterministic,
// no error case for valid inputs.
func FromGeo(g Geo, zoom uint8) Tile {
	lat := g.Lat
	if lat > MaxMercatorLat {
		lat = MaxMercatorLat
	}
	if lat < MinMercatorLat {
		lat = MinMercatorLat
	}

	lon := g.Lon
	if lon < -180 {
		lon = -180
	}
	if lon > 180 {
		lon = 180
	}

	n := float64(uint64(1) << zoom)

	x := int64((lon + 180.0) / 360.0 * n)
	if x >= int64(n) {
		x = int64(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int64((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int64(n) {
		y = int64(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{Zoom: zoom, X: uint32(x), Y: uint32(y)}
}

// Bounds returns the geographic extent covered by the tile, the
// inverse of FromGeo.
func (t Tile) Bounds() Bounds {
	n := float64(uint64(1) << t.Zoom)
	return Bounds{
		West:  float64(t.X)/n*360.0 - 180.0,
		East:  float64(t.X+1)/n*360.0 - 180.0,
		North: yToLat(float64(t.Y), n),
		South: yToLat(float64(t.Y+1), n),
	}
}

func yToLat(y, n float64) float64 {
	return math.Atan(math.Sinh(math.Pi*(1.0-2.0*y/n))) * 180.0 / math.Pi
}

// ProjectToPixel maps a coordinate into the tile's local pixel space
// for a size×size canvas. Longitude is interpolated west→east onto
// [0, size) and latitude north→south onto [0, size): pixel Y grows
// southward. Coordinates outside the tile's bounds are not rejected;
// they simply project outside [0, size).
func ProjectToPixel(g Geo, t Tile, size int) (int, int) {
	b := t.Bounds()
	px := (g.Lon - b.West) / (b.East - b.West) * float64(size)
	py := (g.Lat - b.North) / (b.South - b.North) * float64(size)
	return int(px), int(py)
}

// PixelToGeo is the inverse of ProjectToPixel, mapping the top-left
// corner of pixel (px, py) back to a geographic coordinate.
func PixelToGeo(t Tile, px, py, size int) Geo {
	b := t.Bounds()
	return Geo{
		Lon: b.West + float64(px)/float64(size)*(b.East-b.West),
		Lat: b.North + float64(py)/float64(size)*(b.South-b.North),
	}
}

// TilesForRing returns the tiles containing the ring's vertices at the
// given zoom, deduplicated and sorted by (x, y).
//
// Membership is decided by vertex sampling only: a tile crossed by an
// edge of the ring without containing any vertex is not returned. A
// long thin polygon can therefore be rasterized into fewer tiles than
// it geometrically touches. Accepted scope limitation.
func TilesForRing(ring []Geo, zoom uint8) []Tile {
	seen := make(map[Tile]struct{}, len(ring))
	for _, g := range ring {
		seen[FromGeo(g, zoom)] = struct{}{}
	}

	tiles := make([]Tile, 0, len(seen))
	for t := range seen {
		tiles = append(tiles, t)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// Range is a rectangular range of tiles at one zoom level.
type Range struct {
	Zoom       uint8
	MinX, MaxX uint32
	MinY, MaxY uint32
}

// RangeForBounds converts a geographic bounding box to the range of
// tiles covering it. Northern tiles have smaller Y.
func RangeForBounds(west, south, east, north float64, zoom uint8) Range {
	topLeft := FromGeo(Geo{Lon: west, Lat: north}, zoom)
	bottomRight := FromGeo(Geo{Lon: east, Lat: south}, zoom)

	return Range{
		Zoom: zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// Count returns the number of tiles in the range
func (r Range) Count() int {
	return int(r.MaxX-r.MinX+1) * int(r.MaxY-r.MinY+1)
}

// Tiles returns all tiles in the range, ordered by (x, y)
func (r Range) Tiles() []Tile {
	tiles := make([]Tile, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Zoom: r.Zoom, X: x, Y: y})
		}
	}
	return tiles
}
