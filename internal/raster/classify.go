package raster

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/geoforge/tilemosaic/internal/tile"
)

// ErrMalformedPolygon marks a polygon with fewer than 3 usable
// vertices or an unresolved vertex reference. Such polygons are
// skipped and produce no raster output.
var ErrMalformedPolygon = errors.New("malformed polygon")

// Class is a building classification controlling the rendered color.
type Class int

const (
	ClassUnclassified Class = iota
	ClassNormal
	ClassBelowAreaThreshold
	ClassExcludedTags

	// NumClasses bounds the enumeration; new classes append before it
	// so existing indices never shift.
	NumClasses
)

func (c Class) String() string {
	switch c {
	case ClassNormal:
		return "normal"
	case ClassBelowAreaThreshold:
		return "below-area-threshold"
	case ClassExcludedTags:
		return "excluded-tags"
	default:
		return "unclassified"
	}
}

// Polygon is one building footprint: a closed ring of coordinates plus
// the metadata the classifier needs. The ring may or may not repeat
// its first vertex as a closing point.
type Polygon struct {
	ID       int64 // source feature id (OSM way id)
	Ring     []tile.Geo
	Tags     map[string]string
	Excluded bool // upstream decode already marked it excluded
}

// closedRing strips a trailing vertex that duplicates the first, so a
// closing point never produces a degenerate zero-length final edge.
// Fails with ErrMalformedPolygon when fewer than 3 vertices remain.
func closedRing(ring []tile.Geo) ([]tile.Geo, error) {
	r := ring
	if len(r) > 1 && r[0] == r[len(r)-1] {
		r = r[:len(r)-1]
	}
	if len(r) < 3 {
		return nil, ErrMalformedPolygon
	}
	return r, nil
}

// GeodesicArea returns the absolute geodesic area of the ring in
// square meters.
func GeodesicArea(ring []tile.Geo) float64 {
	r := make(orb.Ring, 0, len(ring)+1)
	for _, g := range ring {
		r = append(r, orb.Point{g.Lon, g.Lat})
	}
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	return math.Abs(geo.Area(r))
}

// Classify assigns a class to the polygon. Pure: no I/O, no state.
// Precedence is rejection, exclusion, area, normal.
func Classify(p Polygon, rules *Rules) (Class, error) {
	ring, err := closedRing(p.Ring)
	if err != nil {
		return ClassUnclassified, err
	}

	if p.Excluded || rules.Excluded(p.Tags) {
		return ClassExcludedTags, nil
	}

	if GeodesicArea(ring) < rules.AreaThresholdM2 {
		return ClassBelowAreaThreshold, nil
	}

	return ClassNormal, nil
}
