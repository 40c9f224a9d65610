// Package raster classifies building polygons and draws them into
// per-tile outline canvases.
package raster

import (
	"context"
	"errors"
	"image"

	"github.com/gogpu/gg"

	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilecache"
)

// Rasterizer projects classified polygons into the outline canvases of
// every tile they touch. Safe for concurrent use; canvas access is
// serialized by the cache.
type Rasterizer struct {
	Cache    *tilecache.Cache
	Zoom     uint8
	TileSize int
	Palette  Palette
}

// Rasterize draws the polygon into the outline canvas of each touched
// tile using the class color and marks those tiles dirty. Returns the
// number of tiles drawn into.
//
// Touched tiles outside the area of interest are skipped silently; the
// polygon is still drawn into every in-interest tile. Any other cache
// error aborts this polygon.
func (r *Rasterizer) Rasterize(ctx context.Context, p Polygon, class Class) (int, error) {
	ring, err := closedRing(p.Ring)
	if err != nil {
		return 0, err
	}

	tiles := tile.TilesForRing(ring, r.Zoom)

	drawn := 0
	for _, t := range tiles {
		err := r.Cache.EnsureLoaded(ctx, t)
		if errors.Is(err, tilecache.ErrOutOfInterest) {
			continue
		}
		if err != nil {
			return drawn, err
		}

		if err := r.drawIntoTile(ctx, ring, class, t); err != nil {
			return drawn, err
		}
		r.Cache.MarkDirty(t)
		drawn++
	}
	return drawn, nil
}

// drawIntoTile projects the ring into the tile's local pixel space and
// draws it filled plus a 1px stroke. Vertices landing outside the tile
// clip visually; that is expected for polygons spanning tiles.
func (r *Rasterizer) drawIntoTile(ctx context.Context, ring []tile.Geo, class Class, t tile.Tile) error {
	return r.Cache.UpdateOutline(ctx, t, func(canvas image.Image) (image.Image, error) {
		dc := gg.NewContextForImage(canvas)
		defer dc.Close()

		dc.SetColor(r.Palette.For(class))
		for i, g := range ring {
			px, py := tile.ProjectToPixel(g, t, r.TileSize)
			if i == 0 {
				dc.MoveTo(float64(px), float64(py))
			} else {
				dc.LineTo(float64(px), float64(py))
			}
		}
		dc.ClosePath()

		if err := dc.FillPreserve(); err != nil {
			return nil, err
		}
		dc.SetLineWidth(1)
		if err := dc.Stroke(); err != nil {
			return nil, err
		}

		return dc.Image(), nil
	})
}
