package raster

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilecache"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

type stubFetcher struct {
	data []byte
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.data, nil
}

func newTestRasterizer(t *testing.T, interest func(tile.Tile) bool) *Rasterizer {
	t.Helper()

	img := imaging.New(256, 256, color.NRGBA{60, 60, 60, 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}

	base, err := tilestore.NewFileStore(t.TempDir(), ".jpg", 17)
	if err != nil {
		t.Fatalf("base store: %v", err)
	}
	outline, err := tilestore.NewFileStore(t.TempDir(), ".png", 17)
	if err != nil {
		t.Fatalf("outline store: %v", err)
	}

	cache := tilecache.New(tilecache.Options{
		Fetcher:      &stubFetcher{data: buf.Bytes()},
		BaseStore:    base,
		OutlineStore: outline,
		ProviderURL:  "https://imagery.test/tile",
		TileSize:     256,
		Interest:     interest,
	})

	return &Rasterizer{
		Cache:    cache,
		Zoom:     17,
		TileSize: 256,
		Palette:  DefaultPalette(),
	}
}

// countDrawnPixels counts outline pixels with non-zero alpha.
func countDrawnPixels(t *testing.T, r *Rasterizer, addr tile.Tile) int {
	t.Helper()
	count := 0
	err := r.Cache.UpdateOutline(context.Background(), addr, func(canvas image.Image) (image.Image, error) {
		b := canvas.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				if _, _, _, a := canvas.At(x, y).RGBA(); a > 0 {
					count++
				}
			}
		}
		return canvas, nil
	})
	if err != nil {
		t.Fatalf("inspecting outline: %v", err)
	}
	return count
}

func TestRasterizeSingleTile(t *testing.T) {
	ctx := context.Background()
	r := newTestRasterizer(t, nil)

	addr := tile.Tile{Zoom: 17, X: 68239, Y: 47675}
	b := addr.Bounds()
	inset := func(fx, fy float64) tile.Geo {
		return tile.Geo{
			Lon: b.West + (b.East-b.West)*fx,
			Lat: b.South + (b.North-b.South)*fy,
		}
	}

	p := Polygon{ID: 42, Ring: []tile.Geo{inset(0.2, 0.2), inset(0.8, 0.2), inset(0.8, 0.8), inset(0.2, 0.8)}}
	drawn, err := r.Rasterize(ctx, p, ClassNormal)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if drawn != 1 {
		t.Fatalf("drawn = %d, want 1", drawn)
	}

	if n := countDrawnPixels(t, r, addr); n == 0 {
		t.Error("outline canvas still blank after Rasterize")
	}
}

func TestRasterizeSpanningTwoTiles(t *testing.T) {
	ctx := context.Background()
	r := newTestRasterizer(t, nil)

	left := tile.Tile{Zoom: 17, X: 68239, Y: 47675}
	right := tile.Tile{Zoom: 17, X: 68240, Y: 47675}
	b := left.Bounds()
	width := b.East - b.West
	height := b.North - b.South

	// Rectangle straddling the shared edge
	ring := []tile.Geo{
		{Lon: b.West + width*0.6, Lat: b.South + height*0.4},
		{Lon: b.East + width*0.4, Lat: b.South + height*0.4},
		{Lon: b.East + width*0.4, Lat: b.South + height*0.6},
		{Lon: b.West + width*0.6, Lat: b.South + height*0.6},
	}

	drawn, err := r.Rasterize(ctx, Polygon{ID: 7, Ring: ring}, ClassNormal)
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if drawn != 2 {
		t.Fatalf("drawn = %d, want 2", drawn)
	}

	// Both tiles received drawing; each holds its clipped portion
	if n := countDrawnPixels(t, r, left); n == 0 {
		t.Error("left tile outline blank")
	}
	if n := countDrawnPixels(t, r, right); n == 0 {
		t.Error("right tile outline blank")
	}
}

func TestRasterizeSkipsOutOfInterestTiles(t *testing.T) {
	ctx := context.Background()

	left := tile.Tile{Zoom: 17, X: 68239, Y: 47675}
	right := tile.Tile{Zoom: 17, X: 68240, Y: 47675}

	// Only the left tile is of interest
	r := newTestRasterizer(t, func(t tile.Tile) bool { return t == left })

	b := left.Bounds()
	width := b.East - b.West
	height := b.North - b.South
	ring := []tile.Geo{
		{Lon: b.West + width*0.6, Lat: b.South + height*0.4},
		{Lon: b.East + width*0.4, Lat: b.South + height*0.4},
		{Lon: b.East + width*0.4, Lat: b.South + height*0.6},
		{Lon: b.West + width*0.6, Lat: b.South + height*0.6},
	}

	drawn, err := r.Rasterize(ctx, Polygon{ID: 8, Ring: ring}, ClassNormal)
	if err != nil {
		t.Fatalf("out-of-interest member must not fail the polygon: %v", err)
	}
	if drawn != 1 {
		t.Errorf("drawn = %d, want 1", drawn)
	}

	if n := countDrawnPixels(t, r, left); n == 0 {
		t.Error("in-interest tile outline blank")
	}
	if err := r.Cache.EnsureLoaded(ctx, right); !errors.Is(err, tilecache.ErrOutOfInterest) {
		t.Errorf("right tile unexpectedly loaded: %v", err)
	}
}

func TestRasterizeMalformed(t *testing.T) {
	ctx := context.Background()
	r := newTestRasterizer(t, nil)

	_, err := r.Rasterize(ctx, Polygon{Ring: []tile.Geo{{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}}}, ClassNormal)
	if !errors.Is(err, ErrMalformedPolygon) {
		t.Errorf("Rasterize = %v, want ErrMalformedPolygon", err)
	}
	if r.Cache.Known() != 0 {
		t.Error("malformed polygon must not load tiles")
	}
}
