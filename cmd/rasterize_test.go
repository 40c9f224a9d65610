package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"strings"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/geoforge/tilemosaic/internal/fetch"
	"github.com/geoforge/tilemosaic/internal/raster"
	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilecache"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

// perTileFetcher serves a valid tile image except for the addresses it
// is told to break, which fail with ErrFetch or return garbage bytes.
type perTileFetcher struct {
	data    []byte
	failing map[string]bool // url suffix -> true
	garbage map[string]bool
}

func (f *perTileFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	for suffix := range f.failing {
		if strings.HasSuffix(url, suffix) {
			return nil, fmt.Errorf("%w: unexpected status code 502 for %s", fetch.ErrFetch, url)
		}
	}
	for suffix := range f.garbage {
		if strings.HasSuffix(url, suffix) {
			return []byte("not-an-image"), nil
		}
	}
	return f.data, nil
}

func tileSuffix(t tile.Tile) string {
	return fmt.Sprintf("/%d/%d/%d", t.Zoom, t.Y, t.X)
}

func insetRing(t tile.Tile) []tile.Geo {
	b := t.Bounds()
	inset := func(fx, fy float64) tile.Geo {
		return tile.Geo{
			Lon: b.West + (b.East-b.West)*fx,
			Lat: b.South + (b.North-b.South)*fy,
		}
	}
	return []tile.Geo{inset(0.2, 0.2), inset(0.8, 0.2), inset(0.8, 0.8), inset(0.2, 0.8)}
}

func newTestPipeline(t *testing.T, f *perTileFetcher) *raster.Rasterizer {
	t.Helper()

	base, err := tilestore.NewFileStore(t.TempDir(), ".jpg", 17)
	if err != nil {
		t.Fatalf("base store: %v", err)
	}
	outline, err := tilestore.NewFileStore(t.TempDir(), ".png", 17)
	if err != nil {
		t.Fatalf("outline store: %v", err)
	}

	cache := tilecache.New(tilecache.Options{
		Fetcher:      f,
		BaseStore:    base,
		OutlineStore: outline,
		ProviderURL:  "https://imagery.test/tile",
		TileSize:     256,
	})

	return &raster.Rasterizer{
		Cache:    cache,
		Zoom:     17,
		TileSize: 256,
		Palette:  raster.DefaultPalette(),
	}
}

func encodeFixtureTile(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(256, 256, color.NRGBA{60, 60, 60, 255}), imaging.JPEG); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

// One footprint hitting an unreachable tile must not stop the drain:
// the footprint after it still rasterizes and the run finishes clean.
func TestRasterizeFootprintsSurvivesFetchFailure(t *testing.T) {
	ctx := context.Background()

	bad := tile.Tile{Zoom: 17, X: 68239, Y: 47675}
	good := tile.Tile{Zoom: 17, X: 68300, Y: 47675}

	f := &perTileFetcher{
		data:    encodeFixtureTile(t),
		failing: map[string]bool{tileSuffix(bad): true},
	}
	r := newTestPipeline(t, f)
	rules := raster.DefaultRules(100)

	polys := make(chan raster.Polygon, 2)
	polys <- raster.Polygon{ID: 1, Ring: insetRing(bad)}
	polys <- raster.Polygon{ID: 2, Ring: insetRing(good)}
	close(polys)

	var counts rasterCounts
	if err := rasterizeFootprints(ctx, polys, r, rules, nil, &counts); err != nil {
		t.Fatalf("rasterizeFootprints: %v", err)
	}

	if got := counts.tileFailed.Load(); got != 1 {
		t.Errorf("tileFailed = %d, want 1", got)
	}
	var drawn int64
	for c := raster.Class(0); c < raster.NumClasses; c++ {
		drawn += counts.byClass[c].Load()
	}
	if drawn != 1 {
		t.Errorf("footprints drawn = %d, want 1", drawn)
	}
	if r.Cache.Known() != 1 {
		t.Errorf("cache holds %d tiles, want only the good one", r.Cache.Known())
	}
}

// Undecodable provider bytes are the same class of failure: skip the
// footprint, keep the run alive.
func TestRasterizeFootprintsSurvivesDecodeFailure(t *testing.T) {
	ctx := context.Background()

	bad := tile.Tile{Zoom: 17, X: 68239, Y: 47675}
	good := tile.Tile{Zoom: 17, X: 68300, Y: 47675}

	f := &perTileFetcher{
		data:    encodeFixtureTile(t),
		garbage: map[string]bool{tileSuffix(bad): true},
	}
	r := newTestPipeline(t, f)
	rules := raster.DefaultRules(100)

	polys := make(chan raster.Polygon, 2)
	polys <- raster.Polygon{ID: 1, Ring: insetRing(bad)}
	polys <- raster.Polygon{ID: 2, Ring: insetRing(good)}
	close(polys)

	var counts rasterCounts
	if err := rasterizeFootprints(ctx, polys, r, rules, nil, &counts); err != nil {
		t.Fatalf("rasterizeFootprints: %v", err)
	}

	if got := counts.tileFailed.Load(); got != 1 {
		t.Errorf("tileFailed = %d, want 1", got)
	}
	if got := counts.byClass[raster.ClassNormal].Load(); got != 1 {
		t.Errorf("normal footprints = %d, want 1", got)
	}
}

// Malformed rings keep their own counter and also never abort.
func TestRasterizeFootprintsCountsMalformed(t *testing.T) {
	ctx := context.Background()

	good := tile.Tile{Zoom: 17, X: 68300, Y: 47675}
	f := &perTileFetcher{data: encodeFixtureTile(t)}
	r := newTestPipeline(t, f)
	rules := raster.DefaultRules(100)

	polys := make(chan raster.Polygon, 2)
	polys <- raster.Polygon{ID: 1, Ring: []tile.Geo{{Lon: 1, Lat: 1}, {Lon: 2, Lat: 2}}}
	polys <- raster.Polygon{ID: 2, Ring: insetRing(good)}
	close(polys)

	var counts rasterCounts
	if err := rasterizeFootprints(ctx, polys, r, rules, nil, &counts); err != nil {
		t.Fatalf("rasterizeFootprints: %v", err)
	}

	if got := counts.malformed.Load(); got != 1 {
		t.Errorf("malformed = %d, want 1", got)
	}
	if got := counts.byClass[raster.ClassNormal].Load(); got != 1 {
		t.Errorf("normal footprints = %d, want 1", got)
	}
}
