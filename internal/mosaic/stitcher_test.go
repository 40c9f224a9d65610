package mosaic

import (
	"bytes"
	"context"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

func TestTouchedSetCheckAndInsert(t *testing.T) {
	s := NewTouchedSet()

	if !s.CheckAndInsert("17/0/0") {
		t.Fatal("first insert must claim the key")
	}
	if s.CheckAndInsert("17/0/0") {
		t.Fatal("second insert must not claim the key")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestTouchedSetConcurrentClaim(t *testing.T) {
	s := NewTouchedSet()

	var claimed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CheckAndInsert("17/128/64") {
				claimed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := claimed.Load(); got != 1 {
		t.Errorf("%d workers claimed the key, want exactly 1", got)
	}
}

type stitchFixture struct {
	base, outline, mosaicBase, mosaicOutline *tilestore.FileStore
}

func newFixture(t *testing.T) *stitchFixture {
	t.Helper()
	mk := func(ext string) *tilestore.FileStore {
		s, err := tilestore.NewFileStore(t.TempDir(), ext, 17)
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		return s
	}
	return &stitchFixture{
		base:          mk(".jpg"),
		outline:       mk(".png"),
		mosaicBase:    mk(".jpg"),
		mosaicOutline: mk(".png"),
	}
}

func (f *stitchFixture) putBase(t *testing.T, addr tile.Tile, c color.NRGBA) {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(64, 64, c), imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.base.Put(context.Background(), addr, buf.Bytes()); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func (f *stitchFixture) putOutline(t *testing.T, addr tile.Tile, c color.NRGBA) {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(64, 64, c), imaging.PNG); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := f.outline.Put(context.Background(), addr, buf.Bytes()); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func (f *stitchFixture) stitcher(policy Policy, workers int) *Stitcher {
	return New(Options{
		BaseStore:     f.base,
		OutlineStore:  f.outline,
		MosaicBase:    f.mosaicBase,
		MosaicOutline: f.mosaicOutline,
		BlockSize:     2,
		TileSize:      64,
		Workers:       workers,
		Policy:        policy,
		Sentinel:      color.NRGBA{R: 255, G: 0, B: 255, A: 255},
		JPEGQuality:   95,
	})
}

func fullBlock(t *testing.T, f *stitchFixture) tile.Tile {
	t.Helper()
	anchor := tile.Tile{Zoom: 17, X: 8, Y: 4}
	colors := []color.NRGBA{
		{R: 200, G: 40, B: 40, A: 255},
		{R: 40, G: 200, B: 40, A: 255},
		{R: 40, G: 40, B: 200, A: 255},
		{R: 200, G: 200, B: 40, A: 255},
	}
	i := 0
	for dy := uint32(0); dy < 2; dy++ {
		for dx := uint32(0); dx < 2; dx++ {
			member := tile.Tile{Zoom: 17, X: anchor.X + dx, Y: anchor.Y + dy}
			f.putBase(t, member, colors[i])
			i++
		}
	}
	f.putOutline(t, anchor, color.NRGBA{G: 255, A: 255})
	return anchor
}

func TestStitchFullBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	anchor := fullBlock(t, f)

	stats, err := f.stitcher(PolicyAbort, 2).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Built.Load() != 1 || stats.Failed.Load() != 0 {
		t.Fatalf("stats = built %d failed %d, want 1/0", stats.Built.Load(), stats.Failed.Load())
	}

	data, err := f.mosaicBase.Get(ctx, anchor)
	if err != nil {
		t.Fatalf("stitched base missing: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding stitched base: %v", err)
	}
	if img.Bounds().Dx() != 128 || img.Bounds().Dy() != 128 {
		t.Fatalf("stitched base is %v, want 128x128", img.Bounds())
	}

	// Each member landed in its own quadrant (JPEG tolerance)
	checkQuadrant := func(px, py int, want color.NRGBA) {
		r, g, b, _ := img.At(px, py).RGBA()
		near := func(got uint32, want uint8) bool {
			d := int(got>>8) - int(want)
			return d > -16 && d < 16
		}
		if !near(r, want.R) || !near(g, want.G) || !near(b, want.B) {
			t.Errorf("pixel (%d,%d) = (%d,%d,%d), want near %v", px, py, r>>8, g>>8, b>>8, want)
		}
	}
	checkQuadrant(32, 32, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	checkQuadrant(96, 32, color.NRGBA{R: 40, G: 200, B: 40, A: 255})
	checkQuadrant(32, 96, color.NRGBA{R: 40, G: 40, B: 200, A: 255})
	checkQuadrant(96, 96, color.NRGBA{R: 200, G: 200, B: 40, A: 255})

	// Stitched outline exists and carries the drawn quadrant
	odata, err := f.mosaicOutline.Get(ctx, anchor)
	if err != nil {
		t.Fatalf("stitched outline missing: %v", err)
	}
	oimg, err := imaging.Decode(bytes.NewReader(odata))
	if err != nil {
		t.Fatalf("decoding stitched outline: %v", err)
	}
	if _, g, _, a := oimg.At(32, 32).RGBA(); g == 0 || a == 0 {
		t.Error("outline quadrant not composited")
	}
}

func TestStitchExactlyOnceUnderRacingWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	anchor := fullBlock(t, f)

	s := f.stitcher(PolicyAbort, 8)

	// The same anchor attempted by 8 workers at once: one build
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processAnchor(ctx, anchor)
		}()
	}
	wg.Wait()

	if built := s.Stats().Built.Load(); built != 1 {
		t.Errorf("built = %d, want exactly 1", built)
	}
	if skipped := s.Stats().Skipped.Load(); skipped != 7 {
		t.Errorf("skipped = %d, want 7", skipped)
	}
}

func TestStitchMissingMemberAbort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Three of four members present
	anchor := tile.Tile{Zoom: 17, X: 8, Y: 4}
	f.putBase(t, tile.Tile{Zoom: 17, X: 8, Y: 4}, color.NRGBA{R: 100, A: 255})
	f.putBase(t, tile.Tile{Zoom: 17, X: 9, Y: 4}, color.NRGBA{G: 100, A: 255})
	f.putBase(t, tile.Tile{Zoom: 17, X: 8, Y: 5}, color.NRGBA{B: 100, A: 255})

	s := f.stitcher(PolicyAbort, 2)
	stats, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Failed.Load() != 1 || stats.Built.Load() != 0 {
		t.Fatalf("stats = built %d failed %d, want 0/1", stats.Built.Load(), stats.Failed.Load())
	}

	// Nothing persisted for the aborted block
	if ok, _ := f.mosaicBase.Exists(ctx, anchor); ok {
		t.Error("aborted block must not persist a mosaic")
	}

	// The key stays touched: a retry within the run skips it
	s.processAnchor(ctx, anchor)
	if stats.Failed.Load() != 1 {
		t.Error("aborted block must not be retried")
	}
	if stats.Skipped.Load() == 0 {
		t.Error("retry must count as skipped")
	}
}

func TestStitchMissingMemberSentinel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	anchor := tile.Tile{Zoom: 17, X: 8, Y: 4}
	f.putBase(t, tile.Tile{Zoom: 17, X: 8, Y: 4}, color.NRGBA{R: 100, A: 255})
	f.putBase(t, tile.Tile{Zoom: 17, X: 9, Y: 4}, color.NRGBA{G: 100, A: 255})
	f.putBase(t, tile.Tile{Zoom: 17, X: 8, Y: 5}, color.NRGBA{B: 100, A: 255})
	// Member (9,5) missing: bottom-right quadrant

	stats, err := f.stitcher(PolicySentinel, 2).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Built.Load() != 1 || stats.Failed.Load() != 0 {
		t.Fatalf("stats = built %d failed %d, want 1/0", stats.Built.Load(), stats.Failed.Load())
	}

	data, err := f.mosaicBase.Get(ctx, anchor)
	if err != nil {
		t.Fatalf("degraded mosaic missing: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding mosaic: %v", err)
	}

	// Missing quadrant rendered in the sentinel color
	r, g, b, _ := img.At(96, 96).RGBA()
	if r>>8 < 200 || g>>8 > 60 || b>>8 < 200 {
		t.Errorf("sentinel quadrant pixel = (%d,%d,%d), want near magenta", r>>8, g>>8, b>>8)
	}
}

func TestStitchIdempotentAcrossRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fullBlock(t, f)

	if _, err := f.stitcher(PolicyAbort, 2).Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// A fresh stitcher (fresh touched set) sees the persisted mosaic
	// and skips without rebuilding
	stats, err := f.stitcher(PolicyAbort, 2).Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if stats.Built.Load() != 0 || stats.Skipped.Load() != 1 {
		t.Errorf("stats = built %d skipped %d, want 0/1", stats.Built.Load(), stats.Skipped.Load())
	}
}

func TestNonAnchorTilesNeverStartBlocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Only tiles at non-anchor positions
	f.putBase(t, tile.Tile{Zoom: 17, X: 9, Y: 5}, color.NRGBA{R: 100, A: 255})
	f.putBase(t, tile.Tile{Zoom: 17, X: 11, Y: 7}, color.NRGBA{G: 100, A: 255})

	stats, err := f.stitcher(PolicyAbort, 2).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Built.Load() != 0 || stats.Failed.Load() != 0 || stats.Skipped.Load() != 0 {
		t.Errorf("non-anchor tiles started work: %+v", stats)
	}
}
