// Package mosaic reassembles persisted tiles into N×N blocks, one
// stitched base image and one stitched outline image per block.
package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

// ErrIncompleteBlock marks a block with a missing member tile under
// the abort policy. The block is skipped and counted, never retried
// within the run.
var ErrIncompleteBlock = errors.New("mosaic block incomplete")

// Policy decides how a missing member tile is handled. It is a run
// configuration applied uniformly, not a per-block decision.
type Policy int

const (
	// PolicyAbort drops the whole block; nothing is persisted.
	PolicyAbort Policy = iota
	// PolicySentinel renders missing members as a flat sentinel color
	// and persists the degraded mosaic.
	PolicySentinel
)

// ParsePolicy parses "abort" or "sentinel".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "abort":
		return PolicyAbort, nil
	case "sentinel":
		return PolicySentinel, nil
	default:
		return PolicyAbort, fmt.Errorf("unknown missing-member policy %q", s)
	}
}

// Stats counts stitcher outcomes for the run summary.
type Stats struct {
	Built   atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64
}

// Options configures a Stitcher.
type Options struct {
	BaseStore     tilestore.Store
	OutlineStore  tilestore.Store
	MosaicBase    tilestore.Store
	MosaicOutline tilestore.Store

	BlockSize   int // N for N×N blocks
	TileSize    int
	Workers     int
	Policy      Policy
	Sentinel    color.NRGBA
	JPEGQuality int
}

// Stitcher sweeps the persisted tile namespace and builds each mosaic
// block exactly once, however many workers race over the anchors.
type Stitcher struct {
	opts    Options
	touched *TouchedSet
	stats   Stats
}

// New creates a Stitcher with a fresh touched set.
func New(opts Options) *Stitcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	return &Stitcher{opts: opts, touched: NewTouchedSet()}
}

// Stats exposes the outcome counters.
func (s *Stitcher) Stats() *Stats {
	return &s.stats
}

// Run sweeps all persisted base tiles sorted by (x, y) and stitches
// every anchored block. Per-block failures are counted and logged,
// never fatal to the sweep.
func (s *Stitcher) Run(ctx context.Context) (*Stats, error) {
	log := logger.Get()

	tiles, err := s.opts.BaseStore.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tile namespace: %w", err)
	}

	n := uint32(s.opts.BlockSize)
	anchors := make([]tile.Tile, 0, len(tiles)/s.opts.BlockSize+1)
	for _, t := range tiles {
		// Only block anchors start a build; the tiles in between are
		// consumed as members of their anchor's block.
		if t.X%n == 0 && t.Y%n == 0 {
			anchors = append(anchors, t)
		}
	}

	log.Info("Starting mosaic sweep",
		zap.Int("tiles", len(tiles)),
		zap.Int("anchors", len(anchors)),
		zap.Int("block_size", s.opts.BlockSize),
		zap.Int("workers", s.opts.Workers))

	work := make(chan tile.Tile)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for _, a := range anchors {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case work <- a:
			}
		}
		return nil
	})

	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for a := range work {
				if err := gctx.Err(); err != nil {
					return err
				}
				s.processAnchor(gctx, a)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &s.stats, err
	}

	log.Info("Mosaic sweep complete",
		zap.Int64("built", s.stats.Built.Load()),
		zap.Int64("skipped", s.stats.Skipped.Load()),
		zap.Int64("failed", s.stats.Failed.Load()))

	return &s.stats, nil
}

// processAnchor claims the block and builds it if no other worker has.
// Claiming happens before any I/O, so racing workers agree on a single
// builder; a failed build leaves the key claimed and is not retried.
func (s *Stitcher) processAnchor(ctx context.Context, anchor tile.Tile) {
	log := logger.Get()

	if !s.touched.CheckAndInsert(anchor.Key()) {
		s.stats.Skipped.Add(1)
		return
	}

	// Cheap existence probe before any decode work
	baseExists, err := s.opts.MosaicBase.Exists(ctx, anchor)
	if err == nil && baseExists {
		outlineExists, err2 := s.opts.MosaicOutline.Exists(ctx, anchor)
		if err2 == nil && outlineExists {
			s.stats.Skipped.Add(1)
			return
		}
	}

	if err := s.buildBlock(ctx, anchor); err != nil {
		s.stats.Failed.Add(1)
		if errors.Is(err, ErrIncompleteBlock) {
			log.Debug("Skipping incomplete block", zap.String("anchor", anchor.Key()), zap.Error(err))
		} else {
			log.Warn("Block build failed", zap.String("anchor", anchor.Key()), zap.Error(err))
		}
		return
	}
	s.stats.Built.Add(1)
}

// buildBlock composites the N² member tiles into one base and one
// outline image and persists both keyed by the anchor.
func (s *Stitcher) buildBlock(ctx context.Context, anchor tile.Tile) error {
	ts := s.opts.TileSize
	edge := s.opts.BlockSize * ts

	baseOut := imaging.New(edge, edge, color.NRGBA{A: 255})
	outlineOut := imaging.New(edge, edge, color.NRGBA{})

	for dy := 0; dy < s.opts.BlockSize; dy++ {
		for dx := 0; dx < s.opts.BlockSize; dx++ {
			member := tile.Tile{Zoom: anchor.Zoom, X: anchor.X + uint32(dx), Y: anchor.Y + uint32(dy)}
			at := image.Pt(dx*ts, dy*ts)

			data, err := s.opts.BaseStore.Get(ctx, member)
			if errors.Is(err, tilestore.ErrNotFound) {
				if s.opts.Policy == PolicyAbort {
					return fmt.Errorf("%w: missing member %s", ErrIncompleteBlock, member)
				}
				baseOut = imaging.Paste(baseOut, imaging.New(ts, ts, s.opts.Sentinel), at)
				continue
			}
			if err != nil {
				return fmt.Errorf("member %s: %w", member, err)
			}

			img, err := imaging.Decode(bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("member %s: decoding base: %w", member, err)
			}
			baseOut = imaging.Paste(baseOut, img, at)

			// The outline namespace is sparse: tiles with no drawn
			// buildings have no outline file. That quadrant stays
			// transparent under either policy.
			odata, err := s.opts.OutlineStore.Get(ctx, member)
			if errors.Is(err, tilestore.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("member %s: %w", member, err)
			}
			oimg, err := imaging.Decode(bytes.NewReader(odata))
			if err != nil {
				return fmt.Errorf("member %s: decoding outline: %w", member, err)
			}
			outlineOut = imaging.Paste(outlineOut, oimg, at)
		}
	}

	var baseBuf bytes.Buffer
	if err := imaging.Encode(&baseBuf, baseOut, imaging.JPEG, imaging.JPEGQuality(s.opts.JPEGQuality)); err != nil {
		return fmt.Errorf("encoding stitched base: %w", err)
	}
	if err := s.opts.MosaicBase.Put(ctx, anchor, baseBuf.Bytes()); err != nil {
		return fmt.Errorf("storing stitched base: %w", err)
	}

	var outlineBuf bytes.Buffer
	if err := imaging.Encode(&outlineBuf, outlineOut, imaging.PNG); err != nil {
		return fmt.Errorf("encoding stitched outline: %w", err)
	}
	if err := s.opts.MosaicOutline.Put(ctx, anchor, outlineBuf.Bytes()); err != nil {
		return fmt.Errorf("storing stitched outline: %w", err)
	}
	return nil
}
