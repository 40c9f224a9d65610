// Package footprint streams building footprints out of an OSM PBF
// extract as closed rings ready for classification and rasterization.
package footprint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"go.uber.org/zap"

	"github.com/geoforge/tilemosaic/internal/config"
	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/nodeindex"
	"github.com/geoforge/tilemosaic/internal/raster"
	"github.com/geoforge/tilemosaic/internal/tile"
)

// Stats holds decode statistics.
type Stats struct {
	Nodes     atomic.Int64
	Buildings atomic.Int64
	Skipped   atomic.Int64 // unresolved node refs or bbox misses
	Relations atomic.Int64
}

// Decoder reads a PBF file in two passes: pass 1 fills the node
// coordinate index, pass 2 resolves building ways against it and
// streams them out.
type Decoder struct {
	cfg *config.Config

	indexPath string
	nodeIndex *nodeindex.MmapIndex
	rules     *raster.Rules

	stats Stats
}

// NewDecoder creates a decoder. The node index lives under the data
// directory and is removed on Close.
func NewDecoder(cfg *config.Config, rules *raster.Rules) (*Decoder, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &Decoder{
		cfg:       cfg,
		indexPath: filepath.Join(cfg.DataDir, "node_index.bin"),
		rules:     rules,
	}, nil
}

// Close releases the node index and deletes its backing file.
func (d *Decoder) Close() error {
	if d.nodeIndex != nil {
		d.nodeIndex.Close()
		d.nodeIndex = nil
	}
	os.Remove(d.indexPath)
	return nil
}

// Stats exposes the decode counters.
func (d *Decoder) Stats() *Stats {
	return &d.stats
}

// Run executes both passes and sends each accepted footprint on out.
// The channel is closed when the scan finishes, whether or not it
// succeeded.
func (d *Decoder) Run(ctx context.Context, out chan<- raster.Polygon) error {
	defer close(out)
	log := logger.Get()

	f, err := os.Open(d.cfg.InputFile)
	if err != nil {
		return fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	log.Info("Pass 1: Building node coordinate index")
	start := time.Now()
	if err := d.buildNodeIndex(ctx, f); err != nil {
		return err
	}
	log.Info("Pass 1 complete",
		zap.Int64("nodes", d.stats.Nodes.Load()),
		zap.Duration("duration", time.Since(start).Round(time.Second)))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	d.nodeIndex, err = nodeindex.OpenMmapIndex(d.indexPath)
	if err != nil {
		return err
	}

	log.Info("Pass 2: Extracting building footprints")
	start = time.Now()
	if err := d.extractFootprints(ctx, f, out); err != nil {
		return err
	}
	log.Info("Pass 2 complete",
		zap.Int64("buildings", d.stats.Buildings.Load()),
		zap.Int64("skipped", d.stats.Skipped.Load()),
		zap.Int64("relations", d.stats.Relations.Load()),
		zap.Duration("duration", time.Since(start).Round(time.Second)))

	return nil
}

// buildNodeIndex is pass 1. Mmap writes are safe for unique node IDs,
// each node writes its own offset.
func (d *Decoder) buildNodeIndex(ctx context.Context, f *os.File) error {
	log := logger.Get()

	idx, err := nodeindex.NewMmapIndex(d.indexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	scanner := osmpbf.New(ctx, f, runtime.NumCPU())
	defer scanner.Close()

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				log.Debug("Node indexing progress", zap.Int64("nodes", d.stats.Nodes.Load()))
			}
		}
	}()

	for scanner.Scan() {
		switch n := scanner.Object().(type) {
		case *osm.Node:
			idx.Put(int64(n.ID), n.Lat, n.Lon)
			d.stats.Nodes.Add(1)
		case *osm.Way:
			// Ways follow nodes in PBF order, pass 1 is done
			return nil
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// extractFootprints is pass 2: building ways become polygons; when
// relation following is on, building relations emit their closed way
// members one level deep under the relation's tags.
func (d *Decoder) extractFootprints(ctx context.Context, f *os.File, out chan<- raster.Polygon) error {
	log := logger.Get()

	// Rings kept for relation resolution; relations arrive after ways
	// in PBF order, so one level of following needs the ways in hand.
	var wayRings map[int64][]tile.Geo
	if d.cfg.FollowRelations {
		wayRings = make(map[int64][]tile.Geo)
	}

	scanner := osmpbf.New(ctx, f, runtime.NumCPU())
	defer scanner.Close()

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				log.Debug("Footprint extraction progress",
					zap.Int64("buildings", d.stats.Buildings.Load()),
					zap.Int64("skipped", d.stats.Skipped.Load()))
			}
		}
	}()

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Way:
			if !wantWay(o.Tags, wayRings != nil) {
				continue
			}
			ring, ok := d.resolveRing(o.Nodes)
			if !ok {
				if hasTag(o.Tags, "building") {
					d.stats.Skipped.Add(1)
				}
				continue
			}
			if wayRings != nil {
				wayRings[int64(o.ID)] = ring
			}
			if !hasTag(o.Tags, "building") {
				continue
			}
			if !d.inBBox(ring) {
				d.stats.Skipped.Add(1)
				continue
			}
			if err := d.emit(ctx, out, raster.Polygon{
				ID:       int64(o.ID),
				Ring:     ring,
				Tags:     tagsToMap(o.Tags),
				Excluded: d.rules != nil && d.rules.Excluded(tagsToMap(o.Tags)),
			}); err != nil {
				return err
			}
			d.stats.Buildings.Add(1)

		case *osm.Relation:
			if wayRings == nil || !hasTag(o.Tags, "building") {
				continue
			}
			d.stats.Relations.Add(1)
			tags := tagsToMap(o.Tags)
			for _, m := range o.Members {
				if m.Type != osm.TypeWay {
					continue
				}
				ring, ok := wayRings[m.Ref]
				if !ok {
					d.stats.Skipped.Add(1)
					continue
				}
				if !d.inBBox(ring) {
					d.stats.Skipped.Add(1)
					continue
				}
				if err := d.emit(ctx, out, raster.Polygon{
					ID:       m.Ref,
					Ring:     ring,
					Tags:     tags,
					Excluded: d.rules != nil && d.rules.Excluded(tags),
				}); err != nil {
					return err
				}
				d.stats.Buildings.Add(1)
			}
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *Decoder) emit(ctx context.Context, out chan<- raster.Polygon, p raster.Polygon) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- p:
		return nil
	}
}

// resolveRing looks every node ref up in the index. A single
// unresolved ref invalidates the whole ring.
func (d *Decoder) resolveRing(nodes osm.WayNodes) ([]tile.Geo, bool) {
	ring := make([]tile.Geo, 0, len(nodes))
	for _, ref := range nodes {
		lat, lon, ok := d.nodeIndex.Get(int64(ref.ID))
		if !ok {
			return nil, false
		}
		ring = append(ring, tile.Geo{Lon: lon, Lat: lat})
	}
	return ring, true
}

// inBBox accepts a ring when any vertex falls inside the configured
// bounding box, or always when no box is set.
func (d *Decoder) inBBox(ring []tile.Geo) bool {
	if d.cfg.BBox == nil || !d.cfg.BBox.IsSet {
		return true
	}
	for _, g := range ring {
		if d.cfg.BBox.Contains(g.Lat, g.Lon) {
			return true
		}
	}
	return false
}

// wantWay decides whether a way's ring is worth resolving: building
// ways always are, and every resolvable way is when relation following
// keeps rings around for later members. Anything else never reaches
// the node index.
func wantWay(tags osm.Tags, keepAllRings bool) bool {
	return keepAllRings || hasTag(tags, "building")
}

func hasTag(tags osm.Tags, key string) bool {
	for _, t := range tags {
		if t.Key == key {
			return true
		}
	}
	return false
}

func tagsToMap(tags osm.Tags) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}
	return m
}
