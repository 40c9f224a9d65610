package cmd

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"

	"github.com/geoforge/tilemosaic/internal/config"
	"github.com/geoforge/tilemosaic/internal/fetch"
	"github.com/geoforge/tilemosaic/internal/footprint"
	"github.com/geoforge/tilemosaic/internal/inventory"
	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/metrics"
	"github.com/geoforge/tilemosaic/internal/raster"
	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilecache"
)

var (
	bboxStr       string
	rulesFile     string
	inventoryFile string
)

var rasterizeCmd = &cobra.Command{
	Use:   "rasterize <input.osm.pbf>",
	Short: "Rasterize building footprints onto cached imagery tiles",
	Long: `Decode building footprints from a PBF extract, classify each one,
and draw its outline onto the tile canvases it spans. Imagery tiles
are fetched on first touch and cached; outline canvases are flushed
to the store when the run completes.

A footprint spanning several tiles is drawn into each of them with
per-tile pixel projection, so adjacent tiles reassemble seamlessly.`,
	Args: cobra.ExactArgs(1),
	Run:  runRasterize,
}

func init() {
	rootCmd.AddCommand(rasterizeCmd)

	rasterizeCmd.Flags().StringVarP(&bboxStr, "bbox", "b", "", "Bounding box filter: minlon,minlat,maxlon,maxlat")
	rasterizeCmd.Flags().StringVarP(&rulesFile, "rules", "S", "", "Classification rules YAML file")
	rasterizeCmd.Flags().Float64Var(&cfg.AreaThresholdM2, "area-threshold", cfg.AreaThresholdM2, "Geodesic area in m² under which buildings classify as below-threshold")
	rasterizeCmd.Flags().StringVar(&inventoryFile, "inventory", "", "Path for the building inventory Parquet report")
	rasterizeCmd.Flags().BoolVar(&cfg.FollowRelations, "relations", false, "Follow building relations one level into member ways")
	rasterizeCmd.Flags().StringVar(&cfg.ProviderURL, "provider-url", cfg.ProviderURL, "Imagery provider base URL, tiles fetched at {base}/{zoom}/{y}/{x}")
	rasterizeCmd.Flags().DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Timeout per imagery fetch")
}

func runRasterize(cmd *cobra.Command, args []string) {
	cfg.InputFile = args[0]
	cfg.RulesFile = rulesFile
	cfg.InventoryFile = inventoryFile
	log := logger.Get()

	if bboxStr != "" {
		bbox, err := config.ParseBBox(bboxStr)
		if err != nil {
			exitWithError("invalid bbox", err)
		}
		cfg.BBox = bbox
	}

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	rules := raster.DefaultRules(cfg.AreaThresholdM2)
	if cfg.RulesFile != "" {
		var err error
		rules, err = raster.LoadRules(cfg.RulesFile, cfg.AreaThresholdM2)
		if err != nil {
			exitWithError("loading rules", err)
		}
	}
	palette, err := raster.PaletteFromRules(rules)
	if err != nil {
		exitWithError("loading palette", err)
	}

	ctx := context.Background()
	totalStart := time.Now()

	st, err := openStores(ctx)
	if err != nil {
		exitWithError("opening tile stores", err)
	}
	defer st.Close()

	cache := tilecache.New(tilecache.Options{
		Fetcher:      fetch.NewHTTPFetcher(cfg.FetchTimeout),
		BaseStore:    st.base,
		OutlineStore: st.outline,
		ProviderURL:  cfg.ProviderURL,
		TileSize:     cfg.TileSize,
		Interest:     interestFunc(),
	})

	// Resume: tiles persisted by an earlier run are indexed, not refetched
	if err := cache.LoadFromStore(ctx); err != nil {
		exitWithError("indexing persisted tiles", err)
	}

	rasterizer := &raster.Rasterizer{
		Cache:    cache,
		Zoom:     uint8(cfg.Zoom),
		TileSize: cfg.TileSize,
		Palette:  palette,
	}

	var report *inventory.Writer
	if cfg.InventoryFile != "" {
		report, err = inventory.NewWriter(cfg.InventoryFile, 10000)
		if err != nil {
			exitWithError("opening inventory report", err)
		}
	}

	decoder, err := footprint.NewDecoder(cfg, rules)
	if err != nil {
		exitWithError("creating decoder", err)
	}
	defer decoder.Close()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	collector := metrics.NewCollector(cfg.MetricsInterval, log)
	go collector.Start(metricsCtx)
	defer stopMetrics()

	log.Info("Starting rasterize run",
		zap.String("input", cfg.InputFile),
		zap.Int("zoom", cfg.Zoom),
		zap.Int("workers", cfg.Workers),
		zap.String("provider", cfg.ProviderURL))

	polys := make(chan raster.Polygon, 1024)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return decoder.Run(gctx, polys)
	})

	var counts rasterCounts
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			return rasterizeFootprints(gctx, polys, rasterizer, rules, report, &counts)
		})
	}

	if err := g.Wait(); err != nil {
		exitWithError("rasterize failed", err)
	}

	flushed, err := cache.FlushDirty(ctx)
	if err != nil {
		exitWithError("flushing outline canvases", err)
	}

	if report != nil {
		if err := report.Close(); err != nil {
			exitWithError("closing inventory report", err)
		}
	}

	stats := cache.Stats()
	dstats := decoder.Stats()
	fields := []zap.Field{
		zap.Duration("total_time", time.Since(totalStart).Round(time.Second)),
		zap.Int64("buildings", dstats.Buildings.Load()),
		zap.Int64("skipped", dstats.Skipped.Load()),
		zap.Int64("malformed", counts.malformed.Load()),
		zap.Int64("tile_failed", counts.tileFailed.Load()),
		zap.Int64("tiles_fetched", stats.Fetches),
		zap.Int64("cache_hits", stats.Hits),
		zap.Int("outlines_flushed", flushed),
	}
	for c := raster.Class(0); c < raster.NumClasses; c++ {
		fields = append(fields, zap.Int64(c.String(), counts.byClass[c].Load()))
	}
	log.Info("Rasterize complete", fields...)
}

// rasterCounts tallies footprint outcomes across the worker pool.
type rasterCounts struct {
	byClass    [raster.NumClasses]atomic.Int64
	malformed  atomic.Int64
	tileFailed atomic.Int64 // footprints skipped on a fetch or decode failure
}

// rasterizeFootprints drains the polygon channel. Per-footprint
// failures are counted and skipped, they never abort the run: a
// malformed ring, an unreachable provider tile or undecodable provider
// bytes each cost only the footprint that hit them, and sibling
// workers keep draining. Anything else is fatal.
func rasterizeFootprints(ctx context.Context, polys <-chan raster.Polygon, r *raster.Rasterizer, rules *raster.Rules, report *inventory.Writer, counts *rasterCounts) error {
	log := logger.Get()

	for p := range polys {
		class, err := raster.Classify(p, rules)
		if errors.Is(err, raster.ErrMalformedPolygon) {
			log.Debug("Skipping malformed footprint", zap.Int64("way", p.ID), zap.Error(err))
			counts.malformed.Add(1)
			continue
		}
		if err != nil {
			return err
		}

		drawn, err := r.Rasterize(ctx, p, class)
		if errors.Is(err, fetch.ErrFetch) || errors.Is(err, tilecache.ErrDecode) {
			log.Warn("Skipping footprint on tile failure", zap.Int64("way", p.ID), zap.Error(err))
			counts.tileFailed.Add(1)
			continue
		}
		if err != nil {
			return err
		}
		counts.byClass[class].Add(1)

		if report != nil {
			rec := inventory.Record{
				WayID:  p.ID,
				Class:  class.String(),
				AreaM2: raster.GeodesicArea(p.Ring),
				Tiles:  int32(drawn),
				Tags:   p.Tags,
			}
			if err := report.Write(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// interestFunc limits the cache to tiles intersecting the bbox; with
// no bbox every tile is of interest.
func interestFunc() func(tile.Tile) bool {
	if cfg.BBox == nil || !cfg.BBox.IsSet {
		return nil
	}
	r := tile.RangeForBounds(cfg.BBox.MinLon, cfg.BBox.MinLat, cfg.BBox.MaxLon, cfg.BBox.MaxLat, uint8(cfg.Zoom))
	return func(t tile.Tile) bool {
		return t.X >= r.MinX && t.X <= r.MaxX && t.Y >= r.MinY && t.Y <= r.MaxY
	}
}
