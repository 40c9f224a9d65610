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
	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilecache"
)

var prefetchBBox string

var prefetchCmd = &cobra.Command{
	Use:   "prefetch",
	Short: "Fetch all imagery tiles covering a bounding box up front",
	Long: `Walk the tile range covering the bounding box at the configured zoom
and fetch every tile into the base store. Tiles already persisted are
skipped, so an interrupted prefetch resumes where it left off.

Useful before a rasterize run on a flaky connection: the rasterize
stage then hits the cache for every tile it touches.`,
	Args: cobra.NoArgs,
	Run:  runPrefetch,
}

func init() {
	rootCmd.AddCommand(prefetchCmd)

	prefetchCmd.Flags().StringVarP(&prefetchBBox, "bbox", "b", "", "Bounding box to cover: minlon,minlat,maxlon,maxlat (required)")
	prefetchCmd.Flags().StringVar(&cfg.ProviderURL, "provider-url", cfg.ProviderURL, "Imagery provider base URL, tiles fetched at {base}/{zoom}/{y}/{x}")
	prefetchCmd.Flags().DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Timeout per imagery fetch")
	prefetchCmd.MarkFlagRequired("bbox")
}

func runPrefetch(cmd *cobra.Command, args []string) {
	log := logger.Get()

	bbox, err := config.ParseBBox(prefetchBBox)
	if err != nil {
		exitWithError("invalid bbox", err)
	}
	cfg.BBox = bbox

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
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
	})

	if err := cache.LoadFromStore(ctx); err != nil {
		exitWithError("indexing persisted tiles", err)
	}

	r := tile.RangeForBounds(bbox.MinLon, bbox.MinLat, bbox.MaxLon, bbox.MaxLat, uint8(cfg.Zoom))
	tiles := r.Tiles()

	log.Info("Starting prefetch",
		zap.Int("tiles", len(tiles)),
		zap.Int("zoom", cfg.Zoom),
		zap.Int("workers", cfg.Workers),
		zap.String("provider", cfg.ProviderURL))

	work := make(chan tile.Tile)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)
		for _, t := range tiles {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case work <- t:
			}
		}
		return nil
	})

	var failed atomic.Int64
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for t := range work {
				if err := cache.EnsureLoaded(gctx, t); err != nil {
					// A provider gap on one tile should not kill the
					// whole sweep; the stitch policy deals with it later
					if errors.Is(err, fetch.ErrFetch) || errors.Is(err, tilecache.ErrDecode) {
						log.Warn("Tile fetch failed", zap.String("tile", t.Key()), zap.Error(err))
						failed.Add(1)
						continue
					}
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		exitWithError("prefetch failed", err)
	}

	stats := cache.Stats()
	log.Info("Prefetch complete",
		zap.Duration("total_time", time.Since(totalStart).Round(time.Second)),
		zap.Int("tiles", len(tiles)),
		zap.Int64("fetched", stats.Fetches),
		zap.Int64("cache_hits", stats.Hits),
		zap.Int64("failed", failed.Load()))
}
