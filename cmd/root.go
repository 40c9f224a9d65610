package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/geoforge/tilemosaic/internal/config"
	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

var (
	cfg             = config.DefaultConfig()
	verbose         bool
	logFile         string
	metricsInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "tilemosaic",
	Short: "Tile raster cache and mosaic assembly for building footprints",
	Long: `tilemosaic turns an OSM PBF building extract into georeferenced raster
tiles and reassembles them into mosaic blocks.

Pipeline:
  1. rasterize: decode footprints, fetch imagery tiles on demand,
     draw classified building outlines onto per-tile canvases
  2. stitch: sweep the persisted tile namespace and composite N×N
     blocks into stitched base and outline mosaics

Tiles are cached and deduplicated, so each address is fetched once
however many footprints touch it, and each mosaic block is built
exactly once however many workers race over it.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg.Verbose = verbose
		cfg.LogFile = logFile
		cfg.MetricsInterval = metricsInterval

		if logFile != "" {
			logger.InitWithFile(verbose, logFile)
		} else {
			logger.Init(verbose)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&cfg.DataDir, "data-dir", "o", cfg.DataDir, "Root directory for tile, outline and mosaic namespaces")
	rootCmd.PersistentFlags().IntVarP(&cfg.Workers, "workers", "j", cfg.Workers, "Number of parallel workers")
	rootCmd.PersistentFlags().IntVarP(&cfg.Zoom, "zoom", "z", cfg.Zoom, "Slippy-map zoom level for the whole run")
	rootCmd.PersistentFlags().IntVar(&cfg.TileSize, "tile-size", cfg.TileSize, "Tile canvas edge in pixels")
	rootCmd.PersistentFlags().StringVar(&cfg.Store, "store", cfg.Store, "Tile storage backend: file or postgres")

	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Path to log file for persistent logging (JSON format)")
	rootCmd.PersistentFlags().DurationVar(&metricsInterval, "metrics-interval", 30*time.Second, "Interval for system metrics logging (e.g., 10s, 1m)")

	rootCmd.PersistentFlags().StringVar(&cfg.DBHost, "db-host", cfg.DBHost, "PostgreSQL host")
	rootCmd.PersistentFlags().IntVar(&cfg.DBPort, "db-port", cfg.DBPort, "PostgreSQL port")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBName, "db-name", "d", cfg.DBName, "PostgreSQL database name")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBUser, "db-user", "U", cfg.DBUser, "PostgreSQL user")
	rootCmd.PersistentFlags().StringVarP(&cfg.DBPassword, "db-password", "W", cfg.DBPassword, "PostgreSQL password")
}

func exitWithError(msg string, err error) {
	log := logger.Get()
	if err != nil {
		log.Error(msg, zap.Error(err))
	} else {
		log.Error(msg)
	}
	os.Exit(1)
}

// stores bundles the four tile namespaces a run works with.
type stores struct {
	base          tilestore.Store
	outline       tilestore.Store
	mosaicBase    tilestore.Store
	mosaicOutline tilestore.Store

	pool *pgxpool.Pool
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// openStores builds the namespaces for the configured backend: flat
// directories under the data dir, or one table per namespace in
// PostgreSQL.
func openStores(ctx context.Context) (*stores, error) {
	zoom := uint8(cfg.Zoom)

	if cfg.Store == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.ConnectionString())
		if err != nil {
			return nil, err
		}
		s := &stores{pool: pool}
		if s.base, err = tilestore.NewPGStore(ctx, pool, "tiles"); err != nil {
			pool.Close()
			return nil, err
		}
		if s.outline, err = tilestore.NewPGStore(ctx, pool, "outlines"); err != nil {
			pool.Close()
			return nil, err
		}
		if s.mosaicBase, err = tilestore.NewPGStore(ctx, pool, "mosaic_tiles"); err != nil {
			pool.Close()
			return nil, err
		}
		if s.mosaicOutline, err = tilestore.NewPGStore(ctx, pool, "mosaic_outlines"); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}

	s := &stores{}
	var err error
	if s.base, err = tilestore.NewFileStore(filepath.Join(cfg.DataDir, "tiles"), ".jpg", zoom); err != nil {
		return nil, err
	}
	if s.outline, err = tilestore.NewFileStore(filepath.Join(cfg.DataDir, "outlines"), ".png", zoom); err != nil {
		return nil, err
	}
	if s.mosaicBase, err = tilestore.NewFileStore(filepath.Join(cfg.DataDir, "mosaic_tiles"), ".jpg", zoom); err != nil {
		return nil, err
	}
	if s.mosaicOutline, err = tilestore.NewFileStore(filepath.Join(cfg.DataDir, "mosaic_outlines"), ".png", zoom); err != nil {
		return nil, err
	}
	return s, nil
}
