package cmd

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spf13/cobra"

	"github.com/geoforge/tilemosaic/internal/logger"
	"github.com/geoforge/tilemosaic/internal/metrics"
	"github.com/geoforge/tilemosaic/internal/mosaic"
	"github.com/geoforge/tilemosaic/internal/raster"
)

var stitchCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Reassemble persisted tiles into N×N mosaic blocks",
	Long: `Sweep the persisted tile namespace and composite every block whose
anchor tile (x and y both divisible by the block size) exists. Each
block yields one stitched base JPEG and one stitched outline PNG,
keyed by the anchor.

Blocks with a missing member tile are dropped under --on-missing=abort
or rendered with a flat sentinel color under --on-missing=sentinel;
the policy applies uniformly to the whole run.`,
	Args: cobra.NoArgs,
	Run:  runStitch,
}

func init() {
	rootCmd.AddCommand(stitchCmd)

	stitchCmd.Flags().IntVarP(&cfg.BlockSize, "block-size", "n", cfg.BlockSize, "Mosaic block edge in tiles")
	stitchCmd.Flags().StringVar(&cfg.OnMissing, "on-missing", cfg.OnMissing, "Missing-member policy: abort or sentinel")
	stitchCmd.Flags().StringVar(&cfg.SentinelColor, "sentinel-color", cfg.SentinelColor, "Hex color for missing members under the sentinel policy")
	stitchCmd.Flags().IntVar(&cfg.JPEGQuality, "jpeg-quality", cfg.JPEGQuality, "JPEG quality for stitched base layers")
}

func runStitch(cmd *cobra.Command, args []string) {
	log := logger.Get()

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}

	policy, err := mosaic.ParsePolicy(cfg.OnMissing)
	if err != nil {
		exitWithError("invalid policy", err)
	}
	sentinel, err := raster.ParseHexColor(cfg.SentinelColor)
	if err != nil {
		exitWithError("invalid sentinel color", err)
	}

	ctx := context.Background()
	totalStart := time.Now()

	st, err := openStores(ctx)
	if err != nil {
		exitWithError("opening tile stores", err)
	}
	defer st.Close()

	metricsCtx, stopMetrics := context.WithCancel(ctx)
	collector := metrics.NewCollector(cfg.MetricsInterval, log)
	go collector.Start(metricsCtx)
	defer stopMetrics()

	stitcher := mosaic.New(mosaic.Options{
		BaseStore:     st.base,
		OutlineStore:  st.outline,
		MosaicBase:    st.mosaicBase,
		MosaicOutline: st.mosaicOutline,
		BlockSize:     cfg.BlockSize,
		TileSize:      cfg.TileSize,
		Workers:       cfg.Workers,
		Policy:        policy,
		Sentinel:      sentinel,
		JPEGQuality:   cfg.JPEGQuality,
	})

	stats, err := stitcher.Run(ctx)
	if err != nil {
		exitWithError("stitch failed", err)
	}

	log.Info("Stitch complete",
		zap.Duration("total_time", time.Since(totalStart).Round(time.Second)),
		zap.Int64("built", stats.Built.Load()),
		zap.Int64("skipped", stats.Skipped.Load()),
		zap.Int64("failed", stats.Failed.Load()))
}
