package config

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// BBox is the geographic area of interest. Tiles outside it are never
// fetched or processed. East/west wrap across the antimeridian is not
// supported.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
	IsSet                          bool
}

// Contains checks if a point is within the bounding box
func (b *BBox) Contains(lat, lon float64) bool {
	if !b.IsSet {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}

	if bbox.MinLon >= bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be < maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat >= bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be < maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}

	return bbox, nil
}

// Config holds the global configuration for a run
type Config struct {
	// Input settings
	InputFile string
	BBox      *BBox // Geographic area of interest

	// Tile settings
	DataDir     string // Root directory for tile/outline/mosaic namespaces
	ProviderURL string // Imagery provider base; tiles fetched at {base}/{zoom}/{y}/{x}
	Zoom        int    // Fixed zoom level for the whole run
	TileSize    int    // Tile canvas edge in pixels

	// Rasterization settings
	RulesFile       string  // Path to classification rules YAML file
	AreaThresholdM2 float64 // Polygons under this geodesic area classify as below-threshold
	InventoryFile   string  // Path for the building inventory Parquet report (empty = disabled)
	FollowRelations bool    // Follow building relations one level into member ways

	// Mosaic settings
	BlockSize     int    // N for N×N mosaic blocks
	OnMissing     string // "abort" or "sentinel"
	SentinelColor string // Hex color for missing members under the sentinel policy
	JPEGQuality   int    // Quality for stitched base layers

	// Storage backend
	Store      string // "file" or "postgres"
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Processing settings
	Workers      int
	FetchTimeout time.Duration

	// Logging and metrics
	Verbose         bool
	LogFile         string        // Path to log file (empty = no file logging)
	MetricsInterval time.Duration // Interval for system metrics logging
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./tile_data",
		ProviderURL:     "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile",
		Zoom:            17, // 1px is roughly 1m at mid latitudes
		TileSize:        256,
		AreaThresholdM2: 100,
		BlockSize:       4,
		OnMissing:       "abort",
		SentinelColor:   "#ff00ff",
		JPEGQuality:     90,
		Store:           "file",
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "tilemosaic",
		DBUser:          "postgres",
		Workers:         runtime.NumCPU(),
		FetchTimeout:    60 * time.Second,
		MetricsInterval: 30 * time.Second,
	}
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Zoom < 0 || c.Zoom > 22 {
		return fmt.Errorf("zoom must be between 0 and 22, got %d", c.Zoom)
	}
	if c.TileSize < 1 {
		return fmt.Errorf("tile size must be positive, got %d", c.TileSize)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("block size must be positive, got %d", c.BlockSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.OnMissing != "abort" && c.OnMissing != "sentinel" {
		return fmt.Errorf("on-missing must be \"abort\" or \"sentinel\", got %q", c.OnMissing)
	}
	if c.Store != "file" && c.Store != "postgres" {
		return fmt.Errorf("store must be \"file\" or \"postgres\", got %q", c.Store)
	}
	if c.AreaThresholdM2 < 0 {
		return fmt.Errorf("area threshold must not be negative")
	}
	return nil
}
