// Package tilestore provides durable key-value storage of tile
// payloads keyed by tile address. The backing store is swappable:
// a flat-file directory and a PostgreSQL table are provided.
package tilestore

import (
	"context"
	"errors"

	"github.com/geoforge/tilemosaic/internal/tile"
)

var (
	// ErrNotFound is returned by Get when the tile has no payload.
	ErrNotFound = errors.New("tile not found")

	// ErrBadName is returned by List when a persisted name cannot be
	// parsed back into a tile address. Loading fails fast on it; files
	// are never silently skipped.
	ErrBadName = errors.New("unrecognized tile name")
)

// Store maps tile addresses to opaque payload bytes.
//
// Put must be atomic with respect to concurrent readers of the same
// address: a reader sees either the old payload or the new one, never
// a partial write.
type Store interface {
	Put(ctx context.Context, t tile.Tile, data []byte) error
	Get(ctx context.Context, t tile.Tile) ([]byte, error)
	Exists(ctx context.Context, t tile.Tile) (bool, error)
	List(ctx context.Context) ([]tile.Tile, error)
}
