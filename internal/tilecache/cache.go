// Package tilecache owns the per-tile base imagery and outline
// canvases, materializing them lazily from the imagery provider.
package tilecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/singleflight"

	"github.com/geoforge/tilemosaic/internal/fetch"
	"github.com/geoforge/tilemosaic/internal/tile"
	"github.com/geoforge/tilemosaic/internal/tilestore"
)

var (
	// ErrOutOfInterest marks a tile outside the configured area of
	// interest. Not a failure; callers treat it as a no-op.
	ErrOutOfInterest = errors.New("tile out of area of interest")

	// ErrNotLoaded means a canvas was requested before EnsureLoaded
	// succeeded. Contract violation, not a recoverable condition.
	ErrNotLoaded = errors.New("tile not loaded")

	// ErrDecode marks provider bytes that are not a valid image.
	ErrDecode = errors.New("tile image decode failed")
)

// entry holds one tile's canvases. The base canvas never changes after
// fetch; the outline canvas accumulates drawn polygons. Either may be
// nil for tiles indexed from the store, in which case the outline is
// loaded (or created blank) on first draw.
type entry struct {
	mu      sync.Mutex
	base    image.Image
	outline image.Image
}

// Options configures a Cache.
type Options struct {
	Fetcher      fetch.Fetcher
	BaseStore    tilestore.Store
	OutlineStore tilestore.Store
	ProviderURL  string // tiles fetched at {ProviderURL}/{zoom}/{y}/{x}
	TileSize     int
	Interest     func(tile.Tile) bool // nil accepts every tile
}

// Stats is a snapshot of cache activity counters.
type Stats struct {
	Fetches int64
	Hits    int64
	Flushed int64
}

// Cache is safe for concurrent use. Concurrent EnsureLoaded calls for
// the same address coalesce into a single fetch; different addresses
// do not contend beyond the index lock.
type Cache struct {
	opts Options

	mu      sync.RWMutex
	entries map[tile.Tile]*entry
	group   singleflight.Group

	dirtyMu sync.Mutex
	dirty   map[tile.Tile]struct{}

	fetches atomic.Int64
	hits    atomic.Int64
	flushed atomic.Int64
}

// New creates an empty cache.
func New(opts Options) *Cache {
	return &Cache{
		opts:    opts,
		entries: make(map[tile.Tile]*entry),
		dirty:   make(map[tile.Tile]struct{}),
	}
}

func (c *Cache) tileURL(t tile.Tile) string {
	// Provider path order is {zoom}/{y}/{x}; preserved exactly
	return fmt.Sprintf("%s/%d/%d/%d", c.opts.ProviderURL, t.Zoom, t.Y, t.X)
}

func (c *Cache) lookup(t tile.Tile) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[t]
}

// EnsureLoaded makes the tile's canvases available. Idempotent: a
// present tile is a no-op. A tile outside the area of interest fails
// with ErrOutOfInterest and is never fetched. Otherwise the base
// imagery is fetched, decoded, persisted immediately, and a blank
// outline canvas is created.
func (c *Cache) EnsureLoaded(ctx context.Context, t tile.Tile) error {
	if c.lookup(t) != nil {
		c.hits.Add(1)
		return nil
	}

	if c.opts.Interest != nil && !c.opts.Interest(t) {
		return ErrOutOfInterest
	}

	_, err, _ := c.group.Do(t.Key(), func() (interface{}, error) {
		// A racing caller may have finished while we waited for the flight
		if c.lookup(t) != nil {
			return nil, nil
		}

		data, err := c.opts.Fetcher.Fetch(ctx, c.tileURL(t))
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t, err)
		}

		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w: %v", t, ErrDecode, err)
		}

		// Base imagery never changes; persist the provider bytes as-is
		if err := c.opts.BaseStore.Put(ctx, t, data); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t, err)
		}

		e := &entry{
			base:    img,
			outline: image.NewRGBA(image.Rect(0, 0, c.opts.TileSize, c.opts.TileSize)),
		}
		c.mu.Lock()
		c.entries[t] = e
		c.mu.Unlock()

		c.fetches.Add(1)
		return nil, nil
	})
	return err
}

// UpdateOutline gives fn exclusive access to the tile's outline canvas
// for the duration of one draw. fn returns the canvas to keep, which
// lets callers draw through APIs that composite into a new image.
// Fails with ErrNotLoaded if EnsureLoaded has not succeeded for t.
func (c *Cache) UpdateOutline(ctx context.Context, t tile.Tile, fn func(canvas image.Image) (image.Image, error)) error {
	e := c.lookup(t)
	if e == nil {
		return fmt.Errorf("tile %s: %w", t, ErrNotLoaded)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.outline == nil {
		outline, err := c.loadOutline(ctx, t)
		if err != nil {
			return err
		}
		e.outline = outline
	}

	updated, err := fn(e.outline)
	if err != nil {
		return err
	}
	e.outline = updated
	return nil
}

// loadOutline restores a persisted outline canvas, or creates a blank
// one when the tile was indexed from the store but never drawn on.
func (c *Cache) loadOutline(ctx context.Context, t tile.Tile) (image.Image, error) {
	data, err := c.opts.OutlineStore.Get(ctx, t)
	if errors.Is(err, tilestore.ErrNotFound) {
		return image.NewRGBA(image.Rect(0, 0, c.opts.TileSize, c.opts.TileSize)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", t, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w: %v", t, ErrDecode, err)
	}
	return img, nil
}

// MarkDirty records that the tile's outline canvas has unpersisted
// drawing. Outlines are only written on FlushDirty, batched.
func (c *Cache) MarkDirty(t tile.Tile) {
	c.dirtyMu.Lock()
	c.dirty[t] = struct{}{}
	c.dirtyMu.Unlock()
}

// FlushDirty persists every dirty outline canvas as PNG and clears the
// dirty set. Returns the number of canvases written.
func (c *Cache) FlushDirty(ctx context.Context) (int, error) {
	c.dirtyMu.Lock()
	pending := make([]tile.Tile, 0, len(c.dirty))
	for t := range c.dirty {
		pending = append(pending, t)
	}
	c.dirty = make(map[tile.Tile]struct{})
	c.dirtyMu.Unlock()

	for i, t := range pending {
		if err := c.flushOutline(ctx, t); err != nil {
			// Put the unflushed remainder back so a retry can pick it up
			c.dirtyMu.Lock()
			for _, u := range pending[i:] {
				c.dirty[u] = struct{}{}
			}
			c.dirtyMu.Unlock()
			return i, err
		}
		c.flushed.Add(1)
	}
	return len(pending), nil
}

func (c *Cache) flushOutline(ctx context.Context, t tile.Tile) error {
	e := c.lookup(t)
	if e == nil {
		return fmt.Errorf("tile %s: %w", t, ErrNotLoaded)
	}

	e.mu.Lock()
	outline := e.outline
	e.mu.Unlock()
	if outline == nil {
		return fmt.Errorf("tile %s: %w", t, ErrNotLoaded)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, outline, imaging.PNG); err != nil {
		return fmt.Errorf("tile %s: encoding outline: %w", t, err)
	}
	if err := c.opts.OutlineStore.Put(ctx, t, buf.Bytes()); err != nil {
		return fmt.Errorf("tile %s: %w", t, err)
	}
	return nil
}

// LoadFromStore rebuilds the in-memory index from the persisted base
// and outline namespaces. Canvas pixels are not loaded eagerly; the
// outline is restored on first draw. Unparseable names abort the load.
func (c *Cache) LoadFromStore(ctx context.Context) error {
	baseTiles, err := c.opts.BaseStore.List(ctx)
	if err != nil {
		return fmt.Errorf("loading base namespace: %w", err)
	}
	outlineTiles, err := c.opts.OutlineStore.List(ctx)
	if err != nil {
		return fmt.Errorf("loading outline namespace: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range baseTiles {
		if c.entries[t] == nil {
			c.entries[t] = &entry{}
		}
	}
	for _, t := range outlineTiles {
		if c.entries[t] == nil {
			c.entries[t] = &entry{}
		}
	}
	return nil
}

// Known returns the number of tiles present in the index.
func (c *Cache) Known() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of activity counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Fetches: c.fetches.Load(),
		Hits:    c.hits.Load(),
		Flushed: c.flushed.Load(),
	}
}
