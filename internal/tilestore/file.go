package tilestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/geoforge/tilemosaic/internal/tile"
)

// FileStore persists tiles as flat files named {y}-{x}{ext} inside a
// single directory. The zoom level is a property of the store, not of
// the names; all tiles in one namespace share it.
type FileStore struct {
	dir  string
	ext  string
	zoom uint8
}

// NewFileStore creates the directory if needed and returns a store
// over it. ext must include the leading dot (".jpg", ".png").
func NewFileStore(dir, ext string, zoom uint8) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir, ext: ext, zoom: zoom}, nil
}

func (s *FileStore) path(t tile.Tile) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d-%d%s", t.Y, t.X, s.ext))
}

// Put writes the payload via a uniquely named temp file and rename.
// Each writer gets its own temp file, so concurrent writers to the
// same address, even across processes, race only on the final rename
// and a reader always sees one complete payload.
func (s *FileStore) Put(ctx context.Context, t tile.Tile, data []byte) error {
	final := s.path(t)

	f, err := os.CreateTemp(s.dir, fmt.Sprintf("%d-%d-*.tmp", t.Y, t.X))
	if err != nil {
		return fmt.Errorf("failed to create temp file for tile %s: %w", t, err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write tile %s: %w", t, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write tile %s: %w", t, err)
	}
	if err := os.Chmod(tmp, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write tile %s: %w", t, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename tile %s: %w", t, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, t tile.Tile) ([]byte, error) {
	data, err := os.ReadFile(s.path(t))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", t, err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, t tile.Tile) (bool, error) {
	_, err := os.Stat(s.path(t))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List scans the directory and parses every name back into a tile
// address. Any name that does not match {y}-{x}{ext} is a fatal
// ErrBadName; in-flight ".tmp" files count as bad names too, since a
// completed run never leaves them behind.
func (s *FileStore) List(ctx context.Context) ([]tile.Tile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	tiles := make([]tile.Tile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			return nil, fmt.Errorf("%w: %q is a directory", ErrBadName, e.Name())
		}
		t, err := s.parseName(e.Name())
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
	}

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles, nil
}

func (s *FileStore) parseName(name string) (tile.Tile, error) {
	base, ok := strings.CutSuffix(name, s.ext)
	if !ok {
		return tile.Tile{}, fmt.Errorf("%w: %q lacks %s suffix", ErrBadName, name, s.ext)
	}

	yStr, xStr, ok := strings.Cut(base, "-")
	if !ok {
		return tile.Tile{}, fmt.Errorf("%w: %q is not y-x shaped", ErrBadName, name)
	}

	y, err := strconv.ParseUint(yStr, 10, 32)
	if err != nil {
		return tile.Tile{}, fmt.Errorf("%w: bad y in %q: %v", ErrBadName, name, err)
	}
	x, err := strconv.ParseUint(xStr, 10, 32)
	if err != nil {
		return tile.Tile{}, fmt.Errorf("%w: bad x in %q: %v", ErrBadName, name, err)
	}

	return tile.Tile{Zoom: s.zoom, X: uint32(x), Y: uint32(y)}, nil
}
