// Package nodeindex stores node coordinates in a memory-mapped sparse
// file keyed by node ID, giving O(1) lookup while resolving way
// geometry during the footprint scan.
package nodeindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

const (
	// Each entry: lat (int32) + lon (int32), fixed-point value * 1e7
	entrySize = 8
	// Maximum node ID we support (10 billion should be enough)
	maxNodeID = 10_000_000_000
)

// MmapIndex maps node IDs to coordinates via a memory-mapped file.
// Coordinates live at offset = nodeID * 8; the backing file is sparse,
// so disk usage tracks written nodes rather than the address space.
type MmapIndex struct {
	file *os.File
	data mmap.MMap
}

// NewMmapIndex creates a fresh index at path, truncating any existing
// file. The full address space is reserved as a sparse file.
func NewMmapIndex(path string) (*MmapIndex, error) {
	size := int64(maxNodeID) * entrySize

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating index file: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("reserving index address space: %w", err)
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping index file: %w", err)
	}

	return &MmapIndex{file: f, data: data}, nil
}

// OpenMmapIndex opens an existing index read-only.
func OpenMmapIndex(path string) (*MmapIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening index file: %w", err)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping index file: %w", err)
	}

	return &MmapIndex{file: f, data: data}, nil
}

// Put stores a node's coordinates. Out-of-range IDs are ignored.
func (m *MmapIndex) Put(nodeID int64, lat, lon float64) {
	if nodeID < 0 || nodeID >= maxNodeID {
		return
	}

	offset := nodeID * entrySize

	latInt := int32(lat * 1e7)
	lonInt := int32(lon * 1e7)

	binary.LittleEndian.PutUint32(m.data[offset:], uint32(latInt))
	binary.LittleEndian.PutUint32(m.data[offset+4:], uint32(lonInt))
}

// Get retrieves a node's coordinates. Returns ok=false for unknown
// nodes; a node at exactly (0, 0) is indistinguishable from absent,
// which is acceptable for real-world data.
func (m *MmapIndex) Get(nodeID int64) (lat, lon float64, ok bool) {
	if nodeID < 0 || nodeID >= maxNodeID {
		return 0, 0, false
	}

	offset := nodeID * entrySize
	if offset+entrySize > int64(len(m.data)) {
		return 0, 0, false
	}

	latInt := int32(binary.LittleEndian.Uint32(m.data[offset:]))
	lonInt := int32(binary.LittleEndian.Uint32(m.data[offset+4:]))

	if latInt == 0 && lonInt == 0 {
		return 0, 0, false
	}

	return float64(latInt) / 1e7, float64(lonInt) / 1e7, true
}

// Sync flushes written entries to disk.
func (m *MmapIndex) Sync() error {
	return m.data.Flush()
}

// Close unmaps and closes the index.
func (m *MmapIndex) Close() error {
	if err := m.data.Unmap(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
