package tilestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/geoforge/tilemosaic/internal/tile"
)

// PGStore persists tile payloads in a PostgreSQL table, one table per
// namespace. Same semantics as FileStore; Put is an upsert, so
// rewrites are idempotent and readers never observe partial rows.
type PGStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewPGStore returns a store over the given table, creating the table
// if it does not exist.
func NewPGStore(ctx context.Context, pool *pgxpool.Pool, table string) (*PGStore, error) {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		zoom SMALLINT NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY (zoom, x, y)
	)`, table)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	return &PGStore{pool: pool, table: table}, nil
}

func (s *PGStore) Put(ctx context.Context, t tile.Tile, data []byte) error {
	sql := fmt.Sprintf(`INSERT INTO %s (zoom, x, y, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (zoom, x, y) DO UPDATE SET data = EXCLUDED.data`, s.table)

	if _, err := s.pool.Exec(ctx, sql, int16(t.Zoom), int32(t.X), int32(t.Y), data); err != nil {
		return fmt.Errorf("failed to store tile %s: %w", t, err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, t tile.Tile) ([]byte, error) {
	sql := fmt.Sprintf(`SELECT data FROM %s WHERE zoom = $1 AND x = $2 AND y = $3`, s.table)

	var data []byte
	err := s.pool.QueryRow(ctx, sql, int16(t.Zoom), int32(t.X), int32(t.Y)).Scan(&data)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %s: %w", t, err)
	}
	return data, nil
}

func (s *PGStore) Exists(ctx context.Context, t tile.Tile) (bool, error) {
	sql := fmt.Sprintf(`SELECT 1 FROM %s WHERE zoom = $1 AND x = $2 AND y = $3`, s.table)

	var one int
	err := s.pool.QueryRow(ctx, sql, int16(t.Zoom), int32(t.X), int32(t.Y)).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to probe tile %s: %w", t, err)
	}
	return true, nil
}

func (s *PGStore) List(ctx context.Context) ([]tile.Tile, error) {
	sql := fmt.Sprintf(`SELECT zoom, x, y FROM %s ORDER BY x, y`, s.table)

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles: %w", err)
	}
	defer rows.Close()

	var tiles []tile.Tile
	for rows.Next() {
		var zoom int16
		var x, y int32
		if err := rows.Scan(&zoom, &x, &y); err != nil {
			return nil, fmt.Errorf("failed to scan tile row: %w", err)
		}
		tiles = append(tiles, tile.Tile{Zoom: uint8(zoom), X: uint32(x), Y: uint32(y)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tiles: %w", err)
	}
	return tiles, nil
}
