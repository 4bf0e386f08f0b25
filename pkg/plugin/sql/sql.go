// Package sql implements a chunked plugin backend over a relational
// database via GORM, supporting SQLite (single-node) and PostgreSQL
// (HA-capable) through the same code path. Grounded on dittofs's
// pkg/controlplane/store.GORMStore: dialector selection by database
// type, AutoMigrate-driven schema, and connection-pool tuning applied
// only for Postgres.
//
// The device is divided into fixed-size chunks, each stored as one row
// keyed by chunk index. A row's absence means an implicit all-zero
// chunk, which doubles as the native extents signal: querying for rows
// whose index falls in a range tells us exactly which chunks are
// allocated without touching chunk bodies.
package sql

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterPlugin("sql", New)
}

const defaultChunkSize = 4 * 1024 * 1024

// chunkRow is the GORM model backing one chunk of the device. A missing
// row for a given DeviceIdx/ChunkIdx pair means that chunk reads as
// all-zero.
type chunkRow struct {
	DeviceIdx uint32 `gorm:"primaryKey;autoIncrement:false"`
	ChunkIdx  uint64 `gorm:"primaryKey;autoIncrement:false"`
	Data      []byte `gorm:"type:blob"`
}

func (chunkRow) TableName() string { return "blockdkit_chunks" }

// Plugin serves a fixed-size device backed by a SQL database, one row
// per chunk.
type Plugin struct {
	idx       int
	deviceIdx uint32
	size      int64
	chunkSize int64
	postgres  bool

	db *gorm.DB
}

// New constructs a sql plugin. Required: "size" (device size in
// bytes). Either "sqlite_path" or the Postgres trio
// "postgres_host"/"postgres_database"/"postgres_user" selects the
// backend; optional: "postgres_password", "chunk_size", "device_id" (an integer
// distinguishing multiple devices sharing one database/table, default
// 0), "postgres_port" (default 5432), "postgres_sslmode" (default
// "disable"), "postgres_max_open_conns" (default 25),
// "postgres_max_idle_conns" (default 5).
func New(params map[string]string) (backend.Backend, error) {
	size, err := parsePositiveInt(params, "size", 0)
	if err != nil {
		return nil, err
	}
	chunkSize, err := parsePositiveInt(params, "chunk_size", defaultChunkSize)
	if err != nil {
		return nil, err
	}
	deviceIdx, err := parseUintParam(params, "device_id", 0)
	if err != nil {
		return nil, err
	}

	dialector, isPostgres, err := buildDialector(params)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sql: connect: %w", err)
	}

	if isPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql: underlying db: %w", err)
		}
		maxOpen, err := parsePositiveInt(params, "postgres_max_open_conns", 25)
		if err != nil {
			return nil, err
		}
		maxIdle, err := parsePositiveInt(params, "postgres_max_idle_conns", 5)
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(int(maxOpen))
		sqlDB.SetMaxIdleConns(int(maxIdle))
	}

	if err := db.AutoMigrate(&chunkRow{}); err != nil {
		return nil, fmt.Errorf("sql: migrate: %w", err)
	}

	return &Plugin{
		deviceIdx: uint32(deviceIdx),
		size:      size,
		chunkSize: chunkSize,
		postgres:  isPostgres,
		db:        db,
	}, nil
}

func buildDialector(params map[string]string) (gorm.Dialector, bool, error) {
	if path, ok := params["sqlite_path"]; ok && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, false, fmt.Errorf("sql: create sqlite dir: %w", err)
		}
		dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		return sqlite.Open(dsn), false, nil
	}

	host, hasHost := params["postgres_host"]
	database, hasDB := params["postgres_database"]
	user, hasUser := params["postgres_user"]
	if hasHost && hasDB && hasUser && host != "" && database != "" && user != "" {
		port, err := parsePositiveInt(params, "postgres_port", 5432)
		if err != nil {
			return nil, false, err
		}
		sslmode := params["postgres_sslmode"]
		if sslmode == "" {
			sslmode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			host, port, user, params["postgres_password"], database, sslmode)
		return postgres.Open(dsn), true, nil
	}

	return nil, false, fmt.Errorf("sql: must set either %q or the postgres_host/postgres_database/postgres_user trio", "sqlite_path")
}

func parsePositiveInt(params map[string]string, key string, dflt int64) (int64, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		if dflt > 0 {
			return dflt, nil
		}
		return 0, fmt.Errorf("sql: missing required parameter %q", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("sql: invalid %s %q", key, raw)
	}
	return n, nil
}

func parseUintParam(params map[string]string, key string, dflt uint64) (uint64, error) {
	raw, ok := params[key]
	if !ok || raw == "" {
		return dflt, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sql: invalid %s %q", key, raw)
	}
	return n, nil
}

func (p *Plugin) Name() string               { return "sql" }
func (p *Plugin) Kind() backend.Kind         { return backend.KindPlugin }
func (p *Plugin) Index() int                 { return p.idx }
func (p *Plugin) SetIndex(i int)             { p.idx = i }
func (p *Plugin) Successor() backend.Backend { return nil }

// ThreadModel is SerializeRequests under SQLite, where WAL mode still
// serializes writers, and Parallel under Postgres, whose connection pool
// and row-level locking make concurrent chunk writes safe. The
// dispatcher reconciles this against the adapter's own thread model, so
// declaring Parallel here never promises more concurrency than the
// front-end actually offers.
func (p *Plugin) ThreadModel() backend.ThreadModel {
	if p.postgres {
		return backend.Parallel
	}
	return backend.SerializeRequests
}

func (p *Plugin) Load() error { return nil }

func (p *Plugin) Unload() {
	if sqlDB, err := p.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (p *Plugin) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return p, nil
}

func (p *Plugin) Prepare(ctx context.Context, c *backend.Context, readonly bool) error { return nil }
func (p *Plugin) Finalize(ctx context.Context, c *backend.Context) error               { return nil }
func (p *Plugin) Close(ctx context.Context, c *backend.Context)                        {}

func (p *Plugin) GetSize(ctx context.Context, c *backend.Context) (int64, error) { return p.size, nil }

func (p *Plugin) BlockSize(ctx context.Context, c *backend.Context) (uint32, uint32, uint32, error) {
	return 1, uint32(p.chunkSize), 0xffffffff, nil
}

func (p *Plugin) CanWrite(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) CanFlush(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) IsRotational(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }
func (p *Plugin) CanTrim(ctx context.Context, c *backend.Context) (bool, error)      { return true, nil }

// CanExtents is true: a chunk row's presence or absence is an exact
// allocation signal at chunk granularity, queried directly rather than
// emulated.
func (p *Plugin) CanExtents(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanMultiConn mirrors ThreadModel: safe under Postgres, not under
// SQLite's single-writer WAL semantics.
func (p *Plugin) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) {
	return p.postgres, nil
}

func (p *Plugin) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroEmulate, nil
}
func (p *Plugin) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (p *Plugin) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return backend.FUAEmulate, nil
}
func (p *Plugin) CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNone, nil
}

func (p *Plugin) ExportDescription(ctx context.Context, c *backend.Context) (string, bool, error) {
	return "SQL-backed chunked volume", true, nil
}

func (p *Plugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}

func (p *Plugin) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	return "", true, nil
}

func (p *Plugin) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	err := p.forEachChunk(buf, offset, func(chunkIdx, chunkOff uint64, span []byte) error {
		var row chunkRow
		err := p.db.WithContext(ctx).
			Where("device_idx = ? AND chunk_idx = ?", p.deviceIdx, chunkIdx).
			Take(&row).Error
		if err == gorm.ErrRecordNotFound {
			clear(span)
			return nil
		}
		if err != nil {
			return err
		}
		chunk := row.Data
		if int64(len(chunk)) < p.chunkSize {
			padded := make([]byte, p.chunkSize)
			copy(padded, chunk)
			chunk = padded
		}
		copy(span, chunk[chunkOff:chunkOff+uint64(len(span))])
		return nil
	})
	return mapErr(err)
}

func (p *Plugin) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	err := p.forEachChunk(buf, offset, func(chunkIdx, chunkOff uint64, span []byte) error {
		return p.writeChunkSpan(ctx, chunkIdx, chunkOff, span)
	})
	return mapErr(err)
}

// writeChunkSpan reads the full chunk (or a zero chunk if unallocated),
// overlays src at chunkOff, and upserts the row back in one
// transaction, since the stored column has no partial-update primitive.
func (p *Plugin) writeChunkSpan(ctx context.Context, chunkIdx, chunkOff uint64, src []byte) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		chunk := make([]byte, p.chunkSize)
		var row chunkRow
		err := tx.Where("device_idx = ? AND chunk_idx = ?", p.deviceIdx, chunkIdx).Take(&row).Error
		switch {
		case err == nil:
			copy(chunk, row.Data)
		case err == gorm.ErrRecordNotFound:
			// leave chunk zeroed
		default:
			return err
		}

		copy(chunk[chunkOff:], src)
		row = chunkRow{DeviceIdx: p.deviceIdx, ChunkIdx: chunkIdx, Data: chunk}
		return tx.Save(&row).Error
	})
}

func (p *Plugin) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return mapErr(err)
	}
	return mapErr(sqlDB.PingContext(ctx))
}

// Trim deletes every chunk row fully covered by [offset, offset+count);
// a chunk only partially covered is left untouched so bytes outside the
// trimmed range survive.
func (p *Plugin) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	start := (offset + uint64(p.chunkSize) - 1) / uint64(p.chunkSize)
	end := (offset + count) / uint64(p.chunkSize)
	if start >= end {
		return nil
	}
	err := p.db.WithContext(ctx).
		Where("device_idx = ? AND chunk_idx >= ? AND chunk_idx < ?", p.deviceIdx, start, end).
		Delete(&chunkRow{}).Error
	return mapErr(err)
}

func (p *Plugin) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	zeros := make([]byte, count)
	err := p.forEachChunk(zeros, offset, func(chunkIdx, chunkOff uint64, span []byte) error {
		return p.writeChunkSpan(ctx, chunkIdx, chunkOff, span)
	})
	return mapErr(err)
}

// Extents reports a hole for every chunk in range with no row and an
// allocated-data extent for every chunk that has one, merging adjacent
// same-state chunks via set.Add's own coalescing.
func (p *Plugin) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	startChunk := offset / uint64(p.chunkSize)
	endChunk := (offset + count + uint64(p.chunkSize) - 1) / uint64(p.chunkSize)

	var present []uint64
	err := p.db.WithContext(ctx).Model(&chunkRow{}).
		Where("device_idx = ? AND chunk_idx >= ? AND chunk_idx < ?", p.deviceIdx, startChunk, endChunk).
		Order("chunk_idx asc").
		Pluck("chunk_idx", &present).Error
	if err != nil {
		return mapErr(err)
	}
	allocated := make(map[uint64]bool, len(present))
	for _, idx := range present {
		allocated[idx] = true
	}

	remaining := count
	pos := offset
	for remaining > 0 {
		chunkIdx := pos / uint64(p.chunkSize)
		chunkStart := chunkIdx * uint64(p.chunkSize)
		spanEnd := chunkStart + uint64(p.chunkSize)
		if spanEnd > offset+count {
			spanEnd = offset + count
		}
		spanLen := spanEnd - pos

		typ := extent.Hole
		if allocated[chunkIdx] {
			typ = 0
		}
		if _, err := set.Add(pos, spanLen, typ); err != nil {
			return err
		}

		pos += spanLen
		remaining -= spanLen
	}
	return nil
}

func (p *Plugin) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return nil
}

// forEachChunk splits buf across the chunks covering [offset,
// offset+len(buf)), invoking fn once per chunk with a real sub-slice of
// buf so reads fill it and writes source from it with no extra copy.
func (p *Plugin) forEachChunk(buf []byte, offset uint64, fn func(chunkIdx, chunkOff uint64, span []byte) error) error {
	cs := uint64(p.chunkSize)
	remaining := uint64(len(buf))
	pos := offset
	var consumed uint64
	for remaining > 0 {
		chunkIdx := pos / cs
		chunkOff := pos % cs
		spanLen := cs - chunkOff
		if spanLen > remaining {
			spanLen = remaining
		}
		span := buf[consumed : consumed+spanLen]
		if err := fn(chunkIdx, chunkOff, span); err != nil {
			return err
		}
		pos += spanLen
		consumed += spanLen
		remaining -= spanLen
	}
	return nil
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	return errno.New(errno.EIO, "sql: "+err.Error())
}
