// Package file implements a file-backed plugin: a regular file or block
// device node opened with O_DIRECT where the underlying filesystem
// supports it, falling back to buffered I/O otherwise. Grounded on the
// nbdkit file plugin's conventions (not present verbatim in the pack) —
// pread/pwrite via raw syscalls, FALLOC_FL_PUNCH_HOLE for trim and zero,
// SEEK_HOLE/SEEK_DATA for extents — expressed here through
// golang.org/x/sys/unix the way dittofs's pkg/wal/mmap.go and
// pkg/cache/mmap.go reach for that package for anything syscall-level.
package file

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterPlugin("file", New)
}

// blockAlignment is the sector size O_DIRECT reads and writes must be
// aligned to on the filesystems this plugin targets. The dispatcher
// itself does not enforce alignment; callers that need true O_DIRECT
// performance should request ranges aligned to this size.
const blockAlignment = 512

// Plugin serves a fixed-size region of a regular file or block device
// node, opened once at construction and shared by every connection.
type Plugin struct {
	idx  int
	path string
	size int64

	fd     int
	direct bool

	mu sync.Mutex
}

// New constructs a file plugin from its "path" parameter (required) and
// an optional "size" parameter (bytes). When the file does not exist, it
// is created truncated to size; size is required in that case. When the
// file exists, its current size is used and a mismatched "size"
// parameter is an error.
func New(params map[string]string) (backend.Backend, error) {
	path, ok := params["path"]
	if !ok || path == "" {
		return nil, fmt.Errorf("file: missing required parameter %q", "path")
	}

	var wantSize int64 = -1
	if raw, ok := params["size"]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("file: invalid size %q", raw)
		}
		wantSize = n
	}

	fd, direct, err := openBacking(path)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", path, err)
	}

	size, err := sizeOf(fd, path, wantSize)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Plugin{path: path, size: size, fd: fd, direct: direct}, nil
}

// openBacking opens path O_DIRECT first; if the filesystem rejects
// O_DIRECT (commonly EINVAL on tmpfs or some overlay filesystems), it
// retries without the flag and logs that it fell back.
func openBacking(path string) (fd int, direct bool, err error) {
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_DIRECT, 0644)
	if err == nil {
		return fd, true, nil
	}
	if err != unix.EINVAL {
		return -1, false, err
	}

	logger.Warn("file: O_DIRECT not supported on this filesystem, falling back to buffered I/O", logger.Source(path))
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		return -1, false, err
	}
	return fd, false, nil
}

func sizeOf(fd int, path string, want int64) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("file: stat %s: %w", path, err)
	}

	current := st.Size
	if current > 0 {
		if want > 0 && want != current {
			return 0, fmt.Errorf("file: %s is already %d bytes, requested size %d", path, current, want)
		}
		return current, nil
	}

	if want <= 0 {
		return 0, fmt.Errorf("file: %s is empty and no size parameter was given", path)
	}
	if err := unix.Ftruncate(fd, want); err != nil {
		return 0, fmt.Errorf("file: truncate %s to %d: %w", path, want, err)
	}
	return want, nil
}

func (p *Plugin) Name() string               { return "file" }
func (p *Plugin) Kind() backend.Kind         { return backend.KindPlugin }
func (p *Plugin) Index() int                 { return p.idx }
func (p *Plugin) SetIndex(i int)             { p.idx = i }
func (p *Plugin) Successor() backend.Backend { return nil }

// ThreadModel is Parallel: pread/pwrite against a fixed-offset file
// descriptor are independently safe for concurrent callers; only the
// fallocate/seek calls used by Trim/Zero/Extents take the mutex.
func (p *Plugin) ThreadModel() backend.ThreadModel { return backend.Parallel }

func (p *Plugin) Load() error { return nil }

func (p *Plugin) Unload() {
	unix.Close(p.fd)
}

func (p *Plugin) Open(ctx context.Context, c *backend.Context, next *backend.Opener, readonly bool, exportName string, usingTLS bool) (backend.Handle, error) {
	return p, nil
}

func (p *Plugin) Prepare(ctx context.Context, c *backend.Context, readonly bool) error { return nil }
func (p *Plugin) Finalize(ctx context.Context, c *backend.Context) error               { return nil }
func (p *Plugin) Close(ctx context.Context, c *backend.Context)                        {}

func (p *Plugin) GetSize(ctx context.Context, c *backend.Context) (int64, error) { return p.size, nil }

func (p *Plugin) BlockSize(ctx context.Context, c *backend.Context) (uint32, uint32, uint32, error) {
	if p.direct {
		return blockAlignment, 4096, 0xffffffff, nil
	}
	return 1, 4096, 0xffffffff, nil
}

func (p *Plugin) CanWrite(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) CanFlush(ctx context.Context, c *backend.Context) (bool, error)     { return true, nil }
func (p *Plugin) IsRotational(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }
func (p *Plugin) CanTrim(ctx context.Context, c *backend.Context) (bool, error)      { return true, nil }
func (p *Plugin) CanExtents(ctx context.Context, c *backend.Context) (bool, error)   { return true, nil }

// CanMultiConn is true: every connection shares the same file descriptor
// and offsets are explicit on every pread/pwrite, so there is no
// per-connection state to serialize.
func (p *Plugin) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanZero is Native: implemented with FALLOC_FL_PUNCH_HOLE | KEEP_SIZE,
// deallocating the range and leaving subsequent reads to return zero
// from the hole, with a buffered-write fallback when punch-hole isn't
// supported.
func (p *Plugin) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroNative, nil
}
func (p *Plugin) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanFUA is Emulate: the dispatcher's write-then-flush fallback is used,
// since this plugin has no per-request durability flag of its own.
func (p *Plugin) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return backend.FUAEmulate, nil
}

// CanCache is Native: implemented with posix_fadvise(WILLNEED) to hint
// the page cache to prefetch the range.
func (p *Plugin) CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNative, nil
}

func (p *Plugin) ExportDescription(ctx context.Context, c *backend.Context) (string, bool, error) {
	return fmt.Sprintf("file-backed volume at %s", p.path), true, nil
}

func (p *Plugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}

func (p *Plugin) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	return "", true, nil
}

func (p *Plugin) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	n, err := unix.Pread(p.fd, buf, int64(offset))
	if err != nil {
		return mapErr(err, "pread")
	}
	if n != len(buf) {
		return errno.New(errno.EIO, "pread: short read")
	}
	return nil
}

func (p *Plugin) PWrite(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	n, err := unix.Pwrite(p.fd, buf, int64(offset))
	if err != nil {
		return mapErr(err, "pwrite")
	}
	if n != len(buf) {
		return errno.New(errno.EIO, "pwrite: short write")
	}
	if flags&backend.FlagFUA != 0 {
		if err := unix.Fsync(p.fd); err != nil {
			return mapErr(err, "fsync")
		}
	}
	return nil
}

func (p *Plugin) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	if err := unix.Fsync(p.fd); err != nil {
		return mapErr(err, "fsync")
	}
	return nil
}

// Trim punches a hole over [offset, offset+count), deallocating the
// range without changing the file's apparent size.
func (p *Plugin) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return p.punchHole(offset, count)
}

// Zero punches the same hole Trim does; a hole reads back as zero, so
// the two operations are equivalent for this plugin. Falls back to a
// buffered zero-fill write if the filesystem rejects fallocate.
func (p *Plugin) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := p.punchHole(offset, count); err == nil {
		return nil
	}
	return p.zeroFill(offset, count)
}

func (p *Plugin) punchHole(offset, count uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := unix.Fallocate(p.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(count))
	if err != nil {
		return mapErr(err, "fallocate")
	}
	return nil
}

func (p *Plugin) zeroFill(offset, count uint64) error {
	const chunk = 64 * 1024
	buf := make([]byte, chunk)
	for count > 0 {
		n := uint64(len(buf))
		if count < n {
			n = count
		}
		if _, err := unix.Pwrite(p.fd, buf[:n], int64(offset)); err != nil {
			return mapErr(err, "pwrite (zero fallback)")
		}
		offset += n
		count -= n
	}
	return nil
}

// Extents walks [offset, offset+count) with SEEK_DATA/SEEK_HOLE,
// reporting alternating data and hole records. A plugin whose
// filesystem doesn't support sparse seeking reports the whole range as
// one data extent, since SEEK_HOLE then returns the end of the file,
// which is clipped to offset+count.
func (p *Plugin) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	end := offset + count
	pos := int64(offset)
	for uint64(pos) < end {
		dataStart, err := unix.Seek(p.fd, pos, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				// No more data at or after pos: the remainder is a hole.
				if _, addErr := set.Add(uint64(pos), end-uint64(pos), extent.Hole); addErr != nil {
					return addErr
				}
				return nil
			}
			return mapErr(err, "lseek(SEEK_DATA)")
		}

		if uint64(dataStart) > uint64(pos) {
			holeEnd := uint64(dataStart)
			if holeEnd > end {
				holeEnd = end
			}
			if _, err := set.Add(uint64(pos), holeEnd-uint64(pos), extent.Hole); err != nil {
				return err
			}
			pos = dataStart
			if uint64(pos) >= end {
				break
			}
		}

		holeStart, err := unix.Seek(p.fd, pos, unix.SEEK_HOLE)
		if err != nil {
			return mapErr(err, "lseek(SEEK_HOLE)")
		}
		dataEnd := uint64(holeStart)
		if dataEnd > end {
			dataEnd = end
		}
		if _, err := set.Add(uint64(pos), dataEnd-uint64(pos), 0); err != nil {
			return err
		}
		pos = int64(dataEnd)
	}
	return nil
}

// Cache hints the page cache to prefetch [offset, offset+count) with
// posix_fadvise(WILLNEED).
func (p *Plugin) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	if err := unix.Fadvise(p.fd, int64(offset), int64(count), unix.FADV_WILLNEED); err != nil {
		return mapErr(err, "fadvise")
	}
	return nil
}

// mapErr collapses a unix.Errno into this module's small wire errno
// allow-list, annotated with op for diagnostics.
func mapErr(err error, op string) error {
	e, ok := err.(unix.Errno)
	if !ok {
		return errno.New(errno.EIO, op)
	}
	switch e {
	case unix.ENOSPC:
		return errno.New(errno.ENOSPC, op)
	case unix.EINVAL:
		return errno.New(errno.EINVAL, op)
	case unix.EROFS:
		return errno.New(errno.EROFS, op)
	case unix.EFBIG:
		return errno.New(errno.EFBIG, op)
	case unix.EPERM, unix.EACCES:
		return errno.New(errno.EPERM, op)
	case unix.EOPNOTSUPP:
		return errno.New(errno.ENOTSUP, op)
	default:
		return errno.New(errno.EIO, op)
	}
}
