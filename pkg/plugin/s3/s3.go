// Package s3 implements a chunked plugin backend over an S3-compatible
// object store: the device is divided into fixed-size chunks, one
// object per chunk, keyed by a hex chunk index under an optional
// prefix. Grounded on dittofs's pkg/blocks/store/s3 package for the
// client construction, PutObject/GetObject/DeleteObject shape, and its
// isNotFoundError string-matching helper (the SDK doesn't expose a
// typed not-found error for GetObject the way it does for HeadObject).
package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/registry"
)

func init() {
	registry.Global().MustRegisterPlugin("s3", New)
}

const defaultChunkSize = 4 * 1024 * 1024

// Plugin serves a fixed-size device backed by one S3 object per chunk.
type Plugin struct {
	idx       int
	size      int64
	chunkSize int64

	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New constructs an S3 plugin from its parameters: "bucket" and "size"
// are required; "key_prefix", "region", "endpoint", "force_path_style",
// and "chunk_size" are optional.
func New(params map[string]string) (backend.Backend, error) {
	bucket, ok := params["bucket"]
	if !ok || bucket == "" {
		return nil, fmt.Errorf("s3: missing required parameter %q", "bucket")
	}

	size, err := parsePositiveInt(params, "size", 0)
	if err != nil {
		return nil, err
	}
	chunkSize, err := parsePositiveInt(params, "chunk_size", defaultChunkSize)
	if err != nil {
		return nil, err
	}

	client, err := newClient(params)
	if err != nil {
		return nil, fmt.Errorf("s3: building client: %w", err)
	}

	return &Plugin{
		size:      size,
		chunkSize: chunkSize,
		client:    client,
		bucket:    bucket,
		keyPrefix: params["key_prefix"],
	}, nil
}

func newClient(params map[string]string) (*s3.Client, error) {
	ctx := context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	if region, ok := params["region"]; ok && region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if endpoint, ok := params["endpoint"]; ok && endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	if params["force_path_style"] == "true" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

func parsePositiveInt(params map[string]string, key string, dflt int64) (int64, error) {
	raw, ok := params[key]
	if !ok {
		if dflt > 0 {
			return dflt, nil
		}
		return 0, fmt.Errorf("s3: missing required parameter %q", key)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("s3: invalid %s %q", key, raw)
	}
	return n, nil
}

func (p *Plugin) Name() string               { return "s3" }
func (p *Plugin) Kind() backend.Kind         { return backend.KindPlugin }
func (p *Plugin) Index() int                 { return p.idx }
func (p *Plugin) SetIndex(i int)             { p.idx = i }
func (p *Plugin) Successor() backend.Backend { return nil }

// ThreadModel is Parallel: every chunk read/write is an independent
// network call against a distinct object key, and the S3 client itself
// is safe for concurrent use.
func (p *Plugin) ThreadModel() backend.ThreadModel { return backend.Parallel }

func (p *Plugin) Load() error   { return nil }
func (p *Plugin) Unload()       {}

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

// CanExtents is false: there's no companion metadata index tracking
// sub-chunk sparseness, so the dispatcher's "everything allocated"
// emulated fallback is used.
func (p *Plugin) CanExtents(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (p *Plugin) CanMultiConn(ctx context.Context, c *backend.Context) (bool, error) { return true, nil }

// CanZero is Emulate: a zero range is achieved by the same
// read-modify-write chunk path PWrite uses, sourcing a zero buffer
// instead of client data.
func (p *Plugin) CanZero(ctx context.Context, c *backend.Context) (backend.ZeroMode, error) {
	return backend.ZeroEmulate, nil
}

// CanFastZero is false: every zero still costs at least one GET+PUT
// round trip per chunk, too slow to promise "fast".
func (p *Plugin) CanFastZero(ctx context.Context, c *backend.Context) (bool, error) { return false, nil }

func (p *Plugin) CanFUA(ctx context.Context, c *backend.Context) (backend.FUAMode, error) {
	return backend.FUAEmulate, nil
}
func (p *Plugin) CanCache(ctx context.Context, c *backend.Context) (backend.CacheMode, error) {
	return backend.CacheNone, nil
}

func (p *Plugin) ExportDescription(ctx context.Context, c *backend.Context) (string, bool, error) {
	return fmt.Sprintf("S3-backed chunked volume (bucket %s)", p.bucket), true, nil
}

func (p *Plugin) ListExports(ctx context.Context, c *backend.Context, readonly, usingTLS bool, set *export.Set) error {
	return set.UseDefault()
}

func (p *Plugin) DefaultExport(ctx context.Context, c *backend.Context, readonly, usingTLS bool) (string, bool, error) {
	return "", true, nil
}

func (p *Plugin) PRead(ctx context.Context, c *backend.Context, buf []byte, offset uint64, flags backend.Flags) error {
	err := p.forEachChunk(buf, offset, func(chunkIdx, chunkOff uint64, span []byte) error {
		chunk, err := p.getChunk(ctx, chunkIdx)
		if err != nil {
			return err
		}
		if chunk == nil {
			clear(span)
			return nil
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

// writeChunkSpan fetches the chunk object (or starts from an all-zero
// chunk if it doesn't exist yet), overlays src at chunkOff, and PUTs the
// whole chunk back — S3 objects have no partial-update operation.
func (p *Plugin) writeChunkSpan(ctx context.Context, chunkIdx, chunkOff uint64, src []byte) error {
	existing, err := p.getChunk(ctx, chunkIdx)
	if err != nil {
		return err
	}
	chunk := existing
	if chunk == nil {
		chunk = make([]byte, p.chunkSize)
	}
	copy(chunk[chunkOff:], src)

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.chunkKey(chunkIdx)),
		Body:   bytes.NewReader(chunk),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// getChunk fetches a whole chunk object, returning (nil, nil) if it
// doesn't exist (an implicit all-zero chunk).
func (p *Plugin) getChunk(ctx context.Context, chunkIdx uint64) ([]byte, error) {
	resp, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.chunkKey(chunkIdx)),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	if int64(len(data)) < p.chunkSize {
		padded := make([]byte, p.chunkSize)
		copy(padded, data)
		data = padded
	}
	return data, nil
}

func (p *Plugin) Flush(ctx context.Context, c *backend.Context, flags backend.Flags) error {
	return nil
}

// Trim deletes every chunk fully covered by [offset, offset+count);
// a chunk only partially covered is left untouched.
func (p *Plugin) Trim(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	cs := uint64(p.chunkSize)
	start := (offset + cs - 1) / cs
	end := (offset + count) / cs
	if start >= end {
		return nil
	}

	objects := make([]types.ObjectIdentifier, 0, end-start)
	for idx := start; idx < end; idx++ {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(p.chunkKey(idx))})
	}
	_, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(p.bucket),
		Delete: &types.Delete{Objects: objects},
	})
	if err != nil {
		return mapErr(fmt.Errorf("s3 delete objects: %w", err))
	}
	return nil
}

func (p *Plugin) Zero(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	zeros := make([]byte, count)
	return mapErr(p.forEachChunk(zeros, offset, func(chunkIdx, chunkOff uint64, span []byte) error {
		return p.writeChunkSpan(ctx, chunkIdx, chunkOff, span)
	}))
}

// Extents is unreachable in practice since CanExtents is false and the
// dispatcher's emulated fallback takes over; kept for interface
// completeness.
func (p *Plugin) Extents(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags, set *extent.Set) error {
	_, err := set.Add(offset, count, 0)
	return err
}

func (p *Plugin) Cache(ctx context.Context, c *backend.Context, count, offset uint64, flags backend.Flags) error {
	return nil
}

// forEachChunk splits buf across the chunks covering [offset,
// offset+len(buf)), invoking fn once per chunk with that chunk's index,
// the span's offset within the chunk, and the slice of buf backing it.
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

func (p *Plugin) chunkKey(idx uint64) string {
	return p.keyPrefix + fmt.Sprintf("%016x", idx)
}

// isNotFoundError checks for S3's "no such key" condition by string
// match, since the SDK doesn't expose a typed not-found error for
// GetObject the way it does for HeadObject.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404")
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	return errno.New(errno.EIO, "s3: "+err.Error())
}
