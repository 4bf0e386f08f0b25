package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the pipeline. Use
// these consistently across all log statements for log aggregation and
// querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Pipeline operation
	// ========================================================================
	KeyProcedure = "operation"   // pread, pwrite, trim, zero, flush, extents, cache
	KeyShare     = "export"      // export name
	KeyStatus    = "status"      // errno.Errno value, when the operation failed
	KeyStatusMsg = "status_msg"  // human-readable status message
	KeyLayer     = "layer"       // plugin/filter name the log line concerns
	KeyLayerIdx  = "layer_index" // backend.Context index (0 = innermost plugin)

	// ========================================================================
	// I/O Operations
	// ========================================================================
	KeyOffset       = "offset"        // request offset
	KeyCount        = "count"         // byte count requested
	KeyBytesRead    = "bytes_read"    // actual bytes read
	KeyBytesWritten = "bytes_written" // actual bytes written
	KeyStable       = "stable"        // FUA requested on this request

	// ========================================================================
	// Client Identification
	// ========================================================================
	KeyClientIP   = "client_ip"   // client IP address
	KeyClientPort = "client_port" // client source port
	KeyUID        = "uid"         // client user ID, when known
	KeyGID        = "gid"         // client group ID, when known

	// ========================================================================
	// Session & Connection
	// ========================================================================
	KeyConnectionID = "connection_id" // connection identifier
	KeyRequestID    = "request_id"    // per-request sequence number

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeyErrorCode  = "error_code"  // numeric error code
	KeySource     = "source"      // data source: cache, plugin
	KeyOperation  = "operation"   // sub-operation type for complex operations

	// ========================================================================
	// Storage Backend
	// ========================================================================
	KeyStoreName  = "store_name"  // named store identifier from registry
	KeyStoreType  = "store_type"  // store type: memory, file, badger, s3, sql
	KeyBucket     = "bucket"      // cloud bucket name (S3)
	KeyKey        = "key"         // object key in cloud storage
	KeyRegion     = "region"      // cloud region
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts

	// ========================================================================
	// Cache Layer
	// ========================================================================
	KeyCacheHit      = "cache_hit"      // cache hit indicator
	KeyCacheState    = "cache_state"    // cache state: dirty, clean, flushing
	KeyCacheSize     = "cache_size"     // current cache size
	KeyCacheCapacity = "cache_capacity" // maximum cache capacity
	KeyEvicted       = "evicted"        // number of entries evicted
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// ----------------------------------------------------------------------------
// Distributed Tracing
// ----------------------------------------------------------------------------

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ----------------------------------------------------------------------------
// Pipeline operation
// ----------------------------------------------------------------------------

// Procedure returns a slog.Attr for the operation name (pread, pwrite, ...)
func Procedure(name string) slog.Attr {
	return slog.String(KeyProcedure, name)
}

// Share returns a slog.Attr for the export name
func Share(name string) slog.Attr {
	return slog.String(KeyShare, name)
}

// Status returns a slog.Attr for operation status code
func Status(code int) slog.Attr {
	return slog.Int(KeyStatus, code)
}

// StatusMsg returns a slog.Attr for human-readable status message
func StatusMsg(msg string) slog.Attr {
	return slog.String(KeyStatusMsg, msg)
}

// Layer returns a slog.Attr for the plugin/filter name
func Layer(name string) slog.Attr {
	return slog.String(KeyLayer, name)
}

// LayerIdx returns a slog.Attr for the backend.Context index
func LayerIdx(idx int) slog.Attr {
	return slog.Int(KeyLayerIdx, idx)
}

// ----------------------------------------------------------------------------
// I/O Operations
// ----------------------------------------------------------------------------

// Offset returns a slog.Attr for the request offset
func Offset(off uint64) slog.Attr {
	return slog.Uint64(KeyOffset, off)
}

// Count returns a slog.Attr for byte count requested
func Count(c uint64) slog.Attr {
	return slog.Uint64(KeyCount, c)
}

// BytesRead returns a slog.Attr for actual bytes read
func BytesRead(n int) slog.Attr {
	return slog.Int(KeyBytesRead, n)
}

// BytesWritten returns a slog.Attr for actual bytes written
func BytesWritten(n int) slog.Attr {
	return slog.Int(KeyBytesWritten, n)
}

// Stable returns a slog.Attr for whether FUA was requested
func Stable(fua bool) slog.Attr {
	return slog.Bool(KeyStable, fua)
}

// ----------------------------------------------------------------------------
// Client Identification
// ----------------------------------------------------------------------------

// ClientIP returns a slog.Attr for client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// ClientPort returns a slog.Attr for client source port
func ClientPort(port int) slog.Attr {
	return slog.Int(KeyClientPort, port)
}

// ----------------------------------------------------------------------------
// Session & Connection
// ----------------------------------------------------------------------------

// ConnectionID returns a slog.Attr for connection identifier
func ConnectionID(id string) slog.Attr {
	return slog.String(KeyConnectionID, id)
}

// RequestID returns a slog.Attr for the per-request sequence number
func RequestID(id uint64) slog.Attr {
	return slog.Uint64(KeyRequestID, id)
}

// ----------------------------------------------------------------------------
// Operation Metadata
// ----------------------------------------------------------------------------

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for numeric error code
func ErrorCode(code int) slog.Attr {
	return slog.Int(KeyErrorCode, code)
}

// Source returns a slog.Attr for data source
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// Operation returns a slog.Attr for sub-operation type
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// ----------------------------------------------------------------------------
// Storage Backend
// ----------------------------------------------------------------------------

// StoreName returns a slog.Attr for named store identifier
func StoreName(name string) slog.Attr {
	return slog.String(KeyStoreName, name)
}

// StoreType returns a slog.Attr for store type
func StoreType(t string) slog.Attr {
	return slog.String(KeyStoreType, t)
}

// Bucket returns a slog.Attr for cloud bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for object key in cloud storage
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Region returns a slog.Attr for cloud region
func Region(r string) slog.Attr {
	return slog.String(KeyRegion, r)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// ----------------------------------------------------------------------------
// Cache Layer
// ----------------------------------------------------------------------------

// CacheHit returns a slog.Attr for cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

// CacheState returns a slog.Attr for cache state
func CacheState(state string) slog.Attr {
	return slog.String(KeyCacheState, state)
}

// CacheSize returns a slog.Attr for current cache size
func CacheSize(size int64) slog.Attr {
	return slog.Int64(KeyCacheSize, size)
}

// CacheCapacity returns a slog.Attr for maximum cache capacity
func CacheCapacity(capacity int64) slog.Attr {
	return slog.Int64(KeyCacheCapacity, capacity)
}

// Evicted returns a slog.Attr for number of entries evicted
func Evicted(n int) slog.Attr {
	return slog.Int(KeyEvicted, n)
}
