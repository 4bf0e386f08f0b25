package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for the dispatch loop's spans, generalized from the
// dittofs's NFS/SMB-specific attribute set to the block-device request
// shape: an export name rather than a share path, a byte offset/length
// rather than a file handle.
const (
	AttrClientAddr = "client.address"
	AttrExport     = "blockdkit.export"
	AttrOperation  = "blockdkit.operation" // read, write, flush, trim, zero, cache, extents
	AttrOffset     = "blockdkit.offset"
	AttrLength     = "blockdkit.length"
	AttrPlugin     = "blockdkit.plugin"
	AttrFilter     = "blockdkit.filter"
	AttrThreadModel = "blockdkit.thread_model"
)

// ClientAddr returns an attribute carrying the connection's remote address.
func ClientAddr(addr string) attribute.KeyValue {
	return attribute.String(AttrClientAddr, addr)
}

// Export returns an attribute naming the export a request targets.
func Export(name string) attribute.KeyValue {
	return attribute.String(AttrExport, name)
}

// Operation returns an attribute naming the dispatch-loop operation.
func Operation(op string) attribute.KeyValue {
	return attribute.String(AttrOperation, op)
}

// Offset returns an attribute carrying a request's starting byte offset.
func Offset(offset uint64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, int64(offset))
}

// Length returns an attribute carrying a request's byte length.
func Length(length uint64) attribute.KeyValue {
	return attribute.Int64(AttrLength, int64(length))
}

// Plugin returns an attribute naming the innermost plugin serving a pipeline.
func Plugin(name string) attribute.KeyValue {
	return attribute.String(AttrPlugin, name)
}

// Filter returns an attribute naming a filter stage in the pipeline.
func Filter(name string) attribute.KeyValue {
	return attribute.String(AttrFilter, name)
}

// ThreadModel returns an attribute carrying the pipeline's effective
// thread model (serialize/parallel/serialize-connections).
func ThreadModel(model string) attribute.KeyValue {
	return attribute.String(AttrThreadModel, model)
}

// StartRequestSpan starts a span for one dispatched pread/pwrite/flush/
// trim/zero/extents call, tagged with the export it targets and the byte
// range it covers. The caller must call span.End().
func StartRequestSpan(ctx context.Context, operation, export string, offset, length uint64, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	spanName := fmt.Sprintf("blockdkit.%s", operation)
	all := append([]attribute.KeyValue{Operation(operation), Export(export), Offset(offset), Length(length)}, attrs...)
	return StartSpan(ctx, spanName, trace.WithAttributes(all...))
}

// StartConnectionSpan starts a span bracketing one accepted wire
// connection's open/negotiate phase.
func StartConnectionSpan(ctx context.Context, clientAddr string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{ClientAddr(clientAddr)}, attrs...)
	return StartSpan(ctx, "blockdkit.connection", trace.WithAttributes(all...))
}
