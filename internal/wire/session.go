package wire

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/internal/connection"
	"github.com/blockdkit/blockdkit/internal/errno"
	"github.com/blockdkit/blockdkit/internal/export"
	"github.com/blockdkit/blockdkit/internal/extent"
	"github.com/blockdkit/blockdkit/internal/logger"
	"github.com/blockdkit/blockdkit/internal/pipeline"
	"github.com/blockdkit/blockdkit/internal/telemetry"
	"github.com/blockdkit/blockdkit/pkg/metrics"
)

// session is one accepted TCP connection being driven through the
// handshake, option negotiation, and command loop. Goroutine-per-
// connection, grounded on dittofs's SMBAdapter.Serve accept loop
// shape, generalized away from anything SMB-specific.
type session struct {
	srv  *Server
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	clientIP   string
	exportName string
}

func (s *session) serve(ctx context.Context) {
	defer s.conn.Close()

	if s.srv.idleTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.srv.idleTimeout))
	}

	lc := logger.NewLogContext(s.clientIP)
	ctx = logger.WithContext(ctx, lc)

	if err := s.handshake(); err != nil {
		logger.Warn("wire: handshake failed", logger.ClientIP(s.clientIP), logger.Err(err))
		return
	}

	readonly, exportName, ok := s.negotiate(ctx)
	if !ok {
		return
	}
	s.exportName = exportName

	top, err := pipeline.Open(ctx, s.srv.top, readonly, exportName, s.srv.usingTLS)
	if err != nil {
		logger.Warn("wire: open rejected", logger.ClientIP(s.clientIP), logger.Err(err))
		s.writeReply(StatusError, uint32(errno.Of(err)), nil)
		return
	}
	defer pipeline.Close(ctx, top)

	if err := pipeline.Prepare(ctx, top, readonly); err != nil {
		logger.Warn("wire: prepare failed", logger.ClientIP(s.clientIP), logger.Err(err))
		s.writeReply(StatusError, uint32(errno.Of(err)), nil)
		return
	}
	defer pipeline.Finalize(ctx, top)

	conn := connection.New(top, s.srv.usingTLS, readonly, &s.srv.allRequestsMu)
	conn.SetStatus(connection.Running)
	s.writeReply(StatusOK, 0, nil)

	s.commandLoop(ctx, conn)
	conn.SetStatus(connection.Dead)
}

// handshake sends the fixed magic string the client must echo back,
// confirming both sides speak this protocol before anything else is
// exchanged.
func (s *session) handshake() error {
	if _, err := s.w.WriteString(Magic); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	echo := make([]byte, len(Magic))
	if _, err := io.ReadFull(s.r, echo); err != nil {
		return fmt.Errorf("reading client echo: %w", err)
	}
	if string(echo) != Magic {
		return fmt.Errorf("client sent an unrecognized magic string")
	}
	return nil
}

// negotiate runs the option loop: the client may request the export
// list any number of times, may name an export with OptExportName (the
// last one sent wins; none means the empty name), then sends OptGo to
// proceed, or OptAbort to disconnect without serving.
func (s *session) negotiate(ctx context.Context) (readonly bool, exportName string, ok bool) {
	readonly = s.srv.readonly
	exportName = ""

	for {
		s.refreshDeadline()
		frame, err := readFrame(s.r)
		if err != nil {
			logger.Warn("wire: reading option frame", logger.ClientIP(s.clientIP), logger.Err(err))
			return false, "", false
		}
		if len(frame) == 0 {
			s.writeReply(StatusError, uint32(errno.EINVAL), nil)
			continue
		}

		switch frame[0] {
		case OptList:
			set, err := s.srv.listExports(ctx, readonly)
			if err != nil {
				s.writeReply(StatusError, uint32(errno.Of(err)), nil)
				continue
			}
			s.writeReply(StatusOK, 0, encodeExportSet(set))

		case OptExportName:
			exportName = string(frame[1:])
			s.writeReply(StatusOK, 0, nil)

		case OptGo:
			return readonly, exportName, true

		case OptAbort:
			return false, "", false

		default:
			s.writeReply(StatusError, uint32(errno.EINVAL), nil)
		}
	}
}

func encodeExportSet(set *export.Set) []byte {
	var buf []byte
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(set.Count()))
	buf = append(buf, countBuf[:]...)
	for _, e := range set.Entries() {
		name := []byte(e.Name)
		var nameLen [4]byte
		binary.BigEndian.PutUint32(nameLen[:], uint32(len(name)))
		buf = append(buf, nameLen[:]...)
		buf = append(buf, name...)
	}
	return buf
}

// commandLoop dispatches command frames against conn until the client
// disconnects or sends CmdDisconnect. One goroutine per connection; the
// connection's effective thread model gates concurrent dispatcher calls
// via conn.RequestGate the same way the dispatcher's own doc comments
// describe.
func (s *session) commandLoop(ctx context.Context, conn *connection.Connection) {
	for {
		s.refreshDeadline()
		frame, err := readFrame(s.r)
		if err != nil {
			return
		}
		hdr, rest, err := decodeCommandHeader(frame)
		if err != nil {
			s.writeReply(StatusError, uint32(errno.EINVAL), nil)
			continue
		}
		if hdr.op == CmdDisconnect {
			return
		}

		release := conn.RequestGate()
		status, code, payload := s.dispatch(ctx, conn.Top(), hdr, rest)
		release()

		if err := conn.WithWriteLock(func() error {
			return s.writeReply(status, code, payload)
		}); err != nil {
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, top *backend.Context, hdr commandHeader, payload []byte) (byte, uint32, []byte) {
	flags := decodeFlags(hdr.op, hdr.flags)

	op, ok := opName(hdr.op)
	if !ok {
		return StatusError, uint32(errno.EINVAL), nil
	}

	m := s.srv.cfg.Metrics
	metrics.ObserveRequestStart(m, op, s.exportName)
	start := time.Now()
	defer metrics.ObserveRequestEnd(m, op, s.exportName)

	ctx, span := telemetry.StartRequestSpan(ctx, op, s.exportName, hdr.offset, uint64(hdr.count))
	defer span.End()

	record := func(err error) uint32 {
		code := uint32(0)
		errCode := ""
		if err != nil {
			code = uint32(errno.Of(err))
			errCode = fmt.Sprintf("%d", code)
			telemetry.RecordError(ctx, err)
		}
		metrics.ObserveRequest(m, op, s.exportName, time.Since(start), errCode)
		return code
	}

	switch hdr.op {
	case CmdRead:
		buf := make([]byte, hdr.count)
		err := pipeline.PRead(ctx, top, buf, hdr.offset, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		metrics.ObserveBytesTransferred(m, op, s.exportName, "read", uint64(len(buf)))
		return StatusOK, 0, buf

	case CmdWrite:
		err := pipeline.PWrite(ctx, top, payload, hdr.offset, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		metrics.ObserveBytesTransferred(m, op, s.exportName, "write", uint64(len(payload)))
		return StatusOK, 0, nil

	case CmdFlush:
		err := pipeline.Flush(ctx, top, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		return StatusOK, 0, nil

	case CmdTrim:
		err := pipeline.Trim(ctx, top, hdr.count, hdr.offset, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		return StatusOK, 0, nil

	case CmdZero:
		err := pipeline.Zero(ctx, top, hdr.count, hdr.offset, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		return StatusOK, 0, nil

	case CmdCache:
		err := pipeline.Cache(ctx, top, hdr.count, hdr.offset, flags)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		return StatusOK, 0, nil

	case CmdExtents:
		set, err := extent.New(hdr.offset, hdr.offset+hdr.count)
		if err != nil {
			return StatusError, record(errno.New(errno.EINVAL, "extents: invalid range")), nil
		}
		err = pipeline.Extents(ctx, top, hdr.count, hdr.offset, flags, set)
		if code := record(err); err != nil {
			return StatusError, code, nil
		}
		return StatusOK, 0, encodeExtentSet(set)

	default:
		return StatusError, uint32(errno.EINVAL), nil
	}
}

// encodeExtentSet serializes a block-status reply as a record count
// followed by fixed-layout (offset, length, type) triples, mirroring
// encodeExportSet's length-prefixed list shape.
func encodeExtentSet(set *extent.Set) []byte {
	records := set.Records()
	buf := make([]byte, 4, 4+len(records)*20)
	binary.BigEndian.PutUint32(buf[:4], uint32(len(records)))
	for _, r := range records {
		var rec [20]byte
		binary.BigEndian.PutUint64(rec[0:8], r.Offset)
		binary.BigEndian.PutUint64(rec[8:16], r.Length)
		binary.BigEndian.PutUint32(rec[16:20], uint32(r.Type))
		buf = append(buf, rec[:]...)
	}
	return buf
}

// opName maps a wire opcode to the short operation name metrics and logs
// use as a label, mirroring dittofs's NFS procedure-name labeling in
// pkg/metrics/nfs.go.
func opName(op byte) (string, bool) {
	switch op {
	case CmdRead:
		return "read", true
	case CmdWrite:
		return "write", true
	case CmdFlush:
		return "flush", true
	case CmdTrim:
		return "trim", true
	case CmdZero:
		return "zero", true
	case CmdCache:
		return "cache", true
	case CmdExtents:
		return "extents", true
	default:
		return "", false
	}
}

// decodeFlags translates the wire Flags field into backend.Flags,
// op-aware: FlagNoHole/FlagFastOnly only mean anything for CmdZero, and
// FlagReqOne only means anything for CmdExtents. Decoding them
// unconditionally for every opcode would set backend.FlagMayTrim on
// plain reads/writes/flushes, which dispatcher.go rejects outright.
func decodeFlags(op byte, wireFlags uint32) backend.Flags {
	var f backend.Flags
	if wireFlags&FlagFUA != 0 {
		f |= backend.FlagFUA
	}
	switch op {
	case CmdZero:
		if wireFlags&FlagNoHole == 0 {
			f |= backend.FlagMayTrim
		}
		if wireFlags&FlagFastOnly != 0 {
			f |= backend.FlagFastZero
		}
	case CmdExtents:
		if wireFlags&FlagReqOne != 0 {
			f |= backend.FlagReqOne
		}
	}
	return f
}

func (s *session) writeReply(status byte, code uint32, payload []byte) error {
	hdr := encodeReplyHeader(status, code)
	frame := append(hdr, payload...)
	if err := writeFrame(s.w, frame); err != nil {
		return err
	}
	return s.w.Flush()
}

// clientIPFrom strips the port from a net.Conn's remote address string.
func clientIPFrom(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

// refreshDeadline pushes the connection's idle deadline out on every
// frame boundary, so an idle client eventually times out but an active
// one never does.
func (s *session) refreshDeadline() {
	if s.srv.idleTimeout > 0 {
		s.conn.SetDeadline(time.Now().Add(s.srv.idleTimeout))
	}
}
