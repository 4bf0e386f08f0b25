// Package wire implements a minimal, explicitly-NOT-NBD length-prefixed
// framing protocol (handshake, option negotiation, command loop) over a
// plain TCP socket, sufficient to drive the dispatcher end-to-end and
// make the pipeline observable over a real connection. It makes no claim
// of NBD wire compatibility.
//
// Framing follows the record-marking convention dittofs's NFS
// adapter uses for its RPC fragments: every frame is a 4-byte big-endian
// length prefix followed by that many bytes of payload. Multi-field
// payloads are fixed-layout big-endian binary, decoded with
// encoding/binary the same way dittofs decodes fragment headers.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic identifies the protocol on the wire; sent once by the server
// immediately after accept.
const Magic = "BLOCKDKIT-WIRE-1"

// MaxFrameSize bounds a single frame's payload, guarding against a
// corrupt or hostile length prefix causing unbounded allocation.
const MaxFrameSize = 32 * (1 << 20) // 32MiB

// Option negotiation opcodes, sent by the client after the handshake.
const (
	OptExportName byte = iota + 1 // request a specific export by name
	OptList                       // request the list of advertised exports
	OptGo                         // finish negotiation, proceed to the command loop
	OptAbort                      // client is done negotiating, disconnect
)

// Command loop opcodes, sent by the client once negotiation completes.
const (
	CmdRead byte = iota + 1
	CmdWrite
	CmdFlush
	CmdTrim
	CmdZero
	CmdCache
	CmdExtents
	CmdDisconnect
)

// Command flag bits, carried in every command frame's Flags field.
const (
	FlagFUA      uint32 = 1 << 0
	FlagNoHole   uint32 = 1 << 1 // zero: do not punch a hole, write zeroes
	FlagFastOnly uint32 = 1 << 2 // zero: fail instead of falling back to a slow path
	FlagReqOne   uint32 = 1 << 3 // extents: return at most one extent
)

// Reply status codes.
const (
	StatusOK byte = iota
	StatusError
)

// writeFrame writes payload as one length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write frame payload: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame, rejecting a length over
// MaxFrameSize before allocating the buffer.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds the %d byte limit", n, MaxFrameSize)
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// commandHeader is the fixed-layout portion of every command frame:
// opcode(1) reserved(3) offset(8) count(8) flags(4), followed by the
// write payload itself for CmdWrite.
const commandHeaderSize = 1 + 3 + 8 + 8 + 4

func encodeCommandHeader(op byte, offset, count uint64, flags uint32) []byte {
	buf := make([]byte, commandHeaderSize)
	buf[0] = op
	binary.BigEndian.PutUint64(buf[4:12], offset)
	binary.BigEndian.PutUint64(buf[12:20], count)
	binary.BigEndian.PutUint32(buf[20:24], flags)
	return buf
}

type commandHeader struct {
	op     byte
	offset uint64
	count  uint64
	flags  uint32
}

func decodeCommandHeader(buf []byte) (commandHeader, []byte, error) {
	if len(buf) < commandHeaderSize {
		return commandHeader{}, nil, fmt.Errorf("wire: command frame too short (%d bytes)", len(buf))
	}
	h := commandHeader{
		op:     buf[0],
		offset: binary.BigEndian.Uint64(buf[4:12]),
		count:  binary.BigEndian.Uint64(buf[12:20]),
		flags:  binary.BigEndian.Uint32(buf[20:24]),
	}
	return h, buf[commandHeaderSize:], nil
}

// replyHeader is the fixed-layout portion of every reply frame:
// status(1) reserved(3) errno(4), followed by the read payload itself
// for a successful CmdRead reply.
const replyHeaderSize = 1 + 3 + 4

func encodeReplyHeader(status byte, code uint32) []byte {
	buf := make([]byte, replyHeaderSize)
	buf[0] = status
	binary.BigEndian.PutUint32(buf[4:8], code)
	return buf
}
