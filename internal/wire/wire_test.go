package wire

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/blockdkit/blockdkit/pkg/plugin/memory"
)

// client wraps one end of an in-memory net.Pipe connection with the same
// frame helpers the session uses, letting a test drive the protocol from
// the far side without a real TCP listener.
type client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	top, err := memory.New(map[string]string{"size": "65536"})
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	return New(top, Config{IdleTimeout: 2 * time.Second})
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	go srv.handle(context.Background(), serverConn)
	return &client{conn: clientConn, r: bufio.NewReader(clientConn), w: bufio.NewWriter(clientConn)}
}

func (c *client) handshake(t *testing.T) {
	t.Helper()
	buf := make([]byte, len(Magic))
	if _, err := readFull(c.r, buf); err != nil {
		t.Fatalf("reading server magic: %v", err)
	}
	if string(buf) != Magic {
		t.Fatalf("unexpected magic %q", buf)
	}
	if _, err := c.w.WriteString(Magic); err != nil {
		t.Fatalf("echoing magic: %v", err)
	}
	if err := c.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (c *client) sendFrame(t *testing.T, payload []byte) {
	t.Helper()
	if err := writeFrame(c.w, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if err := c.w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (c *client) recvReply(t *testing.T) (byte, uint32, []byte) {
	t.Helper()
	frame, err := readFrame(c.r)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if len(frame) < replyHeaderSize {
		t.Fatalf("reply frame too short: %d bytes", len(frame))
	}
	status := frame[0]
	code := uint32(frame[4])<<24 | uint32(frame[5])<<16 | uint32(frame[6])<<8 | uint32(frame[7])
	return status, code, frame[replyHeaderSize:]
}

func (c *client) goExport(t *testing.T, name string) {
	t.Helper()
	req := append([]byte{OptExportName}, []byte(name)...)
	c.sendFrame(t, req)
	status, _, _ := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("OptExportName failed, status=%d", status)
	}
	c.sendFrame(t, []byte{OptGo})
	status, _, _ = c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("OptGo failed, status=%d", status)
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestHandshakeAndNegotiate_AcceptsDefaultExport(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")

	want := bytes.Repeat([]byte("Q"), 4096)
	c.sendFrame(t, append(encodeCommandHeader(CmdWrite, 0, uint64(len(want)), 0), want...))
	status, _, _ := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("write failed, status=%d", status)
	}

	c.sendFrame(t, encodeCommandHeader(CmdRead, 0, uint64(len(want)), 0))
	status, _, payload := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("read failed, status=%d", status)
	}
	if !bytes.Equal(payload, want) {
		t.Fatalf("round-tripped data mismatch")
	}
}

func TestFlush_Succeeds(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")

	c.sendFrame(t, encodeCommandHeader(CmdFlush, 0, 0, 0))
	status, _, _ := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("flush failed, status=%d", status)
	}
}

func TestDisconnect_ClosesCleanly(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")

	c.sendFrame(t, encodeCommandHeader(CmdDisconnect, 0, 0, 0))

	// The session should close its side; a further read should fail
	// rather than hang.
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := c.conn.Read(buf); err == nil {
		t.Fatal("expected the connection to be closed after CmdDisconnect")
	}
}

func TestExtents_ReturnsAllocatedRecord(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")

	c.sendFrame(t, encodeCommandHeader(CmdExtents, 0, 4096, 0))
	status, _, payload := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("extents failed, status=%d", status)
	}
	if len(payload) < 4 {
		t.Fatalf("expected at least a 4-byte record count, got %d bytes", len(payload))
	}
	count := uint32(payload[0])<<24 | uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	if count < 1 {
		t.Fatalf("expected at least one extent record, got %d", count)
	}
	if len(payload) != 4+int(count)*20 {
		t.Fatalf("payload length %d inconsistent with %d records", len(payload), count)
	}
}

func TestWriteThenFlush_FlagsDoNotLeakMayTrim(t *testing.T) {
	// Regression test: decodeFlags must not derive FlagMayTrim for
	// anything but CmdZero, or plain reads/writes/flushes with flags=0
	// fail dispatcher.go's "flags must be zero" / "unsupported flags"
	// checks.
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.goExport(t, "")

	c.sendFrame(t, append(encodeCommandHeader(CmdWrite, 0, 4096, 0), bytes.Repeat([]byte{0}, 4096)...))
	if status, _, _ := c.recvReply(t); status != StatusOK {
		t.Fatalf("write failed, status=%d", status)
	}

	c.sendFrame(t, encodeCommandHeader(CmdRead, 0, 4096, 0))
	if status, _, _ := c.recvReply(t); status != StatusOK {
		t.Fatalf("read failed, status=%d", status)
	}

	c.sendFrame(t, encodeCommandHeader(CmdFlush, 0, 0, 0))
	if status, _, _ := c.recvReply(t); status != StatusOK {
		t.Fatalf("flush failed, status=%d", status)
	}
}

func TestOptList_ReturnsExportCount(t *testing.T) {
	srv := newTestServer(t)
	c := dial(t, srv)
	defer c.conn.Close()

	c.handshake(t)
	c.sendFrame(t, []byte{OptList})
	status, _, payload := c.recvReply(t)
	if status != StatusOK {
		t.Fatalf("OptList failed, status=%d", status)
	}
	if len(payload) < 4 {
		t.Fatalf("expected at least a 4-byte count prefix, got %d bytes", len(payload))
	}
}
