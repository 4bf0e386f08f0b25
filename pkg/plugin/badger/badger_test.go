package badger

import (
	"path/filepath"
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/pkg/plugin/plugintest"
)

func factory(t *testing.T) backend.Backend {
	path := filepath.Join(t.TempDir(), "badger")
	b, err := New(map[string]string{
		"path":       path,
		"size":       "1048576",
		"chunk_size": "65536",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Unload() })
	return b
}

func TestConformance(t *testing.T) {
	plugintest.RunConformanceSuite(t, factory)
}

func TestNew_RejectsMissingPath(t *testing.T) {
	if _, err := New(map[string]string{"size": "65536"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestNew_RejectsMissingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badger")
	if _, err := New(map[string]string{"path": path}); err == nil {
		t.Fatal("expected error for missing size")
	}
}

func TestPWriteSpanningChunksThenPRead(t *testing.T) {
	b := factory(t)

	buf := make([]byte, 100000)
	for i := range buf {
		buf[i] = byte(i)
	}

	p := b.(*Plugin)
	if err := p.PWrite(nil, nil, buf, 30000, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}

	got := make([]byte, len(buf))
	if err := p.PRead(nil, nil, got, 30000, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	for i := range buf {
		if got[i] != buf[i] {
			t.Fatalf("byte %d: got %x, want %x", i, got[i], buf[i])
		}
	}
}

func TestZeroThenPReadReturnsZero(t *testing.T) {
	b := factory(t)
	p := b.(*Plugin)

	buf := make([]byte, 8192)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := p.PWrite(nil, nil, buf, 0, 0); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if err := p.Zero(nil, nil, 8192, 0, 0); err != nil {
		t.Fatalf("Zero: %v", err)
	}

	got := make([]byte, 8192)
	if err := p.PRead(nil, nil, got, 0, 0); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d: got %x, want 0", i, b)
		}
	}
}
