package memory

import (
	"testing"

	"github.com/blockdkit/blockdkit/internal/backend"
	"github.com/blockdkit/blockdkit/pkg/plugin/plugintest"
)

func factory(size string) plugintest.Factory {
	return func(t *testing.T) backend.Backend {
		b, err := New(map[string]string{"size": size})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return b
	}
}

func TestConformance(t *testing.T) {
	plugintest.RunConformanceSuite(t, factory("65536"))
}

func TestNew_RejectsMissingOrInvalidSize(t *testing.T) {
	if _, err := New(map[string]string{}); err == nil {
		t.Fatal("expected error for missing size")
	}
	if _, err := New(map[string]string{"size": "not-a-number"}); err == nil {
		t.Fatal("expected error for non-numeric size")
	}
	if _, err := New(map[string]string{"size": "0"}); err == nil {
		t.Fatal("expected error for zero size")
	}
}
