package shutdown

import (
	"testing"
	"time"

	"github.com/blockdkit/blockdkit/internal/errno"
)

func TestSleep_ReturnsAfterDurationWithoutQuit(t *testing.T) {
	s := New()
	start := time.Now()
	if err := Sleep(s, 30*time.Millisecond, -1); err != nil {
		t.Fatalf("Sleep: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Sleep returned too early")
	}
}

func TestSleep_WakesOnQuitFlag(t *testing.T) {
	s := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.RequestQuit()
	}()

	start := time.Now()
	err := Sleep(s, 5*time.Second, -1)
	if errno.Of(err) != errno.ESHUTDOWN {
		t.Fatalf("expected ESHUTDOWN, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Sleep took too long to notice shutdown")
	}
}
