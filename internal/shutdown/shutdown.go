// Package shutdown implements the process-wide quit flag and the
// shutdown-interruptible sleep plugins use for any long-running wait:
// a "sleep(sec, nsec)" helper.
package shutdown

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/blockdkit/blockdkit/internal/errno"
)

// Signal is the process-wide quit flag. Sleep waits on it together with an
// optional client socket fd that the caller passes in.
type Signal struct {
	quit atomic.Bool
}

// New creates a Signal in the not-quitting state.
func New() *Signal { return &Signal{} }

// Quit reports whether shutdown has been requested.
func (s *Signal) Quit() bool { return s.quit.Load() }

// RequestQuit flips the process-wide quit flag. Idempotent.
func (s *Signal) RequestQuit() { s.quit.Store(true) }

// pollInterval bounds how long a single poll() call waits before
// re-checking the quit flag, so RequestQuit calls from another goroutine
// are noticed promptly even though they don't touch any fd.
const pollInterval = 50 * time.Millisecond

// Sleep blocks for the requested duration, waking early with ESHUTDOWN if
// the process-wide quit flag is set, or if watchFd becomes readable or
// reports a hangup/error condition (POLLIN/POLLHUP/POLLRDHUP/POLLERR/
// POLLNVAL) — used by the wire front-end to pass the client socket so a
// plugin's sleep unblocks the moment the client disconnects. Pass
// watchFd < 0 to wait on the quit flag alone.
func Sleep(s *Signal, d time.Duration, watchFd int) error {
	deadline := time.Now().Add(d)
	for {
		if s.Quit() {
			return errno.New(errno.ESHUTDOWN, "sleep interrupted by shutdown")
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}

		if watchFd >= 0 {
			fds := []unix.PollFd{{Fd: int32(watchFd), Events: unix.POLLIN | unix.POLLHUP | unix.POLLRDHUP | unix.POLLERR | unix.POLLNVAL}}
			n, err := unix.Poll(fds, int(wait.Milliseconds()))
			if err != nil && err != unix.EINTR {
				return errno.New(errno.EIO, "sleep: poll failed")
			}
			if n > 0 {
				return errno.New(errno.ESHUTDOWN, "sleep interrupted by socket event")
			}
		} else {
			time.Sleep(wait)
		}
	}
}
