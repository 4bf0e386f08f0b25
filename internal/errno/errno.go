// Package errno defines the small allow-list of POSIX-style error codes
// that cross the dispatcher/wire-frontend boundary, independent
// of the host OS's actual syscall.Errno values so the wire mapping stays
// stable across platforms.
package errno

import (
	"errors"
	"fmt"
)

// Errno is one of the error codes the dispatcher may report to the wire
// front-end. It intentionally does not alias syscall.Errno: the wire
// mapping is a fixed, small allow-list, not "whatever this OS defines".
type Errno int

const (
	EIO Errno = iota + 1
	EPERM
	ENOMEM
	EINVAL
	ENOSPC
	EOVERFLOW
	ESHUTDOWN
	ENOTSUP
	EROFS
	EFBIG
)

// EOPNOTSUPP is the BSD-ism alias for ENOTSUP; the two are indistinguishable
// on the wire.
const EOPNOTSUPP = ENOTSUP

// EDQUOT has no slot of its own in the wire allow-list; backends that
// report a quota error should report ENOSPC instead.
const EDQUOT = ENOSPC

func (e Errno) String() string {
	switch e {
	case EIO:
		return "EIO"
	case EPERM:
		return "EPERM"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case ENOSPC:
		return "ENOSPC"
	case EOVERFLOW:
		return "EOVERFLOW"
	case ESHUTDOWN:
		return "ESHUTDOWN"
	case ENOTSUP:
		return "ENOTSUP"
	case EROFS:
		return "EROFS"
	case EFBIG:
		return "EFBIG"
	default:
		return "EIO"
	}
}

// Error wraps an Errno as a Go error, optionally annotated with context.
type Error struct {
	Code Errno
	Op   string
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code.String())
}

// New builds an *Error for code, annotated with op (may be empty).
func New(code Errno, op string) error {
	return &Error{Code: code, Op: op}
}

// Of extracts the Errno from err, collapsing anything that isn't one of
// ours (including nil... callers should not call Of(nil)) to EIO, per the
// "unknown errno collapses to EIO" rule.
func Of(err error) Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EIO
}
