package bufsched

import "github.com/pkg/errors"

// Sentinel errors, one per kind in the error taxonomy. Wrap with
// errors.Wrap(err, "op") at each call site; unwrap with errors.Cause or
// errors.Is.
var (
	ErrInvalidArgument = errors.New("bufsched: invalid argument")
	ErrBadAlloc        = errors.New("bufsched: host allocation failed")
	ErrNotFound        = errors.New("bufsched: handle not found")
	ErrSyscall         = errors.New("bufsched: swap syscall failed")
	ErrBadIO           = errors.New("bufsched: swap I/O failed")
	ErrLock            = errors.New("bufsched: lock primitive failed")
)
