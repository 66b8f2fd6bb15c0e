// Package status defines the portable result codes surfaced by the socket
// engine, and the translation from OS errnos to those codes. Everything above
// the syscall boundary deals in Codes only.
package status

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Code is a portable operation result. It implements error so that engine
// entry points can return it directly; OK is the only Code that is not an
// error in the conventional sense and is never returned as one.
type Code int32

const (
	OK           Code = iota // operation succeeded
	Fault                    // bad argument from the caller
	OutOfMemory              // allocation failed
	Aborted                  // operation cancelled
	Closed                   // socket already closed
	Connecting               // address list exhausted without a connection
	Waiting                  // operation is pending (internal)
	NotSupported             // option or operation not available
	Retry                    // transient, try again
	Network                  // generic network failure
	Fatal                    // unrecoverable engine state
)

var names = map[Code]string{
	OK:           "ok",
	Fault:        "fault",
	OutOfMemory:  "out of memory",
	Aborted:      "aborted",
	Closed:       "closed",
	Connecting:   "connecting",
	Waiting:      "waiting",
	NotSupported: "not supported",
	Retry:        "retry",
	Network:      "network error",
	Fatal:        "fatal",
}

func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return "unknown"
}

func (c Code) Error() string { return c.String() }

// Err returns c as an error, or nil when c is OK. Use at package seams where
// callers expect the nil-error convention.
func (c Code) Err() error {
	if c == OK {
		return nil
	}
	return c
}

// FromErrno translates a syscall errno into a portable Code. Unrecognized
// errnos map to Network: from the engine's point of view every other failure
// of an I/O syscall is a peer- or path-level condition.
func FromErrno(err error) Code {
	if err == nil {
		return OK
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		if code, ok := err.(Code); ok {
			return code
		}
		return Network
	}
	switch errno {
	case 0:
		return OK
	case unix.EAGAIN, unix.EINTR, unix.EINPROGRESS, unix.EALREADY:
		return Retry
	case unix.ECANCELED:
		return Aborted
	case unix.EBADF, unix.ENOTSOCK, unix.EPIPE, unix.ESHUTDOWN:
		return Closed
	case unix.EINVAL, unix.EFAULT, unix.EDESTADDRREQ:
		return Fault
	case unix.ENOMEM, unix.ENOBUFS:
		return OutOfMemory
	case unix.EOPNOTSUPP, unix.EAFNOSUPPORT, unix.EPROTONOSUPPORT, unix.ENOPROTOOPT:
		return NotSupported
	default:
		return Network
	}
}
