/*
Copyright 2026 The Helenos VFS Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package vfserr defines the broker's error taxonomy. There is no
// exception mechanism in the broker: every call returns a result, and
// intermediate failures in multi-step operations trigger explicit
// rollback sequences in the caller.
package vfserr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind is one of the broker's error kinds, not a wire error code.
// Handlers translate a Kind to the transport's reply exactly once.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindInvalidArgument
	KindPermissionDenied
	KindBusy
	KindOverflow
	KindOutOfMemory
	KindUnsupported
	KindIOError
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not found"
	case KindInvalidArgument:
		return "invalid argument"
	case KindPermissionDenied:
		return "permission denied"
	case KindBusy:
		return "busy"
	case KindOverflow:
		return "overflow"
	case KindOutOfMemory:
		return "out of memory"
	case KindUnsupported:
		return "unsupported"
	case KindIOError:
		return "i/o error"
	default:
		return "unknown error"
	}
}

// Errno maps a Kind to the nearest POSIX errno, for front ends (such
// as the FUSE bridge) that must answer the kernel with one. We use
// golang.org/x/sys/unix rather than the syscall package so the
// mapping stays correct on every GOOS bazil.org/fuse supports, the
// same dependency pk-mount's underlying transport pulls in.
func (k Kind) Errno() unix.Errno {
	switch k {
	case KindNone:
		return 0
	case KindNotFound:
		return unix.ENOENT
	case KindInvalidArgument:
		return unix.EINVAL
	case KindPermissionDenied:
		return unix.EPERM
	case KindBusy:
		return unix.EBUSY
	case KindOverflow:
		return unix.EOVERFLOW
	case KindOutOfMemory:
		return unix.ENOMEM
	case KindUnsupported:
		return unix.ENOTSUP
	case KindIOError:
		return unix.EIO
	default:
		return unix.EIO
	}
}

// Error is a broker error: a Kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind for operation op.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error of the given kind for operation op, wrapping
// cause for logging/debugging.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the Kind from err, defaulting to KindIOError for any
// error that didn't originate in this package (e.g. a transport
// failure from a disconnected client).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIOError
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
