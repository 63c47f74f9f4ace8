// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package catfserr classifies failures from the coherency engine into the
// error kinds of spec.md section 7 and maps them to the errno values the
// kernel filesystem-protocol adapter hands back to user space.
package catfserr

import (
	"errors"
	"syscall"

	pkgerrors "github.com/pkg/errors"
)

// Kind is one of the error classes the coherency engine distinguishes.
type Kind int

const (
	// Other is any syscall error with no special local recovery.
	Other Kind = iota
	// NotFound means the source file is missing.
	NotFound
	// NotSupported means the source rejected a write or xattr operation.
	NotSupported
	// NoSpace means the cache volume is full.
	NoSpace
	// Cancelled terminates a page-in task; it is never surfaced to the kernel.
	Cancelled
	// BadFd means the source fd was opened without the access the caller now
	// needs (e.g. write access on a read-only fd).
	BadFd
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case NotSupported:
		return "not_supported"
	case NoSpace:
		return "no_space"
	case Cancelled:
		return "cancelled"
	case BadFd:
		return "bad_fd"
	default:
		return "other"
	}
}

// catfsError carries a classification and, the first time it is wrapped, a
// captured backtrace. Expected control-flow errors (Cancelled) skip the
// backtrace cost since nothing will ever log them.
type catfsError struct {
	kind  Kind
	cause error
}

func (e *catfsError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *catfsError) Unwrap() error { return e.cause }

// Wrap classifies cause under kind. If cause has not already been wrapped
// with a backtrace, one is captured now (skipped for Cancelled, which is
// internal signalling and never logged).
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}

	var existing *catfsError
	if errors.As(cause, &existing) {
		return &catfsError{kind: kind, cause: existing.cause}
	}

	if kind == Cancelled {
		return &catfsError{kind: kind, cause: cause}
	}

	return &catfsError{kind: kind, cause: pkgerrors.WithStack(cause)}
}

// KindOf returns the classification attached by Wrap, or Other if err was
// never classified.
func KindOf(err error) Kind {
	var e *catfsError
	if errors.As(err, &e) {
		return e.kind
	}
	return Other
}

// ToErrno maps a classified error, or a bare syscall error, to the errno the
// adapter should hand back to the kernel. Cancelled must never reach here;
// callers are expected to have swallowed it already.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	switch KindOf(err) {
	case NotFound:
		return syscall.ENOENT
	case NotSupported:
		return syscall.ENOTSUP
	case NoSpace:
		return syscall.ENOSPC
	case BadFd:
		return syscall.EBADF
	case Cancelled:
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return syscall.EIO
}
