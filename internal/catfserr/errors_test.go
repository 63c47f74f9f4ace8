// Copyright 2024 Google LLC
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

package catfserr

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(Other, nil))
}

func TestKindOfUnwrappedIsOther(t *testing.T) {
	assert.Equal(t, Other, KindOf(errors.New("plain")))
}

func TestKindOfRoundTrips(t *testing.T) {
	for _, k := range []Kind{Other, NotFound, NotSupported, NoSpace, Cancelled, BadFd} {
		err := Wrap(k, errors.New("boom"))
		assert.Equal(t, k, KindOf(err))
	}
}

// TestWrapPreservesCauseAcrossReclassification checks that re-wrapping an
// already-classified error under a new kind keeps the original cause
// (including its captured backtrace) rather than stacking wrappers.
func TestWrapPreservesCauseAcrossReclassification(t *testing.T) {
	cause := errors.New("root cause")
	first := Wrap(Other, cause)
	second := Wrap(NotFound, first)

	assert.Equal(t, NotFound, KindOf(second))
	assert.ErrorContains(t, second, "root cause")
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(NotFound, errors.New("no such file"))
	assert.Equal(t, "not_found: no such file", err.Error())
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := Wrap(NotFound, fmt.Errorf(""))
	assert.Contains(t, err.Error(), "not_found")
}

func TestToErrnoMapsClassifiedKinds(t *testing.T) {
	tests := []struct {
		kind Kind
		want syscall.Errno
	}{
		{NotFound, syscall.ENOENT},
		{NotSupported, syscall.ENOTSUP},
		{NoSpace, syscall.ENOSPC},
		{BadFd, syscall.EBADF},
		{Cancelled, 0},
	}

	for _, tc := range tests {
		err := Wrap(tc.kind, errors.New("x"))
		assert.Equal(t, tc.want, ToErrno(err))
	}
}

// TestToErrnoPassesThroughBareErrno checks that an unclassified syscall
// errno (e.g. returned directly from a raw syscall without ever going
// through Wrap) is preserved rather than flattened to EIO.
func TestToErrnoPassesThroughBareErrno(t *testing.T) {
	assert.Equal(t, syscall.EEXIST, ToErrno(syscall.EEXIST))
}

// TestToErrnoFallsBackToEIO checks that a fully unclassified, non-errno
// error becomes EIO rather than leaking an internal error to the kernel.
func TestToErrnoFallsBackToEIO(t *testing.T) {
	assert.Equal(t, syscall.EIO, ToErrno(errors.New("unexpected")))
}

func TestToErrnoNil(t *testing.T) {
	assert.Equal(t, syscall.Errno(0), ToErrno(nil))
}
