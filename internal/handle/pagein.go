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

package handle

import (
	"sync"

	"github.com/catfs-project/catfs/internal/catfserr"
)

// pageInStatus is the condition-variable-protected record a background
// page-in task publishes progress to, and the record foreground readers
// and writers wait on. Its own lock sits below the file handle's lock in
// the locking order (registry mutex -> inode lock -> file-handle lock ->
// page-in-status lock).
type pageInStatus struct {
	mu   sync.Mutex
	cond *sync.Cond

	offset int64
	eof    bool
	dirty  bool
	err    error
}

func newPageInStatus() *pageInStatus {
	s := &pageInStatus{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// update publishes monotonic progress from the copying task and wakes any
// waiters.
func (s *pageInStatus) update(offset int64, eof bool) {
	s.mu.Lock()
	s.offset = offset
	s.eof = eof
	s.mu.Unlock()
	s.cond.Broadcast()
}

// setErr posts a terminal error (including the internal Cancelled signal)
// and wakes any waiters. The first error posted wins.
func (s *pageInStatus) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// markDirty records that a foreground write has landed while paging is in
// progress, so a racing end-of-page-in does not mark the handle pristine.
func (s *pageInStatus) markDirty() {
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
}

// cancel requests that the page-in task stop at its next status update.
func (s *pageInStatus) cancel() {
	s.setErr(catfserr.Wrap(catfserr.Cancelled, errCancelled))
}

// waitFor blocks until the task's reported offset has reached target, eof
// is set, or an error has been posted.
func (s *pageInStatus) waitFor(target int64) (eof bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.offset < target && !s.eof && s.err == nil {
		s.cond.Wait()
	}
	return s.eof, s.err
}

// waitEOF blocks until the task reports eof or an error.
func (s *pageInStatus) waitEOF() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.eof && s.err == nil {
		s.cond.Wait()
	}
	return s.err
}

// snapshot returns the current state without blocking.
func (s *pageInStatus) snapshot() (offset int64, eof, dirty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.eof, s.dirty, s.err
}

var errCancelled = &pageInCancelledError{}

// pageInCancelledError is the sentinel cause wrapped by Cancelled, kept
// distinct from a plain string so it never gets confused with a real
// syscall failure.
type pageInCancelledError struct{}

func (*pageInCancelledError) Error() string { return "page-in cancelled" }
