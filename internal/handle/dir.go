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
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

// Entry is one name yielded by a directory handle: its source d_type and
// the opaque cookie ("offset") a subsequent seekdir call can resume after.
type Entry struct {
	Name   string
	Offset uint64
	Type   uint8
}

// Dir is a resumable directory stream with a one-entry pushback buffer,
// for the upstream push-back protocol: the adapter reads an entry, tries
// to append it to the kernel's reply buffer, and pushes it back for the
// next call if it didn't fit.
//
// The listing is taken from the source tree, since the cache only
// materializes the regular files that have actually been opened; the
// source is the only side with a complete directory.
type Dir struct {
	entries []Entry
	cursor  uint64
	pending *Entry
}

// OpenDir opens relPath relative to srcDirFd and buffers its full listing.
func OpenDir(srcDirFd int, relPath string) (*Dir, error) {
	d, err := rlibc.OpenDirAt(srcDirFd, relPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	raw, err := d.ReadAllTyped()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(raw))
	for i, e := range raw {
		entries[i] = Entry{Name: e.Name, Type: e.Type, Offset: uint64(i + 1)}
	}

	return &Dir{entries: entries}, nil
}

// Seekdir repositions the stream to resume after the entry with the given
// cookie. A no-op when offset already matches the internal cursor;
// otherwise discards any pushed-back entry.
func (d *Dir) Seekdir(offset uint64) {
	if offset == d.cursor {
		return
	}
	d.cursor = offset
	d.pending = nil
}

// Readdir returns the next entry without consuming it: repeated calls
// with no intervening Consumed or Push return the same entry. Returns
// (Entry{}, false) once the stream is exhausted.
func (d *Dir) Readdir() (Entry, bool) {
	if d.pending != nil {
		return *d.pending, true
	}
	if d.cursor >= uint64(len(d.entries)) {
		return Entry{}, false
	}
	return d.entries[d.cursor], true
}

// Push makes e the next entry Readdir returns, for an entry the caller
// could not fit into the current reply.
func (d *Dir) Push(e Entry) {
	d.pending = &e
}

// Consumed advances the stream past e, which must be the entry most
// recently returned by Readdir.
func (d *Dir) Consumed(e Entry) {
	d.pending = nil
	d.cursor = e.Offset
}

// Rmdirat removes relPath from the cache (ignoring not-found) and then
// from the source; a failure to remove the source is the operation's
// error.
func Rmdirat(srcDirFd, cacheDirFd int, relPath string) error {
	if err := rlibc.UnlinkAt(cacheDirFd, relPath, true); err != nil && err != unix.ENOENT {
		return err
	}
	return rlibc.UnlinkAt(srcDirFd, relPath, true)
}
