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

// Package walk implements the post-order, depth-first regular-file iterator
// the evicter scans the cache tree with.
package walk

import (
	"path"

	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

// frame is one open directory on the traversal stack: its stream, the
// entries still to be visited (already read in full, since getdents
// buffers don't survive being reopened mid-stream), and the relative path
// this directory was reached at.
type frame struct {
	dir     rlibc.Dir
	relDir  string
	entries []rlibc.DirEntry
	idx     int
}

// Iterator yields the relative paths of every regular file under a root
// directory, visiting a directory's children before a descent into any of
// its subdirectories is reported to the caller as "done" — i.e. post-order:
// a subdirectory's files are all yielded before the iterator moves on to
// the next sibling of that subdirectory. Dropping the iterator via Close
// releases every directory stream still on its stack.
type Iterator struct {
	rootFd int
	stack  []frame
	err    error
	done   bool
}

// New starts an iterator rooted at rootPath relative to rootFd (or
// unix.AT_FDCWD for an absolute path).
func New(rootFd int, rootPath string) (*Iterator, error) {
	d, err := rlibc.OpenDirAt(rootFd, rootPath)
	if err != nil {
		return nil, err
	}

	entries, err := d.ReadAllTyped()
	if err != nil {
		d.Close()
		return nil, err
	}

	return &Iterator{
		rootFd: rootFd,
		stack:  []frame{{dir: d, relDir: "", entries: entries}},
	}, nil
}

// Close releases every directory stream still held by the iterator. Safe
// to call more than once.
func (it *Iterator) Close() error {
	var firstErr error
	for _, fr := range it.stack {
		if err := fr.dir.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	it.stack = nil
	return firstErr
}

// Next advances the iterator and returns the next regular file's path
// relative to the root, or ("", false) when the traversal is complete or
// has failed; call Err to distinguish the two. Errors from any syscall
// terminate the iteration immediately.
func (it *Iterator) Next() (string, bool) {
	if it.done || it.err != nil {
		return "", false
	}

	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]

		if top.idx >= len(top.entries) {
			if err := top.dir.Close(); err != nil {
				it.fail(err)
				return "", false
			}
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		entry := top.entries[top.idx]
		top.idx++

		rel := entry.Name
		if top.relDir != "" {
			rel = path.Join(top.relDir, entry.Name)
		}

		switch entry.Type {
		case unix.DT_DIR:
			sub, err := rlibc.OpenDirAt(top.dir.Fd(), entry.Name)
			if err != nil {
				it.fail(err)
				return "", false
			}
			subEntries, err := sub.ReadAllTyped()
			if err != nil {
				sub.Close()
				it.fail(err)
				return "", false
			}
			it.stack = append(it.stack, frame{dir: sub, relDir: rel, entries: subEntries})
			continue

		case unix.DT_REG:
			return rel, true

		default:
			continue
		}
	}

	it.done = true
	return "", false
}

func (it *Iterator) fail(err error) {
	it.err = err
	it.Close()
}

// Err returns the error that terminated iteration, if any.
func (it *Iterator) Err() error { return it.err }
