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
	"context"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/catfserr"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/workerpool"
)

// File is the per-open coherency engine: a source descriptor (possibly
// invalid, meaning "cache alone is authoritative for now"), a cache
// descriptor (always valid), dirty/write-through-failed flags and, while a
// background copy is underway, a page-in status.
//
// Every method requires the caller to hold mu, except where noted; File
// does no locking of its own beyond pageIn's internal mutex, since the
// outer lock is the inode's file-handle lock per the locking order.
type File struct {
	srcFd   rlibc.File
	cacheFd rlibc.File

	dirty              bool
	writeThroughFailed bool

	pageIn *pageInStatus
}

// SrcValid reports whether srcFd holds a real descriptor.
func (f *File) SrcValid() bool { return f.srcFd.Valid() }

// Dirty reports whether the handle has unflushed changes.
func (f *File) Dirty() bool { return f.dirty }

// WriteThroughFailed reports whether a source write has previously failed
// with ENOTSUP, meaning flush must copy cache to source wholesale.
func (f *File) WriteThroughFailed() bool { return f.writeThroughFailed }

// promoteRW turns a write-only open into a read-write one, so the source
// can support the read-modify-write pattern page-in and flush rely on.
func promoteRW(flags int) int {
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = (flags &^ unix.O_ACCMODE) | unix.O_RDWR
	}
	return flags
}

// ValidateCache implements the cache-validation predicate: it opens
// source and cache read-only under the hood and reports whether the cache
// can be trusted without copying. See the coherency engine's cache
// validation rules for the exact semantics of assumeValidIfPresent and
// checkOnly.
func ValidateCache(srcDirFd, cacheDirFd int, relPath string, assumeValidIfPresent, checkOnly bool) (bool, error) {
	srcFd, err := rlibc.OpenAt(srcDirFd, relPath, os.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT {
			if !checkOnly {
				_ = rlibc.UnlinkAt(cacheDirFd, relPath, false)
			}
			return false, nil
		}
		return false, err
	}
	defer srcFd.Close()

	cacheFd, err := rlibc.OpenAt(cacheDirFd, relPath, os.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT {
			return false, nil
		}
		return false, err
	}
	defer cacheFd.Close()

	if assumeValidIfPresent {
		return true, nil
	}

	ok, err := isPristine(srcFd, cacheFd)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	if !checkOnly {
		_ = rlibc.UnlinkAt(cacheDirFd, relPath, false)
	}
	return false, nil
}

// MkdirAllForRename makes the cache's parent directories of relPath ahead
// of a rename into that path, exposed for the inode's rename operation.
func MkdirAllForRename(cacheDirFd int, relPath string) error {
	return mkdirAllCache(cacheDirFd, relPath)
}

// mkdirAllCache creates the parent directories of relPath under cacheDirFd
// with mode 0777, ignoring "already exists".
func mkdirAllCache(cacheDirFd int, relPath string) error {
	dir := filepath.Dir(relPath)
	if dir == "." || dir == "/" {
		return nil
	}

	var prefix string
	for _, part := range strings.Split(dir, "/") {
		if part == "" {
			continue
		}
		if prefix == "" {
			prefix = part
		} else {
			prefix = prefix + "/" + part
		}
		if err := rlibc.MkdirAt(cacheDirFd, prefix, 0777); err != nil && err != unix.EEXIST {
			return err
		}
	}
	return nil
}

// Create implements the create operation: makes the cache's parent
// directories, discards any leftover cache copy (crash cleanup), and opens
// both source and cache with the requested flags (promoted to read-write).
// The returned handle is dirty and not yet pristine.
func Create(srcDirFd, cacheDirFd int, relPath string, flags int, mode uint32) (*File, error) {
	flags = promoteRW(flags)

	if err := mkdirAllCache(cacheDirFd, relPath); err != nil {
		return nil, err
	}

	srcFd, err := rlibc.OpenAt(srcDirFd, relPath, flags|unix.O_CREAT, mode)
	if err != nil {
		return nil, err
	}

	_ = rlibc.UnlinkAt(cacheDirFd, relPath, false)

	cacheFd, err := rlibc.OpenAt(cacheDirFd, relPath, flags|unix.O_CREAT, mode)
	if err != nil {
		srcFd.Close()
		return nil, err
	}

	return &File{srcFd: srcFd, cacheFd: cacheFd, dirty: true}, nil
}

// Open implements the open operation, including scheduling the page-in
// task on pool when the cache was not valid and the open did not request
// truncation.
func Open(
	ctx context.Context,
	srcDirFd, cacheDirFd int,
	relPath string,
	flags int,
	cacheValidIfPresent bool,
	disableSplice bool,
	pool *workerpool.Pool,
) (*File, error) {
	effFlags := promoteRW(flags)

	valid, err := ValidateCache(srcDirFd, cacheDirFd, relPath, cacheValidIfPresent, false)
	if err != nil {
		return nil, err
	}

	readOnly := flags&unix.O_ACCMODE == unix.O_RDONLY

	srcFd := rlibc.InvalidFile
	if !(valid && readOnly) {
		srcFd, err = rlibc.OpenAt(srcDirFd, relPath, effFlags, 0)
		if err != nil {
			return nil, err
		}
	}

	cacheOpenFlags := effFlags
	if !valid {
		cacheOpenFlags |= unix.O_CREAT
	}
	cacheFd, err := rlibc.OpenAt(cacheDirFd, relPath, cacheOpenFlags, 0666)
	if err != nil {
		if srcFd.Valid() {
			srcFd.Close()
		}
		return nil, err
	}

	f := &File{srcFd: srcFd, cacheFd: cacheFd}

	truncating := flags&unix.O_TRUNC != 0
	if !valid && !truncating {
		f.startPageIn(ctx, pool, disableSplice)
	}

	return f, nil
}

// startPageIn launches the background copy from source to cache. On eof
// with no intervening foreground write, the handle is marked pristine.
func (f *File) startPageIn(ctx context.Context, pool *workerpool.Pool, disableSplice bool) {
	status := newPageInStatus()
	f.pageIn = status

	go func() {
		_ = pool.Run(ctx, func() error {
			err := copyBetween(f.srcFd, f.cacheFd, disableSplice, status.update)
			if err != nil {
				status.setErr(err)
				return err
			}

			_, eof, dirty, taskErr := status.snapshot()
			if eof && taskErr == nil && !dirty {
				_ = markPristine(f.srcFd, f.cacheFd)
			}
			return nil
		})
	}()
}

// Read implements the read operation.
func (f *File) Read(offset int64, buf []byte) (int, error) {
	if f.pageIn != nil {
		if _, err := f.pageIn.waitFor(offset + int64(len(buf))); err != nil && catfserr.KindOf(err) != catfserr.Cancelled {
			return 0, err
		}
	}

	n, err := f.cacheFd.ReadAt(buf, offset)
	if n > 0 {
		return n, nil
	}
	return 0, err
}

// Write implements the write operation. When the source leg fails with
// ENOTSUP, or there is no source fd (EBADF), the chunk still reaches the
// cache (step (b)), so a caller that reports ENOTSUP/EBADF back up for a
// reopen-and-retry is never silently dropping the payload: it is already
// durable in the cache by the time the error returns. Any other source
// error is returned before the cache is written.
func (f *File) Write(offset int64, buf []byte) (int, error) {
	if !f.dirty {
		if err := clearPristine(f.cacheFd); err != nil {
			return 0, err
		}
	}

	if f.pageIn != nil {
		f.pageIn.markDirty()
		if _, err := f.pageIn.waitFor(offset + int64(len(buf))); err != nil && catfserr.KindOf(err) != catfserr.Cancelled {
			return 0, err
		}
	}

	var srcErr error
	switch {
	case f.writeThroughFailed:
		// already downgraded to write-on-flush; cache alone is written to
		// until the next successful flush copies it back to source.
	case !f.srcFd.Valid():
		// opened read-only (cache was trusted valid) but a write arrived;
		// the caller must reopen_src with write access and retry.
		srcErr = catfserr.Wrap(catfserr.BadFd, unix.EBADF)
	default:
		if _, err := f.srcFd.WriteAt(buf, offset); err != nil {
			if err == unix.ENOTSUP {
				f.writeThroughFailed = true
				srcErr = catfserr.Wrap(catfserr.NotSupported, err)
			} else {
				return 0, err
			}
		} else {
			f.dirty = true
		}
	}

	n, err := f.cacheFd.WriteAt(buf, offset)
	if n > 0 {
		f.dirty = true
		if srcErr != nil {
			return n, srcErr
		}
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, srcErr
}

// Truncate implements the truncate operation: sets the source size, then
// (after waiting for any page-in to reach eof, freezing it) sets the cache
// size.
func (f *File) Truncate(size int64) error {
	if f.srcFd.Valid() {
		if err := f.srcFd.Truncate(size); err != nil {
			return err
		}
	}

	if f.pageIn != nil {
		if err := f.pageIn.waitEOF(); err != nil && catfserr.KindOf(err) != catfserr.Cancelled {
			return err
		}
	}

	f.dirty = true
	return f.cacheFd.Truncate(size)
}

// Chmod implements the chmod operation: it only sets the source. Mode is
// not among the pristineness checksum inputs, so the cache's marker is left
// as it is.
func (f *File) Chmod(mode uint32) error {
	if f.srcFd.Valid() {
		return f.srcFd.Chmod(mode)
	}
	return nil
}

// ReopenSrc closes and reopens the source fd at a new directory/path or
// with different flags, for rename, for upgrading a read-only source fd to
// read-write (the BadFd recovery), or for giving write-through one more
// chance after an ENOTSUP (the write path's reopen-and-retry). On success
// the write-through-failed downgrade is cleared: the freshly reopened fd
// gets to prove itself on the next write instead of being skipped forever.
// Must be called under the handle's outer lock.
func (f *File) ReopenSrc(dirFd int, relPath string, flags int) error {
	if f.srcFd.Valid() {
		f.srcFd.Close()
	}

	newFd, err := rlibc.OpenAt(dirFd, relPath, promoteRW(flags), 0)
	if err != nil {
		f.srcFd = rlibc.InvalidFile
		return err
	}
	f.srcFd = newFd
	f.writeThroughFailed = false
	return nil
}

// Flush implements the flush operation.
func (f *File) Flush() error {
	if !f.dirty {
		if f.pageIn != nil {
			f.pageIn.cancel()
		}
		return nil
	}

	if f.writeThroughFailed {
		if f.pageIn != nil {
			if err := f.pageIn.waitEOF(); err != nil && catfserr.KindOf(err) != catfserr.Cancelled {
				return err
			}
		}
		if err := f.Copy(false, false); err != nil {
			return err
		}
	} else {
		if err := markPristine(f.srcFd, f.cacheFd); err != nil {
			return err
		}
	}

	if err := flushFd(f.cacheFd); err != nil {
		return err
	}

	if f.srcFd.Valid() {
		if err := flushFd(f.srcFd); err != nil {
			f.srcFd.Close()
			f.srcFd = rlibc.InvalidFile
			_ = clearPristine(f.cacheFd)
			return err
		}
	}

	f.dirty = false
	return nil
}

// flushFd performs the dup-close dance: closing a duplicate of f's
// descriptor makes the underlying filesystem run its close-time flush
// without invalidating the handle.
func flushFd(f rlibc.File) error {
	dupFd, err := unix.Dup(f.Fd())
	if err != nil {
		return err
	}
	return unix.Close(dupFd)
}

// Copy implements the copy operation directly (used by flush's
// write-through-failed path): toCache copies source->cache, !toCache
// copies cache->source.
func (f *File) Copy(toCache bool, disableSplice bool) error {
	reader, writer := f.srcFd, f.cacheFd
	if !toCache {
		reader, writer = f.cacheFd, f.srcFd
	}
	return copyBetween(reader, writer, disableSplice, func(int64, bool) {})
}

// Close releases both descriptors. Safe to call once; the caller must not
// use f afterward.
func (f *File) Close() error {
	if f.pageIn != nil {
		f.pageIn.cancel()
	}
	var firstErr error
	if f.srcFd.Valid() {
		if err := f.srcFd.Close(); err != nil {
			firstErr = err
		}
	}
	if err := f.cacheFd.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
