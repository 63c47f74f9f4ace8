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

// Package inode holds the per-path, kernel-visible state: cached
// attributes, lookup refcount, and the validity hints that let the file
// handle skip redundant cache validation on a second open.
package inode

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/handle"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/workerpool"
)

// Inode is a per-path object holding cached attributes, refcount, and
// validity flags. It is guarded by Mu; callers holding Mu may safely call
// into the source or cache (the locking order permits syscalls under the
// inode lock), but must never call back into the registry.
type Inode struct {
	Mu sync.RWMutex

	/////////////////////////
	// Constant-ish identity
	/////////////////////////

	id        fuseops.InodeID
	srcRoot   int
	cacheRoot int
	clock     timeutil.Clock

	/////////////////////////
	// Mutable state, guarded by Mu
	/////////////////////////

	relPath string
	attrs   fuseops.InodeAttributes

	captureTime time.Time

	lookupCount uint64

	// cacheValidIfPresent is set after a successful file-handle open,
	// making the next open skip a checksum recompute.
	cacheValidIfPresent bool

	// flushFailed records that the most recent flush through an open
	// handle failed; getattr must re-stat the source until the next
	// successful flush clears it.
	flushFailed bool
}

// New wraps a freshly-stat'd path as an inode with lookup count zero.
func New(id fuseops.InodeID, srcRoot, cacheRoot int, relPath string, attrs fuseops.InodeAttributes, clock timeutil.Clock) *Inode {
	return &Inode{
		id:          id,
		srcRoot:     srcRoot,
		cacheRoot:   cacheRoot,
		clock:       clock,
		relPath:     relPath,
		attrs:       attrs,
		captureTime: clock.Now(),
	}
}

// ID returns the kernel-visible inode number.
func (in *Inode) ID() fuseops.InodeID { return in.id }

// Path returns the inode's path relative to the source and cache roots.
// Requires Mu held for reading.
func (in *Inode) Path() string { return in.relPath }

// Attributes returns the cached attributes. Requires Mu held for reading.
func (in *Inode) Attributes() fuseops.InodeAttributes { return in.attrs }

// SetAttributes replaces the cached attributes wholesale (used by setattr
// after applying a change through the file handle or directly). Requires
// Mu held for writing.
func (in *Inode) SetAttributes(a fuseops.InodeAttributes) { in.attrs = a }

// FlushFailed reports whether the last flush through this inode's open
// handle failed. Requires Mu held for reading.
func (in *Inode) FlushFailed() bool { return in.flushFailed }

// SetFlushFailed records or clears the flush-failed flag. Requires Mu held
// for writing.
func (in *Inode) SetFlushFailed(v bool) { in.flushFailed = v }

// CacheValidIfPresent reports the open hint that lets a subsequent open
// skip a checksum recompute. Requires Mu held for reading.
func (in *Inode) CacheValidIfPresent() bool { return in.cacheValidIfPresent }

// SetCacheValidIfPresent records or clears the open hint directly: create
// sets it true for an O_CREAT|O_EXCL inode with no prior checksum to trust,
// and a successful flush clears it back to false to demand a stricter
// validation (cache_valid_if_present is no longer assumed) on the next
// open. Requires Mu held for writing.
func (in *Inode) SetCacheValidIfPresent(v bool) { in.cacheValidIfPresent = v }

// SrcRoot returns the directory fd the source is opened relative to, for
// callers that need to reopen a file handle's source fd (e.g. the write
// path's ENOTSUP/EBADF recovery). Requires Mu held for reading.
func (in *Inode) SrcRoot() int { return in.srcRoot }

// IncrementLookupCount bumps the kernel lookup refcount. Requires Mu held
// for writing.
func (in *Inode) IncrementLookupCount() { in.lookupCount++ }

// DecrementLookupCount decreases the refcount by n, returning whether it
// reached zero. Requires Mu held for writing.
func (in *Inode) DecrementLookupCount(n uint64) bool {
	if n > in.lookupCount {
		in.lookupCount = 0
	} else {
		in.lookupCount -= n
	}
	return in.lookupCount == 0
}

// LookupCount returns the current refcount. Requires Mu held for reading.
func (in *Inode) LookupCount() uint64 { return in.lookupCount }

// NotExpired reports whether less than ttl has passed since the
// attributes were captured. Requires Mu held for reading.
func (in *Inode) NotExpired(ttl time.Duration) bool {
	return in.clock.Now().Sub(in.captureTime) < ttl
}

// Extend grows the in-memory size to max(size, offset), so the kernel
// observes a file's size growing during a burst of writes without an
// intervening refresh. Requires Mu held for writing.
func (in *Inode) Extend(offset uint64) {
	if offset > in.attrs.Size {
		in.attrs.Size = offset
	}
}

// attrsFromStat builds kernel-visible attributes from a stat result,
// presenting the uid/gid this process was configured with rather than the
// source's own (the common deployment runs as a different user than the
// one that wrote the backing object-storage mount).
func attrsFromStat(st unix.Stat_t, uid, gid uint32) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   uint64(st.Size),
		Nlink:  1,
		Mode:   unixModeToFileMode(st.Mode),
		Uid:    uid,
		Gid:    gid,
		Atime:  timespecToTime(st.Atim),
		Mtime:  timespecToTime(st.Mtim),
		Ctime:  timespecToTime(st.Ctim),
		Crtime: timespecToTime(st.Ctim),
	}
}

// unixModeToFileMode converts a raw st_mode into the os.FileMode
// representation fuseops.InodeAttributes expects, translating the
// file-type bits alongside the permission bits.
func unixModeToFileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)

	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	case unix.S_IFIFO:
		fm |= os.ModeNamedPipe
	case unix.S_IFSOCK:
		fm |= os.ModeSocket
	case unix.S_IFBLK:
		fm |= os.ModeDevice
	case unix.S_IFCHR:
		fm |= os.ModeDevice | os.ModeCharDevice
	}

	return fm
}

func timespecToTime(ts unix.Timespec) time.Time {
	return time.Unix(ts.Sec, int64(ts.Nsec))
}

// Refresh restats the source and replaces the cached attributes. Requires
// Mu held for writing.
func (in *Inode) Refresh() error {
	st, err := rlibc.FstatAt(in.srcRoot, in.relPath, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return err
	}
	in.attrs = attrsFromStat(st, in.attrs.Uid, in.attrs.Gid)
	in.captureTime = in.clock.Now()
	return nil
}

// Lookup stats the source at parentRelPath/name and returns the child's
// relative path and fresh attributes. The caller assigns an id, builds the
// inode and inserts it into the registry.
func Lookup(srcRoot, cacheRoot int, parentRelPath, name string, uid, gid uint32, clock timeutil.Clock) (relPath string, attrs fuseops.InodeAttributes, err error) {
	relPath = joinRelPath(parentRelPath, name)

	st, err := rlibc.FstatAt(srcRoot, relPath, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return "", fuseops.InodeAttributes{}, err
	}

	return relPath, attrsFromStat(st, uid, gid), nil
}

func joinRelPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// Rename renames the inode to newParentRelPath/newName: at source first
// (which may refuse a non-empty directory rename, failing the whole op),
// then at cache if a cache copy exists. Requires Mu held for writing.
func (in *Inode) Rename(newParentRelPath, newName string) error {
	newPath := joinRelPath(newParentRelPath, newName)

	if err := rlibc.RenameAt(in.srcRoot, in.relPath, in.srcRoot, newPath); err != nil {
		return err
	}

	if err := handle.MkdirAllForRename(in.cacheRoot, newPath); err != nil {
		return err
	}
	if err := rlibc.RenameAt(in.cacheRoot, in.relPath, in.cacheRoot, newPath); err != nil && err != unix.ENOENT {
		return err
	}

	in.relPath = newPath
	return nil
}

// Open delegates to the file handle, seeding cache_valid_if_present and
// flush_failed from the inode's own state. On success the inode's
// cache_valid_if_present becomes true: the handle is now authoritative.
func (in *Inode) Open(ctx context.Context, flags int, disableSplice bool, pool *workerpool.Pool) (*handle.File, error) {
	cacheValid := in.cacheValidIfPresent && !in.flushFailed

	f, err := handle.Open(ctx, in.srcRoot, in.cacheRoot, in.relPath, flags, cacheValid, disableSplice, pool)
	if err != nil {
		return nil, err
	}

	in.cacheValidIfPresent = true
	return f, nil
}
