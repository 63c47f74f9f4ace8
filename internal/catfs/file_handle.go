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

package catfs

import (
	"golang.org/x/sys/unix"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/catfs-project/catfs/common"
	"github.com/catfs-project/catfs/internal/catfserr"
)

// OpenFile implements open: delegates to the inode, which opens the
// coherency engine's file handle and (for a cache miss) schedules the
// background page-in task on the page-in pool.
func (fs *Catfs) OpenFile(op *fuseops.OpenFileOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	in.Mu.Lock()
	relPath := in.Path()

	f, err := in.Open(op.Context(), int(op.Flags), fs.disableSplice, fs.pageInPool)
	in.Mu.Unlock()
	if err != nil {
		fs.logErr(common.OpOpenFile, err)
		return err
	}

	op.Handle = fs.fileHandles.Insert(&fileHandleEntry{f: f, in: in, relPath: relPath, flags: int(op.Flags)})
	return nil
}

// isNoSpace reports whether err is the kernel's out-of-space errno.
func isNoSpace(err error) bool {
	return err == unix.ENOSPC
}

// readlinkAt reads the target of the symlink at relPath relative to dirFd.
func readlinkAt(dirFd int, relPath string) (string, error) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Readlinkat(dirFd, relPath, buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// ReadFile implements read.
func (fs *Catfs) ReadFile(op *fuseops.ReadFileOp) (err error) {
	fh, ok := fs.fileHandles.Get(op.Handle)
	if !ok {
		return fuse.EIO
	}

	return fs.pool.Run(op.Context(), func() error {
		fh.mu.Lock()
		defer fh.mu.Unlock()

		buf := make([]byte, op.Size)
		n, rerr := fh.f.Read(op.Offset, buf)
		if rerr != nil && n == 0 {
			return rerr
		}
		op.Data = buf[:n]
		return nil
	})
}

// ReadSymlink implements readlink: symlinks are never materialized in the
// cache, so this always reads the source directly.
func (fs *Catfs) ReadSymlink(op *fuseops.ReadSymlinkOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.RLock()
	relPath := in.Path()
	in.Mu.RUnlock()

	return fs.pool.Run(op.Context(), func() error {
		target, err := readlinkAt(fs.srcRootFd, relPath)
		if err != nil {
			return err
		}
		op.Target = target
		return nil
	})
}

// isReopenable reports whether werr is a source-write failure that a single
// reopen_src and retry can clear: ENOTSUP (write rejected outright) or
// BadFd (the source fd was opened read-only and a write now needs write
// access). The chunk has already landed in the cache either way (file.Write
// writes through to cache regardless), so retrying only re-attempts the
// source leg.
func isReopenable(werr error) bool {
	kind := catfserr.KindOf(werr)
	return kind == catfserr.NotSupported || kind == catfserr.BadFd
}

// WriteFile implements write: the coherency engine writes through to source
// first, then cache, so the chunk is durable in the cache even when the
// source leg below fails. A source write that fails with ENOTSUP or EBADF
// gets a single reopen_src (promoting to read-write, or simply giving
// write-through one more chance after ENOTSUP) and retry; if that retry
// still can't write through, the handle stays downgraded to write-on-flush
// and the write is reported as successful (the cache already has the
// bytes). ENOSPC triggers a one-shot emergency eviction pass targeting a 1%
// free-space margin, then a single retry.
func (fs *Catfs) WriteFile(op *fuseops.WriteFileOp) (err error) {
	fh, ok := fs.fileHandles.Get(op.Handle)
	if !ok {
		return fuse.EIO
	}

	in := fh.in
	in.Mu.Lock()
	defer in.Mu.Unlock()

	return fs.pool.Run(op.Context(), func() error {
		fh.mu.Lock()
		defer fh.mu.Unlock()

		_, werr := fh.f.Write(op.Offset, op.Data)
		if werr != nil && isReopenable(werr) {
			if rerr := fh.f.ReopenSrc(in.SrcRoot(), fh.relPath, fh.flags); rerr != nil {
				fs.logErr(common.OpWriteFile, rerr)
			} else if _, retryErr := fh.f.Write(op.Offset, op.Data); retryErr == nil || isReopenable(retryErr) {
				werr = nil
			} else {
				werr = retryErr
			}
		}
		if werr != nil && fs.evicter != nil && isNoSpace(werr) {
			fs.evicter.EvictOnce()
			_, werr = fh.f.Write(op.Offset, op.Data)
		}
		if werr != nil {
			fs.logErr(common.OpWriteFile, werr)
			return werr
		}

		in.Extend(uint64(op.Offset) + uint64(len(op.Data)))
		return nil
	})
}

// SyncFile implements fsync: flushes without releasing the handle.
func (fs *Catfs) SyncFile(op *fuseops.SyncFileOp) (err error) {
	fh, ok := fs.fileHandles.Get(op.Handle)
	if !ok {
		return fuse.EIO
	}

	return fs.pool.Run(op.Context(), func() error {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return fh.f.Flush()
	})
}

// FlushFile implements flush: commits the pristine marker (or, if write
// through previously failed, copies cache to source wholesale) and records
// the outcome on the inode so getattr knows whether it must re-stat. A
// successful flush also clears cache_valid_if_present, so the next open
// recomputes the checksum instead of trusting the hint this flush may have
// invalidated, and refreshes the inode's attributes from the source.
func (fs *Catfs) FlushFile(op *fuseops.FlushFileOp) (err error) {
	fh, ok := fs.fileHandles.Get(op.Handle)
	if !ok {
		return fuse.EIO
	}

	in := fh.in
	in.Mu.Lock()
	defer in.Mu.Unlock()

	err = fs.pool.Run(op.Context(), func() error {
		fh.mu.Lock()
		defer fh.mu.Unlock()
		return fh.f.Flush()
	})

	in.SetFlushFailed(err != nil)
	if err == nil {
		in.SetCacheValidIfPresent(false)
		if rerr := in.Refresh(); rerr != nil {
			fs.logErr(common.OpFlushFile, rerr)
		}
	}
	fs.logErr(common.OpFlushFile, err)
	return err
}

// ReleaseFileHandle implements release.
func (fs *Catfs) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) (err error) {
	fh, ok := fs.fileHandles.Get(op.Handle)
	if !ok {
		return nil
	}
	fs.fileHandles.Remove(op.Handle)

	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.f.Close()
}
