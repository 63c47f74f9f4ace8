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

// Package catfs implements the fuseutil.FileSystem adapter: it translates
// one kernel request at a time into operations on the inode and file
// handle layers, holding the registry mutex only long enough to look an
// id up or insert one, never across a syscall.
package catfs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/common"
	"github.com/catfs-project/catfs/internal/catfserr"
	"github.com/catfs-project/catfs/internal/evict"
	"github.com/catfs-project/catfs/internal/handle"
	"github.com/catfs-project/catfs/internal/inode"
	"github.com/catfs-project/catfs/internal/registry"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/workerpool"
)

// attrTTL is how long an inode's cached attributes are trusted before a
// lookup must re-stat the source. getattr does not consult it: it re-stats
// only after a failed flush.
const attrTTL = time.Second

// fileHandleEntry pairs an open coherency-engine handle with the inode and
// path it was opened against, so write's ENOTSUP/ENOSPC retry paths and
// flush's post-flush refresh have what they need without a registry
// round-trip.
type fileHandleEntry struct {
	mu      sync.Mutex
	f       *handle.File
	in      *inode.Inode
	relPath string
	flags   int
}

// Config bundles the dependencies Catfs needs, set up once at mount time.
type Config struct {
	SrcRootFd     int
	CacheRootFd   int
	Uid           uint32
	Gid           uint32
	DirMode       os.FileMode
	FileMode      os.FileMode
	DisableSplice bool
	Pool          *workerpool.Pool
	PageInPool    *workerpool.Pool
	Evicter       *evict.Evicter
	Clock         timeutil.Clock
	Log           zerolog.Logger
}

// Catfs is the fuseutil.FileSystem implementation. It embeds
// fuseutil.NotImplementedFileSystem the way fs/fs.go's fileSystem does, so
// any interface method this package doesn't override answers ENOSYS instead
// of failing to compile.
type Catfs struct {
	fuseutil.NotImplementedFileSystem

	srcRootFd     int
	cacheRootFd   int
	uid, gid      uint32
	dirMode       os.FileMode
	fileMode      os.FileMode
	disableSplice bool

	pool       *workerpool.Pool
	pageInPool *workerpool.Pool
	evicter    *evict.Evicter
	clock      timeutil.Clock
	log        zerolog.Logger

	inodes      *registry.Inodes
	dirHandles  *registry.Handles[*handle.Dir]
	fileHandles *registry.Handles[*fileHandleEntry]
}

// New constructs a Catfs with the root inode already registered.
func New(c Config) *Catfs {
	fs := &Catfs{
		srcRootFd:     c.SrcRootFd,
		cacheRootFd:   c.CacheRootFd,
		uid:           c.Uid,
		gid:           c.Gid,
		dirMode:       c.DirMode,
		fileMode:      c.FileMode,
		disableSplice: c.DisableSplice,
		pool:          c.Pool,
		pageInPool:    c.PageInPool,
		evicter:       c.Evicter,
		clock:         c.Clock,
		log:           c.Log,
		inodes:        registry.New(),
		dirHandles:    registry.NewHandles[*handle.Dir](),
		fileHandles:   registry.NewHandles[*fileHandleEntry](),
	}

	root := inode.New(fuseops.RootInodeID, c.SrcRootFd, c.CacheRootFd, "", fuseops.InodeAttributes{
		Uid:  c.Uid,
		Gid:  c.Gid,
		Mode: c.DirMode | os.ModeDir,
	}, c.Clock)
	root.IncrementLookupCount()
	fs.inodes.Insert(root, "")

	return fs
}

// Server wraps fs as a fuse.Server ready to pass to fuse.Mount.
func (fs *Catfs) Server() fuse.Server {
	return fuseutil.NewFileSystemServer(fs)
}

func (fs *Catfs) Init(op *fuseops.InitOp) (err error) { return nil }
func (fs *Catfs) Destroy()                            {}

// statInode stats the source for a known-existing inode's path and
// refreshes its cached attributes, used when flush-failed forces a
// re-stat on getattr.
func (fs *Catfs) statInode(in *inode.Inode) error {
	return in.Refresh()
}

// LookUpInode implements lookup: reuse the cached child if unexpired,
// else stat the source and mint or update a registry entry.
func (fs *Catfs) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	childPath := joinPath(parentPath, op.Name)

	if existing := fs.inodes.GetByPath(childPath); existing != nil {
		existing.Mu.Lock()
		fresh := existing.NotExpired(attrTTL)
		if fresh {
			existing.IncrementLookupCount()
			op.Entry.Child = existing.ID()
			op.Entry.Attributes = existing.Attributes()
			existing.Mu.Unlock()
			return nil
		}
		existing.Mu.Unlock()
	}

	return fs.pool.Run(op.Context(), func() error {
		relPath, attrs, lookErr := inode.Lookup(fs.srcRootFd, fs.cacheRootFd, parentPath, op.Name, fs.uid, fs.gid, fs.clock)
		if lookErr != nil {
			if lookErr == unix.ENOENT {
				return fuse.ENOENT
			}
			fs.logErr(common.OpLookUpInode, lookErr)
			return lookErr
		}

		existing := fs.inodes.GetByPath(relPath)
		if existing != nil {
			existing.Mu.Lock()
			existing.SetAttributes(attrs)
			existing.IncrementLookupCount()
			op.Entry.Child = existing.ID()
			op.Entry.Attributes = attrs
			existing.Mu.Unlock()
			return nil
		}

		id := fs.inodes.NextID()
		in := inode.New(id, fs.srcRootFd, fs.cacheRootFd, relPath, attrs, fs.clock)
		in.IncrementLookupCount()
		fs.inodes.Insert(in, relPath)

		op.Entry.Child = id
		op.Entry.Attributes = attrs
		return nil
	})
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// GetInodeAttributes implements getattr.
func (fs *Catfs) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	in.Mu.Lock()
	defer in.Mu.Unlock()

	if in.FlushFailed() {
		if err := fs.statInode(in); err != nil {
			fs.logErr(common.OpGetInodeAttributes, err)
			return catfserr.ToErrno(catfserr.Wrap(catfserr.Other, err))
		}
	}

	op.Attributes = in.Attributes()
	return nil
}

// SetInodeAttributes implements setattr: uid/gid changes are rejected with
// ENOSYS; size and mode are applied through the open handle when op.Handle
// names one, else directly against the source path (a size change is also
// mirrored to the cache copy). Atime/mtime changes are not applied. Only a
// size change made without a handle goes through
// handle.RestorePristineIfPresent afterward.
func (fs *Catfs) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	if op.Uid != nil || op.Gid != nil {
		return fuse.ENOSYS
	}

	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}

	in.Mu.Lock()
	defer in.Mu.Unlock()

	var fh *fileHandleEntry
	if op.Handle != nil {
		fh, _ = fs.fileHandles.Get(*op.Handle)
	}

	err = fs.pool.Run(op.Context(), func() error {
		if op.Size != nil {
			if fh != nil {
				fh.mu.Lock()
				e := fh.f.Truncate(int64(*op.Size))
				fh.mu.Unlock()
				if e != nil {
					return e
				}
			} else if e := truncateByPath(fs.srcRootFd, fs.cacheRootFd, in.Path(), int64(*op.Size)); e != nil {
				return e
			}
			in.Extend(uint64(*op.Size))
		}

		if op.Mode != nil {
			mode := uint32(*op.Mode)
			if fh != nil {
				fh.mu.Lock()
				e := fh.f.Chmod(mode)
				fh.mu.Unlock()
				if e != nil {
					return e
				}
			} else if e := unix.Fchmodat(fs.srcRootFd, in.Path(), mode, 0); e != nil {
				return e
			}
		}

		return nil
	})
	if err != nil {
		fs.logErr(common.OpSetInodeAttributes, err)
		return err
	}

	if err := in.Refresh(); err != nil {
		fs.logErr(common.OpSetInodeAttributes, err)
		return err
	}

	op.Attributes = in.Attributes()
	return nil
}

// truncateByPath truncates the source file directly (no open handle
// supplied), mirrors the size to the cache copy if one exists, and
// restores the pristine marker (the size change invalidated it, per
// definition of the checksum) so the cache stays authoritative.
func truncateByPath(srcRootFd, cacheRootFd int, relPath string, size int64) error {
	f, err := rlibc.OpenAt(srcRootFd, relPath, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return err
	}

	if cf, err := rlibc.OpenAt(cacheRootFd, relPath, os.O_WRONLY, 0); err == nil {
		defer cf.Close()
		_ = cf.Truncate(size)
	}

	return handle.RestorePristineIfPresent(srcRootFd, cacheRootFd, relPath)
}

// ForgetInode implements forget.
func (fs *Catfs) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return nil
	}

	in.Mu.Lock()
	destroyed := in.DecrementLookupCount(uint64(op.N))
	path := in.Path()
	in.Mu.Unlock()

	if destroyed {
		fs.inodes.Remove(op.Inode, path)
	}
	return nil
}

// StatFS implements statfs: fstatvfs of the cache root.
func (fs *Catfs) StatFS(op *fuseops.StatFSOp) (err error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(fs.cacheRootFd, &st); err != nil {
		return err
	}

	op.BlockSize = uint32(st.Bsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	return nil
}

func fmtErr(op string, err error) error {
	return fmt.Errorf("%s: %w", op, err)
}

// logErr logs an operation failure at debug level, labeled with the
// common.Op* FUSE operation-name constant so log lines can be grepped or
// filtered by operation.
func (fs *Catfs) logErr(op string, err error) {
	if err == nil {
		return
	}
	fs.log.Debug().Err(fmtErr(op, err)).Msg("op failed")
}
