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
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/common"
	"github.com/catfs-project/catfs/internal/handle"
	"github.com/catfs-project/catfs/internal/inode"
	"github.com/catfs-project/catfs/internal/rlibc"
)

// mintChild stats relPath on the source and inserts a freshly minted
// inode for it, for the create/mkdir family where the caller already
// knows the path exists (it just created it) and only needs attributes.
func (fs *Catfs) mintChild(relPath string) (*inode.Inode, error) {
	st, err := rlibc.FstatAt(fs.srcRootFd, relPath, unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		return nil, err
	}

	id := fs.inodes.NextID()
	attrs := fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: 1,
		Mode:  modeFromStat(st.Mode),
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
	in := inode.New(id, fs.srcRootFd, fs.cacheRootFd, relPath, attrs, fs.clock)
	fs.inodes.Insert(in, relPath)
	return in, nil
}

func modeFromStat(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0777)
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		fm |= os.ModeDir
	case unix.S_IFLNK:
		fm |= os.ModeSymlink
	}
	return fm
}

// MkDir implements mkdir.
func (fs *Catfs) MkDir(op *fuseops.MkDirOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	relPath := joinPath(parentPath, op.Name)

	return fs.pool.Run(op.Context(), func() error {
		if err := rlibc.MkdirAt(fs.srcRootFd, relPath, uint32(op.Mode.Perm())); err != nil {
			if err == unix.EEXIST {
				return fuse.EEXIST
			}
			fs.logErr(common.OpMkDir, err)
			return err
		}

		in, err := fs.mintChild(relPath)
		if err != nil {
			return err
		}
		in.Mu.Lock()
		in.IncrementLookupCount()
		op.Entry.Child = in.ID()
		op.Entry.Attributes = in.Attributes()
		in.Mu.Unlock()
		return nil
	})
}

// CreateFile implements create.
func (fs *Catfs) CreateFile(op *fuseops.CreateFileOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	relPath := joinPath(parentPath, op.Name)

	return fs.pool.Run(op.Context(), func() error {
		f, err := handle.Create(fs.srcRootFd, fs.cacheRootFd, relPath, os.O_RDWR|os.O_CREAT|os.O_EXCL, uint32(op.Mode.Perm()))
		if err != nil {
			if err == unix.EEXIST {
				return fuse.EEXIST
			}
			fs.logErr(common.OpCreateFile, err)
			return err
		}

		in, err := fs.mintChild(relPath)
		if err != nil {
			f.Close()
			return err
		}

		in.Mu.Lock()
		in.IncrementLookupCount()
		// O_CREAT|O_EXCL just created this file: there is nothing for a
		// later open to validate against, so the handle starts trusted.
		in.SetCacheValidIfPresent(true)
		op.Entry.Child = in.ID()
		op.Entry.Attributes = in.Attributes()
		in.Mu.Unlock()

		handleID := fs.fileHandles.Insert(&fileHandleEntry{f: f, in: in, relPath: relPath, flags: os.O_RDWR})
		op.Handle = handleID
		return nil
	})
}

// CreateSymlink implements the supplemental symlink-creation operation:
// symlinks are passed through untouched, never materialized in the cache.
func (fs *Catfs) CreateSymlink(op *fuseops.CreateSymlinkOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	relPath := joinPath(parentPath, op.Name)

	return fs.pool.Run(op.Context(), func() error {
		if err := unix.Symlinkat(op.Target, fs.srcRootFd, relPath); err != nil {
			if err == unix.EEXIST {
				return fuse.EEXIST
			}
			fs.logErr(common.OpCreateSymlink, err)
			return err
		}

		in, err := fs.mintChild(relPath)
		if err != nil {
			return err
		}
		in.Mu.Lock()
		in.IncrementLookupCount()
		op.Entry.Child = in.ID()
		op.Entry.Attributes = in.Attributes()
		in.Mu.Unlock()
		return nil
	})
}

// RmDir implements rmdir via handle.Rmdirat: the cache directory is removed
// first (a missing one is ignored), then the source directory; a non-empty
// directory on either side fails the call with ENOTEMPTY.
func (fs *Catfs) RmDir(op *fuseops.RmDirOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	relPath := joinPath(parentPath, op.Name)

	return fs.pool.Run(op.Context(), func() error {
		if err := handle.Rmdirat(fs.srcRootFd, fs.cacheRootFd, relPath); err != nil {
			if err == unix.ENOTEMPTY {
				return fuse.ENOTEMPTY
			}
			if err == unix.ENOENT {
				return fuse.ENOENT
			}
			fs.logErr(common.OpRmDir, err)
			return err
		}

		if in := fs.inodes.GetByPath(relPath); in != nil {
			fs.inodes.Remove(in.ID(), relPath)
		}
		return nil
	})
}

// Unlink implements unlink.
func (fs *Catfs) Unlink(op *fuseops.UnlinkOp) (err error) {
	parent := fs.inodes.Get(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}
	parent.Mu.RLock()
	parentPath := parent.Path()
	parent.Mu.RUnlock()

	relPath := joinPath(parentPath, op.Name)

	return fs.pool.Run(op.Context(), func() error {
		if err := rlibc.UnlinkAt(fs.srcRootFd, relPath, false); err != nil {
			if err == unix.ENOENT {
				return fuse.ENOENT
			}
			fs.logErr(common.OpUnlink, err)
			return err
		}
		_ = rlibc.UnlinkAt(fs.cacheRootFd, relPath, false)

		if in := fs.inodes.GetByPath(relPath); in != nil {
			fs.inodes.Remove(in.ID(), relPath)
		}
		return nil
	})
}

// Rename implements rename: delegates to the inode, which renames at
// source first (failing the whole op if the source refuses, e.g. a
// non-empty directory target) and mirrors the rename to the cache when a
// cache copy exists.
func (fs *Catfs) Rename(op *fuseops.RenameOp) (err error) {
	oldParent := fs.inodes.Get(op.OldParent)
	newParent := fs.inodes.Get(op.NewParent)
	if oldParent == nil || newParent == nil {
		return fuse.ENOENT
	}

	oldParent.Mu.RLock()
	oldParentPath := oldParent.Path()
	oldParent.Mu.RUnlock()

	newParent.Mu.RLock()
	newParentPath := newParent.Path()
	newParent.Mu.RUnlock()

	oldRelPath := joinPath(oldParentPath, op.OldName)

	in := fs.inodes.GetByPath(oldRelPath)
	if in == nil {
		return fuse.ENOENT
	}

	return fs.pool.Run(op.Context(), func() error {
		in.Mu.Lock()
		defer in.Mu.Unlock()

		if err := in.Rename(newParentPath, op.NewName); err != nil {
			if err == unix.ENOTEMPTY {
				return fuse.ENOTEMPTY
			}
			fs.logErr(common.OpRename, err)
			return err
		}

		fs.inodes.ReplacePath(in.ID(), oldRelPath, in.Path())
		return nil
	})
}
