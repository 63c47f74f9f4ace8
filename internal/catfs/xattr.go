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
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/catfs-project/catfs/internal/rlibc"
)

// GetXattr implements getxattr, served against the source: xattrs are
// source metadata, not cache state, and rlibc.ChecksumXattr itself is never
// exposed to a caller (it lives on the cache copy, which getxattr never
// sees).
func (fs *Catfs) GetXattr(op *fuseops.GetXattrOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.RLock()
	relPath := in.Path()
	in.Mu.RUnlock()

	return fs.pool.Run(op.Context(), func() error {
		srcFd, err := rlibc.OpenAt(fs.srcRootFd, relPath, 0, 0)
		if err != nil {
			return err
		}
		defer srcFd.Close()

		v, err := rlibc.GetXattrFd(srcFd, op.Name)
		if err != nil {
			return err
		}

		if len(op.Dst) < len(v) {
			return syscall.ERANGE
		}
		op.BytesRead = copy(op.Dst, v)
		return nil
	})
}

// ListXattr implements listxattr against the source.
func (fs *Catfs) ListXattr(op *fuseops.ListXattrOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.RLock()
	relPath := in.Path()
	in.Mu.RUnlock()

	return fs.pool.Run(op.Context(), func() error {
		srcFd, err := rlibc.OpenAt(fs.srcRootFd, relPath, 0, 0)
		if err != nil {
			return err
		}
		defer srcFd.Close()

		names, err := rlibc.ListXattrFd(srcFd)
		if err != nil {
			return err
		}

		var buf []byte
		for _, n := range names {
			buf = append(buf, n...)
			buf = append(buf, 0)
		}

		if len(op.Dst) < len(buf) {
			return syscall.ERANGE
		}
		op.BytesRead = copy(op.Dst, buf)
		return nil
	})
}

// SetXattr implements setxattr against the source, then invalidates the
// cache's pristine marker: an xattr change can change the checksum input
// (a changed s3.etag, for instance), so the next open must re-validate.
func (fs *Catfs) SetXattr(op *fuseops.SetXattrOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.Lock()
	defer in.Mu.Unlock()
	relPath := in.Path()

	return fs.pool.Run(op.Context(), func() error {
		srcFd, err := rlibc.OpenAt(fs.srcRootFd, relPath, 0, 0)
		if err != nil {
			return err
		}
		defer srcFd.Close()

		if err := rlibc.SetXattrFd(srcFd, op.Name, op.Value); err != nil {
			return err
		}

		if cacheFd, err := rlibc.OpenAt(fs.cacheRootFd, relPath, 0, 0); err == nil {
			defer cacheFd.Close()
			_ = rlibc.RemoveXattrFd(cacheFd, rlibc.ChecksumXattr)
		}
		return nil
	})
}

// RemoveXattr implements removexattr, mirroring SetXattr's cache
// invalidation.
func (fs *Catfs) RemoveXattr(op *fuseops.RemoveXattrOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.Lock()
	defer in.Mu.Unlock()
	relPath := in.Path()

	return fs.pool.Run(op.Context(), func() error {
		srcFd, err := rlibc.OpenAt(fs.srcRootFd, relPath, 0, 0)
		if err != nil {
			return err
		}
		defer srcFd.Close()

		if err := rlibc.RemoveXattrFd(srcFd, op.Name); err != nil {
			return err
		}

		if cacheFd, err := rlibc.OpenAt(fs.cacheRootFd, relPath, 0, 0); err == nil {
			defer cacheFd.Close()
			_ = rlibc.RemoveXattrFd(cacheFd, rlibc.ChecksumXattr)
		}
		return nil
	})
}
