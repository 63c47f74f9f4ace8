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
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/catfs-project/catfs/common"
	"github.com/catfs-project/catfs/internal/handle"
)

// OpenDir implements opendir: the listing is buffered from the source tree
// up front, since the cache only ever holds the files a reader has actually
// opened.
func (fs *Catfs) OpenDir(op *fuseops.OpenDirOp) (err error) {
	in := fs.inodes.Get(op.Inode)
	if in == nil {
		return fuse.ENOENT
	}
	in.Mu.RLock()
	relPath := in.Path()
	in.Mu.RUnlock()

	return fs.pool.Run(op.Context(), func() error {
		d, err := handle.OpenDir(fs.srcRootFd, relPath)
		if err != nil {
			fs.logErr(common.OpOpenDir, err)
			return err
		}
		op.Handle = fs.dirHandles.Insert(d)
		return nil
	})
}

// ReadDir implements readdir, following the kernel's pushback protocol: an
// entry that does not fit in op.Data is pushed back and re-offered on the
// next call at the same offset.
func (fs *Catfs) ReadDir(op *fuseops.ReadDirOp) (err error) {
	d, ok := fs.dirHandles.Get(op.Handle)
	if !ok {
		return fuse.EIO
	}

	d.Seekdir(uint64(op.Offset))

	for {
		e, ok := d.Readdir()
		if !ok {
			break
		}

		grown := fuseutil.AppendDirent(op.Data, fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.Offset),
			Name:   e.Name,
			Type:   direntType(e.Type),
		})
		if len(grown) > op.Size {
			d.Push(e)
			break
		}

		op.Data = grown
		d.Consumed(e)
	}

	return nil
}

// direntType maps a source d_type (the Dirent type constants from
// dirent(3)) to the fuseutil dirent type enum.
func direntType(t uint8) fuseutil.DirentType {
	switch t {
	case 4: // DT_DIR
		return fuseutil.DT_Directory
	case 10: // DT_LNK
		return fuseutil.DT_Link
	case 8: // DT_REG
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}

// ReleaseDirHandle implements releasedir.
func (fs *Catfs) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	fs.dirHandles.Remove(op.Handle)
	return nil
}
