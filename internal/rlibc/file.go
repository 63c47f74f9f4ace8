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

// Package rlibc wraps the at-relative POSIX primitives the coherency engine
// is built on: owned file descriptors, splice-based copying, fallocate with
// a truncate fallback, and the NFS rename-may-lie probe. Every fd returned
// from this package is owned by its caller; nothing here closes a caller's
// fd behind their back.
package rlibc

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

// File is an owned, at-relative-openable file descriptor. The zero value
// holds descriptor 0 and counts as valid; an empty File is InvalidFile.
type File struct {
	fd int
}

// invalidFd is the sentinel an invalid File carries.
const invalidFd = -1

// InvalidFile holds no descriptor: valid() is false, Close is a no-op.
var InvalidFile = File{fd: invalidFd}

// valid reports whether f holds a real descriptor.
func (f File) valid() bool { return f.fd >= 0 }

// Valid reports whether f holds a real descriptor.
func (f File) Valid() bool { return f.valid() }

// Fd returns the raw descriptor. Only meaningful when Valid.
func (f File) Fd() int { return f.fd }

// Close closes the descriptor. A no-op on an invalid File.
func (f File) Close() error {
	if !f.valid() {
		return nil
	}
	return unix.Close(f.fd)
}

// OpenAt opens path relative to dirFd (or absolutely, if dirFd is
// unix.AT_FDCWD) with the given flags and mode, returning an owned File.
func OpenAt(dirFd int, path string, flags int, mode uint32) (File, error) {
	fd, err := unix.Openat(dirFd, path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return InvalidFile, err
	}
	return File{fd: fd}, nil
}

// MkdirAt creates a directory relative to dirFd.
func MkdirAt(dirFd int, path string, mode uint32) error {
	return unix.Mkdirat(dirFd, path, mode)
}

// UnlinkAt removes a directory entry relative to dirFd. When dir is true the
// entry must be an empty directory.
func UnlinkAt(dirFd int, path string, dir bool) error {
	flags := 0
	if dir {
		flags = unix.AT_REMOVEDIR
	}
	return unix.Unlinkat(dirFd, path, flags)
}

// RenameAt renames oldPath (relative to oldDirFd) to newPath (relative to
// newDirFd). On failure it probes for the NFS "rename may lie" case: a
// rename that the server actually completed but whose reply was lost looks
// like a failure to the client. If the old path no longer exists, the
// rename is declared to have succeeded after all.
func RenameAt(oldDirFd int, oldPath string, newDirFd int, newPath string) error {
	err := unix.Renameat(oldDirFd, oldPath, newDirFd, newPath)
	if err == nil {
		return nil
	}

	var st unix.Stat_t
	if statErr := unix.Fstatat(oldDirFd, oldPath, &st, unix.AT_SYMLINK_NOFOLLOW); statErr == unix.ENOENT {
		return nil
	}

	return err
}

// FstatAt stats path relative to dirFd.
func FstatAt(dirFd int, path string, flags int) (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstatat(dirFd, path, &st, flags)
	return st, err
}

// Fstat stats f directly.
func (f File) Fstat() (unix.Stat_t, error) {
	var st unix.Stat_t
	err := unix.Fstat(f.fd, &st)
	return st, err
}

// ReadAt reads into buf at the given offset.
func (f File) ReadAt(buf []byte, off int64) (int, error) {
	return unix.Pread(f.fd, buf, off)
}

// WriteAt writes buf at the given offset.
func (f File) WriteAt(buf []byte, off int64) (int, error) {
	return unix.Pwrite(f.fd, buf, off)
}

// Truncate sets f's size directly, without going through fallocate.
func (f File) Truncate(size int64) error {
	return unix.Ftruncate(f.fd, size)
}

// Sync flushes f's data and metadata to storage.
func (f File) Sync() error {
	return unix.Fsync(f.fd)
}

// Chmod changes f's mode.
func (f File) Chmod(mode uint32) error {
	return unix.Fchmod(f.fd, mode)
}

// Chown changes f's owner and group; -1 for either leaves it unchanged.
func (f File) Chown(uid, gid int) error {
	return unix.Fchown(f.fd, uid, gid)
}

// Utimens sets f's access and modification times.
func (f File) Utimens(atime, mtime unix.Timespec) error {
	times := [2]unix.Timespec{atime, mtime}
	return utimensFd(f.fd, &times)
}

// fallocFlags mirrors the retry-with-fallback flag sequence used when a
// filesystem refuses the default fallocate flags (e.g. certain ZFS
// configurations refuse FALLOC_FL_KEEP_SIZE alone).
var fallocFlags = [...]uint32{
	unix.FALLOC_FL_KEEP_SIZE,
	unix.FALLOC_FL_KEEP_SIZE | unix.FALLOC_FL_PUNCH_HOLE,
}

// SetSize grows f to newSize by allocating the new range via fallocate
// (falling back through fallocFlags, skipped if the filesystem refuses
// fallocate outright) and then setting the size via truncate, or shrinks it
// via truncate.
func (f File) SetSize(currentSize, newSize int64) error {
	if newSize <= currentSize {
		return f.Truncate(newSize)
	}

	grow := newSize - currentSize
	for _, flags := range fallocFlags {
		err := unix.Fallocate(f.fd, flags, currentSize, grow)
		if err == nil {
			break
		}
		if err != unix.ENOTSUP && err != unix.EOPNOTSUPP {
			return err
		}
	}

	return f.Truncate(newSize)
}

// Pipe2 returns a cloexec pipe pair: [0] is the read end, [1] the write end.
func Pipe2() (r, w File, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return InvalidFile, InvalidFile, err
	}
	return File{fd: fds[0]}, File{fd: fds[1]}, nil
}

// Splice moves up to length bytes from srcFd at offIn to dstFd at offOut
// without a userspace round-trip. unix.EINVAL signals that splice is not
// supported between these two descriptors (e.g. neither end is a pipe, or
// the filesystem refuses it); callers fall back to a buffered copy.
func Splice(srcFd int, offIn *int64, dstFd int, offOut *int64, length int) (int, error) {
	return unix.Splice(srcFd, offIn, dstFd, offOut, length, unix.SPLICE_F_MOVE)
}

// CopyFileRange asks the kernel to copy directly between two regular files,
// an alternative to the pipe-mediated Splice path when both ends are
// regular files.
func CopyFileRange(srcFd int, offIn *int64, dstFd int, offOut *int64, length int) (int, error) {
	return unix.CopyFileRange(srcFd, offIn, dstFd, offOut, length, 0)
}

// Statfs reports filesystem-wide space usage for the filesystem containing
// path; cmd wires it into the evicter's statvfs function for the cache
// directory.
func Statfs(path string) (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	return st, err
}

// Mkfifo and friends are intentionally absent: spec.md's path set only
// covers regular files, directories and symlinks.

// OsFile adapts a File to *os.File for callers (e.g. xattr helpers) that
// need the standard library's type. f retains ownership of the descriptor:
// the returned *os.File has its finalizer cleared so it never closes fd on
// garbage collection, and callers must still Close the original File.
func (f File) OsFile(name string) *os.File {
	osf := os.NewFile(uintptr(f.fd), name)
	runtime.SetFinalizer(osf, nil)
	return osf
}
