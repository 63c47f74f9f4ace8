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

package rlibc

import (
	"syscall"

	"github.com/pkg/xattr"
)

// ChecksumXattr is the name under which the pristineness checksum is stored.
const ChecksumXattr = "user.catfs.src_chksum"

// IsXattrNotSupported reports whether err indicates that extended
// attributes are unavailable on this filesystem at all (as opposed to the
// named attribute simply being absent), mirroring rclone's
// xattrIsNotSupported check.
func IsXattrNotSupported(err error) bool {
	xerr, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	return xerr.Err == syscall.EINVAL || xerr.Err == syscall.ENOTSUP
}

// IsXattrNotExist reports whether err indicates only that the named
// attribute is absent from an otherwise xattr-capable file.
func IsXattrNotExist(err error) bool {
	xerr, ok := err.(*xattr.Error)
	return ok && xerr.Err == xattr.ENOATTR
}

// GetXattrPath reads a single named xattr by path, following symlinks.
func GetXattrPath(path, name string) ([]byte, error) {
	return xattr.Get(path, name)
}

// SetXattrPath sets a single named xattr by path, following symlinks.
func SetXattrPath(path, name string, value []byte) error {
	return xattr.Set(path, name, value)
}

// RemoveXattrPath removes a single named xattr by path.
func RemoveXattrPath(path, name string) error {
	return xattr.Remove(path, name)
}

// ListXattrPath lists the xattr names set on path.
func ListXattrPath(path string) ([]string, error) {
	return xattr.List(path)
}

// GetXattrFd reads a single named xattr from an already-open descriptor.
func GetXattrFd(f File, name string) ([]byte, error) {
	return xattr.FGet(f.OsFile(""), name)
}

// SetXattrFd sets a single named xattr on an already-open descriptor.
func SetXattrFd(f File, name string, value []byte) error {
	return xattr.FSet(f.OsFile(""), name, value)
}

// RemoveXattrFd removes a single named xattr from an already-open
// descriptor.
func RemoveXattrFd(f File, name string) error {
	return xattr.FRemove(f.OsFile(""), name)
}

// ListXattrFd lists the xattr names set on an already-open descriptor.
func ListXattrFd(f File) ([]string, error) {
	return xattr.FList(f.OsFile(""))
}
