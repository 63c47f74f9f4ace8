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

// Package handle implements the coherency engine: the directory handle and
// the file handle, the latter being the part of catfs responsible for
// page-in, write-through and the pristineness checksum.
package handle

import (
	"crypto/sha512"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

// selectedXattrs is the closed set of source xattrs folded into the
// pristineness checksum. Only s3.etag is selected: the common deployment
// backs the source with an object-storage mount whose s3.etag is the
// content hash, and widening this set would be a checksum-format change
// requiring a compatibility strategy.
var selectedXattrs = []string{"s3.etag"}

// checksumInput builds the canonical byte string the pristineness checksum
// is computed over: one "name=0xHEX\n" line per selected xattr present on
// the source, then "mtime\n" and "size\n".
func checksumInput(srcFd rlibc.File, st unix.Stat_t) []byte {
	var buf []byte

	for _, name := range selectedXattrs {
		v, err := rlibc.GetXattrFd(srcFd, name)
		if err != nil {
			continue
		}
		buf = append(buf, fmt.Sprintf("%s=0x%x\n", name, v)...)
	}

	mtimeNsec := st.Mtim.Sec*1e9 + int64(st.Mtim.Nsec)
	buf = append(buf, fmt.Sprintf("%d\n", mtimeNsec)...)
	buf = append(buf, fmt.Sprintf("%d\n", st.Size)...)

	return buf
}

// computeChecksum recomputes the pristineness checksum of the source file
// backing srcFd.
func computeChecksum(srcFd rlibc.File) ([]byte, error) {
	st, err := srcFd.Fstat()
	if err != nil {
		return nil, err
	}
	sum := sha512.Sum512(checksumInput(srcFd, st))
	return sum[:], nil
}

// readStoredChecksum returns the cache file's stored checksum, or (nil,
// nil) if it has none.
func readStoredChecksum(cacheFd rlibc.File) ([]byte, error) {
	v, err := rlibc.GetXattrFd(cacheFd, rlibc.ChecksumXattr)
	if err != nil {
		if rlibc.IsXattrNotExist(err) || rlibc.IsXattrNotSupported(err) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

// markPristine recomputes the checksum from srcFd and stores it on cacheFd.
func markPristine(srcFd, cacheFd rlibc.File) error {
	sum, err := computeChecksum(srcFd)
	if err != nil {
		return err
	}
	return rlibc.SetXattrFd(cacheFd, rlibc.ChecksumXattr, sum)
}

// RestorePristineIfPresent recomputes and rewrites the pristine checksum
// for relPath's cache copy, but only if it already had one — a setattr
// that changes size or mtime invalidates the checksum by definition, and
// this re-establishes pristineness atomically once the change has been
// applied to both sides. If there is no cache copy, or it was not already
// pristine, this is a no-op.
func RestorePristineIfPresent(srcDirFd, cacheDirFd int, relPath string) error {
	srcFd, err := rlibc.OpenAt(srcDirFd, relPath, os.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return err
	}
	defer srcFd.Close()

	cacheFd, err := rlibc.OpenAt(cacheDirFd, relPath, os.O_RDONLY, 0)
	if err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return err
	}
	defer cacheFd.Close()

	stored, err := readStoredChecksum(cacheFd)
	if err != nil || stored == nil {
		return err
	}

	return markPristine(srcFd, cacheFd)
}

// clearPristine removes the cache's checksum xattr, so a crash between a
// source write and the matching cache write can never be mistaken for a
// pristine cache.
func clearPristine(cacheFd rlibc.File) error {
	err := rlibc.RemoveXattrFd(cacheFd, rlibc.ChecksumXattr)
	if err != nil && (rlibc.IsXattrNotExist(err) || rlibc.IsXattrNotSupported(err)) {
		return nil
	}
	return err
}

// isPristine reports whether cacheFd's stored checksum matches a freshly
// computed checksum of srcFd.
func isPristine(srcFd, cacheFd rlibc.File) (bool, error) {
	stored, err := readStoredChecksum(cacheFd)
	if err != nil {
		return false, err
	}
	if stored == nil {
		return false, nil
	}

	fresh, err := computeChecksum(srcFd)
	if err != nil {
		return false, err
	}

	if len(stored) != len(fresh) {
		return false, nil
	}
	for i := range stored {
		if stored[i] != fresh[i] {
			return false, nil
		}
	}
	return true, nil
}
