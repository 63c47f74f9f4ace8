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
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/catfserr"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/workerpool"
)

// testRoots returns source and cache root fds backed by two fresh temp
// directories.
func testRoots(t *testing.T) (srcRootFd, cacheRootFd int) {
	t.Helper()

	srcDir := t.TempDir()
	cacheDir := t.TempDir()

	src, err := rlibc.OpenAt(unix.AT_FDCWD, srcDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })

	cache, err := rlibc.OpenAt(unix.AT_FDCWD, cacheDir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return src.Fd(), cache.Fd()
}

// TestCreateWriteReadRoundTrips checks that bytes written through a
// freshly created handle read back unchanged, both from the handle
// directly and from the source file on disk once flushed.
func TestCreateWriteReadRoundTrips(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "a.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	want := []byte("hello, catfs")
	n, err := f.Write(0, want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.True(t, f.Dirty())

	got := make([]byte, len(want))
	n, err = f.Read(0, got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, got)

	require.NoError(t, f.Flush())
	assert.False(t, f.Dirty())

	onDisk, err := os.ReadFile(fdPath(t, srcRootFd, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, want, onDisk)
}

// TestFlushIsIdempotent checks that flushing an already-clean handle a
// second time is a no-op that returns no error, per the flush-idempotence
// property.
func TestFlushIsIdempotent(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "b.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(0, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, f.Flush())
	assert.False(t, f.Dirty())

	require.NoError(t, f.Flush())
	assert.False(t, f.Dirty())
}

// TestFlushMarksPristine checks that a clean flush leaves the cache copy
// pristine: a subsequent ValidateCache call without assumeValidIfPresent
// must trust the checksum rather than re-copying.
func TestFlushMarksPristine(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "c.txt", os.O_RDWR, 0644)
	require.NoError(t, err)

	_, err = f.Write(0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	valid, err := ValidateCache(srcRootFd, cacheRootFd, "c.txt", false, true)
	require.NoError(t, err)
	assert.True(t, valid, "cache must be pristine immediately after a clean flush")
}

// TestValidateCacheRemovesStaleCopyOnMismatch checks that a cache copy
// whose checksum no longer matches the source gets unlinked rather than
// trusted, unless checkOnly suppresses the side effect.
func TestValidateCacheRemovesStaleCopyOnMismatch(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "d.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write(0, []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	// Touch the source directly, invalidating the stored checksum without
	// going through the coherency engine.
	srcFd, err := rlibc.OpenAt(srcRootFd, "d.txt", os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = srcFd.WriteAt([]byte("v2-longer"), 0)
	require.NoError(t, err)
	require.NoError(t, srcFd.Close())

	valid, err := ValidateCache(srcRootFd, cacheRootFd, "d.txt", false, false)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = rlibc.OpenAt(cacheRootFd, "d.txt", os.O_RDONLY, 0)
	assert.Equal(t, unix.ENOENT, err, "stale cache copy should have been unlinked")
}

// TestValidateCacheMissingSourceRemovesCache checks the ENOENT branch:
// when the source is gone, the cache copy is unlinked and the cache is
// reported invalid.
func TestValidateCacheMissingSourceRemovesCache(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	cacheFd, err := rlibc.OpenAt(cacheRootFd, "e.txt", os.O_RDWR|os.O_CREAT, 0644)
	require.NoError(t, err)
	require.NoError(t, cacheFd.Close())

	valid, err := ValidateCache(srcRootFd, cacheRootFd, "e.txt", false, false)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = rlibc.OpenAt(cacheRootFd, "e.txt", os.O_RDONLY, 0)
	assert.Equal(t, unix.ENOENT, err)
}

// TestOpenPristineCacheSkipsPageIn checks that opening a file whose cache
// copy is already pristine does not start a background page-in: the
// read-only open must be served straight from the cache with no pageIn
// status object at all.
func TestOpenPristineCacheSkipsPageIn(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "f.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write(0, []byte("pristine-data"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	pool := workerpool.New(4)
	f2, err := Open(context.Background(), srcRootFd, cacheRootFd, "f.txt", os.O_RDONLY, false, false, pool)
	require.NoError(t, err)
	defer f2.Close()

	assert.Nil(t, f2.pageIn)
}

// TestOpenStaleCacheTriggersPageIn checks that opening a file with no
// valid cache copy schedules a page-in and that reads still observe the
// full source content once the copy completes.
func TestOpenStaleCacheTriggersPageIn(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	srcFd, err := rlibc.OpenAt(srcRootFd, "g.txt", os.O_RDWR|os.O_CREAT, 0644)
	require.NoError(t, err)
	want := []byte("source-only-content")
	_, err = srcFd.WriteAt(want, 0)
	require.NoError(t, err)
	require.NoError(t, srcFd.Close())

	pool := workerpool.New(4)
	f, err := Open(context.Background(), srcRootFd, cacheRootFd, "g.txt", os.O_RDWR, false, false, pool)
	require.NoError(t, err)
	defer f.Close()

	got := make([]byte, len(want))
	n, err := f.Read(0, got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	assert.Equal(t, want, got)
}

// TestWriteOnReadOnlyHandleReturnsBadFdButStillWritesCache checks the EBADF
// recovery path: a handle opened read-only against an already-pristine
// cache never opens the source fd, so a write that still arrives on it
// must report BadFd (not silently succeed, and not silently drop the
// bytes) while leaving the cache leg durable for the caller's retry.
func TestWriteOnReadOnlyHandleReturnsBadFdButStillWritesCache(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	f, err := Create(srcRootFd, cacheRootFd, "h.txt", os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write(0, []byte("pristine-data"))
	require.NoError(t, err)
	require.NoError(t, f.Flush())
	require.NoError(t, f.Close())

	pool := workerpool.New(4)
	f2, err := Open(context.Background(), srcRootFd, cacheRootFd, "h.txt", os.O_RDONLY, false, false, pool)
	require.NoError(t, err)
	defer f2.Close()
	require.False(t, f2.SrcValid(), "cache was pristine, so the source fd should not have been opened")

	n, err := f2.Write(0, []byte("NEWDATA"))
	require.Equal(t, 7, n, "cache write must still land despite the source being unwritable")
	assert.Equal(t, catfserr.BadFd, catfserr.KindOf(err))

	require.NoError(t, f2.ReopenSrc(srcRootFd, "h.txt", os.O_RDWR))
	assert.True(t, f2.SrcValid())

	n, err = f2.Write(7, []byte("!"))
	require.NoError(t, err, "after reopening for write access, the write should go through cleanly")
	assert.Equal(t, 1, n)
}

// fdPath resolves a root fd + relative path back to an absolute path via
// /proc/self/fd, so tests can read a file directly off disk by fd-root
// instead of remembering the original TempDir string.
func fdPath(t *testing.T, rootFd int, rel string) string {
	t.Helper()
	link, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(rootFd))
	require.NoError(t, err)
	return link + "/" + rel
}
