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
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

func TestOpenDirListsAllEntries(t *testing.T) {
	srcRootFd, _ := testRoots(t)

	require.NoError(t, rlibc.MkdirAt(srcRootFd, "d", 0755))
	for _, name := range []string{"d/one", "d/two", "d/three"} {
		f, err := rlibc.OpenAt(srcRootFd, name, os.O_CREATE|os.O_WRONLY, 0644)
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}

	d, err := OpenDir(srcRootFd, "d")
	require.NoError(t, err)

	var names []string
	for {
		e, ok := d.Readdir()
		if !ok {
			break
		}
		names = append(names, e.Name)
		d.Consumed(e)
	}

	assert.ElementsMatch(t, []string{"one", "two", "three"}, names)
}

// TestDirPushPutsEntryBack checks the push-back protocol the adapter uses
// when an entry doesn't fit in the kernel's reply buffer: Readdir must
// return the same entry again until Consumed is called.
func TestDirPushPutsEntryBack(t *testing.T) {
	srcRootFd, _ := testRoots(t)

	require.NoError(t, rlibc.MkdirAt(srcRootFd, "d", 0755))
	f, err := rlibc.OpenAt(srcRootFd, "d/only", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err := OpenDir(srcRootFd, "d")
	require.NoError(t, err)

	e, ok := d.Readdir()
	require.True(t, ok)
	assert.Equal(t, "only", e.Name)

	d.Push(e)
	again, ok := d.Readdir()
	require.True(t, ok)
	assert.Equal(t, e, again)

	d.Consumed(again)
	_, ok = d.Readdir()
	assert.False(t, ok)
}

// TestDirSeekdirIsNoOpAtCurrentCursor checks that seeking to the already
// current offset does not discard a pending pushed-back entry.
func TestDirSeekdirIsNoOpAtCurrentCursor(t *testing.T) {
	srcRootFd, _ := testRoots(t)
	require.NoError(t, rlibc.MkdirAt(srcRootFd, "d", 0755))
	f, err := rlibc.OpenAt(srcRootFd, "d/only", os.O_CREATE|os.O_WRONLY, 0644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	d, err := OpenDir(srcRootFd, "d")
	require.NoError(t, err)

	e, ok := d.Readdir()
	require.True(t, ok)
	d.Push(e)

	d.Seekdir(d.cursor)
	again, ok := d.Readdir()
	require.True(t, ok)
	assert.Equal(t, e, again)
}

func TestRmdiratRemovesBothSides(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	require.NoError(t, rlibc.MkdirAt(srcRootFd, "empty", 0755))
	require.NoError(t, rlibc.MkdirAt(cacheRootFd, "empty", 0755))

	require.NoError(t, Rmdirat(srcRootFd, cacheRootFd, "empty"))

	_, err := rlibc.OpenDirAt(srcRootFd, "empty")
	assert.Equal(t, unix.ENOENT, err)
	_, err = rlibc.OpenDirAt(cacheRootFd, "empty")
	assert.Equal(t, unix.ENOENT, err)
}

// TestRmdiratMissingCacheIgnored checks that a cache side with no
// corresponding directory does not block removal of the source.
func TestRmdiratMissingCacheIgnored(t *testing.T) {
	srcRootFd, cacheRootFd := testRoots(t)

	require.NoError(t, rlibc.MkdirAt(srcRootFd, "empty", 0755))

	require.NoError(t, Rmdirat(srcRootFd, cacheRootFd, "empty"))

	_, err := rlibc.OpenDirAt(srcRootFd, "empty")
	assert.Equal(t, unix.ENOENT, err)
}
