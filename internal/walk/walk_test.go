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

package walk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

func writeFile(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte("x"), 0644))
}

func openRoot(t *testing.T, dir string) int {
	t.Helper()
	f, err := rlibc.OpenAt(unix.AT_FDCWD, dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f.Fd()
}

func TestIteratorYieldsAllRegularFilesAcrossNesting(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt")
	writeFile(t, dir, "sub/b.txt")
	writeFile(t, dir, "sub/deeper/c.txt")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "empty"), 0755))

	it, err := New(openRoot(t, dir), ".")
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for {
		rel, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, rel)
	}
	require.NoError(t, it.Err())

	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt", "sub/deeper/c.txt"}, got)
}

func TestIteratorOnEmptyDirYieldsNothing(t *testing.T) {
	dir := t.TempDir()

	it, err := New(openRoot(t, dir), ".")
	require.NoError(t, err)
	defer it.Close()

	_, ok := it.Next()
	assert.False(t, ok)
	assert.NoError(t, it.Err())
}

// TestIteratorSkipsNonRegularEntries checks that a symlink (neither
// DT_DIR nor DT_REG) is silently skipped rather than yielded or treated as
// an error.
func TestIteratorSkipsNonRegularEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "real.txt")
	require.NoError(t, os.Symlink(filepath.Join(dir, "real.txt"), filepath.Join(dir, "link.txt")))

	it, err := New(openRoot(t, dir), ".")
	require.NoError(t, err)
	defer it.Close()

	var got []string
	for {
		rel, ok := it.Next()
		if !ok {
			break
		}
		got = append(got, rel)
	}
	require.NoError(t, it.Err())

	assert.Equal(t, []string{"real.txt"}, got)
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt")

	it, err := New(openRoot(t, dir), ".")
	require.NoError(t, err)

	assert.NoError(t, it.Close())
	assert.NoError(t, it.Close())
}
