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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestReadAllExcludesDotEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))

	d, err := OpenDirAt(unix.AT_FDCWD, dir)
	require.NoError(t, err)
	defer d.Close()

	names, err := d.ReadAll()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "sub"}, names)
}

func TestReadAllTypedReportsTypes(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(dir, "a.txt"), filepath.Join(dir, "link")))

	d, err := OpenDirAt(unix.AT_FDCWD, dir)
	require.NoError(t, err)
	defer d.Close()

	entries, err := d.ReadAllTyped()
	require.NoError(t, err)

	byName := make(map[string]uint8, len(entries))
	for _, e := range entries {
		byName[e.Name] = e.Type
	}

	assert.Equal(t, uint8(unix.DT_REG), byName["a.txt"])
	assert.Equal(t, uint8(unix.DT_DIR), byName["sub"])
	assert.Equal(t, uint8(unix.DT_LNK), byName["link"])
}

func TestOpenDirAtOnFileFails(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0644))

	_, err := OpenDirAt(unix.AT_FDCWD, filePath)
	assert.Error(t, err)
}
