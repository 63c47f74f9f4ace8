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

package cfg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagSetDefaults(t *testing.T) {
	_, c := FlagSet()

	assert.Equal(t, DiskSpace{Kind: DiskSpacePercent, Percent: 10}, c.FreeTarget)
	assert.Equal(t, -1, c.Uid)
	assert.Equal(t, -1, c.Gid)
	assert.False(t, c.Foreground)
	assert.False(t, c.TestOnly)
}

func TestFlagSetParsesFlags(t *testing.T) {
	fs, c := FlagSet()

	require.NoError(t, fs.Parse([]string{"-f", "--free", "5%", "--uid", "1000", "--gid", "1000", "-o", "ro,noatime"}))

	assert.True(t, c.Foreground)
	assert.Equal(t, DiskSpace{Kind: DiskSpacePercent, Percent: 5}, c.FreeTarget)
	assert.Equal(t, 1000, c.Uid)
	assert.Equal(t, 1000, c.Gid)
}

func TestFinalizeRequiresThreePositionals(t *testing.T) {
	_, c := FlagSet()
	err := Finalize(c, []string{"src", "cache"})
	require.Error(t, err)
}

func TestFinalizeAssignsPositionalsAndDefaultOptions(t *testing.T) {
	_, c := FlagSet()
	require.NoError(t, Finalize(c, []string{"/src", "/cache", "/mnt"}))

	assert.Equal(t, "/src", c.SrcDir)
	assert.Equal(t, "/cache", c.CacheDir)
	assert.Equal(t, "/mnt", c.MountPoint)
	assert.Equal(t, []string{"atomic_o_trunc", "default_permissions"}, c.MountOptions)
}

func TestFinalizeAppendsUserSuppliedOptions(t *testing.T) {
	fs, c := FlagSet()
	require.NoError(t, fs.Parse([]string{"-o", "ro,noatime"}))
	require.NoError(t, Finalize(c, []string{"/src", "/cache", "/mnt"}))

	assert.Equal(t, []string{"atomic_o_trunc", "default_permissions", "ro", "noatime"}, c.MountOptions)
}
