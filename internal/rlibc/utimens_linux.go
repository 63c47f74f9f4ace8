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
	"strconv"

	"golang.org/x/sys/unix"
)

// utimensFd sets times on an already-open descriptor. Linux's utimensat(2)
// has no fd-only form, so this goes through the /proc/self/fd magic symlink,
// the same indirection the kernel itself recommends for this case.
func utimensFd(fd int, times *[2]unix.Timespec) error {
	return unix.UtimesNanoAt(unix.AT_FDCWD, "/proc/self/fd/"+strconv.Itoa(fd), times[:], 0)
}
