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
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/internal/rlibc"
)

const (
	spliceChunk = 128 * 1024
	copyChunk   = 32 * 1024
)

// copyReport receives progress updates as copyBetween proceeds; f.copy
// passes in a closure over the handle's page-in status.
type copyReport func(offset int64, eof bool)

// copyBetween copies the entire contents of reader into writer, shrinking
// writer to reader's size first if writer was larger, via splice through a
// pipe in spliceChunk-sized pieces, falling back to a user-space buffer
// copy of copyChunk bytes whenever splice reports EINVAL. report is called
// after every completed chunk, and once more with eof=true at the end.
func copyBetween(reader, writer rlibc.File, disableSplice bool, report copyReport) error {
	readerStat, err := reader.Fstat()
	if err != nil {
		return err
	}
	writerStat, err := writer.Fstat()
	if err != nil {
		return err
	}

	if writerStat.Size > readerStat.Size {
		if err := writer.Truncate(readerStat.Size); err != nil {
			return err
		}
	}

	total := readerStat.Size
	var offset int64

	useSplice := !disableSplice

	for offset < total {
		remaining := total - offset
		n, err := copyOnce(reader, writer, offset, remaining, &useSplice)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		offset += int64(n)
		report(offset, false)
	}

	report(offset, true)
	return nil
}

// copyOnce copies a single chunk (at most spliceChunk or copyChunk bytes,
// whichever strategy is active) from reader to writer at the given offset,
// downgrading useSplice to false for the remainder of the copy the first
// time splice reports EINVAL.
func copyOnce(reader, writer rlibc.File, offset, remaining int64, useSplice *bool) (int, error) {
	if *useSplice {
		n, err := spliceOnce(reader, writer, offset, remaining)
		if err == unix.EINVAL {
			*useSplice = false
		} else {
			return n, err
		}
	}

	length := int(remaining)
	if length > copyChunk {
		length = copyChunk
	}
	buf := make([]byte, length)

	n, err := reader.ReadAt(buf, offset)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	if _, err := writer.WriteAt(buf[:n], offset); err != nil {
		return 0, err
	}
	return n, nil
}

// spliceOnce moves one spliceChunk-sized piece from reader to writer via a
// pipe, since splice(2) requires one end to be a pipe.
func spliceOnce(reader, writer rlibc.File, offset, remaining int64) (int, error) {
	length := int(remaining)
	if length > spliceChunk {
		length = spliceChunk
	}

	pr, pw, err := rlibc.Pipe2()
	if err != nil {
		return 0, err
	}
	defer pr.Close()
	defer pw.Close()

	readOff := offset
	n, err := rlibc.Splice(reader.Fd(), &readOff, pw.Fd(), nil, length)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	writeOff := offset
	written := 0
	for written < n {
		m, err := rlibc.Splice(pr.Fd(), nil, writer.Fd(), &writeOff, n-written)
		if err != nil {
			return 0, err
		}
		if m == 0 {
			break
		}
		written += m
	}

	return written, nil
}
