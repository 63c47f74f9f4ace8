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

// Package evict implements the background cache evicter: a periodic scan
// that keeps free space on the cache volume above a low watermark by
// removing the coldest, heaviest files once a high watermark is crossed.
package evict

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/cfg"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/walk"
)

// defaultHotPercent is the percentage of files, by count, left outside the
// candidate set once the eviction target is met: a scan always considers at
// least the coldest (100 - hotPercent)% of files, and goes further into the
// recently touched files only while the target is still not met.
const defaultHotPercent = 25.0

// StatvfsFunc reports free/total space for the cache filesystem. Injected
// so tests can simulate arbitrary watermark crossings without needing a
// filesystem actually near full.
type StatvfsFunc func() (unix.Statfs_t, error)

// Evicter periodically scans the cache tree and unlinks files to keep free
// space between the low and high watermarks.
type Evicter struct {
	cacheRootFd   int
	high          cfg.DiskSpace
	low           cfg.DiskSpace
	period        time.Duration
	hotPercent    float64
	requestWeight uint64
	statvfs       StatvfsFunc
	log           zerolog.Logger

	shutdown chan struct{}
}

// Config bundles the Evicter constructor parameters.
type Config struct {
	CacheRootFd   int
	High          cfg.DiskSpace
	Low           cfg.DiskSpace
	Period        time.Duration
	HotPercent    float64
	RequestWeight uint64
	Statvfs       StatvfsFunc
	Log           zerolog.Logger
}

// New returns an Evicter from cfg, defaulting HotPercent when unset.
func New(c Config) *Evicter {
	hot := c.HotPercent
	if hot == 0 {
		hot = defaultHotPercent
	}

	return &Evicter{
		cacheRootFd:   c.CacheRootFd,
		high:          c.High,
		low:           c.Low,
		period:        c.Period,
		hotPercent:    hot,
		requestWeight: c.RequestWeight,
		statvfs:       c.Statvfs,
		log:           c.Log,
		shutdown:      make(chan struct{}),
	}
}

// Shutdown signals Run's loop to stop at its next wakeup.
func (e *Evicter) Shutdown() {
	close(e.shutdown)
}

// Run loops, scanning once per period, until Shutdown is called.
func (e *Evicter) Run() {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.scanOnceLogged()
		}
	}
}

// emergencyTarget is the free-space target an ENOSPC-triggered emergency
// eviction aims for: a thin 1% margin, not the configured low watermark,
// since the goal is just to unblock the write in hand.
var emergencyTarget = cfg.DiskSpace{Kind: cfg.DiskSpacePercent, Percent: 1}

// EvictOnce runs a single synchronous eviction pass targeting emergencyTarget,
// for a write that just failed with ENOSPC. Errors are logged, not returned:
// the caller's retry will simply fail again if eviction didn't help.
func (e *Evicter) EvictOnce() {
	st, err := e.statvfs()
	if err != nil {
		e.log.Warn().Err(err).Msg("emergency eviction statvfs failed")
		return
	}

	toEvict := toEvictBytes(emergencyTarget, st)
	if toEvict == 0 {
		return
	}

	records, err := e.collect()
	if err != nil {
		e.log.Warn().Err(err).Msg("emergency eviction collect failed")
		return
	}
	if len(records) == 0 {
		return
	}

	chosen := e.chooseVictims(records, toEvict)
	if len(chosen) == 0 {
		return
	}

	removed := e.unlinkChosen(chosen)
	e.log.Info().Int("removed", removed).Msg("emergency eviction ran")
}

func (e *Evicter) scanOnceLogged() {
	start := time.Now()
	removed, err := e.scanOnce()
	if err != nil {
		e.log.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("eviction scan failed")
		return
	}
	if removed > 0 {
		e.log.Info().Int("removed", removed).Dur("elapsed", time.Since(start)).Msg("eviction scan removed files")
	}
}

// fileRecord is the per-file observation a scan collects on its first
// pass: enough to sort by recency and weight without re-stating the file.
type fileRecord struct {
	path      string
	atime     time.Time
	sizeBytes uint64
}

// toEvictBytes returns how many bytes a scan should aim to free given a
// statvfs snapshot, mirroring cfg.DiskSpace.ToEvict.
func toEvictBytes(target cfg.DiskSpace, st unix.Statfs_t) uint64 {
	total := st.Blocks * uint64(st.Bsize)
	free := st.Bavail * uint64(st.Bsize)
	return target.ToEvict(total, free)
}

// scanOnce runs one eviction pass, returning the number of files removed.
func (e *Evicter) scanOnce() (int, error) {
	st, err := e.statvfs()
	if err != nil {
		return 0, err
	}

	if toEvictBytes(e.high, st) == 0 {
		return 0, nil
	}

	toEvict := toEvictBytes(e.low, st)
	if toEvict == 0 {
		return 0, nil
	}

	records, err := e.collect()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	chosen := e.chooseVictims(records, toEvict)
	if len(chosen) == 0 {
		return 0, nil
	}

	return e.unlinkChosen(chosen), nil
}

// collect walks the cache tree once, recording atime and size for every
// regular file. Size is measured in block-count units (512-byte blocks,
// the POSIX stat convention) so sparse files are not over-counted.
func (e *Evicter) collect() ([]fileRecord, error) {
	it, err := walk.New(e.cacheRootFd, ".")
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var records []fileRecord
	for {
		rel, ok := it.Next()
		if !ok {
			break
		}

		st, err := rlibc.FstatAt(e.cacheRootFd, rel, unix.AT_SYMLINK_NOFOLLOW)
		if err != nil {
			continue
		}

		records = append(records, fileRecord{
			path:      rel,
			atime:     time.Unix(st.Atim.Sec, int64(st.Atim.Nsec)),
			sizeBytes: uint64(st.Blocks) * 512,
		})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// chooseVictims implements the size-and-age weighted selection policy: the
// coldest prefix (by atime) up to the point where the cumulative size
// reaches toEvict and at least (100 - hotPercent)% of files have been
// considered, weighted
// by (size + requestWeight) * age / oldestAge and picked greedily from
// heaviest to lightest until the cumulative size target is met.
func (e *Evicter) chooseVictims(records []fileRecord, toEvict uint64) map[string]struct{} {
	sort.Slice(records, func(i, j int) bool { return records[i].atime.Before(records[j].atime) })

	now := time.Now()
	oldestAge := now.Sub(records[0].atime).Seconds()
	if oldestAge <= 0 {
		oldestAge = 1
	}

	minConsidered := int((100 - e.hotPercent) / 100 * float64(len(records)))

	var cumulative uint64
	coldCount := 0
	for i, r := range records {
		coldCount = i + 1
		cumulative += r.sizeBytes
		if cumulative >= toEvict && coldCount >= minConsidered {
			break
		}
	}
	cold := records[:coldCount]

	type weighted struct {
		path   string
		size   uint64
		weight float64
	}
	candidates := make([]weighted, len(cold))
	for i, r := range cold {
		age := now.Sub(r.atime).Seconds()
		if age < 0 {
			age = 0
		}
		w := float64(r.sizeBytes+e.requestWeight) * age / oldestAge
		candidates[i] = weighted{path: r.path, size: r.sizeBytes, weight: w}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].weight > candidates[j].weight })

	chosen := make(map[string]struct{})
	var chosenBytes uint64
	for _, c := range candidates {
		if chosenBytes >= toEvict {
			break
		}
		chosen[c.path] = struct{}{}
		chosenBytes += c.size
	}

	return chosen
}

// unlinkChosen walks the cache tree a second time, removing every file
// whose path is in chosen. Unlink failures are logged, not propagated:
// a file the evicter could not remove just gets reconsidered next scan.
func (e *Evicter) unlinkChosen(chosen map[string]struct{}) int {
	it, err := walk.New(e.cacheRootFd, ".")
	if err != nil {
		e.log.Warn().Err(err).Msg("eviction second pass failed to start")
		return 0
	}
	defer it.Close()

	removed := 0
	for {
		rel, ok := it.Next()
		if !ok {
			break
		}
		if _, ok := chosen[rel]; !ok {
			continue
		}
		if err := rlibc.UnlinkAt(e.cacheRootFd, rel, false); err != nil {
			e.log.Warn().Err(err).Str("path", rel).Msg("eviction unlink failed")
			continue
		}
		removed++
	}

	return removed
}
