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

// A user-space caching pass-through file system.
//
// Usage:
//
//	catfs [options] <src_dir> <cache_dir> <mount_point>
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/catfs-project/catfs/cfg"
	"github.com/catfs-project/catfs/common"
	"github.com/catfs-project/catfs/internal/catfs"
	"github.com/catfs-project/catfs/internal/catfslog"
	"github.com/catfs-project/catfs/internal/evict"
	"github.com/catfs-project/catfs/internal/rlibc"
	"github.com/catfs-project/catfs/internal/workerpool"
)

const (
	successfulMountMessage = "catfs mounted successfully."
	failedMountMessagePfx  = "catfs mount failed"
)

// evictScanPeriod is how often the background evicter measures free space,
// per spec.md section 4.8.
const evictScanPeriod = 30 * time.Second

// lowWatermarkFactor derives the low-watermark target from --free (the
// high-watermark) in the absence of a separate low-watermark flag: the
// scan evicts down to 1.1x the high-watermark's free-space target, per the
// evict-one scenario in spec.md section 8.
const lowWatermarkFactor = 1.1

// foregroundWorkers and pageInWorkers bound the two worker pools per
// spec.md section 4.9: one for kernel-request-dispatched syscalls, one for
// background page-in copies, sized independently so a burst of page-ins
// can't starve foreground requests.
const (
	foregroundWorkers = 32
	pageInWorkers     = 8
)

// registerSignalHandler unmounts mountPoint when SIGINT or SIGTERM arrives,
// mirroring cmd/legacy_main.go's registerSIGINTHandler but covering both
// signals an init system or interactive shell might send.
func registerSignalHandler(mountPoint string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, unix.SIGTERM)

	go func() {
		for range sigChan {
			catfslog.L().Info().Msg("received signal, attempting to unmount")
			if err := fuse.Unmount(mountPoint); err != nil {
				catfslog.L().Error().Err(err).Msg("unmount failed")
				continue
			}
			catfslog.L().Info().Msg("unmounted")
			return
		}
	}()
}

// scaleDiskSpace derives the low-watermark from the configured high-
// watermark by scaling in whichever unit it was expressed in: spec.md
// gives no separate --low flag, only the evict-one scenario's 1.1x ratio.
func scaleDiskSpace(d cfg.DiskSpace, factor float64) cfg.DiskSpace {
	switch d.Kind {
	case cfg.DiskSpacePercent:
		return cfg.DiskSpace{Kind: cfg.DiskSpacePercent, Percent: d.Percent * factor}
	default:
		return cfg.DiskSpace{Kind: cfg.DiskSpaceBytes, Bytes: uint64(float64(d.Bytes) * factor)}
	}
}

// openRoot opens dir as a directory fd suitable for *at syscalls against
// its subtree, the way internal/rlibc's callers expect a root fd.
func openRoot(dir string) (int, error) {
	f, err := rlibc.OpenAt(unix.AT_FDCWD, dir, unix.O_DIRECTORY|unix.O_RDONLY, 0)
	if err != nil {
		return -1, fmt.Errorf("open %q: %w", dir, err)
	}
	return f.Fd(), nil
}

// mountConfig builds the fuse.MountConfig for cfg.Config, following
// cmd/mount.go's getFuseMountConfig shape: a parsed option map and fixed
// names. No error or debug logger is attached.
func mountConfig(c *cfg.Config) *fuse.MountConfig {
	opts := make(map[string]string, len(c.MountOptions))
	for _, o := range c.MountOptions {
		if eq := strings.IndexByte(o, '='); eq >= 0 {
			opts[o[:eq]] = o[eq+1:]
		} else {
			opts[o] = ""
		}
	}

	return &fuse.MountConfig{
		FSName:     "catfs",
		Subtype:    "catfs",
		VolumeName: "catfs",
		Options:    opts,
	}
}

// mountAndServe performs the actual mount and blocks until the file system
// is unmounted, per spec.md section 6's top-level process responsibilities:
// open the source and cache roots, build the worker pools and evicter,
// construct the adapter, mount, register the signal handler, and join.
func mountAndServe(c *cfg.Config) error {
	srcFd, err := openRoot(c.SrcDir)
	if err != nil {
		return fmt.Errorf("open source dir: %w", err)
	}

	cacheFd, err := openRoot(c.CacheDir)
	if err != nil {
		return fmt.Errorf("open cache dir: %w", err)
	}

	uid, gid := c.Uid, c.Gid
	if uid < 0 {
		uid = os.Getuid()
	}
	if gid < 0 {
		gid = os.Getgid()
	}

	var evicter *evict.Evicter
	if !c.FreeTarget.Disabled() {
		cacheDir := c.CacheDir
		evicter = evict.New(evict.Config{
			CacheRootFd: cacheFd,
			High:        c.FreeTarget,
			Low:         scaleDiskSpace(c.FreeTarget, lowWatermarkFactor),
			Period:      evictScanPeriod,
			Statvfs: func() (unix.Statfs_t, error) {
				return rlibc.Statfs(cacheDir)
			},
			Log: *catfslog.L(),
		})
		go evicter.Run()
	}

	fs := catfs.New(catfs.Config{
		SrcRootFd:   srcFd,
		CacheRootFd: cacheFd,
		Uid:         uint32(uid),
		Gid:         uint32(gid),
		DirMode:     0777,
		FileMode:    0666,
		Pool:        workerpool.New(foregroundWorkers),
		PageInPool:  workerpool.New(pageInWorkers),
		Evicter:     evicter,
		Clock:       timeutil.RealClock(),
		Log:         *catfslog.L(),
	})

	mfs, err := fuse.Mount(c.MountPoint, fs.Server(), mountConfig(c))
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	// --uid/--gid: switch the process ids once the mount is in place.
	if c.Gid >= 0 {
		if err := unix.Setgid(c.Gid); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if c.Uid >= 0 {
		if err := unix.Setuid(c.Uid); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}

	registerSignalHandler(mfs.Dir())

	shutdown := common.JoinShutdownFunc(
		func(context.Context) error {
			if evicter != nil {
				evicter.Shutdown()
			}
			return nil
		},
		func(context.Context) error { return unix.Close(srcFd) },
		func(context.Context) error { return unix.Close(cacheFd) },
	)

	if err := mfs.Join(context.Background()); err != nil {
		_ = shutdown(context.Background())
		return fmt.Errorf("MountedFileSystem.Join: %w", err)
	}

	return shutdown(context.Background())
}

// daemonizeAndWait re-execs the current binary with --foreground set, the
// way cmd/legacy_main.go's mountWithArgs does via osext.Executable and
// daemonize.Run, but resolves the binary path with the standard library's
// os.Executable instead: daemonize.Run takes the executable path directly,
// so there is no separate path-discovery helper to reuse.
func daemonizeAndWait(mountPoint string) error {
	path, err := os.Executable()
	if err != nil {
		return fmt.Errorf("os.Executable: %w", err)
	}

	args := append([]string{"--foreground"}, os.Args[1:]...)
	if len(args) > 0 {
		args[len(args)-1] = mountPoint
	}

	env := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}
	if lvl, ok := os.LookupEnv("CATFS_LOG"); ok {
		env = append(env, fmt.Sprintf("CATFS_LOG=%s", lvl))
	}

	if err := daemonize.Run(path, args, env, os.Stdout); err != nil {
		return fmt.Errorf("daemonize.Run: %w", err)
	}

	fmt.Fprintln(os.Stdout, successfulMountMessage)
	return nil
}

// Run is catfs's entrypoint: parse argv, optionally exit early for --test,
// daemonize unless -f was given, and otherwise mount and block. Returns the
// process exit code per spec.md section 6 (0 success, 1 any mount failure).
func Run(argv []string) int {
	c, err := ParseArgs(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if c.TestOnly {
		return 0
	}

	if !c.Foreground {
		// This is the launching process: daemonizeAndWait spawns the real
		// mount as a --foreground child and blocks until that child calls
		// SignalOutcome on its end of the pipe daemonize.Run sets up. There
		// is nothing for this process itself to signal.
		if err := daemonizeAndWait(c.MountPoint); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", failedMountMessagePfx, err)
			return 1
		}
		return 0
	}

	err = mountAndServe(c)
	daemonizeErr := daemonize.SignalOutcome(err)
	if daemonizeErr != nil {
		catfslog.L().Error().Err(daemonizeErr).Msg("failed to signal outcome to parent process")
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", failedMountMessagePfx, err)
		return 1
	}

	catfslog.L().Info().Msg(successfulMountMessage)
	return 0
}
