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

// Package cfg holds the mount configuration record and its flag bindings.
//
// Design note (see spec.md section 9, "Dynamic type-erased configuration
// parsing"): rather than a heterogeneous list of (flag description, pointer
// to typed slot) pairs, this package defines an enumerated set of flag
// kinds and a single plain Config struct that FlagSet binds and Finalize
// completes.
package cfg

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Config is the fully parsed, validated set of mount parameters.
type Config struct {
	// Positional arguments.
	SrcDir     string
	CacheDir   string
	MountPoint string

	// -f
	Foreground bool

	// -o csv, already split and with atomic_o_trunc/default_permissions
	// prepended.
	MountOptions []string

	// --free
	FreeTarget DiskSpace

	// --uid / --gid; -1 means "do not change".
	Uid int
	Gid int

	// --test
	TestOnly bool

	rawMountOptions string
}

// FlagKind enumerates the types of command-line flags this program accepts,
// replacing the source's heterogeneous flag-description list with a closed
// enum (spec.md section 9).
type FlagKind int

const (
	FlagBool FlagKind = iota
	FlagString
	FlagDiskSpace
	FlagInt
)

// defaultFreeTarget is the eviction high-watermark used when --free is not
// supplied: 10% free space on the cache volume.
var defaultFreeTarget = DiskSpace{Kind: DiskSpacePercent, Percent: 10}

// flagDesc is one entry of the heterogeneous flag-description list spec.md
// section 9 describes, kept closed over FlagKind instead of an interface{}
// default: bindFlag switches on Kind and only reads the fields that kind
// actually uses.
type flagDesc struct {
	Kind      FlagKind
	Name      string
	Shorthand string
	Usage     string

	BoolDest      *bool
	BoolDefault   bool
	StringDest    *string
	StringDefault string
	IntDest       *int
	IntDefault    int
	DiskSpaceDest *DiskSpace
}

// bindFlag registers one flagDesc on fs, dispatching on Kind to the pflag
// binder for that type.
func bindFlag(fs *pflag.FlagSet, d flagDesc) {
	switch d.Kind {
	case FlagBool:
		if d.Shorthand != "" {
			fs.BoolVarP(d.BoolDest, d.Name, d.Shorthand, d.BoolDefault, d.Usage)
		} else {
			fs.BoolVar(d.BoolDest, d.Name, d.BoolDefault, d.Usage)
		}
	case FlagString:
		if d.Shorthand != "" {
			fs.StringVarP(d.StringDest, d.Name, d.Shorthand, d.StringDefault, d.Usage)
		} else {
			fs.StringVar(d.StringDest, d.Name, d.StringDefault, d.Usage)
		}
	case FlagInt:
		fs.IntVar(d.IntDest, d.Name, d.IntDefault, d.Usage)
	case FlagDiskSpace:
		fs.Var(d.DiskSpaceDest, d.Name, d.Usage)
	}
}

// FlagSet builds the pflag.FlagSet for the mount options recognized by
// spec.md section 6, bound into a fresh Config.
func FlagSet() (*pflag.FlagSet, *Config) {
	fs := pflag.NewFlagSet("catfs", pflag.ContinueOnError)
	c := &Config{
		FreeTarget: defaultFreeTarget,
		Uid:        -1,
		Gid:        -1,
	}

	for _, d := range []flagDesc{
		{Kind: FlagBool, Name: "foreground", Shorthand: "f", BoolDest: &c.Foreground,
			Usage: "Run in the foreground (no daemonization)."},
		{Kind: FlagString, Name: "options", Shorthand: "o", StringDest: &c.rawMountOptions,
			Usage: "Comma-separated pass-through mount options for the kernel filesystem-protocol layer."},
		{Kind: FlagDiskSpace, Name: "free", DiskSpaceDest: &c.FreeTarget,
			Usage: "Eviction high-watermark: byte count with K|M|G|T suffix, or a percentage ending in %."},
		{Kind: FlagInt, Name: "uid", IntDest: &c.Uid, IntDefault: -1,
			Usage: "Set this uid after mounting."},
		{Kind: FlagInt, Name: "gid", IntDest: &c.Gid, IntDefault: -1,
			Usage: "Set this gid after mounting."},
		{Kind: FlagBool, Name: "test", BoolDest: &c.TestOnly,
			Usage: "Parse arguments and exit 0 without mounting."},
	} {
		bindFlag(fs, d)
	}

	return fs, c
}

// Finalize performs the post-parse steps that don't belong in flag binding:
// splitting -o's CSV value and prepending the options spec.md section 6
// requires to always be present, and assigning the three positional
// arguments.
func Finalize(c *Config, positional []string) error {
	if len(positional) != 3 {
		return fmt.Errorf("catfs [options] <src_dir> <cache_dir> <mount_point>: got %d positional arguments", len(positional))
	}

	c.SrcDir = positional[0]
	c.CacheDir = positional[1]
	c.MountPoint = positional[2]

	opts := []string{"atomic_o_trunc", "default_permissions"}
	if c.rawMountOptions != "" {
		for _, o := range strings.Split(c.rawMountOptions, ",") {
			if o != "" {
				opts = append(opts, o)
			}
		}
	}
	c.MountOptions = opts

	return nil
}
