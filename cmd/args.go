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

package cmd

import (
	"strings"

	"github.com/catfs-project/catfs/cfg"
)

// preprocessArgs implements spec.md section 6's fstab-invocation handling:
// mount(8) helpers call us as "catfs <src>#<cache> <mount> -o <csv>", and
// any CSV entry in that -o value which looks like a standalone flag (starts
// with "-") is pulled out and spliced back into argv as a literal argument,
// the way cmd/legacy_param_converter.go remaps mount(8)-supplied options
// before flag parsing in the teacher.
func preprocessArgs(argv []string) []string {
	out := make([]string, 0, len(argv))

	for i := 0; i < len(argv); i++ {
		a := argv[i]

		if !strings.HasPrefix(a, "-o") {
			out = append(out, a)
			continue
		}

		var csv string
		consumedNext := false
		switch {
		case a == "-o" || a == "--options":
			if i+1 < len(argv) {
				csv = argv[i+1]
				consumedNext = true
			}
		case strings.HasPrefix(a, "-o="):
			csv = a[len("-o="):]
		case strings.HasPrefix(a, "--options="):
			csv = a[len("--options="):]
		default:
			out = append(out, a)
			continue
		}

		passThrough, standalone := splitMountOptions(csv)
		if len(passThrough) > 0 {
			out = append(out, "-o", strings.Join(passThrough, ","))
		}
		out = append(out, standalone...)

		if consumedNext {
			i++
		}
	}

	return out
}

// splitMountOptions separates a CSV mount-options value into entries that
// remain pass-through options and entries that look like standalone flags
// (begin with "-"), per spec.md section 6.
func splitMountOptions(csv string) (passThrough, standalone []string) {
	for _, o := range strings.Split(csv, ",") {
		if o == "" {
			continue
		}
		if strings.HasPrefix(o, "-") {
			standalone = append(standalone, o)
		} else {
			passThrough = append(passThrough, o)
		}
	}
	return
}

// splitFstabForm implements the "<src>#<cache>" first-positional splitting
// of spec.md section 6's fstab form. If positional has exactly two entries
// and the first contains '#', it is split into src_dir and cache_dir,
// yielding the canonical three-positional form.
func splitFstabForm(positional []string) []string {
	if len(positional) == 2 && strings.Contains(positional[0], "#") {
		parts := strings.SplitN(positional[0], "#", 2)
		return []string{parts[0], parts[1], positional[1]}
	}
	return positional
}

// ParseArgs parses argv (not including the program name) into a validated
// Config, applying the fstab and mount-option preprocessing above before
// delegating to cfg.FlagSet/cfg.Finalize.
func ParseArgs(argv []string) (*cfg.Config, error) {
	fs, c := cfg.FlagSet()

	if err := fs.Parse(preprocessArgs(argv)); err != nil {
		return nil, err
	}

	if err := cfg.Finalize(c, splitFstabForm(fs.Args())); err != nil {
		return nil, err
	}

	return c, nil
}
