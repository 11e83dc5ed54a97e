// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel provides utilities for kernel version detection and comparison.
package kernel

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Version is a parsed kernel release, e.g. "6.2.0-26-generic".
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// Current returns the running kernel's version. It prefers uname(2) and
// falls back to /proc/version.
func Current() (*Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		release := unix.ByteSliceToString(uts.Release[:])
		if v, perr := Parse(release); perr == nil {
			return v, nil
		}
	}

	data, err := os.ReadFile("/proc/version")
	if err != nil {
		return nil, fmt.Errorf("reading kernel version: %w", err)
	}
	// "Linux version X.Y.Z-..."
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return nil, fmt.Errorf("unexpected /proc/version format: %q", string(data))
	}
	return Parse(fields[2])
}

// Parse parses a kernel release string such as "5.15.0" or "5.15.0-generic".
// Everything after the first '-' is ignored; a malformed patch component
// parses as 0.
func Parse(release string) (*Version, error) {
	v := &Version{Raw: release}

	ver := release
	if idx := strings.Index(ver, "-"); idx != -1 {
		ver = ver[:idx]
	}

	parts := strings.Split(ver, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid kernel version format: %s", release)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid major version: %s", parts[0])
	}
	v.Major = major

	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid minor version: %s", parts[1])
	}
	v.Minor = minor

	if len(parts) >= 3 {
		// Patch may carry extra noise like "0rc1"; treat as 0.
		if patch, err := strconv.Atoi(parts[2]); err == nil {
			v.Patch = patch
		}
	}

	return v, nil
}

// AtLeast reports whether v is >= major.minor.
func (v *Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v *Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
