// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package testutil provides integration test gating helpers for tests that
// need to load eBPF programs into the running kernel.
package testutil

import (
	"os"
	"runtime"
	"testing"

	"github.com/cilium/ebpf/rlimit"

	"github.com/nodeguarder/nodeguarder/pkg/kernel"
)

// RequireLinux skips the test if not running on Linux.
func RequireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Test requires Linux")
	}
}

// RequireRoot skips the test unless it runs with root privileges.
func RequireRoot(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	if os.Geteuid() != 0 {
		t.Skip("Test requires root privileges")
	}
}

// RequireBTF skips the test if the kernel does not expose BTF type
// information at the standard location.
func RequireBTF(t *testing.T) {
	t.Helper()
	RequireLinux(t)

	btfPath := "/sys/kernel/btf/vmlinux"
	if _, err := os.Stat(btfPath); err != nil {
		t.Skipf("Test requires BTF support (missing %s): %v", btfPath, err)
	}
}

// RequireKernelVersion skips the test if the running kernel is older than
// major.minor.
func RequireKernelVersion(t *testing.T, major, minor int) {
	t.Helper()
	RequireLinux(t)

	current, err := kernel.Current()
	if err != nil {
		t.Skipf("Failed to get kernel version: %v", err)
	}

	if !current.AtLeast(major, minor) {
		t.Skipf("Test requires kernel %d.%d or higher, current is %s", major, minor, current)
	}
}

// RequireEBPF gates a test on everything eBPF loading needs: Linux, root,
// BTF, and an unlimited memlock rlimit.
func RequireEBPF(t *testing.T) {
	t.Helper()
	RequireRoot(t)
	RequireBTF(t)

	if err := rlimit.RemoveMemlock(); err != nil {
		t.Logf("Warning: failed to remove memlock limit: %v", err)
	}
}
