//go:build linux

package sandboxenv

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// applyResourceLimits sets OS-level resource constraints on Linux.
func applyResourceLimits() {
	// Address space limit from environment.
	if memStr := os.Getenv(EnvMemoryMB); memStr != "" {
		if memMB, err := strconv.ParseInt(memStr, 10, 64); err == nil && memMB > 0 {
			memBytes := uint64(memMB) * 1024 * 1024
			limit := unix.Rlimit{Cur: memBytes, Max: memBytes}
			unix.Setrlimit(unix.RLIMIT_AS, &limit)
		}
	}

	// No file creation; the worker only talks over inherited
	// descriptors.
	fsize := unix.Rlimit{Cur: 0, Max: 0}
	unix.Setrlimit(unix.RLIMIT_FSIZE, &fsize)

	// No core dumps of untrusted heap contents.
	core := unix.Rlimit{Cur: 0, Max: 0}
	unix.Setrlimit(unix.RLIMIT_CORE, &core)
}
