// Package sandboxenv applies the confinement a sandbox worker runs
// under: resource limits and a syscall allow-list. The host configures
// both through the environment before spawning the worker; the worker
// applies them to itself before serving its first request.
package sandboxenv

import "os"

// Environment keys set by the host-side stub.
const (
	EnvMemoryMB = "FENCE_SANDBOX_MEMORY_MB"
	EnvSeccomp  = "FENCE_SANDBOX_SECCOMP"
)

// Apply installs all configured confinement. Limits first, then the
// syscall filter, so the filter never has to admit setrlimit.
func Apply() error {
	applyResourceLimits()
	if os.Getenv(EnvSeccomp) == "1" {
		return applySyscallFilter()
	}
	return nil
}
