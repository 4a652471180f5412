//go:build !linux

package sandboxenv

import "errors"

// applySyscallFilter reports that syscall filtering is unsupported on
// this platform.
func applySyscallFilter() error {
	return errors.New("seccomp filtering requires linux")
}
