//go:build linux

package sandboxenv

import (
	"fmt"

	seccomp "github.com/elastic/go-seccomp-bpf"
)

// allowedSyscalls is the worker's allow-list: the subset the engine
// and the Go runtime need. Everything else fails with EPERM.
var allowedSyscalls = []string{
	// File descriptor I/O on inherited pipes and the binding channel.
	"read", "write", "readv", "writev", "open", "openat", "close",
	"lseek", "recvmsg", "sendmsg", "fcntl",

	// Memory management.
	"brk", "mmap", "munmap", "mremap", "mprotect", "madvise",
	"pkey_alloc", "mlock", "munlock",

	// Signals.
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"tgkill", "kill",

	// Exit.
	"exit", "exit_group",

	// Stat and time.
	"stat", "fstat", "lstat", "newfstatat", "statx",
	"clock_gettime", "clock_getres", "clock_nanosleep", "gettimeofday",
	"nanosleep", "time",

	// Identity.
	"getpid", "gettid", "getuid", "geteuid", "getgid", "getegid",

	// Links and metadata the engine setup reads.
	"readlink", "readlinkat", "uname", "prctl",

	// Threading and scheduling for the Go runtime.
	"clone", "clone3", "fork", "futex", "sched_getaffinity",
	"sched_yield", "rseq", "set_robust_list", "set_tid_address",

	// Runtime poller.
	"epoll_create1", "epoll_ctl", "epoll_pwait", "eventfd2", "pipe2",
	"getrandom",
}

// applySyscallFilter installs the seccomp-BPF allow-list on the
// calling process and all of its threads.
func applySyscallFilter() error {
	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy: seccomp.Policy{
			DefaultAction: seccomp.ActionErrno,
			Syscalls: []seccomp.SyscallGroup{
				{
					Action: seccomp.ActionAllow,
					Names:  allowedSyscalls,
				},
			},
		},
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("loading seccomp filter: %w", err)
	}
	return nil
}
