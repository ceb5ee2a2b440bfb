//go:build linux

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Function variables for the hardening syscalls, overridden in tests.
var (
	prctlFunc     = unix.Prctl
	setrlimitFunc = unix.Setrlimit
)

// hardenProcess applies process hardening measures to the current process
// before it execs the sandboxed command:
//   - PR_SET_NO_NEW_PRIVS: setuid binaries cannot raise privileges, and a
//     seccomp filter can be installed without CAP_SYS_ADMIN.
//   - PR_SET_DUMPABLE = 0: blocks ptrace attachment from siblings.
//   - RLIMIT_CORE = 0: no core files leak memory contents to disk.
func hardenProcess() error {
	if err := prctlFunc(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}

	if err := prctlFunc(unix.PR_SET_DUMPABLE, 0, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_DUMPABLE): %w", err)
	}

	rlimit := unix.Rlimit{Cur: 0, Max: 0}
	if err := setrlimitFunc(unix.RLIMIT_CORE, &rlimit); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_CORE): %w", err)
	}

	return nil
}
