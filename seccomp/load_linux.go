//go:build linux

package seccomp

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	seccompSetModeFilter   = 1
	seccompFilterFlagTSync = 1
	seccompModeFilter      = 2
)

// Function variables so tests never install a real filter.
var (
	prctlFn   = unix.Prctl
	seccompFn = func(op, flags uintptr, prog unsafe.Pointer) error {
		_, _, errno := unix.Syscall(unix.SYS_SECCOMP, op, flags, uintptr(prog))
		if errno != 0 {
			return errno
		}
		return nil
	}
)

// Supported reports whether the kernel was built with seccomp support.
func Supported() bool {
	err := prctlFn(unix.PR_GET_SECCOMP, 0, 0, 0, 0)
	return !errors.Is(err, unix.EINVAL)
}

// Load installs p on every thread of the calling process after setting
// no_new_privs. The filter is inherited across exec and cannot be removed.
func Load(p *Program) error {
	if p == nil || len(p.Instructions) == 0 {
		return errEmptyProgram
	}
	if p.Arch != runtime.GOARCH {
		return fmt.Errorf("seccomp: program is for %s, host is %s", p.Arch, runtime.GOARCH)
	}

	filter := make([]unix.SockFilter, len(p.Instructions))
	for i, ins := range p.Instructions {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(filter)), //nolint:gosec // bounded by maxInstructions
		Filter: &filter[0],
	}

	if err := prctlFn(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: set no_new_privs: %w", err)
	}

	err := seccompFn(seccompSetModeFilter, seccompFilterFlagTSync, unsafe.Pointer(&fprog))
	if errors.Is(err, unix.ENOSYS) {
		// Kernels before 3.17 only have the prctl interface, which
		// filters the calling thread. Callers lock the OS thread and exec
		// from it.
		err = prctlFn(unix.PR_SET_SECCOMP, seccompModeFilter, uintptr(unsafe.Pointer(&fprog)), 0, 0)
	}
	runtime.KeepAlive(filter)
	if err != nil {
		return fmt.Errorf("seccomp: install filter: %w", err)
	}
	return nil
}
