//go:build darwin || linux

package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

// processGroupWaitDelay is the time to wait for a process group to exit
// after sending SIGKILL before giving up on pipe reads.
const processGroupWaitDelay = 3 * time.Second

// Process is a Child backed by a host process running in its own session.
type Process struct {
	cmd *exec.Cmd
}

// ID returns the host pid.
func (p *Process) ID() string { return strconv.Itoa(p.Pid()) }

// Pid returns the host pid, or 0 before the process started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// NewCommand builds an exec.Cmd for argv whose whole process group is
// killed when ctx is done.
func NewCommand(ctx context.Context, c *Command, argv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	setupProcessGroup(cmd)
	return cmd
}

// StartProcess starts cmd, which should come from NewCommand.
func StartProcess(cmd *exec.Cmd) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	return &Process{cmd: cmd}, nil
}

// Wait waits for the process and converts its exit into an ExitStatus.
// A non-zero exit is not an error.
func (p *Process) Wait() (*ExitStatus, error) {
	return exitStatus(p.cmd.Wait())
}

// WaitChild is the Backend.Wait implementation for Process children.
func WaitChild(child Child) (*ExitStatus, error) {
	p, ok := child.(*Process)
	if !ok {
		return nil, fmt.Errorf("platform: unexpected child type %T", child)
	}
	return p.Wait()
}

func exitStatus(err error) (*ExitStatus, error) {
	if err == nil {
		return &ExitStatus{}, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return SignalStatus(ws.Signal()), nil
	}
	return &ExitStatus{Code: exitErr.ExitCode()}, nil
}

// setupProcessGroup configures cmd to run in its own session (via Setsid)
// and sets up a Cancel function that kills the entire process group when
// the associated context is cancelled. Setsid (rather than Setpgid) gives
// the child its own session, which also prevents orphaned grandchildren
// from holding stdout/stderr pipes open after timeout.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setpgid = false
	cmd.SysProcAttr.Pgid = 0

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return os.ErrProcessDone
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = processGroupWaitDelay
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	// kill(-1) kills every process of the user and kill(0) the caller's
	// own group. Treat both as already done.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
