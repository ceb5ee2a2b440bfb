package srt

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/seccomp"
)

// Sentinel errors returned by the srt package.
var (
	// ErrConfigInvalid indicates the provided configuration failed validation.
	ErrConfigInvalid = errors.New("srt: invalid configuration")

	// ErrBackendUnavailable indicates the selected isolation backend cannot
	// run on this host.
	ErrBackendUnavailable = platform.ErrUnavailable

	// ErrProxyBind indicates the policy proxy could not bind its listeners.
	ErrProxyBind = errors.New("srt: proxy failed to bind")

	// ErrSeccompCompile indicates no usable seccomp filter could be obtained.
	ErrSeccompCompile = seccomp.ErrCompile

	// ErrDockerAPI indicates the container engine rejected a request.
	ErrDockerAPI = platform.ErrDockerAPI

	// ErrTimeout indicates the sandboxed command exceeded its deadline.
	ErrTimeout = errors.New("srt: command timed out")

	// ErrChildProcess indicates the sandboxed command exited unsuccessfully.
	ErrChildProcess = errors.New("srt: child process failed")

	// ErrInvalidPhase indicates an operation was called in a lifecycle phase
	// that does not permit it.
	ErrInvalidPhase = errors.New("srt: operation not allowed in current phase")
)

// BackendUnavailableError reports why a backend cannot be used.
type BackendUnavailableError = platform.UnavailableError

// DockerAPIError wraps a failed container engine call.
type DockerAPIError = platform.DockerAPIError

// SeccompCompileError reports that every seccomp source failed.
type SeccompCompileError = seccomp.CompileError

// ConfigError lists every problem found while validating a Config.
// It wraps ErrConfigInvalid so that errors.Is(err, ErrConfigInvalid) works.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", ErrConfigInvalid.Error(), strings.Join(e.Problems, "; "))
}

func (e *ConfigError) Unwrap() error {
	return ErrConfigInvalid
}

// ProxyBindError is returned when Initialize cannot start the policy proxy.
type ProxyBindError struct {
	Err error
}

func (e *ProxyBindError) Error() string {
	return fmt.Sprintf("%s: %v", ErrProxyBind.Error(), e.Err)
}

func (e *ProxyBindError) Unwrap() []error {
	return []error{ErrProxyBind, e.Err}
}

// TimeoutError is returned by Execute when the command outlives its deadline.
// The child has been killed by the time the error is returned.
type TimeoutError struct {
	Command string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s after %s: %s", ErrTimeout.Error(), e.After, e.Command)
	}
	return fmt.Sprintf("%s: %s", ErrTimeout.Error(), e.Command)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// ChildProcessError describes a command that exited with a non-zero status.
type ChildProcessError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ChildProcessError) Error() string {
	return fmt.Sprintf("%s: %q exited with code %d", ErrChildProcess.Error(), e.Command, e.ExitCode)
}

func (e *ChildProcessError) Unwrap() error {
	return ErrChildProcess
}
