package platform

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"syscall"

	"github.com/sandboxrt/srt/violation"
)

// Backend is one isolation mechanism. A Backend serves a single session:
// Prepare is called once, then any number of Spawn/Wait pairs, then
// Teardown. Teardown must be safe to call more than once.
type Backend interface {
	// Name returns a human-readable identifier (e.g. "linux-bwrap").
	Name() string

	// Available returns nil when the mechanism works on this host, and an
	// *UnavailableError otherwise.
	Available() error

	// CheckDependencies inspects the host for required and optional tools.
	CheckDependencies() *DependencyCheck

	// Capabilities returns the isolation features this backend enforces.
	Capabilities() Capabilities

	// ProxyRouting tells the caller where to bind the policy proxy and what
	// address the child should use to reach it.
	ProxyRouting() ProxyRouting

	// Prepare acquires session resources (bridges, profiles, images).
	Prepare(ctx context.Context, cfg *Config) error

	// Spawn starts cmd inside the sandbox. Cancelling ctx kills the child.
	Spawn(ctx context.Context, cmd *Command) (Child, error)

	// Wait blocks until child exits and reports how it ended.
	Wait(ctx context.Context, child Child) (*ExitStatus, error)

	// Teardown releases everything Prepare and Spawn acquired.
	Teardown(ctx context.Context) error
}

// DependencyCheck holds the result of a dependency check.
type DependencyCheck struct {
	// Errors lists critical missing dependencies that prevent sandboxing.
	Errors []string

	// Warnings lists non-critical issues that may degrade functionality.
	Warnings []string
}

// OK returns true if no critical dependency errors were found.
func (d *DependencyCheck) OK() bool {
	return len(d.Errors) == 0
}

// Capabilities describes what isolation features a backend supports.
type Capabilities struct {
	FileReadDeny   bool
	FileWriteAllow bool
	NetworkProxy   bool
	PIDIsolation   bool
	SyscallFilter  bool
	ProcessHarden  bool
	// ViolationLog indicates denials are reported to the violation store.
	ViolationLog bool
}

// ProxyRouting describes how the child reaches the policy proxy.
type ProxyRouting struct {
	// Enabled is false when the child has no network at all, in which case
	// no proxy is started and no proxy variables are set.
	Enabled bool

	// BindHost is the address the proxies listen on.
	BindHost string

	// AdvertiseHost is the host placed in HTTP_PROXY and friends.
	AdvertiseHost string
}

// Config is the resolved session policy handed to Prepare. Paths are
// absolute with "~" expanded. Filesystem entries may still be doublestar
// globs; each backend expands or translates them.
type Config struct {
	SessionID string

	AllowWrite []string
	DenyWrite  []string
	DenyRead   []string

	AllowLocalBinding   bool
	AllowAllUnixSockets bool
	AllowUnixSockets    []string

	// Proxy ports on BindHost. Zero when routing is disabled.
	HTTPProxyPort  int
	SOCKSProxyPort int

	// EnableWeakerNestedSandbox lets Prepare continue without a syscall
	// filter when none can be installed.
	EnableWeakerNestedSandbox bool

	// SeccompDir overrides where pre-built seccomp filters are found.
	SeccompDir string

	// Violations receives denials observed by the backend. May be nil.
	Violations violation.Recorder

	Logger *slog.Logger

	// Warnings collects non-fatal issues found while resolving the policy.
	Warnings []string
}

// Command is one process to run inside the sandbox.
type Command struct {
	// Args is the full argv; Args[0] is the program.
	Args []string

	// Env is the complete child environment in KEY=VALUE form.
	Env []string

	// Dir is the working directory. Empty means the backend default.
	Dir string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Child identifies a process started by Spawn.
type Child interface {
	// ID is the host pid or the engine's exec id.
	ID() string
}

// ExitStatus describes how a child ended.
type ExitStatus struct {
	// Code is the exit code, or 128+signal when the child was killed.
	Code int

	// Signal is non-zero when the child was terminated by a signal.
	Signal syscall.Signal
}

// linuxSIGSYS is SIGSYS on every Linux architecture srt supports.
const linuxSIGSYS = syscall.Signal(31)

// SeccompKilled reports whether the kernel killed the child for a
// filtered syscall.
func (s *ExitStatus) SeccompKilled() bool {
	return runtime.GOOS == "linux" && s.Signal == linuxSIGSYS
}

// SignalStatus returns the status of a child killed by sig.
func SignalStatus(sig syscall.Signal) *ExitStatus {
	return &ExitStatus{Code: 128 + int(sig), Signal: sig}
}

// Detect returns the native backend for this OS. The srt package replaces
// it with the real implementation on Linux and macOS; on its own it
// reports the OS as unsupported.
func Detect() Backend {
	return NewUnsupported(runtime.GOOS)
}
