package srt

import (
	"context"
	"log/slog"

	"github.com/sandboxrt/srt/platform"
)

// DependencyCheck holds the result of a dependency check.
type DependencyCheck = platform.DependencyCheck

// Manager runs commands inside one sandbox session.
// Use NewManager to create an instance with a specific configuration.
//
// Implementations are safe for concurrent use, but only one command runs at
// a time: Execute outside the Ready phase returns ErrInvalidPhase.
type Manager interface {
	// Initialize selects the backend, starts the network proxies and
	// prepares the backend. It is a no-op when the manager is Ready.
	Initialize(ctx context.Context) error

	// Execute runs a shell command string inside the sandbox.
	Execute(ctx context.Context, command string, opts ...Option) (*Result, error)

	// ExecuteArgs runs a program with explicit arguments and no shell.
	ExecuteArgs(ctx context.Context, name string, args []string, opts ...Option) (*Result, error)

	// Reset stops any running command and releases every resource the
	// session holds. It may be called in any phase and more than once.
	Reset(ctx context.Context) error

	// Phase returns the current lifecycle phase.
	Phase() Phase

	// BackendName returns the name of the active backend, or "" before
	// Initialize.
	BackendName() string

	// ProxyPorts returns the ports of the running HTTP and SOCKS5 proxies,
	// or zeros when none are running.
	ProxyPorts() (httpPort, socksPort int)

	// Violations returns and forgets every violation not yet handed out,
	// including those drained by Reset.
	Violations() []Violation

	// Subscribe registers fn for every recorded violation.
	Subscribe(fn func(Violation)) (cancel func())

	// CheckDependencies inspects the host for the selected backend's tools.
	CheckDependencies() *DependencyCheck
}

// Compile-time check that manager implements Manager.
var _ Manager = (*manager)(nil)

// NewManager creates a sandbox Manager with the given configuration.
// The configuration is validated and copied; the system is not touched
// until Initialize.
func NewManager(cfg *Config) (Manager, error) {
	return newManager(cfg)
}

// Run creates a manager, initializes it, executes command and resets the
// manager on every path. It returns the command's exit code.
func Run(ctx context.Context, cfg *Config, command string, opts ...Option) (int, error) {
	mgr, err := newManager(cfg)
	if err != nil {
		return 0, err
	}
	defer func() { logResetErr(mgr.logger, mgr.Reset(context.WithoutCancel(ctx))) }()

	if err := mgr.Initialize(ctx); err != nil {
		return 0, err
	}
	res, err := mgr.Execute(ctx, command, opts...)
	if err != nil {
		return 0, err
	}
	return res.ExitCode, nil
}

func logResetErr(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("srt: reset failed", "error", err)
	}
}
