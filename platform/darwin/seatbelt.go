//go:build darwin

package darwin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/proxy"
)

// sandboxExecPath is the location of the Seatbelt launcher on macOS.
const sandboxExecPath = "/usr/bin/sandbox-exec"

// Function variables for dependency injection in tests.
var (
	statFn          = os.Stat
	mkdirTempFn     = os.MkdirTemp
	startMonitorFn  = func(ctx context.Context, m *ViolationMonitor) error { return m.Start(ctx) }
	sandboxExecFile = sandboxExecPath
)

// Backend runs commands under sandbox-exec with a generated SBPL profile.
// It implements platform.Backend.
type Backend struct {
	mu      sync.Mutex
	cfg     *platform.Config
	logger  *slog.Logger
	dir     string
	monitor *ViolationMonitor
	tag     string
	spawned int

	prepared bool
	tornDown bool
}

var _ platform.Backend = (*Backend)(nil)

// New returns a new Backend.
func New() *Backend {
	return &Backend{}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "darwin-seatbelt"
}

// Available reports whether sandbox-exec is present on this system.
func (b *Backend) Available() error {
	if _, err := statFn(sandboxExecFile); err != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "sandbox-exec not found", Err: err}
	}
	return nil
}

// CheckDependencies inspects the system for sandbox-exec and the log
// command used for violation reporting.
func (b *Backend) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}
	if _, err := statFn(sandboxExecFile); err != nil {
		check.Errors = append(check.Errors,
			fmt.Sprintf("sandbox-exec not found at %s: %v", sandboxExecFile, err))
	}
	if _, err := statFn("/usr/bin/log"); err != nil {
		check.Warnings = append(check.Warnings, "log command not found: violations will not be reported")
	}
	return check
}

// Capabilities returns the set of isolation features supported by the
// macOS Seatbelt sandbox.
func (b *Backend) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		FileReadDeny:   true,
		FileWriteAllow: true,
		NetworkProxy:   true,
		ViolationLog:   true,
	}
}

// ProxyRouting binds the proxies on loopback; the profile only lets the
// child connect to those two ports.
func (b *Backend) ProxyRouting() platform.ProxyRouting {
	return platform.ProxyRouting{
		Enabled:       true,
		BindHost:      proxy.DefaultBindHost,
		AdvertiseHost: proxy.DefaultBindHost,
	}
}

// Prepare creates the private profile directory and starts the violation
// monitor.
func (b *Backend) Prepare(ctx context.Context, cfg *platform.Config) error {
	if cfg == nil {
		return errors.New("darwin: nil config")
	}
	if err := b.Available(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prepared {
		return errors.New("darwin: backend already prepared")
	}

	b.cfg = cfg
	b.logger = cfg.Logger
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir, err := mkdirTempFn("", "srt-profile-")
	if err != nil {
		return fmt.Errorf("darwin: create profile dir: %w", err)
	}
	b.dir = dir
	b.tag = SessionTag(cfg.SessionID)

	if cfg.Violations != nil {
		m := NewViolationMonitor(b.tag, cfg.Violations, WithMonitorLogger(b.logger))
		// Violations are advisory: a monitor that cannot start only costs
		// the report.
		if err := startMonitorFn(context.WithoutCancel(ctx), m); err != nil {
			b.logger.Warn("violation monitor unavailable", "error", err)
			cfg.Warnings = append(cfg.Warnings, "violation monitor unavailable: "+err.Error())
		} else {
			b.monitor = m
		}
	}

	b.prepared = true
	return nil
}

// Spawn writes a profile tagged with the command and starts it as
// "sandbox-exec -f <profile> <argv...>".
func (b *Backend) Spawn(ctx context.Context, cmd *platform.Command) (platform.Child, error) {
	if cmd == nil || len(cmd.Args) == 0 {
		return nil, errors.New("darwin: empty command")
	}
	b.mu.Lock()
	if !b.prepared || b.tornDown {
		b.mu.Unlock()
		return nil, errors.New("darwin: backend not prepared")
	}
	b.spawned++
	path := filepath.Join(b.dir, "profile-"+strconv.Itoa(b.spawned)+".sb")
	profile := newProfileBuilder().Build(&profileParams{
		Config: b.cfg,
		LogTag: logTag(strings.Join(cmd.Args, " "), b.tag),
	})
	b.mu.Unlock()

	if err := os.WriteFile(path, []byte(profile), 0o600); err != nil {
		return nil, fmt.Errorf("darwin: write profile: %w", err)
	}

	argv := append([]string{sandboxExecFile, "-f", path}, cmd.Args...)
	c := *cmd
	c.Env = sanitizeEnv(cmd.Env)
	proc, err := platform.StartProcess(platform.NewCommand(ctx, &c, argv))
	if err != nil {
		return nil, fmt.Errorf("darwin: %w", err)
	}
	b.logger.Debug("sandboxed process started", "pid", proc.Pid(), "profile", path)
	return proc, nil
}

// Wait waits for a child started by Spawn.
func (b *Backend) Wait(_ context.Context, child platform.Child) (*platform.ExitStatus, error) {
	return platform.WaitChild(child)
}

// Teardown stops the monitor and deletes the profiles. It is safe to call
// more than once.
func (b *Backend) Teardown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tornDown {
		return nil
	}
	b.tornDown = true

	var errs []error
	if b.monitor != nil {
		errs = append(errs, b.monitor.Stop())
		b.monitor = nil
	}
	if b.dir != "" {
		if err := os.RemoveAll(b.dir); err != nil {
			errs = append(errs, fmt.Errorf("darwin: remove profile dir: %w", err))
		}
		b.dir = ""
	}
	return errors.Join(errs...)
}

// logTag is ViolationMonitor.LogTag without a monitor, so profiles are
// tagged the same way whether or not violations are collected.
func logTag(command, sessionTag string) string {
	return (&ViolationMonitor{sessionTag: sessionTag}).LogTag(command)
}
