//go:build linux

package linux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sandboxrt/srt/internal/envutil"
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/proxy"
	"github.com/sandboxrt/srt/seccomp"
)

// seccompFileName is the program file inside the private directory.
const seccompFileName = "seccomp.bpf"

// bridgeShutdownTimeout bounds how long Teardown waits for relayed
// connections.
const bridgeShutdownTimeout = 5 * time.Second

// Function variables for dependency injection in tests.
var (
	lookBwrapFn      = func() (string, error) { return exec.LookPath("bwrap") }
	executableFn     = os.Executable
	kernelSupportsFn = seccomp.Supported
	filterFn         = func(p *seccomp.Provider, v seccomp.Variant) (*seccomp.Program, error) { return p.Filter(v) }
	mkdirTempFn      = os.MkdirTemp
)

// Backend runs commands under bubblewrap with an empty network namespace,
// a read-only root and a seccomp filter. It implements platform.Backend.
type Backend struct {
	mu        sync.Mutex
	kernel    KernelVersion
	cfg       *platform.Config
	logger    *slog.Logger
	bwrapPath string

	privDir     string
	bridges     *proxy.BridgePair
	program     *seccomp.Program
	seccompPath string

	prepared bool
	tornDown bool
}

var _ platform.Backend = (*Backend)(nil)

// New creates a Backend. It only inspects the host; Prepare acquires
// resources.
func New() *Backend {
	// A zero KernelVersion only affects the dependency report.
	kv, _ := DetectKernelVersion()
	return &Backend{kernel: kv}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "linux-bwrap"
}

// Available reports whether bwrap is installed.
func (b *Backend) Available() error {
	if _, err := lookBwrapFn(); err != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "bubblewrap (bwrap) is not installed", Err: err}
	}
	return nil
}

// CheckDependencies inspects the system for required and optional sandbox
// dependencies.
func (b *Backend) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}

	path, err := lookBwrapFn()
	if err != nil {
		check.Errors = append(check.Errors, "bubblewrap (bwrap) not found in PATH")
	} else if v, err := bwrapVersionFn(path); err != nil {
		check.Warnings = append(check.Warnings, fmt.Sprintf("bwrap --version failed: %v", err))
	} else if v == "" {
		check.Warnings = append(check.Warnings, "bwrap reported no version")
	}

	if !kernelSupportsFn() {
		check.Errors = append(check.Errors,
			"kernel lacks seccomp filter support (set enableWeakerNestedSandbox to run without it)")
	} else if b.kernel != (KernelVersion{}) && !b.kernel.AtLeast(3, 17) {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("kernel %s < 3.17: seccomp filter applies to the init thread only", b.kernel))
	}

	if !slices.Contains(seccomp.BuiltinArchs(), runtime.GOARCH) {
		check.Warnings = append(check.Warnings,
			fmt.Sprintf("no built-in seccomp table for %s: a pre-built file or runtime compile is required", runtime.GOARCH))
	}
	return check
}

// Capabilities returns the isolation features enforced by bwrap and the
// in-sandbox init.
func (b *Backend) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		FileReadDeny:   true,
		FileWriteAllow: true,
		NetworkProxy:   true,
		PIDIsolation:   true,
		SyscallFilter:  true,
		ProcessHarden:  true,
	}
}

// ProxyRouting binds the proxies on host loopback. The child reaches them
// on the same ports through the in-sandbox forwarder.
func (b *Backend) ProxyRouting() platform.ProxyRouting {
	return platform.ProxyRouting{
		Enabled:       true,
		BindHost:      proxy.DefaultBindHost,
		AdvertiseHost: proxy.DefaultBindHost,
	}
}

// Prepare creates the private directory, starts the host bridges and
// resolves the seccomp program.
func (b *Backend) Prepare(ctx context.Context, cfg *platform.Config) (err error) {
	if cfg == nil {
		return errors.New("linux: nil config")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.prepared {
		return errors.New("linux: backend already prepared")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, lookErr := lookBwrapFn()
	if lookErr != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "bubblewrap (bwrap) is not installed", Err: lookErr}
	}
	b.bwrapPath = path
	b.cfg = cfg
	b.logger = cfg.Logger
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	defer func() {
		if err != nil {
			_ = b.release()
		}
	}()

	b.privDir, err = mkdirTempFn("", "srt-")
	if err != nil {
		return fmt.Errorf("linux: create private dir: %w", err)
	}

	if cfg.HTTPProxyPort > 0 && cfg.SOCKSProxyPort > 0 {
		loopback := func(port int) string {
			return net.JoinHostPort(proxy.DefaultBindHost, strconv.Itoa(port))
		}
		b.bridges, err = proxy.NewHostBridgePair(b.privDir,
			loopback(cfg.HTTPProxyPort), loopback(cfg.SOCKSProxyPort), b.logger)
		if err != nil {
			return fmt.Errorf("linux: %w", err)
		}
		if err = b.bridges.Start(); err != nil {
			b.bridges = nil
			return fmt.Errorf("linux: %w", err)
		}
	}

	if err = b.prepareSeccomp(cfg); err != nil {
		return err
	}

	b.prepared = true
	b.logger.Debug("linux backend prepared",
		"dir", b.privDir,
		"bridges", b.bridges != nil,
		"seccomp", b.program != nil)
	return nil
}

// prepareSeccomp resolves the filter and writes it where the init can read
// it. Without a filter the session fails unless the caller opted into the
// weaker sandbox.
func (b *Backend) prepareSeccomp(cfg *platform.Config) error {
	variant := seccompVariant(cfg)
	if !kernelSupportsFn() {
		err := &seccomp.CompileError{
			Arch:     runtime.GOARCH,
			Variant:  variant,
			Attempts: []error{errors.New("kernel: seccomp filters not supported")},
		}
		return b.skipSeccomp(cfg, err)
	}

	provider := &seccomp.Provider{Dir: cfg.SeccompDir, Logger: b.logger}
	prog, err := filterFn(provider, variant)
	if err != nil {
		return b.skipSeccomp(cfg, err)
	}

	path := filepath.Join(b.privDir, seccompFileName)
	if err := prog.WriteFile(path); err != nil {
		return fmt.Errorf("linux: %w", err)
	}
	b.program = prog
	b.seccompPath = path
	b.logger.Debug("seccomp program ready", "variant", variant, "source", prog.Source, "instructions", len(prog.Instructions))
	return nil
}

func (b *Backend) skipSeccomp(cfg *platform.Config, err error) error {
	if !cfg.EnableWeakerNestedSandbox {
		return err
	}
	b.logger.Warn("running without seccomp filter", "error", err)
	cfg.Warnings = append(cfg.Warnings, "seccomp filter unavailable; running weaker sandbox: "+err.Error())
	return nil
}

// seccompVariant picks the filter variant. The kernel cannot see socket
// paths, so any unix socket allowance keeps socket(AF_UNIX) open and relies
// on the mount plan to expose only the listed sockets.
func seccompVariant(cfg *platform.Config) seccomp.Variant {
	if cfg.AllowAllUnixSockets || len(cfg.AllowUnixSockets) > 0 {
		return seccomp.AllowUnixSockets
	}
	return seccomp.BlockUnixSockets
}

// Spawn starts cmd as "bwrap <plan> -- <srt> <argv...>". The srt binary
// runs the in-sandbox init which execs argv.
func (b *Backend) Spawn(ctx context.Context, cmd *platform.Command) (platform.Child, error) {
	if cmd == nil || len(cmd.Args) == 0 {
		return nil, errors.New("linux: empty command")
	}
	b.mu.Lock()
	if !b.prepared || b.tornDown {
		b.mu.Unlock()
		return nil, errors.New("linux: backend not prepared")
	}
	argv, env, err := b.commandLine(cmd)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c := *cmd
	c.Env = env
	c.Dir = ""
	proc, err := platform.StartProcess(platform.NewCommand(ctx, &c, argv))
	if err != nil {
		return nil, fmt.Errorf("linux: %w", err)
	}
	b.logger.Debug("sandboxed process started", "pid", proc.Pid(), "command", cmd.Args[0])
	return proc, nil
}

// commandLine builds the bwrap argv and the environment carrying the init
// config. Callers hold b.mu.
func (b *Backend) commandLine(cmd *platform.Command) (argv, env []string, err error) {
	exe, err := executableFn()
	if err != nil {
		return nil, nil, fmt.Errorf("linux: locate srt executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}

	ic := initConfig{SeccompPath: b.seccompPath}
	if b.program != nil {
		ic.SeccompArch = b.program.Arch
	}
	if b.bridges != nil {
		ic.Forward = &forwardConfig{
			SocketDir: b.privDir,
			HTTPPort:  b.cfg.HTTPProxyPort,
			SOCKSPort: b.cfg.SOCKSProxyPort,
		}
	}
	data, err := json.Marshal(ic)
	if err != nil {
		return nil, nil, fmt.Errorf("linux: encode init config: %w", err)
	}

	plan := &mountPlan{
		AllowWrite:       b.cfg.AllowWrite,
		DenyWrite:        b.cfg.DenyWrite,
		DenyRead:         b.cfg.DenyRead,
		AllowUnixSockets: b.cfg.AllowUnixSockets,
		PrivateDir:       b.privDir,
		Executable:       exe,
		WorkDir:          cmd.Dir,
		Weaker:           b.cfg.EnableWeakerNestedSandbox,
	}
	argv = append([]string{b.bwrapPath}, plan.args()...)
	argv = append(argv, "--", exe)
	argv = append(argv, cmd.Args...)

	env = envutil.Without(cmd.Env, roleEnvPrefix)
	env = append(env, initEnvKey+"="+string(data))
	return argv, env, nil
}

// Wait waits for a child started by Spawn.
func (b *Backend) Wait(_ context.Context, child platform.Child) (*platform.ExitStatus, error) {
	return platform.WaitChild(child)
}

// Teardown stops the bridges and removes the private directory. It is safe
// to call more than once.
func (b *Backend) Teardown(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tornDown {
		return nil
	}
	b.tornDown = true
	return b.release()
}

// release frees whatever Prepare acquired. Callers hold b.mu.
func (b *Backend) release() error {
	var errs []error
	if b.bridges != nil {
		errs = append(errs, b.bridges.Shutdown(bridgeShutdownTimeout))
		b.bridges = nil
	}
	if b.privDir != "" {
		if err := os.RemoveAll(b.privDir); err != nil {
			errs = append(errs, fmt.Errorf("linux: remove private dir: %w", err))
		}
		b.privDir = ""
	}
	b.program = nil
	b.seccompPath = ""
	return errors.Join(errs...)
}
