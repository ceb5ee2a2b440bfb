package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrt/srt/internal/envutil"
	"github.com/sandboxrt/srt/internal/pathutil"
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/platform/container"
	"github.com/sandboxrt/srt/proxy"
	"github.com/sandboxrt/srt/violation"
)

// detectPlatformFn returns the native backend for this OS. It defaults to
// platform.Detect and is replaced by the OS-specific init functions.
var detectPlatformFn = platform.Detect

// newContainerBackendFn builds the container backend. Replaced in tests.
var newContainerBackendFn = func(opts container.Options) platform.Backend {
	return container.New(opts)
}

// newBackendFn selects the backend for a config. Replaced in tests.
var newBackendFn = selectBackend

// newSessionIDFn is replaced in tests.
var newSessionIDFn = uuid.NewString

// selectBackend returns the container backend when a container policy is
// configured and the native backend otherwise.
func selectBackend(cfg *Config) (platform.Backend, error) {
	if cfg.Container == nil {
		return detectPlatformFn(), nil
	}
	opts, err := containerOptions(cfg.Container)
	if err != nil {
		return nil, err
	}
	return newContainerBackendFn(opts), nil
}

// containerOptions translates the policy into backend options.
func containerOptions(ct *ContainerPolicy) (container.Options, error) {
	opts := container.Options{
		Image:       ct.Image,
		Name:        ct.Name,
		Workdir:     ct.Workdir,
		User:        ct.User,
		Env:         ct.Env,
		NetworkMode: string(ct.NetworkMode),
		AutoRemove:  ct.ShouldAutoRemove(),
		CPULimit:    ct.CPULimit,
		MemoryBytes: int64(ct.MemoryLimit),
		PullPolicy:  ct.PullPolicy,
	}
	for _, spec := range ct.Volumes {
		v, err := ParseVolume(spec)
		if err != nil {
			return container.Options{}, &ConfigError{Problems: []string{err.Error()}}
		}
		opts.Mounts = append(opts.Mounts, container.Mount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	return opts, nil
}

// manager is the Manager implementation. It owns one backend and one pair
// of proxies per initialized session.
type manager struct {
	cfg    Config
	logger *slog.Logger
	store  *violation.Store

	// lifecycle serializes Initialize and Reset.
	lifecycle sync.Mutex

	mu         sync.Mutex
	phase      Phase
	sessionID  string
	backend    platform.Backend
	routing    platform.ProxyRouting
	httpPort   int
	socksPort  int
	release    []func(context.Context) error
	pending    []Violation
	cancelExec context.CancelFunc
	execDone   chan struct{}
	resetting  bool
}

// newManager validates cfg and returns an uninitialized manager holding a
// private copy of it.
func newManager(cfg *Config) (*manager, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cp := deepCopyConfig(cfg)
	if cp.Shell == "" {
		cp.Shell = defaultShell
	}

	rules, err := violation.NewIgnoreRules(cp.IgnoreViolations)
	if err != nil {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}

	logger := cp.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &manager{
		cfg:    cp,
		logger: logger,
		store:  violation.NewStore(rules),
	}, nil
}

// phaseError reports an operation attempted in the wrong phase.
func phaseError(op string, p Phase) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidPhase, op, p)
}

func (m *manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *manager) BackendName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return ""
	}
	return m.backend.Name()
}

func (m *manager) ProxyPorts() (httpPort, socksPort int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpPort, m.socksPort
}

func (m *manager) Violations() []Violation {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	return append(pending, m.store.Drain()...)
}

func (m *manager) Subscribe(fn func(Violation)) (cancel func()) {
	return m.store.Subscribe(fn)
}

func (m *manager) CheckDependencies() *DependencyCheck {
	m.mu.Lock()
	b := m.backend
	m.mu.Unlock()
	if b == nil {
		var err error
		if b, err = newBackendFn(&m.cfg); err != nil {
			return &DependencyCheck{Errors: []string{err.Error()}}
		}
	}
	return b.CheckDependencies()
}

func (m *manager) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	switch m.phase {
	case PhaseReady:
		m.mu.Unlock()
		return nil
	case PhaseUninitialized, PhaseTerminated:
	default:
		p := m.phase
		m.mu.Unlock()
		return phaseError("initialize", p)
	}
	m.phase = PhaseInitializing
	m.sessionID = newSessionIDFn()
	m.mu.Unlock()

	if err := m.initialize(ctx); err != nil {
		m.setPhase(PhaseCleaningUp)
		// Release errors are secondary to the one that stopped us.
		if rerr := m.runRelease(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("cleanup after failed initialize", "error", rerr)
		}
		m.setPhase(PhaseFailed)
		return err
	}
	m.setPhase(PhaseReady)
	return nil
}

// initialize acquires the backend, the proxies and the backend's session
// resources, pushing a release function for each.
func (m *manager) initialize(ctx context.Context) error {
	b, err := newBackendFn(&m.cfg)
	if err != nil {
		return err
	}
	if err := b.Available(); err != nil {
		var ue *platform.UnavailableError
		if !errors.As(err, &ue) {
			err = &platform.UnavailableError{Backend: b.Name(), Reason: "not available", Err: err}
		}
		return err
	}

	routing := b.ProxyRouting()
	var httpPort, socksPort int
	if routing.Enabled {
		srv, err := m.newProxyServer()
		if err != nil {
			return err
		}
		httpPort, socksPort, err = srv.Start(ctx, routing.BindHost)
		if err != nil {
			return &ProxyBindError{Err: err}
		}
		m.pushRelease(func(context.Context) error { return srv.Close() })
	}

	m.mu.Lock()
	m.backend = b
	m.routing = routing
	m.httpPort, m.socksPort = httpPort, socksPort
	m.mu.Unlock()

	pcfg := m.platformConfig(httpPort, socksPort)
	// Teardown must run even when Prepare fails halfway.
	m.pushRelease(b.Teardown)
	if err := b.Prepare(ctx, pcfg); err != nil {
		return err
	}
	for _, w := range append(m.cfg.Warnings(), pcfg.Warnings...) {
		m.logger.Warn(w)
	}
	m.logger.Info("sandbox ready",
		"backend", b.Name(),
		"session", pcfg.SessionID,
		"http_proxy_port", httpPort,
		"socks_proxy_port", socksPort,
	)
	return nil
}

func (m *manager) newProxyServer() (*proxy.Server, error) {
	policy, err := proxy.NewPolicy(&proxy.PolicyConfig{
		AllowedDomains:      m.cfg.Network.AllowedDomains,
		DeniedDomains:       m.cfg.Network.DeniedDomains,
		AllowUnixSockets:    m.cfg.Network.AllowUnixSockets,
		AllowAllUnixSockets: m.cfg.Network.AllowAllUnixSockets,
	})
	if err != nil {
		return nil, &ConfigError{Problems: []string{err.Error()}}
	}
	logger := m.logger
	return proxy.NewServer(&proxy.Config{
		Policy: policy,
		Logger: logger,
		OnDeny: func(host string, port int) {
			logger.Info("network request denied", "host", host, "port", port)
		},
	}), nil
}

// platformConfig resolves the session policy for the backend.
func (m *manager) platformConfig(httpPort, socksPort int) *platform.Config {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	fs := m.cfg.Filesystem
	pcfg := &platform.Config{
		SessionID:                 sessionID,
		AllowWrite:                m.absolutePaths("allowWrite", fs.AllowWrite),
		DenyWrite:                 m.absolutePaths("denyWrite", fs.DenyWrite),
		DenyRead:                  m.absolutePaths("denyRead", fs.DenyRead),
		AllowLocalBinding:         m.cfg.Network.AllowLocalBinding,
		AllowAllUnixSockets:       m.cfg.Network.AllowAllUnixSockets,
		AllowUnixSockets:          m.absolutePaths("allowUnixSockets", m.cfg.Network.AllowUnixSockets),
		HTTPProxyPort:             httpPort,
		SOCKSProxyPort:            socksPort,
		EnableWeakerNestedSandbox: m.cfg.EnableWeakerNestedSandbox,
		SeccompDir:                pathutil.ExpandHome(m.cfg.SeccompDir),
		Violations:                m.store,
		Logger:                    m.logger,
	}
	return pcfg
}

func (m *manager) absolutePaths(field string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := pathutil.Absolute(p)
		if err != nil {
			m.logger.Warn("cannot resolve path", "field", field, "path", p, "error", err)
			continue
		}
		out = append(out, abs)
	}
	return out
}

func (m *manager) pushRelease(fn func(context.Context) error) {
	m.mu.Lock()
	m.release = append(m.release, fn)
	m.mu.Unlock()
}

// runRelease pops and runs the release stack in reverse order. The stack
// is emptied first, so every resource is released exactly once.
func (m *manager) runRelease(ctx context.Context) error {
	m.mu.Lock()
	stack := m.release
	m.release = nil
	m.backend = nil
	m.routing = platform.ProxyRouting{}
	m.httpPort, m.socksPort = 0, 0
	m.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		if err := stack[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *manager) setPhase(p Phase) {
	m.mu.Lock()
	m.phase = p
	m.mu.Unlock()
}

// transition moves from one phase to another and reports whether the
// manager was still in from.
func (m *manager) transition(from, to Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != from {
		return false
	}
	m.phase = to
	return true
}

func (m *manager) Execute(ctx context.Context, command string, opts ...Option) (*Result, error) {
	co := mergeCallOptions(opts...)
	shell := m.cfg.Shell
	if co.shell != "" {
		shell = co.shell
	}
	return m.execute(ctx, []string{shell, "-c", command}, command, toolName(command), co)
}

func (m *manager) ExecuteArgs(ctx context.Context, name string, args []string, opts ...Option) (*Result, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: command name must not be empty", ErrConfigInvalid)
	}
	argv := append([]string{name}, args...)
	return m.execute(ctx, argv, strings.Join(argv, " "), filepath.Base(name), mergeCallOptions(opts...))
}

// toolName returns the base name of a shell command's first word.
func toolName(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}

// execute runs argv through the backend. Any error other than a non-zero
// exit tears the session down and leaves the manager Failed.
func (m *manager) execute(ctx context.Context, argv []string, command, tool string, co *callOptions) (*Result, error) {
	m.mu.Lock()
	if m.phase != PhaseReady || m.backend == nil {
		p := m.phase
		m.mu.Unlock()
		return nil, phaseError("execute", p)
	}
	m.phase = PhaseExecuting
	b, routing := m.backend, m.routing
	httpPort, socksPort := m.httpPort, m.socksPort
	execCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancelExec, m.execDone = cancel, done
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.cancelExec, m.execDone = nil, nil
		m.mu.Unlock()
		close(done)
	}()

	timeout := m.cfg.Timeout
	if co.timeout > 0 {
		timeout = co.timeout
	}
	runCtx := execCtx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(execCtx, timeout)
		defer cancelTimeout()
	}

	stdout, stderr := &limitedWriter{limit: m.cfg.MaxOutputBytes}, &limitedWriter{limit: m.cfg.MaxOutputBytes}
	cmd := &platform.Command{
		Args:   argv,
		Env:    m.childEnv(co, routing, httpPort, socksPort),
		Dir:    co.workingDir,
		Stdin:  co.stdin,
		Stdout: co.stdout,
		Stderr: co.stderr,
	}
	if cmd.Stdout == nil {
		cmd.Stdout = stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = stderr
	}

	m.logger.Debug("executing", "backend", b.Name(), "command", command)
	start := time.Now()
	child, err := b.Spawn(runCtx, cmd)
	if err != nil {
		return nil, m.fail(ctx, fmt.Errorf("srt: spawn %q: %w", command, err))
	}
	status, waitErr := b.Wait(runCtx, child)
	duration := time.Since(start)

	switch {
	case m.isResetting():
		return nil, fmt.Errorf("srt: %q: %w", command, context.Canceled)
	case ctx.Err() != nil:
		return nil, m.fail(ctx, fmt.Errorf("srt: %q: %w", command, ctx.Err()))
	case timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, m.fail(ctx, &TimeoutError{Command: command, After: timeout})
	case waitErr != nil:
		return nil, m.fail(ctx, fmt.Errorf("srt: wait %q: %w", command, waitErr))
	}

	res := &Result{
		Command:   command,
		ExitCode:  status.Code,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  duration,
		Backend:   b.Name(),
	}
	if status.SeccompKilled() {
		res.ExitCode = ExitCodeSandboxKilled
		m.store.Record(Violation{
			Kind:   ViolationSyscall,
			Target: "SIGSYS",
			Tool:   tool,
			Detail: "killed by the seccomp filter for a forbidden syscall",
		})
	}
	res.Violations = m.store.Drain()

	// A Reset that raced the final status owns the phase from here.
	m.transition(PhaseExecuting, PhaseReady)
	return res, nil
}

// childEnv builds the command environment: the inherited environment (none
// for containers), WithEnv entries, then the proxy variables.
func (m *manager) childEnv(co *callOptions, routing platform.ProxyRouting, httpPort, socksPort int) []string {
	var base []string
	if m.cfg.Container == nil {
		base = os.Environ()
	}
	env := envutil.Merge(base, co.env...)
	if routing.Enabled && (httpPort > 0 || socksPort > 0) {
		env = envutil.Merge(env, proxy.GenerateProxyEnv(&proxy.EnvConfig{
			Host:           routing.AdvertiseHost,
			HTTPProxyPort:  httpPort,
			SOCKSProxyPort: socksPort,
		})...)
	}
	return env
}

func (m *manager) isResetting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resetting
}

// fail releases the session and marks the manager Failed. It returns err
// for convenience.
func (m *manager) fail(ctx context.Context, err error) error {
	owned := m.transition(PhaseExecuting, PhaseCleaningUp)
	if rerr := m.runRelease(context.WithoutCancel(ctx)); rerr != nil {
		m.logger.Warn("cleanup after failed execute", "error", rerr)
	}
	if owned {
		m.transition(PhaseCleaningUp, PhaseFailed)
	}
	return err
}

func (m *manager) Reset(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.phase == PhaseTerminated {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseCleaningUp
	m.resetting = true
	cancel, done := m.cancelExec, m.execDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := m.runRelease(ctx)

	pending := m.store.Drain()
	m.mu.Lock()
	m.pending = append(m.pending, pending...)
	m.phase = PhaseTerminated
	m.resetting = false
	m.mu.Unlock()
	return err
}
