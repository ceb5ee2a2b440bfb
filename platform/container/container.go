package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"golang.org/x/term"

	"github.com/sandboxrt/srt/internal/envutil"
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/proxy"
)

const (
	// SessionLabel marks every container created for a session.
	SessionLabel = "dev.srt.session"

	// hostGatewayName resolves to the host from inside a bridge network
	// under Docker Desktop, which forwards it to the host's loopback.
	hostGatewayName = "host.docker.internal"

	// pingTimeout bounds the daemon health check.
	pingTimeout = 5 * time.Second

	// cleanupTimeout bounds container removal after the caller's context
	// is gone.
	cleanupTimeout = 30 * time.Second

	// exitPollInterval is how often Wait re-inspects an exec whose output
	// closed before the engine recorded its exit.
	exitPollInterval = 50 * time.Millisecond
	exitPollAttempts = 100
)

// Network modes with special meaning. Any other value names a user-defined
// network and behaves like bridge.
const (
	NetworkBridge = "bridge"
	NetworkHost   = "host"
	NetworkNone   = "none"
)

// Image pull policies.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// keepalive keeps the container running between execs.
var keepalive = []string{"tail", "-f", "/dev/null"}

// isTerminalFn reports whether fd is a terminal. Replaced in tests.
var isTerminalFn = term.IsTerminal

// hostOS is the operating system the daemon's bridge lives on. On Linux
// the bridge gateway is a host address; elsewhere the daemon runs in a VM.
// Replaced in tests.
var hostOS = runtime.GOOS

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Options describes the containers the backend creates.
type Options struct {
	Image       string
	Name        string
	Workdir     string
	User        string
	Env         map[string]string
	Mounts      []Mount
	NetworkMode string
	AutoRemove  bool
	CPULimit    float64
	MemoryBytes int64
	PullPolicy  string
}

// Backend runs each command in its own container and executes it there.
// It implements platform.Backend.
type Backend struct {
	opts Options

	mu       sync.Mutex
	eng      engine
	cfg      *platform.Config
	logger   *slog.Logger
	spawned  int
	gateway  string
	prepared bool
	tornDown bool
}

var _ platform.Backend = (*Backend)(nil)

// New returns a Backend for opts. It does not contact the daemon.
func New(opts Options) *Backend {
	if opts.PullPolicy == "" {
		opts.PullPolicy = PullMissing
	}
	return &Backend{opts: opts}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "docker"
}

// client returns the engine, connecting on first use.
func (b *Backend) client() (engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eng != nil {
		return b.eng, nil
	}
	eng, err := newEngineFn()
	if err != nil {
		return nil, err
	}
	b.eng = eng
	return eng, nil
}

// Available pings the daemon.
func (b *Backend) Available() error {
	eng, err := b.client()
	if err != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "cannot create docker client", Err: err}
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := eng.Ping(ctx); err != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "docker daemon not reachable", Err: err}
	}
	if !b.bridged() || hostOS != "linux" {
		return nil
	}
	gw, err := eng.NetworkGateway(ctx, b.networkName())
	if err != nil {
		return &platform.UnavailableError{Backend: b.Name(), Reason: "cannot find the gateway of network " + b.networkName(), Err: err}
	}
	b.mu.Lock()
	b.gateway = gw
	b.mu.Unlock()
	return nil
}

// bridged reports whether containers reach the host through a bridge
// network rather than sharing its stack or having no network.
func (b *Backend) bridged() bool {
	return b.opts.NetworkMode != NetworkHost && b.opts.NetworkMode != NetworkNone
}

func (b *Backend) networkName() string {
	if b.opts.NetworkMode == "" {
		return NetworkBridge
	}
	return b.opts.NetworkMode
}

// CheckDependencies reports whether the daemon answers and the image can
// be obtained under the pull policy.
func (b *Backend) CheckDependencies() *platform.DependencyCheck {
	check := &platform.DependencyCheck{}
	if err := b.Available(); err != nil {
		check.Errors = append(check.Errors, err.Error())
		return check
	}
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	ok, err := b.eng.ImageExists(ctx, b.opts.Image)
	switch {
	case err != nil:
		check.Warnings = append(check.Warnings, fmt.Sprintf("cannot inspect image %s: %v", b.opts.Image, err))
	case !ok && b.opts.PullPolicy == PullNever:
		check.Errors = append(check.Errors, fmt.Sprintf("image %s not present and pullPolicy is never", b.opts.Image))
	case !ok:
		check.Warnings = append(check.Warnings, fmt.Sprintf("image %s will be pulled", b.opts.Image))
	}
	return check
}

// Capabilities returns what the container boundary enforces.
func (b *Backend) Capabilities() platform.Capabilities {
	return platform.Capabilities{
		NetworkProxy: b.opts.NetworkMode != NetworkNone,
		PIDIsolation: true,
	}
}

// ProxyRouting depends on the network mode: none has no route to the
// host and host shares loopback. On a Linux bridge the proxies listen on
// the network's gateway address only, which Available resolves; until then
// they stay on loopback. Docker Desktop forwards the gateway alias to the
// host's loopback.
func (b *Backend) ProxyRouting() platform.ProxyRouting {
	loopback := platform.ProxyRouting{
		Enabled:       true,
		BindHost:      proxy.DefaultBindHost,
		AdvertiseHost: proxy.DefaultBindHost,
	}
	switch {
	case b.opts.NetworkMode == NetworkNone:
		return platform.ProxyRouting{}
	case b.opts.NetworkMode == NetworkHost:
		return loopback
	case hostOS != "linux":
		loopback.AdvertiseHost = hostGatewayName
		return loopback
	}
	b.mu.Lock()
	gw := b.gateway
	b.mu.Unlock()
	if gw != "" {
		loopback.BindHost, loopback.AdvertiseHost = gw, gw
	}
	return loopback
}

// Prepare checks the daemon and makes sure the image is present.
func (b *Backend) Prepare(ctx context.Context, cfg *platform.Config) error {
	if cfg == nil {
		return errors.New("docker: nil config")
	}
	if err := b.Available(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.prepared {
		b.mu.Unlock()
		return errors.New("docker: backend already prepared")
	}
	b.cfg = cfg
	b.logger = cfg.Logger
	if b.logger == nil {
		b.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b.mu.Unlock()

	if err := b.ensureImage(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	b.prepared = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) ensureImage(ctx context.Context) error {
	ref := b.opts.Image
	if b.opts.PullPolicy != PullAlways {
		ok, err := b.eng.ImageExists(ctx, ref)
		if err != nil {
			return &platform.DockerAPIError{Op: "inspect image " + ref, Err: err}
		}
		if ok {
			return nil
		}
		if b.opts.PullPolicy == PullNever {
			return &platform.DockerAPIError{Op: "inspect image " + ref, Err: errors.New("image not present and pullPolicy is never")}
		}
	}
	b.logger.Info("pulling image", "image", ref)
	if err := b.eng.ImagePull(ctx, ref); err != nil {
		return &platform.DockerAPIError{Op: "pull image " + ref, Err: err}
	}
	return nil
}

// containerConfig builds the create request for one session container.
func (b *Backend) containerConfig(sessionID string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      b.opts.Image,
		Cmd:        keepalive,
		Env:        envutil.FromMap(b.opts.Env),
		WorkingDir: b.opts.Workdir,
		User:       b.opts.User,
		Labels:     map[string]string{SessionLabel: sessionID},
	}

	host := &container.HostConfig{}
	for _, m := range b.opts.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if b.opts.NetworkMode != "" {
		host.NetworkMode = container.NetworkMode(b.opts.NetworkMode)
	}
	if b.ProxyRouting().AdvertiseHost == hostGatewayName {
		host.ExtraHosts = []string{hostGatewayName + ":host-gateway"}
	}
	if b.opts.CPULimit > 0 {
		host.Resources.NanoCPUs = int64(b.opts.CPULimit * 1e9)
	}
	if b.opts.MemoryBytes > 0 {
		host.Resources.Memory = b.opts.MemoryBytes
	}
	return cfg, host
}

// containerName returns the name for the n-th container of the session.
// Named containers carry the session id so a kept container from an
// earlier session never collides with a new one.
func (b *Backend) containerName(sessionID string, n int) string {
	if b.opts.Name == "" {
		return ""
	}
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	name := b.opts.Name
	if sessionID != "" {
		name += "-" + sessionID
	}
	if n > 1 {
		name += "-" + strconv.Itoa(n)
	}
	return name
}

// Spawn creates and starts a container, then runs cmd in it with stdio
// attached. Cancelling ctx removes the container, which kills the command.
func (b *Backend) Spawn(ctx context.Context, cmd *platform.Command) (platform.Child, error) {
	if cmd == nil || len(cmd.Args) == 0 {
		return nil, errors.New("docker: empty command")
	}
	b.mu.Lock()
	if !b.prepared || b.tornDown {
		b.mu.Unlock()
		return nil, errors.New("docker: backend not prepared")
	}
	b.spawned++
	name := b.containerName(b.cfg.SessionID, b.spawned)
	eng, sessionID, logger := b.eng, b.cfg.SessionID, b.logger
	b.mu.Unlock()

	ccfg, hcfg := b.containerConfig(sessionID)
	id, err := eng.ContainerCreate(ctx, ccfg, hcfg, name)
	if err != nil {
		return nil, &platform.DockerAPIError{Op: "create container", Err: err}
	}
	child := &execChild{containerID: id, eng: eng, logger: logger, done: make(chan struct{})}
	if err := eng.ContainerStart(ctx, id); err != nil {
		child.remove()
		return nil, &platform.DockerAPIError{Op: "start container", Err: err}
	}

	tty := isTTY(cmd.Stdin) && isTTY(cmd.Stdout)
	workdir := cmd.Dir
	if workdir == "" {
		workdir = b.opts.Workdir
	}
	execID, err := eng.ExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd.Args,
		Env:          cmd.Env,
		WorkingDir:   workdir,
		User:         b.opts.User,
		Tty:          tty,
		AttachStdin:  cmd.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		child.remove()
		return nil, &platform.DockerAPIError{Op: "create exec", Err: err}
	}
	stream, err := eng.ExecAttach(ctx, execID, tty)
	if err != nil {
		child.remove()
		return nil, &platform.DockerAPIError{Op: "attach exec", Err: err}
	}
	child.execID = execID
	child.stream = stream
	child.autoRemove = b.opts.AutoRemove

	stdout, stderr := orDiscard(cmd.Stdout), orDiscard(cmd.Stderr)
	go func() {
		defer close(child.done)
		var err error
		if tty {
			_, err = io.Copy(stdout, stream.Output)
		} else {
			_, err = stdcopy.StdCopy(stdout, stderr, stream.Output)
		}
		child.outErr = err
	}()
	if cmd.Stdin != nil {
		go func() {
			// A failed stdin copy surfaces as the command's own read error.
			_, _ = io.Copy(stream.Input, cmd.Stdin)
			_ = stream.CloseWrite()
		}()
	}
	go func() {
		select {
		case <-ctx.Done():
			child.kill()
		case <-child.done:
		}
	}()

	logger.Debug("container exec started", "container", id, "exec", execID, "tty", tty)
	return child, nil
}

// Wait waits for the exec's output to close and reads its exit code. The
// container is removed afterwards when AutoRemove is set.
func (b *Backend) Wait(ctx context.Context, c platform.Child) (*platform.ExitStatus, error) {
	child, ok := c.(*execChild)
	if !ok {
		return nil, fmt.Errorf("docker: unexpected child type %T", c)
	}
	<-child.done
	child.stream.Close()
	if child.outErr != nil {
		child.logger.Debug("exec output stream ended with error", "exec", child.execID, "error", child.outErr)
	}
	defer func() {
		if child.autoRemove {
			child.remove()
		}
	}()

	if child.wasKilled() {
		return platform.SignalStatus(syscall.SIGKILL), nil
	}

	ctx = context.WithoutCancel(ctx)
	for range exitPollAttempts {
		st, err := child.eng.ExecInspect(ctx, child.execID)
		if err != nil {
			if isNotFound(err) {
				return platform.SignalStatus(syscall.SIGKILL), nil
			}
			return nil, &platform.DockerAPIError{Op: "inspect exec", Err: err}
		}
		if !st.Running {
			return &platform.ExitStatus{Code: st.ExitCode}, nil
		}
		time.Sleep(exitPollInterval)
	}
	return nil, &platform.DockerAPIError{Op: "inspect exec", Err: errors.New("exec still running after output closed")}
}

// Teardown removes, or stops when AutoRemove is off, every container
// carrying the session label, and closes the client. It is safe to call
// more than once.
func (b *Backend) Teardown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tornDown {
		return nil
	}
	b.tornDown = true
	if b.eng == nil {
		return nil
	}

	var errs []error
	if b.cfg != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		ids, err := b.eng.ContainersByLabel(ctx, SessionLabel+"="+b.cfg.SessionID)
		if err != nil {
			errs = append(errs, &platform.DockerAPIError{Op: "list containers", Err: err})
		}
		for _, id := range ids {
			if b.opts.AutoRemove {
				err = b.eng.ContainerRemove(ctx, id)
			} else {
				err = b.eng.ContainerStop(ctx, id)
			}
			if err != nil && !isNotFound(err) {
				errs = append(errs, &platform.DockerAPIError{Op: "clean up container " + id, Err: err})
			}
		}
	}
	errs = append(errs, b.eng.Close())
	b.eng = nil
	return errors.Join(errs...)
}

// execChild is a command running through docker exec.
type execChild struct {
	containerID string
	execID      string
	eng         engine
	logger      *slog.Logger
	stream      *execStream
	autoRemove  bool

	done   chan struct{}
	outErr error

	mu      sync.Mutex
	killed  bool
	removed bool
}

// ID returns the exec id, or the container id before the exec exists.
func (c *execChild) ID() string {
	if c.execID != "" {
		return c.execID
	}
	return c.containerID
}

// kill force-removes the container so the exec dies with it.
func (c *execChild) kill() {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.remove()
}

func (c *execChild) wasKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// remove force-removes the container once.
func (c *execChild) remove() {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return
	}
	c.removed = true
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.eng.ContainerRemove(ctx, c.containerID); err != nil && !isNotFound(err) {
		c.logger.Warn("remove container failed", "container", c.containerID, "error", err)
	}
}

// isTTY reports whether v is an *os.File attached to a terminal.
func isTTY(v any) bool {
	f, ok := v.(*os.File)
	return ok && isTerminalFn(int(f.Fd()))
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
