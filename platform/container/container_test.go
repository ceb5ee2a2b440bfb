package container

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxrt/srt/platform"
)

// fakeEngine is an in-memory Docker daemon. Each exec echoes its stdin
// after the canned stdout.
type fakeEngine struct {
	mu sync.Mutex

	pingErr   error
	imageErr  error
	pullErr   error
	createErr error
	startErr  error
	execErr   error

	images   map[string]bool
	gateways map[string]string
	pulled   []string
	configs  []*container.Config
	hosts    []*container.HostConfig
	names    []string
	labels   map[string]string
	execs    map[string]container.ExecOptions
	removed  []string
	stopped  []string
	closed   bool

	stdout, stderr string
	exitCode       int

	// block makes exec output hang until the container is removed.
	block     bool
	removedCh chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		images:    map[string]bool{"alpine:3": true},
		gateways:  map[string]string{NetworkBridge: "172.17.0.1"},
		labels:    map[string]string{},
		execs:     map[string]container.ExecOptions{},
		removedCh: make(chan struct{}),
	}
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], f.imageErr
}

func (f *fakeEngine) ImagePull(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pullErr != nil {
		return f.pullErr
	}
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.configs = append(f.configs, cfg)
	f.hosts = append(f.hosts, host)
	f.names = append(f.names, name)
	id := "c" + string(rune('0'+len(f.configs)))
	f.labels[id] = SessionLabel + "=" + cfg.Labels[SessionLabel]
	return id, nil
}

func (f *fakeEngine) ContainerStart(context.Context, string) error { return f.startErr }

func (f *fakeEngine) ContainerStop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.labels[id]; !ok {
		return errdefs.NotFound(errors.New("no such container: " + id))
	}
	delete(f.labels, id)
	f.removed = append(f.removed, id)
	select {
	case <-f.removedCh:
	default:
		close(f.removedCh)
	}
	return nil
}

func (f *fakeEngine) ContainersByLabel(_ context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, l := range f.labels {
		if l == label {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeEngine) NetworkGateway(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gw, ok := f.gateways[name]
	if !ok {
		return "", errdefs.NotFound(errors.New("network " + name + " not found"))
	}
	return gw, nil
}

func (f *fakeEngine) ExecCreate(_ context.Context, id string, opts container.ExecOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return "", f.execErr
	}
	execID := "exec-" + id
	f.execs[execID] = opts
	return execID, nil
}

func (f *fakeEngine) ExecAttach(_ context.Context, execID string, _ bool) (*execStream, error) {
	f.mu.Lock()
	opts := f.execs[execID]
	stdout, stderr, block := f.stdout, f.stderr, f.block
	f.mu.Unlock()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		if block {
			<-f.removedCh
			_ = outW.Close()
			return
		}
		var in []byte
		if opts.AttachStdin {
			in, _ = io.ReadAll(inR)
		}
		out := stdcopy.NewStdWriter(outW, stdcopy.Stdout)
		if len(stdout) > 0 {
			_, _ = out.Write([]byte(stdout))
		}
		if len(in) > 0 {
			_, _ = out.Write(in)
		}
		if len(stderr) > 0 {
			_, _ = stdcopy.NewStdWriter(outW, stdcopy.Stderr).Write([]byte(stderr))
		}
		_ = outW.Close()
	}()
	return &execStream{
		Output:     outR,
		Input:      inW,
		CloseWrite: inW.Close,
		Close: func() {
			_ = outR.Close()
			_ = inR.Close()
		},
	}, nil
}

func (f *fakeEngine) ExecInspect(_ context.Context, execID string) (execState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.labels[strings.TrimPrefix(execID, "exec-")]; !ok {
		return execState{}, errdefs.NotFound(errors.New("no such exec"))
	}
	return execState{ExitCode: f.exitCode}, nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// stubEngine makes New'd backends use f.
func stubEngine(t *testing.T, f *fakeEngine) {
	t.Helper()
	orig := newEngineFn
	newEngineFn = func() (engine, error) { return f, nil }
	t.Cleanup(func() { newEngineFn = orig })
}

func prepared(t *testing.T, f *fakeEngine, opts Options) *Backend {
	t.Helper()
	stubEngine(t, f)
	if opts.Image == "" {
		opts.Image = "alpine:3"
	}
	b := New(opts)
	if err := b.Prepare(context.Background(), &platform.Config{SessionID: "sess"}); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// Routing and capabilities
// ---------------------------------------------------------------------------

// useHostOS makes the backend behave as if the daemon ran on goos.
func useHostOS(t *testing.T, goos string) {
	t.Helper()
	orig := hostOS
	hostOS = goos
	t.Cleanup(func() { hostOS = orig })
}

func TestProxyRouting(t *testing.T) {
	tests := []struct {
		goos      string
		mode      string
		enabled   bool
		bind      string
		advertise string
	}{
		{"linux", "", true, "172.17.0.1", "172.17.0.1"},
		{"linux", NetworkBridge, true, "172.17.0.1", "172.17.0.1"},
		{"linux", "my-net", true, "10.5.0.1", "10.5.0.1"},
		{"linux", NetworkHost, true, "127.0.0.1", "127.0.0.1"},
		{"linux", NetworkNone, false, "", ""},
		{"darwin", "", true, "127.0.0.1", "host.docker.internal"},
		{"darwin", "my-net", true, "127.0.0.1", "host.docker.internal"},
		{"darwin", NetworkHost, true, "127.0.0.1", "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.goos+"/"+tt.mode, func(t *testing.T) {
			useHostOS(t, tt.goos)
			f := newFakeEngine()
			f.gateways["my-net"] = "10.5.0.1"
			stubEngine(t, f)

			b := New(Options{Image: "alpine:3", NetworkMode: tt.mode})
			if err := b.Available(); err != nil {
				t.Fatalf("Available() = %v", err)
			}
			r := b.ProxyRouting()
			if r.Enabled != tt.enabled || r.BindHost != tt.bind || r.AdvertiseHost != tt.advertise {
				t.Errorf("ProxyRouting() = %+v", r)
			}
			if r.BindHost == "0.0.0.0" || r.BindHost == "::" {
				t.Errorf("proxies would listen on every interface: %+v", r)
			}
			if got := b.Capabilities().NetworkProxy; got != tt.enabled {
				t.Errorf("NetworkProxy = %v, want %v", got, tt.enabled)
			}
		})
	}
}

func TestProxyRouting_BeforeAvailable(t *testing.T) {
	useHostOS(t, "linux")
	r := New(Options{Image: "alpine:3"}).ProxyRouting()
	if r.BindHost != "127.0.0.1" {
		t.Errorf("BindHost before the gateway is known = %q, want loopback", r.BindHost)
	}
}

func TestAvailable_UnknownNetwork(t *testing.T) {
	useHostOS(t, "linux")
	stubEngine(t, newFakeEngine())
	err := New(Options{NetworkMode: "missing-net"}).Available()
	if !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Available() = %v, want ErrUnavailable", err)
	}
}

func TestName(t *testing.T) {
	if got := New(Options{}).Name(); got != "docker" {
		t.Errorf("Name() = %q", got)
	}
}

// ---------------------------------------------------------------------------
// Availability and image policy
// ---------------------------------------------------------------------------

func TestAvailable(t *testing.T) {
	f := newFakeEngine()
	stubEngine(t, f)
	if err := New(Options{}).Available(); err != nil {
		t.Fatalf("Available() = %v", err)
	}

	f.pingErr = errors.New("connection refused")
	err := New(Options{}).Available()
	if !errors.Is(err, platform.ErrUnavailable) || !errors.Is(err, f.pingErr) {
		t.Errorf("Available() = %v, want ErrUnavailable wrapping ping error", err)
	}

	newEngineFn = func() (engine, error) { return nil, errors.New("bad DOCKER_HOST") }
	if err := New(Options{}).Available(); !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Available() with client error = %v", err)
	}
}

func TestPrepare_PullPolicy(t *testing.T) {
	tests := []struct {
		name       string
		image      string
		policy     string
		pullErr    error
		wantPulled bool
		wantErr    bool
	}{
		{name: "missing present", image: "alpine:3", policy: PullMissing},
		{name: "default absent", image: "debian:12", wantPulled: true},
		{name: "always present", image: "alpine:3", policy: PullAlways, wantPulled: true},
		{name: "never absent", image: "debian:12", policy: PullNever, wantErr: true},
		{name: "never present", image: "alpine:3", policy: PullNever},
		{name: "pull fails", image: "debian:12", pullErr: errors.New("denied"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEngine()
			f.pullErr = tt.pullErr
			stubEngine(t, f)
			b := New(Options{Image: tt.image, PullPolicy: tt.policy})
			err := b.Prepare(context.Background(), &platform.Config{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Prepare() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, platform.ErrDockerAPI) {
				t.Errorf("Prepare() = %v, want ErrDockerAPI", err)
			}
			if pulled := len(f.pulled) > 0; pulled != tt.wantPulled {
				t.Errorf("pulled = %v, want %v", f.pulled, tt.wantPulled)
			}
		})
	}
}

func TestCheckDependencies(t *testing.T) {
	f := newFakeEngine()
	stubEngine(t, f)
	if dc := New(Options{Image: "alpine:3"}).CheckDependencies(); !dc.OK() || len(dc.Warnings) != 0 {
		t.Errorf("present image: %+v", dc)
	}
	if dc := New(Options{Image: "debian:12"}).CheckDependencies(); !dc.OK() || len(dc.Warnings) != 1 {
		t.Errorf("absent image: %+v", dc)
	}
	if dc := New(Options{Image: "debian:12", PullPolicy: PullNever}).CheckDependencies(); dc.OK() {
		t.Errorf("absent image with never: %+v", dc)
	}
	f.pingErr = errors.New("down")
	if dc := New(Options{Image: "alpine:3"}).CheckDependencies(); dc.OK() {
		t.Errorf("daemon down: %+v", dc)
	}
}

// ---------------------------------------------------------------------------
// Container configuration
// ---------------------------------------------------------------------------

func TestContainerConfig(t *testing.T) {
	useHostOS(t, "linux")
	b := New(Options{
		Image:       "alpine:3",
		Workdir:     "/work",
		User:        "1000:1000",
		Env:         map[string]string{"B": "2", "A": "1"},
		Mounts:      []Mount{{Source: "/src", Target: "/work", ReadOnly: true}},
		CPULimit:    1.5,
		MemoryBytes: 512 << 20,
	})
	cfg, host := b.containerConfig("sess")

	if cfg.Image != "alpine:3" || cfg.WorkingDir != "/work" || cfg.User != "1000:1000" {
		t.Errorf("config = %+v", cfg)
	}
	if strings.Join(cfg.Env, ",") != "A=1,B=2" {
		t.Errorf("Env = %v", cfg.Env)
	}
	if cfg.Labels[SessionLabel] != "sess" {
		t.Errorf("Labels = %v", cfg.Labels)
	}
	if strings.Join(cfg.Cmd, " ") != "tail -f /dev/null" {
		t.Errorf("Cmd = %v", cfg.Cmd)
	}
	if len(host.Mounts) != 1 || host.Mounts[0].Source != "/src" || !host.Mounts[0].ReadOnly {
		t.Errorf("Mounts = %+v", host.Mounts)
	}
	if host.Resources.NanoCPUs != 1_500_000_000 {
		t.Errorf("NanoCPUs = %d", host.Resources.NanoCPUs)
	}
	if host.Resources.Memory != 512<<20 {
		t.Errorf("Memory = %d", host.Resources.Memory)
	}
	if len(host.ExtraHosts) != 0 {
		t.Errorf("ExtraHosts on linux = %v, want none", host.ExtraHosts)
	}

	useHostOS(t, "darwin")
	if _, host := b.containerConfig("sess"); len(host.ExtraHosts) != 1 || host.ExtraHosts[0] != "host.docker.internal:host-gateway" {
		t.Errorf("ExtraHosts on darwin = %v", host.ExtraHosts)
	}
}

func TestContainerConfig_NetworkMode(t *testing.T) {
	for _, mode := range []string{NetworkHost, NetworkNone} {
		_, host := New(Options{NetworkMode: mode}).containerConfig("s")
		if string(host.NetworkMode) != mode {
			t.Errorf("NetworkMode = %q, want %q", host.NetworkMode, mode)
		}
		if len(host.ExtraHosts) != 0 {
			t.Errorf("mode %s: ExtraHosts = %v, want none", mode, host.ExtraHosts)
		}
	}
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		name    string
		session string
		n       int
		want    string
	}{
		{"box", "3f2a9c1e-77aa-4b1c-9d3e-000000000001", 1, "box-3f2a9c1e"},
		{"box", "3f2a9c1e-77aa-4b1c-9d3e-000000000001", 3, "box-3f2a9c1e-3"},
		{"box", "s1", 1, "box-s1"},
		{"box", "", 2, "box-2"},
		{"", "3f2a9c1e-77aa", 2, ""},
	}
	for _, tt := range tests {
		if got := New(Options{Name: tt.name}).containerName(tt.session, tt.n); got != tt.want {
			t.Errorf("containerName(%q, %d) with name %q = %q, want %q", tt.session, tt.n, tt.name, got, tt.want)
		}
	}

	first := New(Options{Name: "box"}).containerName("aaaaaaaa-1", 1)
	second := New(Options{Name: "box"}).containerName("bbbbbbbb-2", 1)
	if first == second {
		t.Errorf("sessions share container name %q", first)
	}
}

// ---------------------------------------------------------------------------
// Spawn and Wait
// ---------------------------------------------------------------------------

func TestSpawnWait(t *testing.T) {
	f := newFakeEngine()
	f.stdout, f.stderr, f.exitCode = "hello\n", "oops\n", 3
	b := prepared(t, f, Options{AutoRemove: true, Workdir: "/work"})

	var stdout, stderr bytes.Buffer
	child, err := b.Spawn(context.Background(), &platform.Command{
		Args:   []string{"sh", "-c", "cat"},
		Env:    []string{"HTTP_PROXY=http://host.docker.internal:3128"},
		Stdin:  strings.NewReader("input\n"),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	st, err := b.Wait(context.Background(), child)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if st.Code != 3 {
		t.Errorf("exit code = %d, want 3", st.Code)
	}
	if stdout.String() != "hello\ninput\n" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "oops\n" {
		t.Errorf("stderr = %q", stderr.String())
	}

	opts := f.execs[child.ID()]
	if strings.Join(opts.Cmd, " ") != "sh -c cat" || opts.WorkingDir != "/work" || !opts.AttachStdin {
		t.Errorf("exec options = %+v", opts)
	}
	if len(opts.Env) != 1 || !strings.HasPrefix(opts.Env[0], "HTTP_PROXY=") {
		t.Errorf("exec Env = %v", opts.Env)
	}
	if len(f.removed) != 1 {
		t.Errorf("autoRemove: removed = %v", f.removed)
	}
}

func TestSpawnWait_KeepContainer(t *testing.T) {
	f := newFakeEngine()
	b := prepared(t, f, Options{AutoRemove: false})
	child, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"true"}, Dir: "/override"})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	if st, err := b.Wait(context.Background(), child); err != nil || st.Code != 0 {
		t.Fatalf("Wait() = %+v, %v", st, err)
	}
	if len(f.removed) != 0 {
		t.Errorf("container removed without autoRemove: %v", f.removed)
	}
	if f.execs[child.ID()].WorkingDir != "/override" {
		t.Errorf("WorkingDir = %q", f.execs[child.ID()].WorkingDir)
	}

	if err := b.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
	if len(f.stopped) != 1 || len(f.removed) != 0 {
		t.Errorf("Teardown: stopped %v, removed %v", f.stopped, f.removed)
	}
}

func TestSpawn_CancelKills(t *testing.T) {
	f := newFakeEngine()
	f.block = true
	b := prepared(t, f, Options{AutoRemove: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	child, err := b.Spawn(ctx, &platform.Command{Args: []string{"sleep", "100"}})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	st, err := b.Wait(ctx, child)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if st.Code != 137 {
		t.Errorf("exit code = %d, want 137", st.Code)
	}
	if len(f.removed) != 1 {
		t.Errorf("removed = %v, want the container removed once", f.removed)
	}
}

func TestSpawn_Errors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(*fakeEngine)
		wantOp     string
		wantRemove bool
	}{
		{"create", func(f *fakeEngine) { f.createErr = errors.New("conflict") }, "create container", false},
		{"start", func(f *fakeEngine) { f.startErr = errors.New("oci runtime") }, "start container", true},
		{"exec", func(f *fakeEngine) { f.execErr = errors.New("not running") }, "create exec", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeEngine()
			b := prepared(t, f, Options{})
			tt.setup(f)
			_, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"true"}})
			var de *platform.DockerAPIError
			if !errors.As(err, &de) || de.Op != tt.wantOp {
				t.Fatalf("Spawn() = %v, want DockerAPIError %q", err, tt.wantOp)
			}
			if got := len(f.removed) == 1; got != tt.wantRemove {
				t.Errorf("removed = %v", f.removed)
			}
		})
	}
}

func TestSpawn_NotPrepared(t *testing.T) {
	if _, err := New(Options{}).Spawn(context.Background(), &platform.Command{Args: []string{"true"}}); err == nil {
		t.Error("Spawn() before Prepare() should fail")
	}
	if _, err := New(Options{}).Spawn(context.Background(), &platform.Command{}); err == nil {
		t.Error("Spawn() with no args should fail")
	}
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

func TestTeardown_RemovesSessionContainers(t *testing.T) {
	f := newFakeEngine()
	f.block = true
	b := prepared(t, f, Options{AutoRemove: true})
	f.labels["other"] = SessionLabel + "=another-session"

	if _, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"sleep", "100"}}); err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	if err := b.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
	if len(f.removed) != 1 || f.removed[0] != "c1" {
		t.Errorf("removed = %v, want [c1]", f.removed)
	}
	if _, ok := f.labels["other"]; !ok {
		t.Error("container of another session removed")
	}
	if !f.closed {
		t.Error("client not closed")
	}
	if err := b.Teardown(context.Background()); err != nil {
		t.Errorf("second Teardown() = %v", err)
	}
	if _, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"true"}}); err == nil {
		t.Error("Spawn() after Teardown() should fail")
	}
}

func TestTeardown_Unprepared(t *testing.T) {
	if err := New(Options{}).Teardown(context.Background()); err != nil {
		t.Errorf("Teardown() = %v", err)
	}
}
