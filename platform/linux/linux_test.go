//go:build linux

package linux

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/sandboxrt/srt/internal/envutil"
	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/proxy"
	"github.com/sandboxrt/srt/seccomp"
)

// TestMain lets the test binary act as the in-sandbox init and forwarder
// when the integration tests run it under bwrap.
func TestMain(m *testing.M) {
	MaybeSandboxInit()
	os.Exit(m.Run())
}

// stubHost replaces the host probes with working fakes.
func stubHost(t *testing.T) {
	t.Helper()
	origLook, origKernel, origFilter := lookBwrapFn, kernelSupportsFn, filterFn
	origExe, origVersion := executableFn, bwrapVersionFn
	t.Cleanup(func() {
		lookBwrapFn, kernelSupportsFn, filterFn = origLook, origKernel, origFilter
		executableFn, bwrapVersionFn = origExe, origVersion
	})
	lookBwrapFn = func() (string, error) { return "/usr/bin/bwrap", nil }
	kernelSupportsFn = func() bool { return true }
	executableFn = func() (string, error) { return "/opt/srt/bin/srt", nil }
	bwrapVersionFn = func(string) (string, error) { return "0.8.0", nil }
	filterFn = func(p *seccomp.Provider, v seccomp.Variant) (*seccomp.Program, error) {
		p.Dir = t.TempDir() // never pick up files from the host
		return p.Filter(v)
	}
}

func TestName(t *testing.T) {
	if got := New().Name(); got != "linux-bwrap" {
		t.Errorf("Name() = %q, want %q", got, "linux-bwrap")
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities()
	if !caps.NetworkProxy || !caps.PIDIsolation || !caps.SyscallFilter || !caps.ProcessHarden {
		t.Errorf("Capabilities() = %+v", caps)
	}
	if !caps.FileReadDeny || !caps.FileWriteAllow {
		t.Errorf("filesystem capabilities missing: %+v", caps)
	}
}

func TestProxyRouting(t *testing.T) {
	r := New().ProxyRouting()
	if !r.Enabled || r.BindHost != "127.0.0.1" || r.AdvertiseHost != "127.0.0.1" {
		t.Errorf("ProxyRouting() = %+v", r)
	}
}

// TestAvailable_NoBwrap verifies a missing bwrap is reported as unavailable.
func TestAvailable_NoBwrap(t *testing.T) {
	stubHost(t)
	lookBwrapFn = func() (string, error) { return "", exec.ErrNotFound }

	err := New().Available()
	if !errors.Is(err, platform.ErrUnavailable) || !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("Available() = %v, want ErrUnavailable wrapping ErrNotFound", err)
	}
	if err := New().Prepare(context.Background(), &platform.Config{}); !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Prepare() = %v, want ErrUnavailable", err)
	}
}

func TestCheckDependencies(t *testing.T) {
	stubHost(t)
	if dc := New().CheckDependencies(); !dc.OK() {
		t.Errorf("CheckDependencies() errors = %v", dc.Errors)
	}

	lookBwrapFn = func() (string, error) { return "", exec.ErrNotFound }
	kernelSupportsFn = func() bool { return false }
	dc := New().CheckDependencies()
	if len(dc.Errors) != 2 {
		t.Fatalf("Errors = %v, want bwrap and seccomp errors", dc.Errors)
	}
	if !strings.Contains(dc.Errors[0], "bwrap") || !strings.Contains(dc.Errors[1], "seccomp") {
		t.Errorf("Errors = %v", dc.Errors)
	}
}

func TestCheckDependencies_OldKernel(t *testing.T) {
	stubHost(t)
	b := &Backend{kernel: KernelVersion{3, 10, 0}}
	dc := b.CheckDependencies()
	if !dc.OK() || !slices.ContainsFunc(dc.Warnings, func(w string) bool { return strings.Contains(w, "3.17") }) {
		t.Errorf("CheckDependencies() = %+v", dc)
	}
}

func TestSeccompVariant(t *testing.T) {
	tests := []struct {
		cfg  platform.Config
		want seccomp.Variant
	}{
		{platform.Config{}, seccomp.BlockUnixSockets},
		{platform.Config{AllowAllUnixSockets: true}, seccomp.AllowUnixSockets},
		{platform.Config{AllowUnixSockets: []string{"/run/docker.sock"}}, seccomp.AllowUnixSockets},
	}
	for _, tt := range tests {
		if got := seccompVariant(&tt.cfg); got != tt.want {
			t.Errorf("seccompVariant(%+v) = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

// TestPrepare_Lifecycle verifies Prepare creates the bridge sockets and the
// program file, and Teardown removes them.
func TestPrepare_Lifecycle(t *testing.T) {
	stubHost(t)
	b := New()
	cfg := &platform.Config{HTTPProxyPort: freePort(t), SOCKSProxyPort: freePort(t)}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	dir := b.privDir
	for _, name := range []string{proxy.HTTPSocketName, proxy.SOCKSSocketName, seccompFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s missing after Prepare: %v", name, err)
		}
	}
	if b.program == nil || b.program.Variant != seccomp.BlockUnixSockets {
		t.Errorf("program = %+v", b.program)
	}
	if err := b.Prepare(context.Background(), cfg); err == nil {
		t.Error("second Prepare() should fail")
	}

	if err := b.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("private dir still exists: %v", err)
	}
	if err := b.Teardown(context.Background()); err != nil {
		t.Errorf("second Teardown() = %v", err)
	}
	if _, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"true"}}); err == nil {
		t.Error("Spawn after Teardown should fail")
	}
}

// TestPrepare_NoProxy verifies no bridges are started without ports.
func TestPrepare_NoProxy(t *testing.T) {
	stubHost(t)
	b := New()
	if err := b.Prepare(context.Background(), &platform.Config{}); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })
	if b.bridges != nil {
		t.Error("bridges started without proxy ports")
	}
}

// TestPrepare_SeccompFailure verifies a missing filter fails the session
// and releases the private dir.
func TestPrepare_SeccompFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func()
	}{
		{"provider", func() {
			filterFn = func(*seccomp.Provider, seccomp.Variant) (*seccomp.Program, error) {
				return nil, &seccomp.CompileError{Arch: "riscv64", Attempts: []error{errors.New("no table")}}
			}
		}},
		{"kernel", func() { kernelSupportsFn = func() bool { return false } }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubHost(t)
			tt.setup()
			var dir string
			origMkdir := mkdirTempFn
			t.Cleanup(func() { mkdirTempFn = origMkdir })
			mkdirTempFn = func(d, pattern string) (string, error) {
				var err error
				dir, err = origMkdir(d, pattern)
				return dir, err
			}

			b := New()
			err := b.Prepare(context.Background(), &platform.Config{HTTPProxyPort: freePort(t), SOCKSProxyPort: freePort(t)})
			if !errors.Is(err, seccomp.ErrCompile) {
				t.Fatalf("Prepare() = %v, want ErrCompile", err)
			}
			var ce *seccomp.CompileError
			if !errors.As(err, &ce) {
				t.Errorf("error %T is not a *CompileError", err)
			}
			if _, statErr := os.Stat(dir); !os.IsNotExist(statErr) {
				t.Errorf("private dir %s not removed after failure", dir)
			}
			if b.bridges != nil {
				t.Error("bridges not released after failure")
			}
		})
	}
}

// TestPrepare_WeakerSandbox verifies the opt-in continues without a filter.
func TestPrepare_WeakerSandbox(t *testing.T) {
	stubHost(t)
	kernelSupportsFn = func() bool { return false }

	b := New()
	cfg := &platform.Config{EnableWeakerNestedSandbox: true}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })
	if b.program != nil || b.seccompPath != "" {
		t.Error("program set despite kernel without seccomp")
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "weaker sandbox") {
		t.Errorf("Warnings = %v", cfg.Warnings)
	}
}

// TestCommandLine verifies the bwrap argv and the init environment.
func TestCommandLine(t *testing.T) {
	stubHost(t)
	b := New()
	cfg := &platform.Config{HTTPProxyPort: freePort(t), SOCKSProxyPort: freePort(t)}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })

	argv, env, err := b.commandLine(&platform.Command{
		Args: []string{"sh", "-c", "echo hi"},
		Env:  []string{"PATH=/usr/bin", initEnvKey + "=stale"},
	})
	if err != nil {
		t.Fatalf("commandLine() = %v", err)
	}
	if argv[0] != "/usr/bin/bwrap" {
		t.Errorf("argv[0] = %q", argv[0])
	}
	sep := slices.Index(argv, "--")
	if sep < 0 || !slices.Equal(argv[sep+1:], []string{"/opt/srt/bin/srt", "sh", "-c", "echo hi"}) {
		t.Errorf("argv tail = %v", argv[sep+1:])
	}

	raw, ok := envutil.Lookup(env, initEnvKey)
	if !ok || raw == "stale" {
		t.Fatalf("init env = %q, %v", raw, ok)
	}
	var ic initConfig
	if err := json.Unmarshal([]byte(raw), &ic); err != nil {
		t.Fatalf("decode init env: %v", err)
	}
	if ic.SeccompPath != filepath.Join(b.privDir, seccompFileName) {
		t.Errorf("SeccompPath = %q", ic.SeccompPath)
	}
	if ic.Forward == nil || ic.Forward.HTTPPort != cfg.HTTPProxyPort || ic.Forward.SocketDir != b.privDir {
		t.Errorf("Forward = %+v", ic.Forward)
	}
	if n := strings.Count(strings.Join(env, "\n"), initEnvKey+"="); n != 1 {
		t.Errorf("init env appears %d times", n)
	}
}

// ---------------------------------------------------------------------------
// Integration tests: run real commands under bwrap.
// ---------------------------------------------------------------------------

// requireBwrap skips unless bwrap can create the namespaces used here.
func requireBwrap(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping bwrap integration test in short mode")
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		t.Skip("bwrap not installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	probe := exec.CommandContext(ctx, path, "--ro-bind", "/", "/", "--proc", "/proc", "--dev", "/dev",
		"--unshare-net", "--unshare-pid", "--unshare-ipc", "true")
	if out, err := probe.CombinedOutput(); err != nil {
		t.Skipf("bwrap cannot create namespaces here: %v: %s", err, out)
	}
}

func runSandboxed(t *testing.T, b *Backend, script string) (*platform.ExitStatus, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var out bytes.Buffer
	child, err := b.Spawn(ctx, &platform.Command{
		Args:   []string{"/bin/sh", "-c", script},
		Env:    os.Environ(),
		Stdout: &out,
		Stderr: &out,
	})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	st, err := b.Wait(ctx, child)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	return st, out.String()
}

// TestIntegration_DenyWriteInsideAllowWrite verifies a denyWrite file
// stays read-only inside a writable directory.
func TestIntegration_DenyWriteInsideAllowWrite(t *testing.T) {
	requireBwrap(t)
	work := t.TempDir()
	rc := filepath.Join(work, ".bashrc")
	if err := os.WriteFile(rc, []byte("original\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	b := New()
	cfg := &platform.Config{
		AllowWrite:                []string{work},
		DenyWrite:                 []string{rc},
		EnableWeakerNestedSandbox: true,
	}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })

	st, out := runSandboxed(t, b, "echo pwned >> "+rc)
	if st.Code == 0 {
		t.Errorf("write to denyWrite file succeeded: %s", out)
	}
	data, _ := os.ReadFile(rc)
	if string(data) != "original\n" {
		t.Errorf(".bashrc modified: %q", data)
	}

	st, out = runSandboxed(t, b, "echo ok > "+filepath.Join(work, "new.txt"))
	if st.Code != 0 {
		t.Errorf("write inside allowWrite failed: code %d: %s", st.Code, out)
	}
}

// TestIntegration_ReadOnlyRoot verifies paths outside allowWrite cannot be
// written and the exit code of the command is passed through.
func TestIntegration_ReadOnlyRoot(t *testing.T) {
	requireBwrap(t)
	outside := t.TempDir()

	b := New()
	if err := b.Prepare(context.Background(), &platform.Config{EnableWeakerNestedSandbox: true}); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })

	st, _ := runSandboxed(t, b, "touch "+filepath.Join(outside, "x")+" 2>/dev/null; exit 7")
	if st.Code != 7 {
		t.Errorf("exit code = %d, want 7", st.Code)
	}
	if _, err := os.Stat(filepath.Join(outside, "x")); err == nil {
		t.Error("file created outside allowWrite")
	}
}
