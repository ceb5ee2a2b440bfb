//go:build darwin

package darwin

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandboxrt/srt/platform"
	"github.com/sandboxrt/srt/violation"
)

// stubHost replaces the host probes for the duration of a test.
func stubHost(t *testing.T, missing ...string) {
	t.Helper()
	origStat, origMkdir, origMonitor := statFn, mkdirTempFn, startMonitorFn
	t.Cleanup(func() {
		statFn, mkdirTempFn, startMonitorFn = origStat, origMkdir, origMonitor
	})
	statFn = func(name string) (os.FileInfo, error) {
		for _, m := range missing {
			if name == m {
				return nil, fs.ErrNotExist
			}
		}
		return os.Stat("/")
	}
	base := t.TempDir()
	mkdirTempFn = func(_, pattern string) (string, error) {
		return os.MkdirTemp(base, pattern)
	}
	startMonitorFn = func(context.Context, *ViolationMonitor) error { return nil }
}

func requireSandboxExec(t *testing.T) {
	t.Helper()
	if _, err := os.Stat(sandboxExecPath); err != nil {
		t.Skip("sandbox-exec not available")
	}
}

// ---------------------------------------------------------------------------
// Host probing tests
// ---------------------------------------------------------------------------

func TestName(t *testing.T) {
	if got := New().Name(); got != "darwin-seatbelt" {
		t.Errorf("Name() = %q, want darwin-seatbelt", got)
	}
}

func TestCapabilities(t *testing.T) {
	caps := New().Capabilities()
	if !caps.FileReadDeny || !caps.FileWriteAllow || !caps.NetworkProxy || !caps.ViolationLog {
		t.Errorf("Capabilities() = %+v", caps)
	}
	// Seatbelt has no PID namespace or syscall filter.
	if caps.PIDIsolation || caps.SyscallFilter {
		t.Errorf("Capabilities() = %+v", caps)
	}
}

func TestProxyRouting(t *testing.T) {
	r := New().ProxyRouting()
	if !r.Enabled || r.BindHost != "127.0.0.1" || r.AdvertiseHost != "127.0.0.1" {
		t.Errorf("ProxyRouting() = %+v", r)
	}
}

func TestAvailable_Missing(t *testing.T) {
	stubHost(t, sandboxExecPath)
	err := New().Available()
	if !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Available() = %v, want ErrUnavailable", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("stat error not wrapped")
	}
}

func TestCheckDependencies(t *testing.T) {
	tests := []struct {
		name         string
		missing      []string
		wantErrors   int
		wantWarnings int
	}{
		{"all present", nil, 0, 0},
		{"no log", []string{"/usr/bin/log"}, 0, 1},
		{"no sandbox-exec", []string{sandboxExecPath}, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubHost(t, tt.missing...)
			dc := New().CheckDependencies()
			if len(dc.Errors) != tt.wantErrors || len(dc.Warnings) != tt.wantWarnings {
				t.Errorf("CheckDependencies() = %+v", dc)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Lifecycle tests
// ---------------------------------------------------------------------------

func TestPrepare_Lifecycle(t *testing.T) {
	stubHost(t)
	var started *ViolationMonitor
	startMonitorFn = func(_ context.Context, m *ViolationMonitor) error {
		started = m
		return nil
	}

	b := New()
	cfg := &platform.Config{SessionID: "sess-1", Violations: violation.NewStore(nil)}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	if started == nil || started.SessionTag() != "_sess1_SBX" {
		t.Fatalf("monitor not started with session tag: %+v", started)
	}
	if err := b.Prepare(context.Background(), cfg); err == nil {
		t.Error("second Prepare() should fail")
	}
	dir := b.dir
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("profile dir missing: %v", err)
	}

	// The stubbed monitor was never really started, so drop it before
	// Teardown tries to stop it.
	b.monitor = nil
	if err := b.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown() = %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("profile dir not removed")
	}
	if err := b.Teardown(context.Background()); err != nil {
		t.Errorf("second Teardown() = %v", err)
	}
	if _, err := b.Spawn(context.Background(), &platform.Command{Args: []string{"true"}}); err == nil {
		t.Error("Spawn() after Teardown() should fail")
	}
}

func TestPrepare_MonitorFailureIsWarning(t *testing.T) {
	stubHost(t)
	startMonitorFn = func(context.Context, *ViolationMonitor) error {
		return errors.New("log: permission denied")
	}
	b := New()
	cfg := &platform.Config{Violations: violation.NewStore(nil)}
	if err := b.Prepare(context.Background(), cfg); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "permission denied") {
		t.Errorf("Warnings = %v", cfg.Warnings)
	}
	if b.monitor != nil {
		t.Error("failed monitor should not be kept")
	}
}

func TestPrepare_Errors(t *testing.T) {
	stubHost(t, sandboxExecPath)
	if err := New().Prepare(context.Background(), &platform.Config{}); !errors.Is(err, platform.ErrUnavailable) {
		t.Errorf("Prepare() without sandbox-exec = %v", err)
	}
	if err := New().Prepare(context.Background(), nil); err == nil {
		t.Error("Prepare(nil) should fail")
	}
}

func TestSpawn_EmptyCommand(t *testing.T) {
	if _, err := New().Spawn(context.Background(), &platform.Command{}); err == nil {
		t.Error("Spawn() with no args should fail")
	}
}

// ---------------------------------------------------------------------------
// Integration tests (real sandbox-exec)
// ---------------------------------------------------------------------------

func TestSpawn_WritesProfileAndRuns(t *testing.T) {
	requireSandboxExec(t)
	allowed := t.TempDir()
	b := New()
	if err := b.Prepare(context.Background(), &platform.Config{AllowWrite: []string{allowed}}); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })

	target := filepath.Join(allowed, "ok")
	var stderr bytes.Buffer
	child, err := b.Spawn(context.Background(), &platform.Command{
		Args:   []string{"/usr/bin/touch", target},
		Env:    []string{"PATH=/usr/bin:/bin"},
		Stderr: &stderr,
	})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	st, err := b.Wait(context.Background(), child)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if st.Code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", st.Code, stderr.String())
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("allowed write did not happen: %v", err)
	}

	profile, err := os.ReadFile(filepath.Join(b.dir, "profile-1.sb"))
	if err != nil {
		t.Fatalf("profile not written: %v", err)
	}
	if !strings.Contains(string(profile), "CMD64_") {
		t.Error("profile missing command log tag")
	}
}

func TestSpawn_DeniesWriteOutsideAllowList(t *testing.T) {
	requireSandboxExec(t)
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	b := New()
	if err := b.Prepare(context.Background(), &platform.Config{}); err != nil {
		t.Fatalf("Prepare() = %v", err)
	}
	t.Cleanup(func() { _ = b.Teardown(context.Background()) })

	target := filepath.Join(home, ".srt-denied-write-test")
	child, err := b.Spawn(context.Background(), &platform.Command{
		Args: []string{"/usr/bin/touch", target},
		Env:  []string{"PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Spawn() = %v", err)
	}
	st, err := b.Wait(context.Background(), child)
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if st.Code == 0 {
		_ = os.Remove(target)
		t.Error("write outside allow list should fail")
	}
}
