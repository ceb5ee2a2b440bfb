//go:build linux

package linux

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sandboxrt/srt/internal/envutil"
	"github.com/sandboxrt/srt/proxy"
	"github.com/sandboxrt/srt/seccomp"
)

// Environment variables that put the srt binary into one of its
// in-sandbox roles. Both carry JSON.
const (
	initEnvKey    = "_SRT_SANDBOX_INIT"
	forwardEnvKey = "_SRT_SANDBOX_FORWARD"

	// roleEnvPrefix covers both keys. The command and its children never
	// see them, so they cannot re-enter init.
	roleEnvPrefix = "_SRT_SANDBOX_"
)

// forwarderReadyLine is written by the forwarder once both ports listen.
const forwarderReadyLine = "ready"

// forwarderReadyTimeout bounds how long init waits for the forwarder.
const forwarderReadyTimeout = 5 * time.Second

// Function variables for dependency injection in tests.
var (
	hardenProcessFn  = hardenProcess
	readProgramFn    = seccomp.ReadFile
	loadSeccompFn    = seccomp.Load
	startForwarderFn = startForwarder
	lookPathFn       = exec.LookPath
	syscallExecFn    = syscall.Exec
	osExitFn         = os.Exit
)

// initConfig is passed from the host to the in-sandbox init.
type initConfig struct {
	// SeccompPath is the program written by Prepare. Empty when running
	// without a syscall filter.
	SeccompPath string `json:"seccompPath,omitempty"`

	// SeccompArch is the architecture the program was built for.
	SeccompArch string `json:"seccompArch,omitempty"`

	// Forward is nil when the child has no proxy to reach.
	Forward *forwardConfig `json:"forward,omitempty"`
}

// forwardConfig tells the forwarder which loopback ports to serve and where
// the host bridge sockets live.
type forwardConfig struct {
	SocketDir string `json:"socketDir"`
	HTTPPort  int    `json:"httpPort"`
	SOCKSPort int    `json:"socksPort"`
}

// MaybeSandboxInit checks whether the current process was started in one of
// the in-sandbox roles. If so it runs that role and never returns; otherwise
// it returns false and the caller continues normally.
func MaybeSandboxInit() bool {
	if raw, ok := os.LookupEnv(forwardEnvKey); ok {
		osExitFn(runForwarder(raw))
		return true
	}
	raw, ok := os.LookupEnv(initEnvKey)
	if !ok {
		return false
	}
	osExitFn(sandboxInit(raw, os.Args[1:]))
	return true // unreachable
}

// sandboxInit runs inside bwrap. It starts the forwarder, locks the process
// down and execs argv. It only returns on failure.
func sandboxInit(raw string, argv []string) int {
	// prctl and the prctl flavour of seccomp are per-thread. This process
	// execs or exits, so the thread is never unlocked.
	runtime.LockOSThread()

	var cfg initConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "srt: decode init config: %v\n", err)
		return 1
	}
	if len(argv) == 0 {
		fmt.Fprintf(os.Stderr, "srt: no command to exec\n")
		return 1
	}

	// The forwarder must start before the filter is installed: it is not
	// a descendant of the filtered process and keeps AF_UNIX access.
	if cfg.Forward != nil {
		if err := startForwarderFn(cfg.Forward); err != nil {
			fmt.Fprintf(os.Stderr, "srt: proxy forwarder: %v\n", err)
			return 1
		}
	}

	if err := hardenProcessFn(); err != nil {
		fmt.Fprintf(os.Stderr, "srt: harden: %v\n", err)
		return 1
	}

	if cfg.SeccompPath != "" {
		raw, err := readProgramFn(cfg.SeccompPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "srt: seccomp: %v\n", err)
			return 1
		}
		arch := cfg.SeccompArch
		if arch == "" {
			arch = runtime.GOARCH
		}
		if err := loadSeccompFn(&seccomp.Program{Arch: arch, Instructions: raw}); err != nil {
			fmt.Fprintf(os.Stderr, "srt: seccomp: %v\n", err)
			return 1
		}
	}

	path, err := lookPathFn(argv[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "srt: %v\n", err)
		return 127
	}

	env := envutil.Without(os.Environ(), roleEnvPrefix)
	if err := syscallExecFn(path, argv, env); err != nil {
		fmt.Fprintf(os.Stderr, "srt: exec %s: %v\n", argv[0], err)
		return 126
	}
	return 0 // unreachable
}

// startForwarder re-executes the srt binary as the forwarder and waits for
// its ready line.
func startForwarder(fc *forwardConfig) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return err
	}

	cmd := exec.Command(exe)
	cmd.Env = append(envutil.Without(os.Environ(), roleEnvPrefix), forwardEnvKey+"="+string(data))
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	// The forwarder lives until the pid namespace is torn down.
	go func() { _ = cmd.Wait() }()

	ready := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(stdout).ReadString('\n')
		if err != nil {
			ready <- fmt.Errorf("forwarder exited before ready: %w", err)
			return
		}
		if strings.TrimSpace(line) != forwarderReadyLine {
			ready <- fmt.Errorf("forwarder: unexpected output %q", line)
			return
		}
		ready <- nil
	}()

	select {
	case err := <-ready:
		if err != nil {
			_ = cmd.Process.Kill()
		}
		return err
	case <-time.After(forwarderReadyTimeout):
		_ = cmd.Process.Kill()
		return errors.New("forwarder not ready after " + forwarderReadyTimeout.String())
	}
}

// runForwarder serves 127.0.0.1:<port> inside the sandbox network namespace
// and relays every connection to the matching host bridge socket.
func runForwarder(raw string) int {
	var fc forwardConfig
	if err := json.Unmarshal([]byte(raw), &fc); err != nil {
		fmt.Fprintf(os.Stderr, "srt: decode forward config: %v\n", err)
		return 1
	}
	pair, err := newForwarderPair(&fc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srt: %v\n", err)
		return 1
	}
	if err := pair.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "srt: %v\n", err)
		return 1
	}
	if err := signalReady(os.Stdout); err != nil {
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	<-sigCh
	_ = pair.Shutdown(time.Second)
	return 0
}

// newForwarderPair builds the in-sandbox TCP to Unix bridges.
func newForwarderPair(fc *forwardConfig) (*proxy.BridgePair, error) {
	if fc.SocketDir == "" || fc.HTTPPort <= 0 || fc.SOCKSPort <= 0 {
		return nil, fmt.Errorf("forwarder: incomplete config %+v", *fc)
	}
	loopback := func(port int) string {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	}
	return proxy.NewBridgePair(
		proxy.BridgeConfig{
			Listen: proxy.TCP(loopback(fc.HTTPPort)),
			Target: proxy.Unix(filepath.Join(fc.SocketDir, proxy.HTTPSocketName)),
			Label:  "http-forward",
		},
		proxy.BridgeConfig{
			Listen: proxy.TCP(loopback(fc.SOCKSPort)),
			Target: proxy.Unix(filepath.Join(fc.SocketDir, proxy.SOCKSSocketName)),
			Label:  "socks-forward",
		},
	)
}

// signalReady writes the ready line and closes w so the reader sees EOF
// after it.
func signalReady(w io.WriteCloser) error {
	if _, err := io.WriteString(w, forwarderReadyLine+"\n"); err != nil {
		return err
	}
	return w.Close()
}
