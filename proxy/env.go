package proxy

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
)

// goos is the operating system identifier used for platform-specific logic.
// It defaults to runtime.GOOS and can be overridden in tests.
var goos = runtime.GOOS

// EnvConfig configures proxy environment variable generation.
type EnvConfig struct {
	// Host is the address the sandboxed process uses to reach the proxies.
	// Defaults to 127.0.0.1.
	Host string

	// HTTPProxyPort is the port number for the HTTP/CONNECT proxy.
	HTTPProxyPort int

	// SOCKSProxyPort is the port number for the SOCKS5 proxy.
	SOCKSProxyPort int

	// TmpDir overrides the TMPDIR environment variable if set.
	TmpDir string
}

const platformDarwin = "darwin"

// noProxyValue lists loopback destinations that never go through the proxy.
const noProxyValue = "localhost,127.0.0.1,::1"

// GenerateProxyEnv generates environment variables for proxy configuration.
// It returns a slice of "KEY=VALUE" strings suitable for use in exec.Cmd.Env.
func GenerateProxyEnv(cfg *EnvConfig) []string {
	if cfg == nil {
		return nil
	}

	host := cfg.Host
	if host == "" {
		host = DefaultBindHost
	}
	hostPort := func(port int) string {
		return net.JoinHostPort(host, strconv.Itoa(port))
	}

	env := []string{"SANDBOX_RUNTIME=1"}

	if cfg.TmpDir != "" {
		env = append(env, "TMPDIR="+cfg.TmpDir)
	}

	env = append(env,
		"NO_PROXY="+noProxyValue,
		"no_proxy="+noProxyValue,
	)

	if cfg.HTTPProxyPort > 0 {
		httpProxy := "http://" + hostPort(cfg.HTTPProxyPort)
		env = append(env,
			"HTTP_PROXY="+httpProxy,
			"http_proxy="+httpProxy,
			"HTTPS_PROXY="+httpProxy,
			"https_proxy="+httpProxy,
		)
	}

	if cfg.SOCKSProxyPort > 0 {
		socksAddr := hostPort(cfg.SOCKSProxyPort)
		socksProxy := "socks5h://" + socksAddr
		env = append(env,
			"ALL_PROXY="+socksProxy,
			"all_proxy="+socksProxy,
			"GRPC_PROXY="+socksProxy,
			"grpc_proxy="+socksProxy,
			"RSYNC_PROXY="+socksAddr,
		)

		// git over ssh: BSD nc on macOS, ncat elsewhere.
		var gitSSHCmd string
		if goos == platformDarwin {
			gitSSHCmd = fmt.Sprintf("ssh -o ProxyCommand='nc -X 5 -x %s %%h %%p'", socksAddr)
		} else {
			gitSSHCmd = fmt.Sprintf("ssh -o ProxyCommand='ncat --proxy-type socks5 --proxy %s %%h %%p'", socksAddr)
		}
		env = append(env, "GIT_SSH_COMMAND="+gitSSHCmd)
	}

	return env
}
