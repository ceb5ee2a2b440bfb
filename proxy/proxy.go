package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultBindHost is the loopback address the proxies listen on unless the
// caller needs them reachable from a container network.
const DefaultBindHost = "127.0.0.1"

// shutdownTimeout bounds Close.
const shutdownTimeout = 5 * time.Second

// Proxy is the interface for the combined proxy server that provides
// both HTTP and SOCKS5 proxy functionality.
type Proxy interface {
	// Start binds both proxies on ephemeral ports of bindHost and returns
	// the ports. Both listeners are accepting when Start returns.
	Start(ctx context.Context, bindHost string) (httpPort, socksPort int, err error)

	// Close shuts down both proxies.
	Close() error
}

// Config configures the combined proxy server.
type Config struct {
	// Policy is shared by the HTTP and SOCKS5 front-ends. A nil Policy
	// denies everything.
	Policy *Policy

	// OnDeny, if set, is called for every refused destination.
	OnDeny func(host string, port int)

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Server combines HTTP and SOCKS5 proxies into a single unit.
// It implements the Proxy interface.
type Server struct {
	logger *slog.Logger
	http   *HTTPProxy
	socks5 *SOCKS5Proxy

	closeOnce sync.Once
	closeErr  error
}

// Compile-time check that Server implements Proxy.
var _ Proxy = (*Server)(nil)

// listenFn is overridden in tests.
var listenFn = func(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, "tcp", addr)
}

// NewServer creates a new Server with the given configuration.
// If cfg is nil, default configuration is used.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Server{
		logger: logger,
		http: NewHTTPProxy(&HTTPConfig{
			Policy: cfg.Policy,
			OnDeny: cfg.OnDeny,
			Logger: logger,
		}),
		socks5: NewSOCKS5Proxy(&SOCKS5Config{
			Policy: cfg.Policy,
			OnDeny: cfg.OnDeny,
			Logger: logger,
		}),
	}
}

// Start binds both listeners before serving either, so a bind failure
// leaves nothing running.
func (p *Server) Start(ctx context.Context, bindHost string) (httpPort, socksPort int, err error) {
	if p.http == nil || p.socks5 == nil {
		return 0, 0, errors.New("proxy: server not initialized")
	}
	if bindHost == "" {
		bindHost = DefaultBindHost
	}

	httpLn, err := listenFn(ctx, net.JoinHostPort(bindHost, "0"))
	if err != nil {
		return 0, 0, fmt.Errorf("proxy: start http: %w", err)
	}
	socksLn, err := listenFn(ctx, net.JoinHostPort(bindHost, "0"))
	if err != nil {
		_ = httpLn.Close()
		return 0, 0, fmt.Errorf("proxy: start socks5: %w", err)
	}

	httpPort = portFromAddr(p.http.Serve(httpLn))
	socksPort = portFromAddr(p.socks5.Serve(socksLn))

	p.logger.Info("proxy server started",
		"bind", bindHost,
		"http_port", httpPort,
		"socks5_port", socksPort,
	)

	return httpPort, socksPort, nil
}

// Close shuts down both HTTP and SOCKS5 proxies, closing in-flight
// connections. Errors from both shutdowns are joined. Calls after the
// first return the first result.
func (p *Server) Close() error {
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if p.http != nil {
			if err := p.http.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if p.socks5 != nil {
			if err := p.socks5.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("socks5 shutdown: %w", err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}

// portFromAddr extracts the port number from a net.Addr.
// Returns 0 if the address is nil or the port cannot be determined.
func portFromAddr(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	tcpAddr, ok := addr.(*net.TCPAddr)
	if ok {
		return tcpAddr.Port
	}
	return 0
}
