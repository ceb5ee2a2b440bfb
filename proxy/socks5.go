package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandboxrt/srt/proxy/internal/socks5"
)

// SOCKS5Config configures the SOCKS5 proxy server.
type SOCKS5Config struct {
	// Policy decides which destinations are reachable. A nil Policy denies
	// everything.
	Policy *Policy

	// DialTimeout bounds outbound connects. Defaults to 10s if zero.
	DialTimeout time.Duration

	// OnDeny, if set, is called for every refused destination.
	OnDeny func(host string, port int)

	// Logger is the structured logger for proxy events.
	// If nil, a no-op logger is used.
	Logger *slog.Logger
}

// SOCKS5Proxy is a SOCKS5 proxy server that applies a Policy to every
// CONNECT request. Names are resolved at the proxy (socks5h semantics) and
// the resolved addresses are checked before dialing.
type SOCKS5Proxy struct {
	config *SOCKS5Config
	server *socks5.Server
	logger *slog.Logger
	mu     sync.Mutex
	ln     net.Listener
	addr   net.Addr
	closed atomic.Bool
}

// policyRuleSet implements socks5.RuleSet on top of a Policy.
type policyRuleSet struct {
	policy *Policy
	onDeny func(host string, port int)
	logger *slog.Logger
}

// Allow applies the policy to the destination as the client sent it.
func (r *policyRuleSet) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	dest := req.DestAddr
	if dest == nil {
		r.logger.Warn("socks5: request with nil destination address, denying")
		return ctx, false
	}

	host := dest.Host()
	if host == "" {
		r.logger.Warn("socks5: request with empty host, denying")
		return ctx, false
	}

	if r.policy.Decide(host) != Allow {
		r.logger.Info("socks5: connection denied by policy", "host", host, "port", dest.Port)
		if r.onDeny != nil {
			r.onDeny(host, dest.Port)
		}
		return ctx, false
	}
	r.logger.Debug("socks5: connection allowed", "host", host, "port", dest.Port)
	return ctx, true
}

// policyResolver implements socks5.NameResolver. Every resolved address
// must pass Policy.AllowResolved.
type policyResolver struct {
	policy   *Policy
	logger   *slog.Logger
	resolver *net.Resolver
}

func (r *policyResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	ips, err := resolveChecked(ctx, r.resolver, r.policy, name)
	if err != nil {
		r.logger.Info("socks5: resolution refused", "name", name, "error", err)
		return ctx, nil, err
	}
	return ctx, net.IP(ips[0].AsSlice()), nil
}

// NewSOCKS5Proxy creates a new SOCKS5 proxy server with the given configuration.
func NewSOCKS5Proxy(cfg *SOCKS5Config) *SOCKS5Proxy {
	if cfg == nil {
		cfg = &SOCKS5Config{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := cfg.Policy
	if policy == nil {
		policy, _ = NewPolicy(nil)
	}
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	server := socks5.New(&socks5.Config{
		Rules:    &policyRuleSet{policy: policy, onDeny: cfg.OnDeny, logger: logger},
		Resolver: &policyResolver{policy: policy, logger: logger, resolver: net.DefaultResolver},
		Dial:     dialer.DialContext,
		OnError: func(err error) {
			logger.Debug("socks5: connection ended", "error", err)
		},
	})

	return &SOCKS5Proxy{
		config: cfg,
		server: server,
		logger: logger,
	}
}

// ListenAndServe starts the SOCKS5 proxy server listening on the given address.
// The server runs in a background goroutine. Use Shutdown to stop it.
func (p *SOCKS5Proxy) ListenAndServe(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return p.Serve(ln), nil
}

// Serve starts serving on an existing listener and returns its address.
func (p *SOCKS5Proxy) Serve(ln net.Listener) net.Addr {
	p.mu.Lock()
	p.ln = ln
	p.addr = ln.Addr()
	p.closed.Store(false)
	p.mu.Unlock()

	p.logger.Info("socks5: proxy started", "addr", ln.Addr().String())

	go func() {
		if err := p.server.Serve(ln); err != nil && !p.closed.Load() {
			p.logger.Debug("socks5: server stopped", "error", err)
		}
	}()

	return ln.Addr()
}

// Shutdown closes the listener and every in-flight connection, waiting for
// handlers until ctx expires.
func (p *SOCKS5Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	ln := p.ln
	if ln == nil {
		p.mu.Unlock()
		return nil
	}
	p.closed.Store(true)
	p.ln = nil
	p.mu.Unlock()

	p.logger.Info("socks5: proxy shutting down", "addr", ln.Addr().String())

	err := ln.Close()
	if cerr := p.server.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Addr returns the network address the proxy is listening on.
// Returns nil if the proxy has not been started.
func (p *SOCKS5Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}
