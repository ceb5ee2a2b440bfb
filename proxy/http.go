package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default timeouts for the HTTP proxy.
const (
	defaultDialTimeout = 10 * time.Second
	defaultIdleTimeout = 60 * time.Second
)

// maxRequestBodySize is the maximum allowed size for incoming request bodies
// forwarded through the HTTP proxy (10 MB).
const maxRequestBodySize = 10 << 20

// hopByHopHeaders lists the hop-by-hop headers that must be removed when
// forwarding HTTP requests through the proxy.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPConfig configures the HTTP proxy server.
type HTTPConfig struct {
	// Policy decides which destinations are reachable. A nil Policy denies
	// everything.
	Policy *Policy

	// DialTimeout is the timeout for establishing outbound connections.
	// Defaults to 10s if zero.
	DialTimeout time.Duration

	// IdleTimeout is the idle timeout for the proxy HTTP server.
	// Defaults to 60s if zero.
	IdleTimeout time.Duration

	// MaxRequestBodySize is the maximum allowed size in bytes for incoming
	// request bodies. Defaults to maxRequestBodySize (10 MB) if zero.
	MaxRequestBodySize int64

	// OnDeny, if set, is called for every refused destination.
	OnDeny func(host string, port int)

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// HTTPProxy is an HTTP/HTTPS proxy server that supports both regular HTTP
// proxying and CONNECT tunneling for HTTPS.
type HTTPProxy struct {
	config    *HTTPConfig
	policy    *Policy
	server    *http.Server
	dialer    *net.Dialer
	transport *http.Transport
	addr      net.Addr
	mu        sync.Mutex
	tunnels   map[net.Conn]struct{}

	// dialFunc is the function used to establish outbound connections.
	// Both the HTTP transport and the CONNECT handler use it.
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	// resolver is the DNS resolver used by dialContextWithIPCheck.
	// Can be overridden for testing.
	resolver *net.Resolver
}

// NewHTTPProxy creates a new HTTPProxy with the given configuration.
// If cfg is nil, default settings are used.
func NewHTTPProxy(cfg *HTTPConfig) *HTTPProxy {
	if cfg == nil {
		cfg = &HTTPConfig{}
	}

	resolved := *cfg
	if resolved.DialTimeout == 0 {
		resolved.DialTimeout = defaultDialTimeout
	}
	if resolved.IdleTimeout == 0 {
		resolved.IdleTimeout = defaultIdleTimeout
	}
	if resolved.MaxRequestBodySize <= 0 {
		resolved.MaxRequestBodySize = maxRequestBodySize
	}
	if resolved.Logger == nil {
		resolved.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	policy := resolved.Policy
	if policy == nil {
		policy, _ = NewPolicy(nil)
	}

	p := &HTTPProxy{
		config:   &resolved,
		policy:   policy,
		dialer:   &net.Dialer{Timeout: resolved.DialTimeout},
		resolver: net.DefaultResolver,
		tunnels:  make(map[net.Conn]struct{}),
	}

	p.dialFunc = p.dialContextWithIPCheck

	p.transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.dialFunc(ctx, network, addr)
		},
		DisableKeepAlives: true,
	}

	return p
}

// ListenAndServe starts the proxy server on the given address.
// The address format is "host:port" (e.g., "127.0.0.1:0" for a random port).
// It returns the actual address the server is listening on.
func (p *HTTPProxy) ListenAndServe(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen: %w", err)
	}
	return p.Serve(ln), nil
}

// Serve starts serving on an existing listener and returns its address.
func (p *HTTPProxy) Serve(ln net.Listener) net.Addr {
	srv := &http.Server{
		Handler:           p,
		IdleTimeout:       p.config.IdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.config.Logger.Handler(), slog.LevelDebug),
	}

	p.mu.Lock()
	p.addr = ln.Addr()
	p.server = srv
	p.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.config.Logger.Error("proxy server error", "error", err)
		}
	}()

	return ln.Addr()
}

// Shutdown stops the proxy. CONNECT tunnels are closed immediately; plain
// requests get until ctx expires to finish before their connections are
// closed as well.
func (p *HTTPProxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	for c := range p.tunnels {
		_ = c.Close()
	}
	p.mu.Unlock()

	if srv == nil {
		return nil
	}

	p.transport.CloseIdleConnections()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// Addr returns the address the proxy server is listening on.
// Returns nil if the server has not been started.
func (p *HTTPProxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// ServeHTTP dispatches incoming requests to the appropriate handler based on
// the HTTP method. CONNECT requests are handled as HTTPS tunnels; all other
// requests are forwarded as regular HTTP proxy requests.
func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// checkTarget parses hostport and applies the policy. On refusal it writes
// the response and returns ok=false.
func (p *HTTPProxy) checkTarget(w http.ResponseWriter, hostport, defaultPort string) (host, port string, ok bool) {
	host, port, err := parseHostPort(hostport, defaultPort)
	if err != nil {
		http.Error(w, fmt.Sprintf("proxy: invalid host: %s", err), http.StatusBadRequest)
		return "", "", false
	}

	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 1 || portNum > 65535 {
		http.Error(w, fmt.Sprintf("proxy: invalid port %q", port), http.StatusBadRequest)
		return "", "", false
	}

	if p.policy.Decide(host) != Allow {
		p.config.Logger.Info("request denied by policy", "host", host, "port", portNum)
		if p.config.OnDeny != nil {
			p.config.OnDeny(host, portNum)
		}
		http.Error(w, "proxy: request denied by policy", http.StatusForbidden)
		return "", "", false
	}
	return host, port, true
}

// handleHTTP forwards a regular HTTP request through the proxy.
func (p *HTTPProxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, p.config.MaxRequestBodySize)

	if r.URL.Host == "" {
		http.Error(w, "proxy: missing host in request URL", http.StatusBadRequest)
		return
	}

	host, _, ok := p.checkTarget(w, r.URL.Host, "80")
	if !ok {
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		p.config.Logger.Error("upstream request failed", "host", host, "error", err)
		if errors.Is(err, errResolvedDenied) {
			http.Error(w, "proxy: request denied by policy", http.StatusForbidden)
			return
		}
		http.Error(w, "proxy: upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		p.config.Logger.Debug("http: response body copy error", "err", err)
	}
}

// handleConnect handles CONNECT requests for HTTPS tunneling.
func (p *HTTPProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, port, ok := p.checkTarget(w, r.Host, "443")
	if !ok {
		return
	}

	targetAddr := net.JoinHostPort(host, port)
	targetConn, err := p.dialFunc(r.Context(), "tcp", targetAddr)
	if err != nil {
		p.config.Logger.Error("CONNECT dial failed", "target", targetAddr, "error", err)
		if errors.Is(err, errResolvedDenied) {
			http.Error(w, "proxy: request denied by policy", http.StatusForbidden)
			return
		}
		http.Error(w, "proxy: dial target failed", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		_ = targetConn.Close()
		http.Error(w, "proxy: hijacking not supported", http.StatusInternalServerError)
		return
	}

	// Hijack before sending 200 to avoid a race between WriteHeader and Hijack.
	clientConn, bufRW, err := hijacker.Hijack()
	if err != nil {
		_ = targetConn.Close()
		p.config.Logger.Error("proxy: hijack failed", "error", err)
		return
	}
	p.trackTunnel(clientConn, true)
	defer p.trackTunnel(clientConn, false)

	_, _ = bufRW.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	_ = bufRW.Flush()

	// bufRW.Reader may already hold bytes the client sent after the
	// CONNECT line.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer func() { _ = targetConn.Close() }()
		defer func() { _ = clientConn.Close() }()
		if _, err := io.Copy(targetConn, bufRW); err != nil {
			p.config.Logger.Debug("http: CONNECT copy error (client→target)", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer func() { _ = clientConn.Close() }()
		defer func() { _ = targetConn.Close() }()
		if _, err := io.Copy(clientConn, targetConn); err != nil {
			p.config.Logger.Debug("http: CONNECT copy error (target→client)", "err", err)
		}
	}()
	wg.Wait()
}

func (p *HTTPProxy) trackTunnel(c net.Conn, add bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if add {
		p.tunnels[c] = struct{}{}
	} else {
		delete(p.tunnels, c)
	}
}

// errResolvedDenied marks a dial refused because of the resolved address.
var errResolvedDenied = errors.New("proxy: resolved address denied by policy")

// dialContextWithIPCheck resolves the host, checks every resolved address
// against the policy and dials them in order until one connects. Dialing the checked address
// prevents DNS rebinding between the check and the connect.
func (p *HTTPProxy) dialContextWithIPCheck(ctx context.Context, network, addr string) (net.Conn, error) {
	return dialChecked(ctx, p.dialer, p.resolver, p.policy, network, addr)
}

func dialChecked(ctx context.Context, d *net.Dialer, r *net.Resolver, policy *Policy, network, addr string) (net.Conn, error) {
	host, port, err := parseHostPort(addr, "")
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid address %q: %w", addr, err)
	}

	// IP literals were already decided against explicit IP entries.
	if _, ok := parseAddr(host); ok {
		return d.DialContext(ctx, network, addr)
	}

	ips, err := resolveChecked(ctx, r, policy, host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range ips {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// resolveChecked looks up host and fails if any address is refused by
// AllowResolved.
func resolveChecked(ctx context.Context, r *net.Resolver, policy *Policy, host string) ([]netip.Addr, error) {
	ips, err := r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("proxy: DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("proxy: no IP addresses found for %q", host)
	}
	for _, ip := range ips {
		if !policy.AllowResolved(ip) {
			return nil, fmt.Errorf("%w: %s resolved to %s", errResolvedDenied, host, ip)
		}
	}
	return ips, nil
}

// parseHostPort splits a host:port string. If no port is present, defaultPort
// is used. It handles IPv6 addresses in bracket notation (e.g., [::1]:80).
func parseHostPort(hostport, defaultPort string) (host, port string, err error) {
	if hostport == "" {
		return "", "", errors.New("empty address")
	}

	host, port, err = net.SplitHostPort(hostport)
	if err != nil {
		if defaultPort == "" {
			return "", "", fmt.Errorf("missing port in address %q", hostport)
		}
		if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
			host = hostport[1 : len(hostport)-1]
		} else {
			host = hostport
		}
		port = defaultPort
	}

	if host == "" {
		return "", "", fmt.Errorf("empty host in address %q", hostport)
	}
	if port == "" {
		if defaultPort == "" {
			return "", "", fmt.Errorf("empty port in address %q", hostport)
		}
		port = defaultPort
	}

	return host, port, nil
}

// removeHopByHopHeaders removes hop-by-hop headers, including any named in
// the Connection header.
func removeHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
