package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// startTestProxy creates and starts an HTTP proxy with the given policy.
func startTestProxy(t *testing.T, cfg *PolicyConfig) *HTTPProxy {
	t.Helper()
	p := NewHTTPProxy(&HTTPConfig{
		Policy:      mustPolicy(t, cfg),
		DialTimeout: 5 * time.Second,
		IdleTimeout: 5 * time.Second,
	})
	if _, err := p.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start proxy: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func proxyClient(p *HTTPProxy) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(&url.URL{Scheme: "http", Host: p.Addr().String()}),
			DisableKeepAlives: true,
		},
		Timeout: 5 * time.Second,
	}
}

// loopbackAllow allows the httptest server address explicitly by IP.
var loopbackAllow = &PolicyConfig{AllowedDomains: []string{"127.0.0.1"}}

// sendConnect writes a raw CONNECT request and returns the response status
// line and the connection.
func sendConnect(t *testing.T, proxyAddr, target string) (string, net.Conn) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	return strings.TrimSpace(line), conn
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewHTTPProxy_Defaults(t *testing.T) {
	p := NewHTTPProxy(nil)
	if p.config.DialTimeout != defaultDialTimeout {
		t.Errorf("DialTimeout = %v, want %v", p.config.DialTimeout, defaultDialTimeout)
	}
	if p.config.IdleTimeout != defaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", p.config.IdleTimeout, defaultIdleTimeout)
	}
	if p.config.MaxRequestBodySize != maxRequestBodySize {
		t.Errorf("MaxRequestBodySize = %d, want %d", p.config.MaxRequestBodySize, maxRequestBodySize)
	}
	if p.config.Logger == nil || p.policy == nil || p.resolver == nil {
		t.Error("defaults not filled in")
	}
	if p.Addr() != nil {
		t.Errorf("Addr() before start = %v, want nil", p.Addr())
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown before start: %v", err)
	}
}

// TestHTTPProxy_ForwardAllowed verifies an allowed plain HTTP request is
// forwarded and its response relayed.
func TestHTTPProxy_ForwardAllowed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Proxy-Connection") != "" {
			t.Errorf("hop-by-hop header forwarded")
		}
		w.Header().Set("X-Backend", "yes")
		_, _ = io.WriteString(w, "hello")
	}))
	defer backend.Close()

	p := startTestProxy(t, loopbackAllow)
	req, _ := http.NewRequest(http.MethodGet, backend.URL, nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	resp, err := proxyClient(p).Do(req)
	if err != nil {
		t.Fatalf("GET through proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if string(body) != "hello" {
		t.Errorf("body = %q, want hello", body)
	}
	if resp.Header.Get("X-Backend") != "yes" {
		t.Error("response header not relayed")
	}
}

// TestHTTPProxy_DeniedHTTP verifies a denied request gets 403 and never
// reaches the backend.
func TestHTTPProxy_DeniedHTTP(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { hits.Add(1) }))
	defer backend.Close()

	var (
		mu     sync.Mutex
		denied []string
	)
	p := NewHTTPProxy(&HTTPConfig{
		Policy: mustPolicy(t, &PolicyConfig{AllowedDomains: []string{"*.example.com"}}),
		OnDeny: func(host string, port int) {
			mu.Lock()
			defer mu.Unlock()
			denied = append(denied, fmt.Sprintf("%s:%d", host, port))
		},
	})
	if _, err := p.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	resp, err := proxyClient(p).Get(backend.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("backend hit %d times, want 0", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(denied) != 1 || !strings.HasPrefix(denied[0], "127.0.0.1:") {
		t.Errorf("OnDeny calls = %v", denied)
	}
}

// TestHTTPProxy_ConnectAllowed verifies a CONNECT tunnel relays bytes both
// ways.
func TestHTTPProxy_ConnectAllowed(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_, _ = io.Copy(c, c)
	}()

	p := startTestProxy(t, loopbackAllow)
	status, conn := sendConnect(t, p.Addr().String(), ln.Addr().String())
	if !strings.Contains(status, "200") {
		t.Fatalf("CONNECT status = %q, want 200", status)
	}
	// Skip the blank line after the status line.
	r := bufio.NewReader(conn)
	if _, err := io.WriteString(conn, "ping\n"); err != nil {
		t.Fatal(err)
	}
	var got string
	for got == "" || got == "\r\n" {
		got, err = r.ReadString('\n')
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
	}
	if got != "ping\n" {
		t.Errorf("echo = %q, want ping", got)
	}
}

func TestHTTPProxy_ConnectDenied(t *testing.T) {
	p := startTestProxy(t, &PolicyConfig{AllowedDomains: []string{"*.example.com"}})
	for _, target := range []string{"evil.com:443", "127.0.0.1:22", "example.com:443"} {
		status, _ := sendConnect(t, p.Addr().String(), target)
		if !strings.Contains(status, "403") {
			t.Errorf("CONNECT %s status = %q, want 403", target, status)
		}
	}
}

// TestHTTPProxy_ResolvedAddress verifies that an allowed name is reached
// whatever it resolves to, unless the address matches a denied IP entry.
func TestHTTPProxy_ResolvedAddress(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "local")
	}))
	defer backend.Close()
	_, port, _ := net.SplitHostPort(backend.Listener.Addr().String())
	target := "http://localhost:" + port + "/"

	tests := []struct {
		name       string
		cfg        *PolicyConfig
		wantStatus int
	}{
		{
			name:       "allowed name on loopback",
			cfg:        &PolicyConfig{AllowedDomains: []string{"localhost"}},
			wantStatus: http.StatusOK,
		},
		{
			name: "denied resolved address",
			cfg: &PolicyConfig{
				AllowedDomains: []string{"localhost"},
				DeniedDomains:  []string{"127.0.0.0/8", "::1"},
			},
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startTestProxy(t, tt.cfg)
			resp, err := proxyClient(p).Get(target)
			if err != nil {
				t.Fatalf("GET through proxy: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestHTTPProxy_InvalidRequests(t *testing.T) {
	p := startTestProxy(t, loopbackAllow)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"bad port", "127.0.0.1:99999", http.StatusBadRequest},
		{"zero port", "127.0.0.1:0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := sendConnect(t, p.Addr().String(), tt.target)
			if !strings.Contains(status, fmt.Sprint(tt.want)) {
				t.Errorf("status = %q, want %d", status, tt.want)
			}
		})
	}

	// A request with no absolute URL is not a proxy request.
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/just/a/path", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("relative URL status = %d, want 400", rec.Code)
	}
}

// nonHijackableResponseWriter is an http.ResponseWriter without Hijack.
type nonHijackableResponseWriter struct {
	header http.Header
	code   int
}

func (w *nonHijackableResponseWriter) Header() http.Header { return w.header }

func (w *nonHijackableResponseWriter) Write(b []byte) (int, error) { return len(b), nil }

func (w *nonHijackableResponseWriter) WriteHeader(code int) { w.code = code }

func TestHandleConnect_NoHijacker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	p := NewHTTPProxy(&HTTPConfig{Policy: mustPolicy(t, loopbackAllow)})
	w := &nonHijackableResponseWriter{header: http.Header{}}
	r := httptest.NewRequest(http.MethodConnect, "http://"+ln.Addr().String(), nil)
	r.Host = ln.Addr().String()
	p.ServeHTTP(w, r)
	if w.code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.code)
	}
}

// TestHTTPProxy_ShutdownClosesTunnels verifies Shutdown does not wait for
// open CONNECT tunnels.
func TestHTTPProxy_ShutdownClosesTunnels(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err == nil {
			// Hold the connection open without writing.
			_, _ = io.Copy(io.Discard, c)
			c.Close()
		}
	}()

	p := NewHTTPProxy(&HTTPConfig{Policy: mustPolicy(t, loopbackAllow)})
	if _, err := p.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	status, conn := sendConnect(t, p.Addr().String(), ln.Addr().String())
	if !strings.Contains(status, "200") {
		t.Fatalf("CONNECT status = %q", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := p.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("Shutdown took %v", time.Since(start))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Error("tunnel still open after Shutdown")
			}
			break
		}
	}
}

func TestHTTPProxy_ConcurrentRequests(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer backend.Close()

	p := startTestProxy(t, loopbackAllow)
	client := proxyClient(p)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/r%d", i)
			resp, err := client.Get(backend.URL + path)
			if err != nil {
				t.Errorf("GET %s: %v", path, err)
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != path {
				t.Errorf("body = %q, want %q", body, path)
			}
		}(i)
	}
	wg.Wait()
}

func TestHTTPProxy_RequestBodySizeLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer backend.Close()

	p := NewHTTPProxy(&HTTPConfig{
		Policy:             mustPolicy(t, loopbackAllow),
		MaxRequestBodySize: 16,
	})
	if _, err := p.ListenAndServe("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown(context.Background())

	resp, err := proxyClient(p).Post(backend.URL, "text/plain", strings.NewReader(strings.Repeat("x", 1024)))
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			t.Error("oversized body forwarded with 200")
		}
	}
}

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		in, def    string
		host, port string
		wantErr    bool
	}{
		{"example.com:8080", "80", "example.com", "8080", false},
		{"example.com", "80", "example.com", "80", false},
		{"[::1]:443", "", "::1", "443", false},
		{"[::1]", "443", "::1", "443", false},
		{"example.com:", "80", "example.com", "80", false},
		{"example.com", "", "", "", true},
		{"", "80", "", "", true},
		{":80", "", "", "", true},
		{"example.com:", "", "", "", true},
	}
	for _, tt := range tests {
		host, port, err := parseHostPort(tt.in, tt.def)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseHostPort(%q, %q) error = %v, wantErr %v", tt.in, tt.def, err, tt.wantErr)
			continue
		}
		if host != tt.host || port != tt.port {
			t.Errorf("parseHostPort(%q, %q) = (%q, %q), want (%q, %q)", tt.in, tt.def, host, port, tt.host, tt.port)
		}
	}
}

func TestRemoveHopByHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom, Keep-Alive")
	h.Set("X-Custom", "1")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("Proxy-Authorization", "secret")
	h.Set("Content-Type", "text/plain")
	removeHopByHopHeaders(h)
	for _, k := range []string{"Connection", "X-Custom", "Keep-Alive", "Proxy-Authorization"} {
		if h.Get(k) != "" {
			t.Errorf("header %s not removed", k)
		}
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Error("end-to-end header removed")
	}
}

func TestDialChecked(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	d := &net.Dialer{Timeout: time.Second}

	allowed := mustPolicy(t, &PolicyConfig{AllowedDomains: []string{"localhost"}})
	conn, err := dialChecked(context.Background(), d, net.DefaultResolver, allowed, "tcp", "localhost:"+port)
	if err != nil {
		t.Fatalf("dial allowed localhost: %v", err)
	}
	conn.Close()

	denied := mustPolicy(t, &PolicyConfig{
		AllowedDomains: []string{"localhost"},
		DeniedDomains:  []string{"127.0.0.0/8", "::1"},
	})
	_, err = dialChecked(context.Background(), d, net.DefaultResolver, denied, "tcp", "localhost:"+port)
	if !errors.Is(err, errResolvedDenied) {
		t.Errorf("dial localhost error = %v, want errResolvedDenied", err)
	}
	if _, err := dialChecked(context.Background(), d, net.DefaultResolver, allowed, "tcp", "no-port"); err == nil {
		t.Error("dial without port: expected error")
	}
}
