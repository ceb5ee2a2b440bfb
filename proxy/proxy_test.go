package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/proxy"
)

func startTestServer(t *testing.T, cfg *PolicyConfig) (*Server, int, int) {
	t.Helper()
	ps := NewServer(&Config{Policy: mustPolicy(t, cfg)})
	httpPort, socksPort, err := ps.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = ps.Close() })
	return ps, httpPort, socksPort
}

func TestNewServer_NilConfig(t *testing.T) {
	ps := NewServer(nil)
	if ps.http == nil || ps.socks5 == nil {
		t.Fatal("NewServer(nil) left a front-end nil")
	}
	if err := ps.Close(); err != nil {
		t.Errorf("Close before Start: %v", err)
	}
}

// TestServer_Start_BothListening verifies both ports accept connections as
// soon as Start returns.
func TestServer_Start_BothListening(t *testing.T) {
	_, httpPort, socksPort := startTestServer(t, &PolicyConfig{})
	if httpPort == 0 || socksPort == 0 || httpPort == socksPort {
		t.Fatalf("ports = %d/%d", httpPort, socksPort)
	}
	for _, port := range []int{httpPort, socksPort} {
		c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
		if err != nil {
			t.Errorf("port %d not listening: %v", port, err)
			continue
		}
		c.Close()
	}
}

// TestServer_Start_SecondBindFails verifies a failed SOCKS bind releases
// the HTTP listener and reports the error.
func TestServer_Start_SecondBindFails(t *testing.T) {
	var opened []net.Listener
	calls := 0
	orig := listenFn
	listenFn = func(ctx context.Context, addr string) (net.Listener, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("address in use")
		}
		ln, err := orig(ctx, addr)
		if err == nil {
			opened = append(opened, ln)
		}
		return ln, err
	}
	t.Cleanup(func() { listenFn = orig })

	ps := NewServer(nil)
	if _, _, err := ps.Start(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "socks5") {
		t.Fatalf("Start error = %v, want socks5 failure", err)
	}
	if len(opened) != 1 {
		t.Fatalf("opened %d listeners, want 1", len(opened))
	}
	if _, err := net.DialTimeout("tcp", opened[0].Addr().String(), time.Second); err == nil {
		t.Error("HTTP listener still open after failed Start")
	}
}

func TestServer_Start_BindHost(t *testing.T) {
	ps := NewServer(nil)
	defer ps.Close()
	if _, _, err := ps.Start(context.Background(), "203.0.113.1"); err == nil {
		t.Error("binding a foreign address succeeded")
	}
}

func TestServer_Close_Idempotent(t *testing.T) {
	ps, httpPort, _ := startTestServer(t, &PolicyConfig{})
	done := make(chan error, 1)
	go func() { done <- ps.Close() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("Close did not return within the shutdown bound")
	}
	if err := ps.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", httpPort), time.Second); err == nil {
		t.Error("http port still listening after Close")
	}
}

// TestServer_SharedPolicy verifies both front-ends apply the same rules.
func TestServer_SharedPolicy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer ts.Close()

	_, httpPort, socksPort := startTestServer(t, &PolicyConfig{
		AllowedDomains: []string{"127.0.0.1", "*.example.com"},
		DeniedDomains:  []string{"bad.example.com"},
	})

	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(&url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", httpPort)})},
		Timeout:   5 * time.Second,
	}
	resp, err := client.Get(ts.URL)
	if err != nil {
		t.Fatalf("HTTP via proxy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("allowed status = %d", resp.StatusCode)
	}
	resp, err = client.Get("http://bad.example.com/")
	if err != nil {
		t.Fatalf("HTTP via proxy: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("denied status = %d, want 403", resp.StatusCode)
	}

	dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", socksPort), nil, proxy.Direct)
	if err != nil {
		t.Fatal(err)
	}
	c, err := dialer.Dial("tcp", ts.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SOCKS allowed dial: %v", err)
	}
	c.Close()
	if c, err := dialer.Dial("tcp", "bad.example.com:443"); err == nil {
		c.Close()
		t.Error("SOCKS denied dial succeeded")
	}
}

func TestPortFromAddr(t *testing.T) {
	if portFromAddr(nil) != 0 {
		t.Error("nil addr")
	}
	if got := portFromAddr(&net.TCPAddr{Port: 8080}); got != 8080 {
		t.Errorf("TCPAddr port = %d", got)
	}
	if got := portFromAddr(&net.UnixAddr{Name: "/tmp/x"}); got != 0 {
		t.Errorf("UnixAddr port = %d", got)
	}
}
