package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Default values for bridge configuration.
const (
	defaultBridgeMaxConns    = 100
	defaultBridgeDialTimeout = 5 * time.Second
	bridgeCopyBufSize        = 32 * 1024
)

// Endpoint is a network address a bridge listens on or dials.
type Endpoint struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is host:port for tcp and a socket path for unix.
	Address string
}

// TCP returns a tcp endpoint.
func TCP(addr string) Endpoint { return Endpoint{Network: "tcp", Address: addr} }

// Unix returns a unix socket endpoint.
func Unix(path string) Endpoint { return Endpoint{Network: "unix", Address: path} }

func (e Endpoint) String() string { return e.Network + ":" + e.Address }

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Listen is where the bridge accepts connections.
	Listen Endpoint

	// Target is where accepted connections are forwarded.
	Target Endpoint

	// Label is a descriptive label used in log messages.
	Label string

	// MaxConns is the maximum number of concurrent connections.
	// Defaults to 100 if zero.
	MaxConns int

	// DialTimeout is the timeout for dialing the target.
	// Defaults to 5s if zero.
	DialTimeout time.Duration

	// Logger is the structured logger. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Bridge relays byte streams between two endpoints. The Linux backend uses
// it in both directions: on the host a Unix socket in front of each proxy,
// and inside the sandbox a loopback TCP port in front of that socket.
type Bridge struct {
	config      BridgeConfig
	listener    net.Listener
	dialer      net.Dialer
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	sem         chan struct{}
	connMu      sync.Mutex
	activeConns map[net.Conn]struct{}
}

// NewBridge creates a new Bridge with the given configuration.
// Returns an error if required configuration fields are missing.
func NewBridge(cfg *BridgeConfig) (*Bridge, error) {
	if cfg == nil {
		return nil, errors.New("bridge: config is required")
	}
	if cfg.Listen.Address == "" || cfg.Listen.Network == "" {
		return nil, errors.New("bridge: listen endpoint is required")
	}
	if cfg.Target.Address == "" || cfg.Target.Network == "" {
		return nil, errors.New("bridge: target endpoint is required")
	}

	resolved := *cfg
	if resolved.MaxConns <= 0 {
		resolved.MaxConns = defaultBridgeMaxConns
	}
	if resolved.DialTimeout <= 0 {
		resolved.DialTimeout = defaultBridgeDialTimeout
	}
	if resolved.Logger == nil {
		resolved.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if resolved.Label == "" {
		resolved.Label = "bridge"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		config:      resolved,
		dialer:      net.Dialer{Timeout: resolved.DialTimeout},
		ctx:         ctx,
		cancel:      cancel,
		sem:         make(chan struct{}, resolved.MaxConns),
		activeConns: make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listening address once Start has succeeded.
func (b *Bridge) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Start begins listening and forwarding connections.
func (b *Bridge) Start() error {
	ln, err := b.listen()
	if err != nil {
		return err
	}
	b.listener = ln

	b.config.Logger.Debug("bridge started",
		"label", b.config.Label,
		"listen", b.config.Listen.String(),
		"target", b.config.Target.String(),
	)

	b.wg.Add(1)
	go b.acceptLoop()

	return nil
}

func (b *Bridge) listen() (net.Listener, error) {
	ep := b.config.Listen
	if ep.Network != "unix" {
		ln, err := net.Listen(ep.Network, ep.Address)
		if err != nil {
			return nil, fmt.Errorf("bridge: listen on %s: %w", ep, err)
		}
		return ln, nil
	}

	// The socket lives in a private directory, so the window between
	// Remove and Listen is not reachable by other users.
	if err := os.Remove(ep.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("bridge: remove stale socket %s: %w", ep.Address, err)
	}
	ln, err := net.Listen("unix", ep.Address)
	if err != nil {
		return nil, fmt.Errorf("bridge: listen on %s: %w", ep, err)
	}
	if err := os.Chmod(ep.Address, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(ep.Address)
		return nil, fmt.Errorf("bridge: chmod socket %s: %w", ep.Address, err)
	}
	return ln, nil
}

// acceptLoop accepts incoming connections and dispatches them for
// forwarding.
func (b *Bridge) acceptLoop() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			b.config.Logger.Debug("bridge: accept error",
				"label", b.config.Label,
				"error", err,
			)
			return
		}

		select {
		case b.sem <- struct{}{}:
		case <-b.ctx.Done():
			_ = conn.Close()
			return
		}

		b.wg.Add(1)
		go b.handleConn(conn)
	}
}

// handleConn forwards a single connection to the target.
func (b *Bridge) handleConn(conn net.Conn) {
	defer b.wg.Done()
	defer func() { <-b.sem }()

	b.trackConn(conn, true)
	defer b.trackConn(conn, false)

	target, err := b.dialer.DialContext(b.ctx, b.config.Target.Network, b.config.Target.Address)
	if err != nil {
		b.config.Logger.Debug("bridge: dial target failed",
			"label", b.config.Label,
			"target", b.config.Target.String(),
			"error", err,
		)
		_ = conn.Close()
		return
	}
	b.trackConn(target, true)
	defer b.trackConn(target, false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		buf := make([]byte, bridgeCopyBufSize)
		if _, err := io.CopyBuffer(target, conn, buf); err != nil {
			b.config.Logger.Debug("bridge: copy error (client→target)", "err", err)
		}
		closeWrite(target)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, bridgeCopyBufSize)
		if _, err := io.CopyBuffer(conn, target, buf); err != nil {
			b.config.Logger.Debug("bridge: copy error (target→client)", "err", err)
		}
		closeWrite(conn)
	}()

	wg.Wait()
	_ = conn.Close()
	_ = target.Close()
}

// closeWrite half-closes c when the connection type supports it.
func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

// trackConn adds or removes a connection from the active set.
func (b *Bridge) trackConn(conn net.Conn, add bool) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if add {
		b.activeConns[conn] = struct{}{}
	} else {
		delete(b.activeConns, conn)
	}
}

// Shutdown stops accepting, waits up to timeout for active connections,
// then force-closes the rest. A unix listen socket is removed.
func (b *Bridge) Shutdown(timeout time.Duration) error {
	b.cancel()

	if b.listener != nil {
		_ = b.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		b.connMu.Lock()
		for conn := range b.activeConns {
			_ = conn.Close()
		}
		b.connMu.Unlock()

		b.config.Logger.Warn("bridge: force closed remaining connections",
			"label", b.config.Label,
		)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	if b.config.Listen.Network == "unix" {
		if err := os.Remove(b.config.Listen.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("bridge: remove socket %s: %w", b.config.Listen.Address, err)
		}
	}

	b.config.Logger.Debug("bridge stopped", "label", b.config.Label)
	return nil
}

// Socket file names inside the bridge directory.
const (
	HTTPSocketName  = "http-proxy.sock"
	SOCKSSocketName = "socks-proxy.sock"
)

// BridgePair manages the HTTP and SOCKS5 bridges together.
type BridgePair struct {
	HTTP  *Bridge
	SOCKS *Bridge
}

// NewBridgePair creates a pair of bridges with the given endpoints.
func NewBridgePair(httpCfg, socksCfg BridgeConfig) (*BridgePair, error) {
	if httpCfg.Label == "" {
		httpCfg.Label = "http-proxy"
	}
	if socksCfg.Label == "" {
		socksCfg.Label = "socks-proxy"
	}
	httpBridge, err := NewBridge(&httpCfg)
	if err != nil {
		return nil, fmt.Errorf("bridge pair: create http bridge: %w", err)
	}
	socksBridge, err := NewBridge(&socksCfg)
	if err != nil {
		return nil, fmt.Errorf("bridge pair: create socks bridge: %w", err)
	}
	return &BridgePair{HTTP: httpBridge, SOCKS: socksBridge}, nil
}

// NewHostBridgePair exposes the proxies at httpAddr and socksAddr as Unix
// sockets named HTTPSocketName and SOCKSSocketName inside socketDir.
func NewHostBridgePair(socketDir, httpAddr, socksAddr string, logger *slog.Logger) (*BridgePair, error) {
	if socketDir == "" {
		return nil, errors.New("bridge pair: socket dir is required")
	}
	return NewBridgePair(
		BridgeConfig{
			Listen: Unix(filepath.Join(socketDir, HTTPSocketName)),
			Target: TCP(httpAddr),
			Logger: logger,
		},
		BridgeConfig{
			Listen: Unix(filepath.Join(socketDir, SOCKSSocketName)),
			Target: TCP(socksAddr),
			Logger: logger,
		},
	)
}

// Start starts both bridges. If the HTTP bridge starts but the SOCKS5
// bridge fails, the HTTP bridge is shut down before returning the error.
func (bp *BridgePair) Start() error {
	if err := bp.HTTP.Start(); err != nil {
		return fmt.Errorf("bridge pair: start http: %w", err)
	}

	if err := bp.SOCKS.Start(); err != nil {
		_ = bp.HTTP.Shutdown(5 * time.Second)
		return fmt.Errorf("bridge pair: start socks: %w", err)
	}

	return nil
}

// Shutdown stops both bridges concurrently and joins their errors.
func (bp *BridgePair) Shutdown(timeout time.Duration) error {
	var (
		wg         sync.WaitGroup
		errH, errS error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errH = bp.HTTP.Shutdown(timeout)
	}()
	go func() {
		defer wg.Done()
		errS = bp.SOCKS.Shutdown(timeout)
	}()
	wg.Wait()
	return errors.Join(errH, errS)
}
