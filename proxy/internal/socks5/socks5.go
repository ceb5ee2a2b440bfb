// Package socks5 implements the subset of SOCKS5 (RFC 1928) the policy
// proxy needs: no-auth negotiation and the CONNECT command. BIND and UDP
// ASSOCIATE are refused with "command not supported".
package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
)

// SOCKS5 protocol constants.
const (
	socks5Version        = uint8(5)
	noAuth               = uint8(0)
	noAcceptable         = uint8(0xFF)
	connectCommand       = uint8(1)
	ipv4Address          = uint8(1)
	fqdnAddress          = uint8(3)
	ipv6Address          = uint8(4)
	successReply         = uint8(0)
	serverFailure        = uint8(1)
	ruleFailure          = uint8(2)
	hostUnreachable      = uint8(4)
	commandNotSupported  = uint8(7)
	addrTypeNotSupported = uint8(8)
)

// Reply codes exposed for callers that inspect client-side replies.
const (
	ReplySucceeded           = successReply
	ReplyGeneralFailure      = serverFailure
	ReplyNotAllowed          = ruleFailure
	ReplyHostUnreachable     = hostUnreachable
	ReplyCommandNotSupported = commandNotSupported
)

// errUnsupportedAddrType marks a request whose ATYP byte is unknown.
var errUnsupportedAddrType = errors.New("unsupported address type")

// AddrSpec holds the destination address from a SOCKS5 request.
type AddrSpec struct {
	FQDN string
	IP   net.IP
	Port int
}

// Host returns the FQDN if present, otherwise the IP in string form.
func (a *AddrSpec) Host() string {
	if a.FQDN != "" {
		return a.FQDN
	}
	if a.IP != nil {
		return a.IP.String()
	}
	return ""
}

// Address returns host:port suitable for dialing, bracketing IPv6.
func (a *AddrSpec) Address() string {
	return net.JoinHostPort(a.Host(), strconv.Itoa(a.Port))
}

func (a *AddrSpec) String() string {
	return a.Address()
}

// Request represents a parsed SOCKS5 client request.
type Request struct {
	Version  uint8
	Command  uint8
	DestAddr *AddrSpec
}

// RuleSet decides whether a request may proceed. It sees the destination
// exactly as the client sent it, before any name resolution.
type RuleSet interface {
	Allow(ctx context.Context, req *Request) (context.Context, bool)
}

// NameResolver resolves domain names to IP addresses.
type NameResolver interface {
	Resolve(ctx context.Context, name string) (context.Context, net.IP, error)
}

// Config for the SOCKS5 server.
type Config struct {
	Rules    RuleSet
	Resolver NameResolver
	Dial     func(ctx context.Context, network, addr string) (net.Conn, error)

	// OnError, if set, receives per-connection failures. Failures never
	// affect other connections.
	OnError func(err error)
}

// Server is a SOCKS5 server. Each accepted connection is handled on its own
// goroutine.
type Server struct {
	config *Config

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a server. Nil fields are replaced with permit-all rules, the
// system resolver and a plain dialer.
func New(conf *Config) *Server {
	if conf == nil {
		conf = &Config{}
	}
	if conf.Rules == nil {
		conf.Rules = PermitAll()
	}
	if conf.Resolver == nil {
		conf.Resolver = &DNSResolver{}
	}
	if conf.Dial == nil {
		var d net.Dialer
		conf.Dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config: conf,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve accepts connections on l until it is closed. It returns nil when
// the listener was closed.
func (s *Server) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.ServeConn(conn); err != nil && s.config.OnError != nil {
				s.config.OnError(err)
			}
		}()
	}
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close closes every in-flight connection and waits for their handlers to
// return or ctx to expire. Listeners passed to Serve are owned by the
// caller.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeConn handles a single SOCKS5 connection from greeting through
// proxying. The connection is closed before returning.
func (s *Server) ServeConn(conn net.Conn) error {
	defer conn.Close() //nolint:errcheck // best-effort close

	if err := negotiate(conn); err != nil {
		return err
	}

	req, err := readRequest(conn)
	if err != nil {
		code := serverFailure
		if errors.Is(err, errUnsupportedAddrType) {
			code = addrTypeNotSupported
		}
		_ = sendReply(conn, code)
		return fmt.Errorf("failed to read request: %w", err)
	}

	if req.Command != connectCommand {
		_ = sendReply(conn, commandNotSupported)
		return fmt.Errorf("unsupported command: %d", req.Command)
	}

	return s.handleConnect(conn, req)
}

// negotiate reads the client greeting and selects no-auth.
func negotiate(conn io.ReadWriter) error {
	version, err := readByte(conn)
	if err != nil {
		return fmt.Errorf("failed to read version: %w", err)
	}
	if version != socks5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", version)
	}
	nMethods, err := readByte(conn)
	if err != nil {
		return fmt.Errorf("failed to read nMethods: %w", err)
	}
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("failed to read methods: %w", err)
	}
	for _, m := range methods {
		if m == noAuth {
			_, err := conn.Write([]byte{socks5Version, noAuth})
			return err
		}
	}
	_, _ = conn.Write([]byte{socks5Version, noAcceptable})
	return errors.New("no acceptable auth method")
}

// handleConnect checks rules, resolves, dials and relays. Rules run before
// resolution so a denied name never reaches DNS.
func (s *Server) handleConnect(conn net.Conn, req *Request) error {
	ctx := s.ctx

	rCtx, ok := s.config.Rules.Allow(ctx, req)
	if !ok {
		_ = sendReply(conn, ruleFailure)
		return fmt.Errorf("connection to %s denied by rules", req.DestAddr)
	}
	ctx = rCtx

	dest := req.DestAddr
	dialAddr := dest.Address()
	if dest.FQDN != "" {
		rCtx, ip, err := s.config.Resolver.Resolve(ctx, dest.FQDN)
		if err != nil {
			_ = sendReply(conn, hostUnreachable)
			return fmt.Errorf("failed to resolve %q: %w", dest.FQDN, err)
		}
		ctx = rCtx
		// Dial the resolved address so the checked IP is the one used.
		dialAddr = (&AddrSpec{IP: ip, Port: dest.Port}).Address()
	}

	target, err := s.config.Dial(ctx, "tcp", dialAddr)
	if err != nil {
		_ = sendReply(conn, hostUnreachable)
		return fmt.Errorf("failed to dial %s: %w", dest, err)
	}
	defer target.Close() //nolint:errcheck // best-effort close

	if err := sendReply(conn, successReply); err != nil {
		return fmt.Errorf("failed to send success reply: %w", err)
	}

	relay(conn, target)
	return nil
}

// relay copies both directions and half-closes each side when its source
// hits EOF.
func relay(conn, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	halfClose := func(c net.Conn) {
		if cw, ok := c.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, conn)
		halfClose(target)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, target)
		halfClose(conn)
	}()
	wg.Wait()
}

// readRequest parses a SOCKS5 request.
func readRequest(conn io.Reader) (*Request, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read request header: %w", err)
	}
	if header[0] != socks5Version {
		return nil, fmt.Errorf("unsupported version in request: %d", header[0])
	}

	req := &Request{Version: header[0], Command: header[1]}
	addr := &AddrSpec{}

	switch header[3] {
	case ipv4Address:
		ip := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("failed to read IPv4 address: %w", err)
		}
		addr.IP = net.IP(ip)
	case fqdnAddress:
		n, err := readByte(conn)
		if err != nil {
			return nil, fmt.Errorf("failed to read FQDN length: %w", err)
		}
		fqdn := make([]byte, n)
		if _, err := io.ReadFull(conn, fqdn); err != nil {
			return nil, fmt.Errorf("failed to read FQDN: %w", err)
		}
		addr.FQDN = string(fqdn)
	case ipv6Address:
		ip := make([]byte, net.IPv6len)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("failed to read IPv6 address: %w", err)
		}
		addr.IP = net.IP(ip)
	default:
		return nil, fmt.Errorf("%w: %d", errUnsupportedAddrType, header[3])
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return nil, fmt.Errorf("failed to read port: %w", err)
	}
	addr.Port = int(binary.BigEndian.Uint16(port[:]))

	req.DestAddr = addr
	return req, nil
}

// sendReply writes a reply with a zero IPv4 bind address.
func sendReply(conn io.Writer, status uint8) error {
	_, err := conn.Write([]byte{
		socks5Version, status, 0x00, ipv4Address,
		0, 0, 0, 0,
		0, 0,
	})
	return err
}

func readByte(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// DNSResolver implements NameResolver with the system resolver.
type DNSResolver struct{}

// Resolve returns the first address for name.
func (d *DNSResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, name)
	if err != nil {
		return ctx, nil, err
	}
	if len(addrs) == 0 {
		return ctx, nil, fmt.Errorf("no addresses for %q", name)
	}
	return ctx, addrs[0].IP, nil
}

type permitAllRuleSet struct{}

func (p *permitAllRuleSet) Allow(ctx context.Context, _ *Request) (context.Context, bool) {
	return ctx, true
}

// PermitAll returns a RuleSet that allows every request.
func PermitAll() RuleSet {
	return &permitAllRuleSet{}
}
