// Package socks provides SOCKS5 proxy server functionality.
// This package implements a SOCKS5 server that routes connections through Tor circuits.
package socks

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/circuitmgr"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/pool"
	"github.com/opd-ai/go-tor/pkg/stream"
)

// maxRelayDataLen is the largest chunk of application data that fits in one
// RELAY_DATA cell (tor-spec.txt §6.1: a 509-byte payload minus the 11-byte
// relay header). conn.Read can return more than this per call, so relay
// below must split before handing data to circ.WriteToStream.
const maxRelayDataLen = cell.PayloadLen - cell.RelayCellHeaderLen

// SOCKS5 protocol constants (RFC 1928).
const (
	socks5Version = 0x05

	authNone = 0x00
	authNoAcceptable = 0xFF

	cmdConnect = 0x01
	cmdBind    = 0x02
	cmdUDP     = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyNotAllowed          = 0x02
	replyCommandNotSupported = 0x07
	replyAddrTypeNotSupported = 0x08
)

// Config holds the tunable behavior of a Server: connection isolation and
// the local-address policy applied to CONNECT targets.
type Config struct {
	MaxConnections      int                   // 0 means unlimited
	IsolationLevel      circuit.IsolationLevel
	IsolateDestinations bool
	IsolateSOCKSAuth    bool
	IsolateClientPort   bool
	AllowLocalAddrs     bool // if false, CONNECT targets resolving to loopback/private/link-local addresses are refused
}

// DefaultConfig returns a Config with isolation disabled, no connection cap,
// and local addresses refused.
func DefaultConfig() *Config {
	return &Config{}
}

// Server is a SOCKS5 listener that opens one Tor stream per CONNECT request.
type Server struct {
	addr           string
	circuitMgr     *circuit.Manager
	circuitPool    *pool.CircuitPool
	circuitManager *circuitmgr.Manager
	streamMgr      *stream.Manager
	logger         *logger.Logger
	config         *Config
	connSem        chan struct{}

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a SOCKS5 server listening on addr and routing connections
// through circuits from circuitMgr.
func NewServer(addr string, circuitMgr *circuit.Manager, log *logger.Logger) *Server {
	return NewServerWithConfig(addr, circuitMgr, log, &Config{})
}

// NewServerWithConfig creates a SOCKS5 server with explicit isolation and
// address-policy behavior (spec.md §6 address_filter.allow_local_addrs and
// the per-request isolation flags).
func NewServerWithConfig(addr string, circuitMgr *circuit.Manager, log *logger.Logger, cfg *Config) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("socks")

	if cfg == nil {
		cfg = &Config{}
	}

	var sem chan struct{}
	if cfg.MaxConnections > 0 {
		sem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		addr:       addr,
		circuitMgr: circuitMgr,
		streamMgr:  stream.NewManager(log),
		logger:     log,
		config:     cfg,
		connSem:    sem,
	}
}

// SetCircuitPool attaches a pre-built circuit pool; when set, CONNECT
// requests draw from it (honoring the configured isolation key) instead of
// building a fresh circuit per request.
func (s *Server) SetCircuitPool(p *pool.CircuitPool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitPool = p
}

// SetCircuitManager attaches the real circuit manager (coalesced builds,
// real CREATE2/EXTEND2 hops, isolation-aware pooling). When set, it takes
// priority over circuitPool and the legacy circuitMgr for every CONNECT
// request, since it is the only one of the three that actually extends
// circuits through real relays rather than simulating or id-allocating them.
func (s *Server) SetCircuitManager(m *circuitmgr.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitManager = m
}

// ListenAndServe accepts connections until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("socks: listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SOCKS5 server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				s.streamMgr.Close()
				return nil
			default:
				return fmt.Errorf("socks: accept: %w", err)
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn drives one client connection through its SOCKS5 lifecycle.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.connSem != nil {
		select {
		case s.connSem <- struct{}{}:
			defer func() { <-s.connSem }()
		default:
			s.logger.Warn("Rejecting connection: max connections reached", "max", s.config.MaxConnections)
			return
		}
	}

	if err := s.negotiateAuth(conn); err != nil {
		s.logger.Debug("SOCKS5 auth negotiation failed", "error", err)
		return
	}

	target, port, err := s.readRequest(conn)
	if err != nil {
		s.logger.Debug("SOCKS5 request parse failed", "error", err)
		s.writeReply(conn, replyGeneralFailure)
		return
	}

	if !s.config.AllowLocalAddrs && isLocalAddr(target) {
		s.logger.Warn("Refusing CONNECT to local address", "target", target, "port", port)
		s.writeReply(conn, replyNotAllowed)
		return
	}

	strm, circ, err := s.openStream(ctx, target, port, conn.RemoteAddr())
	if err != nil {
		s.logger.Warn("Failed to open Tor stream", "target", target, "port", port, "error", err)
		s.writeReply(conn, replyGeneralFailure)
		return
	}
	defer func() {
		circ.EndStream(strm.ID, 0) // nolint:errcheck
		s.streamMgr.RemoveStream(strm.ID)
	}()

	if err := s.writeReply(conn, replySucceeded); err != nil {
		return
	}

	s.relay(ctx, conn, strm, circ)
}

// negotiateAuth performs the SOCKS5 method-selection exchange, accepting
// only the no-authentication-required method.
func (s *Server) negotiateAuth(conn net.Conn) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("read version/nmethods: %w", err)
	}

	version, nmethods := header[0], int(header[1])
	if version != socks5Version {
		return fmt.Errorf("unsupported SOCKS version: %d", version)
	}

	methods := make([]byte, nmethods)
	if nmethods > 0 {
		if _, err := io.ReadFull(conn, methods); err != nil {
			return fmt.Errorf("read methods: %w", err)
		}
	}

	accepted := false
	for _, m := range methods {
		if m == authNone {
			accepted = true
			break
		}
	}

	if !accepted {
		conn.Write([]byte{socks5Version, authNoAcceptable})
		return fmt.Errorf("no acceptable auth method offered")
	}

	_, err := conn.Write([]byte{socks5Version, authNone})
	return err
}

// readRequest parses a SOCKS5 request and returns the connect target.
func (s *Server) readRequest(conn net.Conn) (target string, port uint16, err error) {
	header := make([]byte, 4)
	if _, err = io.ReadFull(conn, header); err != nil {
		return "", 0, fmt.Errorf("read request header: %w", err)
	}

	version, cmd, _, atyp := header[0], header[1], header[2], header[3]
	if version != socks5Version {
		return "", 0, fmt.Errorf("unsupported SOCKS version: %d", version)
	}
	if cmd != cmdConnect {
		return "", 0, fmt.Errorf("unsupported command: %d (only CONNECT is implemented)", cmd)
	}

	switch atyp {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read IPv4 address: %w", err)
		}
		target = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err = io.ReadFull(conn, addr); err != nil {
			return "", 0, fmt.Errorf("read IPv6 address: %w", err)
		}
		target = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenBuf); err != nil {
			return "", 0, fmt.Errorf("read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err = io.ReadFull(conn, domain); err != nil {
			return "", 0, fmt.Errorf("read domain: %w", err)
		}
		target = string(domain)
	default:
		return "", 0, fmt.Errorf("unsupported address type: %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err = io.ReadFull(conn, portBuf); err != nil {
		return "", 0, fmt.Errorf("read port: %w", err)
	}
	port = binary.BigEndian.Uint16(portBuf)

	return target, port, nil
}

// writeReply sends a SOCKS5 reply with a fixed IPv4 0.0.0.0:0 bound address,
// which is all a Tor client can honestly report (the relay never discloses
// the address it connected to on our behalf).
func (s *Server) writeReply(conn net.Conn, replyCode byte) error {
	reply := []byte{
		socks5Version,
		replyCode,
		0x00, // reserved
		atypIPv4,
		0, 0, 0, 0, // bound address
		0, 0, // bound port
	}
	_, err := conn.Write(reply)
	return err
}

// isLocalAddr reports whether target parses as a loopback, private, or
// link-local IP address. Domain names are never considered local.
func isLocalAddr(target string) bool {
	ip := net.ParseIP(target)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}

// isolationKeyFor builds the circuit-pool isolation key for one CONNECT
// request per the server's configured isolation flags, mirroring Tor's
// SOCKSPort IsolateDestAddr/IsolateClientPort options. Returns nil when
// isolation is disabled or no configured dimension applies.
func (s *Server) isolationKeyFor(target string, port uint16, clientAddr net.Addr) *circuit.IsolationKey {
	if s.config == nil || s.config.IsolationLevel == circuit.IsolationNone {
		return nil
	}

	key := circuit.NewIsolationKey(s.config.IsolationLevel)

	switch s.config.IsolationLevel {
	case circuit.IsolationDestination:
		if !s.config.IsolateDestinations {
			return nil
		}
		key.WithDestination(fmt.Sprintf("%s:%d", target, port))
	case circuit.IsolationPort:
		if !s.config.IsolateClientPort {
			return nil
		}
		tcpAddr, ok := clientAddr.(*net.TCPAddr)
		if !ok {
			return nil
		}
		key.WithSourcePort(uint16(tcpAddr.Port))
	default:
		// Credential/session isolation require a SOCKS5 username/password or
		// control-protocol token that negotiateAuth's no-auth-only exchange
		// never collects; fall back to an unisolated circuit rather than
		// build an invalid key.
		return nil
	}

	return key
}

// openStream obtains a circuit and opens a stream on it for target:port.
// It prefers the real circuit manager (real CREATE2/EXTEND2-built circuits,
// honoring isolation and the target port's exit policy) when attached, then
// the prebuilt pool, and falls back to legacy circuit-id allocation only
// when neither is configured.
func (s *Server) openStream(ctx context.Context, target string, port uint16, clientAddr net.Addr) (*stream.Stream, *circuit.Circuit, error) {
	var circ *circuit.Circuit
	var err error

	s.mu.Lock()
	circMgr := s.circuitManager
	circPool := s.circuitPool
	s.mu.Unlock()

	isolation := s.isolationKeyFor(target, port, clientAddr)

	switch {
	case circMgr != nil:
		circ, err = circMgr.GetCircuit(ctx, circuitmgr.PurposeGeneral, isolation, int(port))
	case circPool != nil:
		circ, err = circPool.GetWithIsolation(ctx, isolation)
	default:
		circ, err = s.circuitMgr.CreateCircuit()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("create circuit: %w", err)
	}

	strm, err := s.streamMgr.CreateStream(circ.ID, target, port)
	if err != nil {
		return nil, nil, fmt.Errorf("create stream: %w", err)
	}

	// Send RELAY_BEGIN over the circuit and wait for RELAY_CONNECTED before
	// telling the SOCKS client the connection succeeded; strm only tracks
	// bookkeeping (id, isolation, lifecycle state) from here on, the actual
	// bytes flow through circ.ReadFromStream/WriteToStream in relay below.
	if err := circ.OpenStream(strm.ID, target, port); err != nil {
		s.streamMgr.RemoveStream(strm.ID)
		return nil, nil, fmt.Errorf("open stream on circuit: %w", err)
	}

	strm.SetState(stream.StateConnected)
	return strm, circ, nil
}

// relay pumps bytes between the client connection and the Tor circuit's
// RELAY_DATA stream until either side closes or ctx is canceled.
func (s *Server) relay(ctx context.Context, conn net.Conn, strm *stream.Stream, circ *circuit.Circuit) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				for off := 0; off < n; off += maxRelayDataLen {
					end := off + maxRelayDataLen
					if end > n {
						end = n
					}
					chunk := make([]byte, end-off)
					copy(chunk, buf[off:end])
					if sendErr := circ.WriteToStream(strm.ID, chunk); sendErr != nil {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		data, err := circ.ReadFromStream(ctx, strm.ID)
		if err != nil {
			break
		}
		if _, werr := conn.Write(data); werr != nil {
			break
		}
	}

	strm.Close()
	<-done
}
