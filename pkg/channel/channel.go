package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/connection"
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/runtime"
	"github.com/opd-ai/go-tor/pkg/runtime/production"
)

// State represents the lifecycle of a link-protocol Channel.
type State int

const (
	// StateHandshaking indicates the VERSIONS/CERTS/AUTH_CHALLENGE/NETINFO exchange is in progress.
	StateHandshaking State = iota
	// StateOpen indicates the channel is ready to multiplex circuit cells.
	StateOpen
	// StateClosed indicates the channel's underlying connection has been torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// clientLinkVersions are the link protocol versions this client offers during VERSIONS negotiation.
var clientLinkVersions = []uint16{4, 5}

const (
	handshakeTimeout  = 30 * time.Second
	sendQueueDepth    = 64
	circuitQueueDepth = 64
)

// Channel is a single TLS link to a relay, shared by every circuit that has
// that relay as a hop. One pair of reactor goroutines (sendLoop/recvLoop)
// owns the underlying connection; all other access goes through SendCell,
// RegisterCircuit, and UnregisterCircuit.
type Channel struct {
	conn     *connection.Connection
	identity []byte // relay Ed25519 identity key, bound during the CERTS exchange
	addr     string
	version  uint16
	logger   *logger.Logger

	mu       sync.RWMutex
	state    State
	circuits map[uint32]chan *cell.Cell

	sendCh    chan *cell.Cell
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Identity returns the relay's Ed25519 identity key validated during the CERTS exchange.
func (ch *Channel) Identity() []byte { return ch.identity }

// Address returns the relay address this channel is connected to.
func (ch *Channel) Address() string { return ch.addr }

// Version returns the negotiated link protocol version.
func (ch *Channel) Version() uint16 { return ch.version }

// Dial connects to a relay and performs the full link handshake using the
// production runtime, returning an open Channel with its reactor goroutines
// already running.
func Dial(ctx context.Context, addr string, expectedIdentity []byte, log *logger.Logger) (*Channel, error) {
	return DialWithRuntime(ctx, addr, expectedIdentity, log, production.New())
}

// DialWithRuntime is Dial, but sockets and the TLS handshake go through rt
// instead of net/crypto-tls directly. pkg/chanmgr threads its own rt
// (production by default, pkg/runtime/virtualtime in tests) through here so
// channel construction is generic over the runtime adapter per spec.md's
// component table, rather than hardwiring net.Dial.
func DialWithRuntime(ctx context.Context, addr string, expectedIdentity []byte, log *logger.Logger, rt runtime.Runtime) (*Channel, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("channel").With("address", addr)
	if rt == nil {
		rt = production.New()
	}

	cfg := connection.DefaultConfig(addr)
	conn := connection.New(cfg, log)
	if err := conn.ConnectWithRuntime(ctx, cfg, rt); err != nil {
		return nil, torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "dial relay", err)
	}

	ch := &Channel{
		conn:     conn,
		addr:     addr,
		logger:   log,
		state:    StateHandshaking,
		circuits: make(map[uint32]chan *cell.Cell),
		sendCh:   make(chan *cell.Cell, sendQueueDepth),
		closeCh:  make(chan struct{}),
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := ch.handshake(hctx, expectedIdentity); err != nil {
		conn.Close()
		return nil, err
	}

	ch.setState(StateOpen)
	go ch.recvLoop()
	go ch.sendLoop()

	log.Info("channel open", "identity", fmt.Sprintf("%x", ch.identity[:8]), "version", ch.version)
	return ch, nil
}

// RegisterCircuit binds a circuit id to the inbound cell queue its circuit
// reactor reads from. Cells arriving for unregistered ids are answered with
// a DESTROY instead of being delivered.
func (ch *Channel) RegisterCircuit(circID uint32, inbound chan *cell.Cell) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != StateOpen {
		return torerrors.NewKind(torerrors.KindReactorShuttingDown, torerrors.RetryNever, "channel is not open")
	}
	if _, exists := ch.circuits[circID]; exists {
		return torerrors.NewKind(torerrors.KindBadAPIUsage, torerrors.RetryNever, "circuit id already registered on this channel")
	}
	ch.circuits[circID] = inbound
	return nil
}

// UnregisterCircuit removes a circuit's inbound cell routing. Safe to call
// on an id that was never registered or already removed.
func (ch *Channel) UnregisterCircuit(circID uint32) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	delete(ch.circuits, circID)
}

// SendCell queues a cell for transmission and returns once it is queued,
// not once it is written: sendLoop serializes all writes to the underlying
// TLS stream so a slow relay backs up the queue rather than corrupting it.
func (ch *Channel) SendCell(c *cell.Cell) error {
	select {
	case <-ch.closeCh:
		return torerrors.NewKind(torerrors.KindReactorShuttingDown, torerrors.RetryNever, "channel is closed")
	case ch.sendCh <- c:
		return nil
	}
}

func (ch *Channel) sendLoop() {
	for {
		select {
		case <-ch.closeCh:
			return
		case c := <-ch.sendCh:
			if err := ch.conn.SendCell(c); err != nil {
				ch.logger.Error("send failed, closing channel", "error", err)
				ch.Close()
				return
			}
		}
	}
}

func (ch *Channel) recvLoop() {
	for {
		c, err := ch.conn.ReceiveCell()
		if err != nil {
			ch.logger.Info("channel closed by remote", "error", err)
			ch.Close()
			return
		}
		if c.Command == cell.CmdPadding || c.Command == cell.CmdVPadding {
			continue
		}

		ch.mu.RLock()
		inbound, ok := ch.circuits[c.CircID]
		ch.mu.RUnlock()

		if !ok {
			ch.logger.Debug("cell for unregistered circuit, sending DESTROY", "circ_id", c.CircID)
			destroy := cell.NewCell(c.CircID, cell.CmdDestroy)
			destroy.Payload = []byte{0} // reason: NONE
			_ = ch.SendCell(destroy)
			continue
		}

		select {
		case inbound <- c:
		case <-ch.closeCh:
			return
		default:
			ch.logger.Warn("circuit inbound queue full, dropping cell", "circ_id", c.CircID, "command", c.Command)
		}
	}
}

// Close tears down the channel's connection and stops its reactor
// goroutines. Safe to call multiple times or concurrently.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.setState(StateClosed)
		close(ch.closeCh)
		ch.closeErr = ch.conn.Close()
		ch.logger.Info("channel closed")
	})
	return ch.closeErr
}

// State returns the channel's current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.state
}

func (ch *Channel) setState(s State) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.state = s
}
