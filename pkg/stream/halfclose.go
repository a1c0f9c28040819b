package stream

import "fmt"

// Direction identifies one half of a bidirectional stream for half-close
// purposes: a RELAY_END in one direction only silences that direction,
// per tor-spec.txt §6.2 (a stream may be half-closed while data still
// flows the other way, e.g. an HTTP response draining after the request
// body has been fully sent).
type Direction int

const (
	// DirectionRead is the relay-to-client half of the stream.
	DirectionRead Direction = iota
	// DirectionWrite is the client-to-relay half of the stream.
	DirectionWrite
)

const (
	// StateHalfClosedRead means the peer has ended its side (no more
	// inbound data will arrive) but this side may still send.
	StateHalfClosedRead State = iota + 100
	// StateHalfClosedWrite means this side has ended its outbound half
	// (no more data will be sent) but inbound data may still arrive.
	StateHalfClosedWrite
)

func init() {
	// Extend String() behavior for the half-closed states without
	// touching the switch in stream.go; stateName is consulted first.
	stateNames[StateHalfClosedRead] = "HALF_CLOSED_READ"
	stateNames[StateHalfClosedWrite] = "HALF_CLOSED_WRITE"
}

var stateNames = map[State]string{}

// CloseRead half-closes the read side: further ReceiveData calls fail,
// but Send/SendData keep working unless the write side is also closed.
func (s *Stream) CloseRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State {
	case StateHalfClosedWrite, StateClosed, StateFailed:
		return nil
	case StateHalfClosedRead:
		return nil
	}
	s.State = StateHalfClosedRead
	s.logger.Debug("Stream half-closed (read)", "stream_id", s.ID)
	return nil
}

// CloseWrite half-closes the write side: Send/SendData start failing with
// io.EOF, but inbound data already in flight may still be delivered via
// ReceiveData until the peer ends its own half.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.State {
	case StateHalfClosedRead, StateClosed, StateFailed:
		return nil
	case StateHalfClosedWrite:
		return nil
	}
	s.State = StateHalfClosedWrite
	s.logger.Debug("Stream half-closed (write)", "stream_id", s.ID)
	return nil
}

// IsHalfClosed reports whether either half of the stream has ended.
func (s *Stream) IsHalfClosed() bool {
	state := s.GetState()
	return state == StateHalfClosedRead || state == StateHalfClosedWrite
}

// commandChecker is a per-state allow-list for inbound RELAY commands,
// modeled as spec.md §9 prefers: a closed set of named checks rather than
// an open switch scattered across the reactor. A full reactor-owned
// streamTable (pkg/circuit's event loop) consults this before delivering
// an inbound cell to a stream's receive queue; a cell the current state
// doesn't allow is a protocol violation rather than silently accepted
// data.
type commandChecker struct {
	allowed map[string]bool
}

// newCommandChecker builds the allow-list for state.
func newCommandChecker(state State) *commandChecker {
	switch state {
	case StateNew, StateConnecting:
		return &commandChecker{allowed: map[string]bool{"connected": true, "end": true}}
	case StateConnected:
		return &commandChecker{allowed: map[string]bool{"data": true, "sendme": true, "end": true}}
	case StateHalfClosedRead:
		// Peer already ended its side; only a redundant END is legal.
		return &commandChecker{allowed: map[string]bool{"end": true}}
	case StateHalfClosedWrite:
		// We ended our side but the peer may still deliver trailing data.
		return &commandChecker{allowed: map[string]bool{"data": true, "sendme": true, "end": true}}
	default:
		return &commandChecker{allowed: map[string]bool{}}
	}
}

// Check reports whether cmd is legal to receive in this checker's state.
func (c *commandChecker) Check(cmd string) error {
	if c.allowed[cmd] {
		return nil
	}
	return fmt.Errorf("relay command %q not allowed in this stream state", cmd)
}

// CheckInboundCommand validates cmd against the stream's current state,
// per spec.md §8's requirement that an unexpected inbound command is a
// protocol violation, not data to silently forward.
func (s *Stream) CheckInboundCommand(cmd string) error {
	return newCommandChecker(s.GetState()).Check(cmd)
}
