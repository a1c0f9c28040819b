package channel

import (
	"testing"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/logger"
)

func newTestChannel() *Channel {
	return &Channel{
		addr:     "127.0.0.1:9001",
		logger:   logger.NewDefault(),
		state:    StateOpen,
		circuits: make(map[uint32]chan *cell.Cell),
		sendCh:   make(chan *cell.Cell, sendQueueDepth),
		closeCh:  make(chan struct{}),
	}
}

func TestRegisterCircuit(t *testing.T) {
	ch := newTestChannel()
	inbound := make(chan *cell.Cell, circuitQueueDepth)

	if err := ch.RegisterCircuit(1, inbound); err != nil {
		t.Fatalf("RegisterCircuit failed: %v", err)
	}
	if err := ch.RegisterCircuit(1, inbound); err == nil {
		t.Error("expected error registering a duplicate circuit id")
	}
}

func TestRegisterCircuitNotOpen(t *testing.T) {
	ch := newTestChannel()
	ch.state = StateHandshaking

	if err := ch.RegisterCircuit(1, make(chan *cell.Cell, 1)); err == nil {
		t.Error("expected error registering on a non-open channel")
	}
}

func TestUnregisterCircuit(t *testing.T) {
	ch := newTestChannel()
	inbound := make(chan *cell.Cell, circuitQueueDepth)
	_ = ch.RegisterCircuit(1, inbound)

	ch.UnregisterCircuit(1)
	if err := ch.RegisterCircuit(1, inbound); err != nil {
		t.Errorf("expected re-registration after unregister to succeed, got %v", err)
	}

	// Unregistering an id that was never registered must not panic.
	ch.UnregisterCircuit(99)
}

func TestSendCellAfterClose(t *testing.T) {
	ch := newTestChannel()
	close(ch.closeCh)

	err := ch.SendCell(cell.NewCell(1, cell.CmdDestroy))
	if err == nil {
		t.Error("expected error sending on a closed channel")
	}
}

func TestChannelAccessors(t *testing.T) {
	ch := newTestChannel()
	ch.identity = []byte{1, 2, 3}
	ch.version = 5

	if ch.Address() != "127.0.0.1:9001" {
		t.Errorf("Address() = %s", ch.Address())
	}
	if ch.Version() != 5 {
		t.Errorf("Version() = %d", ch.Version())
	}
	if string(ch.Identity()) != "\x01\x02\x03" {
		t.Errorf("Identity() = %v", ch.Identity())
	}
	if ch.State() != StateOpen {
		t.Errorf("State() = %v, want StateOpen", ch.State())
	}
}
