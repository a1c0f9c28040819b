package circuitmgr

import (
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/directory"
)

func TestPoolKey(t *testing.T) {
	noIso := poolKey(nil, PurposeGeneral)
	if noIso != "general|" {
		t.Errorf("poolKey(nil, general) = %q", noIso)
	}

	dest := circuit.NewIsolationKey(circuit.IsolationDestination).WithDestination("example.com:443")
	k1 := poolKey(dest, PurposeGeneral)
	k2 := poolKey(dest, PurposeDirectory)
	if k1 == k2 {
		t.Error("expected different purposes to map to different pool keys")
	}

	other := circuit.NewIsolationKey(circuit.IsolationDestination).WithDestination("other.com:443")
	if poolKey(dest, PurposeGeneral) == poolKey(other, PurposeGeneral) {
		t.Error("expected different isolation destinations to map to different pool keys")
	}
}

func TestHasOverlappingIdentity(t *testing.T) {
	distinct := []*directory.Relay{
		{Fingerprint: "AAAA"},
		{Fingerprint: "BBBB"},
		{Fingerprint: "CCCC"},
	}
	if hasOverlappingIdentity(distinct) {
		t.Error("distinct fingerprints should not be flagged as overlapping")
	}

	overlap := []*directory.Relay{
		{Fingerprint: "AAAA"},
		{Fingerprint: "BBBB"},
		{Fingerprint: "AAAA"},
	}
	if !hasOverlappingIdentity(overlap) {
		t.Error("repeated fingerprint should be flagged as overlapping")
	}
}

func TestRecordAndCurrentBuildTimeout(t *testing.T) {
	m := New(nil, nil, nil)

	if got := m.currentBuildTimeout(); got != defaultBuildTimeout {
		t.Errorf("with no samples, currentBuildTimeout() = %v, want default %v", got, defaultBuildTimeout)
	}

	for i := 0; i < 5; i++ {
		m.recordBuildTime(5 * time.Second)
	}

	got := m.currentBuildTimeout()
	if got < 10*time.Second {
		t.Errorf("currentBuildTimeout() = %v, want clamped to at least 10s", got)
	}
	if got > 2*time.Minute {
		t.Errorf("currentBuildTimeout() = %v, want clamped to at most 2m", got)
	}
}

func TestPutAndTakeFromPoolNonIsolated(t *testing.T) {
	m := New(nil, nil, nil)

	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateOpen)
	m.PutCircuit(circ, PurposeGeneral)

	key := poolKey(nil, PurposeGeneral)
	got := m.takeFromPool(key, nil)
	if got != circ {
		t.Fatal("expected to retrieve the pooled circuit")
	}

	// Pool should now be empty.
	if got := m.takeFromPool(key, nil); got != nil {
		t.Error("expected pool to be drained after take")
	}
}

func TestPutCircuitDiscardsClosed(t *testing.T) {
	m := New(nil, nil, nil)

	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateClosed)
	m.PutCircuit(circ, PurposeGeneral)

	if stats := m.Stats(); stats.Pooled != 0 {
		t.Errorf("expected closed circuit not to be pooled, got Pooled=%d", stats.Pooled)
	}
}

func TestPutCircuitIsolatedPool(t *testing.T) {
	m := New(nil, nil, nil)

	iso := circuit.NewIsolationKey(circuit.IsolationDestination).WithDestination("example.com:443")
	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateOpen)
	circ.SetIsolationKey(iso)
	m.PutCircuit(circ, PurposeGeneral)

	if stats := m.Stats(); stats.IsolatedPools != 1 {
		t.Errorf("expected 1 isolated pool, got %d", stats.IsolatedPools)
	}

	got := m.takeFromPool(poolKey(iso, PurposeGeneral), iso)
	if got != circ {
		t.Fatal("expected to retrieve the isolated pooled circuit")
	}
}

func TestCloseClearsPools(t *testing.T) {
	m := New(nil, nil, nil)

	circ := circuit.NewCircuit(1)
	circ.SetState(circuit.StateOpen)
	m.PutCircuit(circ, PurposeGeneral)

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if stats := m.Stats(); stats.Pooled != 0 {
		t.Errorf("expected pool cleared after Close, got Pooled=%d", stats.Pooled)
	}
	if circ.GetState() != circuit.StateClosed {
		t.Error("expected pooled circuit to be closed by Close")
	}
}

func TestPurposeString(t *testing.T) {
	if PurposeGeneral.String() != "general" {
		t.Errorf("PurposeGeneral.String() = %q", PurposeGeneral.String())
	}
	if PurposeDirectory.String() != "directory" {
		t.Errorf("PurposeDirectory.String() = %q", PurposeDirectory.String())
	}
}
