package chanmgr

import (
	"context"
	"testing"
	"time"

	torerrors "github.com/opd-ai/go-tor/pkg/errors"
)

func TestIdentityKey(t *testing.T) {
	a := identityKey([]byte{0x01, 0xAB})
	b := identityKey([]byte{0x01, 0xAB})
	if a != b {
		t.Error("identityKey should be deterministic for identical input")
	}
	if a != "01ab" {
		t.Errorf("identityKey = %q, want %q", a, "01ab")
	}
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		rt   torerrors.RetryTime
		want time.Duration
	}{
		{torerrors.RetryImmediate, 2 * time.Second},
		{torerrors.RetryAfterWaiting, 30 * time.Second},
		{torerrors.RetryNever, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := backoffFor(tt.rt); got != tt.want {
			t.Errorf("backoffFor(%s) = %v, want %v", tt.rt, got, tt.want)
		}
	}
}

func TestGetOrLaunchRejectsDuringBackoff(t *testing.T) {
	m := New(nil)
	identity := []byte{0x01, 0x02, 0x03}
	k := identityKey(identity)

	m.slots[k] = &slot{
		state:      stateUnusable,
		retryAfter: time.Now().Add(time.Hour),
		retryTime:  torerrors.RetryAfterWaiting,
	}

	_, err := m.GetOrLaunch(context.Background(), "127.0.0.1:9001", identity)
	if err == nil {
		t.Fatal("expected error while relay is in backoff")
	}
	if torerrors.GetRetryTime(err) != torerrors.RetryAfterWaiting {
		t.Errorf("expected RetryAfterWaiting, got %s", torerrors.GetRetryTime(err))
	}
}

func TestStatsCounts(t *testing.T) {
	m := New(nil)
	m.slots["a"] = &slot{state: stateBuilding}
	m.slots["b"] = &slot{state: stateUnusable}
	m.slots["c"] = &slot{state: stateUnusable}

	stats := m.Stats()
	if stats.Building != 1 || stats.Unusable != 2 || stats.Open != 0 {
		t.Errorf("Stats() = %+v, want Building=1 Unusable=2 Open=0", stats)
	}
}

func TestSweepRemovesExpiredUnusable(t *testing.T) {
	m := New(nil)
	m.slots["stale"] = &slot{state: stateUnusable, retryAfter: time.Now().Add(-time.Second)}
	m.slots["fresh"] = &slot{state: stateUnusable, retryAfter: time.Now().Add(time.Hour)}

	m.sweep()

	if _, ok := m.slots["stale"]; ok {
		t.Error("expected expired unusable slot to be swept")
	}
	if _, ok := m.slots["fresh"]; !ok {
		t.Error("expected still-backing-off slot to survive the sweep")
	}
}

func TestCloseClearsSlots(t *testing.T) {
	m := New(nil)
	m.slots["a"] = &slot{state: stateBuilding}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(m.slots) != 0 {
		t.Error("expected all slots cleared after Close")
	}
}

func TestGetOrLaunchContextCancellation(t *testing.T) {
	m := New(nil)
	identity := []byte{0x09}
	k := identityKey(identity)
	s := &slot{state: stateBuilding, done: make(chan struct{})}
	m.slots[k] = s
	// Never closed: simulates a build still in flight when the context is canceled.

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.GetOrLaunch(ctx, "127.0.0.1:9001", identity)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
}
