package guard

import (
	"testing"

	"github.com/opd-ai/go-tor/pkg/directory"
)

func TestNewAndAddGuard(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	relay := &directory.Relay{Fingerprint: "ABCD", Nickname: "relay1"}
	if err := m.AddGuard(relay); err != nil {
		t.Fatalf("AddGuard() failed: %v", err)
	}

	guards := m.GetGuards()
	if len(guards) != 1 || guards[0].Fingerprint != "ABCD" {
		t.Errorf("GetGuards() = %+v, want one entry for ABCD", guards)
	}
}

func TestConfirmGuard(t *testing.T) {
	dir := t.TempDir()
	m, _ := New(dir, nil)
	relay := &directory.Relay{Fingerprint: "ABCD", Nickname: "relay1"}
	_ = m.AddGuard(relay)

	if err := m.ConfirmGuard("ABCD"); err != nil {
		t.Fatalf("ConfirmGuard() failed: %v", err)
	}

	stats := m.GetStats()
	if stats.ConfirmedGuards != 1 {
		t.Errorf("ConfirmedGuards = %d, want 1", stats.ConfirmedGuards)
	}
}
