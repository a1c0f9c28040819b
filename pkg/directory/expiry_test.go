package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSweepAgedEvictsOldEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	if err := c.Store("consensus", []byte("stale"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	future := time.Now().Add(ConsensusExpiry + time.Hour)
	if err := c.SweepAged(future); err != nil {
		t.Fatalf("SweepAged failed: %v", err)
	}

	if _, _, ok := c.Load("consensus"); ok {
		t.Error("expected aged-out consensus entry to be evicted")
	}
}

func TestSweepAgedKeepsFreshEntries(t *testing.T) {
	dir := t.TempDir()
	c, _ := NewCache(dir, nil)

	if err := c.Store("consensus", []byte("fresh"), time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	if err := c.SweepAged(time.Now()); err != nil {
		t.Fatalf("SweepAged failed: %v", err)
	}

	if _, _, ok := c.Load("consensus"); !ok {
		t.Error("expected fresh entry to survive SweepAged")
	}
}

func TestExpiryForKnownKinds(t *testing.T) {
	cases := map[string]time.Duration{
		"consensus":          ConsensusExpiry,
		"microdescriptors":   MicrodescExpiry,
		"router-descriptors": RouterDescExpiry,
	}
	for kind, want := range cases {
		assert.Equal(t, want, expiryFor(kind), "expiryFor(%q)", kind)
	}
}
