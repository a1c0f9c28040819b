package directory

import (
	"strings"
	"testing"
)

func TestParseMicrodescriptorsMultipleRecords(t *testing.T) {
	body := strings.Join([]string{
		"onion-key",
		"-----BEGIN RSA PUBLIC KEY-----",
		"-----END RSA PUBLIC KEY-----",
		"ntor-onion-key abc123",
		"family nickname1 nickname2",
		"onion-key",
		"ntor-onion-key def456",
	}, "\n")

	mds, err := parseMicrodescriptors(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseMicrodescriptors failed: %v", err)
	}
	if len(mds) != 2 {
		t.Fatalf("expected 2 microdescriptors, got %d", len(mds))
	}
	if string(mds[0].NtorOnionKey) != "abc123" {
		t.Errorf("mds[0].NtorOnionKey = %q, want abc123", mds[0].NtorOnionKey)
	}
	if len(mds[0].Family) != 2 {
		t.Errorf("mds[0].Family = %v, want 2 entries", mds[0].Family)
	}
	if string(mds[1].NtorOnionKey) != "def456" {
		t.Errorf("mds[1].NtorOnionKey = %q, want def456", mds[1].NtorOnionKey)
	}
}

func TestParseMicrodescriptorsEmpty(t *testing.T) {
	mds, err := parseMicrodescriptors(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseMicrodescriptors failed: %v", err)
	}
	if len(mds) != 0 {
		t.Errorf("expected no microdescriptors, got %d", len(mds))
	}
}

func TestAuthorityBaseStripsKnownSuffix(t *testing.T) {
	got := authorityBase("https://example.org/tor/status-vote/current/consensus.z")
	if got != "https://example.org" {
		t.Errorf("authorityBase() = %q, want https://example.org", got)
	}
}

func TestAuthorityBaseLeavesUnknownURLUnchanged(t *testing.T) {
	u := "https://example.org:9131"
	if got := authorityBase(u); got != u {
		t.Errorf("authorityBase() = %q, want unchanged %q", got, u)
	}
}
