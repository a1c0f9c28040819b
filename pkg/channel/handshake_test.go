package channel

import (
	"net"
	"reflect"
	"testing"

	"github.com/opd-ai/go-tor/pkg/cell"
)

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name    string
		offered []uint16
		want    uint16
	}{
		{"prefers highest common", []uint16{3, 4, 5}, 5},
		{"only v4 in common", []uint16{2, 3, 4}, 4},
		{"no common version", []uint16{1, 2, 3}, 0},
		{"empty offer", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := negotiateVersion(tt.offered); got != tt.want {
				t.Errorf("negotiateVersion(%v) = %d, want %d", tt.offered, got, tt.want)
			}
		})
	}
}

func TestVersionsPayloadRoundTrip(t *testing.T) {
	versions := []uint16{4, 5}
	payload := buildVersionsPayload(versions)
	got := parseVersionsPayload(payload)
	if !reflect.DeepEqual(got, versions) {
		t.Errorf("round trip = %v, want %v", got, versions)
	}
}

func TestParseVersionsPayloadStopsAtZero(t *testing.T) {
	payload := buildVersionsPayload([]uint16{4, 5})
	payload = append(payload, 0, 0, 0, 9) // trailing padding after a zero sentinel
	got := parseVersionsPayload(payload)
	want := []uint16{4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseVersionsPayload = %v, want %v", got, want)
	}
}

func TestBuildNetInfo(t *testing.T) {
	ip := net.ParseIP("192.0.2.1").To4()
	c := buildNetInfo(ip)

	if c.Command != cell.CmdNetinfo {
		t.Errorf("Command = %v, want CmdNetinfo", c.Command)
	}
	if c.Payload[4] != 0x04 || c.Payload[5] != 0x04 {
		t.Error("expected ATYPE=4 (IPv4), ALEN=4")
	}
	if !net.IP(c.Payload[6:10]).Equal(ip) {
		t.Errorf("NETINFO address = %v, want %v", net.IP(c.Payload[6:10]), ip)
	}
	if c.Payload[10] != 0 {
		t.Error("expected NMYADDR=0")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateHandshaking, "HANDSHAKING"},
		{StateOpen, "OPEN"},
		{StateClosed, "CLOSED"},
		{State(99), "UNKNOWN(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
