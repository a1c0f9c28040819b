package socks

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/circuit"
	"github.com/opd-ai/go-tor/pkg/logger"
)

func TestIsLocalAddr(t *testing.T) {
	cases := []struct {
		target string
		local  bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.5", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"8.8.8.8", false},
		{"example.com", false},
	}

	for _, tc := range cases {
		if got := isLocalAddr(tc.target); got != tc.local {
			t.Errorf("isLocalAddr(%q) = %v, want %v", tc.target, got, tc.local)
		}
	}
}

func TestSOCKS5RefusesLocalAddrByDefault(t *testing.T) {
	manager := circuit.NewManager()
	log := logger.NewDefault()

	server := NewServerWithConfig("127.0.0.1:0", manager, log, &Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.ListenAndServe(ctx)
	time.Sleep(100 * time.Millisecond)

	addr := server.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("Failed to write handshake: %v", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, 2)); err != nil {
		t.Fatalf("Failed to read handshake response: %v", err)
	}

	// CONNECT to 127.0.0.1:80
	request := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}

	if reply[1] != replyNotAllowed {
		t.Errorf("expected replyNotAllowed (%d), got %d", replyNotAllowed, reply[1])
	}
}

func TestSOCKS5AllowsLocalAddrWhenConfigured(t *testing.T) {
	manager := circuit.NewManager()
	log := logger.NewDefault()

	server := NewServerWithConfig("127.0.0.1:0", manager, log, &Config{AllowLocalAddrs: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go server.ListenAndServe(ctx)
	time.Sleep(100 * time.Millisecond)

	addr := server.listener.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect to server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("Failed to write handshake: %v", err)
	}
	if _, err := io.ReadFull(conn, make([]byte, 2)); err != nil {
		t.Fatalf("Failed to read handshake response: %v", err)
	}

	request := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	if _, err := conn.Write(request); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}

	reply := make([]byte, 10)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}

	if reply[1] != replySucceeded {
		t.Errorf("expected replySucceeded (%d), got %d", replySucceeded, reply[1])
	}
}

func TestIsolationKeyForDestination(t *testing.T) {
	manager := circuit.NewManager()
	server := NewServerWithConfig("127.0.0.1:0", manager, logger.NewDefault(), &Config{
		IsolationLevel:      circuit.IsolationDestination,
		IsolateDestinations: true,
	})

	key := server.isolationKeyFor("example.com", 443, nil)
	if key == nil {
		t.Fatal("expected a non-nil isolation key")
	}
	if key.Destination != "example.com:443" {
		t.Errorf("Destination = %q, want example.com:443", key.Destination)
	}
}

func TestIsolationKeyForDisabledReturnsNil(t *testing.T) {
	manager := circuit.NewManager()
	server := NewServerWithConfig("127.0.0.1:0", manager, logger.NewDefault(), &Config{})

	if key := server.isolationKeyFor("example.com", 443, nil); key != nil {
		t.Errorf("expected nil isolation key when isolation disabled, got %+v", key)
	}
}

func TestIsolationKeyForClientPort(t *testing.T) {
	manager := circuit.NewManager()
	server := NewServerWithConfig("127.0.0.1:0", manager, logger.NewDefault(), &Config{
		IsolationLevel:    circuit.IsolationPort,
		IsolateClientPort: true,
	})

	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 54321}
	key := server.isolationKeyFor("example.com", 443, addr)
	if key == nil {
		t.Fatal("expected a non-nil isolation key")
	}
	if key.SourcePort != 54321 {
		t.Errorf("SourcePort = %d, want 54321", key.SourcePort)
	}
}
