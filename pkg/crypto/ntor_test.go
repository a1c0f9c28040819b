package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// serverNtorAccept simulates the relay side of the handshake, for tests only.
func serverNtorAccept(t *testing.T, clientData [84]byte, serverPrivate [32]byte) [64]byte {
	t.Helper()

	nodeID := clientData[0:20]
	keyID := clientData[20:52]
	X := clientData[52:84]

	var serverPublic [32]byte
	curve25519.ScalarBaseMult(&serverPublic, &serverPrivate)
	if !bytes.Equal(keyID, serverPublic[:]) {
		t.Fatalf("server ntor public key does not match KEYID in client handshake")
	}

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		t.Fatalf("generate server ephemeral key: %v", err)
	}
	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("compute server ephemeral public key: %v", err)
	}

	exp1, err := curve25519.X25519(y[:], X) // EXP(X,y)
	if err != nil {
		t.Fatalf("curve25519 y*X: %v", err)
	}
	exp2, err := curve25519.X25519(serverPrivate[:], X) // EXP(X,b)
	if err != nil {
		t.Fatalf("curve25519 b*X: %v", err)
	}

	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, nodeID...)
	secretInput = append(secretInput, keyID...)
	secretInput = append(secretInput, X...)
	secretInput = append(secretInput, Y...)
	secretInput = append(secretInput, []byte(ntorProtoID)...)

	verify := ntorHMAC(secretInput, ntorTVerify)

	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, nodeID...)
	authInput = append(authInput, keyID...)
	authInput = append(authInput, Y...)
	authInput = append(authInput, X...)
	authInput = append(authInput, []byte(ntorProtoID)...)
	authInput = append(authInput, []byte("Server")...)

	auth := ntorHMAC(authInput, ntorTMac)

	var resp [64]byte
	copy(resp[0:32], Y)
	copy(resp[32:64], auth)
	return resp
}

func TestNtorHandshakeEndToEnd(t *testing.T) {
	var nodeID [20]byte
	if _, err := rand.Read(nodeID[:]); err != nil {
		t.Fatalf("generate node id: %v", err)
	}
	var serverPrivate [32]byte
	if _, err := rand.Read(serverPrivate[:]); err != nil {
		t.Fatalf("generate server ntor key: %v", err)
	}
	var serverPublic [32]byte
	curve25519.ScalarBaseMult(&serverPublic, &serverPrivate)

	handshakeData, hs, err := NtorClientHandshake(nodeID[:], serverPublic[:])
	if err != nil {
		t.Fatalf("client handshake start failed: %v", err)
	}
	if len(handshakeData) != 84 {
		t.Fatalf("invalid handshake data length: %d, expected 84", len(handshakeData))
	}
	if !bytes.Equal(handshakeData[0:20], nodeID[:]) {
		t.Error("NODEID mismatch in handshake data")
	}
	if !bytes.Equal(handshakeData[20:52], serverPublic[:]) {
		t.Error("KEYID mismatch in handshake data")
	}

	var clientData [84]byte
	copy(clientData[:], handshakeData)
	serverResponse := serverNtorAccept(t, clientData, serverPrivate)

	km, err := hs.Complete(serverResponse)
	if err != nil {
		t.Fatalf("client handshake completion failed: %v", err)
	}
	if isZeroBytes(km.Kf[:]) || isZeroBytes(km.Kb[:]) {
		t.Error("derived keys must not be all-zero")
	}
	if bytes.Equal(km.Kf[:], km.Kb[:]) {
		t.Error("forward and backward keys must differ")
	}
}

func TestNtorHandshakeRejectsBadAuth(t *testing.T) {
	var nodeID [20]byte
	rand.Read(nodeID[:])
	var serverPrivate [32]byte
	rand.Read(serverPrivate[:])
	var serverPublic [32]byte
	curve25519.ScalarBaseMult(&serverPublic, &serverPrivate)

	handshakeData, hs, err := NtorClientHandshake(nodeID[:], serverPublic[:])
	if err != nil {
		t.Fatalf("client handshake start failed: %v", err)
	}

	var clientData [84]byte
	copy(clientData[:], handshakeData)
	resp := serverNtorAccept(t, clientData, serverPrivate)
	resp[40] ^= 0xFF // corrupt AUTH

	if _, err := hs.Complete(resp); err == nil {
		t.Fatal("expected AUTH verification to fail on corrupted response")
	}
}

func TestNtorHandshakeRejectsWrongServerKey(t *testing.T) {
	var nodeID [20]byte
	rand.Read(nodeID[:])
	var serverPrivate, otherPrivate [32]byte
	rand.Read(serverPrivate[:])
	rand.Read(otherPrivate[:])
	var serverPublic [32]byte
	curve25519.ScalarBaseMult(&serverPublic, &serverPrivate)

	handshakeData, hs, err := NtorClientHandshake(nodeID[:], serverPublic[:])
	if err != nil {
		t.Fatalf("client handshake start failed: %v", err)
	}

	var clientData [84]byte
	copy(clientData[:], handshakeData)
	// Respond using a different server key than the one advertised.
	resp := serverNtorAccept(t, clientData, otherPrivate)

	if _, err := hs.Complete(resp); err == nil {
		t.Fatal("expected handshake to fail when responder used the wrong ntor key")
	}
}

func TestNtorClientHandshakeValidatesInputLengths(t *testing.T) {
	if _, _, err := NtorClientHandshake(make([]byte, 4), make([]byte, 32)); err == nil {
		t.Error("expected error for short identity key")
	}
	if _, _, err := NtorClientHandshake(make([]byte, 20), make([]byte, 4)); err == nil {
		t.Error("expected error for short ntor onion key")
	}
}

// sanity-check the ntorHMAC helper and the HKDF parameters against a hand-rolled
// computation to guard against accidental key/label swaps during edits.
func TestNtorHMACMatchesHKDF(t *testing.T) {
	secret := []byte("test-secret-input")
	got := ntorHMAC(secret, ntorTVerify)

	h := hmac.New(sha256.New, []byte(ntorTVerify))
	h.Write(secret)
	want := h.Sum(nil)
	if !bytes.Equal(got, want) {
		t.Fatal("ntorHMAC does not match reference HMAC computation")
	}

	kdf := hkdf.New(sha256.New, secret, []byte(ntorTKey), []byte(ntorMExpand))
	out := make([]byte, 92)
	if _, err := io.ReadFull(kdf, out); err != nil {
		t.Fatalf("hkdf read: %v", err)
	}
	if isZeroBytes(out) {
		t.Fatal("hkdf output must not be all-zero")
	}
}
