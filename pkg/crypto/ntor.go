package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ntor protocol constants, tor-spec.txt section 5.1.4.
const (
	ntorProtoID = "ntor-curve25519-sha256-1"
	ntorTKey    = ntorProtoID + ":key_extract"
	ntorTMac    = ntorProtoID + ":mac"
	ntorTVerify = ntorProtoID + ":verify"
	ntorMExpand = ntorProtoID + ":key_expand"
)

// KeyMaterial holds the derived circuit keys from a completed ntor handshake.
type KeyMaterial struct {
	Df [SHA1Size]byte // forward digest seed, client -> relay
	Db [SHA1Size]byte // backward digest seed, relay -> client
	Kf [AES128KeySize]byte
	Kb [AES128KeySize]byte
}

// NtorHandshake holds the client's ephemeral state across a single
// CREATE2/CREATED2 (or EXTEND2/EXTENDED2) round trip.
type NtorHandshake struct {
	nodeID  [SHA1Size]byte // relay identity fingerprint
	ntorKey [32]byte       // relay's ntor onion key (B)
	x       [32]byte       // client ephemeral private key
	X       [32]byte       // client ephemeral public key
}

// NewNtorHandshake starts a client-side ntor handshake against a relay
// identified by nodeID with published ntor onion key ntorKey.
func NewNtorHandshake(nodeID [SHA1Size]byte, ntorKey [32]byte) (*NtorHandshake, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute ephemeral public key: %w", err)
	}

	hs := &NtorHandshake{nodeID: nodeID, ntorKey: ntorKey, x: x}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key. Safe to call after Complete, and
// mandatory on any path where Complete is never reached.
func (hs *NtorHandshake) Close() {
	zero(hs.x[:])
}

// ClientData returns the 84-byte CREATE2/EXTEND2 handshake payload:
// NODEID(20) || KEYID(32) || CLIENT_PK(32).
func (hs *NtorHandshake) ClientData() [84]byte {
	var data [84]byte
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.ntorKey[:])
	copy(data[52:84], hs.X[:])
	return data
}

// Complete processes the relay's 64-byte CREATED2/EXTENDED2 response
// (SERVER_PK(32) || AUTH(32)), verifies AUTH, and derives circuit keys.
func (hs *NtorHandshake) Complete(serverData [64]byte) (*KeyMaterial, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := curve25519.X25519(hs.x[:], Y[:]) // EXP(Y,x)
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZeroBytes(exp1) {
		return nil, fmt.Errorf("ntor handshake: x*Y produced the identity element")
	}

	exp2, err := curve25519.X25519(hs.x[:], hs.ntorKey[:]) // EXP(B,x)
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZeroBytes(exp2) {
		return nil, fmt.Errorf("ntor handshake: x*B produced the identity element")
	}

	// secret_input = EXP(Y,x) || EXP(B,x) || ID || B || X || Y || PROTOID
	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.ntorKey[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(ntorProtoID)...)

	verify := ntorHMAC(secretInput, ntorTVerify)

	// auth_input = verify || ID || B || Y || X || PROTOID || "Server"
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.ntorKey[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(ntorProtoID)...)
	authInput = append(authInput, []byte("Server")...)

	expectedAuth := ntorHMAC(authInput, ntorTMac)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, fmt.Errorf("ntor handshake: AUTH verification failed")
	}

	kdf := hkdf.New(sha256.New, secretInput, []byte(ntorTKey), []byte(ntorMExpand))
	keys := make([]byte, 92)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("ntor key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	zero(keys)
	zero(secretInput)
	zero(authInput)
	zero(hs.x[:])

	return km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZeroBytes(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
