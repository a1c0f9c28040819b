// Package circuit provides circuit extension functionality for the Tor protocol.
package circuit

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 - SHA-1 digest seed required by tor-spec.txt §5.2.2
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/security"
)

// HandshakeType defines the type of circuit handshake to use
type HandshakeType uint16

const (
	// HandshakeTypeNTor is the ntor handshake (recommended)
	HandshakeTypeNTor HandshakeType = 0x0002
	// HandshakeTypeTAP is the legacy TAP handshake
	HandshakeTypeTAP HandshakeType = 0x0000
)

// CellTransport is the minimal surface Extension needs to send a CREATE2
// cell and wait for its CREATED2 reply. *connection.Connection satisfies it.
type CellTransport interface {
	SendCell(c *cell.Cell) error
	ReceiveCell() (*cell.Cell, error)
}

// Extension handles circuit extension operations
type Extension struct {
	circuit     *Circuit
	logger      *logger.Logger
	targetRelay interface{} // Stores relay descriptor for key extraction (SPEC-001)
	pending     *crypto.NtorHandshake
}

// NewExtension creates a new circuit extension handler
func NewExtension(circuit *Circuit, log *logger.Logger) *Extension {
	if log == nil {
		log = logger.NewDefault()
	}

	return &Extension{
		circuit: circuit,
		logger:  log.Component("extension"),
	}
}

// CreateFirstHop creates the first hop of the circuit using CREATE2, sending
// the cell over transport and blocking for the guard's CREATED2 reply.
func (e *Extension) CreateFirstHop(ctx context.Context, transport CellTransport, handshakeType HandshakeType) error {
	e.logger.Info("Creating first hop",
		"circuit_id", e.circuit.ID,
		"handshake_type", handshakeType)

	if handshakeType != HandshakeTypeNTor {
		return fmt.Errorf("unsupported handshake type for CREATE2: %d", handshakeType)
	}

	handshakeData, err := e.generateHandshakeData(handshakeType)
	if err != nil {
		return fmt.Errorf("failed to generate handshake data: %w", err)
	}

	hlen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		return fmt.Errorf("handshake data too large: %v", err)
	}

	payload := make([]byte, 2+2+len(handshakeData))
	binary.BigEndian.PutUint16(payload[0:2], uint16(handshakeType))
	binary.BigEndian.PutUint16(payload[2:4], hlen)
	copy(payload[4:], handshakeData)

	create2Cell := &cell.Cell{
		CircID:  e.circuit.ID,
		Command: cell.CmdCreate2,
		Payload: payload,
	}

	e.logger.Debug("Sending CREATE2 cell",
		"circuit_id", e.circuit.ID,
		"handshake_size", len(handshakeData))

	if err := transport.SendCell(create2Cell); err != nil {
		e.pending.Close()
		return fmt.Errorf("failed to send CREATE2: %w", err)
	}

	reply, err := transport.ReceiveCell()
	if err != nil {
		e.pending.Close()
		return fmt.Errorf("failed to receive CREATED2: %w", err)
	}

	if err := e.ProcessCreated2(reply); err != nil {
		return fmt.Errorf("CREATED2 processing failed: %w", err)
	}

	e.logger.Info("First hop created successfully", "circuit_id", e.circuit.ID)

	return nil
}

// ExtendCircuit extends the circuit to add another hop using EXTEND2. The
// EXTEND2 relay cell travels onion-encrypted through the existing hops;
// EXTENDED2 comes back the same way and is handed to ProcessExtended2.
func (e *Extension) ExtendCircuit(ctx context.Context, target string, handshakeType HandshakeType) error {
	e.logger.Info("Extending circuit",
		"circuit_id", e.circuit.ID,
		"target", target,
		"handshake_type", handshakeType)

	if handshakeType != HandshakeTypeNTor {
		return fmt.Errorf("unsupported handshake type for EXTEND2: %d", handshakeType)
	}

	handshakeData, err := e.generateHandshakeData(handshakeType)
	if err != nil {
		return fmt.Errorf("failed to generate handshake data: %w", err)
	}

	extend2Data := e.buildExtend2Data(target, handshakeType, handshakeData)

	relayCell := &cell.RelayCell{
		Command:  cell.RelayExtend2,
		StreamID: 0, // EXTEND2 uses stream ID 0
		Data:     extend2Data,
	}

	e.logger.Debug("Sending EXTEND2 relay cell",
		"circuit_id", e.circuit.ID,
		"target", target)

	if err := e.circuit.SendRelayCell(relayCell); err != nil {
		e.pending.Close()
		return fmt.Errorf("failed to send EXTEND2: %w", err)
	}

	reply, err := e.circuit.ReceiveRelayCell(ctx)
	if err != nil {
		e.pending.Close()
		return fmt.Errorf("failed to receive EXTENDED2: %w", err)
	}

	if err := e.ProcessExtended2(reply); err != nil {
		return fmt.Errorf("EXTENDED2 processing failed: %w", err)
	}

	e.logger.Info("Circuit extended successfully",
		"circuit_id", e.circuit.ID,
		"target", target)

	return nil
}

// generateHandshakeData generates handshake data for circuit creation
// SPEC-001: Integrated relay key retrieval from directory descriptors
func (e *Extension) generateHandshakeData(handshakeType HandshakeType) ([]byte, error) {
	switch handshakeType {
	case HandshakeTypeNTor:
		// Use full ntor handshake implementation per tor-spec.txt section 5.1.4
		//
		// SPEC-001 RESOLUTION: Now properly integrated with directory service
		// Keys are obtained from network consensus and relay descriptors per:
		// 1. Fetch consensus from directory authorities (pkg/directory)
		// 2. Select relay based on flags and requirements (pkg/path)
		// 3. Relay descriptor contains ntor-onion-key and identity key
		// 4. Keys passed via SetTargetRelay() or extracted from descriptor

		relayIdentity, relayNtorKey, err := e.getRelayKeys()
		if err != nil {
			// Fall back to test keys only for testing/demo scenarios
			// Production deployments must provide valid relay keys
			e.logger.Warn("Using placeholder keys - not suitable for production", "error", err)
			relayIdentity = make([]byte, 32)
			relayNtorKey = make([]byte, 32)
		}

		// Generate client handshake data and retain the ephemeral state so
		// ProcessCreated2/ProcessExtended2 can complete the exchange.
		handshakeData, hs, err := crypto.NtorClientHandshake(relayIdentity, relayNtorKey)
		if err != nil {
			return nil, fmt.Errorf("ntor handshake failed: %w", err)
		}
		e.pending = hs

		return handshakeData, nil

	case HandshakeTypeTAP:
		// TAP handshake: PK_ID (16 bytes) || Symmetric key material (128 bytes)
		// This is legacy and simplified
		data := make([]byte, 144)
		if _, err := rand.Read(data); err != nil {
			return nil, fmt.Errorf("failed to generate random data: %w", err)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported handshake type: %d", handshakeType)
	}
}

// buildExtend2Data builds the EXTEND2 relay cell data
func (e *Extension) buildExtend2Data(target string, handshakeType HandshakeType, handshakeData []byte) []byte {
	// EXTEND2 format (simplified):
	// NSPEC (1 byte) - number of link specifiers
	// Link specifiers (variable)
	// HTYPE (2 bytes) - handshake type
	// HLEN (2 bytes) - handshake data length
	// HDATA (variable) - handshake data

	// For simplicity, we'll use a minimal implementation
	// In production, this would parse the target and create proper link specifiers

	data := make([]byte, 0, 256)

	// NSPEC: 1 link specifier (simplified)
	data = append(data, 1)

	// Link specifier type 0 (TLS-over-TCP, IPv4) - simplified
	// Type (1 byte) | Length (1 byte) | IPv4 (4 bytes) | Port (2 bytes)
	data = append(data, 0)            // Type
	data = append(data, 6)            // Length
	data = append(data, 127, 0, 0, 1) // IPv4 (placeholder)
	data = append(data, 0, 0)         // Port (placeholder)

	// HTYPE
	htypeBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(htypeBytes, uint16(handshakeType))
	data = append(data, htypeBytes...)

	// HLEN - safely convert handshake data length
	hlen, err := security.SafeLenToUint16(handshakeData)
	if err != nil {
		// This should never happen as handshake data is typically small
		// But handle it gracefully
		return nil
	}
	hlenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(hlenBytes, hlen)
	data = append(data, hlenBytes...)

	// HDATA
	data = append(data, handshakeData...)

	return data
}

// SetTargetRelay sets the target relay descriptor for key extraction (SPEC-001)
// This should be called before creating/extending circuits to provide actual relay keys
func (e *Extension) SetTargetRelay(relay interface{}) {
	e.targetRelay = relay
}

// getRelayKeys extracts identity and ntor onion keys from the target relay (SPEC-001)
// Returns the keys if available from a directory.Relay descriptor
func (e *Extension) getRelayKeys() (identityKey, ntorKey []byte, err error) {
	if e.targetRelay == nil {
		return nil, nil, fmt.Errorf("no target relay set")
	}

	// Type assertion to check if it's a directory.Relay with keys
	type RelayWithKeys interface {
		GetIdentityKey() []byte
		GetNtorOnionKey() []byte
	}

	// Try direct field access for testing/simple cases
	if relay, ok := e.targetRelay.(struct {
		IdentityKey  []byte
		NtorOnionKey []byte
	}); ok {
		if len(relay.IdentityKey) != 32 {
			return nil, nil, fmt.Errorf("invalid identity key length: %d", len(relay.IdentityKey))
		}
		if len(relay.NtorOnionKey) != 32 {
			return nil, nil, fmt.Errorf("invalid ntor key length: %d", len(relay.NtorOnionKey))
		}
		return relay.IdentityKey, relay.NtorOnionKey, nil
	}

	// Try interface method access
	if relay, ok := e.targetRelay.(RelayWithKeys); ok {
		identityKey = relay.GetIdentityKey()
		ntorKey = relay.GetNtorOnionKey()
		if len(identityKey) != 32 {
			return nil, nil, fmt.Errorf("invalid identity key length: %d", len(identityKey))
		}
		if len(ntorKey) != 32 {
			return nil, nil, fmt.Errorf("invalid ntor key length: %d", len(ntorKey))
		}
		return identityKey, ntorKey, nil
	}

	return nil, nil, fmt.Errorf("target relay does not provide required keys")
}

// ProcessCreated2 processes a CREATED2 response from the first hop: it
// completes the pending ntor handshake, derives per-hop keys, and appends
// the resulting hop to the circuit.
func (e *Extension) ProcessCreated2(created2Cell *cell.Cell) error {
	if created2Cell.Command != cell.CmdCreated2 {
		return fmt.Errorf("expected CREATED2 cell, got %s", created2Cell.Command)
	}
	if e.pending == nil {
		return fmt.Errorf("no pending handshake for CREATED2")
	}

	e.logger.Debug("Processing CREATED2 cell", "circuit_id", created2Cell.CircID)

	payload := created2Cell.Payload
	if len(payload) < 2 {
		return fmt.Errorf("CREATED2 payload too short")
	}

	hlen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < int(2+hlen) {
		return fmt.Errorf("CREATED2 payload incomplete")
	}
	if hlen != 64 {
		return fmt.Errorf("unexpected ntor server response length: %d", hlen)
	}

	var serverData [64]byte
	copy(serverData[:], payload[2:2+hlen])

	km, err := e.pending.Complete(serverData)
	e.pending = nil
	if err != nil {
		return fmt.Errorf("ntor handshake verification failed: %w", err)
	}

	hop, err := deriveHopCrypto(km)
	if err != nil {
		return fmt.Errorf("failed to derive hop crypto state: %w", err)
	}

	if err := e.circuit.AddHop(hop); err != nil {
		return fmt.Errorf("failed to attach first hop: %w", err)
	}

	e.logger.Info("CREATED2 processed successfully", "circuit_id", e.circuit.ID)

	return nil
}

// ProcessExtended2 processes an EXTENDED2 response from circuit extension,
// completing the pending handshake for the newly added hop.
func (e *Extension) ProcessExtended2(extended2Cell *cell.RelayCell) error {
	if extended2Cell.Command != cell.RelayExtended2 {
		return fmt.Errorf("expected RELAY_EXTENDED2 cell, got %d", extended2Cell.Command)
	}
	if e.pending == nil {
		return fmt.Errorf("no pending handshake for EXTENDED2")
	}

	e.logger.Debug("Processing EXTENDED2 relay cell", "circuit_id", e.circuit.ID)

	payload := extended2Cell.Data
	if len(payload) < 2 {
		return fmt.Errorf("EXTENDED2 payload too short")
	}

	hlen := binary.BigEndian.Uint16(payload[0:2])
	if len(payload) < int(2+hlen) {
		return fmt.Errorf("EXTENDED2 payload incomplete")
	}
	if hlen != 64 {
		return fmt.Errorf("unexpected ntor server response length: %d", hlen)
	}

	var serverData [64]byte
	copy(serverData[:], payload[2:2+hlen])

	km, err := e.pending.Complete(serverData)
	e.pending = nil
	if err != nil {
		return fmt.Errorf("ntor handshake verification failed: %w", err)
	}

	hop, err := deriveHopCrypto(km)
	if err != nil {
		return fmt.Errorf("failed to derive hop crypto state: %w", err)
	}

	if err := e.circuit.AddHop(hop); err != nil {
		return fmt.Errorf("failed to attach extended hop: %w", err)
	}

	e.logger.Info("EXTENDED2 processed successfully", "circuit_id", e.circuit.ID)

	return nil
}

// deriveHopCrypto builds a *Hop's AES-128-CTR ciphers and SHA-1 running
// digests from ntor key material, per tor-spec.txt §5.2.2. Each digest is
// seeded with its derived Df/Db value before any cell is hashed into it.
func deriveHopCrypto(km *crypto.KeyMaterial) (*Hop, error) {
	hop := &Hop{}

	fwdBlock, err := aes.NewCipher(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("forward AES cipher: %w", err)
	}
	bwdBlock, err := aes.NewCipher(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("backward AES cipher: %w", err)
	}

	var zeroIV [aes.BlockSize]byte
	forwardCipher := cipher.NewCTR(fwdBlock, zeroIV[:])
	backwardCipher := cipher.NewCTR(bwdBlock, zeroIV[:])

	forwardDigest := sha1.New() // #nosec G401 - mandated by tor-spec.txt §5.2.2
	forwardDigest.Write(km.Df[:])
	backwardDigest := sha1.New() // #nosec G401
	backwardDigest.Write(km.Db[:])

	hop.SetCryptoState(forwardCipher, backwardCipher, forwardDigest, backwardDigest)
	return hop, nil
}

// DeriveKeys derives encryption keys for a circuit hop using KDF-TOR
func (e *Extension) DeriveKeys(sharedSecret []byte) (forwardKey, backwardKey []byte, err error) {
	// Use crypto package for key derivation
	// KDF-TOR produces: Df || Db || Kf || Kb
	// Where: Df, Db = forward/backward digest keys (20 bytes each)
	//        Kf, Kb = forward/backward cipher keys (16 bytes each for AES-128)

	const keyMaterial = 72 // 20 + 20 + 16 + 16 bytes

	// Derive key material using KDF
	km, err := crypto.DeriveKey(sharedSecret, keyMaterial)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	// Split key material
	// For now, we'll return cipher keys only
	forwardKey = km[40:56]  // Kf (offset 40, 16 bytes)
	backwardKey = km[56:72] // Kb (offset 56, 16 bytes)

	e.logger.Debug("Keys derived",
		"circuit_id", e.circuit.ID,
		"forward_key_len", len(forwardKey),
		"backward_key_len", len(backwardKey))

	return forwardKey, backwardKey, nil
}
