package onion

import (
	"crypto/ed25519"
	"crypto/sha3"
	"encoding/binary"

	"filippo.io/edwards25519"
)

// blindString and ed25519Basepoint are the constants rend-spec-v3 fixes for
// the blinding-factor derivation (appendix A.2).
var (
	blindString      = []byte("Derive temporary signing key\x00")
	ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")
)

// blindPublicKey computes the real Ed25519 point-scalar blinded public key
// A' = h*A, where h is a scalar derived from SHA3-256(BLIND_STRING | A | B | N)
// and N embeds the time period. A hash-only "blinded key" (the previous
// stand-in this replaces) isn't actually a point on the curve and can't be
// used as an ntor/hs-ntor handshake key; this performs the real scalar
// multiplication filippo.io/edwards25519 exists for.
func blindPublicKey(pubkey ed25519.PublicKey, timePeriod uint64) ([]byte, error) {
	var a [32]byte
	copy(a[:], pubkey)

	nonce := make([]byte, 0, len("key-blind")+8+8)
	nonce = append(nonce, []byte("key-blind")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], timePeriod)
	nonce = append(nonce, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], 1440) // period length, matching GetTimePeriod's fixed 24h granularity
	nonce = append(nonce, buf[:]...)

	h := sha3.New256()
	h.Write(blindString)
	h.Write(a[:])
	h.Write(ed25519Basepoint)
	h.Write(nonce)
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return nil, err
	}

	A, err := new(edwards25519.Point).SetBytes(a[:])
	if err != nil {
		return nil, err
	}

	Aprime := new(edwards25519.Point).ScalarMult(hScalar, A)
	return Aprime.Bytes(), nil
}
