// Package channel implements the Tor link protocol: the VERSIONS/CERTS/
// AUTH_CHALLENGE/NETINFO handshake performed once per TLS connection to a
// relay, and the reactor that multiplexes cells for circuits riding it.
package channel

import (
	"crypto/ed25519"
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"time"
)

// Ed25519 Tor certificate types (cert-spec.txt section 1).
const (
	certTypeIdentitySigning = 4
	certTypeSigningTLS      = 5
)

// torCert is a parsed Ed25519 Tor certificate (cert-spec.txt section 2.1).
type torCert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // from extension type 0x04, if present
	Signature     [64]byte
	Raw           []byte
}

func parseTorCert(data []byte) (*torCert, error) {
	if len(data) < 39+64 {
		return nil, fmt.Errorf("tor cert too short: %d bytes", len(data))
	}

	tc := &torCert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(tc.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-64 {
			return nil, fmt.Errorf("extension overflows cert at pos %d", pos)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-64 {
			return nil, fmt.Errorf("extension data overflows")
		}
		extData := data[pos : pos+extLen]
		if extType == 0x04 && len(extData) == 32 {
			copy(tc.SigningKey[:], extData)
		} else if extFlags&0x01 != 0 {
			return nil, fmt.Errorf("unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(tc.Signature[:], data[len(data)-64:])

	return tc, nil
}

// verify checks expiration and the Ed25519 signature. If signingKey is
// non-nil it is used in place of the certificate's own extension key.
func (tc *torCert) verify(signingKey []byte) error {
	expTime := time.Unix(int64(tc.ExpirationHrs)*3600, 0)
	if time.Now().After(expTime) {
		return fmt.Errorf("cert expired at %v", expTime)
	}

	var pubKey ed25519.PublicKey
	if signingKey != nil {
		pubKey = ed25519.PublicKey(signingKey)
	} else {
		zeroKey := [32]byte{}
		if tc.SigningKey == zeroKey {
			return fmt.Errorf("no signing key extension (type 0x04) found and none provided")
		}
		pubKey = ed25519.PublicKey(tc.SigningKey[:])
	}

	signed := tc.Raw[:len(tc.Raw)-64]
	if !ed25519.Verify(pubKey, signed, tc.Signature[:]) {
		return fmt.Errorf("ed25519 signature verification failed")
	}

	return nil
}

// validateCerts parses a CERTS cell payload and validates the Ed25519
// certificate chain, returning the relay's Ed25519 identity key. The chain
// must bind that identity, through a signing key, to the TLS certificate
// hash this link actually negotiated (peerCertHash), closing the gap
// between TLS-layer trust and Tor-layer relay identity.
func validateCerts(payload []byte, peerCertHash []byte) ([]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	nCerts := payload[0]

	pos := 1
	var cert4, cert5 *torCert

	for i := uint8(0); i < nCerts; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("certs cell truncated at cert %d", i)
		}
		certType := payload[pos]
		certLen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+certLen > len(payload) {
			return nil, fmt.Errorf("cert %d data overflows (type=%d, len=%d)", i, certType, certLen)
		}
		certData := payload[pos : pos+certLen]
		pos += certLen

		switch certType {
		case certTypeIdentitySigning:
			tc, err := parseTorCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 4: %w", err)
			}
			cert4 = tc
		case certTypeSigningTLS:
			tc, err := parseTorCert(certData)
			if err != nil {
				return nil, fmt.Errorf("parse cert type 5: %w", err)
			}
			cert5 = tc
		}
	}

	if cert4 == nil {
		return nil, fmt.Errorf("missing CertType 4 (IDENTITY_V_SIGNING)")
	}
	if cert5 == nil {
		return nil, fmt.Errorf("missing CertType 5 (SIGNING_V_TLS_CERT)")
	}

	if err := cert4.verify(nil); err != nil {
		return nil, fmt.Errorf("cert type 4 verification: %w", err)
	}
	identityKey := cert4.SigningKey
	signingKey := cert4.CertifiedKey

	if err := cert5.verify(signingKey[:]); err != nil {
		return nil, fmt.Errorf("cert type 5 verification: %w", err)
	}

	if cert5.KeyType != 0x03 {
		return nil, fmt.Errorf("cert type 5 key type should be 0x03 (SHA256-of-X509), got 0x%02x", cert5.KeyType)
	}
	if !hmac.Equal(cert5.CertifiedKey[:], peerCertHash[:32]) {
		return nil, fmt.Errorf("cert type 5 certified key does not match TLS certificate hash")
	}

	return identityKey[:], nil
}
