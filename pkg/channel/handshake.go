package channel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/go-tor/pkg/cell"
	torerrors "github.com/opd-ai/go-tor/pkg/errors"
)

// handshake performs the link-protocol exchange described in
// tor-spec.txt section 4.1: VERSIONS, then CERTS, then AUTH_CHALLENGE
// (discarded — this client never authenticates the link), then NETINFO
// in both directions.
func (ch *Channel) handshake(ctx context.Context, expectedIdentity []byte) error {
	// Closing the connection when ctx is done unblocks any pending read or
	// write, so the caller's deadline bounds the whole exchange.
	stop := context.AfterFunc(ctx, func() { _ = ch.conn.Close() })
	defer stop()

	tlsState, err := ch.conn.TLSConnectionState()
	if err != nil {
		return torerrors.WrapKind(torerrors.KindInternal, torerrors.RetryNever, "no TLS state after connect", err)
	}
	if len(tlsState.PeerCertificates) == 0 {
		return torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever, "relay presented no TLS certificate")
	}
	peerCertHash := sha256.Sum256(tlsState.PeerCertificates[0].Raw)

	versionsCell := cell.NewCell(0, cell.CmdVersions)
	versionsCell.Payload = buildVersionsPayload(clientLinkVersions)
	if err := ch.conn.SendCell(versionsCell); err != nil {
		return torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "send VERSIONS", err)
	}

	serverVersionsCell, err := ch.conn.ReceiveCell()
	if err != nil {
		return torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "read VERSIONS", err)
	}
	if serverVersionsCell.Command != cell.CmdVersions {
		return torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever,
			fmt.Sprintf("expected VERSIONS, got %s", serverVersionsCell.Command))
	}
	serverVersions := parseVersionsPayload(serverVersionsCell.Payload)
	negotiated := negotiateVersion(serverVersions)
	if negotiated == 0 {
		return torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever,
			fmt.Sprintf("no common link protocol version (relay offered %v)", serverVersions))
	}
	ch.version = negotiated

	certsCell, err := ch.readExpectedCell(cell.CmdCerts)
	if err != nil {
		return err
	}
	identity, err := validateCerts(certsCell.Payload, peerCertHash[:])
	if err != nil {
		return torerrors.WrapKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever, "validate CERTS", err)
	}
	if len(expectedIdentity) > 0 && !bytes.Equal(identity, expectedIdentity) {
		return torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever,
			"relay identity does not match expected fingerprint")
	}
	ch.identity = identity

	if _, err := ch.readExpectedCell(cell.CmdAuthChallenge); err != nil {
		return err
	}

	if _, err := ch.readExpectedCell(cell.CmdNetinfo); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(ch.addr)
	if err != nil {
		return torerrors.WrapKind(torerrors.KindBadAPIUsage, torerrors.RetryNever, "parse relay address", err)
	}
	relayIP := net.ParseIP(host).To4()
	if relayIP == nil {
		return torerrors.NewKind(torerrors.KindBadAPIUsage, torerrors.RetryNever, "relay address is not IPv4")
	}
	if err := ch.conn.SendCell(buildNetInfo(relayIP)); err != nil {
		return torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting, "send NETINFO", err)
	}

	return nil
}

// readExpectedCell reads cells, skipping PADDING/VPADDING, until it gets
// the expected command or gives up after too many padding cells.
func (ch *Channel) readExpectedCell(expected cell.Command) (*cell.Cell, error) {
	for i := 0; i < 100; i++ {
		c, err := ch.conn.ReceiveCell()
		if err != nil {
			return nil, torerrors.WrapKind(torerrors.KindTransientFailure, torerrors.RetryAfterWaiting,
				fmt.Sprintf("read %s", expected), err)
		}
		if c.Command == cell.CmdPadding || c.Command == cell.CmdVPadding {
			continue
		}
		if c.Command != expected {
			return nil, torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever,
				fmt.Sprintf("expected %s, got %s", expected, c.Command))
		}
		return c, nil
	}
	return nil, torerrors.NewKind(torerrors.KindRemoteProtocolViolation, torerrors.RetryNever,
		fmt.Sprintf("too many padding cells before %s", expected))
}

func negotiateVersion(serverVersions []uint16) uint16 {
	supported := make(map[uint16]bool, len(clientLinkVersions))
	for _, v := range clientLinkVersions {
		supported[v] = true
	}
	var best uint16
	for _, v := range serverVersions {
		if supported[v] && v > best {
			best = v
		}
	}
	return best
}

func buildVersionsPayload(versions []uint16) []byte {
	buf := make([]byte, len(versions)*2)
	for i, v := range versions {
		binary.BigEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

// parseVersionsPayload reads uint16 version entries until it sees a zero
// entry or runs out of payload. Real Tor VERSIONS cells are variable-length
// and thus self-delimiting; this codec's CmdVersions is encoded as a fixed,
// zero-padded cell (see pkg/cell's >=128 variable-length rule), so a zero
// entry is used as an end marker instead — safe since no real link version
// is ever zero.
func parseVersionsPayload(payload []byte) []uint16 {
	var versions []uint16
	for i := 0; i+1 < len(payload); i += 2 {
		v := binary.BigEndian.Uint16(payload[i:])
		if v == 0 {
			break
		}
		versions = append(versions, v)
	}
	return versions
}

// buildNetInfo creates a client NETINFO cell (tor-spec.txt section 4.5).
func buildNetInfo(relayIP net.IP) *cell.Cell {
	c := cell.NewCell(0, cell.CmdNetinfo)
	payload := make([]byte, 11)
	// TIME left as zero to avoid exposing local clock skew.
	payload[4] = 0x04 // ATYPE: IPv4
	payload[5] = 0x04 // ALEN
	copy(payload[6:10], relayIP)
	payload[10] = 0x00 // NMYADDR = 0: client reports no addresses of its own
	c.Payload = payload
	return c
}
