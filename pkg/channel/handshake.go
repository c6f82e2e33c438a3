// Package channel: the initiator side of the link handshake.
package channel

import (
	"context"
	"crypto/hmac"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
)

// SupportedLinkVersions lists the link protocols this client speaks
var SupportedLinkVersions = []uint16{4, 5}

// Identity is the authenticated identity pair of a relay
type Identity struct {
	Ed25519 [32]byte
	RSA     [20]byte // SHA-1 of the relay's RSA identity key
}

// Equal compares identity pairs in constant time
func (id Identity) Equal(other Identity) bool {
	return hmac.Equal(id.Ed25519[:], other.Ed25519[:]) && hmac.Equal(id.RSA[:], other.RSA[:])
}

// HandshakeConfig carries the handshake's external inputs. PeerCertDER is
// the DER encoding of the TLS certificate the transport presented; Now is
// the wall clock (nil means time.Now) and is injectable for tests.
type HandshakeConfig struct {
	Target      Identity
	PeerCertDER []byte
	Now         func() time.Time
	Timeout     time.Duration
}

// handshakeResult is what the handshake leaves behind for the channel
type handshakeResult struct {
	linkVersion uint16
	skew        time.Duration
	peer        Identity
	netinfo     *cell.Netinfo
}

// runHandshake performs the strict initiator handshake over an established
// transport, leaving the codec in the open state on success.
//
// Order and failure points:
//  1. send VERSIONS, recording wall and monotonic time at flush
//  2. receive VERSIONS, negotiate max-common (ErrNoSharedLinkProtocol if none)
//  3. read cells until NETINFO: at most one CERTS and one AUTH_CHALLENGE,
//     VPADDING discarded, anything else fatal
//  4. compute the unauthenticated skew from the peer's NETINFO timestamp
//  5. validate the certificate chain; expiry within |skew| becomes the
//     distinct HandshakeCertsExpiredError (the only outcome that
//     authenticates the skew)
//  6. send our NETINFO and open the codec
func runHandshake(conn io.ReadWriter, codec *cell.Codec, cfg *HandshakeConfig, log *logger.Logger) (*handshakeResult, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	// Step 1: our VERSIONS.
	if err := codec.WriteCell(conn, cell.NewVersionsCell(SupportedLinkVersions)); err != nil {
		return nil, fmt.Errorf("send VERSIONS: %w", err)
	}
	wallSend := now()
	monoStart := time.Now() // monotonic reference for the RTT midpoint

	// Step 2: peer VERSIONS.
	vcell, err := codec.ReadCell(conn)
	if err != nil {
		return nil, fmt.Errorf("read VERSIONS: %w", err)
	}
	if vcell.Command != cell.CmdVersions {
		return nil, fmt.Errorf("expected VERSIONS, got %s", vcell.Command)
	}
	theirs, err := cell.ParseVersions(vcell.Payload)
	if err != nil {
		return nil, err
	}
	link := cell.NegotiateVersion(SupportedLinkVersions, theirs)
	if link == 0 {
		return nil, errors.ErrNoSharedLinkProtocol
	}
	if err := codec.SetLinkVersion(link); err != nil {
		return nil, err
	}
	log.Debug("link version negotiated", "version", link)

	// Step 3: collect CERTS and AUTH_CHALLENGE, then NETINFO.
	var certsPayload []byte
	var sawAuthChallenge bool
	var netinfoCell *cell.Cell
	for netinfoCell == nil {
		c, err := codec.ReadCell(conn)
		if err != nil {
			return nil, fmt.Errorf("read handshake cell: %w", err)
		}
		switch c.Command {
		case cell.CmdCerts:
			if certsPayload != nil {
				return nil, fmt.Errorf("duplicate CERTS cell")
			}
			certsPayload = c.Payload
		case cell.CmdAuthChallenge:
			if sawAuthChallenge {
				return nil, fmt.Errorf("duplicate AUTH_CHALLENGE cell")
			}
			if _, err := cell.ParseAuthChallenge(c.Payload); err != nil {
				return nil, fmt.Errorf("parse AUTH_CHALLENGE: %w", err)
			}
			sawAuthChallenge = true
		case cell.CmdVPadding, cell.CmdPadding:
			// Padding is legal during the handshake; drop it.
		case cell.CmdNetinfo:
			netinfoCell = c
		default:
			return nil, fmt.Errorf("unexpected %s during handshake", c.Command)
		}
	}
	recvElapsed := time.Since(monoStart)

	if certsPayload == nil {
		return nil, fmt.Errorf("peer sent NETINFO without CERTS")
	}

	// Step 4: unauthenticated clock skew. The peer's timestamp is compared
	// against our send time plus half the measured round trip.
	netinfo, err := cell.ParseNetinfo(netinfoCell.Payload)
	if err != nil {
		return nil, fmt.Errorf("parse NETINFO: %w", err)
	}
	var skew time.Duration
	if netinfo.Timestamp != 0 {
		peerTime := time.Unix(int64(netinfo.Timestamp), 0)
		localEstimate := wallSend.Add(recvElapsed / 2)
		skew = peerTime.Sub(localEstimate)
	}

	// Step 5: certificate validation.
	entries, err := cell.ParseCerts(certsPayload)
	if err != nil {
		return nil, fmt.Errorf("parse CERTS: %w", err)
	}
	absSkew := skew
	if absSkew < 0 {
		absSkew = -absSkew
	}
	validated, expiredBy, err := validateCertChain(entries, cfg.PeerCertDER, now(), absSkew)
	if err != nil {
		return nil, fmt.Errorf("validate CERTS: %w", err)
	}
	if expiredBy > 0 {
		// Certificates lapsed within the measured skew: report the skew as
		// authenticated and let the caller retry after correcting the clock.
		return nil, &errors.HandshakeCertsExpiredError{ExpiredBy: expiredBy, Skew: skew}
	}

	peer := Identity{Ed25519: validated.edIdentity, RSA: validated.rsaIdentity}
	if !peer.Equal(cfg.Target) {
		return nil, fmt.Errorf("peer identity does not match expected target")
	}

	// Step 6: our NETINFO completes the handshake.
	ourNetinfo := &cell.Netinfo{
		Timestamp: 0, // not stated, to avoid fingerprinting our clock
		OtherAddr: pickPeerAddr(netinfo),
	}
	body, err := ourNetinfo.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode NETINFO: %w", err)
	}
	if err := codec.WriteCell(conn, &cell.Cell{CircID: 0, Command: cell.CmdNetinfo, Payload: body}); err != nil {
		return nil, fmt.Errorf("send NETINFO: %w", err)
	}
	codec.SetOpen()

	log.Debug("link handshake complete", "version", link, "skew", skew)
	return &handshakeResult{
		linkVersion: link,
		skew:        skew,
		peer:        peer,
		netinfo:     netinfo,
	}, nil
}

// pickPeerAddr chooses the address to echo in our NETINFO: the first
// address the peer claimed as its own, falling back to an unspecified one.
func pickPeerAddr(peer *cell.Netinfo) net.IP {
	if len(peer.MyAddrs) > 0 {
		return peer.MyAddrs[0]
	}
	return net.IPv4zero
}

// handshakeDeadline applies the configured timeout to a net.Conn for the
// duration of the handshake, clearing it afterwards.
func handshakeDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return func() { _ = conn.SetDeadline(time.Time{}) }
}
