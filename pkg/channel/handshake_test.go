package channel_test

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/onionkit/onionkit/internal/testrelay"
	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/channel"
	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
)

func quietLogger() *logger.Logger {
	return logger.New(slog.LevelError, io.Discard)
}

// openTestChannel runs a scripted relay on one end of a pipe and opens a
// channel on the other.
func openTestChannel(t *testing.T, opts testrelay.HandshakeOptions) (*channel.Channel, *testrelay.Relay, net.Conn) {
	t.Helper()
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}
	clientConn, serverConn := net.Pipe()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- relay.ServeHandshake(serverConn, opts)
	}()

	cfg := &channel.HandshakeConfig{
		Target:      relay.Identity,
		PeerCertDER: relay.RSACertDER,
		Timeout:     5 * time.Second,
	}
	ch, err := channel.Open(context.Background(), clientConn, cfg, nil, quietLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Fatalf("relay handshake error = %v", err)
	}
	return ch, relay, serverConn
}

// TestVersionNegotiation covers the basic handshake scenario: we offer
// {4,5}, the peer offers {3,4}, and the link settles on 4 with 514-byte
// cells thereafter.
func TestVersionNegotiation(t *testing.T) {
	ch, _, serverConn := openTestChannel(t, testrelay.HandshakeOptions{
		Versions: []uint16{3, 4},
	})
	defer ch.Close()
	defer serverConn.Close()

	if got := ch.LinkVersion(); got != 4 {
		t.Errorf("LinkVersion() = %d, want 4", got)
	}
}

func TestNoSharedLinkProtocol(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		// The client bails after VERSIONS; serve errors are expected.
		_ = relay.ServeHandshake(serverConn, testrelay.HandshakeOptions{Versions: []uint16{1, 2}})
	}()

	cfg := &channel.HandshakeConfig{
		Target:      relay.Identity,
		PeerCertDER: relay.RSACertDER,
		Timeout:     5 * time.Second,
	}
	_, err = channel.Open(context.Background(), clientConn, cfg, nil, quietLogger())
	if !stderrors.Is(err, errors.ErrNoSharedLinkProtocol) {
		t.Errorf("Open() error = %v, want ErrNoSharedLinkProtocol", err)
	}
}

// TestCertsExpiredWithinSkew covers the skew-authentication scenario: the
// peer's clock is an hour ahead and a certificate lapsed half an hour ago.
// The handshake must fail with the distinct certs-expired error carrying
// both quantities.
func TestCertsExpiredWithinSkew(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	// Certificate expirations are encoded in whole hours, so a nominal
	// 30-minute lapse lands anywhere in (30m, 90m]. A two-hour skew keeps
	// the lapse inside the tolerated window either way.
	skew := 2 * time.Hour
	expiredBy := 30 * time.Minute
	go func() {
		_ = relay.ServeHandshake(serverConn, testrelay.HandshakeOptions{
			Versions:         []uint16{4, 5},
			NetinfoTimestamp: uint32(time.Now().Add(skew).Unix()),
			Certs:            testrelay.CertsOptions{IdentityCertExpired: expiredBy},
		})
	}()

	cfg := &channel.HandshakeConfig{
		Target:      relay.Identity,
		PeerCertDER: relay.RSACertDER,
		Timeout:     5 * time.Second,
	}
	_, err = channel.Open(context.Background(), clientConn, cfg, nil, quietLogger())

	var certsErr *errors.HandshakeCertsExpiredError
	if !stderrors.As(err, &certsErr) {
		t.Fatalf("Open() error = %v, want HandshakeCertsExpiredError", err)
	}
	if certsErr.ExpiredBy < 25*time.Minute || certsErr.ExpiredBy > 95*time.Minute {
		t.Errorf("ExpiredBy = %v, want within the encoded lapse window", certsErr.ExpiredBy)
	}
	if certsErr.Skew < skew-5*time.Minute || certsErr.Skew > skew+5*time.Minute {
		t.Errorf("Skew = %v, want about %v", certsErr.Skew, skew)
	}
}

func TestCertsExpiredBeyondSkewIsFatal(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		_ = relay.ServeHandshake(serverConn, testrelay.HandshakeOptions{
			Versions:         []uint16{4, 5},
			NetinfoTimestamp: uint32(time.Now().Unix()), // no skew
			Certs:            testrelay.CertsOptions{IdentityCertExpired: 2 * time.Hour},
		})
	}()

	cfg := &channel.HandshakeConfig{
		Target:      relay.Identity,
		PeerCertDER: relay.RSACertDER,
		Timeout:     5 * time.Second,
	}
	_, err = channel.Open(context.Background(), clientConn, cfg, nil, quietLogger())
	if err == nil {
		t.Fatal("Open() accepted certificates expired beyond the skew")
	}
	var certsErr *errors.HandshakeCertsExpiredError
	if stderrors.As(err, &certsErr) {
		t.Error("expiry beyond the skew must not be the recoverable certs-expired error")
	}
}

func TestIdentityMismatchIsFatal(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		_ = relay.ServeHandshake(serverConn, testrelay.HandshakeOptions{Versions: []uint16{4, 5}})
	}()

	wrong := relay.Identity
	wrong.Ed25519[0] ^= 0xFF
	cfg := &channel.HandshakeConfig{
		Target:      wrong,
		PeerCertDER: relay.RSACertDER,
		Timeout:     5 * time.Second,
	}
	if _, err := channel.Open(context.Background(), clientConn, cfg, nil, quietLogger()); err == nil {
		t.Error("Open() accepted a peer with the wrong identity")
	}
}

// TestUnknownCircuitGetsDestroy checks the multiplexing rule: a cell for a
// circuit ID we never allocated is answered with DESTROY(PROTOCOL).
func TestUnknownCircuitGetsDestroy(t *testing.T) {
	ch, _, serverConn := openTestChannel(t, testrelay.HandshakeOptions{Versions: []uint16{4, 5}})
	defer ch.Close()
	defer serverConn.Close()

	if err := testrelay.WriteRawFixedCell(serverConn, 1234, cell.CmdRelay, make([]byte, cell.PayloadLen)); err != nil {
		t.Fatalf("write relay cell: %v", err)
	}

	circID, cmd, body, err := testrelay.ReadRawCell(serverConn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if cmd != cell.CmdDestroy {
		t.Fatalf("reply command = %v, want DESTROY", cmd)
	}
	if circID != 1234 {
		t.Errorf("DESTROY circuit ID = %d, want 1234", circID)
	}
	if len(body) == 0 || cell.DestroyReason(body[0]) != cell.DestroyReasonProtocol {
		t.Errorf("DESTROY reason = %v, want PROTOCOL", body[0])
	}
}

func TestNewCircuitIDsUniqueHighBit(t *testing.T) {
	ch, _, serverConn := openTestChannel(t, testrelay.HandshakeOptions{Versions: []uint16{4, 5}})
	defer ch.Close()
	defer serverConn.Close()

	seen := make(map[uint32]bool)
	for i := 0; i < 16; i++ {
		id, _, err := ch.NewCircuit()
		if err != nil {
			t.Fatalf("NewCircuit() error = %v", err)
		}
		if id&0x80000000 == 0 {
			t.Errorf("circuit ID %x missing the initiator high bit", id)
		}
		if seen[id] {
			t.Errorf("circuit ID %x allocated twice", id)
		}
		seen[id] = true
	}
}
