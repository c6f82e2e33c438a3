// Package channel manages the TLS-borne link to one relay: the link
// handshake, cell multiplexing across circuits, padding, and teardown.
// Each channel is owned by its reactor; everything else talks to it through
// bounded queues.
package channel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/logger"
	"github.com/onionkit/onionkit/pkg/memquota"
)

// sendQueueLen bounds the outgoing cell queue; senders block (backpressure)
// when the transport cannot drain fast enough.
const sendQueueLen = 64

// circuitQueueLen bounds each circuit's incoming cell queue
const circuitQueueLen = 32

// cellCost is the accounting cost of one queued cell
const cellCost = cell.CellLen

var nextChannelID atomic.Uint64

// Channel is an open, authenticated link to one relay.
type Channel struct {
	id     uint64
	conn   io.ReadWriteCloser
	codec  *cell.Codec
	logger *logger.Logger

	mu       sync.Mutex
	circuits map[uint32]chan *cell.Cell
	closed   bool
	closeErr error

	sendCh    chan *cell.Cell
	closeCh   chan struct{}
	closeOnce sync.Once

	linkVersion uint16
	skew        time.Duration
	peer        Identity

	partn *memquota.Participation

	paddingMu     sync.Mutex
	paddingParams cell.PaddingNegotiate
}

// Open performs the link handshake on an established transport and starts
// the channel reactor. The transport's TLS certificate must be supplied in
// cfg.PeerCertDER; cfg.Target is the identity we expect to authenticate.
func Open(ctx context.Context, conn io.ReadWriteCloser, cfg *HandshakeConfig, acct *memquota.Account, log *logger.Logger) (*Channel, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	id := nextChannelID.Add(1)
	clog := log.Component("channel").Channel(id)

	var restore func()
	if nc, ok := conn.(net.Conn); ok {
		restore = handshakeDeadline(ctx, nc, cfg.Timeout)
	}

	codec := cell.NewCodec()
	hs, err := runHandshake(conn, codec, cfg, clog)
	if restore != nil {
		restore()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	ch := &Channel{
		id:          id,
		conn:        conn,
		codec:       codec,
		logger:      clog,
		circuits:    make(map[uint32]chan *cell.Cell),
		sendCh:      make(chan *cell.Cell, sendQueueLen),
		closeCh:     make(chan struct{}),
		linkVersion: hs.linkVersion,
		skew:        hs.skew,
		peer:        hs.peer,
	}
	if acct != nil {
		ch.partn = acct.Participate(ch)
	}

	go ch.readLoop()
	go ch.writeLoop()

	clog.Info("channel open", "link_version", hs.linkVersion, "skew", hs.skew)
	return ch, nil
}

// Dial connects to a relay over TLS and opens a channel to it. Relays use
// self-signed TLS certificates; identity is authenticated by the CERTS
// chain inside the handshake, not by TLS PKI.
func Dial(ctx context.Context, addr string, target Identity, acct *memquota.Account, log *logger.Logger) (*Channel, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify:     true, // #nosec G402 - identity comes from the CERTS chain
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS12,
	}
	tlsConn := tls.Client(tcpConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = tcpConn.Close()
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("no peer TLS certificate")
	}

	cfg := &HandshakeConfig{
		Target:      target,
		PeerCertDER: state.PeerCertificates[0].Raw,
	}
	return Open(ctx, tlsConn, cfg, acct, log)
}

// LinkVersion returns the negotiated link protocol version
func (ch *Channel) LinkVersion() uint16 {
	return ch.linkVersion
}

// ClockSkew returns the measured clock skew against the peer. It is
// unauthenticated unless the handshake returned HandshakeCertsExpiredError.
func (ch *Channel) ClockSkew() time.Duration {
	return ch.skew
}

// Peer returns the authenticated identity pair of the relay
func (ch *Channel) Peer() Identity {
	return ch.peer
}

// TLSCertHash returns the SHA-256 digest of a TLS certificate, the binding
// checked against the SIGNING_V_TLS_CERT certificate.
func TLSCertHash(der []byte) [32]byte {
	return sha256.Sum256(der)
}

// NewCircuit allocates an unused circuit ID and registers a queue for the
// circuit's incoming cells. As the initiating side we set the high bit.
func (ch *Channel) NewCircuit() (uint32, <-chan *cell.Cell, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return 0, nil, errors.ErrChannelClosed
	}

	for attempt := 0; attempt < 64; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, nil, fmt.Errorf("failed to generate circuit ID: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:]) | 0x80000000
		if _, used := ch.circuits[id]; used {
			continue
		}
		q := make(chan *cell.Cell, circuitQueueLen)
		ch.circuits[id] = q
		return id, q, nil
	}
	return 0, nil, fmt.Errorf("no available circuit IDs")
}

// RemoveCircuit unregisters a circuit's incoming queue
func (ch *Channel) RemoveCircuit(id uint32) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if q, ok := ch.circuits[id]; ok {
		delete(ch.circuits, id)
		close(q)
	}
}

// Send enqueues an outgoing cell, blocking when the transport sink is full.
func (ch *Channel) Send(ctx context.Context, c *cell.Cell) error {
	if ch.partn != nil {
		if err := ch.partn.Claim(cellCost); err != nil {
			return fmt.Errorf("memory quota: %w", err)
		}
	}
	select {
	case ch.sendCh <- c:
		return nil
	case <-ch.closeCh:
		if ch.partn != nil {
			ch.partn.Release(cellCost)
		}
		return errors.ErrChannelClosed
	case <-ctx.Done():
		if ch.partn != nil {
			ch.partn.Release(cellCost)
		}
		return ctx.Err()
	}
}

// Close flushes nothing further and tears down all circuits
func (ch *Channel) Close() error {
	ch.closeWithError(errors.ErrChannelClosed)
	return nil
}

// Reclaim implements memquota.Participant: over quota, the channel gives
// back its memory by shutting down.
func (ch *Channel) Reclaim() {
	ch.logger.Warn("memory reclaim requested, closing channel")
	ch.closeWithError(errors.ResourceError("channel reclaimed by memory quota", nil))
}

// Error returns the error the channel closed with, if any
func (ch *Channel) Error() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeErr
}

func (ch *Channel) closeWithError(err error) {
	ch.closeOnce.Do(func() {
		ch.mu.Lock()
		ch.closed = true
		ch.closeErr = err
		circuits := ch.circuits
		ch.circuits = make(map[uint32]chan *cell.Cell)
		ch.mu.Unlock()

		close(ch.closeCh)
		_ = ch.conn.Close()

		// Closing each queue is the channel-closed signal to its circuit.
		for _, q := range circuits {
			close(q)
		}
		if ch.partn != nil {
			ch.partn.Destroy()
		}
		ch.logger.Info("channel closed", "error", err)
	})
}

// writeLoop is the only writer to the transport
func (ch *Channel) writeLoop() {
	for {
		select {
		case c := <-ch.sendCh:
			if err := ch.codec.WriteCell(ch.conn, c); err != nil {
				ch.logger.Error("cell write failed", "error", err)
				ch.closeWithError(fmt.Errorf("cell write failed: %w", err))
				return
			}
			if ch.partn != nil {
				ch.partn.Release(cellCost)
			}
		case <-ch.closeCh:
			return
		}
	}
}

// readLoop decodes incoming cells and dispatches them by circuit ID
func (ch *Channel) readLoop() {
	for {
		c, err := ch.codec.ReadCell(ch.conn)
		if err != nil {
			select {
			case <-ch.closeCh:
				return
			default:
			}
			ch.closeWithError(fmt.Errorf("cell read failed: %w", err))
			return
		}

		if c.CircID == 0 {
			if err := ch.handleControlCell(c); err != nil {
				ch.closeWithError(err)
				return
			}
			continue
		}

		ch.mu.Lock()
		q, ok := ch.circuits[c.CircID]
		ch.mu.Unlock()

		if !ok {
			// Unknown circuit: answer with DESTROY(PROTOCOL) and drop.
			ch.logger.Debug("cell for unknown circuit", "circuit_id", c.CircID, "command", c.Command)
			select {
			case ch.sendCh <- cell.NewDestroyCell(c.CircID, cell.DestroyReasonProtocol):
			case <-ch.closeCh:
				return
			}
			continue
		}

		select {
		case q <- c:
		case <-ch.closeCh:
			return
		default:
			// A circuit that cannot drain its queue is protocol-broken.
			ch.logger.Warn("circuit queue overflow", "circuit_id", c.CircID)
			ch.RemoveCircuit(c.CircID)
		}
	}
}

// handleControlCell processes circuit-ID-zero cells after the handshake
func (ch *Channel) handleControlCell(c *cell.Cell) error {
	switch c.Command {
	case cell.CmdPadding, cell.CmdVPadding:
		// Channel padding is dropped silently.
		return nil
	case cell.CmdPaddingNegotiate:
		p, err := cell.ParsePaddingNegotiate(c.Payload)
		if err != nil {
			return fmt.Errorf("parse PADDING_NEGOTIATE: %w", err)
		}
		ch.paddingMu.Lock()
		ch.paddingParams = *p
		ch.paddingMu.Unlock()
		ch.logger.Debug("padding parameters updated", "command", p.Command,
			"ito_low_ms", p.ItoLowMs, "ito_high_ms", p.ItoHighMs)
		return nil
	default:
		if !c.Command.IsRecognized() {
			// Unknown commands in the open state are ignored for forward
			// compatibility.
			ch.logger.Debug("ignoring unknown command", "command", byte(c.Command))
			return nil
		}
		return fmt.Errorf("unexpected control cell %s", c.Command)
	}
}

// PaddingParams returns the most recent negotiated padding parameters
func (ch *Channel) PaddingParams() cell.PaddingNegotiate {
	ch.paddingMu.Lock()
	defer ch.paddingMu.Unlock()
	return ch.paddingParams
}
