package circuit

import (
	"context"
	"crypto/sha1" // #nosec G505 - ntor node IDs are SHA-1 RSA fingerprints
	"net"
	"strconv"
	"time"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/errors"
	"github.com/onionkit/onionkit/pkg/ntor"
	"github.com/onionkit/onionkit/pkg/relaycrypto"
)

// ntorState abstracts the pending handshake so tests can stub it
type ntorState interface {
	ClientData() [ntor.HandshakeLen]byte
	Complete(serverData [ntor.ReplyLen]byte) (*ntor.KeyMaterial, error)
	Close()
}

var _ ntorState = (*ntor.HandshakeState)(nil)

// startExtend begins an ntor extend: CREATE2 for the first hop, EXTEND2
// wrapped in RELAY_EARLY for later hops. The reply arrives when CREATED2 or
// EXTENDED2 comes back, or when the build timeout fires.
func (t *Tunnel) startExtend(m ctrlExtend) {
	if t.extending != nil {
		m.reply <- errors.CircuitError("extend already in progress", nil)
		return
	}
	if t.cfx != nil {
		m.reply <- errors.CircuitError("cannot extend a conflux tunnel", nil)
		return
	}
	l := t.primaryLeg()
	if l == nil {
		m.reply <- errors.ErrCircuitClosed
		return
	}
	if len(l.hops) >= MaxHops {
		m.reply <- errors.CircuitError("circuit already at maximum length", nil)
		return
	}

	var nodeID [20]byte = m.target.Identity.RSA
	hs, err := ntor.NewHandshake(nodeID, m.target.NtorOnionKey)
	if err != nil {
		m.reply <- errors.CryptoError("ntor handshake setup failed", err)
		return
	}

	ex := &extendState{
		leg:      l,
		hs:       hs,
		target:   m.target,
		deadline: time.Now().Add(t.cfg.BuildTimeout),
		reply:    m.reply,
	}

	hdata := hs.ClientData()
	if len(l.hops) == 0 {
		// First hop: CREATE2 straight on the channel.
		body := make([]byte, 4+len(hdata))
		body[0] = 0
		body[1] = cell.HandshakeTypeNtor
		body[2] = byte(len(hdata) >> 8)
		body[3] = byte(len(hdata))
		copy(body[4:], hdata[:])
		c := &cell.Cell{CircID: l.circID, Command: cell.CmdCreate2, Payload: body}
		if err := l.chn.Send(context.Background(), c); err != nil {
			hs.Close()
			m.reply <- errors.ChannelError("CREATE2 send failed", err)
			return
		}
	} else {
		// Later hops: EXTEND2 to the current last hop as RELAY_EARLY.
		specs, err := linkSpecsFor(m.target)
		if err != nil {
			hs.Close()
			m.reply <- errors.CircuitError("bad extend target", err)
			return
		}
		e2 := &cell.Extend2{
			Specs:         specs,
			HandshakeType: cell.HandshakeTypeNtor,
			HandshakeData: hdata[:],
		}
		body, err := e2.Encode()
		if err != nil {
			hs.Close()
			m.reply <- errors.CircuitError("EXTEND2 encode failed", err)
			return
		}
		rc := cell.NewRelayCell(0, cell.RelayExtend2, body)
		t.sendRelay(l, l.lastHopIdx(), rc, true)
	}
	t.extending = ex
}

// linkSpecsFor builds the link specifiers identifying an extend target
func linkSpecsFor(target RelayInfo) ([]cell.LinkSpec, error) {
	specs := []cell.LinkSpec{
		cell.NewLinkSpecLegacyID(target.Identity.RSA),
		cell.NewLinkSpecEd25519(target.Identity.Ed25519),
	}
	if host, port, ok := splitHostPort(target.Addr); ok {
		if s, err := cell.NewLinkSpecIPv4(host, port); err == nil {
			specs = append([]cell.LinkSpec{s}, specs...)
		}
	}
	return specs, nil
}

// handleCreated2 completes the first-hop handshake; true means reactor exit
func (t *Tunnel) handleCreated2(l *leg, c *cell.Cell) bool {
	ex := t.extending
	if ex == nil || ex.leg != l || len(l.hops) != 0 {
		t.destroyAndTeardown(errors.ProtocolError("unexpected CREATED2", nil))
		return true
	}
	if len(c.Payload) < 2 {
		t.failExtend(errors.ProtocolError("CREATED2 too short", nil))
		return false
	}
	hlen := int(c.Payload[0])<<8 | int(c.Payload[1])
	if hlen < ntor.ReplyLen || len(c.Payload) < 2+hlen {
		t.failExtend(errors.ProtocolError("CREATED2 handshake truncated", nil))
		return false
	}
	var reply [ntor.ReplyLen]byte
	copy(reply[:], c.Payload[2:2+ntor.ReplyLen])
	t.completeExtend(reply)
	return false
}

// completeExtend derives the new hop's keys and appends it to the circuit
func (t *Tunnel) completeExtend(serverData [ntor.ReplyLen]byte) {
	ex := t.extending
	t.extending = nil

	km, err := ex.hs.Complete(serverData)
	if err != nil {
		ex.reply <- errors.CryptoError("ntor handshake failed", err)
		return
	}

	hc, err := relaycrypto.NewHopCrypto(t.cfg.RelayFormat, km)
	if err != nil {
		ex.reply <- errors.CryptoError("hop crypto setup failed", err)
		return
	}

	ex.leg.crypto.AddHop(hc)
	ex.leg.hops = append(ex.leg.hops, newHop(ex.target, t.cfg.Algorithm))
	t.logger.Info("circuit extended", "hops", len(ex.leg.hops))
	ex.reply <- nil
}

// failExtend reports an extend failure without tearing the tunnel down
func (t *Tunnel) failExtend(err error) {
	if ex := t.extending; ex != nil {
		t.extending = nil
		ex.hs.Close()
		ex.reply <- err
	}
}

// handleRelay dispatches a decoded relay message; true means reactor exit
func (t *Tunnel) handleRelay(l *leg, hopIdx int, rc *cell.RelayCell) bool {
	// Extend replies are intercepted before anything else.
	if ex := t.extending; ex != nil && ex.leg == l {
		switch rc.Command {
		case cell.RelayExtended2:
			e2, err := cell.ParseExtended2(rc.Data)
			if err != nil || len(e2.HandshakeData) < ntor.ReplyLen {
				t.failExtend(errors.ProtocolError("malformed EXTENDED2", err))
				return false
			}
			var reply [ntor.ReplyLen]byte
			copy(reply[:], e2.HandshakeData[:ntor.ReplyLen])
			t.completeExtend(reply)
			return false
		case cell.RelayTruncated:
			t.failExtend(errors.CircuitError("extend refused: circuit truncated", nil))
			return false
		}
	}

	switch rc.Command {
	case cell.RelayConfluxLinked:
		return t.handleConfluxLinked(l, rc)
	case cell.RelayConfluxSwitch:
		if t.cfx == nil {
			t.destroyAndTeardown(errors.ProtocolError("SWITCH outside a conflux set", nil))
			return true
		}
		sw, err := cell.ParseConfluxSwitch(rc.Data)
		if err != nil {
			t.destroyAndTeardown(errors.ProtocolError("malformed SWITCH", err))
			return true
		}
		if err := t.cfx.HandleSwitch(l.id, sw); err != nil {
			t.destroyAndTeardown(errors.ProtocolError("SWITCH rejected", err))
			return true
		}
		return false
	case cell.RelayTruncated:
		t.teardown(errors.CircuitError("circuit truncated by relay", nil))
		return true
	case cell.RelayDrop:
		return false
	}

	// Multiplexed traffic at the join point goes through conflux ordering.
	if t.cfx != nil && hopIdx == l.lastHopIdx() && rc.Command.CountsTowardSequence() {
		deliverable, err := t.cfx.NoteReceived(l.id, rc)
		if err != nil {
			t.destroyAndTeardown(errors.ProtocolError("conflux sequence violation", err))
			return true
		}
		for _, d := range deliverable {
			if t.dispatchStreamMsg(l, hopIdx, d) {
				return true
			}
		}
		return false
	}

	return t.dispatchStreamMsg(l, hopIdx, rc)
}

// handleConfluxLinked processes a LINKED reply and acknowledges it
func (t *Tunnel) handleConfluxLinked(l *leg, rc *cell.RelayCell) bool {
	if t.cfx == nil {
		t.destroyAndTeardown(errors.ProtocolError("LINKED outside a conflux set", nil))
		return true
	}
	msg, err := cell.ParseConfluxLink(rc.Data)
	if err != nil {
		t.destroyAndTeardown(errors.ProtocolError("malformed LINKED", err))
		return true
	}
	if err := t.cfx.HandleLinked(l.id, msg); err != nil {
		t.destroyAndTeardown(errors.ProtocolError("LINKED rejected", err))
		return true
	}
	ack := cell.NewRelayCell(0, cell.RelayConfluxLinkedAck, nil)
	t.sendRelay(l, l.lastHopIdx(), ack, false)
	t.logger.Info("conflux leg linked", "leg_id", uint32(l.id))
	return false
}

// dispatchStreamMsg routes one in-order relay message to its stream;
// true means reactor exit.
func (t *Tunnel) dispatchStreamMsg(l *leg, hopIdx int, rc *cell.RelayCell) bool {
	h := l.hops[hopIdx]

	switch rc.Command {
	case cell.RelaySendme:
		if rc.StreamID == 0 {
			h.noteSendme(time.Now())
			return false
		}
		if ent, ok := h.streams.get(rc.StreamID); ok && ent.window != nil {
			ent.window.NoteSendmeReceived(0)
		}
		return false

	case cell.RelayData:
		if rc.StreamID == 0 {
			t.destroyAndTeardown(errors.ProtocolError("DATA with zero stream ID", nil))
			return true
		}
		// Circuit-level accounting happens whether or not the stream lives.
		if h.cc.NoteCellReceived() {
			sendme := cell.NewRelayCell(0, cell.RelaySendme, (&cell.Sendme{Version: cell.SendmeVersionTagless}).Encode())
			t.sendRelay(l, hopIdx, sendme, false)
		}

		ent, ok := h.streams.get(rc.StreamID)
		if !ok {
			if _, half := h.streams.halfClosed[rc.StreamID]; half {
				return false
			}
			t.destroyAndTeardown(errors.ProtocolError("DATA for unknown stream", nil))
			return true
		}
		if ent.state == streamReady {
			t.destroyAndTeardown(errors.ProtocolError("DATA before CONNECTED", nil))
			return true
		}
		select {
		case ent.incoming <- rc.Data:
		default:
			t.logger.Warn("stream receive queue full, dropping data", "stream_id", rc.StreamID)
		}
		if ent.window != nil && ent.window.NoteCellReceived() {
			sendme := cell.NewRelayCell(ent.id, cell.RelaySendme, nil)
			t.sendRelay(l, hopIdx, sendme, false)
		}
		// XON/XOFF watches the queue depth in bytes.
		queued := len(ent.incoming) * cell.MaxRelayDataLenV0
		if xon, xoff := ent.xon.NoteQueueLen(queued); xon != nil {
			t.sendRelay(l, hopIdx, cell.NewRelayCell(ent.id, cell.RelayXon, xon.Encode()), false)
		} else if xoff != nil {
			t.sendRelay(l, hopIdx, cell.NewRelayCell(ent.id, cell.RelayXoff, xoff.Encode()), false)
		}
		return false

	case cell.RelayConnected:
		ent, ok := h.streams.get(rc.StreamID)
		if !ok {
			t.destroyAndTeardown(errors.ProtocolError("CONNECTED for unknown stream", nil))
			return true
		}
		if ent.state != streamReady {
			t.destroyAndTeardown(errors.ProtocolError("CONNECTED on an open stream", nil))
			return true
		}
		ent.state = streamOpen
		select {
		case ent.connected <- nil:
		default:
		}
		return false

	case cell.RelayEnd:
		reason := errors.EndReasonMisc
		if len(rc.Data) > 0 {
			reason = errors.EndReason(rc.Data[0])
		}
		ent, ok := h.streams.get(rc.StreamID)
		if !ok {
			// END for a half-closed stream acknowledges our own END.
			delete(h.streams.halfClosed, rc.StreamID)
			return false
		}
		endErr := &errors.EndError{Reason: reason}
		if ent.state == streamLocalClosed {
			ent.state = streamClosed
		} else {
			ent.state = streamRemoteClosed
		}
		t.finishStream(h, ent, endErr)
		return false

	case cell.RelayXoff:
		if ent, ok := h.streams.get(rc.StreamID); ok {
			ent.paused = true
		}
		return false

	case cell.RelayXon:
		ent, ok := h.streams.get(rc.StreamID)
		if !ok {
			return false
		}
		ent.paused = false
		for _, data := range ent.pending {
			t.queueData(ent, data)
		}
		ent.pending = nil
		t.flushPending()
		return false

	case cell.RelayExtended2, cell.RelayConfluxLinkedAck:
		t.destroyAndTeardown(errors.ProtocolError("unexpected "+rc.Command.String(), nil))
		return true

	default:
		t.logger.Debug("ignoring relay message", "command", rc.Command.String())
		return false
	}
}

// splitHostPort parses an IP:port address; ok is false for hostnames
func splitHostPort(addr string) (net.IP, uint16, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, 0, false
	}
	return ip, uint16(port), true
}

// NodeIDFromRSA derives the 20-byte ntor node ID from an RSA identity key
// encoding; kept for callers that carry raw keys.
func NodeIDFromRSA(der []byte) [20]byte {
	return sha1.Sum(der) // #nosec G401
}
