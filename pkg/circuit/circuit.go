// Package circuit implements client circuits: the single-owner reactor per
// tunnel, the ntor extend protocol, stream multiplexing, and flow control.
// A tunnel is one circuit or a conflux set of circuits sharing a join point.
package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/onionkit/onionkit/pkg/channel"
	"github.com/onionkit/onionkit/pkg/flow"
)

// MaxHops bounds the length of a circuit
const MaxHops = 8

// RelayInfo identifies a relay a circuit can extend to
type RelayInfo struct {
	Identity     channel.Identity
	Addr         string // IP:port of the ORPort
	NtorOnionKey [32]byte
}

// hop is one relay participating in this circuit
type hop struct {
	info    RelayInfo
	cc      flow.CongestionControl
	streams *streamMap

	// sentAt queues the send times of window-counted cells so a SENDME can
	// be turned into an RTT sample.
	sentAt []time.Time
}

// newHop creates hop state with the negotiated congestion algorithm
func newHop(info RelayInfo, alg flow.Algorithm) *hop {
	var cc flow.CongestionControl
	if alg == flow.AlgorithmVegas {
		cc = flow.NewVegas()
	} else {
		cc = flow.NewCircFixedWindow()
	}
	return &hop{
		info:    info,
		cc:      cc,
		streams: newStreamMap(),
	}
}

// noteDataSent records a window-counted send for RTT accounting
func (h *hop) noteDataSent(now time.Time) {
	h.cc.NoteCellSent()
	if len(h.sentAt) < 4096 {
		h.sentAt = append(h.sentAt, now)
	}
}

// noteSendme consumes queued send times and feeds the RTT sample to the
// congestion controller.
func (h *hop) noteSendme(now time.Time) {
	var rtt time.Duration
	if len(h.sentAt) > 0 {
		rtt = now.Sub(h.sentAt[0])
		drop := h.cc.SendmeIncrement()
		if drop > len(h.sentAt) {
			drop = len(h.sentAt)
		}
		h.sentAt = h.sentAt[drop:]
	}
	h.cc.NoteSendmeReceived(rtt)
}

// streamState is the per-stream protocol state machine
type streamState int

const (
	// streamReady: BEGIN sent, CONNECTED not yet received
	streamReady streamState = iota
	// streamOpen: CONNECTED received, data flows
	streamOpen
	// streamLocalClosed: we sent END, awaiting the grace period
	streamLocalClosed
	// streamRemoteClosed: the remote sent END
	streamRemoteClosed
	// streamClosed: fully closed
	streamClosed
)

// String returns a string representation of the state
func (s streamState) String() string {
	switch s {
	case streamReady:
		return "READY"
	case streamOpen:
		return "OPEN"
	case streamLocalClosed:
		return "LOCAL_CLOSED"
	case streamRemoteClosed:
		return "REMOTE_CLOSED"
	case streamClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// streamEnt is the reactor-owned state of one stream
type streamEnt struct {
	id    uint16
	state streamState

	// incoming delivers in-order data to the application handle
	incoming chan []byte
	// endErr is set before incoming is closed
	endErr error

	// connected receives nil on CONNECTED or the END error; buffered so the
	// reactor never blocks on it.
	connected chan error

	// window is the per-stream legacy window; nil when the hop runs a
	// modern algorithm (streams then use XON/XOFF instead).
	window *flow.FixedWindow

	// xon watches the incoming queue and emits XON/XOFF edges
	xon *flow.XonXoffController

	// paused is set when the remote sent XOFF for this stream
	paused bool
	// pending holds writes deferred while paused or window-blocked
	pending [][]byte
}

// halfCloseGrace is how long a locally-closed stream lingers so late cells
// for it are still recognized rather than treated as violations.
const halfCloseGrace = 30 * time.Second

// streamMap tracks the streams attached at one hop. A conflux set installs
// one shared map at the join point of every leg.
type streamMap struct {
	streams    map[uint16]*streamEnt
	halfClosed map[uint16]time.Time
}

func newStreamMap() *streamMap {
	return &streamMap{
		streams:    make(map[uint16]*streamEnt),
		halfClosed: make(map[uint16]time.Time),
	}
}

// allocID picks a random unused nonzero stream ID
func (m *streamMap) allocID() (uint16, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var buf [2]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to generate stream ID: %w", err)
		}
		id := binary.BigEndian.Uint16(buf[:])
		if id == 0 {
			continue
		}
		if _, used := m.streams[id]; used {
			continue
		}
		if _, used := m.halfClosed[id]; used {
			continue
		}
		return id, nil
	}
	return 0, fmt.Errorf("no available stream IDs")
}

// get returns a live stream entry
func (m *streamMap) get(id uint16) (*streamEnt, bool) {
	ent, ok := m.streams[id]
	return ent, ok
}

// halfClose moves a stream to the half-closed list, to be garbage-collected
// after the grace period.
func (m *streamMap) halfClose(id uint16, now time.Time) {
	delete(m.streams, id)
	m.halfClosed[id] = now
}

// gc drops half-closed entries whose grace timer has fired
func (m *streamMap) gc(now time.Time) {
	for id, at := range m.halfClosed {
		if now.Sub(at) >= halfCloseGrace {
			delete(m.halfClosed, id)
		}
	}
}
