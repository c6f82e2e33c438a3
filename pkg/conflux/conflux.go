// Package conflux implements multi-path tunneling: several circuits ending
// at a common join point are bound into one set with in-order delivery over
// absolute sequence numbers, UX-driven leg scheduling, and partial-failure
// semantics. The set holds no goroutines; the owning circuit reactor drives
// it.
package conflux

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/onionkit/onionkit/pkg/cell"
)

// LegID identifies a leg within its set
type LegID uint32

// LegState tracks a leg's progress through the link handshake
type LegState int

const (
	// StateUnlinked means the leg was just added and no LINK has been sent
	StateUnlinked LegState = iota
	// StatePending means LINK is sent and LINKED has not arrived
	StatePending
	// StateLinked means LINKED_ACK was exchanged; the leg carries traffic
	StateLinked
)

// String returns a string representation of the state
func (s LegState) String() string {
	switch s {
	case StateUnlinked:
		return "UNLINKED"
	case StatePending:
		return "PENDING"
	case StateLinked:
		return "LINKED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// LegStatus is the per-leg view the reactor supplies: the scheduler needs
// the join-point RTT and whether its congestion window permits sending.
type LegStatus interface {
	RTT() time.Duration
	CanSend() bool
	Inflight() int
	SendmeIncrement() int
}

// Leg is one circuit participating in the set.
type Leg struct {
	ID    LegID
	State LegState

	status LegStatus

	// Absolute sequence counters. lastSeqSent counts every counting message
	// sent on this leg; lastSeqRecv is this leg's view of the absolute
	// receive sequence, moved forward by SWITCH messages.
	lastSeqSent uint64
	lastSeqRecv uint64

	// buffered holds messages that arrived ahead of order, keyed by their
	// absolute sequence number.
	buffered map[uint64]*cell.RelayCell

	// linkSentAt is when LINK was sent, for handshake timeout accounting
	linkSentAt time.Time
}

// LastSeqSent returns the leg's absolute send sequence
func (l *Leg) LastSeqSent() uint64 { return l.lastSeqSent }

// LastSeqRecv returns the leg's absolute receive sequence
func (l *Leg) LastSeqRecv() uint64 { return l.lastSeqRecv }

// LinkSentAt returns when the LINK message was sent on this leg
func (l *Leg) LinkSentAt() time.Time { return l.linkSentAt }

// RemovalReason explains why a leg left the set
type RemovalReason int

const (
	// RemovalHandshakeTimeout: the LINK handshake timed out
	RemovalHandshakeTimeout RemovalReason = iota
	// RemovalChannelClosed: the leg's channel went away
	RemovalChannelClosed
	// RemovalProtocolViolation: the leg misbehaved
	RemovalProtocolViolation
	// RemovalRequested: external policy removed the leg
	RemovalRequested
)

// String returns a string representation of the reason
func (r RemovalReason) String() string {
	switch r {
	case RemovalHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case RemovalChannelClosed:
		return "CHANNEL_CLOSED"
	case RemovalProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case RemovalRequested:
		return "REQUESTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(r))
	}
}

// Set is a conflux set: legs sharing a join point, a nonce, and one
// absolute sequence space.
type Set struct {
	nonce     [32]byte
	desiredUX byte

	legs       map[LegID]*Leg
	order      []LegID // stable iteration order for fairness
	primary    LegID
	hasPrimary bool

	lastSeqDelivered uint64
}

// NewSet creates an empty set with a fresh nonce
func NewSet(desiredUX byte) (*Set, error) {
	s := &Set{
		desiredUX: desiredUX,
		legs:      make(map[LegID]*Leg),
	}
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate conflux nonce: %w", err)
	}
	return s, nil
}

// Nonce returns the set's link nonce
func (s *Set) Nonce() [32]byte { return s.nonce }

// DesiredUX returns the set's desired user-experience value
func (s *Set) DesiredUX() byte { return s.desiredUX }

// Len returns the number of legs in the set
func (s *Set) Len() int { return len(s.legs) }

// LastSeqDelivered returns the highest absolute sequence delivered so far
func (s *Set) LastSeqDelivered() uint64 { return s.lastSeqDelivered }

// Legs returns the leg IDs in stable order
func (s *Set) Legs() []LegID {
	return append([]LegID(nil), s.order...)
}

// Leg returns a leg by ID
func (s *Set) Leg(id LegID) *Leg {
	return s.legs[id]
}

// Primary returns the current primary leg ID; ok is false before any
// primary has been chosen.
func (s *Set) Primary() (LegID, bool) {
	return s.primary, s.hasPrimary
}

// AddLeg adds an unlinked leg to the set. The caller has already verified
// the join-point conditions (same length, same last hop, no streams, not in
// another set).
func (s *Set) AddLeg(id LegID, status LegStatus) error {
	if _, exists := s.legs[id]; exists {
		return fmt.Errorf("leg %d already in conflux set", id)
	}
	s.legs[id] = &Leg{
		ID:       id,
		State:    StateUnlinked,
		status:   status,
		buffered: make(map[uint64]*cell.RelayCell),
	}
	s.order = append(s.order, id)
	return nil
}

// LinkPayload builds the LINK message for an unlinked leg and moves it to
// Pending. now is recorded for the handshake timeout.
func (s *Set) LinkPayload(id LegID, now time.Time) (*cell.ConfluxLink, error) {
	leg, ok := s.legs[id]
	if !ok {
		return nil, fmt.Errorf("no such leg: %d", id)
	}
	if leg.State != StateUnlinked {
		return nil, fmt.Errorf("leg %d is %s, expected %s", id, leg.State, StateUnlinked)
	}
	leg.State = StatePending
	leg.linkSentAt = now
	return &cell.ConfluxLink{
		Version:   1,
		DesiredUX: s.desiredUX,
		Nonce:     s.nonce,
	}, nil
}

// HandleLinked processes a LINKED reply on a pending leg, moving it to
// Linked. The caller must answer with LINKED_ACK.
func (s *Set) HandleLinked(id LegID, msg *cell.ConfluxLink) error {
	leg, ok := s.legs[id]
	if !ok {
		return fmt.Errorf("no such leg: %d", id)
	}
	if leg.State != StatePending {
		return fmt.Errorf("LINKED on leg %d in state %s", id, leg.State)
	}
	if msg.Nonce != s.nonce {
		return fmt.Errorf("LINKED nonce mismatch on leg %d", id)
	}
	leg.State = StateLinked
	return nil
}

// PendingTimeouts returns the legs whose LINK handshake has been pending
// longer than the timeout.
func (s *Set) PendingTimeouts(now time.Time, timeout time.Duration) []LegID {
	var out []LegID
	for _, id := range s.order {
		leg := s.legs[id]
		if leg.State == StatePending && now.Sub(leg.linkSentAt) >= timeout {
			out = append(out, id)
		}
	}
	return out
}

// NoteSent records a counting message sent on a leg
func (s *Set) NoteSent(id LegID, cmd cell.RelayCommand) {
	if !cmd.CountsTowardSequence() {
		return
	}
	if leg, ok := s.legs[id]; ok {
		leg.lastSeqSent++
	}
}

// HandleSwitch processes a SWITCH received on a leg, advancing its view of
// the absolute receive sequence. A zero delta is a protocol violation.
func (s *Set) HandleSwitch(id LegID, sw *cell.ConfluxSwitch) error {
	leg, ok := s.legs[id]
	if !ok {
		return fmt.Errorf("no such leg: %d", id)
	}
	if sw.SeqDelta == 0 {
		return fmt.Errorf("SWITCH with zero delta on leg %d", id)
	}
	leg.lastSeqRecv += uint64(sw.SeqDelta)
	return nil
}

// NoteReceived assigns the next absolute sequence number to a counting
// message received on a leg and returns every message now deliverable in
// order. A message whose sequence is at or below what was already delivered
// is a protocol violation.
func (s *Set) NoteReceived(id LegID, rc *cell.RelayCell) ([]*cell.RelayCell, error) {
	leg, ok := s.legs[id]
	if !ok {
		return nil, fmt.Errorf("no such leg: %d", id)
	}
	if !rc.Command.CountsTowardSequence() {
		return []*cell.RelayCell{rc}, nil
	}

	leg.lastSeqRecv++
	seq := leg.lastSeqRecv

	switch {
	case seq == s.lastSeqDelivered+1:
		s.lastSeqDelivered = seq
		out := []*cell.RelayCell{rc}
		out = append(out, s.drainBuffered()...)
		return out, nil
	case seq > s.lastSeqDelivered+1:
		leg.buffered[seq] = rc
		return nil, nil
	default:
		return nil, fmt.Errorf("conflux sequence violation on leg %d: seq %d already delivered (last=%d)",
			id, seq, s.lastSeqDelivered)
	}
}

// drainBuffered delivers any buffered in-order successors across all legs
func (s *Set) drainBuffered() []*cell.RelayCell {
	var out []*cell.RelayCell
	for {
		next := s.lastSeqDelivered + 1
		found := false
		for _, leg := range s.legs {
			if rc, ok := leg.buffered[next]; ok {
				delete(leg.buffered, next)
				out = append(out, rc)
				s.lastSeqDelivered = next
				found = true
				break
			}
		}
		if !found {
			return out
		}
	}
}

// BufferedCount returns the number of out-of-order messages held
func (s *Set) BufferedCount() int {
	n := 0
	for _, leg := range s.legs {
		n += len(leg.buffered)
	}
	return n
}

// SelectLeg picks the leg to carry the next multiplexed message per the
// set's desired UX, emitting a SWITCH body when the primary changes. An
// initial primary is chosen once any linked leg has an RTT sample.
func (s *Set) SelectLeg() (LegID, *cell.ConfluxSwitch, bool) {
	best, ok := s.pickByUX()
	if !ok {
		if s.hasPrimary {
			return s.primary, nil, true
		}
		return 0, nil, false
	}

	if !s.hasPrimary {
		s.primary = best
		s.hasPrimary = true
		return best, nil, true
	}
	if best == s.primary {
		return best, nil, true
	}

	prev := s.legs[s.primary]
	next := s.legs[best]
	delta := prev.lastSeqSent - next.lastSeqSent
	s.primary = best

	// Carry the send sequence forward onto the new leg.
	next.lastSeqSent = prev.lastSeqSent
	if delta == 0 {
		return best, nil, true
	}
	return best, &cell.ConfluxSwitch{SeqDelta: uint32(delta)}, true
}

// pickByUX returns the preferred linked leg for the desired UX
func (s *Set) pickByUX() (LegID, bool) {
	var best LegID
	var bestRTT time.Duration
	found := false

	for _, id := range s.order {
		leg := s.legs[id]
		if leg.State != StateLinked {
			continue
		}
		rtt := leg.status.RTT()
		if rtt == 0 {
			continue
		}
		if s.desiredUX == cell.UXHighThroughput && !leg.status.CanSend() {
			continue
		}
		if !found || rtt < bestRTT {
			best = id
			bestRTT = rtt
			found = true
		}
	}
	return best, found
}

// ShouldPollStreams implements the skip-join-point rule: when the primary
// leg's join point is window-blocked, stop polling join-point streams —
// unless the desired UX is high throughput and some other leg is unblocked.
func (s *Set) ShouldPollStreams() bool {
	if !s.hasPrimary {
		return true
	}
	primary := s.legs[s.primary]
	if primary == nil || primary.status.CanSend() {
		return true
	}
	if s.desiredUX != cell.UXHighThroughput {
		return false
	}
	for _, id := range s.order {
		if id == s.primary {
			continue
		}
		leg := s.legs[id]
		if leg.State == StateLinked && leg.status.CanSend() {
			return true
		}
	}
	return false
}

// RemoveLeg removes a leg and reports whether the whole tunnel must be torn
// down: when the set becomes empty, when the removed leg was primary, when
// it held the highest send or receive sequence seen in the set, or when the
// join point had a full SENDME increment in flight on it.
func (s *Set) RemoveLeg(id LegID, reason RemovalReason) (tearDown bool, err error) {
	leg, ok := s.legs[id]
	if !ok {
		return false, fmt.Errorf("no such leg: %d", id)
	}

	delete(s.legs, id)
	for i, o := range s.order {
		if o == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}

	if len(s.legs) == 0 {
		return true, nil
	}
	if s.hasPrimary && s.primary == id {
		return true, nil
	}

	var maxSent, maxRecv uint64
	for _, other := range s.legs {
		if other.lastSeqSent > maxSent {
			maxSent = other.lastSeqSent
		}
		if other.lastSeqRecv > maxRecv {
			maxRecv = other.lastSeqRecv
		}
	}
	if leg.lastSeqSent > maxSent || leg.lastSeqRecv > maxRecv {
		return true, nil
	}

	if leg.status != nil && leg.status.Inflight() >= leg.status.SendmeIncrement() {
		return true, nil
	}
	return false, nil
}
