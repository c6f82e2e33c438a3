// Package cell provides relay cell framing for both relay-cell formats.
package cell

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// RelayCommand identifies the intent of a relay cell
type RelayCommand byte

// Relay commands
const (
	RelayBegin                 RelayCommand = 1
	RelayData                  RelayCommand = 2
	RelayEnd                   RelayCommand = 3
	RelayConnected             RelayCommand = 4
	RelaySendme                RelayCommand = 5
	RelayExtend                RelayCommand = 6
	RelayExtended              RelayCommand = 7
	RelayTruncate              RelayCommand = 8
	RelayTruncated             RelayCommand = 9
	RelayDrop                  RelayCommand = 10
	RelayResolve               RelayCommand = 11
	RelayResolved              RelayCommand = 12
	RelayBeginDir              RelayCommand = 13
	RelayExtend2               RelayCommand = 14
	RelayExtended2             RelayCommand = 15
	RelayConfluxLink           RelayCommand = 19
	RelayConfluxLinked         RelayCommand = 20
	RelayConfluxLinkedAck      RelayCommand = 21
	RelayConfluxSwitch         RelayCommand = 22
	RelayEstablishIntro        RelayCommand = 32
	RelayEstablishRendezvous   RelayCommand = 33
	RelayIntroduce1            RelayCommand = 34
	RelayIntroduce2            RelayCommand = 35
	RelayRendezvous1           RelayCommand = 36
	RelayRendezvous2           RelayCommand = 37
	RelayIntroEstablished      RelayCommand = 38
	RelayRendezvousEstablished RelayCommand = 39
	RelayIntroduceAck          RelayCommand = 40
	RelayXoff                  RelayCommand = 43
	RelayXon                   RelayCommand = 44
)

// String returns a human-readable string for a relay command
func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "BEGIN"
	case RelayData:
		return "DATA"
	case RelayEnd:
		return "END"
	case RelayConnected:
		return "CONNECTED"
	case RelaySendme:
		return "SENDME"
	case RelayExtend:
		return "EXTEND"
	case RelayExtended:
		return "EXTENDED"
	case RelayTruncate:
		return "TRUNCATE"
	case RelayTruncated:
		return "TRUNCATED"
	case RelayDrop:
		return "DROP"
	case RelayResolve:
		return "RESOLVE"
	case RelayResolved:
		return "RESOLVED"
	case RelayBeginDir:
		return "BEGIN_DIR"
	case RelayExtend2:
		return "EXTEND2"
	case RelayExtended2:
		return "EXTENDED2"
	case RelayConfluxLink:
		return "CONFLUX_LINK"
	case RelayConfluxLinked:
		return "CONFLUX_LINKED"
	case RelayConfluxLinkedAck:
		return "CONFLUX_LINKED_ACK"
	case RelayConfluxSwitch:
		return "CONFLUX_SWITCH"
	case RelayXoff:
		return "XOFF"
	case RelayXon:
		return "XON"
	default:
		return fmt.Sprintf("RELAY_UNKNOWN(%d)", byte(c))
	}
}

// CountsTowardSequence reports whether a multiplexed relay command counts
// against a conflux tunnel's absolute sequence numbers.
func (c RelayCommand) CountsTowardSequence() bool {
	switch c {
	case RelayBegin, RelayBeginDir, RelayData, RelayEnd, RelaySendme,
		RelayConnected, RelayResolve, RelayResolved, RelayXon, RelayXoff:
		return true
	default:
		return false
	}
}

// RelayFormat distinguishes the two relay-cell encodings
type RelayFormat int

const (
	// RelayFormatV0 is the legacy format with a 4-byte running digest
	RelayFormatV0 RelayFormat = iota
	// RelayFormatV1 is the format carrying a 16-byte authentication tag
	RelayFormatV1
)

// Header and body size constants for the two formats
const (
	// RelayHeaderLenV0: Command(1) + Recognized(2) + StreamID(2) + Digest(4) + Length(2)
	RelayHeaderLenV0 = 11
	// RelayHeaderLenV1: Tag(16) + Command(1) + Length(2) + StreamID(2)
	RelayHeaderLenV1 = 21
	// MaxRelayDataLenV0 is the maximum body length in the v0 format
	MaxRelayDataLenV0 = PayloadLen - RelayHeaderLenV0 // 498
	// MaxRelayDataLenV1 is the maximum body length in the v1 format
	MaxRelayDataLenV1 = PayloadLen - RelayHeaderLenV1 // 488
	// RelayTagLen is the size of the v1 authentication tag
	RelayTagLen = 16
)

// MaxDataLen returns the maximum relay body length for a format
func (f RelayFormat) MaxDataLen() int {
	if f == RelayFormatV1 {
		return MaxRelayDataLenV1
	}
	return MaxRelayDataLenV0
}

// RelayCell is a parsed relay-cell payload, independent of format. For v0
// cells Digest carries the running digest; for v1 cells Tag carries the
// authentication tag.
type RelayCell struct {
	Command  RelayCommand
	StreamID uint16
	Digest   [4]byte           // v0 only
	Tag      [RelayTagLen]byte // v1 only
	Data     []byte
}

// NewRelayCell creates a relay cell carrying the given data
func NewRelayCell(streamID uint16, cmd RelayCommand, data []byte) *RelayCell {
	return &RelayCell{
		Command:  cmd,
		StreamID: streamID,
		Data:     data,
	}
}

// EncodeV0 encodes the relay cell in the legacy format into a full 509-byte
// payload. Bytes after the logical end of the body are filled with random
// padding. The digest field is written as given (normally zero before the
// crypto layer stamps it).
func (rc *RelayCell) EncodeV0() ([]byte, error) {
	if len(rc.Data) > MaxRelayDataLenV0 {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), MaxRelayDataLenV0)
	}

	payload := make([]byte, PayloadLen)
	payload[0] = byte(rc.Command)
	// Recognized field stays zero
	binary.BigEndian.PutUint16(payload[3:5], rc.StreamID)
	copy(payload[5:9], rc.Digest[:])
	binary.BigEndian.PutUint16(payload[9:11], uint16(len(rc.Data)))
	copy(payload[RelayHeaderLenV0:], rc.Data)

	if err := randomPad(payload[RelayHeaderLenV0+len(rc.Data):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeRelayCellV0 decodes a legacy-format relay cell from a 509-byte payload
func DecodeRelayCellV0(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayHeaderLenV0 {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayHeaderLenV0)
	}

	rc := &RelayCell{
		Command:  RelayCommand(payload[0]),
		StreamID: binary.BigEndian.Uint16(payload[3:5]),
	}
	copy(rc.Digest[:], payload[5:9])

	length := binary.BigEndian.Uint16(payload[9:11])
	if int(length) > len(payload)-RelayHeaderLenV0 {
		return nil, fmt.Errorf("relay cell length exceeds payload: %d > %d", length, len(payload)-RelayHeaderLenV0)
	}
	if length > 0 {
		rc.Data = make([]byte, length)
		copy(rc.Data, payload[RelayHeaderLenV0:RelayHeaderLenV0+int(length)])
	}
	return rc, nil
}

// RecognizedV0 reports whether a decoded v0 payload has the recognized field
// zero, the first cheap check that a cell is addressed to this hop.
func RecognizedV0(payload []byte) bool {
	if len(payload) < RelayHeaderLenV0 {
		return false
	}
	return payload[1] == 0 && payload[2] == 0
}

// EncodeV1 encodes the relay cell in the v1 format into a full 509-byte
// payload. The tag region is written as given (normally zero before the
// crypto layer authenticates it).
func (rc *RelayCell) EncodeV1() ([]byte, error) {
	if len(rc.Data) > MaxRelayDataLenV1 {
		return nil, fmt.Errorf("relay cell data too large: %d > %d", len(rc.Data), MaxRelayDataLenV1)
	}

	payload := make([]byte, PayloadLen)
	copy(payload[0:RelayTagLen], rc.Tag[:])
	payload[RelayTagLen] = byte(rc.Command)
	binary.BigEndian.PutUint16(payload[RelayTagLen+1:RelayTagLen+3], uint16(len(rc.Data)))
	binary.BigEndian.PutUint16(payload[RelayTagLen+3:RelayTagLen+5], rc.StreamID)
	copy(payload[RelayHeaderLenV1:], rc.Data)

	if err := randomPad(payload[RelayHeaderLenV1+len(rc.Data):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// DecodeRelayCellV1 decodes a v1-format relay cell from a 509-byte payload
func DecodeRelayCellV1(payload []byte) (*RelayCell, error) {
	if len(payload) < RelayHeaderLenV1 {
		return nil, fmt.Errorf("payload too short for relay cell: %d < %d", len(payload), RelayHeaderLenV1)
	}

	rc := &RelayCell{
		Command:  RelayCommand(payload[RelayTagLen]),
		StreamID: binary.BigEndian.Uint16(payload[RelayTagLen+3 : RelayTagLen+5]),
	}
	copy(rc.Tag[:], payload[0:RelayTagLen])

	length := binary.BigEndian.Uint16(payload[RelayTagLen+1 : RelayTagLen+3])
	if int(length) > len(payload)-RelayHeaderLenV1 {
		return nil, fmt.Errorf("relay cell length exceeds payload: %d > %d", length, len(payload)-RelayHeaderLenV1)
	}
	if length > 0 {
		rc.Data = make([]byte, length)
		copy(rc.Data, payload[RelayHeaderLenV1:RelayHeaderLenV1+int(length)])
	}
	return rc, nil
}

// Encode encodes the relay cell in the given format
func (rc *RelayCell) Encode(format RelayFormat) ([]byte, error) {
	if format == RelayFormatV1 {
		return rc.EncodeV1()
	}
	return rc.EncodeV0()
}

// DecodeRelayCell decodes a relay cell in the given format
func DecodeRelayCell(format RelayFormat, payload []byte) (*RelayCell, error) {
	if format == RelayFormatV1 {
		return DecodeRelayCellV1(payload)
	}
	return DecodeRelayCellV0(payload)
}

// randomPad fills b with random bytes so the padding after the logical body
// is indistinguishable from ciphertext.
func randomPad(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("failed to generate relay padding: %w", err)
	}
	return nil
}
