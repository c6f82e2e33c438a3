// Package cell provides the streaming codec that frames cells on a channel.
package cell

import (
	"encoding/binary"
	"fmt"
	"io"
)

// LinkState tracks what the codec will accept from the peer.
type LinkState int

const (
	// StatePreVersions means no VERSIONS cell has been processed yet:
	// circuit IDs are 2 bytes and only VERSIONS is acceptable.
	StatePreVersions LinkState = iota
	// StateHandshake means a link version is negotiated but the handshake
	// has not finished: only handshake cells are acceptable.
	StateHandshake
	// StateOpen means the handshake is complete and any cell may arrive.
	StateOpen
)

// String returns a string representation of the state
func (s LinkState) String() string {
	switch s {
	case StatePreVersions:
		return "PRE_VERSIONS"
	case StateHandshake:
		return "HANDSHAKE"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// MaxVariableLen caps the body of a variable-length cell. Anything larger is
// a framing error that kills the channel.
const MaxVariableLen = 65535

// Codec encodes and decodes cells on one channel. It owns the link-version
// state: before negotiation circuit IDs are 2 bytes, afterwards 4 bytes
// (all link versions we support use 4-byte IDs).
type Codec struct {
	linkVersion uint16
	state       LinkState
	maxVariable int
}

// NewCodec creates a codec in the pre-versions state
func NewCodec() *Codec {
	return &Codec{
		state:       StatePreVersions,
		maxVariable: MaxVariableLen,
	}
}

// LinkVersion returns the negotiated link version, or 0 before negotiation
func (c *Codec) LinkVersion() uint16 {
	return c.linkVersion
}

// State returns the codec's receive-side state
func (c *Codec) State() LinkState {
	return c.state
}

// CircIDLen returns the width of the circuit-ID field in the current state
func (c *Codec) CircIDLen() int {
	if c.state == StatePreVersions {
		return CircIDLenPre
	}
	return CircIDLenV4
}

// SetLinkVersion latches the negotiated version and moves the codec into the
// handshake state. Versions below 4 are not supported.
func (c *Codec) SetLinkVersion(v uint16) error {
	if c.state != StatePreVersions {
		return fmt.Errorf("link version already negotiated (state=%s)", c.state)
	}
	if v < 4 {
		return fmt.Errorf("unsupported link version %d", v)
	}
	c.linkVersion = v
	c.state = StateHandshake
	return nil
}

// SetOpen moves the codec into the open state after the handshake completes
func (c *Codec) SetOpen() {
	c.state = StateOpen
}

// acceptable reports whether a received command is valid in the current state.
// In the open state every command is acceptable; unknown commands are the
// channel reactor's problem (it drops them).
func (c *Codec) acceptable(cmd Command) error {
	switch c.state {
	case StatePreVersions:
		if cmd != CmdVersions {
			return fmt.Errorf("received %s before version negotiation", cmd)
		}
	case StateHandshake:
		switch cmd {
		case CmdCerts, CmdAuthChallenge, CmdNetinfo, CmdVPadding, CmdPadding:
		default:
			return fmt.Errorf("received %s during link handshake", cmd)
		}
	case StateOpen:
	}
	return nil
}

// WriteCell encodes a cell to the writer. Fixed-size cells are padded with
// zero bytes to exactly CellLen for the current circuit-ID width.
func (c *Codec) WriteCell(w io.Writer, cl *Cell) error {
	idLen := c.CircIDLen()

	var hdr [4 + 1 + 2]byte
	n := 0
	if idLen == CircIDLenPre {
		binary.BigEndian.PutUint16(hdr[0:2], uint16(cl.CircID))
		n = 2
	} else {
		binary.BigEndian.PutUint32(hdr[0:4], cl.CircID)
		n = 4
	}
	hdr[n] = byte(cl.Command)
	n++

	if cl.Command.IsVariableLength() {
		if len(cl.Payload) > c.maxVariable {
			return fmt.Errorf("variable cell body too large: %d > %d", len(cl.Payload), c.maxVariable)
		}
		binary.BigEndian.PutUint16(hdr[n:n+2], uint16(len(cl.Payload)))
		n += 2
		if _, err := w.Write(hdr[:n]); err != nil {
			return fmt.Errorf("failed to write cell header: %w", err)
		}
		if _, err := w.Write(cl.Payload); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		return nil
	}

	if len(cl.Payload) > PayloadLen {
		return fmt.Errorf("fixed cell payload too large: %d > %d", len(cl.Payload), PayloadLen)
	}
	if _, err := w.Write(hdr[:n]); err != nil {
		return fmt.Errorf("failed to write cell header: %w", err)
	}
	if _, err := w.Write(cl.Payload); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	if padding := PayloadLen - len(cl.Payload); padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	return nil
}

// ReadCell decodes the next cell from the reader. It returns a framing error
// if the stream ends mid-cell, if a variable length exceeds the cap, or if
// the command is not acceptable in the codec's current state.
func (c *Codec) ReadCell(r io.Reader) (*Cell, error) {
	idLen := c.CircIDLen()

	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:idLen+CmdLen]); err != nil {
		return nil, fmt.Errorf("failed to read cell header: %w", err)
	}

	cl := &Cell{}
	if idLen == CircIDLenPre {
		cl.CircID = uint32(binary.BigEndian.Uint16(hdr[0:2]))
	} else {
		cl.CircID = binary.BigEndian.Uint32(hdr[0:4])
	}
	cl.Command = Command(hdr[idLen])

	if err := c.acceptable(cl.Command); err != nil {
		return nil, err
	}

	if cl.Command.IsVariableLength() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("failed to read cell length: %w", err)
		}
		bodyLen := int(binary.BigEndian.Uint16(lenBuf[:]))
		if bodyLen > c.maxVariable {
			return nil, fmt.Errorf("variable cell body too large: %d > %d", bodyLen, c.maxVariable)
		}
		cl.Payload = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, cl.Payload); err != nil {
			return nil, fmt.Errorf("failed to read variable-length payload: %w", err)
		}
		return cl, nil
	}

	cl.Payload = make([]byte, PayloadLen)
	if _, err := io.ReadFull(r, cl.Payload); err != nil {
		return nil, fmt.Errorf("failed to read fixed-length payload: %w", err)
	}
	return cl, nil
}
