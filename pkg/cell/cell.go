// Package cell provides types and functions for encoding and decoding link-layer cells.
// The protocol uses fixed-size (514 bytes) and variable-size cells for communication.
package cell

import (
	"fmt"
)

// Cell size constants
const (
	// CircIDLenV4 is the length of circuit IDs for link protocol version >= 4
	CircIDLenV4 = 4
	// CircIDLenPre is the length of circuit IDs before version negotiation
	CircIDLenPre = 2
	// CmdLen is the length of the command field
	CmdLen = 1
	// PayloadLen is the length of the payload in fixed-size cells
	PayloadLen = 509
	// CellLen is the total length of a fixed-size cell with 4-byte circuit IDs
	CellLen = CircIDLenV4 + CmdLen + PayloadLen // 514 bytes
)

// Command represents a cell command type
type Command byte

// Cell commands
const (
	// Fixed-size commands
	CmdPadding          Command = 0
	CmdCreate           Command = 1
	CmdCreated          Command = 2
	CmdRelay            Command = 3
	CmdDestroy          Command = 4
	CmdCreateFast       Command = 5
	CmdCreatedFast      Command = 6
	CmdVersions         Command = 7
	CmdNetinfo          Command = 8
	CmdRelayEarly       Command = 9
	CmdCreate2          Command = 10
	CmdCreated2         Command = 11
	CmdPaddingNegotiate Command = 12

	// Variable-length commands
	CmdVPadding      Command = 128
	CmdCerts         Command = 129
	CmdAuthChallenge Command = 130
	CmdAuthenticate  Command = 131
	CmdAuthorize     Command = 132
)

// Cell represents a link-layer cell
type Cell struct {
	CircID  uint32  // Circuit ID
	Command Command // Cell command
	Payload []byte  // Cell payload
}

// IsVariableLength returns true if the command indicates a variable-length cell.
// VERSIONS is variable-length too, despite its low command value.
func (c Command) IsVariableLength() bool {
	return c >= 128 || c == CmdVersions
}

// IsRecognized returns true for commands this implementation knows about
func (c Command) IsRecognized() bool {
	return c <= CmdPaddingNegotiate || (c >= CmdVPadding && c <= CmdAuthorize)
}

// String returns a human-readable representation of the command
func (c Command) String() string {
	switch c {
	case CmdPadding:
		return "PADDING"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	case CmdCreateFast:
		return "CREATE_FAST"
	case CmdCreatedFast:
		return "CREATED_FAST"
	case CmdVersions:
		return "VERSIONS"
	case CmdNetinfo:
		return "NETINFO"
	case CmdRelayEarly:
		return "RELAY_EARLY"
	case CmdCreate2:
		return "CREATE2"
	case CmdCreated2:
		return "CREATED2"
	case CmdPaddingNegotiate:
		return "PADDING_NEGOTIATE"
	case CmdVPadding:
		return "VPADDING"
	case CmdCerts:
		return "CERTS"
	case CmdAuthChallenge:
		return "AUTH_CHALLENGE"
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdAuthorize:
		return "AUTHORIZE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// NewCell creates a new cell with the given circuit ID and command
func NewCell(circID uint32, cmd Command) *Cell {
	return &Cell{
		CircID:  circID,
		Command: cmd,
		Payload: make([]byte, 0),
	}
}

// DestroyReason is the reason code carried in a DESTROY cell
type DestroyReason byte

// DESTROY reason codes
const (
	DestroyReasonNone          DestroyReason = 0
	DestroyReasonProtocol      DestroyReason = 1
	DestroyReasonInternal      DestroyReason = 2
	DestroyReasonRequested     DestroyReason = 3
	DestroyReasonHibernating   DestroyReason = 4
	DestroyReasonResourceLimit DestroyReason = 5
	DestroyReasonConnectFailed DestroyReason = 6
	DestroyReasonORIdentity    DestroyReason = 7
	DestroyReasonChannelClosed DestroyReason = 8
	DestroyReasonFinished      DestroyReason = 9
	DestroyReasonTimeout       DestroyReason = 10
	DestroyReasonDestroyed     DestroyReason = 11
	DestroyReasonNoSuchService DestroyReason = 12
)

// String returns a human-readable representation of the reason
func (r DestroyReason) String() string {
	switch r {
	case DestroyReasonNone:
		return "NONE"
	case DestroyReasonProtocol:
		return "PROTOCOL"
	case DestroyReasonInternal:
		return "INTERNAL"
	case DestroyReasonRequested:
		return "REQUESTED"
	case DestroyReasonHibernating:
		return "HIBERNATING"
	case DestroyReasonResourceLimit:
		return "RESOURCELIMIT"
	case DestroyReasonConnectFailed:
		return "CONNECTFAILED"
	case DestroyReasonORIdentity:
		return "OR_IDENTITY"
	case DestroyReasonChannelClosed:
		return "CHANNEL_CLOSED"
	case DestroyReasonFinished:
		return "FINISHED"
	case DestroyReasonTimeout:
		return "TIMEOUT"
	case DestroyReasonDestroyed:
		return "DESTROYED"
	case DestroyReasonNoSuchService:
		return "NOSUCHSERVICE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(r))
	}
}

// NewDestroyCell builds a DESTROY cell for a circuit
func NewDestroyCell(circID uint32, reason DestroyReason) *Cell {
	return &Cell{
		CircID:  circID,
		Command: CmdDestroy,
		Payload: []byte{byte(reason)},
	}
}
