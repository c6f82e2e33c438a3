package cell

import (
	"bytes"
	"strings"
	"testing"
)

func TestCommandIsVariableLength(t *testing.T) {
	tests := []struct {
		cmd      Command
		expected bool
	}{
		{CmdPadding, false},
		{CmdCreate2, false},
		{CmdRelay, false},
		{CmdVersions, true},
		{CmdVPadding, true},
		{CmdCerts, true},
		{Command(200), true},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if got := tt.cmd.IsVariableLength(); got != tt.expected {
				t.Errorf("IsVariableLength() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	tests := []struct {
		cmd      Command
		expected string
	}{
		{CmdPadding, "PADDING"},
		{CmdRelay, "RELAY"},
		{CmdDestroy, "DESTROY"},
		{CmdVersions, "VERSIONS"},
		{CmdCerts, "CERTS"},
		{Command(255), "UNKNOWN(255)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.cmd.String(); got != tt.expected {
				t.Errorf("String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

// openCodec returns a codec in the open state with link version 4
func openCodec(t *testing.T) *Codec {
	t.Helper()
	c := NewCodec()
	if err := c.SetLinkVersion(4); err != nil {
		t.Fatalf("SetLinkVersion() error = %v", err)
	}
	c.SetOpen()
	return c
}

func TestFixedCellEncodedLength(t *testing.T) {
	codec := openCodec(t)

	tests := []struct {
		name    string
		payload int
	}{
		{"empty", 0},
		{"small", 5},
		{"full", PayloadLen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			c := &Cell{CircID: 42, Command: CmdRelay, Payload: make([]byte, tt.payload)}
			if err := codec.WriteCell(&buf, c); err != nil {
				t.Fatalf("WriteCell() error = %v", err)
			}
			if buf.Len() != CellLen {
				t.Errorf("encoded length = %d, want %d", buf.Len(), CellLen)
			}
		})
	}
}

func TestCodecRoundTripFixed(t *testing.T) {
	enc := openCodec(t)
	dec := openCodec(t)

	original := &Cell{
		CircID:  0x80001234,
		Command: CmdRelay,
		Payload: []byte{1, 2, 3, 4, 5},
	}

	var buf bytes.Buffer
	if err := enc.WriteCell(&buf, original); err != nil {
		t.Fatalf("WriteCell() error = %v", err)
	}
	got, err := dec.ReadCell(&buf)
	if err != nil {
		t.Fatalf("ReadCell() error = %v", err)
	}
	if got.CircID != original.CircID {
		t.Errorf("CircID = %v, want %v", got.CircID, original.CircID)
	}
	if got.Command != original.Command {
		t.Errorf("Command = %v, want %v", got.Command, original.Command)
	}
	if !bytes.Equal(got.Payload[:5], original.Payload) {
		t.Errorf("Payload prefix = %v, want %v", got.Payload[:5], original.Payload)
	}
	if len(got.Payload) != PayloadLen {
		t.Errorf("decoded payload length = %d, want %d", len(got.Payload), PayloadLen)
	}
}

func TestCodecRoundTripVariable(t *testing.T) {
	enc := openCodec(t)
	dec := openCodec(t)

	original := &Cell{
		CircID:  0,
		Command: CmdCerts,
		Payload: []byte{9, 8, 7},
	}

	var buf bytes.Buffer
	if err := enc.WriteCell(&buf, original); err != nil {
		t.Fatalf("WriteCell() error = %v", err)
	}
	got, err := dec.ReadCell(&buf)
	if err != nil {
		t.Fatalf("ReadCell() error = %v", err)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Errorf("Payload = %v, want %v", got.Payload, original.Payload)
	}
}

func TestCodecPreVersionState(t *testing.T) {
	codec := NewCodec()
	if codec.CircIDLen() != CircIDLenPre {
		t.Errorf("CircIDLen() = %d, want %d before negotiation", codec.CircIDLen(), CircIDLenPre)
	}

	// A CREATE2 before version negotiation is a protocol violation.
	var buf bytes.Buffer
	buf.Write([]byte{0, 1, byte(CmdCreate2)})
	buf.Write(make([]byte, PayloadLen))
	if _, err := codec.ReadCell(&buf); err == nil {
		t.Error("ReadCell() accepted CREATE2 in pre-version state")
	}
}

func TestCodecUnknownCommandOpenState(t *testing.T) {
	codec := openCodec(t)

	// An unknown fixed command in the open state decodes fine; the channel
	// reactor drops it.
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, 60})
	buf.Write(make([]byte, PayloadLen))
	c, err := codec.ReadCell(&buf)
	if err != nil {
		t.Fatalf("ReadCell() error = %v", err)
	}
	if c.Command != Command(60) {
		t.Errorf("Command = %v, want 60", c.Command)
	}
	if c.Command.IsRecognized() {
		t.Error("IsRecognized() = true for command 60")
	}
}

func TestCodecLinkVersionLatch(t *testing.T) {
	codec := NewCodec()
	if err := codec.SetLinkVersion(3); err == nil {
		t.Error("SetLinkVersion(3) accepted an unsupported version")
	}
	if err := codec.SetLinkVersion(4); err != nil {
		t.Fatalf("SetLinkVersion(4) error = %v", err)
	}
	if codec.CircIDLen() != CircIDLenV4 {
		t.Errorf("CircIDLen() = %d, want %d", codec.CircIDLen(), CircIDLenV4)
	}
	if err := codec.SetLinkVersion(5); err == nil {
		t.Error("SetLinkVersion() allowed renegotiation")
	}
}

func TestCodecTruncatedStream(t *testing.T) {
	codec := openCodec(t)
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 1, byte(CmdRelay), 1, 2, 3}) // ends mid-cell

	_, err := codec.ReadCell(&buf)
	if err == nil {
		t.Fatal("ReadCell() succeeded on truncated stream")
	}
	if !strings.Contains(err.Error(), "payload") {
		t.Errorf("error = %v, want framing error", err)
	}
}

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		name   string
		ours   []uint16
		theirs []uint16
		want   uint16
	}{
		{"max common", []uint16{4, 5}, []uint16{3, 4}, 4},
		{"both newest", []uint16{4, 5}, []uint16{4, 5}, 5},
		{"disjoint", []uint16{4, 5}, []uint16{1, 2}, 0},
		{"empty peer", []uint16{4, 5}, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NegotiateVersion(tt.ours, tt.theirs); got != tt.want {
				t.Errorf("NegotiateVersion() = %d, want %d", got, tt.want)
			}
		})
	}
}
