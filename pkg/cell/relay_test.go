package cell

import (
	"bytes"
	"testing"
)

func TestRelayCellRoundTripV0(t *testing.T) {
	original := NewRelayCell(7, RelayData, []byte("hello onion"))

	payload, err := original.EncodeV0()
	if err != nil {
		t.Fatalf("EncodeV0() error = %v", err)
	}
	if len(payload) != PayloadLen {
		t.Fatalf("payload length = %d, want %d", len(payload), PayloadLen)
	}

	got, err := DecodeRelayCellV0(payload)
	if err != nil {
		t.Fatalf("DecodeRelayCellV0() error = %v", err)
	}
	if got.Command != original.Command {
		t.Errorf("Command = %v, want %v", got.Command, original.Command)
	}
	if got.StreamID != original.StreamID {
		t.Errorf("StreamID = %v, want %v", got.StreamID, original.StreamID)
	}
	if !bytes.Equal(got.Data, original.Data) {
		t.Errorf("Data = %q, want %q", got.Data, original.Data)
	}
}

func TestRelayCellRoundTripV1(t *testing.T) {
	original := NewRelayCell(99, RelayBegin, []byte("example.com:80"))

	payload, err := original.EncodeV1()
	if err != nil {
		t.Fatalf("EncodeV1() error = %v", err)
	}
	got, err := DecodeRelayCellV1(payload)
	if err != nil {
		t.Fatalf("DecodeRelayCellV1() error = %v", err)
	}
	if got.Command != original.Command {
		t.Errorf("Command = %v, want %v", got.Command, original.Command)
	}
	if got.StreamID != original.StreamID {
		t.Errorf("StreamID = %v, want %v", got.StreamID, original.StreamID)
	}
	if !bytes.Equal(got.Data, original.Data) {
		t.Errorf("Data = %q, want %q", got.Data, original.Data)
	}
}

func TestRelayCellOversize(t *testing.T) {
	tests := []struct {
		name   string
		format RelayFormat
		size   int
		ok     bool
	}{
		{"v0 max", RelayFormatV0, MaxRelayDataLenV0, true},
		{"v0 over", RelayFormatV0, MaxRelayDataLenV0 + 1, false},
		{"v1 max", RelayFormatV1, MaxRelayDataLenV1, true},
		{"v1 over", RelayFormatV1, MaxRelayDataLenV1 + 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := NewRelayCell(1, RelayData, make([]byte, tt.size))
			_, err := rc.Encode(tt.format)
			if tt.ok && err != nil {
				t.Errorf("Encode() error = %v, want nil", err)
			}
			if !tt.ok && err == nil {
				t.Error("Encode() succeeded on oversize data")
			}
		})
	}
}

func TestMaxDataLen(t *testing.T) {
	if got := RelayFormatV0.MaxDataLen(); got != 498 {
		t.Errorf("v0 MaxDataLen() = %d, want 498", got)
	}
	if got := RelayFormatV1.MaxDataLen(); got != 488 {
		t.Errorf("v1 MaxDataLen() = %d, want 488", got)
	}
}

func TestCountsTowardSequence(t *testing.T) {
	tests := []struct {
		cmd  RelayCommand
		want bool
	}{
		{RelayData, true},
		{RelayEnd, true},
		{RelaySendme, true},
		{RelayBegin, true},
		{RelayExtend2, false},
		{RelayConfluxSwitch, false},
		{RelayDrop, false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			if got := tt.cmd.CountsTowardSequence(); got != tt.want {
				t.Errorf("CountsTowardSequence() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecognizedV0(t *testing.T) {
	rc := NewRelayCell(1, RelayData, []byte("x"))
	payload, err := rc.EncodeV0()
	if err != nil {
		t.Fatalf("EncodeV0() error = %v", err)
	}
	if !RecognizedV0(payload) {
		t.Error("RecognizedV0() = false for a freshly-encoded cell")
	}
	payload[1] = 0xFF
	if RecognizedV0(payload) {
		t.Error("RecognizedV0() = true with nonzero recognized field")
	}
}
