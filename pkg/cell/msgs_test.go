package cell

import (
	"bytes"
	"net"
	"testing"
)

func TestVersionsRoundTrip(t *testing.T) {
	c := NewVersionsCell([]uint16{4, 5})
	got, err := ParseVersions(c.Payload)
	if err != nil {
		t.Fatalf("ParseVersions() error = %v", err)
	}
	if len(got) != 2 || got[0] != 4 || got[1] != 5 {
		t.Errorf("ParseVersions() = %v, want [4 5]", got)
	}

	if _, err := ParseVersions([]byte{0}); err == nil {
		t.Error("ParseVersions() accepted odd-length payload")
	}
}

func TestNetinfoRoundTrip(t *testing.T) {
	original := &Netinfo{
		Timestamp: 1700000000,
		OtherAddr: net.IPv4(192, 0, 2, 1),
		MyAddrs:   []net.IP{net.IPv4(198, 51, 100, 7), net.ParseIP("2001:db8::1")},
	}
	body, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := ParseNetinfo(body)
	if err != nil {
		t.Fatalf("ParseNetinfo() error = %v", err)
	}
	if got.Timestamp != original.Timestamp {
		t.Errorf("Timestamp = %d, want %d", got.Timestamp, original.Timestamp)
	}
	if !got.OtherAddr.Equal(original.OtherAddr) {
		t.Errorf("OtherAddr = %v, want %v", got.OtherAddr, original.OtherAddr)
	}
	if len(got.MyAddrs) != 2 {
		t.Fatalf("MyAddrs count = %d, want 2", len(got.MyAddrs))
	}
	if !got.MyAddrs[1].Equal(original.MyAddrs[1]) {
		t.Errorf("MyAddrs[1] = %v, want %v", got.MyAddrs[1], original.MyAddrs[1])
	}
}

func TestCertsRoundTrip(t *testing.T) {
	entries := []CertEntry{
		{Type: CertTypeRSAIDX509, Body: []byte{1, 2, 3}},
		{Type: CertTypeIdentityVSigning, Body: bytes.Repeat([]byte{7}, 120)},
	}
	body, err := EncodeCerts(entries)
	if err != nil {
		t.Fatalf("EncodeCerts() error = %v", err)
	}
	got, err := ParseCerts(body)
	if err != nil {
		t.Fatalf("ParseCerts() error = %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("entry count = %d, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Type != entries[i].Type {
			t.Errorf("entry %d type = %d, want %d", i, got[i].Type, entries[i].Type)
		}
		if !bytes.Equal(got[i].Body, entries[i].Body) {
			t.Errorf("entry %d body mismatch", i)
		}
	}

	if _, err := ParseCerts([]byte{2, 1, 0, 5, 1}); err == nil {
		t.Error("ParseCerts() accepted truncated payload")
	}
}

func TestExtend2RoundTrip(t *testing.T) {
	spec, err := NewLinkSpecIPv4(net.IPv4(203, 0, 113, 5), 9001)
	if err != nil {
		t.Fatalf("NewLinkSpecIPv4() error = %v", err)
	}
	var rsa [20]byte
	copy(rsa[:], bytes.Repeat([]byte{0xAB}, 20))

	original := &Extend2{
		Specs:         []LinkSpec{spec, NewLinkSpecLegacyID(rsa)},
		HandshakeType: HandshakeTypeNtor,
		HandshakeData: bytes.Repeat([]byte{0x55}, 84),
	}
	body, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := ParseExtend2(body)
	if err != nil {
		t.Fatalf("ParseExtend2() error = %v", err)
	}
	if len(got.Specs) != 2 {
		t.Fatalf("spec count = %d, want 2", len(got.Specs))
	}
	if got.HandshakeType != HandshakeTypeNtor {
		t.Errorf("HandshakeType = %d, want %d", got.HandshakeType, HandshakeTypeNtor)
	}
	if !bytes.Equal(got.HandshakeData, original.HandshakeData) {
		t.Error("HandshakeData mismatch")
	}
}

func TestExtended2RoundTrip(t *testing.T) {
	original := &Extended2{HandshakeData: bytes.Repeat([]byte{3}, 64)}
	got, err := ParseExtended2(original.Encode())
	if err != nil {
		t.Fatalf("ParseExtended2() error = %v", err)
	}
	if !bytes.Equal(got.HandshakeData, original.HandshakeData) {
		t.Error("HandshakeData mismatch")
	}
}

func TestBeginRoundTrip(t *testing.T) {
	original := &Begin{Addr: "example.com", Port: 443}
	got, err := ParseBegin(original.Encode())
	if err != nil {
		t.Fatalf("ParseBegin() error = %v", err)
	}
	if got.Addr != original.Addr || got.Port != original.Port {
		t.Errorf("ParseBegin() = %v:%d, want %v:%d", got.Addr, got.Port, original.Addr, original.Port)
	}
}

func TestSendmeRoundTrip(t *testing.T) {
	tagless := &Sendme{Version: SendmeVersionTagless}
	got, err := ParseSendme(tagless.Encode())
	if err != nil {
		t.Fatalf("ParseSendme() error = %v", err)
	}
	if got.Version != SendmeVersionTagless {
		t.Errorf("Version = %d, want %d", got.Version, SendmeVersionTagless)
	}

	v1 := &Sendme{Version: SendmeVersionDigest, Digest: bytes.Repeat([]byte{0xDD}, 20)}
	got, err = ParseSendme(v1.Encode())
	if err != nil {
		t.Fatalf("ParseSendme() error = %v", err)
	}
	if !bytes.Equal(got.Digest, v1.Digest) {
		t.Error("Digest mismatch")
	}
}

func TestXonXoffRoundTrip(t *testing.T) {
	xon := &Xon{Version: 0, KBps: 512}
	gotXon, err := ParseXon(xon.Encode())
	if err != nil {
		t.Fatalf("ParseXon() error = %v", err)
	}
	if gotXon.KBps != 512 {
		t.Errorf("KBps = %d, want 512", gotXon.KBps)
	}

	xoff := &Xoff{Version: 0}
	if _, err := ParseXoff(xoff.Encode()); err != nil {
		t.Fatalf("ParseXoff() error = %v", err)
	}
}

func TestConfluxLinkRoundTrip(t *testing.T) {
	original := &ConfluxLink{
		Version:     1,
		DesiredUX:   UXMinLatency,
		LastSeqSent: 42,
		LastSeqRecv: 17,
	}
	copy(original.Nonce[:], bytes.Repeat([]byte{0xC1}, 32))

	got, err := ParseConfluxLink(original.Encode())
	if err != nil {
		t.Fatalf("ParseConfluxLink() error = %v", err)
	}
	if got.DesiredUX != UXMinLatency {
		t.Errorf("DesiredUX = %d, want %d", got.DesiredUX, UXMinLatency)
	}
	if got.Nonce != original.Nonce {
		t.Error("Nonce mismatch")
	}
	if got.LastSeqSent != 42 || got.LastSeqRecv != 17 {
		t.Errorf("sequences = %d/%d, want 42/17", got.LastSeqSent, got.LastSeqRecv)
	}
}

func TestConfluxSwitchRoundTrip(t *testing.T) {
	got, err := ParseConfluxSwitch((&ConfluxSwitch{SeqDelta: 9}).Encode())
	if err != nil {
		t.Fatalf("ParseConfluxSwitch() error = %v", err)
	}
	if got.SeqDelta != 9 {
		t.Errorf("SeqDelta = %d, want 9", got.SeqDelta)
	}
}

func TestPaddingNegotiateRoundTrip(t *testing.T) {
	original := &PaddingNegotiate{Version: 0, Command: PaddingCommandStart, ItoLowMs: 1500, ItoHighMs: 9500}
	got, err := ParsePaddingNegotiate(original.Encode())
	if err != nil {
		t.Fatalf("ParsePaddingNegotiate() error = %v", err)
	}
	if *got != *original {
		t.Errorf("ParsePaddingNegotiate() = %+v, want %+v", got, original)
	}
}

func TestParseConnected(t *testing.T) {
	body := []byte{192, 0, 2, 10, 0, 0, 0, 60}
	got, err := ParseConnected(body)
	if err != nil {
		t.Fatalf("ParseConnected() error = %v", err)
	}
	if !got.Addr.Equal(net.IPv4(192, 0, 2, 10)) {
		t.Errorf("Addr = %v, want 192.0.2.10", got.Addr)
	}
	if got.TTL != 60 {
		t.Errorf("TTL = %d, want 60", got.TTL)
	}

	if _, err := ParseConnected(nil); err != nil {
		t.Errorf("ParseConnected(empty) error = %v, want nil", err)
	}
}
