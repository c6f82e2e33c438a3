package relaycrypto_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/onionkit/onionkit/internal/testrelay"
	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/ntor"
	"github.com/onionkit/onionkit/pkg/relaycrypto"
)

// randomKeys returns fresh key material shared by both sides of a hop
func randomKeys(t *testing.T) *ntor.KeyMaterial {
	t.Helper()
	km := &ntor.KeyMaterial{}
	for _, b := range [][]byte{km.Df[:], km.Db[:], km.Kf[:], km.Kb[:]} {
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand: %v", err)
		}
	}
	return km
}

func TestForwardPathOneHop(t *testing.T) {
	km := randomKeys(t)

	client := relaycrypto.NewCircuitCrypto()
	hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV0, km)
	if err != nil {
		t.Fatalf("NewHopCrypto() error = %v", err)
	}
	client.AddHop(hc)

	relaySide, err := testrelay.NewHopState(km)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		rc := cell.NewRelayCell(5, cell.RelayData, []byte("forward payload"))
		payload, err := client.EncodeForward(0, rc)
		if err != nil {
			t.Fatalf("EncodeForward() error = %v", err)
		}
		got, err := relaySide.DecryptForward(payload)
		if err != nil {
			t.Fatalf("relay DecryptForward() error = %v (cell %d)", err, i)
		}
		if got.Command != cell.RelayData || got.StreamID != 5 {
			t.Errorf("decoded cell = %v/%d, want DATA/5", got.Command, got.StreamID)
		}
		if !bytes.Equal(got.Data, []byte("forward payload")) {
			t.Errorf("payload mismatch: %q", got.Data)
		}
	}
}

func TestBackwardPathOneHop(t *testing.T) {
	km := randomKeys(t)

	client := relaycrypto.NewCircuitCrypto()
	hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV0, km)
	if err != nil {
		t.Fatalf("NewHopCrypto() error = %v", err)
	}
	client.AddHop(hc)

	relaySide, err := testrelay.NewHopState(km)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		rc := cell.NewRelayCell(9, cell.RelayData, []byte("backward payload"))
		payload, err := relaySide.EncryptBackward(rc)
		if err != nil {
			t.Fatalf("relay EncryptBackward() error = %v", err)
		}

		hopIdx, got, err := client.DecodeBackward(payload)
		if err != nil {
			t.Fatalf("DecodeBackward() error = %v (cell %d)", err, i)
		}
		if hopIdx != 0 {
			t.Errorf("recognized at hop %d, want 0", hopIdx)
		}
		if !bytes.Equal(got.Data, []byte("backward payload")) {
			t.Errorf("payload mismatch: %q", got.Data)
		}
	}
}

func TestBackwardPathTwoHops(t *testing.T) {
	km1, km2 := randomKeys(t), randomKeys(t)

	client := relaycrypto.NewCircuitCrypto()
	for _, km := range []*ntor.KeyMaterial{km1, km2} {
		hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV0, km)
		if err != nil {
			t.Fatalf("NewHopCrypto() error = %v", err)
		}
		client.AddHop(hc)
	}

	hop1, err := testrelay.NewHopState(km1)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}
	hop2, err := testrelay.NewHopState(km2)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}

	// Hop 2 originates the reply; hop 1 adds its own layer on the way back.
	rc := cell.NewRelayCell(3, cell.RelayConnected, nil)
	inner, err := hop2.EncryptBackward(rc)
	if err != nil {
		t.Fatalf("hop2 EncryptBackward() error = %v", err)
	}
	wire := hop1.WrapBackward(inner)

	hopIdx, got, err := client.DecodeBackward(wire)
	if err != nil {
		t.Fatalf("DecodeBackward() error = %v", err)
	}
	if hopIdx != 1 {
		t.Errorf("recognized at hop %d, want 1", hopIdx)
	}
	if got.Command != cell.RelayConnected {
		t.Errorf("command = %v, want CONNECTED", got.Command)
	}
}

func TestForwardPathTwoHops(t *testing.T) {
	km1, km2 := randomKeys(t), randomKeys(t)

	client := relaycrypto.NewCircuitCrypto()
	for _, km := range []*ntor.KeyMaterial{km1, km2} {
		hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV0, km)
		if err != nil {
			t.Fatalf("NewHopCrypto() error = %v", err)
		}
		client.AddHop(hc)
	}
	hop1, err := testrelay.NewHopState(km1)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}
	hop2, err := testrelay.NewHopState(km2)
	if err != nil {
		t.Fatalf("NewHopState() error = %v", err)
	}

	rc := cell.NewRelayCell(2, cell.RelayBegin, []byte("example.com:80\x00"))
	wire, err := client.EncodeForward(1, rc)
	if err != nil {
		t.Fatalf("EncodeForward() error = %v", err)
	}

	// Hop 1 peels its layer and must not recognize the cell; hop 2 does.
	middle := hop1.PeelForward(wire)
	got, err := hop2.DecryptForward(middle)
	if err != nil {
		t.Fatalf("hop2 DecryptForward() error = %v", err)
	}
	if got.Command != cell.RelayBegin {
		t.Errorf("command = %v, want BEGIN", got.Command)
	}
}

func TestUnrecognizedCellIsError(t *testing.T) {
	km := randomKeys(t)
	client := relaycrypto.NewCircuitCrypto()
	hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV0, km)
	if err != nil {
		t.Fatalf("NewHopCrypto() error = %v", err)
	}
	client.AddHop(hc)

	junk := make([]byte, cell.PayloadLen)
	if _, err := rand.Read(junk); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, _, err := client.DecodeBackward(junk); err == nil {
		t.Error("DecodeBackward() accepted an unrecognized cell")
	}
}

func TestV1ForgedTagRejected(t *testing.T) {
	km := randomKeys(t)

	client := relaycrypto.NewCircuitCrypto()
	hc, err := relaycrypto.NewHopCrypto(cell.RelayFormatV1, km)
	if err != nil {
		t.Fatalf("NewHopCrypto() error = %v", err)
	}
	client.AddHop(hc)

	// A random v1 payload carries no valid tag and must not be recognized.
	junk := make([]byte, cell.PayloadLen)
	if _, err := rand.Read(junk); err != nil {
		t.Fatalf("rand: %v", err)
	}
	if _, _, err := client.DecodeBackward(junk); err == nil {
		t.Error("DecodeBackward() accepted a forged v1 cell")
	}
}
