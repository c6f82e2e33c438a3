package ntor_test

import (
	"crypto/rand"
	"testing"

	"github.com/onionkit/onionkit/internal/testrelay"
	"github.com/onionkit/onionkit/pkg/ntor"
)

func TestHandshakeRoundTrip(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}

	var nodeID [20]byte = relay.Identity.RSA
	hs, err := ntor.NewHandshake(nodeID, relay.NtorPub)
	if err != nil {
		t.Fatalf("NewHandshake() error = %v", err)
	}

	clientData := hs.ClientData()
	reply, serverKM, err := relay.NtorRespond(clientData[:])
	if err != nil {
		t.Fatalf("NtorRespond() error = %v", err)
	}

	var replyArr [ntor.ReplyLen]byte
	copy(replyArr[:], reply)
	clientKM, err := hs.Complete(replyArr)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if clientKM.Df != serverKM.Df || clientKM.Db != serverKM.Db {
		t.Error("digest seeds disagree between client and server")
	}
	if clientKM.Kf != serverKM.Kf || clientKM.Kb != serverKM.Kb {
		t.Error("cipher keys disagree between client and server")
	}
}

func TestHandshakeRejectsBadAuth(t *testing.T) {
	relay, err := testrelay.New()
	if err != nil {
		t.Fatalf("testrelay.New() error = %v", err)
	}

	var nodeID [20]byte = relay.Identity.RSA
	hs, err := ntor.NewHandshake(nodeID, relay.NtorPub)
	if err != nil {
		t.Fatalf("NewHandshake() error = %v", err)
	}

	clientData := hs.ClientData()
	reply, _, err := relay.NtorRespond(clientData[:])
	if err != nil {
		t.Fatalf("NtorRespond() error = %v", err)
	}

	var replyArr [ntor.ReplyLen]byte
	copy(replyArr[:], reply)
	replyArr[40] ^= 0x01 // corrupt the AUTH tag

	if _, err := hs.Complete(replyArr); err == nil {
		t.Error("Complete() accepted a corrupted AUTH tag")
	}
}

func TestHandshakeDistinctEphemerals(t *testing.T) {
	var nodeID [20]byte
	var onionKey [32]byte
	if _, err := rand.Read(onionKey[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	a, err := ntor.NewHandshake(nodeID, onionKey)
	if err != nil {
		t.Fatalf("NewHandshake() error = %v", err)
	}
	b, err := ntor.NewHandshake(nodeID, onionKey)
	if err != nil {
		t.Fatalf("NewHandshake() error = %v", err)
	}
	if a.ClientData() == b.ClientData() {
		t.Error("two handshakes produced identical ephemeral keys")
	}
}
