// Package testrelay is an in-process scripted relay for tests: it speaks
// the responder side of the link handshake, answers ntor handshakes, and
// applies relay-side cell cryptography so reactors can be exercised
// end-to-end over a net.Pipe.
package testrelay

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - mirrors the protocol's use of SHA-1
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/channel"
	"github.com/onionkit/onionkit/pkg/ntor"
)

const (
	protoID = "ntor-curve25519-sha256-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	tVerify = protoID + ":verify"
	mExpand = protoID + ":key_expand"
)

// Relay holds a fake relay's long-term keys
type Relay struct {
	EdPub  ed25519.PublicKey
	EdPriv ed25519.PrivateKey

	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey

	RSAKey     *rsa.PrivateKey
	RSACertDER []byte

	NtorPriv [32]byte
	NtorPub  [32]byte

	Identity channel.Identity
}

// New generates a fake relay's keys and certificates
func New() (*Relay, error) {
	r := &Relay{}

	var err error
	r.EdPub, r.EdPriv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	r.SigningPub, r.SigningPriv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	r.RSAKey, err = rsa.GenerateKey(rand.Reader, 1024) // #nosec G403 - protocol uses RSA-1024
	if err != nil {
		return nil, err
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "www.example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	r.RSACertDER, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &r.RSAKey.PublicKey, r.RSAKey)
	if err != nil {
		return nil, err
	}

	if _, err := rand.Read(r.NtorPriv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(r.NtorPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(r.NtorPub[:], pub)

	copy(r.Identity.Ed25519[:], r.EdPub)
	spki, err := x509.MarshalPKIXPublicKey(&r.RSAKey.PublicKey)
	if err != nil {
		return nil, err
	}
	r.Identity.RSA = sha1.Sum(spki) // #nosec G401

	return r, nil
}

// makeTorCert builds a signed Ed25519 certificate in the link format
func makeTorCert(certType, keyType byte, certified []byte, includeSigner ed25519.PublicKey, expires time.Time, signer ed25519.PrivateKey) []byte {
	body := []byte{1, certType}
	var exp [4]byte
	binary.BigEndian.PutUint32(exp[:], uint32(expires.Unix()/3600))
	body = append(body, exp[:]...)
	body = append(body, keyType)
	body = append(body, certified...)
	if includeSigner != nil {
		body = append(body, 1) // one extension
		var extLen [2]byte
		binary.BigEndian.PutUint16(extLen[:], 32)
		body = append(body, extLen[:]...)
		body = append(body, 0x04, 0x00)
		body = append(body, includeSigner...)
	} else {
		body = append(body, 0)
	}
	sig := ed25519.Sign(signer, body)
	return append(body, sig...)
}

// CertsOptions tweaks the CERTS payload
type CertsOptions struct {
	// IdentityCertExpired makes the identity-signs-signing cert lapse this
	// long before now (zero = timely)
	IdentityCertExpired time.Duration
}

// CertsPayload builds the full client-handshake certificate chain
func (r *Relay) CertsPayload(opts CertsOptions) ([]byte, error) {
	now := time.Now()

	cert4Expires := now.Add(24 * time.Hour)
	if opts.IdentityCertExpired > 0 {
		cert4Expires = now.Add(-opts.IdentityCertExpired)
	}
	cert4 := makeTorCert(cell.CertTypeIdentityVSigning, 0x01, r.SigningPub, r.EdPub, cert4Expires, r.EdPriv)

	tlsHash := sha256.Sum256(r.RSACertDER)
	cert5 := makeTorCert(cell.CertTypeSigningVTLS, 0x03, tlsHash[:], nil, now.Add(24*time.Hour), r.SigningPriv)

	// RSA->Ed cross certificate.
	cross := make([]byte, 0, 37+128)
	cross = append(cross, r.EdPub...)
	var exp [4]byte
	binary.BigEndian.PutUint32(exp[:], uint32(now.Add(24*time.Hour).Unix()/3600))
	cross = append(cross, exp[:]...)
	digest := sha256.New()
	digest.Write([]byte("Tor TLS RSA/Ed25519 cross-certificate"))
	digest.Write(cross[:36])
	sig, err := rsa.SignPKCS1v15(rand.Reader, r.RSAKey, crypto.Hash(0), digest.Sum(nil))
	if err != nil {
		return nil, err
	}
	cross = append(cross, byte(len(sig)))
	cross = append(cross, sig...)

	return cell.EncodeCerts([]cell.CertEntry{
		{Type: cell.CertTypeRSAIDX509, Body: r.RSACertDER},
		{Type: cell.CertTypeIdentityVSigning, Body: cert4},
		{Type: cell.CertTypeSigningVTLS, Body: cert5},
		{Type: cell.CertTypeRSAIDVIdentity, Body: cross},
	})
}

// HandshakeOptions tweaks the responder's behavior
type HandshakeOptions struct {
	Versions          []uint16
	NetinfoTimestamp  uint32
	Certs             CertsOptions
	SkipAuthChallenge bool
}

// ServeHandshake speaks the responder side of the link handshake
func (r *Relay) ServeHandshake(conn net.Conn, opts HandshakeOptions) error {
	if opts.Versions == nil {
		opts.Versions = []uint16{3, 4}
	}

	// Client VERSIONS: 2-byte circuit ID framing.
	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return fmt.Errorf("read client VERSIONS header: %w", err)
	}
	if cell.Command(hdr[2]) != cell.CmdVersions {
		return fmt.Errorf("expected VERSIONS, got %d", hdr[2])
	}
	vlen := int(binary.BigEndian.Uint16(hdr[3:5]))
	vbody := make([]byte, vlen)
	if _, err := io.ReadFull(conn, vbody); err != nil {
		return fmt.Errorf("read client VERSIONS body: %w", err)
	}

	// Our VERSIONS, same framing.
	vpayload := make([]byte, len(opts.Versions)*2)
	for i, v := range opts.Versions {
		binary.BigEndian.PutUint16(vpayload[i*2:], v)
	}
	out := []byte{0, 0, byte(cell.CmdVersions)}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(vpayload)))
	out = append(out, l[:]...)
	out = append(out, vpayload...)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write VERSIONS: %w", err)
	}

	// From here on, 4-byte circuit IDs.
	certsPayload, err := r.CertsPayload(opts.Certs)
	if err != nil {
		return err
	}
	if err := writeVarCell(conn, cell.CmdCerts, certsPayload); err != nil {
		return err
	}

	if !opts.SkipAuthChallenge {
		ac := make([]byte, 34+2)
		binary.BigEndian.PutUint16(ac[32:34], 1)
		binary.BigEndian.PutUint16(ac[34:36], 1)
		if err := writeVarCell(conn, cell.CmdAuthChallenge, ac); err != nil {
			return err
		}
	}

	netinfo := make([]byte, cell.PayloadLen)
	binary.BigEndian.PutUint32(netinfo[0:4], opts.NetinfoTimestamp)
	netinfo[4] = cell.AddrTypeIPv4
	netinfo[5] = 4
	copy(netinfo[6:10], net.IPv4(127, 0, 0, 1).To4())
	netinfo[10] = 0
	if err := writeFixedCell(conn, 0, cell.CmdNetinfo, netinfo); err != nil {
		return err
	}

	// Client NETINFO closes the handshake.
	_, _, _, err = readFixedCell(conn)
	return err
}

// writeVarCell writes a variable-length cell with 4-byte circuit IDs
func writeVarCell(conn net.Conn, cmd cell.Command, body []byte) error {
	out := make([]byte, 0, 7+len(body))
	out = append(out, 0, 0, 0, 0, byte(cmd))
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(body)))
	out = append(out, l[:]...)
	out = append(out, body...)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}
	return nil
}

// writeFixedCell writes a 514-byte cell
func writeFixedCell(conn net.Conn, circID uint32, cmd cell.Command, payload []byte) error {
	out := make([]byte, cell.CellLen)
	binary.BigEndian.PutUint32(out[0:4], circID)
	out[4] = byte(cmd)
	copy(out[5:], payload)
	if _, err := conn.Write(out); err != nil {
		return fmt.Errorf("write %s: %w", cmd, err)
	}
	return nil
}

// readFixedCell reads one cell with 4-byte circuit IDs, handling both
// fixed and variable shapes.
func readFixedCell(conn net.Conn) (uint32, cell.Command, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, 0, nil, err
	}
	circID := binary.BigEndian.Uint32(hdr[0:4])
	cmd := cell.Command(hdr[4])
	if cmd.IsVariableLength() {
		var l [2]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return 0, 0, nil, err
		}
		body := make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, 0, nil, err
		}
		return circID, cmd, body, nil
	}
	body := make([]byte, cell.PayloadLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, 0, nil, err
	}
	return circID, cmd, body, nil
}

// WriteRawFixedCell writes a 514-byte cell on the raw transport
func WriteRawFixedCell(conn net.Conn, circID uint32, cmd cell.Command, payload []byte) error {
	return writeFixedCell(conn, circID, cmd, payload)
}

// ReadRawCell reads one cell with 4-byte circuit IDs from the raw transport
func ReadRawCell(conn net.Conn) (uint32, cell.Command, []byte, error) {
	return readFixedCell(conn)
}

// NtorRespond answers a client ntor handshake, returning the reply blob
// and the derived key material.
func (r *Relay) NtorRespond(clientData []byte) ([]byte, *ntor.KeyMaterial, error) {
	if len(clientData) < ntor.HandshakeLen {
		return nil, nil, fmt.Errorf("client handshake too short: %d", len(clientData))
	}
	nodeID := clientData[0:20]
	B := clientData[20:52]
	X := clientData[52:84]

	var y [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		return nil, nil, err
	}
	Y, err := curve25519.X25519(y[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	exp1, err := curve25519.X25519(y[:], X) // y*X
	if err != nil {
		return nil, nil, err
	}
	exp2, err := curve25519.X25519(r.NtorPriv[:], X) // b*X
	if err != nil {
		return nil, nil, err
	}

	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, nodeID...)
	secretInput = append(secretInput, B...)
	secretInput = append(secretInput, X...)
	secretInput = append(secretInput, Y...)
	secretInput = append(secretInput, []byte(protoID)...)

	verify := ntorHMAC(secretInput, tVerify)
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, nodeID...)
	authInput = append(authInput, B...)
	authInput = append(authInput, Y...)
	authInput = append(authInput, X...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)
	auth := ntorHMAC(authInput, tMac)

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	keys := make([]byte, 92)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, nil, err
	}
	km := &ntor.KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	reply := make([]byte, 0, 64)
	reply = append(reply, Y...)
	reply = append(reply, auth...)
	return reply, km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

// HopState is the relay side of one hop's legacy-format cell crypto
type HopState struct {
	fwdCipher  cipher.Stream
	backCipher cipher.Stream
	fwdDigest  hash.Hash
	backDigest hash.Hash
}

// NewHopState builds relay-side crypto from ntor key material
func NewHopState(km *ntor.KeyMaterial) (*HopState, error) {
	fwd, err := newCTR(km.Kf[:])
	if err != nil {
		return nil, err
	}
	back, err := newCTR(km.Kb[:])
	if err != nil {
		return nil, err
	}
	h := &HopState{
		fwdCipher:  fwd,
		backCipher: back,
		fwdDigest:  sha1.New(), // #nosec G401
		backDigest: sha1.New(), // #nosec G401
	}
	h.fwdDigest.Write(km.Df[:])
	h.backDigest.Write(km.Db[:])
	return h, nil
}

func newCTR(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, make([]byte, aes.BlockSize)), nil
}

// PeelForward removes this hop's cipher layer without checking the digest,
// for cells addressed to a later hop.
func (h *HopState) PeelForward(payload []byte) []byte {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	h.fwdCipher.XORKeyStream(buf, buf)
	return buf
}

// WrapBackward adds this hop's backward cipher layer to an already-built
// inner payload, for replies originated by a later hop.
func (h *HopState) WrapBackward(payload []byte) []byte {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	h.backCipher.XORKeyStream(buf, buf)
	return buf
}

// DecryptForward peels the client's layer and verifies the running digest
func (h *HopState) DecryptForward(payload []byte) (*cell.RelayCell, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	h.fwdCipher.XORKeyStream(buf, buf)

	var received [4]byte
	copy(received[:], buf[5:9])
	probe := make([]byte, len(buf))
	copy(probe, buf)
	probe[5], probe[6], probe[7], probe[8] = 0, 0, 0, 0
	h.fwdDigest.Write(probe)
	sum := h.fwdDigest.Sum(nil)
	if !hmac.Equal(sum[:4], received[:]) {
		return nil, fmt.Errorf("forward digest mismatch")
	}
	return cell.DecodeRelayCellV0(buf)
}

// EncryptBackward stamps and encrypts a relay-side reply
func (h *HopState) EncryptBackward(rc *cell.RelayCell) ([]byte, error) {
	payload, err := rc.EncodeV0()
	if err != nil {
		return nil, err
	}
	probe := make([]byte, len(payload))
	copy(probe, payload)
	probe[5], probe[6], probe[7], probe[8] = 0, 0, 0, 0
	h.backDigest.Write(probe)
	sum := h.backDigest.Sum(nil)
	copy(payload[5:9], sum[:4])
	h.backCipher.XORKeyStream(payload, payload)
	return payload, nil
}

// ServeCircuit answers CREATE2 and EXTEND2 (playing every hop itself) and
// then handles BEGIN and DATA on the circuit: BEGIN gets CONNECTED, DATA
// is recorded. The client addresses everything at the last hop, so
// intermediate hops only peel their cipher layer. It exits on DESTROY or
// a read error.
func (r *Relay) ServeCircuit(conn net.Conn, received chan<- []byte) error {
	var hops []*HopState

	// sendBackward originates a reply at the last hop and wraps it with
	// every earlier hop's layer on the way out.
	sendBackward := func(circID uint32, rc *cell.RelayCell) error {
		payload, err := hops[len(hops)-1].EncryptBackward(rc)
		if err != nil {
			return err
		}
		for i := len(hops) - 2; i >= 0; i-- {
			payload = hops[i].WrapBackward(payload)
		}
		return writeFixedCell(conn, circID, cell.CmdRelay, payload)
	}

	for {
		circID, cmd, body, err := readFixedCell(conn)
		if err != nil {
			return nil // client hung up
		}
		switch cmd {
		case cell.CmdCreate2:
			if len(body) < 4 {
				return fmt.Errorf("CREATE2 too short")
			}
			hlen := int(binary.BigEndian.Uint16(body[2:4]))
			reply, km, err := r.NtorRespond(body[4 : 4+hlen])
			if err != nil {
				return err
			}
			hop, err := NewHopState(km)
			if err != nil {
				return err
			}
			created := make([]byte, 2+len(reply))
			binary.BigEndian.PutUint16(created[0:2], uint16(len(reply)))
			copy(created[2:], reply)
			if err := writeFixedCell(conn, circID, cell.CmdCreated2, created); err != nil {
				return err
			}
			hops = append(hops, hop)

		case cell.CmdRelay, cell.CmdRelayEarly:
			if len(hops) == 0 {
				return fmt.Errorf("relay cell before CREATE2")
			}
			for i := 0; i < len(hops)-1; i++ {
				body = hops[i].PeelForward(body)
			}
			rc, err := hops[len(hops)-1].DecryptForward(body)
			if err != nil {
				return err
			}
			switch rc.Command {
			case cell.RelayExtend2:
				e2, err := cell.ParseExtend2(rc.Data)
				if err != nil {
					return err
				}
				reply, km, err := r.NtorRespond(e2.HandshakeData)
				if err != nil {
					return err
				}
				newHop, err := NewHopState(km)
				if err != nil {
					return err
				}
				ext := &cell.Extended2{HandshakeData: reply}
				if err := sendBackward(circID, cell.NewRelayCell(0, cell.RelayExtended2, ext.Encode())); err != nil {
					return err
				}
				hops = append(hops, newHop)
			case cell.RelayBegin, cell.RelayBeginDir:
				if err := sendBackward(circID, cell.NewRelayCell(rc.StreamID, cell.RelayConnected, nil)); err != nil {
					return err
				}
			case cell.RelayData:
				if received != nil {
					received <- append([]byte(nil), rc.Data...)
				}
			case cell.RelayEnd:
			}

		case cell.CmdDestroy:
			return nil
		}
	}
}
