// Package channel: parsing and validation of the certificate chain carried
// in a CERTS cell during the link handshake.
package channel

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 - RSA identity fingerprints are SHA-1 by protocol
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"time"

	"filippo.io/edwards25519"

	"github.com/onionkit/onionkit/pkg/cell"
)

// torCert is a parsed Ed25519 certificate from the CERTS cell container.
type torCert struct {
	Version       uint8
	CertType      uint8
	ExpirationHrs uint32
	KeyType       uint8
	CertifiedKey  [32]byte
	SigningKey    [32]byte // from extension type 0x04, if present
	HasSigningKey bool
	Signature     [64]byte
	Raw           []byte
}

// key types certified by Ed25519 certs
const (
	certKeyTypeEd25519    = 0x01
	certKeyTypeSHA256X509 = 0x03
)

func parseTorCert(data []byte) (*torCert, error) {
	if len(data) < 39+64 { // 39-byte header plus 64-byte signature
		return nil, fmt.Errorf("certificate too short: %d bytes", len(data))
	}

	tc := &torCert{
		Raw:           data,
		Version:       data[0],
		CertType:      data[1],
		ExpirationHrs: binary.BigEndian.Uint32(data[2:6]),
		KeyType:       data[6],
	}
	copy(tc.CertifiedKey[:], data[7:39])

	nExt := data[39]
	pos := 40
	for i := uint8(0); i < nExt; i++ {
		if pos+4 > len(data)-64 {
			return nil, fmt.Errorf("extension overflows certificate at %d", pos)
		}
		extLen := int(binary.BigEndian.Uint16(data[pos:]))
		extType := data[pos+2]
		extFlags := data[pos+3]
		pos += 4
		if pos+extLen > len(data)-64 {
			return nil, fmt.Errorf("extension data overflows certificate")
		}
		extData := data[pos : pos+extLen]
		if extType == 0x04 && len(extData) == 32 {
			copy(tc.SigningKey[:], extData)
			tc.HasSigningKey = true
		} else if extFlags&0x01 != 0 {
			// AFFECTS_VALIDATION set on an unrecognized extension: reject.
			return nil, fmt.Errorf("unrecognized critical extension type 0x%02x", extType)
		}
		pos += extLen
	}

	copy(tc.Signature[:], data[len(data)-64:])
	return tc, nil
}

// expiresAt returns the certificate's expiration time
func (tc *torCert) expiresAt() time.Time {
	return time.Unix(int64(tc.ExpirationHrs)*3600, 0)
}

// signedPortion returns the bytes the Ed25519 signature covers
func (tc *torCert) signedPortion() []byte {
	return tc.Raw[:len(tc.Raw)-64]
}

// edCheck is one Ed25519 signature to verify
type edCheck struct {
	pub ed25519.PublicKey
	msg []byte
	sig []byte
}

// batchVerify checks all signatures at once using a random linear
// combination over the edwards25519 group: sum z_i*(s_i*B - R_i - h_i*A_i)
// must be the identity. On any parse failure it falls back to verifying the
// signatures one by one.
func batchVerify(checks []edCheck) bool {
	if len(checks) == 0 {
		return true
	}

	scalars := make([]*edwards25519.Scalar, 0, 1+2*len(checks))
	points := make([]*edwards25519.Point, 0, 1+2*len(checks))

	sB := edwards25519.NewScalar()
	for _, c := range checks {
		if len(c.sig) != ed25519.SignatureSize || len(c.pub) != ed25519.PublicKeySize {
			return verifyEach(checks)
		}
		R, err := new(edwards25519.Point).SetBytes(c.sig[:32])
		if err != nil {
			return verifyEach(checks)
		}
		A, err := new(edwards25519.Point).SetBytes(c.pub)
		if err != nil {
			return verifyEach(checks)
		}

		var sBytes [32]byte
		copy(sBytes[:], c.sig[32:])
		s, err := edwards25519.NewScalar().SetCanonicalBytes(sBytes[:])
		if err != nil {
			return verifyEach(checks)
		}

		h := sha512.New()
		h.Write(c.sig[:32])
		h.Write(c.pub)
		h.Write(c.msg)
		var hBytes [64]byte
		h.Sum(hBytes[:0])
		k, err := edwards25519.NewScalar().SetUniformBytes(hBytes[:])
		if err != nil {
			return verifyEach(checks)
		}

		// Random 128-bit coefficient keeps a forged pair from cancelling out.
		var zb [64]byte
		if _, err := rand.Read(zb[:16]); err != nil {
			return verifyEach(checks)
		}
		z, err := edwards25519.NewScalar().SetUniformBytes(zb[:])
		if err != nil {
			return verifyEach(checks)
		}

		zs := edwards25519.NewScalar().Multiply(z, s)
		sB.Add(sB, zs)

		negZ := edwards25519.NewScalar().Negate(z)
		scalars = append(scalars, negZ)
		points = append(points, R)

		zk := edwards25519.NewScalar().Multiply(negZ, k)
		scalars = append(scalars, zk)
		points = append(points, A)
	}

	scalars = append(scalars, sB)
	points = append(points, edwards25519.NewGeneratorPoint())

	sum := new(edwards25519.Point).VarTimeMultiScalarMult(scalars, points)
	return sum.Equal(edwards25519.NewIdentityPoint()) == 1
}

func verifyEach(checks []edCheck) bool {
	for _, c := range checks {
		if !ed25519.Verify(c.pub, c.msg, c.sig) {
			return false
		}
	}
	return true
}

// validatedCerts is the outcome of a successful CERTS validation
type validatedCerts struct {
	edIdentity  [32]byte
	rsaIdentity [20]byte
}

// rsa/ed cross-cert constants
const rsaCrossCertPrefix = "Tor TLS RSA/Ed25519 cross-certificate"

// validateCertChain checks the full client-side certificate chain from a
// CERTS cell: Ed25519 identity signs signing key (type 4), signing key
// signs the hash of the peer's TLS certificate (type 5), RSA self-signed
// identity certificate (type 2), and RSA signs the Ed25519 identity
// (type 7). Expiration up to tolerateExpiry past now is accepted; the
// caller turns tolerated expirations into the distinct certs-expired error.
//
// Returns the peer's identity pair and the worst tolerated expiration (zero
// when every certificate is timely).
func validateCertChain(entries []cell.CertEntry, peerCertDER []byte, now time.Time, tolerateExpiry time.Duration) (*validatedCerts, time.Duration, error) {
	var cert4, cert5 *torCert
	var rsaX509Body, rsaCrossBody []byte

	for _, e := range entries {
		switch e.Type {
		case cell.CertTypeIdentityVSigning:
			if cert4 != nil {
				return nil, 0, fmt.Errorf("duplicate IDENTITY_V_SIGNING certificate")
			}
			tc, err := parseTorCert(e.Body)
			if err != nil {
				return nil, 0, fmt.Errorf("parse IDENTITY_V_SIGNING: %w", err)
			}
			cert4 = tc
		case cell.CertTypeSigningVTLS:
			if cert5 != nil {
				return nil, 0, fmt.Errorf("duplicate SIGNING_V_TLS_CERT certificate")
			}
			tc, err := parseTorCert(e.Body)
			if err != nil {
				return nil, 0, fmt.Errorf("parse SIGNING_V_TLS_CERT: %w", err)
			}
			cert5 = tc
		case cell.CertTypeRSAIDX509:
			rsaX509Body = e.Body
		case cell.CertTypeRSAIDVIdentity:
			rsaCrossBody = e.Body
		}
	}

	if cert4 == nil {
		return nil, 0, fmt.Errorf("missing IDENTITY_V_SIGNING certificate")
	}
	if cert5 == nil {
		return nil, 0, fmt.Errorf("missing SIGNING_V_TLS_CERT certificate")
	}
	if rsaX509Body == nil {
		return nil, 0, fmt.Errorf("missing RSA_ID_X509 certificate")
	}
	if rsaCrossBody == nil {
		return nil, 0, fmt.Errorf("missing RSA_ID_V_IDENTITY certificate")
	}

	if !cert4.HasSigningKey {
		return nil, 0, fmt.Errorf("IDENTITY_V_SIGNING missing signing-key extension")
	}
	identityKey := cert4.SigningKey // the key that signed cert4 is the identity
	signingKey := cert4.CertifiedKey

	// Both Ed25519 signatures go through one batch verification.
	checks := []edCheck{
		{pub: ed25519.PublicKey(identityKey[:]), msg: cert4.signedPortion(), sig: cert4.Signature[:]},
		{pub: ed25519.PublicKey(signingKey[:]), msg: cert5.signedPortion(), sig: cert5.Signature[:]},
	}
	if !batchVerify(checks) {
		return nil, 0, fmt.Errorf("ed25519 certificate signature verification failed")
	}

	// The signing key must certify the hash of the TLS certificate we saw.
	if cert5.KeyType != certKeyTypeSHA256X509 {
		return nil, 0, fmt.Errorf("SIGNING_V_TLS_CERT key type is 0x%02x, want 0x%02x", cert5.KeyType, certKeyTypeSHA256X509)
	}
	tlsHash := sha256.Sum256(peerCertDER)
	if !hmac.Equal(cert5.CertifiedKey[:], tlsHash[:]) {
		return nil, 0, fmt.Errorf("certified TLS key hash does not match peer certificate")
	}

	// Legacy RSA identity: self-signed X.509.
	rsaCert, err := x509.ParseCertificate(rsaX509Body)
	if err != nil {
		return nil, 0, fmt.Errorf("parse RSA_ID_X509: %w", err)
	}
	rsaPub, ok := rsaCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, 0, fmt.Errorf("RSA_ID_X509 does not carry an RSA key")
	}
	if err := rsaCert.CheckSignatureFrom(rsaCert); err != nil {
		return nil, 0, fmt.Errorf("RSA_ID_X509 self-signature invalid: %w", err)
	}

	// RSA cross-cert binding the RSA identity to the Ed25519 identity:
	// ED25519_KEY(32) | EXPIRATION(4, hours) | SIGLEN(1) | SIGNATURE.
	if len(rsaCrossBody) < 37 {
		return nil, 0, fmt.Errorf("RSA_ID_V_IDENTITY too short: %d", len(rsaCrossBody))
	}
	var crossKey [32]byte
	copy(crossKey[:], rsaCrossBody[0:32])
	crossExpHrs := binary.BigEndian.Uint32(rsaCrossBody[32:36])
	sigLen := int(rsaCrossBody[36])
	if len(rsaCrossBody) < 37+sigLen {
		return nil, 0, fmt.Errorf("RSA_ID_V_IDENTITY signature truncated")
	}
	crossSig := rsaCrossBody[37 : 37+sigLen]

	if !hmac.Equal(crossKey[:], identityKey[:]) {
		return nil, 0, fmt.Errorf("RSA cross-certificate certifies a different Ed25519 identity")
	}

	digest := sha256.New()
	digest.Write([]byte(rsaCrossCertPrefix))
	digest.Write(rsaCrossBody[0:36])
	if err := rsa.VerifyPKCS1v15(rsaPub, crypto.Hash(0), digest.Sum(nil), crossSig); err != nil {
		return nil, 0, fmt.Errorf("RSA cross-certificate signature invalid: %w", err)
	}

	// Timeliness: each expiration may lag behind now by at most
	// tolerateExpiry; anything worse is fatal.
	var worst time.Duration
	note := func(expires time.Time) error {
		if !now.After(expires) {
			return nil
		}
		by := now.Sub(expires)
		if by > tolerateExpiry {
			return fmt.Errorf("certificate expired %v ago", by)
		}
		if by > worst {
			worst = by
		}
		return nil
	}
	if err := note(cert4.expiresAt()); err != nil {
		return nil, 0, err
	}
	if err := note(cert5.expiresAt()); err != nil {
		return nil, 0, err
	}
	if err := note(time.Unix(int64(crossExpHrs)*3600, 0)); err != nil {
		return nil, 0, err
	}
	if err := note(rsaCert.NotAfter); err != nil {
		return nil, 0, err
	}
	if now.Before(rsaCert.NotBefore) {
		return nil, 0, fmt.Errorf("RSA_ID_X509 not yet valid")
	}

	out := &validatedCerts{edIdentity: identityKey}
	spki, err := x509.MarshalPKIXPublicKey(rsaPub)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal RSA identity key: %w", err)
	}
	out.rsaIdentity = sha1.Sum(spki) // #nosec G401
	return out, worst, nil
}
