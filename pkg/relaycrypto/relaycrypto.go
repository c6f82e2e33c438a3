// Package relaycrypto implements the per-hop onion cryptography applied to
// relay-cell payloads: layered AES-CTR with either a running SHA-1 digest
// (legacy v0 format) or a keyed 16-byte authentication tag (v1 format).
package relaycrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 - SHA-1 is required by the legacy relay-cell format
	"crypto/sha256"
	"crypto/subtle"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/onionkit/onionkit/pkg/cell"
	"github.com/onionkit/onionkit/pkg/ntor"
)

// HopCrypto holds one hop's cryptographic state in both directions.
type HopCrypto struct {
	format cell.RelayFormat

	fwdCipher  cipher.Stream
	backCipher cipher.Stream

	// v0: running digests seeded from the handshake
	fwdDigest  hash.Hash
	backDigest hash.Hash

	// v1: tag keys and per-direction counters
	fwdTagKey    []byte
	backTagKey   []byte
	fwdTagCount  uint64
	backTagCount uint64
}

// NewHopCrypto builds a hop's crypto state from ntor key material for the
// given relay-cell format.
func NewHopCrypto(format cell.RelayFormat, km *ntor.KeyMaterial) (*HopCrypto, error) {
	fwd, err := newCTR(km.Kf[:])
	if err != nil {
		return nil, fmt.Errorf("forward cipher: %w", err)
	}
	back, err := newCTR(km.Kb[:])
	if err != nil {
		return nil, fmt.Errorf("backward cipher: %w", err)
	}

	hc := &HopCrypto{
		format:     format,
		fwdCipher:  fwd,
		backCipher: back,
	}

	switch format {
	case cell.RelayFormatV0:
		hc.fwdDigest = sha1.New() // #nosec G401
		hc.fwdDigest.Write(km.Df[:])
		hc.backDigest = sha1.New() // #nosec G401
		hc.backDigest.Write(km.Db[:])
	case cell.RelayFormatV1:
		hc.fwdTagKey = append([]byte(nil), km.Df[:]...)
		hc.backTagKey = append([]byte(nil), km.Db[:]...)
	default:
		return nil, fmt.Errorf("unknown relay-cell format %d", format)
	}
	return hc, nil
}

// Format returns the relay-cell format this hop uses
func (h *HopCrypto) Format() cell.RelayFormat {
	return h.format
}

func newCTR(key []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, iv), nil
}

// stampForward authenticates an outgoing payload in place. For v0 the
// running forward digest is advanced over the payload with the digest field
// zeroed and its first four bytes are written back; for v1 a keyed tag over
// the payload with the tag region zeroed is written into the tag region.
func (h *HopCrypto) stampForward(payload []byte) error {
	switch h.format {
	case cell.RelayFormatV0:
		zeroDigestField(payload)
		if _, err := h.fwdDigest.Write(payload); err != nil {
			return fmt.Errorf("failed to update forward digest: %w", err)
		}
		sum := h.fwdDigest.Sum(nil)
		copy(payload[5:9], sum[:4])
	case cell.RelayFormatV1:
		zeroTagField(payload)
		tag := h.computeTag(h.fwdTagKey, h.fwdTagCount, payload)
		h.fwdTagCount++
		copy(payload[0:cell.RelayTagLen], tag)
	}
	return nil
}

// recognizeBackward checks whether an incoming, already-decrypted payload is
// addressed to this hop. On a match the hop's receive-side state advances;
// on a miss it is left untouched so the next hop can be tried.
func (h *HopCrypto) recognizeBackward(payload []byte) (bool, error) {
	switch h.format {
	case cell.RelayFormatV0:
		if !cell.RecognizedV0(payload) {
			return false, nil
		}
		var received [4]byte
		copy(received[:], payload[5:9])

		// Snapshot the digest so an unrecognized cell leaves it unchanged.
		snap, err := h.backDigest.(encoding.BinaryMarshaler).MarshalBinary()
		if err != nil {
			return false, fmt.Errorf("failed to snapshot digest: %w", err)
		}

		probe := make([]byte, len(payload))
		copy(probe, payload)
		zeroDigestField(probe)
		if _, err := h.backDigest.Write(probe); err != nil {
			return false, fmt.Errorf("failed to update backward digest: %w", err)
		}
		sum := h.backDigest.Sum(nil)
		if subtle.ConstantTimeCompare(sum[:4], received[:]) != 1 {
			if err := h.backDigest.(encoding.BinaryUnmarshaler).UnmarshalBinary(snap); err != nil {
				return false, fmt.Errorf("failed to restore digest: %w", err)
			}
			return false, nil
		}
		return true, nil

	case cell.RelayFormatV1:
		var received [cell.RelayTagLen]byte
		copy(received[:], payload[0:cell.RelayTagLen])

		probe := make([]byte, len(payload))
		copy(probe, payload)
		zeroTagField(probe)
		tag := h.computeTag(h.backTagKey, h.backTagCount, probe)
		if subtle.ConstantTimeCompare(tag, received[:]) != 1 {
			return false, nil
		}
		h.backTagCount++
		return true, nil
	}
	return false, nil
}

// computeTag derives the 16-byte v1 authentication tag. The per-direction
// counter is mixed in so each cell's tag is unique even for identical bodies.
func (h *HopCrypto) computeTag(key []byte, count uint64, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], count)
	mac.Write(ctr[:])
	mac.Write(payload)
	return mac.Sum(nil)[:cell.RelayTagLen]
}

func zeroDigestField(payload []byte) {
	payload[5] = 0
	payload[6] = 0
	payload[7] = 0
	payload[8] = 0
}

func zeroTagField(payload []byte) {
	for i := 0; i < cell.RelayTagLen; i++ {
		payload[i] = 0
	}
}

// CircuitCrypto is the layered state for a whole circuit, one HopCrypto per
// hop in client order (index 0 is the first hop).
type CircuitCrypto struct {
	hops []*HopCrypto
}

// NewCircuitCrypto creates empty circuit crypto state
func NewCircuitCrypto() *CircuitCrypto {
	return &CircuitCrypto{}
}

// AddHop appends a newly-extended hop's crypto state
func (c *CircuitCrypto) AddHop(h *HopCrypto) {
	c.hops = append(c.hops, h)
}

// Len returns the number of hops
func (c *CircuitCrypto) Len() int {
	return len(c.hops)
}

// Format returns the relay-cell format used by the given hop
func (c *CircuitCrypto) Format(hop int) (cell.RelayFormat, error) {
	if hop < 0 || hop >= len(c.hops) {
		return 0, fmt.Errorf("no such hop: %d", hop)
	}
	return c.hops[hop].format, nil
}

// EncodeForward authenticates and onion-encrypts a relay cell addressed to
// the given hop (0-based). The returned payload is ready to be carried in a
// RELAY or RELAY_EARLY cell.
func (c *CircuitCrypto) EncodeForward(hop int, rc *cell.RelayCell) ([]byte, error) {
	if hop < 0 || hop >= len(c.hops) {
		return nil, fmt.Errorf("no such hop: %d", hop)
	}
	target := c.hops[hop]

	payload, err := rc.Encode(target.format)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relay cell: %w", err)
	}
	if err := target.stampForward(payload); err != nil {
		return nil, err
	}

	// Layer the ciphers so each hop on the path peels exactly one.
	for i := hop; i >= 0; i-- {
		c.hops[i].fwdCipher.XORKeyStream(payload, payload)
	}
	return payload, nil
}

// DecodeBackward peels layers off an incoming relay payload and returns the
// index of the hop that recognized it plus the decoded cell. If no hop
// recognizes the cell that is a protocol violation: the caller must tear
// down the circuit.
func (c *CircuitCrypto) DecodeBackward(payload []byte) (int, *cell.RelayCell, error) {
	if len(payload) != cell.PayloadLen {
		return 0, nil, fmt.Errorf("relay payload wrong size: %d", len(payload))
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)

	for i, hop := range c.hops {
		hop.backCipher.XORKeyStream(buf, buf)

		ok, err := hop.recognizeBackward(buf)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			continue
		}

		rc, err := cell.DecodeRelayCell(hop.format, buf)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to decode relay cell from hop %d: %w", i, err)
		}
		return i, rc, nil
	}
	return 0, nil, fmt.Errorf("relay cell not recognized by any hop")
}
