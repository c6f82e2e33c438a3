// Package cell provides typed bodies for the link-layer and relay messages
// the client sends and parses.
package cell

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// --- VERSIONS ---

// NewVersionsCell builds a VERSIONS cell listing the given link versions
func NewVersionsCell(versions []uint16) *Cell {
	payload := make([]byte, len(versions)*2)
	for i, v := range versions {
		binary.BigEndian.PutUint16(payload[i*2:], v)
	}
	return &Cell{CircID: 0, Command: CmdVersions, Payload: payload}
}

// ParseVersions parses a VERSIONS payload into a version list
func ParseVersions(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("invalid VERSIONS payload length: %d", len(payload))
	}
	versions := make([]uint16, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		versions = append(versions, binary.BigEndian.Uint16(payload[i:]))
	}
	return versions, nil
}

// NegotiateVersion returns the highest version present in both lists, or 0
// if the sets are disjoint.
func NegotiateVersion(ours, theirs []uint16) uint16 {
	mine := make(map[uint16]bool, len(ours))
	for _, v := range ours {
		mine[v] = true
	}
	var best uint16
	for _, v := range theirs {
		if mine[v] && v > best {
			best = v
		}
	}
	return best
}

// --- NETINFO ---

// Address record types in NETINFO cells
const (
	AddrTypeIPv4 = 4
	AddrTypeIPv6 = 6
)

// Netinfo is the body of a NETINFO cell
type Netinfo struct {
	Timestamp uint32 // seconds since the epoch; 0 means "not stated"
	OtherAddr net.IP // the peer's view of our address
	MyAddrs   []net.IP
}

// Encode serializes the NETINFO body
func (n *Netinfo) Encode() ([]byte, error) {
	buf := make([]byte, 0, 32)
	var ts [4]byte
	binary.BigEndian.PutUint32(ts[:], n.Timestamp)
	buf = append(buf, ts[:]...)

	rec, err := encodeAddr(n.OtherAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to encode other address: %w", err)
	}
	buf = append(buf, rec...)

	if len(n.MyAddrs) > 255 {
		return nil, fmt.Errorf("too many own addresses: %d", len(n.MyAddrs))
	}
	buf = append(buf, byte(len(n.MyAddrs)))
	for _, a := range n.MyAddrs {
		rec, err := encodeAddr(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode own address: %w", err)
		}
		buf = append(buf, rec...)
	}
	return buf, nil
}

// ParseNetinfo parses a NETINFO body. Unknown address types are skipped.
func ParseNetinfo(payload []byte) (*Netinfo, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("NETINFO too short: %d bytes", len(payload))
	}
	n := &Netinfo{Timestamp: binary.BigEndian.Uint32(payload[0:4])}

	pos := 4
	addr, next, err := parseAddr(payload, pos)
	if err != nil {
		return nil, fmt.Errorf("failed to parse other address: %w", err)
	}
	n.OtherAddr = addr
	pos = next

	if pos >= len(payload) {
		return nil, fmt.Errorf("NETINFO truncated before own-address count")
	}
	count := int(payload[pos])
	pos++
	for i := 0; i < count; i++ {
		addr, next, err := parseAddr(payload, pos)
		if err != nil {
			return nil, fmt.Errorf("failed to parse own address %d: %w", i, err)
		}
		if addr != nil {
			n.MyAddrs = append(n.MyAddrs, addr)
		}
		pos = next
	}
	return n, nil
}

func encodeAddr(ip net.IP) ([]byte, error) {
	if ip4 := ip.To4(); ip4 != nil {
		rec := make([]byte, 2+4)
		rec[0] = AddrTypeIPv4
		rec[1] = 4
		copy(rec[2:], ip4)
		return rec, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		rec := make([]byte, 2+16)
		rec[0] = AddrTypeIPv6
		rec[1] = 16
		copy(rec[2:], ip16)
		return rec, nil
	}
	return nil, fmt.Errorf("address is neither IPv4 nor IPv6")
}

// parseAddr returns the parsed address (nil for unknown types), and the
// offset just past the record.
func parseAddr(payload []byte, pos int) (net.IP, int, error) {
	if pos+2 > len(payload) {
		return nil, 0, fmt.Errorf("address record truncated at %d", pos)
	}
	atype := payload[pos]
	alen := int(payload[pos+1])
	pos += 2
	if pos+alen > len(payload) {
		return nil, 0, fmt.Errorf("address body truncated at %d", pos)
	}
	body := payload[pos : pos+alen]
	pos += alen

	switch {
	case atype == AddrTypeIPv4 && alen == 4:
		return net.IP(append([]byte(nil), body...)), pos, nil
	case atype == AddrTypeIPv6 && alen == 16:
		return net.IP(append([]byte(nil), body...)), pos, nil
	default:
		return nil, pos, nil
	}
}

// --- CERTS ---

// Certificate types carried in a CERTS cell
const (
	CertTypeTLSLink          = 1
	CertTypeRSAIDX509        = 2
	CertTypeRSAAuth          = 3
	CertTypeIdentityVSigning = 4
	CertTypeSigningVTLS      = 5
	CertTypeSigningVAuth     = 6
	CertTypeRSAIDVIdentity   = 7
)

// CertEntry is one certificate inside a CERTS cell
type CertEntry struct {
	Type byte
	Body []byte
}

// ParseCerts parses a CERTS cell payload
func ParseCerts(payload []byte) ([]CertEntry, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty CERTS payload")
	}
	count := int(payload[0])
	pos := 1
	entries := make([]CertEntry, 0, count)
	for i := 0; i < count; i++ {
		if pos+3 > len(payload) {
			return nil, fmt.Errorf("CERTS truncated at entry %d", i)
		}
		ctype := payload[pos]
		clen := int(binary.BigEndian.Uint16(payload[pos+1:]))
		pos += 3
		if pos+clen > len(payload) {
			return nil, fmt.Errorf("certificate %d overflows payload (type=%d, len=%d)", i, ctype, clen)
		}
		entries = append(entries, CertEntry{Type: ctype, Body: append([]byte(nil), payload[pos:pos+clen]...)})
		pos += clen
	}
	return entries, nil
}

// EncodeCerts serializes CERTS entries into a cell payload
func EncodeCerts(entries []CertEntry) ([]byte, error) {
	if len(entries) > 255 {
		return nil, fmt.Errorf("too many certificates: %d", len(entries))
	}
	buf := []byte{byte(len(entries))}
	for _, e := range entries {
		if len(e.Body) > 65535 {
			return nil, fmt.Errorf("certificate too large: %d", len(e.Body))
		}
		buf = append(buf, e.Type)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(e.Body)))
		buf = append(buf, l[:]...)
		buf = append(buf, e.Body...)
	}
	return buf, nil
}

// --- AUTH_CHALLENGE ---

// AuthChallenge is the body of an AUTH_CHALLENGE cell
type AuthChallenge struct {
	Challenge [32]byte
	Methods   []uint16
}

// ParseAuthChallenge parses an AUTH_CHALLENGE body
func ParseAuthChallenge(payload []byte) (*AuthChallenge, error) {
	if len(payload) < 34 {
		return nil, fmt.Errorf("AUTH_CHALLENGE too short: %d", len(payload))
	}
	ac := &AuthChallenge{}
	copy(ac.Challenge[:], payload[0:32])
	n := int(binary.BigEndian.Uint16(payload[32:34]))
	if len(payload) < 34+2*n {
		return nil, fmt.Errorf("AUTH_CHALLENGE methods truncated")
	}
	for i := 0; i < n; i++ {
		ac.Methods = append(ac.Methods, binary.BigEndian.Uint16(payload[34+2*i:]))
	}
	return ac, nil
}

// --- PADDING_NEGOTIATE ---

// PaddingNegotiate is the body of a PADDING_NEGOTIATE cell
type PaddingNegotiate struct {
	Version   byte
	Command   byte // 1 = stop, 2 = start
	ItoLowMs  uint16
	ItoHighMs uint16
}

// Padding-negotiate commands
const (
	PaddingCommandStop  = 1
	PaddingCommandStart = 2
)

// Encode serializes the PADDING_NEGOTIATE body
func (p *PaddingNegotiate) Encode() []byte {
	buf := make([]byte, 6)
	buf[0] = p.Version
	buf[1] = p.Command
	binary.BigEndian.PutUint16(buf[2:4], p.ItoLowMs)
	binary.BigEndian.PutUint16(buf[4:6], p.ItoHighMs)
	return buf
}

// ParsePaddingNegotiate parses a PADDING_NEGOTIATE body
func ParsePaddingNegotiate(payload []byte) (*PaddingNegotiate, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("PADDING_NEGOTIATE too short: %d", len(payload))
	}
	return &PaddingNegotiate{
		Version:   payload[0],
		Command:   payload[1],
		ItoLowMs:  binary.BigEndian.Uint16(payload[2:4]),
		ItoHighMs: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}

// --- EXTEND2 / EXTENDED2 ---

// Link specifier types in EXTEND2
const (
	LinkSpecIPv4     = 0
	LinkSpecIPv6     = 1
	LinkSpecLegacyID = 2
	LinkSpecEd25519  = 3
)

// Handshake types in CREATE2/EXTEND2
const (
	HandshakeTypeNtor   = 2
	HandshakeTypeNtorV3 = 3
)

// LinkSpec is one link specifier identifying the relay being extended to
type LinkSpec struct {
	Type byte
	Data []byte
}

// NewLinkSpecIPv4 builds an IPv4 ORPort link specifier
func NewLinkSpecIPv4(ip net.IP, port uint16) (LinkSpec, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return LinkSpec{}, fmt.Errorf("not an IPv4 address: %v", ip)
	}
	data := make([]byte, 6)
	copy(data, ip4)
	binary.BigEndian.PutUint16(data[4:], port)
	return LinkSpec{Type: LinkSpecIPv4, Data: data}, nil
}

// NewLinkSpecLegacyID builds an RSA-identity link specifier
func NewLinkSpecLegacyID(id [20]byte) LinkSpec {
	return LinkSpec{Type: LinkSpecLegacyID, Data: append([]byte(nil), id[:]...)}
}

// NewLinkSpecEd25519 builds an Ed25519-identity link specifier
func NewLinkSpecEd25519(id [32]byte) LinkSpec {
	return LinkSpec{Type: LinkSpecEd25519, Data: append([]byte(nil), id[:]...)}
}

// Extend2 is the body of an EXTEND2 relay message
type Extend2 struct {
	Specs         []LinkSpec
	HandshakeType uint16
	HandshakeData []byte
}

// Encode serializes the EXTEND2 body
func (e *Extend2) Encode() ([]byte, error) {
	if len(e.Specs) > 255 {
		return nil, fmt.Errorf("too many link specifiers: %d", len(e.Specs))
	}
	buf := []byte{byte(len(e.Specs))}
	for _, s := range e.Specs {
		if len(s.Data) > 255 {
			return nil, fmt.Errorf("link specifier too large: %d", len(s.Data))
		}
		buf = append(buf, s.Type, byte(len(s.Data)))
		buf = append(buf, s.Data...)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], e.HandshakeType)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(e.HandshakeData)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, e.HandshakeData...)
	return buf, nil
}

// ParseExtend2 parses an EXTEND2 body
func ParseExtend2(payload []byte) (*Extend2, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty EXTEND2 body")
	}
	n := int(payload[0])
	pos := 1
	e := &Extend2{}
	for i := 0; i < n; i++ {
		if pos+2 > len(payload) {
			return nil, fmt.Errorf("EXTEND2 link specifier %d truncated", i)
		}
		stype := payload[pos]
		slen := int(payload[pos+1])
		pos += 2
		if pos+slen > len(payload) {
			return nil, fmt.Errorf("EXTEND2 link specifier %d overflows", i)
		}
		e.Specs = append(e.Specs, LinkSpec{Type: stype, Data: append([]byte(nil), payload[pos:pos+slen]...)})
		pos += slen
	}
	if pos+4 > len(payload) {
		return nil, fmt.Errorf("EXTEND2 handshake header truncated")
	}
	e.HandshakeType = binary.BigEndian.Uint16(payload[pos:])
	hlen := int(binary.BigEndian.Uint16(payload[pos+2:]))
	pos += 4
	if pos+hlen > len(payload) {
		return nil, fmt.Errorf("EXTEND2 handshake data truncated")
	}
	e.HandshakeData = append([]byte(nil), payload[pos:pos+hlen]...)
	return e, nil
}

// Extended2 is the body of an EXTENDED2 relay message
type Extended2 struct {
	HandshakeData []byte
}

// Encode serializes the EXTENDED2 body
func (e *Extended2) Encode() []byte {
	buf := make([]byte, 2+len(e.HandshakeData))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(e.HandshakeData)))
	copy(buf[2:], e.HandshakeData)
	return buf
}

// ParseExtended2 parses an EXTENDED2 body
func ParseExtended2(payload []byte) (*Extended2, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("EXTENDED2 too short: %d", len(payload))
	}
	hlen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+hlen {
		return nil, fmt.Errorf("EXTENDED2 handshake data truncated")
	}
	return &Extended2{HandshakeData: append([]byte(nil), payload[2:2+hlen]...)}, nil
}

// --- BEGIN / CONNECTED / END ---

// Begin is the body of a BEGIN relay message
type Begin struct {
	Addr  string
	Port  uint16
	Flags uint32
}

// Encode serializes the BEGIN body as "addr:port\x00" plus optional flags
func (b *Begin) Encode() []byte {
	s := fmt.Sprintf("%s:%d", b.Addr, b.Port)
	buf := append([]byte(s), 0)
	if b.Flags != 0 {
		var f [4]byte
		binary.BigEndian.PutUint32(f[:], b.Flags)
		buf = append(buf, f[:]...)
	}
	return buf
}

// ParseBegin parses a BEGIN body
func ParseBegin(payload []byte) (*Begin, error) {
	idx := -1
	for i, c := range payload {
		if c == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("BEGIN body missing NUL terminator")
	}
	target := string(payload[:idx])
	colon := strings.LastIndex(target, ":")
	if colon < 0 {
		return nil, fmt.Errorf("BEGIN target missing port: %q", target)
	}
	port, err := strconv.ParseUint(target[colon+1:], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("BEGIN target bad port: %w", err)
	}
	b := &Begin{Addr: target[:colon], Port: uint16(port)}
	rest := payload[idx+1:]
	if len(rest) >= 4 {
		b.Flags = binary.BigEndian.Uint32(rest[0:4])
	}
	return b, nil
}

// Connected is the body of a CONNECTED relay message
type Connected struct {
	Addr net.IP
	TTL  uint32
}

// ParseConnected parses a CONNECTED body; an empty body is valid
func ParseConnected(payload []byte) (*Connected, error) {
	c := &Connected{}
	if len(payload) == 0 {
		return c, nil
	}
	if len(payload) >= 8 {
		// Either IPv4+TTL, or the IPv6 marker form
		if payload[0] == 0 && payload[1] == 0 && payload[2] == 0 && payload[3] == 0 {
			if len(payload) >= 25 && payload[4] == AddrTypeIPv6 {
				c.Addr = net.IP(append([]byte(nil), payload[5:21]...))
				c.TTL = binary.BigEndian.Uint32(payload[21:25])
				return c, nil
			}
			return nil, fmt.Errorf("CONNECTED body malformed")
		}
		c.Addr = net.IP(append([]byte(nil), payload[0:4]...))
		c.TTL = binary.BigEndian.Uint32(payload[4:8])
		return c, nil
	}
	if len(payload) == 4 {
		c.Addr = net.IP(append([]byte(nil), payload[0:4]...))
		return c, nil
	}
	return nil, fmt.Errorf("CONNECTED body malformed: %d bytes", len(payload))
}

// --- SENDME ---

// Sendme versions
const (
	SendmeVersionTagless = 0
	SendmeVersionDigest  = 1
)

// Sendme is the body of a SENDME relay message. The v1 form carries the
// digest of the last cell that prompted it.
type Sendme struct {
	Version byte
	Digest  []byte
}

// Encode serializes the SENDME body
func (s *Sendme) Encode() []byte {
	if s.Version == SendmeVersionTagless {
		return nil
	}
	buf := make([]byte, 3+len(s.Digest))
	buf[0] = s.Version
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(s.Digest)))
	copy(buf[3:], s.Digest)
	return buf
}

// ParseSendme parses a SENDME body; an empty body is a tagless (v0) SENDME
func ParseSendme(payload []byte) (*Sendme, error) {
	if len(payload) == 0 {
		return &Sendme{Version: SendmeVersionTagless}, nil
	}
	if len(payload) < 3 {
		return nil, fmt.Errorf("SENDME too short: %d", len(payload))
	}
	dlen := int(binary.BigEndian.Uint16(payload[1:3]))
	if len(payload) < 3+dlen {
		return nil, fmt.Errorf("SENDME digest truncated")
	}
	return &Sendme{
		Version: payload[0],
		Digest:  append([]byte(nil), payload[3:3+dlen]...),
	}, nil
}

// --- XON / XOFF ---

// Xon is the body of an XON relay message. Rate is advisory, in kilobytes
// per second; 0 means unlimited.
type Xon struct {
	Version byte
	KBps    uint32
}

// Encode serializes the XON body
func (x *Xon) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = x.Version
	binary.BigEndian.PutUint32(buf[1:5], x.KBps)
	return buf
}

// ParseXon parses an XON body
func ParseXon(payload []byte) (*Xon, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("XON too short: %d", len(payload))
	}
	return &Xon{Version: payload[0], KBps: binary.BigEndian.Uint32(payload[1:5])}, nil
}

// Xoff is the body of an XOFF relay message
type Xoff struct {
	Version byte
}

// Encode serializes the XOFF body
func (x *Xoff) Encode() []byte {
	return []byte{x.Version}
}

// ParseXoff parses an XOFF body
func ParseXoff(payload []byte) (*Xoff, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty XOFF body")
	}
	return &Xoff{Version: payload[0]}, nil
}

// --- CONFLUX ---

// Desired-UX values carried in a CONFLUX_LINK message
const (
	UXNoOpinion        = 0
	UXMinLatency       = 1
	UXLowMemLatency    = 2
	UXHighThroughput   = 3
	UXLowMemThroughput = 4
)

// ConfluxLink is the body of CONFLUX_LINK and CONFLUX_LINKED messages
type ConfluxLink struct {
	Version     byte
	DesiredUX   byte
	Nonce       [32]byte
	LastSeqSent uint64
	LastSeqRecv uint64
}

// Encode serializes the CONFLUX_LINK body
func (l *ConfluxLink) Encode() []byte {
	buf := make([]byte, 1+1+32+8+8)
	buf[0] = l.Version
	buf[1] = l.DesiredUX
	copy(buf[2:34], l.Nonce[:])
	binary.BigEndian.PutUint64(buf[34:42], l.LastSeqSent)
	binary.BigEndian.PutUint64(buf[42:50], l.LastSeqRecv)
	return buf
}

// ParseConfluxLink parses a CONFLUX_LINK or CONFLUX_LINKED body
func ParseConfluxLink(payload []byte) (*ConfluxLink, error) {
	if len(payload) < 50 {
		return nil, fmt.Errorf("CONFLUX_LINK too short: %d", len(payload))
	}
	l := &ConfluxLink{
		Version:   payload[0],
		DesiredUX: payload[1],
	}
	copy(l.Nonce[:], payload[2:34])
	l.LastSeqSent = binary.BigEndian.Uint64(payload[34:42])
	l.LastSeqRecv = binary.BigEndian.Uint64(payload[42:50])
	return l, nil
}

// ConfluxSwitch is the body of a CONFLUX_SWITCH message
type ConfluxSwitch struct {
	SeqDelta uint32
}

// Encode serializes the CONFLUX_SWITCH body
func (s *ConfluxSwitch) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, s.SeqDelta)
	return buf
}

// ParseConfluxSwitch parses a CONFLUX_SWITCH body
func ParseConfluxSwitch(payload []byte) (*ConfluxSwitch, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("CONFLUX_SWITCH too short: %d", len(payload))
	}
	return &ConfluxSwitch{SeqDelta: binary.BigEndian.Uint32(payload[0:4])}, nil
}
