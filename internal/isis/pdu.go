// Package isis implements the IS-IS core (ISO 10589): PDU and TLV
// codecs, the adjacency state machine, the LSP database, and SPF.
package isis

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Identifiers
// -------------------------------------------------------------------------

// SystemID is the 6-byte system identifier.
type SystemID [6]byte

// String renders the conventional dotted form.
func (s SystemID) String() string {
	return fmt.Sprintf("%02x%02x.%02x%02x.%02x%02x", s[0], s[1], s[2], s[3], s[4], s[5])
}

// LanID is a system ID plus pseudonode number.
type LanID struct {
	SysID      SystemID
	Pseudonode uint8
}

// LspID identifies one LSP: LAN ID plus fragment number.
type LspID struct {
	SysID      SystemID
	Pseudonode uint8
	Fragment   uint8
}

// String renders the conventional form.
func (id LspID) String() string {
	return fmt.Sprintf("%s.%02x-%02x", id.SysID, id.Pseudonode, id.Fragment)
}

// Compare orders LSP IDs lexicographically.
func (id LspID) Compare(other LspID) int {
	for i := 0; i < 6; i++ {
		if id.SysID[i] != other.SysID[i] {
			return int(id.SysID[i]) - int(other.SysID[i])
		}
	}
	if id.Pseudonode != other.Pseudonode {
		return int(id.Pseudonode) - int(other.Pseudonode)
	}
	return int(id.Fragment) - int(other.Fragment)
}

// Level is the IS-IS level number.
type Level uint8

const (
	Level1 Level = 1
	Level2 Level = 2
)

// -------------------------------------------------------------------------
// PDU framing — ISO 10589 Section 9
// -------------------------------------------------------------------------

// IDRPDiscriminator is the first byte of every IS-IS PDU.
const IDRPDiscriminator = 0x83

// PduType identifies an IS-IS PDU.
type PduType uint8

const (
	PduLanHelloL1 PduType = 15
	PduLanHelloL2 PduType = 16
	PduP2PHello   PduType = 17
	PduLspL1      PduType = 18
	PduLspL2      PduType = 20
	PduCsnpL1     PduType = 24
	PduCsnpL2     PduType = 25
	PduPsnpL1     PduType = 26
	PduPsnpL2     PduType = 27
)

// String returns the PDU type name.
func (t PduType) String() string {
	switch t {
	case PduLanHelloL1:
		return "L1-LAN-IIH"
	case PduLanHelloL2:
		return "L2-LAN-IIH"
	case PduP2PHello:
		return "P2P-IIH"
	case PduLspL1:
		return "L1-LSP"
	case PduLspL2:
		return "L2-LSP"
	case PduCsnpL1:
		return "L1-CSNP"
	case PduCsnpL2:
		return "L2-CSNP"
	case PduPsnpL1:
		return "L1-PSNP"
	case PduPsnpL2:
		return "L2-PSNP"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// TLV type codes.
const (
	TlvAreaAddresses   uint8 = 1
	TlvIsReach         uint8 = 2 // narrow metric
	TlvIsNeighbors     uint8 = 6
	TlvPadding         uint8 = 8
	TlvLspEntries      uint8 = 9
	TlvExtIsReach      uint8 = 22  // wide metric
	TlvIpInternalReach uint8 = 128 // narrow metric
	TlvProtocols       uint8 = 129
	TlvIpIfaceAddr     uint8 = 132
	TlvExtIpReach      uint8 = 135 // wide metric
	TlvHostname        uint8 = 137
)

// MaxNarrowMetric is the largest metric a narrow TLV can carry.
const MaxNarrowMetric = 63

// Codec errors.
var (
	ErrPduTooShort         = errors.New("pdu shorter than header")
	ErrPduBadDiscriminator = errors.New("bad idrp discriminator")
	ErrPduBadType          = errors.New("unknown pdu type")
	ErrPduBadLength        = errors.New("pdu length field inconsistent")
	ErrTlvTruncated        = errors.New("tlv truncated")
)

const commonHdrLen = 8

func encodeCommonHdr(buf []byte, pduType PduType, hdrLen uint8) {
	buf[0] = IDRPDiscriminator
	buf[1] = hdrLen
	buf[2] = 1 // version/protocol ID extension
	buf[3] = 0 // ID length (0 means 6)
	buf[4] = uint8(pduType)
	buf[5] = 1 // version
	buf[6] = 0 // reserved
	buf[7] = 0 // maximum area addresses (0 means 3)
}

// Pdu is any decoded IS-IS PDU.
type Pdu interface {
	Type() PduType
	Encode(buf []byte) (int, error)
}

// DecodePdu parses one PDU.
func DecodePdu(buf []byte) (Pdu, error) {
	if len(buf) < commonHdrLen {
		return nil, ErrPduTooShort
	}
	if buf[0] != IDRPDiscriminator {
		return nil, ErrPduBadDiscriminator
	}
	switch PduType(buf[4]) {
	case PduLanHelloL1, PduLanHelloL2, PduP2PHello:
		return decodeHello(buf)
	case PduLspL1, PduLspL2:
		return DecodeLsp(buf)
	case PduCsnpL1, PduCsnpL2:
		return decodeSnp(buf, true)
	case PduPsnpL1, PduPsnpL2:
		return decodeSnp(buf, false)
	default:
		return nil, ErrPduBadType
	}
}

// tlv iteration helper.
func walkTlvs(data []byte, fn func(typ uint8, val []byte) error) error {
	for len(data) > 0 {
		if len(data) < 2 {
			return ErrTlvTruncated
		}
		typ, length := data[0], int(data[1])
		if len(data) < 2+length {
			return ErrTlvTruncated
		}
		if err := fn(typ, data[2:2+length]); err != nil {
			return err
		}
		data = data[2+length:]
	}
	return nil
}

func appendTlv(buf []byte, typ uint8, val []byte) []byte {
	buf = append(buf, typ, uint8(len(val)))
	return append(buf, val...)
}

// -------------------------------------------------------------------------
// Hello (IIH) — ISO 10589 Section 9.5-9.7
// -------------------------------------------------------------------------

// Hello is a LAN or point-to-point IIH.
type Hello struct {
	PduType     PduType
	CircuitType uint8
	SourceID    SystemID
	HoldingTime uint16
	// Priority and LanID are LAN IIH only.
	Priority uint8
	LanID    LanID
	// LocalCircuitID is P2P IIH only.
	LocalCircuitID uint8

	AreaAddresses [][]byte
	Neighbors     [][6]byte // MAC addresses of heard neighbors (LAN)
	Protocols     []uint8
	IfaceAddrs4   []netip.Addr
}

// Type implements Pdu.
func (h *Hello) Type() PduType { return h.PduType }

// Encode implements Pdu.
func (h *Hello) Encode(buf []byte) (int, error) {
	fixed := 27
	if h.PduType == PduP2PHello {
		fixed = 20
	}
	encodeCommonHdr(buf, h.PduType, uint8(fixed))
	buf[8] = h.CircuitType
	copy(buf[9:15], h.SourceID[:])
	binary.BigEndian.PutUint16(buf[15:], h.HoldingTime)
	// PDU length filled below.
	off := 19
	if h.PduType == PduP2PHello {
		buf[off] = h.LocalCircuitID
		off++
	} else {
		buf[off] = h.Priority & 0x7f
		copy(buf[off+1:off+7], h.LanID.SysID[:])
		buf[off+7] = h.LanID.Pseudonode
		off += 8
	}

	tlvs := buf[off:off]
	for _, area := range h.AreaAddresses {
		tlvs = appendTlv(tlvs, TlvAreaAddresses, append([]byte{uint8(len(area))}, area...))
	}
	if len(h.Neighbors) > 0 {
		val := make([]byte, 0, len(h.Neighbors)*6)
		for _, mac := range h.Neighbors {
			val = append(val, mac[:]...)
		}
		tlvs = appendTlv(tlvs, TlvIsNeighbors, val)
	}
	if len(h.Protocols) > 0 {
		tlvs = appendTlv(tlvs, TlvProtocols, h.Protocols)
	}
	if len(h.IfaceAddrs4) > 0 {
		val := make([]byte, 0, len(h.IfaceAddrs4)*4)
		for _, addr := range h.IfaceAddrs4 {
			a4 := addr.As4()
			val = append(val, a4[:]...)
		}
		tlvs = appendTlv(tlvs, TlvIpIfaceAddr, val)
	}
	total := off + len(tlvs)
	binary.BigEndian.PutUint16(buf[17:], uint16(total))
	return total, nil
}

func decodeHello(buf []byte) (*Hello, error) {
	pduType := PduType(buf[4])
	fixed := 27
	if pduType == PduP2PHello {
		fixed = 20
	}
	if len(buf) < fixed {
		return nil, ErrPduTooShort
	}
	h := &Hello{
		PduType:     pduType,
		CircuitType: buf[8],
		HoldingTime: binary.BigEndian.Uint16(buf[15:]),
	}
	copy(h.SourceID[:], buf[9:15])
	length := int(binary.BigEndian.Uint16(buf[17:]))
	if length < fixed || length > len(buf) {
		return nil, ErrPduBadLength
	}
	if pduType == PduP2PHello {
		h.LocalCircuitID = buf[19]
	} else {
		h.Priority = buf[19] & 0x7f
		copy(h.LanID.SysID[:], buf[20:26])
		h.LanID.Pseudonode = buf[26]
	}

	err := walkTlvs(buf[fixed:length], func(typ uint8, val []byte) error {
		switch typ {
		case TlvAreaAddresses:
			for len(val) > 0 {
				alen := int(val[0])
				if len(val) < 1+alen {
					return ErrTlvTruncated
				}
				h.AreaAddresses = append(h.AreaAddresses, append([]byte(nil), val[1:1+alen]...))
				val = val[1+alen:]
			}
		case TlvIsNeighbors:
			for len(val) >= 6 {
				var mac [6]byte
				copy(mac[:], val)
				h.Neighbors = append(h.Neighbors, mac)
				val = val[6:]
			}
		case TlvProtocols:
			h.Protocols = append([]uint8(nil), val...)
		case TlvIpIfaceAddr:
			for len(val) >= 4 {
				var a4 [4]byte
				copy(a4[:], val)
				h.IfaceAddrs4 = append(h.IfaceAddrs4, netip.AddrFrom4(a4))
				val = val[4:]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// -------------------------------------------------------------------------
// LSP — ISO 10589 Section 9.8
// -------------------------------------------------------------------------

// LSP flag bits of the flags octet.
const (
	LspFlagPartition uint8 = 1 << 7
	LspFlagOverload  uint8 = 1 << 2
	LspFlagIsTypeL1  uint8 = 0x01
	LspFlagIsTypeL2  uint8 = 0x02
)

// IsReach is one IS neighbor with a metric; wide and narrow TLVs both
// decode into it.
type IsReach struct {
	Neighbor LanID
	Metric   uint32
}

// IpReach is one IP prefix with a metric.
type IpReach struct {
	Prefix netip.Prefix
	Metric uint32
	// Down is set for down-flagged (leaked) prefixes.
	Down bool
}

// Lsp is one link-state PDU. The wire image is retained after decode so
// flooding retransmits the received bytes and the checksum stays valid.
type Lsp struct {
	PduType  PduType
	Lifetime uint16
	LspID    LspID
	SeqNo    uint32
	Checksum uint16
	Flags    uint8

	AreaAddresses [][]byte
	Hostname      string
	IsReach       []IsReach // narrow (TLV 2)
	ExtIsReach    []IsReach // wide (TLV 22)
	IpReach       []IpReach // narrow (TLV 128)
	ExtIpReach    []IpReach // wide (TLV 135)

	raw []byte
}

// Type implements Pdu.
func (l *Lsp) Type() PduType { return l.PduType }

// Level returns the LSP level.
func (l *Lsp) Level() Level {
	if l.PduType == PduLspL1 {
		return Level1
	}
	return Level2
}

// Raw returns the frozen wire image, re-encoding if none was captured.
func (l *Lsp) Raw() []byte {
	if l.raw == nil {
		buf := make([]byte, 1492)
		n, err := l.Encode(buf)
		if err != nil {
			return nil
		}
		l.raw = buf[:n]
	}
	return l.raw
}

const lspHdrLen = 27

// Encode implements Pdu. It recomputes the checksum.
func (l *Lsp) Encode(buf []byte) (int, error) {
	encodeCommonHdr(buf, l.PduType, lspHdrLen)
	binary.BigEndian.PutUint16(buf[10:], l.Lifetime)
	copy(buf[12:18], l.LspID.SysID[:])
	buf[18] = l.LspID.Pseudonode
	buf[19] = l.LspID.Fragment
	binary.BigEndian.PutUint32(buf[20:], l.SeqNo)
	binary.BigEndian.PutUint16(buf[24:], 0) // checksum below
	buf[26] = l.Flags

	tlvs := buf[lspHdrLen:lspHdrLen]
	for _, area := range l.AreaAddresses {
		tlvs = appendTlv(tlvs, TlvAreaAddresses, append([]byte{uint8(len(area))}, area...))
	}
	if l.Hostname != "" {
		tlvs = appendTlv(tlvs, TlvHostname, []byte(l.Hostname))
	}
	if len(l.IsReach) > 0 {
		val := []byte{0} // virtual flag
		for _, r := range l.IsReach {
			entry := make([]byte, 11)
			entry[0] = uint8(min(r.Metric, MaxNarrowMetric))
			entry[1], entry[2], entry[3] = 0x80, 0x80, 0x80 // unsupported metrics
			copy(entry[4:10], r.Neighbor.SysID[:])
			entry[10] = r.Neighbor.Pseudonode
			val = append(val, entry...)
		}
		tlvs = appendTlv(tlvs, TlvIsReach, val)
	}
	if len(l.ExtIsReach) > 0 {
		var val []byte
		for _, r := range l.ExtIsReach {
			entry := make([]byte, 11)
			copy(entry[0:6], r.Neighbor.SysID[:])
			entry[6] = r.Neighbor.Pseudonode
			entry[7] = uint8(r.Metric >> 16)
			entry[8] = uint8(r.Metric >> 8)
			entry[9] = uint8(r.Metric)
			entry[10] = 0 // no sub-TLVs
			val = append(val, entry...)
		}
		tlvs = appendTlv(tlvs, TlvExtIsReach, val)
	}
	if len(l.IpReach) > 0 {
		var val []byte
		for _, r := range l.IpReach {
			entry := make([]byte, 12)
			entry[0] = uint8(min(r.Metric, MaxNarrowMetric))
			if r.Down {
				entry[0] |= 0x80
			}
			entry[1], entry[2], entry[3] = 0x80, 0x80, 0x80
			a4 := r.Prefix.Addr().As4()
			copy(entry[4:8], a4[:])
			mask := ^uint32(0) << (32 - r.Prefix.Bits())
			if r.Prefix.Bits() == 0 {
				mask = 0
			}
			binary.BigEndian.PutUint32(entry[8:], mask)
			val = append(val, entry...)
		}
		tlvs = appendTlv(tlvs, TlvIpInternalReach, val)
	}
	if len(l.ExtIpReach) > 0 {
		var val []byte
		for _, r := range l.ExtIpReach {
			entry := make([]byte, 5, 9)
			binary.BigEndian.PutUint32(entry[0:], r.Metric)
			bits := r.Prefix.Bits()
			entry[4] = uint8(bits)
			if r.Down {
				entry[4] |= 0x80
			}
			a4 := r.Prefix.Addr().As4()
			entry = append(entry, a4[:(bits+7)/8]...)
			val = append(val, entry...)
		}
		tlvs = appendTlv(tlvs, TlvExtIpReach, val)
	}

	total := lspHdrLen + len(tlvs)
	binary.BigEndian.PutUint16(buf[8:], uint16(total))
	// Fletcher checksum over LSP ID through the end (ISO 10589 C.2.4).
	l.Checksum = fletcher16(buf[12:total], 12)
	binary.BigEndian.PutUint16(buf[24:], l.Checksum)
	l.raw = append([]byte(nil), buf[:total]...)
	return total, nil
}

// DecodeLsp parses one LSP and freezes its wire image.
func DecodeLsp(buf []byte) (*Lsp, error) {
	if len(buf) < lspHdrLen {
		return nil, ErrPduTooShort
	}
	length := int(binary.BigEndian.Uint16(buf[8:]))
	if length < lspHdrLen || length > len(buf) {
		return nil, ErrPduBadLength
	}
	l := &Lsp{
		PduType:  PduType(buf[4]),
		Lifetime: binary.BigEndian.Uint16(buf[10:]),
		SeqNo:    binary.BigEndian.Uint32(buf[20:]),
		Checksum: binary.BigEndian.Uint16(buf[24:]),
		Flags:    buf[26],
		raw:      append([]byte(nil), buf[:length]...),
	}
	copy(l.LspID.SysID[:], buf[12:18])
	l.LspID.Pseudonode = buf[18]
	l.LspID.Fragment = buf[19]

	err := walkTlvs(buf[lspHdrLen:length], func(typ uint8, val []byte) error {
		switch typ {
		case TlvAreaAddresses:
			for len(val) > 0 {
				alen := int(val[0])
				if len(val) < 1+alen {
					return ErrTlvTruncated
				}
				l.AreaAddresses = append(l.AreaAddresses, append([]byte(nil), val[1:1+alen]...))
				val = val[1+alen:]
			}
		case TlvHostname:
			l.Hostname = string(val)
		case TlvIsReach:
			if len(val) < 1 {
				return ErrTlvTruncated
			}
			val = val[1:] // virtual flag
			for len(val) >= 11 {
				r := IsReach{Metric: uint32(val[0] & 0x3f)}
				copy(r.Neighbor.SysID[:], val[4:10])
				r.Neighbor.Pseudonode = val[10]
				l.IsReach = append(l.IsReach, r)
				val = val[11:]
			}
		case TlvExtIsReach:
			for len(val) >= 11 {
				r := IsReach{
					Metric: uint32(val[7])<<16 | uint32(val[8])<<8 | uint32(val[9]),
				}
				copy(r.Neighbor.SysID[:], val[0:6])
				r.Neighbor.Pseudonode = val[6]
				subLen := int(val[10])
				if len(val) < 11+subLen {
					return ErrTlvTruncated
				}
				l.ExtIsReach = append(l.ExtIsReach, r)
				val = val[11+subLen:]
			}
		case TlvIpInternalReach:
			for len(val) >= 12 {
				r := IpReach{
					Metric: uint32(val[0] & 0x3f),
					Down:   val[0]&0x80 != 0,
				}
				var a4 [4]byte
				copy(a4[:], val[4:8])
				mask := binary.BigEndian.Uint32(val[8:12])
				r.Prefix = netip.PrefixFrom(netip.AddrFrom4(a4), maskBits(mask))
				l.IpReach = append(l.IpReach, r)
				val = val[12:]
			}
		case TlvExtIpReach:
			for len(val) >= 5 {
				r := IpReach{
					Metric: binary.BigEndian.Uint32(val[0:]),
					Down:   val[4]&0x80 != 0,
				}
				bits := int(val[4] & 0x3f)
				nbytes := (bits + 7) / 8
				if len(val) < 5+nbytes {
					return ErrTlvTruncated
				}
				var a4 [4]byte
				copy(a4[:], val[5:5+nbytes])
				r.Prefix = netip.PrefixFrom(netip.AddrFrom4(a4), bits)
				l.ExtIpReach = append(l.ExtIpReach, r)
				val = val[5+nbytes:]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func maskBits(mask uint32) int {
	bits := 0
	for m := mask; m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	return bits
}

// fletcher16 is the ISO 8473 checksum with the checksum field zeroed at
// offset within the summed region.
func fletcher16(data []byte, offset int) uint16 {
	var c0, c1 int
	for i, b := range data {
		if i == offset || i == offset+1 {
			b = 0
		}
		c0 = (c0 + int(b)) % 255
		c1 = (c1 + c0) % 255
	}
	x := ((len(data)-offset-1)*c0 - c1) % 255
	if x <= 0 {
		x += 255
	}
	y := 510 - c0 - x
	if y > 255 {
		y -= 255
	}
	return uint16(x)<<8 | uint16(y)
}

// -------------------------------------------------------------------------
// Sequence number PDUs — ISO 10589 Section 9.9-9.12
// -------------------------------------------------------------------------

// LspEntry summarises one LSP inside a CSNP/PSNP (TLV 9).
type LspEntry struct {
	Lifetime uint16
	LspID    LspID
	SeqNo    uint32
	Checksum uint16
}

// Snp is a complete or partial sequence number PDU.
type Snp struct {
	PduType  PduType
	SourceID LanID
	// StartID and EndID delimit the described range (CSNP only).
	StartID LspID
	EndID   LspID
	Entries []LspEntry
}

// Type implements Pdu.
func (s *Snp) Type() PduType { return s.PduType }

func (s *Snp) complete() bool {
	return s.PduType == PduCsnpL1 || s.PduType == PduCsnpL2
}

// Encode implements Pdu.
func (s *Snp) Encode(buf []byte) (int, error) {
	fixed := 17
	if s.complete() {
		fixed = 33
	}
	encodeCommonHdr(buf, s.PduType, uint8(fixed))
	copy(buf[10:16], s.SourceID.SysID[:])
	buf[16] = s.SourceID.Pseudonode
	off := 17
	if s.complete() {
		putLspID(buf[17:], s.StartID)
		putLspID(buf[25:], s.EndID)
		off = 33
	}

	tlvs := buf[off:off]
	// Each LSP-entries TLV carries at most 15 entries (16-byte each).
	for start := 0; start < len(s.Entries); start += 15 {
		end := min(start+15, len(s.Entries))
		val := make([]byte, 0, (end-start)*16)
		for _, e := range s.Entries[start:end] {
			var entry [16]byte
			binary.BigEndian.PutUint16(entry[0:], e.Lifetime)
			putLspID(entry[2:], e.LspID)
			binary.BigEndian.PutUint32(entry[10:], e.SeqNo)
			binary.BigEndian.PutUint16(entry[14:], e.Checksum)
			val = append(val, entry[:]...)
		}
		tlvs = appendTlv(tlvs, TlvLspEntries, val)
	}
	total := off + len(tlvs)
	binary.BigEndian.PutUint16(buf[8:], uint16(total))
	return total, nil
}

func putLspID(buf []byte, id LspID) {
	copy(buf[0:6], id.SysID[:])
	buf[6] = id.Pseudonode
	buf[7] = id.Fragment
}

func getLspID(buf []byte) LspID {
	var id LspID
	copy(id.SysID[:], buf[0:6])
	id.Pseudonode = buf[6]
	id.Fragment = buf[7]
	return id
}

func decodeSnp(buf []byte, complete bool) (*Snp, error) {
	fixed := 17
	if complete {
		fixed = 33
	}
	if len(buf) < fixed {
		return nil, ErrPduTooShort
	}
	length := int(binary.BigEndian.Uint16(buf[8:]))
	if length < fixed || length > len(buf) {
		return nil, ErrPduBadLength
	}
	s := &Snp{PduType: PduType(buf[4])}
	copy(s.SourceID.SysID[:], buf[10:16])
	s.SourceID.Pseudonode = buf[16]
	if complete {
		s.StartID = getLspID(buf[17:])
		s.EndID = getLspID(buf[25:])
	}

	err := walkTlvs(buf[fixed:length], func(typ uint8, val []byte) error {
		if typ != TlvLspEntries {
			return nil
		}
		for len(val) >= 16 {
			s.Entries = append(s.Entries, LspEntry{
				Lifetime: binary.BigEndian.Uint16(val[0:]),
				LspID:    getLspID(val[2:]),
				SeqNo:    binary.BigEndian.Uint32(val[10:]),
				Checksum: binary.BigEndian.Uint16(val[14:]),
			})
			val = val[16:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
