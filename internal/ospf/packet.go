package ospf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Packet header — RFC 2328 Appendix A.3.1 / RFC 5340 Appendix A.3.1
// -------------------------------------------------------------------------

// Version numbers.
const (
	Version2 uint8 = 2
	Version3 uint8 = 3
)

// PacketType identifies an OSPF packet.
type PacketType uint8

const (
	PktHello     PacketType = 1
	PktDbDesc    PacketType = 2
	PktLSRequest PacketType = 3
	PktLSUpdate  PacketType = 4
	PktLSAck     PacketType = 5
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PktHello:
		return "Hello"
	case PktDbDesc:
		return "DbDesc"
	case PktLSRequest:
		return "LSRequest"
	case PktLSUpdate:
		return "LSUpdate"
	case PktLSAck:
		return "LSAck"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Header sizes.
const (
	HdrSizeV2 = 24
	HdrSizeV3 = 16
)

// PacketHdr is the version-independent header view.
type PacketHdr struct {
	Version  uint8
	Type     PacketType
	RouterID uint32
	AreaID   uint32
	// AuthType/AuthData are OSPFv2 only.
	AuthType uint16
	AuthData [8]byte
	// InstanceID is OSPFv3 only.
	InstanceID uint8
}

// Codec errors.
var (
	ErrPktTooShort    = errors.New("packet shorter than header")
	ErrPktBadVersion  = errors.New("unsupported ospf version")
	ErrPktBadLength   = errors.New("packet length field inconsistent")
	ErrPktBadChecksum = errors.New("packet checksum mismatch")
	ErrPktBadType     = errors.New("unknown packet type")
)

// Packet is one decoded OSPF packet.
type Packet struct {
	Hdr  PacketHdr
	Body PacketBody
}

// PacketBody is any packet payload.
type PacketBody interface {
	pktType() PacketType
	encode(version uint8, buf []byte) (int, error)
}

// EncodePacket frames the packet with the version-appropriate header and
// checksum.
func EncodePacket(pkt *Packet, buf []byte) (int, error) {
	hdrSize := HdrSizeV2
	if pkt.Hdr.Version == Version3 {
		hdrSize = HdrSizeV3
	}
	n, err := pkt.Body.encode(pkt.Hdr.Version, buf[hdrSize:])
	if err != nil {
		return 0, err
	}
	total := hdrSize + n

	buf[0] = pkt.Hdr.Version
	buf[1] = uint8(pkt.Body.pktType())
	binary.BigEndian.PutUint16(buf[2:], uint16(total))
	binary.BigEndian.PutUint32(buf[4:], pkt.Hdr.RouterID)
	binary.BigEndian.PutUint32(buf[8:], pkt.Hdr.AreaID)
	if pkt.Hdr.Version == Version2 {
		binary.BigEndian.PutUint16(buf[12:], 0) // checksum below
		binary.BigEndian.PutUint16(buf[14:], pkt.Hdr.AuthType)
		copy(buf[16:24], pkt.Hdr.AuthData[:])
		// Standard IP checksum over the packet, auth field excluded.
		binary.BigEndian.PutUint16(buf[12:], ipChecksum(buf[:total], 16, 24))
	} else {
		binary.BigEndian.PutUint16(buf[12:], 0) // checksum from pseudo-header, left to the socket layer
		buf[14] = pkt.Hdr.InstanceID
		buf[15] = 0
	}
	return total, nil
}

// DecodePacket parses and validates one packet.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < HdrSizeV3 {
		return nil, ErrPktTooShort
	}
	version := buf[0]
	hdrSize := HdrSizeV3
	if version == Version2 {
		hdrSize = HdrSizeV2
	} else if version != Version3 {
		return nil, ErrPktBadVersion
	}
	if len(buf) < hdrSize {
		return nil, ErrPktTooShort
	}
	length := int(binary.BigEndian.Uint16(buf[2:]))
	if length < hdrSize || length > len(buf) {
		return nil, ErrPktBadLength
	}

	pkt := &Packet{Hdr: PacketHdr{
		Version:  version,
		Type:     PacketType(buf[1]),
		RouterID: binary.BigEndian.Uint32(buf[4:]),
		AreaID:   binary.BigEndian.Uint32(buf[8:]),
	}}
	if version == Version2 {
		if ipChecksum(buf[:length], 16, 24) != binary.BigEndian.Uint16(buf[12:]) {
			return nil, ErrPktBadChecksum
		}
		pkt.Hdr.AuthType = binary.BigEndian.Uint16(buf[14:])
		copy(pkt.Hdr.AuthData[:], buf[16:24])
	} else {
		pkt.Hdr.InstanceID = buf[14]
	}

	body := buf[hdrSize:length]
	var err error
	switch pkt.Hdr.Type {
	case PktHello:
		pkt.Body, err = decodeHello(version, body)
	case PktDbDesc:
		pkt.Body, err = decodeDbDesc(version, body)
	case PktLSRequest:
		pkt.Body, err = decodeLSRequest(body)
	case PktLSUpdate:
		pkt.Body, err = decodeLSUpdate(body)
	case PktLSAck:
		pkt.Body, err = decodeLSAck(body)
	default:
		return nil, ErrPktBadType
	}
	if err != nil {
		return nil, err
	}
	return pkt, nil
}

// ipChecksum is the standard one's complement checksum with the bytes in
// [skipFrom, skipTo) excluded (the OSPFv2 auth field).
func ipChecksum(data []byte, skipFrom, skipTo int) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		if i >= skipFrom && i < skipTo {
			continue
		}
		if i == 12 {
			continue // checksum field itself
		}
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// -------------------------------------------------------------------------
// Hello — RFC 2328 A.3.2 / RFC 5340 A.3.2
// -------------------------------------------------------------------------

// Hello is the version-independent Hello body.
type Hello struct {
	// NetworkMask is OSPFv2 only.
	NetworkMask uint32
	// InterfaceID is OSPFv3 only.
	InterfaceID        uint32
	HelloInterval      uint16
	RouterDeadInterval uint16
	Options            uint32
	Priority           uint8
	DR                 uint32
	BDR                uint32
	Neighbors          []uint32
}

func (*Hello) pktType() PacketType { return PktHello }

func (h *Hello) encode(version uint8, buf []byte) (int, error) {
	off := 0
	if version == Version2 {
		binary.BigEndian.PutUint32(buf[0:], h.NetworkMask)
		binary.BigEndian.PutUint16(buf[4:], h.HelloInterval)
		buf[6] = uint8(h.Options)
		buf[7] = h.Priority
		binary.BigEndian.PutUint32(buf[8:], uint32(h.RouterDeadInterval))
		binary.BigEndian.PutUint32(buf[12:], h.DR)
		binary.BigEndian.PutUint32(buf[16:], h.BDR)
		off = 20
	} else {
		binary.BigEndian.PutUint32(buf[0:], h.InterfaceID)
		binary.BigEndian.PutUint32(buf[4:], h.Options&0x00ffffff)
		buf[4] = h.Priority
		binary.BigEndian.PutUint16(buf[8:], h.HelloInterval)
		binary.BigEndian.PutUint16(buf[10:], h.RouterDeadInterval)
		binary.BigEndian.PutUint32(buf[12:], h.DR)
		binary.BigEndian.PutUint32(buf[16:], h.BDR)
		off = 20
	}
	for _, nbr := range h.Neighbors {
		binary.BigEndian.PutUint32(buf[off:], nbr)
		off += 4
	}
	return off, nil
}

func decodeHello(version uint8, body []byte) (*Hello, error) {
	if len(body) < 20 {
		return nil, ErrPktTooShort
	}
	h := &Hello{}
	if version == Version2 {
		h.NetworkMask = binary.BigEndian.Uint32(body[0:])
		h.HelloInterval = binary.BigEndian.Uint16(body[4:])
		h.Options = uint32(body[6])
		h.Priority = body[7]
		h.RouterDeadInterval = uint16(binary.BigEndian.Uint32(body[8:]))
		h.DR = binary.BigEndian.Uint32(body[12:])
		h.BDR = binary.BigEndian.Uint32(body[16:])
	} else {
		h.InterfaceID = binary.BigEndian.Uint32(body[0:])
		h.Priority = body[4]
		h.Options = binary.BigEndian.Uint32(body[4:]) & 0x00ffffff
		h.HelloInterval = binary.BigEndian.Uint16(body[8:])
		h.RouterDeadInterval = binary.BigEndian.Uint16(body[10:])
		h.DR = binary.BigEndian.Uint32(body[12:])
		h.BDR = binary.BigEndian.Uint32(body[16:])
	}
	for off := 20; off+4 <= len(body); off += 4 {
		h.Neighbors = append(h.Neighbors, binary.BigEndian.Uint32(body[off:]))
	}
	return h, nil
}

// -------------------------------------------------------------------------
// Database Description — RFC 2328 A.3.3
// -------------------------------------------------------------------------

// DbDesc flag bits.
const (
	DbDescFlagMS uint8 = 1 << 0
	DbDescFlagM  uint8 = 1 << 1
	DbDescFlagI  uint8 = 1 << 2
)

// DbDesc is the Database Description body.
type DbDesc struct {
	Options    uint32
	MTU        uint16
	Flags      uint8
	DdSeqNo    uint32
	LsaHeaders []LsaHdr
}

func (*DbDesc) pktType() PacketType { return PktDbDesc }

func (d *DbDesc) encode(_ uint8, buf []byte) (int, error) {
	binary.BigEndian.PutUint16(buf[0:], d.MTU)
	buf[2] = uint8(d.Options)
	buf[3] = d.Flags
	binary.BigEndian.PutUint32(buf[4:], d.DdSeqNo)
	off := 8
	for i := range d.LsaHeaders {
		d.LsaHeaders[i].encode(buf[off:])
		off += LsaHdrSize
	}
	return off, nil
}

func decodeDbDesc(_ uint8, body []byte) (*DbDesc, error) {
	if len(body) < 8 {
		return nil, ErrPktTooShort
	}
	d := &DbDesc{
		MTU:     binary.BigEndian.Uint16(body[0:]),
		Options: uint32(body[2]),
		Flags:   body[3],
		DdSeqNo: binary.BigEndian.Uint32(body[4:]),
	}
	for off := 8; off+LsaHdrSize <= len(body); off += LsaHdrSize {
		hdr, err := decodeLsaHdr(body[off:])
		if err != nil {
			return nil, err
		}
		d.LsaHeaders = append(d.LsaHeaders, hdr)
	}
	return d, nil
}

// -------------------------------------------------------------------------
// LS Request / Update / Ack — RFC 2328 A.3.4-A.3.6
// -------------------------------------------------------------------------

// LSRequest asks for specific LSA instances.
type LSRequest struct {
	Keys []LsaKey
}

func (*LSRequest) pktType() PacketType { return PktLSRequest }

func (r *LSRequest) encode(_ uint8, buf []byte) (int, error) {
	off := 0
	for _, key := range r.Keys {
		binary.BigEndian.PutUint32(buf[off:], uint32(key.Type))
		binary.BigEndian.PutUint32(buf[off+4:], key.LsaID)
		binary.BigEndian.PutUint32(buf[off+8:], key.AdvRtr)
		off += 12
	}
	return off, nil
}

func decodeLSRequest(body []byte) (*LSRequest, error) {
	if len(body)%12 != 0 {
		return nil, ErrPktBadLength
	}
	r := &LSRequest{}
	for off := 0; off < len(body); off += 12 {
		r.Keys = append(r.Keys, LsaKey{
			Type:   LsaType(binary.BigEndian.Uint32(body[off:])),
			LsaID:  binary.BigEndian.Uint32(body[off+4:]),
			AdvRtr: binary.BigEndian.Uint32(body[off+8:]),
		})
	}
	return r, nil
}

// LSUpdate carries full LSAs.
type LSUpdate struct {
	Lsas []*Lsa
}

func (*LSUpdate) pktType() PacketType { return PktLSUpdate }

func (u *LSUpdate) encode(_ uint8, buf []byte) (int, error) {
	binary.BigEndian.PutUint32(buf[0:], uint32(len(u.Lsas)))
	off := 4
	for _, lsa := range u.Lsas {
		n, err := lsa.Encode(buf[off:])
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

func decodeLSUpdate(body []byte) (*LSUpdate, error) {
	if len(body) < 4 {
		return nil, ErrPktTooShort
	}
	count := int(binary.BigEndian.Uint32(body[0:]))
	u := &LSUpdate{}
	off := 4
	for i := 0; i < count; i++ {
		lsa, err := DecodeLsa(body[off:])
		if err != nil {
			return nil, err
		}
		u.Lsas = append(u.Lsas, lsa)
		off += int(lsa.Hdr.Length)
	}
	return u, nil
}

// LSAck acknowledges flooded LSAs by header.
type LSAck struct {
	Headers []LsaHdr
}

func (*LSAck) pktType() PacketType { return PktLSAck }

func (a *LSAck) encode(_ uint8, buf []byte) (int, error) {
	off := 0
	for i := range a.Headers {
		a.Headers[i].encode(buf[off:])
		off += LsaHdrSize
	}
	return off, nil
}

func decodeLSAck(body []byte) (*LSAck, error) {
	if len(body)%LsaHdrSize != 0 {
		return nil, ErrPktBadLength
	}
	a := &LSAck{}
	for off := 0; off < len(body); off += LsaHdrSize {
		hdr, err := decodeLsaHdr(body[off:])
		if err != nil {
			return nil, err
		}
		a.Headers = append(a.Headers, hdr)
	}
	return a, nil
}

// AllSPFRouters and AllDRouters multicast groups.
var (
	AllSPFRouters   = netip.MustParseAddr("224.0.0.5")
	AllDRouters     = netip.MustParseAddr("224.0.0.6")
	AllSPFRoutersV6 = netip.MustParseAddr("ff02::5")
	AllDRoutersV6   = netip.MustParseAddr("ff02::6")
)
