package bgp

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"slices"
)

// -------------------------------------------------------------------------
// Path attributes — RFC 4271 Section 4.3, RFC 4760, RFC 1997, RFC 8092
// -------------------------------------------------------------------------

// Attribute type codes.
const (
	AttrOrigin           uint8 = 1
	AttrASPath           uint8 = 2
	AttrNexthop          uint8 = 3
	AttrMED              uint8 = 4
	AttrLocalPref        uint8 = 5
	AttrAtomicAggregate  uint8 = 6
	AttrAggregator       uint8 = 7
	AttrCommunities      uint8 = 8  // RFC 1997
	AttrOriginatorID     uint8 = 9  // RFC 4456
	AttrClusterList      uint8 = 10 // RFC 4456
	AttrMPReachNLRI      uint8 = 14 // RFC 4760
	AttrMPUnreachNLRI    uint8 = 15 // RFC 4760
	AttrExtCommunities   uint8 = 16 // RFC 4360
	AttrLargeCommunities uint8 = 32 // RFC 8092
)

// Attribute flag bits.
const (
	flagOptional   uint8 = 0x80
	flagTransitive uint8 = 0x40
	flagPartial    uint8 = 0x20
	flagExtLen     uint8 = 0x10
)

// Origin codes.
const (
	OriginIGP        uint8 = 0
	OriginEGP        uint8 = 1
	OriginIncomplete uint8 = 2
)

// Well-known communities (RFC 1997).
const (
	CommNoExport          uint32 = 0xffffff01
	CommNoAdvertise       uint32 = 0xffffff02
	CommNoExportSubconfed uint32 = 0xffffff03
)

// AS_PATH segment types.
const (
	SegmentSet      uint8 = 1
	SegmentSequence uint8 = 2
)

// ASSegment is one AS_PATH segment. ASNs are four octets (RFC 6793);
// this implementation always negotiates the four-octet capability.
type ASSegment struct {
	Type uint8
	ASNs []uint32
}

// LargeCommunity is an RFC 8092 community.
type LargeCommunity struct {
	GlobalAdmin uint32
	Local1      uint32
	Local2      uint32
}

// MPNLRI carries an MP_REACH or MP_UNREACH payload (RFC 4760). Only
// IPv6 unicast is populated by this implementation.
type MPNLRI struct {
	AFI       uint16
	SAFI      uint8
	Nexthop   netip.Addr
	LinkLocal netip.Addr
	Prefixes  []netip.Prefix
}

// Attrs is the decoded attribute set of one UPDATE.
type Attrs struct {
	Origin           uint8
	ASPath           []ASSegment
	Nexthop          netip.Addr
	MED              *uint32
	LocalPref        *uint32
	AtomicAggregate  bool
	AggregatorAS     uint32
	AggregatorID     uint32
	Communities      []uint32
	OriginatorID     uint32
	ClusterList      []uint32
	ExtCommunities   []uint64
	LargeCommunities []LargeCommunity
	MPReach          *MPNLRI
	MPUnreach        *MPNLRI
}

// ErrTreatAsWithdraw marks an attribute error that RFC 7606 downgrades
// to an implicit withdraw of the carried NLRI instead of a session
// reset.
var ErrTreatAsWithdraw = errors.New("malformed attribute: treat-as-withdraw")

var errAttrTruncated = errors.New("attribute truncated")

// ASPathLen returns the AS_PATH length for route selection: each
// AS_SET counts as one (RFC 4271 Section 9.1.2.2 a).
func (a *Attrs) ASPathLen() int {
	n := 0
	for _, seg := range a.ASPath {
		if seg.Type == SegmentSet {
			n++
		} else {
			n += len(seg.ASNs)
		}
	}
	return n
}

// ASPathContains reports whether asn appears anywhere in the AS_PATH.
func (a *Attrs) ASPathContains(asn uint32) bool {
	for _, seg := range a.ASPath {
		if slices.Contains(seg.ASNs, asn) {
			return true
		}
	}
	return false
}

// FirstAS returns the leftmost ASN of the AS_PATH, zero for an empty
// path (iBGP-originated).
func (a *Attrs) FirstAS() uint32 {
	for _, seg := range a.ASPath {
		if seg.Type == SegmentSequence && len(seg.ASNs) > 0 {
			return seg.ASNs[0]
		}
	}
	return 0
}

// HasCommunity reports whether the community value is attached.
func (a *Attrs) HasCommunity(comm uint32) bool {
	return slices.Contains(a.Communities, comm)
}

// PrependAS pushes asn onto the front of the AS_PATH.
func (a *Attrs) PrependAS(asn uint32) {
	if len(a.ASPath) > 0 && a.ASPath[0].Type == SegmentSequence && len(a.ASPath[0].ASNs) < 255 {
		seg := a.ASPath[0]
		a.ASPath[0] = ASSegment{
			Type: SegmentSequence,
			ASNs: append([]uint32{asn}, seg.ASNs...),
		}
		return
	}
	a.ASPath = append([]ASSegment{{Type: SegmentSequence, ASNs: []uint32{asn}}}, a.ASPath...)
}

// Clone returns a deep copy.
func (a *Attrs) Clone() *Attrs {
	if a == nil {
		return nil
	}
	c := *a
	c.ASPath = make([]ASSegment, len(a.ASPath))
	for i, seg := range a.ASPath {
		c.ASPath[i] = ASSegment{Type: seg.Type, ASNs: slices.Clone(seg.ASNs)}
	}
	c.Communities = slices.Clone(a.Communities)
	c.ClusterList = slices.Clone(a.ClusterList)
	c.ExtCommunities = slices.Clone(a.ExtCommunities)
	c.LargeCommunities = slices.Clone(a.LargeCommunities)
	if a.MED != nil {
		med := *a.MED
		c.MED = &med
	}
	if a.LocalPref != nil {
		lp := *a.LocalPref
		c.LocalPref = &lp
	}
	if a.MPReach != nil {
		mp := *a.MPReach
		mp.Prefixes = slices.Clone(a.MPReach.Prefixes)
		c.MPReach = &mp
	}
	if a.MPUnreach != nil {
		mp := *a.MPUnreach
		mp.Prefixes = slices.Clone(a.MPUnreach.Prefixes)
		c.MPUnreach = &mp
	}
	return &c
}

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

func decodeAttrs(data []byte) (*Attrs, error) {
	attrs := &Attrs{}
	seen := make(map[uint8]bool)

	for len(data) > 0 {
		if len(data) < 3 {
			return nil, ErrUpdateMalformed
		}
		flags, code := data[0], data[1]
		var alen, hdr int
		if flags&flagExtLen != 0 {
			if len(data) < 4 {
				return nil, ErrUpdateMalformed
			}
			alen = int(binary.BigEndian.Uint16(data[2:]))
			hdr = 4
		} else {
			alen = int(data[2])
			hdr = 3
		}
		if len(data) < hdr+alen {
			return nil, ErrUpdateMalformed
		}
		val := data[hdr : hdr+alen]
		data = data[hdr+alen:]

		// RFC 7606 Section 3 g: duplicate attributes keep the first.
		if seen[code] {
			continue
		}
		seen[code] = true

		if err := attrs.decodeOne(code, val); err != nil {
			if errors.Is(err, errAttrTruncated) {
				// RFC 7606: value-level errors demote to withdraw.
				return attrs, ErrTreatAsWithdraw
			}
			return nil, err
		}
	}
	return attrs, nil
}

func (a *Attrs) decodeOne(code uint8, val []byte) error {
	switch code {
	case AttrOrigin:
		if len(val) != 1 || val[0] > OriginIncomplete {
			return errAttrTruncated
		}
		a.Origin = val[0]
	case AttrASPath:
		segs, err := decodeASPath(val)
		if err != nil {
			return err
		}
		a.ASPath = segs
	case AttrNexthop:
		if len(val) != 4 {
			return errAttrTruncated
		}
		addr, _ := netip.AddrFromSlice(val)
		a.Nexthop = addr
	case AttrMED:
		if len(val) != 4 {
			return errAttrTruncated
		}
		med := binary.BigEndian.Uint32(val)
		a.MED = &med
	case AttrLocalPref:
		if len(val) != 4 {
			return errAttrTruncated
		}
		lp := binary.BigEndian.Uint32(val)
		a.LocalPref = &lp
	case AttrAtomicAggregate:
		a.AtomicAggregate = true
	case AttrAggregator:
		if len(val) != 8 {
			return errAttrTruncated
		}
		a.AggregatorAS = binary.BigEndian.Uint32(val)
		a.AggregatorID = binary.BigEndian.Uint32(val[4:])
	case AttrCommunities:
		if len(val)%4 != 0 {
			return errAttrTruncated
		}
		for i := 0; i < len(val); i += 4 {
			a.Communities = append(a.Communities, binary.BigEndian.Uint32(val[i:]))
		}
	case AttrOriginatorID:
		if len(val) != 4 {
			return errAttrTruncated
		}
		a.OriginatorID = binary.BigEndian.Uint32(val)
	case AttrClusterList:
		if len(val)%4 != 0 {
			return errAttrTruncated
		}
		for i := 0; i < len(val); i += 4 {
			a.ClusterList = append(a.ClusterList, binary.BigEndian.Uint32(val[i:]))
		}
	case AttrExtCommunities:
		if len(val)%8 != 0 {
			return errAttrTruncated
		}
		for i := 0; i < len(val); i += 8 {
			a.ExtCommunities = append(a.ExtCommunities, binary.BigEndian.Uint64(val[i:]))
		}
	case AttrLargeCommunities:
		if len(val)%12 != 0 {
			return errAttrTruncated
		}
		for i := 0; i < len(val); i += 12 {
			a.LargeCommunities = append(a.LargeCommunities, LargeCommunity{
				GlobalAdmin: binary.BigEndian.Uint32(val[i:]),
				Local1:      binary.BigEndian.Uint32(val[i+4:]),
				Local2:      binary.BigEndian.Uint32(val[i+8:]),
			})
		}
	case AttrMPReachNLRI:
		mp, err := decodeMPReach(val)
		if err != nil {
			return err
		}
		a.MPReach = mp
	case AttrMPUnreachNLRI:
		mp, err := decodeMPUnreach(val)
		if err != nil {
			return err
		}
		a.MPUnreach = mp
	default:
		// Unrecognised attributes are not propagated; accepting and
		// dropping them is sufficient for the supported families.
	}
	return nil
}

func decodeASPath(val []byte) ([]ASSegment, error) {
	var segs []ASSegment
	for len(val) > 0 {
		if len(val) < 2 {
			return nil, errAttrTruncated
		}
		stype, count := val[0], int(val[1])
		if stype != SegmentSet && stype != SegmentSequence {
			return nil, errAttrTruncated
		}
		if len(val) < 2+count*4 {
			return nil, errAttrTruncated
		}
		seg := ASSegment{Type: stype, ASNs: make([]uint32, count)}
		for i := 0; i < count; i++ {
			seg.ASNs[i] = binary.BigEndian.Uint32(val[2+i*4:])
		}
		segs = append(segs, seg)
		val = val[2+count*4:]
	}
	return segs, nil
}

func decodeMPReach(val []byte) (*MPNLRI, error) {
	if len(val) < 5 {
		return nil, errAttrTruncated
	}
	mp := &MPNLRI{
		AFI:  binary.BigEndian.Uint16(val),
		SAFI: val[2],
	}
	nhLen := int(val[3])
	if len(val) < 4+nhLen+1 {
		return nil, errAttrTruncated
	}
	nh := val[4 : 4+nhLen]
	switch nhLen {
	case 16:
		mp.Nexthop, _ = netip.AddrFromSlice(nh)
	case 32:
		mp.Nexthop, _ = netip.AddrFromSlice(nh[:16])
		mp.LinkLocal, _ = netip.AddrFromSlice(nh[16:])
	case 4:
		mp.Nexthop, _ = netip.AddrFromSlice(nh)
	default:
		return nil, errAttrTruncated
	}
	// Skip the reserved SNPA byte.
	nlri := val[4+nhLen+1:]
	prefixes, err := decodePrefixes(nlri, mp.AFI == AfiIPv6)
	if err != nil {
		return nil, errAttrTruncated
	}
	mp.Prefixes = prefixes
	return mp, nil
}

func decodeMPUnreach(val []byte) (*MPNLRI, error) {
	if len(val) < 3 {
		return nil, errAttrTruncated
	}
	mp := &MPNLRI{
		AFI:  binary.BigEndian.Uint16(val),
		SAFI: val[2],
	}
	prefixes, err := decodePrefixes(val[3:], mp.AFI == AfiIPv6)
	if err != nil {
		return nil, errAttrTruncated
	}
	mp.Prefixes = prefixes
	return mp, nil
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

func (a *Attrs) encode(buf []byte) (int, error) {
	off := 0
	put := func(flags, code uint8, val []byte) {
		if len(val) > 255 {
			buf[off] = flags | flagExtLen
			buf[off+1] = code
			binary.BigEndian.PutUint16(buf[off+2:], uint16(len(val)))
			copy(buf[off+4:], val)
			off += 4 + len(val)
			return
		}
		buf[off] = flags
		buf[off+1] = code
		buf[off+2] = uint8(len(val))
		copy(buf[off+3:], val)
		off += 3 + len(val)
	}

	put(flagTransitive, AttrOrigin, []byte{a.Origin})
	put(flagTransitive, AttrASPath, encodeASPath(a.ASPath))
	if a.Nexthop.Is4() {
		nh := a.Nexthop.As4()
		put(flagTransitive, AttrNexthop, nh[:])
	}
	if a.MED != nil {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], *a.MED)
		put(flagOptional, AttrMED, v[:])
	}
	if a.LocalPref != nil {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], *a.LocalPref)
		put(flagTransitive, AttrLocalPref, v[:])
	}
	if a.AtomicAggregate {
		put(flagTransitive, AttrAtomicAggregate, nil)
	}
	if a.AggregatorAS != 0 {
		var v [8]byte
		binary.BigEndian.PutUint32(v[:], a.AggregatorAS)
		binary.BigEndian.PutUint32(v[4:], a.AggregatorID)
		put(flagOptional|flagTransitive, AttrAggregator, v[:])
	}
	if len(a.Communities) > 0 {
		v := make([]byte, len(a.Communities)*4)
		for i, c := range a.Communities {
			binary.BigEndian.PutUint32(v[i*4:], c)
		}
		put(flagOptional|flagTransitive, AttrCommunities, v)
	}
	if a.OriginatorID != 0 {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], a.OriginatorID)
		put(flagOptional, AttrOriginatorID, v[:])
	}
	if len(a.ClusterList) > 0 {
		v := make([]byte, len(a.ClusterList)*4)
		for i, c := range a.ClusterList {
			binary.BigEndian.PutUint32(v[i*4:], c)
		}
		put(flagOptional, AttrClusterList, v)
	}
	if len(a.ExtCommunities) > 0 {
		v := make([]byte, len(a.ExtCommunities)*8)
		for i, c := range a.ExtCommunities {
			binary.BigEndian.PutUint64(v[i*8:], c)
		}
		put(flagOptional|flagTransitive, AttrExtCommunities, v)
	}
	if len(a.LargeCommunities) > 0 {
		v := make([]byte, len(a.LargeCommunities)*12)
		for i, c := range a.LargeCommunities {
			binary.BigEndian.PutUint32(v[i*12:], c.GlobalAdmin)
			binary.BigEndian.PutUint32(v[i*12+4:], c.Local1)
			binary.BigEndian.PutUint32(v[i*12+8:], c.Local2)
		}
		put(flagOptional|flagTransitive, AttrLargeCommunities, v)
	}
	if a.MPReach != nil {
		put(flagOptional, AttrMPReachNLRI, encodeMPReach(a.MPReach))
	}
	if a.MPUnreach != nil {
		put(flagOptional, AttrMPUnreachNLRI, encodeMPUnreach(a.MPUnreach))
	}
	return off, nil
}

func encodeASPath(segs []ASSegment) []byte {
	var out []byte
	for _, seg := range segs {
		hdr := []byte{seg.Type, uint8(len(seg.ASNs))}
		out = append(out, hdr...)
		for _, asn := range seg.ASNs {
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], asn)
			out = append(out, v[:]...)
		}
	}
	return out
}

func encodeMPReach(mp *MPNLRI) []byte {
	var out []byte
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[:], mp.AFI)
	hdr[2] = mp.SAFI
	nh := mp.Nexthop.AsSlice()
	if mp.LinkLocal.IsValid() {
		nh = append(nh, mp.LinkLocal.AsSlice()...)
	}
	hdr[3] = uint8(len(nh))
	out = append(out, hdr[:]...)
	out = append(out, nh...)
	out = append(out, 0) // reserved
	for _, pfx := range mp.Prefixes {
		var buf [17]byte
		n, _ := encodePrefix(buf[:], pfx)
		out = append(out, buf[:n]...)
	}
	return out
}

func encodeMPUnreach(mp *MPNLRI) []byte {
	var out []byte
	var hdr [3]byte
	binary.BigEndian.PutUint16(hdr[:], mp.AFI)
	hdr[2] = mp.SAFI
	out = append(out, hdr[:]...)
	for _, pfx := range mp.Prefixes {
		var buf [17]byte
		n, _ := encodePrefix(buf[:], pfx)
		out = append(out, buf[:n]...)
	}
	return out
}
