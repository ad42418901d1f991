// Package vrrp implements the VRRP v2 (RFC 3768) and v3 (RFC 5798)
// core: the advertisement codec and the per-VRID election state machine
// with its master-down and advertisement timers.
package vrrp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Protocol constants.
const (
	// ProtoNumber is the IP protocol number.
	ProtoNumber = 112
	// MulticastTTL is the required TTL/hop limit of advertisements.
	MulticastTTL = 255
)

// Multicast groups.
var (
	GroupV4 = netip.MustParseAddr("224.0.0.18")
	GroupV6 = netip.MustParseAddr("ff02::12")
)

// Versions.
const (
	Version2 uint8 = 2
	Version3 uint8 = 3
)

// advertType is the only defined packet type.
const advertType = 1

// PriorityOwner is the priority of the address owner; PriorityRelease
// accelerates successor election on shutdown.
const (
	PriorityOwner   uint8 = 255
	PriorityRelease uint8 = 0
	DefaultPriority uint8 = 100
)

// Codec errors.
var (
	ErrPktTooShort = errors.New("packet shorter than header")
	ErrBadVersion  = errors.New("unsupported vrrp version")
	ErrBadType     = errors.New("unknown vrrp packet type")
	ErrBadCount    = errors.New("address count inconsistent with packet")
	ErrBadChecksum = errors.New("checksum mismatch")
)

// Advertisement is a decoded VRRP advertisement.
type Advertisement struct {
	Version  uint8
	VRID     uint8
	Priority uint8
	// AdverInterval is in centiseconds for v3, seconds for v2.
	AdverInterval uint16
	// AuthType is v2 only (always 0 per RFC 3768).
	AuthType uint8
	Addrs    []netip.Addr
}

// String renders the advertisement for logs.
func (a *Advertisement) String() string {
	return fmt.Sprintf("vrrp v%d vrid=%d prio=%d addrs=%d",
		a.Version, a.VRID, a.Priority, len(a.Addrs))
}

// Encode writes the wire form. IPv6 checksums come from the pseudo
// header and are left to the socket layer (zero here).
func (a *Advertisement) Encode(buf []byte) (int, error) {
	buf[0] = a.Version<<4 | advertType
	buf[1] = a.VRID
	buf[2] = a.Priority
	buf[3] = uint8(len(a.Addrs))
	off := 8
	switch a.Version {
	case Version2:
		buf[4] = a.AuthType
		buf[5] = uint8(a.AdverInterval)
		for _, addr := range a.Addrs {
			a4 := addr.As4()
			copy(buf[off:], a4[:])
			off += 4
		}
		// RFC 3768 carries an 8-byte null authentication field.
		for i := 0; i < 8; i++ {
			buf[off+i] = 0
		}
		off += 8
	case Version3:
		binary.BigEndian.PutUint16(buf[4:], a.AdverInterval&0x0fff)
		for _, addr := range a.Addrs {
			raw := addr.AsSlice()
			copy(buf[off:], raw)
			off += len(raw)
		}
	default:
		return 0, ErrBadVersion
	}

	binary.BigEndian.PutUint16(buf[6:], 0)
	if ipv4Payload(a) {
		binary.BigEndian.PutUint16(buf[6:], checksum(buf[:off]))
	}
	return off, nil
}

func ipv4Payload(a *Advertisement) bool {
	return len(a.Addrs) == 0 || a.Addrs[0].Is4()
}

// Decode parses and validates one advertisement.
func Decode(buf []byte) (*Advertisement, error) {
	if len(buf) < 8 {
		return nil, ErrPktTooShort
	}
	a := &Advertisement{Version: buf[0] >> 4}
	if buf[0]&0x0f != advertType {
		return nil, ErrBadType
	}
	a.VRID = buf[1]
	a.Priority = buf[2]
	count := int(buf[3])

	addrSize := 4
	switch a.Version {
	case Version2:
		a.AuthType = buf[4]
		a.AdverInterval = uint16(buf[5])
	case Version3:
		a.AdverInterval = binary.BigEndian.Uint16(buf[4:]) & 0x0fff
	default:
		return nil, ErrBadVersion
	}

	off := 8
	// IPv6 advertisements (v3 only) carry exactly count*16 address
	// bytes; the address family is recovered from the payload size.
	if a.Version == Version3 && count > 0 && len(buf)-off == count*16 {
		addrSize = 16
	}
	need := off + count*addrSize
	if a.Version == Version2 {
		need += 8 // null auth data
	}
	if len(buf) < need {
		return nil, ErrBadCount
	}

	if addrSize == 4 {
		if checksum(buf[:need]) != 0 {
			return nil, ErrBadChecksum
		}
	}

	for i := 0; i < count; i++ {
		addr, ok := netip.AddrFromSlice(buf[off : off+addrSize])
		if !ok {
			return nil, ErrBadCount
		}
		a.Addrs = append(a.Addrs, addr)
		off += addrSize
	}
	return a, nil
}

// checksum is the standard one's complement sum over the payload.
func checksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
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

// SolicitedNodeMulticast derives the solicited-node multicast group of
// an IPv6 address (RFC 4291 Section 2.7.1), used for the unsolicited
// Neighbor Advertisements a new master sends.
func SolicitedNodeMulticast(addr netip.Addr) netip.Addr {
	a16 := addr.As16()
	var group [16]byte
	copy(group[:], []byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff})
	group[13] = a16[13]
	group[14] = a16[14]
	group[15] = a16[15]
	return netip.AddrFrom16(group)
}

// VirtualMAC returns the virtual router MAC address for a VRID
// (RFC 5798 Section 7.3): 00-00-5E-00-01-{VRID} for IPv4,
// 00-00-5E-00-02-{VRID} for IPv6.
func VirtualMAC(vrid uint8, ipv6 bool) [6]byte {
	mac := [6]byte{0x00, 0x00, 0x5e, 0x00, 0x01, vrid}
	if ipv6 {
		mac[4] = 0x02
	}
	return mac
}
