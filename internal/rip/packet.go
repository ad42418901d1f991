// Package rip implements the RIPv2 (RFC 2453) and RIPng (RFC 2080)
// core: packet codecs, the route table with its invalid and flush
// timers, periodic and triggered updates, and split horizon.
package rip

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"net/netip"
)

// Well-known ports and groups.
const (
	PortV2 = 520
	PortNg = 521
)

// Multicast groups.
var (
	GroupV2 = netip.MustParseAddr("224.0.0.9")
	GroupNg = netip.MustParseAddr("ff02::9")
)

// Command codes.
type Command uint8

const (
	CmdRequest  Command = 1
	CmdResponse Command = 2
)

// MetricInfinity marks an unreachable route (RFC 2453 Section 3.6).
const MetricInfinity = 16

// Versions.
const (
	Version2  uint8 = 2
	VersionNg uint8 = 1
)

// Codec errors.
var (
	ErrPktTooShort  = errors.New("packet shorter than header")
	ErrPktBadLength = errors.New("packet length not a whole number of entries")
	ErrBadCommand   = errors.New("unknown command")
	ErrBadVersion   = errors.New("unsupported version")
	ErrAuthFailed   = errors.New("authentication failed")
)

// RouteEntry is one RTE of a RIPv2 or RIPng packet.
type RouteEntry struct {
	Prefix  netip.Prefix
	Nexthop netip.Addr
	Metric  uint32
	Tag     uint16
}

// AuthBlock is the RIPv2 cryptographic authentication trailer
// (RFC 2082 shape with an HMAC-SHA1 digest).
type AuthBlock struct {
	KeyID uint8
	// SeqNo is initialised from the Unix epoch at startup so replayed
	// packets from before a restart stay stale.
	SeqNo  uint32
	Digest []byte
}

// Packet is one decoded RIP packet.
type Packet struct {
	Command Command
	Version uint8
	Entries []RouteEntry
	Auth    *AuthBlock
}

const (
	hdrSize        = 4
	entrySize      = 20
	authFamily     = 0xffff
	authTypeCrypto = 3
)

// EncodeV2 builds the RIPv2 wire form; key, when non-empty, appends and
// signs a cryptographic authentication trailer.
func (p *Packet) EncodeV2(buf []byte, key []byte) (int, error) {
	buf[0] = uint8(p.Command)
	buf[1] = Version2
	buf[2], buf[3] = 0, 0
	off := hdrSize

	authHdr := -1
	if p.Auth != nil {
		authHdr = off
		binary.BigEndian.PutUint16(buf[off:], authFamily)
		binary.BigEndian.PutUint16(buf[off+2:], authTypeCrypto)
		// Packet length, key id, auth data length filled below.
		buf[off+6] = p.Auth.KeyID
		buf[off+7] = sha1.Size
		binary.BigEndian.PutUint32(buf[off+8:], p.Auth.SeqNo)
		binary.BigEndian.PutUint32(buf[off+12:], 0)
		binary.BigEndian.PutUint32(buf[off+16:], 0)
		off += entrySize
	}

	for _, e := range p.Entries {
		binary.BigEndian.PutUint16(buf[off:], 2) // AF_INET
		binary.BigEndian.PutUint16(buf[off+2:], e.Tag)
		a4 := e.Prefix.Addr().As4()
		copy(buf[off+4:], a4[:])
		mask := ^uint32(0) << (32 - e.Prefix.Bits())
		if e.Prefix.Bits() == 0 {
			mask = 0
		}
		binary.BigEndian.PutUint32(buf[off+8:], mask)
		if e.Nexthop.IsValid() {
			n4 := e.Nexthop.As4()
			copy(buf[off+12:], n4[:])
		} else {
			binary.BigEndian.PutUint32(buf[off+12:], 0)
		}
		binary.BigEndian.PutUint32(buf[off+16:], e.Metric)
		off += entrySize
	}

	if p.Auth != nil {
		binary.BigEndian.PutUint16(buf[authHdr+4:], uint16(off))
		mac := hmac.New(sha1.New, key)
		mac.Write(buf[:off])
		digest := mac.Sum(nil)
		copy(buf[off:], digest)
		off += len(digest)
	}
	return off, nil
}

// DecodeV2 parses a RIPv2 packet, verifying the authentication trailer
// when key is non-empty.
func DecodeV2(buf []byte, key []byte) (*Packet, error) {
	if len(buf) < hdrSize {
		return nil, ErrPktTooShort
	}
	p := &Packet{Command: Command(buf[0]), Version: buf[1]}
	if p.Command != CmdRequest && p.Command != CmdResponse {
		return nil, ErrBadCommand
	}
	if p.Version != Version2 {
		return nil, ErrBadVersion
	}

	data := buf[hdrSize:]
	signedLen := len(buf)
	for len(data) >= entrySize {
		family := binary.BigEndian.Uint16(data[0:])
		if family == authFamily {
			authType := binary.BigEndian.Uint16(data[2:])
			if authType != authTypeCrypto {
				return nil, ErrAuthFailed
			}
			p.Auth = &AuthBlock{
				KeyID: data[6],
				SeqNo: binary.BigEndian.Uint32(data[8:]),
			}
			signedLen = int(binary.BigEndian.Uint16(data[4:]))
			data = data[entrySize:]
			continue
		}

		var a4, m4 [4]byte
		copy(a4[:], data[4:8])
		mask := binary.BigEndian.Uint32(data[8:12])
		copy(m4[:], data[12:16])
		entry := RouteEntry{
			Tag:    binary.BigEndian.Uint16(data[2:]),
			Metric: binary.BigEndian.Uint32(data[16:]),
		}
		bits := maskBits(mask)
		entry.Prefix = netip.PrefixFrom(netip.AddrFrom4(a4), bits)
		if nexthop := netip.AddrFrom4(m4); nexthop != netip.AddrFrom4([4]byte{}) {
			entry.Nexthop = nexthop
		}
		p.Entries = append(p.Entries, entry)

		data = data[entrySize:]
		if p.Auth != nil && len(buf)-len(data) >= signedLen {
			break
		}
	}

	if p.Auth != nil {
		if signedLen > len(buf) || len(buf)-signedLen < sha1.Size {
			return nil, ErrAuthFailed
		}
		p.Auth.Digest = append([]byte(nil), buf[signedLen:signedLen+sha1.Size]...)
		if len(key) > 0 {
			mac := hmac.New(sha1.New, key)
			mac.Write(buf[:signedLen])
			if !hmac.Equal(mac.Sum(nil), p.Auth.Digest) {
				return nil, ErrAuthFailed
			}
		}
	}
	return p, nil
}

func maskBits(mask uint32) int {
	bits := 0
	for m := mask; m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	return bits
}

// -------------------------------------------------------------------------
// RIPng — RFC 2080
// -------------------------------------------------------------------------

const ngEntrySize = 20

// EncodeNg builds the RIPng wire form.
func (p *Packet) EncodeNg(buf []byte) (int, error) {
	buf[0] = uint8(p.Command)
	buf[1] = VersionNg
	buf[2], buf[3] = 0, 0
	off := hdrSize
	for _, e := range p.Entries {
		a16 := e.Prefix.Addr().As16()
		copy(buf[off:], a16[:])
		binary.BigEndian.PutUint16(buf[off+16:], e.Tag)
		buf[off+18] = uint8(e.Prefix.Bits())
		buf[off+19] = uint8(e.Metric)
		off += ngEntrySize
	}
	return off, nil
}

// DecodeNg parses a RIPng packet.
func DecodeNg(buf []byte) (*Packet, error) {
	if len(buf) < hdrSize {
		return nil, ErrPktTooShort
	}
	p := &Packet{Command: Command(buf[0]), Version: buf[1]}
	if p.Command != CmdRequest && p.Command != CmdResponse {
		return nil, ErrBadCommand
	}
	if p.Version != VersionNg {
		return nil, ErrBadVersion
	}
	data := buf[hdrSize:]
	if len(data)%ngEntrySize != 0 {
		return nil, ErrPktBadLength
	}
	for len(data) >= ngEntrySize {
		var a16 [16]byte
		copy(a16[:], data[0:16])
		entry := RouteEntry{
			Tag:    binary.BigEndian.Uint16(data[16:]),
			Metric: uint32(data[19]),
		}
		entry.Prefix = netip.PrefixFrom(netip.AddrFrom16(a16), int(data[18]))
		p.Entries = append(p.Entries, entry)
		data = data[ngEntrySize:]
	}
	return p, nil
}
