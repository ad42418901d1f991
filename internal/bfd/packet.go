// Package bfd implements the BFD session core (RFC 5880).
//
// This includes the control packet codec, the pure-function FSM, interval
// negotiation, per-session detection and transmit timers, and the session
// set with its secondary indexes.
package bfd

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// Version is the BFD protocol version (RFC 5880 Section 4.1).
const Version uint8 = 1

// HeaderSize is the mandatory BFD Control packet size in bytes
// (RFC 5880 Section 4.1: 6 x 32-bit words = 24 bytes).
const HeaderSize = 24

// MinPacketSizeWithAuth is the minimum valid packet size when the A bit
// is set (RFC 5880 Section 6.8.6: "26 if the A bit is set").
const MinPacketSizeWithAuth = 26

// MaxPacketSize bounds the on-wire packet including the largest defined
// authentication section (SHA1, 28 bytes).
const MaxPacketSize = HeaderSize + 28

// SlowTxInterval is the transmit interval used whenever the session is
// not Up, to conserve bandwidth (RFC 5880 Section 6.8.3: "no less than
// one second").
const SlowTxInterval = 1000000 // microseconds

// -------------------------------------------------------------------------
// State and Diagnostic — RFC 5880 Section 4.1
// -------------------------------------------------------------------------

// State is the BFD session state (2-bit Sta field).
type State uint8

const (
	StateAdminDown State = 0
	StateDown      State = 1
	StateInit      State = 2
	StateUp        State = 3
)

// String returns the RFC name of the state.
func (s State) String() string {
	switch s {
	case StateAdminDown:
		return "AdminDown"
	case StateDown:
		return "Down"
	case StateInit:
		return "Init"
	case StateUp:
		return "Up"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(s))
	}
}

// Diag is the BFD diagnostic code (5-bit field, RFC 5880 Section 4.1).
type Diag uint8

const (
	DiagNone                 Diag = 0
	DiagControlTimeExpired   Diag = 1
	DiagEchoFailed           Diag = 2
	DiagNeighborDown         Diag = 3
	DiagForwardingPlaneReset Diag = 4
	DiagPathDown             Diag = 5
	DiagConcatPathDown       Diag = 6
	DiagAdminDown            Diag = 7
	DiagRevConcatPathDown    Diag = 8
)

// String returns the short diagnostic name.
func (d Diag) String() string {
	switch d {
	case DiagNone:
		return "None"
	case DiagControlTimeExpired:
		return "ControlDetectionTimeExpired"
	case DiagEchoFailed:
		return "EchoFunctionFailed"
	case DiagNeighborDown:
		return "NeighborSignaledSessionDown"
	case DiagForwardingPlaneReset:
		return "ForwardingPlaneReset"
	case DiagPathDown:
		return "PathDown"
	case DiagConcatPathDown:
		return "ConcatenatedPathDown"
	case DiagAdminDown:
		return "AdministrativelyDown"
	case DiagRevConcatPathDown:
		return "ReverseConcatenatedPathDown"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(d))
	}
}

// PacketFlags are the single-bit fields of the second header byte.
type PacketFlags uint8

const (
	// FlagM is the Multipoint bit, always zero (RFC 5880 Section 4.1).
	FlagM PacketFlags = 1 << iota
	// FlagD is the Demand mode bit.
	FlagD
	// FlagA is the Authentication Present bit.
	FlagA
	// FlagC is the Control Plane Independent bit.
	FlagC
	// FlagF is the Final bit.
	FlagF
	// FlagP is the Poll bit.
	FlagP
)

// -------------------------------------------------------------------------
// Authentication — RFC 5880 Sections 4.2-4.4
// -------------------------------------------------------------------------

// AuthType identifies the authentication section type.
type AuthType uint8

const (
	AuthNone           AuthType = 0
	AuthSimplePassword AuthType = 1
	AuthKeyedMD5       AuthType = 2
	AuthMeticulousMD5  AuthType = 3
	AuthKeyedSHA1      AuthType = 4
	AuthMeticulousSHA1 AuthType = 5
)

// AuthSection is the optional trailing authentication section.
type AuthSection struct {
	Type   AuthType
	KeyID  uint8
	SeqNo  uint32
	Key    []byte
	Digest []byte
}

// Auth section fixed lengths per RFC 5880 Sections 4.2-4.4.
const (
	authLenMD5  = 24
	authLenSHA1 = 28
)

// -------------------------------------------------------------------------
// Control Packet
// -------------------------------------------------------------------------

// ControlPacket is the decoded BFD Control packet (RFC 5880 Section 4.1).
// Interval fields are in microseconds as on the wire.
type ControlPacket struct {
	Diag              Diag
	State             State
	Flags             PacketFlags
	DetectMult        uint8
	MyDiscr           uint32
	YourDiscr         uint32
	DesiredMinTx      uint32
	RequiredMinRx     uint32
	RequiredMinEchoRx uint32
	Auth              *AuthSection
}

// Codec errors.
var (
	ErrPacketTooShort = errors.New("packet shorter than mandatory header")
	ErrBadVersion     = errors.New("unsupported BFD version")
	ErrBadLength      = errors.New("length field inconsistent with packet")
	ErrZeroDetectMult = errors.New("detect multiplier is zero")
	ErrZeroMyDiscr    = errors.New("my discriminator is zero")
	ErrMultipointSet  = errors.New("multipoint bit set")
	ErrAuthMissing    = errors.New("auth bit set but section absent or truncated")
	ErrAuthUnexpected = errors.New("auth section present without auth bit")
	ErrAuthBadLength  = errors.New("auth section length invalid")
	ErrBufferTooSmall = errors.New("marshal buffer too small")
)

// Marshal encodes the packet into buf and returns the number of bytes
// written. The digest of MD5/SHA1 auth sections is computed over the
// whole packet with the key material occupying the digest field, per
// RFC 5880 Sections 6.7.3 and 6.7.4.
func (p *ControlPacket) Marshal(buf []byte) (int, error) {
	length := HeaderSize
	if p.Auth != nil {
		length += p.Auth.sectionLen()
	}
	if len(buf) < length {
		return 0, ErrBufferTooSmall
	}

	buf[0] = Version<<5 | uint8(p.Diag)&0x1f
	flags := p.Flags
	if p.Auth != nil {
		flags |= FlagA
	}
	buf[1] = uint8(p.State)<<6 | uint8(flags)
	buf[2] = p.DetectMult
	buf[3] = uint8(length)
	binary.BigEndian.PutUint32(buf[4:], p.MyDiscr)
	binary.BigEndian.PutUint32(buf[8:], p.YourDiscr)
	binary.BigEndian.PutUint32(buf[12:], p.DesiredMinTx)
	binary.BigEndian.PutUint32(buf[16:], p.RequiredMinRx)
	binary.BigEndian.PutUint32(buf[20:], p.RequiredMinEchoRx)

	if p.Auth != nil {
		if err := p.Auth.marshal(buf[:length]); err != nil {
			return 0, err
		}
	}
	return length, nil
}

func (a *AuthSection) sectionLen() int {
	switch a.Type {
	case AuthSimplePassword:
		return 3 + len(a.Key)
	case AuthKeyedMD5, AuthMeticulousMD5:
		return authLenMD5
	case AuthKeyedSHA1, AuthMeticulousSHA1:
		return authLenSHA1
	default:
		return 0
	}
}

func (a *AuthSection) marshal(pkt []byte) error {
	sec := pkt[HeaderSize:]
	sec[0] = uint8(a.Type)
	sec[1] = uint8(a.sectionLen())
	sec[2] = a.KeyID

	switch a.Type {
	case AuthSimplePassword:
		if len(a.Key) < 1 || len(a.Key) > 16 {
			return ErrAuthBadLength
		}
		copy(sec[3:], a.Key)
	case AuthKeyedMD5, AuthMeticulousMD5:
		sec[3] = 0
		binary.BigEndian.PutUint32(sec[4:], a.SeqNo)
		var keyed [16]byte
		copy(keyed[:], a.Key)
		copy(sec[8:], keyed[:])
		sum := md5.Sum(pkt)
		copy(sec[8:], sum[:])
	case AuthKeyedSHA1, AuthMeticulousSHA1:
		sec[3] = 0
		binary.BigEndian.PutUint32(sec[4:], a.SeqNo)
		var keyed [20]byte
		copy(keyed[:], a.Key)
		copy(sec[8:], keyed[:])
		sum := sha1.Sum(pkt)
		copy(sec[8:], sum[:])
	default:
		return ErrAuthBadLength
	}
	return nil
}

// Unmarshal decodes and validates buf per RFC 5880 Section 6.8.6. The
// discriminator rules that depend on session state (YourDiscr zero
// matching) are left to session demultiplexing.
func (p *ControlPacket) Unmarshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrPacketTooShort
	}
	if buf[0]>>5 != Version {
		return ErrBadVersion
	}

	p.Diag = Diag(buf[0] & 0x1f)
	p.State = State(buf[1] >> 6)
	p.Flags = PacketFlags(buf[1] & 0x3f)
	p.DetectMult = buf[2]
	length := int(buf[3])
	p.MyDiscr = binary.BigEndian.Uint32(buf[4:])
	p.YourDiscr = binary.BigEndian.Uint32(buf[8:])
	p.DesiredMinTx = binary.BigEndian.Uint32(buf[12:])
	p.RequiredMinRx = binary.BigEndian.Uint32(buf[16:])
	p.RequiredMinEchoRx = binary.BigEndian.Uint32(buf[20:])
	p.Auth = nil

	if p.DetectMult == 0 {
		return ErrZeroDetectMult
	}
	if p.Flags&FlagM != 0 {
		return ErrMultipointSet
	}
	if p.MyDiscr == 0 {
		return ErrZeroMyDiscr
	}

	if p.Flags&FlagA != 0 {
		if length < MinPacketSizeWithAuth || length > len(buf) {
			return ErrAuthMissing
		}
		return p.unmarshalAuth(buf[:length])
	}
	if length != HeaderSize || length > len(buf) {
		return ErrBadLength
	}
	return nil
}

func (p *ControlPacket) unmarshalAuth(buf []byte) error {
	sec := buf[HeaderSize:]
	if len(sec) < 2 {
		return ErrAuthMissing
	}
	auth := &AuthSection{Type: AuthType(sec[0])}
	authLen := int(sec[1])
	if authLen != len(sec) {
		return ErrAuthBadLength
	}

	switch auth.Type {
	case AuthSimplePassword:
		if authLen < 4 || authLen > 19 {
			return ErrAuthBadLength
		}
		auth.KeyID = sec[2]
		auth.Key = append([]byte(nil), sec[3:]...)
	case AuthKeyedMD5, AuthMeticulousMD5:
		if authLen != authLenMD5 {
			return ErrAuthBadLength
		}
		auth.KeyID = sec[2]
		auth.SeqNo = binary.BigEndian.Uint32(sec[4:])
		auth.Digest = append([]byte(nil), sec[8:24]...)
	case AuthKeyedSHA1, AuthMeticulousSHA1:
		if authLen != authLenSHA1 {
			return ErrAuthBadLength
		}
		auth.KeyID = sec[2]
		auth.SeqNo = binary.BigEndian.Uint32(sec[4:])
		auth.Digest = append([]byte(nil), sec[8:28]...)
	default:
		return ErrAuthBadLength
	}
	p.Auth = auth
	return nil
}
