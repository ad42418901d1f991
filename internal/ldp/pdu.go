// Package ldp implements the LDP core (RFC 5036): PDU/TLV/message
// codecs, neighbor discovery, the session state machine, and the label
// binding databases.
package ldp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Well-known ports.
const (
	Port = 646
)

// AllRoutersGroup is the basic-discovery multicast group.
var AllRoutersGroup = netip.MustParseAddr("224.0.0.2")

// -------------------------------------------------------------------------
// PDU header — RFC 5036 Section 3.5
// -------------------------------------------------------------------------

// PduVersion is the protocol version.
const PduVersion = 1

// PduHdrSize is the fixed PDU header: version(2) + length(2) +
// LSR-ID(4) + label-space(2).
const PduHdrSize = 10

// MaxPduLen is the default maximum PDU length.
const MaxPduLen = 4096

// LsrID identifies a label-switching router and label space.
type LsrID struct {
	Router     uint32
	LabelSpace uint16
}

// String renders the conventional lsr-id:space form.
func (id LsrID) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d",
		id.Router>>24&0xff, id.Router>>16&0xff, id.Router>>8&0xff, id.Router&0xff,
		id.LabelSpace)
}

// MessageType codes (RFC 5036 Section 3.7).
type MessageType uint16

const (
	MsgNotification      MessageType = 0x0001
	MsgHello             MessageType = 0x0100
	MsgInitialization    MessageType = 0x0200
	MsgKeepAlive         MessageType = 0x0201
	MsgAddress           MessageType = 0x0300
	MsgAddressWithdraw   MessageType = 0x0301
	MsgLabelMapping      MessageType = 0x0400
	MsgLabelRequest      MessageType = 0x0401
	MsgLabelWithdraw     MessageType = 0x0402
	MsgLabelRelease      MessageType = 0x0403
	MsgLabelAbortRequest MessageType = 0x0404
)

// String returns the message name.
func (t MessageType) String() string {
	switch t {
	case MsgNotification:
		return "Notification"
	case MsgHello:
		return "Hello"
	case MsgInitialization:
		return "Initialization"
	case MsgKeepAlive:
		return "KeepAlive"
	case MsgAddress:
		return "Address"
	case MsgAddressWithdraw:
		return "AddressWithdraw"
	case MsgLabelMapping:
		return "LabelMapping"
	case MsgLabelRequest:
		return "LabelRequest"
	case MsgLabelWithdraw:
		return "LabelWithdraw"
	case MsgLabelRelease:
		return "LabelRelease"
	case MsgLabelAbortRequest:
		return "LabelAbortRequest"
	default:
		return fmt.Sprintf("Unknown(0x%04x)", uint16(t))
	}
}

// TLV type codes.
const (
	TlvFec               uint16 = 0x0100
	TlvAddressList       uint16 = 0x0101
	TlvHopCount          uint16 = 0x0103
	TlvGenericLabel      uint16 = 0x0200
	TlvStatus            uint16 = 0x0300
	TlvCommonHelloParams uint16 = 0x0400
	TlvIpv4TransportAddr uint16 = 0x0401
	TlvConfigSeqNo       uint16 = 0x0402
	TlvIpv6TransportAddr uint16 = 0x0403
	TlvCommonSessParams  uint16 = 0x0500
	TlvLabelRequestID    uint16 = 0x0600
)

// FEC element types (RFC 5036 Section 3.4.1, RFC 5918).
const (
	FecWildcard      uint8 = 0x01
	FecPrefix        uint8 = 0x02
	FecTypedWildcard uint8 = 0x05
)

// Status codes (RFC 5036 Section 3.9).
const (
	StatusSuccess           uint32 = 0x00000000
	StatusBadLdpIdentifier  uint32 = 0x00000001
	StatusBadPduLength      uint32 = 0x00000003
	StatusBadMessageLength  uint32 = 0x00000004
	StatusBadTlvLength      uint32 = 0x00000005
	StatusMalformedTlvValue uint32 = 0x00000006
	StatusHoldTimerExpired  uint32 = 0x00000007
	StatusShutdown          uint32 = 0x80000008
	StatusKeepaliveExpired  uint32 = 0x80000009
	StatusUnsupportedAF     uint32 = 0x00000011
	StatusSessionRejected   uint32 = 0x80000012
)

// Codec errors.
var (
	ErrPduTooShort        = errors.New("pdu shorter than header")
	ErrPduBadVersion      = errors.New("unsupported ldp version")
	ErrPduBadLength       = errors.New("pdu length field inconsistent")
	ErrMsgTruncated       = errors.New("message truncated")
	ErrTlvTruncated       = errors.New("tlv truncated")
	ErrBadFecElement      = errors.New("bad fec element")
	ErrWildcardNotAllowed = errors.New("wildcard fec not allowed in this message")
	ErrMultipleFecs       = errors.New("multiple fec elements only allowed in label mapping")
	ErrInvalidLabel       = errors.New("invalid label for fec address family")
)

// -------------------------------------------------------------------------
// FEC elements
// -------------------------------------------------------------------------

// FecElement is one element of a FEC TLV.
type FecElement struct {
	Type uint8
	// Prefix is set for FecPrefix elements.
	Prefix netip.Prefix
	// WildcardFecType constrains a typed wildcard (RFC 5918).
	WildcardFecType uint8
}

// IsWildcard reports whether the element is a full or typed wildcard.
func (e FecElement) IsWildcard() bool {
	return e.Type == FecWildcard || e.Type == FecTypedWildcard
}

// -------------------------------------------------------------------------
// Messages
// -------------------------------------------------------------------------

// Message is any decoded LDP message.
type Message interface {
	Type() MessageType
	MsgID() uint32
	encodeBody(buf []byte) int
}

// HelloMsg is the discovery hello (UDP).
type HelloMsg struct {
	ID            uint32
	HoldTime      uint16
	Targeted      bool
	RequestTarget bool
	TransportAddr netip.Addr
	ConfigSeqNo   uint32
}

func (*HelloMsg) Type() MessageType { return MsgHello }
func (m *HelloMsg) MsgID() uint32   { return m.ID }

// InitMsg opens a session (TCP).
type InitMsg struct {
	ID            uint32
	KeepaliveTime uint16
	MaxPduLen     uint16
	ReceiverLsrID LsrID
}

func (*InitMsg) Type() MessageType { return MsgInitialization }
func (m *InitMsg) MsgID() uint32   { return m.ID }

// KeepAliveMsg refreshes the session.
type KeepAliveMsg struct {
	ID uint32
}

func (*KeepAliveMsg) Type() MessageType { return MsgKeepAlive }
func (m *KeepAliveMsg) MsgID() uint32   { return m.ID }

// NotificationMsg reports a status.
type NotificationMsg struct {
	ID     uint32
	Status uint32
	// Fatal is the E bit of the status code.
	Fatal bool
}

func (*NotificationMsg) Type() MessageType { return MsgNotification }
func (m *NotificationMsg) MsgID() uint32   { return m.ID }

// AddressMsg advertises or withdraws interface addresses.
type AddressMsg struct {
	ID       uint32
	Withdraw bool
	Addrs    []netip.Addr
}

// Type implements Message.
func (m *AddressMsg) Type() MessageType {
	if m.Withdraw {
		return MsgAddressWithdraw
	}
	return MsgAddress
}
func (m *AddressMsg) MsgID() uint32 { return m.ID }

// LabelMsg is any of the five label messages; Label and RequestID are
// optional depending on the type.
type LabelMsg struct {
	ID        uint32
	LabelType MessageType
	Fecs      []FecElement
	// HasLabel distinguishes an absent label TLV from label zero.
	HasLabel  bool
	Label     uint32
	RequestID uint32
}

func (m *LabelMsg) Type() MessageType { return m.LabelType }
func (m *LabelMsg) MsgID() uint32     { return m.ID }

// -------------------------------------------------------------------------
// Validation — RFC 5036 Section 3.4.1
// -------------------------------------------------------------------------

// Reserved label values.
const (
	LabelIPv4ExplicitNull uint32 = 0
	LabelIPv6ExplicitNull uint32 = 2
	LabelImplicitNull     uint32 = 3
)

// Validate enforces the message-level FEC and label rules: only Label
// Mapping may carry multiple FEC elements; wildcards are restricted to
// Withdraw and Release; explicit-null labels must match the FEC address
// family.
func (m *LabelMsg) Validate() error {
	if len(m.Fecs) == 0 {
		return ErrBadFecElement
	}
	if len(m.Fecs) > 1 && m.LabelType != MsgLabelMapping {
		return ErrMultipleFecs
	}
	for _, fec := range m.Fecs {
		if fec.IsWildcard() &&
			m.LabelType != MsgLabelWithdraw && m.LabelType != MsgLabelRelease {
			return ErrWildcardNotAllowed
		}
		if m.HasLabel && fec.Type == FecPrefix {
			if m.Label == LabelIPv4ExplicitNull && fec.Prefix.Addr().Is6() {
				return ErrInvalidLabel
			}
			if m.Label == LabelIPv6ExplicitNull && fec.Prefix.Addr().Is4() {
				return ErrInvalidLabel
			}
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Encode
// -------------------------------------------------------------------------

// EncodePdu frames one or more messages into a PDU.
func EncodePdu(lsr LsrID, msgs []Message, buf []byte) (int, error) {
	off := PduHdrSize
	for _, msg := range msgs {
		n := encodeMessage(msg, buf[off:])
		off += n
	}
	binary.BigEndian.PutUint16(buf[0:], PduVersion)
	binary.BigEndian.PutUint16(buf[2:], uint16(off-4)) // length excludes version+length
	binary.BigEndian.PutUint32(buf[4:], lsr.Router)
	binary.BigEndian.PutUint16(buf[8:], lsr.LabelSpace)
	return off, nil
}

func encodeMessage(msg Message, buf []byte) int {
	binary.BigEndian.PutUint16(buf[0:], uint16(msg.Type()))
	n := 4 + msg.encodeBody(buf[4:])
	binary.BigEndian.PutUint16(buf[2:], uint16(n-4))
	return n
}

func putTlv(buf []byte, typ uint16, val []byte) int {
	binary.BigEndian.PutUint16(buf[0:], typ)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(val)))
	copy(buf[4:], val)
	return 4 + len(val)
}

func (m *HelloMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	off := 4

	var common [4]byte
	binary.BigEndian.PutUint16(common[0:], m.HoldTime)
	if m.Targeted {
		common[2] |= 0x80
	}
	if m.RequestTarget {
		common[2] |= 0x40
	}
	off += putTlv(buf[off:], TlvCommonHelloParams, common[:])

	if m.TransportAddr.IsValid() {
		if m.TransportAddr.Is4() {
			a4 := m.TransportAddr.As4()
			off += putTlv(buf[off:], TlvIpv4TransportAddr, a4[:])
		} else {
			a16 := m.TransportAddr.As16()
			off += putTlv(buf[off:], TlvIpv6TransportAddr, a16[:])
		}
	}
	if m.ConfigSeqNo != 0 {
		var seq [4]byte
		binary.BigEndian.PutUint32(seq[:], m.ConfigSeqNo)
		off += putTlv(buf[off:], TlvConfigSeqNo, seq[:])
	}
	return off
}

func (m *InitMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	var sess [14]byte
	binary.BigEndian.PutUint16(sess[0:], PduVersion)
	binary.BigEndian.PutUint16(sess[2:], m.KeepaliveTime)
	// A bit (ordered), D bit (loop detection) both zero: downstream
	// unsolicited, no loop detection.
	binary.BigEndian.PutUint16(sess[6:], m.MaxPduLen)
	binary.BigEndian.PutUint32(sess[8:], m.ReceiverLsrID.Router)
	binary.BigEndian.PutUint16(sess[12:], m.ReceiverLsrID.LabelSpace)
	return 4 + putTlv(buf[4:], TlvCommonSessParams, sess[:])
}

func (m *KeepAliveMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	return 4
}

func (m *NotificationMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	var status [10]byte
	code := m.Status
	if m.Fatal {
		code |= 0x80000000
	}
	binary.BigEndian.PutUint32(status[0:], code)
	return 4 + putTlv(buf[4:], TlvStatus, status[:])
}

func (m *AddressMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	val := make([]byte, 2, 2+len(m.Addrs)*4)
	binary.BigEndian.PutUint16(val, 1) // address family IPv4
	for _, addr := range m.Addrs {
		a4 := addr.As4()
		val = append(val, a4[:]...)
	}
	return 4 + putTlv(buf[4:], TlvAddressList, val)
}

func (m *LabelMsg) encodeBody(buf []byte) int {
	binary.BigEndian.PutUint32(buf[0:], m.ID)
	off := 4

	var fecVal []byte
	for _, fec := range m.Fecs {
		switch fec.Type {
		case FecWildcard:
			fecVal = append(fecVal, FecWildcard)
		case FecTypedWildcard:
			fecVal = append(fecVal, FecTypedWildcard, fec.WildcardFecType)
		case FecPrefix:
			family := uint16(1)
			addrLen := 4
			if fec.Prefix.Addr().Is6() {
				family = 2
				addrLen = 16
			}
			elem := make([]byte, 4, 4+addrLen)
			elem[0] = FecPrefix
			binary.BigEndian.PutUint16(elem[1:], family)
			elem[3] = uint8(fec.Prefix.Bits())
			raw := fec.Prefix.Addr().AsSlice()
			elem = append(elem, raw[:(fec.Prefix.Bits()+7)/8]...)
			fecVal = append(fecVal, elem...)
		}
	}
	off += putTlv(buf[off:], TlvFec, fecVal)

	if m.HasLabel {
		var label [4]byte
		binary.BigEndian.PutUint32(label[:], m.Label)
		off += putTlv(buf[off:], TlvGenericLabel, label[:])
	}
	if m.RequestID != 0 {
		var req [4]byte
		binary.BigEndian.PutUint32(req[:], m.RequestID)
		off += putTlv(buf[off:], TlvLabelRequestID, req[:])
	}
	return off
}

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

// DecodePdu parses a PDU and returns its messages.
func DecodePdu(buf []byte) (LsrID, []Message, error) {
	var lsr LsrID
	if len(buf) < PduHdrSize {
		return lsr, nil, ErrPduTooShort
	}
	if binary.BigEndian.Uint16(buf[0:]) != PduVersion {
		return lsr, nil, ErrPduBadVersion
	}
	length := int(binary.BigEndian.Uint16(buf[2:]))
	if length+4 > len(buf) || length < PduHdrSize-4 {
		return lsr, nil, ErrPduBadLength
	}
	lsr.Router = binary.BigEndian.Uint32(buf[4:])
	lsr.LabelSpace = binary.BigEndian.Uint16(buf[8:])

	var msgs []Message
	data := buf[PduHdrSize : length+4]
	for len(data) > 0 {
		if len(data) < 8 {
			return lsr, nil, ErrMsgTruncated
		}
		msgType := MessageType(binary.BigEndian.Uint16(data[0:]) & 0x7fff)
		msgLen := int(binary.BigEndian.Uint16(data[2:]))
		if len(data) < 4+msgLen || msgLen < 4 {
			return lsr, nil, ErrMsgTruncated
		}
		msg, err := decodeMessage(msgType, data[4:4+msgLen])
		if err != nil {
			return lsr, nil, err
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
		data = data[4+msgLen:]
	}
	return lsr, msgs, nil
}

func decodeMessage(msgType MessageType, body []byte) (Message, error) {
	id := binary.BigEndian.Uint32(body[0:])
	tlvs := body[4:]

	switch msgType {
	case MsgHello:
		return decodeHello(id, tlvs)
	case MsgInitialization:
		return decodeInit(id, tlvs)
	case MsgKeepAlive:
		return &KeepAliveMsg{ID: id}, nil
	case MsgNotification:
		return decodeNotification(id, tlvs)
	case MsgAddress, MsgAddressWithdraw:
		return decodeAddress(id, msgType == MsgAddressWithdraw, tlvs)
	case MsgLabelMapping, MsgLabelRequest, MsgLabelWithdraw, MsgLabelRelease, MsgLabelAbortRequest:
		return decodeLabel(id, msgType, tlvs)
	default:
		// Unknown messages with the U bit clear would be errors;
		// silently ignoring covers the optional set.
		return nil, nil
	}
}

func walkTlvs(data []byte, fn func(typ uint16, val []byte) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return ErrTlvTruncated
		}
		typ := binary.BigEndian.Uint16(data[0:]) & 0x3fff
		length := int(binary.BigEndian.Uint16(data[2:]))
		if len(data) < 4+length {
			return ErrTlvTruncated
		}
		if err := fn(typ, data[4:4+length]); err != nil {
			return err
		}
		data = data[4+length:]
	}
	return nil
}

func decodeHello(id uint32, tlvs []byte) (*HelloMsg, error) {
	m := &HelloMsg{ID: id}
	err := walkTlvs(tlvs, func(typ uint16, val []byte) error {
		switch typ {
		case TlvCommonHelloParams:
			if len(val) < 4 {
				return ErrTlvTruncated
			}
			m.HoldTime = binary.BigEndian.Uint16(val[0:])
			m.Targeted = val[2]&0x80 != 0
			m.RequestTarget = val[2]&0x40 != 0
		case TlvIpv4TransportAddr:
			if len(val) != 4 {
				return ErrTlvTruncated
			}
			addr, _ := netip.AddrFromSlice(val)
			m.TransportAddr = addr
		case TlvIpv6TransportAddr:
			if len(val) != 16 {
				return ErrTlvTruncated
			}
			addr, _ := netip.AddrFromSlice(val)
			m.TransportAddr = addr
		case TlvConfigSeqNo:
			if len(val) != 4 {
				return ErrTlvTruncated
			}
			m.ConfigSeqNo = binary.BigEndian.Uint32(val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeInit(id uint32, tlvs []byte) (*InitMsg, error) {
	m := &InitMsg{ID: id}
	err := walkTlvs(tlvs, func(typ uint16, val []byte) error {
		if typ != TlvCommonSessParams {
			return nil
		}
		if len(val) < 14 {
			return ErrTlvTruncated
		}
		m.KeepaliveTime = binary.BigEndian.Uint16(val[2:])
		m.MaxPduLen = binary.BigEndian.Uint16(val[6:])
		m.ReceiverLsrID.Router = binary.BigEndian.Uint32(val[8:])
		m.ReceiverLsrID.LabelSpace = binary.BigEndian.Uint16(val[12:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeNotification(id uint32, tlvs []byte) (*NotificationMsg, error) {
	m := &NotificationMsg{ID: id}
	err := walkTlvs(tlvs, func(typ uint16, val []byte) error {
		if typ != TlvStatus {
			return nil
		}
		if len(val) < 4 {
			return ErrTlvTruncated
		}
		code := binary.BigEndian.Uint32(val)
		m.Fatal = code&0x80000000 != 0
		m.Status = code &^ 0x80000000
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeAddress(id uint32, withdraw bool, tlvs []byte) (*AddressMsg, error) {
	m := &AddressMsg{ID: id, Withdraw: withdraw}
	err := walkTlvs(tlvs, func(typ uint16, val []byte) error {
		if typ != TlvAddressList {
			return nil
		}
		if len(val) < 2 {
			return ErrTlvTruncated
		}
		family := binary.BigEndian.Uint16(val)
		val = val[2:]
		size := 4
		if family == 2 {
			size = 16
		}
		for len(val) >= size {
			addr, _ := netip.AddrFromSlice(val[:size])
			m.Addrs = append(m.Addrs, addr)
			val = val[size:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeLabel(id uint32, msgType MessageType, tlvs []byte) (*LabelMsg, error) {
	m := &LabelMsg{ID: id, LabelType: msgType}
	err := walkTlvs(tlvs, func(typ uint16, val []byte) error {
		switch typ {
		case TlvFec:
			for len(val) > 0 {
				switch val[0] {
				case FecWildcard:
					m.Fecs = append(m.Fecs, FecElement{Type: FecWildcard})
					val = val[1:]
				case FecTypedWildcard:
					if len(val) < 2 {
						return ErrBadFecElement
					}
					m.Fecs = append(m.Fecs, FecElement{
						Type: FecTypedWildcard, WildcardFecType: val[1]})
					val = val[2:]
				case FecPrefix:
					if len(val) < 4 {
						return ErrBadFecElement
					}
					family := binary.BigEndian.Uint16(val[1:])
					bits := int(val[3])
					nbytes := (bits + 7) / 8
					if len(val) < 4+nbytes {
						return ErrBadFecElement
					}
					size := 4
					if family == 2 {
						size = 16
					}
					raw := make([]byte, size)
					copy(raw, val[4:4+nbytes])
					addr, ok := netip.AddrFromSlice(raw)
					if !ok || bits > size*8 {
						return ErrBadFecElement
					}
					pfx, err := addr.Prefix(bits)
					if err != nil {
						return ErrBadFecElement
					}
					m.Fecs = append(m.Fecs, FecElement{Type: FecPrefix, Prefix: pfx})
					val = val[4+nbytes:]
				default:
					return ErrBadFecElement
				}
			}
		case TlvGenericLabel:
			if len(val) != 4 {
				return ErrTlvTruncated
			}
			m.HasLabel = true
			m.Label = binary.BigEndian.Uint32(val)
		case TlvLabelRequestID:
			if len(val) != 4 {
				return ErrTlvTruncated
			}
			m.RequestID = binary.BigEndian.Uint32(val)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
