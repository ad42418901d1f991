// Package bgp implements the BGP-4 core (RFC 4271): message codecs, the
// neighbor FSM, the Adj-RIB-In/Out and Loc-RIB with interned attribute
// sets, the decision process, and the policy evaluation pool.
package bgp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// -------------------------------------------------------------------------
// Message framing — RFC 4271 Section 4.1
// -------------------------------------------------------------------------

// Port is the well-known BGP TCP port.
const Port = 179

// MessageHeaderSize is the fixed header size: 16-byte marker, 2-byte
// length, 1-byte type.
const MessageHeaderSize = 19

// MaxMessageSize is the largest message BGP-4 permits (RFC 4271
// Section 4.1).
const MaxMessageSize = 4096

// MessageType identifies a BGP message.
type MessageType uint8

const (
	MsgOpen         MessageType = 1
	MsgUpdate       MessageType = 2
	MsgNotification MessageType = 3
	MsgKeepalive    MessageType = 4
	MsgRouteRefresh MessageType = 5 // RFC 2918
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "OPEN"
	case MsgUpdate:
		return "UPDATE"
	case MsgNotification:
		return "NOTIFICATION"
	case MsgKeepalive:
		return "KEEPALIVE"
	case MsgRouteRefresh:
		return "ROUTE-REFRESH"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Codec errors.
var (
	ErrMsgTooShort      = errors.New("message shorter than header")
	ErrBadMarker        = errors.New("marker is not all-ones")
	ErrBadMsgLength     = errors.New("bad message length")
	ErrBadMsgType       = errors.New("unknown message type")
	ErrOpenTooShort     = errors.New("open message truncated")
	ErrBadVersion       = errors.New("unsupported BGP version")
	ErrUpdateMalformed  = errors.New("update message malformed")
	ErrNotifTooShort    = errors.New("notification message truncated")
	ErrRefreshMalformed = errors.New("route refresh malformed")
)

// Message is any decoded BGP message.
type Message interface {
	Type() MessageType
	encodeBody(buf []byte) (int, error)
}

// EncodeMessage frames msg with the RFC 4271 header.
func EncodeMessage(msg Message, buf []byte) (int, error) {
	if len(buf) < MaxMessageSize {
		return 0, fmt.Errorf("encode %s: buffer too small", msg.Type())
	}
	for i := 0; i < 16; i++ {
		buf[i] = 0xff
	}
	buf[18] = uint8(msg.Type())
	n, err := msg.encodeBody(buf[MessageHeaderSize:])
	if err != nil {
		return 0, err
	}
	total := MessageHeaderSize + n
	binary.BigEndian.PutUint16(buf[16:], uint16(total))
	return total, nil
}

// DecodeMessage parses one framed message. The caller guarantees buf
// holds exactly one message as delimited by the length field.
func DecodeMessage(buf []byte) (Message, error) {
	if len(buf) < MessageHeaderSize {
		return nil, ErrMsgTooShort
	}
	for i := 0; i < 16; i++ {
		if buf[i] != 0xff {
			return nil, ErrBadMarker
		}
	}
	length := int(binary.BigEndian.Uint16(buf[16:]))
	if length < MessageHeaderSize || length > MaxMessageSize || length != len(buf) {
		return nil, ErrBadMsgLength
	}
	body := buf[MessageHeaderSize:length]

	switch MessageType(buf[18]) {
	case MsgOpen:
		return decodeOpen(body)
	case MsgUpdate:
		return decodeUpdate(body)
	case MsgNotification:
		return decodeNotification(body)
	case MsgKeepalive:
		if len(body) != 0 {
			return nil, ErrBadMsgLength
		}
		return &KeepaliveMsg{}, nil
	case MsgRouteRefresh:
		return decodeRouteRefresh(body)
	default:
		return nil, ErrBadMsgType
	}
}

// -------------------------------------------------------------------------
// OPEN — RFC 4271 Section 4.2
// -------------------------------------------------------------------------

// AFI/SAFI values used by this implementation.
const (
	AfiIPv4 uint16 = 1
	AfiIPv6 uint16 = 2

	SafiUnicast uint8 = 1
)

// AFISAFI identifies an address family pair.
type AFISAFI struct {
	AFI  uint16
	SAFI uint8
}

// Capability codes (RFC 5492 registry).
const (
	CapMultiprotocol uint8 = 1  // RFC 4760
	CapRouteRefresh  uint8 = 2  // RFC 2918
	CapFourOctetAS   uint8 = 65 // RFC 6793
)

// Capability is one advertised capability.
type Capability struct {
	Code uint8
	// MP is set for CapMultiprotocol.
	MP AFISAFI
	// AS is set for CapFourOctetAS.
	AS uint32
	// Raw preserves unrecognised capability values.
	Raw []byte
}

// OpenMsg is a decoded OPEN message.
type OpenMsg struct {
	Version      uint8
	MyAS         uint16 // AS_TRANS when the real ASN needs four octets
	HoldTime     uint16
	Identifier   uint32
	Capabilities []Capability
}

// ASTrans is the 2-octet placeholder for 4-octet ASNs (RFC 6793).
const ASTrans uint16 = 23456

// Type implements Message.
func (*OpenMsg) Type() MessageType { return MsgOpen }

func (m *OpenMsg) encodeBody(buf []byte) (int, error) {
	buf[0] = 4
	binary.BigEndian.PutUint16(buf[1:], m.MyAS)
	binary.BigEndian.PutUint16(buf[3:], m.HoldTime)
	binary.BigEndian.PutUint32(buf[5:], m.Identifier)

	// All optional parameters are capabilities (parameter type 2).
	params := buf[10:]
	off := 0
	for _, cap := range m.Capabilities {
		val := encodeCapability(cap)
		params[off] = 2
		params[off+1] = uint8(len(val) + 2)
		params[off+2] = cap.Code
		params[off+3] = uint8(len(val))
		copy(params[off+4:], val)
		off += 4 + len(val)
	}
	buf[9] = uint8(off)
	return 10 + off, nil
}

func encodeCapability(cap Capability) []byte {
	switch cap.Code {
	case CapMultiprotocol:
		val := make([]byte, 4)
		binary.BigEndian.PutUint16(val, cap.MP.AFI)
		val[3] = cap.MP.SAFI
		return val
	case CapRouteRefresh:
		return nil
	case CapFourOctetAS:
		val := make([]byte, 4)
		binary.BigEndian.PutUint32(val, cap.AS)
		return val
	default:
		return cap.Raw
	}
}

func decodeOpen(body []byte) (*OpenMsg, error) {
	if len(body) < 10 {
		return nil, ErrOpenTooShort
	}
	m := &OpenMsg{
		Version:    body[0],
		MyAS:       binary.BigEndian.Uint16(body[1:]),
		HoldTime:   binary.BigEndian.Uint16(body[3:]),
		Identifier: binary.BigEndian.Uint32(body[5:]),
	}
	if m.Version != 4 {
		return nil, ErrBadVersion
	}
	optLen := int(body[9])
	opts := body[10:]
	if optLen != len(opts) {
		return nil, ErrOpenTooShort
	}
	for len(opts) >= 2 {
		ptype, plen := opts[0], int(opts[1])
		if len(opts) < 2+plen {
			return nil, ErrOpenTooShort
		}
		if ptype == 2 {
			caps, err := decodeCapabilities(opts[2 : 2+plen])
			if err != nil {
				return nil, err
			}
			m.Capabilities = append(m.Capabilities, caps...)
		}
		opts = opts[2+plen:]
	}
	return m, nil
}

func decodeCapabilities(data []byte) ([]Capability, error) {
	var caps []Capability
	for len(data) >= 2 {
		code, clen := data[0], int(data[1])
		if len(data) < 2+clen {
			return nil, ErrOpenTooShort
		}
		val := data[2 : 2+clen]
		cap := Capability{Code: code}
		switch code {
		case CapMultiprotocol:
			if clen != 4 {
				return nil, ErrOpenTooShort
			}
			cap.MP = AFISAFI{AFI: binary.BigEndian.Uint16(val), SAFI: val[3]}
		case CapFourOctetAS:
			if clen != 4 {
				return nil, ErrOpenTooShort
			}
			cap.AS = binary.BigEndian.Uint32(val)
		case CapRouteRefresh:
		default:
			cap.Raw = append([]byte(nil), val...)
		}
		caps = append(caps, cap)
		data = data[2+clen:]
	}
	return caps, nil
}

// -------------------------------------------------------------------------
// UPDATE — RFC 4271 Section 4.3
// -------------------------------------------------------------------------

// UpdateMsg is a decoded UPDATE message. IPv4 unicast NLRI live in the
// top-level fields; IPv6 unicast travels in MP_REACH/MP_UNREACH inside
// Attrs (RFC 4760).
type UpdateMsg struct {
	Withdrawn []netip.Prefix
	Attrs     *Attrs
	NLRI      []netip.Prefix
}

// Type implements Message.
func (*UpdateMsg) Type() MessageType { return MsgUpdate }

func (m *UpdateMsg) encodeBody(buf []byte) (int, error) {
	off := 2
	wlen := 0
	for _, pfx := range m.Withdrawn {
		n, err := encodePrefix(buf[off:], pfx)
		if err != nil {
			return 0, err
		}
		off += n
		wlen += n
	}
	binary.BigEndian.PutUint16(buf[0:], uint16(wlen))

	attrStart := off + 2
	alen := 0
	if m.Attrs != nil {
		n, err := m.Attrs.encode(buf[attrStart:])
		if err != nil {
			return 0, err
		}
		alen = n
	}
	binary.BigEndian.PutUint16(buf[off:], uint16(alen))
	off = attrStart + alen

	for _, pfx := range m.NLRI {
		n, err := encodePrefix(buf[off:], pfx)
		if err != nil {
			return 0, err
		}
		off += n
	}
	return off, nil
}

func decodeUpdate(body []byte) (*UpdateMsg, error) {
	if len(body) < 4 {
		return nil, ErrUpdateMalformed
	}
	m := &UpdateMsg{}

	wlen := int(binary.BigEndian.Uint16(body[0:]))
	if 2+wlen+2 > len(body) {
		return nil, ErrUpdateMalformed
	}
	withdrawn, err := decodePrefixes(body[2:2+wlen], false)
	if err != nil {
		return nil, err
	}
	m.Withdrawn = withdrawn

	alen := int(binary.BigEndian.Uint16(body[2+wlen:]))
	attrEnd := 4 + wlen + alen
	if attrEnd > len(body) {
		return nil, ErrUpdateMalformed
	}
	// RFC 7606: attribute value errors demote to treat-as-withdraw. The
	// partially decoded message is returned alongside the error so the
	// caller can withdraw the carried NLRI.
	var attrErr error
	if alen > 0 {
		attrs, err := decodeAttrs(body[4+wlen : attrEnd])
		if err != nil && !errors.Is(err, ErrTreatAsWithdraw) {
			return nil, err
		}
		attrErr = err
		m.Attrs = attrs
	}

	nlri, err := decodePrefixes(body[attrEnd:], false)
	if err != nil {
		return nil, err
	}
	m.NLRI = nlri
	return m, attrErr
}

// encodePrefix writes the (length, truncated-address) NLRI form.
func encodePrefix(buf []byte, pfx netip.Prefix) (int, error) {
	bits := pfx.Bits()
	nbytes := (bits + 7) / 8
	if len(buf) < 1+nbytes {
		return 0, ErrUpdateMalformed
	}
	buf[0] = uint8(bits)
	addr := pfx.Addr().AsSlice()
	copy(buf[1:], addr[:nbytes])
	return 1 + nbytes, nil
}

func decodePrefixes(data []byte, ipv6 bool) ([]netip.Prefix, error) {
	var out []netip.Prefix
	addrLen := 4
	if ipv6 {
		addrLen = 16
	}
	for len(data) > 0 {
		bits := int(data[0])
		nbytes := (bits + 7) / 8
		if bits > addrLen*8 || len(data) < 1+nbytes {
			return nil, ErrUpdateMalformed
		}
		raw := make([]byte, addrLen)
		copy(raw, data[1:1+nbytes])
		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			return nil, ErrUpdateMalformed
		}
		pfx, err := addr.Prefix(bits)
		if err != nil {
			return nil, ErrUpdateMalformed
		}
		out = append(out, pfx)
		data = data[1+nbytes:]
	}
	return out, nil
}

// -------------------------------------------------------------------------
// NOTIFICATION — RFC 4271 Section 4.5
// -------------------------------------------------------------------------

// Notification error codes.
const (
	NotifMessageHeaderError uint8 = 1
	NotifOpenMessageError   uint8 = 2
	NotifUpdateMessageError uint8 = 3
	NotifHoldTimerExpired   uint8 = 4
	NotifFSMError           uint8 = 5
	NotifCease              uint8 = 6
)

// NotificationMsg is a decoded NOTIFICATION.
type NotificationMsg struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// Type implements Message.
func (*NotificationMsg) Type() MessageType { return MsgNotification }

func (m *NotificationMsg) encodeBody(buf []byte) (int, error) {
	buf[0] = m.Code
	buf[1] = m.Subcode
	copy(buf[2:], m.Data)
	return 2 + len(m.Data), nil
}

func decodeNotification(body []byte) (*NotificationMsg, error) {
	if len(body) < 2 {
		return nil, ErrNotifTooShort
	}
	return &NotificationMsg{
		Code:    body[0],
		Subcode: body[1],
		Data:    append([]byte(nil), body[2:]...),
	}, nil
}

// -------------------------------------------------------------------------
// KEEPALIVE and ROUTE-REFRESH
// -------------------------------------------------------------------------

// KeepaliveMsg is the bodyless KEEPALIVE.
type KeepaliveMsg struct{}

// Type implements Message.
func (*KeepaliveMsg) Type() MessageType { return MsgKeepalive }

func (*KeepaliveMsg) encodeBody([]byte) (int, error) { return 0, nil }

// RouteRefreshMsg requests re-advertisement of an address family
// (RFC 2918).
type RouteRefreshMsg struct {
	AFI  uint16
	SAFI uint8
}

// Type implements Message.
func (*RouteRefreshMsg) Type() MessageType { return MsgRouteRefresh }

func (m *RouteRefreshMsg) encodeBody(buf []byte) (int, error) {
	binary.BigEndian.PutUint16(buf[0:], m.AFI)
	buf[2] = 0
	buf[3] = m.SAFI
	return 4, nil
}

func decodeRouteRefresh(body []byte) (*RouteRefreshMsg, error) {
	if len(body) != 4 {
		return nil, ErrRefreshMalformed
	}
	return &RouteRefreshMsg{
		AFI:  binary.BigEndian.Uint16(body[0:]),
		SAFI: body[3],
	}, nil
}
