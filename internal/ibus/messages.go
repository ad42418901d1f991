package ibus

import (
	"net/netip"
	"time"
)

// Protocol identifies the source protocol of a route or message.
type Protocol uint8

const (
	ProtocolUnknown Protocol = iota
	ProtocolDirect
	ProtocolStatic
	ProtocolBFD
	ProtocolBGP
	ProtocolISIS
	ProtocolLDP
	ProtocolOSPFv2
	ProtocolOSPFv3
	ProtocolRIPv2
	ProtocolRIPng
	ProtocolVRRP
)

// String returns the lowercase protocol name used in logs and metrics labels.
func (p Protocol) String() string {
	switch p {
	case ProtocolDirect:
		return "direct"
	case ProtocolStatic:
		return "static"
	case ProtocolBFD:
		return "bfd"
	case ProtocolBGP:
		return "bgp"
	case ProtocolISIS:
		return "isis"
	case ProtocolLDP:
		return "ldp"
	case ProtocolOSPFv2:
		return "ospfv2"
	case ProtocolOSPFv3:
		return "ospfv3"
	case ProtocolRIPv2:
		return "ripv2"
	case ProtocolRIPng:
		return "ripng"
	case ProtocolVRRP:
		return "vrrp"
	default:
		return "unknown"
	}
}

// DefaultDistance returns the default administrative distance for routes
// originated by the protocol.
func (p Protocol) DefaultDistance() uint32 {
	switch p {
	case ProtocolDirect:
		return 0
	case ProtocolStatic:
		return 1
	case ProtocolBGP:
		return 20
	case ProtocolOSPFv2, ProtocolOSPFv3:
		return 110
	case ProtocolISIS:
		return 115
	case ProtocolRIPv2, ProtocolRIPng:
		return 120
	default:
		return 255
	}
}

// Label is an MPLS label value.
type Label uint32

// Reserved MPLS label values (RFC 3032).
const (
	LabelIPv4ExplicitNull Label = 0
	LabelRouterAlert      Label = 1
	LabelIPv6ExplicitNull Label = 2
	LabelImplicitNull     Label = 3
	// LabelUnreservedMin is the first label outside the reserved range.
	LabelUnreservedMin Label = 16
)

// IsReserved reports whether the label falls in the reserved range 0-15.
func (l Label) IsReserved() bool { return l < LabelUnreservedMin }

// Nexthop is one forwarding leg of a route.
type Nexthop struct {
	// Addr is the gateway address. Unset for interface-only nexthops.
	Addr netip.Addr
	// IfIndex is the egress interface, 0 when resolved recursively.
	IfIndex uint32
	// Labels is the outgoing MPLS label stack, outermost first.
	Labels []Label
	// Recursive marks a nexthop that requires resolution through the RIB.
	Recursive bool
}

// RouteMsg announces a route from a protocol instance to the RIB.
type RouteMsg struct {
	Protocol Protocol
	Prefix   netip.Prefix
	Distance uint32
	Metric   uint32
	Tag      uint32
	Nexthops []Nexthop
}

// RouteKeyMsg withdraws a route previously announced by the protocol.
type RouteKeyMsg struct {
	Protocol Protocol
	Prefix   netip.Prefix
}

// FIBRouteMsg programs the winning route into the forwarding plane. The
// kernel-facing collaborator consumes these; the core only emits them.
type FIBRouteMsg struct {
	Install  bool
	Protocol Protocol
	Prefix   netip.Prefix
	Metric   uint32
	Nexthops []Nexthop
}

// LabelMsg installs or uninstalls an MPLS forwarding entry keyed by the
// local label.
type LabelMsg struct {
	Install bool
	Label   Label
	// Route optionally ties the label entry to an IP route whose nexthop
	// label stack is kept in lock-step.
	Route    *RouteKeyMsg
	Nexthops []Nexthop
}

// FIBLabelMsg programs an MPLS forwarding entry into the forwarding
// plane. Emitted by the RIB only.
type FIBLabelMsg struct {
	Install  bool
	Label    Label
	Nexthops []Nexthop
}

// InterfaceUpdateMsg reports interface existence and operational state.
type InterfaceUpdateMsg struct {
	Name    string
	IfIndex uint32
	MTU     uint32
	Up      bool
}

// AddressMsg reports an interface address add or delete.
type AddressMsg struct {
	IfName string
	Addr   netip.Prefix
	Delete bool
}

// BFDSessionKey identifies a BFD session for client registration.
type BFDSessionKey struct {
	// IfName is set for single-hop sessions.
	IfName string
	Src    netip.Addr
	Dst    netip.Addr
}

// BFDRegisterMsg registers or unregisters a protocol client's interest in
// a BFD session. Sessions are created on first registration and torn down
// when neither static configuration nor any client remains.
type BFDRegisterMsg struct {
	Client     Protocol
	InstanceID string
	Key        BFDSessionKey
	Unregister bool
}

// BFDStateMsg notifies registered clients of a BFD session state change.
type BFDStateMsg struct {
	Key BFDSessionKey
	Up  bool
}

// RedistributeRequestMsg subscribes a protocol to routes of another
// protocol held in the RIB.
type RedistributeRequestMsg struct {
	Subscriber Protocol
	Source     Protocol
	Unsub      bool
}

// RedistributeMsg carries a redistributed route to subscribers. Withdraw
// is set when the route left the RIB.
type RedistributeMsg struct {
	Source   Protocol
	Prefix   netip.Prefix
	Metric   uint32
	Tag      uint32
	Nexthops []Nexthop
	Withdraw bool
}

// NexthopTrackMsg registers or releases interest in reachability of an
// address, typically a BGP recursive nexthop.
type NexthopTrackMsg struct {
	Subscriber Protocol
	Addr       netip.Addr
	Release    bool
}

// NexthopUpdateMsg reports the IGP metric of the best route covering a
// tracked address. Metric is nil when the address became unreachable.
type NexthopUpdateMsg struct {
	Addr   netip.Addr
	Metric *uint32
	When   time.Time
}
