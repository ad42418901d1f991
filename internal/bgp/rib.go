package bgp

import (
	"net/netip"
	"time"
)

// Default decision-process values.
const (
	DefaultLocalPref uint32 = 100
)

// RouteType distinguishes iBGP-learned from eBGP-learned routes.
type RouteType uint8

const (
	RouteTypeInternal RouteType = iota
	RouteTypeExternal
)

// RouteOrigin records where a route entered this instance.
type RouteOrigin struct {
	// Neighbor identification; unset for redistributed routes.
	Identifier uint32
	RemoteAddr netip.Addr
	// Redistributed marks protocol-injected routes.
	Redistributed bool
}

// IneligibleReason excludes a route from selection entirely.
type IneligibleReason uint8

const (
	IneligibleNone IneligibleReason = iota
	IneligibleClusterLoop
	IneligibleAsLoop
	IneligibleOriginator
	IneligibleConfed
	IneligibleUnresolvable
)

// String returns the reason name.
func (r IneligibleReason) String() string {
	switch r {
	case IneligibleClusterLoop:
		return "cluster-loop"
	case IneligibleAsLoop:
		return "as-loop"
	case IneligibleOriginator:
		return "originator"
	case IneligibleConfed:
		return "confed-loop"
	case IneligibleUnresolvable:
		return "unresolvable"
	default:
		return "none"
	}
}

// RejectReason records which tie-break step eliminated a route.
type RejectReason uint8

const (
	RejectNone RejectReason = iota
	RejectLocalPrefLower
	RejectASPathLonger
	RejectOriginHigher
	RejectMedHigher
	RejectPreferExternal
	RejectNexthopCostHigher
	RejectRouterIDHigher
	RejectPeerAddrHigher
	RejectImportPolicy
)

// Route is one path for a destination, stored in the Adj-RIB stages and
// the Loc-RIB.
type Route struct {
	Origin       RouteOrigin
	Attrs        *AttrSet
	RouteType    RouteType
	IGPCost      *uint32
	LastModified time.Time
	Ineligible   IneligibleReason
	Reject       RejectReason
}

// Eligible reports whether the route may enter the decision process.
func (r *Route) Eligible() bool { return r.Ineligible == IneligibleNone }

// AdjRib holds the four per-neighbor stages of one destination: in/out,
// each before and after policy.
type AdjRib struct {
	InPre   *Route
	InPost  *Route
	OutPre  *Route
	OutPost *Route
}

// LocalRoute is the selected best route of a destination, plus the
// multipath set when enabled.
type LocalRoute struct {
	Origin       RouteOrigin
	Attrs        *AttrSet
	RouteType    RouteType
	LastModified time.Time
	// Nexthops holds the best route's nexthop first, followed by the
	// nexthops of the other multipath routes.
	Nexthops []netip.Addr
}

// Destination aggregates everything known about one prefix.
type Destination struct {
	Local        *LocalRoute
	AdjRibs      map[netip.Addr]*AdjRib
	Redistribute *Route
}

// RoutingTable is the per-AFI/SAFI route storage.
type RoutingTable struct {
	Prefixes map[netip.Prefix]*Destination
	// QueuedPrefixes awaits the next decision-process run.
	QueuedPrefixes map[netip.Prefix]struct{}
	// NHT tracks recursive nexthop resolution state per gateway.
	NHT map[netip.Addr]*NhtEntry
}

// NhtEntry is one tracked nexthop.
type NhtEntry struct {
	// Metric is the IGP cost to the nexthop, nil while unresolved.
	Metric *uint32
	// Prefixes maps dependent prefixes to their reference count.
	Prefixes map[netip.Prefix]uint32
}

// NewRoutingTable creates an empty table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		Prefixes:       make(map[netip.Prefix]*Destination),
		QueuedPrefixes: make(map[netip.Prefix]struct{}),
		NHT:            make(map[netip.Addr]*NhtEntry),
	}
}

// Dest returns the destination for pfx, creating it when missing.
func (t *RoutingTable) Dest(pfx netip.Prefix) *Destination {
	dest, ok := t.Prefixes[pfx]
	if !ok {
		dest = &Destination{AdjRibs: make(map[netip.Addr]*AdjRib)}
		t.Prefixes[pfx] = dest
	}
	return dest
}

// AdjRibFor returns the neighbor's adj-rib for pfx, creating it when
// missing.
func (t *RoutingTable) AdjRibFor(pfx netip.Prefix, neighbor netip.Addr) *AdjRib {
	dest := t.Dest(pfx)
	ar, ok := dest.AdjRibs[neighbor]
	if !ok {
		ar = &AdjRib{}
		dest.AdjRibs[neighbor] = ar
	}
	return ar
}

// Queue marks pfx for the next decision-process run.
func (t *RoutingTable) Queue(pfx netip.Prefix) {
	t.QueuedPrefixes[pfx] = struct{}{}
}

// GC removes an empty destination.
func (t *RoutingTable) GC(pfx netip.Prefix) {
	dest, ok := t.Prefixes[pfx]
	if !ok {
		return
	}
	if dest.Local != nil || dest.Redistribute != nil {
		return
	}
	for _, ar := range dest.AdjRibs {
		if ar.InPre != nil || ar.InPost != nil || ar.OutPre != nil || ar.OutPost != nil {
			return
		}
	}
	delete(t.Prefixes, pfx)
}

// TrackNexthop registers a dependency of pfx on the gateway addr and
// reports whether the entry is new (needs a RIB subscription).
func (t *RoutingTable) TrackNexthop(addr netip.Addr, pfx netip.Prefix) bool {
	entry, ok := t.NHT[addr]
	if !ok {
		entry = &NhtEntry{Prefixes: make(map[netip.Prefix]uint32)}
		t.NHT[addr] = entry
	}
	entry.Prefixes[pfx]++
	return !ok
}

// UntrackNexthop drops one dependency and reports whether the entry is
// gone (needs a RIB unsubscription).
func (t *RoutingTable) UntrackNexthop(addr netip.Addr, pfx netip.Prefix) bool {
	entry, ok := t.NHT[addr]
	if !ok {
		return false
	}
	if entry.Prefixes[pfx] <= 1 {
		delete(entry.Prefixes, pfx)
	} else {
		entry.Prefixes[pfx]--
	}
	if len(entry.Prefixes) == 0 {
		delete(t.NHT, addr)
		return true
	}
	return false
}

// ResolveNexthop updates the metric of a tracked nexthop and queues
// every dependent prefix. Returns false when nothing changed.
func (t *RoutingTable) ResolveNexthop(addr netip.Addr, metric *uint32) bool {
	entry, ok := t.NHT[addr]
	if !ok {
		return false
	}
	if equalMetric(entry.Metric, metric) {
		return false
	}
	entry.Metric = metric
	for pfx := range entry.Prefixes {
		t.Queue(pfx)
	}
	return true
}

func equalMetric(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Rib is the full BGP RIB: one table per supported address family plus
// the shared attribute store.
type Rib struct {
	AttrStore   *AttrStore
	IPv4Unicast *RoutingTable
	IPv6Unicast *RoutingTable
}

// NewRib creates an empty RIB.
func NewRib() *Rib {
	return &Rib{
		AttrStore:   NewAttrStore(),
		IPv4Unicast: NewRoutingTable(),
		IPv6Unicast: NewRoutingTable(),
	}
}

// Table selects the routing table for a prefix's address family.
func (r *Rib) Table(pfx netip.Prefix) *RoutingTable {
	if pfx.Addr().Is4() {
		return r.IPv4Unicast
	}
	return r.IPv6Unicast
}
