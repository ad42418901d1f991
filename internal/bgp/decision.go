package bgp

import (
	"net/netip"
	"slices"
)

// This file implements the decision process (RFC 4271 Section 9.1) with
// the documented extensions: configurable tie-break relaxations and
// multipath selection.

// SelectionConfig tunes the tie-break order.
type SelectionConfig struct {
	// IgnoreASPathLen skips the AS_PATH length comparison.
	IgnoreASPathLen bool
	// AlwaysCompareMed compares MED across neighboring ASes.
	AlwaysCompareMed bool
	// IgnoreNexthopCost skips the IGP-cost comparison.
	IgnoreNexthopCost bool
	// ExternalCompareRouterID enables the router-id step for pairs of
	// external routes; internal pairs always compare.
	ExternalCompareRouterID bool
}

// MultipathConfig tunes multipath selection.
type MultipathConfig struct {
	Enabled bool
	// EbgpAllowMultipleAS relaxes the same-neighbor-AS requirement for
	// external multipath.
	EbgpAllowMultipleAS bool
	MaxPaths            uint32
}

// RouteCompare is the outcome of comparing two candidate routes.
type RouteCompare uint8

const (
	// Preferred: the first route wins.
	Preferred RouteCompare = iota
	// LessPreferred: the second route wins.
	LessPreferred
	// MultipathEqual: equal through the multipath-relevant steps and
	// satisfying the multipath constraints.
	MultipathEqual
)

// compareResult pairs the comparison outcome with the step that decided
// it, recorded into the losing route's Reject field.
type compareResult struct {
	outcome RouteCompare
	reason  RejectReason
}

// CompareRoutes runs the tie-break between a and b. It is total and
// antisymmetric: swapping the arguments inverts Preferred and
// LessPreferred. Both routes must be eligible.
func CompareRoutes(a, b *Route, sel *SelectionConfig, mp *MultipathConfig) compareResult {
	// LOCAL_PREF, higher wins (RFC 4271 Section 9.1.1).
	aLp, bLp := localPref(a), localPref(b)
	if aLp != bLp {
		if aLp > bLp {
			return compareResult{Preferred, RejectLocalPrefLower}
		}
		return compareResult{LessPreferred, RejectLocalPrefLower}
	}

	// AS_PATH length, shorter wins.
	if !sel.IgnoreASPathLen {
		aLen, bLen := a.Attrs.Value.ASPathLen(), b.Attrs.Value.ASPathLen()
		if aLen != bLen {
			if aLen < bLen {
				return compareResult{Preferred, RejectASPathLonger}
			}
			return compareResult{LessPreferred, RejectASPathLonger}
		}
	}

	// ORIGIN, lower code wins.
	if a.Attrs.Value.Origin != b.Attrs.Value.Origin {
		if a.Attrs.Value.Origin < b.Attrs.Value.Origin {
			return compareResult{Preferred, RejectOriginHigher}
		}
		return compareResult{LessPreferred, RejectOriginHigher}
	}

	// MED, lower wins, only between routes from the same neighboring
	// AS unless always-compare-med.
	if sel.AlwaysCompareMed || a.Attrs.Value.FirstAS() == b.Attrs.Value.FirstAS() {
		aMed, bMed := med(a), med(b)
		if aMed != bMed {
			if aMed < bMed {
				return compareResult{Preferred, RejectMedHigher}
			}
			return compareResult{LessPreferred, RejectMedHigher}
		}
	}

	// eBGP-learned beats iBGP-learned.
	if a.RouteType != b.RouteType {
		if a.RouteType == RouteTypeExternal {
			return compareResult{Preferred, RejectPreferExternal}
		}
		return compareResult{LessPreferred, RejectPreferExternal}
	}

	// IGP cost to the nexthop, lower wins.
	if !sel.IgnoreNexthopCost {
		aCost, bCost := igpCost(a), igpCost(b)
		if aCost != bCost {
			if aCost < bCost {
				return compareResult{Preferred, RejectNexthopCostHigher}
			}
			return compareResult{LessPreferred, RejectNexthopCostHigher}
		}
	}

	// Multipath: equal so far and compatible per the iBGP/eBGP rules.
	if mp != nil && mp.Enabled && multipathCompatible(a, b, mp) {
		return compareResult{MultipathEqual, RejectNone}
	}

	// Router-id, lower wins. Optionally restricted to internal pairs.
	if a.RouteType == RouteTypeInternal || sel.ExternalCompareRouterID {
		if a.Origin.Identifier != b.Origin.Identifier {
			if a.Origin.Identifier < b.Origin.Identifier {
				return compareResult{Preferred, RejectRouterIDHigher}
			}
			return compareResult{LessPreferred, RejectRouterIDHigher}
		}
	}

	// Peer address, lower wins. Distinct routes always have distinct
	// peer addresses, making the order total.
	if a.Origin.RemoteAddr.Less(b.Origin.RemoteAddr) {
		return compareResult{Preferred, RejectPeerAddrHigher}
	}
	return compareResult{LessPreferred, RejectPeerAddrHigher}
}

func localPref(r *Route) uint32 {
	if lp := r.Attrs.Value.LocalPref; lp != nil {
		return *lp
	}
	return DefaultLocalPref
}

func med(r *Route) uint32 {
	if m := r.Attrs.Value.MED; m != nil {
		return *m
	}
	return 0
}

func igpCost(r *Route) uint32 {
	if r.IGPCost != nil {
		return *r.IGPCost
	}
	return 0
}

// multipathCompatible checks the per-type multipath constraints: iBGP
// requires an identical AS_PATH; eBGP requires the same neighboring AS
// unless relaxed.
func multipathCompatible(a, b *Route, mp *MultipathConfig) bool {
	if a.RouteType == RouteTypeInternal {
		return slices.EqualFunc(a.Attrs.Value.ASPath, b.Attrs.Value.ASPath,
			func(x, y ASSegment) bool {
				return x.Type == y.Type && slices.Equal(x.ASNs, y.ASNs)
			})
	}
	if mp.EbgpAllowMultipleAS {
		return true
	}
	return a.Attrs.Value.FirstAS() == b.Attrs.Value.FirstAS()
}

// LoopCheckConfig carries the identifiers used by eligibility checks.
type LoopCheckConfig struct {
	LocalAS   uint32
	RouterID  uint32
	ClusterID uint32
	// ConfedMembers lists the member ASes of the local confederation.
	ConfedMembers []uint32
}

// CheckEligibility classifies a route as ineligible when it must be
// excluded from selection: AS loop, originator/cluster loop, confederation
// loop, or unresolvable nexthop. The result is stored on the route.
func CheckEligibility(route *Route, cfg *LoopCheckConfig) {
	attrs := route.Attrs.Value
	switch {
	case attrs.ASPathContains(cfg.LocalAS):
		route.Ineligible = IneligibleAsLoop
	case attrs.OriginatorID != 0 && attrs.OriginatorID == cfg.RouterID:
		route.Ineligible = IneligibleOriginator
	case cfg.ClusterID != 0 && slices.Contains(attrs.ClusterList, cfg.ClusterID):
		route.Ineligible = IneligibleClusterLoop
	case confedLoop(attrs, cfg.ConfedMembers):
		route.Ineligible = IneligibleConfed
	case route.IGPCost == nil && !route.Origin.Redistributed:
		route.Ineligible = IneligibleUnresolvable
	default:
		route.Ineligible = IneligibleNone
	}
}

func confedLoop(attrs *Attrs, members []uint32) bool {
	if len(members) == 0 {
		return false
	}
	for _, seg := range attrs.ASPath {
		for _, asn := range seg.ASNs {
			if slices.Contains(members, asn) {
				return true
			}
		}
	}
	return false
}

// BestPath selects the best route and the multipath set among the
// eligible candidates. The result does not depend on input order: the
// candidates are first ordered by the total tie-break.
func BestPath(candidates []*Route, sel *SelectionConfig, mp *MultipathConfig) (*Route, []*Route) {
	eligible := make([]*Route, 0, len(candidates))
	for _, route := range candidates {
		route.Reject = RejectNone
		if route.Eligible() {
			eligible = append(eligible, route)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	slices.SortStableFunc(eligible, func(a, b *Route) int {
		switch CompareRoutes(a, b, sel, mp).outcome {
		case Preferred:
			return -1
		case LessPreferred:
			return 1
		default:
			// Order multipath-equal routes by peer address for a
			// deterministic result.
			if a.Origin.RemoteAddr.Less(b.Origin.RemoteAddr) {
				return -1
			}
			return 1
		}
	})

	best := eligible[0]
	var multipath []*Route
	for _, route := range eligible[1:] {
		result := CompareRoutes(best, route, sel, mp)
		if result.outcome == MultipathEqual {
			if mp.MaxPaths == 0 || uint32(len(multipath)+1) < mp.MaxPaths {
				multipath = append(multipath, route)
				continue
			}
		}
		route.Reject = result.reason
	}
	return best, multipath
}

// -------------------------------------------------------------------------
// Dissemination — RFC 4271 Section 9.2
// -------------------------------------------------------------------------

// ExportPolicy gathers the per-neighbor knobs consulted when building
// Adj-RIB-Out entries.
type ExportPolicy struct {
	PeerAS    uint32
	PeerType  RouteType
	LocalAS   uint32
	LocalAddr netip.Addr
	// DisablePeerASFilter permits advertising routes whose AS_PATH
	// already contains the peer's AS.
	DisablePeerASFilter bool
}

// ExportRoute decides whether route may be advertised to the peer and
// returns the normalised outbound attributes, or nil to suppress.
func ExportRoute(route *Route, pol *ExportPolicy) *Attrs {
	attrs := route.Attrs.Value

	// Well-known communities (RFC 1997).
	if attrs.HasCommunity(CommNoAdvertise) {
		return nil
	}
	if pol.PeerType == RouteTypeExternal &&
		(attrs.HasCommunity(CommNoExport) || attrs.HasCommunity(CommNoExportSubconfed)) {
		return nil
	}

	// RFC 4271 Section 9.2: routes learned from an internal peer are
	// not re-advertised to internal peers.
	if pol.PeerType == RouteTypeInternal &&
		route.RouteType == RouteTypeInternal && !route.Origin.Redistributed {
		return nil
	}

	// Do not advertise a route back into an AS it has traversed.
	if !pol.DisablePeerASFilter && attrs.ASPathContains(pol.PeerAS) {
		return nil
	}

	out := attrs.Clone()
	if pol.PeerType == RouteTypeInternal {
		if out.LocalPref == nil {
			lp := DefaultLocalPref
			out.LocalPref = &lp
		}
	} else {
		out.PrependAS(pol.LocalAS)
		out.MED = nil
		out.LocalPref = nil
		rewriteNexthop(out, pol.LocalAddr)
	}
	return out
}

// rewriteNexthop points the outbound nexthop at the local address per
// address-family convention: top-level NEXT_HOP for IPv4, the
// MP_REACH nexthop for IPv6.
func rewriteNexthop(attrs *Attrs, local netip.Addr) {
	if attrs.MPReach != nil {
		attrs.MPReach.Nexthop = local
		attrs.MPReach.LinkLocal = netip.Addr{}
		return
	}
	if local.Is4() {
		attrs.Nexthop = local
	}
}
