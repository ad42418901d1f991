package bgp

import (
	"math/rand/v2"
	"net/netip"
	"slices"
	"testing"
)

func u32(v uint32) *uint32 { return &v }

type routeSpec struct {
	localPref *uint32
	asPath    []uint32
	origin    uint8
	med       *uint32
	routeType RouteType
	igpCost   *uint32
	routerID  uint32
	peerAddr  string
}

func buildRoute(st *AttrStore, spec routeSpec) *Route {
	attrs := &Attrs{
		Origin:    spec.origin,
		LocalPref: spec.localPref,
		MED:       spec.med,
		Nexthop:   netip.MustParseAddr("192.0.2.254"),
	}
	if len(spec.asPath) > 0 {
		attrs.ASPath = []ASSegment{{Type: SegmentSequence, ASNs: spec.asPath}}
	}
	return &Route{
		Origin: RouteOrigin{
			Identifier: spec.routerID,
			RemoteAddr: netip.MustParseAddr(spec.peerAddr),
		},
		Attrs:     st.Intern(attrs),
		RouteType: spec.routeType,
		IGPCost:   spec.igpCost,
	}
}

func TestTieBreakOrder(t *testing.T) {
	st := NewAttrStore()
	sel := &SelectionConfig{}

	cases := []struct {
		name   string
		a, b   routeSpec
		reason RejectReason
	}{
		{
			"local pref wins first",
			routeSpec{localPref: u32(200), asPath: []uint32{1, 2, 3}, peerAddr: "10.0.0.1", routeType: RouteTypeExternal},
			routeSpec{localPref: u32(100), asPath: []uint32{1}, peerAddr: "10.0.0.2", routeType: RouteTypeExternal},
			RejectLocalPrefLower,
		},
		{
			"shorter as path",
			routeSpec{asPath: []uint32{65001}, peerAddr: "10.0.0.1", routeType: RouteTypeExternal},
			routeSpec{asPath: []uint32{65001, 65002}, peerAddr: "10.0.0.2", routeType: RouteTypeExternal},
			RejectASPathLonger,
		},
		{
			"lower origin",
			routeSpec{asPath: []uint32{65001}, origin: OriginIGP, peerAddr: "10.0.0.1", routeType: RouteTypeExternal},
			routeSpec{asPath: []uint32{65002}, origin: OriginIncomplete, peerAddr: "10.0.0.2", routeType: RouteTypeExternal},
			RejectOriginHigher,
		},
		{
			"lower med same neighbor as",
			routeSpec{asPath: []uint32{65001}, med: u32(10), peerAddr: "10.0.0.1", routeType: RouteTypeExternal},
			routeSpec{asPath: []uint32{65001}, med: u32(20), peerAddr: "10.0.0.2", routeType: RouteTypeExternal},
			RejectMedHigher,
		},
		{
			"external over internal",
			routeSpec{asPath: []uint32{65001}, routeType: RouteTypeExternal, peerAddr: "10.0.0.1"},
			routeSpec{asPath: []uint32{65002}, routeType: RouteTypeInternal, peerAddr: "10.0.0.2"},
			RejectPreferExternal,
		},
		{
			"lower igp cost",
			routeSpec{asPath: []uint32{65001}, routeType: RouteTypeInternal, igpCost: u32(5), peerAddr: "10.0.0.1"},
			routeSpec{asPath: []uint32{65002}, routeType: RouteTypeInternal, igpCost: u32(50), peerAddr: "10.0.0.2"},
			RejectNexthopCostHigher,
		},
		{
			"lower router id",
			routeSpec{asPath: []uint32{65001}, routeType: RouteTypeInternal, routerID: 1, peerAddr: "10.0.0.1"},
			routeSpec{asPath: []uint32{65002}, routeType: RouteTypeInternal, routerID: 9, peerAddr: "10.0.0.2"},
			RejectRouterIDHigher,
		},
		{
			"lower peer address",
			routeSpec{asPath: []uint32{65001}, routeType: RouteTypeInternal, routerID: 7, peerAddr: "10.0.0.1"},
			routeSpec{asPath: []uint32{65002}, routeType: RouteTypeInternal, routerID: 7, peerAddr: "10.0.0.2"},
			RejectPeerAddrHigher,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := buildRoute(st, tc.a)
			b := buildRoute(st, tc.b)

			result := CompareRoutes(a, b, sel, nil)
			if result.outcome != Preferred {
				t.Fatalf("CompareRoutes(a, b) = %v, want Preferred", result.outcome)
			}
			if result.reason != tc.reason {
				t.Fatalf("reason = %v, want %v", result.reason, tc.reason)
			}

			// Antisymmetry: swapping the arguments inverts the outcome.
			inverse := CompareRoutes(b, a, sel, nil)
			if inverse.outcome != LessPreferred {
				t.Fatalf("CompareRoutes(b, a) = %v, want LessPreferred", inverse.outcome)
			}
		})
	}
}

func TestMedOnlyComparedWithinNeighborAS(t *testing.T) {
	st := NewAttrStore()
	// Different neighboring AS: MED must be skipped, selection falls
	// through to external-vs-internal and further steps.
	a := buildRoute(st, routeSpec{asPath: []uint32{65001}, med: u32(100), routeType: RouteTypeExternal, routerID: 2, peerAddr: "10.0.0.1"})
	b := buildRoute(st, routeSpec{asPath: []uint32{65002}, med: u32(1), routeType: RouteTypeExternal, routerID: 1, peerAddr: "10.0.0.2"})

	result := CompareRoutes(a, b, &SelectionConfig{ExternalCompareRouterID: true}, nil)
	if result.reason == RejectMedHigher {
		t.Fatal("MED compared across different neighboring ASes")
	}

	// With always-compare-med the lower MED wins regardless.
	result = CompareRoutes(a, b, &SelectionConfig{AlwaysCompareMed: true}, nil)
	if result.outcome != LessPreferred || result.reason != RejectMedHigher {
		t.Fatalf("always-compare-med: got %v/%v", result.outcome, result.reason)
	}
}

func TestSelectionIndependentOfOrder(t *testing.T) {
	st := NewAttrStore()
	specs := []routeSpec{
		{asPath: []uint32{65001}, routeType: RouteTypeInternal, routerID: 5, peerAddr: "10.0.0.5"},
		{asPath: []uint32{65001}, routeType: RouteTypeInternal, routerID: 1, peerAddr: "10.0.0.1"},
		{asPath: []uint32{65001, 65003}, routeType: RouteTypeInternal, routerID: 2, peerAddr: "10.0.0.2"},
		{asPath: []uint32{65001}, routeType: RouteTypeInternal, routerID: 3, peerAddr: "10.0.0.3"},
	}
	sel := &SelectionConfig{}
	mp := &MultipathConfig{}

	var want *Route
	for trial := 0; trial < 20; trial++ {
		routes := make([]*Route, 0, len(specs))
		for _, spec := range specs {
			routes = append(routes, buildRoute(st, spec))
		}
		rand.Shuffle(len(routes), func(i, j int) {
			routes[i], routes[j] = routes[j], routes[i]
		})
		best, _ := BestPath(routes, sel, mp)
		if best == nil {
			t.Fatal("no best path")
		}
		if want == nil {
			want = best
			if best.Origin.Identifier != 1 {
				t.Fatalf("best router-id = %d, want 1", best.Origin.Identifier)
			}
			continue
		}
		if best.Origin.RemoteAddr != want.Origin.RemoteAddr {
			t.Fatalf("selection depends on iteration order: %v vs %v",
				best.Origin.RemoteAddr, want.Origin.RemoteAddr)
		}
	}
}

func TestASLoopIneligible(t *testing.T) {
	st := NewAttrStore()
	// Boundary scenario: peer 65001 announces AS_PATH [65001 65002],
	// local ASN is 65002.
	route := buildRoute(st, routeSpec{
		asPath:    []uint32{65001, 65002},
		routeType: RouteTypeExternal,
		peerAddr:  "10.0.0.1",
		igpCost:   u32(0),
	})
	CheckEligibility(route, &LoopCheckConfig{LocalAS: 65002, RouterID: 0x01010101})

	if route.Ineligible != IneligibleAsLoop {
		t.Fatalf("ineligible = %v, want as-loop", route.Ineligible)
	}
	best, _ := BestPath([]*Route{route}, &SelectionConfig{}, &MultipathConfig{})
	if best != nil {
		t.Fatal("AS-loop route must not be selected")
	}
}

func TestUnresolvableNexthopIneligible(t *testing.T) {
	st := NewAttrStore()
	route := buildRoute(st, routeSpec{
		asPath: []uint32{65001}, routeType: RouteTypeInternal, peerAddr: "10.0.0.1"})
	route.IGPCost = nil
	CheckEligibility(route, &LoopCheckConfig{LocalAS: 65002})
	if route.Ineligible != IneligibleUnresolvable {
		t.Fatalf("ineligible = %v, want unresolvable", route.Ineligible)
	}
}

func TestMultipath(t *testing.T) {
	st := NewAttrStore()
	mp := &MultipathConfig{Enabled: true}
	sel := &SelectionConfig{}

	// Two eBGP routes from the same neighboring AS, equal on every
	// step: multipath.
	a := buildRoute(st, routeSpec{asPath: []uint32{65001}, routeType: RouteTypeExternal, igpCost: u32(1), routerID: 1, peerAddr: "10.0.0.1"})
	b := buildRoute(st, routeSpec{asPath: []uint32{65001}, routeType: RouteTypeExternal, igpCost: u32(1), routerID: 2, peerAddr: "10.0.0.2"})
	best, paths := BestPath([]*Route{a, b}, sel, mp)
	if best == nil || len(paths) != 1 {
		t.Fatalf("multipath set = %d, want 1", len(paths))
	}

	// Different neighboring AS: not multipath unless relaxed.
	c := buildRoute(st, routeSpec{asPath: []uint32{65003}, routeType: RouteTypeExternal, igpCost: u32(1), routerID: 3, peerAddr: "10.0.0.3"})
	_, paths = BestPath([]*Route{a, c}, sel, mp)
	if len(paths) != 0 {
		t.Fatal("cross-AS eBGP multipath must require ebgp_allow_multiple_as")
	}
	relaxed := &MultipathConfig{Enabled: true, EbgpAllowMultipleAS: true}
	_, paths = BestPath([]*Route{a, c}, sel, relaxed)
	if len(paths) != 1 {
		t.Fatal("relaxed eBGP multipath not selected")
	}

	// iBGP multipath requires matching AS_PATH.
	d := buildRoute(st, routeSpec{asPath: []uint32{65001}, routeType: RouteTypeInternal, igpCost: u32(1), routerID: 4, peerAddr: "10.0.0.4"})
	e := buildRoute(st, routeSpec{asPath: []uint32{65009}, routeType: RouteTypeInternal, igpCost: u32(1), routerID: 5, peerAddr: "10.0.0.5"})
	_, paths = BestPath([]*Route{d, e}, sel, mp)
	if len(paths) != 0 {
		t.Fatal("iBGP multipath must require matching AS_PATH")
	}
}

func TestExportRules(t *testing.T) {
	st := NewAttrStore()
	localAddr := netip.MustParseAddr("192.0.2.1")

	ibgpRoute := buildRoute(st, routeSpec{asPath: []uint32{65009}, routeType: RouteTypeInternal, peerAddr: "10.0.0.1"})
	ebgpRoute := buildRoute(st, routeSpec{asPath: []uint32{65009}, med: u32(5), routeType: RouteTypeExternal, peerAddr: "10.0.0.2"})

	toInternal := &ExportPolicy{PeerAS: 65002, PeerType: RouteTypeInternal, LocalAS: 65002, LocalAddr: localAddr}
	toExternal := &ExportPolicy{PeerAS: 65100, PeerType: RouteTypeExternal, LocalAS: 65002, LocalAddr: localAddr}

	// iBGP-learned must not be re-advertised to iBGP peers.
	if attrs := ExportRoute(ibgpRoute, toInternal); attrs != nil {
		t.Fatal("iBGP route re-advertised to iBGP peer")
	}

	// eBGP-learned to internal peer: default LOCAL_PREF attached.
	attrs := ExportRoute(ebgpRoute, toInternal)
	if attrs == nil {
		t.Fatal("eBGP route suppressed to internal peer")
	}
	if attrs.LocalPref == nil || *attrs.LocalPref != DefaultLocalPref {
		t.Fatalf("LOCAL_PREF = %v, want default", attrs.LocalPref)
	}

	// To external peer: AS prepended, MED and LOCAL_PREF stripped,
	// nexthop rewritten.
	attrs = ExportRoute(ebgpRoute, toExternal)
	if attrs == nil {
		t.Fatal("route suppressed to external peer")
	}
	if attrs.FirstAS() != 65002 {
		t.Fatalf("first AS = %d, want local 65002", attrs.FirstAS())
	}
	if attrs.MED != nil || attrs.LocalPref != nil {
		t.Fatal("MED/LOCAL_PREF must be stripped towards eBGP")
	}
	if attrs.Nexthop != localAddr {
		t.Fatalf("nexthop = %v, want %v", attrs.Nexthop, localAddr)
	}

	// Peer-AS filter: never advertise into an AS already in the path.
	backToOrigin := &ExportPolicy{PeerAS: 65009, PeerType: RouteTypeExternal, LocalAS: 65002, LocalAddr: localAddr}
	if attrs := ExportRoute(ebgpRoute, backToOrigin); attrs != nil {
		t.Fatal("route advertised back into an AS on its path")
	}
	backToOrigin.DisablePeerASFilter = true
	if attrs := ExportRoute(ebgpRoute, backToOrigin); attrs == nil {
		t.Fatal("disable-peer-as-filter must permit the advertisement")
	}
}

func TestWellKnownCommunities(t *testing.T) {
	st := NewAttrStore()
	local := netip.MustParseAddr("192.0.2.1")
	toInternal := &ExportPolicy{PeerAS: 65002, PeerType: RouteTypeInternal, LocalAS: 65002, LocalAddr: local}
	toExternal := &ExportPolicy{PeerAS: 65100, PeerType: RouteTypeExternal, LocalAS: 65002, LocalAddr: local}

	mk := func(comm uint32) *Route {
		attrs := &Attrs{
			ASPath:      []ASSegment{{Type: SegmentSequence, ASNs: []uint32{65009}}},
			Communities: []uint32{comm},
			Nexthop:     netip.MustParseAddr("192.0.2.254"),
		}
		return &Route{
			Origin:    RouteOrigin{RemoteAddr: netip.MustParseAddr("10.0.0.9")},
			Attrs:     st.Intern(attrs),
			RouteType: RouteTypeExternal,
		}
	}

	if ExportRoute(mk(CommNoAdvertise), toInternal) != nil {
		t.Fatal("NO_ADVERTISE must suppress everywhere")
	}
	if ExportRoute(mk(CommNoExport), toExternal) != nil {
		t.Fatal("NO_EXPORT must suppress to external peers")
	}
	if ExportRoute(mk(CommNoExport), toInternal) == nil {
		t.Fatal("NO_EXPORT must not suppress to internal peers")
	}
	if ExportRoute(mk(CommNoExportSubconfed), toExternal) != nil {
		t.Fatal("NO_EXPORT_SUBCONFED must suppress to external peers")
	}
}

func TestASPathLenCountsSetAsOne(t *testing.T) {
	attrs := &Attrs{ASPath: []ASSegment{
		{Type: SegmentSequence, ASNs: []uint32{1, 2}},
		{Type: SegmentSet, ASNs: []uint32{3, 4, 5}},
	}}
	if got := attrs.ASPathLen(); got != 3 {
		t.Fatalf("ASPathLen = %d, want 3", got)
	}
}

func TestBestPathIgnoresIneligibleOrderings(t *testing.T) {
	st := NewAttrStore()
	good := buildRoute(st, routeSpec{asPath: []uint32{65001}, routeType: RouteTypeExternal, igpCost: u32(1), routerID: 9, peerAddr: "10.0.0.9"})
	looped := buildRoute(st, routeSpec{asPath: []uint32{65001, 65002}, routeType: RouteTypeExternal, igpCost: u32(1), routerID: 1, peerAddr: "10.0.0.1"})
	CheckEligibility(good, &LoopCheckConfig{LocalAS: 65002})
	CheckEligibility(looped, &LoopCheckConfig{LocalAS: 65002})

	for _, order := range [][]*Route{{good, looped}, {looped, good}} {
		best, _ := BestPath(slices.Clone(order), &SelectionConfig{}, &MultipathConfig{})
		if best != good {
			t.Fatal("ineligible route displaced the best path")
		}
	}
}
