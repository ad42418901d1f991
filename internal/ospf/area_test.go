package ospf

import (
	"net/netip"
	"testing"
)

func areaWithRoutes(id uint32, routes map[string]*RouteEntry) *Area {
	area := &Area{
		Config:     AreaConfig{ID: id},
		Interfaces: make(map[string]*Interface),
		Routes:     make(map[netip.Prefix]*RouteEntry),
	}
	for p, route := range routes {
		pfx := netip.MustParsePrefix(p)
		route.Prefix = pfx
		area.Routes[pfx] = route
	}
	return area
}

func TestComputeSummaries(t *testing.T) {
	backbone := areaWithRoutes(BackboneArea, map[string]*RouteEntry{
		"10.1.0.0/24": {Metric: 10, Type: PathIntraArea},
		"10.1.1.0/24": {Metric: 20, Type: PathIntraArea},
		// Inter-area routes through the backbone propagate onward.
		"172.16.0.0/16": {Metric: 30, Type: PathInterArea},
		// Externals never summarise.
		"203.0.113.0/24": {Metric: 5, Type: PathExternal2},
	})
	dst := areaWithRoutes(1, nil)
	areas := map[uint32]*Area{BackboneArea: backbone, 1: dst}

	out := ComputeSummaries(areas, dst)
	if out.InjectDefault {
		t.Fatal("normal area must not get a default")
	}
	if got := out.Summaries[netip.MustParsePrefix("10.1.0.0/24")]; got != 10 {
		t.Fatalf("summary cost = %d, want 10", got)
	}
	if got := out.Summaries[netip.MustParsePrefix("172.16.0.0/16")]; got != 30 {
		t.Fatalf("backbone inter-area summary cost = %d", got)
	}
	if _, ok := out.Summaries[netip.MustParsePrefix("203.0.113.0/24")]; ok {
		t.Fatal("external route must not be summarised")
	}
}

func TestNonBackboneInterAreaNotResummarised(t *testing.T) {
	transit := areaWithRoutes(2, map[string]*RouteEntry{
		"172.16.0.0/16": {Metric: 30, Type: PathInterArea},
	})
	dst := areaWithRoutes(1, nil)
	areas := map[uint32]*Area{2: transit, 1: dst}

	out := ComputeSummaries(areas, dst)
	if len(out.Summaries) != 0 {
		t.Fatalf("summaries = %v, want none", out.Summaries)
	}
}

func TestRangeAggregation(t *testing.T) {
	src := areaWithRoutes(2, map[string]*RouteEntry{
		"10.1.0.0/24": {Metric: 10, Type: PathIntraArea},
		"10.1.1.0/24": {Metric: 25, Type: PathIntraArea},
		"10.2.0.0/24": {Metric: 7, Type: PathIntraArea},
	})
	src.Config.Ranges = []AreaRange{
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), Advertise: true},
	}
	dst := areaWithRoutes(1, nil)
	areas := map[uint32]*Area{2: src, 1: dst}

	out := ComputeSummaries(areas, dst)
	aggregate := netip.MustParsePrefix("10.1.0.0/16")
	if got := out.Summaries[aggregate]; got != 25 {
		t.Fatalf("aggregate cost = %d, want highest component 25", got)
	}
	if _, ok := out.Summaries[netip.MustParsePrefix("10.1.0.0/24")]; ok {
		t.Fatal("component must be replaced by the aggregate")
	}
	if _, ok := out.Summaries[netip.MustParsePrefix("10.2.0.0/24")]; !ok {
		t.Fatal("uncovered prefix must still be summarised")
	}
}

func TestRangeSuppression(t *testing.T) {
	src := areaWithRoutes(2, map[string]*RouteEntry{
		"10.1.0.0/24": {Metric: 10, Type: PathIntraArea},
	})
	src.Config.Ranges = []AreaRange{
		{Prefix: netip.MustParsePrefix("10.1.0.0/16"), Advertise: false},
	}
	dst := areaWithRoutes(1, nil)
	areas := map[uint32]*Area{2: src, 1: dst}

	out := ComputeSummaries(areas, dst)
	if len(out.Summaries) != 0 {
		t.Fatalf("summaries = %v, want suppressed", out.Summaries)
	}
}

func TestStubAreaDefault(t *testing.T) {
	backbone := areaWithRoutes(BackboneArea, nil)
	stub := areaWithRoutes(1, nil)
	stub.Config.Type = AreaStub
	stub.Config.SummaryDefaultCost = 10
	areas := map[uint32]*Area{BackboneArea: backbone, 1: stub}

	out := ComputeSummaries(areas, stub)
	if !out.InjectDefault || out.DefaultCost != 10 {
		t.Fatalf("default injection = %+v", out)
	}
}

func TestSplitHorizonSuppression(t *testing.T) {
	dst := areaWithRoutes(1, nil)
	dst.Interfaces["eth1"] = &Interface{Config: DefaultInterfaceConfig("eth1")}

	through := &RouteEntry{Nexthops: []SpfNexthop{{IfName: "eth1"}}}
	if !SuppressSplitHorizon(dst, through) {
		t.Fatal("route through the destination area must be suppressed")
	}
	elsewhere := &RouteEntry{Nexthops: []SpfNexthop{{IfName: "eth0"}}}
	if SuppressSplitHorizon(dst, elsewhere) {
		t.Fatal("route through another area must not be suppressed")
	}
}
