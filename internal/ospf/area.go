package ospf

import (
	"net/netip"
)

// AreaType classifies an area's external-LSA handling.
type AreaType uint8

const (
	AreaNormal AreaType = iota
	AreaStub
	AreaNSSA
)

// AreaRange aggregates intra-area prefixes at the area border.
type AreaRange struct {
	Prefix netip.Prefix
	// Advertise false suppresses the covered prefixes entirely.
	Advertise bool
}

// AreaConfig is the per-area configuration.
type AreaConfig struct {
	ID   uint32
	Type AreaType
	// SummaryDefaultCost is the cost of the injected default route in
	// stub and NSSA areas.
	SummaryDefaultCost uint32
	Ranges             []AreaRange
}

// Area is one OSPF area: its LSDB, interfaces, and computed routes.
type Area struct {
	Config     AreaConfig
	Lsdb       *Lsdb
	Interfaces map[string]*Interface
	// Routes is the latest SPF result for this area.
	Routes map[netip.Prefix]*RouteEntry
	// Scheduler is the per-area SPF delay FSM.
	Scheduler *SpfScheduler
}

// BackboneArea is area 0.
const BackboneArea uint32 = 0

// SummaryOrigination computes the Type-3 summaries an ABR originates
// into dst for routes learned in other areas (RFC 2328 Section 12.4.3):
// split-horizon suppresses routes whose nexthop lies inside dst, ranges
// aggregate, and stub/NSSA areas get a default instead of externals.
type SummaryOrigination struct {
	// Summaries maps prefix to advertised cost.
	Summaries map[netip.Prefix]uint32
	// InjectDefault is set for stub and NSSA destination areas.
	InjectDefault bool
	DefaultCost   uint32
}

// ComputeSummaries derives the summaries to originate into dst from the
// routes of all other areas.
func ComputeSummaries(areas map[uint32]*Area, dst *Area) *SummaryOrigination {
	out := &SummaryOrigination{Summaries: make(map[netip.Prefix]uint32)}
	if dst.Config.Type != AreaNormal {
		out.InjectDefault = true
		out.DefaultCost = dst.Config.SummaryDefaultCost
		if out.DefaultCost == 0 {
			out.DefaultCost = 1
		}
	}

	for srcID, src := range areas {
		if srcID == dst.Config.ID {
			continue
		}
		// Inter-area routes learned through the backbone are not
		// re-summarised out of a non-backbone transit area.
		for pfx, route := range src.Routes {
			if route.Type != PathIntraArea &&
				!(route.Type == PathInterArea && srcID == BackboneArea) {
				continue
			}
			if SuppressSplitHorizon(dst, route) {
				continue
			}
			cost := route.Metric

			// Ranges: an active range replaces its components with one
			// aggregate at the highest component cost.
			if rangePfx, advertise, rCost, covered := applyRange(src, pfx, cost, out.Summaries); covered {
				if !advertise {
					continue
				}
				out.Summaries[rangePfx] = rCost
				continue
			}
			if cur, ok := out.Summaries[pfx]; !ok || cost < cur {
				out.Summaries[pfx] = cost
			}
		}
	}
	return out
}

// applyRange matches pfx against the source area's configured ranges.
func applyRange(src *Area, pfx netip.Prefix, cost uint32,
	summaries map[netip.Prefix]uint32) (netip.Prefix, bool, uint32, bool) {
	for _, r := range src.Config.Ranges {
		if !r.Prefix.Overlaps(pfx) || r.Prefix.Bits() > pfx.Bits() {
			continue
		}
		rCost := cost
		if cur, ok := summaries[r.Prefix]; ok && cur > rCost {
			// The aggregate advertises the highest component cost.
			rCost = cur
		}
		return r.Prefix, r.Advertise, rCost, true
	}
	return netip.Prefix{}, false, 0, false
}

// SuppressSplitHorizon reports whether a summary for pfx must be
// withheld from dst because its best path already runs through dst.
func SuppressSplitHorizon(dst *Area, route *RouteEntry) bool {
	for _, nh := range route.Nexthops {
		if _, ok := dst.Interfaces[nh.IfName]; ok {
			return true
		}
	}
	return false
}
