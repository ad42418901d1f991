package isis

import (
	"net/netip"
	"slices"
)

// -------------------------------------------------------------------------
// SPF — ISO 10589 Annex C / RFC 1195
// -------------------------------------------------------------------------

// Vertex is one SPT node, identified by LAN ID (pseudonode vertices
// stand for LANs).
type Vertex struct {
	ID       LanID
	Distance uint32
	Nexthops []SystemID
}

// RouteEntry is one computed prefix.
type RouteEntry struct {
	Prefix   netip.Prefix
	Metric   uint32
	Level    Level
	Nexthops []SystemID
}

// SpfResult is the outcome of one computation.
type SpfResult struct {
	Tree   map[LanID]*Vertex
	Routes map[netip.Prefix]*RouteEntry
}

// isReach merges wide and narrow IS reachability; wide wins when both
// are present (the metric type in use permits both, RFC 1195 + RFC 5305).
func isReach(lsp *Lsp) []IsReach {
	if len(lsp.ExtIsReach) > 0 {
		return lsp.ExtIsReach
	}
	return lsp.IsReach
}

func ipReach(lsp *Lsp) []IpReach {
	if len(lsp.ExtIpReach) > 0 {
		return lsp.ExtIpReach
	}
	return lsp.IpReach
}

// RunSpf computes the SPT for one level's database rooted at sysID and
// layers the IP reachability of every reached system on top.
func RunSpf(db *Lsdb, sysID SystemID, level Level) *SpfResult {
	result := &SpfResult{
		Tree:   make(map[LanID]*Vertex),
		Routes: make(map[netip.Prefix]*RouteEntry),
	}

	rootID := LanID{SysID: sysID}
	if lsp0 := fragment0(db, rootID); lsp0 == nil {
		return result
	}

	// Candidate list keyed by (distance, id); pseudonode (LAN)
	// vertices order before routers at equal distance so all
	// equal-cost paths are found.
	var candidates []*Vertex
	push := func(v *Vertex) {
		idx, _ := slices.BinarySearchFunc(candidates, v, func(a, b *Vertex) int {
			if a.Distance != b.Distance {
				return int(a.Distance) - int(b.Distance)
			}
			ap, bp := a.ID.Pseudonode != 0, b.ID.Pseudonode != 0
			if ap != bp {
				if ap {
					return -1
				}
				return 1
			}
			return compareLanID(a.ID, b.ID)
		})
		candidates = slices.Insert(candidates, idx, v)
	}
	push(&Vertex{ID: rootID})

	for len(candidates) > 0 {
		v := candidates[0]
		candidates = candidates[1:]
		if _, done := result.Tree[v.ID]; done {
			continue
		}
		result.Tree[v.ID] = v

		lsp := fragment0(db, v.ID)
		if lsp == nil {
			continue
		}
		for _, reach := range isReach(lsp) {
			if _, done := result.Tree[reach.Neighbor]; done {
				continue
			}
			if !backLink(db, reach.Neighbor, v.ID) {
				continue
			}
			dist := v.Distance + reach.Metric
			next := &Vertex{ID: reach.Neighbor, Distance: dist}
			next.Nexthops = inheritNexthops(v, reach.Neighbor, rootID)
			// Duplicate-distance merges happen on pop via the Tree
			// check; equal-cost paths merge here.
			if cur := findCandidate(candidates, reach.Neighbor); cur != nil {
				if cur.Distance == dist {
					cur.Nexthops = append(cur.Nexthops, next.Nexthops...)
					continue
				}
				if cur.Distance < dist {
					continue
				}
				candidates = removeCandidate(candidates, reach.Neighbor)
			}
			push(next)
		}
	}

	// Layer IP reachability of every reached system.
	for id, v := range result.Tree {
		if id.Pseudonode != 0 {
			continue
		}
		lsp := fragment0(db, id)
		if lsp == nil {
			continue
		}
		for _, reach := range ipReach(lsp) {
			metric := v.Distance + reach.Metric
			cur, ok := result.Routes[reach.Prefix]
			if !ok || metric < cur.Metric {
				result.Routes[reach.Prefix] = &RouteEntry{
					Prefix:   reach.Prefix,
					Metric:   metric,
					Level:    level,
					Nexthops: slices.Clone(v.Nexthops),
				}
			} else if metric == cur.Metric {
				cur.Nexthops = append(cur.Nexthops, v.Nexthops...)
			}
		}
	}
	return result
}

func compareLanID(a, b LanID) int {
	for i := 0; i < 6; i++ {
		if a.SysID[i] != b.SysID[i] {
			return int(a.SysID[i]) - int(b.SysID[i])
		}
	}
	return int(a.Pseudonode) - int(b.Pseudonode)
}

func findCandidate(candidates []*Vertex, id LanID) *Vertex {
	for _, v := range candidates {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func removeCandidate(candidates []*Vertex, id LanID) []*Vertex {
	for i, v := range candidates {
		if v.ID == id {
			return slices.Delete(candidates, i, i+1)
		}
	}
	return candidates
}

// fragment0 fetches the zeroth fragment of a system's LSP.
func fragment0(db *Lsdb, id LanID) *Lsp {
	entry, ok := db.Get(LspID{SysID: id.SysID, Pseudonode: id.Pseudonode})
	if !ok || entry.Flags&LspFlagPurged != 0 || entry.RemainingLifetime(db.now()) == 0 {
		return nil
	}
	return entry.Lsp
}

// backLink verifies two-way connectivity (ISO 10589 C.2.5).
func backLink(db *Lsdb, from, to LanID) bool {
	lsp := fragment0(db, from)
	if lsp == nil {
		return false
	}
	for _, reach := range isReach(lsp) {
		if reach.Neighbor == to {
			return true
		}
	}
	return false
}

// inheritNexthops propagates the first-hop system: a vertex adjacent to
// the root becomes its own nexthop, everything farther inherits.
func inheritNexthops(parent *Vertex, dest, root LanID) []SystemID {
	if parent.ID == root {
		return []SystemID{dest.SysID}
	}
	if len(parent.Nexthops) == 0 && parent.ID.Pseudonode != 0 {
		// First hop through a directly attached LAN.
		return []SystemID{dest.SysID}
	}
	return slices.Clone(parent.Nexthops)
}
