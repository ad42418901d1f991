package ospf

import (
	"net/netip"
	"slices"
)

// -------------------------------------------------------------------------
// SPF — RFC 2328 Section 16
// -------------------------------------------------------------------------

// VertexID identifies an SPT vertex. Network vertices order before
// router vertices so the algorithm discovers all equal-cost paths.
type VertexID struct {
	// Router distinguishes router vertices from transit networks.
	Router bool
	// ID is the Router-ID, or the DR interface address for networks.
	ID uint32
}

// compareVertexID orders (network, id) before (router, id).
func compareVertexID(a, b VertexID) int {
	switch {
	case !a.Router && b.Router:
		return -1
	case a.Router && !b.Router:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// SpfNexthop is one forwarding leg computed by SPF.
type SpfNexthop struct {
	IfName string
	// Addr is the neighbor address; unset for directly attached
	// networks.
	Addr netip.Addr
}

// Vertex is one SPT node.
type Vertex struct {
	ID       VertexID
	Lsa      *Lsa
	Distance uint16
	Hops     uint16
	Nexthops []SpfNexthop
}

// PathType classifies computed routes in preference order.
type PathType uint8

const (
	PathIntraArea PathType = iota
	PathInterArea
	PathExternal1
	PathExternal2
)

// RouteEntry is one prefix computed by the route calculation.
type RouteEntry struct {
	Prefix   netip.Prefix
	Metric   uint32
	Type     PathType
	Tag      uint32
	Nexthops []SpfNexthop
}

// SpfResult is the outcome of one computation.
type SpfResult struct {
	Tree   map[VertexID]*Vertex
	Routes map[netip.Prefix]*RouteEntry
}

// SpfTrigger describes the LSA change that scheduled the computation.
type SpfTrigger struct {
	Key LsaKey
}

// SpfComputationType selects full versus partial recomputation:
// topology-changing LSAs (router, network) force a full run; leaf
// changes (summary, external) restrict the work to affected prefixes.
func SpfComputationType(triggers []SpfTrigger) bool {
	for _, tr := range triggers {
		if tr.Key.Type == LsaTypeRouter || tr.Key.Type == LsaTypeNetwork {
			return true
		}
	}
	return false
}

// candidateList is the SPF candidate list keyed by (distance, vertex-id).
type candidateList struct {
	items []*Vertex
}

func (c *candidateList) push(v *Vertex) {
	idx, _ := slices.BinarySearchFunc(c.items, v, func(a, b *Vertex) int {
		if a.Distance != b.Distance {
			return int(a.Distance) - int(b.Distance)
		}
		return compareVertexID(a.ID, b.ID)
	})
	c.items = slices.Insert(c.items, idx, v)
}

func (c *candidateList) pop() *Vertex {
	if len(c.items) == 0 {
		return nil
	}
	v := c.items[0]
	c.items = c.items[1:]
	return v
}

func (c *candidateList) find(id VertexID) *Vertex {
	for _, v := range c.items {
		if v.ID == id {
			return v
		}
	}
	return nil
}

func (c *candidateList) remove(id VertexID) {
	for i, v := range c.items {
		if v.ID == id {
			c.items = slices.Delete(c.items, i, i+1)
			return
		}
	}
}

// spfLink is one edge out of a vertex.
type spfLink struct {
	destID VertexID
	cost   uint16
	// parentLink is the router link that produced the edge, nil for
	// network vertices.
	parentLink *RouterLink
}

// RunSpf computes the SPT and the full route set for one area
// (RFC 2328 Section 16.1), then layers intra-area stub prefixes,
// inter-area summaries, and AS-external prefixes on top.
func RunSpf(db *Lsdb, routerID uint32, interfaces map[string]*Interface) *SpfResult {
	result := &SpfResult{
		Tree:   make(map[VertexID]*Vertex),
		Routes: make(map[netip.Prefix]*RouteEntry),
	}

	rootID := VertexID{Router: true, ID: routerID}
	rootLsa, ok := db.Get(LsaKey{Type: LsaTypeRouter, LsaID: routerID, AdvRtr: routerID})
	if !ok {
		return result
	}
	root := &Vertex{ID: rootID, Lsa: rootLsa.Lsa}

	var candidates candidateList
	candidates.push(root)

	for {
		v := candidates.pop()
		if v == nil {
			break
		}
		result.Tree[v.ID] = v

		for _, link := range vertexLinks(db, v) {
			if _, done := result.Tree[link.destID]; done {
				continue
			}
			destLsa := vertexLsa(db, link.destID)
			if destLsa == nil || !backLink(db, link.destID, v.ID) {
				continue
			}
			dist := v.Distance + link.cost

			cur := candidates.find(link.destID)
			if cur != nil && cur.Distance < dist {
				continue
			}
			if cur != nil && cur.Distance == dist {
				// Equal-cost path: merge nexthops.
				cur.Nexthops = append(cur.Nexthops,
					calcNexthops(root, v, link, cur, interfaces)...)
				continue
			}
			if cur != nil {
				candidates.remove(link.destID)
			}
			next := &Vertex{
				ID:       link.destID,
				Lsa:      destLsa,
				Distance: dist,
				Hops:     v.Hops + 1,
			}
			next.Nexthops = calcNexthops(root, v, link, next, interfaces)
			candidates.push(next)
		}
	}

	calcIntraAreaRoutes(db, result)
	calcInterAreaRoutes(db, result, routerID)
	calcExternalRoutes(db, result, routerID)
	return result
}

// vertexLinks enumerates the edges of a vertex.
func vertexLinks(db *Lsdb, v *Vertex) []spfLink {
	var links []spfLink
	if v.ID.Router {
		rtr, err := DecodeRouterLsa(v.Lsa.Body)
		if err != nil {
			return nil
		}
		for idx := range rtr.Links {
			link := &rtr.Links[idx]
			switch link.Type {
			case LinkTypePointToPoint, LinkTypeVirtual:
				links = append(links, spfLink{
					destID:     VertexID{Router: true, ID: link.ID},
					cost:       link.Metric,
					parentLink: link,
				})
			case LinkTypeTransit:
				links = append(links, spfLink{
					destID:     VertexID{Router: false, ID: link.ID},
					cost:       link.Metric,
					parentLink: link,
				})
			}
		}
		return links
	}

	net, err := DecodeNetworkLsa(v.Lsa.Body)
	if err != nil {
		return nil
	}
	for _, attached := range net.AttachedRouters {
		// Network-to-router edges cost nothing.
		links = append(links, spfLink{destID: VertexID{Router: true, ID: attached}})
	}
	return links
}

// vertexLsa fetches the LSA backing a vertex id.
func vertexLsa(db *Lsdb, id VertexID) *Lsa {
	if id.Router {
		if entry, ok := db.Get(LsaKey{Type: LsaTypeRouter, LsaID: id.ID, AdvRtr: id.ID}); ok {
			return entry.Lsa
		}
		return nil
	}
	var found *Lsa
	db.Iter(func(entry *LsaEntry) bool {
		if entry.Lsa.Hdr.Type == LsaTypeNetwork && entry.Lsa.Hdr.LsaID == id.ID {
			found = entry.Lsa
			return false
		}
		return true
	})
	return found
}

// backLink verifies the destination lists a link back to the parent
// (RFC 2328 Section 16.1 (2)(b)).
func backLink(db *Lsdb, destID, parentID VertexID) bool {
	lsa := vertexLsa(db, destID)
	if lsa == nil {
		return false
	}
	if destID.Router {
		rtr, err := DecodeRouterLsa(lsa.Body)
		if err != nil {
			return false
		}
		for _, link := range rtr.Links {
			switch link.Type {
			case LinkTypePointToPoint, LinkTypeVirtual:
				if parentID.Router && link.ID == parentID.ID {
					return true
				}
			case LinkTypeTransit:
				if !parentID.Router && link.ID == parentID.ID {
					return true
				}
			}
		}
		return false
	}
	net, err := DecodeNetworkLsa(lsa.Body)
	if err != nil {
		return false
	}
	return parentID.Router && slices.Contains(net.AttachedRouters, parentID.ID)
}

// calcNexthops derives the nexthop set for a newly labelled vertex
// (RFC 2328 Section 16.1.1): direct link from the root, inheritance
// through a transit network, or the parent's nexthops further out.
func calcNexthops(root, parent *Vertex, link spfLink, dest *Vertex,
	interfaces map[string]*Interface) []SpfNexthop {
	switch {
	case parent == root:
		// Directly connected: the outgoing interface comes from the
		// link data (our interface address on that link).
		if link.parentLink != nil {
			if ifName := ifaceByAddr(interfaces, link.parentLink.Data); ifName != "" {
				return []SpfNexthop{{IfName: ifName}}
			}
		}
		return nil
	case !parent.ID.Router && parent.Hops == 1:
		// Parent is a transit network directly attached to the root:
		// inherit the interface and resolve the neighbor address from
		// the destination's back-link onto that network.
		nexthops := make([]SpfNexthop, 0, len(parent.Nexthops))
		for _, pnh := range parent.Nexthops {
			nh := pnh
			if addr := destAddrOnNetwork(dest, parent.ID.ID); addr.IsValid() {
				nh.Addr = addr
			}
			nexthops = append(nexthops, nh)
		}
		return nexthops
	default:
		return slices.Clone(parent.Nexthops)
	}
}

// destAddrOnNetwork finds the destination router's own address on the
// transit network identified by the DR address.
func destAddrOnNetwork(dest *Vertex, drAddr uint32) netip.Addr {
	if !dest.ID.Router {
		return netip.Addr{}
	}
	rtr, err := DecodeRouterLsa(dest.Lsa.Body)
	if err != nil {
		return netip.Addr{}
	}
	for _, link := range rtr.Links {
		if link.Type == LinkTypeTransit && link.ID == drAddr {
			return u32ToAddr(link.Data)
		}
	}
	return netip.Addr{}
}

func ifaceByAddr(interfaces map[string]*Interface, addr uint32) string {
	want := u32ToAddr(addr)
	for name, iface := range interfaces {
		if iface.Addr.IsValid() && iface.Addr.Addr() == want {
			return name
		}
	}
	return ""
}

// mergeRoute installs or improves a computed route; equal metrics merge
// nexthop sets, path-type preference decides between classes.
func mergeRoute(routes map[netip.Prefix]*RouteEntry, entry *RouteEntry) {
	cur, ok := routes[entry.Prefix]
	if !ok || entry.Type < cur.Type ||
		(entry.Type == cur.Type && entry.Metric < cur.Metric) {
		routes[entry.Prefix] = entry
		return
	}
	if entry.Type == cur.Type && entry.Metric == cur.Metric {
		cur.Nexthops = append(cur.Nexthops, entry.Nexthops...)
	}
}

// calcIntraAreaRoutes layers stub links and transit networks onto the
// SPT (RFC 2328 Section 16.1 step 5 and 16.1.1).
func calcIntraAreaRoutes(db *Lsdb, result *SpfResult) {
	for _, v := range result.Tree {
		if v.ID.Router {
			rtr, err := DecodeRouterLsa(v.Lsa.Body)
			if err != nil {
				continue
			}
			for _, link := range rtr.Links {
				if link.Type != LinkTypeStub {
					continue
				}
				pfx := maskedPrefix(link.ID, link.Data)
				mergeRoute(result.Routes, &RouteEntry{
					Prefix:   pfx,
					Metric:   uint32(v.Distance) + uint32(link.Metric),
					Type:     PathIntraArea,
					Nexthops: slices.Clone(v.Nexthops),
				})
			}
			continue
		}
		net, err := DecodeNetworkLsa(v.Lsa.Body)
		if err != nil {
			continue
		}
		pfx := maskedPrefix(v.ID.ID, net.Mask)
		mergeRoute(result.Routes, &RouteEntry{
			Prefix:   pfx,
			Metric:   uint32(v.Distance),
			Type:     PathIntraArea,
			Nexthops: slices.Clone(v.Nexthops),
		})
	}
}

// calcInterAreaRoutes layers Type-3 summaries reachable through an ABR
// on the SPT (RFC 2328 Section 16.2).
func calcInterAreaRoutes(db *Lsdb, result *SpfResult, routerID uint32) {
	db.Iter(func(entry *LsaEntry) bool {
		lsa := entry.Lsa
		if lsa.Hdr.Type != LsaTypeSummaryNet || lsa.Hdr.AdvRtr == routerID {
			return true
		}
		sum, err := DecodeSummaryLsa(lsa.Body)
		if err != nil || sum.Metric >= LSInfinity {
			return true
		}
		abr, ok := result.Tree[VertexID{Router: true, ID: lsa.Hdr.AdvRtr}]
		if !ok {
			return true
		}
		mergeRoute(result.Routes, &RouteEntry{
			Prefix:   maskedPrefix(lsa.Hdr.LsaID, sum.Mask),
			Metric:   uint32(abr.Distance) + sum.Metric,
			Type:     PathInterArea,
			Nexthops: slices.Clone(abr.Nexthops),
		})
		return true
	})
}

// calcExternalRoutes layers Type-5 externals through their ASBR
// (RFC 2328 Section 16.4, forwarding address unset case).
func calcExternalRoutes(db *Lsdb, result *SpfResult, routerID uint32) {
	db.Iter(func(entry *LsaEntry) bool {
		lsa := entry.Lsa
		if lsa.Hdr.Type != LsaTypeASExternal || lsa.Hdr.AdvRtr == routerID {
			return true
		}
		ext, err := DecodeASExternalLsa(lsa.Body)
		if err != nil || ext.Metric >= LSInfinity {
			return true
		}
		asbr, ok := result.Tree[VertexID{Router: true, ID: lsa.Hdr.AdvRtr}]
		if !ok {
			return true
		}
		entryType := PathExternal1
		metric := uint32(asbr.Distance) + ext.Metric
		if ext.EBit {
			// Type-2 externals compare on the external metric alone.
			entryType = PathExternal2
			metric = ext.Metric
		}
		mergeRoute(result.Routes, &RouteEntry{
			Prefix:   maskedPrefix(lsa.Hdr.LsaID, ext.Mask),
			Metric:   metric,
			Type:     entryType,
			Tag:      ext.Tag,
			Nexthops: slices.Clone(asbr.Nexthops),
		})
		return true
	})
}

func maskedPrefix(addr, mask uint32) netip.Prefix {
	bits := 0
	for m := mask; m&0x80000000 != 0; m <<= 1 {
		bits++
	}
	return netip.PrefixFrom(u32ToAddr(addr&mask), bits)
}
