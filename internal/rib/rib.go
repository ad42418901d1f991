// Package rib implements the central routing information base.
//
// Every protocol instance publishes its routes here; the RIB arbitrates
// per prefix by lowest administrative distance, programs the winning route
// towards the forwarding plane over the ibus, feeds redistribution
// subscribers, and re-evaluates nexthop-tracking registrations after each
// drain of the pending-update queue.
package rib

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/gaissmai/bart"

	"github.com/dantte-lp/gorouted/internal/ibus"
)

// RouteFlags mark the lifecycle of a route inside a destination entry.
type RouteFlags uint8

const (
	// FlagActive marks the route currently selected for the prefix.
	FlagActive RouteFlags = 1 << iota
	// FlagRemoved marks a route withdrawn by its protocol but not yet
	// collapsed by the pending-update drain.
	FlagRemoved
)

// Route is one protocol's offer for a prefix.
type Route struct {
	Protocol    ibus.Protocol
	Distance    uint32
	Metric      uint32
	Tag         uint32
	Nexthops    []ibus.Nexthop
	Flags       RouteFlags
	LastUpdated time.Time
}

// destination holds all competing routes for one prefix, ordered by
// ascending administrative distance.
type destination struct {
	routes []*Route
}

func (d *destination) find(distance uint32) (int, bool) {
	return slices.BinarySearchFunc(d.routes, distance, func(r *Route, dist uint32) int {
		switch {
		case r.Distance < dist:
			return -1
		case r.Distance > dist:
			return 1
		default:
			return 0
		}
	})
}

// nhtEntry is one registered nexthop-tracking address and its last
// reported resolution. notifyPending marks an update that could not be
// delivered without blocking; the next drain retries it.
type nhtEntry struct {
	refcount      int
	metric        *uint32
	notifyPending bool
}

// RIB is the central routing table. It is owned by a single goroutine
// (Run); all mutation happens on receipt of ibus messages.
type RIB struct {
	logger *slog.Logger
	bus    *ibus.Bus

	// One LPM table per address family; bart keys both families but
	// separate tables keep per-AF iteration cheap.
	table4 bart.Table[*destination]
	table6 bart.Table[*destination]

	mpls          map[ibus.Label]*labelRoute
	nht           map[netip.Addr]*nhtEntry
	updateQueue   map[netip.Prefix]struct{}
	labelQueue    map[ibus.Label]struct{}
	redistributes map[ibus.Protocol]map[ibus.Protocol]struct{}

	now func() time.Time
}

// New creates an empty RIB publishing on bus.
func New(logger *slog.Logger, bus *ibus.Bus) *RIB {
	if logger == nil {
		logger = slog.Default()
	}
	return &RIB{
		logger:        logger.With("component", "rib"),
		bus:           bus,
		mpls:          make(map[ibus.Label]*labelRoute),
		nht:           make(map[netip.Addr]*nhtEntry),
		updateQueue:   make(map[netip.Prefix]struct{}),
		labelQueue:    make(map[ibus.Label]struct{}),
		redistributes: make(map[ibus.Protocol]map[ibus.Protocol]struct{}),
		now:           time.Now,
	}
}

func (r *RIB) tableFor(pfx netip.Prefix) *bart.Table[*destination] {
	if pfx.Addr().Is4() {
		return &r.table4
	}
	return &r.table6
}

// Add inserts or replaces the (prefix, distance) route and queues the
// prefix for the next drain.
func (r *RIB) Add(msg ibus.RouteMsg) {
	pfx := msg.Prefix.Masked()
	table := r.tableFor(pfx)

	dest, ok := table.Get(pfx)
	if !ok {
		dest = &destination{}
		table.Insert(pfx, dest)
	}

	route := &Route{
		Protocol:    msg.Protocol,
		Distance:    msg.Distance,
		Metric:      msg.Metric,
		Tag:         msg.Tag,
		Nexthops:    msg.Nexthops,
		LastUpdated: r.now(),
	}
	if i, found := dest.find(msg.Distance); found {
		dest.routes[i] = route
	} else {
		dest.routes = slices.Insert(dest.routes, i, route)
	}
	r.updateQueue[pfx] = struct{}{}
}

// Remove flags the (prefix, distance) route for removal. The entry stays
// in place until the drain collapses it so in-flight lookups keep a
// consistent view.
func (r *RIB) Remove(msg ibus.RouteKeyMsg, distance uint32) {
	pfx := msg.Prefix.Masked()
	dest, ok := r.tableFor(pfx).Get(pfx)
	if !ok {
		return
	}
	i, found := dest.find(distance)
	if !found || dest.routes[i].Protocol != msg.Protocol {
		return
	}
	dest.routes[i].Flags |= FlagRemoved
	r.updateQueue[pfx] = struct{}{}
}

// RemoveByProtocol flags every route of the protocol under the prefix.
func (r *RIB) RemoveByProtocol(proto ibus.Protocol, pfx netip.Prefix) {
	pfx = pfx.Masked()
	dest, ok := r.tableFor(pfx).Get(pfx)
	if !ok {
		return
	}
	queued := false
	for _, route := range dest.routes {
		if route.Protocol == proto {
			route.Flags |= FlagRemoved
			queued = true
		}
	}
	if queued {
		r.updateQueue[pfx] = struct{}{}
	}
}

// Lookup returns the active route covering addr by longest-prefix match.
func (r *RIB) Lookup(addr netip.Addr) (netip.Prefix, *Route, bool) {
	table := &r.table4
	if addr.Is6() {
		table = &r.table6
	}
	pfx, dest, ok := table.LookupPrefixLPM(netip.PrefixFrom(addr, addr.BitLen()))
	if !ok {
		return netip.Prefix{}, nil, false
	}
	for _, route := range dest.routes {
		if route.Flags&FlagActive != 0 {
			return pfx, route, true
		}
	}
	return netip.Prefix{}, nil, false
}

// Get returns the active route for an exact prefix.
func (r *RIB) Get(pfx netip.Prefix) (*Route, bool) {
	dest, ok := r.tableFor(pfx.Masked()).Get(pfx.Masked())
	if !ok {
		return nil, false
	}
	for _, route := range dest.routes {
		if route.Flags&FlagActive != 0 {
			return route, true
		}
	}
	return nil, false
}

// Subscribe registers proto as a redistribution subscriber of source.
func (r *RIB) Subscribe(msg ibus.RedistributeRequestMsg) {
	subs := r.redistributes[msg.Source]
	if msg.Unsub {
		delete(subs, msg.Subscriber)
		return
	}
	if subs == nil {
		subs = make(map[ibus.Protocol]struct{})
		r.redistributes[msg.Source] = subs
	}
	subs[msg.Subscriber] = struct{}{}

	// Replay current active routes of the source so a late subscriber
	// converges without waiting for churn.
	for _, table := range []*bart.Table[*destination]{&r.table4, &r.table6} {
		for pfx, dest := range table.All() {
			for _, route := range dest.routes {
				if route.Flags&FlagActive != 0 && route.Protocol == msg.Source {
					r.publishRedistribute(pfx, route, false)
				}
			}
		}
	}
}

// TrackNexthop registers or releases nexthop tracking for addr and
// reports the current resolution immediately on registration.
func (r *RIB) TrackNexthop(msg ibus.NexthopTrackMsg) {
	entry := r.nht[msg.Addr]
	if msg.Release {
		if entry == nil {
			return
		}
		entry.refcount--
		if entry.refcount <= 0 {
			delete(r.nht, msg.Addr)
		}
		return
	}
	if entry == nil {
		entry = &nhtEntry{}
		r.nht[msg.Addr] = entry
		entry.metric = r.resolveMetric(msg.Addr)
	}
	entry.refcount++
	r.notifyNexthop(msg.Addr, entry)
}

// notifyNexthop delivers one tracking update without blocking. The
// subscriber may itself be blocked publishing towards the RIB, so a
// blocking send here could deadlock the two loops; a full channel marks
// the entry pending and the periodic drain retries.
func (r *RIB) notifyNexthop(addr netip.Addr, entry *nhtEntry) {
	sent := r.bus.TryPublish(ibus.NexthopUpdateMsg{
		Addr: addr, Metric: entry.metric, When: r.now()})
	entry.notifyPending = !sent
}

func (r *RIB) resolveMetric(addr netip.Addr) *uint32 {
	if _, route, ok := r.Lookup(addr); ok {
		m := route.Metric
		return &m
	}
	return nil
}

// ProcessUpdateQueue runs one drain pass over every queued prefix and
// label, then re-evaluates nexthop tracking. After the drain exactly one
// route per surviving prefix carries FlagActive.
func (r *RIB) ProcessUpdateQueue() {
	for pfx := range r.updateQueue {
		r.drainPrefix(pfx)
	}
	clear(r.updateQueue)

	for label := range r.labelQueue {
		r.drainLabel(label)
	}
	clear(r.labelQueue)

	r.reevaluateNexthops()
}

func (r *RIB) drainPrefix(pfx netip.Prefix) {
	table := r.tableFor(pfx)
	dest, ok := table.Get(pfx)
	if !ok {
		return
	}

	var oldBest *Route
	for _, route := range dest.routes {
		if route.Flags&FlagActive != 0 {
			oldBest = route
			break
		}
	}

	// Step 1: collapse withdrawn entries.
	kept := dest.routes[:0]
	for _, route := range dest.routes {
		if route.Flags&FlagRemoved != 0 {
			if route.Flags&FlagActive != 0 {
				r.publishRedistribute(pfx, route, true)
			}
			continue
		}
		kept = append(kept, route)
	}
	dest.routes = kept

	// Step 5: empty destination withdraws from the FIB and disappears.
	if len(dest.routes) == 0 {
		table.Delete(pfx)
		if oldBest != nil {
			r.publishFIB(pfx, oldBest, false)
		}
		return
	}

	// Step 2: lowest distance wins; everything else loses the flag.
	best := dest.routes[0]
	changed := best != oldBest
	for i, route := range dest.routes {
		if i == 0 {
			route.Flags |= FlagActive
		} else {
			if route.Flags&FlagActive != 0 {
				changed = true
			}
			route.Flags &^= FlagActive
		}
	}

	// Steps 3-4: program the winner and feed redistribution. Directly
	// connected routes are already in the kernel.
	if changed {
		if oldBest != nil && oldBest != best {
			r.publishRedistribute(pfx, oldBest, true)
		}
		r.publishFIB(pfx, best, true)
		r.publishRedistribute(pfx, best, false)
	}
}

func (r *RIB) publishFIB(pfx netip.Prefix, route *Route, install bool) {
	if route.Protocol == ibus.ProtocolDirect {
		return
	}
	r.bus.Publish(ibus.FIBRouteMsg{
		Install:  install,
		Protocol: route.Protocol,
		Prefix:   pfx,
		Metric:   route.Metric,
		Nexthops: r.resolveNexthops(route.Nexthops),
	})
}

func (r *RIB) publishRedistribute(pfx netip.Prefix, route *Route, withdraw bool) {
	if len(r.redistributes[route.Protocol]) == 0 {
		return
	}
	r.bus.Publish(ibus.RedistributeMsg{
		Source:   route.Protocol,
		Prefix:   pfx,
		Metric:   route.Metric,
		Tag:      route.Tag,
		Nexthops: route.Nexthops,
		Withdraw: withdraw,
	})
}

// resolveNexthops expands recursive nexthops one level: a recursive
// nexthop inherits the nexthop set of the route covering its gateway.
// Deeper recursion is not re-expanded.
func (r *RIB) resolveNexthops(nexthops []ibus.Nexthop) []ibus.Nexthop {
	out := make([]ibus.Nexthop, 0, len(nexthops))
	for _, nh := range nexthops {
		if !nh.Recursive {
			out = append(out, nh)
			continue
		}
		_, covering, ok := r.Lookup(nh.Addr)
		if !ok {
			continue
		}
		for _, resolved := range covering.Nexthops {
			if resolved.Recursive {
				continue
			}
			merged := resolved
			if len(nh.Labels) > 0 {
				merged.Labels = append(slices.Clone(nh.Labels), resolved.Labels...)
			}
			out = append(out, merged)
		}
	}
	return out
}

func (r *RIB) reevaluateNexthops() {
	for addr, entry := range r.nht {
		metric := r.resolveMetric(addr)
		if equalMetric(metric, entry.metric) && !entry.notifyPending {
			continue
		}
		entry.metric = metric
		r.notifyNexthop(addr, entry)
	}
}

func equalMetric(a, b *uint32) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
