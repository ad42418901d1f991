package bgp

import (
	"context"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
)

// InstanceConfig is the instance-wide BGP configuration.
type InstanceConfig struct {
	LocalAS   uint32
	RouterID  uint32
	ClusterID uint32
	Distance  uint32
	Selection SelectionConfig
	Multipath MultipathConfig
	Neighbors []NeighborConfig
}

// Instance is one BGP process. The main loop owns every mutable field;
// sockets, timers, and the policy pool communicate through channels.
type Instance struct {
	logger *slog.Logger
	config InstanceConfig
	bus    *ibus.Bus

	rib       *Rib
	neighbors map[netip.Addr]*Neighbor
	pool      *PolicyPool

	importPolicy PolicyFunc
	exportPolicy PolicyFunc

	// events carries neighbor FSM events from timer tasks.
	events chan neighborEvent
}

type neighborEvent struct {
	addr netip.Addr
	ev   NeighborEvent
	msg  Message
}

// NewInstance creates a BGP instance.
func NewInstance(logger *slog.Logger, cfg InstanceConfig, bus *ibus.Bus) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Distance == 0 {
		cfg.Distance = ibus.ProtocolBGP.DefaultDistance()
	}
	return &Instance{
		logger:       logger.With("protocol", "bgp"),
		config:       cfg,
		bus:          bus,
		rib:          NewRib(),
		neighbors:    make(map[netip.Addr]*Neighbor),
		importPolicy: AcceptAll,
		exportPolicy: AcceptAll,
		events:       make(chan neighborEvent, ibus.DefaultQueueDepth),
	}
}

// Rib exposes the instance RIB to northbound accessors.
func (i *Instance) Rib() *Rib { return i.rib }

// Neighbor returns the neighbor for addr.
func (i *Instance) Neighbor(addr netip.Addr) (*Neighbor, bool) {
	n, ok := i.neighbors[addr]
	return n, ok
}

// SetPolicies installs the import/export policy chains.
func (i *Instance) SetPolicies(imp, exp PolicyFunc) {
	if imp != nil {
		i.importPolicy = imp
	}
	if exp != nil {
		i.exportPolicy = exp
	}
}

// Run is the instance main loop.
func (i *Instance) Run(ctx context.Context) error {
	i.pool = NewPolicyPool(ctx, 2)
	defer i.pool.Wait()

	sub := i.bus.Subscribe(ibus.NexthopUpdateMsg{})
	defer sub.Close()

	for addr, cfg := range i.neighborConfigs() {
		n := i.buildNeighbor(cfg)
		i.neighbors[addr] = n
		n.HandleEvent(EvStart, nil)
	}

	for {
		select {
		case <-ctx.Done():
			for _, n := range i.neighbors {
				n.Stop()
			}
			return ctx.Err()
		case ev := <-i.events:
			if n, ok := i.neighbors[ev.addr]; ok {
				n.HandleEvent(ev.ev, ev.msg)
			}
		case res := <-i.pool.Results():
			i.mergePolicyResult(res)
			i.runDecisionProcess()
		case msg := <-sub.C():
			if nht, ok := msg.(ibus.NexthopUpdateMsg); ok {
				i.handleNexthopUpdate(nht)
				i.runDecisionProcess()
			}
		}
	}
}

func (i *Instance) neighborConfigs() map[netip.Addr]NeighborConfig {
	out := make(map[netip.Addr]NeighborConfig, len(i.config.Neighbors))
	for _, cfg := range i.config.Neighbors {
		cfg.LocalAS = i.config.LocalAS
		out[cfg.RemoteAddr] = cfg
	}
	return out
}

func (i *Instance) buildNeighbor(cfg NeighborConfig) *Neighbor {
	addr := cfg.RemoteAddr
	fire := func(ev NeighborEvent) {
		select {
		case i.events <- neighborEvent{addr: addr, ev: ev}:
		default:
		}
	}
	hooks := NeighborHooks{
		Connect:          func() {},
		CloseConn:        func() {},
		SendOpen:         func() {},
		SendKeepalive:    func() {},
		SendNotification: func(code, subcode uint8) {},
		SessionUp:        func() {},
		SessionDown:      func() { i.withdrawNeighborRoutes(addr) },
	}
	return NewNeighbor(i.logger, cfg, hooks, fire)
}

// SetNeighborHooks lets the transport wiring replace the connection
// side effects while preserving the route-withdrawal behavior.
func (i *Instance) SetNeighborHooks(addr netip.Addr, hooks NeighborHooks) {
	n, ok := i.neighbors[addr]
	if !ok {
		return
	}
	down := hooks.SessionDown
	hooks.SessionDown = func() {
		i.withdrawNeighborRoutes(addr)
		if down != nil {
			down()
		}
	}
	n.hooks = hooks
}

// -------------------------------------------------------------------------
// UPDATE processing — RFC 4271 Section 9, RFC 7606
// -------------------------------------------------------------------------

// HandleUpdate digests one UPDATE from an established neighbor: the
// withdrawn prefixes clear Adj-RIB-In, the announced prefixes enter
// Adj-RIB-In-pre and are queued for import policy. A treat-as-withdraw
// decode outcome withdraws the carried NLRI instead (RFC 7606).
func (i *Instance) HandleUpdate(ctx context.Context, from netip.Addr, msg *UpdateMsg, decodeErr error) {
	n, ok := i.neighbors[from]
	if !ok || n.State != StateEstablished {
		return
	}
	n.Stats.UpdateMsgsRcvd++

	withdrawn := msg.Withdrawn
	announced := msg.NLRI
	var attrs *Attrs
	if msg.Attrs != nil {
		attrs = msg.Attrs
		if attrs.MPUnreach != nil {
			withdrawn = append(withdrawn, attrs.MPUnreach.Prefixes...)
		}
		if attrs.MPReach != nil {
			announced = append(announced, attrs.MPReach.Prefixes...)
		}
	}
	if decodeErr != nil {
		// Treat-as-withdraw: everything the message announced is
		// withdrawn instead.
		n.Stats.DecodeErrors++
		withdrawn = append(withdrawn, announced...)
		announced = nil
	}

	for _, pfx := range withdrawn {
		i.withdrawPrefix(from, pfx)
	}

	if len(announced) == 0 {
		i.runDecisionProcess()
		return
	}

	for _, pfx := range announced {
		table := i.rib.Table(pfx)
		ar := table.AdjRibFor(pfx, from)
		if ar.InPre != nil {
			i.rib.AttrStore.Release(ar.InPre.Attrs)
		}
		ar.InPre = &Route{
			Origin:       RouteOrigin{Identifier: n.Identifier, RemoteAddr: from},
			Attrs:        i.rib.AttrStore.Intern(attrs.Clone()),
			RouteType:    n.PeerType,
			LastModified: time.Now(),
		}
		i.pool.Enqueue(ctx, PolicyApplyMsg{
			Direction: PolicyImport,
			Neighbor:  from,
			Prefix:    pfx,
			Attrs:     attrs,
			Policy:    i.importPolicy,
		})
	}
}

func (i *Instance) withdrawPrefix(from netip.Addr, pfx netip.Prefix) {
	table := i.rib.Table(pfx)
	dest, ok := table.Prefixes[pfx]
	if !ok {
		return
	}
	ar, ok := dest.AdjRibs[from]
	if !ok {
		return
	}
	i.releaseInbound(table, pfx, ar)
	table.Queue(pfx)
}

func (i *Instance) releaseInbound(table *RoutingTable, pfx netip.Prefix, ar *AdjRib) {
	if ar.InPre != nil {
		i.rib.AttrStore.Release(ar.InPre.Attrs)
		ar.InPre = nil
	}
	if ar.InPost != nil {
		nexthop := routeNexthop(ar.InPost.Attrs.Value)
		if nexthop.IsValid() && table.UntrackNexthop(nexthop, pfx) {
			i.bus.Publish(ibus.NexthopTrackMsg{
				Subscriber: ibus.ProtocolBGP, Addr: nexthop, Release: true})
		}
		i.rib.AttrStore.Release(ar.InPost.Attrs)
		ar.InPost = nil
	}
}

// withdrawNeighborRoutes drops everything learned from a neighbor whose
// session went down.
func (i *Instance) withdrawNeighborRoutes(from netip.Addr) {
	for _, table := range []*RoutingTable{i.rib.IPv4Unicast, i.rib.IPv6Unicast} {
		for pfx, dest := range table.Prefixes {
			if ar, ok := dest.AdjRibs[from]; ok {
				i.releaseInbound(table, pfx, ar)
				ar.OutPre, ar.OutPost = nil, nil
				delete(dest.AdjRibs, from)
				table.Queue(pfx)
			}
		}
	}
	i.runDecisionProcess()
}

// mergePolicyResult lands a policy verdict in the post-policy stage.
func (i *Instance) mergePolicyResult(res PolicyApplyResult) {
	table := i.rib.Table(res.Prefix)
	dest, ok := table.Prefixes[res.Prefix]
	if !ok {
		return
	}
	ar, ok := dest.AdjRibs[res.Neighbor]
	if !ok {
		return
	}

	switch res.Direction {
	case PolicyImport:
		if ar.InPre == nil {
			return
		}
		// Build the replacement before releasing the old entry so a
		// shared nexthop keeps its tracking entry (and metric) alive
		// across the swap.
		var post *Route
		if res.Verdict.Accept {
			r := *ar.InPre
			r.Attrs = i.rib.AttrStore.Intern(res.Verdict.Attrs.Clone())
			i.applyIGPCost(table, res.Prefix, &r)
			post = &r
		}
		if ar.InPost != nil {
			nexthop := routeNexthop(ar.InPost.Attrs.Value)
			if nexthop.IsValid() && table.UntrackNexthop(nexthop, res.Prefix) {
				i.bus.Publish(ibus.NexthopTrackMsg{
					Subscriber: ibus.ProtocolBGP, Addr: nexthop, Release: true})
			}
			i.rib.AttrStore.Release(ar.InPost.Attrs)
		}
		ar.InPost = post
	case PolicyExport:
		if ar.OutPre == nil {
			return
		}
		if ar.OutPost != nil {
			i.rib.AttrStore.Release(ar.OutPost.Attrs)
			ar.OutPost = nil
		}
		if res.Verdict.Accept {
			post := *ar.OutPre
			post.Attrs = i.rib.AttrStore.Intern(res.Verdict.Attrs.Clone())
			ar.OutPost = &post
		}
	}
	table.Queue(res.Prefix)
}

// applyIGPCost resolves the route's nexthop through nexthop tracking and
// records the IGP cost used by the decision process.
func (i *Instance) applyIGPCost(table *RoutingTable, pfx netip.Prefix, route *Route) {
	nexthop := routeNexthop(route.Attrs.Value)
	if !nexthop.IsValid() {
		route.IGPCost = nil
		return
	}
	if table.TrackNexthop(nexthop, pfx) {
		i.bus.Publish(ibus.NexthopTrackMsg{Subscriber: ibus.ProtocolBGP, Addr: nexthop})
	}
	if entry, ok := table.NHT[nexthop]; ok {
		route.IGPCost = entry.Metric
	}
}

func routeNexthop(attrs *Attrs) netip.Addr {
	if attrs.MPReach != nil {
		return attrs.MPReach.Nexthop
	}
	return attrs.Nexthop
}

func (i *Instance) handleNexthopUpdate(msg ibus.NexthopUpdateMsg) {
	for _, table := range []*RoutingTable{i.rib.IPv4Unicast, i.rib.IPv6Unicast} {
		if !table.ResolveNexthop(msg.Addr, msg.Metric) {
			continue
		}
		// Re-derive the cost on every dependent post-policy route.
		entry := table.NHT[msg.Addr]
		if entry == nil {
			continue
		}
		for pfx := range entry.Prefixes {
			dest, ok := table.Prefixes[pfx]
			if !ok {
				continue
			}
			for _, ar := range dest.AdjRibs {
				if ar.InPost != nil && routeNexthop(ar.InPost.Attrs.Value) == msg.Addr {
					ar.InPost.IGPCost = msg.Metric
				}
			}
		}
	}
}

// -------------------------------------------------------------------------
// Decision process
// -------------------------------------------------------------------------

// runDecisionProcess recomputes best paths for every queued prefix and
// propagates Loc-RIB changes to the central RIB and to Adj-RIB-Out.
func (i *Instance) runDecisionProcess() {
	loop := &LoopCheckConfig{
		LocalAS:   i.config.LocalAS,
		RouterID:  i.config.RouterID,
		ClusterID: i.config.ClusterID,
	}
	for _, table := range []*RoutingTable{i.rib.IPv4Unicast, i.rib.IPv6Unicast} {
		for pfx := range table.QueuedPrefixes {
			i.decidePrefix(table, pfx, loop)
			table.GC(pfx)
		}
		clear(table.QueuedPrefixes)
	}
}

func (i *Instance) decidePrefix(table *RoutingTable, pfx netip.Prefix, loop *LoopCheckConfig) {
	dest, ok := table.Prefixes[pfx]
	if !ok {
		return
	}

	var candidates []*Route
	for _, ar := range dest.AdjRibs {
		if ar.InPost != nil {
			CheckEligibility(ar.InPost, loop)
			candidates = append(candidates, ar.InPost)
		}
	}
	if dest.Redistribute != nil {
		candidates = append(candidates, dest.Redistribute)
	}

	best, multipath := BestPath(candidates, &i.config.Selection, &i.config.Multipath)
	if best == nil {
		if dest.Local != nil {
			i.rib.AttrStore.Release(dest.Local.Attrs)
			dest.Local = nil
			i.bus.Publish(ibus.RouteKeyMsg{Protocol: ibus.ProtocolBGP, Prefix: pfx})
			i.announceToNeighbors(pfx, nil)
		}
		return
	}

	nexthops := []netip.Addr{routeNexthop(best.Attrs.Value)}
	for _, route := range multipath {
		nexthops = append(nexthops, routeNexthop(route.Attrs.Value))
	}

	if dest.Local != nil && dest.Local.Attrs == best.Attrs &&
		slices.Equal(dest.Local.Nexthops, nexthops) {
		// Identical selection: the Loc-RIB stays byte-identical.
		return
	}

	if dest.Local != nil {
		i.rib.AttrStore.Release(dest.Local.Attrs)
	}
	dest.Local = &LocalRoute{
		Origin:       best.Origin,
		Attrs:        i.rib.AttrStore.Retain(best.Attrs),
		RouteType:    best.RouteType,
		LastModified: time.Now(),
		Nexthops:     nexthops,
	}

	i.publishToRIB(pfx, dest.Local)
	i.announceToNeighbors(pfx, best)
}

func (i *Instance) publishToRIB(pfx netip.Prefix, local *LocalRoute) {
	nexthops := make([]ibus.Nexthop, 0, len(local.Nexthops))
	for _, nh := range local.Nexthops {
		nexthops = append(nexthops, ibus.Nexthop{Addr: nh, Recursive: true})
	}
	metric := uint32(0)
	if m := local.Attrs.Value.MED; m != nil {
		metric = *m
	}
	i.bus.Publish(ibus.RouteMsg{
		Protocol: ibus.ProtocolBGP,
		Prefix:   pfx,
		Distance: i.config.Distance,
		Metric:   metric,
		Nexthops: nexthops,
	})
}

// announceToNeighbors refreshes Adj-RIB-Out for every established
// neighbor. A nil best withdraws.
func (i *Instance) announceToNeighbors(pfx netip.Prefix, best *Route) {
	table := i.rib.Table(pfx)
	for addr, n := range i.neighbors {
		if n.State != StateEstablished {
			continue
		}
		ar := table.AdjRibFor(pfx, addr)

		if best == nil || (best.Origin.RemoteAddr == addr && !best.Origin.Redistributed) {
			// Withdraw, or never echo a route back to its source.
			ar.OutPre, ar.OutPost = nil, nil
			continue
		}

		pol := &ExportPolicy{
			PeerAS:    n.Config.PeerAS,
			PeerType:  n.PeerType,
			LocalAS:   i.config.LocalAS,
			LocalAddr: n.Config.LocalAddr,
		}
		attrs := ExportRoute(best, pol)
		if attrs == nil {
			ar.OutPre, ar.OutPost = nil, nil
			continue
		}
		out := *best
		out.Attrs = i.rib.AttrStore.Intern(attrs)
		ar.OutPre = &out
		i.pool.Enqueue(context.Background(), PolicyApplyMsg{
			Direction: PolicyExport,
			Neighbor:  addr,
			Prefix:    pfx,
			Attrs:     attrs,
			Policy:    i.exportPolicy,
		})
	}
}
