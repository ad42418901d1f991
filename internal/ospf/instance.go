package ospf

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/task"
)

// RxmtInterval is the retransmission interval for unacknowledged LSAs
// (RFC 2328 Appendix B).
const RxmtInterval = 5 * time.Second

// InstanceConfig is the instance-wide OSPF configuration.
type InstanceConfig struct {
	RouterID uint32
	Version  uint8
	// ExtendedLsa enables the RFC 8362 extended LSA formats (OSPFv3).
	ExtendedLsa bool
	Distance    uint32
	SpfDelay    SpfDelayConfig
	Areas       []AreaConfig
}

// PacketSender transmits an encoded OSPF packet on an interface.
type PacketSender interface {
	SendPacket(ifName string, dst netip.Addr, pkt *Packet) error
}

// InstanceStats counts instance-level events.
type InstanceStats struct {
	DecodeErrors  uint64
	SpfRuns       uint64
	LsaFloodsSent uint64
}

// instanceEvent is the main-loop message type.
type instanceEvent struct {
	lsdb     *lsdbEvent
	lsdbArea uint32
	spf      *SpfDelayEvent
	spfArea  uint32
	ism      *ismEvent
	nsm      *nsmEvent
	hello    *ismEvent
	packet   *packetEvent
	rxmt     bool
}

type packetEvent struct {
	areaID uint32
	ifName string
	src    netip.Addr
	data   []byte
}

type ismEvent struct {
	area   uint32
	ifName string
	ev     IsmEvent
}

type nsmEvent struct {
	area     uint32
	ifName   string
	routerID uint32
	ev       NbrEvent
}

// Instance is one OSPF process. The main loop owns all mutable state.
type Instance struct {
	logger *slog.Logger
	config InstanceConfig
	bus    *ibus.Bus
	sender PacketSender

	proto ibus.Protocol

	Areas map[uint32]*Area
	// ExternalLsdb is the AS-scope database (Type-5).
	ExternalLsdb *Lsdb

	Stats InstanceStats

	events   chan instanceEvent
	closed   chan struct{}
	rxmtTask *task.Interval
	// published tracks what this instance handed to the central RIB.
	published map[netip.Prefix]struct{}
}

// NewInstance creates an OSPF instance.
func NewInstance(logger *slog.Logger, cfg InstanceConfig, bus *ibus.Bus, sender PacketSender) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	proto := ibus.ProtocolOSPFv2
	if cfg.Version == Version3 {
		proto = ibus.ProtocolOSPFv3
	}
	if cfg.Distance == 0 {
		cfg.Distance = proto.DefaultDistance()
	}
	inst := &Instance{
		logger:    logger.With("protocol", proto.String()),
		config:    cfg,
		bus:       bus,
		sender:    sender,
		proto:     proto,
		Areas:     make(map[uint32]*Area),
		events:    make(chan instanceEvent, ibus.DefaultQueueDepth),
		closed:    make(chan struct{}),
		published: make(map[netip.Prefix]struct{}),
	}
	for _, areaCfg := range cfg.Areas {
		inst.addArea(areaCfg)
	}
	inst.ExternalLsdb = inst.newLsdb(0, ScopeAS)
	return inst
}

func (inst *Instance) addArea(cfg AreaConfig) *Area {
	areaID := cfg.ID
	area := &Area{
		Config:     cfg,
		Interfaces: make(map[string]*Interface),
		Routes:     make(map[netip.Prefix]*RouteEntry),
	}
	area.Lsdb = inst.newLsdb(areaID, ScopeArea)
	area.Scheduler = NewSpfScheduler(inst.config.SpfDelay, func(ev SpfDelayEvent) {
		e := ev
		select {
		case inst.events <- instanceEvent{spf: &e, spfArea: areaID}:
		default:
		}
	}, func() { inst.runSpf(area) })
	inst.Areas[areaID] = area
	return area
}

func (inst *Instance) newLsdb(areaID uint32, scope FloodScope) *Lsdb {
	relay := make(chan lsdbEvent, 16)
	db := NewLsdb(inst.logger, inst.config.RouterID, relay,
		func(lsa *Lsa) { inst.flood(areaID, scope, lsa) },
		func(old, new *Lsa) { inst.onLsaChange(areaID, old, new) })
	// Relay the LSDB's timer events into the single instance channel.
	go func() {
		for {
			select {
			case <-inst.closed:
				return
			case ev := <-relay:
				e := ev
				select {
				case <-inst.closed:
					return
				case inst.events <- instanceEvent{lsdb: &e, lsdbArea: areaID}:
				}
			}
		}
	}()
	return db
}

// AddInterface attaches an interface to an area.
func (inst *Instance) AddInterface(areaID uint32, cfg InterfaceConfig) *Interface {
	area, ok := inst.Areas[areaID]
	if !ok {
		area = inst.addArea(AreaConfig{ID: areaID})
	}
	iface := NewInterface(inst.logger, inst.config.RouterID, cfg,
		func(ifName string, ev IsmEvent) {
			select {
			case inst.events <- instanceEvent{ism: &ismEvent{area: areaID, ifName: ifName, ev: ev}}:
			default:
			}
		},
		// Hello ticks cross back into the main loop so interface and
		// neighbor state stays single-owner.
		func(iface *Interface) {
			select {
			case inst.events <- instanceEvent{hello: &ismEvent{area: areaID, ifName: iface.Config.Name}}:
			default:
			}
		},
		func(iface *Interface) { inst.originateRouterLsa(areaID) },
	)
	area.Interfaces[cfg.Name] = iface
	return iface
}

// Run is the instance main loop.
func (inst *Instance) Run(ctx context.Context) error {
	inst.rxmtTask = task.NewInterval(RxmtInterval, false, func() {
		select {
		case inst.events <- instanceEvent{rxmt: true}:
		default:
		}
	})
	defer inst.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-inst.events:
			inst.dispatch(ev)
		}
	}
}

func (inst *Instance) dispatch(ev instanceEvent) {
	switch {
	case ev.lsdb != nil:
		db := inst.lsdbFor(ev.lsdbArea, ev.lsdb.key.Type.Scope())
		switch ev.lsdb.kind {
		case lsdbEventExpiry:
			db.HandleExpiry(ev.lsdb.key)
		case lsdbEventRefresh:
			db.RefreshSelfOriginated(ev.lsdb.key)
		case lsdbEventDelayedOrig:
			db.HandleDelayedOrig(ev.lsdb.key)
		}
	case ev.spf != nil:
		if area, ok := inst.Areas[ev.spfArea]; ok {
			area.Scheduler.HandleEvent(*ev.spf)
		}
	case ev.ism != nil:
		if area, ok := inst.Areas[ev.ism.area]; ok {
			if iface, ok := area.Interfaces[ev.ism.ifName]; ok {
				iface.HandleEvent(ev.ism.ev)
			}
		}
	case ev.nsm != nil:
		if area, ok := inst.Areas[ev.nsm.area]; ok {
			if iface, ok := area.Interfaces[ev.nsm.ifName]; ok {
				if nbr, ok := iface.Neighbors[ev.nsm.routerID]; ok {
					nbr.HandleEvent(ev.nsm.ev)
				}
			}
		}
	case ev.packet != nil:
		inst.HandlePacket(ev.packet.areaID, ev.packet.ifName, ev.packet.src, ev.packet.data)
	case ev.hello != nil:
		if area, ok := inst.Areas[ev.hello.area]; ok {
			if iface, ok := area.Interfaces[ev.hello.ifName]; ok {
				inst.sendHello(ev.hello.area, iface)
			}
		}
	case ev.rxmt:
		inst.retransmit()
	}
}

func (inst *Instance) lsdbFor(areaID uint32, scope FloodScope) *Lsdb {
	if scope == ScopeAS {
		return inst.ExternalLsdb
	}
	if area, ok := inst.Areas[areaID]; ok {
		return area.Lsdb
	}
	return inst.ExternalLsdb
}

// -------------------------------------------------------------------------
// Flooding — RFC 2328 Section 13.3
// -------------------------------------------------------------------------

// flood sends an installed instance out of every eligible interface and
// places it on the retransmission list of every adjacency that has not
// acknowledged it. Rate limiting happens through the periodic rxmt task,
// not per-LSA timers.
func (inst *Instance) flood(areaID uint32, scope FloodScope, lsa *Lsa) {
	for id, area := range inst.Areas {
		if scope == ScopeArea && id != areaID {
			continue
		}
		if scope == ScopeAS && area.Config.Type != AreaNormal {
			// Stub and NSSA areas never carry Type-5.
			continue
		}
		for _, iface := range area.Interfaces {
			if iface.State == IsmDown || iface.Config.Passive {
				continue
			}
			for _, nbr := range iface.Neighbors {
				if nbr.State >= NbrExchange {
					nbr.LsRetransList[lsa.Hdr.Key()] = lsa
				}
			}
			inst.sendUpdate(iface, []*Lsa{lsa})
		}
	}
}

// Acknowledge clears the retransmission entries covered by a received
// LS Ack.
func (inst *Instance) Acknowledge(areaID uint32, ifName string, from uint32, ack *LSAck) {
	area, ok := inst.Areas[areaID]
	if !ok {
		return
	}
	iface, ok := area.Interfaces[ifName]
	if !ok {
		return
	}
	nbr, ok := iface.Neighbors[from]
	if !ok {
		return
	}
	for _, hdr := range ack.Headers {
		key := hdr.Key()
		if pending, ok := nbr.LsRetransList[key]; ok {
			if CompareFreshness(&hdr, &pending.Hdr) != Older {
				delete(nbr.LsRetransList, key)
			}
		}
	}
}

// retransmit re-floods every unacknowledged LSA.
func (inst *Instance) retransmit() {
	for _, area := range inst.Areas {
		for _, iface := range area.Interfaces {
			var pending []*Lsa
			for _, nbr := range iface.Neighbors {
				for _, lsa := range nbr.LsRetransList {
					pending = append(pending, lsa)
				}
			}
			if len(pending) > 0 {
				inst.sendUpdate(iface, pending)
			}
		}
	}
}

func (inst *Instance) sendUpdate(iface *Interface, lsas []*Lsa) {
	if inst.sender == nil {
		return
	}
	pkt := &Packet{
		Hdr: PacketHdr{
			Version:  inst.config.Version,
			RouterID: inst.config.RouterID,
		},
		Body: &LSUpdate{Lsas: lsas},
	}
	dst := AllSPFRouters
	if inst.config.Version == Version3 {
		dst = AllSPFRoutersV6
	}
	if err := inst.sender.SendPacket(iface.Config.Name, dst, pkt); err != nil {
		inst.logger.Warn("flood send failed", "interface", iface.Config.Name, "err", err)
		return
	}
	inst.Stats.LsaFloodsSent++
}

func (inst *Instance) sendHello(areaID uint32, iface *Interface) {
	if inst.sender == nil {
		return
	}
	hello := &Hello{
		HelloInterval:      uint16(iface.Config.HelloInterval / time.Second),
		RouterDeadInterval: uint16(iface.Config.RouterDeadInterval / time.Second),
		Priority:           iface.Config.Priority,
		DR:                 iface.DR,
		BDR:                iface.BDR,
	}
	if iface.Addr.IsValid() && inst.config.Version == Version2 {
		hello.NetworkMask = maskFromBits(iface.Addr.Bits())
	}
	for id := range iface.Neighbors {
		hello.Neighbors = append(hello.Neighbors, id)
	}
	pkt := &Packet{
		Hdr: PacketHdr{
			Version:  inst.config.Version,
			RouterID: inst.config.RouterID,
			AreaID:   areaID,
		},
		Body: hello,
	}
	dst := AllSPFRouters
	if inst.config.Version == Version3 {
		dst = AllSPFRoutersV6
	}
	_ = inst.sender.SendPacket(iface.Config.Name, dst, pkt)
}

func maskFromBits(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

// -------------------------------------------------------------------------
// Packet receive
// -------------------------------------------------------------------------

// DeliverPacket hands one received datagram from a socket task to the
// main loop. Blocks when the bounded channel is full, throttling the
// socket.
func (inst *Instance) DeliverPacket(areaID uint32, ifName string, src netip.Addr, data []byte) {
	select {
	case <-inst.closed:
	case inst.events <- instanceEvent{packet: &packetEvent{
		areaID: areaID, ifName: ifName, src: src, data: data}}:
	}
}

// HandlePacket digests one received packet on (areaID, ifName). Decode
// errors are counted and the packet dropped. Called from the main loop.
func (inst *Instance) HandlePacket(areaID uint32, ifName string, from netip.Addr, data []byte) {
	pkt, err := DecodePacket(data)
	if err != nil {
		inst.Stats.DecodeErrors++
		inst.logger.Debug("dropping malformed packet", "src", from, "err", err)
		return
	}
	area, ok := inst.Areas[areaID]
	if !ok {
		return
	}
	iface, ok := area.Interfaces[ifName]
	if !ok {
		return
	}

	switch body := pkt.Body.(type) {
	case *Hello:
		inst.handleHello(area, iface, pkt.Hdr.RouterID, from, body)
	case *DbDesc:
		inst.handleDbDesc(area, iface, pkt.Hdr.RouterID, body)
	case *LSUpdate:
		inst.handleLSUpdate(area, iface, pkt.Hdr.RouterID, body)
	case *LSAck:
		inst.Acknowledge(areaID, ifName, pkt.Hdr.RouterID, body)
	case *LSRequest:
		inst.handleLSRequest(area, iface, body)
	}
}

func (inst *Instance) handleHello(area *Area, iface *Interface, routerID uint32, from netip.Addr, hello *Hello) {
	nbr, ok := iface.Neighbors[routerID]
	if !ok {
		nbr = NewNeighbor(inst.logger, routerID, from, iface.Config.RouterDeadInterval,
			func(id uint32, ev NbrEvent) {
				select {
				case inst.events <- instanceEvent{nsm: &nsmEvent{
					area: area.Config.ID, ifName: iface.Config.Name, routerID: id, ev: ev}}:
				default:
				}
			},
			func(n *Neighbor, old NbrState) { inst.onNbrStateChange(area, iface, n, old) })
		nbr.SetAdjacencyPolicy(iface.WantAdjacency)
		iface.Neighbors[routerID] = nbr
	}
	nbr.Priority = hello.Priority
	nbr.DR, nbr.BDR = hello.DR, hello.BDR

	nbr.HandleEvent(NbrEvHelloRcvd)
	seen := false
	for _, id := range hello.Neighbors {
		if id == inst.config.RouterID {
			seen = true
		}
	}
	if seen {
		nbr.HandleEvent(NbrEvTwoWayRcvd)
	} else {
		nbr.HandleEvent(NbrEvOneWayRcvd)
	}

	// A neighbor declaring itself BDR (or DR with no BDR) ends Waiting.
	if iface.State == IsmWaiting &&
		(hello.BDR == routerID || (hello.DR == routerID && hello.BDR == 0)) {
		iface.HandleEvent(IsmEvBackupSeen)
	} else if nbr.State >= NbrTwoWay {
		iface.HandleEvent(IsmEvNeighborChange)
	}
}

func (inst *Instance) handleDbDesc(area *Area, iface *Interface, routerID uint32, d *DbDesc) {
	nbr, ok := iface.Neighbors[routerID]
	if !ok {
		return
	}
	ev := nbr.CheckDbDesc(d)
	if ev == NbrEvSeqNumberMismatch {
		// SeqNoMismatch forces the adjacency back to ExStart.
		nbr.HandleEvent(NbrEvSeqNumberMismatch)
		return
	}
	if ev == NbrEvNegotiationDone {
		// The higher Router-ID is master.
		nbr.Master = inst.config.RouterID > routerID
		nbr.DdSeqNo = d.DdSeqNo
		nbr.HandleEvent(NbrEvNegotiationDone)
	}
	// Record requests for LSAs the peer has and we lack or hold older.
	db := area.Lsdb
	for _, hdr := range d.LsaHeaders {
		key := hdr.Key()
		cur, ok := db.Get(key)
		if !ok || CompareFreshness(&hdr, &cur.Lsa.Hdr) == Newer {
			nbr.LsRequestList[key] = hdr
		}
	}
	if d.Flags&DbDescFlagM == 0 && nbr.State == NbrExchange {
		nbr.HandleEvent(NbrEvExchangeDone)
	}
}

func (inst *Instance) handleLSUpdate(area *Area, iface *Interface, from uint32, upd *LSUpdate) {
	nbr := iface.Neighbors[from]
	for _, lsa := range upd.Lsas {
		db := inst.lsdbFor(area.Config.ID, lsa.Hdr.Type.Scope())
		switch db.Install(lsa) {
		case InstallAccepted, InstallDuplicate:
			if nbr != nil {
				key := lsa.Hdr.Key()
				delete(nbr.LsRequestList, key)
				if len(nbr.LsRequestList) == 0 && nbr.State == NbrLoading {
					nbr.HandleEvent(NbrEvLoadingDone)
				}
			}
		case InstallOlder:
			// The database copy is fresher; flooding will offer it
			// back through the normal paths.
		case InstallMinArrival:
		}
	}
}

func (inst *Instance) handleLSRequest(area *Area, iface *Interface, req *LSRequest) {
	var lsas []*Lsa
	for _, key := range req.Keys {
		db := inst.lsdbFor(area.Config.ID, key.Type.Scope())
		if entry, ok := db.Get(key); ok {
			lsas = append(lsas, entry.Lsa)
		}
	}
	if len(lsas) > 0 {
		inst.sendUpdate(iface, lsas)
	}
}

// onNbrStateChange reacts to adjacency formation and loss.
func (inst *Instance) onNbrStateChange(area *Area, iface *Interface, nbr *Neighbor, old NbrState) {
	if nbr.State == NbrFull || old == NbrFull {
		inst.originateRouterLsa(area.Config.ID)
		area.Scheduler.Schedule()
	}
	if nbr.State == NbrDown {
		iface.HandleEvent(IsmEvNeighborChange)
	}
}

// onLsaChange feeds the SPF scheduler on content changes and detects
// stale self-originated copies that must be superseded.
func (inst *Instance) onLsaChange(areaID uint32, old, new *Lsa) {
	area, ok := inst.Areas[areaID]
	if new != nil && new.Hdr.AdvRtr == inst.config.RouterID && new.Hdr.Type == LsaTypeRouter {
		// A received self-originated instance that differs from our
		// intent is superseded with a higher sequence number.
		if intended := inst.buildRouterLsa(areaID); intended != nil && !sameContent(new, intended) {
			db := inst.lsdbFor(areaID, ScopeArea)
			db.Originate(intended)
		}
	}
	if ok {
		area.Scheduler.Schedule()
	}
}

// -------------------------------------------------------------------------
// Origination and route publication
// -------------------------------------------------------------------------

// buildRouterLsa assembles this router's Router-LSA for an area.
func (inst *Instance) buildRouterLsa(areaID uint32) *Lsa {
	area, ok := inst.Areas[areaID]
	if !ok {
		return nil
	}
	rtr := &RouterLsa{}
	if len(inst.Areas) > 1 {
		rtr.Flags |= RouterFlagB
	}
	for _, iface := range area.Interfaces {
		if iface.State == IsmDown {
			continue
		}
		switch iface.Config.Type {
		case NetworkPointToPoint:
			for _, nbr := range iface.Neighbors {
				if nbr.State == NbrFull {
					rtr.Links = append(rtr.Links, RouterLink{
						ID:     nbr.RouterID,
						Data:   addrToU32(iface.Addr.Addr()),
						Type:   LinkTypePointToPoint,
						Metric: iface.Config.Cost,
					})
				}
			}
			if iface.Addr.IsValid() {
				rtr.Links = append(rtr.Links, RouterLink{
					ID:     addrToU32(iface.Addr.Masked().Addr()),
					Data:   maskFromBits(iface.Addr.Bits()),
					Type:   LinkTypeStub,
					Metric: iface.Config.Cost,
				})
			}
		case NetworkBroadcast:
			if iface.DR != 0 && inst.anyFullNeighbor(iface) {
				rtr.Links = append(rtr.Links, RouterLink{
					ID:     iface.DR,
					Data:   addrToU32(iface.Addr.Addr()),
					Type:   LinkTypeTransit,
					Metric: iface.Config.Cost,
				})
			} else if iface.Addr.IsValid() {
				rtr.Links = append(rtr.Links, RouterLink{
					ID:     addrToU32(iface.Addr.Masked().Addr()),
					Data:   maskFromBits(iface.Addr.Bits()),
					Type:   LinkTypeStub,
					Metric: iface.Config.Cost,
				})
			}
		}
	}
	return NewLsa(LsaHdr{
		Type:   LsaTypeRouter,
		LsaID:  inst.config.RouterID,
		AdvRtr: inst.config.RouterID,
	}, EncodeRouterLsa(rtr))
}

func (inst *Instance) anyFullNeighbor(iface *Interface) bool {
	for _, nbr := range iface.Neighbors {
		if nbr.State == NbrFull {
			return true
		}
	}
	return false
}

// originateRouterLsa (re-)originates this router's Router-LSA.
func (inst *Instance) originateRouterLsa(areaID uint32) {
	lsa := inst.buildRouterLsa(areaID)
	if lsa == nil {
		return
	}
	inst.lsdbFor(areaID, ScopeArea).Originate(lsa)
}

// runSpf executes the computation for one area and publishes route
// changes to the central RIB.
func (inst *Instance) runSpf(area *Area) {
	inst.Stats.SpfRuns++
	result := RunSpf(area.Lsdb, inst.config.RouterID, area.Interfaces)
	area.Routes = result.Routes
	inst.publishRoutes()
}

// publishRoutes reconciles the union of all areas' routes with what was
// previously handed to the central RIB.
func (inst *Instance) publishRoutes() {
	current := make(map[netip.Prefix]*RouteEntry)
	for _, area := range inst.Areas {
		for pfx, route := range area.Routes {
			if cur, ok := current[pfx]; !ok || route.Type < cur.Type ||
				(route.Type == cur.Type && route.Metric < cur.Metric) {
				current[pfx] = route
			}
		}
	}

	for pfx := range inst.published {
		if _, ok := current[pfx]; !ok {
			inst.bus.Publish(ibus.RouteKeyMsg{Protocol: inst.proto, Prefix: pfx})
			delete(inst.published, pfx)
		}
	}
	for pfx, route := range current {
		nexthops := make([]ibus.Nexthop, 0, len(route.Nexthops))
		for _, nh := range route.Nexthops {
			nexthops = append(nexthops, ibus.Nexthop{Addr: nh.Addr})
		}
		inst.bus.Publish(ibus.RouteMsg{
			Protocol: inst.proto,
			Prefix:   pfx,
			Distance: inst.config.Distance,
			Metric:   route.Metric,
			Tag:      route.Tag,
			Nexthops: nexthops,
		})
		inst.published[pfx] = struct{}{}
	}
}

// Close stops every task owned by the instance.
func (inst *Instance) Close() {
	select {
	case <-inst.closed:
	default:
		close(inst.closed)
	}
	if inst.rxmtTask != nil {
		inst.rxmtTask.Stop()
	}
	for _, area := range inst.Areas {
		area.Scheduler.Close()
		area.Lsdb.Close()
		for _, iface := range area.Interfaces {
			iface.Close()
		}
	}
	inst.ExternalLsdb.Close()
}
