package isis

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/task"
)

// CsnpInterval is the periodic CSNP transmission interval; every
// configured circuit sends CSNPs at this rate.
const CsnpInterval = 10 * time.Second

// InstanceConfig is the instance-wide IS-IS configuration.
type InstanceConfig struct {
	SystemID SystemID
	// AreaID is the area address (without the system ID part).
	AreaID []byte
	// LevelType selects L1, L2, or both.
	LevelType uint8
	Hostname  string
	Distance  uint32
	// WideMetrics selects TLV 22/135 over the narrow forms.
	WideMetrics bool
	// Prefixes are the locally originated prefixes with metrics.
	Prefixes map[netip.Prefix]uint32
}

// PduSender transmits an encoded PDU on an interface.
type PduSender interface {
	SendPdu(ifName string, pdu Pdu) error
}

// InterfaceConfig is the per-interface configuration.
type InterfaceConfig struct {
	Name           string
	PointToPoint   bool
	Metric         uint32
	HelloInterval  time.Duration
	HoldMultiplier uint16
	Priority       uint8
}

// Iface is one IS-IS circuit.
type Iface struct {
	Config      InterfaceConfig
	Adjacencies map[SystemID]*Adjacency

	helloTask *task.Interval
	csnpTask  *task.Interval
}

// InstanceStats counts instance events.
type InstanceStats struct {
	DecodeErrors uint64
	SpfRuns      uint64
}

type instanceEvent struct {
	db        *dbEvent
	dbL       Level
	adj       *adjEvent
	helloTick string
	csnpTick  string
	pdu       *pduEvent
}

type pduEvent struct {
	ifName string
	snpa   [6]byte
	data   []byte
}

type adjEvent struct {
	ifName string
	sysID  SystemID
	ev     AdjEvent
}

// Instance is one IS-IS process.
type Instance struct {
	logger *slog.Logger
	config InstanceConfig
	bus    *ibus.Bus
	sender PduSender

	Interfaces map[string]*Iface
	// Level1 and Level2 databases; nil when the level is disabled.
	Level1 *Lsdb
	Level2 *Lsdb

	Stats InstanceStats

	events    chan instanceEvent
	closed    chan struct{}
	published map[netip.Prefix]struct{}
}

// NewInstance creates an IS-IS instance.
func NewInstance(logger *slog.Logger, cfg InstanceConfig, bus *ibus.Bus, sender PduSender) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Distance == 0 {
		cfg.Distance = ibus.ProtocolISIS.DefaultDistance()
	}
	inst := &Instance{
		logger:     logger.With("protocol", "isis"),
		config:     cfg,
		bus:        bus,
		sender:     sender,
		Interfaces: make(map[string]*Iface),
		events:     make(chan instanceEvent, ibus.DefaultQueueDepth),
		closed:     make(chan struct{}),
		published:  make(map[netip.Prefix]struct{}),
	}
	if cfg.LevelType&uint8(Level1) != 0 {
		inst.Level1 = inst.newLsdb(Level1)
	}
	if cfg.LevelType&uint8(Level2) != 0 {
		inst.Level2 = inst.newLsdb(Level2)
	}
	return inst
}

func (inst *Instance) newLsdb(level Level) *Lsdb {
	relay := make(chan dbEvent, 16)
	db := NewLsdb(inst.logger, level, inst.config.SystemID, relay,
		func(lsp *Lsp) { inst.flood(level, lsp) },
		func() { inst.runSpf(level) })
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
				case inst.events <- instanceEvent{db: &e, dbL: level}:
				}
			}
		}
	}()
	return db
}

func (inst *Instance) db(level Level) *Lsdb {
	if level == Level1 {
		return inst.Level1
	}
	return inst.Level2
}

// AddInterface attaches a circuit.
func (inst *Instance) AddInterface(cfg InterfaceConfig) *Iface {
	if cfg.HelloInterval == 0 {
		cfg.HelloInterval = 10 * time.Second
	}
	if cfg.HoldMultiplier == 0 {
		cfg.HoldMultiplier = 3
	}
	iface := &Iface{
		Config:      cfg,
		Adjacencies: make(map[SystemID]*Adjacency),
	}
	inst.Interfaces[cfg.Name] = iface
	return iface
}

// Run is the instance main loop.
func (inst *Instance) Run(ctx context.Context) error {
	for _, iface := range inst.Interfaces {
		inst.startHello(iface)
		inst.startCsnp(iface)
	}
	inst.originateSelfLsp()
	defer inst.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-inst.events:
			switch {
			case ev.db != nil:
				if db := inst.db(ev.dbL); db != nil {
					db.HandleEvent(*ev.db)
				}
			case ev.adj != nil:
				if iface, ok := inst.Interfaces[ev.adj.ifName]; ok {
					if adj, ok := iface.Adjacencies[ev.adj.sysID]; ok {
						adj.HandleEvent(ev.adj.ev)
					}
				}
			case ev.helloTick != "":
				inst.sendHello(ev.helloTick)
			case ev.csnpTick != "":
				inst.sendCsnp(ev.csnpTick)
			case ev.pdu != nil:
				inst.HandlePdu(ev.pdu.ifName, ev.pdu.snpa, ev.pdu.data)
			}
		}
	}
}

// startHello arms the periodic hello task. The task only posts a tick;
// the main loop builds and sends the IIH so adjacency state stays
// single-owner.
func (inst *Instance) startHello(iface *Iface) {
	name := iface.Config.Name
	iface.helloTask = task.NewInterval(task.Jitter(iface.Config.HelloInterval, 0.25), true, func() {
		select {
		case inst.events <- instanceEvent{helloTick: name}:
		default:
		}
	})
}

func (inst *Instance) sendHello(ifName string) {
	if inst.sender == nil {
		return
	}
	iface, ok := inst.Interfaces[ifName]
	if !ok {
		return
	}
	pduType := PduLanHelloL1
	if inst.Level1 == nil {
		pduType = PduLanHelloL2
	}
	if iface.Config.PointToPoint {
		pduType = PduP2PHello
	}
	hello := &Hello{
		PduType:       pduType,
		CircuitType:   inst.config.LevelType,
		SourceID:      inst.config.SystemID,
		HoldingTime:   uint16(iface.Config.HelloInterval/time.Second) * iface.Config.HoldMultiplier,
		Priority:      iface.Config.Priority,
		AreaAddresses: [][]byte{inst.config.AreaID},
	}
	for _, adj := range iface.Adjacencies {
		if adj.State != AdjDown {
			hello.Neighbors = append(hello.Neighbors, adj.Snpa)
		}
	}
	_ = inst.sender.SendPdu(ifName, hello)
}

// DeliverPdu hands a received frame from the socket task to the main
// loop, blocking on the bounded channel for backpressure.
func (inst *Instance) DeliverPdu(ifName string, snpa [6]byte, data []byte) {
	select {
	case <-inst.closed:
	case inst.events <- instanceEvent{pdu: &pduEvent{ifName: ifName, snpa: snpa, data: data}}:
	}
}

// startCsnp arms the periodic CSNP task summarising the database, which
// stands in for per-LSP retransmission timers on LAN circuits.
func (inst *Instance) startCsnp(iface *Iface) {
	name := iface.Config.Name
	iface.csnpTask = task.NewInterval(CsnpInterval, false, func() {
		select {
		case inst.events <- instanceEvent{csnpTick: name}:
		default:
		}
	})
}

// sendCsnp transmits a complete sequence number PDU describing every
// database entry for each enabled level.
func (inst *Instance) sendCsnp(ifName string) {
	if inst.sender == nil {
		return
	}
	now := time.Now()
	for _, level := range []Level{Level1, Level2} {
		db := inst.db(level)
		if db == nil || db.Len() == 0 {
			continue
		}
		pduType := PduCsnpL1
		if level == Level2 {
			pduType = PduCsnpL2
		}
		snp := &Snp{
			PduType:  pduType,
			SourceID: LanID{SysID: inst.config.SystemID},
			EndID: LspID{SysID: SystemID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
				Pseudonode: 0xff, Fragment: 0xff},
		}
		db.Iter(func(entry *DbEntry) bool {
			snp.Entries = append(snp.Entries, LspEntry{
				Lifetime: entry.RemainingLifetime(now),
				LspID:    entry.Lsp.LspID,
				SeqNo:    entry.Lsp.SeqNo,
				Checksum: entry.Lsp.Checksum,
			})
			return true
		})
		_ = inst.sender.SendPdu(ifName, snp)
	}
}

// HandlePdu digests one received PDU on an interface. Called from the
// main loop.
func (inst *Instance) HandlePdu(ifName string, snpa [6]byte, data []byte) {
	pdu, err := DecodePdu(data)
	if err != nil {
		inst.Stats.DecodeErrors++
		inst.logger.Debug("dropping malformed pdu", "interface", ifName, "err", err)
		return
	}
	iface, ok := inst.Interfaces[ifName]
	if !ok {
		return
	}

	switch p := pdu.(type) {
	case *Hello:
		inst.handleHello(iface, snpa, p)
	case *Lsp:
		inst.handleLsp(p)
	case *Snp:
		inst.handleSnp(iface, p)
	}
}

func (inst *Instance) handleHello(iface *Iface, snpa [6]byte, hello *Hello) {
	level := Level2
	if hello.PduType == PduLanHelloL1 {
		level = Level1
	}
	adj, ok := iface.Adjacencies[hello.SourceID]
	if !ok {
		ifName := iface.Config.Name
		adj = NewAdjacency(inst.logger, hello.SourceID, level,
			func(sysID SystemID, ev AdjEvent) {
				select {
				case inst.events <- instanceEvent{adj: &adjEvent{ifName: ifName, sysID: sysID, ev: ev}}:
				default:
				}
			},
			func(a *Adjacency, old AdjState) { inst.onAdjChange(a, old) })
		iface.Adjacencies[hello.SourceID] = adj
	}
	adj.Snpa = snpa
	adj.Priority = hello.Priority
	adj.LanID = hello.LanID
	adj.HoldTime = time.Duration(hello.HoldingTime) * time.Second

	// Two-way check: our SNPA (or, on point-to-point circuits, any
	// hello at all) proves the neighbor hears us.
	twoWay := iface.Config.PointToPoint
	for _, mac := range hello.Neighbors {
		if mac == inst.localSnpa(iface) {
			twoWay = true
		}
	}
	if twoWay {
		adj.HandleEvent(AdjEvHelloTwoWay)
	} else {
		adj.HandleEvent(AdjEvHelloRcvd)
	}
}

// localSnpa returns this system's MAC on the interface; the zero value
// outside of production wiring.
func (inst *Instance) localSnpa(_ *Iface) [6]byte { return [6]byte{} }

func (inst *Instance) handleLsp(lsp *Lsp) {
	db := inst.db(lsp.Level())
	if db == nil {
		return
	}
	db.Install(lsp)
}

// handleSnp compares the summarised entries against the database and
// floods anything fresher on our side; CSNP gaps are requested via the
// flooding path implicitly when the peer floods them.
func (inst *Instance) handleSnp(iface *Iface, snp *Snp) {
	level := Level2
	if snp.PduType == PduCsnpL1 || snp.PduType == PduPsnpL1 {
		level = Level1
	}
	db := inst.db(level)
	if db == nil {
		return
	}
	for _, e := range snp.Entries {
		cur, ok := db.Get(e.LspID)
		if !ok {
			continue
		}
		if CompareFreshness(cur.Lsp.SeqNo, cur.Lsp.Checksum, cur.RemainingLifetime(time.Now()),
			e.SeqNo, e.Checksum, e.Lifetime) == Newer {
			inst.flood(level, cur.Lsp)
		}
	}
}

func (inst *Instance) onAdjChange(adj *Adjacency, _ AdjState) {
	inst.originateSelfLsp()
	if db := inst.db(adj.Level); db != nil {
		inst.runSpf(adj.Level)
	}
}

// originateSelfLsp rebuilds and originates this system's zeroth LSP
// fragment in every enabled level.
func (inst *Instance) originateSelfLsp() {
	for _, level := range []Level{Level1, Level2} {
		db := inst.db(level)
		if db == nil {
			continue
		}
		lsp := inst.buildSelfLsp(level)
		db.Originate(lsp)
	}
}

func (inst *Instance) buildSelfLsp(level Level) *Lsp {
	pduType := PduLspL1
	if level == Level2 {
		pduType = PduLspL2
	}
	lsp := &Lsp{
		PduType:       pduType,
		LspID:         LspID{SysID: inst.config.SystemID},
		Flags:         inst.config.LevelType,
		AreaAddresses: [][]byte{inst.config.AreaID},
		Hostname:      inst.config.Hostname,
	}
	for _, iface := range inst.Interfaces {
		for _, adj := range iface.Adjacencies {
			if adj.State != AdjUp || adj.Level != level {
				continue
			}
			reach := IsReach{
				Neighbor: LanID{SysID: adj.SysID},
				Metric:   iface.Config.Metric,
			}
			if inst.config.WideMetrics {
				lsp.ExtIsReach = append(lsp.ExtIsReach, reach)
			} else {
				lsp.IsReach = append(lsp.IsReach, reach)
			}
		}
	}
	for pfx, metric := range inst.config.Prefixes {
		reach := IpReach{Prefix: pfx, Metric: metric}
		if inst.config.WideMetrics {
			lsp.ExtIpReach = append(lsp.ExtIpReach, reach)
		} else {
			lsp.IpReach = append(lsp.IpReach, reach)
		}
	}
	return lsp
}

// flood retransmits an installed LSP out of every circuit.
func (inst *Instance) flood(_ Level, lsp *Lsp) {
	if inst.sender == nil {
		return
	}
	for name := range inst.Interfaces {
		_ = inst.sender.SendPdu(name, lsp)
	}
}

// runSpf recomputes routes for one level and publishes the deltas.
func (inst *Instance) runSpf(level Level) {
	db := inst.db(level)
	if db == nil {
		return
	}
	inst.Stats.SpfRuns++
	result := RunSpf(db, inst.config.SystemID, level)

	current := make(map[netip.Prefix]*RouteEntry, len(result.Routes))
	for pfx, route := range result.Routes {
		current[pfx] = route
	}
	for pfx := range inst.published {
		if _, ok := current[pfx]; !ok {
			inst.bus.Publish(ibus.RouteKeyMsg{Protocol: ibus.ProtocolISIS, Prefix: pfx})
			delete(inst.published, pfx)
		}
	}
	for pfx, route := range current {
		inst.bus.Publish(ibus.RouteMsg{
			Protocol: ibus.ProtocolISIS,
			Prefix:   pfx,
			Distance: inst.config.Distance,
			Metric:   route.Metric,
		})
		inst.published[pfx] = struct{}{}
	}
}

// Close stops every task.
func (inst *Instance) Close() {
	select {
	case <-inst.closed:
	default:
		close(inst.closed)
	}
	for _, iface := range inst.Interfaces {
		if iface.helloTask != nil {
			iface.helloTask.Stop()
		}
		if iface.csnpTask != nil {
			iface.csnpTask.Stop()
		}
		for _, adj := range iface.Adjacencies {
			adj.Close()
		}
	}
	if inst.Level1 != nil {
		inst.Level1.Close()
	}
	if inst.Level2 != nil {
		inst.Level2.Close()
	}
}
