package rip

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/task"
)

// Default timers (RFC 2453 Section 3.8).
const (
	DefaultUpdateInterval  = 30 * time.Second
	DefaultInvalidInterval = 180 * time.Second
	DefaultFlushInterval   = 120 * time.Second
	// Triggered updates are coalesced by a 1-5 s jittered timer.
	TriggeredDelayMin = 1 * time.Second
	TriggeredDelayMax = 5 * time.Second
)

// SplitHorizonMode selects the outbound filtering behavior.
type SplitHorizonMode uint8

const (
	SplitHorizonSimple SplitHorizonMode = iota
	SplitHorizonPoisonReverse
	SplitHorizonDisabled
)

// RouteFlags mark a table entry.
type RouteFlags uint8

const (
	// RouteFlagChanged queues the route for the next triggered update.
	RouteFlagChanged RouteFlags = 1 << iota
)

// Route is one table entry.
type Route struct {
	Prefix netip.Prefix
	Metric uint32
	Tag    uint16
	// Source is the advertising neighbor; unset for local routes.
	Source netip.Addr
	// IfName is the interface the route was learned on.
	IfName string
	Flags  RouteFlags

	invalidTimer *task.Timeout
	flushTimer   *task.Timeout
}

// InterfaceConfig is the per-interface configuration.
type InterfaceConfig struct {
	Name         string
	Cost         uint32
	SplitHorizon SplitHorizonMode
	// AuthKey enables cryptographic authentication when non-empty.
	AuthKey []byte
}

// InstanceConfig is the instance-wide configuration.
type InstanceConfig struct {
	// IPv6 selects RIPng over RIPv2.
	IPv6            bool
	UpdateInterval  time.Duration
	InvalidInterval time.Duration
	FlushInterval   time.Duration
	Distance        uint32
	Interfaces      []InterfaceConfig
}

// PacketSender transmits an encoded packet on an interface.
type PacketSender interface {
	SendPacket(ifName string, dst netip.Addr, data []byte) error
}

// InstanceStats counts instance events.
type InstanceStats struct {
	DecodeErrors  uint64
	AuthFailures  uint64
	UpdatesSent   uint64
	TriggeredSent uint64
	RoutesFlushed uint64
}

type instanceEvent struct {
	kind   instanceEventKind
	pfx    netip.Prefix
	ifName string
	src    netip.Addr
	data   []byte
}

type instanceEventKind uint8

const (
	evPeriodic instanceEventKind = iota
	evTriggered
	evInvalid
	evFlush
	evPacket
)

// Instance is one RIP process.
type Instance struct {
	logger *slog.Logger
	config InstanceConfig
	bus    *ibus.Bus
	sender PacketSender

	proto ibus.Protocol

	// Routes is the instance routing table.
	Routes     map[netip.Prefix]*Route
	Interfaces map[string]*InterfaceConfig

	// AuthSeqNo is the cryptographic sequence number, seeded from the
	// Unix epoch so replays across restarts stay stale.
	AuthSeqNo uint32

	Stats InstanceStats

	events       chan instanceEvent
	updateTask   *task.Interval
	triggered    *task.Timeout
	triggeredSet bool
}

// NewInstance creates a RIP instance.
func NewInstance(logger *slog.Logger, cfg InstanceConfig, bus *ibus.Bus, sender PacketSender) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	proto := ibus.ProtocolRIPv2
	if cfg.IPv6 {
		proto = ibus.ProtocolRIPng
	}
	if cfg.UpdateInterval == 0 {
		cfg.UpdateInterval = DefaultUpdateInterval
	}
	if cfg.InvalidInterval == 0 {
		cfg.InvalidInterval = DefaultInvalidInterval
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Distance == 0 {
		cfg.Distance = proto.DefaultDistance()
	}
	inst := &Instance{
		logger:     logger.With("protocol", proto.String()),
		config:     cfg,
		bus:        bus,
		sender:     sender,
		proto:      proto,
		Routes:     make(map[netip.Prefix]*Route),
		Interfaces: make(map[string]*InterfaceConfig),
		AuthSeqNo:  uint32(time.Now().Unix()),
		events:     make(chan instanceEvent, ibus.DefaultQueueDepth),
	}
	for idx := range cfg.Interfaces {
		ifc := cfg.Interfaces[idx]
		inst.Interfaces[ifc.Name] = &ifc
	}
	return inst
}

// Run is the instance main loop. The initial update fires on activation;
// periodic updates follow every update-interval.
func (i *Instance) Run(ctx context.Context) error {
	i.updateTask = task.NewInterval(task.Jitter(i.config.UpdateInterval, 0.15), true, func() {
		select {
		case i.events <- instanceEvent{kind: evPeriodic}:
		default:
		}
	})
	defer i.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-i.events:
			switch ev.kind {
			case evPeriodic:
				i.sendPeriodicUpdate()
			case evTriggered:
				i.sendTriggeredUpdate()
			case evInvalid:
				i.invalidateRoute(ev.pfx)
			case evFlush:
				i.flushRoute(ev.pfx)
			case evPacket:
				i.HandleResponse(ev.ifName, ev.src, ev.data)
			}
		}
	}
}

// DeliverPacket hands a received datagram from the socket task to the
// main loop, blocking on the bounded channel for backpressure.
func (i *Instance) DeliverPacket(ifName string, src netip.Addr, data []byte) {
	i.events <- instanceEvent{kind: evPacket, ifName: ifName, src: src, data: data}
}

// HandleResponse digests one received Response on an interface. Called
// from the main loop.
func (i *Instance) HandleResponse(ifName string, src netip.Addr, data []byte) {
	ifc, ok := i.Interfaces[ifName]
	if !ok {
		return
	}
	var pkt *Packet
	var err error
	if i.config.IPv6 {
		pkt, err = DecodeNg(data)
	} else {
		pkt, err = DecodeV2(data, ifc.AuthKey)
	}
	if err != nil {
		if err == ErrAuthFailed {
			i.Stats.AuthFailures++
		} else {
			i.Stats.DecodeErrors++
		}
		return
	}
	if pkt.Command != CmdResponse {
		return
	}

	for _, entry := range pkt.Entries {
		i.processEntry(ifc, src, entry)
	}
}

// processEntry applies one received route (RFC 2453 Section 3.9.2):
// new_metric = iface.cost + received_metric, saturating at infinity. A
// metric at or above infinity flushes the local entry.
func (i *Instance) processEntry(ifc *InterfaceConfig, src netip.Addr, entry RouteEntry) {
	metric := min(entry.Metric+ifc.Cost, MetricInfinity)
	pfx := entry.Prefix.Masked()

	route, ok := i.Routes[pfx]
	if !ok {
		if metric >= MetricInfinity {
			return
		}
		route = &Route{Prefix: pfx, Metric: metric, Tag: entry.Tag,
			Source: src, IfName: ifc.Name, Flags: RouteFlagChanged}
		i.Routes[pfx] = route
		i.restartInvalid(route)
		i.publish(route)
		i.scheduleTriggered()
		return
	}

	fromSource := route.Source == src
	if fromSource {
		i.restartInvalid(route)
	}

	switch {
	case metric >= MetricInfinity:
		if fromSource && route.Metric < MetricInfinity {
			// The source lost the route: set infinity and start the
			// garbage collection after flush-interval.
			i.setInfinity(route)
		}
	case metric < route.Metric || (fromSource && metric != route.Metric):
		route.Metric = metric
		route.Tag = entry.Tag
		route.Source = src
		route.IfName = ifc.Name
		route.Flags |= RouteFlagChanged
		i.restartInvalid(route)
		i.publish(route)
		i.scheduleTriggered()
	}
}

// UpdateInterfaceCost re-evaluates every route learned on the interface
// atomically after a cost change.
func (i *Instance) UpdateInterfaceCost(ifName string, newCost uint32) {
	ifc, ok := i.Interfaces[ifName]
	if !ok {
		return
	}
	oldCost := ifc.Cost
	ifc.Cost = newCost

	for _, route := range i.Routes {
		if route.IfName != ifName || !route.Source.IsValid() {
			continue
		}
		received := route.Metric - oldCost
		metric := min(received+newCost, MetricInfinity)
		if metric == route.Metric {
			continue
		}
		if metric >= MetricInfinity {
			i.setInfinity(route)
			continue
		}
		route.Metric = metric
		route.Flags |= RouteFlagChanged
		i.publish(route)
	}
	i.scheduleTriggered()
}

func (i *Instance) setInfinity(route *Route) {
	route.Metric = MetricInfinity
	route.Flags |= RouteFlagChanged
	i.bus.Publish(ibus.RouteKeyMsg{Protocol: i.proto, Prefix: route.Prefix})
	i.scheduleTriggered()

	route.invalidTimer.Stop()
	route.invalidTimer = nil
	pfx := route.Prefix
	route.flushTimer.Stop()
	route.flushTimer = task.NewTimeout(i.config.FlushInterval, func() {
		select {
		case i.events <- instanceEvent{kind: evFlush, pfx: pfx}:
		default:
		}
	})
}

func (i *Instance) invalidateRoute(pfx netip.Prefix) {
	route, ok := i.Routes[pfx]
	if !ok || route.Metric >= MetricInfinity {
		return
	}
	i.setInfinity(route)
}

func (i *Instance) flushRoute(pfx netip.Prefix) {
	route, ok := i.Routes[pfx]
	if !ok {
		return
	}
	route.invalidTimer.Stop()
	route.flushTimer.Stop()
	delete(i.Routes, pfx)
	i.Stats.RoutesFlushed++
}

func (i *Instance) restartInvalid(route *Route) {
	route.invalidTimer.Stop()
	pfx := route.Prefix
	route.invalidTimer = task.NewTimeout(i.config.InvalidInterval, func() {
		select {
		case i.events <- instanceEvent{kind: evInvalid, pfx: pfx}:
		default:
		}
	})
}

func (i *Instance) publish(route *Route) {
	i.bus.Publish(ibus.RouteMsg{
		Protocol: i.proto,
		Prefix:   route.Prefix,
		Distance: i.config.Distance,
		Metric:   route.Metric,
		Tag:      uint32(route.Tag),
		Nexthops: []ibus.Nexthop{{Addr: route.Source}},
	})
}

// scheduleTriggered arms the coalescing triggered-update timer; at most
// one triggered update is outstanding per instance.
func (i *Instance) scheduleTriggered() {
	if i.triggeredSet {
		return
	}
	i.triggeredSet = true
	delay := task.JitterRange(TriggeredDelayMin, TriggeredDelayMax)
	i.triggered = task.NewTimeout(delay, func() {
		select {
		case i.events <- instanceEvent{kind: evTriggered}:
		default:
		}
	})
}

// sendTriggeredUpdate transmits only the CHANGED routes and clears the
// flag.
func (i *Instance) sendTriggeredUpdate() {
	i.triggeredSet = false
	i.Stats.TriggeredSent++
	i.sendUpdate(true)
}

func (i *Instance) sendPeriodicUpdate() {
	i.Stats.UpdatesSent++
	i.sendUpdate(false)
}

// sendUpdate builds and transmits a Response per interface, applying the
// configured split-horizon mode.
func (i *Instance) sendUpdate(changedOnly bool) {
	if i.sender == nil {
		i.clearChanged()
		return
	}
	for name, ifc := range i.Interfaces {
		entries := i.buildEntries(ifc, changedOnly)
		if len(entries) == 0 {
			continue
		}
		pkt := &Packet{Command: CmdResponse, Version: Version2, Entries: entries}
		var buf [4096]byte
		var n int
		var err error
		dst := GroupV2
		if i.config.IPv6 {
			pkt.Version = VersionNg
			dst = GroupNg
			n, err = pkt.EncodeNg(buf[:])
		} else {
			if len(ifc.AuthKey) > 0 {
				i.AuthSeqNo++
				pkt.Auth = &AuthBlock{KeyID: 1, SeqNo: i.AuthSeqNo}
			}
			n, err = pkt.EncodeV2(buf[:], ifc.AuthKey)
		}
		if err != nil {
			continue
		}
		_ = i.sender.SendPacket(name, dst, buf[:n])
	}
	i.clearChanged()
}

// buildEntries applies split horizon for one interface.
func (i *Instance) buildEntries(ifc *InterfaceConfig, changedOnly bool) []RouteEntry {
	var entries []RouteEntry
	for _, route := range i.Routes {
		if changedOnly && route.Flags&RouteFlagChanged == 0 {
			continue
		}
		metric := route.Metric
		if route.IfName == ifc.Name && route.Source.IsValid() {
			switch ifc.SplitHorizon {
			case SplitHorizonSimple:
				continue
			case SplitHorizonPoisonReverse:
				metric = MetricInfinity
			case SplitHorizonDisabled:
			}
		}
		entries = append(entries, RouteEntry{
			Prefix: route.Prefix,
			Metric: metric,
			Tag:    route.Tag,
		})
	}
	return entries
}

func (i *Instance) clearChanged() {
	for _, route := range i.Routes {
		route.Flags &^= RouteFlagChanged
	}
}

// AddLocalRoute injects a locally originated prefix.
func (i *Instance) AddLocalRoute(pfx netip.Prefix, metric uint32, ifName string) {
	route := &Route{Prefix: pfx.Masked(), Metric: metric, IfName: ifName,
		Flags: RouteFlagChanged}
	i.Routes[route.Prefix] = route
	i.scheduleTriggered()
}

// Close stops every task.
func (i *Instance) Close() {
	if i.updateTask != nil {
		i.updateTask.Stop()
	}
	i.triggered.Stop()
	for _, route := range i.Routes {
		route.invalidTimer.Stop()
		route.flushTimer.Stop()
	}
}
