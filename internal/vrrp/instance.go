package vrrp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Election state machine — RFC 5798 Section 6.4
// -------------------------------------------------------------------------

// State is the virtual router state.
type State uint8

const (
	StateInitialize State = iota
	StateBackup
	StateMaster
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitialize:
		return "Initialize"
	case StateBackup:
		return "Backup"
	case StateMaster:
		return "Master"
	default:
		return "Unknown"
	}
}

// Config is the per-virtual-router configuration.
type Config struct {
	VRID    uint8
	Version uint8
	IfName  string
	// VirtualIPs are the addresses this router group owns.
	VirtualIPs []netip.Addr
	Priority   uint8
	// Owner marks the address owner (effective priority 255).
	Owner bool
	// Preempt lets a higher-priority backup take over a lower-priority
	// master.
	Preempt       bool
	AdverInterval time.Duration
}

// Actions are the data-plane side effects of the FSM, implemented by the
// interface layer: claiming the virtual MAC on the macvlan
// sub-interface, assigning the virtual addresses, and announcing them.
type Actions interface {
	// SendAdvertisement transmits an advertisement with the priority.
	SendAdvertisement(priority uint8)
	// ClaimAddresses attaches the virtual MAC and IPs to the
	// sub-interface.
	ClaimAddresses(mac [6]byte, addrs []netip.Addr)
	// ReleaseAddresses detaches them.
	ReleaseAddresses()
	// SendGratuitousARP announces an IPv4 virtual address.
	SendGratuitousARP(addr netip.Addr)
	// SendUnsolicitedNA announces an IPv6 virtual address towards its
	// solicited-node multicast group.
	SendUnsolicitedNA(addr, solicitedNode netip.Addr)
}

// Stats counts instance events.
type Stats struct {
	MasterTransitions uint64
	AdvertsReceived   uint64
	AdvertsSent       uint64
	PriorityZeroRcvd  uint64
	DecodeErrors      uint64
}

type timerEvent uint8

const (
	evMasterDown timerEvent = iota
	evAdverTimer
)

type instanceEvent struct {
	timer *timerEvent
	adv   *Advertisement
}

// Instance is one virtual router, owned by its interface.
type Instance struct {
	Config Config
	State  State
	Stats  Stats

	logger *slog.Logger
	bus    *ibus.Bus
	act    Actions

	masterDown *task.Timeout
	adverTask  *task.Interval
	events     chan instanceEvent
}

// NewInstance creates a virtual router in Initialize state.
func NewInstance(logger *slog.Logger, cfg Config, bus *ibus.Bus, act Actions) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.Owner {
		cfg.Priority = PriorityOwner
	}
	if cfg.AdverInterval == 0 {
		cfg.AdverInterval = time.Second
	}
	if cfg.Version == 0 {
		cfg.Version = Version3
	}
	return &Instance{
		Config: cfg,
		State:  StateInitialize,
		logger: logger.With("protocol", "vrrp", "vrid", cfg.VRID),
		bus:    bus,
		act:    act,
		events: make(chan instanceEvent, ibus.DefaultQueueDepth),
	}
}

// SetActions installs the data-plane side effects. Must be called
// before Run.
func (i *Instance) SetActions(act Actions) { i.act = act }

// SkewTime is (256 - priority) / 256 seconds: higher priorities time out
// faster (RFC 5798 Section 6.1).
func (i *Instance) SkewTime() time.Duration {
	return time.Duration(256-int(i.Config.Priority)) * time.Second / 256
}

// MasterDownInterval is 3 x adver-interval + skew.
func (i *Instance) MasterDownInterval() time.Duration {
	return 3*i.Config.AdverInterval + i.SkewTime()
}

// Run is the instance loop.
func (i *Instance) Run(ctx context.Context) error {
	i.Startup()
	defer i.Shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-i.events:
			switch {
			case ev.adv != nil:
				i.HandleAdvertisement(ev.adv)
			case ev.timer != nil && *ev.timer == evMasterDown:
				i.HandleMasterDown()
			case ev.timer != nil && *ev.timer == evAdverTimer:
				i.sendAdvertisement(i.Config.Priority)
			}
		}
	}
}

// Startup leaves Initialize: the address owner claims mastership
// immediately, everyone else starts as Backup with the master-down
// timer running.
func (i *Instance) Startup() {
	if i.State != StateInitialize {
		return
	}
	if i.Config.Priority == PriorityOwner {
		i.becomeMaster()
		return
	}
	i.State = StateBackup
	i.restartMasterDown(i.MasterDownInterval())
	i.logger.Info("started", "state", i.State.String())
}

// Shutdown while Master sends a priority-zero advertisement so backups
// elect a successor without waiting for the master-down interval.
func (i *Instance) Shutdown() {
	if i.State == StateMaster {
		i.sendAdvertisement(PriorityRelease)
		if i.act != nil {
			i.act.ReleaseAddresses()
		}
	}
	i.stopTimers()
	i.State = StateInitialize
}

// DeliverAdvertisement hands a received advertisement from the socket
// task to the main loop.
func (i *Instance) DeliverAdvertisement(adv *Advertisement) {
	i.events <- instanceEvent{adv: adv}
}

// HandleAdvertisement digests one received advertisement for this VRID.
// Called from the main loop.
func (i *Instance) HandleAdvertisement(adv *Advertisement) {
	i.Stats.AdvertsReceived++

	switch i.State {
	case StateBackup:
		switch {
		case adv.Priority == PriorityRelease:
			// The master resigned: race for mastership after skew.
			i.Stats.PriorityZeroRcvd++
			i.restartMasterDown(i.SkewTime())
		case adv.Priority >= i.Config.Priority || !i.Config.Preempt:
			i.restartMasterDown(i.MasterDownInterval())
		default:
			// Lower priority and preemption enabled: let the timer
			// run out and take over.
		}
	case StateMaster:
		switch {
		case adv.Priority > i.Config.Priority:
			// Yield to the higher-priority master.
			i.stopAdver()
			i.State = StateBackup
			if i.act != nil {
				i.act.ReleaseAddresses()
			}
			i.restartMasterDown(i.MasterDownInterval())
			i.logger.Info("yielded mastership", "peer_priority", adv.Priority)
		case adv.Priority == i.Config.Priority:
			// Equal priority: no primary-address tie-break is made,
			// here or in the transport; this router stays master.
		}
	}
}

// HandleMasterDown fires when no advertisement arrived within the
// master-down interval.
func (i *Instance) HandleMasterDown() {
	if i.State != StateBackup {
		return // superseded timer, idempotent
	}
	i.becomeMaster()
}

// HandleInterfaceDown drops the virtual router back to Initialize.
func (i *Instance) HandleInterfaceDown() {
	if i.State == StateMaster && i.act != nil {
		i.act.ReleaseAddresses()
	}
	i.stopTimers()
	i.State = StateInitialize
}

// HandleInterfaceUp restarts the election.
func (i *Instance) HandleInterfaceUp() { i.Startup() }

// becomeMaster claims the virtual MAC and addresses, sends an immediate
// advertisement, and announces every virtual IP (gratuitous ARP for
// IPv4, unsolicited NA towards the solicited-node group for IPv6).
func (i *Instance) becomeMaster() {
	i.stopMasterDown()
	i.State = StateMaster
	i.Stats.MasterTransitions++
	i.logger.Info("became master")

	ipv6 := len(i.Config.VirtualIPs) > 0 && i.Config.VirtualIPs[0].Is6()
	if i.act != nil {
		i.act.ClaimAddresses(VirtualMAC(i.Config.VRID, ipv6), i.Config.VirtualIPs)
	}
	i.sendAdvertisement(i.Config.Priority)
	if i.act != nil {
		for _, addr := range i.Config.VirtualIPs {
			if addr.Is4() {
				i.act.SendGratuitousARP(addr)
			} else {
				i.act.SendUnsolicitedNA(addr, SolicitedNodeMulticast(addr))
			}
		}
	}

	i.startAdver()
}

func (i *Instance) sendAdvertisement(priority uint8) {
	i.Stats.AdvertsSent++
	if i.act != nil {
		i.act.SendAdvertisement(priority)
	}
}

func (i *Instance) restartMasterDown(d time.Duration) {
	i.stopMasterDown()
	i.masterDown = task.NewTimeout(d, func() {
		ev := evMasterDown
		select {
		case i.events <- instanceEvent{timer: &ev}:
		default:
		}
	})
}

func (i *Instance) stopMasterDown() {
	i.masterDown.Stop()
	i.masterDown = nil
}

func (i *Instance) startAdver() {
	i.stopAdver()
	i.adverTask = task.NewInterval(i.Config.AdverInterval, false, func() {
		ev := evAdverTimer
		select {
		case i.events <- instanceEvent{timer: &ev}:
		default:
		}
	})
}

func (i *Instance) stopAdver() {
	if i.adverTask != nil {
		i.adverTask.Stop()
		i.adverTask = nil
	}
}

func (i *Instance) stopTimers() {
	i.stopMasterDown()
	i.stopAdver()
}

// Close stops every task.
func (i *Instance) Close() { i.stopTimers() }
