package ospf

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Interface state machine — RFC 2328 Section 9
// -------------------------------------------------------------------------

// IsmState is the interface (ISM) state.
type IsmState uint8

const (
	IsmDown IsmState = iota
	IsmLoopback
	IsmWaiting
	IsmPointToPoint
	IsmDROther
	IsmBackup
	IsmDR
)

// String returns the ISM state name.
func (s IsmState) String() string {
	switch s {
	case IsmDown:
		return "Down"
	case IsmLoopback:
		return "Loopback"
	case IsmWaiting:
		return "Waiting"
	case IsmPointToPoint:
		return "PointToPoint"
	case IsmDROther:
		return "DROther"
	case IsmBackup:
		return "Backup"
	case IsmDR:
		return "DR"
	default:
		return "Unknown"
	}
}

// NetworkType is the interface network type.
type NetworkType uint8

const (
	NetworkPointToPoint NetworkType = iota
	NetworkBroadcast
)

// InterfaceConfig is the per-interface configuration.
type InterfaceConfig struct {
	Name               string
	Type               NetworkType
	Cost               uint16
	Priority           uint8
	HelloInterval      time.Duration
	RouterDeadInterval time.Duration
	Passive            bool
}

// DefaultInterfaceConfig returns broadcast defaults: hello 10 s, dead
// 40 s, priority 1, cost 10.
func DefaultInterfaceConfig(name string) InterfaceConfig {
	return InterfaceConfig{
		Name:               name,
		Type:               NetworkBroadcast,
		Cost:               10,
		Priority:           1,
		HelloInterval:      10 * time.Second,
		RouterDeadInterval: 40 * time.Second,
	}
}

// Interface is one OSPF-enabled interface, owned by its area.
type Interface struct {
	Config  InterfaceConfig
	State   IsmState
	IfIndex uint32
	Addr    netip.Prefix

	DR  uint32
	BDR uint32

	// Neighbors are keyed by Router-ID.
	Neighbors map[uint32]*Neighbor

	logger     *slog.Logger
	routerID   uint32
	helloTask  *task.Interval
	waitTimer  *task.Timeout
	fire       func(ifName string, ev IsmEvent)
	onHello    func(iface *Interface)
	onDrChange func(iface *Interface)
}

// IsmEvent drives the ISM.
type IsmEvent uint8

const (
	IsmEvInterfaceUp IsmEvent = iota
	IsmEvWaitTimer
	IsmEvBackupSeen
	IsmEvNeighborChange
	IsmEvLoopInd
	IsmEvUnloopInd
	IsmEvInterfaceDown
)

// NewInterface creates an interface in Down state.
func NewInterface(logger *slog.Logger, routerID uint32, cfg InterfaceConfig,
	fire func(string, IsmEvent), onHello, onDrChange func(*Interface)) *Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interface{
		Config:     cfg,
		State:      IsmDown,
		Neighbors:  make(map[uint32]*Neighbor),
		logger:     logger.With("interface", cfg.Name),
		routerID:   routerID,
		fire:       fire,
		onHello:    onHello,
		onDrChange: onDrChange,
	}
}

// HandleEvent applies one ISM event (RFC 2328 Section 9.3).
func (i *Interface) HandleEvent(ev IsmEvent) {
	old := i.State
	switch ev {
	case IsmEvInterfaceUp:
		if i.State != IsmDown {
			break
		}
		i.startHello()
		if i.Config.Type == NetworkPointToPoint {
			i.State = IsmPointToPoint
		} else if i.Config.Priority == 0 {
			i.State = IsmDROther
		} else {
			i.State = IsmWaiting
			i.waitTimer = task.NewTimeout(i.Config.RouterDeadInterval, func() {
				i.fire(i.Config.Name, IsmEvWaitTimer)
			})
		}
	case IsmEvWaitTimer, IsmEvBackupSeen:
		if i.State == IsmWaiting {
			i.stopWait()
			i.electDR()
		}
	case IsmEvNeighborChange:
		if i.State >= IsmDROther {
			i.electDR()
		}
	case IsmEvLoopInd:
		i.down()
		i.State = IsmLoopback
	case IsmEvUnloopInd:
		if i.State == IsmLoopback {
			i.State = IsmDown
		}
	case IsmEvInterfaceDown:
		i.down()
	}
	if i.State != old {
		i.logger.Info("interface state change",
			"from", old.String(), "to", i.State.String())
	}
}

// down transitions to Down: all neighbors are destroyed. Their LSAs are
// not purged here; they stay in the database until superseded or aged
// out.
func (i *Interface) down() {
	i.stopHello()
	i.stopWait()
	for _, nbr := range i.Neighbors {
		nbr.HandleEvent(NbrEvLLDown)
		nbr.Close()
	}
	clear(i.Neighbors)
	i.DR, i.BDR = 0, 0
	i.State = IsmDown
}

// electDR runs the DR election (RFC 2328 Section 9.4, single pass
// without the re-election round): highest priority wins, Router-ID
// breaks ties; a router declaring itself DR keeps the role.
func (i *Interface) electDR() {
	type candidate struct {
		id       uint32
		priority uint8
		declared uint32 // DR field of its Hello
		backup   uint32
	}
	candidates := []candidate{{
		id:       i.routerID,
		priority: i.Config.Priority,
		declared: i.DR,
		backup:   i.BDR,
	}}
	for _, nbr := range i.Neighbors {
		if nbr.State >= NbrTwoWay && nbr.Priority > 0 {
			candidates = append(candidates, candidate{
				id: nbr.RouterID, priority: nbr.Priority,
				declared: nbr.DR, backup: nbr.BDR,
			})
		}
	}

	better := func(a, b candidate) bool {
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.id > b.id
	}

	// BDR first, among routers not declaring themselves DR.
	var bdr, dr *candidate
	for idx := range candidates {
		c := &candidates[idx]
		if c.declared == c.id {
			continue
		}
		if bdr == nil || better(*c, *bdr) {
			bdr = c
		}
	}
	// DR: routers declaring themselves DR, else the BDR is promoted.
	for idx := range candidates {
		c := &candidates[idx]
		if c.declared != c.id {
			continue
		}
		if dr == nil || better(*c, *dr) {
			dr = c
		}
	}
	if dr == nil {
		dr = bdr
		bdr = nil
	}

	oldDR, oldBDR := i.DR, i.BDR
	i.DR, i.BDR = 0, 0
	if dr != nil {
		i.DR = dr.id
	}
	if bdr != nil {
		i.BDR = bdr.id
	}

	switch {
	case i.DR == i.routerID:
		i.State = IsmDR
	case i.BDR == i.routerID:
		i.State = IsmBackup
	default:
		i.State = IsmDROther
	}

	if i.DR != oldDR || i.BDR != oldBDR {
		if i.onDrChange != nil {
			i.onDrChange(i)
		}
		// Adjacency formation depends on DR/BDR status: re-evaluate.
		for _, nbr := range i.Neighbors {
			nbr.HandleEvent(NbrEvAdjOK)
		}
	}
}

// WantAdjacency reports whether a full adjacency should form with the
// neighbor on this interface (RFC 2328 Section 10.4).
func (i *Interface) WantAdjacency(nbr *Neighbor) bool {
	switch i.State {
	case IsmPointToPoint:
		return true
	case IsmDR, IsmBackup:
		return true
	default:
		return nbr.RouterID == i.DR || nbr.RouterID == i.BDR
	}
}

func (i *Interface) startHello() {
	if i.Config.Passive {
		return
	}
	i.stopHello()
	i.helloTask = task.NewInterval(i.Config.HelloInterval, true, func() {
		if i.onHello != nil {
			i.onHello(i)
		}
	})
}

func (i *Interface) stopHello() {
	if i.helloTask != nil {
		i.helloTask.Stop()
		i.helloTask = nil
	}
}

func (i *Interface) stopWait() {
	i.waitTimer.Stop()
	i.waitTimer = nil
}

// Close stops the interface's tasks and neighbors.
func (i *Interface) Close() { i.down() }
