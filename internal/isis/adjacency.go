package isis

import (
	"log/slog"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Adjacency state machine — ISO 10589 Section 8.2/8.4
// -------------------------------------------------------------------------

// AdjState is the adjacency state.
type AdjState uint8

const (
	AdjDown AdjState = iota
	AdjInitializing
	AdjUp
)

// String returns the state name.
func (s AdjState) String() string {
	switch s {
	case AdjDown:
		return "Down"
	case AdjInitializing:
		return "Initializing"
	case AdjUp:
		return "Up"
	default:
		return "Unknown"
	}
}

// AdjEvent drives the adjacency FSM.
type AdjEvent uint8

const (
	// AdjEvHelloRcvd: an IIH arrived that does not yet list us.
	AdjEvHelloRcvd AdjEvent = iota
	// AdjEvHelloTwoWay: an IIH arrived listing this system.
	AdjEvHelloTwoWay
	// AdjEvHoldTimer: the hold timer expired.
	AdjEvHoldTimer
	// AdjEvLinkDown: the underlying interface went down.
	AdjEvLinkDown
)

// Adjacency is one IS-IS adjacency, owned by its interface.
type Adjacency struct {
	SysID SystemID
	// Snpa is the neighbor's MAC address on LAN circuits.
	Snpa  [6]byte
	State AdjState
	Level Level
	// Priority and LanID mirror the neighbor's LAN IIH.
	Priority uint8
	LanID    LanID
	HoldTime time.Duration

	logger    *slog.Logger
	holdTimer *task.Timeout
	fire      func(sysID SystemID, ev AdjEvent)
	// onStateChange is invoked after each transition with the old
	// state; the instance regenerates LSPs and schedules SPF there.
	onStateChange func(adj *Adjacency, old AdjState)
}

// NewAdjacency creates an adjacency in Down state.
func NewAdjacency(logger *slog.Logger, sysID SystemID, level Level,
	fire func(SystemID, AdjEvent), onStateChange func(*Adjacency, AdjState)) *Adjacency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjacency{
		SysID:         sysID,
		State:         AdjDown,
		Level:         level,
		logger:        logger.With("adjacency", sysID.String()),
		fire:          fire,
		onStateChange: onStateChange,
	}
}

// HandleEvent applies one event. At most one transition results.
func (a *Adjacency) HandleEvent(ev AdjEvent) {
	old := a.State
	switch ev {
	case AdjEvHelloRcvd:
		a.restartHold()
		if a.State == AdjDown {
			a.State = AdjInitializing
		}
	case AdjEvHelloTwoWay:
		a.restartHold()
		if a.State != AdjUp {
			a.State = AdjUp
		}
	case AdjEvHoldTimer, AdjEvLinkDown:
		a.stopHold()
		a.State = AdjDown
	}

	if a.State != old {
		a.logger.Info("adjacency state change",
			"from", old.String(), "to", a.State.String())
		if a.onStateChange != nil {
			a.onStateChange(a, old)
		}
	}
}

func (a *Adjacency) restartHold() {
	a.stopHold()
	if a.HoldTime <= 0 {
		return
	}
	id := a.SysID
	a.holdTimer = task.NewTimeout(a.HoldTime, func() {
		a.fire(id, AdjEvHoldTimer)
	})
}

func (a *Adjacency) stopHold() {
	a.holdTimer.Stop()
	a.holdTimer = nil
}

// Close stops the adjacency's timers.
func (a *Adjacency) Close() { a.stopHold() }
