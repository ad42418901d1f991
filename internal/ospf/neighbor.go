package ospf

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Neighbor state machine — RFC 2328 Section 10
// -------------------------------------------------------------------------

// NbrState is the neighbor (NSM) state.
type NbrState uint8

const (
	NbrDown NbrState = iota
	NbrAttempt
	NbrInit
	NbrTwoWay
	NbrExStart
	NbrExchange
	NbrLoading
	NbrFull
)

// String returns the NSM state name.
func (s NbrState) String() string {
	switch s {
	case NbrDown:
		return "Down"
	case NbrAttempt:
		return "Attempt"
	case NbrInit:
		return "Init"
	case NbrTwoWay:
		return "2-Way"
	case NbrExStart:
		return "ExStart"
	case NbrExchange:
		return "Exchange"
	case NbrLoading:
		return "Loading"
	case NbrFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// NbrEvent drives the NSM.
type NbrEvent uint8

const (
	NbrEvHelloRcvd NbrEvent = iota
	NbrEvStart
	NbrEvTwoWayRcvd
	NbrEvOneWayRcvd
	NbrEvNegotiationDone
	NbrEvExchangeDone
	NbrEvLoadingDone
	NbrEvAdjOK
	NbrEvSeqNumberMismatch
	NbrEvBadLSReq
	NbrEvKillNbr
	NbrEvInactivityTimer
	NbrEvLLDown
)

// String returns the event name.
func (e NbrEvent) String() string {
	switch e {
	case NbrEvHelloRcvd:
		return "HelloReceived"
	case NbrEvStart:
		return "Start"
	case NbrEvTwoWayRcvd:
		return "2-WayReceived"
	case NbrEvOneWayRcvd:
		return "1-WayReceived"
	case NbrEvNegotiationDone:
		return "NegotiationDone"
	case NbrEvExchangeDone:
		return "ExchangeDone"
	case NbrEvLoadingDone:
		return "LoadingDone"
	case NbrEvAdjOK:
		return "AdjOK?"
	case NbrEvSeqNumberMismatch:
		return "SeqNumberMismatch"
	case NbrEvBadLSReq:
		return "BadLSReq"
	case NbrEvKillNbr:
		return "KillNbr"
	case NbrEvInactivityTimer:
		return "InactivityTimer"
	case NbrEvLLDown:
		return "LLDown"
	default:
		return "Unknown"
	}
}

// Neighbor is one OSPF neighbor, owned by its interface.
type Neighbor struct {
	RouterID uint32
	Addr     netip.Addr
	State    NbrState
	Priority uint8
	// DR and BDR as seen in the neighbor's Hellos.
	DR  uint32
	BDR uint32

	// Master is true when we are master of the DB exchange.
	Master  bool
	DdSeqNo uint32
	// LastDbDesc caches the last received DB description for duplicate
	// detection.
	LastDbDesc *DbDesc

	// LsRequestList holds the LSAs still to be requested; LsRetransList
	// the flooded-but-unacknowledged ones.
	LsRequestList map[LsaKey]LsaHdr
	LsRetransList map[LsaKey]*Lsa

	logger       *slog.Logger
	deadInterval time.Duration
	inactivity   *task.Timeout
	fire         func(routerID uint32, ev NbrEvent)
	// onStateChange is invoked after each transition with the old state.
	onStateChange func(nbr *Neighbor, old NbrState)
	// wantAdjacency decides whether a full adjacency should form with
	// this neighbor (RFC 2328 Section 10.4). Nil means always.
	wantAdjacency func(*Neighbor) bool
}

// SetAdjacencyPolicy installs the should-form-adjacency decision.
func (n *Neighbor) SetAdjacencyPolicy(fn func(*Neighbor) bool) {
	n.wantAdjacency = fn
}

// NewNeighbor creates a neighbor in Down state.
func NewNeighbor(logger *slog.Logger, routerID uint32, addr netip.Addr,
	deadInterval time.Duration, fire func(uint32, NbrEvent),
	onStateChange func(*Neighbor, NbrState)) *Neighbor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Neighbor{
		RouterID:      routerID,
		Addr:          addr,
		State:         NbrDown,
		LsRequestList: make(map[LsaKey]LsaHdr),
		LsRetransList: make(map[LsaKey]*Lsa),
		logger:        logger.With("neighbor", u32ToAddr(routerID).String()),
		deadInterval:  deadInterval,
		fire:          fire,
		onStateChange: onStateChange,
	}
}

// HandleEvent applies one NSM event (RFC 2328 Section 10.3). At most one
// transition results.
func (n *Neighbor) HandleEvent(ev NbrEvent) {
	old := n.State
	switch ev {
	case NbrEvHelloRcvd:
		n.restartInactivity()
		if n.State == NbrDown || n.State == NbrAttempt {
			n.State = NbrInit
		}
	case NbrEvTwoWayRcvd:
		if n.State == NbrInit {
			if n.wantAdjacency == nil || n.wantAdjacency(n) {
				n.State = NbrExStart
				n.Master = true
				n.DdSeqNo++
			} else {
				n.State = NbrTwoWay
			}
		}
	case NbrEvAdjOK:
		// Re-evaluated after DR election: form or tear the adjacency.
		switch {
		case n.State == NbrTwoWay && (n.wantAdjacency == nil || n.wantAdjacency(n)):
			n.State = NbrExStart
			n.Master = true
			n.DdSeqNo++
		case n.State > NbrTwoWay && n.wantAdjacency != nil && !n.wantAdjacency(n):
			n.clearLists()
			n.State = NbrTwoWay
		}
	case NbrEvOneWayRcvd:
		if n.State >= NbrTwoWay {
			n.State = NbrInit
			n.clearLists()
		}
	case NbrEvNegotiationDone:
		if n.State == NbrExStart {
			n.State = NbrExchange
		}
	case NbrEvExchangeDone:
		if n.State == NbrExchange {
			if len(n.LsRequestList) == 0 {
				n.State = NbrFull
			} else {
				n.State = NbrLoading
			}
		}
	case NbrEvLoadingDone:
		if n.State == NbrLoading {
			n.State = NbrFull
		}
	case NbrEvSeqNumberMismatch, NbrEvBadLSReq:
		// RFC 2328 Section 10.3: tear the exchange down and restart it.
		if n.State >= NbrExchange {
			n.clearLists()
			n.State = NbrExStart
			n.Master = true
			n.DdSeqNo++
		}
	case NbrEvKillNbr, NbrEvLLDown, NbrEvInactivityTimer:
		n.clearLists()
		n.stopInactivity()
		n.State = NbrDown
	}

	if n.State != old {
		n.logger.Info("neighbor state change",
			"from", old.String(), "to", n.State.String(), "event", ev.String())
		if n.onStateChange != nil {
			n.onStateChange(n, old)
		}
	}
}

func (n *Neighbor) clearLists() {
	clear(n.LsRequestList)
	clear(n.LsRetransList)
	n.LastDbDesc = nil
}

func (n *Neighbor) restartInactivity() {
	n.stopInactivity()
	id := n.RouterID
	n.inactivity = task.NewTimeout(n.deadInterval, func() {
		n.fire(id, NbrEvInactivityTimer)
	})
}

func (n *Neighbor) stopInactivity() {
	n.inactivity.Stop()
	n.inactivity = nil
}

// Close stops the neighbor's timers.
func (n *Neighbor) Close() { n.stopInactivity() }

// CheckDbDesc validates a received DB description against the exchange
// state and reports the NSM event to apply, or NbrEvHelloRcvd (no-op
// stand-in) when the packet is in sequence.
func (n *Neighbor) CheckDbDesc(d *DbDesc) NbrEvent {
	switch n.State {
	case NbrExStart:
		// Negotiation: the higher Router-ID becomes master.
		if d.Flags&(DbDescFlagI|DbDescFlagM|DbDescFlagMS) == DbDescFlagI|DbDescFlagM|DbDescFlagMS {
			return NbrEvNegotiationDone
		}
		return NbrEvHelloRcvd
	case NbrExchange:
		// Out-of-sequence or unexpectedly restarted exchange.
		if d.Flags&DbDescFlagI != 0 {
			return NbrEvSeqNumberMismatch
		}
		if n.Master && d.DdSeqNo != n.DdSeqNo {
			return NbrEvSeqNumberMismatch
		}
		if !n.Master && d.DdSeqNo != n.DdSeqNo+1 {
			return NbrEvSeqNumberMismatch
		}
		return NbrEvHelloRcvd
	default:
		return NbrEvSeqNumberMismatch
	}
}
