package bgp

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Neighbor FSM — RFC 4271 Section 8
// -------------------------------------------------------------------------

// NeighborState is the BGP neighbor FSM state.
type NeighborState uint8

const (
	StateIdle NeighborState = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

// String returns the RFC state name.
func (s NeighborState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// NeighborEvent drives the FSM.
type NeighborEvent uint8

const (
	EvStart NeighborEvent = iota
	EvStop
	EvConnected
	EvConnectFailed
	EvRecvOpen
	EvRecvKeepalive
	EvRecvUpdate
	EvRecvNotification
	EvHoldTimerExpired
	EvConnectRetryExpired
)

// String returns the event name.
func (e NeighborEvent) String() string {
	switch e {
	case EvStart:
		return "Start"
	case EvStop:
		return "Stop"
	case EvConnected:
		return "Connected"
	case EvConnectFailed:
		return "ConnectFailed"
	case EvRecvOpen:
		return "RecvOpen"
	case EvRecvKeepalive:
		return "RecvKeepalive"
	case EvRecvUpdate:
		return "RecvUpdate"
	case EvRecvNotification:
		return "RecvNotification"
	case EvHoldTimerExpired:
		return "HoldTimerExpired"
	case EvConnectRetryExpired:
		return "ConnectRetryExpired"
	default:
		return "Unknown"
	}
}

// Connection-retry backoff sequence. Each failed attempt moves one step
// further; an Established session resets to the start.
var retryBackoff = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// Default timers (RFC 4271 Section 10 suggested values).
const (
	DefaultHoldTime      = 90 * time.Second
	DefaultKeepaliveTime = DefaultHoldTime / 3
)

// NeighborConfig is the per-neighbor configuration.
type NeighborConfig struct {
	RemoteAddr netip.Addr
	PeerAS     uint32
	LocalAS    uint32
	LocalAddr  netip.Addr
	HoldTime   time.Duration
	Passive    bool
}

// NeighborStats counts neighbor-level events.
type NeighborStats struct {
	MsgsRcvd          uint64
	MsgsSent          uint64
	UpdateMsgsRcvd    uint64
	UpdateMsgsSent    uint64
	EstablishedCount  uint64
	DecodeErrors      uint64
	NotificationsSent uint64
	LastEstablished   time.Time
}

// NeighborHooks are the side-effect callbacks the FSM invokes on
// transitions: connection management and message transmission belong to
// the instance.
type NeighborHooks struct {
	// Connect initiates the outbound TCP connection.
	Connect func()
	// CloseConn tears down the transport.
	CloseConn func()
	// SendOpen, SendKeepalive transmit the respective messages.
	SendOpen      func()
	SendKeepalive func()
	// SendNotification transmits a NOTIFICATION before closing.
	SendNotification func(code, subcode uint8)
	// SessionUp fires on entering Established.
	SessionUp func()
	// SessionDown fires on leaving Established.
	SessionDown func()
}

// Neighbor is one configured BGP peer. Owned by the instance main loop.
type Neighbor struct {
	Config NeighborConfig
	State  NeighborState
	Stats  NeighborStats

	// PeerType is derived from the AS relationship.
	PeerType RouteType
	// Identifier is the peer's router-id learned from its OPEN.
	Identifier uint32
	// HoldTime is the negotiated value, min(local, peer).
	HoldTime time.Duration
	// CapsReceived are the peer's advertised capabilities.
	CapsReceived []Capability

	logger       *slog.Logger
	hooks        NeighborHooks
	backoffStage int

	connectRetry *task.Timeout
	holdTimer    *task.Timeout
	keepalive    *task.Interval

	// fire posts a timer event into the instance channel.
	fire func(NeighborEvent)
}

// NewNeighbor creates a neighbor in Idle state.
func NewNeighbor(logger *slog.Logger, cfg NeighborConfig, hooks NeighborHooks, fire func(NeighborEvent)) *Neighbor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HoldTime == 0 {
		cfg.HoldTime = DefaultHoldTime
	}
	peerType := RouteTypeInternal
	if cfg.PeerAS != cfg.LocalAS {
		peerType = RouteTypeExternal
	}
	return &Neighbor{
		Config:   cfg,
		State:    StateIdle,
		PeerType: peerType,
		logger: logger.With(
			"protocol", "bgp", "neighbor", cfg.RemoteAddr.String()),
		hooks: hooks,
		fire:  fire,
	}
}

// HandleEvent applies one event. Every event causes at most one
// transition; side effects run only on the transition that produces
// them.
func (n *Neighbor) HandleEvent(ev NeighborEvent, msg Message) {
	old := n.State
	switch n.State {
	case StateIdle:
		n.handleIdle(ev)
	case StateConnect:
		n.handleConnect(ev)
	case StateActive:
		n.handleActive(ev)
	case StateOpenSent:
		n.handleOpenSent(ev, msg)
	case StateOpenConfirm:
		n.handleOpenConfirm(ev)
	case StateEstablished:
		n.handleEstablished(ev)
	}
	if n.State != old {
		n.logger.Info("neighbor state change",
			"from", old.String(), "to", n.State.String(), "event", ev.String())
		if old == StateEstablished {
			n.hooks.SessionDown()
		}
		if n.State == StateEstablished {
			n.Stats.EstablishedCount++
			n.Stats.LastEstablished = time.Now()
			n.backoffStage = 0
			n.hooks.SessionUp()
		}
	}
}

func (n *Neighbor) handleIdle(ev NeighborEvent) {
	if ev != EvStart {
		return
	}
	if n.Config.Passive {
		n.State = StateActive
		return
	}
	n.State = StateConnect
	n.hooks.Connect()
}

func (n *Neighbor) handleConnect(ev NeighborEvent) {
	switch ev {
	case EvConnected:
		n.hooks.SendOpen()
		n.startHoldTimer(4 * time.Minute) // large hold until negotiation
		n.State = StateOpenSent
	case EvConnectFailed, EvConnectRetryExpired:
		n.scheduleRetry()
		n.State = StateActive
	case EvStop:
		n.reset(false)
	}
}

func (n *Neighbor) handleActive(ev NeighborEvent) {
	switch ev {
	case EvConnected:
		// Inbound connection accepted.
		n.hooks.SendOpen()
		n.startHoldTimer(4 * time.Minute)
		n.State = StateOpenSent
	case EvConnectRetryExpired:
		n.State = StateConnect
		n.hooks.Connect()
	case EvStop:
		n.reset(false)
	}
}

func (n *Neighbor) handleOpenSent(ev NeighborEvent, msg Message) {
	switch ev {
	case EvRecvOpen:
		open, ok := msg.(*OpenMsg)
		if !ok {
			return
		}
		if err := n.validateOpen(open); err != 0 {
			n.notifyAndReset(NotifOpenMessageError, err)
			return
		}
		n.applyOpen(open)
		n.hooks.SendKeepalive()
		n.State = StateOpenConfirm
	case EvRecvNotification, EvConnectFailed:
		n.reset(false)
		n.scheduleRetry()
		n.State = StateActive
	case EvHoldTimerExpired:
		n.notifyAndReset(NotifHoldTimerExpired, 0)
	case EvStop:
		n.notifyAndReset(NotifCease, 0)
	case EvRecvKeepalive, EvRecvUpdate:
		n.notifyAndReset(NotifFSMError, 0)
	}
}

func (n *Neighbor) handleOpenConfirm(ev NeighborEvent) {
	switch ev {
	case EvRecvKeepalive:
		n.startKeepalive()
		n.startHoldTimer(n.HoldTime)
		n.State = StateEstablished
	case EvRecvNotification, EvConnectFailed:
		n.reset(false)
		n.scheduleRetry()
		n.State = StateActive
	case EvHoldTimerExpired:
		n.notifyAndReset(NotifHoldTimerExpired, 0)
	case EvStop:
		n.notifyAndReset(NotifCease, 0)
	case EvRecvUpdate:
		n.notifyAndReset(NotifFSMError, 0)
	}
}

func (n *Neighbor) handleEstablished(ev NeighborEvent) {
	switch ev {
	case EvRecvUpdate, EvRecvKeepalive:
		n.startHoldTimer(n.HoldTime)
	case EvRecvNotification, EvConnectFailed:
		n.reset(false)
		n.scheduleRetry()
		n.State = StateActive
	case EvHoldTimerExpired:
		n.notifyAndReset(NotifHoldTimerExpired, 0)
	case EvStop:
		n.notifyAndReset(NotifCease, 0)
	}
}

// validateOpen returns a NOTIFICATION subcode, or zero when acceptable.
func (n *Neighbor) validateOpen(open *OpenMsg) uint8 {
	peerAS := uint32(open.MyAS)
	for _, cap := range open.Capabilities {
		if cap.Code == CapFourOctetAS {
			peerAS = cap.AS
		}
	}
	if peerAS != n.Config.PeerAS {
		return 2 // Bad Peer AS
	}
	if open.Identifier == 0 {
		return 3 // Bad BGP Identifier
	}
	if open.HoldTime != 0 && open.HoldTime < 3 {
		return 6 // Unacceptable Hold Time
	}
	return 0
}

func (n *Neighbor) applyOpen(open *OpenMsg) {
	n.Identifier = open.Identifier
	n.CapsReceived = open.Capabilities
	peerHold := time.Duration(open.HoldTime) * time.Second
	n.HoldTime = min(n.Config.HoldTime, peerHold)
	if open.HoldTime == 0 {
		n.HoldTime = 0
	}
}

// notifyAndReset sends a NOTIFICATION, closes the session, and schedules
// the next connection attempt with backoff.
func (n *Neighbor) notifyAndReset(code, subcode uint8) {
	n.hooks.SendNotification(code, subcode)
	n.Stats.NotificationsSent++
	n.reset(false)
	n.scheduleRetry()
	n.State = StateActive
}

// reset stops timers and closes the connection. When toIdle is set the
// neighbor fully deconfigures back to Idle.
func (n *Neighbor) reset(toIdle bool) {
	n.stopTimers()
	n.hooks.CloseConn()
	n.Identifier = 0
	n.CapsReceived = nil
	if toIdle {
		n.State = StateIdle
	}
}

// Stop administratively shuts the neighbor down.
func (n *Neighbor) Stop() {
	if n.State == StateEstablished {
		n.hooks.SendNotification(NotifCease, 0)
		n.hooks.SessionDown()
	}
	n.reset(true)
	n.backoffStage = 0
}

// scheduleRetry arms the connect-retry timer with the next backoff step
// (15 s doubling to a 120 s ceiling).
func (n *Neighbor) scheduleRetry() {
	d := retryBackoff[min(n.backoffStage, len(retryBackoff)-1)]
	if n.backoffStage < len(retryBackoff)-1 {
		n.backoffStage++
	}
	n.connectRetry.Stop()
	n.connectRetry = task.NewTimeout(d, func() { n.fire(EvConnectRetryExpired) })
}

// RetryBackoff exposes the next retry delay for introspection.
func (n *Neighbor) RetryBackoff() time.Duration {
	return retryBackoff[min(n.backoffStage, len(retryBackoff)-1)]
}

func (n *Neighbor) startHoldTimer(d time.Duration) {
	n.holdTimer.Stop()
	n.holdTimer = nil
	if d > 0 {
		n.holdTimer = task.NewTimeout(d, func() { n.fire(EvHoldTimerExpired) })
	}
}

func (n *Neighbor) startKeepalive() {
	n.stopKeepalive()
	if n.HoldTime == 0 {
		return
	}
	// The first KEEPALIVE went out in OpenConfirm; the interval takes
	// over from the next period.
	n.keepalive = task.NewInterval(n.HoldTime/3, false, n.hooks.SendKeepalive)
}

func (n *Neighbor) stopKeepalive() {
	if n.keepalive != nil {
		n.keepalive.Stop()
		n.keepalive = nil
	}
}

func (n *Neighbor) stopTimers() {
	n.connectRetry.Stop()
	n.connectRetry = nil
	n.holdTimer.Stop()
	n.holdTimer = nil
	n.stopKeepalive()
}
