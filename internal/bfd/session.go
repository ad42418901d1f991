package bfd

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Session Key — RFC 5881 / RFC 5883
// -------------------------------------------------------------------------

// SessionType distinguishes single-hop from multi-hop sessions.
type SessionType uint8

const (
	// SessionTypeSingleHop is a single-hop session (RFC 5881), keyed by
	// (interface, destination).
	SessionTypeSingleHop SessionType = iota + 1
	// SessionTypeMultiHop is a multi-hop session (RFC 5883), keyed by
	// (source, destination).
	SessionTypeMultiHop
)

// String returns the session type name.
func (st SessionType) String() string {
	switch st {
	case SessionTypeSingleHop:
		return "SingleHop"
	case SessionTypeMultiHop:
		return "MultiHop"
	default:
		return "Unknown"
	}
}

// SessionKey identifies a session. Single-hop keys carry (IfName, Dst);
// multi-hop keys carry (Src, Dst).
type SessionKey struct {
	Type   SessionType
	IfName string
	Src    netip.Addr
	Dst    netip.Addr
}

// String renders the key for logs.
func (k SessionKey) String() string {
	if k.Type == SessionTypeSingleHop {
		return fmt.Sprintf("single-hop %s@%s", k.Dst, k.IfName)
	}
	return fmt.Sprintf("multi-hop %s->%s", k.Src, k.Dst)
}

// -------------------------------------------------------------------------
// Session Configuration
// -------------------------------------------------------------------------

// SessionConfig are the locally configured session parameters. Intervals
// are in microseconds, matching the wire encoding.
type SessionConfig struct {
	LocalMultiplier uint8
	DesiredMinTx    uint32
	RequiredMinRx   uint32
	TxTTL           uint8
	RxTTLCheck      bool
}

// DefaultSessionConfig returns the session defaults: 1 s intervals,
// multiplier 3, TTL 255 (GTSM).
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		LocalMultiplier: 3,
		DesiredMinTx:    SlowTxInterval,
		RequiredMinRx:   SlowTxInterval,
		TxTTL:           255,
		RxTTLCheck:      true,
	}
}

// -------------------------------------------------------------------------
// Session State
// -------------------------------------------------------------------------

// RemoteInfo mirrors the last valid packet received from the peer.
type RemoteInfo struct {
	State      State
	Discr      uint32
	Diag       Diag
	Multiplier uint8
	MinTx      uint32
	MinRx      uint32
	DemandMode bool
}

// Statistics are the per-session counters exposed northbound.
type Statistics struct {
	CreateTime          time.Time
	LastStateChangeTime time.Time
	LastDownTime        time.Time
	LastUpTime          time.Time
	DownCount           uint32
	AdminDownCount      uint32
	RxPacketCount       uint64
	TxPacketCount       atomic.Uint64
	RxErrorCount        uint64
	TxErrorCount        atomic.Uint64
}

// PacketSender transmits a marshalled control packet towards the peer.
// The destination carries the IPv6 zone when the session is bound to an
// interface.
type PacketSender interface {
	SendControl(dst netip.AddrPort, pkt *ControlPacket) error
}

// StateChange is emitted to the manager on every local state transition
// that is reportable to clients.
type StateChange struct {
	Key      SessionKey
	State    State
	Diag     Diag
	Notify   bool
	Occurred time.Time
}

// Session is one BFD session. It is owned by the Manager and mutated only
// from the instance main loop; the Tx task reads immutable snapshots.
type Session struct {
	Key    SessionKey
	Config SessionConfig

	// ConfigPresent is true while static configuration references the
	// session. Sessions with neither config nor clients are torn down.
	ConfigPresent bool
	// Clients are the registered protocol clients keyed by their
	// registration name.
	Clients map[string]struct{}

	LocalDiscr uint32
	LocalState State
	LocalDiag  Diag

	// CurrMinTx and CurrMinRx are the effective local intervals in
	// microseconds (RFC 5880 Section 6.8.3: slow Tx while not Up).
	CurrMinTx uint32
	CurrMinRx uint32

	PollActive   bool
	FinalPending bool

	Remote *RemoteInfo

	// SockAddr is the peer transport address, including scope for
	// link-local IPv6. Unset until the interface index is known.
	SockAddr netip.AddrPort
	IfIndex  uint32

	Stats Statistics

	detectionTimer *task.Timeout
	txTask         *task.Interval
	txFire         func()
}

// NewSession creates a session in Down state with the given discriminator.
func NewSession(key SessionKey, localDiscr uint32, cfg SessionConfig) *Session {
	s := &Session{
		Key:        key,
		Config:     cfg,
		Clients:    make(map[string]struct{}),
		LocalDiscr: localDiscr,
		LocalState: StateDown,
		CurrMinTx:  SlowTxInterval,
		CurrMinRx:  cfg.RequiredMinRx,
	}
	s.Stats.CreateTime = time.Now()
	return s
}

// -------------------------------------------------------------------------
// Interval Negotiation — RFC 5880 Section 6.8.7 / 6.8.4
// -------------------------------------------------------------------------

// NegotiatedTxInterval returns the effective transmit interval in
// microseconds. The second result is false when transmission is
// suppressed because the remote advertised RequiredMinRx of zero.
func (s *Session) NegotiatedTxInterval() (uint32, bool) {
	if s.Remote == nil {
		return s.CurrMinTx, true
	}
	if s.Remote.MinRx == 0 {
		return 0, false
	}
	return max(s.CurrMinTx, s.Remote.MinRx), true
}

// NegotiatedRxInterval returns the effective receive interval in
// microseconds.
func (s *Session) NegotiatedRxInterval() uint32 {
	if s.Remote == nil {
		return s.CurrMinRx
	}
	return max(s.CurrMinRx, s.Remote.MinTx)
}

// DetectionTime returns the failure detection time, zero until the first
// remote packet arrives (RFC 5880 Section 6.8.4).
func (s *Session) DetectionTime() time.Duration {
	if s.Remote == nil {
		return 0
	}
	us := uint64(s.Remote.Multiplier) * uint64(s.NegotiatedRxInterval())
	return time.Duration(us) * time.Microsecond
}

// -------------------------------------------------------------------------
// FSM application
// -------------------------------------------------------------------------

// ApplyEvent runs one FSM step and executes the transition side effects:
// statistics, interval reset, Poll initiation on Up entry. The returned
// StateChange carries Notify=false for the transitions that RFC 5882
// Section 4.2 hides from clients (Up -> AdminDown, and Up -> Down caused
// by a remote AdminDown).
func (s *Session) ApplyEvent(event Event) (StateChange, bool) {
	old := s.LocalState
	result := FSMStep(s.LocalState, event)
	if !result.Transitioned {
		return StateChange{}, false
	}

	s.LocalState = result.NewState
	if result.Diag != DiagNone {
		s.LocalDiag = result.Diag
	}

	now := time.Now()
	s.Stats.LastStateChangeTime = now
	switch result.NewState {
	case StateUp:
		s.Stats.LastUpTime = now
	case StateDown:
		s.Stats.DownCount++
		s.Stats.LastDownTime = now
	case StateAdminDown:
		s.Stats.AdminDownCount++
		s.Stats.LastDownTime = now
	}

	s.applyIntervalPolicy(result.NewState)

	notify := true
	if old == StateUp {
		switch {
		case result.NewState == StateAdminDown:
			notify = false
		case result.NewState == StateDown && event == EventRecvAdminDown:
			notify = false
		}
	}

	return StateChange{
		Key:      s.Key,
		State:    result.NewState,
		Diag:     s.LocalDiag,
		Notify:   notify,
		Occurred: now,
	}, true
}

// applyIntervalPolicy resets the transmit interval after a transition:
// slow Tx while not Up, the configured value once Up. Entering Up also
// starts a Poll sequence so both ends converge on the negotiated
// intervals (RFC 5880 Section 6.8.3).
func (s *Session) applyIntervalPolicy(state State) {
	if state == StateUp {
		s.CurrMinTx = s.Config.DesiredMinTx
		s.PollActive = true
	} else {
		s.CurrMinTx = SlowTxInterval
	}
	s.restartTxTask()
}

// -------------------------------------------------------------------------
// Packet handling
// -------------------------------------------------------------------------

// HandlePacket digests one validated control packet: records the remote
// info, answers Poll with Final, completes a local Poll sequence on
// Final, rearms the detection timer, and drives the FSM. onExpiry is the
// callback armed into the detection timer.
func (s *Session) HandlePacket(pkt *ControlPacket, onExpiry func()) (StateChange, bool) {
	s.Stats.RxPacketCount++

	s.Remote = &RemoteInfo{
		State:      pkt.State,
		Discr:      pkt.MyDiscr,
		Diag:       pkt.Diag,
		Multiplier: pkt.DetectMult,
		MinTx:      pkt.DesiredMinTx,
		MinRx:      pkt.RequiredMinRx,
		DemandMode: pkt.Flags&FlagD != 0,
	}

	// Poll/Final handshake (RFC 5880 Section 6.5).
	if pkt.Flags&FlagP != 0 {
		s.FinalPending = true
	}
	if pkt.Flags&FlagF != 0 {
		s.PollActive = false
	}

	// Rearm detection unless the remote is AdminDown, which would
	// otherwise flap the session on its way back up.
	if pkt.State != StateAdminDown {
		s.RearmDetection(onExpiry)
	}

	change, transitioned := s.ApplyEvent(EventForRemoteState(pkt.State))
	if !transitioned {
		// Interval changes can arrive without a state transition.
		s.restartTxTask()
	}
	return change, transitioned
}

// HandleDetectionExpiry drives the FSM for a detection timeout. The
// remote state is cleared so stale negotiated values do not survive the
// failure (RFC 5880 Section 6.8.1: bfd.RemoteDiscr et al. reset).
func (s *Session) HandleDetectionExpiry() (StateChange, bool) {
	if s.LocalState != StateInit && s.LocalState != StateUp {
		// Superseded timer event; the reset is idempotent.
		return StateChange{}, false
	}
	s.Remote = nil
	return s.ApplyEvent(EventTimerExpired)
}

// RearmDetection restarts the detection timer with the current detection
// time. A zero detection time (no remote info) leaves the timer stopped.
func (s *Session) RearmDetection(onExpiry func()) {
	s.detectionTimer.Stop()
	s.detectionTimer = nil
	if d := s.DetectionTime(); d > 0 {
		s.detectionTimer = task.NewTimeout(d, onExpiry)
	}
}

// -------------------------------------------------------------------------
// Transmission
// -------------------------------------------------------------------------

// BuildControlPacket assembles the next control packet to transmit.
func (s *Session) BuildControlPacket(final bool) *ControlPacket {
	pkt := &ControlPacket{
		Diag:          s.LocalDiag,
		State:         s.LocalState,
		DetectMult:    s.Config.LocalMultiplier,
		MyDiscr:       s.LocalDiscr,
		DesiredMinTx:  s.CurrMinTx,
		RequiredMinRx: s.CurrMinRx,
	}
	if s.Remote != nil {
		pkt.YourDiscr = s.Remote.Discr
	}
	if final {
		pkt.Flags |= FlagF
	} else if s.PollActive {
		pkt.Flags |= FlagP
	}
	return pkt
}

// StartTxTask (re)creates the periodic transmit task. The task emits tx
// ticks through fire — typically a non-blocking send into the manager's
// event channel — and the manager calls TransmitNow on the main loop, so
// session state never crosses goroutines. Transmission is suppressed
// while the peer advertises MinRx zero or the destination address is
// unknown.
func (s *Session) StartTxTask(fire func()) {
	s.stopTxTask()
	s.txFire = fire
	interval, ok := s.NegotiatedTxInterval()
	if !ok || !s.SockAddr.IsValid() {
		return
	}

	period := task.Jitter(time.Duration(interval)*time.Microsecond, 0.25)
	s.txTask = task.NewInterval(period, true, fire)
}

// restartTxTask re-applies the current negotiated interval to a running
// Tx task, or starts one if the interval became usable.
func (s *Session) restartTxTask() {
	if s.txFire == nil {
		return
	}
	s.StartTxTask(s.txFire)
}

// TransmitNow builds and sends one control packet. Called from the main
// loop on tx ticks and on transitions that demand an immediate packet.
func (s *Session) TransmitNow(sender PacketSender) {
	if sender == nil || !s.SockAddr.IsValid() {
		return
	}
	if _, ok := s.NegotiatedTxInterval(); !ok {
		return
	}
	final := s.FinalPending
	s.FinalPending = false
	pkt := s.BuildControlPacket(final)
	if err := sender.SendControl(s.SockAddr, pkt); err != nil {
		s.Stats.TxErrorCount.Add(1)
		return
	}
	s.Stats.TxPacketCount.Add(1)
}

func (s *Session) stopTxTask() {
	if s.txTask != nil {
		s.txTask.Stop()
		s.txTask = nil
	}
}

// Close stops all session tasks.
func (s *Session) Close() {
	s.stopTxTask()
	s.detectionTimer.Stop()
	s.detectionTimer = nil
}
