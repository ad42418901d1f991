package ldp

import (
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/task"
)

// -------------------------------------------------------------------------
// Session FSM — RFC 5036 Section 2.5.4
// -------------------------------------------------------------------------

// SessionState is the session FSM state.
type SessionState uint8

const (
	SessionNonExistent SessionState = iota
	SessionInitialized
	SessionOpenRec
	SessionOpenSent
	SessionOperational
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case SessionNonExistent:
		return "NonExistent"
	case SessionInitialized:
		return "Initialized"
	case SessionOpenRec:
		return "OpenRec"
	case SessionOpenSent:
		return "OpenSent"
	case SessionOperational:
		return "Operational"
	default:
		return "Unknown"
	}
}

// SessionEvent drives the FSM.
type SessionEvent uint8

const (
	// SessEvConnUp: the TCP connection is up (active or passive).
	SessEvConnUp SessionEvent = iota
	// SessEvRecvInit: an acceptable Initialization arrived.
	SessEvRecvInit
	// SessEvRecvKeepalive: a KeepAlive arrived.
	SessEvRecvKeepalive
	// SessEvRecvBadInit: an unacceptable Initialization arrived.
	SessEvRecvBadInit
	// SessEvError: a fatal notification or transport failure.
	SessEvError
	// SessEvKeepaliveExpired: the keepalive timeout fired.
	SessEvKeepaliveExpired
	// SessEvClose: administrative teardown.
	SessEvClose
)

// Initialisation backoff sequence, identical to the BGP ladder.
var initBackoff = []time.Duration{
	15 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

// DefaultKeepaliveTime is the session keepalive in seconds.
const DefaultKeepaliveTime = 180

// SessionHooks are the session's transmission side effects.
type SessionHooks struct {
	SendInit         func()
	SendKeepalive    func()
	SendNotification func(status uint32, fatal bool)
	CloseConn        func()
	// SessionUp fires on entering Operational; SessionDown on leaving.
	SessionUp   func()
	SessionDown func()
}

// Session is one LDP session with a peer LSR.
type Session struct {
	PeerID LsrID
	// TransportAddr is the peer's session transport address.
	TransportAddr netip.Addr
	State         SessionState
	// Active is true when this LSR plays the active role (higher
	// transport address).
	Active bool
	// KeepaliveTime is the negotiated holdover, min of both proposals.
	KeepaliveTime time.Duration
	// LastSentMsgID numbers outgoing messages.
	LastSentMsgID uint32

	// AddressDB holds the peer's advertised addresses; LabelDB the
	// received label bindings keyed by FEC prefix.
	AddressDB map[netip.Addr]struct{}
	LabelDB   map[netip.Prefix]uint32

	logger       *slog.Logger
	hooks        SessionHooks
	backoffStage int
	backoff      *task.Timeout
	keepaliveTx  *task.Interval
	keepaliveRx  *task.Timeout
	fire         func(LsrID, SessionEvent)
}

// NewSession creates a session in NonExistent state.
func NewSession(logger *slog.Logger, peer LsrID, transport netip.Addr, active bool,
	hooks SessionHooks, fire func(LsrID, SessionEvent)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		PeerID:        peer,
		TransportAddr: transport,
		State:         SessionNonExistent,
		Active:        active,
		KeepaliveTime: DefaultKeepaliveTime * time.Second,
		AddressDB:     make(map[netip.Addr]struct{}),
		LabelDB:       make(map[netip.Prefix]uint32),
		logger:        logger.With("peer", peer.String()),
		hooks:         hooks,
		fire:          fire,
	}
}

// NextMsgID returns the next outgoing message identifier.
func (s *Session) NextMsgID() uint32 {
	s.LastSentMsgID++
	return s.LastSentMsgID
}

// HandleEvent applies one FSM event. At most one transition results.
func (s *Session) HandleEvent(ev SessionEvent) {
	old := s.State
	switch s.State {
	case SessionNonExistent:
		if ev == SessEvConnUp {
			s.State = SessionInitialized
			if s.Active {
				s.hooks.SendInit()
				s.State = SessionOpenSent
			}
		}
	case SessionInitialized:
		// Passive role: wait for the peer's Initialization.
		switch ev {
		case SessEvRecvInit:
			s.hooks.SendInit()
			s.hooks.SendKeepalive()
			s.State = SessionOpenRec
		case SessEvRecvBadInit:
			s.rejectAndBackoff()
		case SessEvError, SessEvClose:
			s.teardown(false)
		}
	case SessionOpenSent:
		switch ev {
		case SessEvRecvInit:
			s.hooks.SendKeepalive()
			s.State = SessionOpenRec
		case SessEvRecvBadInit:
			s.rejectAndBackoff()
		case SessEvError, SessEvClose:
			s.teardown(false)
		}
	case SessionOpenRec:
		switch ev {
		case SessEvRecvKeepalive:
			s.State = SessionOperational
			s.startKeepalive()
		case SessEvError, SessEvRecvBadInit:
			s.rejectAndBackoff()
		case SessEvClose:
			s.teardown(false)
		}
	case SessionOperational:
		switch ev {
		case SessEvRecvKeepalive:
			s.restartKeepaliveRx()
		case SessEvKeepaliveExpired:
			s.hooks.SendNotification(StatusKeepaliveExpired, true)
			s.teardown(true)
		case SessEvError:
			s.teardown(true)
		case SessEvClose:
			s.hooks.SendNotification(StatusShutdown, true)
			s.teardown(false)
		}
	}

	if s.State != old {
		s.logger.Info("session state change",
			"from", old.String(), "to", s.State.String())
		if old == SessionOperational {
			s.hooks.SessionDown()
		}
		if s.State == SessionOperational {
			s.backoffStage = 0
			s.hooks.SessionUp()
		}
	}
}

// rejectAndBackoff answers a bad Initialization with Session Rejected
// and retries with exponential backoff (15/30/60/120 s).
func (s *Session) rejectAndBackoff() {
	s.hooks.SendNotification(StatusSessionRejected, true)
	s.teardown(true)
}

// teardown closes the transport, clears the learned databases, and, when
// retry is set, arms the next connection attempt.
func (s *Session) teardown(retry bool) {
	s.stopKeepalive()
	s.hooks.CloseConn()
	clear(s.AddressDB)
	clear(s.LabelDB)
	s.State = SessionNonExistent

	if retry {
		d := initBackoff[min(s.backoffStage, len(initBackoff)-1)]
		if s.backoffStage < len(initBackoff)-1 {
			s.backoffStage++
		}
		peer := s.PeerID
		s.backoff.Stop()
		s.backoff = task.NewTimeout(d, func() { s.fire(peer, SessEvConnUp) })
	}
}

// NextBackoff exposes the pending retry delay.
func (s *Session) NextBackoff() time.Duration {
	return initBackoff[min(s.backoffStage, len(initBackoff)-1)]
}

func (s *Session) startKeepalive() {
	s.stopKeepalive()
	// The handshake already sent the first KeepAlive; the interval
	// takes over from the next period.
	s.keepaliveTx = task.NewInterval(s.KeepaliveTime/3, false, s.hooks.SendKeepalive)
	s.restartKeepaliveRx()
}

func (s *Session) restartKeepaliveRx() {
	s.keepaliveRx.Stop()
	peer := s.PeerID
	s.keepaliveRx = task.NewTimeout(s.KeepaliveTime, func() {
		s.fire(peer, SessEvKeepaliveExpired)
	})
}

func (s *Session) stopKeepalive() {
	if s.keepaliveTx != nil {
		s.keepaliveTx.Stop()
		s.keepaliveTx = nil
	}
	s.keepaliveRx.Stop()
	s.keepaliveRx = nil
}

// Close stops every session task.
func (s *Session) Close() {
	s.stopKeepalive()
	s.backoff.Stop()
	s.backoff = nil
}
