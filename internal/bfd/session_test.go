package bfd

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func singleHopKey() SessionKey {
	return SessionKey{
		Type:   SessionTypeSingleHop,
		IfName: "eth0",
		Dst:    netip.MustParseAddr("10.0.0.2"),
	}
}

// recordingSender captures transmitted packets for assertions.
type recordingSender struct {
	mu   sync.Mutex
	pkts []*ControlPacket
}

func (rs *recordingSender) SendControl(_ netip.AddrPort, pkt *ControlPacket) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	cp := *pkt
	rs.pkts = append(rs.pkts, &cp)
	return nil
}

func (rs *recordingSender) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pkts)
}

func remotePacket(state State, myDiscr, yourDiscr uint32) *ControlPacket {
	return &ControlPacket{
		State:         state,
		DetectMult:    3,
		MyDiscr:       myDiscr,
		YourDiscr:     yourDiscr,
		DesiredMinTx:  SlowTxInterval,
		RequiredMinRx: SlowTxInterval,
	}
}

// TestSessionStartup walks the canonical bring-up: a Down packet with
// YourDiscr zero takes the session to Init; an Init packet addressed at
// our discriminator completes the handshake. The Up notification fires
// exactly once.
func TestSessionStartup(t *testing.T) {
	s := NewSession(singleHopKey(), 0xD00D, DefaultSessionConfig())
	defer s.Close()

	if s.LocalState != StateDown {
		t.Fatalf("initial state = %v, want Down", s.LocalState)
	}

	var upNotifications int
	apply := func(pkt *ControlPacket) (StateChange, bool) {
		change, ok := s.HandlePacket(pkt, func() {})
		if ok && change.Notify && change.State == StateUp {
			upNotifications++
		}
		return change, ok
	}

	// First Down packet: Down -> Init.
	change, ok := apply(remotePacket(StateDown, 7, 0))
	if !ok || change.State != StateInit {
		t.Fatalf("after first Down packet: state = %v, want Init", s.LocalState)
	}

	// Second Down packet: no further transition.
	if _, ok := apply(remotePacket(StateDown, 7, 0)); ok {
		t.Fatal("second Down packet must not transition again")
	}
	if s.LocalState != StateInit {
		t.Fatalf("state = %v, want Init", s.LocalState)
	}

	// Init packet with our discriminator: Init -> Up.
	change, ok = apply(remotePacket(StateInit, 7, 0xD00D))
	if !ok || change.State != StateUp {
		t.Fatalf("after Init packet: state = %v, want Up", s.LocalState)
	}
	if !change.Notify {
		t.Fatal("Up entry must notify clients")
	}
	if upNotifications != 1 {
		t.Fatalf("Up notifications = %d, want 1", upNotifications)
	}
	if s.Remote == nil || s.Remote.Discr != 7 {
		t.Fatalf("remote info not recorded: %+v", s.Remote)
	}
	if !s.PollActive {
		t.Fatal("Up entry must start a Poll sequence")
	}
}

func TestNotificationSuppression(t *testing.T) {
	// Up -> Down caused by remote AdminDown is hidden from clients
	// (RFC 5882 Section 4.2).
	s := NewSession(singleHopKey(), 1, DefaultSessionConfig())
	defer s.Close()

	s.HandlePacket(remotePacket(StateDown, 7, 0), func() {})
	s.HandlePacket(remotePacket(StateInit, 7, 1), func() {})
	if s.LocalState != StateUp {
		t.Fatalf("setup failed, state = %v", s.LocalState)
	}

	change, ok := s.HandlePacket(remotePacket(StateAdminDown, 7, 1), func() {})
	if !ok || change.State != StateDown {
		t.Fatalf("state = %v, want Down", s.LocalState)
	}
	if change.Notify {
		t.Fatal("Up->Down on remote AdminDown must not notify")
	}

	// Up -> AdminDown locally is also hidden.
	s2 := NewSession(singleHopKey(), 2, DefaultSessionConfig())
	defer s2.Close()
	s2.HandlePacket(remotePacket(StateDown, 8, 0), func() {})
	s2.HandlePacket(remotePacket(StateUp, 8, 2), func() {})
	change, ok = s2.ApplyEvent(EventAdminDown)
	if !ok || change.Notify {
		t.Fatal("Up->AdminDown must not notify")
	}
}

func TestIntervalNegotiation(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.DesiredMinTx = 100000
	cfg.RequiredMinRx = 200000
	s := NewSession(singleHopKey(), 1, cfg)
	defer s.Close()

	// Before any remote packet: slow Tx.
	tx, ok := s.NegotiatedTxInterval()
	if !ok || tx != SlowTxInterval {
		t.Fatalf("initial tx = %d/%v, want slow %d", tx, ok, SlowTxInterval)
	}

	pkt := remotePacket(StateDown, 7, 0)
	pkt.DesiredMinTx = 300000
	pkt.RequiredMinRx = 150000
	pkt.DetectMult = 4
	s.HandlePacket(pkt, func() {})

	// Still not Up: curr_min_tx stays slow.
	tx, ok = s.NegotiatedTxInterval()
	if !ok || tx != SlowTxInterval {
		t.Fatalf("tx while Init = %d, want %d", tx, SlowTxInterval)
	}

	// negotiated_rx = max(curr_min_rx, remote.min_tx).
	if rx := s.NegotiatedRxInterval(); rx != 300000 {
		t.Fatalf("rx = %d, want 300000", rx)
	}
	// detection = remote.mult x negotiated_rx.
	if d := s.DetectionTime(); d != 1200*time.Millisecond {
		t.Fatalf("detection time = %v, want 1.2s", d)
	}

	// After Up entry the configured Tx takes over:
	// negotiated_tx = max(curr_min_tx, remote.min_rx).
	up := remotePacket(StateInit, 7, 1)
	up.DesiredMinTx = 300000
	up.RequiredMinRx = 150000
	s.HandlePacket(up, func() {})
	if s.LocalState != StateUp {
		t.Fatalf("state = %v, want Up", s.LocalState)
	}
	tx, ok = s.NegotiatedTxInterval()
	if !ok || tx != 150000 {
		t.Fatalf("tx after Up = %d, want 150000", tx)
	}
}

func TestTxSuppressionOnZeroRemoteMinRx(t *testing.T) {
	s := NewSession(singleHopKey(), 1, DefaultSessionConfig())
	defer s.Close()

	pkt := remotePacket(StateDown, 7, 0)
	pkt.RequiredMinRx = 0
	s.HandlePacket(pkt, func() {})

	if _, ok := s.NegotiatedTxInterval(); ok {
		t.Fatal("remote MinRx zero must suppress transmission")
	}
}

func TestDetectionExpiry(t *testing.T) {
	s := NewSession(singleHopKey(), 1, DefaultSessionConfig())
	defer s.Close()

	s.HandlePacket(remotePacket(StateDown, 7, 0), func() {})
	s.HandlePacket(remotePacket(StateInit, 7, 1), func() {})
	if s.LocalState != StateUp {
		t.Fatalf("setup failed, state = %v", s.LocalState)
	}

	change, ok := s.HandleDetectionExpiry()
	if !ok || change.State != StateDown {
		t.Fatalf("state after expiry = %v, want Down", s.LocalState)
	}
	if change.Diag != DiagControlTimeExpired {
		t.Fatalf("diag = %v, want ControlDetectionTimeExpired", change.Diag)
	}
	if s.Remote != nil {
		t.Fatal("remote info must be cleared on expiry")
	}
	if !change.Notify {
		t.Fatal("detection failure must notify clients")
	}

	// A stale timer event after the transition is a no-op.
	if _, ok := s.HandleDetectionExpiry(); ok {
		t.Fatal("expiry in Down state must be idempotent")
	}
}

func TestPollFinalHandshake(t *testing.T) {
	s := NewSession(singleHopKey(), 1, DefaultSessionConfig())
	defer s.Close()

	pkt := remotePacket(StateDown, 7, 0)
	pkt.Flags |= FlagP
	s.HandlePacket(pkt, func() {})
	if !s.FinalPending {
		t.Fatal("received Poll must schedule Final")
	}

	out := s.BuildControlPacket(true)
	if out.Flags&FlagF == 0 {
		t.Fatal("Final packet must carry the F bit")
	}

	// A received Final terminates our Poll sequence.
	s.PollActive = true
	fin := remotePacket(StateDown, 7, 1)
	fin.Flags |= FlagF
	s.HandlePacket(fin, func() {})
	if s.PollActive {
		t.Fatal("received Final must clear the active Poll")
	}
}

func TestTransmitNow(t *testing.T) {
	s := NewSession(singleHopKey(), 1, DefaultSessionConfig())
	defer s.Close()
	sender := &recordingSender{}

	// No socket address: nothing sent.
	s.TransmitNow(sender)
	if sender.count() != 0 {
		t.Fatal("transmit without sockaddr")
	}

	s.SockAddr = netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), PortSingleHop)
	s.TransmitNow(sender)
	if sender.count() != 1 {
		t.Fatalf("sent %d packets, want 1", sender.count())
	}
	if got := s.Stats.TxPacketCount.Load(); got != 1 {
		t.Fatalf("tx counter = %d, want 1", got)
	}
}
