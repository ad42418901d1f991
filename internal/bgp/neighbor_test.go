package bgp

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type hookLog struct {
	connects      int
	opens         int
	keepalives    int
	notifications []uint8
	ups, downs    int
}

func testNeighbor(t *testing.T, passive bool) (*Neighbor, *hookLog) {
	t.Helper()
	log := &hookLog{}
	hooks := NeighborHooks{
		Connect:       func() { log.connects++ },
		CloseConn:     func() {},
		SendOpen:      func() { log.opens++ },
		SendKeepalive: func() { log.keepalives++ },
		SendNotification: func(code, _ uint8) {
			log.notifications = append(log.notifications, code)
		},
		SessionUp:   func() { log.ups++ },
		SessionDown: func() { log.downs++ },
	}
	cfg := NeighborConfig{
		RemoteAddr: netip.MustParseAddr("192.0.2.9"),
		PeerAS:     65001,
		LocalAS:    65002,
		Passive:    passive,
	}
	n := NewNeighbor(nil, cfg, hooks, func(NeighborEvent) {})
	t.Cleanup(func() { n.Stop() })
	return n, log
}

func peerOpen() *OpenMsg {
	return &OpenMsg{
		Version:    4,
		MyAS:       65001,
		HoldTime:   90,
		Identifier: 0x09090909,
		Capabilities: []Capability{
			{Code: CapFourOctetAS, AS: 65001},
		},
	}
}

func TestNeighborEstablishment(t *testing.T) {
	n, log := testNeighbor(t, false)

	n.HandleEvent(EvStart, nil)
	if n.State != StateConnect || log.connects != 1 {
		t.Fatalf("after Start: state=%v connects=%d", n.State, log.connects)
	}

	n.HandleEvent(EvConnected, nil)
	if n.State != StateOpenSent || log.opens != 1 {
		t.Fatalf("after Connected: state=%v opens=%d", n.State, log.opens)
	}

	n.HandleEvent(EvRecvOpen, peerOpen())
	if n.State != StateOpenConfirm {
		t.Fatalf("after RecvOpen: state=%v", n.State)
	}
	if n.Identifier != 0x09090909 {
		t.Fatalf("identifier = %x", n.Identifier)
	}
	if n.HoldTime != 90*time.Second {
		t.Fatalf("negotiated hold = %v", n.HoldTime)
	}

	n.HandleEvent(EvRecvKeepalive, nil)
	if n.State != StateEstablished || log.ups != 1 {
		t.Fatalf("after Keepalive: state=%v ups=%d", n.State, log.ups)
	}
	if n.Stats.EstablishedCount != 1 {
		t.Fatalf("established count = %d", n.Stats.EstablishedCount)
	}
}

func TestPassiveNeighborWaitsInActive(t *testing.T) {
	n, log := testNeighbor(t, true)
	n.HandleEvent(EvStart, nil)
	if n.State != StateActive || log.connects != 0 {
		t.Fatalf("passive start: state=%v connects=%d", n.State, log.connects)
	}
}

func TestBadPeerASRejected(t *testing.T) {
	n, log := testNeighbor(t, false)
	n.HandleEvent(EvStart, nil)
	n.HandleEvent(EvConnected, nil)

	open := peerOpen()
	open.MyAS = 65999
	open.Capabilities = nil
	n.HandleEvent(EvRecvOpen, open)

	if n.State != StateActive {
		t.Fatalf("state = %v, want Active after bad OPEN", n.State)
	}
	if len(log.notifications) != 1 || log.notifications[0] != NotifOpenMessageError {
		t.Fatalf("notifications = %v", log.notifications)
	}
}

func TestHoldTimerExpiryResets(t *testing.T) {
	n, log := testNeighbor(t, false)
	n.HandleEvent(EvStart, nil)
	n.HandleEvent(EvConnected, nil)
	n.HandleEvent(EvRecvOpen, peerOpen())
	n.HandleEvent(EvRecvKeepalive, nil)
	if n.State != StateEstablished {
		t.Fatal("setup failed")
	}

	n.HandleEvent(EvHoldTimerExpired, nil)
	if n.State != StateActive {
		t.Fatalf("state = %v, want Active", n.State)
	}
	if log.downs != 1 {
		t.Fatalf("downs = %d, want 1", log.downs)
	}
	if len(log.notifications) != 1 || log.notifications[0] != NotifHoldTimerExpired {
		t.Fatalf("notifications = %v", log.notifications)
	}
}

func TestRetryBackoffDoubles(t *testing.T) {
	n, _ := testNeighbor(t, false)
	n.HandleEvent(EvStart, nil)

	want := []time.Duration{
		15 * time.Second, 30 * time.Second, 60 * time.Second,
		120 * time.Second, 120 * time.Second,
	}
	for i, d := range want {
		if got := n.RetryBackoff(); got != d {
			t.Fatalf("attempt %d: backoff = %v, want %v", i, got, d)
		}
		n.HandleEvent(EvConnectFailed, nil)
		n.HandleEvent(EvConnectRetryExpired, nil)
	}

	// Establishment resets the ladder.
	n.HandleEvent(EvConnected, nil)
	n.HandleEvent(EvRecvOpen, peerOpen())
	n.HandleEvent(EvRecvKeepalive, nil)
	if n.State != StateEstablished {
		t.Fatalf("state = %v", n.State)
	}
	if got := n.RetryBackoff(); got != 15*time.Second {
		t.Fatalf("backoff after establish = %v, want 15s", got)
	}
}

func TestUpdateInWrongStateIsFSMError(t *testing.T) {
	n, log := testNeighbor(t, false)
	n.HandleEvent(EvStart, nil)
	n.HandleEvent(EvConnected, nil)

	n.HandleEvent(EvRecvUpdate, nil)
	if n.State != StateActive {
		t.Fatalf("state = %v, want Active", n.State)
	}
	if len(log.notifications) != 1 || log.notifications[0] != NotifFSMError {
		t.Fatalf("notifications = %v", log.notifications)
	}
}
