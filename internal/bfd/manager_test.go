package bfd

import (
	"net/netip"
	"testing"
)

func TestUpsertCreatesOnce(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h1 := m.Upsert(key, "ospfv2", false)
	h2 := m.Upsert(key, "bgp", false)
	if h1 != h2 {
		t.Fatal("second Upsert must return the existing session")
	}

	sess, ok := m.Get(h1)
	if !ok {
		t.Fatal("session missing")
	}
	if len(sess.Clients) != 2 {
		t.Fatalf("clients = %d, want 2", len(sess.Clients))
	}
	if sess.LocalDiscr == 0 {
		t.Fatal("local discriminator must be nonzero")
	}
}

func TestTeardownRequiresNoReferences(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "ospfv2", true)

	// Config still present: client removal alone must not destroy.
	m.Unregister(key, "ospfv2")
	if _, ok := m.Get(h); !ok {
		t.Fatal("session destroyed while config present")
	}

	// Clearing the config with no clients destroys the session.
	m.SetConfigPresent(h, false)
	if _, ok := m.Get(h); ok {
		t.Fatal("session must be destroyed once unreferenced")
	}
}

func TestDemuxByDiscriminator(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "static", true)
	sess, _ := m.Get(h)

	pkt := remotePacket(StateDown, 77, sess.LocalDiscr)
	var wire [MaxPacketSize]byte
	n, err := pkt.Marshal(wire[:])
	if err != nil {
		t.Fatal(err)
	}

	m.handlePacket(&packetEvent{
		src:    netip.MustParseAddr("10.0.0.2"),
		ifName: "eth0",
		data:   wire[:n],
	})

	sess, _ = m.Get(h)
	if sess.LocalState != StateInit {
		t.Fatalf("state = %v, want Init", sess.LocalState)
	}
	if sess.Remote == nil || sess.Remote.Discr != 77 {
		t.Fatalf("remote not learned: %+v", sess.Remote)
	}
}

func TestDemuxBySourceAddress(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "static", true)

	// YourDiscr zero with State Down matches by (ifname, src).
	pkt := remotePacket(StateDown, 7, 0)
	var wire [MaxPacketSize]byte
	n, _ := pkt.Marshal(wire[:])

	m.handlePacket(&packetEvent{
		src:    key.Dst,
		ifName: "eth0",
		data:   wire[:n],
	})

	sess, _ := m.Get(h)
	if sess.LocalState != StateInit {
		t.Fatalf("state = %v, want Init", sess.LocalState)
	}
}

func TestDemuxRejectsZeroDiscrInUpState(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "static", true)

	pkt := remotePacket(StateUp, 7, 0)
	var wire [MaxPacketSize]byte
	n, _ := pkt.Marshal(wire[:])

	m.handlePacket(&packetEvent{src: key.Dst, ifName: "eth0", data: wire[:n]})

	sess, _ := m.Get(h)
	if sess.LocalState != StateDown {
		t.Fatalf("state = %v, want Down (packet must be rejected)", sess.LocalState)
	}
}

func TestMalformedPacketCounted(t *testing.T) {
	drops := 0
	mr := &fakeMetrics{onDrop: func() { drops++ }}
	m := NewManager(nil, &recordingSender{}, WithMetrics(mr))
	defer m.Close()

	m.handlePacket(&packetEvent{src: netip.MustParseAddr("10.0.0.2"), data: []byte{1, 2, 3}})
	if drops != 1 {
		t.Fatalf("drops = %d, want 1", drops)
	}
}

func TestStateChangeEmitted(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "static", true)
	sess, _ := m.Get(h)

	for _, pkt := range []*ControlPacket{
		remotePacket(StateDown, 7, 0),
		remotePacket(StateInit, 7, sess.LocalDiscr),
	} {
		var wire [MaxPacketSize]byte
		n, _ := pkt.Marshal(wire[:])
		m.handlePacket(&packetEvent{src: key.Dst, ifName: "eth0", data: wire[:n]})
	}

	var states []State
	for len(m.stateCh) > 0 {
		states = append(states, (<-m.stateCh).State)
	}
	if len(states) != 2 || states[0] != StateInit || states[1] != StateUp {
		t.Fatalf("state changes = %v, want [Init Up]", states)
	}
}

func TestUpdateIfIndexSetsSockAddr(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := singleHopKey()
	h := m.Upsert(key, "static", true)
	m.UpdateIfIndex(h, 3)

	sess, _ := m.Get(h)
	if !sess.SockAddr.IsValid() {
		t.Fatal("sockaddr not set")
	}
	if sess.SockAddr.Port() != PortSingleHop {
		t.Fatalf("port = %d, want %d", sess.SockAddr.Port(), PortSingleHop)
	}
}

func TestLinkLocalPeerGetsZone(t *testing.T) {
	m := NewManager(nil, &recordingSender{})
	defer m.Close()

	key := SessionKey{
		Type:   SessionTypeSingleHop,
		IfName: "eth1",
		Dst:    netip.MustParseAddr("fe80::1"),
	}
	h := m.Upsert(key, "static", true)
	m.UpdateIfIndex(h, 4)

	sess, _ := m.Get(h)
	if sess.SockAddr.Addr().Zone() != "eth1" {
		t.Fatalf("zone = %q, want eth1", sess.SockAddr.Addr().Zone())
	}
}

type fakeMetrics struct {
	onDrop func()
}

func (f *fakeMetrics) SessionCreated(SessionKey)                {}
func (f *fakeMetrics) SessionDestroyed(SessionKey)              {}
func (f *fakeMetrics) PacketReceived(SessionKey)                {}
func (f *fakeMetrics) PacketDropped(string)                     { f.onDrop() }
func (f *fakeMetrics) StateTransition(SessionKey, State, State) {}
