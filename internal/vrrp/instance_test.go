package vrrp

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

// recordingActions captures the data-plane side effects.
type recordingActions struct {
	mu         sync.Mutex
	adverts    []uint8
	claimed    bool
	claimedMAC [6]byte
	released   bool
	garps      []netip.Addr
	nas        [][2]netip.Addr
}

func (r *recordingActions) SendAdvertisement(priority uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adverts = append(r.adverts, priority)
}

func (r *recordingActions) ClaimAddresses(mac [6]byte, _ []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed = true
	r.claimedMAC = mac
}

func (r *recordingActions) ReleaseAddresses() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
}

func (r *recordingActions) SendGratuitousARP(addr netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.garps = append(r.garps, addr)
}

func (r *recordingActions) SendUnsolicitedNA(addr, group netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nas = append(r.nas, [2]netip.Addr{addr, group})
}

func newTestInstance(t *testing.T, priority uint8, ips ...string) (*Instance, *recordingActions) {
	t.Helper()
	act := &recordingActions{}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, s := range ips {
		addrs = append(addrs, netip.MustParseAddr(s))
	}
	inst := NewInstance(nil, Config{
		VRID:          7,
		IfName:        "eth0",
		VirtualIPs:    addrs,
		Priority:      priority,
		Preempt:       true,
		AdverInterval: time.Second,
	}, nil, act)
	t.Cleanup(inst.Close)
	return inst, act
}

// TestMasterElectionTiming is the boundary scenario: priority 200 gives
// master-down-interval 3x1s + 56/256 s ~= 3.22 s.
func TestMasterElectionTiming(t *testing.T) {
	inst, _ := newTestInstance(t, 200, "192.0.2.100")

	want := 3*time.Second + 56*time.Second/256
	if got := inst.MasterDownInterval(); got != want {
		t.Fatalf("master-down-interval = %v, want %v", got, want)
	}

	lower, _ := newTestInstance(t, 100, "192.0.2.100")
	if inst.MasterDownInterval() >= lower.MasterDownInterval() {
		t.Fatal("higher priority must time out first")
	}
}

func TestBackupBecomesMaster(t *testing.T) {
	inst, act := newTestInstance(t, 200, "192.0.2.100")

	inst.Startup()
	if inst.State != StateBackup {
		t.Fatalf("state after startup = %v, want Backup", inst.State)
	}

	inst.HandleMasterDown()
	if inst.State != StateMaster {
		t.Fatalf("state = %v, want Master", inst.State)
	}
	if !act.claimed {
		t.Fatal("virtual MAC/addresses not claimed")
	}
	if act.claimedMAC != VirtualMAC(7, false) {
		t.Fatalf("claimed mac = %x", act.claimedMAC)
	}
	if len(act.adverts) != 1 || act.adverts[0] != 200 {
		t.Fatalf("adverts = %v, want immediate advert at prio 200", act.adverts)
	}
	if len(act.garps) != 1 || act.garps[0] != netip.MustParseAddr("192.0.2.100") {
		t.Fatalf("gratuitous ARPs = %v", act.garps)
	}
}

func TestIPv6MasterSendsNA(t *testing.T) {
	inst, act := newTestInstance(t, 200, "2001:db8::100")

	inst.Startup()
	inst.HandleMasterDown()

	if len(act.nas) != 1 {
		t.Fatalf("NAs = %d, want 1", len(act.nas))
	}
	wantGroup := netip.MustParseAddr("ff02::1:ff00:100")
	if act.nas[0][1] != wantGroup {
		t.Fatalf("solicited-node group = %v, want %v", act.nas[0][1], wantGroup)
	}
	if act.claimedMAC != VirtualMAC(7, true) {
		t.Fatalf("claimed mac = %x, want IPv6 virtual mac", act.claimedMAC)
	}
}

func TestAdvertisementResetsMasterDown(t *testing.T) {
	inst, _ := newTestInstance(t, 100, "192.0.2.100")
	inst.Startup()

	// An advertisement from a higher-priority master keeps us Backup.
	first := inst.masterDown
	inst.HandleAdvertisement(&Advertisement{VRID: 7, Priority: 200})
	if inst.State != StateBackup {
		t.Fatalf("state = %v, want Backup", inst.State)
	}
	if inst.masterDown == first {
		t.Fatal("master-down timer not restarted on advert receipt")
	}
}

func TestPreemptIgnoresLowerPriorityAdverts(t *testing.T) {
	inst, _ := newTestInstance(t, 200, "192.0.2.100")
	inst.Startup()

	first := inst.masterDown
	inst.HandleAdvertisement(&Advertisement{VRID: 7, Priority: 100})
	if inst.masterDown != first {
		t.Fatal("preempting backup must let the master-down timer run")
	}
}

func TestOwnerShortcut(t *testing.T) {
	act := &recordingActions{}
	inst := NewInstance(nil, Config{
		VRID:       9,
		VirtualIPs: []netip.Addr{netip.MustParseAddr("192.0.2.1")},
		Owner:      true,
	}, nil, act)
	t.Cleanup(inst.Close)

	inst.Startup()
	if inst.State != StateMaster {
		t.Fatalf("owner must start as Master, got %v", inst.State)
	}
	if inst.Config.Priority != PriorityOwner {
		t.Fatalf("owner priority = %d", inst.Config.Priority)
	}
}

func TestShutdownSendsPriorityZero(t *testing.T) {
	inst, act := newTestInstance(t, 200, "192.0.2.100")
	inst.Startup()
	inst.HandleMasterDown()

	inst.Shutdown()
	last := act.adverts[len(act.adverts)-1]
	if last != PriorityRelease {
		t.Fatalf("final advert priority = %d, want 0", last)
	}
	if !act.released {
		t.Fatal("addresses not released on shutdown")
	}
	if inst.State != StateInitialize {
		t.Fatalf("state = %v, want Initialize", inst.State)
	}
}

func TestPriorityZeroAdvertRacesElection(t *testing.T) {
	inst, _ := newTestInstance(t, 200, "192.0.2.100")
	inst.Startup()

	inst.HandleAdvertisement(&Advertisement{VRID: 7, Priority: PriorityRelease})
	if inst.Stats.PriorityZeroRcvd != 1 {
		t.Fatal("priority-zero advert not counted")
	}
	// The election now races on skew time alone; the timer fires and
	// promotes quickly (56/256 s for priority 200).
	select {
	case ev := <-inst.events:
		if ev.timer == nil || *ev.timer != evMasterDown {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("skew-timed master-down did not fire")
	}
	inst.HandleMasterDown()
	if inst.State != StateMaster {
		t.Fatalf("state = %v, want Master", inst.State)
	}
}

func TestMasterYieldsToHigherPriority(t *testing.T) {
	inst, act := newTestInstance(t, 100, "192.0.2.100")
	inst.Startup()
	inst.HandleMasterDown()
	if inst.State != StateMaster {
		t.Fatal("setup failed")
	}

	inst.HandleAdvertisement(&Advertisement{VRID: 7, Priority: 200})
	if inst.State != StateBackup {
		t.Fatalf("state = %v, want Backup", inst.State)
	}
	if !act.released {
		t.Fatal("addresses not released when yielding")
	}
}
