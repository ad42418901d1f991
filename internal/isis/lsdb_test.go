package isis

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testDb struct {
	db      *Lsdb
	clock   time.Time
	floods  int
	changes int
}

func newTestDb(t *testing.T, self SystemID) *testDb {
	t.Helper()
	td := &testDb{clock: time.Unix(2000000, 0)}
	events := make(chan dbEvent, 64)
	td.db = NewLsdb(nil, Level1, self, events,
		func(*Lsp) { td.floods++ },
		func() { td.changes++ })
	td.db.now = func() time.Time { return td.clock }
	t.Cleanup(td.db.Close)
	return td
}

func receivedLsp(id byte, seq uint32, metric uint32) *Lsp {
	lsp := &Lsp{
		PduType:  PduLspL1,
		Lifetime: 1200,
		LspID:    LspID{SysID: sysID(id)},
		SeqNo:    seq,
		ExtIsReach: []IsReach{
			{Neighbor: LanID{SysID: sysID(99)}, Metric: metric},
		},
	}
	var buf [1492]byte
	if _, err := lsp.Encode(buf[:]); err != nil {
		panic(err)
	}
	return lsp
}

func TestInstallFreshness(t *testing.T) {
	td := newTestDb(t, sysID(0xff))

	if got := td.db.Install(receivedLsp(1, 5, 10)); got != InstallAccepted {
		t.Fatalf("install = %v", got)
	}
	if got := td.db.Install(receivedLsp(1, 4, 10)); got != InstallOlder {
		t.Fatalf("older install = %v", got)
	}
	if got := td.db.Install(receivedLsp(1, 5, 10)); got != InstallDuplicate {
		t.Fatalf("duplicate install = %v", got)
	}
	if got := td.db.Install(receivedLsp(1, 6, 10)); got != InstallAccepted {
		t.Fatalf("newer install = %v", got)
	}
	if td.db.Stats.OlderDiscard != 1 {
		t.Fatalf("older discards = %d", td.db.Stats.OlderDiscard)
	}
	if td.db.Len() != 1 {
		t.Fatalf("len = %d, want 1 (one entry per lsp id)", td.db.Len())
	}
}

func TestRefreshKeepsContent(t *testing.T) {
	td := newTestDb(t, sysID(0xff))

	td.db.Install(receivedLsp(1, 5, 10))
	changes := td.changes
	// A refresh (higher seq, identical TLVs) must not report a content
	// change.
	td.db.Install(receivedLsp(1, 6, 10))
	if td.changes != changes {
		t.Fatal("pure refresh reported a content change")
	}
	// A real change does.
	td.db.Install(receivedLsp(1, 7, 20))
	if td.changes != changes+1 {
		t.Fatal("content change not reported")
	}
}

func TestOriginateSequence(t *testing.T) {
	td := newTestDb(t, sysID(1))

	lsp := &Lsp{PduType: PduLspL1, LspID: LspID{SysID: sysID(1)}}
	if !td.db.Originate(lsp) {
		t.Fatal("first origination rejected")
	}
	entry, _ := td.db.Get(lsp.LspID)
	if entry.Lsp.SeqNo != InitialSeqNo {
		t.Fatalf("seq = %d, want %d", entry.Lsp.SeqNo, InitialSeqNo)
	}
	if entry.Flags&LspFlagSelfOriginated == 0 {
		t.Fatal("self-originated flag missing")
	}

	// Within MinLspGenInterval the origination is refused.
	second := &Lsp{PduType: PduLspL1, LspID: LspID{SysID: sysID(1)}}
	if td.db.Originate(second) {
		t.Fatal("origination within min-gen-interval accepted")
	}

	td.clock = td.clock.Add(6 * time.Second)
	if !td.db.Originate(second) {
		t.Fatal("origination after min-gen-interval rejected")
	}
	entry, _ = td.db.Get(lsp.LspID)
	if entry.Lsp.SeqNo != InitialSeqNo+1 {
		t.Fatalf("seq = %d, want %d", entry.Lsp.SeqNo, InitialSeqNo+1)
	}
}

func TestPurgeLingersThenDeletes(t *testing.T) {
	td := newTestDb(t, sysID(0xff))

	lsp := receivedLsp(1, 5, 10)
	td.db.Install(lsp)
	floods := td.floods

	td.db.Purge(lsp.LspID)
	if td.floods != floods+1 {
		t.Fatal("purge must flood the zero-lifetime instance")
	}
	entry, ok := td.db.Get(lsp.LspID)
	if !ok || entry.Flags&LspFlagPurged == 0 || entry.Lsp.Lifetime != 0 {
		t.Fatalf("purged entry state: %+v", entry)
	}

	td.db.HandleEvent(dbEvent{kind: dbEventDelete, id: lsp.LspID})
	if _, ok := td.db.Get(lsp.LspID); ok {
		t.Fatal("purged entry not deleted after zero-age lifetime")
	}
}

func TestAdjacencyFsm(t *testing.T) {
	adj := NewAdjacency(nil, sysID(2), Level1, func(SystemID, AdjEvent) {}, nil)
	t.Cleanup(adj.Close)
	adj.HoldTime = time.Hour

	adj.HandleEvent(AdjEvHelloRcvd)
	if adj.State != AdjInitializing {
		t.Fatalf("state = %v, want Initializing", adj.State)
	}
	adj.HandleEvent(AdjEvHelloTwoWay)
	if adj.State != AdjUp {
		t.Fatalf("state = %v, want Up", adj.State)
	}
	adj.HandleEvent(AdjEvHoldTimer)
	if adj.State != AdjDown {
		t.Fatalf("state = %v, want Down", adj.State)
	}
}

func TestSpfSmallTopology(t *testing.T) {
	td := newTestDb(t, sysID(1))
	db := td.db

	mkLsp := func(self byte, neighbors map[byte]uint32, prefixes map[string]uint32) *Lsp {
		lsp := &Lsp{PduType: PduLspL1, Lifetime: 1200, LspID: LspID{SysID: sysID(self)}, SeqNo: 1}
		for n, metric := range neighbors {
			lsp.ExtIsReach = append(lsp.ExtIsReach, IsReach{
				Neighbor: LanID{SysID: sysID(n)}, Metric: metric})
		}
		for p, metric := range prefixes {
			lsp.ExtIpReach = append(lsp.ExtIpReach, IpReach{
				Prefix: mustPrefix(p), Metric: metric})
		}
		var buf [1492]byte
		lsp.Encode(buf[:])
		return lsp
	}

	// R1 --10-- R2 --5-- R3; R3 advertises 10.3.0.0/16.
	db.install(mkLsp(1, map[byte]uint32{2: 10}, nil), LspFlagReceived)
	db.install(mkLsp(2, map[byte]uint32{1: 10, 3: 5}, nil), LspFlagReceived)
	db.install(mkLsp(3, map[byte]uint32{2: 5}, map[string]uint32{"10.3.0.0/16": 1}), LspFlagReceived)

	result := RunSpf(db, sysID(1), Level1)

	r3 := result.Tree[LanID{SysID: sysID(3)}]
	if r3 == nil || r3.Distance != 15 {
		t.Fatalf("R3 distance = %+v, want 15", r3)
	}
	if len(r3.Nexthops) == 0 || r3.Nexthops[0] != sysID(2) {
		t.Fatalf("R3 nexthop = %+v, want via R2", r3.Nexthops)
	}

	route := result.Routes[mustPrefix("10.3.0.0/16")]
	if route == nil || route.Metric != 16 {
		t.Fatalf("route = %+v, want metric 16", route)
	}
}

func TestSpfIgnoresMissingBackLink(t *testing.T) {
	td := newTestDb(t, sysID(1))
	db := td.db

	oneWay := &Lsp{PduType: PduLspL1, Lifetime: 1200, LspID: LspID{SysID: sysID(1)}, SeqNo: 1,
		ExtIsReach: []IsReach{{Neighbor: LanID{SysID: sysID(2)}, Metric: 1}}}
	var buf [1492]byte
	oneWay.Encode(buf[:])
	db.install(oneWay, LspFlagReceived)

	isolated := &Lsp{PduType: PduLspL1, Lifetime: 1200, LspID: LspID{SysID: sysID(2)}, SeqNo: 1}
	isolated.Encode(buf[:])
	db.install(isolated, LspFlagReceived)

	result := RunSpf(db, sysID(1), Level1)
	if _, ok := result.Tree[LanID{SysID: sysID(2)}]; ok {
		t.Fatal("one-way neighbor entered the SPT")
	}
}

func mustPrefix(s string) netip.Prefix {
	return netip.MustParsePrefix(s)
}
