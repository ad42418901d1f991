package rip

import (
	"net/netip"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dantte-lp/gorouted/internal/ibus"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testInstance(t *testing.T, mode SplitHorizonMode) *Instance {
	t.Helper()
	inst := NewInstance(nil, InstanceConfig{
		Interfaces: []InterfaceConfig{
			{Name: "eth0", Cost: 1, SplitHorizon: mode},
			{Name: "eth1", Cost: 1, SplitHorizon: mode},
		},
	}, ibus.NewBus(nil), nil)
	t.Cleanup(inst.Close)
	return inst
}

func neighborEntry(prefix string, metric uint32) RouteEntry {
	return RouteEntry{Prefix: netip.MustParsePrefix(prefix), Metric: metric}
}

func TestProcessEntryAddsCost(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))

	route := inst.Routes[netip.MustParsePrefix("192.0.2.0/24")]
	if route == nil {
		t.Fatal("route not installed")
	}
	if route.Metric != 4 {
		t.Fatalf("metric = %d, want received 3 + cost 1", route.Metric)
	}
	if route.Flags&RouteFlagChanged == 0 {
		t.Fatal("new route must be flagged CHANGED")
	}
	if !inst.triggeredSet {
		t.Fatal("triggered update not scheduled")
	}
}

func TestMetricSaturatesAtInfinity(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 15))
	if _, ok := inst.Routes[netip.MustParsePrefix("192.0.2.0/24")]; ok {
		t.Fatal("route at infinity must not be installed fresh")
	}
}

func TestInfinityFlushesExisting(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")
	pfx := netip.MustParsePrefix("192.0.2.0/24")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))
	route := inst.Routes[pfx]
	if route == nil {
		t.Fatal("setup failed")
	}

	// The source reports the route unreachable.
	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", MetricInfinity))
	if route.Metric != MetricInfinity {
		t.Fatalf("metric = %d, want infinity", route.Metric)
	}
	if route.flushTimer == nil {
		t.Fatal("flush timer not armed")
	}

	// Garbage collection removes it.
	inst.flushRoute(pfx)
	if _, ok := inst.Routes[pfx]; ok {
		t.Fatal("route not flushed")
	}
}

func TestOnlySourceRefreshesRoute(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")
	other := netip.MustParseAddr("10.0.0.3")
	pfx := netip.MustParsePrefix("192.0.2.0/24")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))
	// A worse metric from another neighbor is ignored.
	inst.processEntry(inst.Interfaces["eth0"], other, neighborEntry("192.0.2.0/24", 10))
	if inst.Routes[pfx].Source != src {
		t.Fatal("worse route displaced the source")
	}
	// A better one takes over.
	inst.processEntry(inst.Interfaces["eth0"], other, neighborEntry("192.0.2.0/24", 1))
	if inst.Routes[pfx].Source != other || inst.Routes[pfx].Metric != 2 {
		t.Fatalf("better route not installed: %+v", inst.Routes[pfx])
	}
}

func TestInterfaceCostReevaluation(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")
	pfx := netip.MustParsePrefix("192.0.2.0/24")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))
	if inst.Routes[pfx].Metric != 4 {
		t.Fatal("setup failed")
	}

	inst.UpdateInterfaceCost("eth0", 5)
	if got := inst.Routes[pfx].Metric; got != 8 {
		t.Fatalf("metric after cost change = %d, want 3 + 5", got)
	}

	// A cost pushing the metric past infinity flushes.
	inst.UpdateInterfaceCost("eth0", 20)
	if got := inst.Routes[pfx].Metric; got != MetricInfinity {
		t.Fatalf("metric = %d, want infinity", got)
	}
}

func TestSplitHorizonModes(t *testing.T) {
	src := netip.MustParseAddr("10.0.0.2")

	t.Run("simple suppresses", func(t *testing.T) {
		inst := testInstance(t, SplitHorizonSimple)
		inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))

		if entries := inst.buildEntries(inst.Interfaces["eth0"], false); len(entries) != 0 {
			t.Fatal("route advertised back out of its learning interface")
		}
		if entries := inst.buildEntries(inst.Interfaces["eth1"], false); len(entries) != 1 {
			t.Fatal("route missing on the other interface")
		}
	})

	t.Run("poison reverse poisons", func(t *testing.T) {
		inst := testInstance(t, SplitHorizonPoisonReverse)
		inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))

		entries := inst.buildEntries(inst.Interfaces["eth0"], false)
		if len(entries) != 1 || entries[0].Metric != MetricInfinity {
			t.Fatalf("entries = %+v, want poisoned", entries)
		}
	})

	t.Run("disabled advertises", func(t *testing.T) {
		inst := testInstance(t, SplitHorizonDisabled)
		inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))

		entries := inst.buildEntries(inst.Interfaces["eth0"], false)
		if len(entries) != 1 || entries[0].Metric != 4 {
			t.Fatalf("entries = %+v", entries)
		}
	})
}

func TestTriggeredCoalesced(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	src := netip.MustParseAddr("10.0.0.2")

	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("192.0.2.0/24", 3))
	first := inst.triggered
	inst.processEntry(inst.Interfaces["eth0"], src, neighborEntry("198.51.100.0/24", 3))
	if inst.triggered != first {
		t.Fatal("second change must coalesce into the outstanding triggered update")
	}

	inst.sendTriggeredUpdate()
	if inst.triggeredSet {
		t.Fatal("triggered flag not cleared after transmission")
	}
	for _, route := range inst.Routes {
		if route.Flags&RouteFlagChanged != 0 {
			t.Fatal("CHANGED flags must clear after the update")
		}
	}
}

func TestAuthSeqNoSeededFromClock(t *testing.T) {
	inst := testInstance(t, SplitHorizonSimple)
	now := uint32(time.Now().Unix())
	if inst.AuthSeqNo == 0 || inst.AuthSeqNo > now || now-inst.AuthSeqNo > 60 {
		t.Fatalf("auth seqno = %d, want near %d", inst.AuthSeqNo, now)
	}
}
