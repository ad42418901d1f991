package metrics

import (
	"net/netip"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dantte-lp/gorouted/internal/bfd"
)

func TestCollectorRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.Sessions.WithLabelValues("bgp").Set(2)
	c.PacketsReceived.WithLabelValues("ospfv2").Add(5)
	c.SpfRuns.WithLabelValues("isis").Inc()

	if got := testutil.ToFloat64(c.Sessions.WithLabelValues("bgp")); got != 2 {
		t.Fatalf("sessions = %v", got)
	}
	if got := testutil.ToFloat64(c.PacketsReceived.WithLabelValues("ospfv2")); got != 5 {
		t.Fatalf("packets = %v", got)
	}
}

func TestDoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	defer func() {
		if recover() == nil {
			t.Fatal("second registration must panic")
		}
	}()
	NewCollector(reg)
}

func TestBFDReporter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	r := c.BFD()

	key := bfd.SessionKey{
		Type:   bfd.SessionTypeSingleHop,
		IfName: "eth0",
		Dst:    netip.MustParseAddr("10.0.0.2"),
	}
	r.SessionCreated(key)
	r.StateTransition(key, bfd.StateDown, bfd.StateInit)
	r.PacketDropped("decode")
	r.SessionDestroyed(key)

	if got := testutil.ToFloat64(c.Sessions.WithLabelValues("bfd")); got != 0 {
		t.Fatalf("sessions = %v", got)
	}
	if got := testutil.ToFloat64(c.StateTransitions.WithLabelValues("bfd", "Down", "Init")); got != 1 {
		t.Fatalf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(c.PacketsDropped.WithLabelValues("bfd", "decode")); got != 1 {
		t.Fatalf("drops = %v", got)
	}
}
