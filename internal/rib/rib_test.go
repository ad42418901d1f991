package rib

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gorouted/internal/ibus"
)

// busRecorder collects every published message of the subscribed types so
// tests can assert on southbound traffic without blocking the publisher.
type busRecorder struct {
	mu   sync.Mutex
	msgs []ibus.Message
	done chan struct{}
	sub  *ibus.Subscription
}

func newRecorder(bus *ibus.Bus, prototypes ...ibus.Message) *busRecorder {
	rec := &busRecorder{done: make(chan struct{})}
	rec.sub = bus.Subscribe(prototypes...)
	go func() {
		for {
			select {
			case msg := <-rec.sub.C():
				rec.mu.Lock()
				rec.msgs = append(rec.msgs, msg)
				rec.mu.Unlock()
			case <-rec.done:
				return
			}
		}
	}()
	return rec
}

func (rec *busRecorder) stop() {
	close(rec.done)
	rec.sub.Close()
}

func (rec *busRecorder) snapshot() []ibus.Message {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]ibus.Message(nil), rec.msgs...)
}

func (rec *busRecorder) fibRoutes() []ibus.FIBRouteMsg {
	var out []ibus.FIBRouteMsg
	for _, msg := range rec.snapshot() {
		if m, ok := msg.(ibus.FIBRouteMsg); ok {
			out = append(out, m)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if cond() {
			return
		}
		// The recorder goroutine needs a beat to drain the channel.
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func TestDistanceArbitration(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.FIBRouteMsg{}, ibus.RedistributeMsg{})
	defer rec.stop()

	pfx := netip.MustParsePrefix("10.1.0.0/16")
	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolOSPFv2,
		Prefix:   pfx,
		Distance: 110,
		Nexthops: []ibus.Nexthop{{Addr: netip.MustParseAddr("192.0.2.1")}},
	})
	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolBGP,
		Prefix:   pfx,
		Distance: 20,
		Nexthops: []ibus.Nexthop{{Addr: netip.MustParseAddr("192.0.2.2")}},
	})
	r.ProcessUpdateQueue()

	route, ok := r.Get(pfx)
	require.True(t, ok)
	assert.Equal(t, uint32(20), route.Distance)
	assert.Equal(t, netip.MustParseAddr("192.0.2.2"), route.Nexthops[0].Addr)

	waitFor(t, func() bool { return len(rec.fibRoutes()) > 0 })
	fib := rec.fibRoutes()
	last := fib[len(fib)-1]
	assert.True(t, last.Install)
	assert.Equal(t, pfx, last.Prefix)
	assert.Equal(t, netip.MustParseAddr("192.0.2.2"), last.Nexthops[0].Addr)
}

func TestSingleActiveAfterDrain(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)

	pfx := netip.MustParsePrefix("10.0.0.0/8")
	for _, dist := range []uint32{120, 110, 20, 115} {
		r.Add(ibus.RouteMsg{Protocol: ibus.ProtocolStatic, Prefix: pfx, Distance: dist})
	}
	r.ProcessUpdateQueue()

	dest, ok := r.table4.Get(pfx)
	require.True(t, ok)
	active := 0
	for _, route := range dest.routes {
		if route.Flags&FlagActive != 0 {
			active++
		}
	}
	assert.Equal(t, 1, active, "exactly one route must be ACTIVE")
	assert.Equal(t, uint32(20), dest.routes[0].Distance)
}

func TestRemovedCollapsesAndWithdraws(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.FIBRouteMsg{})
	defer rec.stop()

	pfx := netip.MustParsePrefix("203.0.113.0/24")
	r.Add(ibus.RouteMsg{Protocol: ibus.ProtocolRIPv2, Prefix: pfx, Distance: 120})
	r.ProcessUpdateQueue()

	r.Remove(ibus.RouteKeyMsg{Protocol: ibus.ProtocolRIPv2, Prefix: pfx}, 120)
	r.ProcessUpdateQueue()

	_, ok := r.table4.Get(pfx)
	assert.False(t, ok, "empty destination must be deleted")

	waitFor(t, func() bool {
		fib := rec.fibRoutes()
		return len(fib) >= 2 && !fib[len(fib)-1].Install
	})
}

func TestDirectRoutesSkipFIB(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.FIBRouteMsg{})
	defer rec.stop()

	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolDirect,
		Prefix:   netip.MustParsePrefix("192.0.2.0/24"),
		Distance: 0,
	})
	r.ProcessUpdateQueue()

	assert.Empty(t, rec.fibRoutes(), "direct routes are already in the kernel")
}

func TestNexthopTracking(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.NexthopUpdateMsg{})
	defer rec.stop()

	gw := netip.MustParseAddr("10.1.2.3")
	r.TrackNexthop(ibus.NexthopTrackMsg{Subscriber: ibus.ProtocolBGP, Addr: gw})

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	first := rec.snapshot()[0].(ibus.NexthopUpdateMsg)
	assert.Nil(t, first.Metric, "unreachable nexthop reports nil metric")

	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolOSPFv2,
		Prefix:   netip.MustParsePrefix("10.1.0.0/16"),
		Distance: 110,
		Metric:   44,
	})
	r.ProcessUpdateQueue()

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
	second := rec.snapshot()[1].(ibus.NexthopUpdateMsg)
	require.NotNil(t, second.Metric)
	assert.Equal(t, uint32(44), *second.Metric)

	// A drain with no metric change must not renotify.
	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolOSPFv2,
		Prefix:   netip.MustParsePrefix("10.1.0.0/16"),
		Distance: 110,
		Metric:   44,
	})
	r.ProcessUpdateQueue()
	assert.Len(t, rec.snapshot(), 2)
}

func TestNexthopTrackingLongestPrefixWins(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.NexthopUpdateMsg{})
	defer rec.stop()

	r.Add(ibus.RouteMsg{Protocol: ibus.ProtocolOSPFv2, Prefix: netip.MustParsePrefix("10.0.0.0/8"), Distance: 110, Metric: 100})
	r.Add(ibus.RouteMsg{Protocol: ibus.ProtocolOSPFv2, Prefix: netip.MustParsePrefix("10.1.0.0/16"), Distance: 110, Metric: 10})
	r.ProcessUpdateQueue()

	r.TrackNexthop(ibus.NexthopTrackMsg{Subscriber: ibus.ProtocolBGP, Addr: netip.MustParseAddr("10.1.9.9")})
	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	msg := rec.snapshot()[0].(ibus.NexthopUpdateMsg)
	require.NotNil(t, msg.Metric)
	assert.Equal(t, uint32(10), *msg.Metric, "longest prefix must resolve the nexthop")
}

func TestRecursiveNexthopResolution(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.FIBRouteMsg{})
	defer rec.stop()

	// IGP route that resolves the BGP nexthop.
	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolOSPFv2,
		Prefix:   netip.MustParsePrefix("198.51.100.0/24"),
		Distance: 110,
		Nexthops: []ibus.Nexthop{{Addr: netip.MustParseAddr("192.0.2.254"), IfIndex: 3}},
	})
	r.ProcessUpdateQueue()

	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolBGP,
		Prefix:   netip.MustParsePrefix("172.16.0.0/12"),
		Distance: 20,
		Nexthops: []ibus.Nexthop{{Addr: netip.MustParseAddr("198.51.100.7"), Recursive: true}},
	})
	r.ProcessUpdateQueue()

	waitFor(t, func() bool { return len(rec.fibRoutes()) >= 2 })
	var bgpFIB *ibus.FIBRouteMsg
	for _, msg := range rec.fibRoutes() {
		if msg.Protocol == ibus.ProtocolBGP {
			m := msg
			bgpFIB = &m
		}
	}
	require.NotNil(t, bgpFIB)
	require.Len(t, bgpFIB.Nexthops, 1)
	assert.Equal(t, netip.MustParseAddr("192.0.2.254"), bgpFIB.Nexthops[0].Addr)
	assert.Equal(t, uint32(3), bgpFIB.Nexthops[0].IfIndex)
}

func TestLabelWithdrawStripsIPRoute(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)
	rec := newRecorder(bus, ibus.FIBRouteMsg{}, ibus.FIBLabelMsg{})
	defer rec.stop()

	pfx := netip.MustParsePrefix("10.2.0.0/16")
	gw := netip.MustParseAddr("192.0.2.9")
	r.Add(ibus.RouteMsg{
		Protocol: ibus.ProtocolLDP,
		Prefix:   pfx,
		Distance: 9,
		Nexthops: []ibus.Nexthop{{Addr: gw}},
	})
	r.ProcessUpdateQueue()

	r.AddLabel(ibus.LabelMsg{
		Install: true,
		Label:   3000,
		Route:   &ibus.RouteKeyMsg{Protocol: ibus.ProtocolLDP, Prefix: pfx},
		Nexthops: []ibus.Nexthop{
			{Addr: gw, Labels: []ibus.Label{3000}},
		},
	})
	r.ProcessUpdateQueue()

	route, ok := r.Get(pfx)
	require.True(t, ok)
	require.Len(t, route.Nexthops[0].Labels, 1)

	r.RemoveLabel(3000)
	r.ProcessUpdateQueue()

	route, ok = r.Get(pfx)
	require.True(t, ok)
	assert.Empty(t, route.Nexthops[0].Labels, "label stack must be stripped after withdraw")

	waitFor(t, func() bool {
		for _, msg := range rec.snapshot() {
			if m, ok := msg.(ibus.FIBLabelMsg); ok && !m.Install && m.Label == 3000 {
				return true
			}
		}
		return false
	})
}

func TestReservedLabelRejected(t *testing.T) {
	bus := ibus.NewBus(nil)
	r := New(nil, bus)

	r.AddLabel(ibus.LabelMsg{Install: true, Label: ibus.LabelImplicitNull})
	assert.Empty(t, r.mpls)
}
