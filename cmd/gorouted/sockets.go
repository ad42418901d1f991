package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gorouted/internal/bfd"
	"github.com/dantte-lp/gorouted/internal/ldp"
	"github.com/dantte-lp/gorouted/internal/netio"
	"github.com/dantte-lp/gorouted/internal/ospf"
	"github.com/dantte-lp/gorouted/internal/rip"
	"github.com/dantte-lp/gorouted/internal/vrrp"
)

// bfdTransport sends BFD control packets over a shared UDP socket with
// GTSM TTL and feeds received packets into the manager.
type bfdTransport struct {
	conn *netio.UDPConn
}

func newBFDTransport() (*bfdTransport, error) {
	conn, err := netio.NewUDPConn(netio.UDPConfig{
		Port:      bfd.PortSingleHop,
		TTL:       255,
		ReuseAddr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("bfd socket: %w", err)
	}
	return &bfdTransport{conn: conn}, nil
}

// SendControl implements bfd.PacketSender.
func (t *bfdTransport) SendControl(dst netip.AddrPort, pkt *bfd.ControlPacket) error {
	var buf [bfd.MaxPacketSize]byte
	n, err := pkt.Marshal(buf[:])
	if err != nil {
		return err
	}
	_, err = t.conn.WritePacket(buf[:n], dst)
	return err
}

// Run pumps received packets into the manager until ctx is cancelled.
func (t *bfdTransport) Run(ctx context.Context, mgr *bfd.Manager) error {
	defer t.conn.Close()
	return netio.ReceiveLoop(ctx, t.conn, func(data []byte, meta netio.PacketMeta) {
		// GTSM: single-hop packets must arrive with TTL 255
		// (RFC 5881 Section 5).
		if meta.TTL != 255 {
			return
		}
		mgr.RecvPacket(meta.SrcAddr, meta.IfName, data)
	})
}

// ospfTransport sends OSPF packets over a raw IP socket (protocol 89).
type ospfTransport struct {
	conn *netio.RawConn
}

func newOSPFTransport(ipv6 bool, interfaces []string) (*ospfTransport, error) {
	conn, err := netio.NewRawConn(netio.RawConfig{
		Protocol: netio.ProtoOSPF,
		IPv6:     ipv6,
		TTL:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("ospf raw socket: %w", err)
	}
	group := ospf.AllSPFRouters
	if ipv6 {
		group = ospf.AllSPFRoutersV6
	}
	for _, ifName := range interfaces {
		if err := conn.JoinMulticast(group, ifName); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ospf join %s on %s: %w", group, ifName, err)
		}
	}
	return &ospfTransport{conn: conn}, nil
}

// SendPacket implements ospf.PacketSender.
func (t *ospfTransport) SendPacket(_ string, dst netip.Addr, pkt *ospf.Packet) error {
	var buf [4096]byte
	n, err := ospf.EncodePacket(pkt, buf[:])
	if err != nil {
		return err
	}
	_, err = t.conn.WritePacket(buf[:n], netip.AddrPortFrom(dst, 0))
	return err
}

// Run pumps received packets into the instance. Area resolution by
// interface relies on one area per interface, looked up by name.
func (t *ospfTransport) Run(ctx context.Context, inst *ospf.Instance) error {
	defer t.conn.Close()
	areaByIf := make(map[string]uint32)
	for areaID, area := range inst.Areas {
		for name := range area.Interfaces {
			areaByIf[name] = areaID
		}
	}
	return netio.ReceiveLoop(ctx, t.conn, func(data []byte, meta netio.PacketMeta) {
		areaID, ok := areaByIf[meta.IfName]
		if !ok {
			return
		}
		inst.DeliverPacket(areaID, meta.IfName, meta.SrcAddr, data)
	})
}

// ripTransport sends RIP packets over the well-known UDP port.
type ripTransport struct {
	conn *netio.UDPConn
}

func newRIPTransport(ipv6 bool, interfaces []string) (*ripTransport, error) {
	port := uint16(rip.PortV2)
	group := rip.GroupV2
	if ipv6 {
		port = rip.PortNg
		group = rip.GroupNg
	}
	conn, err := netio.NewUDPConn(netio.UDPConfig{
		Port:         port,
		IPv6:         ipv6,
		MulticastTTL: 1,
		ReuseAddr:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("rip socket: %w", err)
	}
	for _, ifName := range interfaces {
		if err := conn.JoinMulticast(group, ifName); err != nil {
			conn.Close()
			return nil, fmt.Errorf("rip join %s on %s: %w", group, ifName, err)
		}
	}
	return &ripTransport{conn: conn}, nil
}

// SendPacket implements rip.PacketSender.
func (t *ripTransport) SendPacket(_ string, dst netip.Addr, data []byte) error {
	port := uint16(rip.PortV2)
	if dst.Is6() {
		port = rip.PortNg
	}
	_, err := t.conn.WritePacket(data, netip.AddrPortFrom(dst, port))
	return err
}

// Run pumps received responses into the instance.
func (t *ripTransport) Run(ctx context.Context, inst *rip.Instance) error {
	defer t.conn.Close()
	return netio.ReceiveLoop(ctx, t.conn, func(data []byte, meta netio.PacketMeta) {
		inst.DeliverPacket(meta.IfName, meta.SrcAddr, data)
	})
}

// ldpTransport carries LDP discovery over UDP 646 and sessions over TCP
// 646. Session connections are keyed by peer; SendTCP is called from the
// instance main loop, so the resolver closure may read instance state.
type ldpTransport struct {
	udp      *netio.UDPConn
	listener net.Listener
	resolve  func(ldp.LsrID) (netip.Addr, bool)
	logger   *slog.Logger

	mu    sync.Mutex
	conns map[ldp.LsrID]net.Conn
}

func newLDPTransport(logger *slog.Logger, interfaces []string) (*ldpTransport, error) {
	udp, err := netio.NewUDPConn(netio.UDPConfig{
		Port:         ldp.Port,
		MulticastTTL: 1,
		ReuseAddr:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("ldp udp socket: %w", err)
	}
	for _, ifName := range interfaces {
		if err := udp.JoinMulticast(ldp.AllRoutersGroup, ifName); err != nil {
			udp.Close()
			return nil, fmt.Errorf("ldp join on %s: %w", ifName, err)
		}
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", ldp.Port))
	if err != nil {
		udp.Close()
		return nil, fmt.Errorf("ldp tcp listen: %w", err)
	}
	return &ldpTransport{
		udp:      udp,
		listener: listener,
		logger:   logger,
		conns:    make(map[ldp.LsrID]net.Conn),
	}, nil
}

// SendUDP implements ldp.PduSender.
func (t *ldpTransport) SendUDP(_ string, dst netip.Addr, data []byte) error {
	_, err := t.udp.WritePacket(data, netip.AddrPortFrom(dst, ldp.Port))
	return err
}

// SendTCP implements ldp.PduSender, dialing the peer's transport address
// on first use.
func (t *ldpTransport) SendTCP(peer ldp.LsrID, data []byte) error {
	t.mu.Lock()
	conn := t.conns[peer]
	t.mu.Unlock()

	if conn == nil {
		addr, ok := t.resolve(peer)
		if !ok {
			return fmt.Errorf("ldp peer %s: no transport address", peer)
		}
		var err error
		conn, err = net.DialTimeout("tcp",
			netip.AddrPortFrom(addr, ldp.Port).String(), 3*time.Second)
		if err != nil {
			return fmt.Errorf("ldp dial %s: %w", peer, err)
		}
		t.mu.Lock()
		if existing := t.conns[peer]; existing != nil {
			// A concurrent inbound connection won; the duplicate
			// attempt is discarded and the existing session kept.
			t.mu.Unlock()
			conn.Close()
			conn = existing
		} else {
			t.conns[peer] = conn
			t.mu.Unlock()
		}
	}

	_, err := conn.Write(data)
	return err
}

// Run pumps UDP discovery and accepted TCP sessions into the instance.
func (t *ldpTransport) Run(ctx context.Context, inst *ldp.Instance) error {
	t.resolve = func(peer ldp.LsrID) (netip.Addr, bool) {
		if sess, ok := inst.Sessions[peer]; ok {
			return sess.TransportAddr, true
		}
		return netip.Addr{}, false
	}

	go t.acceptLoop(ctx, inst)
	go func() {
		<-ctx.Done()
		t.listener.Close()
		t.udp.Close()
		t.mu.Lock()
		for _, conn := range t.conns {
			conn.Close()
		}
		t.mu.Unlock()
	}()

	return netio.ReceiveLoop(ctx, t.udp, func(data []byte, _ netio.PacketMeta) {
		inst.DeliverUDP(data)
	})
}

func (t *ldpTransport) acceptLoop(ctx context.Context, inst *ldp.Instance) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.readLoop(ctx, inst, conn)
	}
}

// readLoop reframes the TCP byte stream into PDUs by the length field
// and delivers them.
func (t *ldpTransport) readLoop(ctx context.Context, inst *ldp.Instance, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		var hdr [4]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(hdr[2:]))
		if length < ldp.PduHdrSize-4 || length > ldp.MaxPduLen {
			return
		}
		pdu := make([]byte, 4+length)
		copy(pdu, hdr[:])
		if _, err := io.ReadFull(reader, pdu[4:]); err != nil {
			return
		}
		inst.DeliverTCP(pdu)
	}
}

// vrrpTransport sends advertisements over a raw IP socket (protocol 112)
// with the required TTL of 255.
type vrrpTransport struct {
	conn   *netio.RawConn
	ifName string
	logger *slog.Logger
}

func newVRRPTransport(logger *slog.Logger, ipv6 bool, ifName string) (*vrrpTransport, error) {
	conn, err := netio.NewRawConn(netio.RawConfig{
		Protocol: netio.ProtoVRRP,
		IPv6:     ipv6,
		IfName:   ifName,
		TTL:      vrrp.MulticastTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("vrrp raw socket: %w", err)
	}
	group := vrrp.GroupV4
	if ipv6 {
		group = vrrp.GroupV6
	}
	if err := conn.JoinMulticast(group, ifName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("vrrp join %s on %s: %w", group, ifName, err)
	}
	return &vrrpTransport{conn: conn, ifName: ifName, logger: logger}, nil
}

// Run pumps received advertisements into the instance, enforcing the
// TTL-255 check.
func (t *vrrpTransport) Run(ctx context.Context, inst *vrrp.Instance) error {
	defer t.conn.Close()
	return netio.ReceiveLoop(ctx, t.conn, func(data []byte, meta netio.PacketMeta) {
		if meta.TTL != vrrp.MulticastTTL {
			return
		}
		adv, err := vrrp.Decode(data)
		if err != nil || adv.VRID != inst.Config.VRID {
			return
		}
		inst.DeliverAdvertisement(adv)
	})
}

// vrrpActions implements the VRRP data-plane side effects: the
// advertisement goes out over the raw socket; address and MAC ownership
// changes are delegated to the southbound collaborator, which is outside
// the core, so they are logged at the boundary.
type vrrpActions struct {
	transport *vrrpTransport
	cfg       vrrp.Config
	logger    *slog.Logger
}

// SendAdvertisement implements vrrp.Actions.
func (a *vrrpActions) SendAdvertisement(priority uint8) {
	interval := uint16(a.cfg.AdverInterval.Seconds())
	if a.cfg.Version == vrrp.Version3 {
		interval = uint16(a.cfg.AdverInterval.Milliseconds() / 10)
	}
	adv := &vrrp.Advertisement{
		Version:       a.cfg.Version,
		VRID:          a.cfg.VRID,
		Priority:      priority,
		AdverInterval: interval,
		Addrs:         a.cfg.VirtualIPs,
	}
	var buf [512]byte
	n, err := adv.Encode(buf[:])
	if err != nil {
		return
	}
	dst := vrrp.GroupV4
	if len(a.cfg.VirtualIPs) > 0 && a.cfg.VirtualIPs[0].Is6() {
		dst = vrrp.GroupV6
	}
	_, _ = a.transport.conn.WritePacket(buf[:n], netip.AddrPortFrom(dst, 0))
}

// ClaimAddresses implements vrrp.Actions.
func (a *vrrpActions) ClaimAddresses(mac [6]byte, addrs []netip.Addr) {
	a.logger.Info("claiming virtual addresses",
		slog.String("mac", fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])),
		slog.Int("addrs", len(addrs)))
}

// ReleaseAddresses implements vrrp.Actions.
func (a *vrrpActions) ReleaseAddresses() {
	a.logger.Info("releasing virtual addresses")
}

// SendGratuitousARP implements vrrp.Actions.
func (a *vrrpActions) SendGratuitousARP(addr netip.Addr) {
	a.logger.Debug("gratuitous arp", slog.String("addr", addr.String()))
}

// SendUnsolicitedNA implements vrrp.Actions.
func (a *vrrpActions) SendUnsolicitedNA(addr, group netip.Addr) {
	a.logger.Debug("unsolicited na",
		slog.String("addr", addr.String()), slog.String("group", group.String()))
}

// spawnReceiver runs a transport loop in the group, downgrading socket
// failures at startup to a logged error so one unprivileged socket does
// not take the daemon down.
func spawnReceiver(g *errgroup.Group, logger *slog.Logger, name string, run func() error) {
	g.Go(func() error {
		if err := ignoreCancel(run()); err != nil {
			logger.Error("receiver exited", slog.String("transport", name),
				slog.String("error", err.Error()))
		}
		return nil
	})
}
