package ldp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/dantte-lp/gorouted/internal/ibus"
	"github.com/dantte-lp/gorouted/internal/task"
)

// DefaultLinkHelloHold and DefaultTargetedHelloHold are the discovery
// hold times in seconds: link hellos default to 15 s, targeted hellos
// to 45 s (RFC 5036).
const (
	DefaultLinkHelloHold     = 15
	DefaultTargetedHelloHold = 45
	// HelloInterval is the discovery transmission period.
	HelloInterval = 5 * time.Second
)

// InstanceConfig is the instance-wide LDP configuration.
type InstanceConfig struct {
	LsrID LsrID
	// TransportAddr is the session transport address advertised in
	// hellos.
	TransportAddr netip.Addr
	// TargetedPeers receive unicast hellos.
	TargetedPeers []netip.Addr
	// Interfaces run basic discovery.
	Interfaces []string
	// LabelBase allocates local labels upward from here.
	LabelBase uint32
}

// PduSender transmits an encoded PDU.
type PduSender interface {
	// SendUDP sends a discovery hello to dst (multicast or targeted).
	SendUDP(ifName string, dst netip.Addr, data []byte) error
	// SendTCP sends session traffic to the peer.
	SendTCP(peer LsrID, data []byte) error
}

// helloAdjacency is one discovered neighbor.
type helloAdjacency struct {
	peer          LsrID
	transportAddr netip.Addr
	targeted      bool
	holdTimer     *task.Timeout
}

// InstanceStats counts instance events.
type InstanceStats struct {
	DecodeErrors     uint64
	HellosReceived   uint64
	BindingsReceived uint64
}

type instanceEvent struct {
	session    *sessionEvent
	adjExpired *LsrID
	udp        []byte
	tcp        []byte
}

type sessionEvent struct {
	peer LsrID
	ev   SessionEvent
}

// Instance is one LDP process.
type Instance struct {
	logger *slog.Logger
	config InstanceConfig
	bus    *ibus.Bus
	sender PduSender

	// Adjacencies and Sessions are keyed by peer LSR-ID.
	Adjacencies map[LsrID]*helloAdjacency
	Sessions    map[LsrID]*Session

	// localBindings maps FEC prefix to the locally assigned label.
	localBindings map[netip.Prefix]uint32
	nextLabel     uint32

	Stats InstanceStats

	events    chan instanceEvent
	helloTask *task.Interval
}

// NewInstance creates an LDP instance.
func NewInstance(logger *slog.Logger, cfg InstanceConfig, bus *ibus.Bus, sender PduSender) *Instance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LabelBase == 0 {
		cfg.LabelBase = 16
	}
	return &Instance{
		logger:        logger.With("protocol", "ldp"),
		config:        cfg,
		bus:           bus,
		sender:        sender,
		Adjacencies:   make(map[LsrID]*helloAdjacency),
		Sessions:      make(map[LsrID]*Session),
		localBindings: make(map[netip.Prefix]uint32),
		nextLabel:     cfg.LabelBase,
		events:        make(chan instanceEvent, ibus.DefaultQueueDepth),
	}
}

// Run is the instance main loop.
func (i *Instance) Run(ctx context.Context) error {
	i.helloTask = task.NewInterval(task.Jitter(HelloInterval, 0.25), true, i.sendHellos)
	defer i.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-i.events:
			switch {
			case ev.session != nil:
				if sess, ok := i.Sessions[ev.session.peer]; ok {
					sess.HandleEvent(ev.session.ev)
				}
			case ev.adjExpired != nil:
				i.expireAdjacency(*ev.adjExpired)
			case ev.udp != nil:
				i.HandleUDP(ev.udp)
			case ev.tcp != nil:
				i.HandleTCP(ev.tcp)
			}
		}
	}
}

func (i *Instance) sendHellos() {
	if i.sender == nil {
		return
	}
	var buf [512]byte
	link := &HelloMsg{
		ID:            1,
		HoldTime:      DefaultLinkHelloHold,
		TransportAddr: i.config.TransportAddr,
	}
	n, _ := EncodePdu(i.config.LsrID, []Message{link}, buf[:])
	for _, ifName := range i.config.Interfaces {
		_ = i.sender.SendUDP(ifName, AllRoutersGroup, buf[:n])
	}

	targeted := &HelloMsg{
		ID:            2,
		HoldTime:      DefaultTargetedHelloHold,
		Targeted:      true,
		RequestTarget: true,
		TransportAddr: i.config.TransportAddr,
	}
	n, _ = EncodePdu(i.config.LsrID, []Message{targeted}, buf[:])
	for _, peer := range i.config.TargetedPeers {
		_ = i.sender.SendUDP("", peer, buf[:n])
	}
}

// DeliverUDP and DeliverTCP hand received data from socket tasks to the
// main loop, blocking on the bounded channel for backpressure.
func (i *Instance) DeliverUDP(data []byte) { i.events <- instanceEvent{udp: data} }

// DeliverTCP delivers one session PDU.
func (i *Instance) DeliverTCP(data []byte) { i.events <- instanceEvent{tcp: data} }

// HandleUDP digests one discovery datagram. Called from the main loop.
func (i *Instance) HandleUDP(data []byte) {
	lsr, msgs, err := DecodePdu(data)
	if err != nil {
		i.Stats.DecodeErrors++
		return
	}
	for _, msg := range msgs {
		if hello, ok := msg.(*HelloMsg); ok {
			i.handleHello(lsr, hello)
		}
	}
}

func (i *Instance) handleHello(peer LsrID, hello *HelloMsg) {
	i.Stats.HellosReceived++
	transport := hello.TransportAddr
	if !transport.IsValid() {
		transport = u32Addr(peer.Router)
	}

	adj, ok := i.Adjacencies[peer]
	if !ok {
		adj = &helloAdjacency{peer: peer, transportAddr: transport, targeted: hello.Targeted}
		i.Adjacencies[peer] = adj
		i.logger.Info("hello adjacency created", "peer", peer.String())
		i.ensureSession(peer, transport)
	}
	adj.transportAddr = transport

	hold := time.Duration(hello.HoldTime) * time.Second
	if hello.HoldTime == 0 {
		hold = DefaultLinkHelloHold * time.Second
	}
	adj.holdTimer.Stop()
	p := peer
	adj.holdTimer = task.NewTimeout(hold, func() {
		select {
		case i.events <- instanceEvent{adjExpired: &p}:
		default:
		}
	})
}

func (i *Instance) expireAdjacency(peer LsrID) {
	adj, ok := i.Adjacencies[peer]
	if !ok {
		return
	}
	adj.holdTimer.Stop()
	delete(i.Adjacencies, peer)
	i.logger.Info("hello adjacency expired", "peer", peer.String())

	if sess, ok := i.Sessions[peer]; ok {
		sess.HandleEvent(SessEvClose)
		sess.Close()
		delete(i.Sessions, peer)
	}
}

// ensureSession creates the session for a newly discovered peer. The
// active role belongs to the higher transport address. A duplicate
// connection attempt towards an existing session is ignored: the
// existing session wins.
func (i *Instance) ensureSession(peer LsrID, transport netip.Addr) *Session {
	if sess, ok := i.Sessions[peer]; ok {
		return sess
	}
	active := i.config.TransportAddr.IsValid() && transport.Less(i.config.TransportAddr)
	p := peer
	hooks := SessionHooks{
		SendInit: func() {
			i.sendMessage(p, &InitMsg{
				KeepaliveTime: DefaultKeepaliveTime,
				MaxPduLen:     MaxPduLen,
				ReceiverLsrID: p,
			})
		},
		SendKeepalive: func() { i.sendMessage(p, &KeepAliveMsg{}) },
		SendNotification: func(status uint32, fatal bool) {
			i.sendMessage(p, &NotificationMsg{Status: status, Fatal: fatal})
		},
		CloseConn:   func() {},
		SessionUp:   func() { i.onSessionUp(p) },
		SessionDown: func() { i.onSessionDown(p) },
	}
	sess := NewSession(i.logger, peer, transport, active, hooks,
		func(id LsrID, ev SessionEvent) {
			select {
			case i.events <- instanceEvent{session: &sessionEvent{peer: id, ev: ev}}:
			default:
			}
		})
	i.Sessions[peer] = sess
	return sess
}

func (i *Instance) sendMessage(peer LsrID, msg Message) {
	if i.sender == nil {
		return
	}
	sess, ok := i.Sessions[peer]
	if !ok {
		return
	}
	switch m := msg.(type) {
	case *InitMsg:
		m.ID = sess.NextMsgID()
	case *KeepAliveMsg:
		m.ID = sess.NextMsgID()
	case *NotificationMsg:
		m.ID = sess.NextMsgID()
	case *AddressMsg:
		m.ID = sess.NextMsgID()
	case *LabelMsg:
		m.ID = sess.NextMsgID()
	}
	var buf [MaxPduLen]byte
	n, err := EncodePdu(i.config.LsrID, []Message{msg}, buf[:])
	if err != nil {
		return
	}
	_ = i.sender.SendTCP(peer, buf[:n])
}

// HandleTCP digests one session PDU from a peer.
func (i *Instance) HandleTCP(data []byte) {
	peer, msgs, err := DecodePdu(data)
	if err != nil {
		i.Stats.DecodeErrors++
		if sess, ok := i.Sessions[peer]; ok {
			// Decode errors on a session are fatal per RFC 5036.
			sess.hooks.SendNotification(StatusMalformedTlvValue, true)
			sess.HandleEvent(SessEvError)
		}
		return
	}
	sess, ok := i.Sessions[peer]
	if !ok {
		return
	}

	for _, msg := range msgs {
		switch m := msg.(type) {
		case *InitMsg:
			if m.ReceiverLsrID.Router != 0 && m.ReceiverLsrID.Router != i.config.LsrID.Router {
				sess.HandleEvent(SessEvRecvBadInit)
				continue
			}
			if ka := time.Duration(m.KeepaliveTime) * time.Second; ka < sess.KeepaliveTime {
				sess.KeepaliveTime = ka
			}
			sess.HandleEvent(SessEvRecvInit)
		case *KeepAliveMsg:
			sess.HandleEvent(SessEvRecvKeepalive)
		case *NotificationMsg:
			if m.Fatal {
				sess.HandleEvent(SessEvError)
			}
		case *AddressMsg:
			i.handleAddress(sess, m)
		case *LabelMsg:
			i.handleLabel(sess, m)
		}
	}
}

func (i *Instance) handleAddress(sess *Session, msg *AddressMsg) {
	for _, addr := range msg.Addrs {
		if msg.Withdraw {
			delete(sess.AddressDB, addr)
		} else {
			sess.AddressDB[addr] = struct{}{}
		}
	}
}

// handleLabel processes the label distribution messages.
func (i *Instance) handleLabel(sess *Session, msg *LabelMsg) {
	if sess.State != SessionOperational {
		return
	}
	switch msg.LabelType {
	case MsgLabelMapping:
		if !msg.HasLabel {
			return
		}
		i.Stats.BindingsReceived++
		for _, fec := range msg.Fecs {
			if fec.Type != FecPrefix {
				continue
			}
			sess.LabelDB[fec.Prefix] = msg.Label
			i.installBinding(sess, fec.Prefix, msg.Label)
		}
	case MsgLabelWithdraw:
		// A withdraw without a label TLV covers every binding for the
		// FEC; wildcards cover every FEC.
		for _, fec := range msg.Fecs {
			if fec.IsWildcard() {
				for pfx := range sess.LabelDB {
					i.removeBinding(sess, pfx)
				}
				continue
			}
			if label, ok := sess.LabelDB[fec.Prefix]; ok {
				if msg.HasLabel && msg.Label != label {
					continue
				}
				i.removeBinding(sess, fec.Prefix)
			}
		}
		// Acknowledge with a Label Release.
		i.sendMessage(sess.PeerID, &LabelMsg{
			LabelType: MsgLabelRelease,
			Fecs:      msg.Fecs,
			HasLabel:  msg.HasLabel,
			Label:     msg.Label,
		})
	case MsgLabelRequest:
		for _, fec := range msg.Fecs {
			if fec.Type != FecPrefix {
				continue
			}
			label := i.LocalLabel(fec.Prefix)
			i.sendMessage(sess.PeerID, &LabelMsg{
				LabelType: MsgLabelMapping,
				Fecs:      []FecElement{fec},
				HasLabel:  true,
				Label:     label,
			})
		}
	case MsgLabelRelease, MsgLabelAbortRequest:
		// Liberal retention: releases need no local action.
	}
}

// installBinding programs the received binding: an MPLS route keyed by
// the local label, tied to the IP route whose nexthop stack follows it.
func (i *Instance) installBinding(sess *Session, pfx netip.Prefix, remoteLabel uint32) {
	local := i.LocalLabel(pfx)
	nexthop := ibus.Nexthop{Addr: sess.TransportAddr}
	if remoteLabel != LabelImplicitNull {
		nexthop.Labels = []ibus.Label{ibus.Label(remoteLabel)}
	}
	i.bus.Publish(ibus.LabelMsg{
		Install:  true,
		Label:    ibus.Label(local),
		Route:    &ibus.RouteKeyMsg{Protocol: ibus.ProtocolLDP, Prefix: pfx},
		Nexthops: []ibus.Nexthop{nexthop},
	})
}

// removeBinding withdraws the binding and uninstalls the MPLS route; the
// RIB strips the IP route's label stack in lock-step.
func (i *Instance) removeBinding(sess *Session, pfx netip.Prefix) {
	delete(sess.LabelDB, pfx)
	if local, ok := i.localBindings[pfx]; ok {
		i.bus.Publish(ibus.LabelMsg{Install: false, Label: ibus.Label(local)})
	}
}

// LocalLabel allocates (or returns) the local label for a FEC.
func (i *Instance) LocalLabel(pfx netip.Prefix) uint32 {
	if label, ok := i.localBindings[pfx]; ok {
		return label
	}
	label := i.nextLabel
	i.nextLabel++
	i.localBindings[pfx] = label
	return label
}

func (i *Instance) onSessionUp(peer LsrID) {
	// Advertise our addresses and every local binding (downstream
	// unsolicited).
	i.sendMessage(peer, &AddressMsg{Addrs: []netip.Addr{i.config.TransportAddr}})
	for pfx, label := range i.localBindings {
		i.sendMessage(peer, &LabelMsg{
			LabelType: MsgLabelMapping,
			Fecs:      []FecElement{{Type: FecPrefix, Prefix: pfx}},
			HasLabel:  true,
			Label:     label,
		})
	}
}

func (i *Instance) onSessionDown(peer LsrID) {
	sess, ok := i.Sessions[peer]
	if !ok {
		return
	}
	for pfx := range sess.LabelDB {
		i.removeBinding(sess, pfx)
	}
}

func u32Addr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Close stops every task.
func (i *Instance) Close() {
	if i.helloTask != nil {
		i.helloTask.Stop()
	}
	for _, adj := range i.Adjacencies {
		adj.holdTimer.Stop()
	}
	for _, sess := range i.Sessions {
		sess.Close()
	}
}
