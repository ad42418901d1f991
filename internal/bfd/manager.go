package bfd

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync"

	"github.com/dantte-lp/gorouted/internal/arena"
)

// UDP destination ports (RFC 5881 Section 4, RFC 5883 Section 5).
const (
	PortSingleHop = 3784
	PortMultiHop  = 3785
)

// Manager errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDemuxNoMatch    = errors.New("no matching session for incoming packet")
)

// MetricsReporter receives manager-level counters. Implemented by the
// prometheus collector; a nil reporter disables metrics.
type MetricsReporter interface {
	SessionCreated(key SessionKey)
	SessionDestroyed(key SessionKey)
	PacketReceived(key SessionKey)
	PacketDropped(reason string)
	StateTransition(key SessionKey, from, to State)
}

// event is the manager main-loop message type. Exactly one of the fields
// is set.
type event struct {
	packet *packetEvent
	expiry uint32 // local discriminator of the expired detection timer
	txTick uint32 // local discriminator of the tx interval tick
}

type packetEvent struct {
	src    netip.Addr
	ifName string
	data   []byte
}

// Manager owns the BFD session set. All session mutation happens under
// mu; timer and socket tasks communicate with the main loop through the
// bounded events channel.
type Manager struct {
	logger  *slog.Logger
	sender  PacketSender
	metrics MetricsReporter

	mu       sync.Mutex
	sessions arena.Arena[*Session]
	byKey    map[SessionKey]arena.Handle
	byDiscr  map[uint32]arena.Handle

	events  chan event
	stateCh chan StateChange
}

// ManagerOption configures optional manager collaborators.
type ManagerOption func(*Manager)

// WithMetrics attaches a metrics reporter.
func WithMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) { m.metrics = mr }
}

// NewManager creates an empty session manager transmitting via sender.
func NewManager(logger *slog.Logger, sender PacketSender, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger.With("protocol", "bfd"),
		sender:  sender,
		byKey:   make(map[SessionKey]arena.Handle),
		byDiscr: make(map[uint32]arena.Handle),
		events:  make(chan event, 4),
		stateCh: make(chan StateChange, 64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StateChanges returns the channel of client-visible state transitions.
func (m *Manager) StateChanges() <-chan StateChange { return m.stateCh }

// Run drains timer and packet events until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case ev := <-m.events:
			switch {
			case ev.packet != nil:
				m.handlePacket(ev.packet)
			case ev.expiry != 0:
				m.handleDetectionExpiry(ev.expiry)
			case ev.txTick != 0:
				m.handleTxTick(ev.txTick)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Public operations
// -------------------------------------------------------------------------

// Upsert returns the session for key, creating it with defaults and a
// random discriminator when absent. A non-empty client name registers the
// caller; fromConfig marks the session as statically configured.
func (m *Manager) Upsert(key SessionKey, client string, fromConfig bool) arena.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.byKey[key]; ok {
		sess := *m.sessions.Get(h)
		if client != "" {
			sess.Clients[client] = struct{}{}
		}
		if fromConfig {
			sess.ConfigPresent = true
		}
		return h
	}

	discr := m.allocateDiscriminator()
	sess := NewSession(key, discr, DefaultSessionConfig())
	if client != "" {
		sess.Clients[client] = struct{}{}
	}
	sess.ConfigPresent = fromConfig

	h := m.sessions.Insert(sess)
	m.byKey[key] = h
	m.byDiscr[discr] = h

	if m.metrics != nil {
		m.metrics.SessionCreated(key)
	}
	m.logger.Info("session created",
		"key", key.String(), "local_discr", discr)
	return h
}

// Unregister removes a client registration and runs the teardown check.
func (m *Manager) Unregister(key SessionKey, client string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byKey[key]
	if !ok {
		return
	}
	sess := *m.sessions.Get(h)
	delete(sess.Clients, client)
	m.teardownCheckLocked(h, sess)
}

// SetConfigPresent updates the static-configuration mark and runs the
// teardown check when it is cleared.
func (m *Manager) SetConfigPresent(h arena.Handle, present bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp := m.sessions.Get(h)
	if sp == nil {
		return
	}
	sess := *sp
	sess.ConfigPresent = present
	if !present {
		m.teardownCheckLocked(h, sess)
	}
}

// TeardownCheck deletes the session iff neither static configuration nor
// any registered client references it.
func (m *Manager) TeardownCheck(h arena.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp := m.sessions.Get(h)
	if sp == nil {
		return
	}
	m.teardownCheckLocked(h, *sp)
}

func (m *Manager) teardownCheckLocked(h arena.Handle, sess *Session) {
	if sess.ConfigPresent || len(sess.Clients) > 0 {
		return
	}
	sess.Close()
	delete(m.byKey, sess.Key)
	delete(m.byDiscr, sess.LocalDiscr)
	m.sessions.Remove(h)

	if m.metrics != nil {
		m.metrics.SessionDestroyed(sess.Key)
	}
	m.logger.Info("session destroyed", "key", sess.Key.String())
}

// UpdateIfIndex records the egress interface of a single-hop session,
// rebuilds the destination socket address (attaching the IPv6 scope for
// link-local peers), and (re)starts the Tx task.
func (m *Manager) UpdateIfIndex(h arena.Handle, ifIndex uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp := m.sessions.Get(h)
	if sp == nil {
		return
	}
	sess := *sp
	sess.IfIndex = ifIndex

	if ifIndex == 0 {
		sess.SockAddr = netip.AddrPort{}
		sess.StartTxTask(m.txFireFunc(sess.LocalDiscr))
		return
	}

	dst := sess.Key.Dst
	if dst.Is6() && dst.IsLinkLocalUnicast() {
		dst = dst.WithZone(sess.Key.IfName)
	}
	port := uint16(PortSingleHop)
	if sess.Key.Type == SessionTypeMultiHop {
		port = PortMultiHop
	}
	sess.SockAddr = netip.AddrPortFrom(dst, port)
	sess.StartTxTask(m.txFireFunc(sess.LocalDiscr))
}

// RecvPacket hands one received control packet to the main loop. It is
// called by the socket receive task; the raw bytes cross into the main
// loop through the bounded events channel, where they are decoded and
// demultiplexed.
func (m *Manager) RecvPacket(src netip.Addr, ifName string, data []byte) {
	m.events <- event{packet: &packetEvent{src: src, ifName: ifName, data: data}}
}

// Get returns the session value for a handle.
func (m *Manager) Get(h arena.Handle) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp := m.sessions.Get(h)
	if sp == nil {
		return nil, false
	}
	return *sp, true
}

// LookupByDiscriminator returns the handle for a local discriminator.
func (m *Manager) LookupByDiscriminator(discr uint32) (arena.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byDiscr[discr]
	return h, ok
}

// Sessions returns a snapshot of all sessions in slot order.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, m.sessions.Len())
	m.sessions.Iter(func(_ arena.Handle, sp **Session) bool {
		out = append(out, *sp)
		return true
	})
	return out
}

// Close stops every session task.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions.Iter(func(_ arena.Handle, sp **Session) bool {
		(*sp).Close()
		return true
	})
}

// -------------------------------------------------------------------------
// Event handling (main loop)
// -------------------------------------------------------------------------

func (m *Manager) handlePacket(ev *packetEvent) {
	var pkt ControlPacket
	if err := pkt.Unmarshal(ev.data); err != nil {
		if m.metrics != nil {
			m.metrics.PacketDropped("decode")
		}
		m.logger.Debug("dropping malformed packet", "src", ev.src, "err", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.demuxLocked(&pkt, ev)
	if !ok {
		if m.metrics != nil {
			m.metrics.PacketDropped("demux")
		}
		m.logger.Debug("no session for packet",
			"src", ev.src, "your_discr", pkt.YourDiscr)
		return
	}
	sess := *m.sessions.Get(h)

	if m.metrics != nil {
		m.metrics.PacketReceived(sess.Key)
	}

	discr := sess.LocalDiscr
	from := sess.LocalState
	change, transitioned := sess.HandlePacket(&pkt, m.expiryFunc(discr))
	if !transitioned {
		return
	}
	if m.metrics != nil {
		m.metrics.StateTransition(sess.Key, from, change.State)
	}
	m.emitStateChange(change)
}

// demuxLocked implements RFC 5880 Section 6.8.6: a nonzero YourDiscr
// selects the session directly; YourDiscr zero falls back to the session
// key derived from the packet source.
func (m *Manager) demuxLocked(pkt *ControlPacket, ev *packetEvent) (arena.Handle, bool) {
	if pkt.YourDiscr != 0 {
		h, ok := m.byDiscr[pkt.YourDiscr]
		return h, ok
	}
	if pkt.State != StateDown && pkt.State != StateAdminDown {
		// RFC 5880 Section 6.8.6: YourDiscr zero is only valid with
		// State Down or AdminDown.
		return arena.Handle{}, false
	}
	if ev.ifName != "" {
		key := SessionKey{Type: SessionTypeSingleHop, IfName: ev.ifName, Dst: ev.src}
		if h, ok := m.byKey[key]; ok {
			return h, true
		}
	}
	for key, h := range m.byKey {
		if key.Type == SessionTypeMultiHop && key.Dst == ev.src.WithZone("") {
			return h, true
		}
	}
	return arena.Handle{}, false
}

func (m *Manager) handleDetectionExpiry(discr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byDiscr[discr]
	if !ok {
		return
	}
	sess := *m.sessions.Get(h)
	from := sess.LocalState
	change, transitioned := sess.HandleDetectionExpiry()
	if !transitioned {
		return
	}
	if m.metrics != nil {
		m.metrics.StateTransition(sess.Key, from, change.State)
	}
	m.logger.Warn("detection time expired",
		"key", sess.Key.String(), "diag", change.Diag.String())
	m.emitStateChange(change)
}

func (m *Manager) handleTxTick(discr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byDiscr[discr]
	if !ok {
		return
	}
	(*m.sessions.Get(h)).TransmitNow(m.sender)
}

func (m *Manager) emitStateChange(change StateChange) {
	select {
	case m.stateCh <- change:
	default:
		m.logger.Warn("state change channel full, notification dropped",
			"key", change.Key.String())
	}
}

func (m *Manager) expiryFunc(discr uint32) func() {
	return func() {
		select {
		case m.events <- event{expiry: discr}:
		default:
		}
	}
}

func (m *Manager) txFireFunc(discr uint32) func() {
	return func() {
		select {
		case m.events <- event{txTick: discr}:
		default:
		}
	}
}

// allocateDiscriminator picks an unused nonzero 32-bit local
// discriminator.
func (m *Manager) allocateDiscriminator() uint32 {
	for {
		discr := rand.Uint32()
		if discr == 0 {
			continue
		}
		if _, taken := m.byDiscr[discr]; !taken {
			return discr
		}
	}
}
