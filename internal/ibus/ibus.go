// Package ibus is the typed message bus connecting protocol instances,
// the central RIB, and the southbound collaborator.
//
// Instances publish and subscribe by message type. Subscriptions hand out
// bounded channels; a full subscriber channel blocks the publisher at its
// next send, which throttles faster producers instead of dropping
// messages. The bus carries no ordering guarantee across publishers; per
// publisher, messages arrive in send order.
package ibus

import (
	"log/slog"
	"sync"
)

// DefaultQueueDepth is the buffer size of subscriber channels. Receive
// channels are deliberately small so backpressure reaches the producer.
const DefaultQueueDepth = 4

// Message is implemented by every bus message type.
type Message interface{ isMessage() }

func (RouteMsg) isMessage()               {}
func (RouteKeyMsg) isMessage()            {}
func (FIBRouteMsg) isMessage()            {}
func (LabelMsg) isMessage()               {}
func (FIBLabelMsg) isMessage()            {}
func (InterfaceUpdateMsg) isMessage()     {}
func (AddressMsg) isMessage()             {}
func (BFDRegisterMsg) isMessage()         {}
func (BFDStateMsg) isMessage()            {}
func (RedistributeRequestMsg) isMessage() {}
func (RedistributeMsg) isMessage()        {}
func (NexthopTrackMsg) isMessage()        {}
func (NexthopUpdateMsg) isMessage()       {}

// Subscription is a receive handle returned by Subscribe. Close it when
// the owning instance shuts down.
type Subscription struct {
	bus *Bus
	ch  chan Message
	id  uint64
}

// C returns the subscriber channel.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close detaches the subscription from the bus and drains the channel so
// a concurrent publish cannot deadlock against a departing subscriber.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	for {
		select {
		case <-s.ch:
		default:
			return
		}
	}
}

type subEntry struct {
	id uint64
	ch chan Message
}

// Bus routes typed messages between components in one routing process.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subEntry
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "ibus"),
		subs:   make(map[string][]subEntry),
	}
}

func typeKey(msg Message) string {
	switch msg.(type) {
	case RouteMsg:
		return "route"
	case RouteKeyMsg:
		return "route-key"
	case FIBRouteMsg:
		return "fib-route"
	case LabelMsg:
		return "label"
	case FIBLabelMsg:
		return "fib-label"
	case InterfaceUpdateMsg:
		return "iface-update"
	case AddressMsg:
		return "address"
	case BFDRegisterMsg:
		return "bfd-register"
	case BFDStateMsg:
		return "bfd-state"
	case RedistributeRequestMsg:
		return "redist-request"
	case RedistributeMsg:
		return "redist"
	case NexthopTrackMsg:
		return "nht-track"
	case NexthopUpdateMsg:
		return "nht-update"
	default:
		return ""
	}
}

// Subscribe registers interest in every listed message type. The prototype
// values select the types; their field contents are ignored.
func (b *Bus) Subscribe(prototypes ...Message) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		bus: b,
		ch:  make(chan Message, DefaultQueueDepth),
		id:  b.nextID,
	}
	for _, p := range prototypes {
		key := typeKey(p)
		if key == "" {
			continue
		}
		b.subs[key] = append(b.subs[key], subEntry{id: sub.id, ch: sub.ch})
	}
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entries := range b.subs {
		kept := entries[:0]
		for _, e := range entries {
			if e.id != sub.id {
				kept = append(kept, e)
			}
		}
		b.subs[key] = kept
	}
}

// Publish delivers msg to every subscriber of its type, blocking on full
// subscriber channels.
func (b *Bus) Publish(msg Message) {
	key := typeKey(msg)
	if key == "" {
		b.logger.Warn("dropping message of unknown type")
		return
	}

	b.mu.RLock()
	entries := make([]subEntry, len(b.subs[key]))
	copy(entries, b.subs[key])
	b.mu.RUnlock()

	for _, e := range entries {
		e.ch <- msg
	}
}

// TryPublish delivers msg without blocking, dropping it for subscribers
// whose channel is full. It reports whether every subscriber received
// the message, so callers can retry dropped deliveries. Used where a
// blocking send could deadlock two mutually publishing loops.
func (b *Bus) TryPublish(msg Message) bool {
	key := typeKey(msg)
	if key == "" {
		return false
	}

	b.mu.RLock()
	entries := make([]subEntry, len(b.subs[key]))
	copy(entries, b.subs[key])
	b.mu.RUnlock()

	all := true
	for _, e := range entries {
		select {
		case e.ch <- msg:
		default:
			all = false
			b.logger.Debug("subscriber channel full, message dropped", "type", key)
		}
	}
	return all
}
