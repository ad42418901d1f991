// Package netio provides the socket plumbing shared by the protocol
// instances: UDP listeners and senders with TTL-security options, raw-IP
// connections for the link-state and first-hop protocols, and the receive
// task that bridges sockets into instance channels.
package netio

import (
	"context"
	"net/netip"
)

// PacketMeta is the transport metadata of one received packet.
type PacketMeta struct {
	// SrcAddr is the source IP address.
	SrcAddr netip.Addr
	// DstAddr is the destination IP address from ancillary data.
	DstAddr netip.Addr
	// TTL is the IPv4 TTL or IPv6 hop limit.
	TTL uint8
	// IfIndex is the receiving interface index.
	IfIndex int
	// IfName is the receiving interface name, when resolvable.
	IfName string
}

// PacketConn abstracts a datagram socket. Implementations return transport
// metadata from ancillary data so TTL-security and interface demux work.
type PacketConn interface {
	ReadPacket(buf []byte) (int, PacketMeta, error)
	WritePacket(buf []byte, dst netip.AddrPort) (int, error)
	Close() error
}

// Handler consumes one decoded datagram. Implementations forward into the
// owning instance's bounded channel; a blocked handler throttles the
// socket, which is the intended backpressure.
type Handler func(data []byte, meta PacketMeta)

// maxDatagram covers every protocol PDU this suite receives; link-state
// PDUs are bounded by interface MTU.
const maxDatagram = 9216

// ReceiveLoop reads packets from conn until ctx is cancelled or the
// socket fails, handing each datagram to handler. Each datagram gets its
// own buffer; handlers may retain it.
func ReceiveLoop(ctx context.Context, conn PacketConn, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		buf := make([]byte, maxDatagram)
		n, meta, err := conn.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		handler(buf[:n], meta)
	}
}
