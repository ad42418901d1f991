package netio

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// IP protocol numbers of the raw-socket protocols in this suite.
const (
	ProtoOSPF = 89
	ProtoVRRP = 112
)

// RawConfig describes a raw-IP connection for OSPF or VRRP.
type RawConfig struct {
	// Protocol is the IP protocol number.
	Protocol int
	// IPv6 selects the address family.
	IPv6 bool
	// IfName restricts the socket to one interface for multicast sends.
	IfName string
	// TTL is the transmit TTL; the link-scope protocols use 1,
	// VRRP requires 255 on receive check.
	TTL int
}

// RawConn is a PacketConn over a raw IP socket.
type RawConn struct {
	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn
	// closer is the underlying raw socket, released by Close.
	closer interface{ Close() error }

	mu     sync.Mutex
	closed bool
}

// NewRawConn opens a raw IP socket for the protocol.
func NewRawConn(cfg RawConfig) (*RawConn, error) {
	network := fmt.Sprintf("ip4:%d", cfg.Protocol)
	if cfg.IPv6 {
		network = fmt.Sprintf("ip6:%d", cfg.Protocol)
	}
	pconn, err := net.ListenPacket(network, "")
	if err != nil {
		return nil, fmt.Errorf("raw socket proto %d: %w", cfg.Protocol, err)
	}

	rc := &RawConn{closer: pconn}
	if cfg.IPv6 {
		rc.pc6 = ipv6.NewPacketConn(pconn)
		_ = rc.pc6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst|ipv6.FlagInterface, true)
		if cfg.TTL > 0 {
			_ = rc.pc6.SetMulticastHopLimit(cfg.TTL)
			_ = rc.pc6.SetHopLimit(cfg.TTL)
		}
	} else {
		rc.pc4 = ipv4.NewPacketConn(pconn)
		_ = rc.pc4.SetControlMessage(ipv4.FlagTTL|ipv4.FlagDst|ipv4.FlagInterface, true)
		if cfg.TTL > 0 {
			_ = rc.pc4.SetMulticastTTL(cfg.TTL)
			_ = rc.pc4.SetTTL(cfg.TTL)
		}
	}
	return rc, nil
}

// JoinMulticast joins group (for example AllSPFRouters or the VRRP
// group) on the interface.
func (c *RawConn) JoinMulticast(group netip.Addr, ifName string) error {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("interface %s: %w", ifName, err)
	}
	addr := &net.IPAddr{IP: group.AsSlice()}
	if c.pc4 != nil {
		return c.pc4.JoinGroup(ifi, addr)
	}
	return c.pc6.JoinGroup(ifi, addr)
}

// ReadPacket implements PacketConn.
func (c *RawConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	var meta PacketMeta
	if c.pc4 != nil {
		n, cm, src, err := c.pc4.ReadFrom(buf)
		if err != nil {
			return 0, meta, err
		}
		if ip, ok := src.(*net.IPAddr); ok {
			if a, ok := netip.AddrFromSlice(ip.IP); ok {
				meta.SrcAddr = a.Unmap()
			}
		}
		if cm != nil {
			meta.TTL = uint8(cm.TTL)
			if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
				meta.DstAddr = dst.Unmap()
			}
			meta.IfIndex = cm.IfIndex
			meta.IfName = ifName(cm.IfIndex)
		}
		return n, meta, nil
	}
	n, cm, src, err := c.pc6.ReadFrom(buf)
	if err != nil {
		return 0, meta, err
	}
	if ip, ok := src.(*net.IPAddr); ok {
		if a, ok := netip.AddrFromSlice(ip.IP); ok {
			meta.SrcAddr = a
		}
	}
	if cm != nil {
		meta.TTL = uint8(cm.HopLimit)
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			meta.DstAddr = dst
		}
		meta.IfIndex = cm.IfIndex
		meta.IfName = ifName(cm.IfIndex)
	}
	return n, meta, nil
}

// WritePacket implements PacketConn. The port of dst is ignored; raw IP
// has none.
func (c *RawConn) WritePacket(buf []byte, dst netip.AddrPort) (int, error) {
	addr := &net.IPAddr{IP: dst.Addr().AsSlice(), Zone: dst.Addr().Zone()}
	if c.pc4 != nil {
		return c.pc4.WriteTo(buf, nil, addr)
	}
	return c.pc6.WriteTo(buf, nil, addr)
}

// Close implements PacketConn. Safe to call twice.
func (c *RawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.closer.Close()
}
