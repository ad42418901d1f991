package netio

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// UDPConfig describes a UDP listener or sender socket.
type UDPConfig struct {
	// Addr is the local address to bind; unspecified binds the wildcard
	// of the family selected by IPv6.
	Addr netip.Addr
	// IPv6 selects the address family for wildcard binds.
	IPv6 bool
	// Port is the local UDP port.
	Port uint16
	// IfName sets SO_BINDTODEVICE when non-empty.
	IfName string
	// TTL is the transmit TTL / hop limit. 255 enables GTSM (RFC 5082).
	TTL int
	// MulticastTTL is applied to multicast transmissions when nonzero.
	MulticastTTL int
	// ReuseAddr sets SO_REUSEADDR, allowing several listeners per port.
	ReuseAddr bool
}

// UDPConn is a PacketConn over UDP with ancillary TTL and pktinfo data.
type UDPConn struct {
	conn *net.UDPConn
	pc4  *ipv4.PacketConn
	pc6  *ipv6.PacketConn

	mu     sync.Mutex
	closed bool
}

// NewUDPConn opens a UDP socket per cfg.
func NewUDPConn(cfg UDPConfig) (*UDPConn, error) {
	network := "udp4"
	switch {
	case cfg.Addr.IsValid():
		if cfg.Addr.Is6() && !cfg.Addr.Is4In6() {
			network = "udp6"
		}
	case cfg.IPv6:
		network = "udp6"
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			var serr error
			err := rc.Control(func(fd uintptr) {
				if cfg.ReuseAddr {
					serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					if serr != nil {
						return
					}
				}
				if cfg.IfName != "" {
					serr = unix.BindToDevice(int(fd), cfg.IfName)
				}
			})
			if err != nil {
				return err
			}
			return serr
		},
	}

	laddr := ""
	if cfg.Addr.IsValid() {
		laddr = netip.AddrPortFrom(cfg.Addr, cfg.Port).String()
	} else {
		laddr = fmt.Sprintf(":%d", cfg.Port)
	}
	pconn, err := lc.ListenPacket(context.Background(), network, laddr)
	if err != nil {
		return nil, fmt.Errorf("bind udp %s: %w", laddr, err)
	}
	conn := pconn.(*net.UDPConn)

	c := &UDPConn{conn: conn}
	if network == "udp4" {
		c.pc4 = ipv4.NewPacketConn(conn)
		_ = c.pc4.SetControlMessage(ipv4.FlagTTL|ipv4.FlagDst|ipv4.FlagInterface, true)
		if cfg.TTL > 0 {
			_ = c.pc4.SetTTL(cfg.TTL)
		}
		if cfg.MulticastTTL > 0 {
			_ = c.pc4.SetMulticastTTL(cfg.MulticastTTL)
		}
	} else {
		c.pc6 = ipv6.NewPacketConn(conn)
		_ = c.pc6.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagDst|ipv6.FlagInterface, true)
		if cfg.TTL > 0 {
			_ = c.pc6.SetHopLimit(cfg.TTL)
		}
		if cfg.MulticastTTL > 0 {
			_ = c.pc6.SetMulticastHopLimit(cfg.MulticastTTL)
		}
	}
	return c, nil
}

// JoinMulticast joins group on the interface, for RIP/LDP discovery.
func (c *UDPConn) JoinMulticast(group netip.Addr, ifName string) error {
	ifi, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("interface %s: %w", ifName, err)
	}
	gaddr := &net.UDPAddr{IP: group.AsSlice()}
	if c.pc4 != nil {
		return c.pc4.JoinGroup(ifi, gaddr)
	}
	return c.pc6.JoinGroup(ifi, gaddr)
}

// ReadPacket implements PacketConn.
func (c *UDPConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	var meta PacketMeta
	if c.pc4 != nil {
		n, cm, src, err := c.pc4.ReadFrom(buf)
		if err != nil {
			return 0, meta, err
		}
		fillMeta4(&meta, cm, src)
		return n, meta, nil
	}
	n, cm, src, err := c.pc6.ReadFrom(buf)
	if err != nil {
		return 0, meta, err
	}
	fillMeta6(&meta, cm, src)
	return n, meta, nil
}

// WritePacket implements PacketConn.
func (c *UDPConn) WritePacket(buf []byte, dst netip.AddrPort) (int, error) {
	return c.conn.WriteToUDPAddrPort(buf, dst)
}

// Close implements PacketConn. Safe to call twice.
func (c *UDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func fillMeta4(meta *PacketMeta, cm *ipv4.ControlMessage, src net.Addr) {
	if udp, ok := src.(*net.UDPAddr); ok {
		meta.SrcAddr = udp.AddrPort().Addr().Unmap()
	}
	if cm != nil {
		meta.TTL = uint8(cm.TTL)
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			meta.DstAddr = dst.Unmap()
		}
		meta.IfIndex = cm.IfIndex
		meta.IfName = ifName(cm.IfIndex)
	}
}

func fillMeta6(meta *PacketMeta, cm *ipv6.ControlMessage, src net.Addr) {
	if udp, ok := src.(*net.UDPAddr); ok {
		meta.SrcAddr = udp.AddrPort().Addr()
	}
	if cm != nil {
		meta.TTL = uint8(cm.HopLimit)
		if dst, ok := netip.AddrFromSlice(cm.Dst); ok {
			meta.DstAddr = dst
		}
		meta.IfIndex = cm.IfIndex
		meta.IfName = ifName(cm.IfIndex)
	}
}

func ifName(index int) string {
	if index == 0 {
		return ""
	}
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	return ifi.Name
}
