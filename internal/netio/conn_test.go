package netio

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
)

// scriptConn replays canned datagrams, then fails with io.EOF.
type scriptConn struct {
	packets [][]byte
	meta    PacketMeta
}

func (c *scriptConn) ReadPacket(buf []byte) (int, PacketMeta, error) {
	if len(c.packets) == 0 {
		return 0, PacketMeta{}, io.EOF
	}
	pkt := c.packets[0]
	c.packets = c.packets[1:]
	copy(buf, pkt)
	return len(pkt), c.meta, nil
}

func (c *scriptConn) WritePacket(buf []byte, _ netip.AddrPort) (int, error) {
	return len(buf), nil
}

func (c *scriptConn) Close() error { return nil }

func TestReceiveLoopDeliversAll(t *testing.T) {
	conn := &scriptConn{
		packets: [][]byte{{1}, {2, 2}, {3, 3, 3}},
		meta:    PacketMeta{SrcAddr: netip.MustParseAddr("192.0.2.1"), TTL: 255},
	}

	var sizes []int
	err := ReceiveLoop(context.Background(), conn, func(data []byte, meta PacketMeta) {
		sizes = append(sizes, len(data))
		if meta.TTL != 255 {
			t.Errorf("meta.TTL = %d, want 255", meta.TTL)
		}
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("ReceiveLoop = %v, want io.EOF", err)
	}
	if len(sizes) != 3 || sizes[0] != 1 || sizes[1] != 2 || sizes[2] != 3 {
		t.Fatalf("delivered sizes = %v", sizes)
	}
}

func TestReceiveLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &scriptConn{packets: [][]byte{{1}}}
	err := ReceiveLoop(ctx, conn, func([]byte, PacketMeta) {
		t.Fatal("handler must not run after cancel")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ReceiveLoop = %v, want context.Canceled", err)
	}
}

func TestHandlerGetsOwnBuffer(t *testing.T) {
	conn := &scriptConn{packets: [][]byte{{0xaa}, {0xbb}}}

	var kept [][]byte
	_ = ReceiveLoop(context.Background(), conn, func(data []byte, _ PacketMeta) {
		kept = append(kept, data)
	})
	if kept[0][0] != 0xaa || kept[1][0] != 0xbb {
		t.Fatal("retained buffers were clobbered by later reads")
	}
}
