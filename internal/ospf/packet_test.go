package ospf

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func packetRoundTrip(t *testing.T, pkt *Packet) *Packet {
	t.Helper()
	var buf [4096]byte
	n, err := EncodePacket(pkt, buf[:])
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	got, err := DecodePacket(buf[:n])
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	var buf2 [4096]byte
	n2, err := EncodePacket(got, buf2[:])
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(buf[:n], buf2[:n2]) {
		t.Fatal("re-encoded bytes differ")
	}
	return got
}

func TestHelloRoundTrip(t *testing.T) {
	pkt := &Packet{
		Hdr: PacketHdr{Version: Version2, RouterID: 0x01010101, AreaID: 0},
		Body: &Hello{
			NetworkMask:        0xffffff00,
			HelloInterval:      10,
			RouterDeadInterval: 40,
			Priority:           1,
			DR:                 0x0a000102,
			Neighbors:          []uint32{0x02020202, 0x03030303},
		},
	}
	got := packetRoundTrip(t, pkt)
	if !reflect.DeepEqual(got.Body, pkt.Body) {
		t.Fatalf("hello mismatch:\n got %+v\nwant %+v", got.Body, pkt.Body)
	}
}

func TestHelloV3RoundTrip(t *testing.T) {
	pkt := &Packet{
		Hdr: PacketHdr{Version: Version3, RouterID: 0x01010101, InstanceID: 2},
		Body: &Hello{
			InterfaceID:        7,
			HelloInterval:      10,
			RouterDeadInterval: 40,
			Priority:           100,
			DR:                 0x02020202,
			Neighbors:          []uint32{0x03030303},
		},
	}
	got := packetRoundTrip(t, pkt)
	if got.Hdr.InstanceID != 2 {
		t.Fatalf("instance id = %d", got.Hdr.InstanceID)
	}
	if !reflect.DeepEqual(got.Body, pkt.Body) {
		t.Fatalf("hello v3 mismatch:\n got %+v\nwant %+v", got.Body, pkt.Body)
	}
}

func TestDbDescAndLSUpdateRoundTrip(t *testing.T) {
	lsa := testRouterLsa(0x80000003, RouterLink{ID: 1, Type: LinkTypeStub, Metric: 1})
	dbd := &Packet{
		Hdr: PacketHdr{Version: Version2, RouterID: 0x01010101},
		Body: &DbDesc{
			MTU:        1500,
			Flags:      DbDescFlagI | DbDescFlagM | DbDescFlagMS,
			DdSeqNo:    77,
			LsaHeaders: []LsaHdr{lsa.Hdr},
		},
	}
	got := packetRoundTrip(t, dbd).Body.(*DbDesc)
	if got.DdSeqNo != 77 || len(got.LsaHeaders) != 1 || got.LsaHeaders[0] != lsa.Hdr {
		t.Fatalf("dbdesc mismatch: %+v", got)
	}

	upd := &Packet{
		Hdr:  PacketHdr{Version: Version2, RouterID: 0x01010101},
		Body: &LSUpdate{Lsas: []*Lsa{lsa}},
	}
	gotUpd := packetRoundTrip(t, upd).Body.(*LSUpdate)
	if len(gotUpd.Lsas) != 1 || gotUpd.Lsas[0].Hdr != lsa.Hdr {
		t.Fatalf("lsupdate mismatch: %+v", gotUpd)
	}
}

func TestChecksumValidation(t *testing.T) {
	pkt := &Packet{
		Hdr:  PacketHdr{Version: Version2, RouterID: 1},
		Body: &Hello{HelloInterval: 10, RouterDeadInterval: 40},
	}
	var buf [256]byte
	n, _ := EncodePacket(pkt, buf[:])
	buf[6] ^= 0xff
	if _, err := DecodePacket(buf[:n]); !errors.Is(err, ErrPktBadChecksum) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestSeqNoMismatchForcesExStart(t *testing.T) {
	nbr := NewNeighbor(nil, 0x02020202, AllSPFRouters, 0, func(uint32, NbrEvent) {}, nil)
	t.Cleanup(nbr.Close)

	// Walk the neighbor to Exchange.
	nbr.HandleEvent(NbrEvHelloRcvd)
	nbr.HandleEvent(NbrEvTwoWayRcvd)
	nbr.HandleEvent(NbrEvNegotiationDone)
	if nbr.State != NbrExchange {
		t.Fatalf("setup: state = %v", nbr.State)
	}
	nbr.Master = true
	nbr.DdSeqNo = 5

	// An out-of-sequence DB description forces the adjacency back to
	// ExStart.
	ev := nbr.CheckDbDesc(&DbDesc{DdSeqNo: 99})
	if ev != NbrEvSeqNumberMismatch {
		t.Fatalf("CheckDbDesc = %v, want SeqNumberMismatch", ev)
	}
	nbr.HandleEvent(ev)
	if nbr.State != NbrExStart {
		t.Fatalf("state = %v, want ExStart", nbr.State)
	}
}
