package isis

import (
	"bytes"
	"net/netip"
	"reflect"
	"testing"
)

func sysID(last byte) SystemID {
	return SystemID{0x00, 0x00, 0x00, 0x00, 0x00, last}
}

func TestLanHelloRoundTrip(t *testing.T) {
	hello := &Hello{
		PduType:       PduLanHelloL1,
		CircuitType:   uint8(Level1),
		SourceID:      sysID(1),
		HoldingTime:   30,
		Priority:      64,
		LanID:         LanID{SysID: sysID(1), Pseudonode: 1},
		AreaAddresses: [][]byte{{0x49, 0x00, 0x01}},
		Neighbors:     [][6]byte{{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}},
		Protocols:     []uint8{0xcc},
		IfaceAddrs4:   []netip.Addr{netip.MustParseAddr("10.0.0.1")},
	}
	var buf [1492]byte
	n, err := hello.Encode(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	pdu, err := DecodePdu(buf[:n])
	if err != nil {
		t.Fatalf("DecodePdu: %v", err)
	}
	got := pdu.(*Hello)
	if !reflect.DeepEqual(got, hello) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, hello)
	}
}

func TestP2PHelloRoundTrip(t *testing.T) {
	hello := &Hello{
		PduType:        PduP2PHello,
		CircuitType:    uint8(Level1 | Level2),
		SourceID:       sysID(7),
		HoldingTime:    30,
		LocalCircuitID: 3,
		AreaAddresses:  [][]byte{{0x49}},
	}
	var buf [1492]byte
	n, _ := hello.Encode(buf[:])
	got, err := DecodePdu(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, hello) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestLspRoundTripNarrowAndWide(t *testing.T) {
	lsp := &Lsp{
		PduType:  PduLspL2,
		Lifetime: 1200,
		LspID:    LspID{SysID: sysID(1)},
		SeqNo:    5,
		Flags:    LspFlagIsTypeL2,
		Hostname: "r1",
		IsReach: []IsReach{
			{Neighbor: LanID{SysID: sysID(2)}, Metric: 10},
		},
		ExtIsReach: []IsReach{
			{Neighbor: LanID{SysID: sysID(3)}, Metric: 100000},
		},
		IpReach: []IpReach{
			{Prefix: netip.MustParsePrefix("10.0.0.0/24"), Metric: 10},
		},
		ExtIpReach: []IpReach{
			{Prefix: netip.MustParsePrefix("172.16.0.0/12"), Metric: 4000},
		},
	}
	var buf [1492]byte
	n, err := lsp.Encode(buf[:])
	if err != nil {
		t.Fatal(err)
	}

	got, err := DecodeLsp(buf[:n])
	if err != nil {
		t.Fatalf("DecodeLsp: %v", err)
	}
	if got.LspID != lsp.LspID || got.SeqNo != 5 || got.Hostname != "r1" {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.IsReach) != 1 || got.IsReach[0].Metric != 10 {
		t.Fatalf("narrow is-reach mismatch: %+v", got.IsReach)
	}
	if len(got.ExtIsReach) != 1 || got.ExtIsReach[0].Metric != 100000 {
		t.Fatalf("wide is-reach mismatch: %+v", got.ExtIsReach)
	}
	if len(got.IpReach) != 1 || got.IpReach[0].Prefix != netip.MustParsePrefix("10.0.0.0/24") {
		t.Fatalf("narrow ip-reach mismatch: %+v", got.IpReach)
	}
	if len(got.ExtIpReach) != 1 || got.ExtIpReach[0].Prefix != netip.MustParsePrefix("172.16.0.0/12") {
		t.Fatalf("wide ip-reach mismatch: %+v", got.ExtIpReach)
	}

	// Re-encoding the decoded LSP reproduces the wire image.
	var buf2 [1492]byte
	n2, _ := got.Encode(buf2[:])
	if !bytes.Equal(buf[:n], buf2[:n2]) {
		t.Fatal("re-encoded bytes differ")
	}
}

func TestLspChecksumStamped(t *testing.T) {
	lsp := &Lsp{PduType: PduLspL1, Lifetime: 1200, LspID: LspID{SysID: sysID(4)}, SeqNo: 1}
	var buf [1492]byte
	n, _ := lsp.Encode(buf[:])
	if lsp.Checksum == 0 {
		t.Fatal("checksum not stamped")
	}

	// Corruption is caught by recomputation.
	if got := fletcher16(buf[12:n], 12); got != lsp.Checksum {
		t.Fatal("stored checksum does not match computation")
	}
	buf[23] ^= 0xff
	if got := fletcher16(buf[12:n], 12); got == lsp.Checksum {
		t.Fatal("corruption not detected")
	}
}

func TestCsnpRoundTrip(t *testing.T) {
	snp := &Snp{
		PduType:  PduCsnpL2,
		SourceID: LanID{SysID: sysID(1)},
		StartID:  LspID{},
		EndID:    LspID{SysID: SystemID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, Pseudonode: 0xff, Fragment: 0xff},
		Entries: []LspEntry{
			{Lifetime: 1000, LspID: LspID{SysID: sysID(2)}, SeqNo: 9, Checksum: 0x1234},
			{Lifetime: 900, LspID: LspID{SysID: sysID(3), Pseudonode: 1}, SeqNo: 2, Checksum: 0x5678},
		},
	}
	var buf [1492]byte
	n, err := snp.Encode(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePdu(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, snp) {
		t.Fatalf("mismatch:\n got %+v\nwant %+v", got, snp)
	}
}

func TestDecodeRejectsBadDiscriminator(t *testing.T) {
	buf := make([]byte, 32)
	buf[0] = 0x42
	if _, err := DecodePdu(buf); err != ErrPduBadDiscriminator {
		t.Fatalf("err = %v", err)
	}
}
