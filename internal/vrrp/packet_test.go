package vrrp

import (
	"bytes"
	"errors"
	"net/netip"
	"reflect"
	"testing"
)

func TestV2RoundTrip(t *testing.T) {
	adv := &Advertisement{
		Version:       Version2,
		VRID:          7,
		Priority:      200,
		AdverInterval: 1,
		Addrs: []netip.Addr{
			netip.MustParseAddr("192.0.2.100"),
			netip.MustParseAddr("192.0.2.101"),
		},
	}
	var buf [256]byte
	n, err := adv.Encode(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(got, adv) {
		t.Fatalf("mismatch:\n got %+v\nwant %+v", got, adv)
	}

	var buf2 [256]byte
	n2, _ := got.Encode(buf2[:])
	if !bytes.Equal(buf[:n], buf2[:n2]) {
		t.Fatal("re-encoded bytes differ")
	}
}

func TestV3IPv4RoundTrip(t *testing.T) {
	adv := &Advertisement{
		Version:       Version3,
		VRID:          9,
		Priority:      100,
		AdverInterval: 100, // centiseconds
		Addrs:         []netip.Addr{netip.MustParseAddr("192.0.2.1")},
	}
	var buf [256]byte
	n, _ := adv.Encode(buf[:])
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, adv) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestV3IPv6RoundTrip(t *testing.T) {
	adv := &Advertisement{
		Version:       Version3,
		VRID:          3,
		Priority:      255,
		AdverInterval: 100,
		Addrs: []netip.Addr{
			netip.MustParseAddr("fe80::1"),
			netip.MustParseAddr("2001:db8::1"),
		},
	}
	var buf [256]byte
	n, _ := adv.Encode(buf[:])
	got, err := Decode(buf[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, adv) {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestDecodeRejectsCorruptChecksum(t *testing.T) {
	adv := &Advertisement{
		Version:       Version3,
		VRID:          1,
		Priority:      100,
		AdverInterval: 100,
		Addrs:         []netip.Addr{netip.MustParseAddr("192.0.2.1")},
	}
	var buf [256]byte
	n, _ := adv.Encode(buf[:])
	buf[2] ^= 0xff
	if _, err := Decode(buf[:n]); !errors.Is(err, ErrBadChecksum) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
}

func TestVirtualMAC(t *testing.T) {
	if got := VirtualMAC(7, false); got != [6]byte{0, 0, 0x5e, 0, 0x01, 7} {
		t.Fatalf("ipv4 mac = %x", got)
	}
	if got := VirtualMAC(7, true); got != [6]byte{0, 0, 0x5e, 0, 0x02, 7} {
		t.Fatalf("ipv6 mac = %x", got)
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	got := SolicitedNodeMulticast(netip.MustParseAddr("2001:db8::aabb:ccdd"))
	want := netip.MustParseAddr("ff02::1:ffbb:ccdd")
	if got != want {
		t.Fatalf("solicited-node = %v, want %v", got, want)
	}
}
