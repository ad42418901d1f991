package ospf

import (
	"bytes"
	"testing"
)

// seqNo converts a wire sequence value to its signed form.
func seqNo(v uint32) int32 { return int32(v) }

func testRouterLsa(seq uint32, links ...RouterLink) *Lsa {
	return NewLsa(LsaHdr{
		Type:   LsaTypeRouter,
		LsaID:  0x01010101,
		AdvRtr: 0x01010101,
		SeqNo:  seqNo(seq),
	}, EncodeRouterLsa(&RouterLsa{Links: links}))
}

func TestLsaChecksum(t *testing.T) {
	lsa := testRouterLsa(0x80000001, RouterLink{
		ID: 0x02020202, Data: 0x0a000001, Type: LinkTypePointToPoint, Metric: 10,
	})
	if lsa.Hdr.Checksum == 0 {
		t.Fatal("checksum not stamped")
	}
	if !lsa.VerifyChecksum() {
		t.Fatal("checksum does not verify")
	}

	// Body corruption must break verification.
	lsa.Body[5] ^= 0xff
	if lsa.VerifyChecksum() {
		t.Fatal("corrupted body passed checksum")
	}
}

func TestLsaRoundTrip(t *testing.T) {
	lsa := testRouterLsa(0x80000007,
		RouterLink{ID: 0x02020202, Data: 0x0a000001, Type: LinkTypeTransit, Metric: 1},
		RouterLink{ID: 0x0a000000, Data: 0xffffff00, Type: LinkTypeStub, Metric: 10},
	)

	var buf [512]byte
	n, err := lsa.Encode(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeLsa(buf[:n])
	if err != nil {
		t.Fatalf("DecodeLsa: %v", err)
	}
	if got.Hdr != lsa.Hdr {
		t.Fatalf("header mismatch: %+v vs %+v", got.Hdr, lsa.Hdr)
	}
	if !bytes.Equal(got.Body, lsa.Body) {
		t.Fatal("body mismatch")
	}

	var buf2 [512]byte
	n2, _ := got.Encode(buf2[:])
	if !bytes.Equal(buf[:n], buf2[:n2]) {
		t.Fatal("re-encoded bytes differ")
	}
}

func TestDecodeLsaRejectsBadChecksum(t *testing.T) {
	lsa := testRouterLsa(0x80000001)
	var buf [128]byte
	n, _ := lsa.Encode(buf[:])
	buf[7] ^= 0x01
	if _, err := DecodeLsa(buf[:n]); err == nil {
		t.Fatal("corrupted LSA accepted")
	}
}

func TestFreshnessOrdering(t *testing.T) {
	base := LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 100}

	cases := []struct {
		name string
		a, b LsaHdr
		want Freshness
	}{
		{
			"higher seq wins",
			LsaHdr{SeqNo: seqNo(0x80000006), Checksum: 1, Age: MaxAge}, base,
			Newer,
		},
		{
			"lower seq loses",
			LsaHdr{SeqNo: seqNo(0x80000004), Checksum: 0xffff, Age: 0}, base,
			Older,
		},
		{
			"equal seq higher checksum wins",
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x2000, Age: 100}, base,
			Newer,
		},
		{
			"non-expired beats expired",
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 100},
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: MaxAge},
			Newer,
		},
		{
			"younger wins past max age diff",
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 100},
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 100 + MaxAgeDiff + 1},
			Newer,
		},
		{
			"small age difference is equal",
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 100},
			LsaHdr{SeqNo: seqNo(0x80000005), Checksum: 0x1000, Age: 200},
			Same,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := CompareFreshness(&tc.a, &tc.b); got != tc.want {
				t.Fatalf("CompareFreshness = %v, want %v", got, tc.want)
			}
			// Antisymmetry.
			if got := CompareFreshness(&tc.b, &tc.a); got != -tc.want {
				t.Fatalf("inverse CompareFreshness = %v, want %v", got, -tc.want)
			}
		})
	}
}

func TestBodyCodecs(t *testing.T) {
	t.Run("network", func(t *testing.T) {
		in := &NetworkLsa{Mask: 0xffffff00, AttachedRouters: []uint32{1, 2, 3}}
		out, err := DecodeNetworkLsa(EncodeNetworkLsa(in))
		if err != nil {
			t.Fatal(err)
		}
		if out.Mask != in.Mask || len(out.AttachedRouters) != 3 {
			t.Fatalf("mismatch: %+v", out)
		}
	})
	t.Run("summary", func(t *testing.T) {
		in := &SummaryLsa{Mask: 0xffff0000, Metric: 777}
		out, err := DecodeSummaryLsa(EncodeSummaryLsa(in))
		if err != nil {
			t.Fatal(err)
		}
		if *out != *in {
			t.Fatalf("mismatch: %+v vs %+v", out, in)
		}
	})
	t.Run("as external", func(t *testing.T) {
		in := &ASExternalLsa{Mask: 0xffffff00, EBit: true, Metric: 20, Tag: 99}
		out, err := DecodeASExternalLsa(EncodeASExternalLsa(in))
		if err != nil {
			t.Fatal(err)
		}
		if *out != *in {
			t.Fatalf("mismatch: %+v vs %+v", out, in)
		}
	})
}
