package clusterstate

import "testing"

func TestParseLSN(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"0/1", 1},
		{"1/0", 1 << 32},
		{"A/B", (0xA << 32) | 0xB},
		{"16/B374D848", (uint64(0x16) << 32) | 0xB374D848},
	}
	for _, c := range cases {
		got, err := ParseLSN(c.in)
		if err != nil {
			t.Fatalf("ParseLSN(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseLSN(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseLSNInvalid(t *testing.T) {
	for _, in := range []string{"", "nohexhere", "1", "G/0"} {
		if _, err := ParseLSN(in); err == nil {
			t.Errorf("ParseLSN(%q) expected error, got nil", in)
		}
	}
}

func TestFormatLSNRoundTrip(t *testing.T) {
	for _, in := range []string{"0/1", "A/B", "16/B374D848", "FFFFFFFF/FFFFFFFF"} {
		offset, err := ParseLSN(in)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", in, err)
		}
		back, err := ParseLSN(FormatLSN(offset))
		if err != nil {
			t.Fatalf("re-parsing formatted LSN: %v", err)
		}
		if back != offset {
			t.Errorf("round trip for %q: got offset %d, re-parsed %d", in, offset, back)
		}
	}
}
