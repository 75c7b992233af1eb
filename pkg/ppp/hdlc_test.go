package ppp

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestEscapeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	asyncmaps := []uint32{0, 0xffffffff, 0x000a0000, 1 << 0x11, 0xdeadbeef}

	for trial := 0; trial < 200; trial++ {
		data := make([]byte, rng.Intn(256))
		rng.Read(data)
		for _, m := range asyncmaps {
			got := Unescape(Escape(data, m))
			if !bytes.Equal(got, data) {
				t.Fatalf("asyncmap %08x: round trip mismatch\n in: %x\nout: %x", m, data, got)
			}
		}
	}
}

func TestEscapeCoverage(t *testing.T) {
	asyncmaps := []uint32{0, 0xffffffff, 0x00000001, 0x80000000}
	for _, m := range asyncmaps {
		for c := 0; c < 256; c++ {
			b := byte(c)
			out := Escape([]byte{b}, m)
			mustEscape := b == 0x7d || b == 0x7e || (b < 0x20 && m&(1<<uint(b)) != 0)
			if mustEscape {
				if len(out) != 2 || out[0] != 0x7d || out[1] != b^0x20 {
					t.Errorf("asyncmap %08x byte %02x: want escaped pair, got %x", m, b, out)
				}
			} else {
				if len(out) != 1 || out[0] != b {
					t.Errorf("asyncmap %08x byte %02x: want passthrough, got %x", m, b, out)
				}
			}
		}
	}
}

func TestEscapeLiteralRuns(t *testing.T) {
	// Literal bytes between and after escape sequences must survive.
	in := []byte{0x41, 0x01, 0x42, 0x43, 0x7e, 0x44}
	want := []byte{0x41, 0x7d, 0x21, 0x42, 0x43, 0x7d, 0x5e, 0x44}
	got := Escape(in, 0xffffffff)
	if !bytes.Equal(got, want) {
		t.Fatalf("escape: want %x, got %x", want, got)
	}
}

func TestUnescapeTruncatedEscape(t *testing.T) {
	// A trailing 0x7d with no follow-up byte passes through unchanged.
	got := Unescape([]byte{0x41, 0x7d})
	if !bytes.Equal(got, []byte{0x41, 0x7d}) {
		t.Fatalf("unexpected output %x", got)
	}
}
