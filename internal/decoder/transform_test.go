package decoder

import (
	"bytes"
	"math/rand"
	"testing"
)

// TestTransposeMapsPixels checks the index mapping on a 3x2 plane.
//
//	sensor     corrected
//	a b c      d a
//	d e f  ->  e b
//	           f c
func TestTransposeMapsPixels(t *testing.T) {
	src := []byte("abcdef")
	got := Transpose(src, 3, 2)
	if want := []byte("daebfc"); !bytes.Equal(got, want) {
		t.Fatalf("Transpose = %q, want %q", got, want)
	}
}

// TestTransposeIgnoresChroma verifies only the luminance plane is read.
func TestTransposeIgnoresChroma(t *testing.T) {
	src := []byte("abcdefXYZ")
	got := Transpose(src, 3, 2)
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
}

// TestUntransposeInvertsTranspose round-trips random planes of several shapes.
func TestUntransposeInvertsTranspose(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	shapes := [][2]int{{1, 1}, {3, 2}, {2, 3}, {17, 5}, {640, 480}}

	for _, s := range shapes {
		w, h := s[0], s[1]
		src := make([]byte, w*h)
		rng.Read(src)

		back := Untranspose(Transpose(src, w, h), w, h)
		if !bytes.Equal(back, src) {
			t.Errorf("%dx%d: round trip mismatch", w, h)
		}
	}
}

// TestTransposeIntoReusesBuffer checks the scratch buffer is reused when large enough.
func TestTransposeIntoReusesBuffer(t *testing.T) {
	scratch := make([]byte, 0, 64)
	out := transposeInto(scratch, []byte("abcdef"), 3, 2)
	if &out[0] != &scratch[:1][0] {
		t.Error("expected scratch buffer to be reused")
	}
}
