package qrcode

import (
	"bytes"
	"image/png"
	"strings"
	"testing"
)

func TestEncodeEmptyIsAbsent(t *testing.T) {
	if r := NewEncoder().Encode("", 2, 1); r != nil {
		t.Fatalf("expected nil raster for empty text")
	}
}

func TestEncodeTooLongIsAbsent(t *testing.T) {
	if r := NewEncoder().Encode(strings.Repeat("x", 4000), 0, 1); r != nil {
		t.Fatalf("expected nil raster for oversized text")
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	enc := NewEncoder()
	a := enc.Encode("QRDATA123", 2, 3)
	b := enc.Encode("QRDATA123", 2, 3)
	if a == nil || b == nil {
		t.Fatalf("expected rasters")
	}
	if a.Width != b.Width || a.Height != b.Height {
		t.Fatalf("size mismatch")
	}
	for y := 0; y < a.Height; y++ {
		for x := 0; x < a.Width; x++ {
			if a.At(x, y) != b.At(x, y) {
				t.Fatalf("pixel (%d,%d) differs", x, y)
			}
		}
	}
}

func TestMarginAndPixelSize(t *testing.T) {
	enc := NewEncoder()
	bare := enc.Encode("QRDATA123", 0, 1)
	if bare == nil {
		t.Fatalf("expected raster")
	}
	// A version 1 symbol is 21 modules wide and starts with a finder pattern.
	if bare.Width != 21 || !bare.At(0, 0) {
		t.Fatalf("unexpected bare raster: width=%d corner=%v", bare.Width, bare.At(0, 0))
	}

	padded := enc.Encode("QRDATA123", 2, 4)
	if padded.Width != (21+4)*4 {
		t.Fatalf("unexpected padded width %d", padded.Width)
	}
	if padded.At(7, 7) {
		t.Fatalf("quiet zone must be light")
	}
	if !padded.At(8, 8) {
		t.Fatalf("finder pattern must start after the margin")
	}
}

func TestRasterPNG(t *testing.T) {
	r := NewEncoder().Encode("QRDATA123", 2, 2)
	data, err := r.PNG()
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != r.Width {
		t.Fatalf("png width %d want %d", img.Bounds().Dx(), r.Width)
	}
}
