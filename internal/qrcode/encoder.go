// Package qrcode renders credential payloads as QR rasters.
package qrcode

import (
	"bytes"
	"image"
	"image/color"
	"image/png"

	qr "github.com/skip2/go-qrcode"
)

// Raster is a black/white pixel matrix. true is a dark pixel.
type Raster struct {
	Width  int
	Height int
	pixels []bool
}

// At reports whether the pixel at (x, y) is dark. Out of range is light.
func (r *Raster) At(x, y int) bool {
	if x < 0 || y < 0 || x >= r.Width || y >= r.Height {
		return false
	}
	return r.pixels[y*r.Width+x]
}

// PNG encodes the raster as a two-colour PNG.
func (r *Raster) PNG() ([]byte, error) {
	img := image.NewPaletted(image.Rect(0, 0, r.Width, r.Height), color.Palette{color.White, color.Black})
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			if r.At(x, y) {
				img.SetColorIndex(x, y, 1)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder turns text into a Raster. It is safe for concurrent use.
type Encoder struct{}

// NewEncoder returns an encoder using low error correction.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode renders text with margin quiet-zone modules on each side and
// pixelSize pixels per module. It returns nil for empty text, text that does
// not fit a QR symbol, or non-positive pixel sizes.
func (e *Encoder) Encode(text string, margin, pixelSize int) *Raster {
	if text == "" || pixelSize <= 0 || margin < 0 {
		return nil
	}
	code, err := qr.New(text, qr.Low)
	if err != nil {
		return nil
	}
	code.DisableBorder = true
	modules := code.Bitmap()

	side := (len(modules) + 2*margin) * pixelSize
	r := &Raster{Width: side, Height: side, pixels: make([]bool, side*side)}
	for my, row := range modules {
		for mx, dark := range row {
			if !dark {
				continue
			}
			x0 := (mx + margin) * pixelSize
			y0 := (my + margin) * pixelSize
			for dy := 0; dy < pixelSize; dy++ {
				for dx := 0; dx < pixelSize; dx++ {
					r.pixels[(y0+dy)*side+x0+dx] = true
				}
			}
		}
	}
	return r
}
