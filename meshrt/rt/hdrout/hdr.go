// Package hdrout writes the renderer's float RGB output to image files.
package hdrout

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"github.com/mdouchement/hdr"
	"github.com/mdouchement/hdr/codec/rgbe"
	"github.com/mdouchement/hdr/hdrcolor"
	xdraw "golang.org/x/image/draw"
)

// Image is a row-major width x height RGB float image, 3 floats per pixel.
type Image struct {
	Width  int
	Height int
	Pix    []float32
}

func NewImage(width, height int, pix []float32) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("hdrout: empty image %dx%d", width, height)
	}
	if len(pix) != 3*width*height {
		return nil, fmt.Errorf("hdrout: %d floats for a %dx%d RGB image, want %d", len(pix), width, height, 3*width*height)
	}
	return &Image{Width: width, Height: height, Pix: pix}, nil
}

func (m *Image) At(x, y int) (r, g, b float32) {
	i := 3 * (y*m.Width + x)
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// HDR converts to an hdr.RGB so the codec can encode it.
func (m *Image) HDR() *hdr.RGB {
	img := hdr.NewRGB(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, b := m.At(x, y)
			img.Set(x, y, hdrcolor.RGB{R: float64(r), G: float64(g), B: float64(b)})
		}
	}
	return img
}

// EncodeHDR writes Radiance RGBE, top row first.
func (m *Image) EncodeHDR(w io.Writer) error {
	if err := rgbe.Encode(w, m.HDR()); err != nil {
		return fmt.Errorf("hdrout: encode rgbe: %w", err)
	}
	return nil
}

// LDR tone maps by clamping to [0, 1] and applying gamma.
func (m *Image) LDR(gamma float64) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, m.Width, m.Height))
	inv := 1 / gamma
	conv := func(v float32) uint8 {
		f := math.Max(0, math.Min(1, float64(v)))
		return uint8(math.Round(math.Pow(f, inv) * 255))
	}
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			r, g, b := m.At(x, y)
			out.SetNRGBA(x, y, color.NRGBA{R: conv(r), G: conv(g), B: conv(b), A: 255})
		}
	}
	return out
}

// WriteHDR writes the image to path in Radiance format.
func WriteHDR(path string, m *Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return m.EncodeHDR(f)
}

// WritePreview writes a gamma 2.2 PNG. A positive maxWidth scales the image down to
// that width with Catmull-Rom filtering.
func WritePreview(path string, m *Image, maxWidth int) (err error) {
	var img image.Image = m.LDR(2.2)
	if maxWidth > 0 && maxWidth < m.Width {
		h := max(1, m.Height*maxWidth/m.Width)
		dst := image.NewNRGBA(image.Rect(0, 0, maxWidth, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
		img = dst
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}
