package hdrout

import (
	"bytes"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradient(t *testing.T, w, h int) *Image {
	t.Helper()
	pix := make([]float32, 3*w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := 3 * (y*w + x)
			pix[i] = float32(x) / float32(w)
			pix[i+1] = float32(y) / float32(h)
			pix[i+2] = 2
		}
	}
	m, err := NewImage(w, h, pix)
	require.NoError(t, err)
	return m
}

func TestNewImageChecksLength(t *testing.T) {
	_, err := NewImage(2, 2, make([]float32, 11))
	assert.Error(t, err)
	_, err = NewImage(0, 2, nil)
	assert.Error(t, err)
}

func TestAtIsRowMajor(t *testing.T) {
	m := gradient(t, 4, 2)
	r, g, b := m.At(3, 1)
	assert.Equal(t, float32(0.75), r)
	assert.Equal(t, float32(0.5), g)
	assert.Equal(t, float32(2), b)
}

func TestEncodeHDRHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, gradient(t, 3, 2).EncodeHDR(&buf))

	out := buf.String()
	assert.Contains(t, out, "32-bit_rle_rgbe")
	assert.Contains(t, out, "-Y 2 +X 3")
}

func TestLDRClampsAndGamma(t *testing.T) {
	m, err := NewImage(2, 1, []float32{-1, 0.5, 4, 0, 0, 1})
	require.NoError(t, err)
	img := m.LDR(1)

	c := img.NRGBAAt(0, 0)
	assert.Equal(t, uint8(0), c.R)
	assert.Equal(t, uint8(128), c.G)
	assert.Equal(t, uint8(255), c.B)
	assert.Equal(t, uint8(255), img.NRGBAAt(1, 0).B)
}

func TestWriteFiles(t *testing.T) {
	dir := t.TempDir()
	m := gradient(t, 40, 30)

	hdrPath := filepath.Join(dir, "out.hdr")
	require.NoError(t, WriteHDR(hdrPath, m))
	st, err := os.Stat(hdrPath)
	require.NoError(t, err)
	assert.Greater(t, st.Size(), int64(0))

	pngPath := filepath.Join(dir, "out.png")
	require.NoError(t, WritePreview(pngPath, m, 20))
	f, err := os.Open(pngPath)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 15, cfg.Height)
}
