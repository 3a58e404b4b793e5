package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/minipt/meshrt/rt/core"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
	"github.com/gekko3d/minipt/meshrt/rt/gpu/soft"
	"github.com/gekko3d/minipt/meshrt/rt/obj"
)

const triangleOBJ = `# one triangle facing +z
o tri
v 0 0 0
v 2 0 0
v 0 1 0
f 1 2 3
`

func triangleScene(t *testing.T) *core.Scene {
	t.Helper()
	mesh, err := core.NewMesh([]float32{0, 0, 0, 2, 0, 0, 0, 1, 0}, []uint32{0, 1, 2})
	require.NoError(t, err)
	return core.NewScene(mesh)
}

func smallConfig(w, h uint32) Config {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = w, h
	return cfg
}

func newDevice(t *testing.T, cfg soft.Config) *soft.Device {
	t.Helper()
	dev := soft.New(cfg)
	t.Cleanup(dev.Destroy)
	return dev
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, uint32(800), cfg.Width)
	assert.Equal(t, uint32(600), cfg.Height)
	assert.Equal(t, [3]float32{}, cfg.MissColor)
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Width = 0
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)
	bad = cfg
	bad.Camera.TMax = bad.Camera.TMin
	assert.ErrorIs(t, bad.Validate(), ErrBadConfig)
}

func TestRenderTwoByTwo(t *testing.T) {
	dev := newDevice(t, soft.Config{Workers: 2})
	r := NewRenderer(dev, smallConfig(2, 2), nil)

	img, err := r.Render(triangleScene(t))
	require.NoError(t, err)
	require.Equal(t, 2, img.Width)
	require.Equal(t, 2, img.Height)

	for _, xy := range [][2]int{{0, 0}, {1, 0}, {0, 1}} {
		cr, cg, cb := img.At(xy[0], xy[1])
		assert.Zero(t, cr+cg+cb, "pixel %v should miss", xy)
	}
	cr, cg, cb := img.At(1, 1)
	assert.InDelta(t, 0.3005, cr, 1e-4)
	assert.InDelta(t, 0.2995, cg, 1e-4)
	assert.InDelta(t, 0.4, cb, 1e-4)

	s := dev.Stats()
	assert.Zero(t, s.LiveBuffers, "every buffer is released after a render")
	assert.Zero(t, s.LiveStructures)
	assert.Equal(t, 1, s.Dispatches)
	assert.Equal(t, 1, r.Profiler.Counts["workgroups"])
	assert.Equal(t, 4, r.Profiler.Counts["pixels"])
}

func TestRenderUnitTriangle(t *testing.T) {
	mesh, err := core.NewMesh([]float32{0, 0, 0, 1, 0, 0, 0, 1, 0}, []uint32{0, 1, 2})
	require.NoError(t, err)
	dev := newDevice(t, soft.Config{})

	img, err := NewRenderer(dev, smallConfig(2, 2), nil).Render(core.NewScene(mesh))
	require.NoError(t, err)
	for i, c := range img.Pix {
		assert.GreaterOrEqual(t, c, float32(0), "component %d", i)
		assert.LessOrEqual(t, c, float32(1), "component %d", i)
	}
	// (1.5, 1.5) reaches z=0 at (0.599, 0.4), just inside the hypotenuse.
	cr, cg, cb := img.At(1, 1)
	assert.InDelta(t, 0.001, cr, 1e-4)
	assert.InDelta(t, 0.599, cg, 1e-4)
	assert.InDelta(t, 0.4, cb, 1e-4)
	cr, cg, cb = img.At(0, 1)
	assert.Zero(t, cr+cg+cb)
}

func TestRenderHonoursInstances(t *testing.T) {
	dev := newDevice(t, soft.Config{Workers: 2})
	scene := triangleScene(t)
	scene.Instances[0].Position = mgl32.Vec3{-1, 0, 0}

	img, err := NewRenderer(dev, smallConfig(2, 2), nil).Render(scene)
	require.NoError(t, err)
	cr, cg, cb := img.At(0, 1)
	assert.NotZero(t, cr+cg+cb)
	cr, cg, cb = img.At(1, 1)
	assert.Zero(t, cr+cg+cb)
}

func TestRenderRejectsBadSceneBeforeDeviceWork(t *testing.T) {
	dev := newDevice(t, soft.Config{})
	scene := triangleScene(t)
	scene.Mesh = &core.Mesh{Vertices: []float32{0, 0, 0}, Indices: []uint32{0, 1, 2}}

	_, err := NewRenderer(dev, smallConfig(2, 2), nil).Render(scene)
	require.ErrorIs(t, err, gpu.ErrIndexOutOfRange)
	s := dev.Stats()
	assert.Zero(t, s.Submits)
	assert.Zero(t, s.Builds)
}

func TestRenderReleasesOnFailure(t *testing.T) {
	lim := soft.DefaultLimits()
	lim.MaxBufferSize = 4096
	dev := newDevice(t, soft.Config{Limits: lim})

	_, err := NewRenderer(dev, smallConfig(40, 40), nil).Render(triangleScene(t))
	require.ErrorIs(t, err, gpu.ErrLimitExceeded)

	s := dev.Stats()
	assert.Equal(t, 2, s.Builds, "both levels were built before the output allocation failed")
	assert.Zero(t, s.LiveBuffers)
	assert.Zero(t, s.LiveStructures)
}

func TestRenderFile(t *testing.T) {
	dir := t.TempDir()
	scenePath := filepath.Join(dir, "tri.obj")
	require.NoError(t, os.WriteFile(scenePath, []byte(triangleOBJ), 0o644))

	dev := newDevice(t, soft.Config{})
	r := NewRenderer(dev, smallConfig(16, 12), nil)
	out := Output{
		HDRPath:      filepath.Join(dir, "out.hdr"),
		PreviewPath:  filepath.Join(dir, "out.png"),
		PreviewWidth: 8,
	}
	img, err := r.RenderFile(scenePath, out)
	require.NoError(t, err)
	assert.Len(t, img.Pix, 16*12*3)

	data, err := os.ReadFile(out.HDRPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("#?")))
	assert.FileExists(t, out.PreviewPath)

	assert.Equal(t, []string{StageParse, StageUpload, StageBLAS, StageTLAS, StageBind, StagePipeline, StageDispatch, StageReadback, StageWrite}, r.Profiler.Order)

	var buf bytes.Buffer
	require.NoError(t, r.Profiler.WriteTable(&buf, r.RunID))
	table := buf.String()
	assert.Contains(t, table, StageDispatch)
	assert.Contains(t, table, "triangles")
	assert.True(t, strings.Contains(table, r.RunID))
}

func TestLoadSceneNeedsOneShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "two.obj")
	src := triangleOBJ + "o other\nf 3 2 1\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	_, err := LoadScene(path)
	assert.ErrorIs(t, err, obj.ErrShapeCount)
}

func TestProfilerScopes(t *testing.T) {
	p := NewProfiler()
	end := p.Scope("a")
	end()
	p.BeginScope("b")
	p.EndScope("b")
	p.BeginScope("a")
	p.EndScope("a")
	p.EndScope("never-begun")
	p.SetCount("n", 3)

	assert.Equal(t, []string{"a", "b"}, p.Order)
	assert.Contains(t, p.GetStatsString(), "n              : 3")

	p.Reset()
	assert.Zero(t, p.Total())
	assert.Empty(t, p.Counts)
}
