package kernel

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

type fakeResources struct {
	out   []byte
	scene gpu.RayQuery
}

func (r *fakeResources) Storage(slot gpu.Slot) []byte {
	if slot == gpu.SlotOutput {
		return r.out
	}
	return nil
}

func (r *fakeResources) Structure(slot gpu.Slot) gpu.RayQuery {
	if slot == gpu.SlotScene {
		return r.scene
	}
	return nil
}

// leftHalf hits everything whose direction points to negative x.
type leftHalf struct {
	flags gpu.RayFlags
	mask  uint8
}

func (q *leftHalf) TraceClosest(origin, dir mgl32.Vec3, tmin, tmax float32, flags gpu.RayFlags, cullMask uint8) (gpu.Intersection, bool) {
	q.flags, q.mask = flags, cullMask
	if dir.X() >= 0 {
		return gpu.Intersection{}, false
	}
	return gpu.Intersection{T: 6, Barycentrics: [2]float32{0.25, 0.5}}, true
}

func TestBarycentricProgram(t *testing.T) {
	p, err := Barycentric(DefaultParams(800, 600))
	require.NoError(t, err)

	assert.Equal(t, "main", p.EntryPoint)
	assert.Equal(t, [3]uint32{16, 8, 1}, p.WorkgroupSize)
	assert.Contains(t, p.WGSL, "const WIDTH: u32 = 800u;")
	require.NotNil(t, p.Host)
	require.NoError(t, gpu.CompareInterface(gpu.Schema, p.Interface))
}

func TestBarycentricInvokeWritesPixel(t *testing.T) {
	params := DefaultParams(2, 1)
	params.MissColor = [3]float32{0.1, 0.2, 0.3}
	p, err := Barycentric(params)
	require.NoError(t, err)

	scene := &leftHalf{}
	res := &fakeResources{out: make([]byte, gpu.OutputSize(2, 1)), scene: scene}
	for x := uint32(0); x < 2; x++ {
		p.Host.Invoke(gpu.Invocation{GlobalID: [3]uint32{x, 0, 0}}, res)
	}

	px := gpu.BytesFloat32(res.out)
	assert.Equal(t, []float32{0.25, 0.25, 0.5}, px[0:3])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, px[3:6])
	assert.Equal(t, gpu.RayFlagsOpaque, scene.flags)
	assert.Equal(t, uint8(0xFF), scene.mask)
}

func TestBarycentricInvokeIgnoresOutOfRange(t *testing.T) {
	p, err := Barycentric(DefaultParams(2, 2))
	require.NoError(t, err)

	res := &fakeResources{out: make([]byte, gpu.OutputSize(2, 2)), scene: &leftHalf{}}
	// A 16x8 work-group over a 2x2 image runs invocations past the edge.
	assert.NotPanics(t, func() {
		p.Host.Invoke(gpu.Invocation{GlobalID: [3]uint32{5, 0, 0}}, res)
		p.Host.Invoke(gpu.Invocation{GlobalID: [3]uint32{0, 7, 0}}, res)
	})
	for _, f := range gpu.BytesFloat32(res.out) {
		assert.Zero(t, f)
	}
}

func TestBarycentricRejectsEmptyImage(t *testing.T) {
	_, err := Barycentric(DefaultParams(0, 600))
	assert.Error(t, err)
}
