package shaders

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/minipt/meshrt/rt/bvh"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

func testParams() Params {
	return Params{
		Width:            800,
		Height:           600,
		WorkgroupSize:    [2]uint32{16, 8},
		CameraOrigin:     [3]float32{-0.001, 1, 6},
		FovVerticalSlope: 0.2,
		TMin:             0,
		TMax:             10000,
		CullMask:         0xFF,
	}
}

func TestGenerateDeclaresSchemaBindings(t *testing.T) {
	src, err := Generate(testParams())
	require.NoError(t, err)

	for _, want := range []string{
		"@group(0) @binding(0)\nvar<storage, read_write> imageData: array<f32>;",
		"@group(0) @binding(1)\nvar<storage, read> tlas: AccelerationStructure;",
		"@group(0) @binding(2)\nvar<storage, read> vertices: array<f32>;",
		"@group(0) @binding(3)\nvar<storage, read> indices: array<u32>;",
		"@workgroup_size(16, 8, 1)",
		"const WIDTH: u32 = 800u;",
		"const HEIGHT: u32 = 600u;",
		"vec3<f32>(-0.001, 1.0, 6.0)",
		"10000.0",
	} {
		assert.Contains(t, src, want)
	}
	assert.NotContains(t, src, "{{")
}

func TestGenerateRejectsEmptyImage(t *testing.T) {
	p := testParams()
	p.Width = 0
	_, err := Generate(p)
	assert.Error(t, err)
}

func TestFormatF32(t *testing.T) {
	assert.Equal(t, "1.0", formatF32(1))
	assert.Equal(t, "0.2", formatF32(0.2))
	assert.Equal(t, "-0.001", formatF32(-0.001))
	assert.Equal(t, "10000.0", formatF32(10000))
}

func TestReflectGeneratedKernel(t *testing.T) {
	src, err := Generate(testParams())
	require.NoError(t, err)

	r, err := Reflect(src)
	require.NoError(t, err)
	assert.Equal(t, EntryPoint, r.EntryPoint)
	assert.Equal(t, [3]uint32{16, 8, 1}, r.WorkgroupSize)
	require.NoError(t, gpu.CompareInterface(gpu.Schema, r.Interface))
}

const swappedKernel = `
struct AccelerationStructure {
    records: array<vec4<f32>>,
}

@group(0) @binding(0)
var<storage, read> imageData: array<f32>;
@group(0) @binding(1)
var<storage, read> tlas: AccelerationStructure;
@group(0) @binding(3)
var<storage, read> vertices: array<f32>;
@group(0) @binding(2)
var<storage, read> indices: array<u32>;

@compute @workgroup_size(8, 8, 1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let a = imageData[gid.x];
    let b = tlas.records[gid.x];
    let c = vertices[gid.x];
    let d = indices[gid.x];
}
`

func TestReflectReportsDeclaredAccess(t *testing.T) {
	r, err := Reflect(swappedKernel)
	require.NoError(t, err)
	require.Len(t, r.Interface, 4)

	assert.Equal(t, gpu.AccessRead, r.Interface[0].Access)
	assert.Equal(t, gpu.DescriptorAccelerationStructure, r.Interface[1].Type)
	assert.Equal(t, "indices", r.Interface[2].Name)
	assert.Equal(t, "vertices", r.Interface[3].Name)

	// Output is read-only here, which the schema does not allow.
	err = gpu.CompareInterface(gpu.Schema, r.Interface)
	assert.True(t, errors.Is(err, gpu.ErrInterfaceMismatch))
}

func TestReflectRejectsGarbage(t *testing.T) {
	_, err := Reflect("fn main( {")
	assert.True(t, errors.Is(err, ErrInvalidWGSL))
}

func TestEncodeTopLevelLayout(t *testing.T) {
	blas := (&bvh.Builder{}).Build([][2]mgl32.Vec3{{{0, 0, 0}, {1, 1, 0}}, {{2, 0, 0}, {3, 1, 0}}})
	tlas := (&bvh.Builder{}).Build([][2]mgl32.Vec3{{{0, 0, 0}, {3, 1, 0}}})

	inst := InstanceRecord{
		WorldToObject: [3][4]float32{{1, 0, 0, 1}, {0, 1, 0, 0}, {0, 0, 1, 0}},
		Mask:          0xFF,
	}
	inst.BLASRoot = uint32(TopLevelRecords(len(tlas.Nodes), 1))

	top, err := EncodeTopLevel(tlas, []InstanceRecord{inst})
	require.NoError(t, err)
	require.Len(t, top, int(inst.BLASRoot))

	assert.Equal(t, Record{1, 4, 1, 0}, top[0])
	// Single-node top level is a leaf on instance 0.
	assert.Equal(t, Record{-1, -1, 0, 1}, top[3])
	assert.Equal(t, Record{1, 0, 0, 1}, top[4])
	assert.Equal(t, Record{float32(inst.BLASRoot), 0, 255, 0}, top[7])

	nodes, err := EncodeNodes(blas)
	require.NoError(t, err)
	require.Len(t, nodes, 3*NodeRecords)
	links := nodes[2]
	assert.Equal(t, float32(1), links[0])
	assert.Equal(t, float32(2), links[1])
	assert.Len(t, RecordFloats(nodes), 4*len(nodes))
}

func TestGeneratedKernelUsesSchemaNames(t *testing.T) {
	src, err := Generate(testParams())
	require.NoError(t, err)
	for _, e := range gpu.Schema {
		assert.True(t, strings.Count(src, e.Name) > 1, "binding %s is declared but never referenced", e.Name)
	}
}

func TestGenerateTestsInstanceMask(t *testing.T) {
	p := testParams()
	p.CullMask = 0x0F
	src, err := Generate(p)
	require.NoError(t, err)
	assert.Contains(t, src, "const CULL_MASK: u32 = 15u;")
	assert.Contains(t, src, "if ((u32(info.z) & CULL_MASK) != 0u) {")
}
