package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gekko3d/minipt/meshrt/rt/core"
)

// geometryUsage lets the buffers feed a structure build and be bound as storage.
const geometryUsage = BufferUsageStorage | BufferUsageBuildInput | BufferUsageDeviceAddress | BufferUsageTransferDst

// Geometry owns the device copies of one mesh.
type Geometry struct {
	Mesh     *core.Mesh
	Vertices Buffer
	Indices  Buffer
}

func (g *Geometry) Destroy() {
	if g.Vertices != nil {
		g.Vertices.Destroy()
	}
	if g.Indices != nil {
		g.Indices.Destroy()
	}
}

type GeometryUploader struct {
	dev    Device
	logger Logger
}

func NewGeometryUploader(dev Device, logger Logger) *GeometryUploader {
	return &GeometryUploader{dev: dev, logger: logger}
}

// Upload copies the mesh into device-local buffers through one submit-and-wait.
// Malformed meshes are rejected before any buffer is created.
func (u *GeometryUploader) Upload(mesh *core.Mesh) (_ *Geometry, err error) {
	if len(mesh.Vertices)%3 != 0 || len(mesh.Indices)%3 != 0 {
		return nil, fmt.Errorf("%w: %d floats, %d indices", ErrBadStride, len(mesh.Vertices), len(mesh.Indices))
	}
	if len(mesh.Vertices) == 0 || len(mesh.Indices) == 0 {
		return nil, ErrEmptyGeometry
	}
	if err := mesh.Validate(); err != nil {
		return nil, err
	}

	g := &Geometry{Mesh: mesh}
	defer func() {
		if err != nil {
			g.Destroy()
		}
	}()

	vbytes := Float32Bytes(mesh.Vertices)
	ibytes := Uint32Bytes(mesh.Indices)

	g.Vertices, err = u.dev.CreateBuffer(BufferDesc{
		Label:  "Vertices",
		Size:   uint64(len(vbytes)),
		Usage:  geometryUsage,
		Memory: MemoryDeviceLocal,
	})
	if err != nil {
		return nil, fmt.Errorf("create vertex buffer: %w", err)
	}
	g.Indices, err = u.dev.CreateBuffer(BufferDesc{
		Label:  "Indices",
		Size:   uint64(len(ibytes)),
		Usage:  geometryUsage,
		Memory: MemoryDeviceLocal,
	})
	if err != nil {
		return nil, fmt.Errorf("create index buffer: %w", err)
	}

	err = SubmitAndWait(u.dev, func(cb CommandBuffer) error {
		if err := cb.CopyToBuffer(g.Vertices, 0, vbytes); err != nil {
			return fmt.Errorf("copy vertices: %w", err)
		}
		if err := cb.CopyToBuffer(g.Indices, 0, ibytes); err != nil {
			return fmt.Errorf("copy indices: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upload geometry: %w", err)
	}
	u.dev.ReleaseStaging()

	if u.logger != nil {
		u.logger.Debugf("uploaded %d vertices, %d triangles (%d + %d bytes)",
			mesh.VertexCount(), mesh.TriangleCount(), len(vbytes), len(ibytes))
	}
	return g, nil
}

func Float32Bytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func Uint32Bytes(v []uint32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[4*i:], x)
	}
	return out
}

// BytesFloat32 reinterprets little-endian bytes; a trailing partial word is ignored.
func BytesFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

func BytesUint32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}
