package core

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

var (
	ErrEmptyMesh       = errors.New("mesh: no triangles")
	ErrVertexStride    = errors.New("mesh: vertex array length is not a multiple of 3")
	ErrIndexStride     = errors.New("mesh: index array length is not a multiple of 3")
	ErrIndexOutOfRange = errors.New("mesh: vertex index out of range")
)

// Mesh is a flat triangle list: Vertices holds xyz triples and Indices holds one
// vertex-index triple per triangle. A Mesh is not modified after construction.
type Mesh struct {
	Vertices []float32
	Indices  []uint32
}

// NewMesh validates and wraps the given arrays. The slices are not copied.
func NewMesh(vertices []float32, indices []uint32) (*Mesh, error) {
	m := &Mesh{Vertices: vertices, Indices: indices}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mesh) VertexCount() int   { return len(m.Vertices) / 3 }
func (m *Mesh) TriangleCount() int { return len(m.Indices) / 3 }

// Validate checks strides and that every index addresses an existing vertex.
func (m *Mesh) Validate() error {
	if len(m.Vertices)%3 != 0 {
		return fmt.Errorf("%w (got %d floats)", ErrVertexStride, len(m.Vertices))
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("%w (got %d indices)", ErrIndexStride, len(m.Indices))
	}
	if len(m.Indices) == 0 {
		return ErrEmptyMesh
	}
	vc := uint32(m.VertexCount())
	for i, idx := range m.Indices {
		if idx >= vc {
			return fmt.Errorf("%w: indices[%d] = %d, vertex count %d", ErrIndexOutOfRange, i, idx, vc)
		}
	}
	return nil
}

func (m *Mesh) Vertex(i uint32) mgl32.Vec3 {
	return mgl32.Vec3{m.Vertices[3*i], m.Vertices[3*i+1], m.Vertices[3*i+2]}
}

// Triangle returns the three corner positions of triangle t.
func (m *Mesh) Triangle(t int) [3]mgl32.Vec3 {
	return [3]mgl32.Vec3{
		m.Vertex(m.Indices[3*t]),
		m.Vertex(m.Indices[3*t+1]),
		m.Vertex(m.Indices[3*t+2]),
	}
}

// Bounds returns the object-space AABB over all referenced vertices.
func (m *Mesh) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(1e30)
	minB := mgl32.Vec3{inf, inf, inf}
	maxB := mgl32.Vec3{-inf, -inf, -inf}
	for _, idx := range m.Indices {
		v := m.Vertex(idx)
		for k := 0; k < 3; k++ {
			minB[k] = min(minB[k], v[k])
			maxB[k] = max(maxB[k], v[k])
		}
	}
	return minB, maxB
}
