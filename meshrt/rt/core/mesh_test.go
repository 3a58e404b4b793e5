package core

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func triangle() ([]float32, []uint32) {
	return []float32{
			-1, 0, 0,
			1, 0, 0,
			0, 2, 0,
		},
		[]uint32{0, 1, 2}
}

func TestNewMeshValid(t *testing.T) {
	v, i := triangle()
	m, err := NewMesh(v, i)
	if err != nil {
		t.Fatalf("NewMesh: %v", err)
	}
	if m.VertexCount() != 3 || m.TriangleCount() != 1 {
		t.Fatalf("counts = %d/%d, want 3/1", m.VertexCount(), m.TriangleCount())
	}
	tri := m.Triangle(0)
	if tri[2] != (mgl32.Vec3{0, 2, 0}) {
		t.Fatalf("corner 2 = %v", tri[2])
	}
	minB, maxB := m.Bounds()
	if minB != (mgl32.Vec3{-1, 0, 0}) || maxB != (mgl32.Vec3{1, 2, 0}) {
		t.Fatalf("bounds = %v %v", minB, maxB)
	}
}

func TestMeshValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		v    []float32
		i    []uint32
		want error
	}{
		{"vertex stride", []float32{0, 0}, []uint32{0, 0, 0}, ErrVertexStride},
		{"index stride", []float32{0, 0, 0}, []uint32{0, 0}, ErrIndexStride},
		{"empty", []float32{0, 0, 0}, nil, ErrEmptyMesh},
		{"out of range", []float32{0, 0, 0, 1, 1, 1, 2, 2, 2}, []uint32{0, 1, 3}, ErrIndexOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMesh(tc.v, tc.i)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
