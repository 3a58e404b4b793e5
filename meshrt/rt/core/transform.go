package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

func NewTransform() *Transform {
	return &Transform{
		Position: mgl32.Vec3{0, 0, 0},
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

func (t *Transform) ObjectToWorld() mgl32.Mat4 {
	// M = T * R * S
	translate := mgl32.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
	rotate := t.Rotation.Mat4()
	scale := mgl32.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())

	return translate.Mul4(rotate).Mul4(scale)
}

func (t *Transform) WorldToObject() mgl32.Mat4 {
	// inv(M) = inv(S) * inv(R) * inv(T)
	invScale := mgl32.Scale3D(1.0/t.Scale.X(), 1.0/t.Scale.Y(), 1.0/t.Scale.Z())
	invRotate := t.Rotation.Conjugate().Mat4()
	invTranslate := mgl32.Translate3D(-t.Position.X(), -t.Position.Y(), -t.Position.Z())

	return invScale.Mul4(invRotate).Mul4(invTranslate)
}

// Affine returns the top three rows of ObjectToWorld, row-major, which is the layout
// acceleration-structure instances carry.
func (t *Transform) Affine() [3][4]float32 {
	return Mat4ToAffine(t.ObjectToWorld())
}

// Mat4ToAffine drops the last row of a column-major mgl32 matrix.
func Mat4ToAffine(m mgl32.Mat4) [3][4]float32 {
	var a [3][4]float32
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			a[r][c] = m.At(r, c)
		}
	}
	return a
}

// AffineToMat4 restores the implicit (0, 0, 0, 1) bottom row.
func AffineToMat4(a [3][4]float32) mgl32.Mat4 {
	var m mgl32.Mat4
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, a[r][c])
		}
	}
	m.Set(3, 3, 1)
	return m
}

// IdentityAffine is the 3x4 identity.
func IdentityAffine() [3][4]float32 {
	return [3][4]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
}
