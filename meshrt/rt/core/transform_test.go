package core

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestTransformAffineRows(t *testing.T) {
	tr := NewTransform()
	tr.Position = mgl32.Vec3{1, 2, 3}
	tr.Scale = mgl32.Vec3{2, 2, 2}

	a := tr.Affine()
	want := [3][4]float32{
		{2, 0, 0, 1},
		{0, 2, 0, 2},
		{0, 0, 2, 3},
	}
	if a != want {
		t.Fatalf("affine = %v, want %v", a, want)
	}
	if m := AffineToMat4(a); !m.ApproxEqual(tr.ObjectToWorld()) {
		t.Errorf("AffineToMat4 does not restore ObjectToWorld: %v", m)
	}
}

func TestTransformRotatedRoundTrip(t *testing.T) {
	tr := NewTransform()
	tr.Position = mgl32.Vec3{-1, 2, 3}
	tr.Rotation = mgl32.QuatRotate(float32(math.Pi/2), mgl32.Vec3{0, 1, 0})
	tr.Scale = mgl32.Vec3{2, 2, 2}

	a := tr.Affine()
	if a[0][3] != -1 || a[1][3] != 2 || a[2][3] != 3 {
		t.Fatalf("translation column = %v %v %v", a[0][3], a[1][3], a[2][3])
	}
	if m := AffineToMat4(a); !m.ApproxEqualThreshold(tr.ObjectToWorld(), 1e-6) {
		t.Fatalf("round trip mismatch:\n%v\n%v", m, tr.ObjectToWorld())
	}
}

func TestTransformInverse(t *testing.T) {
	tr := NewTransform()
	tr.Position = mgl32.Vec3{-1, 0.5, 4}
	tr.Rotation = mgl32.QuatRotate(0.7, mgl32.Vec3{0, 1, 0})
	tr.Scale = mgl32.Vec3{1, 3, 0.5}

	id := tr.WorldToObject().Mul4(tr.ObjectToWorld())
	if !id.ApproxEqualThreshold(mgl32.Ident4(), 1e-5) {
		t.Errorf("WorldToObject * ObjectToWorld = %v", id)
	}
}

func TestIdentityAffine(t *testing.T) {
	if NewTransform().Affine() != IdentityAffine() {
		t.Errorf("default transform is not the identity")
	}
}
