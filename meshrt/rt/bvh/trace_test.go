package bvh

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func TestIntersectTriangle(t *testing.T) {
	v0 := mgl32.Vec3{-1, -1, 0}
	v1 := mgl32.Vec3{1, -1, 0}
	v2 := mgl32.Vec3{0, 1, 0}
	r := Ray{Origin: mgl32.Vec3{0, 0, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100}

	tt, u, v, ok := IntersectTriangle(r, v0, v1, v2, false)
	if !ok {
		t.Fatal("expected hit")
	}
	if tt != 5 {
		t.Errorf("t = %f", tt)
	}
	if u != 0.25 || v != 0.5 {
		t.Errorf("barycentrics = %f %f", u, v)
	}

	// Same triangle seen from behind.
	back := Ray{Origin: mgl32.Vec3{0, 0, -5}, Dir: mgl32.Vec3{0, 0, 1}, TMax: 100}
	if _, _, _, ok := IntersectTriangle(back, v0, v1, v2, false); !ok {
		t.Error("expected two-sided hit")
	}
	if _, _, _, ok := IntersectTriangle(back, v0, v1, v2, true); ok {
		t.Error("expected culled back face")
	}

	short := r
	short.TMax = 4
	if _, _, _, ok := IntersectTriangle(short, v0, v1, v2, false); ok {
		t.Error("hit beyond TMax")
	}

	miss := Ray{Origin: mgl32.Vec3{3, 0, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100}
	if _, _, _, ok := IntersectTriangle(miss, v0, v1, v2, false); ok {
		t.Error("expected miss")
	}
}

func TestClosestHitPicksNearest(t *testing.T) {
	// Two parallel quads' worth of triangles at z=0 and z=-2.
	verts := []float32{
		-1, -1, 0, 1, -1, 0, 0, 1, 0,
		-1, -1, -2, 1, -1, -2, 0, 1, -2,
	}
	idx := []uint32{3, 4, 5, 0, 1, 2}
	tree := (&Builder{}).Build(TriangleBounds(verts, idx))

	leaf := func(prim int32, r Ray) (Hit, bool) {
		c := func(k int) mgl32.Vec3 {
			i := idx[3*int(prim)+k]
			return mgl32.Vec3{verts[3*i], verts[3*i+1], verts[3*i+2]}
		}
		tt, u, v, ok := IntersectTriangle(r, c(0), c(1), c(2), false)
		return Hit{T: tt, U: u, V: v, Primitive: prim}, ok
	}

	h, ok := tree.ClosestHit(Ray{Origin: mgl32.Vec3{0, 0, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100}, leaf)
	if !ok {
		t.Fatal("expected hit")
	}
	if h.Primitive != 1 || h.T != 5 {
		t.Fatalf("hit = %+v, want primitive 1 at t=5", h)
	}

	if _, ok := tree.ClosestHit(Ray{Origin: mgl32.Vec3{0, 5, 5}, Dir: mgl32.Vec3{0, 0, -1}, TMax: 100}, leaf); ok {
		t.Fatal("expected miss above the triangles")
	}
}
