package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const triangleEpsilon = 1e-8

type Ray struct {
	Origin mgl32.Vec3
	Dir    mgl32.Vec3
	TMin   float32
	TMax   float32
}

// Hit is a candidate intersection. U and V are the barycentric weights of the
// second and third triangle corners.
type Hit struct {
	T         float32
	U, V      float32
	Primitive int32
	Instance  int32
}

// IntersectAABB is the slab test clipped to [r.TMin, tmax].
func IntersectAABB(r Ray, invDir mgl32.Vec3, minB, maxB mgl32.Vec3, tmax float32) bool {
	t0 := r.TMin
	t1 := tmax
	for a := 0; a < 3; a++ {
		tNear := (minB[a] - r.Origin[a]) * invDir[a]
		tFar := (maxB[a] - r.Origin[a]) * invDir[a]
		if tNear > tFar {
			tNear, tFar = tFar, tNear
		}
		// NaN from 0 * inf leaves the bound unchanged.
		if tNear > t0 {
			t0 = tNear
		}
		if tFar < t1 {
			t1 = tFar
		}
		if t0 > t1 {
			return false
		}
	}
	return true
}

// IntersectTriangle is Moller-Trumbore. With cullBack set, triangles whose
// counter-clockwise front face points away from the ray are skipped.
func IntersectTriangle(r Ray, v0, v1, v2 mgl32.Vec3, cullBack bool) (t, u, v float32, ok bool) {
	e1 := v1.Sub(v0)
	e2 := v2.Sub(v0)
	p := r.Dir.Cross(e2)
	det := e1.Dot(p)
	if cullBack {
		if det < triangleEpsilon {
			return 0, 0, 0, false
		}
	} else if float32(math.Abs(float64(det))) < triangleEpsilon {
		return 0, 0, 0, false
	}
	inv := 1.0 / det
	s := r.Origin.Sub(v0)
	u = s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.Dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	t = e2.Dot(q) * inv
	if t < r.TMin || t > r.TMax {
		return 0, 0, 0, false
	}
	return t, u, v, true
}

func inverseDir(d mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{1.0 / d.X(), 1.0 / d.Y(), 1.0 / d.Z()}
}

// LeafFunc tests the primitive stored in a leaf against r and reports a hit
// closer than r.TMax.
type LeafFunc func(prim int32, r Ray) (Hit, bool)

// ClosestHit walks the tree with an explicit stack, shrinking r.TMax on every
// accepted hit.
func (t *Tree) ClosestHit(r Ray, leaf LeafFunc) (Hit, bool) {
	var best Hit
	found := false
	if t.Empty() {
		return best, false
	}
	invDir := inverseDir(r.Dir)

	var stack [64]int32
	sp := 0
	stack[sp] = 0
	sp++
	for sp > 0 {
		sp--
		n := &t.Nodes[stack[sp]]
		if !IntersectAABB(r, invDir, n.Min, n.Max, r.TMax) {
			continue
		}
		if n.IsLeaf() {
			if n.LeafCount == 0 {
				continue
			}
			if h, ok := leaf(n.LeafFirst, r); ok && h.T <= r.TMax {
				best = h
				found = true
				r.TMax = h.T
			}
			continue
		}
		if sp+2 > len(stack) {
			// Median splits keep depth at log2(n); this only trips on corrupted trees.
			continue
		}
		stack[sp] = n.Right
		sp++
		stack[sp] = n.Left
		sp++
	}
	return best, found
}
