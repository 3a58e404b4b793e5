package bvh

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeSize matches the WGSL BVHNode:
//
//	struct BVHNode {
//		aabb_min : vec4<f32>,   // 16
//		aabb_max : vec4<f32>,   // 16
//		left : i32,             // 4
//		right : i32,            // 4
//		leaf_first : i32,       // 4
//		leaf_count : i32,       // 4
//		padding : array<i32, 4> // 16
//	} // 64 bytes
const NodeSize = 64

type Node struct {
	Min       mgl32.Vec3
	Max       mgl32.Vec3
	Left      int32
	Right     int32
	LeafFirst int32
	LeafCount int32
}

func (n *Node) IsLeaf() bool { return n.Left < 0 }

func (n *Node) PutBytes(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(n.Min.X()))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(n.Min.Y()))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(n.Min.Z()))
	binary.LittleEndian.PutUint32(buf[12:16], 0)

	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(n.Max.X()))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(n.Max.Y()))
	binary.LittleEndian.PutUint32(buf[24:28], math.Float32bits(n.Max.Z()))
	binary.LittleEndian.PutUint32(buf[28:32], 0)

	binary.LittleEndian.PutUint32(buf[32:36], uint32(n.Left))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(n.Right))
	binary.LittleEndian.PutUint32(buf[40:44], uint32(n.LeafFirst))
	binary.LittleEndian.PutUint32(buf[44:48], uint32(n.LeafCount))
	for i := 48; i < NodeSize; i++ {
		buf[i] = 0
	}
}

// DecodeNode is the inverse of PutBytes.
func DecodeNode(buf []byte) Node {
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	i := func(off int) int32 { return int32(binary.LittleEndian.Uint32(buf[off:])) }
	return Node{
		Min:       mgl32.Vec3{f(0), f(4), f(8)},
		Max:       mgl32.Vec3{f(16), f(20), f(24)},
		Left:      i(32),
		Right:     i(36),
		LeafFirst: i(40),
		LeafCount: i(44),
	}
}

// Tree is a linearized binary BVH. Nodes[0] is the root; every leaf holds exactly one
// primitive whose caller-side index is LeafFirst.
type Tree struct {
	Nodes []Node
}

func (t *Tree) Empty() bool { return len(t.Nodes) == 0 || t.Nodes[0].LeafCount == 0 && t.Nodes[0].IsLeaf() }

func (t *Tree) Bytes() []byte {
	if len(t.Nodes) == 0 {
		return make([]byte, NodeSize)
	}
	out := make([]byte, len(t.Nodes)*NodeSize)
	for i := range t.Nodes {
		t.Nodes[i].PutBytes(out[i*NodeSize:])
	}
	return out
}

// DecodeTree reads len(buf)/NodeSize nodes.
func DecodeTree(buf []byte) *Tree {
	n := len(buf) / NodeSize
	t := &Tree{Nodes: make([]Node, n)}
	for i := 0; i < n; i++ {
		t.Nodes[i] = DecodeNode(buf[i*NodeSize:])
	}
	return t
}

type AABBItem struct {
	Min      mgl32.Vec3
	Max      mgl32.Vec3
	Centroid mgl32.Vec3
	Index    int
}

// Builder does a median split on the largest centroid axis. It is used for both
// levels: triangles for a bottom-level tree, instance world bounds for the top level.
type Builder struct{}

func (b *Builder) Build(aabbs [][2]mgl32.Vec3) *Tree {
	if len(aabbs) == 0 {
		return &Tree{Nodes: []Node{{Left: -1, Right: -1, LeafFirst: -1}}}
	}

	items := make([]AABBItem, len(aabbs))
	for i, bounds := range aabbs {
		items[i] = AABBItem{
			Min:      bounds[0],
			Max:      bounds[1],
			Centroid: bounds[0].Add(bounds[1]).Mul(0.5),
			Index:    i,
		}
	}

	nodes := make([]Node, 0, 2*len(items)-1)
	b.recursiveBuild(items, &nodes)
	return &Tree{Nodes: nodes}
}

func (b *Builder) recursiveBuild(items []AABBItem, nodes *[]Node) int32 {
	idx := int32(len(*nodes))
	*nodes = append(*nodes, Node{Left: -1, Right: -1, LeafFirst: -1, LeafCount: 0})

	minB, maxB := emptyBounds()
	for _, it := range items {
		minB, maxB = grow(minB, maxB, it.Min, it.Max)
	}

	(*nodes)[idx].Min = minB
	(*nodes)[idx].Max = maxB

	if len(items) == 1 {
		(*nodes)[idx].LeafFirst = int32(items[0].Index)
		(*nodes)[idx].LeafCount = 1
		return idx
	}

	// Split on centroid extent so that flat meshes still divide.
	cMin, cMax := emptyBounds()
	for _, it := range items {
		cMin, cMax = grow(cMin, cMax, it.Centroid, it.Centroid)
	}
	extent := cMax.Sub(cMin)
	axis := 0
	if extent.Y() > extent.X() {
		axis = 1
	}
	if extent.Z() > extent[axis] {
		axis = 2
	}

	// Stable so that equal centroids keep input order and builds are reproducible.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Centroid[axis] < items[j].Centroid[axis]
	})

	mid := len(items) / 2
	left := b.recursiveBuild(items[:mid], nodes)
	right := b.recursiveBuild(items[mid:], nodes)
	(*nodes)[idx].Left = left
	(*nodes)[idx].Right = right

	return idx
}

func emptyBounds() (mgl32.Vec3, mgl32.Vec3) {
	inf := float32(math.Inf(1))
	return mgl32.Vec3{inf, inf, inf}, mgl32.Vec3{-inf, -inf, -inf}
}

func grow(minB, maxB, lo, hi mgl32.Vec3) (mgl32.Vec3, mgl32.Vec3) {
	return mgl32.Vec3{min(minB.X(), lo.X()), min(minB.Y(), lo.Y()), min(minB.Z(), lo.Z())},
		mgl32.Vec3{max(maxB.X(), hi.X()), max(maxB.Y(), hi.Y()), max(maxB.Z(), hi.Z())}
}

// TriangleBounds returns one AABB per triangle of an indexed xyz vertex array.
func TriangleBounds(vertices []float32, indices []uint32) [][2]mgl32.Vec3 {
	out := make([][2]mgl32.Vec3, len(indices)/3)
	for t := range out {
		minB, maxB := emptyBounds()
		for k := 0; k < 3; k++ {
			i := indices[3*t+k]
			v := mgl32.Vec3{vertices[3*i], vertices[3*i+1], vertices[3*i+2]}
			minB, maxB = grow(minB, maxB, v, v)
		}
		out[t] = [2]mgl32.Vec3{minB, maxB}
	}
	return out
}

// TransformBounds is the conservative world AABB of a local box under o2w.
func TransformBounds(minB, maxB mgl32.Vec3, o2w mgl32.Mat4) [2]mgl32.Vec3 {
	corners := [8]mgl32.Vec3{
		{minB.X(), minB.Y(), minB.Z()},
		{maxB.X(), minB.Y(), minB.Z()},
		{minB.X(), maxB.Y(), minB.Z()},
		{maxB.X(), maxB.Y(), minB.Z()},
		{minB.X(), minB.Y(), maxB.Z()},
		{maxB.X(), minB.Y(), maxB.Z()},
		{minB.X(), maxB.Y(), maxB.Z()},
		{maxB.X(), maxB.Y(), maxB.Z()},
	}
	wMin, wMax := emptyBounds()
	for _, c := range corners {
		wc := o2w.Mul4x1(c.Vec4(1.0)).Vec3()
		wMin, wMax = grow(wMin, wMax, wc, wc)
	}
	return [2]mgl32.Vec3{wMin, wMax}
}
