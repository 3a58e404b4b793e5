package shaders

import (
	"fmt"

	"github.com/gekko3d/minipt/meshrt/rt/bvh"
)

// Acceleration-structure storage layout read by the generated kernel. Everything
// is vec4<f32> records; integers are stored as floats and must stay below 2^24.
const (
	RecordSize      = 16
	NodeRecords     = 3
	InstanceRecords = 4
	HeaderRecords   = 1

	maxExactInt = 1 << 24
)

type Record [4]float32

// InstanceRecord is an instance as the kernel sees it: the inverse transform and
// the absolute record index of the bottom-level root node.
type InstanceRecord struct {
	WorldToObject [3][4]float32
	BLASRoot      uint32
	CustomIndex   uint32
	Mask          uint8
	Flags         uint8
}

// EncodeNodes lays out a tree with node links relative to its own first record.
func EncodeNodes(t *bvh.Tree) ([]Record, error) {
	if len(t.Nodes)*NodeRecords >= maxExactInt {
		return nil, fmt.Errorf("shaders: %d nodes exceed the float-encoded index range", len(t.Nodes))
	}
	out := make([]Record, 0, len(t.Nodes)*NodeRecords)
	for _, n := range t.Nodes {
		if n.LeafFirst >= maxExactInt {
			return nil, fmt.Errorf("shaders: leaf index %d exceeds the float-encoded index range", n.LeafFirst)
		}
		out = append(out,
			Record{n.Min.X(), n.Min.Y(), n.Min.Z(), 0},
			Record{n.Max.X(), n.Max.Y(), n.Max.Z(), 0},
			Record{float32(n.Left), float32(n.Right), float32(n.LeafFirst), float32(n.LeafCount)},
		)
	}
	return out, nil
}

// TopLevelRecords returns how many records the header, top-level nodes and
// instances occupy. Bottom-level trees are placed from that record on.
func TopLevelRecords(nodes, instances int) int {
	return HeaderRecords + nodes*NodeRecords + instances*InstanceRecords
}

// EncodeTopLevel writes the header, the top-level nodes and the instance records.
func EncodeTopLevel(tree *bvh.Tree, instances []InstanceRecord) ([]Record, error) {
	nodes, err := EncodeNodes(tree)
	if err != nil {
		return nil, err
	}
	root := HeaderRecords
	first := root + len(nodes)
	total := TopLevelRecords(len(tree.Nodes), len(instances))
	if total >= maxExactInt {
		return nil, fmt.Errorf("shaders: top level of %d records exceeds the float-encoded index range", total)
	}

	out := make([]Record, 0, total)
	out = append(out, Record{float32(root), float32(first), float32(len(instances)), 0})
	out = append(out, nodes...)
	for i, in := range instances {
		if in.BLASRoot >= maxExactInt || in.CustomIndex >= maxExactInt {
			return nil, fmt.Errorf("shaders: instance %d index exceeds the float-encoded range", i)
		}
		w := in.WorldToObject
		out = append(out,
			Record(w[0]),
			Record(w[1]),
			Record(w[2]),
			Record{float32(in.BLASRoot), float32(in.CustomIndex), float32(in.Mask), float32(in.Flags)},
		)
	}
	return out, nil
}

// RecordFloats flattens records for upload.
func RecordFloats(rs []Record) []float32 {
	out := make([]float32, 0, 4*len(rs))
	for _, r := range rs {
		out = append(out, r[:]...)
	}
	return out
}
