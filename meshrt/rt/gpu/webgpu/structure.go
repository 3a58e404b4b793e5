package webgpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/minipt/meshrt/rt/bvh"
	"github.com/gekko3d/minipt/meshrt/rt/core"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
	"github.com/gekko3d/minipt/meshrt/rt/shaders"
)

// Structure is a storage buffer of shaders.Record values. A bottom level also keeps
// its encoded nodes so top levels can embed them.
type Structure struct {
	dev   *Device
	label string
	kind  gpu.AccelKind
	size  uint64
	addr  gpu.DeviceAddress
	buf   *wgpu.Buffer

	mu        sync.RWMutex
	built     bool
	destroyed bool
	tree      *bvh.Tree
	records   []shaders.Record
}

var _ gpu.AccelerationStructure = (*Structure)(nil)

func (s *Structure) Label() string              { return s.label }
func (s *Structure) Kind() gpu.AccelKind        { return s.kind }
func (s *Structure) Size() uint64               { return s.size }
func (s *Structure) Address() gpu.DeviceAddress { return s.addr }

func (s *Structure) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.buf.Release()
	s.tree, s.records = nil, nil
	s.mu.Unlock()

	s.dev.mu.Lock()
	delete(s.dev.structures, s)
	s.dev.mu.Unlock()
}

func (s *Structure) checkBuilt() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.destroyed {
		return fmt.Errorf("%w: structure %q", gpu.ErrDestroyed, s.label)
	}
	if !s.built {
		return fmt.Errorf("webgpu: structure %q was never built", s.label)
	}
	return nil
}

func nodeBytes(prims uint32) uint64 {
	return uint64(2*max(prims, 1)-1) * shaders.NodeRecords * shaders.RecordSize
}

// BuildSizes sizes a bottom level by its node count. A top level embeds every
// distinct bottom level it references, so its instances are read from the shadow.
func (d *Device) BuildSizes(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) (gpu.BuildSizes, error) {
	if len(ranges) != 1 || ranges[0].PrimitiveCount == 0 {
		return gpu.BuildSizes{}, fmt.Errorf("%w: need one non-empty build range", gpu.ErrBuildRejected)
	}
	n := ranges[0].PrimitiveCount
	switch info.Kind {
	case gpu.AccelBottomLevel:
		if info.Triangles == nil {
			return gpu.BuildSizes{}, fmt.Errorf("%w: bottom level without triangles", gpu.ErrBuildRejected)
		}
		return gpu.BuildSizes{StructureSize: nodeBytes(n)}, nil
	case gpu.AccelTopLevel:
		if info.Instances == nil {
			return gpu.BuildSizes{}, fmt.Errorf("%w: top level without instances", gpu.ErrBuildRejected)
		}
		_, blases, err := d.readInstances(info.Instances, ranges[0])
		if err != nil {
			return gpu.BuildSizes{}, err
		}
		size := uint64(shaders.TopLevelRecords(int(2*n-1), int(n))) * shaders.RecordSize
		for _, b := range distinct(blases) {
			size += uint64(len(b.records)) * shaders.RecordSize
		}
		return gpu.BuildSizes{StructureSize: size}, nil
	}
	return gpu.BuildSizes{}, fmt.Errorf("%w: unknown kind %s", gpu.ErrBuildRejected, info.Kind)
}

func (d *Device) CreateAccelerationStructure(desc gpu.AccelDesc) (gpu.AccelerationStructure, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("webgpu: structure %q has zero size", desc.Label)
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  alignedSize(desc.Size),
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create structure %q: %w", desc.Label, err)
	}
	s := &Structure{
		dev:   d,
		label: desc.Label,
		kind:  desc.Kind,
		size:  desc.Size,
		addr:  d.allocAddress(desc.Size),
		buf:   buf,
	}
	d.mu.Lock()
	d.structures[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

func (d *Device) readInstances(in *gpu.InstancesDesc, r gpu.BuildRange) ([]gpu.Instance, []*Structure, error) {
	b, off, err := d.resolve(in.Data + gpu.DeviceAddress(r.PrimitiveOffset))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: instances: %w", gpu.ErrBuildRejected, err)
	}
	raw, err := b.readShadow(off, uint64(r.PrimitiveCount)*gpu.InstanceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: instances: %w", gpu.ErrBuildRejected, err)
	}
	instances := make([]gpu.Instance, r.PrimitiveCount)
	blases := make([]*Structure, r.PrimitiveCount)
	for i := range instances {
		instances[i] = gpu.DecodeInstance(raw[i*gpu.InstanceSize:])
		blas, err := d.resolveStructure(instances[i].BLAS)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: instance %d: %w", gpu.ErrBuildRejected, i, err)
		}
		if blas.kind != gpu.AccelBottomLevel {
			return nil, nil, fmt.Errorf("%w: instance %d references a %s structure", gpu.ErrBuildRejected, i, blas.kind)
		}
		if err := blas.checkBuilt(); err != nil {
			return nil, nil, fmt.Errorf("%w: instance %d: %w", gpu.ErrBuildRejected, i, err)
		}
		blases[i] = blas
	}
	return instances, blases, nil
}

func distinct(blases []*Structure) []*Structure {
	seen := make(map[*Structure]bool, len(blases))
	var out []*Structure
	for _, b := range blases {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

// build runs at submit time on the host and uploads the encoded records.
func (d *Device) build(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) error {
	dst, ok := info.Dst.(*Structure)
	if !ok || dst == nil {
		return fmt.Errorf("%w: destination %T is not a webgpu structure", gpu.ErrBuildRejected, info.Dst)
	}
	if dst.kind != info.Kind {
		return fmt.Errorf("%w: destination is %s, build is %s", gpu.ErrBuildRejected, dst.kind, info.Kind)
	}

	var (
		tree    *bvh.Tree
		records []shaders.Record
		err     error
	)
	if info.Kind == gpu.AccelBottomLevel {
		tree, err = d.bottomTree(info.Triangles, ranges[0])
		if err == nil {
			records, err = shaders.EncodeNodes(tree)
		}
	} else {
		tree, records, err = d.topLevel(info.Instances, ranges[0])
	}
	if err != nil {
		return err
	}

	data := gpu.Float32Bytes(shaders.RecordFloats(records))
	if uint64(len(data)) > dst.size {
		return fmt.Errorf("%w: destination holds %d bytes, need %d", gpu.ErrBuildRejected, dst.size, len(data))
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.destroyed {
		return fmt.Errorf("%w: structure %q", gpu.ErrDestroyed, dst.label)
	}
	if err := d.wq.WriteBuffer(dst.buf, 0, data); err != nil {
		return fmt.Errorf("webgpu: write %s %q: %w", dst.kind, dst.label, err)
	}
	dst.tree = tree
	dst.records = records
	dst.built = true
	if d.logger != nil {
		d.logger.Debugf("uploaded %s %q: %d nodes, %d bytes", dst.kind, dst.label, len(tree.Nodes), len(data))
	}
	return nil
}

func (d *Device) bottomTree(tri *gpu.TrianglesDesc, r gpu.BuildRange) (*bvh.Tree, error) {
	if tri == nil {
		return nil, fmt.Errorf("%w: bottom level without triangles", gpu.ErrBuildRejected)
	}
	if tri.VertexFormat != gpu.FormatR32G32B32Float || tri.IndexType != gpu.IndexUint32 || tri.VertexStride != 12 {
		return nil, fmt.Errorf("%w: only tightly packed float3 vertices with uint32 indices are supported", gpu.ErrBuildRejected)
	}
	vb, voff, err := d.resolve(tri.VertexData)
	if err != nil {
		return nil, fmt.Errorf("%w: vertices: %w", gpu.ErrBuildRejected, err)
	}
	vraw, err := vb.readShadow(voff, (uint64(tri.MaxVertex)+1)*12)
	if err != nil {
		return nil, fmt.Errorf("%w: vertices: %w", gpu.ErrBuildRejected, err)
	}
	ib, ioff, err := d.resolve(tri.IndexData + gpu.DeviceAddress(r.PrimitiveOffset))
	if err != nil {
		return nil, fmt.Errorf("%w: indices: %w", gpu.ErrBuildRejected, err)
	}
	iraw, err := ib.readShadow(ioff, uint64(r.PrimitiveCount)*12)
	if err != nil {
		return nil, fmt.Errorf("%w: indices: %w", gpu.ErrBuildRejected, err)
	}

	indices := gpu.BytesUint32(iraw)
	for i, v := range indices {
		if v+r.FirstVertex > tri.MaxVertex {
			return nil, fmt.Errorf("%w: index %d references vertex %d beyond max vertex %d",
				gpu.ErrBuildRejected, i, v+r.FirstVertex, tri.MaxVertex)
		}
	}
	// The kernel reads the bound index buffer directly, so FirstVertex must be zero.
	if r.FirstVertex != 0 {
		return nil, fmt.Errorf("%w: first vertex offsets are not supported", gpu.ErrBuildRejected)
	}
	return (&bvh.Builder{}).Build(bvh.TriangleBounds(gpu.BytesFloat32(vraw), indices)), nil
}

func (d *Device) topLevel(in *gpu.InstancesDesc, r gpu.BuildRange) (*bvh.Tree, []shaders.Record, error) {
	if in == nil {
		return nil, nil, fmt.Errorf("%w: top level without instances", gpu.ErrBuildRejected)
	}
	instances, blases, err := d.readInstances(in, r)
	if err != nil {
		return nil, nil, err
	}

	bounds := make([][2]mgl32.Vec3, len(instances))
	w2o := make([][3][4]float32, len(instances))
	for i, inst := range instances {
		o2w := core.AffineToMat4(inst.Transform)
		if o2w.Det() == 0 {
			return nil, nil, fmt.Errorf("%w: instance %d has a singular transform", gpu.ErrBuildRejected, i)
		}
		w2o[i] = core.Mat4ToAffine(o2w.Inv())
		blases[i].mu.RLock()
		root := blases[i].tree.Nodes[0]
		blases[i].mu.RUnlock()
		bounds[i] = bvh.TransformBounds(root.Min, root.Max, o2w)
	}
	tree := (&bvh.Builder{}).Build(bounds)

	roots, tail := placeBottomLevels(shaders.TopLevelRecords(len(tree.Nodes), len(instances)), blases)
	recs := make([]shaders.InstanceRecord, len(instances))
	for i, inst := range instances {
		recs[i] = shaders.InstanceRecord{
			WorldToObject: w2o[i],
			BLASRoot:      roots[blases[i]],
			CustomIndex:   inst.CustomIndex,
			Mask:          inst.Mask,
			Flags:         uint8(inst.Flags),
		}
	}
	top, err := shaders.EncodeTopLevel(tree, recs)
	if err != nil {
		return nil, nil, err
	}
	return tree, append(top, tail...), nil
}

// placeBottomLevels lays the distinct bottom levels out after the top-level records
// and returns each one's root record index.
func placeBottomLevels(first int, blases []*Structure) (map[*Structure]uint32, []shaders.Record) {
	roots := make(map[*Structure]uint32)
	var tail []shaders.Record
	for _, b := range distinct(blases) {
		b.mu.RLock()
		recs := b.records
		b.mu.RUnlock()
		roots[b] = uint32(first + len(tail))
		tail = append(tail, recs...)
	}
	return roots, tail
}
