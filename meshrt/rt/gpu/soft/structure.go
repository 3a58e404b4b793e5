package soft

import (
	"fmt"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/minipt/meshrt/rt/bvh"
	"github.com/gekko3d/minipt/meshrt/rt/core"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

const (
	triangleRecordSize = 3 * 12
	scratchPerPrim     = 32
)

type instance struct {
	rec  gpu.Instance
	blas *Structure
	w2o  mgl32.Mat4
}

// Structure is an acceleration structure. A bottom level keeps its own copy of the
// triangles read at build time; a top level keeps resolved instances.
type Structure struct {
	dev   *Device
	label string
	kind  gpu.AccelKind
	size  uint64
	addr  gpu.DeviceAddress

	mu        sync.RWMutex
	built     bool
	destroyed bool
	tree      *bvh.Tree

	vertices []float32
	indices  []uint32

	instances []instance
}

var (
	_ gpu.AccelerationStructure = (*Structure)(nil)
	_ gpu.RayQuery              = (*Structure)(nil)
)

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
	s.tree = nil
	s.vertices, s.indices, s.instances = nil, nil, nil
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
		return fmt.Errorf("soft: structure %q was never built", s.label)
	}
	return nil
}

// PrimitiveCount is the number of triangles or instances the last build consumed.
func (s *Structure) PrimitiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kind == gpu.AccelTopLevel {
		return len(s.instances)
	}
	return len(s.indices) / 3
}

func requiredSize(kind gpu.AccelKind, prims uint32) uint64 {
	nodes := 2*uint64(prims) - 1
	if kind == gpu.AccelTopLevel {
		return nodes*bvh.NodeSize + uint64(prims)*gpu.InstanceSize
	}
	return nodes*bvh.NodeSize + uint64(prims)*triangleRecordSize
}

func primitiveCount(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) (uint32, error) {
	if len(ranges) != 1 {
		return 0, fmt.Errorf("%w: expected one build range, got %d", gpu.ErrBuildRejected, len(ranges))
	}
	switch info.Kind {
	case gpu.AccelBottomLevel:
		if info.Triangles == nil || info.Instances != nil {
			return 0, fmt.Errorf("%w: bottom-level build needs triangle input", gpu.ErrBuildRejected)
		}
	case gpu.AccelTopLevel:
		if info.Instances == nil || info.Triangles != nil {
			return 0, fmt.Errorf("%w: top-level build needs instance input", gpu.ErrBuildRejected)
		}
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", gpu.ErrBuildRejected, info.Kind)
	}
	n := ranges[0].PrimitiveCount
	if n == 0 {
		return 0, fmt.Errorf("%w: zero primitives", gpu.ErrBuildRejected)
	}
	return n, nil
}

func (d *Device) BuildSizes(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) (gpu.BuildSizes, error) {
	n, err := primitiveCount(info, ranges)
	if err != nil {
		return gpu.BuildSizes{}, err
	}
	return gpu.BuildSizes{
		StructureSize: requiredSize(info.Kind, n),
		ScratchSize:   uint64(n) * scratchPerPrim,
	}, nil
}

func (d *Device) CreateAccelerationStructure(desc gpu.AccelDesc) (gpu.AccelerationStructure, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: structure %q has zero size", desc.Label)
	}
	s := &Structure{
		dev:   d,
		label: desc.Label,
		kind:  desc.Kind,
		size:  desc.Size,
		addr:  d.allocAddress(desc.Size),
	}
	d.mu.Lock()
	d.structures[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// build runs on the queue worker.
func (d *Device) build(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) error {
	n, err := primitiveCount(info, ranges)
	if err != nil {
		return err
	}
	dst, ok := info.Dst.(*Structure)
	if !ok || dst == nil {
		return fmt.Errorf("%w: destination %T is not a soft structure", gpu.ErrBuildRejected, info.Dst)
	}
	if dst.kind != info.Kind {
		return fmt.Errorf("%w: destination is %s, build is %s", gpu.ErrBuildRejected, dst.kind, info.Kind)
	}
	if need := requiredSize(info.Kind, n); dst.size < need {
		return fmt.Errorf("%w: destination holds %d bytes, need %d", gpu.ErrBuildRejected, dst.size, need)
	}
	scratch, off, err := d.resolve(info.Scratch)
	if err != nil {
		return fmt.Errorf("%w: scratch: %w", gpu.ErrBuildRejected, err)
	}
	if scratch.desc.Size-off < uint64(n)*scratchPerPrim {
		return fmt.Errorf("%w: scratch too small", gpu.ErrBuildRejected)
	}

	if info.Kind == gpu.AccelBottomLevel {
		err = d.buildBottom(dst, info.Triangles, ranges[0])
	} else {
		err = d.buildTop(dst, info.Instances, ranges[0])
	}
	if err != nil {
		return err
	}
	d.count(func(s *Stats) { s.Builds++ })
	return nil
}

func (d *Device) readInput(addr gpu.DeviceAddress, size uint64) ([]byte, error) {
	b, off, err := d.resolve(addr)
	if err != nil {
		return nil, err
	}
	if !b.desc.Usage.Has(gpu.BufferUsageBuildInput) {
		return nil, fmt.Errorf("buffer %q lacks build-input usage", b.desc.Label)
	}
	return b.readDevice(off, size)
}

func (d *Device) buildBottom(dst *Structure, tri *gpu.TrianglesDesc, r gpu.BuildRange) error {
	if tri.VertexFormat != gpu.FormatR32G32B32Float || tri.IndexType != gpu.IndexUint32 {
		return fmt.Errorf("%w: unsupported vertex or index format", gpu.ErrBuildRejected)
	}
	if tri.VertexStride < 12 || tri.VertexStride%4 != 0 {
		return fmt.Errorf("%w: vertex stride %d", gpu.ErrBuildRejected, tri.VertexStride)
	}
	if tri.TransformData != 0 {
		return fmt.Errorf("%w: geometry transforms are not supported", gpu.ErrBuildRejected)
	}

	vertexCount := uint64(tri.MaxVertex) + 1
	vraw, err := d.readInput(tri.VertexData, vertexCount*tri.VertexStride)
	if err != nil {
		return fmt.Errorf("%w: vertices: %w", gpu.ErrBuildRejected, err)
	}
	iraw, err := d.readInput(tri.IndexData+gpu.DeviceAddress(r.PrimitiveOffset), uint64(r.PrimitiveCount)*12)
	if err != nil {
		return fmt.Errorf("%w: indices: %w", gpu.ErrBuildRejected, err)
	}

	words := int(tri.VertexStride / 4)
	all := gpu.BytesFloat32(vraw)
	vertices := make([]float32, 0, 3*vertexCount)
	for v := 0; v < int(vertexCount); v++ {
		vertices = append(vertices, all[v*words:v*words+3]...)
	}
	indices := gpu.BytesUint32(iraw)
	for i := range indices {
		indices[i] += r.FirstVertex
		if indices[i] > tri.MaxVertex {
			return fmt.Errorf("%w: index %d references vertex %d beyond max vertex %d",
				gpu.ErrBuildRejected, i, indices[i], tri.MaxVertex)
		}
	}

	tree := (&bvh.Builder{}).Build(bvh.TriangleBounds(vertices, indices))

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.destroyed {
		return fmt.Errorf("%w: structure %q", gpu.ErrDestroyed, dst.label)
	}
	dst.vertices = vertices
	dst.indices = indices
	dst.tree = tree
	dst.built = true
	return nil
}

func (d *Device) buildTop(dst *Structure, in *gpu.InstancesDesc, r gpu.BuildRange) error {
	raw, err := d.readInput(in.Data+gpu.DeviceAddress(r.PrimitiveOffset), uint64(r.PrimitiveCount)*gpu.InstanceSize)
	if err != nil {
		return fmt.Errorf("%w: instances: %w", gpu.ErrBuildRejected, err)
	}

	instances := make([]instance, r.PrimitiveCount)
	bounds := make([][2]mgl32.Vec3, r.PrimitiveCount)
	for i := range instances {
		rec := gpu.DecodeInstance(raw[i*gpu.InstanceSize:])
		blas, err := d.resolveStructure(rec.BLAS)
		if err != nil {
			return fmt.Errorf("%w: instance %d: %w", gpu.ErrBuildRejected, i, err)
		}
		if blas.kind != gpu.AccelBottomLevel {
			return fmt.Errorf("%w: instance %d references a %s structure", gpu.ErrBuildRejected, i, blas.kind)
		}
		if err := blas.checkBuilt(); err != nil {
			return fmt.Errorf("%w: instance %d: %w", gpu.ErrBuildRejected, i, err)
		}
		o2w := core.AffineToMat4(rec.Transform)
		if det := o2w.Det(); det == 0 {
			return fmt.Errorf("%w: instance %d has a singular transform", gpu.ErrBuildRejected, i)
		}
		instances[i] = instance{rec: rec, blas: blas, w2o: o2w.Inv()}

		blas.mu.RLock()
		root := blas.tree.Nodes[0]
		blas.mu.RUnlock()
		bounds[i] = bvh.TransformBounds(root.Min, root.Max, o2w)
	}

	tree := (&bvh.Builder{}).Build(bounds)

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if dst.destroyed {
		return fmt.Errorf("%w: structure %q", gpu.ErrDestroyed, dst.label)
	}
	dst.instances = instances
	dst.tree = tree
	dst.built = true
	return nil
}

// TraceClosest answers a ray query against a top-level structure.
func (s *Structure) TraceClosest(origin, dir mgl32.Vec3, tmin, tmax float32, flags gpu.RayFlags, cullMask uint8) (gpu.Intersection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.built || s.kind != gpu.AccelTopLevel {
		return gpu.Intersection{}, false
	}

	ray := bvh.Ray{Origin: origin, Dir: dir, TMin: tmin, TMax: tmax}
	hit, ok := s.tree.ClosestHit(ray, func(idx int32, r bvh.Ray) (bvh.Hit, bool) {
		inst := &s.instances[idx]
		if inst.rec.Mask&cullMask == 0 {
			return bvh.Hit{}, false
		}
		// Direction is not renormalized so t stays in world units.
		local := bvh.Ray{
			Origin: inst.w2o.Mul4x1(r.Origin.Vec4(1)).Vec3(),
			Dir:    inst.w2o.Mul4x1(r.Dir.Vec4(0)).Vec3(),
			TMin:   r.TMin,
			TMax:   r.TMax,
		}
		cull := flags&gpu.RayFlagsCullBackFacingTriangles != 0 &&
			inst.rec.Flags&gpu.InstanceTriangleFacingCullDisable == 0
		h, ok := inst.blas.closestTriangle(local, cull, inst.rec.Flags&gpu.InstanceTriangleFlipFacing != 0)
		h.Instance = idx
		return h, ok
	})
	if !ok {
		return gpu.Intersection{}, false
	}
	return gpu.Intersection{
		T:                   hit.T,
		Barycentrics:        [2]float32{hit.U, hit.V},
		PrimitiveIndex:      hit.Primitive,
		InstanceIndex:       hit.Instance,
		InstanceCustomIndex: s.instances[hit.Instance].rec.CustomIndex,
	}, true
}

func (s *Structure) closestTriangle(r bvh.Ray, cull, flip bool) (bvh.Hit, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree == nil {
		return bvh.Hit{}, false
	}
	return s.tree.ClosestHit(r, func(prim int32, r bvh.Ray) (bvh.Hit, bool) {
		i0, i1, i2 := s.indices[3*prim], s.indices[3*prim+1], s.indices[3*prim+2]
		v0 := mgl32.Vec3{s.vertices[3*i0], s.vertices[3*i0+1], s.vertices[3*i0+2]}
		v1 := mgl32.Vec3{s.vertices[3*i1], s.vertices[3*i1+1], s.vertices[3*i1+2]}
		v2 := mgl32.Vec3{s.vertices[3*i2], s.vertices[3*i2+1], s.vertices[3*i2+2]}
		if flip {
			v1, v2 = v2, v1
		}
		t, u, v, ok := bvh.IntersectTriangle(r, v0, v1, v2, cull)
		if flip {
			u, v = v, u
		}
		return bvh.Hit{T: t, U: u, V: v, Primitive: prim}, ok
	})
}
