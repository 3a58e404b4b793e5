package gpu

import (
	"errors"
	"fmt"

	"github.com/gekko3d/minipt/meshrt/rt/core"
)

type BottomLevel struct {
	Structure      AccelerationStructure
	PrimitiveCount uint32
	MaxVertex      uint32
	Sizes          BuildSizes
}

func (b *BottomLevel) Address() DeviceAddress { return b.Structure.Address() }

func (b *BottomLevel) Destroy() {
	if b.Structure != nil {
		b.Structure.Destroy()
	}
}

type TopLevel struct {
	Structure     AccelerationStructure
	Instances     Buffer
	InstanceCount uint32
	Sizes         BuildSizes
}

func (t *TopLevel) Destroy() {
	if t.Structure != nil {
		t.Structure.Destroy()
	}
	if t.Instances != nil {
		t.Instances.Destroy()
	}
}

// AccelBuilder builds the two-level acceleration structure. Every build is its own
// submit-and-wait so a top-level build never starts before its bottom levels finish.
type AccelBuilder struct {
	dev    Device
	logger Logger
}

func NewAccelBuilder(dev Device, logger Logger) *AccelBuilder {
	return &AccelBuilder{dev: dev, logger: logger}
}

// ValidateGeometry checks what a device build would otherwise read out of bounds.
func ValidateGeometry(mesh *core.Mesh) error {
	err := mesh.Validate()
	if errors.Is(err, core.ErrVertexStride) || errors.Is(err, core.ErrIndexStride) {
		return fmt.Errorf("%w: %w", ErrBadStride, err)
	}
	return err
}

func (b *AccelBuilder) BuildBottomLevel(geom *Geometry) (*BottomLevel, error) {
	if err := ValidateGeometry(geom.Mesh); err != nil {
		return nil, err
	}

	prims := uint32(geom.Mesh.TriangleCount())
	tri := &TrianglesDesc{
		VertexFormat: FormatR32G32B32Float,
		VertexData:   geom.Vertices.Address(),
		VertexStride: 3 * 4,
		MaxVertex:    uint32(geom.Mesh.VertexCount() - 1),
		IndexType:    IndexUint32,
		IndexData:    geom.Indices.Address(),
		Flags:        GeometryOpaque,
	}
	info := BuildGeometryInfo{
		Kind:      AccelBottomLevel,
		Flags:     BuildPreferFastTrace,
		Triangles: tri,
	}
	ranges := []BuildRange{{PrimitiveCount: prims}}

	as, sizes, err := b.build("BLAS", info, ranges)
	if err != nil {
		return nil, err
	}
	if b.logger != nil {
		b.logger.Debugf("built BLAS: %d triangles, max vertex %d, %d bytes", prims, tri.MaxVertex, sizes.StructureSize)
	}
	return &BottomLevel{Structure: as, PrimitiveCount: prims, MaxVertex: tri.MaxVertex, Sizes: sizes}, nil
}

// BuildTopLevel uploads the instance records and builds over them. The returned
// TopLevel owns the instance buffer.
func (b *AccelBuilder) BuildTopLevel(instances []Instance) (_ *TopLevel, err error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: no instances", ErrEmptyGeometry)
	}
	for i, in := range instances {
		if in.BLAS == 0 {
			return nil, fmt.Errorf("%w: instance %d has a null BLAS reference", ErrBuildRejected, i)
		}
	}
	data, err := EncodeInstances(instances)
	if err != nil {
		return nil, err
	}

	tl := &TopLevel{InstanceCount: uint32(len(instances))}
	defer func() {
		if err != nil {
			tl.Destroy()
		}
	}()

	tl.Instances, err = b.dev.CreateBuffer(BufferDesc{
		Label:  "Instances",
		Size:   uint64(len(data)),
		Usage:  BufferUsageBuildInput | BufferUsageDeviceAddress | BufferUsageTransferDst,
		Memory: MemoryDeviceLocal,
	})
	if err != nil {
		return nil, fmt.Errorf("create instance buffer: %w", err)
	}
	err = SubmitAndWait(b.dev, func(cb CommandBuffer) error {
		return cb.CopyToBuffer(tl.Instances, 0, data)
	})
	if err != nil {
		return nil, fmt.Errorf("upload instances: %w", err)
	}
	b.dev.ReleaseStaging()

	info := BuildGeometryInfo{
		Kind:      AccelTopLevel,
		Flags:     BuildPreferFastTrace,
		Instances: &InstancesDesc{Data: tl.Instances.Address()},
	}
	ranges := []BuildRange{{PrimitiveCount: tl.InstanceCount}}
	tl.Structure, tl.Sizes, err = b.build("TLAS", info, ranges)
	if err != nil {
		return nil, err
	}
	if b.logger != nil {
		b.logger.Debugf("built TLAS: %d instances, %d bytes", tl.InstanceCount, tl.Sizes.StructureSize)
	}
	return tl, nil
}

// build queries sizes, allocates the structure and scratch, records the build and
// waits for it. Scratch is released before returning.
func (b *AccelBuilder) build(label string, info BuildGeometryInfo, ranges []BuildRange) (AccelerationStructure, BuildSizes, error) {
	sizes, err := b.dev.BuildSizes(info, ranges)
	if err != nil {
		return nil, BuildSizes{}, fmt.Errorf("%s build sizes: %w", label, err)
	}

	as, err := b.dev.CreateAccelerationStructure(AccelDesc{Label: label, Kind: info.Kind, Size: sizes.StructureSize})
	if err != nil {
		return nil, sizes, fmt.Errorf("create %s: %w", label, err)
	}

	scratch, err := b.dev.CreateBuffer(BufferDesc{
		Label:  label + " scratch",
		Size:   max(sizes.ScratchSize, 4),
		Usage:  BufferUsageStorage | BufferUsageDeviceAddress,
		Memory: MemoryDeviceLocal,
	})
	if err != nil {
		as.Destroy()
		return nil, sizes, fmt.Errorf("create %s scratch: %w", label, err)
	}
	defer scratch.Destroy()

	info.Dst = as
	info.Scratch = scratch.Address()
	err = SubmitAndWait(b.dev, func(cb CommandBuffer) error {
		return cb.BuildAccelerationStructure(info, ranges)
	})
	if err != nil {
		as.Destroy()
		if !errors.Is(err, ErrBuildRejected) {
			err = fmt.Errorf("%w: %w", ErrBuildRejected, err)
		}
		return nil, sizes, fmt.Errorf("build %s: %w", label, err)
	}
	return as, sizes, nil
}
