package gpu

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Device is the capability object every renderer component is constructed with.
// Backends: gpu/soft (host reference device) and gpu/webgpu.
type Device interface {
	Name() string
	Limits() Limits

	CreateBuffer(desc BufferDesc) (Buffer, error)
	NewCommandBuffer() (CommandBuffer, error)
	Queue() Queue

	BuildSizes(info BuildGeometryInfo, ranges []BuildRange) (BuildSizes, error)
	CreateAccelerationStructure(desc AccelDesc) (AccelerationStructure, error)

	CreateBindingLayout(label string, entries []LayoutEntry) (BindingLayout, error)
	AllocateBindingSet(layout BindingLayout) (BindingSet, error)
	CreateComputePipeline(layout BindingLayout, prog *Program) (Pipeline, error)

	// ReleaseStaging frees temporary upload memory. Only valid while the queue is idle.
	ReleaseStaging()
	Destroy()
}

type Limits struct {
	MaxWorkgroupSize        [3]uint32
	MaxWorkgroupInvocations uint32
	MaxWorkgroupCount       [3]uint32
	MaxBufferSize           uint64
}

type BufferUsage uint32

const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageTransferSrc
	BufferUsageTransferDst
	BufferUsageBuildInput
	BufferUsageDeviceAddress
	BufferUsageMapRead
)

func (u BufferUsage) Has(f BufferUsage) bool { return u&f == f }

type MemoryProperty uint32

const (
	MemoryDeviceLocal MemoryProperty = 1 << iota
	MemoryHostVisible
	MemoryHostCached
	MemoryHostCoherent
)

func (m MemoryProperty) Has(f MemoryProperty) bool { return m&f == f }

// DeviceAddress is a non-owning reference to device memory. Zero is null.
type DeviceAddress uint64

// WholeSize binds from offset to the end of the buffer.
const WholeSize = ^uint64(0)

type BufferDesc struct {
	Label  string
	Size   uint64
	Usage  BufferUsage
	Memory MemoryProperty
}

// Buffer is destroyed exactly once by whoever created it. A second Destroy is a no-op.
type Buffer interface {
	Label() string
	Size() uint64
	Usage() BufferUsage
	Memory() MemoryProperty
	Address() DeviceAddress
	// Map exposes host-visible memory. The slice is invalid after Unmap.
	Map() ([]byte, error)
	// Unmap publishes host writes to the device.
	Unmap() error
	Destroy()
}

type CommandBuffer interface {
	Begin() error
	// CopyToBuffer stages data in temporary memory and records a transfer into dst.
	CopyToBuffer(dst Buffer, offset uint64, data []byte) error
	BuildAccelerationStructure(info BuildGeometryInfo, ranges []BuildRange) error
	BindPipeline(p Pipeline) error
	BindSet(index uint32, set BindingSet) error
	Dispatch(x, y, z uint32) error
	MemoryBarrier(b MemoryBarrier) error
	End() error
	Free()
}

// Queue executes submissions asynchronously with respect to the caller.
type Queue interface {
	Submit(cb CommandBuffer) error
	// WaitIdle blocks until every submission completed and reports the first
	// execution failure since the previous WaitIdle.
	WaitIdle() error
}

type PipelineStage uint32

const (
	StageTransfer PipelineStage = 1 << iota
	StageAccelerationStructureBuild
	StageComputeShader
	StageHost
)

type AccessFlags uint32

const (
	AccessTransferWrite AccessFlags = 1 << iota
	AccessAccelerationStructureRead
	AccessAccelerationStructureWrite
	AccessShaderRead
	AccessShaderWrite
	AccessHostRead
)

// MemoryBarrier is a global barrier: writes in Src become visible to Dst.
type MemoryBarrier struct {
	SrcStage  PipelineStage
	SrcAccess AccessFlags
	DstStage  PipelineStage
	DstAccess AccessFlags
}

// ComputeToHost makes shader writes readable through host mappings.
var ComputeToHost = MemoryBarrier{
	SrcStage:  StageComputeShader,
	SrcAccess: AccessShaderWrite,
	DstStage:  StageHost,
	DstAccess: AccessHostRead,
}

type Pipeline interface {
	Program() *Program
	Layout() BindingLayout
	Destroy()
}

// Invocation identifies one kernel invocation inside a dispatch.
type Invocation struct {
	GlobalID    [3]uint32
	LocalID     [3]uint32
	WorkgroupID [3]uint32
}

// Resources resolves the slots of the bound set for a host kernel.
type Resources interface {
	// Storage returns the bound byte range of a storage buffer slot.
	Storage(slot Slot) []byte
	Structure(slot Slot) RayQuery
}

type HostKernel interface {
	Invoke(inv Invocation, res Resources)
}

type HostKernelFunc func(inv Invocation, res Resources)

func (f HostKernelFunc) Invoke(inv Invocation, res Resources) { f(inv, res) }

// Program is one compute kernel in every form a backend may need.
type Program struct {
	Label         string
	EntryPoint    string
	WorkgroupSize [3]uint32
	WGSL          string
	Host          HostKernel
	// Interface is the binding interface reflected from WGSL.
	Interface []LayoutEntry
}

type RayFlags uint32

const (
	RayFlagsNone                    RayFlags = 0
	RayFlagsOpaque                  RayFlags = 1
	RayFlagsCullBackFacingTriangles RayFlags = 2
)

// Intersection is the committed result of a ray query.
type Intersection struct {
	T                   float32
	Barycentrics        [2]float32
	PrimitiveIndex      int32
	InstanceIndex       int32
	InstanceCustomIndex uint32
}

// RayQuery is the host side of the acceleration-structure descriptor.
type RayQuery interface {
	TraceClosest(origin, dir mgl32.Vec3, tmin, tmax float32, flags RayFlags, cullMask uint8) (Intersection, bool)
}

// Logger is the subset of the application logger the renderer uses.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
}
