package gpu

type AccelKind int

const (
	AccelBottomLevel AccelKind = iota
	AccelTopLevel
)

func (k AccelKind) String() string {
	switch k {
	case AccelBottomLevel:
		return "bottom-level"
	case AccelTopLevel:
		return "top-level"
	}
	return "unknown"
}

type BuildFlags uint32

const (
	BuildPreferFastTrace BuildFlags = 1 << iota
	BuildPreferFastBuild
)

type VertexFormat int

const (
	FormatR32G32B32Float VertexFormat = iota
)

type IndexType int

const (
	IndexUint32 IndexType = iota
)

type GeometryFlags uint32

const (
	GeometryOpaque GeometryFlags = 1 << iota
)

// TrianglesDesc describes indexed triangle input for a bottom-level build.
type TrianglesDesc struct {
	VertexFormat  VertexFormat
	VertexData    DeviceAddress
	VertexStride  uint64
	MaxVertex     uint32
	IndexType     IndexType
	IndexData     DeviceAddress
	TransformData DeviceAddress
	Flags         GeometryFlags
}

// InstancesDesc points at an array of InstanceSize-byte instance records.
type InstancesDesc struct {
	Data DeviceAddress
}

type BuildRange struct {
	PrimitiveCount  uint32
	PrimitiveOffset uint32
	FirstVertex     uint32
	TransformOffset uint32
}

// BuildGeometryInfo carries exactly one of Triangles or Instances, matching Kind.
type BuildGeometryInfo struct {
	Kind      AccelKind
	Flags     BuildFlags
	Triangles *TrianglesDesc
	Instances *InstancesDesc
	Dst       AccelerationStructure
	Scratch   DeviceAddress
}

type BuildSizes struct {
	StructureSize uint64
	ScratchSize   uint64
}

type AccelDesc struct {
	Label string
	Kind  AccelKind
	Size  uint64
}

type AccelerationStructure interface {
	Label() string
	Kind() AccelKind
	Size() uint64
	Address() DeviceAddress
	Destroy()
}
