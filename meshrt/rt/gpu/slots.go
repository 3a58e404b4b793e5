package gpu

import "fmt"

// Slot is a binding number in set 0. Host binding code, WGSL generation and
// interface checks all read the same Schema.
type Slot uint32

const (
	SlotOutput   Slot = 0
	SlotScene    Slot = 1
	SlotVertices Slot = 2
	SlotIndices  Slot = 3
)

func (s Slot) String() string {
	switch s {
	case SlotOutput:
		return "output"
	case SlotScene:
		return "scene"
	case SlotVertices:
		return "vertices"
	case SlotIndices:
		return "indices"
	}
	return fmt.Sprintf("slot(%d)", uint32(s))
}

type DescriptorType int

const (
	DescriptorStorageBuffer DescriptorType = iota
	DescriptorAccelerationStructure
)

func (d DescriptorType) String() string {
	switch d {
	case DescriptorStorageBuffer:
		return "storage-buffer"
	case DescriptorAccelerationStructure:
		return "acceleration-structure"
	}
	return "unknown"
}

type BindingAccess int

const (
	AccessRead BindingAccess = iota
	AccessReadWrite
)

func (a BindingAccess) String() string {
	if a == AccessReadWrite {
		return "read_write"
	}
	return "read"
}

type ShaderStage uint32

const (
	ShaderStageCompute ShaderStage = 1 << iota
)

// LayoutEntry describes one binding. Name is the variable name used in WGSL and
// takes no part in interface matching.
type LayoutEntry struct {
	Slot   Slot
	Name   string
	Type   DescriptorType
	Access BindingAccess
	Stages ShaderStage
}

// SetIndex is the only descriptor set the renderer uses.
const SetIndex = 0

// Schema is the binding interface of the ray-query kernel.
var Schema = []LayoutEntry{
	{Slot: SlotOutput, Name: "imageData", Type: DescriptorStorageBuffer, Access: AccessReadWrite, Stages: ShaderStageCompute},
	{Slot: SlotScene, Name: "tlas", Type: DescriptorAccelerationStructure, Access: AccessRead, Stages: ShaderStageCompute},
	{Slot: SlotVertices, Name: "vertices", Type: DescriptorStorageBuffer, Access: AccessRead, Stages: ShaderStageCompute},
	{Slot: SlotIndices, Name: "indices", Type: DescriptorStorageBuffer, Access: AccessRead, Stages: ShaderStageCompute},
}

// SchemaEntry returns the schema entry for slot.
func SchemaEntry(slot Slot) (LayoutEntry, bool) {
	for _, e := range Schema {
		if e.Slot == slot {
			return e, true
		}
	}
	return LayoutEntry{}, false
}

type BindingLayout interface {
	Entries() []LayoutEntry
	Destroy()
}

// BindingSet maps slots to resources. Resources must outlive any dispatch using the set.
type BindingSet interface {
	Layout() BindingLayout
	WriteBuffer(slot Slot, buf Buffer, offset, size uint64) error
	WriteAccelerationStructure(slot Slot, as AccelerationStructure) error
}
