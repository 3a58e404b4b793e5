package shaders

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/wgsl"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

// Reflection is what a backend needs to know about a compute kernel.
type Reflection struct {
	EntryPoint    string
	WorkgroupSize [3]uint32
	Interface     []gpu.LayoutEntry
}

// Reflect parses, lowers and validates source with naga, then reads the compute
// entry point and the binding interface. Storage variables whose type is
// AccelerationStructureType are reported as acceleration-structure descriptors.
func Reflect(source string) (*Reflection, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidWGSL, err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("%w: lower: %w", ErrInvalidWGSL, err)
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("%w: validate: %w", ErrInvalidWGSL, err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, v := range verrs {
			msgs[i] = v.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidWGSL, strings.Join(msgs, "; "))
	}

	r := &Reflection{}
	for _, ep := range module.EntryPoints {
		if ep.Stage != ir.StageCompute {
			continue
		}
		if r.EntryPoint != "" {
			return nil, fmt.Errorf("%w: more than one compute entry point", ErrInvalidWGSL)
		}
		r.EntryPoint = ep.Name
		r.WorkgroupSize = ep.Workgroup
	}
	if r.EntryPoint == "" {
		return nil, fmt.Errorf("%w: no compute entry point", ErrInvalidWGSL)
	}

	r.Interface, err = bindings(ast)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func bindings(ast *wgsl.Module) ([]gpu.LayoutEntry, error) {
	var out []gpu.LayoutEntry
	for _, v := range ast.GlobalVars {
		group, slot, ok, err := resourceBinding(v.Attributes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidWGSL, v.Name, err)
		}
		if !ok {
			continue
		}
		if group != gpu.SetIndex {
			return nil, fmt.Errorf("%w: %s is in group %d, only %d is used", ErrInvalidWGSL, v.Name, group, gpu.SetIndex)
		}
		if v.AddressSpace != "storage" {
			return nil, fmt.Errorf("%w: %s uses address space %q", ErrInvalidWGSL, v.Name, v.AddressSpace)
		}

		e := gpu.LayoutEntry{
			Slot:   gpu.Slot(slot),
			Name:   v.Name,
			Type:   gpu.DescriptorStorageBuffer,
			Access: gpu.AccessRead,
			Stages: gpu.ShaderStageCompute,
		}
		switch v.AccessMode {
		case "", "read":
		case "read_write":
			e.Access = gpu.AccessReadWrite
		default:
			return nil, fmt.Errorf("%w: %s has access mode %q", ErrInvalidWGSL, v.Name, v.AccessMode)
		}
		if nt, ok := v.Type.(*wgsl.NamedType); ok && nt.Name == AccelerationStructureType {
			e.Type = gpu.DescriptorAccelerationStructure
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// resourceBinding reads @group(g) @binding(b). ok is false when neither is present.
func resourceBinding(attrs []wgsl.Attribute) (group, slot uint32, ok bool, err error) {
	var haveGroup, haveBinding bool
	for _, a := range attrs {
		switch a.Name {
		case "group":
			group, err = attrUint(a)
			haveGroup = true
		case "binding":
			slot, err = attrUint(a)
			haveBinding = true
		}
		if err != nil {
			return 0, 0, false, err
		}
	}
	if haveGroup != haveBinding {
		return 0, 0, false, fmt.Errorf("needs both @group and @binding")
	}
	return group, slot, haveGroup, nil
}

func attrUint(a wgsl.Attribute) (uint32, error) {
	if len(a.Args) != 1 {
		return 0, fmt.Errorf("@%s takes one argument", a.Name)
	}
	lit, ok := a.Args[0].(*wgsl.Literal)
	if !ok {
		return 0, fmt.Errorf("@%s argument must be a literal", a.Name)
	}
	v, err := strconv.ParseUint(strings.TrimRight(lit.Value, "ui"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("@%s: %w", a.Name, err)
	}
	return uint32(v), nil
}
