package webgpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

type Layout struct {
	label   string
	entries []gpu.LayoutEntry
	bgl     *wgpu.BindGroupLayout
}

func (l *Layout) Entries() []gpu.LayoutEntry { return l.entries }

func (l *Layout) Destroy() {
	if l.bgl != nil {
		l.bgl.Release()
		l.bgl = nil
	}
}

// bufferBindingType maps a layout entry to the wgpu binding type. Acceleration
// structures are read-only storage buffers of records.
func bufferBindingType(e gpu.LayoutEntry) wgpu.BufferBindingType {
	if e.Type == gpu.DescriptorStorageBuffer && e.Access == gpu.AccessReadWrite {
		return wgpu.BufferBindingTypeStorage
	}
	return wgpu.BufferBindingTypeReadOnlyStorage
}

func (d *Device) CreateBindingLayout(label string, entries []gpu.LayoutEntry) (gpu.BindingLayout, error) {
	wentries := make([]wgpu.BindGroupLayoutEntry, 0, len(entries))
	seen := make(map[gpu.Slot]bool, len(entries))
	for _, e := range entries {
		if seen[e.Slot] {
			return nil, fmt.Errorf("webgpu: layout %q declares slot %d twice", label, e.Slot)
		}
		seen[e.Slot] = true
		wentries = append(wentries, wgpu.BindGroupLayoutEntry{
			Binding:    uint32(e.Slot),
			Visibility: wgpu.ShaderStageCompute,
			Buffer: wgpu.BufferBindingLayout{
				Type:             bufferBindingType(e),
				HasDynamicOffset: false,
			},
		})
	}
	bgl, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: wentries,
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create bind group layout %q: %w", label, err)
	}
	return &Layout{label: label, entries: append([]gpu.LayoutEntry(nil), entries...), bgl: bgl}, nil
}

type binding struct {
	buf    *wgpu.Buffer
	owner  *Buffer
	offset uint64
	size   uint64
	as     *Structure
}

// Set collects writes and creates the wgpu bind group on first use after a change.
type Set struct {
	dev      *Device
	layout   *Layout
	bindings map[gpu.Slot]binding
	group    *wgpu.BindGroup
}

func (d *Device) AllocateBindingSet(layout gpu.BindingLayout) (gpu.BindingSet, error) {
	l, ok := layout.(*Layout)
	if !ok {
		return nil, fmt.Errorf("webgpu: foreign binding layout %T", layout)
	}
	if l.bgl == nil {
		return nil, gpu.ErrDestroyed
	}
	return &Set{dev: d, layout: l, bindings: make(map[gpu.Slot]binding, len(l.entries))}, nil
}

func (s *Set) Layout() gpu.BindingLayout { return s.layout }

func (s *Set) entry(slot gpu.Slot) (gpu.LayoutEntry, error) {
	for _, e := range s.layout.entries {
		if e.Slot == slot {
			return e, nil
		}
	}
	return gpu.LayoutEntry{}, fmt.Errorf("webgpu: slot %d is not in layout %q", slot, s.layout.label)
}

func (s *Set) invalidate() {
	if s.group != nil {
		s.group.Release()
		s.group = nil
	}
}

func (s *Set) WriteBuffer(slot gpu.Slot, buf gpu.Buffer, offset, size uint64) error {
	e, err := s.entry(slot)
	if err != nil {
		return err
	}
	if e.Type != gpu.DescriptorStorageBuffer {
		return fmt.Errorf("webgpu: slot %d holds %s, not a buffer", slot, e.Type)
	}
	b, ok := buf.(*Buffer)
	if !ok {
		return fmt.Errorf("webgpu: foreign buffer %T", buf)
	}
	if !b.desc.Usage.Has(gpu.BufferUsageStorage) {
		return fmt.Errorf("webgpu: buffer %q lacks storage usage", b.desc.Label)
	}
	if size == gpu.WholeSize {
		size = b.desc.Size - offset
	}
	if offset+size > b.desc.Size {
		return fmt.Errorf("webgpu: range %d+%d overflows %q", offset, size, b.desc.Label)
	}
	s.invalidate()
	s.bindings[slot] = binding{buf: b.buf, owner: b, offset: offset, size: alignedSize(size)}
	return nil
}

func (s *Set) WriteAccelerationStructure(slot gpu.Slot, as gpu.AccelerationStructure) error {
	e, err := s.entry(slot)
	if err != nil {
		return err
	}
	if e.Type != gpu.DescriptorAccelerationStructure {
		return fmt.Errorf("webgpu: slot %d holds %s, not a structure", slot, e.Type)
	}
	st, ok := as.(*Structure)
	if !ok {
		return fmt.Errorf("webgpu: foreign structure %T", as)
	}
	if st.kind != gpu.AccelTopLevel {
		return fmt.Errorf("webgpu: slot %d needs a top-level structure, got %s", slot, st.kind)
	}
	s.invalidate()
	s.bindings[slot] = binding{buf: st.buf, as: st, size: alignedSize(st.size)}
	return nil
}

// bindGroup returns the bind group and the buffers the kernel may write.
func (s *Set) bindGroup() (*wgpu.BindGroup, []*Buffer, error) {
	entries := make([]wgpu.BindGroupEntry, 0, len(s.layout.entries))
	var written []*Buffer
	for _, e := range s.layout.entries {
		b, ok := s.bindings[e.Slot]
		if !ok {
			return nil, nil, fmt.Errorf("webgpu: slot %d (%s) was never written", e.Slot, e.Slot)
		}
		if b.as != nil {
			if err := b.as.checkBuilt(); err != nil {
				return nil, nil, err
			}
		} else if err := b.owner.checkLive(); err != nil {
			return nil, nil, err
		}
		entries = append(entries, wgpu.BindGroupEntry{
			Binding: uint32(e.Slot),
			Buffer:  b.buf,
			Offset:  b.offset,
			Size:    b.size,
		})
		if e.Access == gpu.AccessReadWrite && b.owner != nil {
			written = append(written, b.owner)
		}
	}
	if s.group == nil {
		bg, err := s.dev.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Label:   s.layout.label,
			Layout:  s.layout.bgl,
			Entries: entries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("webgpu: create bind group: %w", err)
		}
		s.group = bg
	}
	return s.group, written, nil
}

type Pipeline struct {
	prog     *gpu.Program
	layout   *Layout
	pipeline *wgpu.ComputePipeline
}

func (p *Pipeline) Program() *gpu.Program     { return p.prog }
func (p *Pipeline) Layout() gpu.BindingLayout { return p.layout }

func (p *Pipeline) Destroy() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
}

func (d *Device) CreateComputePipeline(layout gpu.BindingLayout, prog *gpu.Program) (gpu.Pipeline, error) {
	l, ok := layout.(*Layout)
	if !ok {
		return nil, fmt.Errorf("webgpu: foreign binding layout %T", layout)
	}
	if prog.WGSL == "" {
		return nil, fmt.Errorf("webgpu: program %q has no WGSL source", prog.Label)
	}
	if err := gpu.CheckWorkgroupSize(d.limits, prog.WorkgroupSize); err != nil {
		return nil, err
	}
	if err := gpu.CompareInterface(l.entries, prog.Interface); err != nil {
		return nil, err
	}

	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          prog.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: prog.WGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create shader module %q: %w", prog.Label, err)
	}
	defer module.Release()

	pl, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            prog.Label + " Layout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{l.bgl},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create pipeline layout: %w", err)
	}
	defer pl.Release()

	cp, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  prog.Label,
		Layout: pl,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: prog.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create compute pipeline %q: %w", prog.Label, err)
	}
	return &Pipeline{prog: prog, layout: l, pipeline: cp}, nil
}
