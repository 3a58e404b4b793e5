package soft

import (
	"fmt"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

type Layout struct {
	label     string
	entries   []gpu.LayoutEntry
	destroyed bool
}

func (l *Layout) Entries() []gpu.LayoutEntry { return l.entries }
func (l *Layout) Destroy()                   { l.destroyed = true }

func (l *Layout) entry(slot gpu.Slot) (gpu.LayoutEntry, bool) {
	for _, e := range l.entries {
		if e.Slot == slot {
			return e, true
		}
	}
	return gpu.LayoutEntry{}, false
}

type bufferBinding struct {
	buf    *Buffer
	offset uint64
	size   uint64
}

type Set struct {
	layout     *Layout
	buffers    map[gpu.Slot]bufferBinding
	structures map[gpu.Slot]*Structure
}

func newSet(l *Layout) *Set {
	return &Set{
		layout:     l,
		buffers:    make(map[gpu.Slot]bufferBinding),
		structures: make(map[gpu.Slot]*Structure),
	}
}

func (s *Set) Layout() gpu.BindingLayout { return s.layout }

func (s *Set) WriteBuffer(slot gpu.Slot, buf gpu.Buffer, offset, size uint64) error {
	e, ok := s.layout.entry(slot)
	if !ok {
		return fmt.Errorf("soft: slot %d not in layout %q", slot, s.layout.label)
	}
	if e.Type != gpu.DescriptorStorageBuffer {
		return fmt.Errorf("soft: slot %d expects %s, got storage buffer", slot, e.Type)
	}
	b, ok := buf.(*Buffer)
	if !ok {
		return fmt.Errorf("soft: foreign buffer %T", buf)
	}
	if err := b.checkLive(); err != nil {
		return err
	}
	if !b.desc.Usage.Has(gpu.BufferUsageStorage) {
		return fmt.Errorf("soft: buffer %q lacks storage usage", b.desc.Label)
	}
	if size == gpu.WholeSize {
		if offset > b.desc.Size {
			return fmt.Errorf("soft: offset %d beyond %q", offset, b.desc.Label)
		}
		size = b.desc.Size - offset
	}
	if offset+size > b.desc.Size {
		return fmt.Errorf("soft: range [%d, %d) beyond %q (%d bytes)", offset, offset+size, b.desc.Label, b.desc.Size)
	}
	s.buffers[slot] = bufferBinding{buf: b, offset: offset, size: size}
	return nil
}

func (s *Set) WriteAccelerationStructure(slot gpu.Slot, as gpu.AccelerationStructure) error {
	e, ok := s.layout.entry(slot)
	if !ok {
		return fmt.Errorf("soft: slot %d not in layout %q", slot, s.layout.label)
	}
	if e.Type != gpu.DescriptorAccelerationStructure {
		return fmt.Errorf("soft: slot %d expects %s, got acceleration structure", slot, e.Type)
	}
	st, ok := as.(*Structure)
	if !ok {
		return fmt.Errorf("soft: foreign acceleration structure %T", as)
	}
	if st.kind != gpu.AccelTopLevel {
		return fmt.Errorf("soft: slot %d needs a top-level structure, got %s", slot, st.kind)
	}
	s.structures[slot] = st
	return nil
}

// resources resolves every slot of the layout for one dispatch.
func (s *Set) resources() (*resources, error) {
	r := &resources{
		storage:    make(map[gpu.Slot][]byte, len(s.buffers)),
		structures: make(map[gpu.Slot]*Structure, len(s.structures)),
	}
	for _, e := range s.layout.entries {
		switch e.Type {
		case gpu.DescriptorStorageBuffer:
			bb, ok := s.buffers[e.Slot]
			if !ok {
				return nil, fmt.Errorf("soft: slot %d (%s) was never written", e.Slot, e.Slot)
			}
			data, err := bb.buf.deviceRange(bb.offset, bb.size)
			if err != nil {
				return nil, err
			}
			r.storage[e.Slot] = data
			if e.Access == gpu.AccessReadWrite {
				r.written = append(r.written, bb.buf)
			}
		case gpu.DescriptorAccelerationStructure:
			st, ok := s.structures[e.Slot]
			if !ok {
				return nil, fmt.Errorf("soft: slot %d (%s) was never written", e.Slot, e.Slot)
			}
			if err := st.checkBuilt(); err != nil {
				return nil, err
			}
			r.structures[e.Slot] = st
		}
	}
	return r, nil
}

type resources struct {
	storage    map[gpu.Slot][]byte
	structures map[gpu.Slot]*Structure
	written    []*Buffer
}

func (r *resources) Storage(slot gpu.Slot) []byte { return r.storage[slot] }

func (r *resources) Structure(slot gpu.Slot) gpu.RayQuery {
	if st, ok := r.structures[slot]; ok {
		return st
	}
	return nil
}

type Pipeline struct {
	prog   *gpu.Program
	layout *Layout
}

func (p *Pipeline) Program() *gpu.Program     { return p.prog }
func (p *Pipeline) Layout() gpu.BindingLayout { return p.layout }
func (p *Pipeline) Destroy()                  {}
