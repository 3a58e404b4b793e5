package gpu

import (
	"fmt"
	"sort"
	"strings"
)

// BindingTable owns the layout and the single set of the ray-query kernel.
type BindingTable struct {
	dev    Device
	layout BindingLayout
	set    BindingSet
}

func NewBindingTable(dev Device) *BindingTable {
	return &BindingTable{dev: dev}
}

func (t *BindingTable) Layout() BindingLayout { return t.layout }
func (t *BindingTable) Set() BindingSet       { return t.set }

// Declare creates the layout from Schema.
func (t *BindingTable) Declare() error {
	if t.layout != nil {
		return fmt.Errorf("%w: layout already declared", ErrInvalidState)
	}
	layout, err := t.dev.CreateBindingLayout("RayQuery BGL", Schema)
	if err != nil {
		return fmt.Errorf("create binding layout: %w", err)
	}
	t.layout = layout
	return nil
}

// Allocate allocates exactly one set from the declared layout.
func (t *BindingTable) Allocate() error {
	if t.layout == nil {
		return fmt.Errorf("%w: allocate before declare", ErrInvalidState)
	}
	if t.set != nil {
		return fmt.Errorf("%w: set already allocated", ErrInvalidState)
	}
	set, err := t.dev.AllocateBindingSet(t.layout)
	if err != nil {
		return fmt.Errorf("allocate binding set: %w", err)
	}
	t.set = set
	return nil
}

// Write fills every slot. The output is bound with its explicit byte range, the
// geometry buffers with WholeSize.
func (t *BindingTable) Write(out Buffer, tlas *TopLevel, vertices, indices Buffer) error {
	if t.set == nil {
		return fmt.Errorf("%w: write before allocate", ErrInvalidState)
	}
	if err := t.set.WriteBuffer(SlotOutput, out, 0, out.Size()); err != nil {
		return fmt.Errorf("bind %s: %w", SlotOutput, err)
	}
	if err := t.set.WriteAccelerationStructure(SlotScene, tlas.Structure); err != nil {
		return fmt.Errorf("bind %s: %w", SlotScene, err)
	}
	if err := t.set.WriteBuffer(SlotVertices, vertices, 0, WholeSize); err != nil {
		return fmt.Errorf("bind %s: %w", SlotVertices, err)
	}
	if err := t.set.WriteBuffer(SlotIndices, indices, 0, WholeSize); err != nil {
		return fmt.Errorf("bind %s: %w", SlotIndices, err)
	}
	return nil
}

// CheckInterface compares a kernel's reflected bindings with the layout entries:
// same slots, and per slot the same descriptor type and access.
func (t *BindingTable) CheckInterface(p *Program) error {
	entries := Schema
	if t.layout != nil {
		entries = t.layout.Entries()
	}
	return CompareInterface(entries, p.Interface)
}

func CompareInterface(want, got []LayoutEntry) error {
	bySlot := make(map[Slot]LayoutEntry, len(got))
	for _, e := range got {
		bySlot[e.Slot] = e
	}
	var problems []string
	seen := make(map[Slot]bool, len(want))
	for _, w := range want {
		seen[w.Slot] = true
		g, ok := bySlot[w.Slot]
		if !ok {
			problems = append(problems, fmt.Sprintf("slot %d (%s) not declared by kernel", w.Slot, w.Slot))
			continue
		}
		if g.Type != w.Type {
			problems = append(problems, fmt.Sprintf("slot %d: type %s, want %s", w.Slot, g.Type, w.Type))
		}
		if g.Access != w.Access {
			problems = append(problems, fmt.Sprintf("slot %d: access %s, want %s", w.Slot, g.Access, w.Access))
		}
	}
	var extra []int
	for s := range bySlot {
		if !seen[s] {
			extra = append(extra, int(s))
		}
	}
	sort.Ints(extra)
	for _, s := range extra {
		problems = append(problems, fmt.Sprintf("slot %d used by kernel but not in layout", s))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInterfaceMismatch, strings.Join(problems, "; "))
	}
	return nil
}

// Destroy releases the layout; the set goes with it.
func (t *BindingTable) Destroy() {
	if t.layout != nil {
		t.layout.Destroy()
		t.layout = nil
	}
	t.set = nil
}
