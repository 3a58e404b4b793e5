package soft

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

type cbState int

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbPending
	cbFreed
)

func (s cbState) String() string {
	switch s {
	case cbInitial:
		return "initial"
	case cbRecording:
		return "recording"
	case cbExecutable:
		return "executable"
	case cbPending:
		return "pending"
	case cbFreed:
		return "freed"
	}
	return "invalid"
}

type command func(d *Device) error

type CommandBuffer struct {
	dev      *Device
	state    cbState
	cmds     []command
	pipeline *Pipeline
	set      *Set
}

var _ gpu.CommandBuffer = (*CommandBuffer)(nil)

func (cb *CommandBuffer) expect(s cbState, op string) error {
	if cb.state != s {
		return fmt.Errorf("%w: %s on command buffer in state %s", gpu.ErrInvalidState, op, cb.state)
	}
	return nil
}

func (cb *CommandBuffer) Begin() error {
	if err := cb.expect(cbInitial, "begin"); err != nil {
		return err
	}
	cb.state = cbRecording
	return nil
}

func (cb *CommandBuffer) CopyToBuffer(dst gpu.Buffer, offset uint64, data []byte) error {
	if err := cb.expect(cbRecording, "copy"); err != nil {
		return err
	}
	b, ok := dst.(*Buffer)
	if !ok {
		return fmt.Errorf("soft: foreign buffer %T", dst)
	}
	if err := b.checkLive(); err != nil {
		return err
	}
	if !b.desc.Usage.Has(gpu.BufferUsageTransferDst) {
		return fmt.Errorf("soft: buffer %q lacks transfer-dst usage", b.desc.Label)
	}
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("soft: copy of %d bytes at %d overflows %q", len(data), offset, b.desc.Label)
	}
	staged := append([]byte(nil), data...)
	cb.dev.count(func(s *Stats) { s.StagingBytes += uint64(len(staged)) })
	cb.cmds = append(cb.cmds, func(d *Device) error {
		return b.writeDevice(offset, staged)
	})
	return nil
}

func (cb *CommandBuffer) BuildAccelerationStructure(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) error {
	if err := cb.expect(cbRecording, "build"); err != nil {
		return err
	}
	if _, err := primitiveCount(info, ranges); err != nil {
		return err
	}
	ranges = append([]gpu.BuildRange(nil), ranges...)
	cb.cmds = append(cb.cmds, func(d *Device) error {
		return d.build(info, ranges)
	})
	return nil
}

func (cb *CommandBuffer) BindPipeline(p gpu.Pipeline) error {
	if err := cb.expect(cbRecording, "bind pipeline"); err != nil {
		return err
	}
	sp, ok := p.(*Pipeline)
	if !ok {
		return fmt.Errorf("soft: foreign pipeline %T", p)
	}
	cb.pipeline = sp
	return nil
}

func (cb *CommandBuffer) BindSet(index uint32, set gpu.BindingSet) error {
	if err := cb.expect(cbRecording, "bind set"); err != nil {
		return err
	}
	if index != gpu.SetIndex {
		return fmt.Errorf("soft: set index %d, only %d is supported", index, gpu.SetIndex)
	}
	s, ok := set.(*Set)
	if !ok {
		return fmt.Errorf("soft: foreign binding set %T", set)
	}
	cb.set = s
	return nil
}

func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := cb.expect(cbRecording, "dispatch"); err != nil {
		return err
	}
	if cb.pipeline == nil {
		return fmt.Errorf("%w: dispatch without a bound pipeline", gpu.ErrInvalidState)
	}
	if cb.set == nil {
		return fmt.Errorf("%w: dispatch without a bound set", gpu.ErrInvalidState)
	}
	if cb.set.layout != cb.pipeline.layout {
		if err := gpu.CompareInterface(cb.pipeline.layout.entries, cb.set.layout.entries); err != nil {
			return fmt.Errorf("soft: set layout incompatible with pipeline: %w", err)
		}
	}
	lim := cb.dev.limits
	if x > lim.MaxWorkgroupCount[0] || y > lim.MaxWorkgroupCount[1] || z > lim.MaxWorkgroupCount[2] {
		return fmt.Errorf("%w: dispatch %dx%dx%d", gpu.ErrLimitExceeded, x, y, z)
	}
	p, s := cb.pipeline, cb.set
	groups := [3]uint32{x, y, z}
	cb.cmds = append(cb.cmds, func(d *Device) error {
		return d.dispatch(p, s, groups)
	})
	return nil
}

func (cb *CommandBuffer) MemoryBarrier(b gpu.MemoryBarrier) error {
	if err := cb.expect(cbRecording, "barrier"); err != nil {
		return err
	}
	cb.cmds = append(cb.cmds, func(d *Device) error {
		d.count(func(s *Stats) { s.Barriers++ })
		if b.DstStage&gpu.StageHost != 0 && b.DstAccess&gpu.AccessHostRead != 0 {
			for _, buf := range d.liveHostVisible() {
				buf.makeHostVisible()
			}
		}
		return nil
	})
	return nil
}

func (cb *CommandBuffer) End() error {
	if err := cb.expect(cbRecording, "end"); err != nil {
		return err
	}
	cb.state = cbExecutable
	return nil
}

func (cb *CommandBuffer) Free() {
	cb.state = cbFreed
	cb.cmds = nil
	cb.pipeline = nil
	cb.set = nil
}

func (cb *CommandBuffer) execute() error {
	for i, c := range cb.cmds {
		if err := c(cb.dev); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return nil
}

// forEachGroup visits work-group ids in x, y, z order until fn returns false.
func forEachGroup(groups [3]uint32, fn func(group [3]uint32) bool) {
	for gz := uint32(0); gz < groups[2]; gz++ {
		for gy := uint32(0); gy < groups[1]; gy++ {
			for gx := uint32(0); gx < groups[0]; gx++ {
				if !fn([3]uint32{gx, gy, gz}) {
					return
				}
			}
		}
	}
}

// dispatch runs every work-group of the grid, bounded by the device worker count.
func (d *Device) dispatch(p *Pipeline, s *Set, groups [3]uint32) error {
	res, err := s.resources()
	if err != nil {
		return err
	}
	wg := p.prog.WorkgroupSize
	kernel := p.prog.Host

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(d.workers)
	forEachGroup(groups, func(group [3]uint32) bool {
		if ctx.Err() != nil {
			return false
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: kernel %q panicked in work-group %v: %v\n%s",
						gpu.ErrDeviceLost, p.prog.Label, group, r, debug.Stack())
				}
			}()
			runWorkgroup(kernel, res, group, wg)
			return nil
		})
		return true
	})
	if err := g.Wait(); err != nil {
		return err
	}
	for _, b := range res.written {
		b.markDeviceWritten()
	}
	d.count(func(s *Stats) { s.Dispatches++ })
	return nil
}

func runWorkgroup(k gpu.HostKernel, res gpu.Resources, group, size [3]uint32) {
	var inv gpu.Invocation
	inv.WorkgroupID = group
	for lz := uint32(0); lz < size[2]; lz++ {
		for ly := uint32(0); ly < size[1]; ly++ {
			for lx := uint32(0); lx < size[0]; lx++ {
				inv.LocalID = [3]uint32{lx, ly, lz}
				inv.GlobalID = [3]uint32{
					group[0]*size[0] + lx,
					group[1]*size[1] + ly,
					group[2]*size[2] + lz,
				}
				k.Invoke(inv, res)
			}
		}
	}
}
