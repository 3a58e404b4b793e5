package webgpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

type cbState int

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
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
	case cbFreed:
		return "freed"
	}
	return "unknown"
}

// command runs at submit time. GPU commands go into the executor's encoder; host
// steps flush it first so queue order matches recording order.
type command func(x *executor) error

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
		return fmt.Errorf("webgpu: foreign buffer %T", dst)
	}
	if err := b.checkLive(); err != nil {
		return err
	}
	if !b.desc.Usage.Has(gpu.BufferUsageTransferDst) {
		return fmt.Errorf("webgpu: buffer %q lacks transfer-dst usage", b.desc.Label)
	}
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("webgpu: copy of %d bytes at %d overflows %q", len(data), offset, b.desc.Label)
	}
	staged := append([]byte(nil), data...)
	cb.dev.mu.Lock()
	cb.dev.staging += uint64(len(staged))
	cb.dev.mu.Unlock()
	cb.cmds = append(cb.cmds, func(x *executor) error {
		if err := x.flush(); err != nil {
			return err
		}
		return b.upload(offset, staged)
	})
	return nil
}

func (cb *CommandBuffer) BuildAccelerationStructure(info gpu.BuildGeometryInfo, ranges []gpu.BuildRange) error {
	if err := cb.expect(cbRecording, "build"); err != nil {
		return err
	}
	if len(ranges) != 1 || ranges[0].PrimitiveCount == 0 {
		return fmt.Errorf("%w: need one non-empty build range", gpu.ErrBuildRejected)
	}
	ranges = append([]gpu.BuildRange(nil), ranges...)
	cb.cmds = append(cb.cmds, func(x *executor) error {
		if err := x.flush(); err != nil {
			return err
		}
		return x.dev.build(info, ranges)
	})
	return nil
}

func (cb *CommandBuffer) BindPipeline(p gpu.Pipeline) error {
	if err := cb.expect(cbRecording, "bind pipeline"); err != nil {
		return err
	}
	wp, ok := p.(*Pipeline)
	if !ok {
		return fmt.Errorf("webgpu: foreign pipeline %T", p)
	}
	cb.pipeline = wp
	return nil
}

func (cb *CommandBuffer) BindSet(index uint32, set gpu.BindingSet) error {
	if err := cb.expect(cbRecording, "bind set"); err != nil {
		return err
	}
	if index != gpu.SetIndex {
		return fmt.Errorf("webgpu: set index %d, only %d is supported", index, gpu.SetIndex)
	}
	s, ok := set.(*Set)
	if !ok {
		return fmt.Errorf("webgpu: foreign binding set %T", set)
	}
	cb.set = s
	return nil
}

func (cb *CommandBuffer) Dispatch(x, y, z uint32) error {
	if err := cb.expect(cbRecording, "dispatch"); err != nil {
		return err
	}
	if cb.pipeline == nil || cb.set == nil {
		return fmt.Errorf("%w: dispatch needs a bound pipeline and set", gpu.ErrInvalidState)
	}
	if cb.set.layout != cb.pipeline.layout {
		return fmt.Errorf("webgpu: set layout %q does not belong to the pipeline", cb.set.layout.label)
	}
	lim := cb.dev.limits
	if x > lim.MaxWorkgroupCount[0] || y > lim.MaxWorkgroupCount[1] || z > lim.MaxWorkgroupCount[2] {
		return fmt.Errorf("%w: dispatch %dx%dx%d", gpu.ErrLimitExceeded, x, y, z)
	}
	p, s := cb.pipeline, cb.set
	cb.cmds = append(cb.cmds, func(ex *executor) error {
		bg, written, err := s.bindGroup()
		if err != nil {
			return err
		}
		enc, err := ex.encoder()
		if err != nil {
			return err
		}
		pass := enc.BeginComputePass(nil)
		pass.SetPipeline(p.pipeline)
		pass.SetBindGroup(gpu.SetIndex, bg, nil)
		pass.DispatchWorkgroups(x, y, z)
		pass.End()
		pass.Release()
		for _, b := range written {
			b.markDeviceWritten()
		}
		return nil
	})
	return nil
}

// MemoryBarrier with a host-read destination copies every host-visible buffer into
// its readback twin. Other barriers are implicit in WebGPU.
func (cb *CommandBuffer) MemoryBarrier(b gpu.MemoryBarrier) error {
	if err := cb.expect(cbRecording, "barrier"); err != nil {
		return err
	}
	if b.DstStage&gpu.StageHost == 0 || b.DstAccess&gpu.AccessHostRead == 0 {
		return nil
	}
	cb.cmds = append(cb.cmds, func(x *executor) error {
		enc, err := x.encoder()
		if err != nil {
			return err
		}
		for _, buf := range x.dev.liveHostVisible() {
			enc.CopyBufferToBuffer(buf.buf, 0, buf.readback, 0, alignedSize(buf.desc.Size))
			x.published = append(x.published, buf)
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
	x := &executor{dev: cb.dev}
	for i, c := range cb.cmds {
		if err := c(x); err != nil {
			x.abandon()
			return fmt.Errorf("command %d: %w", i, err)
		}
	}
	return x.flush()
}

type executor struct {
	dev       *Device
	enc       *wgpu.CommandEncoder
	published []*Buffer
}

func (x *executor) encoder() (*wgpu.CommandEncoder, error) {
	if x.enc == nil {
		enc, err := x.dev.device.CreateCommandEncoder(nil)
		if err != nil {
			return nil, fmt.Errorf("webgpu: create command encoder: %w", err)
		}
		x.enc = enc
	}
	return x.enc, nil
}

// flush submits the encoded work, if any.
func (x *executor) flush() error {
	if x.enc == nil {
		return nil
	}
	enc := x.enc
	x.enc = nil
	defer enc.Release()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("webgpu: finish command encoder: %w", err)
	}
	defer cmd.Release()
	// Submit only returns an index; validation errors surface on the next map or poll.
	x.dev.wq.Submit(cmd)
	for _, b := range x.published {
		b.markPublished()
	}
	x.published = nil
	return nil
}

func (x *executor) abandon() {
	if x.enc != nil {
		x.enc.Release()
		x.enc = nil
	}
	x.published = nil
}
