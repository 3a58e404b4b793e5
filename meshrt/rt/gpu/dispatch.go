package gpu

import (
	"fmt"
)

type DispatchState int

const (
	Idle DispatchState = iota
	Recording
	Submitted
	Complete
)

func (s DispatchState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Submitted:
		return "submitted"
	case Complete:
		return "complete"
	}
	return "unknown"
}

// DispatchController records the single ray-query dispatch and synchronizes it
// with the host. Out-of-order calls return ErrInvalidState.
type DispatchController struct {
	dev    Device
	logger Logger
	state  DispatchState
	cb     CommandBuffer
	groups [3]uint32

	// SkipBarrier omits the compute-to-host barrier. Test hook only.
	SkipBarrier bool
}

func NewDispatchController(dev Device, logger Logger) *DispatchController {
	return &DispatchController{dev: dev, logger: logger}
}

func (c *DispatchController) State() DispatchState  { return c.state }
func (c *DispatchController) Workgroups() [3]uint32 { return c.groups }

// CheckWorkgroupSize validates a kernel's work-group size against the device.
func CheckWorkgroupSize(lim Limits, size [3]uint32) error {
	total := uint64(1)
	for i := 0; i < 3; i++ {
		if size[i] == 0 {
			return fmt.Errorf("%w: work-group dimension %d is zero", ErrLimitExceeded, i)
		}
		if size[i] > lim.MaxWorkgroupSize[i] {
			return fmt.Errorf("%w: work-group size %v exceeds %v", ErrLimitExceeded, size, lim.MaxWorkgroupSize)
		}
		total *= uint64(size[i])
	}
	if total > uint64(lim.MaxWorkgroupInvocations) {
		return fmt.Errorf("%w: %d invocations per work-group exceeds %d", ErrLimitExceeded, total, lim.MaxWorkgroupInvocations)
	}
	return nil
}

// Record binds the pipeline and set, dispatches ceil(w/gw) x ceil(h/gh) x 1 groups
// and ends with a compute-to-host barrier.
func (c *DispatchController) Record(p Pipeline, set BindingSet, width, height uint32) (err error) {
	if c.state != Idle {
		return fmt.Errorf("%w: record in state %s", ErrInvalidState, c.state)
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("%w: empty image %dx%d", ErrLimitExceeded, width, height)
	}
	wg := p.Program().WorkgroupSize
	lim := c.dev.Limits()
	if err := CheckWorkgroupSize(lim, wg); err != nil {
		return err
	}
	groups := [3]uint32{(width + wg[0] - 1) / wg[0], (height + wg[1] - 1) / wg[1], 1}
	for i := 0; i < 3; i++ {
		if groups[i] > lim.MaxWorkgroupCount[i] {
			return fmt.Errorf("%w: %v work-groups exceeds %v", ErrLimitExceeded, groups, lim.MaxWorkgroupCount)
		}
	}

	cb, err := c.dev.NewCommandBuffer()
	if err != nil {
		return fmt.Errorf("allocate command buffer: %w", err)
	}
	defer func() {
		if err != nil {
			cb.Free()
		}
	}()
	if err = cb.Begin(); err != nil {
		return fmt.Errorf("begin command buffer: %w", err)
	}
	if err = cb.BindPipeline(p); err != nil {
		return fmt.Errorf("bind pipeline: %w", err)
	}
	if err = cb.BindSet(SetIndex, set); err != nil {
		return fmt.Errorf("bind set: %w", err)
	}
	if err = cb.Dispatch(groups[0], groups[1], groups[2]); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	if !c.SkipBarrier {
		if err = cb.MemoryBarrier(ComputeToHost); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
	}

	c.cb = cb
	c.groups = groups
	c.state = Recording
	if c.logger != nil {
		c.logger.Debugf("recorded dispatch %dx%dx%d (work-group %v) for %dx%d", groups[0], groups[1], groups[2], wg, width, height)
	}
	return nil
}

// Submit ends the command buffer and submits it without semaphores.
func (c *DispatchController) Submit() error {
	if c.state != Recording {
		return fmt.Errorf("%w: submit in state %s", ErrInvalidState, c.state)
	}
	if err := c.cb.End(); err != nil {
		c.abort()
		return fmt.Errorf("end command buffer: %w", err)
	}
	if err := c.dev.Queue().Submit(c.cb); err != nil {
		c.abort()
		return fmt.Errorf("submit: %w", err)
	}
	c.state = Submitted
	return nil
}

// Wait blocks until the queue is idle.
func (c *DispatchController) Wait() error {
	if c.state != Submitted {
		return fmt.Errorf("%w: wait in state %s", ErrInvalidState, c.state)
	}
	err := c.dev.Queue().WaitIdle()
	c.cb.Free()
	c.cb = nil
	if err != nil {
		c.state = Idle
		return fmt.Errorf("wait idle: %w", err)
	}
	c.state = Complete
	return nil
}

func (c *DispatchController) abort() {
	if c.cb != nil {
		c.cb.Free()
		c.cb = nil
	}
	c.state = Idle
}
