package gpu

import "fmt"

// SubmitAndWait records fn into a fresh command buffer, submits it, blocks until the
// queue is idle and frees the command buffer on every path.
func SubmitAndWait(dev Device, fn func(cb CommandBuffer) error) error {
	cb, err := dev.NewCommandBuffer()
	if err != nil {
		return fmt.Errorf("allocate command buffer: %w", err)
	}
	defer cb.Free()

	if err := cb.Begin(); err != nil {
		return fmt.Errorf("begin command buffer: %w", err)
	}
	if err := fn(cb); err != nil {
		return err
	}
	if err := cb.End(); err != nil {
		return fmt.Errorf("end command buffer: %w", err)
	}
	if err := dev.Queue().Submit(cb); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if err := dev.Queue().WaitIdle(); err != nil {
		return fmt.Errorf("wait idle: %w", err)
	}
	return nil
}
