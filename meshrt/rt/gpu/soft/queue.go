package soft

import (
	"fmt"
	"sync"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

// Queue executes command buffers in submission order on one worker goroutine.
type Queue struct {
	dev     *Device
	work    chan *CommandBuffer
	pending sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

func newQueue(d *Device) *Queue {
	q := &Queue{
		dev:  d,
		work: make(chan *CommandBuffer, 16),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for cb := range q.work {
		err := cb.execute()
		cb.state = cbExecutable
		if err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
		q.pending.Done()
	}
}

func (q *Queue) Submit(c gpu.CommandBuffer) error {
	cb, ok := c.(*CommandBuffer)
	if !ok {
		return fmt.Errorf("soft: foreign command buffer %T", c)
	}
	if err := cb.expect(cbExecutable, "submit"); err != nil {
		return err
	}
	q.mu.Lock()
	if q.closed || q.dev.isLost() {
		q.mu.Unlock()
		return gpu.ErrDeviceLost
	}
	cb.state = cbPending
	q.pending.Add(1)
	q.mu.Unlock()

	q.dev.count(func(s *Stats) { s.Submits++ })
	q.work <- cb
	return nil
}

func (q *Queue) WaitIdle() error {
	q.pending.Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.work)
	<-q.done
}
