// Package webgpu runs the ray-query kernel on a real GPU through wgpu. WebGPU has no
// hardware ray queries, so acceleration structures are built on the host and uploaded
// as the record layout the generated WGSL traverses.
package webgpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

const addressAlignment = 256

type Config struct {
	HighPerformance bool
	Logger          gpu.Logger
}

// DefaultLimits are the limits every WebGPU implementation guarantees.
func DefaultLimits() gpu.Limits {
	return gpu.Limits{
		MaxWorkgroupSize:        [3]uint32{256, 256, 64},
		MaxWorkgroupInvocations: 256,
		MaxWorkgroupCount:       [3]uint32{65535, 65535, 65535},
		MaxBufferSize:           256 << 20,
	}
}

// queue is the part of *wgpu.Queue the backend writes and submits through.
type queue interface {
	WriteBuffer(buffer *wgpu.Buffer, offset uint64, data []byte) error
	Submit(commands ...*wgpu.CommandBuffer) wgpu.SubmissionIndex
	Release()
}

type Device struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	wq       queue

	name   string
	limits gpu.Limits
	logger gpu.Logger

	mu         sync.Mutex
	nextAddr   uint64
	buffers    map[*Buffer]struct{}
	structures map[*Structure]struct{}
	staging    uint64
	lost       bool

	queue *Queue
}

var _ gpu.Device = (*Device)(nil)

func New(cfg Config) (*Device, error) {
	d := &Device{
		limits:     DefaultLimits(),
		logger:     cfg.Logger,
		nextAddr:   0x10000,
		buffers:    make(map[*Buffer]struct{}),
		structures: make(map[*Structure]struct{}),
	}

	d.instance = wgpu.CreateInstance(nil)
	pref := wgpu.PowerPreferenceLowPower
	if cfg.HighPerformance {
		pref = wgpu.PowerPreferenceHighPerformance
	}
	adapter, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: pref,
	})
	if err != nil {
		d.instance.Release()
		return nil, fmt.Errorf("webgpu: request adapter: %w", err)
	}
	d.adapter = adapter
	info := adapter.GetInfo()
	d.name = fmt.Sprintf("webgpu: %s (%s)", info.Name, info.BackendType)

	d.device, err = adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "RayQuery Device",
	})
	if err != nil {
		adapter.Release()
		d.instance.Release()
		return nil, fmt.Errorf("webgpu: request device: %w", err)
	}
	d.wq = d.device.GetQueue()
	d.queue = &Queue{dev: d}

	if d.logger != nil {
		d.logger.Infof("opened %s", d.name)
	}
	return d, nil
}

func (d *Device) Name() string       { return d.name }
func (d *Device) Limits() gpu.Limits { return d.limits }
func (d *Device) Queue() gpu.Queue   { return d.queue }

// StagingBytes reports upload bytes not yet released by ReleaseStaging.
func (d *Device) StagingBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.staging
}

func (d *Device) ReleaseStaging() {
	d.mu.Lock()
	d.staging = 0
	d.mu.Unlock()
}

func (d *Device) allocAddress(size uint64) gpu.DeviceAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.nextAddr
	d.nextAddr += (max(size, 1) + addressAlignment - 1) / addressAlignment * addressAlignment
	return gpu.DeviceAddress(addr)
}

func (d *Device) isLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *Device) NewCommandBuffer() (gpu.CommandBuffer, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	return &CommandBuffer{dev: d}, nil
}

// Destroy waits for the queue and releases every resource still alive.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	buffers := make([]*Buffer, 0, len(d.buffers))
	for b := range d.buffers {
		buffers = append(buffers, b)
	}
	structures := make([]*Structure, 0, len(d.structures))
	for s := range d.structures {
		structures = append(structures, s)
	}
	d.mu.Unlock()

	d.device.Poll(true, nil)
	for _, b := range buffers {
		b.Destroy()
	}
	for _, s := range structures {
		s.Destroy()
	}
	d.wq.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

// resolve finds the live buffer containing addr.
func (d *Device) resolve(addr gpu.DeviceAddress) (*Buffer, uint64, error) {
	if addr == 0 {
		return nil, 0, fmt.Errorf("webgpu: null device address")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for b := range d.buffers {
		if b.addr != 0 && addr >= b.addr && uint64(addr) < uint64(b.addr)+b.desc.Size {
			return b, uint64(addr - b.addr), nil
		}
	}
	return nil, 0, fmt.Errorf("webgpu: device address %#x does not resolve to a live buffer", uint64(addr))
}

func (d *Device) resolveStructure(addr gpu.DeviceAddress) (*Structure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.structures {
		if s.addr == addr {
			return s, nil
		}
	}
	return nil, fmt.Errorf("webgpu: device address %#x is not a live acceleration structure", uint64(addr))
}

func (d *Device) liveHostVisible() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Buffer
	for b := range d.buffers {
		if b.readback != nil {
			out = append(out, b)
		}
	}
	return out
}

// Queue submits recorded commands to the wgpu queue. Host-side steps (uploads and
// structure builds) run at submit time, in order with the encoded GPU work.
type Queue struct {
	dev *Device

	mu  sync.Mutex
	err error
}

func (q *Queue) Submit(c gpu.CommandBuffer) error {
	cb, ok := c.(*CommandBuffer)
	if !ok {
		return fmt.Errorf("webgpu: foreign command buffer %T", c)
	}
	if err := cb.expect(cbExecutable, "submit"); err != nil {
		return err
	}
	if q.dev.isLost() {
		return gpu.ErrDeviceLost
	}
	err := cb.execute()
	if err != nil {
		q.mu.Lock()
		if q.err == nil {
			q.err = err
		}
		q.mu.Unlock()
	}
	return nil
}

// WaitIdle blocks until submitted GPU work finishes and reports the first error
// since the last call.
func (q *Queue) WaitIdle() error {
	q.dev.device.Poll(true, nil)
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}
