// Package soft is a host reference implementation of gpu.Device. Submissions run on
// a worker goroutine, work-groups run in parallel, and buffers keep separate device
// and host copies so that device writes reach a host mapping only through a
// memory barrier.
package soft

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

const addressAlignment = 256

type Config struct {
	Name string
	// Workers bounds concurrently executing work-groups. Zero means GOMAXPROCS.
	Workers int
	// Limits overrides DefaultLimits when non-zero.
	Limits gpu.Limits
}

func DefaultLimits() gpu.Limits {
	return gpu.Limits{
		MaxWorkgroupSize:        [3]uint32{256, 256, 64},
		MaxWorkgroupInvocations: 256,
		MaxWorkgroupCount:       [3]uint32{65535, 65535, 65535},
		MaxBufferSize:           1 << 30,
	}
}

// Stats counts device activity. Live counts exclude destroyed resources.
type Stats struct {
	Submits        int
	Builds         int
	Dispatches     int
	Barriers       int
	LiveBuffers    int
	LiveStructures int
	StagingBytes   uint64
}

type Device struct {
	name    string
	limits  gpu.Limits
	workers int

	mu         sync.Mutex
	nextAddr   uint64
	buffers    map[*Buffer]struct{}
	structures map[*Structure]struct{}
	stats      Stats
	lost       bool

	queue *Queue
}

var _ gpu.Device = (*Device)(nil)

func New(cfg Config) *Device {
	d := &Device{
		name:       cfg.Name,
		limits:     cfg.Limits,
		workers:    cfg.Workers,
		nextAddr:   0x10000,
		buffers:    make(map[*Buffer]struct{}),
		structures: make(map[*Structure]struct{}),
	}
	if d.name == "" {
		d.name = "soft"
	}
	if d.limits == (gpu.Limits{}) {
		d.limits = DefaultLimits()
	}
	if d.workers <= 0 {
		d.workers = runtime.GOMAXPROCS(0)
	}
	d.queue = newQueue(d)
	return d
}

func (d *Device) Name() string       { return d.name }
func (d *Device) Limits() gpu.Limits { return d.limits }
func (d *Device) Queue() gpu.Queue   { return d.queue }

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.LiveBuffers = len(d.buffers)
	s.LiveStructures = len(d.structures)
	return s
}

func (d *Device) count(fn func(s *Stats)) {
	d.mu.Lock()
	fn(&d.stats)
	d.mu.Unlock()
}

func (d *Device) allocAddress(size uint64) gpu.DeviceAddress {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := d.nextAddr
	span := (max(size, 1) + addressAlignment - 1) / addressAlignment * addressAlignment
	d.nextAddr += span
	return gpu.DeviceAddress(addr)
}

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("soft: buffer %q has zero size", desc.Label)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %q of %d bytes", gpu.ErrLimitExceeded, desc.Label, desc.Size)
	}
	b := &Buffer{
		dev:    d,
		desc:   desc,
		device: make([]byte, desc.Size),
	}
	if desc.Memory.Has(gpu.MemoryHostVisible) {
		b.host = make([]byte, desc.Size)
	}
	if desc.Usage.Has(gpu.BufferUsageDeviceAddress) {
		b.addr = d.allocAddress(desc.Size)
	}
	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

func (d *Device) NewCommandBuffer() (gpu.CommandBuffer, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	return &CommandBuffer{dev: d}, nil
}

func (d *Device) CreateBindingLayout(label string, entries []gpu.LayoutEntry) (gpu.BindingLayout, error) {
	seen := make(map[gpu.Slot]bool, len(entries))
	for _, e := range entries {
		if seen[e.Slot] {
			return nil, fmt.Errorf("soft: layout %q declares slot %d twice", label, e.Slot)
		}
		seen[e.Slot] = true
	}
	return &Layout{label: label, entries: append([]gpu.LayoutEntry(nil), entries...)}, nil
}

func (d *Device) AllocateBindingSet(layout gpu.BindingLayout) (gpu.BindingSet, error) {
	l, ok := layout.(*Layout)
	if !ok {
		return nil, fmt.Errorf("soft: foreign binding layout %T", layout)
	}
	if l.destroyed {
		return nil, gpu.ErrDestroyed
	}
	return newSet(l), nil
}

func (d *Device) CreateComputePipeline(layout gpu.BindingLayout, prog *gpu.Program) (gpu.Pipeline, error) {
	l, ok := layout.(*Layout)
	if !ok {
		return nil, fmt.Errorf("soft: foreign binding layout %T", layout)
	}
	if prog.Host == nil {
		return nil, fmt.Errorf("soft: program %q has no host kernel", prog.Label)
	}
	if err := gpu.CheckWorkgroupSize(d.limits, prog.WorkgroupSize); err != nil {
		return nil, err
	}
	if prog.Interface != nil {
		if err := gpu.CompareInterface(l.entries, prog.Interface); err != nil {
			return nil, err
		}
	}
	return &Pipeline{prog: prog, layout: l}, nil
}

// ReleaseStaging drops the bookkeeping for upload staging memory. The staged bytes
// themselves are owned by recorded commands and go away with the command buffers.
func (d *Device) ReleaseStaging() {
	d.count(func(s *Stats) { s.StagingBytes = 0 })
}

func (d *Device) isLost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

// Destroy waits for pending work and stops the queue worker. Resources still alive
// are released.
func (d *Device) Destroy() {
	d.mu.Lock()
	if d.lost {
		d.mu.Unlock()
		return
	}
	d.lost = true
	d.mu.Unlock()

	_ = d.queue.WaitIdle()
	d.queue.close()

	d.mu.Lock()
	d.buffers = map[*Buffer]struct{}{}
	d.structures = map[*Structure]struct{}{}
	d.mu.Unlock()
}

// resolve finds the live buffer containing addr.
func (d *Device) resolve(addr gpu.DeviceAddress) (*Buffer, uint64, error) {
	if addr == 0 {
		return nil, 0, fmt.Errorf("soft: null device address")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for b := range d.buffers {
		if b.addr != 0 && addr >= b.addr && uint64(addr) < uint64(b.addr)+b.desc.Size {
			return b, uint64(addr - b.addr), nil
		}
	}
	return nil, 0, fmt.Errorf("soft: device address %#x does not resolve to a live buffer", uint64(addr))
}

func (d *Device) resolveStructure(addr gpu.DeviceAddress) (*Structure, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for s := range d.structures {
		if s.addr == addr {
			return s, nil
		}
	}
	return nil, fmt.Errorf("soft: device address %#x is not a live acceleration structure", uint64(addr))
}

// liveHostVisible snapshots host-visible buffers for a barrier.
func (d *Device) liveHostVisible() []*Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Buffer
	for b := range d.buffers {
		if b.host != nil {
			out = append(out, b)
		}
	}
	return out
}
