package webgpu

import (
	"fmt"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

// Buffer is a wgpu storage buffer. Host-visible buffers get a MapRead twin that a
// host-read barrier copies into; build inputs keep a host shadow for structure
// builds.
type Buffer struct {
	dev  *Device
	desc gpu.BufferDesc
	addr gpu.DeviceAddress

	buf      *wgpu.Buffer
	readback *wgpu.Buffer

	mu          sync.Mutex
	shadow      []byte
	host        []byte
	mapped      bool
	deviceDirty bool
	published   bool
	destroyed   bool
}

var _ gpu.Buffer = (*Buffer)(nil)

// wgpuUsage maps backend-neutral usage onto wgpu usage for the device-side buffer.
func wgpuUsage(desc gpu.BufferDesc) wgpu.BufferUsage {
	u := wgpu.BufferUsageCopyDst
	if desc.Usage.Has(gpu.BufferUsageStorage) || desc.Usage.Has(gpu.BufferUsageBuildInput) {
		u |= wgpu.BufferUsageStorage
	}
	if desc.Usage.Has(gpu.BufferUsageTransferSrc) || desc.Memory.Has(gpu.MemoryHostVisible) {
		u |= wgpu.BufferUsageCopySrc
	}
	return u
}

// alignedSize rounds up to the 4-byte multiple wgpu requires for copies.
func alignedSize(n uint64) uint64 { return (n + 3) &^ 3 }

func (d *Device) CreateBuffer(desc gpu.BufferDesc) (gpu.Buffer, error) {
	if d.isLost() {
		return nil, gpu.ErrDeviceLost
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("webgpu: buffer %q has zero size", desc.Label)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("%w: buffer %q of %d bytes", gpu.ErrLimitExceeded, desc.Label, desc.Size)
	}

	b := &Buffer{dev: d, desc: desc}
	var err error
	b.buf, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  alignedSize(desc.Size),
		Usage: wgpuUsage(desc),
	})
	if err != nil {
		return nil, fmt.Errorf("webgpu: create buffer %q: %w", desc.Label, err)
	}
	if desc.Memory.Has(gpu.MemoryHostVisible) {
		b.readback, err = d.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: desc.Label + " Readback",
			Size:  alignedSize(desc.Size),
			Usage: wgpu.BufferUsageCopyDst | wgpu.BufferUsageMapRead,
		})
		if err != nil {
			b.buf.Release()
			return nil, fmt.Errorf("webgpu: create readback for %q: %w", desc.Label, err)
		}
		b.host = make([]byte, desc.Size)
	}
	if desc.Usage.Has(gpu.BufferUsageBuildInput) {
		b.shadow = make([]byte, desc.Size)
	}
	if desc.Usage.Has(gpu.BufferUsageDeviceAddress) {
		b.addr = d.allocAddress(desc.Size)
	}

	d.mu.Lock()
	d.buffers[b] = struct{}{}
	d.mu.Unlock()
	return b, nil
}

func (b *Buffer) Label() string              { return b.desc.Label }
func (b *Buffer) Size() uint64               { return b.desc.Size }
func (b *Buffer) Usage() gpu.BufferUsage     { return b.desc.Usage }
func (b *Buffer) Memory() gpu.MemoryProperty { return b.desc.Memory }
func (b *Buffer) Address() gpu.DeviceAddress { return b.addr }

// Map returns the host copy. When a barrier has published device writes since the
// last map, the readback buffer is mapped and copied in first.
func (b *Buffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("%w: map %q", gpu.ErrDestroyed, b.desc.Label)
	}
	if b.host == nil {
		return nil, fmt.Errorf("%w: %q", gpu.ErrNotMappable, b.desc.Label)
	}
	if b.mapped {
		return nil, fmt.Errorf("webgpu: %q is already mapped", b.desc.Label)
	}
	if b.published {
		if err := b.fetch(); err != nil {
			return nil, err
		}
		b.published = false
		b.deviceDirty = false
	}
	b.mapped = true
	return b.host, nil
}

func (b *Buffer) fetch() error {
	size := alignedSize(b.desc.Size)
	var status wgpu.BufferMapAsyncStatus
	done := false
	err := b.readback.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		done = true
	})
	if err != nil {
		return fmt.Errorf("webgpu: map %q: %w", b.desc.Label, err)
	}
	b.dev.device.Poll(true, nil)
	if !done || status != wgpu.BufferMapAsyncStatusSuccess {
		return fmt.Errorf("%w: map %q failed with status %v", gpu.ErrDeviceLost, b.desc.Label, status)
	}
	copy(b.host, b.readback.GetMappedRange(0, uint(size)))
	b.readback.Unmap()
	return nil
}

// Unmap writes host changes back unless device writes are still unpublished.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mapped {
		return nil
	}
	b.mapped = false
	if b.deviceDirty || b.destroyed {
		return nil
	}
	if err := b.dev.wq.WriteBuffer(b.buf, 0, padded(b.host)); err != nil {
		return fmt.Errorf("webgpu: write %q: %w", b.desc.Label, err)
	}
	return nil
}

func (b *Buffer) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	b.buf.Release()
	if b.readback != nil {
		b.readback.Release()
	}
	b.host, b.shadow = nil, nil
	b.mu.Unlock()

	b.dev.mu.Lock()
	delete(b.dev.buffers, b)
	b.dev.mu.Unlock()
}

func (b *Buffer) checkLive() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	return nil
}

// upload runs at submit time.
func (b *Buffer) upload(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	if offset%4 != 0 {
		return fmt.Errorf("webgpu: upload offset %d into %q is not 4-byte aligned", offset, b.desc.Label)
	}
	if err := b.dev.wq.WriteBuffer(b.buf, offset, padded(data)); err != nil {
		return fmt.Errorf("webgpu: write %q at %d: %w", b.desc.Label, offset, err)
	}
	if b.shadow != nil {
		copy(b.shadow[offset:], data)
	}
	if b.host != nil {
		b.deviceDirty = true
	}
	return nil
}

// readShadow copies size bytes of the host shadow from offset.
func (b *Buffer) readShadow(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	if b.shadow == nil {
		return nil, fmt.Errorf("buffer %q lacks build-input usage", b.desc.Label)
	}
	if offset+size > b.desc.Size {
		return nil, fmt.Errorf("read of %d bytes at %d overflows %q", size, offset, b.desc.Label)
	}
	return append([]byte(nil), b.shadow[offset:offset+size]...), nil
}

func (b *Buffer) markDeviceWritten() {
	b.mu.Lock()
	if b.host != nil {
		b.deviceDirty = true
	}
	b.mu.Unlock()
}

func (b *Buffer) markPublished() {
	b.mu.Lock()
	b.published = true
	b.mu.Unlock()
}

func padded(data []byte) []byte {
	if n := alignedSize(uint64(len(data))); n != uint64(len(data)) {
		out := make([]byte, n)
		copy(out, data)
		return out
	}
	return data
}
