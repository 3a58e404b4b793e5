package soft

import (
	"fmt"
	"sync"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

// Buffer keeps the device copy separately from the host mapping. Device writes that
// have not passed a host-read barrier are flagged dirty, and host writes made while
// dirty are not flushed on Unmap.
type Buffer struct {
	dev  *Device
	desc gpu.BufferDesc
	addr gpu.DeviceAddress

	mu          sync.Mutex
	device      []byte
	host        []byte
	mapped      bool
	deviceDirty bool
	destroyed   bool
}

var _ gpu.Buffer = (*Buffer)(nil)

func (b *Buffer) Label() string              { return b.desc.Label }
func (b *Buffer) Size() uint64               { return b.desc.Size }
func (b *Buffer) Usage() gpu.BufferUsage     { return b.desc.Usage }
func (b *Buffer) Memory() gpu.MemoryProperty { return b.desc.Memory }
func (b *Buffer) Address() gpu.DeviceAddress { return b.addr }

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
		return nil, fmt.Errorf("soft: %q is already mapped", b.desc.Label)
	}
	b.mapped = true
	return b.host, nil
}

func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mapped {
		return nil
	}
	b.mapped = false
	if !b.deviceDirty {
		copy(b.device, b.host)
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
	b.device = nil
	b.host = nil
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

func (b *Buffer) writeDevice(offset uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	if offset+uint64(len(data)) > b.desc.Size {
		return fmt.Errorf("soft: write of %d bytes at %d overflows %q (%d bytes)", len(data), offset, b.desc.Label, b.desc.Size)
	}
	copy(b.device[offset:], data)
	if b.host != nil {
		b.deviceDirty = true
	}
	return nil
}

// readDevice copies size bytes of the device copy starting at offset.
func (b *Buffer) readDevice(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	if offset+size > b.desc.Size {
		return nil, fmt.Errorf("soft: read of %d bytes at %d overflows %q (%d bytes)", size, offset, b.desc.Label, b.desc.Size)
	}
	return append([]byte(nil), b.device[offset:offset+size]...), nil
}

// deviceRange returns the live device slice for kernel access.
func (b *Buffer) deviceRange(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, fmt.Errorf("%w: buffer %q", gpu.ErrDestroyed, b.desc.Label)
	}
	return b.device[offset : offset+size], nil
}

func (b *Buffer) markDeviceWritten() {
	b.mu.Lock()
	if b.host != nil {
		b.deviceDirty = true
	}
	b.mu.Unlock()
}

// makeHostVisible is the effect of a barrier with a host-read destination.
func (b *Buffer) makeHostVisible() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed || b.host == nil {
		return
	}
	copy(b.host, b.device)
	b.deviceDirty = false
}
