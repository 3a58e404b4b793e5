package gpu

import (
	"fmt"
)

// OutputSize is the byte size of a width x height RGB float32 image.
func OutputSize(width, height uint32) uint64 {
	return uint64(width) * uint64(height) * 3 * 4
}

// OutputBufferDesc is host visible and cached so the host can read after the barrier.
func OutputBufferDesc(width, height uint32) BufferDesc {
	return BufferDesc{
		Label:  "Output",
		Size:   OutputSize(width, height),
		Usage:  BufferUsageStorage | BufferUsageTransferDst | BufferUsageMapRead,
		Memory: MemoryHostVisible | MemoryHostCached | MemoryHostCoherent,
	}
}

type ResultReader struct {
	out    Buffer
	width  uint32
	height uint32
	ctl    *DispatchController
}

// NewResultReader reads out once ctl reports Complete. A nil ctl skips the check.
func NewResultReader(out Buffer, width, height uint32, ctl *DispatchController) *ResultReader {
	return &ResultReader{out: out, width: width, height: height, ctl: ctl}
}

// Read maps the output and passes width*height*3 row-major RGB floats to fn.
func (r *ResultReader) Read(fn func(pixels []float32) error) error {
	return r.mapped(func(data []byte) error {
		return fn(BytesFloat32(data))
	})
}

// Pixels decodes the output into a new slice.
func (r *ResultReader) Pixels() ([]float32, error) {
	var out []float32
	err := r.mapped(func(data []byte) error {
		out = BytesFloat32(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ResultReader) mapped(fn func(data []byte) error) (err error) {
	if r.ctl != nil && r.ctl.State() != Complete {
		return fmt.Errorf("%w: controller is %s", ErrNotComplete, r.ctl.State())
	}
	want := OutputSize(r.width, r.height)
	if r.out.Size() < want {
		return fmt.Errorf("gpu: output buffer holds %d bytes, need %d", r.out.Size(), want)
	}
	data, err := r.out.Map()
	if err != nil {
		return fmt.Errorf("map output: %w", err)
	}
	defer func() {
		if uerr := r.out.Unmap(); uerr != nil && err == nil {
			err = fmt.Errorf("unmap output: %w", uerr)
		}
	}()
	return fn(data[:want])
}
