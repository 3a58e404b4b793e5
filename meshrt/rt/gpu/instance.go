package gpu

import (
	"encoding/binary"
	"fmt"
	"math"
)

// InstanceSize is the standard instance record:
//
//	float transform[3][4]            (48)
//	uint32 customIndex:24 | mask:8   (4)
//	uint32 sbtOffset:24 | flags:8    (4)
//	uint64 accelerationStructure     (8)
const InstanceSize = 64

type InstanceFlags uint8

const (
	InstanceTriangleFacingCullDisable InstanceFlags = 1 << iota
	InstanceTriangleFlipFacing
	InstanceForceOpaque
	InstanceForceNoOpaque
)

const max24 = 1<<24 - 1

type Instance struct {
	// Transform is object-to-world, row-major, last row implied (0, 0, 0, 1).
	Transform   [3][4]float32
	CustomIndex uint32
	Mask        uint8
	SBTOffset   uint32
	Flags       InstanceFlags
	BLAS        DeviceAddress
}

// DefaultInstance places blas with transform, visible to every cull mask and
// two-sided.
func DefaultInstance(blas DeviceAddress, transform [3][4]float32) Instance {
	return Instance{
		Transform:   transform,
		CustomIndex: 0,
		Mask:        0xFF,
		SBTOffset:   0,
		Flags:       InstanceTriangleFacingCullDisable,
		BLAS:        blas,
	}
}

func (in *Instance) PutBytes(buf []byte) error {
	if in.CustomIndex > max24 {
		return fmt.Errorf("gpu: instance custom index %d exceeds 24 bits", in.CustomIndex)
	}
	if in.SBTOffset > max24 {
		return fmt.Errorf("gpu: instance shader table offset %d exceeds 24 bits", in.SBTOffset)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			off := (r*4 + c) * 4
			binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(in.Transform[r][c]))
		}
	}
	binary.LittleEndian.PutUint32(buf[48:], in.CustomIndex|uint32(in.Mask)<<24)
	binary.LittleEndian.PutUint32(buf[52:], in.SBTOffset|uint32(in.Flags)<<24)
	binary.LittleEndian.PutUint64(buf[56:], uint64(in.BLAS))
	return nil
}

func DecodeInstance(buf []byte) Instance {
	var in Instance
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			off := (r*4 + c) * 4
			in.Transform[r][c] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		}
	}
	w := binary.LittleEndian.Uint32(buf[48:])
	in.CustomIndex = w & max24
	in.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(buf[52:])
	in.SBTOffset = w & max24
	in.Flags = InstanceFlags(w >> 24)
	in.BLAS = DeviceAddress(binary.LittleEndian.Uint64(buf[56:]))
	return in
}

func EncodeInstances(instances []Instance) ([]byte, error) {
	out := make([]byte, len(instances)*InstanceSize)
	for i := range instances {
		if err := instances[i].PutBytes(out[i*InstanceSize:]); err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return out, nil
}
