package kernel

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gekko3d/minipt/meshrt/rt/core"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
	"github.com/gekko3d/minipt/meshrt/rt/shaders"
)

// Params configure the primary-ray kernel.
type Params struct {
	Width         uint32
	Height        uint32
	WorkgroupSize [2]uint32
	Camera        core.Camera
	MissColor     [3]float32
	CullMask      uint8
}

func DefaultParams(width, height uint32) Params {
	return Params{
		Width:         width,
		Height:        height,
		WorkgroupSize: [2]uint32{16, 8},
		Camera:        core.DefaultCamera(),
		CullMask:      0xFF,
	}
}

// Barycentric builds the primary-ray program: one ray per pixel, coloured
// (1-u-v, u, v) on a hit and MissColor otherwise. The WGSL form is generated and
// reflected; the host form runs on the software device.
func Barycentric(p Params) (*gpu.Program, error) {
	src, err := shaders.Generate(shaders.Params{
		Width:            p.Width,
		Height:           p.Height,
		WorkgroupSize:    p.WorkgroupSize,
		CameraOrigin:     [3]float32(p.Camera.Origin),
		FovVerticalSlope: p.Camera.FovVerticalSlope,
		TMin:             p.Camera.TMin,
		TMax:             p.Camera.TMax,
		MissColor:        p.MissColor,
		CullMask:         p.CullMask,
	})
	if err != nil {
		return nil, err
	}
	refl, err := shaders.Reflect(src)
	if err != nil {
		return nil, fmt.Errorf("kernel: reflect generated WGSL: %w", err)
	}
	return &gpu.Program{
		Label:         "RayQuery Barycentric",
		EntryPoint:    refl.EntryPoint,
		WorkgroupSize: refl.WorkgroupSize,
		WGSL:          src,
		Host:          &barycentric{p: p},
		Interface:     refl.Interface,
	}, nil
}

type barycentric struct {
	p Params
}

func (k *barycentric) Invoke(inv gpu.Invocation, res gpu.Resources) {
	x, y := inv.GlobalID[0], inv.GlobalID[1]
	if x >= k.p.Width || y >= k.p.Height {
		return
	}

	origin, dir := k.p.Camera.Ray(x, y, k.p.Width, k.p.Height)
	color := k.p.MissColor
	if scene := res.Structure(gpu.SlotScene); scene != nil {
		hit, ok := scene.TraceClosest(origin, dir, k.p.Camera.TMin, k.p.Camera.TMax, gpu.RayFlagsOpaque, k.p.CullMask)
		if ok {
			u, v := hit.Barycentrics[0], hit.Barycentrics[1]
			color = [3]float32{1 - u - v, u, v}
		}
	}

	out := res.Storage(gpu.SlotOutput)
	base := 12 * (uint64(y)*uint64(k.p.Width) + uint64(x))
	for c := 0; c < 3; c++ {
		binary.LittleEndian.PutUint32(out[base+uint64(4*c):], math.Float32bits(color[c]))
	}
}
