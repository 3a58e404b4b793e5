package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Camera is a fixed pinhole looking down -Z. FovVerticalSlope is tan(fov/2).
type Camera struct {
	Origin           mgl32.Vec3
	FovVerticalSlope float32
	TMin             float32
	TMax             float32
}

func DefaultCamera() Camera {
	return Camera{
		Origin:           mgl32.Vec3{-0.001, 1.0, 6.0},
		FovVerticalSlope: 0.2,
		TMin:             0.0,
		TMax:             10000.0,
	}
}

// ScreenUV maps the center of pixel (x, y) to [-aspect, aspect] x [-1, 1] with +y up.
func ScreenUV(x, y, width, height uint32) (float32, float32) {
	px := float32(x) + 0.5
	py := float32(y) + 0.5
	w := float32(width)
	h := float32(height)
	u := (2.0*px - w) / h
	v := -(2.0*py - h) / h
	return u, v
}

// Ray returns origin and normalized direction of the primary ray through pixel (x, y).
func (c Camera) Ray(x, y, width, height uint32) (mgl32.Vec3, mgl32.Vec3) {
	u, v := ScreenUV(x, y, width, height)
	dir := mgl32.Vec3{c.FovVerticalSlope * u, c.FovVerticalSlope * v, -1.0}.Normalize()
	return c.Origin, dir
}
