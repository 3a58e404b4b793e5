package minipt

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/minipt/meshrt/rt/app"
)

const (
	BackendSoft   = "soft"
	BackendWebGPU = "webgpu"
)

var ErrOptions = errors.New("options: invalid")

// Options is everything a render run reads from the command line.
type Options struct {
	Width      int
	Height     int
	WorkgroupW int
	WorkgroupH int

	CameraOrigin [3]float32
	FovSlope     float32
	MissColor    [3]float32

	Backend         string
	Workers         int
	HighPerformance bool

	ScenePath    string
	OutPath      string
	PreviewPath  string
	PreviewWidth int

	Debug bool
}

func DefaultOptions() Options {
	cfg := app.DefaultConfig()
	return Options{
		Width:        int(cfg.Width),
		Height:       int(cfg.Height),
		WorkgroupW:   int(cfg.WorkgroupSize[0]),
		WorkgroupH:   int(cfg.WorkgroupSize[1]),
		CameraOrigin: [3]float32(cfg.Camera.Origin),
		FovSlope:     cfg.Camera.FovVerticalSlope,
		MissColor:    cfg.MissColor,
		Backend:      BackendSoft,
		OutPath:      "out.hdr",
	}
}

func (o Options) Validate() error {
	var problems []string
	if o.Width <= 0 || o.Height <= 0 {
		problems = append(problems, fmt.Sprintf("image size %dx%d", o.Width, o.Height))
	}
	if o.WorkgroupW <= 0 || o.WorkgroupH <= 0 {
		problems = append(problems, fmt.Sprintf("work-group %dx%d", o.WorkgroupW, o.WorkgroupH))
	}
	if o.FovSlope <= 0 {
		problems = append(problems, fmt.Sprintf("fov slope %v", o.FovSlope))
	}
	switch o.Backend {
	case BackendSoft, BackendWebGPU:
	default:
		problems = append(problems, fmt.Sprintf("unknown backend %q", o.Backend))
	}
	if o.Workers < 0 {
		problems = append(problems, fmt.Sprintf("workers %d", o.Workers))
	}
	if o.ScenePath == "" {
		problems = append(problems, "missing scene file")
	}
	if !strings.EqualFold(filepath.Ext(o.OutPath), ".hdr") {
		problems = append(problems, fmt.Sprintf("output %q is not a .hdr file", o.OutPath))
	}
	if o.PreviewPath != "" && !strings.EqualFold(filepath.Ext(o.PreviewPath), ".png") {
		problems = append(problems, fmt.Sprintf("preview %q is not a .png file", o.PreviewPath))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrOptions, strings.Join(problems, "; "))
	}
	return nil
}

// RenderConfig converts to the renderer's config. Call Validate first.
func (o Options) RenderConfig() app.Config {
	cfg := app.DefaultConfig()
	cfg.Width = uint32(o.Width)
	cfg.Height = uint32(o.Height)
	cfg.WorkgroupSize = [2]uint32{uint32(o.WorkgroupW), uint32(o.WorkgroupH)}
	cfg.Camera.Origin = mgl32.Vec3(o.CameraOrigin)
	cfg.Camera.FovVerticalSlope = o.FovSlope
	cfg.MissColor = o.MissColor
	return cfg
}

func (o Options) Output() app.Output {
	return app.Output{HDRPath: o.OutPath, PreviewPath: o.PreviewPath, PreviewWidth: o.PreviewWidth}
}
