// Package app runs one render: scene in, HDR image out, with every device resource
// released before Render returns.
package app

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gekko3d/minipt/meshrt/rt/core"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
	"github.com/gekko3d/minipt/meshrt/rt/hdrout"
	"github.com/gekko3d/minipt/meshrt/rt/kernel"
	"github.com/gekko3d/minipt/meshrt/rt/obj"
)

const (
	DefaultWidth  = 800
	DefaultHeight = 600
)

var ErrBadConfig = errors.New("app: invalid render config")

type Config struct {
	Width         uint32
	Height        uint32
	WorkgroupSize [2]uint32
	Camera        core.Camera
	MissColor     [3]float32
	CullMask      uint8
}

func DefaultConfig() Config {
	p := kernel.DefaultParams(DefaultWidth, DefaultHeight)
	return Config{
		Width:         p.Width,
		Height:        p.Height,
		WorkgroupSize: p.WorkgroupSize,
		Camera:        p.Camera,
		MissColor:     p.MissColor,
		CullMask:      p.CullMask,
	}
}

func (c Config) Validate() error {
	if c.Width == 0 || c.Height == 0 {
		return fmt.Errorf("%w: image %dx%d", ErrBadConfig, c.Width, c.Height)
	}
	if c.WorkgroupSize[0] == 0 || c.WorkgroupSize[1] == 0 {
		return fmt.Errorf("%w: work-group %v", ErrBadConfig, c.WorkgroupSize)
	}
	if c.Camera.FovVerticalSlope <= 0 {
		return fmt.Errorf("%w: fov slope %v", ErrBadConfig, c.Camera.FovVerticalSlope)
	}
	if c.Camera.TMax <= c.Camera.TMin {
		return fmt.Errorf("%w: ray range [%v, %v]", ErrBadConfig, c.Camera.TMin, c.Camera.TMax)
	}
	return nil
}

// Params is the kernel configuration for this render.
func (c Config) Params() kernel.Params {
	return kernel.Params{
		Width:         c.Width,
		Height:        c.Height,
		WorkgroupSize: c.WorkgroupSize,
		Camera:        c.Camera,
		MissColor:     c.MissColor,
		CullMask:      c.CullMask,
	}
}

// LoadScene reads an OBJ file holding exactly one mesh and places it once.
func LoadScene(path string) (*core.Scene, error) {
	f, err := obj.Load(path)
	if err != nil {
		return nil, err
	}
	mesh, err := f.SingleMesh()
	if err != nil {
		return nil, err
	}
	return core.NewScene(mesh), nil
}

type Renderer struct {
	dev    gpu.Device
	cfg    Config
	logger gpu.Logger

	RunID    string
	Profiler *Profiler
}

func NewRenderer(dev gpu.Device, cfg Config, logger gpu.Logger) *Renderer {
	return &Renderer{
		dev:      dev,
		cfg:      cfg,
		logger:   logger,
		RunID:    uuid.NewString(),
		Profiler: NewProfiler(),
	}
}

func (r *Renderer) Config() Config { return r.cfg }

func (r *Renderer) debugf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Debugf("[%s] "+format, append([]any{r.RunID[:8]}, args...)...)
	}
}

// scope releases resources in reverse acquisition order.
type scope []func()

func (s *scope) add(fn func()) { *s = append(*s, fn) }

func (s *scope) release() {
	for i := len(*s) - 1; i >= 0; i-- {
		(*s)[i]()
	}
	*s = nil
}

// Render uploads the scene, builds both acceleration-structure levels, dispatches
// the kernel and returns the output image. The scene's camera is overridden by the
// renderer config.
func (r *Renderer) Render(scene *core.Scene) (*hdrout.Image, error) {
	if err := r.cfg.Validate(); err != nil {
		return nil, err
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}

	var res scope
	defer res.release()
	p := r.Profiler
	w, h := r.cfg.Width, r.cfg.Height
	p.SetCount("triangles", scene.Mesh.TriangleCount())
	p.SetCount("instances", len(scene.Instances))
	p.SetCount("pixels", int(w*h))

	end := p.Scope(StageUpload)
	geom, err := gpu.NewGeometryUploader(r.dev, r.logger).Upload(scene.Mesh)
	end()
	if err != nil {
		return nil, fmt.Errorf("upload geometry: %w", err)
	}
	res.add(geom.Destroy)

	builder := gpu.NewAccelBuilder(r.dev, r.logger)
	end = p.Scope(StageBLAS)
	blas, err := builder.BuildBottomLevel(geom)
	end()
	if err != nil {
		return nil, fmt.Errorf("build bottom level: %w", err)
	}
	res.add(blas.Destroy)

	instances := make([]gpu.Instance, len(scene.Instances))
	for i, t := range scene.Instances {
		instances[i] = gpu.DefaultInstance(blas.Address(), t.Affine())
	}
	end = p.Scope(StageTLAS)
	tlas, err := builder.BuildTopLevel(instances)
	end()
	if err != nil {
		return nil, fmt.Errorf("build top level: %w", err)
	}
	res.add(tlas.Destroy)

	end = p.Scope(StageBind)
	out, err := r.dev.CreateBuffer(gpu.OutputBufferDesc(w, h))
	if err != nil {
		end()
		return nil, fmt.Errorf("create output: %w", err)
	}
	res.add(out.Destroy)
	table := gpu.NewBindingTable(r.dev)
	res.add(table.Destroy)
	err = bind(table, out, tlas, geom)
	end()
	if err != nil {
		return nil, err
	}

	end = p.Scope(StagePipeline)
	pipe, err := r.pipeline(table)
	end()
	if err != nil {
		return nil, err
	}
	res.add(pipe.Destroy)

	end = p.Scope(StageDispatch)
	ctl := gpu.NewDispatchController(r.dev, r.logger)
	err = dispatch(ctl, pipe, table.Set(), w, h)
	end()
	if err != nil {
		return nil, err
	}
	groups := ctl.Workgroups()
	p.SetCount("workgroups", int(groups[0]*groups[1]*groups[2]))

	end = p.Scope(StageReadback)
	pixels, err := gpu.NewResultReader(out, w, h, ctl).Pixels()
	end()
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	r.debugf("rendered %dx%d, %d triangles, %d instances", w, h, scene.Mesh.TriangleCount(), len(instances))
	return hdrout.NewImage(int(w), int(h), pixels)
}

func bind(table *gpu.BindingTable, out gpu.Buffer, tlas *gpu.TopLevel, geom *gpu.Geometry) error {
	if err := table.Declare(); err != nil {
		return err
	}
	if err := table.Allocate(); err != nil {
		return err
	}
	return table.Write(out, tlas, geom.Vertices, geom.Indices)
}

func (r *Renderer) pipeline(table *gpu.BindingTable) (gpu.Pipeline, error) {
	prog, err := kernel.Barycentric(r.cfg.Params())
	if err != nil {
		return nil, fmt.Errorf("build kernel: %w", err)
	}
	if err := table.CheckInterface(prog); err != nil {
		return nil, err
	}
	pipe, err := r.dev.CreateComputePipeline(table.Layout(), prog)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	return pipe, nil
}

func dispatch(ctl *gpu.DispatchController, pipe gpu.Pipeline, set gpu.BindingSet, w, h uint32) error {
	if err := ctl.Record(pipe, set, w, h); err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	if err := ctl.Submit(); err != nil {
		return fmt.Errorf("submit dispatch: %w", err)
	}
	if err := ctl.Wait(); err != nil {
		return fmt.Errorf("wait dispatch: %w", err)
	}
	return nil
}

// Output names the files RenderFile writes. PreviewPath is optional.
type Output struct {
	HDRPath      string
	PreviewPath  string
	PreviewWidth int
}

// RenderFile loads an OBJ scene, renders it and writes the requested files.
func (r *Renderer) RenderFile(path string, out Output) (*hdrout.Image, error) {
	end := r.Profiler.Scope(StageParse)
	scene, err := LoadScene(path)
	end()
	if err != nil {
		return nil, err
	}
	img, err := r.Render(scene)
	if err != nil {
		return nil, err
	}

	defer r.Profiler.Scope(StageWrite)()
	if err := hdrout.WriteHDR(out.HDRPath, img); err != nil {
		return nil, fmt.Errorf("write %s: %w", out.HDRPath, err)
	}
	if out.PreviewPath != "" {
		if err := hdrout.WritePreview(out.PreviewPath, img, out.PreviewWidth); err != nil {
			return nil, fmt.Errorf("write %s: %w", out.PreviewPath, err)
		}
	}
	return img, nil
}
