package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/gekko3d/minipt"
	"github.com/gekko3d/minipt/meshrt/rt/app"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
	"github.com/gekko3d/minipt/meshrt/rt/gpu/soft"
	"github.com/gekko3d/minipt/meshrt/rt/gpu/webgpu"
	"github.com/gekko3d/minipt/meshrt/rt/kernel"
)

func init() {
	// wgpu expects calls from one OS thread.
	runtime.LockOSThread()
}

var logger = minipt.NewDefaultLogger("meshrt", false)

func main() {
	defaults := minipt.DefaultOptions()
	sizeFlags := []cli.Flag{
		&cli.IntFlag{Name: "width", Value: defaults.Width, Usage: "frame width"},
		&cli.IntFlag{Name: "height", Value: defaults.Height, Usage: "frame height"},
		&cli.IntFlag{Name: "wg-x", Value: defaults.WorkgroupW, Usage: "work-group width"},
		&cli.IntFlag{Name: "wg-y", Value: defaults.WorkgroupH, Usage: "work-group height"},
		&cli.Float64SliceFlag{
			Name:  "origin",
			Value: cli.NewFloat64Slice(vec64(defaults.CameraOrigin)...),
			Usage: "camera origin x,y,z",
		},
		&cli.Float64Flag{Name: "fov-slope", Value: float64(defaults.FovSlope), Usage: "tan of half the vertical field of view"},
		&cli.Float64SliceFlag{
			Name:  "miss-color",
			Value: cli.NewFloat64Slice(vec64(defaults.MissColor)...),
			Usage: "radiance written where rays miss, r,g,b",
		},
	}
	deviceFlags := []cli.Flag{
		&cli.StringFlag{Name: "backend", Aliases: []string{"b"}, Value: defaults.Backend, Usage: "soft or webgpu"},
		&cli.IntFlag{Name: "workers", Usage: "soft backend work-group parallelism, 0 for GOMAXPROCS"},
		&cli.BoolFlag{Name: "high-performance", Usage: "prefer a discrete GPU adapter"},
	}

	application := &cli.App{
		Name:  "meshrt",
		Usage: "render a triangle mesh with GPU ray queries",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Before: func(c *cli.Context) error {
			logger.SetDebug(c.Bool("debug"))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "render",
				Usage: "render one frame of an OBJ scene to a Radiance HDR file",
				Description: `Load a Wavefront OBJ file holding a single mesh, build its bottom and top level
acceleration structures, trace one primary ray per pixel and write the
barycentric radiance as an unclamped .hdr image.`,
				ArgsUsage: "scene.obj",
				Flags: append(append(append([]cli.Flag{}, sizeFlags...), deviceFlags...),
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: defaults.OutPath, Usage: "HDR output file"},
					&cli.StringFlag{Name: "preview", Usage: "optional gamma-corrected PNG preview file"},
					&cli.IntFlag{Name: "preview-width", Usage: "downscale the preview to this width"},
				),
				Action: renderFrame,
			},
			{
				Name:   "kernel",
				Usage:  "print the generated WGSL kernel and its binding interface",
				Flags:  sizeFlags,
				Action: printKernel,
			},
			{
				Name:   "devices",
				Usage:  "list available backends and their limits",
				Flags:  deviceFlags[1:],
				Action: listDevices,
			},
		},
	}

	if err := application.Run(os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func vec64(v [3]float32) []float64 {
	return []float64{float64(v[0]), float64(v[1]), float64(v[2])}
}

func vec3(c *cli.Context, name string) ([3]float32, error) {
	v := c.Float64Slice(name)
	if len(v) != 3 {
		return [3]float32{}, fmt.Errorf("--%s needs 3 components, got %d", name, len(v))
	}
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}, nil
}

func readOptions(c *cli.Context) (minipt.Options, error) {
	o := minipt.DefaultOptions()
	o.Width = c.Int("width")
	o.Height = c.Int("height")
	o.WorkgroupW = c.Int("wg-x")
	o.WorkgroupH = c.Int("wg-y")
	o.FovSlope = float32(c.Float64("fov-slope"))
	var err error
	if o.CameraOrigin, err = vec3(c, "origin"); err != nil {
		return o, err
	}
	if o.MissColor, err = vec3(c, "miss-color"); err != nil {
		return o, err
	}
	o.Backend = c.String("backend")
	o.Workers = c.Int("workers")
	o.HighPerformance = c.Bool("high-performance")
	o.ScenePath = c.Args().First()
	o.OutPath = c.String("out")
	o.PreviewPath = c.String("preview")
	o.PreviewWidth = c.Int("preview-width")
	o.Debug = c.Bool("debug")
	return o, nil
}

func openDevice(backend string, workers int, highPerf bool) (gpu.Device, error) {
	switch backend {
	case minipt.BackendSoft:
		return soft.New(soft.Config{Workers: workers}), nil
	case minipt.BackendWebGPU:
		dev, err := webgpu.New(webgpu.Config{HighPerformance: highPerf, Logger: logger.Named("webgpu")})
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
	return nil, fmt.Errorf("unknown backend %q", backend)
}

func renderFrame(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("missing scene file argument")
	}
	opts, err := readOptions(c)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}

	dev, err := openDevice(opts.Backend, opts.Workers, opts.HighPerformance)
	if err != nil {
		return err
	}
	defer dev.Destroy()

	r := app.NewRenderer(dev, opts.RenderConfig(), logger.Named("render"))
	logger.Infof("run %s: rendering %s at %dx%d on %s", r.RunID, opts.ScenePath, opts.Width, opts.Height, dev.Name())
	start := time.Now()
	if _, err := r.RenderFile(opts.ScenePath, opts.Output()); err != nil {
		return err
	}
	logger.Infof("wrote %s in %s", opts.OutPath, time.Since(start).Round(time.Millisecond))

	var sb bytes.Buffer
	if err := r.Profiler.WriteTable(&sb, r.RunID); err != nil {
		return err
	}
	logger.Infof("frame statistics\n%s", sb.String())
	return nil
}

func printKernel(c *cli.Context) error {
	opts, err := readOptions(c)
	if err != nil {
		return err
	}
	prog, err := kernel.Barycentric(opts.RenderConfig().Params())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, prog.WGSL)

	table := tablewriter.NewWriter(c.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Slot", "Name", "Type", "Access"})
	for _, e := range prog.Interface {
		table.Append([]string{fmt.Sprintf("%d", e.Slot), e.Name, e.Type.String(), e.Access.String()})
	}
	table.SetFooter([]string{"", "", "entry " + prog.EntryPoint, fmt.Sprintf("wg %v", prog.WorkgroupSize)})
	table.Render()
	return nil
}

func listDevices(c *cli.Context) error {
	table := tablewriter.NewWriter(c.App.Writer)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Backend", "Device", "Max invocations", "Max buffer", "Status"})
	for _, backend := range []string{minipt.BackendSoft, minipt.BackendWebGPU} {
		dev, err := openDevice(backend, c.Int("workers"), c.Bool("high-performance"))
		if err != nil {
			table.Append([]string{backend, "", "", "", err.Error()})
			continue
		}
		lim := dev.Limits()
		table.Append([]string{
			backend,
			dev.Name(),
			fmt.Sprintf("%d", lim.MaxWorkgroupInvocations),
			fmt.Sprintf("%d MiB", lim.MaxBufferSize>>20),
			"ok",
		})
		dev.Destroy()
	}
	table.Render()
	return nil
}
