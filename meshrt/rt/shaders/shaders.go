package shaders

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

//go:embed raytrace.wgsl.tmpl
var raytraceTemplate string

const (
	EntryPoint = "main"
	// StackSize bounds traversal depth per level in the generated kernel.
	StackSize = 32
	// AccelerationStructureType is the WGSL struct bound at acceleration-structure slots.
	AccelerationStructureType = "AccelerationStructure"
)

var ErrInvalidWGSL = errors.New("shaders: invalid WGSL")

var tmpl = template.Must(template.New("raytrace").Funcs(template.FuncMap{
	"f32": formatF32,
}).Parse(raytraceTemplate))

// Params are baked into the generated kernel as constants.
type Params struct {
	Width            uint32
	Height           uint32
	WorkgroupSize    [2]uint32
	CameraOrigin     [3]float32
	FovVerticalSlope float32
	TMin             float32
	TMax             float32
	MissColor        [3]float32
	CullMask         uint8
}

type binding struct {
	Binding uint32
	Access  string
	Name    string
	Type    string
}

type templateData struct {
	Params
	EntryPoint string
	StackSize  int
	Set        int
	Bindings   []binding
	Output     string
	Scene      string
	Vertices   string
	Indices    string
}

// elementType is the WGSL type declared for each slot.
var elementType = map[gpu.Slot]string{
	gpu.SlotOutput:   "array<f32>",
	gpu.SlotScene:    AccelerationStructureType,
	gpu.SlotVertices: "array<f32>",
	gpu.SlotIndices:  "array<u32>",
}

// Generate renders the ray-query kernel. Binding declarations come from gpu.Schema.
func Generate(p Params) (string, error) {
	if p.Width == 0 || p.Height == 0 {
		return "", fmt.Errorf("shaders: empty image %dx%d", p.Width, p.Height)
	}
	if p.WorkgroupSize[0] == 0 || p.WorkgroupSize[1] == 0 {
		return "", fmt.Errorf("shaders: work-group size %v", p.WorkgroupSize)
	}

	data := templateData{
		Params:     p,
		EntryPoint: EntryPoint,
		StackSize:  StackSize,
		Set:        gpu.SetIndex,
	}
	names := map[gpu.Slot]*string{
		gpu.SlotOutput:   &data.Output,
		gpu.SlotScene:    &data.Scene,
		gpu.SlotVertices: &data.Vertices,
		gpu.SlotIndices:  &data.Indices,
	}
	for _, e := range gpu.Schema {
		typ, ok := elementType[e.Slot]
		if !ok {
			return "", fmt.Errorf("shaders: no WGSL type for slot %s", e.Slot)
		}
		data.Bindings = append(data.Bindings, binding{
			Binding: uint32(e.Slot),
			Access:  e.Access.String(),
			Name:    e.Name,
			Type:    typ,
		})
		if dst, ok := names[e.Slot]; ok {
			*dst = e.Name
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("shaders: render: %w", err)
	}
	return buf.String(), nil
}

// formatF32 prints an abstract-float WGSL literal that round-trips to the same f32.
func formatF32(v float32) string {
	s := strconv.FormatFloat(float64(v), 'f', -1, 32)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
