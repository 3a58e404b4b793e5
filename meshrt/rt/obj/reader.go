// Package obj reads the subset of Wavefront OBJ the renderer consumes: positions and
// faces, grouped into shapes by o/g statements. Texture coordinates and normals are
// accepted in face references but not kept.
package obj

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gekko3d/minipt/meshrt/rt/core"
)

var ErrShapeCount = errors.New("obj: expected exactly one shape with faces")

// Shape is a named run of triangles. Indices point into File.Positions.
type Shape struct {
	Name    string
	Indices []uint32
}

type File struct {
	Name      string
	Positions []float32
	Shapes    []*Shape
	// Skipped counts statements the reader does not interpret (vt, vn, usemtl, ...).
	Skipped int
}

func (f *File) VertexCount() int { return len(f.Positions) / 3 }

func (f *File) TriangleCount() int {
	n := 0
	for _, s := range f.Shapes {
		n += len(s.Indices) / 3
	}
	return n
}

// SingleMesh returns the one shape as a mesh sharing the file's position list.
func (f *File) SingleMesh() (*core.Mesh, error) {
	var found *Shape
	for _, s := range f.Shapes {
		if len(s.Indices) == 0 {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s has %q and %q", ErrShapeCount, f.Name, found.Name, s.Name)
		}
		found = s
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s has none", ErrShapeCount, f.Name)
	}
	return core.NewMesh(f.Positions, found.Indices)
}

// Load reads an OBJ file from disk.
func Load(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return Read(fh, path)
}

type reader struct {
	file     *File
	texCount int
	nrmCount int
	current  *Shape
}

// Read parses OBJ text. name is used in error messages only.
func Read(r io.Reader, name string) (*File, error) {
	rd := &reader{file: &File{Name: name}}

	lineNum := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		tokens := strings.Fields(line)
		if len(tokens) == 0 {
			continue
		}
		if err := rd.statement(tokens); err != nil {
			return nil, fmt.Errorf("[%s: %d] %w", name, lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("[%s: %d] %w", name, lineNum, err)
	}
	return rd.file, nil
}

func (r *reader) statement(tokens []string) error {
	switch tokens[0] {
	case "v":
		// v x y z [w], the optional w is dropped
		if len(tokens) != 4 && len(tokens) != 5 {
			return fmt.Errorf("unsupported syntax for 'v'; expected 3 arguments; got %d", len(tokens)-1)
		}
		for _, tok := range tokens[1:4] {
			v, err := strconv.ParseFloat(tok, 32)
			if err != nil {
				return fmt.Errorf("vertex coordinate %q: %w", tok, err)
			}
			r.file.Positions = append(r.file.Positions, float32(v))
		}
	case "vt":
		r.texCount++
	case "vn":
		r.nrmCount++
	case "o", "g":
		name := "default"
		if len(tokens) > 1 {
			name = strings.Join(tokens[1:], " ")
		}
		r.current = &Shape{Name: name}
		r.file.Shapes = append(r.file.Shapes, r.current)
	case "f":
		return r.face(tokens[1:])
	default:
		r.file.Skipped++
	}
	return nil
}

// face triangulates a polygon as a fan around its first vertex.
func (r *reader) face(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("unsupported syntax for 'f'; expected at least 3 arguments; got %d", len(args))
	}
	idx := make([]uint32, len(args))
	parts := -1
	for i, arg := range args {
		fields := strings.Split(arg, "/")
		if parts < 0 {
			parts = len(fields)
		} else if len(fields) != parts {
			return fmt.Errorf("expected each face argument to contain %d indices; arg %d contains %d", parts, i, len(fields))
		}
		if len(fields) > 3 {
			return fmt.Errorf("face argument %q has more than 3 indices", arg)
		}
		v, err := resolveIndex(fields[0], r.file.VertexCount())
		if err != nil {
			return fmt.Errorf("vertex index for face argument %d: %w", i, err)
		}
		if len(fields) > 1 && fields[1] != "" {
			if _, err := resolveIndex(fields[1], r.texCount); err != nil {
				return fmt.Errorf("tex coord index for face argument %d: %w", i, err)
			}
		}
		if len(fields) > 2 && fields[2] != "" {
			if _, err := resolveIndex(fields[2], r.nrmCount); err != nil {
				return fmt.Errorf("normal index for face argument %d: %w", i, err)
			}
		}
		idx[i] = v
	}

	if r.current == nil {
		r.current = &Shape{Name: "default"}
		r.file.Shapes = append(r.file.Shapes, r.current)
	}
	for i := 1; i+1 < len(idx); i++ {
		r.current.Indices = append(r.current.Indices, idx[0], idx[i], idx[i+1])
	}
	return nil
}

// resolveIndex turns a 1-based or negative (relative to the end) reference into a
// 0-based index below count.
func resolveIndex(tok string, count int) (uint32, error) {
	if tok == "" {
		return 0, fmt.Errorf("missing index")
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, err
	}
	switch {
	case n > 0 && n <= count:
		return uint32(n - 1), nil
	case n < 0 && -n <= count:
		return uint32(count + n), nil
	}
	return 0, fmt.Errorf("index %d out of range for %d entries", n, count)
}
