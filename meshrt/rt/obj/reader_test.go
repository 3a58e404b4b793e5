package obj

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quad = `# unit quad
o quad
usemtl white
s off
v 0 0 0
v 1 0 0
v 1 1 0
v 0 1 0
vt 0 0
vn 0 0 1
f 1/1/1 2/1/1 3/1/1 4/1/1
`

func TestReadQuadIsFanTriangulated(t *testing.T) {
	f, err := Read(strings.NewReader(quad), "quad.obj")
	require.NoError(t, err)

	assert.Equal(t, 4, f.VertexCount())
	assert.Equal(t, 2, f.TriangleCount())
	require.Len(t, f.Shapes, 1)
	assert.Equal(t, "quad", f.Shapes[0].Name)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, f.Shapes[0].Indices)

	m, err := f.SingleMesh()
	require.NoError(t, err)
	assert.NoError(t, m.Validate())
	assert.Equal(t, 2, m.TriangleCount())
}

func TestReadFaceForms(t *testing.T) {
	src := `
v 0 0 0
v 1 0 0
v 0 1 0
vt 0 0
vn 0 0 1
f 1 2 3
f 1/1 2/1 3/1
f 1//1 2//1 3//1
f -3 -2 -1   # relative to the end
`
	f, err := Read(strings.NewReader(src), "forms.obj")
	require.NoError(t, err)
	require.Len(t, f.Shapes, 1)
	assert.Equal(t, "default", f.Shapes[0].Name)
	assert.Equal(t, []uint32{0, 1, 2, 0, 1, 2, 0, 1, 2, 0, 1, 2}, f.Shapes[0].Indices)
	assert.Zero(t, f.Skipped)
}

func TestReadErrorsCarryLine(t *testing.T) {
	cases := map[string]string{
		"bad float":      "v 0 x 0\n",
		"short vertex":   "v 0 0\n",
		"short face":     "v 0 0 0\nf 1 1\n",
		"out of range":   "v 0 0 0\nv 1 0 0\nv 0 1 0\n\nf 1 2 4\n",
		"mixed forms":    "v 0 0 0\nv 1 0 0\nv 0 1 0\nvt 0 0\nf 1 2/1 3\n",
		"missing normal": "v 0 0 0\nv 1 0 0\nv 0 1 0\nf 1//1 2//1 3//1\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Read(strings.NewReader(src), "bad.obj")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "[bad.obj: ")
		})
	}

	_, err := Read(strings.NewReader("v 0 0 0\nv 1 0 0\nv 0 1 0\n\nf 1 2 4\n"), "bad.obj")
	assert.Contains(t, err.Error(), "[bad.obj: 5]")
}

func TestSingleMeshRequiresOneShape(t *testing.T) {
	two := quad + "g second\nf 1 2 3\n"
	f, err := Read(strings.NewReader(two), "two.obj")
	require.NoError(t, err)
	_, err = f.SingleMesh()
	assert.True(t, errors.Is(err, ErrShapeCount))

	empty, err := Read(strings.NewReader("v 0 0 0\n"), "empty.obj")
	require.NoError(t, err)
	_, err = empty.SingleMesh()
	assert.True(t, errors.Is(err, ErrShapeCount))

	// Groups without faces do not count.
	f, err = Read(strings.NewReader("g unused\n"+quad), "groups.obj")
	require.NoError(t, err)
	_, err = f.SingleMesh()
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quad.obj")
	require.NoError(t, os.WriteFile(path, []byte(quad), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, f.Name)
	assert.Equal(t, 2, f.Skipped)

	_, err = Load(filepath.Join(t.TempDir(), "missing.obj"))
	assert.Error(t, err)
}
