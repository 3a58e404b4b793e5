package soft

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/minipt/meshrt/rt/bvh"
	"github.com/gekko3d/minipt/meshrt/rt/gpu"
)

var counterLayout = []gpu.LayoutEntry{
	{Slot: gpu.SlotOutput, Name: "out", Type: gpu.DescriptorStorageBuffer, Access: gpu.AccessReadWrite, Stages: gpu.ShaderStageCompute},
}

// writeIndex stores each invocation's linear index at its own word.
func writeIndex(width uint32) gpu.HostKernelFunc {
	return func(inv gpu.Invocation, res gpu.Resources) {
		if inv.GlobalID[0] >= width {
			return
		}
		i := inv.GlobalID[1]*width + inv.GlobalID[0]
		out := res.Storage(gpu.SlotOutput)
		if uint64(4*i) >= uint64(len(out)) {
			return
		}
		binary.LittleEndian.PutUint32(out[4*i:], i+1)
	}
}

func hostBuffer(t *testing.T, d *Device, size uint64) gpu.Buffer {
	t.Helper()
	b, err := d.CreateBuffer(gpu.BufferDesc{
		Label:  "out",
		Size:   size,
		Usage:  gpu.BufferUsageStorage | gpu.BufferUsageMapRead,
		Memory: gpu.MemoryHostVisible | gpu.MemoryHostCoherent,
	})
	require.NoError(t, err)
	return b
}

func counterPipeline(t *testing.T, d *Device, out gpu.Buffer, width uint32) (gpu.Pipeline, gpu.BindingSet) {
	t.Helper()
	layout, err := d.CreateBindingLayout("counter", counterLayout)
	require.NoError(t, err)
	set, err := d.AllocateBindingSet(layout)
	require.NoError(t, err)
	require.NoError(t, set.WriteBuffer(gpu.SlotOutput, out, 0, gpu.WholeSize))
	p, err := d.CreateComputePipeline(layout, &gpu.Program{
		Label:         "counter",
		WorkgroupSize: [3]uint32{4, 2, 1},
		Host:          writeIndex(width),
	})
	require.NoError(t, err)
	return p, set
}

func record(t *testing.T, d *Device, p gpu.Pipeline, set gpu.BindingSet, groups [3]uint32, barrier bool) gpu.CommandBuffer {
	t.Helper()
	cb, err := d.NewCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	require.NoError(t, cb.BindPipeline(p))
	require.NoError(t, cb.BindSet(gpu.SetIndex, set))
	require.NoError(t, cb.Dispatch(groups[0], groups[1], groups[2]))
	if barrier {
		require.NoError(t, cb.MemoryBarrier(gpu.ComputeToHost))
	}
	require.NoError(t, cb.End())
	return cb
}

func words(t *testing.T, b gpu.Buffer) []uint32 {
	t.Helper()
	data, err := b.Map()
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Unmap()) }()
	return gpu.BytesUint32(data)
}

func TestDispatchCoversGridThroughBarrier(t *testing.T) {
	d := New(Config{Workers: 3})
	defer d.Destroy()

	const w, h = 10, 5
	out := hostBuffer(t, d, 4*w*h)
	p, set := counterPipeline(t, d, out, w)

	cb := record(t, d, p, set, [3]uint32{3, 3, 1}, true)
	require.NoError(t, d.Queue().Submit(cb))
	require.NoError(t, d.Queue().WaitIdle())

	got := words(t, out)
	for i, v := range got {
		assert.Equal(t, uint32(i+1), v, "word %d", i)
	}
	s := d.Stats()
	assert.Equal(t, 1, s.Dispatches)
	assert.Equal(t, 1, s.Barriers)
	assert.Equal(t, 1, s.Submits)
}

func TestHostSeesNothingWithoutBarrier(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()

	out := hostBuffer(t, d, 4*8)
	p, set := counterPipeline(t, d, out, 4)

	cb := record(t, d, p, set, [3]uint32{1, 1, 1}, false)
	require.NoError(t, d.Queue().Submit(cb))
	require.NoError(t, d.Queue().WaitIdle())
	assert.Equal(t, make([]uint32, 8), words(t, out))

	// A later barrier publishes the earlier write.
	cb2, err := d.NewCommandBuffer()
	require.NoError(t, err)
	require.NoError(t, cb2.Begin())
	require.NoError(t, cb2.MemoryBarrier(gpu.ComputeToHost))
	require.NoError(t, cb2.End())
	require.NoError(t, d.Queue().Submit(cb2))
	require.NoError(t, d.Queue().WaitIdle())
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6, 7, 8}, words(t, out))
}

func TestSubmitRequiresEndedCommandBuffer(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()

	cb, err := d.NewCommandBuffer()
	require.NoError(t, err)
	assert.True(t, errors.Is(d.Queue().Submit(cb), gpu.ErrInvalidState))
	require.NoError(t, cb.Begin())
	assert.True(t, errors.Is(cb.Begin(), gpu.ErrInvalidState))
	assert.True(t, errors.Is(cb.Dispatch(1, 1, 1), gpu.ErrInvalidState))
}

func TestKernelPanicSurfacesAsDeviceLost(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()

	out := hostBuffer(t, d, 16)
	layout, err := d.CreateBindingLayout("panic", counterLayout)
	require.NoError(t, err)
	set, err := d.AllocateBindingSet(layout)
	require.NoError(t, err)
	require.NoError(t, set.WriteBuffer(gpu.SlotOutput, out, 0, gpu.WholeSize))
	p, err := d.CreateComputePipeline(layout, &gpu.Program{
		Label:         "panic",
		WorkgroupSize: [3]uint32{1, 1, 1},
		Host:          gpu.HostKernelFunc(func(gpu.Invocation, gpu.Resources) { panic("boom") }),
	})
	require.NoError(t, err)

	cb := record(t, d, p, set, [3]uint32{2, 1, 1}, true)
	require.NoError(t, d.Queue().Submit(cb))
	err = d.Queue().WaitIdle()
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
	// The error is reported once.
	assert.NoError(t, d.Queue().WaitIdle())
}

func TestUnwrittenSlotFailsDispatch(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()

	layout, err := d.CreateBindingLayout("counter", counterLayout)
	require.NoError(t, err)
	set, err := d.AllocateBindingSet(layout)
	require.NoError(t, err)
	p, err := d.CreateComputePipeline(layout, &gpu.Program{
		Label:         "counter",
		WorkgroupSize: [3]uint32{1, 1, 1},
		Host:          writeIndex(1),
	})
	require.NoError(t, err)

	cb := record(t, d, p, set, [3]uint32{1, 1, 1}, false)
	require.NoError(t, d.Queue().Submit(cb))
	assert.Error(t, d.Queue().WaitIdle())
}

func TestBufferLifecycle(t *testing.T) {
	d := New(Config{})

	_, err := d.CreateBuffer(gpu.BufferDesc{Label: "empty"})
	assert.Error(t, err)

	local, err := d.CreateBuffer(gpu.BufferDesc{Label: "local", Size: 64, Usage: gpu.BufferUsageStorage | gpu.BufferUsageDeviceAddress})
	require.NoError(t, err)
	assert.NotZero(t, local.Address())
	_, err = local.Map()
	assert.True(t, errors.Is(err, gpu.ErrNotMappable))

	host := hostBuffer(t, d, 16)
	assert.Zero(t, host.Address())
	assert.Equal(t, 2, d.Stats().LiveBuffers)

	local.Destroy()
	local.Destroy()
	_, err = local.Map()
	assert.True(t, errors.Is(err, gpu.ErrDestroyed))
	assert.Equal(t, 1, d.Stats().LiveBuffers)

	d.Destroy()
	_, err = d.CreateBuffer(gpu.BufferDesc{Label: "late", Size: 4})
	assert.True(t, errors.Is(err, gpu.ErrDeviceLost))
}

func TestAddressesDoNotOverlap(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()

	desc := gpu.BufferDesc{Size: 300, Usage: gpu.BufferUsageDeviceAddress}
	a, err := d.CreateBuffer(desc)
	require.NoError(t, err)
	b, err := d.CreateBuffer(desc)
	require.NoError(t, err)

	assert.Zero(t, uint64(a.Address())%addressAlignment)
	assert.GreaterOrEqual(t, uint64(b.Address()), uint64(a.Address())+300)

	got, off, err := d.resolve(a.Address() + 10)
	require.NoError(t, err)
	assert.Same(t, a.(*Buffer), got)
	assert.Equal(t, uint64(10), off)
}

func TestLayoutRejectsDuplicateSlots(t *testing.T) {
	d := New(Config{})
	defer d.Destroy()
	_, err := d.CreateBindingLayout("dup", append(counterLayout, counterLayout...))
	assert.Error(t, err)
}

func TestForEachGroupStopsAcrossRows(t *testing.T) {
	var all [][3]uint32
	forEachGroup([3]uint32{2, 2, 2}, func(g [3]uint32) bool {
		all = append(all, g)
		return true
	})
	require.Len(t, all, 8)
	assert.Equal(t, [3]uint32{1, 0, 0}, all[1])
	assert.Equal(t, [3]uint32{0, 1, 0}, all[2])
	assert.Equal(t, [3]uint32{1, 1, 1}, all[7])

	visited := 0
	forEachGroup([3]uint32{3, 4, 2}, func(g [3]uint32) bool {
		visited++
		return g != [3]uint32{0, 1, 0}
	})
	assert.Equal(t, 4, visited, "no group is visited after the stop")
}

func TestRequiredSizeWidensBeforeDoubling(t *testing.T) {
	const prims = 1 << 31
	nodes := uint64(1)<<32 - 1
	assert.Equal(t, nodes*bvh.NodeSize+uint64(prims)*triangleRecordSize, requiredSize(gpu.AccelBottomLevel, prims))
	assert.Equal(t, uint64(bvh.NodeSize+gpu.InstanceSize), requiredSize(gpu.AccelTopLevel, 1))
}
