package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/device/serial"
	"github.com/gridfuse/gridfuse/dtype"
)

func TestAssignAdd(t *testing.T) {
	queues := serial.NewQueues(1)
	a, err := FromSlice(queues, []float32{1, 2, 3, 4, 5})
	require.NoError(t, err)
	b, err := FromSlice(queues, []float32{10, 20, 30, 40, 50})
	require.NoError(t, err)
	res, err := New[float32](queues, 5)
	require.NoError(t, err)

	require.NoError(t, res.Assign(Add(a, b)))
	got, err := res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44, 55}, got)
}

func TestAssignMultiDevice(t *testing.T) {
	for _, devs := range []int{2, 3} {
		queues := serial.NewQueues(devs)
		n := 100
		ah := make([]float64, n)
		bh := make([]float64, n)
		want := make([]float64, n)
		for i := range ah {
			ah[i] = float64(i)
			bh[i] = float64(2 * i)
			want[i] = float64(i) + float64(2*i)*3
		}
		a, err := FromSlice(queues, ah)
		require.NoError(t, err)
		b, err := FromSlice(queues, bh)
		require.NoError(t, err)
		res, err := New[float64](queues, n)
		require.NoError(t, err)

		require.NoError(t, res.Assign(Add(a, Mul(b, 3.0))))
		got, err := res.ToHost()
		require.NoError(t, err)
		assert.Equal(t, want, got, "%d devices", devs)
	}
}

func TestAssignCompilesOncePerShapeAndContext(t *testing.T) {
	queues := serial.NewQueues(2)
	a, _ := FromSlice(queues, ramp(40))
	b, _ := FromSlice(queues, ramp(40))
	x, _ := New[float64](queues, 40)
	y, _ := New[float64](queues, 40)

	require.NoError(t, x.Assign(Add(a, b)))
	require.NoError(t, y.Assign(Add(b, a)), "same shape, different operands")
	require.NoError(t, x.Assign(Add(x, b)))

	for _, q := range queues {
		ctx := q.Context().(*serial.Context)
		assert.Equal(t, 1, ctx.CompileCount(), "one compile per context for shape pvv")
	}

	// A structurally different expression compiles fresh.
	require.NoError(t, x.Assign(Mul(a, b)))
	for _, q := range queues {
		assert.Equal(t, 2, q.Context().(*serial.Context).CompileCount())
	}
}

func TestAssignScalarMixing(t *testing.T) {
	queues := serial.NewQueues(1)
	v, err := FromSlice(queues, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	res, err := New[float32](queues, 4)
	require.NoError(t, err)

	require.NoError(t, res.Assign(Add(Mul(v, float32(2)), float32(1))))
	got, err := res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 5, 7, 9}, got)

	require.NoError(t, res.Assign(Sub(float32(10), v)))
	got, err = res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 8, 7, 6}, got)
}

func TestAssignScalarFill(t *testing.T) {
	queues := serial.NewQueues(2)
	v, err := New[float32](queues, 70)
	require.NoError(t, err)

	require.NoError(t, v.Assign(float32(7)))
	got, err := v.ToHost()
	require.NoError(t, err)
	for i, x := range got {
		require.Equal(t, float32(7), x, "element %d", i)
	}
}

func TestAssignVectorCopiesThroughKernel(t *testing.T) {
	queues := serial.NewQueues(1)
	src, err := FromSlice(queues, []float64{5, 6, 7})
	require.NoError(t, err)
	dst, err := New[float64](queues, 3)
	require.NoError(t, err)

	require.NoError(t, dst.Assign(src))
	got, err := dst.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 6, 7}, got)
}

func TestAssignGridStrided(t *testing.T) {
	// Accelerator-class devices take the fixed-size grid-strided launch.
	queues := serial.NewQueues(2,
		serial.WithClass(device.Accelerator),
		serial.WithComputeUnits(1),
		serial.WithWorkGroupSize(2))
	n := 1000
	a, err := FromSlice(queues, ramp(n))
	require.NoError(t, err)
	res, err := New[float64](queues, n)
	require.NoError(t, err)

	require.NoError(t, res.Assign(Mul(a, 2.0)))
	got, err := res.ToHost()
	require.NoError(t, err)
	for i, x := range got {
		require.Equal(t, float64(2*i), x, "element %d", i)
	}
}

func TestCompoundAssign(t *testing.T) {
	queues := serial.NewQueues(1)
	v, err := FromSlice(queues, []float64{1, 2, 3})
	require.NoError(t, err)
	w, err := FromSlice(queues, []float64{10, 10, 10})
	require.NoError(t, err)

	require.NoError(t, v.AddAssign(w))
	got, _ := v.ToHost()
	assert.Equal(t, []float64{11, 12, 13}, got)

	require.NoError(t, v.SubAssign(1.0))
	got, _ = v.ToHost()
	assert.Equal(t, []float64{10, 11, 12}, got)

	require.NoError(t, v.MulAssign(2.0))
	got, _ = v.ToHost()
	assert.Equal(t, []float64{20, 22, 24}, got)

	require.NoError(t, v.DivAssign(w))
	got, _ = v.ToHost()
	assert.Equal(t, []float64{2, 2.2, 2.4}, got)
}

func TestAssignBuiltins(t *testing.T) {
	queues := serial.NewQueues(1)
	v, err := FromSlice(queues, []float64{1, 4, 9, 16})
	require.NoError(t, err)
	res, err := New[float64](queues, 4)
	require.NoError(t, err)

	require.NoError(t, res.Assign(Sqrt(v)))
	got, err := res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)

	require.NoError(t, res.Assign(Neg(v)))
	got, err = res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{-1, -4, -9, -16}, got)

	require.NoError(t, res.Assign(Fabs(Neg(v))))
	got, err = res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 4, 9, 16}, got)

	require.NoError(t, res.Assign(Floor(Sqrt(Add(v, 0.5)))))
	got, err = res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)
}

func TestAssignUserFunction(t *testing.T) {
	queues := serial.NewQueues(2)
	a, err := FromSlice(queues, []float64{1, 8, 3, 4, 9, 2, 7, 5})
	require.NoError(t, err)
	b, err := FromSlice(queues, []float64{5, 2, 6, 4, 1, 8, 3, 9})
	require.NoError(t, err)
	res, err := New[float64](queues, 8)
	require.NoError(t, err)

	greater := NewFunc(dtype.Float64, []dtype.DType{dtype.Float64, dtype.Float64},
		"return prm1 > prm2 ? prm1 : prm2;")
	require.NoError(t, res.Assign(greater.Call(a, b)))
	got, err := res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 8, 6, 4, 9, 8, 7, 9}, got)

	// A user function composes with operators like any other node.
	require.NoError(t, res.Assign(Mul(greater.Call(a, b), 10.0)))
	got, err = res.ToHost()
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 80, 60, 40, 90, 80, 70, 90}, got)
}

func TestAssignTopologyMismatch(t *testing.T) {
	qa := serial.NewQueues(2)
	qb := serial.NewQueues(2)

	a, err := FromSlice(qa, ramp(20))
	require.NoError(t, err)
	b, err := FromSlice(qb, ramp(20))
	require.NoError(t, err)
	res, err := New[float64](qa, 20)
	require.NoError(t, err)

	err = res.Assign(Add(a, b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queues")

	// Same queues but a different boundary table.
	c, err := New[float64](qa, 20, WithPartitioner(func(n int, _ []device.Queue) ([]int, error) {
		return []int{0, 4, n}, nil
	}))
	require.NoError(t, err)
	err = res.Assign(Add(a, c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition")
}

func TestAssignDeviceCountMismatch(t *testing.T) {
	qa := serial.NewQueues(1)
	qb := serial.NewQueues(2)

	a, err := FromSlice(qa, ramp(20))
	require.NoError(t, err)
	res, err := New[float64](qb, 20)
	require.NoError(t, err)

	err = res.Assign(Add(a, a))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devices")
}

func TestAssignEmptyVector(t *testing.T) {
	queues := serial.NewQueues(2)
	a, err := New[float32](queues, 0)
	require.NoError(t, err)
	res, err := New[float32](queues, 0)
	require.NoError(t, err)

	require.NoError(t, res.Assign(Add(a, a)), "zero-length assignment launches nothing")
}

func TestLaunchSize(t *testing.T) {
	cpu := serial.NewDevice(serial.WithWorkGroupSize(8))
	assert.Equal(t, 64, launchSize(cpu, 64, 8))
	assert.Equal(t, 64, launchSize(cpu, 60, 8), "rounded up to work-group multiple")
	assert.Equal(t, 8, launchSize(cpu, 1, 8))

	acc := serial.NewDevice(serial.WithClass(device.Accelerator),
		serial.WithComputeUnits(4), serial.WithWorkGroupSize(8))
	assert.Equal(t, 4*8*gridStrideFactor, launchSize(acc, 1_000_000, 8),
		"fixed launch independent of shard length")
}
