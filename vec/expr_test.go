package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/gridfuse/device/serial"
	"github.com/gridfuse/gridfuse/dtype"
)

func TestKernelNames(t *testing.T) {
	queues := serial.NewQueues(1)
	a, err := FromSlice(queues, []float32{1, 2, 3})
	require.NoError(t, err)
	b, err := FromSlice(queues, []float32{4, 5, 6})
	require.NoError(t, err)
	c, err := FromSlice(queues, []float32{7, 8, 9})
	require.NoError(t, err)

	tests := []struct {
		expr Node
		name string
	}{
		{Add(a, b), "pvv"},
		{Sub(a, b), "mvv"},
		{Mul(a, b), "tvv"},
		{Div(a, b), "dvv"},
		{Add(a, Add(b, c)), "pvpvv"},
		{Add(Add(a, b), c), "ppvvv"},
		{Add(a, float32(3)), "pvc"},
		{Add(3, a), "pcv"},
		{Mul(Add(a, b), Sub(a, c)), "tpvvmvv"},
		{Neg(a), "negv"},
		{Sqrt(Add(a, b)), "sqrtpvv"},
		{Fabs(Neg(a)), "fabsnegv"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.name, tc.expr.KernelName())
	}
}

func TestKernelNameDistinguishesAssociativity(t *testing.T) {
	queues := serial.NewQueues(1)
	a, _ := FromSlice(queues, []float32{1})
	b, _ := FromSlice(queues, []float32{2})
	c, _ := FromSlice(queues, []float32{3})

	left := Add(Add(a, b), c).KernelName()
	right := Add(a, Add(b, c)).KernelName()
	assert.NotEqual(t, left, right)
}

func TestUserFunctionNamesAreUniquePerDeclaration(t *testing.T) {
	args := []dtype.DType{dtype.Float32, dtype.Float32}
	f := NewFunc(dtype.Float32, args, "return prm1 + prm2;")
	g := NewFunc(dtype.Float32, args, "return prm1 - prm2;")

	queues := serial.NewQueues(1)
	a, _ := FromSlice(queues, []float32{1})
	b, _ := FromSlice(queues, []float32{2})

	nf := f.Call(a, b).KernelName()
	ng := g.Call(a, b).KernelName()
	assert.NotEqual(t, nf, ng, "same shape, different bodies must not share a name")
	assert.Regexp(t, `^uf\d+vv$`, nf)
}

func TestWrap(t *testing.T) {
	queues := serial.NewQueues(1)
	v, _ := FromSlice(queues, []float32{1})

	assert.Same(t, any(v), any(Wrap(v)), "nodes pass through")

	s, ok := Wrap(2.5).(*Scalar)
	require.True(t, ok)
	assert.Equal(t, dtype.Float64, s.dt)

	s, ok = Wrap(int32(7)).(*Scalar)
	require.True(t, ok)
	assert.Equal(t, dtype.Int32, s.dt)

	assert.Panics(t, func() { Wrap("not arithmetic") })
	assert.Panics(t, func() { Wrap(nil) })
}

func TestUnknownOpPanics(t *testing.T) {
	bad := &binOp{op: '%', l: Wrap(1.0), r: Wrap(2.0)}
	defer func() {
		r := recover()
		require.NotNil(t, r)
		opErr, ok := r.(*UnknownOpError)
		require.True(t, ok)
		assert.Equal(t, byte('%'), opErr.Op)
		assert.Contains(t, opErr.Error(), "unknown operator")
	}()
	bad.KernelName()
}

func TestFuncValidation(t *testing.T) {
	assert.Panics(t, func() {
		NewFunc(dtype.Invalid, nil, "return 0;")
	})
	assert.Panics(t, func() {
		NewFunc(dtype.Float32, []dtype.DType{dtype.Invalid}, "return prm1;")
	})

	f := NewFunc(dtype.Float32, []dtype.DType{dtype.Float32}, "return prm1;")
	assert.Panics(t, func() { f.Call(1.0, 2.0) }, "arity mismatch")
}

func TestPartSize(t *testing.T) {
	queues := serial.NewQueues(2)
	v, err := FromSlice(queues, make([]float32, 100))
	require.NoError(t, err)

	e := Add(v, float32(1))
	assert.Equal(t, v.PartSize(0), e.PartSize(0))
	assert.Equal(t, v.PartSize(1), e.PartSize(1))
	assert.Equal(t, 0, Wrap(1.0).PartSize(0))
}
