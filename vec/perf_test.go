package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/gridfuse/device/serial"
)

func TestPerfPartitionerSingleQueue(t *testing.T) {
	queues := serial.NewQueues(1)
	table, err := PerfPartitioner(100, queues)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100}, table, "single device gets everything without probing")
}

func TestPerfPartitionerTableInvariant(t *testing.T) {
	queues := serial.NewQueues(3)
	table, err := PerfPartitioner(10000, queues)
	require.NoError(t, err)

	require.Len(t, table, 4)
	assert.Equal(t, 0, table[0])
	assert.Equal(t, 10000, table[3])
	for d := 1; d < len(table); d++ {
		assert.GreaterOrEqual(t, table[d], table[d-1])
	}
}

func TestPerfPartitionerCachesWeights(t *testing.T) {
	queues := serial.NewQueues(2)
	_, err := PerfPartitioner(1000, queues)
	require.NoError(t, err)

	// A second partitioning over the same devices must reuse cached
	// weights: no new probe kernels are compiled.
	before := make([]int, len(queues))
	for i, q := range queues {
		before[i] = q.Context().(*serial.Context).CompileCount()
	}
	_, err = PerfPartitioner(5000, queues)
	require.NoError(t, err)
	for i, q := range queues {
		assert.Equal(t, before[i], q.Context().(*serial.Context).CompileCount(),
			"device %d probed twice", i)
	}
}

func TestVectorWithPerfPartitioner(t *testing.T) {
	queues := serial.NewQueues(2)
	host := ramp(10000)
	v, err := FromSlice(queues, host, WithPartitioner(PerfPartitioner))
	require.NoError(t, err)
	defer v.Free()

	got, err := v.ToHost()
	require.NoError(t, err)
	assert.Equal(t, host, got)

	res, err := New[float64](queues, 10000, WithPartitioner(PerfPartitioner))
	require.NoError(t, err)
	defer res.Free()
	require.NoError(t, res.Assign(Mul(v, 2.0)))
	out, err := res.ToHost()
	require.NoError(t, err)
	for i := range out {
		require.Equal(t, host[i]*2, out[i], "element %d", i)
	}
}
