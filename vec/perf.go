package vec

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/partition"
	"github.com/gridfuse/gridfuse/profile"
)

// probeSize is the vector length of the bandwidth probe kernel. Large
// enough to dominate launch overhead, small enough that first-touch
// partitioning stays cheap.
const probeSize = 1 << 16

// perfWeights caches the measured throughput weight per device for the
// process lifetime; each device is probed at most once.
var perfWeights = partition.NewWeightTable[device.Device]()

// probeMu serializes probing so concurrent first-time partitioning does not
// measure two devices against each other.
var probeMu sync.Mutex

// PerfPartitioner shards proportionally to measured device throughput. The
// first encounter of a device runs a small elementwise-add twice on it
// (discarding the warm-up run), derives a weight from the timed second run,
// and caches it by device identity.
func PerfPartitioner(n int, queues []device.Queue) ([]int, error) {
	if len(queues) == 1 {
		return partition.Equal(n, 1)
	}
	weights := make([]float64, len(queues))
	for i, q := range queues {
		w, err := deviceWeight(q)
		if err != nil {
			return nil, err
		}
		weights[i] = w
	}
	return partition.ByWeight(n, weights)
}

func deviceWeight(q device.Queue) (float64, error) {
	if w, ok := perfWeights.Load(q.Device()); ok {
		return w, nil
	}
	probeMu.Lock()
	defer probeMu.Unlock()
	if w, ok := perfWeights.Load(q.Device()); ok {
		return w, nil
	}
	w, err := probe(q)
	if err != nil {
		return 0, errors.Wrapf(err, "vec: probing %s", q.Device().Name())
	}
	perfWeights.Store(q.Device(), w)
	klog.V(1).Infof("device %s probe weight %g", q.Device().Name(), w)
	return w, nil
}

// probe times a = b + c on a single queue and returns a weight inversely
// proportional to the elapsed time.
func probe(q device.Queue) (float64, error) {
	queues := []device.Queue{q}

	a, err := New[float32](queues, probeSize)
	if err != nil {
		return 0, err
	}
	defer a.Free()
	b, err := New[float32](queues, probeSize)
	if err != nil {
		return 0, err
	}
	defer b.Free()
	c, err := New[float32](queues, probeSize)
	if err != nil {
		return 0, err
	}
	defer c.Free()

	if err := b.Assign(float32(1)); err != nil {
		return 0, err
	}
	if err := c.Assign(float32(2)); err != nil {
		return 0, err
	}

	// First run is warm-up: it absorbs compilation and cache effects.
	if err := a.Assign(Add(b, c)); err != nil {
		return 0, err
	}

	prof := profile.New(q)
	if err := prof.Tic("probe"); err != nil {
		return 0, err
	}
	if err := a.Assign(Add(b, c)); err != nil {
		return 0, err
	}
	elapsed, err := prof.Toc("probe")
	if err != nil {
		return 0, err
	}
	if elapsed <= 0 {
		// Clock granularity can swallow a fast device; treat it as
		// very fast rather than weightless.
		elapsed = 1e-9
	}
	return 1 / elapsed, nil
}
