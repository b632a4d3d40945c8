// Package partition computes shard boundary tables for logical arrays spread
// across an ordered device list. A table for k devices has k+1 offsets,
// table[0] = 0, table[k] = n, non-decreasing; device d owns elements
// [table[d], table[d+1]).
package partition

import (
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Alignment is the element granularity interior boundaries are rounded up
// to, so shard starts stay friendly to vectorized device loads.
const Alignment = 16

// AlignUp rounds n up to the next multiple of Alignment.
func AlignUp(n int) int {
	if r := n % Alignment; r != 0 {
		return n - r + Alignment
	}
	return n
}

// Equal splits n elements over k devices into near-equal aligned shards.
// Earlier devices absorb the rounding remainder.
func Equal(n, k int) ([]int, error) {
	if k < 1 {
		return nil, errors.Errorf("partition: device count %d < 1", k)
	}
	if n < 0 {
		return nil, errors.Errorf("partition: negative length %d", n)
	}
	table := make([]int, k+1)
	for d := 1; d < k; d++ {
		table[d] = clamp(AlignUp(n*d/k), table[d-1], n)
	}
	table[k] = n
	return table, nil
}

// ByWeight splits n elements proportionally to per-device weights. A zero or
// negative weight yields a valid, possibly empty shard. If every weight is
// unusable the split degenerates to Equal.
func ByWeight(n int, weights []float64) ([]int, error) {
	k := len(weights)
	if k < 1 {
		return nil, errors.New("partition: no weights")
	}
	if n < 0 {
		return nil, errors.Errorf("partition: negative length %d", n)
	}
	w := make([]float64, k)
	for i, x := range weights {
		if x > 0 {
			w[i] = x
		}
	}
	total := floats.Sum(w)
	if total <= 0 {
		return Equal(n, k)
	}
	cumsum := make([]float64, k)
	floats.CumSum(cumsum, w)

	table := make([]int, k+1)
	for d := 1; d < k; d++ {
		table[d] = clamp(AlignUp(int(float64(n)*cumsum[d-1]/total)), table[d-1], n)
	}
	table[k] = n
	return table, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WeightTable is a process-wide cache of measured device throughput weights,
// keyed by device identity. Lookups and stores are serialized; a caller that
// misses is expected to probe once and Store the result.
type WeightTable[K comparable] struct {
	mu sync.Mutex
	w  map[K]float64
}

// NewWeightTable creates an empty weight table.
func NewWeightTable[K comparable]() *WeightTable[K] {
	return &WeightTable[K]{w: make(map[K]float64)}
}

// Load returns the cached weight for dev, if any.
func (t *WeightTable[K]) Load(dev K) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.w[dev]
	return w, ok
}

// Store records the measured weight for dev.
func (t *WeightTable[K]) Store(dev K, w float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w[dev] = w
}
