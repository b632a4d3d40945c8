package vec

import (
	"sync"

	"github.com/gridfuse/gridfuse/device"
)

// cacheKey identifies one compiled kernel: the expression-shape name plus
// the context it was compiled against.
type cacheKey struct {
	name string
	ctx  device.Context
}

type cacheEntry struct {
	kernel device.Kernel
	wgSize int

	// launchMu serializes argument binding and enqueue on the shared
	// kernel handle: binding is positional and stateful, so concurrent
	// assignments of the same expression shape must not interleave.
	launchMu sync.Mutex
}

// kernelCache memoizes compiled kernels per (expression shape, context).
// Entries live for the process lifetime and are never evicted. A single
// mutex guards the whole cache and is held across compilation, so
// concurrent first assignments of one shape compile exactly once; a failed
// compilation stores nothing, leaving the key clean for a retry.
type kernelCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
}

// kernels is the process-wide cache every assignment goes through.
var kernels = &kernelCache{entries: make(map[cacheKey]*cacheEntry)}

func (c *kernelCache) get(key cacheKey, build func() (device.Kernel, int, error)) (*cacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e, nil
	}
	kernel, wg, err := build()
	if err != nil {
		return nil, err
	}
	e := &cacheEntry{kernel: kernel, wgSize: wg}
	c.entries[key] = e
	return e, nil
}

// size reports the number of cached kernels, for test instrumentation.
func (c *kernelCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
