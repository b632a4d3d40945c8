package vec

import (
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/device/serial"
)

func TestCacheBuildsOnce(t *testing.T) {
	c := &kernelCache{entries: make(map[cacheKey]*cacheEntry)}
	ctx := serial.NewContext()
	key := cacheKey{name: "pvv", ctx: ctx}

	builds := 0
	build := func() (device.Kernel, int, error) {
		builds++
		return nil, 64, nil
	}
	e1, err := c.get(key, build)
	require.NoError(t, err)
	e2, err := c.get(key, build)
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, c.size())
}

func TestCacheFailedBuildLeavesKeyClean(t *testing.T) {
	c := &kernelCache{entries: make(map[cacheKey]*cacheEntry)}
	ctx := serial.NewContext()
	key := cacheKey{name: "tvv", ctx: ctx}

	_, err := c.get(key, func() (device.Kernel, int, error) {
		return nil, 0, errors.New("compiler rejected source")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.size())

	// The retry gets to build.
	e, err := c.get(key, func() (device.Kernel, int, error) {
		return nil, 32, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 32, e.wgSize)
}

func TestCacheConcurrentFirstUse(t *testing.T) {
	c := &kernelCache{entries: make(map[cacheKey]*cacheEntry)}
	ctx := serial.NewContext()
	key := cacheKey{name: "dvv", ctx: ctx}

	var mu sync.Mutex
	builds := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.get(key, func() (device.Kernel, int, error) {
				mu.Lock()
				builds++
				mu.Unlock()
				return nil, 1, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, builds)
}

func TestCacheDistinguishesContexts(t *testing.T) {
	c := &kernelCache{entries: make(map[cacheKey]*cacheEntry)}
	build := func() (device.Kernel, int, error) { return nil, 1, nil }

	_, err := c.get(cacheKey{name: "pvv", ctx: serial.NewContext()}, build)
	require.NoError(t, err)
	_, err = c.get(cacheKey{name: "pvv", ctx: serial.NewContext()}, build)
	require.NoError(t, err)
	assert.Equal(t, 2, c.size(), "same shape on two contexts is two entries")
}
