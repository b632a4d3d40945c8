package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridfuse/gridfuse/device/serial"
)

func TestTicToc(t *testing.T) {
	p := New()
	require.NoError(t, p.Tic("work"))
	time.Sleep(5 * time.Millisecond)
	elapsed, err := p.Toc("work")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 0.005)
}

func TestTocWithoutTic(t *testing.T) {
	p := New()
	_, err := p.Toc("nothing")
	assert.Error(t, err)
}

func TestDrainsQueues(t *testing.T) {
	ctx := serial.NewContext()
	q := serial.NewQueue(ctx, serial.NewDevice())
	defer q.Close()

	p := New(q)
	require.NoError(t, p.Tic("xfer"))

	// Enqueue work after Tic; Toc must wait for it before reading the
	// clock.
	buf, err := ctx.NewBuffer(1 << 20)
	require.NoError(t, err)
	payload := make([]byte, 1<<20)
	for i := 0; i < 16; i++ {
		_, err = q.EnqueueWrite(buf, 0, payload)
		require.NoError(t, err)
	}
	_, err = p.Toc("xfer")
	require.NoError(t, err)

	// All transfers retired: an immediate Finish has nothing to wait on.
	assert.NoError(t, q.Finish())
}

func TestSummary(t *testing.T) {
	p := New()
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Tic("beta"))
		_, err := p.Toc("beta")
		require.NoError(t, err)
	}
	require.NoError(t, p.Tic("alpha"))
	_, err := p.Toc("alpha")
	require.NoError(t, err)

	s := p.Summary()
	assert.Contains(t, s, "alpha")
	assert.Contains(t, s, "beta")
	assert.Less(t, strings.Index(s, "alpha"), strings.Index(s, "beta"), "sorted by name")
	assert.Contains(t, s, "3 calls")
}
