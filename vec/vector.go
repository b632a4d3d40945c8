package vec

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/dtype"
	"github.com/gridfuse/gridfuse/partition"
)

// Partitioner computes the shard boundary table for n elements over the
// given queues: len(queues)+1 non-decreasing offsets from 0 to n.
type Partitioner func(n int, queues []device.Queue) ([]int, error)

// EqualPartitioner splits elements evenly across devices.
func EqualPartitioner(n int, queues []device.Queue) ([]int, error) {
	return partition.Equal(n, len(queues))
}

// Vector is a logical array sharded across an ordered list of devices. It
// owns one buffer per non-empty shard and tracks one in-flight event per
// shard for the last asynchronous transfer against it.
//
// Every vector participating in one expression must share the same queue
// list and partition table; Assign enforces this.
type Vector[T dtype.Element] struct {
	queues []device.Queue
	table  []int
	bufs   []device.Buffer
	events []device.Event
	dt     dtype.DType
}

// Option configures vector construction.
type Option func(*config)

type config struct {
	part Partitioner
}

// WithPartitioner selects the shard boundary computation, e.g.
// PerfPartitioner for bandwidth-weighted sharding. Default is
// EqualPartitioner.
func WithPartitioner(p Partitioner) Option {
	return func(c *config) { c.part = p }
}

// New creates a vector of n elements sharded across the given queues.
// Buffer contents are uninitialized.
func New[T dtype.Element](queues []device.Queue, n int, opts ...Option) (*Vector[T], error) {
	cfg := config{part: EqualPartitioner}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(queues) == 0 {
		return nil, errors.New("vec: no queues")
	}
	table, err := cfg.part(n, queues)
	if err != nil {
		return nil, err
	}
	if len(table) != len(queues)+1 {
		return nil, errors.Errorf("vec: partitioner returned %d offsets for %d queues", len(table), len(queues))
	}
	v := &Vector[T]{
		queues: queues,
		table:  table,
		bufs:   make([]device.Buffer, len(queues)),
		events: make([]device.Event, len(queues)),
		dt:     dtype.FromGo[T](),
	}
	if err := v.allocate(); err != nil {
		return nil, err
	}
	return v, nil
}

// FromSlice creates a vector holding a copy of host, blocking until the
// upload completes.
func FromSlice[T dtype.Element](queues []device.Queue, host []T, opts ...Option) (*Vector[T], error) {
	v, err := New[T](queues, len(host), opts...)
	if err != nil {
		return nil, err
	}
	if len(host) > 0 {
		if err := v.Write(0, host, true); err != nil {
			v.Free()
			return nil, err
		}
	}
	return v, nil
}

func (v *Vector[T]) allocate() error {
	for d := range v.queues {
		psize := v.table[d+1] - v.table[d]
		if psize == 0 {
			continue
		}
		buf, err := v.queues[d].Context().NewBuffer(psize * v.dt.Size())
		if err != nil {
			return errors.Wrapf(err, "vec: allocating shard %d (%d elements)", d, psize)
		}
		v.bufs[d] = buf
	}
	return nil
}

// Size returns the total element count.
func (v *Vector[T]) Size() int {
	if len(v.table) == 0 {
		return 0
	}
	return v.table[len(v.table)-1]
}

// Parts returns the number of shards (devices).
func (v *Vector[T]) Parts() int { return len(v.queues) }

// PartSize returns the element count of shard d.
func (v *Vector[T]) PartSize(d int) int { return v.table[d+1] - v.table[d] }

// Queues returns the vector's queue list. The slice must not be mutated.
func (v *Vector[T]) Queues() []device.Queue { return v.queues }

// Table returns a copy of the partition table.
func (v *Vector[T]) Table() []int {
	out := make([]int, len(v.table))
	copy(out, v.table)
	return out
}

// Buffer returns the device buffer backing shard d, or nil for an empty
// shard.
func (v *Vector[T]) Buffer(d int) device.Buffer { return v.bufs[d] }

// DType returns the element type.
func (v *Vector[T]) DType() dtype.DType { return v.dt }

// Free releases all device buffers. The vector must not be used afterwards.
func (v *Vector[T]) Free() {
	for d, buf := range v.bufs {
		if buf != nil {
			buf.Release()
			v.bufs[d] = nil
		}
	}
}

// hostBytes reinterprets a host slice as raw bytes for transfer. Element
// layout matches the device's little-endian layout on all supported hosts.
func hostBytes[T dtype.Element](s []T, dt dtype.DType) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*dt.Size())
}

// Write copies host into the vector starting at element offset. Each shard
// intersecting the range receives one asynchronous transfer on its own
// queue; with blocking set the call waits for every issued transfer.
func (v *Vector[T]) Write(offset int, host []T, blocking bool) error {
	return v.transfer(offset, len(host), blocking, func(d, start, stop int) (device.Event, error) {
		sz := v.dt.Size()
		src := hostBytes(host[start-offset:stop-offset], v.dt)
		return v.queues[d].EnqueueWrite(v.bufs[d], (start-v.table[d])*sz, src)
	})
}

// Read copies elements [offset, offset+len(host)) of the vector into host.
// Transfer issue and blocking semantics match Write.
func (v *Vector[T]) Read(offset int, host []T, blocking bool) error {
	return v.transfer(offset, len(host), blocking, func(d, start, stop int) (device.Event, error) {
		sz := v.dt.Size()
		dst := hostBytes(host[start-offset:stop-offset], v.dt)
		return v.queues[d].EnqueueRead(v.bufs[d], (start-v.table[d])*sz, dst)
	})
}

func (v *Vector[T]) transfer(offset, length int, blocking bool,
	issue func(d, start, stop int) (device.Event, error)) error {
	if length == 0 {
		return nil
	}
	if offset < 0 || offset+length > v.Size() {
		return errors.Errorf("vec: transfer range [%d,%d) outside vector of %d elements",
			offset, offset+length, v.Size())
	}
	issued := make([]bool, len(v.queues))
	for d := range v.queues {
		start := max(offset, v.table[d])
		stop := min(offset+length, v.table[d+1])
		if stop <= start {
			continue
		}
		ev, err := issue(d, start, stop)
		if err != nil {
			return errors.Wrapf(err, "vec: transfer on shard %d", d)
		}
		v.events[d] = ev
		issued[d] = true
	}
	if !blocking {
		return nil
	}
	for d, ok := range issued {
		if !ok {
			continue
		}
		if err := v.events[d].Wait(); err != nil {
			return errors.Wrapf(err, "vec: transfer on shard %d", d)
		}
	}
	return nil
}

// At reads the element at index i. This is a blocking single-element
// transfer, far too slow for bulk access; use Read instead.
func (v *Vector[T]) At(i int) (T, error) {
	var out T
	d, err := v.shardOf(i)
	if err != nil {
		return out, err
	}
	sz := v.dt.Size()
	ev, err := v.queues[d].EnqueueRead(v.bufs[d], (i-v.table[d])*sz, hostBytes(unsafe.Slice(&out, 1), v.dt))
	if err != nil {
		return out, err
	}
	return out, ev.Wait()
}

// SetAt writes the element at index i, blocking until done. Like At, this
// is a debugging convenience, not a bulk path.
func (v *Vector[T]) SetAt(i int, val T) error {
	d, err := v.shardOf(i)
	if err != nil {
		return err
	}
	sz := v.dt.Size()
	ev, err := v.queues[d].EnqueueWrite(v.bufs[d], (i-v.table[d])*sz, hostBytes(unsafe.Slice(&val, 1), v.dt))
	if err != nil {
		return err
	}
	return ev.Wait()
}

func (v *Vector[T]) shardOf(i int) (int, error) {
	if i < 0 || i >= v.Size() {
		return 0, errors.Errorf("vec: index %d out of range [0,%d)", i, v.Size())
	}
	d := 0
	for i >= v.table[d+1] {
		d++
	}
	return d, nil
}

// CopyFrom copies src's contents into v with one device-to-device copy per
// shard. Both vectors must share the same queue list and partition table.
func (v *Vector[T]) CopyFrom(src *Vector[T]) error {
	if src == v {
		return nil
	}
	if err := v.sameShape(src); err != nil {
		return err
	}
	for d := range v.queues {
		psize := v.table[d+1] - v.table[d]
		if psize == 0 {
			continue
		}
		ev, err := v.queues[d].EnqueueCopy(v.bufs[d], src.bufs[d], 0, 0, psize*v.dt.Size())
		if err != nil {
			return errors.Wrapf(err, "vec: device copy on shard %d", d)
		}
		v.events[d] = ev
	}
	return nil
}

// Resize reconstructs v with src's queue list and partition table, then
// copies src's contents into the fresh buffers. Previous contents are
// released.
func (v *Vector[T]) Resize(src *Vector[T]) error {
	fresh := &Vector[T]{
		queues: src.queues,
		table:  append([]int(nil), src.table...),
		bufs:   make([]device.Buffer, len(src.queues)),
		events: make([]device.Event, len(src.queues)),
		dt:     v.dt,
	}
	if err := fresh.allocate(); err != nil {
		return err
	}
	v.Free()
	*v = *fresh
	return v.CopyFrom(src)
}

// ToHost reads the whole vector into a new host slice, blocking.
func (v *Vector[T]) ToHost() ([]T, error) {
	out := make([]T, v.Size())
	if len(out) == 0 {
		return out, nil
	}
	return out, v.Read(0, out, true)
}

func (v *Vector[T]) sameShape(o *Vector[T]) error {
	if len(v.queues) != len(o.queues) {
		return errors.Errorf("vec: shard topology mismatch: %d vs %d devices", len(v.queues), len(o.queues))
	}
	for d := range v.queues {
		if v.queues[d] != o.queues[d] {
			return errors.Errorf("vec: shard topology mismatch: different queue at index %d", d)
		}
	}
	for d := range v.table {
		if v.table[d] != o.table[d] {
			return errors.Errorf("vec: shard topology mismatch: boundary %d is %d vs %d",
				d, v.table[d], o.table[d])
		}
	}
	return nil
}

// Node implementation: a vector is a leaf in expressions.

func (v *Vector[T]) Preamble(*strings.Builder, string) {}

func (v *Vector[T]) KernelName() string { return "v" }

func (v *Vector[T]) KernelParams(w *strings.Builder, name string) {
	fmt.Fprintf(w, ",\n\tglobal %s *%s", v.dt.Name(), name)
}

func (v *Vector[T]) KernelExpr(w *strings.Builder, name string) {
	w.WriteString(name)
	w.WriteString("[i]")
}

func (v *Vector[T]) BindArgs(k device.Kernel, queueIdx int, pos *int) error {
	if err := k.SetArg(*pos, v.bufs[queueIdx]); err != nil {
		return err
	}
	*pos++
	return nil
}

func (v *Vector[T]) queueList() []device.Queue { return v.queues }
func (v *Vector[T]) partTable() []int          { return v.table }
