// Package serial implements the device API in pure Go. Buffers live in host
// memory, each queue drains its commands on a dedicated goroutine in enqueue
// order, and Compile parses the generated kernel text into an interpreted
// form instead of invoking a device compiler.
//
// The package exists for tests and for hosts without an accelerator runtime;
// throughput is not a goal. The interpreter accepts exactly the source shape
// the synthesizer emits (header, preamble functions with a single return
// statement, one kernel with a bounds-checked or grid-strided body).
package serial

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gridfuse/gridfuse/device"
)

// Device is a simulated compute device.
type Device struct {
	name  string
	class device.Class
	units int
	wg    int
}

// Option configures a simulated device.
type Option func(*Device)

// WithClass sets the reported device class. Accelerator-class devices take
// the grid-strided kernel path.
func WithClass(c device.Class) Option {
	return func(d *Device) { d.class = c }
}

// WithComputeUnits sets the reported compute-unit count.
func WithComputeUnits(n int) Option {
	return func(d *Device) { d.units = n }
}

// WithWorkGroupSize sets the preferred work-group size compiled kernels
// report for this device.
func WithWorkGroupSize(n int) Option {
	return func(d *Device) { d.wg = n }
}

var deviceSeq atomic.Int64

// NewDevice creates a simulated device. The default is a CPU-class device
// with one compute unit and work-group size 1.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		name:  fmt.Sprintf("serial:dev%d", deviceSeq.Add(1)-1),
		class: device.CPU,
		units: 1,
		wg:    1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Name() string        { return d.name }
func (d *Device) Class() device.Class { return d.class }
func (d *Device) ComputeUnits() int   { return d.units }

// Context owns buffers and compiled kernels for simulated devices.
type Context struct {
	compiles atomic.Int64
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{}
}

// CompileCount reports how many kernel compilations this context has
// performed. Used by tests to observe compile-once behavior.
func (c *Context) CompileCount() int {
	return int(c.compiles.Load())
}

// NewBuffer allocates a host-memory backed buffer of size bytes.
func (c *Context) NewBuffer(size int) (device.Buffer, error) {
	if size <= 0 {
		return nil, errors.Errorf("serial: invalid buffer size %d", size)
	}
	return &Buffer{data: make([]byte, size)}, nil
}

// Compile parses source and returns the kernel named kernelName from it.
func (c *Context) Compile(source, kernelName string) (device.Kernel, error) {
	prog, err := parseProgram(source)
	if err != nil {
		return nil, errors.Wrapf(err, "serial: compiling kernel %q", kernelName)
	}
	if prog.name != kernelName {
		return nil, errors.Errorf("serial: source defines kernel %q, want %q", prog.name, kernelName)
	}
	c.compiles.Add(1)
	return &Kernel{prog: prog, args: make([]any, len(prog.params))}, nil
}

// Buffer is a host-memory device buffer.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *Buffer) Release() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

func (b *Buffer) bytes(off, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, errors.New("serial: use of released buffer")
	}
	if off < 0 || off+n > len(b.data) {
		return nil, errors.Errorf("serial: range [%d,%d) outside buffer of %d bytes", off, off+n, len(b.data))
	}
	return b.data[off : off+n], nil
}

// Kernel is a parsed, interpretable kernel. SetArg binds arguments in place;
// a launch snapshots them, so one handle can be reused across queues the way
// a real kernel object is.
type Kernel struct {
	mu   sync.Mutex
	prog *program
	args []any
}

func (k *Kernel) SetArg(index int, value any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if index < 0 || index >= len(k.args) {
		return errors.Errorf("serial: argument index %d out of range (kernel %s has %d parameters)",
			index, k.prog.name, len(k.args))
	}
	k.args[index] = value
	return nil
}

func (k *Kernel) PreferredWorkGroupSize(dev device.Device) int {
	if d, ok := dev.(*Device); ok {
		return d.wg
	}
	return 1
}

func (k *Kernel) Release() {}

func (k *Kernel) snapshot() []any {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]any, len(k.args))
	copy(out, k.args)
	return out
}

// Queue is an in-order command queue on one simulated device.
type Queue struct {
	dev *Device
	ctx *Context

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Event
	closed  bool
}

// NewQueue creates a queue for dev in ctx and starts its worker goroutine.
func NewQueue(ctx *Context, dev *Device) *Queue {
	q := &Queue{dev: dev, ctx: ctx}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// NewQueues is a convenience constructor: it creates n devices, each in its
// own fresh context with one queue. Sharding tests use it to stand up a
// multi-device topology in one call.
func NewQueues(n int, opts ...Option) []device.Queue {
	queues := make([]device.Queue, n)
	for i := range queues {
		queues[i] = NewQueue(NewContext(), NewDevice(opts...))
	}
	return queues
}

func (q *Queue) Device() device.Device   { return q.dev }
func (q *Queue) Context() device.Context { return q.ctx }

// Event tracks completion of one enqueued command.
type Event struct {
	run  func() error
	done chan struct{}
	err  error
}

func (e *Event) Wait() error {
	<-e.done
	return e.err
}

func (q *Queue) run() {
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		ev.err = ev.run()
		close(ev.done)
	}
}

func (q *Queue) submit(run func() error) *Event {
	ev := &Event{run: run, done: make(chan struct{})}
	q.mu.Lock()
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.cond.Signal()
	return ev
}

func (q *Queue) EnqueueWrite(buf device.Buffer, off int, src []byte) (device.Event, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, errors.New("serial: foreign buffer")
	}
	// Snapshot host memory at enqueue time so the caller may reuse src.
	data := make([]byte, len(src))
	copy(data, src)
	return q.submit(func() error {
		dst, err := b.bytes(off, len(data))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	}), nil
}

func (q *Queue) EnqueueRead(buf device.Buffer, off int, dst []byte) (device.Event, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, errors.New("serial: foreign buffer")
	}
	n := len(dst)
	return q.submit(func() error {
		src, err := b.bytes(off, n)
		if err != nil {
			return err
		}
		copy(dst, src)
		return nil
	}), nil
}

func (q *Queue) EnqueueCopy(dst, src device.Buffer, dstOff, srcOff, n int) (device.Event, error) {
	db, ok := dst.(*Buffer)
	if !ok {
		return nil, errors.New("serial: foreign buffer")
	}
	sb, ok := src.(*Buffer)
	if !ok {
		return nil, errors.New("serial: foreign buffer")
	}
	return q.submit(func() error {
		s, err := sb.bytes(srcOff, n)
		if err != nil {
			return err
		}
		d, err := db.bytes(dstOff, n)
		if err != nil {
			return err
		}
		copy(d, s)
		return nil
	}), nil
}

func (q *Queue) EnqueueKernel(k device.Kernel, global, local int) (device.Event, error) {
	sk, ok := k.(*Kernel)
	if !ok {
		return nil, errors.New("serial: foreign kernel")
	}
	if global <= 0 || local <= 0 || global%local != 0 {
		return nil, errors.Errorf("serial: bad launch size global=%d local=%d", global, local)
	}
	args := sk.snapshot()
	return q.submit(func() error {
		return sk.prog.run(args, global)
	}), nil
}

func (q *Queue) Finish() error {
	return q.submit(func() error { return nil }).Wait()
}

// Close drains the queue and stops its worker goroutine. The queue must not
// be used afterwards.
func (q *Queue) Close() {
	q.Finish()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
