// Package device defines the primitive host API the core calls into: device
// enumeration properties, buffer allocation, asynchronous transfers, kernel
// compilation and launch, and completion events.
//
// Implementations:
//   - device/serial: pure Go reference device that interprets generated
//     kernel source, used by tests and as a fallback
//   - device/occa: OCCA-backed devices (OpenMP, CUDA, OpenCL, Serial)
//     via github.com/notargets/gocca
//
// Operations enqueued on one Queue execute in enqueue order; operations on
// different queues are unordered with respect to each other. All enqueue
// calls return immediately with an Event tracking completion.
package device

// Class describes the execution style of a device. CPU-class devices get a
// bounds-checked single pass per work item; everything else gets a
// grid-strided loop so a fixed launch size covers any length.
type Class int

const (
	CPU Class = iota
	Accelerator
)

func (c Class) String() string {
	if c == CPU {
		return "CPU"
	}
	return "Accelerator"
}

// Device describes one compute device. A Device is comparable; the partition
// weight table is keyed by Device identity.
type Device interface {
	// Name is a human-readable identifier, e.g. "serial:dev0".
	Name() string
	// Class reports the device execution class.
	Class() Class
	// ComputeUnits reports the number of parallel compute units, used to
	// size grid-strided launches.
	ComputeUnits() int
}

// Context owns device memory and compiled kernels. A Context is comparable;
// the compiled-kernel cache is keyed by (kernel name, Context identity).
type Context interface {
	// NewBuffer allocates size bytes of device memory.
	NewBuffer(size int) (Buffer, error)
	// Compile builds kernel source text and returns the kernel named
	// kernelName from it.
	Compile(source, kernelName string) (Kernel, error)
}

// Queue is an in-order command queue bound to one device in one context.
type Queue interface {
	Device() Device
	Context() Context

	// EnqueueWrite copies len(src) bytes from host memory into buf at
	// byte offset off. The returned event completes when src has been
	// consumed and the buffer updated.
	EnqueueWrite(buf Buffer, off int, src []byte) (Event, error)
	// EnqueueRead copies len(dst) bytes out of buf at byte offset off
	// into host memory.
	EnqueueRead(buf Buffer, off int, dst []byte) (Event, error)
	// EnqueueCopy copies n bytes between two device buffers.
	EnqueueCopy(dst, src Buffer, dstOff, srcOff, n int) (Event, error)
	// EnqueueKernel launches k with the given global and local work
	// sizes. Arguments must have been bound with Kernel.SetArg before
	// the call; the launch snapshots them.
	EnqueueKernel(k Kernel, global, local int) (Event, error)
	// Finish blocks until every previously enqueued operation completes.
	Finish() error
}

// Buffer is a device memory allocation.
type Buffer interface {
	// Size is the allocation size in bytes.
	Size() int
	// Release frees the device memory. Using the buffer afterwards is
	// an error.
	Release()
}

// Kernel is a compiled kernel handle.
type Kernel interface {
	// SetArg binds the argument at position index. Accepted values are
	// Buffer handles and native scalar values.
	SetArg(index int, value any) error
	// PreferredWorkGroupSize reports the work-group granularity the
	// compiled kernel prefers on dev.
	PreferredWorkGroupSize(dev Device) int
	// Release frees the kernel handle.
	Release()
}

// Event tracks completion of one asynchronous operation.
type Event interface {
	// Wait blocks until the operation completes and returns its error,
	// if any.
	Wait() error
}
