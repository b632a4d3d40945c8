package vec

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/dtype"
)

// kernelHeader is the fixed boilerplate every generated kernel starts with.
const kernelHeader = `#if defined(cl_khr_fp64)
#  pragma OPENCL EXTENSION cl_khr_fp64 : enable
#elif defined(cl_amd_fp64)
#  pragma OPENCL EXTENSION cl_amd_fp64 : enable
#endif
`

// gridStrideFactor scales grid-strided launches: global size is
// computeUnits * workGroupSize * gridStrideFactor, so one fixed launch
// covers any shard length.
const gridStrideFactor = 4

// Assign evaluates the expression e elementwise into v, fusing the whole
// tree into one kernel per device. The kernel is synthesized and compiled
// on first use of the expression shape against each context and reused
// afterwards. The launches are asynchronous; synchronize with a blocking
// Read (or Queue.Finish) before consuming results on the host.
//
// Accepted expressions: Nodes built from vectors, scalars, operators and
// functions, a bare *Vector (device copy semantics are available separately
// via CopyFrom), or a bare scalar, which fills v with that value.
func (v *Vector[T]) Assign(e any) error {
	root := Wrap(e)
	if err := v.checkTopology(root); err != nil {
		return err
	}
	name := root.KernelName()

	for d, q := range v.queues {
		key := cacheKey{name: name, ctx: q.Context()}
		dev := q.Device()
		entry, err := kernels.get(key, func() (device.Kernel, int, error) {
			return compileFor(root, name, v.dt, q)
		})
		if err != nil {
			return errors.Wrapf(err, "vec: assigning %s", name)
		}
		psize := v.table[d+1] - v.table[d]
		if psize == 0 {
			continue
		}

		global := launchSize(dev, psize, entry.wgSize)

		entry.launchMu.Lock()
		err = func() error {
			if err := entry.kernel.SetArg(0, uint64(psize)); err != nil {
				return err
			}
			if err := entry.kernel.SetArg(1, v.bufs[d]); err != nil {
				return err
			}
			pos := 2
			if err := root.BindArgs(entry.kernel, d, &pos); err != nil {
				return err
			}
			ev, err := q.EnqueueKernel(entry.kernel, global, entry.wgSize)
			if err != nil {
				return err
			}
			v.events[d] = ev
			return nil
		}()
		entry.launchMu.Unlock()
		if err != nil {
			return errors.Wrapf(err, "vec: launching %s on shard %d", name, d)
		}
	}
	return nil
}

// AddAssign performs v = v + e through the ordinary assignment path.
func (v *Vector[T]) AddAssign(e any) error { return v.Assign(Add(v, e)) }

// SubAssign performs v = v - e.
func (v *Vector[T]) SubAssign(e any) error { return v.Assign(Sub(v, e)) }

// MulAssign performs v = v * e.
func (v *Vector[T]) MulAssign(e any) error { return v.Assign(Mul(v, e)) }

// DivAssign performs v = v / e.
func (v *Vector[T]) DivAssign(e any) error { return v.Assign(Div(v, e)) }

// checkTopology verifies that every vector leaf in the expression shares
// the destination's queue list and partition table. Mixed shard topologies
// in one kernel would read out of bounds, so this is rejected up front.
func (v *Vector[T]) checkTopology(root Node) error {
	var err error
	visitLeaves(root, func(leaf vectorLeaf) {
		if err != nil {
			return
		}
		queues := leaf.queueList()
		if len(queues) != len(v.queues) {
			err = errors.Errorf("vec: operand spans %d devices, destination %d", len(queues), len(v.queues))
			return
		}
		for d := range queues {
			if queues[d] != v.queues[d] {
				err = errors.Errorf("vec: operand and destination use different queues at index %d", d)
				return
			}
		}
		table := leaf.partTable()
		for d := range table {
			if table[d] != v.table[d] {
				err = errors.Errorf("vec: operand partition boundary %d is %d, destination %d",
					d, table[d], v.table[d])
				return
			}
		}
	})
	return err
}

// compileFor builds full kernel source for the expression and compiles it
// against q's context, returning the kernel and its work-group size.
func compileFor(root Node, name string, out dtype.DType, q device.Queue) (device.Kernel, int, error) {
	dev := q.Device()
	source := buildSource(root, name, out, dev.Class() == device.CPU)
	if klog.V(2).Enabled() {
		klog.Infof("generated kernel %s for %s:\n%s", name, dev.Name(), source)
	}

	start := time.Now()
	kernel, err := q.Context().Compile(source, name)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "compiling kernel %s for %s", name, dev.Name())
	}
	wg := kernel.PreferredWorkGroupSize(dev)
	if wg < 1 {
		wg = 1
	}
	klog.V(1).Infof("compiled kernel %s for %s in %v (work-group size %d)",
		name, dev.Name(), time.Since(start), wg)
	return kernel, wg, nil
}

// buildSource assembles the kernel source text: fixed header, collected
// preamble, signature (length, output pointer, declared parameters), and a
// body that is a single bounds-checked pass on CPU-class devices or a
// grid-strided loop elsewhere.
func buildSource(root Node, name string, out dtype.DType, cpu bool) string {
	var sb strings.Builder
	sb.WriteString(kernelHeader)
	sb.WriteByte('\n')
	root.Preamble(&sb, "prm")
	fmt.Fprintf(&sb, "kernel void %s(\n\tulong n,\n\tglobal %s *res", name, out.Name())
	root.KernelParams(&sb, "prm")
	sb.WriteString("\n\t)\n{\n\tsize_t i = get_global_id(0);\n")
	if cpu {
		sb.WriteString("\tif (i < n) {\n\t\tres[i] = ")
	} else {
		sb.WriteString("\tsize_t grid_size = get_num_groups(0) * get_local_size(0);\n")
		sb.WriteString("\twhile (i < n) {\n\t\tres[i] = ")
	}
	root.KernelExpr(&sb, "prm")
	if cpu {
		sb.WriteString(";\n\t}\n}\n")
	} else {
		sb.WriteString(";\n\t\ti += grid_size;\n\t}\n}\n")
	}
	return sb.String()
}

// launchSize computes the global work size for one shard: shard length
// rounded up to the work-group size on CPU-class devices, a fixed multiple
// of the device width otherwise.
func launchSize(dev device.Device, psize, wg int) int {
	if dev.Class() == device.CPU {
		if r := psize % wg; r != 0 {
			return psize - r + wg
		}
		return psize
	}
	return dev.ComputeUnits() * wg * gridStrideFactor
}

// CachedKernels reports how many distinct (expression shape, context) pairs
// have been compiled process-wide.
func CachedKernels() int { return kernels.size() }
