package vec

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/dtype"
)

// Func splices a user-supplied snippet of scalar kernel code into
// expressions as a named function. Inside body the arguments are named
// prm1..prmN:
//
//	greater := vec.NewFunc(dtype.Float32, []dtype.DType{dtype.Float32, dtype.Float32},
//		"return prm1 > prm2 ? prm1 : prm2;")
//	err := dst.Assign(greater.Call(x, y))
//
// The function definition is emitted ahead of the kernel; the kernel name
// token concatenates the argument expressions' tokens, so the same body
// applied to different argument shapes still compiles distinct kernels.
type Func struct {
	id   int64
	ret  dtype.DType
	args []dtype.DType
	body string
}

var funcSeq atomic.Int64

// NewFunc declares a user function with the given return type, ordered
// argument types and body snippet.
func NewFunc(ret dtype.DType, args []dtype.DType, body string) *Func {
	if !ret.Native() {
		panic(errors.Errorf("vec: user function return type %v is not device-representable", ret))
	}
	for i, a := range args {
		if !a.Native() {
			panic(errors.Errorf("vec: user function argument %d type %v is not device-representable", i+1, a))
		}
	}
	return &Func{id: funcSeq.Add(1), ret: ret, args: args, body: body}
}

// Call applies the function to the given argument expressions. The argument
// count must match the declared argument types.
func (f *Func) Call(args ...any) Node {
	if len(args) != len(f.args) {
		panic(errors.Errorf("vec: user function called with %d arguments, declared with %d",
			len(args), len(f.args)))
	}
	call := &funcCall{fn: f, args: make([]Node, len(args))}
	for i, a := range args {
		call.args[i] = Wrap(a)
	}
	return call
}

// funcCall is the composite node a Func application produces. Child
// emissions are suffixed with the 1-based argument index.
type funcCall struct {
	fn   *Func
	args []Node
}

func (c *funcCall) Preamble(w *strings.Builder, name string) {
	for i, a := range c.args {
		a.Preamble(w, name+strconv.Itoa(i+1))
	}
	fmt.Fprintf(w, "%s %s_fun(", c.fn.ret.Name(), name)
	for i, at := range c.fn.args {
		if i > 0 {
			w.WriteByte(',')
		}
		fmt.Fprintf(w, "\n\t%s prm%d", at.Name(), i+1)
	}
	fmt.Fprintf(w, "\n\t)\n{\n%s\n}\n", c.fn.body)
}

// KernelName folds the function's process-unique id into the token: two
// functions with identical argument shapes but different bodies must not
// share a cache key.
func (c *funcCall) KernelName() string {
	name := "uf" + strconv.FormatInt(c.fn.id, 10)
	for _, a := range c.args {
		name += a.KernelName()
	}
	return name
}

func (c *funcCall) KernelParams(w *strings.Builder, name string) {
	for i, a := range c.args {
		a.KernelParams(w, name+strconv.Itoa(i+1))
	}
}

func (c *funcCall) KernelExpr(w *strings.Builder, name string) {
	fmt.Fprintf(w, "%s_fun(", name)
	for i, a := range c.args {
		if i > 0 {
			w.WriteString(", ")
		}
		a.KernelExpr(w, name+strconv.Itoa(i+1))
	}
	w.WriteByte(')')
}

func (c *funcCall) BindArgs(k device.Kernel, queueIdx int, pos *int) error {
	for _, a := range c.args {
		if err := a.BindArgs(k, queueIdx, pos); err != nil {
			return err
		}
	}
	return nil
}

func (c *funcCall) PartSize(queueIdx int) int {
	size := 0
	for _, a := range c.args {
		size = max(size, a.PartSize(queueIdx))
	}
	return size
}

func (c *funcCall) children() []Node { return c.args }
