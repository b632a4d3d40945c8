// Package vec provides device-resident vectors whose arithmetic is fused
// into single compute kernels. Composing vectors and scalars with Add, Mul,
// user functions and builtins builds an expression tree; assigning the tree
// to a destination vector synthesizes kernel source for the whole
// expression, compiles it once per expression shape per device context, and
// launches it on every shard of the destination.
package vec

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/gridfuse/gridfuse/device"
	"github.com/gridfuse/gridfuse/dtype"
)

// Node is the capability contract every member of an expression implements.
// A kernel for a composed expression is assembled entirely through these
// calls: the name identifies the expression shape (and is the compilation
// cache key), parameters and arguments are declared and bound in the same
// stable left-to-right order, and the body text computes one output element.
type Node interface {
	// Preamble emits declarations needed ahead of the kernel, e.g.
	// generated function definitions. name must prefix any emitted
	// identifier so sibling nodes cannot collide.
	Preamble(w *strings.Builder, name string)

	// KernelName returns the node's operation token combined with its
	// children's tokens in Polish notation. Structurally identical
	// expressions produce identical names; structurally distinct ones
	// never collide.
	KernelName() string

	// KernelParams emits one kernel parameter declaration per leaf in
	// the node's subtree, namespaced by name.
	KernelParams(w *strings.Builder, name string)

	// KernelExpr emits the scalar expression text computing this node's
	// value for the element at index i.
	KernelExpr(w *strings.Builder, name string)

	// BindArgs binds the per-device kernel arguments for queue index
	// queueIdx starting at *pos, incrementing *pos per binding, in the
	// order KernelParams declared them.
	BindArgs(k device.Kernel, queueIdx int, pos *int) error

	// PartSize reports how many elements the node's operands span on
	// the given queue index. Scalars report zero.
	PartSize(queueIdx int) int
}

// UnknownOpError reports an operator byte the name synthesizer does not
// recognize. It indicates a construction-time defect, so it is delivered by
// panic rather than returned.
type UnknownOpError struct {
	Op byte
}

func (e *UnknownOpError) Error() string {
	return fmt.Sprintf("vec: unknown operator %q in expression", e.Op)
}

// Wrap adapts a value for use in an expression: Nodes pass through
// unchanged, plain arithmetic values become scalar leaves. Anything else is
// a construction-time defect and panics.
func Wrap(v any) Node {
	if n, ok := v.(Node); ok {
		return n
	}
	if dt := dtype.FromValue(v); dt != dtype.Invalid {
		return &Scalar{dt: dt, value: v}
	}
	panic(errors.Errorf("vec: %T is neither an expression node nor an arithmetic value", v))
}

// Scalar is the leaf a plain arithmetic value becomes. It declares one typed
// kernel argument, contributes nothing per-device (part size zero), and its
// body text is just the parameter name.
type Scalar struct {
	dt    dtype.DType
	value any
}

func (s *Scalar) Preamble(*strings.Builder, string) {}

func (s *Scalar) KernelName() string { return "c" }

func (s *Scalar) KernelParams(w *strings.Builder, name string) {
	fmt.Fprintf(w, ",\n\t%s %s", s.dt.Name(), name)
}

func (s *Scalar) KernelExpr(w *strings.Builder, name string) {
	w.WriteString(name)
}

func (s *Scalar) BindArgs(k device.Kernel, _ int, pos *int) error {
	if err := k.SetArg(*pos, s.value); err != nil {
		return err
	}
	*pos++
	return nil
}

func (s *Scalar) PartSize(int) int { return 0 }

// binOp is a binary composite. Child emissions are suffixed "l"/"r" so leaf
// parameter names stay unique across the tree.
type binOp struct {
	op   byte
	l, r Node
}

// Add returns the elementwise sum l + r. Operands may be vectors, scalars
// or other expressions.
func Add(l, r any) Node { return &binOp{op: '+', l: Wrap(l), r: Wrap(r)} }

// Sub returns the elementwise difference l - r.
func Sub(l, r any) Node { return &binOp{op: '-', l: Wrap(l), r: Wrap(r)} }

// Mul returns the elementwise product l * r.
func Mul(l, r any) Node { return &binOp{op: '*', l: Wrap(l), r: Wrap(r)} }

// Div returns the elementwise quotient l / r.
func Div(l, r any) Node { return &binOp{op: '/', l: Wrap(l), r: Wrap(r)} }

func (b *binOp) token() string {
	switch b.op {
	case '+':
		return "p"
	case '-':
		return "m"
	case '*':
		return "t"
	case '/':
		return "d"
	}
	panic(&UnknownOpError{Op: b.op})
}

func (b *binOp) Preamble(w *strings.Builder, name string) {
	b.l.Preamble(w, name+"l")
	b.r.Preamble(w, name+"r")
}

func (b *binOp) KernelName() string {
	return b.token() + b.l.KernelName() + b.r.KernelName()
}

func (b *binOp) KernelParams(w *strings.Builder, name string) {
	b.l.KernelParams(w, name+"l")
	b.r.KernelParams(w, name+"r")
}

func (b *binOp) KernelExpr(w *strings.Builder, name string) {
	w.WriteByte('(')
	b.l.KernelExpr(w, name+"l")
	fmt.Fprintf(w, " %c ", b.op)
	b.r.KernelExpr(w, name+"r")
	w.WriteByte(')')
}

func (b *binOp) BindArgs(k device.Kernel, queueIdx int, pos *int) error {
	if err := b.l.BindArgs(k, queueIdx, pos); err != nil {
		return err
	}
	return b.r.BindArgs(k, queueIdx, pos)
}

func (b *binOp) PartSize(queueIdx int) int {
	return max(b.l.PartSize(queueIdx), b.r.PartSize(queueIdx))
}

func (b *binOp) children() []Node { return []Node{b.l, b.r} }

// unOp is a unary composite: either negation or a builtin device function
// applied to a sub-expression. Its function name doubles as its name token.
type unOp struct {
	fn string
	x  Node
}

func (u *unOp) Preamble(w *strings.Builder, name string) {
	u.x.Preamble(w, name)
}

func (u *unOp) KernelName() string {
	return u.fn + u.x.KernelName()
}

func (u *unOp) KernelParams(w *strings.Builder, name string) {
	u.x.KernelParams(w, name)
}

func (u *unOp) KernelExpr(w *strings.Builder, name string) {
	if u.fn == "neg" {
		w.WriteString("(-")
		u.x.KernelExpr(w, name)
		w.WriteByte(')')
		return
	}
	w.WriteString(u.fn)
	w.WriteByte('(')
	u.x.KernelExpr(w, name)
	w.WriteByte(')')
}

func (u *unOp) BindArgs(k device.Kernel, queueIdx int, pos *int) error {
	return u.x.BindArgs(k, queueIdx, pos)
}

func (u *unOp) PartSize(queueIdx int) int {
	return u.x.PartSize(queueIdx)
}

func (u *unOp) children() []Node { return []Node{u.x} }

// Neg returns the elementwise negation -x.
func Neg(x any) Node { return &unOp{fn: "neg", x: Wrap(x)} }

// Builtin device functions, composable like any other node.

func Sqrt(x any) Node  { return &unOp{fn: "sqrt", x: Wrap(x)} }
func Rsqrt(x any) Node { return &unOp{fn: "rsqrt", x: Wrap(x)} }
func Fabs(x any) Node  { return &unOp{fn: "fabs", x: Wrap(x)} }
func Exp(x any) Node   { return &unOp{fn: "exp", x: Wrap(x)} }
func Exp2(x any) Node  { return &unOp{fn: "exp2", x: Wrap(x)} }
func Log(x any) Node   { return &unOp{fn: "log", x: Wrap(x)} }
func Log2(x any) Node  { return &unOp{fn: "log2", x: Wrap(x)} }
func Log10(x any) Node { return &unOp{fn: "log10", x: Wrap(x)} }
func Sin(x any) Node   { return &unOp{fn: "sin", x: Wrap(x)} }
func Cos(x any) Node   { return &unOp{fn: "cos", x: Wrap(x)} }
func Tan(x any) Node   { return &unOp{fn: "tan", x: Wrap(x)} }
func Asin(x any) Node  { return &unOp{fn: "asin", x: Wrap(x)} }
func Acos(x any) Node  { return &unOp{fn: "acos", x: Wrap(x)} }
func Atan(x any) Node  { return &unOp{fn: "atan", x: Wrap(x)} }
func Sinh(x any) Node  { return &unOp{fn: "sinh", x: Wrap(x)} }
func Cosh(x any) Node  { return &unOp{fn: "cosh", x: Wrap(x)} }
func Tanh(x any) Node  { return &unOp{fn: "tanh", x: Wrap(x)} }
func Floor(x any) Node { return &unOp{fn: "floor", x: Wrap(x)} }
func Ceil(x any) Node  { return &unOp{fn: "ceil", x: Wrap(x)} }
func Trunc(x any) Node { return &unOp{fn: "trunc", x: Wrap(x)} }

// composite is implemented by internal nodes; the assignment-time topology
// check walks it to reach every vector leaf.
type composite interface {
	children() []Node
}

// vectorLeaf is implemented by every Vector[T] independent of element type.
type vectorLeaf interface {
	queueList() []device.Queue
	partTable() []int
}

func visitLeaves(n Node, fn func(vectorLeaf)) {
	if v, ok := n.(vectorLeaf); ok {
		fn(v)
		return
	}
	if c, ok := n.(composite); ok {
		for _, child := range c.children() {
			visitLeaves(child, fn)
		}
	}
}
