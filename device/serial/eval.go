package serial

import (
	"math"

	"github.com/chewxy/math32"
)

type expr interface {
	eval(e *env) float64
}

type numExpr float64

func (n numExpr) eval(*env) float64 { return float64(n) }

type refExpr struct {
	name string
}

func (r *refExpr) eval(e *env) float64 {
	if e.locals != nil {
		if v, ok := e.locals[r.name]; ok {
			return v
		}
	}
	if r.name == "i" {
		return float64(e.i)
	}
	if v, ok := e.scalars[r.name]; ok {
		return v
	}
	// Unknown identifiers evaluate to zero; the parser only admits names
	// that appeared in the parameter list or an enclosing function.
	return 0
}

type indexExpr struct {
	name string
	idx  expr
}

func (x *indexExpr) eval(e *env) float64 {
	buf, ok := e.bufs[x.name]
	if !ok {
		return 0
	}
	return buf.load(int(x.idx.eval(e)))
}

type binaryExpr struct {
	op   string
	l, r expr
}

func (b *binaryExpr) eval(e *env) float64 {
	l := b.l.eval(e)
	r := b.r.eval(e)
	switch b.op {
	case "+":
		return e.round(l + r)
	case "-":
		return e.round(l - r)
	case "*":
		return e.round(l * r)
	case "/":
		return e.round(l / r)
	case "%":
		return math.Mod(l, r)
	case "<":
		return boolVal(l < r)
	case ">":
		return boolVal(l > r)
	case "<=":
		return boolVal(l <= r)
	case ">=":
		return boolVal(l >= r)
	case "==":
		return boolVal(l == r)
	case "!=":
		return boolVal(l != r)
	case "&&":
		return boolVal(l != 0 && r != 0)
	case "||":
		return boolVal(l != 0 || r != 0)
	}
	return 0
}

type unaryExpr struct {
	op string
	x  expr
}

func (u *unaryExpr) eval(e *env) float64 {
	v := u.x.eval(e)
	if u.op == "!" {
		return boolVal(v == 0)
	}
	return -v
}

type condExpr struct {
	c, t, f expr
}

func (c *condExpr) eval(e *env) float64 {
	if c.c.eval(e) != 0 {
		return c.t.eval(e)
	}
	return c.f.eval(e)
}

type callExpr struct {
	name string
	args []expr
}

func (c *callExpr) eval(e *env) float64 {
	vals := make([]float64, len(c.args))
	for i, a := range c.args {
		vals[i] = a.eval(e)
	}
	if fn, ok := e.funcs[c.name]; ok && len(fn.args) == len(vals) {
		locals := make(map[string]float64, len(vals))
		for i, name := range fn.args {
			locals[name] = vals[i]
		}
		inner := *e
		inner.locals = locals
		return fn.body.eval(&inner)
	}
	if e.f32 {
		if fn, ok := builtins32[c.name]; ok {
			return fn(vals)
		}
	}
	if fn, ok := builtins64[c.name]; ok {
		return fn(vals)
	}
	return 0
}

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// round narrows intermediate results to single precision when the kernel
// output type is single precision, mimicking per-operation device rounding.
func (e *env) round(v float64) float64 {
	if e.f32 {
		return float64(float32(v))
	}
	return v
}

// Builtin device functions. Single-precision kernels evaluate through
// math32 so results match what a device computing in float would produce.
var builtins64 = map[string]func([]float64) float64{
	"sqrt":  func(a []float64) float64 { return math.Sqrt(a[0]) },
	"rsqrt": func(a []float64) float64 { return 1 / math.Sqrt(a[0]) },
	"fabs":  func(a []float64) float64 { return math.Abs(a[0]) },
	"exp":   func(a []float64) float64 { return math.Exp(a[0]) },
	"exp2":  func(a []float64) float64 { return math.Exp2(a[0]) },
	"log":   func(a []float64) float64 { return math.Log(a[0]) },
	"log2":  func(a []float64) float64 { return math.Log2(a[0]) },
	"log10": func(a []float64) float64 { return math.Log10(a[0]) },
	"sin":   func(a []float64) float64 { return math.Sin(a[0]) },
	"cos":   func(a []float64) float64 { return math.Cos(a[0]) },
	"tan":   func(a []float64) float64 { return math.Tan(a[0]) },
	"asin":  func(a []float64) float64 { return math.Asin(a[0]) },
	"acos":  func(a []float64) float64 { return math.Acos(a[0]) },
	"atan":  func(a []float64) float64 { return math.Atan(a[0]) },
	"sinh":  func(a []float64) float64 { return math.Sinh(a[0]) },
	"cosh":  func(a []float64) float64 { return math.Cosh(a[0]) },
	"tanh":  func(a []float64) float64 { return math.Tanh(a[0]) },
	"floor": func(a []float64) float64 { return math.Floor(a[0]) },
	"ceil":  func(a []float64) float64 { return math.Ceil(a[0]) },
	"round": func(a []float64) float64 { return math.Round(a[0]) },
	"trunc": func(a []float64) float64 { return math.Trunc(a[0]) },
	"pow":   func(a []float64) float64 { return math.Pow(a[0], a[1]) },
	"fmin":  func(a []float64) float64 { return math.Min(a[0], a[1]) },
	"fmax":  func(a []float64) float64 { return math.Max(a[0], a[1]) },
	"fmod":  func(a []float64) float64 { return math.Mod(a[0], a[1]) },
}

var builtins32 = map[string]func([]float64) float64{
	"sqrt":  f32_1(math32.Sqrt),
	"fabs":  f32_1(math32.Abs),
	"exp":   f32_1(math32.Exp),
	"exp2":  f32_1(math32.Exp2),
	"log":   f32_1(math32.Log),
	"log2":  f32_1(math32.Log2),
	"log10": f32_1(math32.Log10),
	"sin":   f32_1(math32.Sin),
	"cos":   f32_1(math32.Cos),
	"tan":   f32_1(math32.Tan),
	"asin":  f32_1(math32.Asin),
	"acos":  f32_1(math32.Acos),
	"atan":  f32_1(math32.Atan),
	"sinh":  f32_1(math32.Sinh),
	"cosh":  f32_1(math32.Cosh),
	"tanh":  f32_1(math32.Tanh),
	"floor": f32_1(math32.Floor),
	"ceil":  f32_1(math32.Ceil),
	"trunc": f32_1(math32.Trunc),
	"pow":   f32_2(math32.Pow),
	"fmin":  f32_2(math32.Min),
	"fmax":  f32_2(math32.Max),
	"fmod":  f32_2(math32.Mod),
}

func f32_1(fn func(float32) float32) func([]float64) float64 {
	return func(a []float64) float64 { return float64(fn(float32(a[0]))) }
}

func f32_2(fn func(float32, float32) float32) func([]float64) float64 {
	return func(a []float64) float64 { return float64(fn(float32(a[0]), float32(a[1]))) }
}
