package serial

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gridfuse/gridfuse/dtype"
)

// program is the parsed form of one generated kernel source file: optional
// preamble functions, the kernel parameter list, and the single per-element
// assignment that forms the kernel body.
type program struct {
	name    string
	params  []param
	out     string // name of the output pointer parameter
	body    expr
	strided bool // grid-strided loop rather than one bounds-checked pass
	funcs   map[string]*function
}

type param struct {
	name    string
	dt      dtype.DType
	pointer bool
}

type function struct {
	name string
	args []string
	body expr
}

// ---------------------------------------------------------------------------
// Tokenizer

type tokenizer struct {
	toks []string
	pos  int
}

func tokenize(src string) []string {
	var toks []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == '#': // preprocessor line
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				i = len(src)
			} else {
				i += end + 4
			}
		case unicode.IsSpace(rune(c)):
			i++
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		case c >= '0' && c <= '9' || c == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.' ||
				src[j] == 'e' || src[j] == 'E' || src[j] == 'f' || src[j] == 'F' ||
				(src[j] == '+' || src[j] == '-') && (src[j-1] == 'e' || src[j-1] == 'E')) {
				j++
			}
			toks = append(toks, src[i:j])
			i = j
		default:
			two := ""
			if i+1 < len(src) {
				two = src[i : i+2]
			}
			switch two {
			case "<=", ">=", "==", "!=", "&&", "||", "+=":
				toks = append(toks, two)
				i += 2
			default:
				toks = append(toks, string(c))
				i++
			}
		}
	}
	return toks
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func (t *tokenizer) peek() string {
	if t.pos < len(t.toks) {
		return t.toks[t.pos]
	}
	return ""
}

func (t *tokenizer) next() string {
	tok := t.peek()
	t.pos++
	return tok
}

func (t *tokenizer) expect(tok string) error {
	if got := t.next(); got != tok {
		return errors.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Parser

func parseProgram(src string) (*program, error) {
	t := &tokenizer{toks: tokenize(src)}
	prog := &program{funcs: make(map[string]*function)}

	for t.peek() != "" {
		if t.peek() == "kernel" {
			if prog.body != nil {
				return nil, errors.New("more than one kernel in source")
			}
			if err := prog.parseKernel(t); err != nil {
				return nil, err
			}
			continue
		}
		fn, err := parseFunction(t)
		if err != nil {
			return nil, err
		}
		prog.funcs[fn.name] = fn
	}
	if prog.body == nil {
		return nil, errors.New("no kernel in source")
	}
	return prog, nil
}

// parseFunction consumes `type name(type arg, ...) { return expr; }`.
// Preamble functions with anything other than a single return statement are
// rejected; the interpreter does not model general statement bodies.
func parseFunction(t *tokenizer) (*function, error) {
	retType := t.next()
	if _, ok := dtype.FromName(retType); !ok {
		return nil, errors.Errorf("unknown return type %q in preamble", retType)
	}
	fn := &function{name: t.next()}
	if err := t.expect("("); err != nil {
		return nil, err
	}
	for t.peek() != ")" {
		argType := t.next()
		if _, ok := dtype.FromName(argType); !ok {
			return nil, errors.Errorf("unknown argument type %q in function %s", argType, fn.name)
		}
		fn.args = append(fn.args, t.next())
		if t.peek() == "," {
			t.next()
		}
	}
	t.next() // ')'
	if err := t.expect("{"); err != nil {
		return nil, err
	}
	if err := t.expect("return"); err != nil {
		return nil, errors.Wrapf(err, "function %s: only single-return bodies are interpretable", fn.name)
	}
	body, err := parseExpr(t)
	if err != nil {
		return nil, errors.Wrapf(err, "function %s", fn.name)
	}
	fn.body = body
	if err := t.expect(";"); err != nil {
		return nil, err
	}
	if err := t.expect("}"); err != nil {
		return nil, errors.Errorf("function %s: trailing statements are not interpretable", fn.name)
	}
	return fn, nil
}

func (p *program) parseKernel(t *tokenizer) error {
	t.next() // "kernel"
	if err := t.expect("void"); err != nil {
		return err
	}
	p.name = t.next()
	if err := t.expect("("); err != nil {
		return err
	}
	for t.peek() != ")" {
		var prm param
		tok := t.next()
		if tok == "global" {
			prm.pointer = true
			tok = t.next()
		}
		dt, ok := dtype.FromName(tok)
		if !ok && !(tok == "ulong" || tok == "uint") {
			return errors.Errorf("kernel %s: unknown parameter type %q", p.name, tok)
		}
		prm.dt = dt
		if prm.pointer {
			if err := t.expect("*"); err != nil {
				return err
			}
		}
		prm.name = t.next()
		p.params = append(p.params, prm)
		if t.peek() == "," {
			t.next()
		}
	}
	t.next() // ')'
	if len(p.params) < 2 || p.params[0].pointer || !p.params[1].pointer {
		return errors.Errorf("kernel %s: expected (length, output pointer, ...) parameters", p.name)
	}
	p.out = p.params[1].name
	return p.parseBody(t)
}

// parseBody consumes the fixed body shape: index setup, then either a
// bounds-checked if or a grid-strided while around `out[i] = expr;`.
func (p *program) parseBody(t *tokenizer) error {
	if err := t.expect("{"); err != nil {
		return err
	}
	// Skip `size_t i = get_global_id(0);` and, for the strided flavor,
	// `size_t grid_size = get_num_groups(0) * get_local_size(0);`.
	for t.peek() == "size_t" {
		for t.peek() != ";" && t.peek() != "" {
			t.next()
		}
		t.next()
	}
	switch t.peek() {
	case "if":
		p.strided = false
	case "while":
		p.strided = true
	default:
		return errors.Errorf("kernel %s: expected if/while loop, got %q", p.name, t.peek())
	}
	t.next()
	// Condition is fixed to (i < n); skip to the block.
	if err := t.expect("("); err != nil {
		return err
	}
	for t.peek() != ")" && t.peek() != "" {
		t.next()
	}
	t.next()
	if err := t.expect("{"); err != nil {
		return err
	}
	if err := t.expect(p.out); err != nil {
		return errors.Errorf("kernel %s: body must assign %s[i]", p.name, p.out)
	}
	if err := t.expect("["); err != nil {
		return err
	}
	if err := t.expect("i"); err != nil {
		return err
	}
	if err := t.expect("]"); err != nil {
		return err
	}
	if err := t.expect("="); err != nil {
		return err
	}
	body, err := parseExpr(t)
	if err != nil {
		return errors.Wrapf(err, "kernel %s", p.name)
	}
	p.body = body
	if err := t.expect(";"); err != nil {
		return err
	}
	if p.strided {
		// `i += grid_size;`
		for t.peek() != ";" && t.peek() != "" {
			t.next()
		}
		t.next()
	}
	if err := t.expect("}"); err != nil {
		return err
	}
	return t.expect("}")
}

// ---------------------------------------------------------------------------
// Expression grammar (C subset: ternary, logic, comparison, arithmetic,
// unary minus/not, calls, indexing, parentheses).

func parseExpr(t *tokenizer) (expr, error) {
	return parseTernary(t)
}

func parseTernary(t *tokenizer) (expr, error) {
	c, err := parseOr(t)
	if err != nil {
		return nil, err
	}
	if t.peek() != "?" {
		return c, nil
	}
	t.next()
	then, err := parseExpr(t)
	if err != nil {
		return nil, err
	}
	if err := t.expect(":"); err != nil {
		return nil, err
	}
	els, err := parseTernary(t)
	if err != nil {
		return nil, err
	}
	return &condExpr{c: c, t: then, f: els}, nil
}

func parseOr(t *tokenizer) (expr, error) {
	return parseBinaryChain(t, parseAnd, "||")
}

func parseAnd(t *tokenizer) (expr, error) {
	return parseBinaryChain(t, parseCompare, "&&")
}

func parseCompare(t *tokenizer) (expr, error) {
	l, err := parseAdd(t)
	if err != nil {
		return nil, err
	}
	switch op := t.peek(); op {
	case "<", ">", "<=", ">=", "==", "!=":
		t.next()
		r, err := parseAdd(t)
		if err != nil {
			return nil, err
		}
		return &binaryExpr{op: op, l: l, r: r}, nil
	}
	return l, nil
}

func parseAdd(t *tokenizer) (expr, error) {
	return parseBinaryChain(t, parseMul, "+", "-")
}

func parseMul(t *tokenizer) (expr, error) {
	return parseBinaryChain(t, parseUnary, "*", "/", "%")
}

func parseBinaryChain(t *tokenizer, next func(*tokenizer) (expr, error), ops ...string) (expr, error) {
	l, err := next(t)
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range ops {
			if t.peek() == op {
				t.next()
				r, err := next(t)
				if err != nil {
					return nil, err
				}
				l = &binaryExpr{op: op, l: l, r: r}
				matched = true
				break
			}
		}
		if !matched {
			return l, nil
		}
	}
}

func parseUnary(t *tokenizer) (expr, error) {
	switch t.peek() {
	case "-", "!":
		op := t.next()
		x, err := parseUnary(t)
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, x: x}, nil
	}
	return parsePrimary(t)
}

func parsePrimary(t *tokenizer) (expr, error) {
	tok := t.next()
	switch {
	case tok == "":
		return nil, errors.New("unexpected end of expression")
	case tok == "(":
		e, err := parseExpr(t)
		if err != nil {
			return nil, err
		}
		return e, t.expect(")")
	case tok[0] >= '0' && tok[0] <= '9' || tok[0] == '.':
		v, err := strconv.ParseFloat(strings.TrimRight(tok, "fF"), 64)
		if err != nil {
			return nil, errors.Errorf("bad numeric literal %q", tok)
		}
		return numExpr(v), nil
	case isIdentStart(tok[0]):
		switch t.peek() {
		case "(":
			t.next()
			var args []expr
			for t.peek() != ")" {
				a, err := parseExpr(t)
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if t.peek() == "," {
					t.next()
				}
			}
			t.next() // ')'
			return &callExpr{name: tok, args: args}, nil
		case "[":
			t.next()
			idx, err := parseExpr(t)
			if err != nil {
				return nil, err
			}
			if err := t.expect("]"); err != nil {
				return nil, err
			}
			return &indexExpr{name: tok, idx: idx}, nil
		}
		return &refExpr{name: tok}, nil
	}
	return nil, errors.Errorf("unexpected token %q in expression", tok)
}

// ---------------------------------------------------------------------------
// Execution

type bufView struct {
	dt   dtype.DType
	data []byte
}

func (v bufView) load(i int) float64 {
	sz := v.dt.Size()
	return v.dt.Decode(v.data[i*sz:])
}

func (v bufView) store(i int, x float64) {
	sz := v.dt.Size()
	v.dt.Encode(v.data[i*sz:], x)
}

type env struct {
	i       int
	bufs    map[string]bufView
	scalars map[string]float64
	locals  map[string]float64
	funcs   map[string]*function
	f32     bool
}

// run executes the kernel over the launch: one bounds-checked pass for the
// plain flavor, a stride-by-global pass for the grid-strided flavor.
func (p *program) run(args []any, global int) error {
	if len(args) != len(p.params) {
		return errors.Errorf("kernel %s: %d arguments bound, want %d", p.name, len(args), len(p.params))
	}
	e := &env{
		bufs:    make(map[string]bufView),
		scalars: make(map[string]float64),
		funcs:   p.funcs,
	}
	var out bufView
	for idx, prm := range p.params {
		if args[idx] == nil {
			return errors.Errorf("kernel %s: argument %d (%s) not bound", p.name, idx, prm.name)
		}
		if prm.pointer {
			b, ok := args[idx].(*Buffer)
			if !ok {
				return errors.Errorf("kernel %s: argument %d (%s) must be a buffer", p.name, idx, prm.name)
			}
			data, err := b.bytes(0, b.Size())
			if err != nil {
				return err
			}
			e.bufs[prm.name] = bufView{dt: prm.dt, data: data}
		} else {
			v, err := scalarValue(args[idx])
			if err != nil {
				return errors.Wrapf(err, "kernel %s: argument %d (%s)", p.name, idx, prm.name)
			}
			e.scalars[prm.name] = v
		}
	}
	out = e.bufs[p.out]
	e.f32 = out.dt == dtype.Float32 || out.dt == dtype.Half

	n := int(e.scalars[p.params[0].name])
	if n*out.dt.Size() > len(out.data) {
		return errors.Errorf("kernel %s: length %d exceeds output buffer", p.name, n)
	}
	if p.strided {
		for gid := 0; gid < global; gid++ {
			for i := gid; i < n; i += global {
				e.i = i
				out.store(i, p.body.eval(e))
			}
		}
		return nil
	}
	for gid := 0; gid < global && gid < n; gid++ {
		e.i = gid
		out.store(gid, p.body.eval(e))
	}
	return nil
}

func scalarValue(v any) (float64, error) {
	switch x := v.(type) {
	case float16.Float16:
		return float64(x.Float32()), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, errors.Errorf("unsupported scalar argument type %T", v)
}
