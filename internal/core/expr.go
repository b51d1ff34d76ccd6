package core

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"math"
	"math/rand/v2"
	"reflect"
	"strconv"
	"sync"

	pkgerrors "github.com/pkg/errors"
)

// DefaultMaxDepth bounds nested global function calls.
const DefaultMaxDepth = 256

// ExprEvaluator is the default Evaluator. It interprets commands as Go
// expressions.
//
// Identifiers resolve to, in order: function parameters, dependency values and
// global objects. Calls resolve to global functions, native functions and then
// builtins. Integer arithmetic follows Go's int64 semantics.
type ExprEvaluator struct {
	MaxDepth int

	mu     sync.Mutex
	bodies map[string]ast.Expr
}

// NewExprEvaluator creates an ExprEvaluator.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		MaxDepth: DefaultMaxDepth,
		bodies:   make(map[string]ast.Expr),
	}
}

// Evaluate implements Evaluator.
func (e *ExprEvaluator) Evaluate(ctx context.Context, req EvalRequest) (val Value, err error) {
	expr, err := parser.ParseExpr(req.Command)
	if err != nil {
		return nil, &EvalError{Msg: fmt.Sprintf("parse command: %v", err), Err: pkgerrors.WithStack(err)}
	}

	seed := uint64(req.Seed)
	in := &interp{
		ctx:  ctx,
		ev:   e,
		req:  req,
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		deps: req.Deps,
	}

	defer func() {
		if r := recover(); r != nil {
			val = nil
			err = &EvalError{Msg: fmt.Sprintf("panic: %v", r), Err: pkgerrors.Errorf("panic: %v", r)}
		}
	}()

	v, err := in.eval(expr, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeValue(v)
}

func (e *ExprEvaluator) body(src string) (ast.Expr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if x, ok := e.bodies[src]; ok {
		return x, nil
	}
	x, err := parser.ParseExpr(src)
	if err != nil {
		return nil, err
	}
	if e.bodies == nil {
		e.bodies = make(map[string]ast.Expr)
	}
	e.bodies[src] = x
	return x, nil
}

type interp struct {
	ctx   context.Context
	ev    *ExprEvaluator
	req   EvalRequest
	rng   *rand.Rand
	deps  map[string]Value
	depth int
}

func (in *interp) eval(node ast.Expr, locals map[string]Value) (Value, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		return evalLiteral(n)
	case *ast.Ident:
		return in.lookup(n.Name, locals)
	case *ast.ParenExpr:
		return in.eval(n.X, locals)
	case *ast.UnaryExpr:
		x, err := in.eval(n.X, locals)
		if err != nil {
			return nil, err
		}
		return unaryOp(n.Op, x)
	case *ast.BinaryExpr:
		return in.evalBinary(n, locals)
	case *ast.CallExpr:
		return in.evalCall(n, locals)
	case *ast.IndexExpr:
		return in.evalIndex(n, locals)
	case *ast.SliceExpr:
		return in.evalSlice(n, locals)
	case *ast.CompositeLit:
		return in.evalComposite(n, locals)
	default:
		return nil, newEvalError("unsupported expression %s", types.ExprString(node))
	}
}

func evalLiteral(n *ast.BasicLit) (Value, error) {
	switch n.Kind {
	case token.INT:
		i, err := strconv.ParseInt(n.Value, 0, 64)
		if err != nil {
			return nil, newEvalError("invalid integer literal %s", n.Value)
		}
		return i, nil
	case token.FLOAT:
		f, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return nil, newEvalError("invalid float literal %s", n.Value)
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, newEvalError("invalid string literal %s", n.Value)
		}
		return s, nil
	case token.CHAR:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, newEvalError("invalid char literal %s", n.Value)
		}
		return int64([]rune(s)[0]), nil
	default:
		return nil, newEvalError("unsupported literal %s", n.Value)
	}
}

func (in *interp) lookup(name string, locals map[string]Value) (Value, error) {
	if v, ok := locals[name]; ok {
		return v, nil
	}
	if v, ok := in.deps[name]; ok {
		return v, nil
	}
	if in.req.Scope != nil {
		if v, ok := in.req.Scope.Objects[name]; ok {
			return v, nil
		}
	}
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "nil":
		return nil, nil
	}
	return nil, newEvalError("undefined: %s", name)
}

func (in *interp) evalBinary(n *ast.BinaryExpr, locals map[string]Value) (Value, error) {
	x, err := in.eval(n.X, locals)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.LAND, token.LOR:
		xb, ok := x.(bool)
		if !ok {
			return nil, newEvalError("operator %s not defined on %s", n.Op, typeName(x))
		}
		if n.Op == token.LAND && !xb {
			return false, nil
		}
		if n.Op == token.LOR && xb {
			return true, nil
		}
		y, err := in.eval(n.Y, locals)
		if err != nil {
			return nil, err
		}
		yb, ok := y.(bool)
		if !ok {
			return nil, newEvalError("operator %s not defined on %s", n.Op, typeName(y))
		}
		return yb, nil
	}

	y, err := in.eval(n.Y, locals)
	if err != nil {
		return nil, err
	}
	return binaryOp(n.Op, x, y)
}

func unaryOp(op token.Token, x Value) (Value, error) {
	switch op {
	case token.SUB:
		switch v := x.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
	case token.ADD:
		switch x.(type) {
		case int64, float64:
			return x, nil
		}
	case token.NOT:
		if b, ok := x.(bool); ok {
			return !b, nil
		}
	case token.XOR:
		if i, ok := x.(int64); ok {
			return ^i, nil
		}
	}
	return nil, newEvalError("operator %s not defined on %s", op, typeName(x))
}

func binaryOp(op token.Token, x, y Value) (Value, error) {
	switch op {
	case token.EQL:
		return valuesEqual(x, y), nil
	case token.NEQ:
		return !valuesEqual(x, y), nil
	}

	switch xv := x.(type) {
	case int64:
		switch yv := y.(type) {
		case int64:
			return intOp(op, xv, yv)
		case float64:
			return floatOp(op, float64(xv), yv)
		}
	case float64:
		switch yv := y.(type) {
		case int64:
			return floatOp(op, xv, float64(yv))
		case float64:
			return floatOp(op, xv, yv)
		}
	case string:
		if yv, ok := y.(string); ok {
			return stringOp(op, xv, yv)
		}
	case []any:
		if yv, ok := y.([]any); ok && op == token.ADD {
			out := make([]any, 0, len(xv)+len(yv))
			return append(append(out, xv...), yv...), nil
		}
	}
	return nil, newEvalError("invalid operation: %s %s %s", typeName(x), op, typeName(y))
}

func intOp(op token.Token, x, y int64) (Value, error) {
	switch op {
	case token.ADD:
		return x + y, nil
	case token.SUB:
		return x - y, nil
	case token.MUL:
		return x * y, nil
	case token.QUO:
		if y == 0 {
			return nil, newEvalError("integer divide by zero")
		}
		return x / y, nil
	case token.REM:
		if y == 0 {
			return nil, newEvalError("integer divide by zero")
		}
		return x % y, nil
	case token.AND:
		return x & y, nil
	case token.OR:
		return x | y, nil
	case token.XOR:
		return x ^ y, nil
	case token.SHL:
		if y < 0 {
			return nil, newEvalError("negative shift count %d", y)
		}
		return x << uint64(y), nil
	case token.SHR:
		if y < 0 {
			return nil, newEvalError("negative shift count %d", y)
		}
		return x >> uint64(y), nil
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return nil, newEvalError("operator %s not defined on int", op)
}

func floatOp(op token.Token, x, y float64) (Value, error) {
	switch op {
	case token.ADD:
		return x + y, nil
	case token.SUB:
		return x - y, nil
	case token.MUL:
		return x * y, nil
	case token.QUO:
		return x / y, nil
	case token.REM:
		return math.Mod(x, y), nil
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return nil, newEvalError("operator %s not defined on float", op)
}

func stringOp(op token.Token, x, y string) (Value, error) {
	switch op {
	case token.ADD:
		return x + y, nil
	case token.LSS:
		return x < y, nil
	case token.LEQ:
		return x <= y, nil
	case token.GTR:
		return x > y, nil
	case token.GEQ:
		return x >= y, nil
	}
	return nil, newEvalError("operator %s not defined on string", op)
}

// valuesEqual compares values structurally; ints and floats compare numerically.
func valuesEqual(x, y Value) bool {
	switch xv := x.(type) {
	case int64:
		if yv, ok := y.(float64); ok {
			return float64(xv) == yv
		}
	case float64:
		if yv, ok := y.(int64); ok {
			return xv == float64(yv)
		}
	}
	return reflect.DeepEqual(x, y)
}

func (in *interp) evalCall(n *ast.CallExpr, locals map[string]Value) (Value, error) {
	if err := in.ctx.Err(); err != nil {
		return nil, err
	}

	ident, ok := n.Fun.(*ast.Ident)
	if !ok {
		return nil, newEvalError("cannot call %s", types.ExprString(n.Fun))
	}
	name := ident.Name

	args := make([]Value, 0, len(n.Args))
	for _, a := range n.Args {
		v, err := in.eval(a, locals)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	if n.Ellipsis.IsValid() && len(args) > 0 {
		last, ok := args[len(args)-1].([]any)
		if !ok {
			return nil, newEvalError("cannot use %s as variadic argument", typeName(args[len(args)-1]))
		}
		args = append(args[:len(args)-1], last...)
	}

	v, err := in.call(name, args)
	if err != nil {
		return nil, withFrame(err, types.ExprString(n))
	}
	return v, nil
}

func (in *interp) call(name string, args []Value) (Value, error) {
	scope := in.req.Scope
	if scope != nil {
		if fn, ok := scope.Functions[name]; ok {
			return in.callFunction(name, fn, args)
		}
		if native, ok := scope.Natives[name]; ok {
			out, err := native(in.ctx, args)
			if err != nil {
				return nil, err
			}
			return NormalizeValue(out)
		}
	}
	if b, ok := builtins[name]; ok {
		return b(in, args)
	}
	return nil, newEvalError("undefined function: %s", name)
}

func (in *interp) callFunction(name string, fn Function, args []Value) (Value, error) {
	if len(args) != len(fn.Params) {
		return nil, newEvalError("%s: expected %d arguments, got %d", name, len(fn.Params), len(args))
	}
	maxDepth := in.ev.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	if in.depth >= maxDepth {
		return nil, newEvalError("%s: maximum call depth %d exceeded", name, maxDepth)
	}

	body, err := in.ev.body(fn.Body)
	if err != nil {
		return nil, newEvalError("%s: parse body: %v", name, err)
	}

	locals := make(map[string]Value, len(fn.Params))
	for i, p := range fn.Params {
		locals[p] = args[i]
	}

	in.depth++
	defer func() { in.depth-- }()
	return in.eval(body, locals)
}

func (in *interp) evalIndex(n *ast.IndexExpr, locals map[string]Value) (Value, error) {
	x, err := in.eval(n.X, locals)
	if err != nil {
		return nil, err
	}
	idx, err := in.eval(n.Index, locals)
	if err != nil {
		return nil, err
	}

	switch xv := x.(type) {
	case []any:
		i, ok := idx.(int64)
		if !ok {
			return nil, newEvalError("list index must be int, got %s", typeName(idx))
		}
		if i < 0 || i >= int64(len(xv)) {
			return nil, newEvalError("index %d out of range [0:%d]", i, len(xv))
		}
		return xv[i], nil
	case map[string]any:
		k, ok := idx.(string)
		if !ok {
			return nil, newEvalError("map key must be string, got %s", typeName(idx))
		}
		v, ok := xv[k]
		if !ok {
			return nil, newEvalError("key %q not found", k)
		}
		return v, nil
	case string:
		i, ok := idx.(int64)
		if !ok {
			return nil, newEvalError("string index must be int, got %s", typeName(idx))
		}
		if i < 0 || i >= int64(len(xv)) {
			return nil, newEvalError("index %d out of range [0:%d]", i, len(xv))
		}
		return string(xv[i]), nil
	}
	return nil, newEvalError("cannot index %s", typeName(x))
}

func (in *interp) evalSlice(n *ast.SliceExpr, locals map[string]Value) (Value, error) {
	x, err := in.eval(n.X, locals)
	if err != nil {
		return nil, err
	}

	var length int64
	switch xv := x.(type) {
	case []any:
		length = int64(len(xv))
	case string:
		length = int64(len(xv))
	default:
		return nil, newEvalError("cannot slice %s", typeName(x))
	}

	bound := func(e ast.Expr, def int64) (int64, error) {
		if e == nil {
			return def, nil
		}
		v, err := in.eval(e, locals)
		if err != nil {
			return 0, err
		}
		i, ok := v.(int64)
		if !ok {
			return 0, newEvalError("slice index must be int, got %s", typeName(v))
		}
		return i, nil
	}
	lo, err := bound(n.Low, 0)
	if err != nil {
		return nil, err
	}
	hi, err := bound(n.High, length)
	if err != nil {
		return nil, err
	}
	if lo < 0 || hi < lo || hi > length {
		return nil, newEvalError("slice bounds out of range [%d:%d] with length %d", lo, hi, length)
	}

	if s, ok := x.(string); ok {
		return s[lo:hi], nil
	}
	l := x.([]any)
	return append([]any(nil), l[lo:hi]...), nil
}

func (in *interp) evalComposite(n *ast.CompositeLit, locals map[string]Value) (Value, error) {
	switch n.Type.(type) {
	case *ast.MapType:
		out := make(map[string]any, len(n.Elts))
		for _, elt := range n.Elts {
			kv, ok := elt.(*ast.KeyValueExpr)
			if !ok {
				return nil, newEvalError("missing key in map literal")
			}
			k, err := in.eval(kv.Key, locals)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				return nil, newEvalError("map key must be string, got %s", typeName(k))
			}
			v, err := in.eval(kv.Value, locals)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	case *ast.ArrayType, nil:
		out := make([]any, 0, len(n.Elts))
		for _, elt := range n.Elts {
			v, err := in.eval(elt, locals)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, newEvalError("unsupported composite literal %s", types.ExprString(n))
}

func typeName(v Value) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	}
	return fmt.Sprintf("%T", v)
}
