package core

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	pkgerrors "github.com/pkg/errors"
)

// Marker builtins whose string literal argument names a tracked file.
const (
	FileInMarker  = "file_in"
	FileOutMarker = "file_out"
)

type builtinFunc func(in *interp, args []Value) (Value, error)

var builtins = map[string]builtinFunc{
	"list":       builtinList,
	"len":        builtinLen,
	"sum":        builtinSum,
	"mean":       builtinMean,
	"min":        builtinMin,
	"max":        builtinMax,
	"seq":        builtinSeq,
	"str":        builtinStr,
	"sprintf":    builtinSprintf,
	"concat":     builtinConcat,
	"dict":       builtinDict,
	"keys":       builtinKeys,
	FileInMarker: builtinFilePath,
	FileOutMarker: func(in *interp, args []Value) (Value, error) {
		p, err := builtinFilePath(in, args)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(in.path(p.(string))), 0o755); err != nil {
			return nil, pkgerrors.Wrap(err, "file_out")
		}
		return p, nil
	},
	"read_file":  builtinReadFile,
	"write_file": builtinWriteFile,
	"rand_int":   builtinRandInt,
	"rand_float": builtinRandFloat,
	"stop":       builtinStop,
}

// IsBuiltin reports whether name is a builtin function of ExprEvaluator.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func (in *interp) path(p string) string {
	if filepath.IsAbs(p) || in.req.WorkDir == "" {
		return p
	}
	return filepath.Join(in.req.WorkDir, p)
}

func arity(name string, args []Value, n int) error {
	if len(args) != n {
		return newEvalError("%s: expected %d arguments, got %d", name, n, len(args))
	}
	return nil
}

// numbers flattens args into numbers. A single list argument is expanded.
func numbers(name string, args []Value) ([]Value, bool, error) {
	if len(args) == 1 {
		if l, ok := args[0].([]any); ok {
			args = l
		}
	}
	allInt := true
	for _, a := range args {
		switch a.(type) {
		case int64:
		case float64:
			allInt = false
		default:
			return nil, false, newEvalError("%s: expected numbers, got %s", name, typeName(a))
		}
	}
	return args, allInt, nil
}

func toFloat(v Value) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

func builtinList(_ *interp, args []Value) (Value, error) {
	return append([]any{}, args...), nil
}

func builtinLen(_ *interp, args []Value) (Value, error) {
	if err := arity("len", args, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case string:
		return int64(len(x)), nil
	case []any:
		return int64(len(x)), nil
	case map[string]any:
		return int64(len(x)), nil
	}
	return nil, newEvalError("len: invalid argument %s", typeName(args[0]))
}

func builtinSum(_ *interp, args []Value) (Value, error) {
	nums, allInt, err := numbers("sum", args)
	if err != nil {
		return nil, err
	}
	if allInt {
		var total int64
		for _, n := range nums {
			total += n.(int64)
		}
		return total, nil
	}
	var total float64
	for _, n := range nums {
		total += toFloat(n)
	}
	return total, nil
}

func builtinMean(_ *interp, args []Value) (Value, error) {
	nums, _, err := numbers("mean", args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, newEvalError("mean: empty input")
	}
	var total float64
	for _, n := range nums {
		total += toFloat(n)
	}
	return total / float64(len(nums)), nil
}

func extreme(name string, args []Value, less func(a, b float64) bool) (Value, error) {
	nums, _, err := numbers(name, args)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, newEvalError("%s: empty input", name)
	}
	best := nums[0]
	for _, n := range nums[1:] {
		if less(toFloat(n), toFloat(best)) {
			best = n
		}
	}
	return best, nil
}

func builtinMin(_ *interp, args []Value) (Value, error) {
	return extreme("min", args, func(a, b float64) bool { return a < b })
}

func builtinMax(_ *interp, args []Value) (Value, error) {
	return extreme("max", args, func(a, b float64) bool { return a > b })
}

func builtinSeq(_ *interp, args []Value) (Value, error) {
	var lo, hi int64
	switch len(args) {
	case 1:
		n, ok := args[0].(int64)
		if !ok {
			return nil, newEvalError("seq: expected int, got %s", typeName(args[0]))
		}
		hi = n
	case 2:
		a, ok1 := args[0].(int64)
		b, ok2 := args[1].(int64)
		if !ok1 || !ok2 {
			return nil, newEvalError("seq: expected ints")
		}
		lo, hi = a, b
	default:
		return nil, newEvalError("seq: expected 1 or 2 arguments, got %d", len(args))
	}
	if hi < lo {
		return []any{}, nil
	}
	out := make([]any, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out, nil
}

func builtinStr(_ *interp, args []Value) (Value, error) {
	if err := arity("str", args, 1); err != nil {
		return nil, err
	}
	if s, ok := args[0].(string); ok {
		return s, nil
	}
	return FormatValue(args[0]), nil
}

func builtinSprintf(_ *interp, args []Value) (Value, error) {
	if len(args) == 0 {
		return nil, newEvalError("sprintf: missing format")
	}
	format, ok := args[0].(string)
	if !ok {
		return nil, newEvalError("sprintf: format must be string, got %s", typeName(args[0]))
	}
	return fmt.Sprintf(format, args[1:]...), nil
}

func builtinConcat(_ *interp, args []Value) (Value, error) {
	out := []any{}
	for _, a := range args {
		l, ok := a.([]any)
		if !ok {
			return nil, newEvalError("concat: expected lists, got %s", typeName(a))
		}
		out = append(out, l...)
	}
	return out, nil
}

func builtinDict(_ *interp, args []Value) (Value, error) {
	if len(args)%2 != 0 {
		return nil, newEvalError("dict: expected key/value pairs")
	}
	out := make(map[string]any, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		k, ok := args[i].(string)
		if !ok {
			return nil, newEvalError("dict: key must be string, got %s", typeName(args[i]))
		}
		out[k] = args[i+1]
	}
	return out, nil
}

func builtinKeys(_ *interp, args []Value) (Value, error) {
	if err := arity("keys", args, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, newEvalError("keys: expected map, got %s", typeName(args[0]))
	}
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	out := make([]any, len(ks))
	for i, k := range ks {
		out[i] = k
	}
	return out, nil
}

func builtinFilePath(_ *interp, args []Value) (Value, error) {
	if err := arity("file", args, 1); err != nil {
		return nil, err
	}
	p, ok := args[0].(string)
	if !ok {
		return nil, newEvalError("file path must be string, got %s", typeName(args[0]))
	}
	return p, nil
}

func builtinReadFile(in *interp, args []Value) (Value, error) {
	if err := arity("read_file", args, 1); err != nil {
		return nil, err
	}
	p, ok := args[0].(string)
	if !ok {
		return nil, newEvalError("read_file: path must be string, got %s", typeName(args[0]))
	}
	data, err := os.ReadFile(in.path(p))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "read_file")
	}
	return string(data), nil
}

func builtinWriteFile(in *interp, args []Value) (Value, error) {
	if err := arity("write_file", args, 2); err != nil {
		return nil, err
	}
	p, ok := args[0].(string)
	if !ok {
		return nil, newEvalError("write_file: path must be string, got %s", typeName(args[0]))
	}
	content, ok := args[1].(string)
	if !ok {
		content = FormatValue(args[1])
	}
	full := in.path(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "write_file")
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, pkgerrors.Wrap(err, "write_file")
	}
	return p, nil
}

func builtinRandInt(in *interp, args []Value) (Value, error) {
	if err := arity("rand_int", args, 1); err != nil {
		return nil, err
	}
	n, ok := args[0].(int64)
	if !ok || n <= 0 {
		return nil, newEvalError("rand_int: expected positive int, got %s", FormatValue(args[0]))
	}
	return in.rng.Int64N(n), nil
}

func builtinRandFloat(in *interp, args []Value) (Value, error) {
	if err := arity("rand_float", args, 0); err != nil {
		return nil, err
	}
	return in.rng.Float64(), nil
}

func builtinStop(_ *interp, args []Value) (Value, error) {
	msg := "stop"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			msg = s
		} else {
			msg = FormatValue(args[0])
		}
	}
	return nil, &EvalError{Msg: msg, Err: pkgerrors.Wrap(ErrStopped, msg)}
}
