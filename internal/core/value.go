package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/zeebo/blake3"
)

// Value is the result of evaluating a command.
//
// Supported dynamic types: nil, bool, int64, float64, string, []any, map[string]any.
// NormalizeValue converts the other Go integer and float kinds.
type Value = any

// ValueHash is the content address of an encoded Value.
type ValueHash string

// String returns the string representation of the ValueHash.
func (h ValueHash) String() string { return string(h) }

// Short returns an abbreviated hash for display.
func (h ValueHash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// taggedValue is the canonical wire form of a Value.
//
// Type tags keep int64 and float64 distinct across a round-trip. Maps marshal with
// sorted keys, which makes the encoding canonical.
type taggedValue struct {
	T string                 `json:"t"`
	B *bool                  `json:"b,omitempty"`
	I *int64                 `json:"i,omitempty"`
	F *float64               `json:"f,omitempty"`
	S *string                `json:"s,omitempty"`
	L []taggedValue          `json:"l,omitempty"`
	M map[string]taggedValue `json:"m,omitempty"`
}

// NormalizeValue converts v to one of the supported dynamic types.
func NormalizeValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := NormalizeValue(e)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func toTagged(v any) (taggedValue, error) {
	n, err := NormalizeValue(v)
	if err != nil {
		return taggedValue{}, err
	}
	switch x := n.(type) {
	case nil:
		return taggedValue{T: "nil"}, nil
	case bool:
		return taggedValue{T: "bool", B: &x}, nil
	case int64:
		return taggedValue{T: "int", I: &x}, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			s := fmt.Sprint(x)
			return taggedValue{T: "float", S: &s}, nil
		}
		return taggedValue{T: "float", F: &x}, nil
	case string:
		return taggedValue{T: "string", S: &x}, nil
	case []any:
		l := make([]taggedValue, len(x))
		for i, e := range x {
			te, err := toTagged(e)
			if err != nil {
				return taggedValue{}, err
			}
			l[i] = te
		}
		return taggedValue{T: "list", L: l}, nil
	case map[string]any:
		m := make(map[string]taggedValue, len(x))
		for k, e := range x {
			te, err := toTagged(e)
			if err != nil {
				return taggedValue{}, err
			}
			m[k] = te
		}
		return taggedValue{T: "map", M: m}, nil
	default:
		return taggedValue{}, fmt.Errorf("unsupported value type %T", n)
	}
}

func fromTagged(t taggedValue) (Value, error) {
	switch t.T {
	case "nil":
		return nil, nil
	case "bool":
		return t.B != nil && *t.B, nil
	case "int":
		if t.I == nil {
			return int64(0), nil
		}
		return *t.I, nil
	case "float":
		if t.S != nil {
			switch *t.S {
			case "NaN":
				return math.NaN(), nil
			case "+Inf":
				return math.Inf(1), nil
			case "-Inf":
				return math.Inf(-1), nil
			}
			return nil, fmt.Errorf("invalid float literal %q", *t.S)
		}
		if t.F == nil {
			return float64(0), nil
		}
		return *t.F, nil
	case "string":
		if t.S == nil {
			return "", nil
		}
		return *t.S, nil
	case "list":
		out := make([]any, len(t.L))
		for i, e := range t.L {
			v, err := fromTagged(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "map":
		out := make(map[string]any, len(t.M))
		for k, e := range t.M {
			v, err := fromTagged(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown value tag %q", t.T)
	}
}

// EncodeValue returns the canonical encoding of v.
//
// Equal values always encode to identical bytes.
func EncodeValue(v Value) ([]byte, error) {
	t, err := toTagged(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// DecodeValue reverses EncodeValue.
func DecodeValue(data []byte) (Value, error) {
	var t taggedValue
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	return fromTagged(t)
}

// HashBytes returns the hex blake3 digest of data.
func HashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashValue encodes v and returns its content address with the encoding.
func HashValue(v Value) (ValueHash, []byte, error) {
	data, err := EncodeValue(v)
	if err != nil {
		return "", nil, err
	}
	return ValueHash(HashBytes(data)), data, nil
}

// FormatValue renders v for humans. Map keys are printed in sorted order.
func FormatValue(v Value) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return fmt.Sprintf("%q", x)
	case []any:
		s := "["
		for i, e := range x {
			if i > 0 {
				s += ", "
			}
			s += FormatValue(e)
		}
		return s + "]"
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		s := "{"
		for i, k := range keys {
			if i > 0 {
				s += ", "
			}
			s += fmt.Sprintf("%q: %s", k, FormatValue(x[k]))
		}
		return s + "}"
	default:
		return fmt.Sprint(x)
	}
}
