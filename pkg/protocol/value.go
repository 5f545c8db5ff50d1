package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// MaxNesting bounds how many maps and lists a body value may nest. Decoders
// accept the record and body containers on top of it.
const MaxNesting = 32

// normalize converts v to one of the canonical body kinds: string, int64,
// float64, bool, []byte, map[string]any or []any. Composite values are copied.
func normalize(v any) (any, error) { return normalizeAt(v, 0) }

func normalizeAt(v any, depth int) (any, error) {
	switch v.(type) {
	case []string, []any, map[string]string, map[string]any:
		if depth >= MaxNesting {
			return nil, fmt.Errorf("%w: more than %d levels", ErrTooDeep, MaxNesting)
		}
	}
	switch x := v.(type) {
	case string, bool, int64, float64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, x)
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, x)
		}
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return append([]byte{}, x...), nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, err := normalizeAt(e, depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, err := normalizeAt(e, depth+1)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}

// normalizeDecoded maps values produced by a wire codec onto the canonical
// kinds. Unlike normalize it never fails: values of unknown kinds are kept
// as delivered so that keys from newer peers survive a relay untouched.
func normalizeDecoded(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeDecoded(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeDecoded(e)
		}
		return x
	default:
		return v
	}
}

// cloneValue deep-copies composite values so callers cannot mutate a frozen body.
func cloneValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte{}, x...)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func kindName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case []byte:
		return "bytes"
	case map[string]any:
		return "map"
	case []any:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// GetString returns the string stored under key.
func (p *Package) GetString(key string) (string, error) {
	v, ok := p.body[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	s, ok := v.(string)
	if !ok {
		return "", mismatch(key, "string", v)
	}
	return s, nil
}

// GetInt returns the integer stored under key. Floats are not converted.
func (p *Package) GetInt(key string) (int64, error) {
	v, ok := p.body[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	i, ok := v.(int64)
	if !ok {
		return 0, mismatch(key, "int", v)
	}
	return i, nil
}

// GetFloat returns the float stored under key. Integers are not converted.
func (p *Package) GetFloat(key string) (float64, error) {
	v, ok := p.body[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	f, ok := v.(float64)
	if !ok {
		return 0, mismatch(key, "float", v)
	}
	return f, nil
}

func (p *Package) GetBool(key string) (bool, error) {
	v, ok := p.body[key]
	if !ok {
		return false, ErrKeyNotFound
	}
	b, ok := v.(bool)
	if !ok {
		return false, mismatch(key, "bool", v)
	}
	return b, nil
}

// GetBytes returns a copy of the binary value stored under key.
func (p *Package) GetBytes(key string) ([]byte, error) {
	v, ok := p.body[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, mismatch(key, "bytes", v)
	}
	return append([]byte{}, b...), nil
}

// GetMap returns a copy of the nested mapping stored under key.
func (p *Package) GetMap(key string) (map[string]any, error) {
	v, ok := p.body[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, mismatch(key, "map", v)
	}
	return cloneValue(m).(map[string]any), nil
}

// GetList returns a copy of the list stored under key.
func (p *Package) GetList(key string) ([]any, error) {
	v, ok := p.body[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	l, ok := v.([]any)
	if !ok {
		return nil, mismatch(key, "list", v)
	}
	return cloneValue(l).([]any), nil
}

// GetStringList returns a list whose elements must all be strings.
func (p *Package) GetStringList(key string) ([]string, error) {
	l, err := p.GetList(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(l))
	for i, e := range l {
		s, ok := e.(string)
		if !ok {
			return nil, mismatch(fmt.Sprintf("%s[%d]", key, i), "string", e)
		}
		out[i] = s
	}
	return out, nil
}
