package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelsync/internal/domain"
)

// coerce converts v to the canonical Go value stored for dt: bool, int64,
// float64 or string.
func coerce(dt domain.DataType, v any) (any, error) {
	switch dt {
	case domain.TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case domain.TypeInt32:
		if n, ok := toInt64(v); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return n, nil
		}
	case domain.TypeUInt32:
		if n, ok := toInt64(v); ok && n >= 0 && n <= math.MaxUint32 {
			return n, nil
		}
	case domain.TypeInt64:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case domain.TypeDouble:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case domain.TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case domain.TypeGUID:
		switch g := v.(type) {
		case uuid.UUID:
			return g.String(), nil
		case string:
			id, err := uuid.Parse(g)
			if err != nil {
				return nil, fmt.Errorf("invalid GUID %q", g)
			}
			return id.String(), nil
		}
	case domain.TypeDateTime:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("invalid DateTime %q", t)
			}
			return parsed.UTC().Format(time.RFC3339Nano), nil
		}
	default:
		return nil, fmt.Errorf("unknown data type %q", dt)
	}
	return nil, fmt.Errorf("%v (%T) is not a valid %s", v, v, dt)
}

// recode converts a stored value to dt. Numbers become strings for String
// and strings holding numbers become numbers for numeric types.
func recode(dt domain.DataType, raw string) (any, bool) {
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if n, ok := v.(json.Number); ok && dt == domain.TypeString {
		return n.String(), true
	}
	if str, ok := v.(string); ok {
		switch dt {
		case domain.TypeInt32, domain.TypeUInt32, domain.TypeInt64, domain.TypeDouble:
			v = json.Number(str)
		case domain.TypeBoolean:
			b, err := strconv.ParseBool(str)
			if err != nil {
				return nil, false
			}
			v = b
		}
	}
	out, err := coerce(dt, v)
	return out, err == nil
}

// decodeValue parses a stored value_json for dt.
func decodeValue(dt domain.DataType, raw string) (any, error) {
	switch dt {
	case domain.TypeBoolean:
		var b bool
		err := json.Unmarshal([]byte(raw), &b)
		return b, err
	case domain.TypeInt32, domain.TypeUInt32, domain.TypeInt64:
		var n int64
		err := json.Unmarshal([]byte(raw), &n)
		return n, err
	case domain.TypeDouble:
		var f float64
		err := json.Unmarshal([]byte(raw), &f)
		return f, err
	default:
		var s string
		err := json.Unmarshal([]byte(raw), &s)
		return s, err
	}
}

// decodeLenient is decodeValue falling back to the plain JSON value when the
// stored encoding does not match dt.
func decodeLenient(dt domain.DataType, raw string) (any, error) {
	v, err := decodeValue(dt, raw)
	if err == nil {
		return v, nil
	}
	var plain any
	if jerr := json.Unmarshal([]byte(raw), &plain); jerr != nil {
		return nil, err
	}
	return plain, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint:
		return int64(n), n <= math.MaxInt64
	case uint64:
		return int64(n), n <= math.MaxInt64
	case float32:
		return toInt64(float64(n))
	case float64:
		if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt64(f)
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
