package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Normalize converts an index query value into the scalar form used by index keys:
// integral numbers become int64, other numbers float64, times RFC3339Nano strings.
// Values with a custom JSON encoding (such as domain.Date) are reduced through it.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool, int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return normalizeFloat(x), nil
	case float32:
		return normalizeFloat(float64(x)), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("schema: bad number %q", x.String())
		}
		return normalizeFloat(f), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case json.Marshaler:
		raw, err := x.MarshalJSON()
		if err != nil {
			return nil, err
		}
		var out any
		if err := decodeNumber(raw, &out); err != nil {
			return nil, err
		}
		switch out.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("schema: %T is not an index scalar", v)
		}
		return Normalize(out)
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.String:
			return rv.String(), nil
		case reflect.Bool:
			return rv.Bool(), nil
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), nil
		case reflect.Uint8, reflect.Uint16, reflect.Uint32:
			return int64(rv.Uint()), nil
		}
		return nil, fmt.Errorf("schema: unsupported index value %T", v)
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// NormalizeAll normalizes every value of a compound key.
func NormalizeAll(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		n, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// Text renders a normalized scalar the way a JSON text extraction would (doc->>'field').
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// ExtractKey reads the index fields from a document body. ok is false when any
// field is missing or null; such rows are left out of the index.
func ExtractKey(body json.RawMessage, fields []string) (key []any, ok bool, err error) {
	var doc map[string]any
	if err := decodeNumber(body, &doc); err != nil {
		return nil, false, fmt.Errorf("schema: document is not a JSON object: %w", err)
	}
	key = make([]any, len(fields))
	for i, f := range fields {
		v, present := doc[f]
		if !present || v == nil {
			return nil, false, nil
		}
		switch v.(type) {
		case map[string]any, []any:
			return nil, false, nil
		}
		n, err := Normalize(v)
		if err != nil {
			return nil, false, err
		}
		key[i] = n
	}
	return key, true, nil
}

// KeyString encodes a normalized key so equal keys compare equal as strings.
func KeyString(key []any) string {
	b, _ := json.Marshal(key)
	return string(b)
}

func decodeNumber(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
