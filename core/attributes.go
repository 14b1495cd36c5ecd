package core

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ResolvePath resolves a dotted attribute path on an alert. The first segment "source"
// means the first element of the source list, a DotPlaceholder inside a segment stands for
// a literal dot, and nested maps are walked segment by segment. Nil values are reported
// as absent.
func ResolvePath(alert *Alert, path string) (any, bool) {
	if alert == nil || path == "" {
		return nil, false
	}

	segments := strings.Split(path, ".")
	for i, seg := range segments {
		segments[i] = strings.ReplaceAll(seg, DotPlaceholder, ".")
	}

	var current any
	if segments[0] == "source" {
		first := alert.FirstSource()
		if first == "" {
			return nil, false
		}
		current = first
	} else {
		v, ok := alert.Get(segments[0])
		if !ok {
			return nil, false
		}
		current = v
	}

	for _, seg := range segments[1:] {
		next, ok := lookup(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

func lookup(container any, key string) (any, bool) {
	switch m := container.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok && v != nil
	case map[string]string:
		v, ok := m[key]
		return v, ok
	default:
		rv := reflect.ValueOf(container)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	}
}

// ResolveString resolves path and stringifies the result. Null counts as absent; an empty
// string is a present value.
func ResolveString(alert *Alert, path string) (string, bool) {
	v, ok := ResolvePath(alert, path)
	if !ok {
		return "", false
	}
	return Stringify(v)
}

// Stringify converts a scalar attribute value to the string form used for rule matching.
// Integral floats print without a fractional part so JSON numbers compare like their source.
func Stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case AlertStatus:
		return string(t), true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10), true
		}
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return Stringify(float64(t))
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case int32:
		return strconv.FormatInt(int64(t), 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case json.Number:
		return t.String(), true
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), true
	case fmt.Stringer:
		return t.String(), true
	case []any, []string, map[string]any:
		return "", false
	default:
		return fmt.Sprint(t), true
	}
}

// SanitizeValue converts a value into a JSON-safe shape: times and stringers become
// strings, typed slices and maps become []any and map[string]any.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, float64, int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case float32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case AlertStatus:
		return string(t)
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return t.String()
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = SanitizeValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = SanitizeValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = item
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = SanitizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = SanitizeValue(iter.Value().Interface())
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return SanitizeValue(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}

// timestampLayouts are tried in order; layouts without a zone are read as UTC
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a stored timestamp and returns it as an aware UTC instant
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// timestampLayout is fixed-width so stored timestamps sort lexically
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t in the canonical, sortable storage form
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
