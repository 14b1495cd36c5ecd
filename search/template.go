package search

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vigil/core"
	"vigil/storage"
)

// ErrMissingParam is returned when a template references a parameter it was not given
var ErrMissingParam = errors.New("missing template parameter")

// RenderSQL substitutes every :name placeholder of the query with its literal value.
// Strings are single-quoted with embedded quotes doubled, booleans render as 1 or 0 to
// match the index's flag columns, and lists render comma-separated for IN (...).
// Placeholders inside quoted literals and :: casts are left untouched. ClickHouse also
// reads backslash escapes inside literals, so backslashes are doubled for that dialect.
func RenderSQL(query core.SearchQuery, dialect string) (string, error) {
	r := renderer{backslash: dialect == storage.IndexDialectClickHouse}
	src := query.SQL
	var b strings.Builder
	b.Grow(len(src))

	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\'':
			end := skipLiteral(src, i)
			b.WriteString(src[i:end])
			i = end - 1
		case c == ':' && i+1 < len(src) && src[i+1] == ':':
			b.WriteString("::")
			i++
		case c == ':' && i+1 < len(src) && isNameStart(src[i+1]):
			j := i + 1
			for j < len(src) && isNamePart(src[j]) {
				j++
			}
			name := src[i+1 : j]
			value, ok := query.Params[name]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingParam, name)
			}
			literal, err := r.value(value)
			if err != nil {
				return "", fmt.Errorf("parameter %s: %w", name, err)
			}
			b.WriteString(literal)
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// skipLiteral returns the index just past the quoted literal starting at start
func skipLiteral(src string, start int) int {
	for i := start + 1; i < len(src); i++ {
		if src[i] != '\'' {
			continue
		}
		if i+1 < len(src) && src[i+1] == '\'' {
			i++
			continue
		}
		return i + 1
	}
	return len(src)
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNamePart(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

type renderer struct {
	backslash bool
}

func (r renderer) value(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case string:
		return r.quote(v), nil
	case core.AlertStatus:
		return r.quote(string(v)), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", fmt.Errorf("non-finite number %v", v)
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case time.Time:
		return r.quote(core.FormatTimestamp(v)), nil
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return r.list(items)
	case []any:
		return r.list(v)
	default:
		return "", fmt.Errorf("unsupported value type %T", value)
	}
}

func (r renderer) list(items []any) (string, error) {
	if len(items) == 0 {
		return "", errors.New("empty list")
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if _, nested := item.([]any); nested {
			return "", errors.New("nested lists are not supported")
		}
		literal, err := r.value(item)
		if err != nil {
			return "", err
		}
		parts[i] = literal
	}
	return strings.Join(parts, ", "), nil
}

func (r renderer) quote(s string) string {
	if r.backslash {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
