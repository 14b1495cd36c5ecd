// Package expr wraps the CEL runtime used by maintenance windows, correlation rules and
// presets. Expressions are compiled against the top-level keys of the payload they are
// evaluated on, and compiled programs are cached.
package expr

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// DefaultCacheSize is the number of compiled programs kept when no size is configured
const DefaultCacheSize = 1024

var (
	// ErrNotBoolean is returned by Matches when the expression yields a non-boolean value
	ErrNotBoolean = errors.New("expression did not evaluate to a boolean")
	// ErrEmptyExpression is returned for blank expressions
	ErrEmptyExpression = errors.New("expression is empty")
)

// missingFieldMarkers are fragments of CEL errors caused by an attribute the payload lacks
var missingFieldMarkers = []string{
	"undeclared reference",
	"no such key",
	"no such attribute",
	"no such field",
}

// IsMissingField reports whether err was caused by an attribute missing from the payload
func IsMissingField(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range missingFieldMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Engine compiles and evaluates CEL expressions against dynamic payloads
type Engine struct {
	cache  *lru.Cache[string, cel.Program]
	logger *zap.SugaredLogger
}

// NewEngine creates an engine with an LRU cache of cacheSize compiled programs
func NewEngine(cacheSize int, logger *zap.SugaredLogger) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cel.Program](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create program cache: %w", err)
	}
	return &Engine{cache: cache, logger: logger}, nil
}

// Compile checks that expression parses and type-checks with the given variables declared
func (e *Engine) Compile(expression string, variables []string) error {
	_, err := e.program(expression, variables)
	return err
}

// Parse checks the syntax of expression only. Identifiers are resolved at evaluation
// time against the payload, so they are not checked here.
func (e *Engine) Parse(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return ErrEmptyExpression
	}
	env, err := cel.NewEnv()
	if err != nil {
		return fmt.Errorf("failed to create CEL environment: %w", err)
	}
	if _, iss := env.Parse(expression); iss != nil && iss.Err() != nil {
		return fmt.Errorf("failed to parse expression: %w", iss.Err())
	}
	return nil
}

// Evaluate runs expression against payload and returns the raw CEL value
func (e *Engine) Evaluate(expression string, payload map[string]any) (ref.Val, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, ErrEmptyExpression
	}

	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	prg, err := e.program(expression, keys)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return out, nil
}

// Matches evaluates a boolean expression. A non-boolean result yields false together
// with ErrNotBoolean so callers can log it without treating it as a failure.
func (e *Engine) Matches(expression string, payload map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, payload)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("%w: got %s", ErrNotBoolean, out.Type().TypeName())
	}
	return bool(b), nil
}

// Truthy evaluates expression and reports whether its value is truthy: true booleans,
// non-zero numbers and non-empty strings, lists and maps.
func (e *Engine) Truthy(expression string, payload map[string]any) (bool, error) {
	out, err := e.Evaluate(expression, payload)
	if err != nil {
		return false, err
	}
	return isTruthy(out), nil
}

func isTruthy(v ref.Val) bool {
	switch t := v.(type) {
	case types.Bool:
		return bool(t)
	case types.Int:
		return t != 0
	case types.Uint:
		return t != 0
	case types.Double:
		return t != 0
	case types.String:
		return t != ""
	case types.Null:
		return false
	}
	native := v.Value()
	if native == nil {
		return false
	}
	rv := reflect.ValueOf(native)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return rv.Len() > 0
	}
	return true
}

func (e *Engine) program(expression string, variables []string) (cel.Program, error) {
	vars := append([]string(nil), variables...)
	sort.Strings(vars)
	key := expression + "\x00" + strings.Join(vars, ",")

	if prg, ok := e.cache.Get(key); ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		if !isIdentifier(v) {
			continue
		}
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}

	e.cache.Add(key, prg)
	return prg, nil
}

// isIdentifier reports whether name can be declared as a CEL variable
func isIdentifier(name string) bool {
	if name == "" || reserved[name] {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true, "var": true, "void": true, "while": true,
}
