package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(16, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return e
}

func TestEngine_Matches(t *testing.T) {
	e := newTestEngine(t)
	payload := map[string]any{
		"severity": "critical",
		"source":   "grafana",
		"labels":   map[string]any{"team": "core"},
		"count":    float64(3),
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"equality", `severity == "critical"`, true},
		{"inequality", `severity != "critical"`, false},
		{"nested map", `labels.team == "core"`, true},
		{"string function", `source.startsWith("graf")`, true},
		{"numeric", `count > 2.0`, true},
		{"conjunction", `severity == "critical" && source == "datadog"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Matches(tt.expr, payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_NonBooleanIsFalse(t *testing.T) {
	e := newTestEngine(t)

	got, err := e.Matches(`severity`, map[string]any{"severity": "critical"})
	assert.False(t, got)
	assert.ErrorIs(t, err, ErrNotBoolean)
	assert.False(t, IsMissingField(err))
}

func TestEngine_MissingField(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Matches(`region == "us-east"`, map[string]any{"severity": "critical"})
	require.Error(t, err)
	assert.True(t, IsMissingField(err))

	_, err = e.Matches(`labels.region == "us-east"`, map[string]any{"labels": map[string]any{}})
	require.Error(t, err)
	assert.True(t, IsMissingField(err))
}

func TestEngine_CompileErrorIsNotMissingField(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Matches(`severity ==`, map[string]any{"severity": "critical"})
	require.Error(t, err)
	assert.False(t, IsMissingField(err))

	_, err = e.Matches("  ", nil)
	assert.ErrorIs(t, err, ErrEmptyExpression)
}

func TestEngine_Truthy(t *testing.T) {
	e := newTestEngine(t)
	payload := map[string]any{"name": "cpu", "empty": "", "tags": []any{"a"}, "zero": float64(0)}

	tests := []struct {
		expr string
		want bool
	}{
		{`name == "cpu"`, true},
		{`name`, true},
		{`empty`, false},
		{`tags`, true},
		{`zero`, false},
		{`name == "disk"`, false},
	}
	for _, tt := range tests {
		got, err := e.Truthy(tt.expr, payload)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEngine_CachesPrograms(t *testing.T) {
	e := newTestEngine(t)
	payload := map[string]any{"severity": "critical"}

	_, err := e.Matches(`severity == "critical"`, payload)
	require.NoError(t, err)
	assert.Equal(t, 1, e.cache.Len())

	_, err = e.Matches(`severity == "critical"`, map[string]any{"severity": "warning"})
	require.NoError(t, err)
	assert.Equal(t, 1, e.cache.Len())

	// A different variable set compiles a new program
	_, err = e.Matches(`severity == "critical"`, map[string]any{"severity": "warning", "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, e.cache.Len())
}

func TestIsMissingField(t *testing.T) {
	assert.False(t, IsMissingField(nil))
}

func TestEngine_Parse(t *testing.T) {
	e := newTestEngine(t)
	assert.NoError(t, e.Parse(`severity == "critical" && owner == "dba"`))
	assert.ErrorIs(t, e.Parse("  "), ErrEmptyExpression)
	assert.Error(t, e.Parse(`severity == `))
}
