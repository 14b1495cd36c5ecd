package enrichment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

// Fallback reasons reported to metrics
const (
	fallbackUnconfigured = "unconfigured"
	fallbackBuild        = "build_error"
	fallbackQuery        = "query_error"
)

// Executor runs read queries; *sql.DB and *sql.Tx satisfy it
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Matcher finds the mapping rule rows that apply to an alert. Lookups run as a single
// query on the configured executor and fall back to in-memory evaluation with identical
// results when no executor is configured or the query fails.
type Matcher struct {
	builder QueryBuilder
	db      Executor
	logger  *zap.SugaredLogger
}

// NewMatcher creates a matcher for dialect. A nil db always uses the in-memory path.
func NewMatcher(dialect string, db Executor, logger *zap.SugaredLogger) (*Matcher, error) {
	builder, err := NewQueryBuilder(dialect)
	if err != nil {
		return nil, err
	}
	return &Matcher{builder: builder, db: db, logger: logger}, nil
}

// NewMemoryMatcher creates a matcher that never queries a database
func NewMemoryMatcher(logger *zap.SugaredLogger) *Matcher {
	return &Matcher{builder: sqliteBuilder{}, logger: logger}
}

// Dialect returns the dialect the matcher builds queries for
func (m *Matcher) Dialect() string {
	return m.builder.Dialect()
}

// GetMatchingRow returns the first rule row, in original order, that matches the alert
// attribute values in attrs. A matcher group is eligible only when attrs holds every one of
// its attributes; a row matches a group when each attribute equals the alert value exactly
// or is the wildcard.
func (m *Matcher) GetMatchingRow(ctx context.Context, rule *core.MappingRule, attrs map[string]string) (map[string]any, bool) {
	groups := eligibleGroups(rule, attrs)
	rows := normalizedRows(rule)
	if len(groups) == 0 || len(rows) == 0 {
		return nil, false
	}

	if m.db == nil {
		metrics.MatcherFallbacks.WithLabelValues(fallbackUnconfigured).Inc()
		return matchRowInMemory(rows, groups)
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		m.logger.Warnw("Failed to encode mapping rows, matching in memory", "rule_id", rule.ID, "error", err)
		metrics.MatcherFallbacks.WithLabelValues(fallbackBuild).Inc()
		return matchRowInMemory(rows, groups)
	}
	query, args, err := m.builder.BuildMatchQuery(string(rowsJSON), groups)
	if err != nil {
		m.logger.Warnw("Failed to build matcher query, matching in memory",
			"rule_id", rule.ID, "dialect", m.builder.Dialect(), "error", err)
		metrics.MatcherFallbacks.WithLabelValues(fallbackBuild).Inc()
		return matchRowInMemory(rows, groups)
	}

	found, err := m.queryRows(ctx, query, args)
	if err != nil {
		m.logger.Warnw("Matcher query failed, matching in memory",
			"rule_id", rule.ID, "dialect", m.builder.Dialect(), "error", err)
		metrics.MatcherFallbacks.WithLabelValues(fallbackQuery).Inc()
		return matchRowInMemory(rows, groups)
	}
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// GetMatchingRowsMultiLevel returns, for every candidate value that names a row through
// key, that row without the key attribute. PrefixToRemove is stripped from the candidates
// first. When several rows share a key value the first one wins.
func (m *Matcher) GetMatchingRowsMultiLevel(ctx context.Context, rule *core.MappingRule, key string, values []string) map[string]map[string]any {
	candidates := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), rule.PrefixToRemove))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		candidates = append(candidates, v)
	}
	rows := normalizedRows(rule)
	if len(candidates) == 0 || len(rows) == 0 {
		return map[string]map[string]any{}
	}

	if m.db == nil {
		metrics.MatcherFallbacks.WithLabelValues(fallbackUnconfigured).Inc()
		return multiLevelInMemory(rows, key, candidates)
	}

	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		metrics.MatcherFallbacks.WithLabelValues(fallbackBuild).Inc()
		return multiLevelInMemory(rows, key, candidates)
	}
	query, args, err := m.builder.BuildMultiLevelQuery(string(rowsJSON), key, candidates)
	if err != nil {
		m.logger.Warnw("Failed to build multi-level query, matching in memory",
			"rule_id", rule.ID, "dialect", m.builder.Dialect(), "error", err)
		metrics.MatcherFallbacks.WithLabelValues(fallbackBuild).Inc()
		return multiLevelInMemory(rows, key, candidates)
	}

	found, err := m.queryRows(ctx, query, args)
	if err != nil {
		m.logger.Warnw("Multi-level query failed, matching in memory",
			"rule_id", rule.ID, "dialect", m.builder.Dialect(), "error", err)
		metrics.MatcherFallbacks.WithLabelValues(fallbackQuery).Inc()
		return multiLevelInMemory(rows, key, candidates)
	}
	return keyRows(found, key)
}

// queryRows runs query and decodes every selected JSON document
func (m *Matcher) queryRows(ctx context.Context, query string, args []any) ([]map[string]any, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []map[string]any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan matched row: %w", err)
		}
		row := make(map[string]any)
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, fmt.Errorf("failed to decode matched row: %w", err)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// eligibleGroups keeps the matcher groups whose attributes are all present in attrs. An
// empty value is present and only matches an empty cell or the wildcard.
func eligibleGroups(rule *core.MappingRule, attrs map[string]string) [][]Condition {
	var groups [][]Condition
	for _, group := range rule.Matchers {
		if len(group) == 0 {
			continue
		}
		conds := make([]Condition, 0, len(group))
		for _, attr := range group {
			v, ok := attrs[attr]
			if !ok {
				conds = nil
				break
			}
			conds = append(conds, Condition{Attribute: attr, Value: v})
		}
		if conds != nil {
			groups = append(groups, conds)
		}
	}
	return groups
}

// normalizedRows returns a copy of the rule rows with values as trimmed strings
func normalizedRows(rule *core.MappingRule) []map[string]any {
	rows := make([]map[string]any, 0, len(rule.Rows))
	for _, row := range rule.Rows {
		normalized := make(map[string]any, len(row))
		for k, v := range row {
			s, ok := core.Stringify(v)
			if !ok {
				continue
			}
			normalized[k] = strings.TrimSpace(s)
		}
		rows = append(rows, normalized)
	}
	return rows
}

func matchRowInMemory(rows []map[string]any, groups [][]Condition) (map[string]any, bool) {
	for _, row := range rows {
		for _, group := range groups {
			if rowMatchesGroup(row, group) {
				return row, true
			}
		}
	}
	return nil, false
}

func rowMatchesGroup(row map[string]any, group []Condition) bool {
	for _, c := range group {
		v, ok := core.RowValue(row, c.Attribute)
		if !ok {
			return false
		}
		if v != c.Value && v != core.Wildcard {
			return false
		}
	}
	return true
}

func multiLevelInMemory(rows []map[string]any, key string, candidates []string) map[string]map[string]any {
	wanted := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		wanted[c] = struct{}{}
	}
	var matched []map[string]any
	for _, row := range rows {
		v, ok := core.RowValue(row, key)
		if !ok {
			continue
		}
		if _, hit := wanted[v]; hit {
			matched = append(matched, row)
		}
	}
	return keyRows(matched, key)
}

// keyRows indexes rows by their key value, dropping the key attribute itself
func keyRows(rows []map[string]any, key string) map[string]map[string]any {
	result := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		k, ok := core.RowValue(row, key)
		if !ok {
			continue
		}
		if _, exists := result[k]; exists {
			continue
		}
		entry := make(map[string]any, len(row))
		for attr, v := range row {
			if attr == key {
				continue
			}
			if s, ok := v.(string); ok {
				v = strings.TrimSpace(s)
			}
			entry[attr] = v
		}
		result[k] = entry
	}
	return result
}
