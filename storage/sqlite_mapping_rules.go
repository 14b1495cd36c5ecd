package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/core"
)

// SQLiteMappingRuleStorage persists tenant mapping rules
type SQLiteMappingRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteMappingRuleStorage creates a new SQLite mapping rule storage
func NewSQLiteMappingRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteMappingRuleStorage {
	return &SQLiteMappingRuleStorage{sqlite: sqlite, logger: logger}
}

const mappingRuleColumns = `id, tenant_id, name, description, priority, matchers, mapping_rows, disabled,
	is_multi_level, multi_level_key, prefix_to_remove, new_property_name, created_at, updated_at`

// CreateMappingRule validates the rule, normalizes its rows to trimmed strings and stores it
func (s *SQLiteMappingRuleStorage) CreateMappingRule(ctx context.Context, rule *core.MappingRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := rule.Validate(); err != nil {
		return err
	}
	rule.NormalizeRows()

	matchers, rows, err := marshalMappingRule(rule)
	if err != nil {
		return err
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `INSERT INTO mapping_rules (`+mappingRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Priority, matchers, rows, rule.Disabled,
		rule.IsMultiLevel, rule.MultiLevelKey, rule.PrefixToRemove, rule.NewPropertyName,
		core.FormatTimestamp(rule.CreatedAt), core.FormatTimestamp(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create mapping rule: %w", err)
	}
	return nil
}

// UpdateMappingRule replaces a stored rule
func (s *SQLiteMappingRuleStorage) UpdateMappingRule(ctx context.Context, rule *core.MappingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.NormalizeRows()
	rule.UpdatedAt = time.Now().UTC()

	matchers, rows, err := marshalMappingRule(rule)
	if err != nil {
		return err
	}

	result, err := s.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE mapping_rules SET name = ?, description = ?, priority = ?, matchers = ?, mapping_rows = ?,
			disabled = ?, is_multi_level = ?, multi_level_key = ?, prefix_to_remove = ?,
			new_property_name = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ?`,
		rule.Name, rule.Description, rule.Priority, matchers, rows, rule.Disabled, rule.IsMultiLevel,
		rule.MultiLevelKey, rule.PrefixToRemove, rule.NewPropertyName, core.FormatTimestamp(rule.UpdatedAt),
		rule.ID, rule.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mapping rule: %w", err)
	}
	return expectAffected(result, ErrMappingRuleNotFound)
}

// DeleteMappingRule removes a rule
func (s *SQLiteMappingRuleStorage) DeleteMappingRule(ctx context.Context, tenantID, id string) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM mapping_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping rule: %w", err)
	}
	return expectAffected(result, ErrMappingRuleNotFound)
}

// GetMappingRule retrieves a rule by ID
func (s *SQLiteMappingRuleStorage) GetMappingRule(ctx context.Context, tenantID, id string) (*core.MappingRule, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+mappingRuleColumns+` FROM mapping_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	rule, err := scanMappingRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMappingRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping rule: %w", err)
	}
	return rule, nil
}

// GetEnabledMappingRules returns the tenant's enabled rules, highest priority first
func (s *SQLiteMappingRuleStorage) GetEnabledMappingRules(ctx context.Context, sess *Session, tenantID string) ([]*core.MappingRule, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx, `
		SELECT `+mappingRuleColumns+`
		FROM mapping_rules
		WHERE tenant_id = ? AND disabled = 0
		ORDER BY priority DESC, created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query mapping rules: %w", err)
	}
	defer rows.Close()

	var rules []*core.MappingRule
	for rows.Next() {
		rule, err := scanMappingRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMappingRule(row rowScanner) (*core.MappingRule, error) {
	var (
		rule                                         core.MappingRule
		description, multiKey, prefix, newProp       sql.NullString
		matchersJSON, rowsJSON, createdAt, updatedAt string
	)
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Priority,
		&matchersJSON, &rowsJSON, &rule.Disabled, &rule.IsMultiLevel, &multiKey, &prefix, &newProp,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.MultiLevelKey = multiKey.String
	rule.PrefixToRemove = prefix.String
	rule.NewPropertyName = newProp.String

	if err := json.Unmarshal([]byte(matchersJSON), &rule.Matchers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal matchers: %w", err)
	}
	if err := json.Unmarshal([]byte(rowsJSON), &rule.Rows); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rows: %w", err)
	}
	rule.CreatedAt, _ = core.ParseTimestamp(createdAt)
	rule.UpdatedAt, _ = core.ParseTimestamp(updatedAt)
	return &rule, nil
}

func marshalMappingRule(rule *core.MappingRule) (string, string, error) {
	matchers, err := json.Marshal(rule.Matchers)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal matchers: %w", err)
	}
	rows := rule.Rows
	if rows == nil {
		rows = []map[string]any{}
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal rows: %w", err)
	}
	return string(matchers), string(rowsJSON), nil
}

// expectAffected maps "no row changed" to notFound
func expectAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
