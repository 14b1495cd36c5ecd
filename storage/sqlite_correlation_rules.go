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

// SQLiteCorrelationRuleStorage handles correlation rule persistence in SQLite
type SQLiteCorrelationRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteCorrelationRuleStorage creates a new SQLite correlation rule storage handler
func NewSQLiteCorrelationRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteCorrelationRuleStorage {
	return &SQLiteCorrelationRuleStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

const correlationRuleColumns = `id, tenant_id, name, description, definition, timeframe, group_by,
	min_alerts, resolve_on, created_at`

// CreateCorrelationRule validates and stores a rule
func (scrs *SQLiteCorrelationRuleStorage) CreateCorrelationRule(ctx context.Context, rule *core.CorrelationRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now().UTC()
	if err := rule.Validate(); err != nil {
		return err
	}

	groupBy, err := json.Marshal(rule.GroupBy)
	if err != nil {
		return fmt.Errorf("failed to marshal group_by: %w", err)
	}

	_, err = scrs.sqlite.WriteDB.ExecContext(ctx, `INSERT INTO correlation_rules (`+correlationRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description, rule.Definition, rule.Timeframe.Nanoseconds(),
		string(groupBy), rule.MinAlerts, string(rule.ResolveOn), core.FormatTimestamp(rule.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create correlation rule: %w", err)
	}
	return nil
}

// GetCorrelationRule retrieves a rule by ID
func (scrs *SQLiteCorrelationRuleStorage) GetCorrelationRule(ctx context.Context, tenantID, id string) (*core.CorrelationRule, error) {
	row := scrs.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+correlationRuleColumns+` FROM correlation_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	rule, err := scanCorrelationRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCorrelationRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get correlation rule: %w", err)
	}
	return rule, nil
}

// DeleteCorrelationRule removes a rule
func (scrs *SQLiteCorrelationRuleStorage) DeleteCorrelationRule(ctx context.Context, tenantID, id string) error {
	result, err := scrs.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM correlation_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete correlation rule: %w", err)
	}
	return expectAffected(result, ErrCorrelationRuleNotFound)
}

// GetCorrelationRules returns every rule of a tenant, oldest first
func (scrs *SQLiteCorrelationRuleStorage) GetCorrelationRules(ctx context.Context, sess *Session, tenantID string) ([]*core.CorrelationRule, error) {
	rows, err := scrs.sqlite.reader(sess).QueryContext(ctx, `
		SELECT `+correlationRuleColumns+`
		FROM correlation_rules
		WHERE tenant_id = ?
		ORDER BY created_at ASC, id ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query correlation rules: %w", err)
	}
	defer rows.Close()

	rules := make([]*core.CorrelationRule, 0)
	for rows.Next() {
		rule, err := scanCorrelationRule(rows)
		if err != nil {
			scrs.logger.Warnw("Skipping unreadable correlation rule", "tenant_id", tenantID, "error", err)
			continue
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanCorrelationRule(row rowScanner) (*core.CorrelationRule, error) {
	var (
		rule                 core.CorrelationRule
		description, groupBy sql.NullString
		timeframeNs          int64
		resolveOn, createdAt string
	)
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &description, &rule.Definition,
		&timeframeNs, &groupBy, &rule.MinAlerts, &resolveOn, &createdAt); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.Timeframe = time.Duration(timeframeNs)
	rule.ResolveOn = core.ResolveOn(resolveOn)
	rule.CreatedAt, _ = core.ParseTimestamp(createdAt)

	if groupBy.Valid && groupBy.String != "" && groupBy.String != "null" {
		if err := json.Unmarshal([]byte(groupBy.String), &rule.GroupBy); err != nil {
			return nil, fmt.Errorf("failed to unmarshal group_by: %w", err)
		}
	}
	return &rule, nil
}
