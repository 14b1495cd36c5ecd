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

// SQLiteMaintenanceRuleStorage persists maintenance windows
type SQLiteMaintenanceRuleStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteMaintenanceRuleStorage creates a new SQLite maintenance rule storage
func NewSQLiteMaintenanceRuleStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteMaintenanceRuleStorage {
	return &SQLiteMaintenanceRuleStorage{sqlite: sqlite, logger: logger}
}

const maintenanceRuleColumns = `id, tenant_id, name, description, start_time, end_time, enabled, cel_query,
	ignore_statuses, suppress, strategy, created_by, created_at`

// CreateMaintenanceRule validates and stores a window
func (s *SQLiteMaintenanceRuleStorage) CreateMaintenanceRule(ctx context.Context, rule *core.MaintenanceWindowRule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = time.Now().UTC()
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.Normalize()

	ignored, err := json.Marshal(rule.IgnoreStatuses)
	if err != nil {
		return fmt.Errorf("failed to marshal ignore_statuses: %w", err)
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `INSERT INTO maintenance_rules (`+maintenanceRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description,
		core.FormatTimestamp(rule.StartTime), core.FormatTimestamp(rule.EndTime),
		rule.Enabled, rule.CELQuery, string(ignored), rule.Suppress, string(rule.Strategy),
		rule.CreatedBy, core.FormatTimestamp(rule.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create maintenance rule: %w", err)
	}
	return nil
}

// GetMaintenanceRule retrieves a window by ID
func (s *SQLiteMaintenanceRuleStorage) GetMaintenanceRule(ctx context.Context, tenantID, id string) (*core.MaintenanceWindowRule, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+maintenanceRuleColumns+` FROM maintenance_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	rule, err := scanMaintenanceRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMaintenanceRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get maintenance rule: %w", err)
	}
	return rule, nil
}

// DeleteMaintenanceRule removes a window
func (s *SQLiteMaintenanceRuleStorage) DeleteMaintenanceRule(ctx context.Context, tenantID, id string) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM maintenance_rules WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete maintenance rule: %w", err)
	}
	return expectAffected(result, ErrMaintenanceRuleNotFound)
}

// ListMaintenanceRules returns every window of a tenant
func (s *SQLiteMaintenanceRuleStorage) ListMaintenanceRules(ctx context.Context, tenantID string) ([]*core.MaintenanceWindowRule, error) {
	rows, err := s.sqlite.ReadDB.QueryContext(ctx,
		`SELECT `+maintenanceRuleColumns+` FROM maintenance_rules WHERE tenant_id = ? ORDER BY start_time`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance rules: %w", err)
	}
	return s.collect(rows, time.Time{})
}

// GetActiveMaintenanceRules returns the enabled windows whose interval contains now. An
// empty tenantID selects windows of every tenant. Bounds are compared as UTC instants
// after parsing, so rows written with naive timestamps are read as UTC.
func (s *SQLiteMaintenanceRuleStorage) GetActiveMaintenanceRules(ctx context.Context, sess *Session, tenantID string, now time.Time) ([]*core.MaintenanceWindowRule, error) {
	query := `SELECT ` + maintenanceRuleColumns + ` FROM maintenance_rules WHERE enabled = 1`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY tenant_id, start_time`

	rows, err := s.sqlite.reader(sess).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query maintenance rules: %w", err)
	}
	if now.IsZero() {
		now = time.Now()
	}
	return s.collect(rows, now.UTC())
}

// collect scans rows, keeping only windows active at now unless now is zero
func (s *SQLiteMaintenanceRuleStorage) collect(rows *sql.Rows, now time.Time) ([]*core.MaintenanceWindowRule, error) {
	defer rows.Close()

	var rules []*core.MaintenanceWindowRule
	for rows.Next() {
		rule, err := scanMaintenanceRule(rows)
		if err != nil {
			s.logger.Errorw("Skipping unreadable maintenance rule", "error", err)
			continue
		}
		if !now.IsZero() && !rule.IsActiveAt(now) {
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate maintenance rules: %w", err)
	}
	return rules, nil
}

func scanMaintenanceRule(row rowScanner) (*core.MaintenanceWindowRule, error) {
	var (
		rule                          core.MaintenanceWindowRule
		description, ignored, creator sql.NullString
		startTime, endTime, createdAt string
		strategy                      string
	)
	if err := row.Scan(&rule.ID, &rule.TenantID, &rule.Name, &description, &startTime, &endTime,
		&rule.Enabled, &rule.CELQuery, &ignored, &rule.Suppress, &strategy, &creator, &createdAt); err != nil {
		return nil, err
	}
	rule.Description = description.String
	rule.CreatedBy = creator.String
	rule.Strategy = core.MaintenanceStrategy(strategy)

	var err error
	if rule.StartTime, err = core.ParseTimestamp(startTime); err != nil {
		return nil, fmt.Errorf("rule %s: start_time: %w", rule.ID, err)
	}
	if rule.EndTime, err = core.ParseTimestamp(endTime); err != nil {
		return nil, fmt.Errorf("rule %s: end_time: %w", rule.ID, err)
	}
	rule.CreatedAt, _ = core.ParseTimestamp(createdAt)

	if ignored.Valid && ignored.String != "" && ignored.String != "null" {
		if err := json.Unmarshal([]byte(ignored.String), &rule.IgnoreStatuses); err != nil {
			return nil, fmt.Errorf("rule %s: ignore_statuses: %w", rule.ID, err)
		}
	}
	return &rule, nil
}
