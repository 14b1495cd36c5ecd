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

// SQLiteIncidentStorage persists incidents produced by correlation
type SQLiteIncidentStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteIncidentStorage creates a new SQLite incident storage
func NewSQLiteIncidentStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteIncidentStorage {
	return &SQLiteIncidentStorage{sqlite: sqlite, logger: logger}
}

const incidentColumns = `id, tenant_id, rule_id, rule_name, group_key, status, members, merged_into,
	created_at, updated_at, last_alert_at`

// FindActiveIncident returns the newest draft or open incident of (tenant, rule, group key)
// whose last alert arrived at or after since, or ErrIncidentNotFound.
func (s *SQLiteIncidentStorage) FindActiveIncident(ctx context.Context, sess *Session, tenantID, ruleID, groupKey string, since time.Time) (*core.Incident, error) {
	row := s.sqlite.reader(sess).QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE tenant_id = ? AND rule_id = ? AND group_key = ?
			AND status IN (?, ?) AND last_alert_at >= ?
		ORDER BY last_alert_at DESC
		LIMIT 1`,
		tenantID, ruleID, groupKey,
		string(core.IncidentStatusDraft), string(core.IncidentStatusOpen), core.FormatTimestamp(since),
	)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find incident: %w", err)
	}
	return incident, nil
}

// CreateIncident stores a new incident
func (s *SQLiteIncidentStorage) CreateIncident(ctx context.Context, sess *Session, incident *core.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = now
	}
	incident.UpdatedAt = now

	members, err := json.Marshal(incident.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}

	_, err = s.sqlite.writer(sess).ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.TenantID, incident.RuleID, incident.RuleName, incident.GroupKey,
		string(incident.Status), string(members), incident.MergedInto,
		core.FormatTimestamp(incident.CreatedAt), core.FormatTimestamp(incident.UpdatedAt),
		core.FormatTimestamp(incident.LastAlertAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create incident: %w", err)
	}
	return nil
}

// UpdateIncident stores the incident's status, members and timestamps
func (s *SQLiteIncidentStorage) UpdateIncident(ctx context.Context, sess *Session, incident *core.Incident) error {
	incident.UpdatedAt = time.Now().UTC()
	members, err := json.Marshal(incident.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}

	result, err := s.sqlite.writer(sess).ExecContext(ctx, `
		UPDATE incidents SET status = ?, members = ?, merged_into = ?, updated_at = ?, last_alert_at = ?
		WHERE id = ? AND tenant_id = ?`,
		string(incident.Status), string(members), incident.MergedInto,
		core.FormatTimestamp(incident.UpdatedAt), core.FormatTimestamp(incident.LastAlertAt),
		incident.ID, incident.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	return expectAffected(result, ErrIncidentNotFound)
}

// GetIncident retrieves an incident by ID
func (s *SQLiteIncidentStorage) GetIncident(ctx context.Context, sess *Session, tenantID, id string) (*core.Incident, error) {
	row := s.sqlite.reader(sess).QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = ? AND tenant_id = ?`, id, tenantID)
	incident, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIncidentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return incident, nil
}

// ListIncidents returns a tenant's incidents, most recently active first. An empty status
// returns every incident.
func (s *SQLiteIncidentStorage) ListIncidents(ctx context.Context, tenantID string, status core.IncidentStatus) ([]*core.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_alert_at DESC`

	rows, err := s.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := make([]*core.Incident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*core.Incident, error) {
	var (
		incident                          core.Incident
		ruleName, mergedInto              sql.NullString
		status, members                   string
		createdAt, updatedAt, lastAlertAt string
	)
	if err := row.Scan(&incident.ID, &incident.TenantID, &incident.RuleID, &ruleName, &incident.GroupKey,
		&status, &members, &mergedInto, &createdAt, &updatedAt, &lastAlertAt); err != nil {
		return nil, err
	}
	incident.RuleName = ruleName.String
	incident.MergedInto = mergedInto.String
	incident.Status = core.IncidentStatus(status)
	if err := json.Unmarshal([]byte(members), &incident.Members); err != nil {
		return nil, fmt.Errorf("failed to unmarshal members: %w", err)
	}
	incident.CreatedAt, _ = core.ParseTimestamp(createdAt)
	incident.UpdatedAt, _ = core.ParseTimestamp(updatedAt)
	incident.LastAlertAt, _ = core.ParseTimestamp(lastAlertAt)
	return &incident, nil
}
