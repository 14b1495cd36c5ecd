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

// SQLiteAlertStorage persists alert events and the latest-event-per-fingerprint projection
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new SQLite alert storage
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{sqlite: sqlite, logger: logger}
}

// SaveAlert appends the alert as an immutable event and moves the last-alert projection
// forward when the event is not older than the one already projected.
func (s *SQLiteAlertStorage) SaveAlert(ctx context.Context, sess *Session, alert *core.Alert) error {
	if alert.TenantID == "" || alert.Fingerprint == "" {
		return fmt.Errorf("alert requires tenant and fingerprint")
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.LastReceived.IsZero() {
		alert.LastReceived = time.Now().UTC()
	}

	event, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	receivedAt := core.FormatTimestamp(alert.LastReceived)

	return WithSession(ctx, s.sqlite, sess, func(tx *Session) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO alert_events (id, tenant_id, fingerprint, received_at, event) VALUES (?, ?, ?, ?, ?)`,
			alert.ID, alert.TenantID, alert.Fingerprint, receivedAt, string(event),
		); err != nil {
			return fmt.Errorf("failed to insert alert event: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO last_alerts (tenant_id, fingerprint, alert_id, status, received_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant_id, fingerprint) DO UPDATE SET
				alert_id = excluded.alert_id,
				status = excluded.status,
				received_at = excluded.received_at
			WHERE excluded.received_at >= last_alerts.received_at`,
			alert.TenantID, alert.Fingerprint, alert.ID, string(alert.Status), receivedAt,
		); err != nil {
			return fmt.Errorf("failed to update last alert: %w", err)
		}
		return nil
	})
}

// GetLatestAlertEvent returns the raw event document projected as the latest for fingerprint
func (s *SQLiteAlertStorage) GetLatestAlertEvent(ctx context.Context, sess *Session, tenantID, fingerprint string) (map[string]any, error) {
	var raw string
	err := s.sqlite.reader(sess).QueryRowContext(ctx, `
		SELECT e.event
		FROM last_alerts l
		JOIN alert_events e ON e.id = l.alert_id
		WHERE l.tenant_id = ? AND l.fingerprint = ?`,
		tenantID, fingerprint,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest alert event: %w", err)
	}

	var event map[string]any
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedEvent, err)
	}
	return event, nil
}

// GetLastAlert returns the latest alert for fingerprint
func (s *SQLiteAlertStorage) GetLastAlert(ctx context.Context, sess *Session, tenantID, fingerprint string) (*core.Alert, error) {
	event, err := s.GetLatestAlertEvent(ctx, sess, tenantID, fingerprint)
	if err != nil {
		return nil, err
	}
	return core.AlertFromEvent(event)
}

// GetAlertsByStatus returns the latest alert of every fingerprint, across all tenants,
// whose projected status is status. Events that cannot be decoded are skipped.
func (s *SQLiteAlertStorage) GetAlertsByStatus(ctx context.Context, sess *Session, status core.AlertStatus) ([]*core.Alert, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx, `
		SELECT e.event
		FROM last_alerts l
		JOIN alert_events e ON e.id = l.alert_id
		WHERE l.status = ?
		ORDER BY l.tenant_id, l.received_at`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts by status: %w", err)
	}
	return s.scanAlerts(rows)
}

// GetLatestAlerts returns the projected latest alert of every fingerprint of a tenant,
// newest first. The projection only moves forward to events received at or after the
// current one, so events within the same second resolve to the newest stored.
func (s *SQLiteAlertStorage) GetLatestAlerts(ctx context.Context, sess *Session, tenantID string) ([]*core.Alert, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx, `
		SELECT e.event
		FROM last_alerts l
		JOIN alert_events e ON e.id = l.alert_id
		WHERE l.tenant_id = ?
		ORDER BY l.received_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest alerts: %w", err)
	}
	return s.scanAlerts(rows)
}

// GetAlertEvents returns every stored event of a tenant, newest first
func (s *SQLiteAlertStorage) GetAlertEvents(ctx context.Context, sess *Session, tenantID string) ([]*core.Alert, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx, `
		SELECT event
		FROM alert_events
		WHERE tenant_id = ?
		ORDER BY received_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert events: %w", err)
	}
	return s.scanAlerts(rows)
}

// UpdateLastAlert rewrites the latest event of the alert's fingerprint in place with the
// alert's current state. Used for status transitions that must not create a new event.
func (s *SQLiteAlertStorage) UpdateLastAlert(ctx context.Context, sess *Session, alert *core.Alert) error {
	event, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	return WithSession(ctx, s.sqlite, sess, func(tx *Session) error {
		var alertID string
		err := tx.QueryRowContext(ctx,
			`SELECT alert_id FROM last_alerts WHERE tenant_id = ? AND fingerprint = ?`,
			alert.TenantID, alert.Fingerprint,
		).Scan(&alertID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAlertNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find last alert: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE alert_events SET event = ? WHERE id = ?`, string(event), alertID,
		); err != nil {
			return fmt.Errorf("failed to update alert event: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE last_alerts SET status = ? WHERE tenant_id = ? AND fingerprint = ?`,
			string(alert.Status), alert.TenantID, alert.Fingerprint,
		); err != nil {
			return fmt.Errorf("failed to update last alert status: %w", err)
		}
		return nil
	})
}

func (s *SQLiteAlertStorage) scanAlerts(rows *sql.Rows) ([]*core.Alert, error) {
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan alert event: %w", err)
		}
		var event map[string]any
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			s.logger.Errorw("Skipping undecodable alert event", "error", err)
			continue
		}
		alert, err := core.AlertFromEvent(event)
		if err != nil {
			s.logger.Errorw("Skipping malformed alert event", "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert events: %w", err)
	}
	return alerts, nil
}
