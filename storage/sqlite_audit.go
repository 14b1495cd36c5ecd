package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/core"
)

// SQLiteAuditStorage appends audit records
type SQLiteAuditStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAuditStorage creates a new SQLite audit storage
func NewSQLiteAuditStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAuditStorage {
	return &SQLiteAuditStorage{sqlite: sqlite, logger: logger}
}

// RecordAudit writes an audit record. Inside a session the write runs in its own
// savepoint, so a failure undoes only the audit row and leaves the session usable; the
// record reaches the session's transaction but is committed only with it.
func (s *SQLiteAuditStorage) RecordAudit(ctx context.Context, sess *Session, record *core.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.User == "" {
		record.User = core.SystemUser
	}

	insert := func(q Querier) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO audit_records (id, tenant_id, fingerprint, action, description, user_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.TenantID, record.Fingerprint, record.Action, record.Description,
			record.User, core.FormatTimestamp(record.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to record audit: %w", err)
		}
		return nil
	}

	if sess == nil {
		return insert(s.sqlite.WriteDB)
	}
	return sess.Savepoint(ctx, func() error { return insert(sess) })
}

// GetAuditRecords returns the audit trail of a fingerprint, newest first
func (s *SQLiteAuditStorage) GetAuditRecords(ctx context.Context, sess *Session, tenantID, fingerprint string) ([]*core.AuditRecord, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx, `
		SELECT id, tenant_id, fingerprint, action, description, user_id, timestamp
		FROM audit_records
		WHERE tenant_id = ? AND fingerprint = ?
		ORDER BY timestamp DESC`,
		tenantID, fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := make([]*core.AuditRecord, 0)
	for rows.Next() {
		var (
			r         core.AuditRecord
			timestamp string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Fingerprint, &r.Action, &r.Description, &r.User, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.Timestamp, _ = core.ParseTimestamp(timestamp)
		records = append(records, &r)
	}
	return records, rows.Err()
}
