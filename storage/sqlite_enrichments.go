package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vigil/core"
)

// SQLiteEnrichmentStorage keeps the accumulated enrichments of every fingerprint
type SQLiteEnrichmentStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEnrichmentStorage creates a new SQLite enrichment storage
func NewSQLiteEnrichmentStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEnrichmentStorage {
	return &SQLiteEnrichmentStorage{sqlite: sqlite, logger: logger}
}

// SaveEnrichments merges enrichments into those already stored for the fingerprint.
// Keys present in both are overwritten by the new values.
func (s *SQLiteEnrichmentStorage) SaveEnrichments(ctx context.Context, sess *Session, tenantID, fingerprint string, enrichments map[string]any) error {
	if len(enrichments) == 0 {
		return nil
	}

	return WithSession(ctx, s.sqlite, sess, func(tx *Session) error {
		current, err := s.getEnrichments(ctx, tx, tenantID, fingerprint)
		if err != nil {
			return err
		}
		if current == nil {
			current = make(map[string]any, len(enrichments))
		}
		for k, v := range enrichments {
			current[k] = core.SanitizeValue(v)
		}

		data, err := json.Marshal(current)
		if err != nil {
			return fmt.Errorf("failed to marshal enrichments: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alert_enrichments (tenant_id, fingerprint, enrichments, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tenant_id, fingerprint) DO UPDATE SET
				enrichments = excluded.enrichments,
				updated_at = excluded.updated_at`,
			tenantID, fingerprint, string(data), core.FormatTimestamp(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("failed to save enrichments: %w", err)
		}
		return nil
	})
}

// GetEnrichments returns the enrichments stored for the fingerprint, or nil if none
func (s *SQLiteEnrichmentStorage) GetEnrichments(ctx context.Context, sess *Session, tenantID, fingerprint string) (map[string]any, error) {
	return s.getEnrichments(ctx, s.sqlite.reader(sess), tenantID, fingerprint)
}

func (s *SQLiteEnrichmentStorage) getEnrichments(ctx context.Context, q Querier, tenantID, fingerprint string) (map[string]any, error) {
	var raw string
	err := q.QueryRowContext(ctx,
		`SELECT enrichments FROM alert_enrichments WHERE tenant_id = ? AND fingerprint = ?`,
		tenantID, fingerprint,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrichments: %w", err)
	}

	var enrichments map[string]any
	if err := json.Unmarshal([]byte(raw), &enrichments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal enrichments: %w", err)
	}
	return enrichments, nil
}
