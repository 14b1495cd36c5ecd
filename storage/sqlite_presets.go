package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/core"
)

// SQLitePresetStorage persists saved searches
type SQLitePresetStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLitePresetStorage creates a new SQLite preset storage
func NewSQLitePresetStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLitePresetStorage {
	return &SQLitePresetStorage{sqlite: sqlite, logger: logger}
}

const presetColumns = `id, tenant_id, name, options, is_noisy, static, created_by, created_at`

// CreatePreset validates and stores a preset. Names are unique per tenant.
func (s *SQLitePresetStorage) CreatePreset(ctx context.Context, preset *core.Preset) error {
	if err := preset.Validate(); err != nil {
		return err
	}
	if preset.ID == "" {
		preset.ID = uuid.New().String()
	}
	preset.CreatedAt = time.Now().UTC()

	options, err := json.Marshal(preset.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	_, err = s.sqlite.WriteDB.ExecContext(ctx, `INSERT INTO presets (`+presetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		preset.ID, preset.TenantID, preset.Name, string(options), preset.IsNoisy, preset.Static,
		preset.CreatedBy, core.FormatTimestamp(preset.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrPresetNameExists, preset.Name)
		}
		return fmt.Errorf("failed to create preset: %w", err)
	}
	return nil
}

// GetPreset retrieves a preset by ID
func (s *SQLitePresetStorage) GetPreset(ctx context.Context, tenantID, id string) (*core.Preset, error) {
	row := s.sqlite.ReadDB.QueryRowContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE id = ? AND tenant_id = ?`, id, tenantID)
	preset, err := scanPreset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preset: %w", err)
	}
	return preset, nil
}

// DeletePreset removes a preset
func (s *SQLitePresetStorage) DeletePreset(ctx context.Context, tenantID, id string) error {
	result, err := s.sqlite.WriteDB.ExecContext(ctx,
		`DELETE FROM presets WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete preset: %w", err)
	}
	return expectAffected(result, ErrPresetNotFound)
}

// GetPresets returns every preset of a tenant ordered by name
func (s *SQLitePresetStorage) GetPresets(ctx context.Context, sess *Session, tenantID string) ([]*core.Preset, error) {
	rows, err := s.sqlite.reader(sess).QueryContext(ctx,
		`SELECT `+presetColumns+` FROM presets WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query presets: %w", err)
	}
	defer rows.Close()

	presets := make([]*core.Preset, 0)
	for rows.Next() {
		preset, err := scanPreset(rows)
		if err != nil {
			s.logger.Warnw("Skipping unreadable preset", "tenant_id", tenantID, "error", err)
			continue
		}
		presets = append(presets, preset)
	}
	return presets, rows.Err()
}

func scanPreset(row rowScanner) (*core.Preset, error) {
	var (
		preset             core.Preset
		options, createdAt string
		createdBy          sql.NullString
	)
	if err := row.Scan(&preset.ID, &preset.TenantID, &preset.Name, &options, &preset.IsNoisy,
		&preset.Static, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	preset.CreatedBy = createdBy.String
	preset.CreatedAt, _ = core.ParseTimestamp(createdAt)
	if err := json.Unmarshal([]byte(options), &preset.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	return &preset, nil
}
