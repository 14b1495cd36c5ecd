package storage

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vigil/config"
	"vigil/core"
)

// skipIfNoClickHouse skips the test if ClickHouse is not available
func skipIfNoClickHouse(t *testing.T) {
	if os.Getenv("CLICKHOUSE_ADDR") == "" {
		t.Skip("Skipping ClickHouse integration test (set CLICKHOUSE_ADDR to enable)")
	}
}

// setupTestIndex returns an alert index backed by a private in-memory SQLite database
func setupTestIndex(t *testing.T) *AlertIndex {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	idx, err := NewAlertIndex(db, IndexDialectSQLite, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return idx
}

func TestAlertIndex_UpsertKeepsLatest(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Upsert(ctx, newTestAlert("t1", "fp-1", core.AlertStatusFiring, base.Add(time.Minute))))
	require.NoError(t, idx.Upsert(ctx, newTestAlert("t1", "fp-1", core.AlertStatusResolved, base)))

	counts, err := idx.CountPreset(ctx, "t1", "1 = 1")
	require.NoError(t, err)
	assert.Equal(t, PresetCounts{Total: 1, Firing: 1, Noisy: 0}, counts)
}

func TestAlertIndex_CountPreset(t *testing.T) {
	idx := setupTestIndex(t)
	ctx := context.Background()
	now := time.Now().UTC()

	firing := newTestAlert("t1", "a", core.AlertStatusFiring, now)
	noisy := newTestAlert("t1", "b", core.AlertStatusFiring, now)
	noisy.IsNoisy = true
	dismissed := newTestAlert("t1", "c", core.AlertStatusFiring, now)
	dismissed.Dismissed = true
	dismissed.IsNoisy = true
	resolved := newTestAlert("t1", "d", core.AlertStatusResolved, now)
	warning := newTestAlert("t1", "e", core.AlertStatusFiring, now)
	warning.Severity = "warning"
	otherTenant := newTestAlert("t2", "a", core.AlertStatusFiring, now)

	for _, a := range []*core.Alert{firing, noisy, dismissed, resolved, warning, otherTenant} {
		require.NoError(t, idx.Upsert(ctx, a))
	}

	counts, err := idx.CountPreset(ctx, "t1", "severity = 'critical'")
	require.NoError(t, err)
	assert.Equal(t, PresetCounts{Total: 4, Firing: 2, Noisy: 1}, counts)

	counts, err = idx.CountPreset(ctx, "t1", "severity = 'none'")
	require.NoError(t, err)
	assert.Equal(t, PresetCounts{}, counts)

	_, err = idx.CountPreset(ctx, "t1", "no_such_column = 1")
	assert.Error(t, err)
}

func TestNewAlertIndex_UnknownDialect(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewAlertIndex(db, "oracle", zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestValidateDatabaseName(t *testing.T) {
	assert.NoError(t, validateDatabaseName("vigil_test"))
	assert.Error(t, validateDatabaseName(""))
	assert.Error(t, validateDatabaseName("vigil; DROP TABLE x"))
}

func TestNewClickHouseIndex_Integration(t *testing.T) {
	skipIfNoClickHouse(t)

	cfg := &config.Config{}
	cfg.ClickHouse.Addr = os.Getenv("CLICKHOUSE_ADDR")
	cfg.ClickHouse.Database = "vigil_test"
	cfg.ClickHouse.Username = "default"
	cfg.ClickHouse.MaxPoolSize = 2

	idx, err := NewClickHouseIndex(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer idx.Close()

	ctx := context.Background()
	tenant := "it-" + time.Now().Format("150405.000000")
	base := time.Now().UTC()
	require.NoError(t, idx.Upsert(ctx, newTestAlert(tenant, "fp", core.AlertStatusResolved, base)))
	require.NoError(t, idx.Upsert(ctx, newTestAlert(tenant, "fp", core.AlertStatusFiring, base.Add(time.Second))))

	counts, err := idx.CountPreset(ctx, tenant, "severity = 'critical'")
	require.NoError(t, err)
	assert.Equal(t, PresetCounts{Total: 1, Firing: 1}, counts)
}
