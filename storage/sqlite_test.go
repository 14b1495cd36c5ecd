package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// setupTestSQLite creates a throwaway SQLite database closed at test cleanup
func setupTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	sqlite, err := NewSQLite(":memory:", zaptest.NewLogger(t).Sugar())
	require.NoError(t, err, "Failed to create SQLite database")
	require.NotNil(t, sqlite.WriteDB)
	require.NotNil(t, sqlite.ReadDB)

	t.Cleanup(func() { _ = sqlite.Close() })
	return sqlite
}

func TestNewSQLite_Success(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err, "Should successfully create SQLite database")
	assert.Equal(t, dbPath, sqlite.Path)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.NoError(t, sqlite.Close())
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	sqlite, err := NewSQLite(dbPath, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer sqlite.Close()

	_, err = os.Stat(filepath.Dir(dbPath))
	assert.NoError(t, err, "Parent directories should be created")
}

func TestNewSQLite_MemoryIsRemovedOnClose(t *testing.T) {
	sqlite, err := NewSQLite(":memory:", zap.NewNop().Sugar())
	require.NoError(t, err)
	path := sqlite.Path

	_, err = os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, sqlite.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "Ephemeral database file should be removed")
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{":memory:", false},
		{"data/vigil.db", false},
		{"", true},
		{"../etc/passwd", true},
		{"data/vigil.db?mode=ro", true},
		{"/dev/null", true},
		{"bad\x00name.db", true},
	}
	for _, tt := range tests {
		err := validateDatabasePath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, "path %q", tt.path)
		} else {
			assert.NoError(t, err, "path %q", tt.path)
		}
	}
}

func TestSQLite_HealthCheck(t *testing.T) {
	sqlite := setupTestSQLite(t)
	assert.NoError(t, sqlite.HealthCheck(context.Background()))
}

func TestSQLite_ReadPoolIsQueryOnly(t *testing.T) {
	sqlite := setupTestSQLite(t)

	_, err := sqlite.ReadDB.Exec(`INSERT INTO audit_records (id, tenant_id, fingerprint, action, timestamp) VALUES ('a', 't', 'f', 'x', 'now')`)
	assert.Error(t, err, "Read pool must reject writes")
}

func TestSQLite_StartMetricsCollectionStopsWithContext(t *testing.T) {
	sqlite := setupTestSQLite(t)

	ctx, cancel := context.WithCancel(context.Background())
	sqlite.StartMetricsCollection(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
