package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vigil/core"
	"vigil/correlation"
	"vigil/enrichment"
	"vigil/expr"
	"vigil/notify"
	"vigil/search"
	"vigil/storage"
)

var ingestNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// MockSink is a mock implementation of workflow.Sink
type MockSink struct {
	mock.Mock
}

func (m *MockSink) InsertEvents(ctx context.Context, tenantID string, alerts []*core.Alert) error {
	args := m.Called(ctx, tenantID, alerts)
	return args.Error(0)
}

type recordingPusher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPusher) Trigger(_ context.Context, channel, event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, channel+"/"+event)
	return nil
}

type pipeline struct {
	sqlite       *storage.SQLite
	alerts       *storage.SQLiteAlertStorage
	mappingRules *storage.SQLiteMappingRuleStorage
	maintenance  *storage.SQLiteMaintenanceRuleStorage
	correlations *storage.SQLiteCorrelationRuleStorage
	incidents    *storage.SQLiteIncidentStorage
	presets      *storage.SQLitePresetStorage
	audit        *storage.SQLiteAuditStorage
	index        *storage.AlertIndex
	sink         *MockSink
	pusher       *recordingPusher
	service      *AlertService
}

func setupPipeline(t *testing.T) *pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	sqlite, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	indexStore, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexStore.Close() })
	index, err := storage.NewAlertIndex(indexStore.WriteDB, storage.IndexDialectSQLite, logger)
	require.NoError(t, err)

	celEngine, err := expr.NewEngine(64, logger)
	require.NoError(t, err)

	p := &pipeline{
		sqlite:       sqlite,
		alerts:       storage.NewSQLiteAlertStorage(sqlite, logger),
		mappingRules: storage.NewSQLiteMappingRuleStorage(sqlite, logger),
		maintenance:  storage.NewSQLiteMaintenanceRuleStorage(sqlite, logger),
		correlations: storage.NewSQLiteCorrelationRuleStorage(sqlite, logger),
		incidents:    storage.NewSQLiteIncidentStorage(sqlite, logger),
		presets:      storage.NewSQLitePresetStorage(sqlite, logger),
		audit:        storage.NewSQLiteAuditStorage(sqlite, logger),
		index:        index,
		sink:         &MockSink{},
		pusher:       &recordingPusher{},
	}
	enrichments := storage.NewSQLiteEnrichmentStorage(sqlite, logger)

	matcher, err := enrichment.NewMatcher(enrichment.DialectSQLite, sqlite.ReadDB, logger)
	require.NoError(t, err)

	correlator, err := correlation.NewEngine(correlation.Config{
		DB:        sqlite,
		Rules:     p.correlations,
		Incidents: p.incidents,
		Audit:     p.audit,
		Expr:      celEngine,
		Now:       func() time.Time { return ingestNow },
		Logger:    logger,
	})
	require.NoError(t, err)

	searcher, err := search.NewEngine(search.Config{
		Alerts:  p.alerts,
		Presets: p.presets,
		Index:   index,
		Expr:    celEngine,
		Logger:  logger,
	})
	require.NoError(t, err)

	p.service, err = NewAlertService(Config{
		DB:          sqlite,
		Alerts:      p.alerts,
		Maintenance: p.maintenance,
		Audit:       p.audit,
		Index:       index,
		Enricher:    enrichment.NewEnricher(p.mappingRules, enrichments, p.audit, matcher, logger),
		Expr:        celEngine,
		Correlator:  correlator,
		Presets:     searcher,
		Sink:        p.sink,
		Pusher:      notify.NewDebouncedPusher(p.pusher, notify.NewDebouncer(time.Minute), logger),
		Correlation: true,
		Now:         func() time.Time { return ingestNow },
		Logger:      logger,
	})
	require.NoError(t, err)
	return p
}

func incoming(name, service, severity string) *core.Alert {
	return &core.Alert{
		Name:         name,
		Status:       core.AlertStatusFiring,
		Severity:     severity,
		Service:      service,
		Source:       []string{"prometheus"},
		LastReceived: ingestNow,
	}
}

func TestIngest_EnrichesPersistsAndCorrelates(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.mappingRules.CreateMappingRule(ctx, &core.MappingRule{
		TenantID: "t1",
		Name:     "owners",
		Matchers: [][]string{{"service"}},
		Rows:     []map[string]any{{"service": "db", "owner": "dba-team"}},
	}))
	require.NoError(t, p.correlations.CreateCorrelationRule(ctx, &core.CorrelationRule{
		TenantID:   "t1",
		Name:       "owned outage",
		Definition: `(owner == "dba-team")`,
		GroupBy:    []string{"service"},
	}))
	require.NoError(t, p.presets.CreatePreset(ctx, &core.Preset{
		TenantID: "t1",
		Name:     "dba",
		Options:  []core.PresetOption{{Label: core.PresetOptionCEL, Value: `owner == "dba-team"`}},
	}))
	p.sink.On("InsertEvents", mock.Anything, "t1", mock.MatchedBy(func(alerts []*core.Alert) bool {
		return len(alerts) == 2
	})).Return(nil).Once()

	result, err := p.service.Ingest(ctx, "t1", []*core.Alert{
		incoming("db latency", "db", "critical"),
		incoming("api errors", "api", "warning"),
	})
	require.NoError(t, err)
	require.Len(t, result.Accepted, 2)
	assert.Empty(t, result.Held)
	require.Len(t, result.Incidents, 1)
	p.sink.AssertExpectations(t)

	dbFingerprint := result.Accepted[0]
	assert.Equal(t, core.GenerateFingerprint(&core.Alert{Name: "db latency"}, core.FingerprintConfig{}), dbFingerprint)

	stored, err := p.alerts.GetLastAlert(ctx, nil, "t1", dbFingerprint)
	require.NoError(t, err)
	owner, ok := stored.Get("owner")
	require.True(t, ok, "Enrichment is persisted with the alert")
	assert.Equal(t, "dba-team", owner)

	incident, err := p.incidents.GetIncident(ctx, nil, "t1", result.Incidents[0])
	require.NoError(t, err)
	assert.Equal(t, core.IncidentStatusOpen, incident.Status)
	assert.Equal(t, []string{dbFingerprint}, incident.AlertFingerprints())

	counts, err := p.index.CountPreset(ctx, "t1", "service = 'db'")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Firing, "Committed alerts are projected into the index")

	assert.Equal(t, []string{"private-t1/incident-change", "private-t1/presets-changed"}, p.pusher.events)
}

func TestIngest_MaintenanceHoldsAlert(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.maintenance.CreateMaintenanceRule(ctx, &core.MaintenanceWindowRule{
		TenantID:  "t1",
		Name:      "db upgrade",
		StartTime: ingestNow.Add(-time.Hour),
		EndTime:   ingestNow.Add(time.Hour),
		Enabled:   true,
		CELQuery:  `service == "db"`,
		Strategy:  core.MaintenanceStrategyRecoverPreviousStatus,
	}))
	p.sink.On("InsertEvents", mock.Anything, "t1", mock.MatchedBy(func(alerts []*core.Alert) bool {
		return len(alerts) == 1 && alerts[0].Service == "api"
	})).Return(nil).Once()

	result, err := p.service.Ingest(ctx, "t1", []*core.Alert{
		incoming("db latency", "db", "critical"),
		incoming("api errors", "api", "warning"),
	})
	require.NoError(t, err)
	require.Len(t, result.Held, 1)
	require.Len(t, result.Accepted, 1)
	p.sink.AssertExpectations(t)

	held, err := p.alerts.GetLastAlert(ctx, nil, "t1", result.Held[0])
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusMaintenance, held.Status)
	assert.Equal(t, core.AlertStatusFiring, held.PreviousStatus)

	records, err := p.audit.GetAuditRecords(ctx, nil, "t1", result.Held[0])
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, core.AuditActionMaintenance, records[0].Action)
}

func TestIngest_SuppressingWindowForwardsAlert(t *testing.T) {
	p := setupPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.maintenance.CreateMaintenanceRule(ctx, &core.MaintenanceWindowRule{
		TenantID:  "t1",
		Name:      "quiet hours",
		StartTime: ingestNow.Add(-time.Hour),
		EndTime:   ingestNow.Add(time.Hour),
		Enabled:   true,
		CELQuery:  `severity == "warning"`,
		Suppress:  true,
	}))
	p.sink.On("InsertEvents", mock.Anything, "t1", mock.Anything).Return(nil).Once()

	result, err := p.service.Ingest(ctx, "t1", []*core.Alert{incoming("api errors", "api", "warning")})
	require.NoError(t, err)
	require.Len(t, result.Suppressed, 1)
	assert.Empty(t, result.Held)

	stored, err := p.alerts.GetLastAlert(ctx, nil, "t1", result.Suppressed[0])
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusSuppressed, stored.Status)
}

func TestIngest_RejectsUnnamedAlerts(t *testing.T) {
	p := setupPipeline(t)

	result, err := p.service.Ingest(context.Background(), "t1", []*core.Alert{nil, {Status: core.AlertStatusFiring}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Rejected)
	assert.Empty(t, result.Accepted)
	p.sink.AssertNotCalled(t, "InsertEvents", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_SinkFailureDoesNotFailBatch(t *testing.T) {
	p := setupPipeline(t)
	p.sink.On("InsertEvents", mock.Anything, "t1", mock.Anything).Return(errors.New("broker down")).Once()

	result, err := p.service.Ingest(context.Background(), "t1", []*core.Alert{incoming("api errors", "api", "warning")})
	require.NoError(t, err)
	require.Len(t, result.Accepted, 1)

	_, err = p.alerts.GetLastAlert(context.Background(), nil, "t1", result.Accepted[0])
	assert.NoError(t, err)
}

func TestSubmit_RunsOnWorkerPool(t *testing.T) {
	p := setupPipeline(t)
	logger := zaptest.NewLogger(t).Sugar()
	pool := core.NewWorkerPool(context.Background(), 1, 4, "ingest", logger)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)
	p.service.pool = pool

	done := make(chan struct{})
	p.sink.On("InsertEvents", mock.Anything, "t1", mock.Anything).Return(nil).Run(func(mock.Arguments) {
		close(done)
	}).Once()

	alert := incoming("api errors", "api", "warning")
	require.NoError(t, p.service.Submit(context.Background(), "t1", []*core.Alert{alert}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queued batch was not ingested")
	}
	_, err := p.alerts.GetLastAlert(context.Background(), nil, "t1", alert.Fingerprint)
	assert.NoError(t, err)
}

func TestNewAlertService_RequiresDependencies(t *testing.T) {
	_, err := NewAlertService(Config{})
	assert.Error(t, err)
}
