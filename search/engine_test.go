package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vigil/core"
	"vigil/expr"
	"vigil/storage"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	alerts      *storage.SQLiteAlertStorage
	enrichments *storage.SQLiteEnrichmentStorage
	presets     *storage.SQLitePresetStorage
	index       *storage.AlertIndex
	internal    *Engine
	indexed     *Engine
}

func setupSearch(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	store, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	indexStore, err := storage.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = indexStore.Close() })
	index, err := storage.NewAlertIndex(indexStore.WriteDB, storage.IndexDialectSQLite, logger)
	require.NoError(t, err)

	celEngine, err := expr.NewEngine(128, logger)
	require.NoError(t, err)

	f := &fixture{
		alerts:      storage.NewSQLiteAlertStorage(store, logger),
		enrichments: storage.NewSQLiteEnrichmentStorage(store, logger),
		presets:     storage.NewSQLitePresetStorage(store, logger),
		index:       index,
	}
	cfg := Config{Alerts: f.alerts, Presets: f.presets, Expr: celEngine, Logger: logger}
	f.internal, err = NewEngine(cfg)
	require.NoError(t, err)

	cfg.Index = index
	f.indexed, err = NewEngine(cfg)
	require.NoError(t, err)
	return f
}

// store persists the alert the way ingestion does: event row, projection and index row
func (f *fixture) store(t *testing.T, alert *core.Alert) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.alerts.SaveAlert(ctx, nil, alert))
	require.NoError(t, f.index.Upsert(ctx, alert))
}

func newAlert(fp string, status core.AlertStatus, severity, service string, offset time.Duration) *core.Alert {
	return &core.Alert{
		TenantID:     "t1",
		Fingerprint:  fp,
		Name:         "alert " + fp,
		Status:       status,
		Severity:     severity,
		Service:      service,
		Source:       []string{"prometheus"},
		LastReceived: baseTime.Add(offset),
	}
}

func preset(name, cel, sql string, params map[string]any) *core.Preset {
	return &core.Preset{
		ID:       name,
		TenantID: "t1",
		Name:     name,
		Options: []core.PresetOption{
			{Label: core.PresetOptionCEL, Value: cel},
			{Label: core.PresetOptionSQL, Value: core.SearchQuery{SQL: sql, Params: params}},
		},
	}
}

func (f *fixture) seedDataset(t *testing.T) {
	t.Helper()
	f.store(t, newAlert("fp-1", core.AlertStatusResolved, "critical", "db", -time.Hour))
	f.store(t, newAlert("fp-1", core.AlertStatusFiring, "critical", "db", 0))

	noisy := newAlert("fp-2", core.AlertStatusFiring, "warning", "api", time.Second)
	noisy.IsNoisy = true
	f.store(t, noisy)

	dismissed := newAlert("fp-3", core.AlertStatusFiring, "critical", "db", 2*time.Second)
	dismissed.Dismissed = true
	f.store(t, dismissed)

	f.store(t, newAlert("fp-4", core.AlertStatusResolved, "critical", "api", 3*time.Second))

	deleted := newAlert("fp-5", core.AlertStatusFiring, "critical", "db", 4*time.Second)
	deleted.Deleted = true
	f.store(t, deleted)

	other := newAlert("fp-9", core.AlertStatusFiring, "critical", "db", 0)
	other.TenantID = "t2"
	f.store(t, other)
}

func TestRunPresets_ModesAgree(t *testing.T) {
	f := setupSearch(t)
	f.seedDataset(t)
	ctx := context.Background()

	noisyFiring := preset("firing", `status == "firing"`, "status = :st", map[string]any{"st": "firing"})
	noisyFiring.IsNoisy = true
	static := preset("static api", `service == "api"`, "service = :svc", map[string]any{"svc": "api"})
	static.Static = true

	presets := []*core.Preset{
		preset("critical", `severity == "critical"`, "severity = :sev", map[string]any{"sev": "critical"}),
		preset("api", `service == "api"`, "service = :svc", map[string]any{"svc": "api"}),
		noisyFiring,
		static,
		preset("open", `status in ["firing", "pending"] && service == "db"`,
			"status IN (:st) AND service = :svc", map[string]any{"st": []any{"firing", "pending"}, "svc": "db"}),
		preset("none", `severity == "info"`, "severity = :sev", map[string]any{"sev": "info"}),
	}
	expected := map[string]struct {
		count int
		noise bool
	}{
		"critical":   {count: 4, noise: false},
		"api":        {count: 2, noise: true},
		"firing":     {count: 4, noise: true},
		"static api": {count: 2, noise: false},
		"open":       {count: 3, noise: false},
		"none":       {count: 0, noise: false},
	}

	internal, err := f.internal.RunPresets(ctx, "t1", presets)
	require.NoError(t, err)
	indexed, err := f.indexed.RunPresets(ctx, "t1", presets)
	require.NoError(t, err)
	require.Len(t, internal, len(presets))
	require.Len(t, indexed, len(presets))

	for i := range presets {
		name := presets[i].Name
		assert.Equal(t, ModeInternal, internal[i].Mode, name)
		assert.Equal(t, ModeIndex, indexed[i].Mode, name)
		assert.Equal(t, expected[name].count, internal[i].AlertsCount, name)
		assert.Equal(t, expected[name].noise, internal[i].ShouldDoNoiseNow, name)
		assert.Equal(t, internal[i].AlertsCount, indexed[i].AlertsCount, name)
		assert.Equal(t, internal[i].ShouldDoNoiseNow, indexed[i].ShouldDoNoiseNow, name)
	}
}

func TestRunPresets_NoisyPresetScenario(t *testing.T) {
	for _, dismissed := range []bool{false, true} {
		f := setupSearch(t)
		alert := newAlert("c-1", core.AlertStatusFiring, "critical", "db", 0)
		alert.Dismissed = dismissed
		f.store(t, alert)

		p := preset("noisy", `fingerprint == "c-1"`, "fingerprint = :fp", map[string]any{"fp": "c-1"})
		p.IsNoisy = true

		for _, engine := range []*Engine{f.internal, f.indexed} {
			results, err := engine.RunPresets(context.Background(), "t1", []*core.Preset{p})
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, 1, results[0].AlertsCount)
			assert.Equal(t, !dismissed, results[0].ShouldDoNoiseNow, "dismissed=%v mode=%s", dismissed, results[0].Mode)
		}
	}
}

func TestRunPresets_IndexFailureFallsBackPerPreset(t *testing.T) {
	f := setupSearch(t)
	f.seedDataset(t)
	ctx := context.Background()
	enriched := newAlert("fp-1", core.AlertStatusFiring, "critical", "db", 5*time.Second)
	require.NoError(t, enriched.Set("owner", "east-team"))
	f.store(t, enriched)

	presets := []*core.Preset{
		preset("owned", `owner == "east-team"`, "owner = :o", map[string]any{"o": "east-team"}),
		preset("critical", `severity == "critical"`, "severity = :sev", map[string]any{"sev": "critical"}),
		preset("no sql", `service == "db"`, "severity = :missing", nil),
	}

	results, err := f.indexed.RunPresets(ctx, "t1", presets)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, ModeInternal, results[0].Mode, "Columns the index lacks are answered internally")
	assert.Equal(t, 1, results[0].AlertsCount)
	assert.Equal(t, ModeIndex, results[1].Mode)
	assert.Equal(t, ModeInternal, results[2].Mode)
	assert.Equal(t, 3, results[2].AlertsCount)
}

// unreachableIndex fails every ping
type unreachableIndex struct {
	storage.AlertIndexInterface
	pings atomic.Int32
}

func (u *unreachableIndex) Ping(context.Context) error {
	u.pings.Add(1)
	return errors.New("connection refused")
}

func TestMode_SelectedOncePerTenant(t *testing.T) {
	f := setupSearch(t)
	logger := zaptest.NewLogger(t).Sugar()
	celEngine, err := expr.NewEngine(8, logger)
	require.NoError(t, err)

	down := &unreachableIndex{AlertIndexInterface: f.index}
	e, err := NewEngine(Config{Alerts: f.alerts, Presets: f.presets, Index: down, Expr: celEngine, Logger: logger})
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, ModeInternal, e.Mode(ctx, "t1"))
	assert.Equal(t, ModeInternal, e.Mode(ctx, "t1"))
	assert.EqualValues(t, 1, down.pings.Load())

	assert.Equal(t, ModeInternal, e.Mode(ctx, "t2"))
	assert.EqualValues(t, 2, down.pings.Load())

	assert.Equal(t, ModeIndex, f.indexed.Mode(ctx, "t1"))
	assert.Equal(t, ModeInternal, f.internal.Mode(ctx, "t1"))
}

func TestLatestAlerts_DeduplicatesWithinSecond(t *testing.T) {
	f := setupSearch(t)
	f.store(t, newAlert("fp-1", core.AlertStatusFiring, "critical", "db", -time.Minute))
	f.store(t, newAlert("fp-1", core.AlertStatusFiring, "critical", "db", 100*time.Millisecond))
	f.store(t, newAlert("fp-1", core.AlertStatusResolved, "critical", "db", 900*time.Millisecond))
	f.store(t, newAlert("fp-2", core.AlertStatusFiring, "warning", "api", 0))

	latest, err := f.internal.LatestAlerts(context.Background(), nil, "t1")
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byFingerprint := make(map[string]*core.Alert)
	for _, a := range latest {
		byFingerprint[a.Fingerprint] = a
	}
	assert.Equal(t, core.AlertStatusResolved, byFingerprint["fp-1"].Status)
}

func TestSearchAlerts_SeesIngestTimeEnrichments(t *testing.T) {
	f := setupSearch(t)
	f.seedDataset(t)
	ctx := context.Background()
	enriched := newAlert("fp-2", core.AlertStatusFiring, "warning", "api", 10*time.Second)
	require.NoError(t, enriched.Set("owner", "api-team"))
	f.store(t, enriched)

	found, err := f.internal.SearchAlerts(ctx, nil, "t1", `owner == "api-team"`)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "fp-2", found[0].Fingerprint)

	none, err := f.internal.SearchAlerts(ctx, nil, "t1", `severity`)
	require.NoError(t, err)
	assert.Empty(t, none, "Non-boolean filters match nothing")
}

func TestRunPresets_ModesAgreeAfterLaterEvent(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()

	f.store(t, newAlert("fp-1", core.AlertStatusFiring, "critical", "db", 0))
	require.NoError(t, f.enrichments.SaveEnrichments(ctx, nil, "t1", "fp-1", map[string]any{"severity": "critical"}))
	f.store(t, newAlert("fp-1", core.AlertStatusFiring, "low", "db", time.Minute))

	critical := preset("critical", `severity == "critical"`, "severity = :sev", map[string]any{"sev": "critical"})
	low := preset("low", `severity == "low"`, "severity = :sev", map[string]any{"sev": "low"})

	internal, err := f.internal.RunPresets(ctx, "t1", []*core.Preset{critical, low})
	require.NoError(t, err)
	indexed, err := f.indexed.RunPresets(ctx, "t1", []*core.Preset{critical, low})
	require.NoError(t, err)
	require.Len(t, internal, 2)
	require.Len(t, indexed, 2)

	for i := range internal {
		assert.Equal(t, ModeInternal, internal[i].Mode)
		assert.Equal(t, ModeIndex, indexed[i].Mode)
		assert.Equal(t, indexed[i].AlertsCount, internal[i].AlertsCount, "preset %s", internal[i].Name)
		assert.Equal(t, indexed[i].ShouldDoNoiseNow, internal[i].ShouldDoNoiseNow, "preset %s", internal[i].Name)
	}
	assert.Equal(t, 0, internal[0].AlertsCount)
	assert.Equal(t, 1, internal[1].AlertsCount)
}

func TestMatchingPresets(t *testing.T) {
	f := setupSearch(t)
	ctx := context.Background()
	require.NoError(t, f.presets.CreatePreset(ctx, preset("critical", `severity == "critical"`, "severity = :sev", map[string]any{"sev": "critical"})))
	require.NoError(t, f.presets.CreatePreset(ctx, preset("api", `service == "api"`, "service = :svc", map[string]any{"svc": "api"})))

	matched, err := f.internal.MatchingPresets(ctx, nil, "t1", newAlert("fp-1", core.AlertStatusFiring, "critical", "db", 0))
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "critical", matched[0].Name)
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Config{})
	assert.Error(t, err)
}
