package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vigil/core"
)

func TestSQLiteMappingRuleStorage_CRUD(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteMappingRuleStorage(sqlite, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	low := &core.MappingRule{
		TenantID: "t1", Name: "low", Priority: 1,
		Matchers: [][]string{{"service"}},
		Rows:     []map[string]any{{"service": " billing ", "owner": "a", "port": float64(8080)}},
	}
	high := &core.MappingRule{
		TenantID: "t1", Name: "high", Priority: 10,
		Matchers: [][]string{{"service"}},
		Rows:     []map[string]any{{"service": "*", "owner": "b"}},
	}
	disabled := &core.MappingRule{
		TenantID: "t1", Name: "off", Priority: 99, Disabled: true,
		Matchers: [][]string{{"service"}},
	}
	for _, r := range []*core.MappingRule{low, high, disabled} {
		require.NoError(t, store.CreateMappingRule(ctx, r))
	}

	rules, err := store.GetEnabledMappingRules(ctx, nil, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].Name, "Highest priority first")
	assert.Equal(t, "low", rules[1].Name)
	assert.Equal(t, map[string]any{"service": "billing", "owner": "a", "port": "8080"}, rules[1].Rows[0],
		"Row values are stored as trimmed strings")

	low.Priority = 50
	require.NoError(t, store.UpdateMappingRule(ctx, low))
	got, err := store.GetMappingRule(ctx, "t1", low.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Priority)

	require.NoError(t, store.DeleteMappingRule(ctx, "t1", low.ID))
	_, err = store.GetMappingRule(ctx, "t1", low.ID)
	assert.ErrorIs(t, err, ErrMappingRuleNotFound)
	assert.ErrorIs(t, store.DeleteMappingRule(ctx, "t1", low.ID), ErrMappingRuleNotFound)
}

func TestSQLiteMappingRuleStorage_RejectsUnsafeAttribute(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteMappingRuleStorage(sqlite, zaptest.NewLogger(t).Sugar())

	err := store.CreateMappingRule(context.Background(), &core.MappingRule{
		TenantID: "t1", Name: "evil",
		Matchers: [][]string{{"service') OR 1=1 --"}},
	})
	assert.ErrorIs(t, err, core.ErrInvalidIdentifier)
}

func TestSQLiteMaintenanceRuleStorage_ActiveWindows(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteMaintenanceRuleStorage(sqlite, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	active := &core.MaintenanceWindowRule{
		TenantID: "t1", Name: "active", Enabled: true, CELQuery: "true",
		StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
		IgnoreStatuses: []core.AlertStatus{core.AlertStatusResolved},
	}
	ended := &core.MaintenanceWindowRule{
		TenantID: "t1", Name: "ended", Enabled: true, CELQuery: "true",
		StartTime: now.Add(-3 * time.Hour), EndTime: now.Add(-2 * time.Hour),
	}
	disabled := &core.MaintenanceWindowRule{
		TenantID: "t1", Name: "disabled", Enabled: false, CELQuery: "true",
		StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
	}
	other := &core.MaintenanceWindowRule{
		TenantID: "t2", Name: "other", Enabled: true, CELQuery: "true",
		StartTime: now.Add(-time.Hour), EndTime: now.Add(time.Hour),
	}
	for _, r := range []*core.MaintenanceWindowRule{active, ended, disabled, other} {
		require.NoError(t, store.CreateMaintenanceRule(ctx, r))
	}
	assert.Equal(t, core.MaintenanceStrategyDefault, active.Strategy)

	// A window written by another tool with naive timestamps is read as UTC
	_, err := sqlite.WriteDB.Exec(`INSERT INTO maintenance_rules (id, tenant_id, name, start_time, end_time, enabled, cel_query, created_at)
		VALUES ('naive', 't1', 'naive', '2024-05-01 11:00:00', '2024-05-01 13:00:00', 1, 'true', '2024-05-01 10:00:00')`)
	require.NoError(t, err)

	rules, err := store.GetActiveMaintenanceRules(ctx, nil, "t1", now)
	require.NoError(t, err)
	names := make([]string, 0, len(rules))
	for _, r := range rules {
		names = append(names, r.Name)
		assert.Equal(t, time.UTC, r.StartTime.Location())
	}
	assert.ElementsMatch(t, []string{"active", "naive"}, names)

	all, err := store.GetActiveMaintenanceRules(ctx, nil, "", now)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := store.GetMaintenanceRule(ctx, "t1", active.ID)
	require.NoError(t, err)
	assert.Equal(t, []core.AlertStatus{core.AlertStatusResolved}, got.IgnoreStatuses)

	require.NoError(t, store.DeleteMaintenanceRule(ctx, "t1", active.ID))
	listed, err := store.ListMaintenanceRules(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, listed, 3)
}

func TestSQLiteCorrelationRuleStorage_CRUD(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteCorrelationRuleStorage(sqlite, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	rule := &core.CorrelationRule{
		TenantID:   "t1",
		Name:       "db outage",
		Definition: `(service == "db") || (severity == "critical")`,
		Timeframe:  10 * time.Minute,
		GroupBy:    []string{"service"},
		ResolveOn:  core.ResolveOnAllResolved,
	}
	require.NoError(t, store.CreateCorrelationRule(ctx, rule))

	rules, err := store.GetCorrelationRules(ctx, nil, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 10*time.Minute, rules[0].Timeframe)
	assert.Equal(t, []string{"service"}, rules[0].GroupBy)
	assert.Equal(t, 1, rules[0].MinAlerts)
	assert.Equal(t, core.ResolveOnAllResolved, rules[0].ResolveOn)

	require.NoError(t, store.DeleteCorrelationRule(ctx, "t1", rule.ID))
	_, err = store.GetCorrelationRule(ctx, "t1", rule.ID)
	assert.ErrorIs(t, err, ErrCorrelationRuleNotFound)
}

func TestSQLiteIncidentStorage_FindActive(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLiteIncidentStorage(sqlite, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	incident := &core.Incident{
		TenantID: "t1", RuleID: "r1", GroupKey: "service=db", Status: core.IncidentStatusDraft,
		Members:     []core.IncidentMember{{Fingerprint: "fp-1", Status: core.AlertStatusFiring, JoinedAt: now}},
		LastAlertAt: now,
	}
	require.NoError(t, store.CreateIncident(ctx, nil, incident))

	found, err := store.FindActiveIncident(ctx, nil, "t1", "r1", "service=db", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, incident.ID, found.ID)
	assert.Equal(t, []string{"fp-1"}, found.AlertFingerprints())

	_, err = store.FindActiveIncident(ctx, nil, "t1", "r1", "service=db", now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrIncidentNotFound, "Incidents outside the timeframe are not reused")

	require.NoError(t, found.TransitionTo(core.IncidentStatusResolved))
	require.NoError(t, store.UpdateIncident(ctx, nil, found))
	_, err = store.FindActiveIncident(ctx, nil, "t1", "r1", "service=db", now.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrIncidentNotFound, "Resolved incidents are final")

	resolved, err := store.ListIncidents(ctx, "t1", core.IncidentStatusResolved)
	require.NoError(t, err)
	assert.Len(t, resolved, 1)
}

func TestSQLitePresetStorage_CRUD(t *testing.T) {
	sqlite := setupTestSQLite(t)
	store := NewSQLitePresetStorage(sqlite, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	preset := &core.Preset{
		TenantID: "t1",
		Name:     "critical",
		IsNoisy:  true,
		Options: []core.PresetOption{
			{Label: core.PresetOptionCEL, Value: `severity == "critical"`},
			{Label: core.PresetOptionSQL, Value: core.SearchQuery{SQL: "severity = :sev", Params: map[string]any{"sev": "critical"}}},
		},
	}
	require.NoError(t, store.CreatePreset(ctx, preset))

	dup := *preset
	dup.ID = ""
	assert.ErrorIs(t, store.CreatePreset(ctx, &dup), ErrPresetNameExists)

	assert.ErrorIs(t, store.CreatePreset(ctx, &core.Preset{TenantID: "t1", Name: "empty"}), core.ErrEmptyOptions)

	presets, err := store.GetPresets(ctx, nil, "t1")
	require.NoError(t, err)
	require.Len(t, presets, 1)
	q, ok := presets[0].SQL()
	require.True(t, ok)
	assert.Equal(t, "severity = :sev", q.SQL)
	assert.Equal(t, "critical", q.Params["sev"])

	require.NoError(t, store.DeletePreset(ctx, "t1", preset.ID))
	_, err = store.GetPreset(ctx, "t1", preset.ID)
	assert.ErrorIs(t, err, ErrPresetNotFound)
}
