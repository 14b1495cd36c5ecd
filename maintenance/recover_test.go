package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"vigil/core"
	"vigil/notify"
	"vigil/storage"
)

// recordingSink remembers what was handed to workflows
type recordingSink struct {
	mu     sync.Mutex
	events map[string][]*core.Alert
}

func (s *recordingSink) InsertEvents(_ context.Context, tenantID string, alerts []*core.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = make(map[string][]*core.Alert)
	}
	s.events[tenantID] = append(s.events[tenantID], alerts...)
	return nil
}

type stubCorrelator struct {
	calls     int
	incidents []*core.Incident
}

func (c *stubCorrelator) RunRules(_ context.Context, sess *storage.Session, _ string, alerts []*core.Alert) ([]*core.Incident, error) {
	c.calls++
	return c.incidents, nil
}

type stubPresets struct {
	presets []*core.Preset
}

func (p *stubPresets) MatchingPresets(context.Context, *storage.Session, string, *core.Alert) ([]*core.Preset, error) {
	return p.presets, nil
}

type recordingPusher struct {
	events []string
}

func (r *recordingPusher) Trigger(_ context.Context, channel, event string, _ any) error {
	r.events = append(r.events, channel+"/"+event)
	return nil
}

// countingBeginner counts the sessions it opens so tests can check each is finished once
type countingBeginner struct {
	db       *storage.SQLite
	sessions []*storage.Session
	err      error
}

func (c *countingBeginner) BeginSession(ctx context.Context) (*storage.Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	sess, err := c.db.BeginSession(ctx)
	if err != nil {
		return nil, err
	}
	c.sessions = append(c.sessions, sess)
	return sess, nil
}

type reconcilerDeps struct {
	beginner   *countingBeginner
	sink       *recordingSink
	correlator *stubCorrelator
	pusher     *recordingPusher
}

func (f *fixture) reconciler(t *testing.T, now time.Time, alerts storage.AlertStorageInterface) (*Reconciler, *reconcilerDeps) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	deps := &reconcilerDeps{
		beginner:   &countingBeginner{db: f.sqlite},
		sink:       &recordingSink{},
		correlator: &stubCorrelator{incidents: []*core.Incident{{ID: "inc-1", Created: true}}},
		pusher:     &recordingPusher{},
	}
	if alerts == nil {
		alerts = f.alerts
	}
	r, err := NewReconciler(ReconcilerConfig{
		DB:          deps.beginner,
		Rules:       f.rules,
		Alerts:      alerts,
		Audit:       f.audit,
		Engine:      f.engine,
		Sink:        deps.sink,
		Correlator:  deps.correlator,
		Presets:     &stubPresets{presets: []*core.Preset{{Name: "critical"}}},
		Pusher:      notify.NewDebouncedPusher(deps.pusher, notify.NewDebouncer(time.Minute), logger),
		Correlation: true,
		Now:         func() time.Time { return now },
		Logger:      logger,
	})
	require.NoError(t, err)
	return r, deps
}

// holdAlert runs the alert through the window evaluator and persists it like ingestion does
func (f *fixture) holdAlert(t *testing.T, alert *core.Alert) {
	t.Helper()
	require.True(t, f.evaluator(t, alert.TenantID).CheckIfAlertInMaintenanceWindow(context.Background(), nil, alert))
	require.NoError(t, f.alerts.SaveAlert(context.Background(), nil, alert))
}

func TestRecoverStrategy_RestoresAfterWindowEnds(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{
		CELQuery: `severity == "critical"`,
		Strategy: core.MaintenanceStrategyRecoverPreviousStatus,
	})
	alert := criticalAlert()
	f.holdAlert(t, alert)
	assert.Equal(t, core.AlertStatusMaintenance, alert.Status)
	assert.Equal(t, core.AlertStatusFiring, alert.PreviousStatus)

	r, deps := f.reconciler(t, windowNow.Add(2*time.Hour), nil)
	require.NoError(t, r.RecoverStrategy(context.Background(), nil))

	last, err := f.alerts.GetLastAlert(context.Background(), nil, "t1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFiring, last.Status)

	require.Len(t, deps.sink.events["t1"], 1)
	assert.Equal(t, core.AlertStatusFiring, deps.sink.events["t1"][0].Status)
	assert.Equal(t, 1, deps.correlator.calls)
	assert.Equal(t, []string{"private-t1/incident-change", "private-t1/presets-changed"}, deps.pusher.events)

	records, err := f.audit.GetAuditRecords(context.Background(), nil, "t1", "fp-1")
	require.NoError(t, err)
	actions := make([]string, 0, len(records))
	for _, rec := range records {
		actions = append(actions, rec.Action)
	}
	assert.Contains(t, actions, core.AuditActionMaintenanceExpired)

	require.Len(t, deps.beginner.sessions, 1)
	assert.Equal(t, 1, deps.beginner.sessions[0].CloseCount())
}

func TestRecoverStrategy_KeepsAlertWhileWindowMatches(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{
		CELQuery: `severity == "critical" && status == "firing"`,
		Strategy: core.MaintenanceStrategyRecoverPreviousStatus,
	})
	f.holdAlert(t, criticalAlert())

	r, deps := f.reconciler(t, windowNow.Add(30*time.Minute), nil)
	require.NoError(t, r.RecoverStrategy(context.Background(), nil))

	last, err := f.alerts.GetLastAlert(context.Background(), nil, "t1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusMaintenance, last.Status)
	assert.Empty(t, deps.sink.events)
	assert.Empty(t, deps.pusher.events)
}

func TestRecoverStrategy_RepeatedPassesAreIdempotent(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{CELQuery: "true", Strategy: core.MaintenanceStrategyRecoverPreviousStatus})
	f.holdAlert(t, criticalAlert())

	r, deps := f.reconciler(t, windowNow.Add(2*time.Hour), nil)
	require.NoError(t, r.RecoverStrategy(context.Background(), nil))
	require.NoError(t, r.RecoverStrategy(context.Background(), nil))

	assert.Len(t, deps.sink.events["t1"], 1, "A recovered alert is re-injected once")
	require.Len(t, deps.beginner.sessions, 2)
	for _, s := range deps.beginner.sessions {
		assert.Equal(t, 1, s.CloseCount())
	}
}

// earlyCommitAlerts ends the write transaction right after a restore so the session's own
// commit fails
type earlyCommitAlerts struct {
	storage.AlertStorageInterface
}

func (a *earlyCommitAlerts) UpdateLastAlert(ctx context.Context, sess *storage.Session, alert *core.Alert) error {
	if err := a.AlertStorageInterface.UpdateLastAlert(ctx, sess, alert); err != nil {
		return err
	}
	_, err := sess.ExecContext(ctx, "COMMIT")
	return err
}

func TestRecoverStrategy_FailedCommitReinjectsNothing(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{CELQuery: "true", Strategy: core.MaintenanceStrategyRecoverPreviousStatus})
	f.holdAlert(t, criticalAlert())

	r, deps := f.reconciler(t, windowNow.Add(2*time.Hour), &earlyCommitAlerts{AlertStorageInterface: f.alerts})
	err := r.RecoverStrategy(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit session")

	assert.Empty(t, deps.sink.events, "Nothing leaves the pass when its commit fails")
	assert.Zero(t, deps.correlator.calls)
	assert.Empty(t, deps.pusher.events)
	require.Len(t, deps.beginner.sessions, 1)
	assert.Equal(t, 1, deps.beginner.sessions[0].CloseCount())
}

func TestRecoverStrategy_MissingPreviousStatusIsSkipped(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{CELQuery: "true"})
	f.holdAlert(t, criticalAlert())

	r, deps := f.reconciler(t, windowNow.Add(2*time.Hour), nil)
	require.NoError(t, r.RecoverStrategy(context.Background(), nil))

	last, err := f.alerts.GetLastAlert(context.Background(), nil, "t1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFiring, last.Status, "Alerts without a captured status fall back to firing")
	assert.Empty(t, deps.sink.events, "Re-injection needs a captured previous status")
}

func TestRecoverStrategy_BorrowedSessionIsNeverFinished(t *testing.T) {
	f := setupFixture(t)
	f.addWindow(t, &core.MaintenanceWindowRule{CELQuery: "true", Strategy: core.MaintenanceStrategyRecoverPreviousStatus})
	f.holdAlert(t, criticalAlert())
	ctx := context.Background()

	r, deps := f.reconciler(t, windowNow.Add(2*time.Hour), nil)
	tx, err := f.sqlite.WriteDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	borrowed := storage.NewSession(tx)

	require.NoError(t, r.RecoverStrategy(ctx, borrowed))
	assert.False(t, borrowed.Closed())
	assert.Empty(t, deps.beginner.sessions)

	// Readers outside the transaction still see the held alert until the caller commits
	before, err := f.alerts.GetLastAlert(ctx, nil, "t1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusMaintenance, before.Status)

	require.NoError(t, tx.Commit())
	last, err := f.alerts.GetLastAlert(ctx, nil, "t1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, core.AlertStatusFiring, last.Status)
}

// failingAlerts fails or panics when loading alerts in maintenance
type failingAlerts struct {
	storage.AlertStorageInterface
	panic bool
}

func (f *failingAlerts) GetAlertsByStatus(context.Context, *storage.Session, core.AlertStatus) ([]*core.Alert, error) {
	if f.panic {
		panic("corrupt row")
	}
	return nil, errors.New("database is locked")
}

func TestRecoverStrategy_OwnedSessionClosedOnceOnFailure(t *testing.T) {
	f := setupFixture(t)
	r, deps := f.reconciler(t, windowNow, &failingAlerts{AlertStorageInterface: f.alerts})

	err := r.RecoverStrategy(context.Background(), nil)
	assert.ErrorContains(t, err, "database is locked")
	require.Len(t, deps.beginner.sessions, 1)
	assert.Equal(t, 1, deps.beginner.sessions[0].CloseCount())
}

func TestRecoverStrategy_OwnedSessionClosedOnceOnPanic(t *testing.T) {
	f := setupFixture(t)
	r, deps := f.reconciler(t, windowNow, &failingAlerts{AlertStorageInterface: f.alerts, panic: true})

	assert.Panics(t, func() { _ = r.RecoverStrategy(context.Background(), nil) })
	require.Len(t, deps.beginner.sessions, 1)
	assert.Equal(t, 1, deps.beginner.sessions[0].CloseCount())

	// The write connection is free again
	require.NoError(t, f.alerts.SaveAlert(context.Background(), nil, criticalAlert()))
}

func TestRecoverStrategy_BeginFailurePropagates(t *testing.T) {
	f := setupFixture(t)
	r, deps := f.reconciler(t, windowNow, nil)
	deps.beginner.err = errors.New("pool exhausted")

	assert.EqualError(t, r.RecoverStrategy(context.Background(), nil), "pool exhausted")
}
