package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/expr"
	"vigil/metrics"
	"vigil/notify"
	"vigil/storage"
	"vigil/workflow"
)

// Correlator re-runs correlation for recovered alerts
type Correlator interface {
	RunRules(ctx context.Context, sess *storage.Session, tenantID string, alerts []*core.Alert) ([]*core.Incident, error)
}

// PresetMatcher returns the presets whose filter selects alert
type PresetMatcher interface {
	MatchingPresets(ctx context.Context, sess *storage.Session, tenantID string, alert *core.Alert) ([]*core.Preset, error)
}

// ReconcilerConfig wires a Reconciler
type ReconcilerConfig struct {
	DB          storage.SessionBeginner
	Rules       storage.MaintenanceRuleStorageInterface
	Alerts      storage.AlertStorageInterface
	Audit       storage.AuditStorageInterface
	Index       storage.AlertIndexInterface
	Engine      *expr.Engine
	Sink        workflow.Sink
	Correlator  Correlator
	Presets     PresetMatcher
	Pusher      *notify.DebouncedPusher
	Correlation bool
	Now         func() time.Time
	Logger      *zap.SugaredLogger
}

// Reconciler restores alerts held in maintenance once no active window covers them
type Reconciler struct {
	db          storage.SessionBeginner
	rules       storage.MaintenanceRuleStorageInterface
	alerts      storage.AlertStorageInterface
	audit       storage.AuditStorageInterface
	index       storage.AlertIndexInterface
	engine      *expr.Engine
	sink        workflow.Sink
	correlator  Correlator
	presets     PresetMatcher
	pusher      *notify.DebouncedPusher
	correlation bool
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// NewReconciler creates a reconciler. Index, Correlator, Presets and Pusher are optional.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.DB == nil || cfg.Rules == nil || cfg.Alerts == nil || cfg.Engine == nil {
		return nil, errors.New("reconciler requires a database, rule and alert storage and a CEL engine")
	}
	if cfg.Sink == nil {
		cfg.Sink = workflow.NopSink{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Reconciler{
		db:          cfg.DB,
		rules:       cfg.Rules,
		alerts:      cfg.Alerts,
		audit:       cfg.Audit,
		index:       cfg.Index,
		engine:      cfg.Engine,
		sink:        cfg.Sink,
		correlator:  cfg.Correlator,
		presets:     cfg.Presets,
		pusher:      cfg.Pusher,
		correlation: cfg.Correlation,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

type recoveredKey struct {
	tenantID    string
	fingerprint string
	restored    *core.Alert
}

// RecoverStrategy runs one reconciliation pass. With a nil session the pass owns its own
// session, committed on success and rolled back on failure or panic; a caller's session is
// used as is and never finished here. Recovered alerts reach the index and the downstream
// steps only after the restores are committed, or within the caller's session.
func (r *Reconciler) RecoverStrategy(ctx context.Context, sess *storage.Session) error {
	start := time.Now()
	var recovered []recoveredKey
	err := storage.WithSession(ctx, r.db, sess, func(s *storage.Session) error {
		var err error
		recovered, err = r.restoreExpired(ctx, s)
		return err
	})
	if err == nil {
		// an owned session is closed by now, so reads go to the read pool
		r.reinject(ctx, sess, recovered)
	}
	metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReconciliationPasses.WithLabelValues("error").Inc()
		return err
	}
	metrics.ReconciliationPasses.WithLabelValues("success").Inc()
	return nil
}

// restoreExpired restores every maintenance alert that no active window still covers and
// returns the restored keys in tenant order
func (r *Reconciler) restoreExpired(ctx context.Context, sess *storage.Session) ([]recoveredKey, error) {
	now := r.now().UTC()

	windows, err := r.rules.GetActiveMaintenanceRules(ctx, sess, "", now)
	if err != nil {
		return nil, fmt.Errorf("failed to load active maintenance windows: %w", err)
	}
	held, err := r.alerts.GetAlertsByStatus(ctx, sess, core.AlertStatusMaintenance)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts in maintenance: %w", err)
	}
	if len(held) == 0 {
		return nil, nil
	}

	byTenant := make(map[string][]*core.MaintenanceWindowRule)
	for _, w := range windows {
		byTenant[w.TenantID] = append(byTenant[w.TenantID], w)
	}

	var recovered []recoveredKey
	for _, alert := range held {
		if r.stillCovered(alert, byTenant[alert.TenantID]) {
			continue
		}
		if err := r.restore(ctx, sess, alert); err != nil {
			r.logger.Errorw("Failed to restore alert after maintenance",
				"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint, "error", err)
			continue
		}
		recovered = append(recovered, recoveredKey{tenantID: alert.TenantID, fingerprint: alert.Fingerprint, restored: alert})
	}

	r.logger.Infow("Maintenance reconciliation restored alerts",
		"held", len(held), "recovered", len(recovered), "active_windows", len(windows))
	return recovered, nil
}

// stillCovered reports whether an enabled window of the alert's tenant contains the
// alert's timestamp and still matches it. The expression sees the status the alert had
// before it entered maintenance.
func (r *Reconciler) stillCovered(alert *core.Alert, windows []*core.MaintenanceWindowRule) bool {
	if len(windows) == 0 {
		return false
	}
	payload := alert.Payload()
	if alert.PreviousStatus != "" {
		payload["status"] = string(alert.PreviousStatus)
	}
	for _, w := range windows {
		if !w.Enabled || !w.IsActiveAt(alert.LastReceived) {
			continue
		}
		if windowMatches(r.engine, r.logger, w, payload) {
			return true
		}
	}
	return false
}

func (r *Reconciler) restore(ctx context.Context, sess *storage.Session, alert *core.Alert) error {
	target := alert.PreviousStatus
	if target == "" {
		r.logger.Warnw("Alert in maintenance has no captured status, restoring to firing",
			"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint)
		target = core.AlertStatusFiring
	}
	alert.Status = target

	if err := r.alerts.UpdateLastAlert(ctx, sess, alert); err != nil {
		return err
	}
	metrics.AlertsRecovered.Inc()

	if r.audit != nil {
		err := r.audit.RecordAudit(ctx, sess, &core.AuditRecord{
			TenantID:    alert.TenantID,
			Fingerprint: alert.Fingerprint,
			Action:      core.AuditActionMaintenanceExpired,
			Description: fmt.Sprintf("Maintenance window ended, status restored to %s", target),
		})
		if err != nil {
			r.logger.Errorw("Failed to write recovery audit record",
				"fingerprint", alert.Fingerprint, "error", err)
		}
	}
	return nil
}

// reinject refreshes the index and sends recovered alerts through the downstream steps,
// tenant by tenant
func (r *Reconciler) reinject(ctx context.Context, sess *storage.Session, recovered []recoveredKey) {
	byTenant := make(map[string][]*core.Alert)
	for _, key := range recovered {
		if r.index != nil {
			if err := r.index.Upsert(ctx, key.restored); err != nil {
				r.logger.Warnw("Failed to refresh recovered alert in index",
					"fingerprint", key.fingerprint, "error", err)
			}
		}
		alert, err := r.reload(ctx, sess, key)
		if err != nil {
			r.logger.Errorw("Skipping recovered alert",
				"tenant_id", key.tenantID, "fingerprint", key.fingerprint, "error", err)
			continue
		}
		byTenant[key.tenantID] = append(byTenant[key.tenantID], alert)
	}

	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	for _, tenantID := range tenants {
		alerts := byTenant[tenantID]

		if err := r.sink.InsertEvents(ctx, tenantID, alerts); err != nil {
			r.logger.Errorw("Failed to hand recovered alerts to workflows",
				"tenant_id", tenantID, "count", len(alerts), "error", err)
		}

		if r.correlation && r.correlator != nil {
			r.correlate(ctx, sess, tenantID, alerts)
		}
		if r.presets != nil {
			r.refreshPresets(ctx, sess, tenantID, alerts)
		}
	}
}

// reload rebuilds the alert from its latest stored event
func (r *Reconciler) reload(ctx context.Context, sess *storage.Session, key recoveredKey) (*core.Alert, error) {
	event, err := r.alerts.GetLatestAlertEvent(ctx, sess, key.tenantID, key.fingerprint)
	if err != nil {
		return nil, err
	}
	if prev, _ := event["previous_status"].(string); prev == "" {
		return nil, fmt.Errorf("%w: event has no previous status", core.ErrMalformedEvent)
	}
	return core.AlertFromEvent(event)
}

func (r *Reconciler) correlate(ctx context.Context, sess *storage.Session, tenantID string, alerts []*core.Alert) {
	incidents, err := r.correlator.RunRules(ctx, sess, tenantID, alerts)
	if err != nil {
		r.logger.Errorw("Failed to correlate recovered alerts", "tenant_id", tenantID, "error", err)
		return
	}
	var created []string
	for _, inc := range incidents {
		if inc.Created {
			created = append(created, inc.ID)
		}
	}
	if len(created) > 0 {
		r.pusher.Notify(ctx, tenantID, core.EventIncidentChange, map[string]any{"incidents": created})
	}
}

func (r *Reconciler) refreshPresets(ctx context.Context, sess *storage.Session, tenantID string, alerts []*core.Alert) {
	changed := make(map[string]struct{})
	for _, alert := range alerts {
		presets, err := r.presets.MatchingPresets(ctx, sess, tenantID, alert)
		if err != nil {
			r.logger.Errorw("Failed to evaluate presets for recovered alert",
				"tenant_id", tenantID, "fingerprint", alert.Fingerprint, "error", err)
			continue
		}
		for _, p := range presets {
			changed[p.Name] = struct{}{}
		}
	}
	if len(changed) == 0 {
		return
	}
	names := make([]string, 0, len(changed))
	for n := range changed {
		names = append(names, n)
	}
	sort.Strings(names)
	r.pusher.Notify(ctx, tenantID, core.EventPresetsChanged, map[string]any{"presets": names})
}
