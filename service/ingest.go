// Package service orders the alert pipeline: enrichment, maintenance, persistence,
// correlation and the downstream hand-offs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/enrichment"
	"vigil/expr"
	"vigil/maintenance"
	"vigil/metrics"
	"vigil/notify"
	"vigil/storage"
	"vigil/workflow"
)

// Correlator groups persisted alerts into incidents
type Correlator interface {
	RunRules(ctx context.Context, sess *storage.Session, tenantID string, alerts []*core.Alert) ([]*core.Incident, error)
}

// PresetMatcher returns the presets whose filter selects alert
type PresetMatcher interface {
	MatchingPresets(ctx context.Context, sess *storage.Session, tenantID string, alert *core.Alert) ([]*core.Preset, error)
}

// Config wires an AlertService. Enricher, Index, Correlator, Presets, Pusher and Pool are
// optional.
type Config struct {
	DB          storage.SessionBeginner
	Alerts      storage.AlertStorageInterface
	Maintenance storage.MaintenanceRuleStorageInterface
	Audit       storage.AuditStorageInterface
	Index       storage.AlertIndexInterface
	Enricher    *enrichment.Enricher
	Expr        *expr.Engine
	Correlator  Correlator
	Presets     PresetMatcher
	Sink        workflow.Sink
	Pusher      *notify.DebouncedPusher
	Pool        *core.WorkerPool
	Fingerprint core.FingerprintConfig
	Correlation bool
	Now         func() time.Time
	Logger      *zap.SugaredLogger
}

// AlertService runs ingested alerts through the pipeline
type AlertService struct {
	db          storage.SessionBeginner
	alerts      storage.AlertStorageInterface
	maintenance storage.MaintenanceRuleStorageInterface
	audit       storage.AuditStorageInterface
	index       storage.AlertIndexInterface
	enricher    *enrichment.Enricher
	expr        *expr.Engine
	correlator  Correlator
	presets     PresetMatcher
	sink        workflow.Sink
	pusher      *notify.DebouncedPusher
	pool        *core.WorkerPool
	fingerprint core.FingerprintConfig
	correlation bool
	now         func() time.Time
	logger      *zap.SugaredLogger
}

// IngestResult summarizes one ingested batch
type IngestResult struct {
	Accepted   []string `json:"accepted"`
	Held       []string `json:"held"`
	Suppressed []string `json:"suppressed"`
	Incidents  []string `json:"incidents"`
	Rejected   int      `json:"rejected"`
}

// NewAlertService creates the pipeline service
func NewAlertService(cfg Config) (*AlertService, error) {
	if cfg.DB == nil || cfg.Alerts == nil || cfg.Maintenance == nil || cfg.Expr == nil {
		return nil, errors.New("alert service requires a database, alert and maintenance storage and a CEL engine")
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
	return &AlertService{
		db:          cfg.DB,
		alerts:      cfg.Alerts,
		maintenance: cfg.Maintenance,
		audit:       cfg.Audit,
		index:       cfg.Index,
		enricher:    cfg.Enricher,
		expr:        cfg.Expr,
		correlator:  cfg.Correlator,
		presets:     cfg.Presets,
		sink:        cfg.Sink,
		pusher:      cfg.Pusher,
		pool:        cfg.Pool,
		fingerprint: cfg.Fingerprint,
		correlation: cfg.Correlation,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}, nil
}

// Submit runs Ingest on the worker pool and returns once the batch is queued. Without a
// pool the batch is ingested inline.
func (s *AlertService) Submit(ctx context.Context, tenantID string, alerts []*core.Alert) error {
	if s.pool == nil {
		_, err := s.Ingest(ctx, tenantID, alerts)
		return err
	}
	return s.pool.SubmitWait(ctx, func() {
		// the request context ends with the response
		if _, err := s.Ingest(context.Background(), tenantID, alerts); err != nil {
			s.logger.Errorw("Queued alert batch failed", "tenant_id", tenantID, "count", len(alerts), "error", err)
		}
	})
}

// Ingest enriches the batch, applies the tenant's maintenance windows and persists every
// alert in one session. Alerts not held by a window are then correlated, projected into
// the index and handed to workflows. An alert without a name is rejected and skipped.
func (s *AlertService) Ingest(ctx context.Context, tenantID string, alerts []*core.Alert) (*IngestResult, error) {
	start := time.Now()
	defer func() {
		metrics.AlertProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	result := &IngestResult{}
	batch := s.prepare(ctx, tenantID, alerts, result)
	if len(batch) == 0 {
		return result, nil
	}

	var forwarded []*core.Alert
	var incidents []*core.Incident
	err := storage.WithSession(ctx, s.db, nil, func(sess *storage.Session) error {
		evaluator, err := maintenance.NewEvaluator(ctx, s.maintenance, tenantID, maintenance.Options{
			Engine:  s.expr,
			Audit:   s.audit,
			Logger:  s.logger,
			Session: sess,
			Now:     s.now,
		})
		if err != nil {
			return err
		}

		for _, alert := range batch {
			held := evaluator.CheckIfAlertInMaintenanceWindow(ctx, sess, alert)
			if err := s.alerts.SaveAlert(ctx, sess, alert); err != nil {
				return fmt.Errorf("failed to persist alert %s: %w", alert.Fingerprint, err)
			}
			switch {
			case held:
				result.Held = append(result.Held, alert.Fingerprint)
			case alert.Status == core.AlertStatusSuppressed:
				result.Suppressed = append(result.Suppressed, alert.Fingerprint)
				forwarded = append(forwarded, alert)
			default:
				result.Accepted = append(result.Accepted, alert.Fingerprint)
				forwarded = append(forwarded, alert)
			}
		}

		if s.correlation && s.correlator != nil && len(forwarded) > 0 {
			incidents, err = s.correlator.RunRules(ctx, sess, tenantID, forwarded)
			if err != nil {
				s.logger.Errorw("Failed to correlate alerts", "tenant_id", tenantID, "error", err)
				incidents = nil
			}
		}
		return nil
	})
	if err != nil {
		metrics.AlertsIngested.WithLabelValues("error").Add(float64(len(batch)))
		return nil, err
	}

	metrics.AlertsIngested.WithLabelValues("accepted").Add(float64(len(result.Accepted)))
	metrics.AlertsIngested.WithLabelValues("held").Add(float64(len(result.Held)))
	metrics.AlertsIngested.WithLabelValues("suppressed").Add(float64(len(result.Suppressed)))

	s.project(ctx, batch)
	s.dispatch(ctx, tenantID, forwarded, incidents, result)

	s.logger.Infow("Ingested alert batch",
		"tenant_id", tenantID,
		"accepted", len(result.Accepted),
		"held", len(result.Held),
		"suppressed", len(result.Suppressed),
		"rejected", result.Rejected,
		"incidents", len(result.Incidents))
	return result, nil
}

// prepare stamps tenant, fingerprint and timestamp on each alert and enriches it
func (s *AlertService) prepare(ctx context.Context, tenantID string, alerts []*core.Alert, result *IngestResult) []*core.Alert {
	batch := make([]*core.Alert, 0, len(alerts))
	for _, alert := range alerts {
		if alert == nil || strings.TrimSpace(alert.Name) == "" {
			result.Rejected++
			metrics.AlertsIngested.WithLabelValues("rejected").Inc()
			s.logger.Warnw("Rejecting alert without a name", "tenant_id", tenantID)
			continue
		}
		alert.TenantID = tenantID
		if alert.Status == "" {
			alert.Status = core.AlertStatusFiring
		}
		if alert.LastReceived.IsZero() {
			alert.LastReceived = s.now().UTC()
		}
		core.EnsureFingerprint(alert, s.fingerprint)
		if s.enricher != nil {
			alert = s.enricher.RunMappingRules(ctx, alert)
		}
		batch = append(batch, alert)
	}
	return batch
}

// project writes the committed alerts into the secondary index
func (s *AlertService) project(ctx context.Context, alerts []*core.Alert) {
	if s.index == nil {
		return
	}
	for _, alert := range alerts {
		if err := s.index.Upsert(ctx, alert); err != nil {
			s.logger.Warnw("Failed to project alert into index",
				"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint, "error", err)
		}
	}
}

// dispatch hands forwarded alerts to workflows and notifies the tenant channel
func (s *AlertService) dispatch(ctx context.Context, tenantID string, forwarded []*core.Alert, incidents []*core.Incident, result *IngestResult) {
	if len(forwarded) == 0 {
		return
	}
	if err := s.sink.InsertEvents(ctx, tenantID, forwarded); err != nil {
		s.logger.Errorw("Failed to hand alerts to workflows", "tenant_id", tenantID, "count", len(forwarded), "error", err)
	}

	for _, inc := range incidents {
		result.Incidents = append(result.Incidents, inc.ID)
	}
	if len(incidents) > 0 {
		s.pusher.Notify(ctx, tenantID, core.EventIncidentChange, map[string]any{"incidents": result.Incidents})
	}

	if s.presets == nil {
		return
	}
	changed := make(map[string]struct{})
	for _, alert := range forwarded {
		presets, err := s.presets.MatchingPresets(ctx, nil, tenantID, alert)
		if err != nil {
			s.logger.Errorw("Failed to evaluate presets", "tenant_id", tenantID, "fingerprint", alert.Fingerprint, "error", err)
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
	s.pusher.Notify(ctx, tenantID, core.EventPresetsChanged, map[string]any{"presets": names})
}
