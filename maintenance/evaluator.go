// Package maintenance holds alerts back while a maintenance window covers them and
// restores them once the window ends
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/expr"
	"vigil/metrics"
	"vigil/storage"
)

// Options configures an Evaluator
type Options struct {
	Engine  *expr.Engine
	Audit   storage.AuditStorageInterface
	Logger  *zap.SugaredLogger
	Session *storage.Session
	Now     func() time.Time
}

// Evaluator matches a tenant's alerts against the windows active when it was built
type Evaluator struct {
	tenantID string
	rules    []*core.MaintenanceWindowRule
	engine   *expr.Engine
	audit    storage.AuditStorageInterface
	now      func() time.Time
	logger   *zap.SugaredLogger
}

// NewEvaluator loads the windows of tenantID that contain the current time
func NewEvaluator(ctx context.Context, rules storage.MaintenanceRuleStorageInterface, tenantID string, opts Options) (*Evaluator, error) {
	if opts.Engine == nil {
		return nil, errors.New("maintenance evaluator requires a CEL engine")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	active, err := rules.GetActiveMaintenanceRules(ctx, opts.Session, tenantID, opts.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load maintenance windows for tenant %s: %w", tenantID, err)
	}
	return &Evaluator{
		tenantID: tenantID,
		rules:    active,
		engine:   opts.Engine,
		audit:    opts.Audit,
		now:      opts.Now,
		logger:   opts.Logger,
	}, nil
}

// Rules returns the windows the evaluator checks
func (e *Evaluator) Rules() []*core.MaintenanceWindowRule {
	return e.rules
}

// CheckIfAlertInMaintenanceWindow matches alert against the active windows and applies the
// transition of the first window that matches: a suppressing window marks the alert
// suppressed and lets it continue, any other window puts it in maintenance and reports it
// blocked. The status held before maintenance is captured once for windows that restore it.
func (e *Evaluator) CheckIfAlertInMaintenanceWindow(ctx context.Context, sess *storage.Session, alert *core.Alert) bool {
	if len(e.rules) == 0 || alert == nil {
		return false
	}
	now := e.now().UTC()
	payload := alert.Payload()

	for _, rule := range e.rules {
		if !rule.Enabled || rule.Ignores(alert.Status) {
			continue
		}
		if now.After(rule.EndTime.UTC()) {
			e.logger.Debugw("Skipping ended maintenance window", "rule_id", rule.ID, "end_time", rule.EndTime)
			continue
		}
		if !windowMatches(e.engine, e.logger, rule, payload) {
			continue
		}

		e.recordAudit(ctx, sess, alert, rule)

		if rule.Suppress {
			alert.Status = core.AlertStatusSuppressed
			metrics.MaintenanceMatches.WithLabelValues("suppressed").Inc()
			e.logger.Infow("Alert suppressed by maintenance window",
				"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint, "rule_id", rule.ID)
			return false
		}

		if rule.Strategy == core.MaintenanceStrategyRecoverPreviousStatus &&
			alert.PreviousStatus == "" && alert.Status != core.AlertStatusMaintenance {
			alert.PreviousStatus = alert.Status
		}
		alert.Status = core.AlertStatusMaintenance
		metrics.MaintenanceMatches.WithLabelValues("maintenance").Inc()
		e.logger.Infow("Alert held by maintenance window",
			"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint,
			"rule_id", rule.ID, "previous_status", alert.PreviousStatus)
		return true
	}
	return false
}

// windowMatches evaluates the window expression. Evaluation problems never match.
func windowMatches(engine *expr.Engine, logger *zap.SugaredLogger, rule *core.MaintenanceWindowRule, payload map[string]any) bool {
	ok, err := engine.Matches(rule.CELQuery, payload)
	switch {
	case err == nil:
		return ok
	case errors.Is(err, expr.ErrNotBoolean):
		logger.Warnw("Maintenance window expression is not boolean",
			"rule_id", rule.ID, "cel_query", rule.CELQuery, "error", err)
	case expr.IsMissingField(err):
		logger.Debugw("Maintenance window expression references a missing field",
			"rule_id", rule.ID, "error", err)
	default:
		logger.Errorw("Failed to evaluate maintenance window expression",
			"rule_id", rule.ID, "cel_query", rule.CELQuery, "error", err)
	}
	return false
}

func (e *Evaluator) recordAudit(ctx context.Context, sess *storage.Session, alert *core.Alert, rule *core.MaintenanceWindowRule) {
	if e.audit == nil {
		return
	}
	action := core.AuditActionMaintenance
	description := fmt.Sprintf("Alert in maintenance due to rule `%s`", rule.Name)
	if rule.Suppress {
		action = core.AuditActionMaintenanceSuppress
		description = fmt.Sprintf("Alert suppressed due to maintenance rule `%s`", rule.Name)
	}
	err := e.audit.RecordAudit(ctx, sess, &core.AuditRecord{
		TenantID:    alert.TenantID,
		Fingerprint: alert.Fingerprint,
		Action:      action,
		Description: description,
	})
	if err != nil {
		e.logger.Errorw("Failed to write maintenance audit record",
			"fingerprint", alert.Fingerprint, "rule_id", rule.ID, "error", err)
	}
}
