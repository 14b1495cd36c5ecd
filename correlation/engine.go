// Package correlation groups relevant alerts into incidents
package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/parser"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/expr"
	"vigil/metrics"
	"vigil/storage"
)

// Config wires an Engine. DB and Audit are optional.
type Config struct {
	DB        storage.SessionBeginner
	Rules     storage.CorrelationRuleStorageInterface
	Incidents storage.IncidentStorageInterface
	Audit     storage.AuditStorageInterface
	Expr      *expr.Engine
	Now       func() time.Time
	Logger    *zap.SugaredLogger
}

// Engine evaluates a tenant's correlation rules against alerts and maintains incidents
type Engine struct {
	db        storage.SessionBeginner
	rules     storage.CorrelationRuleStorageInterface
	incidents storage.IncidentStorageInterface
	audit     storage.AuditStorageInterface
	expr      *expr.Engine
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// NewEngine creates a correlation engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Rules == nil || cfg.Incidents == nil || cfg.Expr == nil {
		return nil, errors.New("correlation engine requires rule and incident storage and a CEL engine")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Engine{
		db:        cfg.DB,
		rules:     cfg.Rules,
		incidents: cfg.Incidents,
		audit:     cfg.Audit,
		expr:      cfg.Expr,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

var parserEnv = sync.OnceValues(func() (*cel.Env, error) { return cel.NewEnv() })

// SplitSubExpressions splits a definition into the operands of its top-level || operators,
// printed back as CEL without enclosing parentheses. A definition that does not parse is
// returned whole so evaluation reports the error.
func SplitSubExpressions(definition string) []string {
	definition = strings.TrimSpace(definition)
	if definition == "" {
		return []string{}
	}
	env, err := parserEnv()
	if err != nil {
		return []string{definition}
	}
	parsed, iss := env.Parse(definition)
	if iss.Err() != nil {
		return []string{definition}
	}

	native := parsed.NativeRep()
	var out []string
	for _, branch := range disjuncts(native.Expr()) {
		text, err := parser.Unparse(branch, native.SourceInfo())
		if err != nil {
			return []string{definition}
		}
		out = append(out, text)
	}
	return out
}

// disjuncts flattens nested || calls into their operands, left to right
func disjuncts(e celast.Expr) []celast.Expr {
	if e.Kind() != celast.CallKind || e.AsCall().FunctionName() != operators.LogicalOr {
		return []celast.Expr{e}
	}
	var out []celast.Expr
	for _, arg := range e.AsCall().Args() {
		out = append(out, disjuncts(arg)...)
	}
	return out
}

// IsRelevant reports whether any sub-expression of the rule is truthy for the alert.
// Sub-expressions that fail to evaluate count as not matching.
func (e *Engine) IsRelevant(rule *core.CorrelationRule, payload map[string]any) bool {
	for _, sub := range SplitSubExpressions(rule.Definition) {
		ok, err := e.expr.Truthy(sub, payload)
		if err != nil {
			if expr.IsMissingField(err) {
				e.logger.Debugw("Correlation sub-expression references a missing field",
					"rule_id", rule.ID, "expression", sub, "error", err)
			} else {
				e.logger.Errorw("Failed to evaluate correlation sub-expression",
					"rule_id", rule.ID, "expression", sub, "error", err)
			}
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

type incidentKey struct {
	ruleID   string
	groupKey string
}

// RunRules correlates alerts of one tenant. Every alert a rule is relevant for joins the
// active incident of that rule and group key, or starts a new draft incident. Incidents
// are returned in the order they were first touched; new ones have Created set.
func (e *Engine) RunRules(ctx context.Context, sess *storage.Session, tenantID string, alerts []*core.Alert) ([]*core.Incident, error) {
	if len(alerts) == 0 {
		return nil, nil
	}
	rules, err := e.rules.GetCorrelationRules(ctx, sess, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation rules for tenant %s: %w", tenantID, err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			e.logger.Warnw("Correlation rule is invalid", "rule_id", rule.ID, "error", err)
		}
	}

	now := e.now().UTC()
	touched := make(map[incidentKey]*core.Incident)
	var order []*core.Incident

	for _, alert := range alerts {
		payload := alert.Payload()
		for _, rule := range rules {
			if !e.IsRelevant(rule, payload) {
				continue
			}
			key := incidentKey{ruleID: rule.ID, groupKey: rule.GroupKey(alert)}
			incident, ok := touched[key]
			switch {
			case !ok:
				incident, err = e.findOrStart(ctx, sess, tenantID, rule, key.groupKey, alert, now)
				if err != nil {
					e.logger.Errorw("Failed to load incident, skipping alert",
						"rule_id", rule.ID, "fingerprint", alert.Fingerprint, "error", err)
					continue
				}
				touched[key] = incident
				order = append(order, incident)
			case !incident.Status.IsActive():
				// resolved earlier in this batch; the stored copy is stale until persisted
				incident = newDraft(tenantID, rule, key.groupKey, now)
				touched[key] = incident
				order = append(order, incident)
			}

			if incident.Upsert(alert, now) {
				e.recordJoin(ctx, sess, incident, alert)
			}
			if err := incident.Evaluate(rule); err != nil {
				e.logger.Warnw("Incident transition rejected", "incident_id", incident.ID, "error", err)
			}
		}
	}

	result := make([]*core.Incident, 0, len(order))
	for _, incident := range order {
		if err := e.persist(ctx, sess, incident); err != nil {
			e.logger.Errorw("Failed to store incident",
				"incident_id", incident.ID, "rule_id", incident.RuleID, "error", err)
			continue
		}
		result = append(result, incident)
	}

	e.logger.Debugw("Correlation finished",
		"tenant_id", tenantID, "alerts", len(alerts), "rules", len(rules), "incidents", len(result))
	return result, nil
}

// findOrStart returns the active incident of (rule, group key) still inside the rule's
// timeframe, or a new unsaved draft
func (e *Engine) findOrStart(ctx context.Context, sess *storage.Session, tenantID string, rule *core.CorrelationRule, groupKey string, alert *core.Alert, now time.Time) (*core.Incident, error) {
	var since time.Time
	if rule.Timeframe > 0 {
		ref := alert.LastReceived
		if ref.IsZero() {
			ref = now
		}
		since = ref.Add(-rule.Timeframe)
	}

	incident, err := e.incidents.FindActiveIncident(ctx, sess, tenantID, rule.ID, groupKey, since)
	if err == nil {
		return incident, nil
	}
	if !errors.Is(err, storage.ErrIncidentNotFound) {
		return nil, err
	}
	return newDraft(tenantID, rule, groupKey, now), nil
}

func newDraft(tenantID string, rule *core.CorrelationRule, groupKey string, now time.Time) *core.Incident {
	return &core.Incident{
		TenantID:  tenantID,
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		GroupKey:  groupKey,
		Status:    core.IncidentStatusDraft,
		CreatedAt: now,
		Created:   true,
	}
}

func (e *Engine) persist(ctx context.Context, sess *storage.Session, incident *core.Incident) error {
	if incident.Created {
		if err := e.incidents.CreateIncident(ctx, sess, incident); err != nil {
			return err
		}
		metrics.IncidentsTouched.WithLabelValues("created").Inc()
		e.logger.Infow("Incident created",
			"incident_id", incident.ID, "rule_id", incident.RuleID, "group_key", incident.GroupKey,
			"status", incident.Status)
		return nil
	}
	if err := e.incidents.UpdateIncident(ctx, sess, incident); err != nil {
		return err
	}
	metrics.IncidentsTouched.WithLabelValues("updated").Inc()
	return nil
}

func (e *Engine) recordJoin(ctx context.Context, sess *storage.Session, incident *core.Incident, alert *core.Alert) {
	if e.audit == nil {
		return
	}
	err := e.audit.RecordAudit(ctx, sess, &core.AuditRecord{
		TenantID:    alert.TenantID,
		Fingerprint: alert.Fingerprint,
		Action:      core.AuditActionIncidentJoined,
		Description: fmt.Sprintf("Alert correlated by rule `%s`", incident.RuleName),
	})
	if err != nil {
		e.logger.Errorw("Failed to write correlation audit record",
			"fingerprint", alert.Fingerprint, "rule_id", incident.RuleID, "error", err)
	}
}

// Merge folds the source incident into the target. Both are stored in one session.
func (e *Engine) Merge(ctx context.Context, sess *storage.Session, tenantID, sourceID, targetID string) (*core.Incident, error) {
	if sess == nil && e.db == nil {
		return nil, errors.New("merging incidents requires a session")
	}

	var target *core.Incident
	err := storage.WithSession(ctx, e.db, sess, func(s *storage.Session) error {
		source, err := e.incidents.GetIncident(ctx, s, tenantID, sourceID)
		if err != nil {
			return fmt.Errorf("failed to load source incident: %w", err)
		}
		target, err = e.incidents.GetIncident(ctx, s, tenantID, targetID)
		if err != nil {
			return fmt.Errorf("failed to load target incident: %w", err)
		}
		if err := source.MergeInto(target); err != nil {
			return err
		}
		if err := e.incidents.UpdateIncident(ctx, s, source); err != nil {
			return err
		}
		return e.incidents.UpdateIncident(ctx, s, target)
	})
	if err != nil {
		return nil, err
	}

	metrics.IncidentsTouched.WithLabelValues("merged").Inc()
	e.logger.Infow("Incidents merged", "tenant_id", tenantID, "source_id", sourceID, "target_id", targetID)
	return target, nil
}
