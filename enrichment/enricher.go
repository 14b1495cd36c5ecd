package enrichment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
	"vigil/storage"
)

// Enricher applies a tenant's mapping rules to incoming alerts
type Enricher struct {
	rules       storage.MappingRuleStorageInterface
	enrichments storage.EnrichmentStorageInterface
	audit       storage.AuditStorageInterface
	matcher     *Matcher
	logger      *zap.SugaredLogger
}

// NewEnricher creates an enricher. audit may be nil.
func NewEnricher(rules storage.MappingRuleStorageInterface, enrichments storage.EnrichmentStorageInterface,
	audit storage.AuditStorageInterface, matcher *Matcher, logger *zap.SugaredLogger) *Enricher {
	return &Enricher{
		rules:       rules,
		enrichments: enrichments,
		audit:       audit,
		matcher:     matcher,
		logger:      logger,
	}
}

// RunMappingRules enriches alert in place with every enabled mapping rule of its tenant and
// returns it. Rules run by descending priority and a key written by a higher-priority rule
// is never overwritten by a lower one. Failures are logged and leave the alert as it was
// after the last successful rule.
func (e *Enricher) RunMappingRules(ctx context.Context, alert *core.Alert) *core.Alert {
	if alert == nil {
		return nil
	}
	rules, err := e.rules.GetEnabledMappingRules(ctx, nil, alert.TenantID)
	if err != nil {
		e.logger.Errorw("Failed to load mapping rules", "tenant_id", alert.TenantID, "error", err)
		return alert
	}
	if len(rules) == 0 {
		return alert
	}

	applied := make(map[string]any)
	var ruleNames []string
	for _, rule := range rules {
		var changed map[string]any
		if rule.IsMultiLevel {
			changed = e.applyMultiLevel(ctx, rule, alert, applied)
		} else {
			changed = e.applySingleLevel(ctx, rule, alert, applied)
		}
		if len(changed) == 0 {
			continue
		}
		for k, v := range changed {
			applied[k] = v
		}
		ruleNames = append(ruleNames, rule.Name)
	}

	if len(applied) == 0 {
		return alert
	}
	if err := e.enrichments.SaveEnrichments(ctx, nil, alert.TenantID, alert.Fingerprint, applied); err != nil {
		e.logger.Errorw("Failed to persist enrichments",
			"tenant_id", alert.TenantID, "fingerprint", alert.Fingerprint, "error", err)
	}
	if e.audit != nil {
		record := &core.AuditRecord{
			TenantID:    alert.TenantID,
			Fingerprint: alert.Fingerprint,
			Action:      core.AuditActionEnriched,
			Description: fmt.Sprintf("Alert enriched by mapping rules: %s", strings.Join(ruleNames, ", ")),
		}
		if err := e.audit.RecordAudit(ctx, nil, record); err != nil {
			e.logger.Warnw("Failed to record enrichment audit", "fingerprint", alert.Fingerprint, "error", err)
		}
	}
	return alert
}

func (e *Enricher) applySingleLevel(ctx context.Context, rule *core.MappingRule, alert *core.Alert, taken map[string]any) map[string]any {
	matcherAttrs := rule.MatcherAttributes()
	attrs := make(map[string]string, len(matcherAttrs))
	for attr := range matcherAttrs {
		if v, ok := core.ResolveString(alert, attr); ok {
			attrs[attr] = v
		}
	}

	row, ok := e.matcher.GetMatchingRow(ctx, rule, attrs)
	if !ok {
		return nil
	}

	changed := make(map[string]any)
	for k, v := range row {
		if _, isMatcher := matcherAttrs[k]; isMatcher {
			continue
		}
		if _, higher := taken[k]; higher {
			continue
		}
		if err := alert.Set(k, v); err != nil {
			e.logger.Warnw("Failed to apply enrichment",
				"rule_id", rule.ID, "fingerprint", alert.Fingerprint, "key", k, "error", err)
			continue
		}
		changed[k] = v
	}
	if len(changed) > 0 {
		metrics.EnrichmentsApplied.WithLabelValues("single").Inc()
		e.logger.Debugw("Mapping rule matched",
			"rule_id", rule.ID, "rule_name", rule.Name, "fingerprint", alert.Fingerprint, "keys", len(changed))
	}
	return changed
}

// applyMultiLevel maps each element of the list attribute named by the rule's first matcher
// to its own row, keyed by the element value, under NewPropertyName
func (e *Enricher) applyMultiLevel(ctx context.Context, rule *core.MappingRule, alert *core.Alert, taken map[string]any) map[string]any {
	if len(rule.Matchers) == 0 || len(rule.Matchers[0]) == 0 {
		return nil
	}
	if _, higher := taken[rule.NewPropertyName]; higher {
		return nil
	}
	raw, ok := core.ResolvePath(alert, rule.Matchers[0][0])
	if !ok {
		return nil
	}
	values := listValues(raw)
	if len(values) == 0 {
		return nil
	}

	matched := e.matcher.GetMatchingRowsMultiLevel(ctx, rule, rule.MultiLevelKey, values)
	if len(matched) == 0 {
		return nil
	}
	nested := make(map[string]any, len(matched))
	for k, row := range matched {
		nested[k] = row
	}
	if err := alert.Set(rule.NewPropertyName, nested); err != nil {
		e.logger.Warnw("Failed to apply multi-level enrichment",
			"rule_id", rule.ID, "fingerprint", alert.Fingerprint, "error", err)
		return nil
	}
	metrics.EnrichmentsApplied.WithLabelValues("multi_level").Inc()
	return map[string]any{rule.NewPropertyName: nested}
}

// listValues returns the elements of a list attribute. A string is read as a comma
// separated list.
func listValues(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := core.Stringify(item); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Split(v, ",")
	default:
		if s, ok := core.Stringify(v); ok {
			return []string{s}
		}
		return nil
	}
}
