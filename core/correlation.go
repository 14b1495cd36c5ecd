package core

import (
	"fmt"
	"strings"
	"time"
)

// CorrelationRule groups relevant alerts into incidents. Definition is a CEL expression
// made of parenthesized sub-expressions joined with ||.
type CorrelationRule struct {
	ID          string        `json:"id" yaml:"id"`
	TenantID    string        `json:"tenant_id" yaml:"tenant_id"`
	Name        string        `json:"name" yaml:"name" validate:"required,max=256"`
	Description string        `json:"description,omitempty" yaml:"description"`
	Definition  string        `json:"definition" yaml:"definition" validate:"required"`
	Timeframe   time.Duration `json:"timeframe" yaml:"timeframe"`
	GroupBy     []string      `json:"group_by,omitempty" yaml:"group_by"`
	MinAlerts   int           `json:"min_alerts" yaml:"min_alerts" validate:"gte=0"`
	ResolveOn   ResolveOn     `json:"resolve_on" yaml:"resolve_on"`
	CreatedAt   time.Time     `json:"created_at" yaml:"-"`
}

// Validate checks the rule structure and defaults optional fields
func (r *CorrelationRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid correlation rule: %w", err)
	}
	if r.ResolveOn == "" {
		r.ResolveOn = ResolveOnNever
	}
	if r.ResolveOn != ResolveOnAllResolved && r.ResolveOn != ResolveOnNever {
		return fmt.Errorf("invalid correlation rule: unknown resolve_on %q", r.ResolveOn)
	}
	if r.MinAlerts == 0 {
		r.MinAlerts = 1
	}
	for _, attr := range r.GroupBy {
		if err := ValidateIdentifier(attr); err != nil {
			return err
		}
	}
	return nil
}

// GroupKey joins the alert's values for every GroupBy attribute. Missing attributes
// contribute an empty segment so alerts lacking them still group together.
func (r *CorrelationRule) GroupKey(alert *Alert) string {
	if len(r.GroupBy) == 0 {
		return ""
	}
	parts := make([]string, len(r.GroupBy))
	for i, attr := range r.GroupBy {
		v, _ := ResolveString(alert, attr)
		parts[i] = attr + "=" + v
	}
	return strings.Join(parts, "|")
}
