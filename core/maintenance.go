package core

import (
	"fmt"
	"slices"
	"time"
)

// MaintenanceWindowRule suppresses or holds back matching alerts between StartTime and EndTime
type MaintenanceWindowRule struct {
	ID             string              `json:"id" yaml:"id"`
	TenantID       string              `json:"tenant_id" yaml:"tenant_id"`
	Name           string              `json:"name" yaml:"name" validate:"required,max=256"`
	Description    string              `json:"description,omitempty" yaml:"description"`
	StartTime      time.Time           `json:"start_time" yaml:"start_time" validate:"required"`
	EndTime        time.Time           `json:"end_time" yaml:"end_time" validate:"required,gtfield=StartTime"`
	Enabled        bool                `json:"enabled" yaml:"enabled"`
	CELQuery       string              `json:"cel_query" yaml:"cel_query" validate:"required"`
	IgnoreStatuses []AlertStatus       `json:"ignore_statuses,omitempty" yaml:"ignore_statuses"`
	Suppress       bool                `json:"suppress" yaml:"suppress"`
	Strategy       MaintenanceStrategy `json:"strategy" yaml:"strategy"`
	CreatedBy      string              `json:"created_by,omitempty" yaml:"created_by"`
	CreatedAt      time.Time           `json:"created_at" yaml:"-"`
}

// Validate checks the rule structure
func (r *MaintenanceWindowRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid maintenance rule: %w", err)
	}
	if r.Strategy == "" {
		r.Strategy = MaintenanceStrategyDefault
	}
	if !r.Strategy.IsValid() {
		return fmt.Errorf("invalid maintenance rule: unknown strategy %q", r.Strategy)
	}
	for _, s := range r.IgnoreStatuses {
		if !s.IsValid() {
			return fmt.Errorf("invalid maintenance rule: unknown ignored status %q", s)
		}
	}
	return nil
}

// Normalize forces both window bounds to UTC
func (r *MaintenanceWindowRule) Normalize() {
	r.StartTime = r.StartTime.UTC()
	r.EndTime = r.EndTime.UTC()
}

// IsActiveAt reports whether t falls inside [StartTime, EndTime]
func (r *MaintenanceWindowRule) IsActiveAt(t time.Time) bool {
	t = t.UTC()
	return !t.Before(r.StartTime.UTC()) && !t.After(r.EndTime.UTC())
}

// Ignores reports whether alerts in status are exempt from the window
func (r *MaintenanceWindowRule) Ignores(status AlertStatus) bool {
	return slices.Contains(r.IgnoreStatuses, status)
}
