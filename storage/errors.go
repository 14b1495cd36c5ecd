package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when no event exists for a fingerprint
	ErrAlertNotFound = errors.New("alert not found")

	// ErrMappingRuleNotFound is returned when a mapping rule is not found
	ErrMappingRuleNotFound = errors.New("mapping rule not found")

	// ErrMaintenanceRuleNotFound is returned when a maintenance rule is not found
	ErrMaintenanceRuleNotFound = errors.New("maintenance rule not found")

	// ErrCorrelationRuleNotFound is returned when a correlation rule is not found
	ErrCorrelationRuleNotFound = errors.New("correlation rule not found")

	// ErrIncidentNotFound is returned when an incident is not found
	ErrIncidentNotFound = errors.New("incident not found")

	// ErrPresetNotFound is returned when a preset is not found
	ErrPresetNotFound = errors.New("preset not found")

	// ErrPresetNameExists is returned when a tenant already has a preset with the same name
	ErrPresetNameExists = errors.New("preset with this name already exists")

	// ErrIndexNotConfigured is returned when the secondary alert index is disabled
	ErrIndexNotConfigured = errors.New("alert index not configured")
)
