package core

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	// AlertStatusFiring indicates an alert that is currently active
	AlertStatusFiring AlertStatus = "firing"
	// AlertStatusResolved indicates an alert whose condition cleared
	AlertStatusResolved AlertStatus = "resolved"
	// AlertStatusAcknowledged indicates an alert that has been reviewed and acknowledged
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusSuppressed indicates an alert matched by a suppressing maintenance window
	AlertStatusSuppressed AlertStatus = "suppressed"
	// AlertStatusMaintenance indicates an alert held back by a maintenance window until it ends
	AlertStatusMaintenance AlertStatus = "maintenance"
	// AlertStatusPending indicates an alert that hasn't started firing yet
	AlertStatusPending AlertStatus = "pending"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusFiring, AlertStatusResolved, AlertStatusAcknowledged,
		AlertStatusSuppressed, AlertStatusMaintenance, AlertStatusPending:
		return true
	default:
		return false
	}
}

// MaintenanceStrategy selects what happens to an alert once its maintenance window ends
type MaintenanceStrategy string

const (
	// MaintenanceStrategyDefault leaves matched alerts in their window status
	MaintenanceStrategyDefault MaintenanceStrategy = "default"
	// MaintenanceStrategyRecoverPreviousStatus restores the status captured when the window matched
	MaintenanceStrategyRecoverPreviousStatus MaintenanceStrategy = "recover_previous_status"
)

// IsValid checks if the strategy is valid
func (s MaintenanceStrategy) IsValid() bool {
	return s == MaintenanceStrategyDefault || s == MaintenanceStrategyRecoverPreviousStatus
}

// ResolveOn controls when an incident resolves on its own
type ResolveOn string

const (
	ResolveOnAllResolved ResolveOn = "all_resolved"
	ResolveOnNever       ResolveOn = "never"
)

// Push channel event names
const (
	EventIncidentChange = "incident-change"
	EventPresetsChanged = "presets-changed"
	EventAlertsPolled   = "poll-alerts"
)

// Audit actions
const (
	AuditActionMaintenance         = "maintenance_window"
	AuditActionMaintenanceSuppress = "maintenance_window_suppressed"
	AuditActionMaintenanceExpired  = "maintenance_window_expired"
	AuditActionEnriched            = "mapping_rule_enrichment"
	AuditActionIncidentJoined      = "incident_joined"

	// SystemUser is recorded as the actor of pipeline-driven audit records
	SystemUser = "system"
)

// DotPlaceholder escapes a literal dot inside an attribute name so it is not
// read as a nested-path separator.
const DotPlaceholder = "@@"

// Wildcard row value that matches any alert value
const Wildcard = "*"
