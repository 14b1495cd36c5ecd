package storage

import (
	"context"
	"time"

	"vigil/core"
)

// AlertStorageInterface defines the interface for alert event persistence
type AlertStorageInterface interface {
	SaveAlert(ctx context.Context, sess *Session, alert *core.Alert) error
	GetLatestAlertEvent(ctx context.Context, sess *Session, tenantID, fingerprint string) (map[string]any, error)
	GetLastAlert(ctx context.Context, sess *Session, tenantID, fingerprint string) (*core.Alert, error)
	GetAlertsByStatus(ctx context.Context, sess *Session, status core.AlertStatus) ([]*core.Alert, error)
	GetLatestAlerts(ctx context.Context, sess *Session, tenantID string) ([]*core.Alert, error)
	GetAlertEvents(ctx context.Context, sess *Session, tenantID string) ([]*core.Alert, error)
	UpdateLastAlert(ctx context.Context, sess *Session, alert *core.Alert) error
}

// EnrichmentStorageInterface defines the interface for enrichment persistence
type EnrichmentStorageInterface interface {
	SaveEnrichments(ctx context.Context, sess *Session, tenantID, fingerprint string, enrichments map[string]any) error
	GetEnrichments(ctx context.Context, sess *Session, tenantID, fingerprint string) (map[string]any, error)
}

// MappingRuleStorageInterface defines the interface for mapping rule storage
type MappingRuleStorageInterface interface {
	CreateMappingRule(ctx context.Context, rule *core.MappingRule) error
	UpdateMappingRule(ctx context.Context, rule *core.MappingRule) error
	DeleteMappingRule(ctx context.Context, tenantID, id string) error
	GetMappingRule(ctx context.Context, tenantID, id string) (*core.MappingRule, error)
	GetEnabledMappingRules(ctx context.Context, sess *Session, tenantID string) ([]*core.MappingRule, error)
}

// MaintenanceRuleStorageInterface defines the interface for maintenance window storage
type MaintenanceRuleStorageInterface interface {
	CreateMaintenanceRule(ctx context.Context, rule *core.MaintenanceWindowRule) error
	GetMaintenanceRule(ctx context.Context, tenantID, id string) (*core.MaintenanceWindowRule, error)
	DeleteMaintenanceRule(ctx context.Context, tenantID, id string) error
	ListMaintenanceRules(ctx context.Context, tenantID string) ([]*core.MaintenanceWindowRule, error)
	GetActiveMaintenanceRules(ctx context.Context, sess *Session, tenantID string, now time.Time) ([]*core.MaintenanceWindowRule, error)
}

// CorrelationRuleStorageInterface defines the interface for correlation rule storage
type CorrelationRuleStorageInterface interface {
	CreateCorrelationRule(ctx context.Context, rule *core.CorrelationRule) error
	GetCorrelationRule(ctx context.Context, tenantID, id string) (*core.CorrelationRule, error)
	DeleteCorrelationRule(ctx context.Context, tenantID, id string) error
	GetCorrelationRules(ctx context.Context, sess *Session, tenantID string) ([]*core.CorrelationRule, error)
}

// IncidentStorageInterface defines the interface for incident storage
type IncidentStorageInterface interface {
	FindActiveIncident(ctx context.Context, sess *Session, tenantID, ruleID, groupKey string, since time.Time) (*core.Incident, error)
	CreateIncident(ctx context.Context, sess *Session, incident *core.Incident) error
	UpdateIncident(ctx context.Context, sess *Session, incident *core.Incident) error
	GetIncident(ctx context.Context, sess *Session, tenantID, id string) (*core.Incident, error)
	ListIncidents(ctx context.Context, tenantID string, status core.IncidentStatus) ([]*core.Incident, error)
}

// PresetStorageInterface defines the interface for preset storage
type PresetStorageInterface interface {
	CreatePreset(ctx context.Context, preset *core.Preset) error
	GetPreset(ctx context.Context, tenantID, id string) (*core.Preset, error)
	DeletePreset(ctx context.Context, tenantID, id string) error
	GetPresets(ctx context.Context, sess *Session, tenantID string) ([]*core.Preset, error)
}

// AuditStorageInterface defines the interface for audit records
type AuditStorageInterface interface {
	RecordAudit(ctx context.Context, sess *Session, record *core.AuditRecord) error
	GetAuditRecords(ctx context.Context, sess *Session, tenantID, fingerprint string) ([]*core.AuditRecord, error)
}

// AlertIndexInterface defines the interface for the secondary search index
type AlertIndexInterface interface {
	Dialect() string
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, alert *core.Alert) error
	CountPreset(ctx context.Context, tenantID, where string) (PresetCounts, error)
}

var (
	_ AlertStorageInterface           = (*SQLiteAlertStorage)(nil)
	_ EnrichmentStorageInterface      = (*SQLiteEnrichmentStorage)(nil)
	_ MappingRuleStorageInterface     = (*SQLiteMappingRuleStorage)(nil)
	_ MaintenanceRuleStorageInterface = (*SQLiteMaintenanceRuleStorage)(nil)
	_ CorrelationRuleStorageInterface = (*SQLiteCorrelationRuleStorage)(nil)
	_ IncidentStorageInterface        = (*SQLiteIncidentStorage)(nil)
	_ PresetStorageInterface          = (*SQLitePresetStorage)(nil)
	_ AuditStorageInterface           = (*SQLiteAuditStorage)(nil)
	_ AlertIndexInterface             = (*AlertIndex)(nil)
	_ SessionBeginner                 = (*SQLite)(nil)
)
