package core

import "time"

// AuditRecord is an append-only, best-effort description of a state transition
type AuditRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Fingerprint string    `json:"fingerprint"`
	Action      string    `json:"action"`
	Description string    `json:"description"`
	User        string    `json:"user"`
	Timestamp   time.Time `json:"timestamp"`
}
