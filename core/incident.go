package core

import (
	"time"
)

// IncidentStatus represents the lifecycle state of an incident
type IncidentStatus string

const (
	// IncidentStatusDraft is a candidate incident that has not reached its rule's MinAlerts
	IncidentStatusDraft IncidentStatus = "draft"
	// IncidentStatusOpen is a confirmed incident
	IncidentStatusOpen IncidentStatus = "open"
	// IncidentStatusResolved is an incident whose member alerts all resolved
	IncidentStatusResolved IncidentStatus = "resolved"
	// IncidentStatusMerged is an incident folded into another one
	IncidentStatusMerged IncidentStatus = "merged"
)

// IsValid checks if the status is valid
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentStatusDraft, IncidentStatusOpen, IncidentStatusResolved, IncidentStatusMerged:
		return true
	default:
		return false
	}
}

// IsActive reports whether new alerts may still join an incident in this status
func (s IncidentStatus) IsActive() bool {
	return s == IncidentStatusDraft || s == IncidentStatusOpen
}

// IncidentMember is one alert (by fingerprint) inside an incident
type IncidentMember struct {
	Fingerprint string      `json:"fingerprint"`
	Status      AlertStatus `json:"status"`
	JoinedAt    time.Time   `json:"joined_at"`
}

// Incident groups correlated alerts of one tenant under one correlation rule
type Incident struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	RuleID      string           `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	GroupKey    string           `json:"group_key"`
	Status      IncidentStatus   `json:"status"`
	Members     []IncidentMember `json:"members"`
	MergedInto  string           `json:"merged_into,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	LastAlertAt time.Time        `json:"last_alert_at"`

	// Created is set on incidents created by the current evaluation; never persisted
	Created bool `json:"-"`
}

// AlertFingerprints returns the fingerprints of every member
func (i *Incident) AlertFingerprints() []string {
	fps := make([]string, len(i.Members))
	for idx, m := range i.Members {
		fps[idx] = m.Fingerprint
	}
	return fps
}

// Upsert adds the alert as a member or refreshes the status of an existing member.
// It reports whether a new member was added.
func (i *Incident) Upsert(alert *Alert, now time.Time) bool {
	if alert.LastReceived.After(i.LastAlertAt) {
		i.LastAlertAt = alert.LastReceived
	}
	for idx := range i.Members {
		if i.Members[idx].Fingerprint == alert.Fingerprint {
			i.Members[idx].Status = alert.Status
			return false
		}
	}
	i.Members = append(i.Members, IncidentMember{
		Fingerprint: alert.Fingerprint,
		Status:      alert.Status,
		JoinedAt:    now,
	})
	return true
}

// AllResolved reports whether the incident has members and every one of them is resolved
func (i *Incident) AllResolved() bool {
	if len(i.Members) == 0 {
		return false
	}
	for _, m := range i.Members {
		if m.Status != AlertStatusResolved {
			return false
		}
	}
	return true
}
