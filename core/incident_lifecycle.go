package core

import (
	"errors"
	"fmt"
	"slices"
)

// validIncidentTransitions defines allowed incident state transitions
var validIncidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusDraft:    {IncidentStatusOpen, IncidentStatusResolved, IncidentStatusMerged},
	IncidentStatusOpen:     {IncidentStatusResolved, IncidentStatusMerged},
	IncidentStatusResolved: {}, // Final state - a later alert starts a new incident
	IncidentStatusMerged:   {}, // Final state
}

// TransitionTo validates and executes an incident state transition
func (i *Incident) TransitionTo(newStatus IncidentStatus) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}
	if !newStatus.IsValid() {
		return fmt.Errorf("invalid incident status: %s", newStatus)
	}

	allowedTransitions, exists := validIncidentTransitions[i.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", i.Status)
	}
	if !slices.Contains(allowedTransitions, newStatus) {
		return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, i.Status, newStatus, allowedTransitions)
	}

	i.Status = newStatus
	return nil
}

// CanTransitionTo checks if a transition is allowed without executing it
func (i *Incident) CanTransitionTo(newStatus IncidentStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	return slices.Contains(validIncidentTransitions[i.Status], newStatus)
}

// Evaluate applies the automatic transitions driven by the rule: a draft opens once it
// holds MinAlerts members, and an active incident resolves once every member resolved
// when the rule resolves on all_resolved.
func (i *Incident) Evaluate(rule *CorrelationRule) error {
	minAlerts := rule.MinAlerts
	if minAlerts < 1 {
		minAlerts = 1
	}
	if i.Status == IncidentStatusDraft && len(i.Members) >= minAlerts {
		if err := i.TransitionTo(IncidentStatusOpen); err != nil {
			return err
		}
	}
	if rule.ResolveOn == ResolveOnAllResolved && i.Status.IsActive() && i.AllResolved() {
		return i.TransitionTo(IncidentStatusResolved)
	}
	return nil
}

// MergeInto moves every member of i into target and marks i as merged
func (i *Incident) MergeInto(target *Incident) error {
	if i.ID == target.ID {
		return fmt.Errorf("%w: incident cannot be merged into itself", ErrInvalidTransition)
	}
	if !target.Status.IsActive() {
		return fmt.Errorf("%w: merge target is %s", ErrInvalidTransition, target.Status)
	}
	if err := i.TransitionTo(IncidentStatusMerged); err != nil {
		return err
	}
	for _, m := range i.Members {
		if !slices.ContainsFunc(target.Members, func(t IncidentMember) bool { return t.Fingerprint == m.Fingerprint }) {
			target.Members = append(target.Members, m)
		}
	}
	if i.LastAlertAt.After(target.LastAlertAt) {
		target.LastAlertAt = i.LastAlertAt
	}
	i.MergedInto = target.ID
	return nil
}
