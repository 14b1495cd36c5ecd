package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIncident_TransitionTo(t *testing.T) {
	testCases := []struct {
		name      string
		from      IncidentStatus
		to        IncidentStatus
		shouldErr bool
	}{
		{"Draft to Open", IncidentStatusDraft, IncidentStatusOpen, false},
		{"Draft to Resolved", IncidentStatusDraft, IncidentStatusResolved, false},
		{"Draft to Merged", IncidentStatusDraft, IncidentStatusMerged, false},
		{"Open to Resolved", IncidentStatusOpen, IncidentStatusResolved, false},
		{"Open to Merged", IncidentStatusOpen, IncidentStatusMerged, false},

		{"Open to Draft", IncidentStatusOpen, IncidentStatusDraft, true},
		{"Resolved to Open", IncidentStatusResolved, IncidentStatusOpen, true},
		{"Merged to Open", IncidentStatusMerged, IncidentStatusOpen, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inc := &Incident{ID: "inc-1", Status: tc.from}
			err := inc.TransitionTo(tc.to)
			if tc.shouldErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tc.from, inc.Status)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.to, inc.Status)
			}
		})
	}
}

func TestIncident_TransitionTo_InvalidStatus(t *testing.T) {
	inc := &Incident{Status: IncidentStatusDraft}
	assert.Error(t, inc.TransitionTo(""))
	assert.Error(t, inc.TransitionTo("closed"))
	assert.False(t, inc.CanTransitionTo("closed"))
	assert.True(t, inc.CanTransitionTo(IncidentStatusOpen))
}

func TestIncident_EvaluateOpensAtMinAlerts(t *testing.T) {
	rule := &CorrelationRule{MinAlerts: 2, ResolveOn: ResolveOnAllResolved}
	now := time.Now().UTC()
	inc := &Incident{Status: IncidentStatusDraft}

	assert.True(t, inc.Upsert(&Alert{Fingerprint: "a", Status: AlertStatusFiring}, now))
	require.NoError(t, inc.Evaluate(rule))
	assert.Equal(t, IncidentStatusDraft, inc.Status)

	assert.True(t, inc.Upsert(&Alert{Fingerprint: "b", Status: AlertStatusFiring}, now))
	require.NoError(t, inc.Evaluate(rule))
	assert.Equal(t, IncidentStatusOpen, inc.Status)

	// Re-adding a member only refreshes its status
	assert.False(t, inc.Upsert(&Alert{Fingerprint: "a", Status: AlertStatusResolved}, now))
	require.NoError(t, inc.Evaluate(rule))
	assert.Equal(t, IncidentStatusOpen, inc.Status)

	inc.Upsert(&Alert{Fingerprint: "b", Status: AlertStatusResolved}, now)
	require.NoError(t, inc.Evaluate(rule))
	assert.Equal(t, IncidentStatusResolved, inc.Status)
	assert.Len(t, inc.Members, 2)
}

func TestIncident_EvaluateNeverResolves(t *testing.T) {
	rule := &CorrelationRule{MinAlerts: 1, ResolveOn: ResolveOnNever}
	inc := &Incident{Status: IncidentStatusDraft}
	inc.Upsert(&Alert{Fingerprint: "a", Status: AlertStatusResolved}, time.Now())

	require.NoError(t, inc.Evaluate(rule))
	assert.Equal(t, IncidentStatusOpen, inc.Status)
}

func TestIncident_MergeInto(t *testing.T) {
	now := time.Now().UTC()
	source := &Incident{ID: "src", Status: IncidentStatusOpen}
	source.Upsert(&Alert{Fingerprint: "a", Status: AlertStatusFiring, LastReceived: now}, now)
	source.Upsert(&Alert{Fingerprint: "b", Status: AlertStatusFiring}, now)

	target := &Incident{ID: "dst", Status: IncidentStatusDraft}
	target.Upsert(&Alert{Fingerprint: "b", Status: AlertStatusFiring}, now)

	require.NoError(t, source.MergeInto(target))
	assert.Equal(t, IncidentStatusMerged, source.Status)
	assert.Equal(t, "dst", source.MergedInto)
	assert.ElementsMatch(t, []string{"a", "b"}, target.AlertFingerprints())
	assert.True(t, now.Equal(target.LastAlertAt))

	assert.ErrorIs(t, target.MergeInto(target), ErrInvalidTransition)
	assert.ErrorIs(t, target.MergeInto(source), ErrInvalidTransition)
}
