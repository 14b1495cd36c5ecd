// Package workflow hands processed alerts to the external workflow-automation engine
package workflow

import (
	"context"

	"vigil/core"
)

// Sink accepts alerts for workflow automation. Delivery is fire-and-forget: callers log
// failures and never retry.
type Sink interface {
	InsertEvents(ctx context.Context, tenantID string, alerts []*core.Alert) error
}

// NopSink discards every event
type NopSink struct{}

func (NopSink) InsertEvents(context.Context, string, []*core.Alert) error { return nil }
