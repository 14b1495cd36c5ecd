// Package notify delivers change notifications to connected clients
package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"vigil/metrics"
)

// Pusher delivers an event on a channel
type Pusher interface {
	Trigger(ctx context.Context, channel, event string, payload any) error
}

// Message is the envelope every pusher delivers
type Message struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// TenantChannel returns the private channel of a tenant
func TenantChannel(tenantID string) string {
	return fmt.Sprintf("private-%s", tenantID)
}

// DebouncedPusher gates a Pusher with a shared Debouncer
type DebouncedPusher struct {
	pusher    Pusher
	debouncer *Debouncer
	logger    *zap.SugaredLogger
}

// NewDebouncedPusher wraps pusher. A nil pusher drops every notification.
func NewDebouncedPusher(pusher Pusher, debouncer *Debouncer, logger *zap.SugaredLogger) *DebouncedPusher {
	return &DebouncedPusher{pusher: pusher, debouncer: debouncer, logger: logger}
}

// Notify triggers event on the tenant channel unless the same event fired for the tenant
// within the debounce interval. It reports whether a trigger was attempted; delivery
// failures are logged.
func (p *DebouncedPusher) Notify(ctx context.Context, tenantID, event string, payload any) bool {
	if p == nil || p.pusher == nil {
		return false
	}
	if !p.debouncer.Allow(tenantID, event) {
		metrics.NotificationsPushed.WithLabelValues(event, "debounced").Inc()
		p.logger.Debugw("Notification debounced", "tenant_id", tenantID, "event", event)
		return false
	}
	if err := p.pusher.Trigger(ctx, TenantChannel(tenantID), event, payload); err != nil {
		metrics.NotificationsPushed.WithLabelValues(event, "error").Inc()
		p.logger.Warnw("Failed to push notification", "tenant_id", tenantID, "event", event, "error", err)
		return true
	}
	metrics.NotificationsPushed.WithLabelValues(event, "sent").Inc()
	return true
}
