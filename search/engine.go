// Package search evaluates presets against a tenant's alerts, either in process over the
// relational store or as one aggregate query against the secondary index. Both paths
// report the same counts and noise signal for equivalent CEL and SQL filters.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"vigil/core"
	"vigil/expr"
	"vigil/metrics"
	"vigil/storage"
)

// Search modes
const (
	ModeInternal = "internal"
	ModeIndex    = "index"
)

const pingTimeout = 2 * time.Second

// Config wires an Engine. Index is optional.
type Config struct {
	Alerts  storage.AlertStorageInterface
	Presets storage.PresetStorageInterface
	Index   storage.AlertIndexInterface
	Expr    *expr.Engine
	Logger  *zap.SugaredLogger
}

// Engine runs presets and searches for tenants
type Engine struct {
	alerts  storage.AlertStorageInterface
	presets storage.PresetStorageInterface
	index   storage.AlertIndexInterface
	expr    *expr.Engine
	logger  *zap.SugaredLogger

	mu    sync.RWMutex
	modes map[string]string
}

// NewEngine creates a search engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Alerts == nil || cfg.Presets == nil || cfg.Expr == nil {
		return nil, errors.New("search engine requires alert and preset storage and a CEL engine")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &Engine{
		alerts:  cfg.Alerts,
		presets: cfg.Presets,
		index:   cfg.Index,
		expr:    cfg.Expr,
		logger:  cfg.Logger,
		modes:   make(map[string]string),
	}, nil
}

// Mode returns the tenant's search mode. It is decided on first use: index mode when an
// index is configured and answers a ping, internal mode otherwise.
func (e *Engine) Mode(ctx context.Context, tenantID string) string {
	if e.index == nil {
		return ModeInternal
	}

	e.mu.RLock()
	mode, ok := e.modes[tenantID]
	e.mu.RUnlock()
	if ok {
		return mode
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	mode = ModeIndex
	if err := e.index.Ping(pingCtx); err != nil {
		e.logger.Warnw("Alert index unreachable, using internal search", "tenant_id", tenantID, "error", err)
		mode = ModeInternal
	}

	e.mu.Lock()
	if cached, ok := e.modes[tenantID]; ok {
		mode = cached
	} else {
		e.modes[tenantID] = mode
	}
	e.mu.Unlock()
	return mode
}

// TenantPresets returns a tenant's presets
func (e *Engine) TenantPresets(ctx context.Context, tenantID string) ([]*core.Preset, error) {
	return e.presets.GetPresets(ctx, nil, tenantID)
}

// RunPresets computes the count and noise signal of every preset. A preset the index
// cannot answer is computed internally instead.
func (e *Engine) RunPresets(ctx context.Context, tenantID string, presets []*core.Preset) ([]core.PresetResult, error) {
	mode := e.Mode(ctx, tenantID)

	var latest []*core.Alert
	loadLatest := func() ([]*core.Alert, error) {
		if latest != nil {
			return latest, nil
		}
		alerts, err := e.LatestAlerts(ctx, nil, tenantID)
		if err != nil {
			return nil, err
		}
		latest = alerts
		if latest == nil {
			latest = []*core.Alert{}
		}
		return latest, nil
	}

	results := make([]core.PresetResult, 0, len(presets))
	for _, preset := range presets {
		if mode == ModeIndex {
			result, err := e.runIndexed(ctx, tenantID, preset)
			if err == nil {
				results = append(results, result)
				continue
			}
			e.logger.Warnw("Index preset query failed, computing internally",
				"tenant_id", tenantID, "preset", preset.Name, "error", err)
		}

		alerts, err := loadLatest()
		if err != nil {
			return nil, err
		}
		results = append(results, e.runInternal(preset, alerts))
	}
	return results, nil
}

func (e *Engine) runIndexed(ctx context.Context, tenantID string, preset *core.Preset) (core.PresetResult, error) {
	query, ok := preset.SQL()
	if !ok {
		return core.PresetResult{}, errors.New("preset has no SQL option")
	}
	where, err := RenderSQL(query, e.index.Dialect())
	if err != nil {
		return core.PresetResult{}, err
	}
	counts, err := e.index.CountPreset(ctx, tenantID, where)
	if err != nil {
		return core.PresetResult{}, err
	}
	metrics.PresetQueries.WithLabelValues(ModeIndex).Inc()
	return core.PresetResult{
		PresetID:         preset.ID,
		Name:             preset.Name,
		AlertsCount:      counts.Total,
		IsNoisy:          preset.IsNoisy,
		ShouldDoNoiseNow: core.ShouldDoNoiseNow(preset, counts.Firing, counts.Noisy),
		Mode:             ModeIndex,
	}, nil
}

func (e *Engine) runInternal(preset *core.Preset, alerts []*core.Alert) core.PresetResult {
	var firing, noisy int
	filtered := e.filter(preset, alerts)
	for _, alert := range filtered {
		if !alert.IsActionable() {
			continue
		}
		firing++
		if alert.IsNoisy {
			noisy++
		}
	}
	metrics.PresetQueries.WithLabelValues(ModeInternal).Inc()
	return core.PresetResult{
		PresetID:         preset.ID,
		Name:             preset.Name,
		AlertsCount:      len(filtered),
		IsNoisy:          preset.IsNoisy,
		ShouldDoNoiseNow: core.ShouldDoNoiseNow(preset, firing, noisy),
		Mode:             ModeInternal,
	}
}

func (e *Engine) filter(preset *core.Preset, alerts []*core.Alert) []*core.Alert {
	cel, ok := preset.CEL()
	if !ok {
		e.logger.Warnw("Preset has no CEL option", "preset", preset.Name)
		return nil
	}
	out := make([]*core.Alert, 0)
	for _, alert := range alerts {
		if e.matches(cel, alert) {
			out = append(out, alert)
		}
	}
	return out
}

// matches evaluates a filter expression. Evaluation problems never match.
func (e *Engine) matches(cel string, alert *core.Alert) bool {
	ok, err := e.expr.Matches(cel, alert.Payload())
	switch {
	case err == nil:
		return ok
	case errors.Is(err, expr.ErrNotBoolean):
		e.logger.Warnw("Search expression is not boolean", "cel", cel, "error", err)
	case expr.IsMissingField(err):
		e.logger.Debugw("Search expression references a missing field", "cel", cel, "error", err)
	default:
		e.logger.Errorw("Failed to evaluate search expression", "cel", cel, "error", err)
	}
	return false
}

// LatestAlerts returns the latest alert of every fingerprint of a tenant as stored at
// ingest, enrichments included. This is the same state the index holds, so both search
// modes filter identical documents.
func (e *Engine) LatestAlerts(ctx context.Context, sess *storage.Session, tenantID string) ([]*core.Alert, error) {
	latest, err := e.alerts.GetLatestAlerts(ctx, sess, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for tenant %s: %w", tenantID, err)
	}
	return latest, nil
}

// SearchAlerts returns the tenant's latest alerts matching a CEL filter
func (e *Engine) SearchAlerts(ctx context.Context, sess *storage.Session, tenantID, cel string) ([]*core.Alert, error) {
	latest, err := e.LatestAlerts(ctx, sess, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Alert, 0)
	for _, alert := range latest {
		if e.matches(cel, alert) {
			out = append(out, alert)
		}
	}
	return out, nil
}

// MatchingPresets returns the tenant presets whose CEL filter selects alert
func (e *Engine) MatchingPresets(ctx context.Context, sess *storage.Session, tenantID string, alert *core.Alert) ([]*core.Preset, error) {
	presets, err := e.presets.GetPresets(ctx, sess, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load presets for tenant %s: %w", tenantID, err)
	}
	var out []*core.Preset
	for _, preset := range presets {
		cel, ok := preset.CEL()
		if !ok {
			continue
		}
		if e.matches(cel, alert) {
			out = append(out, preset)
		}
	}
	return out, nil
}
