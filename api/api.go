// Package api exposes the alert pipeline, presets and maintenance windows over HTTP
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"vigil/config"
	"vigil/core"
	"vigil/service"
	"vigil/storage"
)

// rateLimiterEntry holds a rate limiter with last seen time
type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Ingester runs alert batches through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, tenantID string, alerts []*core.Alert) (*service.IngestResult, error)
	Submit(ctx context.Context, tenantID string, alerts []*core.Alert) error
}

// Searcher computes preset results and alert searches
type Searcher interface {
	TenantPresets(ctx context.Context, tenantID string) ([]*core.Preset, error)
	RunPresets(ctx context.Context, tenantID string, presets []*core.Preset) ([]core.PresetResult, error)
	SearchAlerts(ctx context.Context, sess *storage.Session, tenantID, cel string) ([]*core.Alert, error)
}

// ExpressionParser checks filter syntax before rules are stored
type ExpressionParser interface {
	Parse(expression string) error
}

// Deps are the collaborators the API serves. Incidents and Push are optional.
type Deps struct {
	Ingester    Ingester
	Search      Searcher
	Presets     storage.PresetStorageInterface
	Maintenance storage.MaintenanceRuleStorageInterface
	Incidents   storage.IncidentStorageInterface
	Expr        ExpressionParser
	Push        http.Handler
}

// API holds the API server
type API struct {
	router         *mux.Router
	server         *http.Server
	deps           Deps
	config         *config.Config
	logger         *zap.SugaredLogger
	rateLimiters   map[string]*rateLimiterEntry
	rateLimitersMu sync.Mutex
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewAPI creates a new API server
func NewAPI(deps Deps, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:       mux.NewRouter(),
		deps:         deps,
		config:       cfg,
		logger:       logger,
		rateLimiters: make(map[string]*rateLimiterEntry),
		stopCh:       make(chan struct{}),
	}
	a.setupRoutes()
	go a.cleanupRateLimiters()
	return a
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	return a.router
}

// setupRoutes sets up the API routes
func (a *API) setupRoutes() {
	a.router.Use(a.corsMiddleware)

	tenant := a.router.PathPrefix("/api/v1/tenants/{tenant}").Subrouter()
	tenant.Use(a.rateLimitMiddleware)
	tenant.HandleFunc("/alerts", a.ingestAlerts).Methods("POST")
	tenant.HandleFunc("/alerts", a.searchAlerts).Methods("GET")
	tenant.HandleFunc("/presets", a.getPresets).Methods("GET")
	tenant.HandleFunc("/presets", a.createPreset).Methods("POST")
	tenant.HandleFunc("/maintenance-rules", a.getMaintenanceRules).Methods("GET")
	tenant.HandleFunc("/maintenance-rules", a.createMaintenanceRule).Methods("POST")
	tenant.HandleFunc("/incidents", a.getIncidents).Methods("GET")

	if a.deps.Push != nil {
		a.router.Handle("/ws", a.deps.Push)
	}
	a.router.HandleFunc("/healthz", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Start starts the API server
func (a *API) Start() error {
	a.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.config.API.Host, a.config.API.Port),
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Infow("API server listening", "addr", a.server.Addr)
	return a.server.ListenAndServe()
}

// Stop stops the API server
func (a *API) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}
