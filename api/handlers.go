package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"vigil/core"
	"vigil/storage"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 4 << 20

func tenantID(r *http.Request) string {
	return mux.Vars(r)["tenant"]
}

// decodeAlerts accepts a single alert object or an array of alerts
func decodeAlerts(body io.Reader) ([]*core.Alert, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}
	if raw[0] == '[' {
		var alerts []*core.Alert
		if err := json.Unmarshal(raw, &alerts); err != nil {
			return nil, err
		}
		return alerts, nil
	}
	var alert core.Alert
	if err := json.Unmarshal(raw, &alert); err != nil {
		return nil, err
	}
	return []*core.Alert{&alert}, nil
}

// ingestAlerts runs the posted alerts through the pipeline. With ?async=true the batch is
// queued and 202 is returned.
func (a *API) ingestAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	alerts, err := decodeAlerts(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid alert payload", err, a.logger)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if err := a.deps.Ingester.Submit(r.Context(), tenant, alerts); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Failed to queue alerts", err, a.logger)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]int{"queued": len(alerts)}, a.logger)
		return
	}

	result, err := a.deps.Ingester.Ingest(r.Context(), tenant, alerts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to ingest alerts", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, result, a.logger)
}

// searchAlerts returns the tenant's latest alerts matching the cel query parameter
func (a *API) searchAlerts(w http.ResponseWriter, r *http.Request) {
	cel := r.URL.Query().Get("cel")
	if cel == "" {
		cel = "true"
	}
	if err := a.deps.Expr.Parse(cel); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err, a.logger)
		return
	}
	alerts, err := a.deps.Search.SearchAlerts(r.Context(), nil, tenantID(r), cel)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search alerts", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, alerts, a.logger)
}

// getPresets returns the count and noise signal of every tenant preset
func (a *API) getPresets(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)
	presets, err := a.deps.Search.TenantPresets(r.Context(), tenant)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load presets", err, a.logger)
		return
	}
	results, err := a.deps.Search.RunPresets(r.Context(), tenant, presets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute presets", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, results, a.logger)
}

func (a *API) createPreset(w http.ResponseWriter, r *http.Request) {
	var preset core.Preset
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&preset); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid preset payload", err, a.logger)
		return
	}
	preset.ID = ""
	preset.TenantID = tenantID(r)

	if err := preset.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid preset", err, a.logger)
		return
	}
	cel, _ := preset.CEL()
	if err := a.deps.Expr.Parse(cel); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid preset", err, a.logger)
		return
	}

	if err := a.deps.Presets.CreatePreset(r.Context(), &preset); err != nil {
		if errors.Is(err, storage.ErrPresetNameExists) {
			writeError(w, http.StatusConflict, "Preset already exists", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create preset", err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, preset, a.logger)
}

func (a *API) getMaintenanceRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.deps.Maintenance.ListMaintenanceRules(r.Context(), tenantID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load maintenance rules", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, rules, a.logger)
}

func (a *API) createMaintenanceRule(w http.ResponseWriter, r *http.Request) {
	var rule core.MaintenanceWindowRule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid maintenance rule payload", err, a.logger)
		return
	}
	rule.ID = ""
	rule.TenantID = tenantID(r)

	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid maintenance rule", err, a.logger)
		return
	}
	if err := a.deps.Expr.Parse(rule.CELQuery); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid maintenance rule", err, a.logger)
		return
	}

	if err := a.deps.Maintenance.CreateMaintenanceRule(r.Context(), &rule); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create maintenance rule", err, a.logger)
		return
	}
	writeJSON(w, http.StatusCreated, rule, a.logger)
}

func (a *API) getIncidents(w http.ResponseWriter, r *http.Request) {
	if a.deps.Incidents == nil {
		writeError(w, http.StatusNotFound, "Correlation is disabled", nil, a.logger)
		return
	}
	status := core.IncidentStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.IsValid() {
		writeError(w, http.StatusBadRequest, "Invalid incident status", nil, a.logger)
		return
	}
	incidents, err := a.deps.Incidents.ListIncidents(r.Context(), tenantID(r), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load incidents", err, a.logger)
		return
	}
	writeJSON(w, http.StatusOK, incidents, a.logger)
}

func (a *API) healthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, a.logger)
}
