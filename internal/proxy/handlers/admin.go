package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"kiro-nexus/internal/manager"
	"kiro-nexus/internal/proxy/monitor"
	"kiro-nexus/internal/scheduler"
	"kiro-nexus/internal/store"
)

// GetSettingsHandler handles GET /api/settings.
func GetSettingsHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, err := mgr.LoadSettings()
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "settings": cfg})
	}
}

// UpdateSettingsHandler handles PUT /api/settings. The merged settings are
// persisted and the whole maintenance schedule is reinstalled.
func UpdateSettingsHandler(mgr *manager.Manager, sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patch, err := io.ReadAll(r.Body)
		if err != nil {
			writeManagementError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		merged, err := mgr.UpdateSettings(patch)
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusBadRequest)
			return
		}
		sched.Reconfigure(merged)
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "settings": merged})
	}
}

// TriggerHandler handles POST /api/scheduler/trigger/{job}, running the named
// maintenance task synchronously.
func TriggerHandler(sched *scheduler.Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job := chi.URLParam(r, "job")
		if err := sched.Trigger(r.Context(), job); err != nil {
			if strings.HasPrefix(err.Error(), "unknown task") {
				writeManagementError(w, err.Error(), http.StatusNotFound)
				return
			}
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "job": job})
	}
}

// ListAccountsHandler handles GET /api/accounts.
func ListAccountsHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := mgr.ListAccounts()
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "accounts": accounts})
	}
}

// GetAccountHandler handles GET /api/accounts/{id}.
func GetAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := mgr.GetAccount(chi.URLParam(r, "id"))
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "account": a})
	}
}

// ImportAccountsHandler handles POST /api/accounts/import.
func ImportAccountsHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeManagementError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		n, err := mgr.ImportAccounts(body)
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "imported": n})
	}
}

// ExportAccountsHandler handles GET /api/accounts/export.
func ExportAccountsHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		blob, err := mgr.ExportAccounts()
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="kiro-accounts.json"`)
		w.Write(blob)
	}
}

// UpdateAccountHandler handles PUT /api/accounts/{id}.
func UpdateAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		patch, err := io.ReadAll(r.Body)
		if err != nil {
			writeManagementError(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		a, err := mgr.UpdateAccount(id, patch)
		if err != nil {
			status := http.StatusBadRequest
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			writeManagementError(w, err.Error(), status)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "account": a})
	}
}

// DeleteAccountHandler handles DELETE /api/accounts/{id}.
func DeleteAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.DeleteAccount(chi.URLParam(r, "id")); err != nil {
			writeManagementError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// RefreshAccountHandler handles POST /api/accounts/{id}/refresh, the
// per-account token-status probe.
func RefreshAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, reason, err := mgr.RefreshAccount(r.Context(), id)
		if err != nil {
			status := http.StatusInternalServerError
			if strings.Contains(err.Error(), "not found") {
				status = http.StatusNotFound
			}
			writeManagementError(w, err.Error(), status)
			return
		}
		body := map[string]any{"success": true, "refreshed": ok}
		if !ok {
			body["reason"] = reason
		}
		writeManagementJSON(w, http.StatusOK, body)
	}
}

// RegenerateMachineIDHandler handles POST /api/accounts/{id}/machine-id.
func RegenerateMachineIDHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		machineID, err := mgr.RegenerateMachineID(chi.URLParam(r, "id"))
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true, "machineId": machineID})
	}
}

// SetCurrentAccountHandler handles POST /api/accounts/{id}/set-current.
func SetCurrentAccountHandler(mgr *manager.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.SetCurrent(chi.URLParam(r, "id")); err != nil {
			writeManagementError(w, err.Error(), http.StatusNotFound)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// StatsHandler handles GET /api/stats: pool counts plus request counters.
func StatsHandler(mgr *manager.Manager, mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pool, err := mgr.Stats()
		if err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		body := map[string]any{"success": true, "pool": pool}
		if mon != nil {
			body["requests"] = mon.Counters()
		}
		writeManagementJSON(w, http.StatusOK, body)
	}
}

// LogsHandler handles GET /api/logs.
func LogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"logs":    mon.Logs(limit),
		})
	}
}

// ClearLogsHandler handles DELETE /api/logs.
func ClearLogsHandler(mon *monitor.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mon.Clear(); err != nil {
			writeManagementError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeManagementJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// GetAPIKeyHandler handles GET /api/config/apikey.
func GetAPIKeyHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"apiKey":  store.GetAPIKey(db),
		})
	}
}

// RegenerateAPIKeyHandler handles POST /api/config/apikey/regenerate.
func RegenerateAPIKeyHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeManagementJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"apiKey":  store.RegenerateAPIKey(db),
		})
	}
}
